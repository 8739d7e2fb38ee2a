package trade_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/sectorwars/trade-engine/internal/catalog"
	"github.com/sectorwars/trade-engine/internal/inventory"
	"github.com/sectorwars/trade-engine/internal/model"
	"github.com/sectorwars/trade-engine/internal/negotiation"
	"github.com/sectorwars/trade-engine/internal/pricing"
	"github.com/sectorwars/trade-engine/internal/store"
	"github.com/sectorwars/trade-engine/internal/trade"
	"github.com/sectorwars/trade-engine/internal/uniqueness"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var epoch = time.Date(2102, 3, 1, 12, 0, 0, 0, time.UTC)

type fixedRand float64

func (f fixedRand) Float64() float64 { return float64(f) }

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type testEnv struct {
	svc    *trade.Service
	st     *store.MemoryStore
	clock  *testClock
	router chi.Router
}

// newTestEnv builds a service over an in-memory store holding one Mixed
// Market port (class 6): players buy equipment and fuel there and sell ore
// and organics. Stock does not drift unless a test says so.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithHub(t, nil)
}

func newTestEnvWithHub(t *testing.T, hub *trade.WSHub) *testEnv {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMemoryStore()

	mustCreate(t, ms.CreatePort(ctx, &model.Port{
		ID: "port-1", Name: "Mixed Market 1", SectorID: 7, Class: 6,
		Personality: model.Federation, CreatedAt: epoch,
	}))
	for _, m := range []*model.PortMarketState{
		{PortID: "port-1", Commodity: model.Equipment, Quantity: 1000, Capacity: 2000,
			PriceVariance: 0.3, BasePrice: d("35"), LastUpdate: epoch},
		{PortID: "port-1", Commodity: model.Fuel, Quantity: 100, Capacity: 1000,
			PriceVariance: 0.15, BasePrice: d("12"), LastUpdate: epoch},
		{PortID: "port-1", Commodity: model.Ore, Quantity: 100, Capacity: 120,
			PriceVariance: 0.2, BasePrice: d("15"), LastUpdate: epoch},
	} {
		mustCreate(t, ms.CreateMarketState(ctx, m))
	}
	for _, p := range []*model.Player{
		{ID: "player-1", Credits: d("1000"), CargoCapacity: 50, Cargo: map[model.Commodity]int64{model.Ore: 30}},
		{ID: "player-2", Credits: d("100"), CargoCapacity: 100, Cargo: map[model.Commodity]int64{}},
		{ID: "whale", Credits: d("1000000"), CargoCapacity: 10000, Cargo: map[model.Commodity]int64{}},
	} {
		mustCreate(t, ms.CreatePlayer(ctx, p))
	}

	pricer, err := pricing.NewModel(pricing.DefaultParams())
	if err != nil {
		t.Fatalf("pricing model: %v", err)
	}
	emb := uniqueness.NewHashEmbedder(256)
	idx, err := uniqueness.NewChromemIndex("", emb)
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	guard := trade.InstrumentGuard(uniqueness.NewGuard(ms, idx, emb, 0.85))
	engine := negotiation.NewEngine(negotiation.DefaultConfig(), guard, nil, fixedRand(0))
	sessions := negotiation.NewRegistry(100, time.Hour)

	clock := &testClock{t: epoch}
	svc := trade.NewService(ms, pricer, inventory.NewClock(240, 1), engine, sessions, hub,
		trade.WithClock(clock.Now))

	r := chi.NewRouter()
	r.Route("/api/v1", trade.NewHandler(svc).Routes)

	return &testEnv{svc: svc, st: ms, clock: clock, router: r}
}

func mustCreate(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

// snapshot serialises everything a trade may touch.
func (e *testEnv) snapshot(t *testing.T, playerID string, c model.Commodity) string {
	t.Helper()
	ctx := context.Background()
	market, err := e.st.GetMarketState(ctx, "port-1", c)
	if err != nil {
		t.Fatalf("get market: %v", err)
	}
	var player *model.Player
	if playerID != "" {
		player, _ = e.st.GetPlayer(ctx, playerID)
	}
	txs, _ := e.st.ListTransactionsByPort(ctx, "port-1")
	data, err := json.Marshal(map[string]any{"market": market, "player": player, "txs": txs})
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	return string(data)
}

func TestQuote(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// 35 * (1 - 0.3*1000/1000)
	q, err := env.svc.Quote(ctx, "port-1", model.Equipment, model.Buy)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !q.Price.Equal(d("24.5")) {
		t.Errorf("equipment buy price = %s, want 24.5", q.Price)
	}
	if q.Quantity != 1000 || q.Capacity != 2000 {
		t.Errorf("quantity/capacity = %d/%d, want 1000/2000", q.Quantity, q.Capacity)
	}

	q, err = env.svc.Quote(ctx, "port-1", model.Ore, model.Sell)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !q.Price.Equal(d("14.7")) {
		t.Errorf("ore sell price = %s, want 14.7", q.Price)
	}

	if _, err := env.svc.Quote(ctx, "port-1", model.Ore, model.Buy); !errors.Is(err, catalog.ErrUnsupportedCommodity) {
		t.Errorf("ore buy: err = %v, want ErrUnsupportedCommodity", err)
	}
	if _, err := env.svc.Quote(ctx, "nowhere", model.Ore, model.Sell); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown port: err = %v, want ErrNotFound", err)
	}
	if _, err := env.svc.Quote(ctx, "port-1", model.Ore, "steal"); !errors.Is(err, trade.ErrInvalidDirection) {
		t.Errorf("bad direction: err = %v, want ErrInvalidDirection", err)
	}
}

func TestQuoteDoesNotPersist(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	before := env.snapshot(t, "", model.Fuel)

	env.clock.Set(epoch.Add(3 * time.Hour))
	if _, err := env.svc.Quote(ctx, "port-1", model.Fuel, model.Buy); err != nil {
		t.Fatalf("quote: %v", err)
	}
	if after := env.snapshot(t, "", model.Fuel); after != before {
		t.Errorf("quote changed stored state:\nbefore %s\nafter  %s", before, after)
	}
}

func TestAdvanceAndQuote(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	m, _ := env.st.GetMarketState(ctx, "port-1", model.Fuel)
	m.ProductionRate = 10
	if err := env.st.SaveMarketState(ctx, m); err != nil {
		t.Fatalf("save: %v", err)
	}

	q, err := env.svc.AdvanceAndQuote(ctx, "port-1", model.Fuel, model.Buy, epoch.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if q.Quantity != 120 {
		t.Errorf("quantity = %d, want 120", q.Quantity)
	}

	stored, _ := env.st.GetMarketState(ctx, "port-1", model.Fuel)
	if stored.Quantity != 120 || !stored.LastUpdate.Equal(epoch.Add(2*time.Hour)) {
		t.Errorf("stored = %d at %s, want 120 at +2h", stored.Quantity, stored.LastUpdate)
	}

	// Same instant again is a no-op.
	if _, err := env.svc.AdvanceAndQuote(ctx, "port-1", model.Fuel, model.Buy, epoch.Add(2*time.Hour)); err != nil {
		t.Fatalf("repeat advance: %v", err)
	}
	again, _ := env.st.GetMarketState(ctx, "port-1", model.Fuel)
	if again.Version != stored.Version {
		t.Errorf("repeat advance wrote a new version %d", again.Version)
	}

	_, err = env.svc.AdvanceAndQuote(ctx, "port-1", model.Fuel, model.Buy, epoch.Add(time.Hour))
	if !errors.Is(err, inventory.ErrClockRegression) {
		t.Errorf("err = %v, want ErrClockRegression", err)
	}
}

func TestMarketBoard(t *testing.T) {
	env := newTestEnv(t)
	board, err := env.svc.MarketBoard(context.Background(), "port-1")
	if err != nil {
		t.Fatalf("board: %v", err)
	}
	if len(board.Entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(board.Entries))
	}
	for _, e := range board.Entries {
		switch e.Commodity {
		case model.Equipment, model.Fuel:
			if e.BuyPrice == nil || e.SellPrice != nil {
				t.Errorf("%s: players should only buy here", e.Commodity)
			}
		case model.Ore:
			if e.SellPrice == nil || e.BuyPrice != nil {
				t.Errorf("ore: players should only sell here")
			}
			if e.Name != "Ore" {
				t.Errorf("name = %q", e.Name)
			}
		}
	}
}

func TestExecuteTrade_Buy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tx, err := env.svc.ExecuteTrade(ctx, trade.TradeRequest{
		PlayerID: "player-1", PortID: "port-1", Commodity: model.Equipment, Direction: model.Buy, Quantity: 10,
	})
	if err != nil {
		t.Fatalf("trade: %v", err)
	}
	if !tx.UnitPrice.Equal(d("24.5")) || !tx.Total.Equal(d("245")) {
		t.Errorf("price/total = %s/%s, want 24.5/245", tx.UnitPrice, tx.Total)
	}
	if tx.Negotiated {
		t.Error("live-quote trade marked negotiated")
	}

	player, _ := env.st.GetPlayer(ctx, "player-1")
	if !player.Credits.Equal(d("755")) {
		t.Errorf("credits = %s, want 755", player.Credits)
	}
	if player.Cargo[model.Equipment] != 10 || player.Cargo[model.Ore] != 30 {
		t.Errorf("cargo = %v", player.Cargo)
	}

	market, _ := env.st.GetMarketState(ctx, "port-1", model.Equipment)
	if market.Quantity != 990 {
		t.Errorf("port stock = %d, want 990", market.Quantity)
	}

	txs, _ := env.st.ListTransactionsByPlayer(ctx, "player-1")
	if len(txs) != 1 || txs[0].ID != tx.ID {
		t.Errorf("transactions = %+v", txs)
	}

	// Depleting stock raises the next quote.
	q, _ := env.svc.Quote(ctx, "port-1", model.Equipment, model.Buy)
	if !q.Price.GreaterThan(d("24.5")) {
		t.Errorf("price after buy = %s, want above 24.5", q.Price)
	}
}

func TestExecuteTrade_Sell(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tx, err := env.svc.ExecuteTrade(ctx, trade.TradeRequest{
		PlayerID: "player-1", PortID: "port-1", Commodity: model.Ore, Direction: model.Sell, Quantity: 20,
	})
	if err != nil {
		t.Fatalf("trade: %v", err)
	}
	if !tx.Total.Equal(d("294")) {
		t.Errorf("total = %s, want 294", tx.Total)
	}

	player, _ := env.st.GetPlayer(ctx, "player-1")
	if !player.Credits.Equal(d("1294")) || player.Cargo[model.Ore] != 10 {
		t.Errorf("player = %s credits, %v", player.Credits, player.Cargo)
	}
	market, _ := env.st.GetMarketState(ctx, "port-1", model.Ore)
	if market.Quantity != 120 {
		t.Errorf("port stock = %d, want 120", market.Quantity)
	}

	// Selling the rest empties the hold entry.
	m, _ := env.st.GetMarketState(ctx, "port-1", model.Ore)
	m.Capacity = 500
	if err := env.st.SaveMarketState(ctx, m); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := env.svc.ExecuteTrade(ctx, trade.TradeRequest{
		PlayerID: "player-1", PortID: "port-1", Commodity: model.Ore, Direction: model.Sell, Quantity: 10,
	}); err != nil {
		t.Fatalf("second sell: %v", err)
	}
	player, _ = env.st.GetPlayer(ctx, "player-1")
	if _, ok := player.Cargo[model.Ore]; ok {
		t.Errorf("cargo still lists ore: %v", player.Cargo)
	}
}

func TestExecuteTrade_RejectionsChangeNothing(t *testing.T) {
	tests := []struct {
		name string
		req  trade.TradeRequest
		want error
	}{
		{"zero quantity", trade.TradeRequest{PlayerID: "player-1", Commodity: model.Equipment, Direction: model.Buy, Quantity: 0}, trade.ErrInvalidQuantity},
		{"negative quantity", trade.TradeRequest{PlayerID: "player-1", Commodity: model.Equipment, Direction: model.Buy, Quantity: -3}, trade.ErrInvalidQuantity},
		{"bad direction", trade.TradeRequest{PlayerID: "player-1", Commodity: model.Equipment, Direction: "hold", Quantity: 1}, trade.ErrInvalidDirection},
		{"unsupported", trade.TradeRequest{PlayerID: "player-1", Commodity: model.Ore, Direction: model.Buy, Quantity: 1}, catalog.ErrUnsupportedCommodity},
		{"no cargo room", trade.TradeRequest{PlayerID: "player-1", Commodity: model.Equipment, Direction: model.Buy, Quantity: 21}, trade.ErrInsufficientCargo},
		{"no credits", trade.TradeRequest{PlayerID: "player-2", Commodity: model.Equipment, Direction: model.Buy, Quantity: 10}, trade.ErrInsufficientFunds},
		{"no stock", trade.TradeRequest{PlayerID: "whale", Commodity: model.Fuel, Direction: model.Buy, Quantity: 101}, trade.ErrInsufficientStock},
		{"selling more than held", trade.TradeRequest{PlayerID: "player-1", Commodity: model.Ore, Direction: model.Sell, Quantity: 31}, trade.ErrInsufficientCargo},
		{"port full", trade.TradeRequest{PlayerID: "player-1", Commodity: model.Ore, Direction: model.Sell, Quantity: 21}, trade.ErrPortFull},
		{"unknown player", trade.TradeRequest{PlayerID: "ghost", Commodity: model.Equipment, Direction: model.Buy, Quantity: 1}, store.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			tt.req.PortID = "port-1"
			c := tt.req.Commodity
			before := env.snapshot(t, tt.req.PlayerID, c)

			tx, err := env.svc.ExecuteTrade(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if tx != nil {
				t.Errorf("rejected trade returned a transaction")
			}
			if after := env.snapshot(t, tt.req.PlayerID, c); after != before {
				t.Errorf("state changed:\nbefore %s\nafter  %s", before, after)
			}
		})
	}
}

func TestExecuteTrade_AdvancesBeforeValidating(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	m, _ := env.st.GetMarketState(ctx, "port-1", model.Fuel)
	m.ProductionRate = 5
	if err := env.st.SaveMarketState(ctx, m); err != nil {
		t.Fatalf("save: %v", err)
	}
	env.clock.Set(epoch.Add(2 * time.Hour))

	// 100 in stock plus 10 produced since the last update.
	if _, err := env.svc.ExecuteTrade(ctx, trade.TradeRequest{
		PlayerID: "whale", PortID: "port-1", Commodity: model.Fuel, Direction: model.Buy, Quantity: 110,
	}); err != nil {
		t.Fatalf("trade: %v", err)
	}
	stored, _ := env.st.GetMarketState(ctx, "port-1", model.Fuel)
	if stored.Quantity != 0 || !stored.LastUpdate.Equal(epoch.Add(2*time.Hour)) {
		t.Errorf("stored = %d at %s", stored.Quantity, stored.LastUpdate)
	}
}

func TestExecuteTrade_NegotiatedPrice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	view, err := env.svc.OpenNegotiation(ctx, "player-1", "port-1", model.Equipment, model.Buy)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !view.Quote.Equal(d("24.5")) {
		t.Fatalf("session quote = %s", view.Quote)
	}

	// Unaccepted sessions cannot back a trade.
	req := trade.TradeRequest{PlayerID: "player-1", PortID: "port-1", Commodity: model.Equipment,
		Direction: model.Buy, Quantity: 10, SessionID: view.ID}
	if _, err := env.svc.ExecuteTrade(ctx, req); !errors.Is(err, negotiation.ErrNotAccepted) {
		t.Fatalf("err = %v, want ErrNotAccepted", err)
	}

	out, err := env.svc.SubmitOffer(ctx, view.ID, negotiation.Offer{Price: d("24")})
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	if out.Verdict != negotiation.Accept {
		t.Fatalf("verdict = %s, want accept", out.Verdict)
	}

	// A failed trade leaves the agreement usable.
	tooMany := req
	tooMany.Quantity = 21
	if _, err := env.svc.ExecuteTrade(ctx, tooMany); !errors.Is(err, trade.ErrInsufficientCargo) {
		t.Fatalf("err = %v, want ErrInsufficientCargo", err)
	}

	wrong := req
	wrong.Commodity = model.Fuel
	if _, err := env.svc.ExecuteTrade(ctx, wrong); !errors.Is(err, trade.ErrSessionMismatch) {
		t.Fatalf("err = %v, want ErrSessionMismatch", err)
	}

	tx, err := env.svc.ExecuteTrade(ctx, req)
	if err != nil {
		t.Fatalf("trade: %v", err)
	}
	if !tx.UnitPrice.Equal(d("24")) || !tx.Total.Equal(d("240")) || !tx.Negotiated {
		t.Errorf("tx = %s x %d = %s negotiated=%v", tx.UnitPrice, tx.Quantity, tx.Total, tx.Negotiated)
	}

	if _, err := env.svc.ExecuteTrade(ctx, req); !errors.Is(err, negotiation.ErrAlreadyUsed) {
		t.Errorf("reuse: err = %v, want ErrAlreadyUsed", err)
	}
}

func TestNegotiation_LockedUntilVisitEnds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.svc.OpenNegotiation(ctx, "player-1", "port-1", model.Equipment, model.Buy)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	resumed, err := env.svc.OpenNegotiation(ctx, "player-1", "port-1", model.Equipment, model.Buy)
	if err != nil || resumed.ID != first.ID {
		t.Fatalf("reopen = %s, %v; want resumed %s", resumed.ID, err, first.ID)
	}

	// 18 is 26% under the quote: beyond the negotiable band.
	out, err := env.svc.SubmitOffer(ctx, first.ID, negotiation.Offer{Price: d("18")})
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	if out.Verdict != negotiation.Reject || out.Reason != negotiation.TooGreedy {
		t.Fatalf("outcome = %s/%s, want reject/too_greedy", out.Verdict, out.Reason)
	}

	if _, err := env.svc.OpenNegotiation(ctx, "player-1", "port-1", model.Equipment, model.Buy); !errors.Is(err, negotiation.ErrNegotiationLocked) {
		t.Fatalf("err = %v, want ErrNegotiationLocked", err)
	}
	// Other commodities are unaffected.
	if _, err := env.svc.OpenNegotiation(ctx, "player-1", "port-1", model.Fuel, model.Buy); err != nil {
		t.Fatalf("open fuel: %v", err)
	}

	if n := env.svc.EndVisit("player-1", "port-1"); n != 2 {
		t.Errorf("EndVisit dropped %d sessions, want 2", n)
	}
	if _, err := env.svc.Negotiation(first.ID); !errors.Is(err, negotiation.ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
	if _, err := env.svc.OpenNegotiation(ctx, "player-1", "port-1", model.Equipment, model.Buy); err != nil {
		t.Errorf("open after leaving: %v", err)
	}
}

func TestNegotiation_CounterThenAccept(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	view, err := env.svc.OpenNegotiation(ctx, "player-1", "port-1", model.Equipment, model.Buy)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := env.svc.AcceptCounter(ctx, view.ID); !errors.Is(err, negotiation.ErrNoCounter) {
		t.Fatalf("err = %v, want ErrNoCounter", err)
	}

	// 22 is ~10% under: inside Federation's negotiable band, outside accept.
	out, err := env.svc.SubmitOffer(ctx, view.ID, negotiation.Offer{Price: d("22")})
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	if out.Verdict != negotiation.Counter {
		t.Fatalf("verdict = %s, want counter", out.Verdict)
	}
	// 22 + (24.5-22)*0.6
	if !out.Price.Equal(d("23.5")) {
		t.Errorf("counter = %s, want 23.5", out.Price)
	}

	out, err = env.svc.AcceptCounter(ctx, view.ID)
	if err != nil {
		t.Fatalf("accept counter: %v", err)
	}
	if out.Verdict != negotiation.Accept || !out.Price.Equal(d("23.5")) {
		t.Errorf("outcome = %s at %s", out.Verdict, out.Price)
	}

	got, _ := env.svc.Negotiation(view.ID)
	if got.Status != negotiation.Accepted || got.FinalPrice == nil || !got.FinalPrice.Equal(d("23.5")) {
		t.Errorf("view = %+v", got)
	}
}

func TestNegotiation_DuplicateStatementConsumesRound(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a, err := env.svc.OpenNegotiation(ctx, "player-1", "port-1", model.Equipment, model.Buy)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	b, err := env.svc.OpenNegotiation(ctx, "player-2", "port-1", model.Equipment, model.Buy)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	text := "My crew has not been paid in three weeks, I can offer 24 credits"
	if _, err := env.svc.SubmitOffer(ctx, a.ID, negotiation.Offer{Text: text}); err != nil {
		t.Fatalf("first statement: %v", err)
	}
	out, err := env.svc.SubmitOffer(ctx, b.ID, negotiation.Offer{Text: text})
	if err != nil {
		t.Fatalf("copied statement: %v", err)
	}
	if out.Verdict != negotiation.Reject || out.Reason != negotiation.Unoriginal {
		t.Fatalf("outcome = %s/%s, want reject/unoriginal", out.Verdict, out.Reason)
	}
	if out.RoundsUsed != 1 || out.Status != negotiation.Open {
		t.Errorf("rounds/status = %d/%s, want 1/open", out.RoundsUsed, out.Status)
	}
}

func TestAbandonNegotiation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	view, err := env.svc.OpenNegotiation(ctx, "player-1", "port-1", model.Equipment, model.Buy)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := env.svc.AbandonNegotiation(view.ID); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	got, _ := env.svc.Negotiation(view.ID)
	if got.Status != negotiation.Expired {
		t.Errorf("status = %s, want expired", got.Status)
	}
	if err := env.svc.AbandonNegotiation("missing"); !errors.Is(err, negotiation.ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestExecuteTrade_ConcurrentBuysConserveCredits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	txs := make([]*model.TradeTransaction, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			txs[i], errs[i] = env.svc.ExecuteTrade(ctx, trade.TradeRequest{
				PlayerID: "whale", PortID: "port-1", Commodity: model.Equipment, Direction: model.Buy, Quantity: 1,
			})
		}(i)
	}
	wg.Wait()

	spent := decimal.Zero
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("trade %d: %v", i, errs[i])
		}
		spent = spent.Add(txs[i].Total)
	}

	market, _ := env.st.GetMarketState(ctx, "port-1", model.Equipment)
	if market.Quantity != 1000-n {
		t.Errorf("port stock = %d, want %d", market.Quantity, 1000-n)
	}
	whale, _ := env.st.GetPlayer(ctx, "whale")
	if !whale.Credits.Equal(d("1000000").Sub(spent)) {
		t.Errorf("credits = %s, want 1000000 - %s", whale.Credits, spent)
	}
	if whale.Cargo[model.Equipment] != n {
		t.Errorf("cargo = %d, want %d", whale.Cargo[model.Equipment], n)
	}
}

func TestExecuteTrade_ConcurrentBuysNeverOversell(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// 30 buyers of 5 units against 100 in stock: exactly 20 fill.
	var wg sync.WaitGroup
	var mu sync.Mutex
	filled, short := 0, 0
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.ExecuteTrade(ctx, trade.TradeRequest{
				PlayerID: "whale", PortID: "port-1", Commodity: model.Fuel, Direction: model.Buy, Quantity: 5,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				filled++
			case errors.Is(err, trade.ErrInsufficientStock):
				short++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if filled != 20 || short != 10 {
		t.Errorf("filled/short = %d/%d, want 20/10", filled, short)
	}
	market, _ := env.st.GetMarketState(ctx, "port-1", model.Fuel)
	if market.Quantity != 0 {
		t.Errorf("port stock = %d, want 0", market.Quantity)
	}
}

func TestSeed(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	opts := trade.SeedOptions{Ports: 12, Players: 2, StartingCredits: d("5000"), CargoCapacity: 200, Now: epoch}

	res, err := trade.Seed(ctx, ms, opts)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if res.Ports != 12 || res.Players != 2 || res.Markets == 0 {
		t.Fatalf("result = %+v", res)
	}

	// Every class appears once; each stocked commodity is tradable there.
	ports, _ := ms.ListPorts(ctx)
	for _, p := range ports {
		states, _ := ms.ListMarketStates(ctx, p.ID)
		if len(states) != len(catalog.Traded(p.Class)) {
			t.Errorf("%s: %d markets, class %d trades %d", p.ID, len(states), p.Class, len(catalog.Traded(p.Class)))
		}
		for _, s := range states {
			if catalog.Supports(p.Class, s.Commodity, model.Sell) == nil && s.ProductionRate >= 0 {
				t.Errorf("%s/%s: ports consume what they buy", p.ID, s.Commodity)
			}
		}
	}

	again, err := trade.Seed(ctx, ms, opts)
	if err != nil {
		t.Fatalf("reseed: %v", err)
	}
	if again != (trade.SeedResult{}) {
		t.Errorf("reseed created %+v", again)
	}
}
