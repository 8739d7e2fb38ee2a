package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/sectorwars/trade-engine/internal/model"
)

// SQLiteStore implements Store on a single SQLite file. Decimals are kept as
// TEXT and timestamps as RFC 3339 strings so no precision is lost.
type SQLiteStore struct {
	conn *sqlx.DB
}

// OpenSQLite opens or creates a SQLite database at path and applies the
// schema. Use ":memory:" for a throwaway database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	if path == ":memory:" {
		dsn = "file::memory:?_pragma=foreign_keys(1)"
	}
	conn, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// A single connection serialises writers and keeps :memory: databases alive.
	conn.SetMaxOpenConns(1)

	s := &SQLiteStore{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS ports (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		sector_id INTEGER NOT NULL,
		class INTEGER NOT NULL,
		personality TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS port_markets (
		port_id TEXT NOT NULL REFERENCES ports(id),
		commodity TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity >= 0),
		capacity INTEGER NOT NULL DEFAULT 0,
		production_rate REAL NOT NULL,
		price_variance REAL NOT NULL,
		base_price TEXT NOT NULL,
		carry REAL NOT NULL DEFAULT 0,
		last_update TEXT NOT NULL,
		version INTEGER NOT NULL,
		PRIMARY KEY (port_id, commodity)
	);

	CREATE TABLE IF NOT EXISTS players (
		id TEXT PRIMARY KEY,
		credits TEXT NOT NULL,
		cargo_capacity INTEGER NOT NULL,
		cargo_json TEXT NOT NULL,
		version INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS trade_transactions (
		id TEXT PRIMARY KEY,
		player_id TEXT NOT NULL,
		port_id TEXT NOT NULL,
		commodity TEXT NOT NULL,
		direction TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		unit_price TEXT NOT NULL,
		total TEXT NOT NULL,
		negotiated INTEGER NOT NULL,
		timestamp TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS haggling_statements (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		normalized TEXT NOT NULL UNIQUE,
		embedding_json TEXT NOT NULL,
		player_id TEXT NOT NULL,
		port_id TEXT NOT NULL,
		timestamp TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_trade_transactions_port ON trade_transactions(port_id);
	CREATE INDEX IF NOT EXISTS idx_trade_transactions_player ON trade_transactions(player_id);
	`
	_, err := s.conn.Exec(schema)
	return err
}

type portRow struct {
	ID          string `db:"id"`
	Name        string `db:"name"`
	SectorID    int    `db:"sector_id"`
	Class       int    `db:"class"`
	Personality string `db:"personality"`
	CreatedAt   string `db:"created_at"`
}

func (r portRow) toModel() model.Port {
	return model.Port{
		ID:          r.ID,
		Name:        r.Name,
		SectorID:    r.SectorID,
		Class:       r.Class,
		Personality: model.Personality(r.Personality),
		CreatedAt:   parseTime(r.CreatedAt),
	}
}

type marketRow struct {
	PortID         string          `db:"port_id"`
	Commodity      string          `db:"commodity"`
	Quantity       int64           `db:"quantity"`
	Capacity       int64           `db:"capacity"`
	ProductionRate float64         `db:"production_rate"`
	PriceVariance  float64         `db:"price_variance"`
	BasePrice      decimal.Decimal `db:"base_price"`
	Carry          float64         `db:"carry"`
	LastUpdate     string          `db:"last_update"`
	Version        int64           `db:"version"`
}

func (r marketRow) toModel() model.PortMarketState {
	return model.PortMarketState{
		PortID:         r.PortID,
		Commodity:      model.Commodity(r.Commodity),
		Quantity:       r.Quantity,
		Capacity:       r.Capacity,
		ProductionRate: r.ProductionRate,
		PriceVariance:  r.PriceVariance,
		BasePrice:      r.BasePrice,
		Carry:          r.Carry,
		LastUpdate:     parseTime(r.LastUpdate),
		Version:        r.Version,
	}
}

type playerRow struct {
	ID            string          `db:"id"`
	Credits       decimal.Decimal `db:"credits"`
	CargoCapacity int64           `db:"cargo_capacity"`
	CargoJSON     string          `db:"cargo_json"`
	Version       int64           `db:"version"`
}

type transactionRow struct {
	ID         string          `db:"id"`
	PlayerID   string          `db:"player_id"`
	PortID     string          `db:"port_id"`
	Commodity  string          `db:"commodity"`
	Direction  string          `db:"direction"`
	Quantity   int64           `db:"quantity"`
	UnitPrice  decimal.Decimal `db:"unit_price"`
	Total      decimal.Decimal `db:"total"`
	Negotiated bool            `db:"negotiated"`
	Timestamp  string          `db:"timestamp"`
}

func (r transactionRow) toModel() model.TradeTransaction {
	return model.TradeTransaction{
		ID:         r.ID,
		PlayerID:   r.PlayerID,
		PortID:     r.PortID,
		Commodity:  model.Commodity(r.Commodity),
		Direction:  model.Direction(r.Direction),
		Quantity:   r.Quantity,
		UnitPrice:  r.UnitPrice,
		Total:      r.Total,
		Negotiated: r.Negotiated,
		Timestamp:  parseTime(r.Timestamp),
	}
}

type statementRow struct {
	ID            string `db:"id"`
	Normalized    string `db:"normalized"`
	EmbeddingJSON string `db:"embedding_json"`
	PlayerID      string `db:"player_id"`
	PortID        string `db:"port_id"`
	Timestamp     string `db:"timestamp"`
}

func (s *SQLiteStore) CreatePort(ctx context.Context, p *model.Port) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO ports (id, name, sector_id, class, personality, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.SectorID, p.Class, string(p.Personality), formatTime(p.CreatedAt))
	return sqliteError("create port "+p.ID, err)
}

func (s *SQLiteStore) GetPort(ctx context.Context, id string) (*model.Port, error) {
	var r portRow
	if err := s.conn.GetContext(ctx, &r, `SELECT * FROM ports WHERE id = ?`, id); err != nil {
		return nil, sqliteError("get port "+id, err)
	}
	p := r.toModel()
	return &p, nil
}

func (s *SQLiteStore) ListPorts(ctx context.Context) ([]model.Port, error) {
	var rows []portRow
	if err := s.conn.SelectContext(ctx, &rows, `SELECT * FROM ports ORDER BY sector_id, id`); err != nil {
		return nil, err
	}
	ports := make([]model.Port, 0, len(rows))
	for _, r := range rows {
		ports = append(ports, r.toModel())
	}
	return ports, nil
}

func (s *SQLiteStore) CreateMarketState(ctx context.Context, st *model.PortMarketState) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO port_markets (port_id, commodity, quantity, capacity, production_rate,
		                           price_variance, base_price, carry, last_update, version)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		st.PortID, string(st.Commodity), st.Quantity, st.Capacity, st.ProductionRate,
		st.PriceVariance, st.BasePrice.String(), st.Carry, formatTime(st.LastUpdate))
	if err != nil {
		return sqliteError("create market "+st.Key().String(), err)
	}
	st.Version = 1
	return nil
}

func (s *SQLiteStore) GetMarketState(ctx context.Context, portID string, c model.Commodity) (*model.PortMarketState, error) {
	var r marketRow
	err := s.conn.GetContext(ctx, &r,
		`SELECT * FROM port_markets WHERE port_id = ? AND commodity = ?`, portID, string(c))
	if err != nil {
		return nil, sqliteError(fmt.Sprintf("get market %s:%s", portID, c), err)
	}
	st := r.toModel()
	return &st, nil
}

func (s *SQLiteStore) ListMarketStates(ctx context.Context, portID string) ([]model.PortMarketState, error) {
	var rows []marketRow
	err := s.conn.SelectContext(ctx, &rows,
		`SELECT * FROM port_markets WHERE port_id = ? ORDER BY commodity`, portID)
	if err != nil {
		return nil, err
	}
	states := make([]model.PortMarketState, 0, len(rows))
	for _, r := range rows {
		states = append(states, r.toModel())
	}
	return states, nil
}

const sqliteUpdateMarket = `UPDATE port_markets
	SET quantity = ?, carry = ?, last_update = ?, version = version + 1
	WHERE port_id = ? AND commodity = ? AND version = ?`

func (s *SQLiteStore) SaveMarketState(ctx context.Context, st *model.PortMarketState) error {
	res, err := s.conn.ExecContext(ctx, sqliteUpdateMarket,
		st.Quantity, st.Carry, formatTime(st.LastUpdate), st.PortID, string(st.Commodity), st.Version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetMarketState(ctx, st.PortID, st.Commodity); err != nil {
			return err
		}
		return fmt.Errorf("market %s expected version %d: %w", st.Key(), st.Version, ErrConcurrentModification)
	}
	st.Version++
	return nil
}

func (s *SQLiteStore) CreatePlayer(ctx context.Context, p *model.Player) error {
	cargo, err := json.Marshal(cargoOrEmpty(p.Cargo))
	if err != nil {
		return fmt.Errorf("encode cargo: %w", err)
	}
	_, err = s.conn.ExecContext(ctx,
		`INSERT INTO players (id, credits, cargo_capacity, cargo_json, version) VALUES (?, ?, ?, ?, 1)`,
		p.ID, p.Credits.String(), p.CargoCapacity, string(cargo))
	if err != nil {
		return sqliteError("create player "+p.ID, err)
	}
	p.Version = 1
	return nil
}

func (s *SQLiteStore) GetPlayer(ctx context.Context, id string) (*model.Player, error) {
	var r playerRow
	if err := s.conn.GetContext(ctx, &r, `SELECT * FROM players WHERE id = ?`, id); err != nil {
		return nil, sqliteError("get player "+id, err)
	}
	p := &model.Player{ID: r.ID, Credits: r.Credits, CargoCapacity: r.CargoCapacity, Version: r.Version}
	if err := json.Unmarshal([]byte(r.CargoJSON), &p.Cargo); err != nil {
		return nil, fmt.Errorf("decode cargo of %s: %w", id, err)
	}
	return p, nil
}

func (s *SQLiteStore) ApplyTrade(ctx context.Context, m *model.TradeMutation) error {
	tx, err := s.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin trade: %w", err)
	}
	defer tx.Rollback()

	key := m.Market.Key()
	res, err := tx.ExecContext(ctx, sqliteUpdateMarket,
		m.Market.Quantity, m.Market.Carry, formatTime(m.Market.LastUpdate),
		key.PortID, string(key.Commodity), m.ExpectedMarket)
	if err != nil {
		return fmt.Errorf("update market: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("market %s expected version %d: %w", key, m.ExpectedMarket, s.missingOrConflict(ctx, tx,
			`SELECT COUNT(*) FROM port_markets WHERE port_id = ? AND commodity = ?`, key.PortID, string(key.Commodity)))
	}

	cargo, err := json.Marshal(cargoOrEmpty(m.Player.Cargo))
	if err != nil {
		return fmt.Errorf("encode cargo: %w", err)
	}
	res, err = tx.ExecContext(ctx,
		`UPDATE players SET credits = ?, cargo_json = ?, version = version + 1 WHERE id = ? AND version = ?`,
		m.Player.Credits.String(), string(cargo), m.Player.ID, m.ExpectedPlayer)
	if err != nil {
		return fmt.Errorf("update player: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("player %s expected version %d: %w", m.Player.ID, m.ExpectedPlayer, s.missingOrConflict(ctx, tx,
			`SELECT COUNT(*) FROM players WHERE id = ?`, m.Player.ID))
	}

	t := m.Transaction
	_, err = tx.ExecContext(ctx,
		`INSERT INTO trade_transactions (id, player_id, port_id, commodity, direction, quantity,
		                                 unit_price, total, negotiated, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.PlayerID, t.PortID, string(t.Commodity), string(t.Direction), t.Quantity,
		t.UnitPrice.String(), t.Total.String(), t.Negotiated, formatTime(t.Timestamp))
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit trade: %w", err)
	}
	m.Market.Version = m.ExpectedMarket + 1
	m.Player.Version = m.ExpectedPlayer + 1
	return nil
}

func (s *SQLiteStore) missingOrConflict(ctx context.Context, tx *sqlx.Tx, query string, args ...any) error {
	var n int
	if err := tx.GetContext(ctx, &n, query, args...); err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrConcurrentModification
}

func (s *SQLiteStore) ListTransactionsByPort(ctx context.Context, portID string) ([]model.TradeTransaction, error) {
	return s.listTransactions(ctx, `SELECT * FROM trade_transactions WHERE port_id = ? ORDER BY timestamp, rowid`, portID)
}

func (s *SQLiteStore) ListTransactionsByPlayer(ctx context.Context, playerID string) ([]model.TradeTransaction, error) {
	return s.listTransactions(ctx, `SELECT * FROM trade_transactions WHERE player_id = ? ORDER BY timestamp, rowid`, playerID)
}

func (s *SQLiteStore) listTransactions(ctx context.Context, query, arg string) ([]model.TradeTransaction, error) {
	var rows []transactionRow
	if err := s.conn.SelectContext(ctx, &rows, query, arg); err != nil {
		return nil, err
	}
	var txs []model.TradeTransaction
	for _, r := range rows {
		txs = append(txs, r.toModel())
	}
	return txs, nil
}

func (s *SQLiteStore) AppendStatement(ctx context.Context, rec *model.HagglingStatementRecord) error {
	emb, err := json.Marshal(rec.Embedding)
	if err != nil {
		return fmt.Errorf("encode embedding: %w", err)
	}
	_, err = s.conn.ExecContext(ctx,
		`INSERT INTO haggling_statements (id, normalized, embedding_json, player_id, port_id, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Normalized, string(emb), rec.PlayerID, rec.PortID, formatTime(rec.Timestamp))
	return sqliteError("append statement", err)
}

func (s *SQLiteStore) ListStatements(ctx context.Context) ([]model.HagglingStatementRecord, error) {
	var rows []statementRow
	err := s.conn.SelectContext(ctx, &rows,
		`SELECT id, normalized, embedding_json, player_id, port_id, timestamp FROM haggling_statements ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	recs := make([]model.HagglingStatementRecord, 0, len(rows))
	for _, r := range rows {
		rec := model.HagglingStatementRecord{
			ID:         r.ID,
			Normalized: r.Normalized,
			PlayerID:   r.PlayerID,
			PortID:     r.PortID,
			Timestamp:  parseTime(r.Timestamp),
		}
		if err := json.Unmarshal([]byte(r.EmbeddingJSON), &rec.Embedding); err != nil {
			return nil, fmt.Errorf("decode embedding of %s: %w", r.ID, err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func sqliteError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%s: %w", op, ErrAlreadyExists)
	}
	return fmt.Errorf("%s: %w", op, err)
}
