package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/sectorwars/trade-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS ports (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	sector_id   INTEGER NOT NULL,
	class       INTEGER NOT NULL,
	personality TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS port_markets (
	port_id         TEXT NOT NULL REFERENCES ports(id),
	commodity       TEXT NOT NULL,
	quantity        BIGINT NOT NULL CHECK (quantity >= 0),
	capacity        BIGINT NOT NULL DEFAULT 0,
	production_rate DOUBLE PRECISION NOT NULL,
	price_variance  DOUBLE PRECISION NOT NULL,
	base_price      NUMERIC NOT NULL,
	carry           DOUBLE PRECISION NOT NULL DEFAULT 0,
	last_update     TIMESTAMPTZ NOT NULL,
	version         BIGINT NOT NULL,
	PRIMARY KEY (port_id, commodity)
);

CREATE TABLE IF NOT EXISTS players (
	id             TEXT PRIMARY KEY,
	credits        NUMERIC NOT NULL CHECK (credits >= 0),
	cargo_capacity BIGINT NOT NULL,
	cargo          JSONB NOT NULL DEFAULT '{}',
	version        BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS trade_transactions (
	id         TEXT PRIMARY KEY,
	player_id  TEXT NOT NULL,
	port_id    TEXT NOT NULL,
	commodity  TEXT NOT NULL,
	direction  TEXT NOT NULL,
	quantity   BIGINT NOT NULL,
	unit_price NUMERIC NOT NULL,
	total      NUMERIC NOT NULL,
	negotiated BOOLEAN NOT NULL,
	timestamp  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trade_transactions_port ON trade_transactions(port_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_trade_transactions_player ON trade_transactions(player_id, timestamp);

CREATE TABLE IF NOT EXISTS haggling_statements (
	id         TEXT PRIMARY KEY,
	normalized TEXT NOT NULL UNIQUE,
	embedding  REAL[] NOT NULL,
	player_id  TEXT NOT NULL,
	port_id    TEXT NOT NULL,
	timestamp  TIMESTAMPTZ NOT NULL
);
`

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePort(ctx context.Context, p *model.Port) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ports (id, name, sector_id, class, personality, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.Name, p.SectorID, p.Class, p.Personality, p.CreatedAt,
	)
	return pgError("create port "+p.ID, err)
}

func (s *PostgresStore) GetPort(ctx context.Context, id string) (*model.Port, error) {
	var p model.Port
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, sector_id, class, personality, created_at
		 FROM ports WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.SectorID, &p.Class, &p.Personality, &p.CreatedAt)
	if err != nil {
		return nil, pgError("get port "+id, err)
	}
	return &p, nil
}

func (s *PostgresStore) ListPorts(ctx context.Context) ([]model.Port, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, sector_id, class, personality, created_at
		 FROM ports ORDER BY sector_id, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ports []model.Port
	for rows.Next() {
		var p model.Port
		if err := rows.Scan(&p.ID, &p.Name, &p.SectorID, &p.Class, &p.Personality, &p.CreatedAt); err != nil {
			return nil, err
		}
		ports = append(ports, p)
	}
	return ports, rows.Err()
}

func (s *PostgresStore) CreateMarketState(ctx context.Context, st *model.PortMarketState) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO port_markets (port_id, commodity, quantity, capacity, production_rate,
		                           price_variance, base_price, carry, last_update, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9, 1)`,
		st.PortID, st.Commodity, st.Quantity, st.Capacity, st.ProductionRate,
		st.PriceVariance, st.BasePrice.String(), st.Carry, st.LastUpdate,
	)
	if err != nil {
		return pgError("create market "+st.Key().String(), err)
	}
	st.Version = 1
	return nil
}

const marketColumns = `port_id, commodity, quantity, capacity, production_rate,
		        price_variance, base_price::TEXT, carry, last_update, version`

func (s *PostgresStore) GetMarketState(ctx context.Context, portID string, c model.Commodity) (*model.PortMarketState, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM port_markets WHERE port_id = $1 AND commodity = $2`,
		portID, c)
	st, err := scanMarketState(row)
	if err != nil {
		return nil, pgError(fmt.Sprintf("get market %s:%s", portID, c), err)
	}
	return st, nil
}

func (s *PostgresStore) ListMarketStates(ctx context.Context, portID string) ([]model.PortMarketState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+` FROM port_markets WHERE port_id = $1 ORDER BY commodity`, portID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []model.PortMarketState
	for rows.Next() {
		st, err := scanMarketState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, *st)
	}
	return states, rows.Err()
}

func (s *PostgresStore) SaveMarketState(ctx context.Context, st *model.PortMarketState) error {
	tag, err := s.pool.Exec(ctx, updateMarketSQL,
		st.PortID, st.Commodity, st.Quantity, st.Carry, st.LastUpdate, st.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.versionConflict(ctx, st.PortID, st.Commodity, st.Version)
	}
	st.Version++
	return nil
}

const updateMarketSQL = `UPDATE port_markets
	 SET quantity = $3, carry = $4, last_update = $5, version = version + 1
	 WHERE port_id = $1 AND commodity = $2 AND version = $6`

// versionConflict tells a missing row apart from a stale version.
func (s *PostgresStore) versionConflict(ctx context.Context, portID string, c model.Commodity, expected int64) error {
	if _, err := s.GetMarketState(ctx, portID, c); err != nil {
		return err
	}
	return fmt.Errorf("market %s:%s expected version %d: %w", portID, c, expected, ErrConcurrentModification)
}

func (s *PostgresStore) CreatePlayer(ctx context.Context, p *model.Player) error {
	cargo, err := json.Marshal(cargoOrEmpty(p.Cargo))
	if err != nil {
		return fmt.Errorf("encode cargo: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO players (id, credits, cargo_capacity, cargo, version)
		 VALUES ($1, $2::NUMERIC, $3, $4::JSONB, 1)`,
		p.ID, p.Credits.String(), p.CargoCapacity, string(cargo),
	)
	if err != nil {
		return pgError("create player "+p.ID, err)
	}
	p.Version = 1
	return nil
}

func (s *PostgresStore) GetPlayer(ctx context.Context, id string) (*model.Player, error) {
	var p model.Player
	var credits, cargo string
	err := s.pool.QueryRow(ctx,
		`SELECT id, credits::TEXT, cargo_capacity, cargo::TEXT, version
		 FROM players WHERE id = $1`, id).
		Scan(&p.ID, &credits, &p.CargoCapacity, &cargo, &p.Version)
	if err != nil {
		return nil, pgError("get player "+id, err)
	}
	p.Credits, _ = decimal.NewFromString(credits)
	if err := json.Unmarshal([]byte(cargo), &p.Cargo); err != nil {
		return nil, fmt.Errorf("decode cargo of %s: %w", id, err)
	}
	return &p, nil
}

// ApplyTrade locks both rows with SELECT ... FOR UPDATE, checks their
// versions, and writes market, player and ledger in one transaction.
func (s *PostgresStore) ApplyTrade(ctx context.Context, m *model.TradeMutation) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin trade: %w", err)
	}
	defer tx.Rollback(ctx)

	key := m.Market.Key()
	var marketVersion, playerVersion int64
	err = tx.QueryRow(ctx,
		`SELECT version FROM port_markets WHERE port_id = $1 AND commodity = $2 FOR UPDATE`,
		key.PortID, key.Commodity).Scan(&marketVersion)
	if err != nil {
		return pgError("lock market "+key.String(), err)
	}
	err = tx.QueryRow(ctx,
		`SELECT version FROM players WHERE id = $1 FOR UPDATE`, m.Player.ID).Scan(&playerVersion)
	if err != nil {
		return pgError("lock player "+m.Player.ID, err)
	}
	if marketVersion != m.ExpectedMarket {
		return fmt.Errorf("market %s at version %d, expected %d: %w", key, marketVersion, m.ExpectedMarket, ErrConcurrentModification)
	}
	if playerVersion != m.ExpectedPlayer {
		return fmt.Errorf("player %s at version %d, expected %d: %w", m.Player.ID, playerVersion, m.ExpectedPlayer, ErrConcurrentModification)
	}

	if _, err := tx.Exec(ctx, updateMarketSQL,
		key.PortID, key.Commodity, m.Market.Quantity, m.Market.Carry, m.Market.LastUpdate, m.ExpectedMarket); err != nil {
		return fmt.Errorf("update market: %w", err)
	}

	cargo, err := json.Marshal(cargoOrEmpty(m.Player.Cargo))
	if err != nil {
		return fmt.Errorf("encode cargo: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE players SET credits = $2::NUMERIC, cargo = $3::JSONB, version = version + 1
		 WHERE id = $1`,
		m.Player.ID, m.Player.Credits.String(), string(cargo)); err != nil {
		return fmt.Errorf("update player: %w", err)
	}

	t := m.Transaction
	if _, err := tx.Exec(ctx,
		`INSERT INTO trade_transactions (id, player_id, port_id, commodity, direction, quantity,
		                                 unit_price, total, negotiated, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9, $10)`,
		t.ID, t.PlayerID, t.PortID, t.Commodity, t.Direction, t.Quantity,
		t.UnitPrice.String(), t.Total.String(), t.Negotiated, t.Timestamp); err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit trade: %w", err)
	}
	m.Market.Version = m.ExpectedMarket + 1
	m.Player.Version = m.ExpectedPlayer + 1
	return nil
}

const transactionColumns = `id, player_id, port_id, commodity, direction, quantity,
		        unit_price::TEXT, total::TEXT, negotiated, timestamp`

func (s *PostgresStore) ListTransactionsByPort(ctx context.Context, portID string) ([]model.TradeTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transactionColumns+` FROM trade_transactions WHERE port_id = $1 ORDER BY timestamp`, portID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransactions(rows)
}

func (s *PostgresStore) ListTransactionsByPlayer(ctx context.Context, playerID string) ([]model.TradeTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transactionColumns+` FROM trade_transactions WHERE player_id = $1 ORDER BY timestamp`, playerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransactions(rows)
}

func (s *PostgresStore) AppendStatement(ctx context.Context, rec *model.HagglingStatementRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO haggling_statements (id, normalized, embedding, player_id, port_id, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.Normalized, rec.Embedding, rec.PlayerID, rec.PortID, rec.Timestamp,
	)
	return pgError("append statement", err)
}

func (s *PostgresStore) ListStatements(ctx context.Context) ([]model.HagglingStatementRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, normalized, embedding, player_id, port_id, timestamp
		 FROM haggling_statements ORDER BY timestamp`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []model.HagglingStatementRecord
	for rows.Next() {
		var r model.HagglingStatementRecord
		if err := rows.Scan(&r.ID, &r.Normalized, &r.Embedding, &r.PlayerID, &r.PortID, &r.Timestamp); err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// pgxRows is the subset of pgx.Rows the scanners need.
type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanMarketState(row pgx.Row) (*model.PortMarketState, error) {
	var st model.PortMarketState
	var base string
	if err := row.Scan(&st.PortID, &st.Commodity, &st.Quantity, &st.Capacity, &st.ProductionRate,
		&st.PriceVariance, &base, &st.Carry, &st.LastUpdate, &st.Version); err != nil {
		return nil, err
	}
	st.BasePrice, _ = decimal.NewFromString(base)
	return &st, nil
}

func scanTransactions(rows pgxRows) ([]model.TradeTransaction, error) {
	var txs []model.TradeTransaction
	for rows.Next() {
		var t model.TradeTransaction
		var unit, total string
		if err := rows.Scan(&t.ID, &t.PlayerID, &t.PortID, &t.Commodity, &t.Direction, &t.Quantity,
			&unit, &total, &t.Negotiated, &t.Timestamp); err != nil {
			return nil, err
		}
		t.UnitPrice, _ = decimal.NewFromString(unit)
		t.Total, _ = decimal.NewFromString(total)
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// pgError maps driver errors onto the store's sentinels.
func pgError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w", op, ErrAlreadyExists)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func cargoOrEmpty(c map[model.Commodity]int64) map[model.Commodity]int64 {
	if c == nil {
		return map[model.Commodity]int64{}
	}
	return c
}
