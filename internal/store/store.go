// Package store defines the persistence interface for the trade engine.
// Implementations include PostgreSQL (source of truth), SQLite (single-node
// development), Redis (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/sectorwars/trade-engine/internal/model"
)

var (
	// ErrNotFound is returned when a port, market, player or record is missing.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned when creating a record whose key is taken.
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrConcurrentModification is returned when a versioned write finds the
	// row changed since it was read. Callers should re-read and retry.
	ErrConcurrentModification = errors.New("store: concurrent modification")
)

// Store is the persistence interface. Market state and player rows carry a
// version; every write checks the version it was computed from and bumps it.
type Store interface {
	// --- Ports ---

	// CreatePort persists a new port.
	CreatePort(ctx context.Context, port *model.Port) error

	// GetPort retrieves a port by its ID.
	GetPort(ctx context.Context, id string) (*model.Port, error)

	// ListPorts returns all ports ordered by sector.
	ListPorts(ctx context.Context) ([]model.Port, error)

	// --- Market state ---

	// CreateMarketState persists the initial inventory of one commodity at a
	// port. The stored version starts at 1.
	CreateMarketState(ctx context.Context, state *model.PortMarketState) error

	// GetMarketState retrieves the inventory of one commodity at a port.
	GetMarketState(ctx context.Context, portID string, c model.Commodity) (*model.PortMarketState, error)

	// ListMarketStates returns every commodity row of a port.
	ListMarketStates(ctx context.Context, portID string) ([]model.PortMarketState, error)

	// SaveMarketState overwrites a market row if its stored version equals
	// state.Version, then increments state.Version.
	SaveMarketState(ctx context.Context, state *model.PortMarketState) error

	// --- Players ---

	// CreatePlayer persists a new player. The stored version starts at 1.
	CreatePlayer(ctx context.Context, player *model.Player) error

	// GetPlayer retrieves a player by its ID.
	GetPlayer(ctx context.Context, id string) (*model.Player, error)

	// --- Trades ---

	// ApplyTrade writes the market row, the player row and the transaction
	// in one atomic step. Both rows must still be at their expected versions.
	// On success the versions in m are updated to the stored ones.
	ApplyTrade(ctx context.Context, m *model.TradeMutation) error

	// ListTransactionsByPort returns all trades at a port, oldest first.
	ListTransactionsByPort(ctx context.Context, portID string) ([]model.TradeTransaction, error)

	// ListTransactionsByPlayer returns all trades of a player, oldest first.
	ListTransactionsByPlayer(ctx context.Context, playerID string) ([]model.TradeTransaction, error)

	// --- Haggling corpus ---

	// AppendStatement appends a statement. Statements are never updated or
	// deleted.
	AppendStatement(ctx context.Context, rec *model.HagglingStatementRecord) error

	// ListStatements returns the whole corpus, oldest first.
	ListStatements(ctx context.Context) ([]model.HagglingStatementRecord, error)
}
