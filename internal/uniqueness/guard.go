// Package uniqueness guards narrative haggling against replayed statements.
//
// Every accepted statement is appended to a corpus that never shrinks. A new
// statement is rejected when its normalised text was already used anywhere
// (Duplicate) or when it is semantically close to one already used
// (NearDuplicate). Close matches are searched first among the same player's
// statements at the same port, then across the whole corpus.
package uniqueness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sectorwars/trade-engine/internal/model"
)

// ErrEmptyStatement is returned for statements with no words.
var ErrEmptyStatement = errors.New("uniqueness: statement has no content")

// Verdict classifies a statement against the corpus.
type Verdict string

const (
	Unique        Verdict = "unique"
	NearDuplicate Verdict = "near_duplicate"
	Duplicate     Verdict = "duplicate"
)

// Result is the outcome of CheckAndRecord.
type Result struct {
	Verdict    Verdict                        `json:"verdict"`
	Match      *model.HagglingStatementRecord `json:"match,omitempty"`
	Similarity float64                        `json:"similarity"`
}

// Store persists the corpus.
type Store interface {
	AppendStatement(ctx context.Context, rec *model.HagglingStatementRecord) error
	ListStatements(ctx context.Context) ([]model.HagglingStatementRecord, error)
}

// Guard owns the corpus for one process. Construct one per game server
// (tests build their own) rather than sharing a package-level instance.
type Guard struct {
	mu        sync.Mutex
	store     Store
	index     Index
	embedder  Embedder
	threshold float64
	now       func() time.Time

	byNormalized map[string]*model.HagglingStatementRecord
	byID         map[string]*model.HagglingStatementRecord
}

// NewGuard creates a guard. threshold is the cosine similarity at or above
// which a statement counts as a near duplicate.
func NewGuard(st Store, index Index, embedder Embedder, threshold float64) *Guard {
	return &Guard{
		store:        st,
		index:        index,
		embedder:     embedder,
		threshold:    threshold,
		now:          func() time.Time { return time.Now().UTC() },
		byNormalized: make(map[string]*model.HagglingStatementRecord),
		byID:         make(map[string]*model.HagglingStatementRecord),
	}
}

// Load rebuilds the in-memory corpus and index from the store.
func (g *Guard) Load(ctx context.Context) error {
	recs, err := g.store.ListStatements(ctx)
	if err != nil {
		return fmt.Errorf("load statements: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range recs {
		rec := recs[i]
		if len(rec.Embedding) == 0 {
			if rec.Embedding, err = g.embedder.Embed(ctx, rec.Normalized); err != nil {
				return fmt.Errorf("embed statement %s: %w", rec.ID, err)
			}
		}
		if err := g.index.Add(ctx, &rec); err != nil {
			return err
		}
		g.remember(&rec)
	}
	slog.Info("haggling corpus loaded", "statements", len(recs))
	return nil
}

// CheckAndRecord classifies text and, when it is unique, appends it to the
// corpus before returning. The check and the append happen under one lock
// so two concurrent submissions of the same phrasing cannot both pass.
func (g *Guard) CheckAndRecord(ctx context.Context, playerID, portID, text string) (Result, error) {
	normalized := Normalize(text)
	if normalized == "" {
		return Result{}, ErrEmptyStatement
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if prev, ok := g.byNormalized[normalized]; ok {
		return Result{Verdict: Duplicate, Match: copyRecord(prev), Similarity: 1}, nil
	}

	scoped := map[string]string{metaPlayer: playerID, metaPort: portID}
	for _, filter := range []map[string]string{scoped, nil} {
		id, sim, ok, err := g.index.Nearest(ctx, normalized, filter)
		if err != nil {
			return Result{}, err
		}
		if ok && sim >= g.threshold {
			return Result{Verdict: NearDuplicate, Match: copyRecord(g.byID[id]), Similarity: sim}, nil
		}
	}

	embedding, err := g.embedder.Embed(ctx, normalized)
	if err != nil {
		return Result{}, fmt.Errorf("embed statement: %w", err)
	}
	rec := &model.HagglingStatementRecord{
		ID:         uuid.New().String(),
		Normalized: normalized,
		Embedding:  embedding,
		PlayerID:   playerID,
		PortID:     portID,
		Timestamp:  g.now(),
	}

	// Persist first: if the store fails nothing is indexed.
	if err := g.store.AppendStatement(ctx, rec); err != nil {
		return Result{}, fmt.Errorf("append statement: %w", err)
	}
	g.remember(rec)
	if err := g.index.Add(ctx, rec); err != nil {
		return Result{}, err
	}
	return Result{Verdict: Unique}, nil
}

// Size returns the number of statements in the corpus.
func (g *Guard) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.byID)
}

func (g *Guard) remember(rec *model.HagglingStatementRecord) {
	g.byNormalized[rec.Normalized] = rec
	g.byID[rec.ID] = rec
}

func copyRecord(rec *model.HagglingStatementRecord) *model.HagglingStatementRecord {
	if rec == nil {
		return nil
	}
	c := *rec
	c.Embedding = nil
	return &c
}
