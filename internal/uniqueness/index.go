package uniqueness

import (
	"context"
	"fmt"

	chromem "github.com/philippgille/chromem-go"

	"github.com/sectorwars/trade-engine/internal/model"
)

// Index is the similarity search side of the corpus.
type Index interface {
	// Add indexes a record. Records carry their own embedding.
	Add(ctx context.Context, rec *model.HagglingStatementRecord) error

	// Nearest returns the id and cosine similarity of the closest indexed
	// statement matching filter (nil = whole corpus). ok is false when
	// nothing matches the filter.
	Nearest(ctx context.Context, text string, filter map[string]string) (id string, similarity float64, ok bool, err error)

	// Count returns the number of indexed statements.
	Count() int
}

// Metadata keys stored alongside each statement.
const (
	metaPlayer = "player_id"
	metaPort   = "port_id"
)

// ChromemIndex keeps statements in a chromem-go collection and queries it by
// cosine similarity.
type ChromemIndex struct {
	db         *chromem.DB
	collection *chromem.Collection
}

// NewChromemIndex creates an index. With a non-empty persistPath the
// collection is also written to disk by chromem-go.
func NewChromemIndex(persistPath string, embedder Embedder) (*ChromemIndex, error) {
	var db *chromem.DB
	var err error
	if persistPath != "" {
		db, err = chromem.NewPersistentDB(persistPath, false)
		if err != nil {
			return nil, fmt.Errorf("create persistent index: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	embeddingFunc := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.Embed(ctx, text)
	}

	collection, err := db.GetOrCreateCollection("haggling_statements", nil, embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &ChromemIndex{db: db, collection: collection}, nil
}

func (i *ChromemIndex) Add(ctx context.Context, rec *model.HagglingStatementRecord) error {
	err := i.collection.AddDocument(ctx, chromem.Document{
		ID:        rec.ID,
		Content:   rec.Normalized,
		Embedding: rec.Embedding,
		Metadata: map[string]string{
			metaPlayer: rec.PlayerID,
			metaPort:   rec.PortID,
		},
	})
	if err != nil {
		return fmt.Errorf("index statement %s: %w", rec.ID, err)
	}
	return nil
}

func (i *ChromemIndex) Nearest(ctx context.Context, text string, filter map[string]string) (string, float64, bool, error) {
	if i.collection.Count() == 0 {
		return "", 0, false, nil
	}
	results, err := i.collection.Query(ctx, text, 1, filter, nil)
	if err != nil {
		return "", 0, false, fmt.Errorf("query index: %w", err)
	}
	if len(results) == 0 {
		return "", 0, false, nil
	}
	return results[0].ID, float64(results[0].Similarity), true, nil
}

func (i *ChromemIndex) Count() int {
	return i.collection.Count()
}
