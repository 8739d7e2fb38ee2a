package uniqueness

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sectorwars/trade-engine/internal/model"
)

type fakeStore struct {
	mu   sync.Mutex
	recs []model.HagglingStatementRecord
	fail error
}

func (f *fakeStore) AppendStatement(_ context.Context, rec *model.HagglingStatementRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.recs = append(f.recs, *rec)
	return nil
}

func (f *fakeStore) ListStatements(context.Context) ([]model.HagglingStatementRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.HagglingStatementRecord(nil), f.recs...), nil
}

func newGuard(t *testing.T, st Store) *Guard {
	t.Helper()
	emb := NewHashEmbedder(256)
	idx, err := NewChromemIndex("", emb)
	require.NoError(t, err)
	return NewGuard(st, idx, emb, 0.85)
}

func TestCheckAndRecord_ExactReplay(t *testing.T) {
	ctx := context.Background()
	g := newGuard(t, &fakeStore{})

	res, err := g.CheckAndRecord(ctx, "p1", "port-1", "My crew hasn't eaten in three days.")
	require.NoError(t, err)
	assert.Equal(t, Unique, res.Verdict)

	res, err = g.CheckAndRecord(ctx, "p1", "port-1", "My crew hasn't eaten in three days.")
	require.NoError(t, err)
	assert.Equal(t, Duplicate, res.Verdict)
	require.NotNil(t, res.Match)
	assert.Equal(t, "port-1", res.Match.PortID)
}

func TestCheckAndRecord_DuplicateIgnoresCaseAndWhitespace(t *testing.T) {
	ctx := context.Background()
	g := newGuard(t, &fakeStore{})

	_, err := g.CheckAndRecord(ctx, "p1", "port-1", "please, a small discount")
	require.NoError(t, err)

	res, err := g.CheckAndRecord(ctx, "p2", "port-9", "  PLEASE   a small DISCOUNT ")
	require.NoError(t, err)
	assert.Equal(t, Duplicate, res.Verdict, "exact matches are global")
}

func TestCheckAndRecord_SynonymIsNearDuplicate(t *testing.T) {
	ctx := context.Background()
	g := newGuard(t, &fakeStore{})

	res, err := g.CheckAndRecord(ctx, "p1", "port-1", "my cat is sick")
	require.NoError(t, err)
	require.Equal(t, Unique, res.Verdict)

	res, err = g.CheckAndRecord(ctx, "p1", "port-1", "My cat is ill!")
	require.NoError(t, err)
	assert.Equal(t, NearDuplicate, res.Verdict)
	assert.GreaterOrEqual(t, res.Similarity, 0.85)
	require.NotNil(t, res.Match)
	assert.Equal(t, "my cat is sick", res.Match.Normalized)

	// Another player elsewhere is checked against the global corpus.
	res, err = g.CheckAndRecord(ctx, "p2", "port-7", "my kitty is unwell")
	require.NoError(t, err)
	assert.Equal(t, NearDuplicate, res.Verdict)
}

func TestCheckAndRecord_DifferentStatementsAreUnique(t *testing.T) {
	ctx := context.Background()
	g := newGuard(t, &fakeStore{})

	for _, text := range []string{
		"my cat is sick",
		"my dog is sick",
		"I will bring you ore every week for a year",
		"the federation owes me a favour and you know it",
	} {
		res, err := g.CheckAndRecord(ctx, "p1", "port-1", text)
		require.NoError(t, err)
		assert.Equal(t, Unique, res.Verdict, text)
	}
	assert.Equal(t, 4, g.Size())
}

func TestCheckAndRecord_EmptyStatement(t *testing.T) {
	g := newGuard(t, &fakeStore{})
	_, err := g.CheckAndRecord(context.Background(), "p1", "port-1", "  ?!  ")
	assert.ErrorIs(t, err, ErrEmptyStatement)
}

func TestCheckAndRecord_StoreFailureRecordsNothing(t *testing.T) {
	ctx := context.Background()
	st := &fakeStore{fail: errors.New("disk full")}
	g := newGuard(t, st)

	_, err := g.CheckAndRecord(ctx, "p1", "port-1", "my cat is sick")
	require.Error(t, err)
	assert.Equal(t, 0, g.Size())

	st.fail = nil
	res, err := g.CheckAndRecord(ctx, "p1", "port-1", "my cat is sick")
	require.NoError(t, err)
	assert.Equal(t, Unique, res.Verdict, "failed append must not leave the statement behind")
}

func TestCheckAndRecord_ConcurrentSamePhrasing(t *testing.T) {
	ctx := context.Background()
	g := newGuard(t, &fakeStore{})

	var unique atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := g.CheckAndRecord(ctx, "player", "port-1", "my ship is out of fuel")
			if err == nil && res.Verdict == Unique {
				unique.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), unique.Load())
}

func TestLoad_WarmsCorpus(t *testing.T) {
	ctx := context.Background()
	st := &fakeStore{recs: []model.HagglingStatementRecord{{
		ID:         "s-1",
		Normalized: "my cat is sick",
		PlayerID:   "p1",
		PortID:     "port-1",
		Timestamp:  time.Now(),
	}}}
	g := newGuard(t, st)
	require.NoError(t, g.Load(ctx))
	assert.Equal(t, 1, g.Size())

	res, err := g.CheckAndRecord(ctx, "p3", "port-3", "my cat is sick")
	require.NoError(t, err)
	assert.Equal(t, Duplicate, res.Verdict)

	res, err = g.CheckAndRecord(ctx, "p3", "port-3", "my cat is ill")
	require.NoError(t, err)
	assert.Equal(t, NearDuplicate, res.Verdict)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "my cat is sick", Normalize("  My CAT, is... sick!! "))
	assert.Equal(t, "dont cheat me", Normalize("Don't cheat me"))
	assert.Equal(t, "", Normalize("?!"))
}

func TestTokens_CanonicalForms(t *testing.T) {
	assert.Equal(t, []string{"cat", "sick"}, Tokens("my cat is ill"))
	assert.Equal(t, []string{"child", "hungry"}, Tokens("my kids are starving"))
	assert.Equal(t, []string{"it", "is"}, Tokens("it is"), "all filler falls back to raw tokens")
}

func TestHashEmbedder_Similarity(t *testing.T) {
	ctx := context.Background()
	e := NewHashEmbedder(256)
	a, _ := e.Embed(ctx, "my cat is sick")
	b, _ := e.Embed(ctx, "my cat is ill")
	c, _ := e.Embed(ctx, "my dog is sick")
	assert.InDelta(t, 1.0, Cosine(a, b), 1e-6)
	assert.Less(t, Cosine(a, c), 0.85)
}
