package vectorstore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	records   []Record
	loadErr   error
	appendErr error
	resets    int
}

func (m *memStore) Load(context.Context) ([]Record, error) { return m.records, m.loadErr }

func (m *memStore) Append(_ context.Context, all, _ []Record) error {
	if m.appendErr != nil {
		return m.appendErr
	}
	m.records = append([]Record(nil), all...)
	return nil
}

func (m *memStore) Reset(context.Context) error {
	m.resets++
	m.records = nil
	m.loadErr = nil
	return nil
}

func (m *memStore) Close() error { return nil }

func rec(text string, v ...float32) Record { return Record{Text: text, Vector: v} }

func TestOpen_InvalidDimension(t *testing.T) {
	_, err := Open(context.Background(), nil, 0, nil)
	require.Error(t, err)
}

func TestSearch_NearestFirst(t *testing.T) {
	ctx := context.Background()
	idx, err := Open(ctx, nil, 2, nil)
	require.NoError(t, err)

	added, err := idx.Add(ctx, []Record{rec("far", 10, 10), rec("near", 1, 0), rec("mid", 3, 0)})
	require.NoError(t, err)
	require.Len(t, added, 3)
	assert.Equal(t, []uint64{0, 1, 2}, []uint64{added[0].ID, added[1].ID, added[2].ID})

	hits, err := idx.Search([]float32{0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "near", hits[0].Record.Text)
	assert.InDelta(t, 1.0, hits[0].Distance, 1e-9)
	assert.Equal(t, "mid", hits[1].Record.Text)
	assert.InDelta(t, 9.0, hits[1].Distance, 1e-9)
}

func TestSearch_KLargerThanIndexAndTies(t *testing.T) {
	ctx := context.Background()
	idx, err := Open(ctx, nil, 1, nil)
	require.NoError(t, err)
	_, err = idx.Add(ctx, []Record{rec("b", 1), rec("a", -1)})
	require.NoError(t, err)

	hits, err := idx.Search([]float32{0}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	// equal distance: lower id first
	assert.Equal(t, "b", hits[0].Record.Text)
	assert.Equal(t, "a", hits[1].Record.Text)
}

func TestSearch_EmptyAndMismatch(t *testing.T) {
	idx, err := Open(context.Background(), nil, 3, nil)
	require.NoError(t, err)

	hits, err := idx.Search([]float32{1, 2, 3}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)

	_, err = idx.Search([]float32{1}, 5)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestAdd_RejectsWrongDimension(t *testing.T) {
	idx, err := Open(context.Background(), nil, 2, nil)
	require.NoError(t, err)
	_, err = idx.Add(context.Background(), []Record{rec("ok", 1, 1), rec("bad", 1)})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Equal(t, 0, idx.Len())
}

func TestAdd_RollsBackWhenPersistFails(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	idx, err := Open(ctx, store, 1, nil)
	require.NoError(t, err)
	_, err = idx.Add(ctx, []Record{rec("kept", 1)})
	require.NoError(t, err)

	store.appendErr = errors.New("disk full")
	_, err = idx.Add(ctx, []Record{rec("lost", 2)})
	require.Error(t, err)
	assert.Equal(t, 1, idx.Len())

	store.appendErr = nil
	added, err := idx.Add(ctx, []Record{rec("next", 3)})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), added[0].ID)
	assert.Len(t, store.records, 2)
}

func TestAdd_ConcurrentWritersKeepStoreAligned(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	idx, err := Open(ctx, store, 2, nil)
	require.NoError(t, err)

	const writers, batch = 16, 5
	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(2)
		go func() {
			defer wg.Done()
			recs := make([]Record, batch)
			for i := range recs {
				recs[i] = rec("chunk", float32(w), float32(i))
			}
			_, err := idx.Add(ctx, recs)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := idx.Search([]float32{0, 0}, 3)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, writers*batch, idx.Len())
	require.Len(t, store.records, idx.Len())
	ids := map[uint64]struct{}{}
	for _, r := range store.records {
		ids[r.ID] = struct{}{}
	}
	assert.Len(t, ids, writers*batch)

	reopened, err := Open(ctx, store, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, idx.Len(), reopened.Len())
}

func TestOpen_LoadsAndContinuesIDs(t *testing.T) {
	store := &memStore{records: []Record{{ID: 4, Vector: []float32{1}, Text: "x"}, {ID: 7, Vector: []float32{2}, Text: "y"}}}
	idx, err := Open(context.Background(), store, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, idx.Len())

	added, err := idx.Add(context.Background(), []Record{rec("z", 3)})
	require.NoError(t, err)
	assert.Equal(t, uint64(8), added[0].ID)
}

func TestOpen_UnreadableStoreStartsEmpty(t *testing.T) {
	store := &memStore{loadErr: ErrCorrupt}
	idx, err := Open(context.Background(), store, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, idx.Len())
	assert.Equal(t, 1, store.resets)
}

func TestOpen_LoadFailureKeepsStore(t *testing.T) {
	kept := []Record{{ID: 0, Vector: []float32{1, 2}, Text: "kept"}}
	store := &memStore{records: kept, loadErr: errors.New("connection refused")}
	_, err := Open(context.Background(), store, 2, nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCorrupt)
	assert.Zero(t, store.resets)
	assert.Equal(t, kept, store.records)
}

func TestOpen_DimensionMismatchStartsEmpty(t *testing.T) {
	store := &memStore{records: []Record{{ID: 0, Vector: []float32{1, 2, 3}}}}
	idx, err := Open(context.Background(), store, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, idx.Len())
	assert.Equal(t, 1, store.resets)
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	idx, err := Open(ctx, store, 1, nil)
	require.NoError(t, err)
	_, err = idx.Add(ctx, []Record{rec("a", 1)})
	require.NoError(t, err)

	require.NoError(t, idx.Reset(ctx))
	assert.Equal(t, 0, idx.Len())
	assert.Empty(t, store.records)
}
