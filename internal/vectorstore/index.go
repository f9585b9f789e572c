// Package vectorstore provides the process-wide vector index: exact k-nearest
// neighbor search by squared Euclidean distance over records that are
// appended and persisted together under a single writer lock.
package vectorstore

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrDimensionMismatch is returned when a vector does not match the index width.
	ErrDimensionMismatch = errors.New("vectorstore: dimension mismatch")
	// ErrCorrupt marks persisted state that cannot be loaded consistently.
	ErrCorrupt = errors.New("vectorstore: corrupt store")
)

// Record is one indexed chunk: its vector, text and tags travel together.
type Record struct {
	ID     uint64    `json:"id"`
	Vector []float32 `json:"vector"`
	Text   string    `json:"text"`
	Source string    `json:"source"`
	Meta   string    `json:"meta"`
}

// Hit is a search result with its squared L2 distance to the query.
type Hit struct {
	Record   Record
	Distance float64
}

// RecordStore persists index records.
type RecordStore interface {
	// Load returns all persisted records in insertion order. A store that was
	// never written returns no records and no error.
	Load(ctx context.Context) ([]Record, error)
	// Append persists added, which are the trailing records of all.
	Append(ctx context.Context, all, added []Record) error
	// Reset discards every persisted record.
	Reset(ctx context.Context) error
	Close() error
}

// Index is an exact (flat) L2 index.
type Index struct {
	mu        sync.RWMutex
	dimension int
	records   []Record
	nextID    uint64
	store     RecordStore
	logger    *slog.Logger
}

// Open loads the records held by store into a new index of the given
// dimension. Corrupt persisted state (ErrCorrupt, ErrDimensionMismatch) is
// logged and discarded, and the index starts empty. Any other load failure
// is returned and the store is left untouched. store may be nil for a purely
// in-memory index.
func Open(ctx context.Context, store RecordStore, dimension int, logger *slog.Logger) (*Index, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("vectorstore: invalid dimension %d", dimension)
	}
	if logger == nil {
		logger = slog.Default()
	}
	idx := &Index{dimension: dimension, store: store, logger: logger}
	if store == nil {
		return idx, nil
	}

	records, err := store.Load(ctx)
	if err == nil {
		err = checkRecords(records, dimension)
	}
	if err != nil && !errors.Is(err, ErrCorrupt) && !errors.Is(err, ErrDimensionMismatch) {
		// the store may hold valid records it could not deliver right now
		return nil, fmt.Errorf("vectorstore: load: %w", err)
	}
	if err != nil {
		logger.Error("vector store unreadable, starting with an empty index; previously indexed vectors are lost", "err", err)
		if rerr := store.Reset(ctx); rerr != nil {
			return nil, fmt.Errorf("vectorstore: reset after failed load: %w", rerr)
		}
		records = nil
	}
	idx.records = records
	for _, r := range records {
		if r.ID >= idx.nextID {
			idx.nextID = r.ID + 1
		}
	}
	if len(records) > 0 {
		logger.Info("loaded vector index", "vectors", len(records), "dimension", dimension)
	}
	return idx, nil
}

func checkRecords(records []Record, dimension int) error {
	seen := make(map[uint64]struct{}, len(records))
	for i, r := range records {
		if len(r.Vector) != dimension {
			return fmt.Errorf("%w: record %d has %d dimensions, want %d", ErrDimensionMismatch, i, len(r.Vector), dimension)
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("%w: duplicate record id %d", ErrCorrupt, r.ID)
		}
		seen[r.ID] = struct{}{}
	}
	return nil
}

// Dimension returns the vector width accepted by the index.
func (idx *Index) Dimension() int { return idx.dimension }

// Len returns the number of indexed records.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.records)
}

// Sources returns the number of distinct record sources.
func (idx *Index) Sources() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, r := range idx.records {
		seen[r.Source] = struct{}{}
	}
	return len(seen)
}

// Add assigns ids to records, appends them and persists the index before
// returning. If persisting fails nothing is appended.
func (idx *Index) Add(ctx context.Context, records []Record) ([]Record, error) {
	if len(records) == 0 {
		return nil, nil
	}
	for i, r := range records {
		if len(r.Vector) != idx.dimension {
			return nil, fmt.Errorf("%w: record %d has %d dimensions, want %d", ErrDimensionMismatch, i, len(r.Vector), idx.dimension)
		}
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	prevLen, prevNext := len(idx.records), idx.nextID
	added := make([]Record, len(records))
	for i, r := range records {
		r.ID = idx.nextID
		idx.nextID++
		added[i] = r
	}
	idx.records = append(idx.records, added...)

	if idx.store != nil {
		if err := idx.store.Append(ctx, idx.records, added); err != nil {
			idx.records = idx.records[:prevLen]
			idx.nextID = prevNext
			return nil, fmt.Errorf("vectorstore: persist: %w", err)
		}
	}
	return added, nil
}

// Search returns the k records nearest to query, nearest first. Equal
// distances are ordered by id.
func (idx *Index) Search(query []float32, k int) ([]Hit, error) {
	if len(query) != idx.dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, want %d", ErrDimensionMismatch, len(query), idx.dimension)
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if k <= 0 || len(idx.records) == 0 {
		return []Hit{}, nil
	}
	h := &hitHeap{}
	for _, r := range idx.records {
		hit := Hit{Record: r, Distance: squaredL2(query, r.Vector)}
		if h.Len() < k {
			heap.Push(h, hit)
		} else if better(hit, (*h)[0]) {
			(*h)[0] = hit
			heap.Fix(h, 0)
		}
	}
	hits := make([]Hit, h.Len())
	for i := len(hits) - 1; i >= 0; i-- {
		hits[i] = heap.Pop(h).(Hit)
	}
	return hits, nil
}

// Reset drops every record from memory and from the store.
func (idx *Index) Reset(ctx context.Context) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.store != nil {
		if err := idx.store.Reset(ctx); err != nil {
			return fmt.Errorf("vectorstore: reset: %w", err)
		}
	}
	idx.records = nil
	idx.nextID = 0
	return nil
}

// Close releases the underlying store.
func (idx *Index) Close() error {
	if idx.store == nil {
		return nil
	}
	return idx.store.Close()
}

func squaredL2(a, b []float32) float64 {
	sum := 0.0
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}

func better(a, b Hit) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.Record.ID < b.Record.ID
}

// hitHeap keeps the worst retained hit at the root so it can be evicted.
type hitHeap []Hit

func (h hitHeap) Len() int           { return len(h) }
func (h hitHeap) Less(i, j int) bool { return better(h[j], h[i]) }
func (h hitHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *hitHeap) Push(x any) { *h = append(*h, x.(Hit)) }

func (h *hitHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
