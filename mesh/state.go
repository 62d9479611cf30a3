package mesh

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// DefaultHistoryLimit bounds how many runs a ResultStore keeps in memory.
const DefaultHistoryLimit = 32

// ResultStore keeps recent alignment results for the HTTP endpoints.
type ResultStore struct {
	mu        sync.RWMutex
	order     []string // run IDs, oldest first
	results   map[string]*ResultDocument
	limit     int
	cachePath string // path to the latest-result cache file; empty disables persistence
	logger    *zap.SugaredLogger
}

// NewResultStore creates an in-memory store holding at most limit runs.
// A non-positive limit means DefaultHistoryLimit.
func NewResultStore(limit int) *ResultStore {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &ResultStore{
		results: make(map[string]*ResultDocument),
		limit:   limit,
		logger:  zap.NewNop().Sugar(),
	}
}

// NewResultStoreWithCache creates a store that persists the latest result to
// cachePath. If the file exists, the cached result is loaded on creation.
func NewResultStoreWithCache(limit int, cachePath string, logger *zap.SugaredLogger) *ResultStore {
	rs := NewResultStore(limit)
	rs.cachePath = cachePath
	if logger != nil {
		rs.logger = logger
	}
	if cachePath != "" {
		doc, err := LoadResult(cachePath)
		switch {
		case err != nil:
			rs.logger.Warnw("ignoring unreadable result cache", "path", cachePath, "error", err)
		case doc != nil:
			rs.insert(doc)
		}
	}
	return rs
}

// Add stores a result and makes it the latest. The oldest run is evicted
// once the limit is reached.
func (rs *ResultStore) Add(doc *ResultDocument) error {
	if doc == nil || doc.RunID == "" {
		return fmt.Errorf("result has no run ID")
	}

	rs.mu.Lock()
	rs.insert(doc)
	cachePath := rs.cachePath
	rs.mu.Unlock()

	if cachePath != "" {
		if err := SaveResult(cachePath, doc); err != nil {
			rs.logger.Warnw("failed to save result cache", "path", cachePath, "error", err)
		}
	}
	return nil
}

// insert assumes the caller holds the write lock or owns rs exclusively.
func (rs *ResultStore) insert(doc *ResultDocument) {
	if _, ok := rs.results[doc.RunID]; ok {
		rs.remove(doc.RunID)
	}
	rs.results[doc.RunID] = doc
	rs.order = append(rs.order, doc.RunID)
	for len(rs.order) > rs.limit {
		delete(rs.results, rs.order[0])
		rs.order = rs.order[1:]
	}
}

func (rs *ResultStore) remove(runID string) {
	for i, id := range rs.order {
		if id == runID {
			rs.order = append(rs.order[:i], rs.order[i+1:]...)
			break
		}
	}
	delete(rs.results, runID)
}

// Latest returns the most recently added result.
func (rs *ResultStore) Latest() (*ResultDocument, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	if len(rs.order) == 0 {
		return nil, false
	}
	return rs.results[rs.order[len(rs.order)-1]], true
}

// Get returns the result for a run ID.
func (rs *ResultStore) Get(runID string) (*ResultDocument, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	doc, ok := rs.results[runID]
	return doc, ok
}

// RunIDs returns the stored run IDs, newest first.
func (rs *ResultStore) RunIDs() []string {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	ids := make([]string, len(rs.order))
	for i, id := range rs.order {
		ids[len(ids)-1-i] = id
	}
	return ids
}

// Len returns the number of stored results.
func (rs *ResultStore) Len() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.order)
}
