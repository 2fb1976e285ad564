package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/multigroup-scraper/internal/scraper"
)

// ResultStore records finalized group results per run.
type ResultStore struct {
	mu   sync.RWMutex
	runs map[string][]scraper.GroupResult
}

// NewResultStore constructs a ResultStore.
func NewResultStore() *ResultStore {
	return &ResultStore{runs: make(map[string][]scraper.GroupResult)}
}

// RecordResult appends a result to the run's history.
func (s *ResultStore) RecordResult(_ context.Context, runID string, result scraper.GroupResult) error {
	if runID == "" {
		return errors.New("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[runID] = append(s.runs[runID], result)
	return nil
}

// Results returns a copy of the results recorded for runID.
func (s *ResultStore) Results(runID string) []scraper.GroupResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	results := s.runs[runID]
	out := make([]scraper.GroupResult, len(results))
	copy(out, results)
	return out
}
