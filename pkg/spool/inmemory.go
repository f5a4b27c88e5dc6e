package spool

import (
	"context"
	"sync"
)

// InMemorySpool is a bounded, thread-safe spool that lives for the process.
type InMemorySpool struct {
	mu      sync.Mutex
	records []Record
	maxLen  int
}

// NewInMemorySpool creates a spool keeping at most maxLen records (0 = unbounded).
func NewInMemorySpool(maxLen int) *InMemorySpool {
	return &InMemorySpool{maxLen: maxLen}
}

// Store appends rec, dropping the oldest record when full.
func (s *InMemorySpool) Store(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	if s.maxLen > 0 && len(s.records) > s.maxLen {
		s.records = append([]Record(nil), s.records[len(s.records)-s.maxLen:]...)
	}
	return nil
}

// Drain removes up to max of the oldest records.
func (s *InMemorySpool) Drain(_ context.Context, max int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if max <= 0 || len(s.records) == 0 {
		return nil, nil
	}
	if max > len(s.records) {
		max = len(s.records)
	}
	out := make([]Record, max)
	copy(out, s.records[:max])
	s.records = s.records[max:]
	return out, nil
}

// Len returns the number of stored records.
func (s *InMemorySpool) Len(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records), nil
}

// Close is a no-op.
func (s *InMemorySpool) Close() error {
	return nil
}
