// Package memory provides in-memory persistence for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/postharvest/internal/harvest"
)

// RecordStore keeps normalized records keyed by post ID.
type RecordStore struct {
	mu      sync.RWMutex
	records map[string]harvest.Record
}

// NewRecordStore constructs an empty RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{records: make(map[string]harvest.Record)}
}

// UpsertRecord inserts rec, or refreshes the engagement metrics of an
// existing record with the same ID.
func (s *RecordStore) UpsertRecord(_ context.Context, rec harvest.Record) (harvest.UpsertResult, error) {
	if rec.ID == "" {
		return "", fmt.Errorf("record id is required: %w", harvest.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.records[rec.ID]
	if !ok {
		s.records[rec.ID] = cloneRecord(rec)
		return harvest.UpsertInserted, nil
	}
	existing.Metrics = rec.Metrics
	s.records[rec.ID] = existing
	return harvest.UpsertUpdated, nil
}

// RecordExists reports whether a record with id is stored.
func (s *RecordStore) RecordExists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[id]
	return ok, nil
}

// GetRecord fetches a record by ID.
func (s *RecordStore) GetRecord(_ context.Context, id string) (harvest.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return harvest.Record{}, fmt.Errorf("record %s: %w", id, harvest.ErrNotFound)
	}
	return cloneRecord(rec), nil
}

// ListRecords returns all records ordered by ID.
func (s *RecordStore) ListRecords(_ context.Context) ([]harvest.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]harvest.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Len returns the number of stored records.
func (s *RecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func cloneRecord(rec harvest.Record) harvest.Record {
	cp := rec
	cp.Hashtags = cloneStrings(rec.Hashtags)
	cp.Mentions = cloneStrings(rec.Mentions)
	cp.URLs = cloneStrings(rec.URLs)
	cp.ReferencedIDs = cloneStrings(rec.ReferencedIDs)
	cp.Tags = cloneStrings(rec.Tags)
	return cp
}

func cloneStrings(src []string) []string {
	if src == nil {
		return nil
	}
	dst := make([]string, len(src))
	copy(dst, src)
	return dst
}
