package memory

import (
	"context"
	"encoding/binary"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/acme/outbound-followup-engine/internal/domain"
	"github.com/acme/outbound-followup-engine/internal/repository"
)

// DispatchStore is an in-memory repository.DispatchStore.
type DispatchStore struct {
	mu      sync.Mutex
	records map[domain.DispatchKey]domain.DispatchRecord
	order   []domain.DispatchKey
}

// NewDispatchStore returns an empty store.
func NewDispatchStore() *DispatchStore {
	return &DispatchStore{records: make(map[domain.DispatchKey]domain.DispatchRecord)}
}

// Record inserts rec unless its key is already recorded.
func (s *DispatchStore) Record(_ context.Context, rec domain.DispatchRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.DispatchKey]; ok {
		return false, nil
	}
	s.records[rec.DispatchKey] = rec
	s.order = append(s.order, rec.DispatchKey)
	return true, nil
}

// Get returns the record for key.
func (s *DispatchStore) Get(_ context.Context, key domain.DispatchKey) (*domain.DispatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &rec, nil
}

// Tally counts the owner's records by outcome.
func (s *DispatchStore) Tally(_ context.Context, ownerID uuid.UUID) (domain.DispatchTally, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var t domain.DispatchTally
	for key, rec := range s.records {
		if key.OwnerID != ownerID {
			continue
		}
		if rec.Outcome.Delivered() {
			t.Accepted++
		} else {
			t.Failed++
		}
	}
	return t, nil
}

// List pages by insertion offset. The paging state is the big-endian offset.
func (s *DispatchStore) List(_ context.Context, ownerID uuid.UUID, limit int, pagingState []byte) ([]domain.DispatchRecord, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []domain.DispatchRecord
	for _, key := range s.order {
		if key.OwnerID == ownerID {
			all = append(all, s.records[key])
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Recipient != all[j].Recipient {
			return all[i].Recipient < all[j].Recipient
		}
		return all[i].Step < all[j].Step
	})

	offset := 0
	if len(pagingState) == 8 {
		offset = int(binary.BigEndian.Uint64(pagingState))
	}
	if offset > len(all) {
		offset = len(all)
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	var next []byte
	if end < len(all) {
		next = make([]byte, 8)
		binary.BigEndian.PutUint64(next, uint64(end))
	}
	return all[offset:end], next, nil
}

// Count returns the number of stored records.
func (s *DispatchStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
