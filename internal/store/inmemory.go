package store

import (
	"context"
	"sort"
	"sync"
)

// InMemoryStore is a simple in-process store for local/dev use.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]SessionRecord
	messages map[string][]MessageRecord
	updates  map[string]int
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]SessionRecord),
		messages: make(map[string][]MessageRecord),
		updates:  make(map[string]int),
	}
}

func (s *InMemoryStore) CreateSession(_ context.Context, rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[rec.ID] = rec
	return nil
}

func (s *InMemoryStore) UpdateSession(_ context.Context, rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[rec.ID]; !ok {
		return ErrNotFound
	}
	s.sessions[rec.ID] = rec
	s.updates[rec.ID]++
	return nil
}

func (s *InMemoryStore) SaveMessage(_ context.Context, rec MessageRecord) error {
	rec = prepareMessage(rec)
	s.mu.Lock()
	defer s.mu.Unlock()
	arr := s.messages[rec.SessionID]
	// Kept in id order, matching the postgres ORDER BY id.
	i := sort.Search(len(arr), func(i int) bool { return arr[i].ID > rec.ID })
	arr = append(arr, MessageRecord{})
	copy(arr[i+1:], arr[i:])
	arr[i] = rec
	s.messages[rec.SessionID] = arr
	return nil
}

func (s *InMemoryStore) GetSession(_ context.Context, id string) (SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[id]
	if !ok {
		return SessionRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *InMemoryStore) RecentMessages(_ context.Context, sessionID string, limit int) ([]MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.messages[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]MessageRecord, 0, limit)
	for i := len(arr) - limit; i < len(arr); i++ {
		out = append(out, arr[i])
	}
	return out, nil
}

// UpdateCount reports how many times the session summary was written.
func (s *InMemoryStore) UpdateCount(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updates[id]
}

func (s *InMemoryStore) Close() error { return nil }
