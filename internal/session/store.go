package session

import "sync"

// Store holds session records with snapshot semantics: Get and List
// return private copies, and Upsert stores a copy of its argument. Readers
// therefore never share memory with a writer mutating a record under the
// session lock; Upsert is the only publish point. The interface is
// deliberately narrow so a durable backend could replace the in-memory map
// later; today the map is authoritative only until restart, after which
// discovery rebuilds it from the runtime.
type Store interface {
	Get(sessionID string) (*Record, bool)
	Upsert(rec *Record)
	List() []*Record
}

type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Get(sessionID string) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[sessionID]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

func (s *MemoryStore) Upsert(rec *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.SessionID] = rec.Clone()
}

func (s *MemoryStore) List() []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	return out
}
