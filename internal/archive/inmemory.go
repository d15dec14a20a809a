package archive

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is a simple in-process archive for local/dev use.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]SessionArchive
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]SessionArchive)}
}

func (s *InMemoryStore) SaveSession(_ context.Context, rec SessionArchive) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ArchivedAt.IsZero() {
		rec.ArchivedAt = time.Now().UTC()
	}
	s.sessions[rec.SessionID] = cloneArchive(rec)
	return nil
}

func (s *InMemoryStore) GetSession(_ context.Context, sessionID string) (SessionArchive, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return SessionArchive{}, ErrNotFound
	}
	return cloneArchive(rec), nil
}

func (s *InMemoryStore) ListRecent(_ context.Context, limit int) ([]SessionArchive, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 20
	}
	out := make([]SessionArchive, 0, len(s.sessions))
	for _, rec := range s.sessions {
		c := cloneArchive(rec)
		c.Chunks = nil
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArchivedAt.After(out[j].ArchivedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }

func cloneArchive(rec SessionArchive) SessionArchive {
	out := rec
	if rec.GapsAtFinalize != nil {
		out.GapsAtFinalize = append([]int(nil), rec.GapsAtFinalize...)
	}
	if rec.Chunks != nil {
		out.Chunks = append([]ChunkArchive(nil), rec.Chunks...)
	}
	return out
}
