package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/interviewkit/scribe/internal/transcript"
)

var (
	ErrNotFound         = errors.New("session not found")
	ErrSessionClosed    = errors.New("session no longer accepts chunks")
	ErrConflictingChunk = errors.New("sequence index already uploaded with different content")
	ErrChunkNotFound    = errors.New("chunk not found")
	ErrInvalidChunk     = errors.New("invalid chunk metadata")
)

// Registry owns every UploadSession and ChunkRecord mutation. The session map
// is guarded by a read-write mutex; each session carries its own lock, so
// mutations serialize per session while distinct sessions proceed in parallel.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	ttl      time.Duration
	onExpire func(*Session)
}

type entry struct {
	mu sync.Mutex
	s  *Session
}

func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Registry{
		sessions: make(map[string]*entry),
		ttl:      ttl,
	}
}

// SetExpireHook registers the callback the janitor invokes, outside any lock,
// for each session it abandons.
func (r *Registry) SetExpireHook(hook func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = hook
}

func (r *Registry) Create(expectedChunks int) *Session {
	if expectedChunks < 0 {
		expectedChunks = 0
	}
	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		Status:         StatusCreated,
		ExpectedChunks: expectedChunks,
		Chunks:         make(map[int]*ChunkRecord),
		CreatedAt:      now,
		LastActivityAt: now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = &entry{s: s}
	return clone(s)
}

func (r *Registry) Get(sessionID string) (*Session, error) {
	e, err := r.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return clone(e.s), nil
}

// List returns a snapshot of every session the registry knows about.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]*Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, clone(e.s))
		e.mu.Unlock()
	}
	return out
}

// Counts tallies sessions per status.
func (r *Registry) Counts() map[Status]int {
	counts := make(map[Status]int)
	for _, s := range r.List() {
		counts[s.Status]++
	}
	return counts
}

// RecordChunkUpload inserts a chunk record. Re-uploading a sequence index
// with an identical checksum is an idempotent no-op returning the prior
// record with duplicate=true; the same index with different content is a
// client bug and rejected. The first chunk moves the session to receiving,
// as does a new chunk arriving while finalize is being negotiated.
func (r *Registry) RecordChunkUpload(sessionID string, up ChunkUpload) (*ChunkRecord, bool, error) {
	if up.Seq < 0 {
		return nil, false, fmt.Errorf("sequence index %d: %w", up.Seq, ErrInvalidChunk)
	}
	if up.DurationSeconds <= 0 {
		return nil, false, fmt.Errorf("duration %v: %w", up.DurationSeconds, ErrInvalidChunk)
	}
	if up.OverlapSeconds < 0 || up.OverlapSeconds >= up.DurationSeconds {
		return nil, false, fmt.Errorf("overlap %v with duration %v: %w", up.OverlapSeconds, up.DurationSeconds, ErrInvalidChunk)
	}

	e, err := r.lookup(sessionID)
	if err != nil {
		return nil, false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.s
	if !s.Status.acceptsChunks() {
		return nil, false, fmt.Errorf("status %s: %w", s.Status, ErrSessionClosed)
	}

	if existing, ok := s.Chunks[up.Seq]; ok {
		if existing.Checksum == up.Checksum {
			s.LastActivityAt = time.Now().UTC()
			dup := *existing
			return &dup, true, nil
		}
		return nil, false, fmt.Errorf("sequence index %d: %w", up.Seq, ErrConflictingChunk)
	}

	now := time.Now().UTC()
	rec := &ChunkRecord{
		ID:              uuid.NewString(),
		SessionID:       s.ID,
		Seq:             up.Seq,
		SizeBytes:       up.SizeBytes,
		Checksum:        up.Checksum,
		StorageRef:      up.StorageRef,
		OverlapSeconds:  up.OverlapSeconds,
		DurationSeconds: up.DurationSeconds,
		Status:          ChunkStored,
		UploadedAt:      now,
	}
	s.Chunks[up.Seq] = rec
	if s.Status == StatusCreated || s.Status == StatusAwaitingFinalize {
		s.Status = StatusReceiving
	}
	s.LastActivityAt = now
	out := *rec
	return &out, false, nil
}

func (r *Registry) MarkTranscribing(sessionID string, seq int) error {
	return r.updateChunk(sessionID, seq, func(rec *ChunkRecord) {
		rec.Status = ChunkTranscribing
	})
}

func (r *Registry) MarkTranscribed(sessionID string, seq int, segments []transcript.Segment) error {
	return r.updateChunk(sessionID, seq, func(rec *ChunkRecord) {
		rec.Status = ChunkTranscribed
		rec.Segments = make([]transcript.Segment, len(segments))
		copy(rec.Segments, segments)
	})
}

func (r *Registry) MarkTranscriptionFailed(sessionID string, seq int) error {
	return r.updateChunk(sessionID, seq, func(rec *ChunkRecord) {
		rec.Status = ChunkTranscriptionFailed
		rec.Segments = nil
	})
}

func (r *Registry) updateChunk(sessionID string, seq int, apply func(*ChunkRecord)) error {
	e, err := r.lookup(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.Status.Terminal() {
		return fmt.Errorf("status %s: %w", e.s.Status, ErrSessionClosed)
	}
	rec, ok := e.s.Chunks[seq]
	if !ok {
		return fmt.Errorf("sequence index %d: %w", seq, ErrChunkNotFound)
	}
	apply(rec)
	e.s.LastActivityAt = time.Now().UTC()
	return nil
}

// SetExpectedChunks records the total the client has signalled.
func (r *Registry) SetExpectedChunks(sessionID string, expected int) error {
	if expected < 0 {
		return fmt.Errorf("expected chunks %d: %w", expected, ErrInvalidChunk)
	}
	e, err := r.lookup(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.Status.Terminal() {
		return fmt.Errorf("status %s: %w", e.s.Status, ErrSessionClosed)
	}
	e.s.ExpectedChunks = expected
	e.s.LastActivityAt = time.Now().UTC()
	return nil
}

// RequestFinalize negotiates completion. With gaps and no force the session
// parks in awaiting_finalize so the client can upload the missing chunks and
// retry; otherwise it completes and pins the gap list observed at that
// moment. Finalizing a completed session is idempotent.
func (r *Registry) RequestFinalize(sessionID string, force bool) (FinalizeResult, error) {
	e, err := r.lookup(sessionID)
	if err != nil {
		return FinalizeResult{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.s
	switch s.Status {
	case StatusCompleted:
		return FinalizeResult{Session: clone(s), Completed: true, Gaps: append([]int(nil), s.GapsAtFinalize...)}, nil
	case StatusAbandoned, StatusFailed:
		return FinalizeResult{}, fmt.Errorf("status %s: %w", s.Status, ErrSessionClosed)
	}

	gaps := transcript.FindGaps(s.ReceivedSeqs(), s.ExpectedChunks)
	s.LastActivityAt = time.Now().UTC()
	if len(gaps) > 0 && !force {
		s.Status = StatusAwaitingFinalize
		return FinalizeResult{Session: clone(s), Completed: false, Gaps: gaps}, nil
	}

	s.Status = StatusCompleted
	s.GapsAtFinalize = gaps
	return FinalizeResult{Session: clone(s), Completed: true, Gaps: gaps}, nil
}

// Fail marks the session failed after an unrecoverable storage error.
func (r *Registry) Fail(sessionID, reason string) (*Session, error) {
	e, err := r.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.Status.Terminal() {
		return nil, fmt.Errorf("status %s: %w", e.s.Status, ErrSessionClosed)
	}
	e.s.Status = StatusFailed
	e.s.FailReason = reason
	e.s.LastActivityAt = time.Now().UTC()
	return clone(e.s), nil
}

// Abandon moves a non-terminal session to abandoned. Abandoning twice is a
// no-op; abandoning a completed session is rejected since its transcript is
// frozen and the record immutable.
func (r *Registry) Abandon(sessionID string) (*Session, error) {
	e, err := r.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.s.Status {
	case StatusAbandoned:
		return clone(e.s), nil
	case StatusCompleted:
		return nil, fmt.Errorf("status %s: %w", e.s.Status, ErrSessionClosed)
	}
	e.s.Status = StatusAbandoned
	e.s.LastActivityAt = time.Now().UTC()
	return clone(e.s), nil
}

// StartJanitor abandons sessions whose last activity is older than the TTL.
// This sweep is the only cross-session coordination in the registry.
func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.expireInactive()
			}
		}
	}()
}

func (r *Registry) expireInactive() {
	now := time.Now().UTC()

	r.mu.RLock()
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	hook := r.onExpire
	r.mu.RUnlock()

	var expired []*Session
	var removeIDs []string
	for _, e := range entries {
		e.mu.Lock()
		s := e.s
		idle := now.Sub(s.LastActivityAt)
		switch {
		case s.Status.Terminal():
			// Terminal records linger for one extra TTL so clients can
			// still read the outcome, then drop from the hot map.
			if idle >= 2*r.ttl {
				removeIDs = append(removeIDs, s.ID)
			}
		case idle >= r.ttl:
			s.Status = StatusAbandoned
			s.LastActivityAt = now
			expired = append(expired, clone(s))
		}
		e.mu.Unlock()
	}

	if len(removeIDs) > 0 {
		r.mu.Lock()
		for _, id := range removeIDs {
			delete(r.sessions, id)
		}
		r.mu.Unlock()
	}

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

// Remove drops a session from the registry entirely. Callers are expected to
// have released its storage first.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

func (r *Registry) lookup(sessionID string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}
