package notify

import (
	"strings"
	"sync"
	"time"
)

type EventType string

const (
	EventChunkReceived    EventType = "chunk_received"
	EventChunkTranscribed EventType = "chunk_transcribed"
	EventChunkFailed      EventType = "chunk_transcription_failed"
	EventTranscriptDelta  EventType = "transcript_updated"
	EventTranscriptReady  EventType = "transcript_ready"
	EventSessionFailed    EventType = "session_failed"
	EventSessionAbandoned EventType = "session_abandoned"
)

// Event is one entry on a session's feed. transcript_ready carries the
// downstream payload consumed by question generation and summary services.
type Event struct {
	Type           EventType `json:"type"`
	SessionID      string    `json:"session_id"`
	Seq            int       `json:"seq,omitempty"`
	Duplicate      bool      `json:"duplicate,omitempty"`
	FullText       string    `json:"full_text,omitempty"`
	Confidence     float64   `json:"confidence,omitempty"`
	SegmentCount   int       `json:"segment_count,omitempty"`
	GapsAtFinalize []int     `json:"gaps_at_finalize,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	At             time.Time `json:"at"`
}

const defaultHistoryLimit = 200

// Hub fans session events out to subscribers. Slow subscribers never block
// a publish; events they cannot absorb are dropped.
type Hub struct {
	mu          sync.Mutex
	subscribers map[string]map[int]chan Event
	nextSubID   int
	history     map[string][]Event
	historyMax  int
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]map[int]chan Event),
		history:     make(map[string][]Event),
		historyMax:  defaultHistoryLimit,
	}
}

// Subscribe registers a listener for one session's events. The returned
// cancel func closes the channel and must be called exactly once.
func (h *Hub) Subscribe(sessionID string) (<-chan Event, func()) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan Event, 256)
	h.mu.Lock()
	h.nextSubID++
	id := h.nextSubID
	if _, ok := h.subscribers[sessionID]; !ok {
		h.subscribers[sessionID] = make(map[int]chan Event)
	}
	h.subscribers[sessionID][id] = ch
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subs := h.subscribers[sessionID]
		if subs == nil {
			return
		}
		if c, ok := subs[id]; ok {
			delete(subs, id)
			close(c)
		}
		if len(subs) == 0 {
			delete(h.subscribers, sessionID)
		}
	}
}

// SubscribeWithReplay subscribes and returns the retained history in the same
// critical section, so no event lands in both the replay and the channel.
func (h *Hub) SubscribeWithReplay(sessionID string) ([]Event, <-chan Event, func()) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		ch := make(chan Event)
		close(ch)
		return nil, ch, func() {}
	}

	ch := make(chan Event, 256)
	h.mu.Lock()
	replay := append([]Event(nil), h.history[sessionID]...)
	h.nextSubID++
	id := h.nextSubID
	if _, ok := h.subscribers[sessionID]; !ok {
		h.subscribers[sessionID] = make(map[int]chan Event)
	}
	h.subscribers[sessionID][id] = ch
	h.mu.Unlock()

	return replay, ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subs := h.subscribers[sessionID]
		if subs == nil {
			return
		}
		if c, ok := subs[id]; ok {
			delete(subs, id)
			close(c)
		}
		if len(subs) == 0 {
			delete(h.subscribers, sessionID)
		}
	}
}

// Publish stamps and delivers an event to the session's subscribers.
func (h *Hub) Publish(evt Event) {
	if strings.TrimSpace(evt.SessionID) == "" {
		return
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.history[evt.SessionID] = append(h.history[evt.SessionID], evt)
	if max := h.historyMax; max > 0 && len(h.history[evt.SessionID]) > max {
		trimFrom := len(h.history[evt.SessionID]) - max
		h.history[evt.SessionID] = append([]Event(nil), h.history[evt.SessionID][trimFrom:]...)
	}

	subs := h.subscribers[evt.SessionID]
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// History returns a copy of the retained events for a session, oldest first.
func (h *Hub) History(sessionID string) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	evts := h.history[sessionID]
	if len(evts) == 0 {
		return nil
	}
	return append([]Event(nil), evts...)
}

// Drop forgets a session's history and closes any remaining subscribers.
func (h *Hub) Drop(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.history, sessionID)
	for id, ch := range h.subscribers[sessionID] {
		delete(h.subscribers[sessionID], id)
		close(ch)
	}
	delete(h.subscribers, sessionID)
}
