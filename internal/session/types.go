package session

import (
	"sort"
	"time"

	"github.com/interviewkit/scribe/internal/transcript"
)

type Status string

const (
	StatusCreated          Status = "created"
	StatusReceiving        Status = "receiving"
	StatusAwaitingFinalize Status = "awaiting_finalize"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusAbandoned        Status = "abandoned"
)

// Terminal reports whether the status is immutable. Failed sessions are
// closed to uploads but can still be abandoned to release their storage.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusAbandoned:
		return true
	default:
		return false
	}
}

func (s Status) acceptsChunks() bool {
	switch s {
	case StatusCreated, StatusReceiving, StatusAwaitingFinalize:
		return true
	default:
		return false
	}
}

type ChunkStatus string

const (
	ChunkStored              ChunkStatus = "stored"
	ChunkTranscribing        ChunkStatus = "transcribing"
	ChunkTranscribed         ChunkStatus = "transcribed"
	ChunkTranscriptionFailed ChunkStatus = "transcription_failed"
)

// ChunkRecord is the registry's view of one uploaded chunk.
type ChunkRecord struct {
	ID              string               `json:"chunk_id"`
	SessionID       string               `json:"session_id"`
	Seq             int                  `json:"sequence_index"`
	SizeBytes       int64                `json:"size_bytes"`
	Checksum        string               `json:"checksum"`
	StorageRef      string               `json:"storage_ref"`
	OverlapSeconds  float64              `json:"overlap_seconds"`
	DurationSeconds float64              `json:"duration_seconds"`
	Status          ChunkStatus          `json:"status"`
	Segments        []transcript.Segment `json:"segments,omitempty"`
	UploadedAt      time.Time            `json:"uploaded_at"`
}

// ChunkUpload carries the metadata RecordChunkUpload needs for a new chunk.
type ChunkUpload struct {
	Seq             int
	SizeBytes       int64
	Checksum        string
	StorageRef      string
	OverlapSeconds  float64
	DurationSeconds float64
}

// Session is an upload session. Sequence index is the sole ordering key for
// its chunks; arrival order is irrelevant.
type Session struct {
	ID             string                `json:"session_id"`
	Status         Status                `json:"status"`
	ExpectedChunks int                   `json:"expected_chunks,omitempty"`
	Chunks         map[int]*ChunkRecord  `json:"chunks,omitempty"`
	GapsAtFinalize []int                 `json:"gaps_at_finalize,omitempty"`
	FailReason     string                `json:"fail_reason,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	LastActivityAt time.Time             `json:"last_activity_at"`
}

// ReceivedSeqs returns the sorted sequence indices present on the session.
func (s *Session) ReceivedSeqs() []int {
	seqs := make([]int, 0, len(s.Chunks))
	for seq := range s.Chunks {
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)
	return seqs
}

// FinalizeResult is the outcome of a finalize negotiation.
type FinalizeResult struct {
	Session   *Session
	Completed bool
	Gaps      []int
}

func clone(s *Session) *Session {
	c := *s
	if s.Chunks != nil {
		c.Chunks = make(map[int]*ChunkRecord, len(s.Chunks))
		for seq, rec := range s.Chunks {
			rc := *rec
			if rec.Segments != nil {
				rc.Segments = make([]transcript.Segment, len(rec.Segments))
				copy(rc.Segments, rec.Segments)
			}
			c.Chunks[seq] = &rc
		}
	}
	if s.GapsAtFinalize != nil {
		c.GapsAtFinalize = make([]int, len(s.GapsAtFinalize))
		copy(c.GapsAtFinalize, s.GapsAtFinalize)
	}
	return &c
}
