package archive

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("archive: session not found")

// SessionArchive is the durable record written when a session reaches a
// terminal state. It survives registry TTL cleanup and process restarts.
type SessionArchive struct {
	SessionID      string         `json:"session_id"`
	Status         string         `json:"status"`
	ExpectedChunks int            `json:"expected_chunks"`
	ChunkCount     int            `json:"chunk_count"`
	FullText       string         `json:"full_text"`
	Confidence     float64        `json:"confidence"`
	SegmentCount   int            `json:"segment_count"`
	GapsAtFinalize []int          `json:"gaps_at_finalize,omitempty"`
	FailReason     string         `json:"fail_reason,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	ArchivedAt     time.Time      `json:"archived_at"`
	Chunks         []ChunkArchive `json:"chunks,omitempty"`
}

// ChunkArchive preserves per-chunk provenance alongside the merged text.
type ChunkArchive struct {
	Seq             int       `json:"seq"`
	SizeBytes       int64     `json:"size_bytes"`
	Checksum        string    `json:"checksum"`
	StorageRef      string    `json:"storage_ref"`
	OverlapSeconds  float64   `json:"overlap_seconds"`
	DurationSeconds float64   `json:"duration_seconds"`
	Status          string    `json:"status"`
	Text            string    `json:"text,omitempty"`
	UploadedAt      time.Time `json:"uploaded_at"`
}

// Store persists terminal session records.
type Store interface {
	SaveSession(ctx context.Context, rec SessionArchive) error
	GetSession(ctx context.Context, sessionID string) (SessionArchive, error)
	ListRecent(ctx context.Context, limit int) ([]SessionArchive, error)
	Close() error
}
