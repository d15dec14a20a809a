package stt

import (
	"context"

	"github.com/interviewkit/scribe/internal/transcript"
)

// Request carries one stored audio chunk to a speech-to-text backend.
type Request struct {
	SessionID string
	Seq       int
	Audio     []byte
	// Format is the container sniffed at upload time, e.g. "wav" or "webm".
	Format   string
	Language string
	// DurationSeconds is the duration declared by the uploader. Backends
	// that report no timing of their own fall back to it.
	DurationSeconds float64
}

// Provider transcribes a single chunk. Implementations must be safe for
// concurrent use. Segment times are relative to the chunk start, not the
// session timeline.
type Provider interface {
	Name() string
	Transcribe(ctx context.Context, req Request) ([]transcript.Segment, error)
}
