package stt

import (
	"context"
	"fmt"

	"github.com/interviewkit/scribe/internal/transcript"
)

// MockProvider is a local fallback used when no real backend is configured.
// Output is deterministic so re-transcribing the same chunk agrees with the
// first pass.
type MockProvider struct{}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) Name() string { return "mock" }

func (p *MockProvider) Transcribe(ctx context.Context, req Request) ([]transcript.Segment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(req.Audio) == 0 {
		return nil, nil
	}
	dur := req.DurationSeconds
	if dur <= 0 {
		dur = 1
	}
	return []transcript.Segment{{
		Start:      0,
		End:        dur,
		Text:       fmt.Sprintf("simulated speech for chunk %d", req.Seq),
		Confidence: 0.7,
	}}, nil
}
