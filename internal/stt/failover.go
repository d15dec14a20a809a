package stt

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/interviewkit/scribe/internal/transcript"
)

// FailoverProvider prefers the primary backend and switches to the fallback
// when primary calls fail. Once the fallback succeeds it stays active until it
// fails itself; then the primary is retried.
type FailoverProvider struct {
	primary  Provider
	fallback Provider

	fallbackActive atomic.Bool
}

func NewFailoverProvider(primary, fallback Provider) *FailoverProvider {
	return &FailoverProvider{primary: primary, fallback: fallback}
}

func (p *FailoverProvider) Name() string {
	return fmt.Sprintf("failover(%s,%s)", p.primary.Name(), p.fallback.Name())
}

func (p *FailoverProvider) Transcribe(ctx context.Context, req Request) ([]transcript.Segment, error) {
	if p.fallbackActive.Load() {
		segs, fbErr := p.fallback.Transcribe(ctx, req)
		if fbErr == nil {
			return segs, nil
		}
		if ctx.Err() != nil {
			return nil, fbErr
		}
		// Fallback failed after being active; try primary again.
		segs, prErr := p.primary.Transcribe(ctx, req)
		if prErr == nil {
			p.fallbackActive.Store(false)
			return segs, nil
		}
		return nil, fmt.Errorf("%s failed: %v; %s failed: %w", p.fallback.Name(), fbErr, p.primary.Name(), prErr)
	}

	segs, prErr := p.primary.Transcribe(ctx, req)
	if prErr == nil {
		return segs, nil
	}
	if ctx.Err() != nil {
		return nil, prErr
	}

	segs, fbErr := p.fallback.Transcribe(ctx, req)
	if fbErr != nil {
		return nil, fmt.Errorf("%s failed: %v; %s failed: %w", p.primary.Name(), prErr, p.fallback.Name(), fbErr)
	}
	p.fallbackActive.Store(true)
	return segs, nil
}
