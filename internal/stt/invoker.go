package stt

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/interviewkit/scribe/internal/reliability"
	"github.com/interviewkit/scribe/internal/transcript"
)

const (
	defaultAttempts    = 3
	defaultBackoffBase = 200 * time.Millisecond
	defaultBackoffCap  = 2 * time.Second
)

// InvokerConfig tunes retry behavior; zero values take the defaults.
type InvokerConfig struct {
	Attempts    int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Invoker drives a provider with bounded retries. Only transient failures
// are retried; a fatal provider error surfaces immediately.
type Invoker struct {
	provider Provider
	attempts int
	base     time.Duration
	cap      time.Duration
}

func NewInvoker(p Provider, cfg InvokerConfig) *Invoker {
	if cfg.Attempts <= 0 {
		cfg.Attempts = defaultAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = defaultBackoffCap
	}
	return &Invoker{
		provider: p,
		attempts: cfg.Attempts,
		base:     cfg.BackoffBase,
		cap:      cfg.BackoffCap,
	}
}

func (inv *Invoker) Name() string { return inv.provider.Name() }

func (inv *Invoker) Transcribe(ctx context.Context, req Request) ([]transcript.Segment, error) {
	var lastErr error
	for attempt := 1; attempt <= inv.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		segs, err := inv.provider.Transcribe(ctx, req)
		if err == nil {
			return segs, nil
		}
		lastErr = err
		if !reliability.IsTransientError(err) {
			return nil, fmt.Errorf("transcribe chunk %d: %w", req.Seq, err)
		}
		if attempt == inv.attempts {
			break
		}
		wait := reliability.ExponentialBackoff(attempt, inv.base, inv.cap)
		log.Printf("stt: session %s chunk %d attempt %d/%d failed, retrying in %s: %v",
			req.SessionID, req.Seq, attempt, inv.attempts, wait, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("transcribe chunk %d: gave up after %d attempts: %w", req.Seq, inv.attempts, lastErr)
}
