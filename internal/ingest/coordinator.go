package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/interviewkit/scribe/internal/archive"
	"github.com/interviewkit/scribe/internal/chunkstore"
	"github.com/interviewkit/scribe/internal/notify"
	"github.com/interviewkit/scribe/internal/observability"
	"github.com/interviewkit/scribe/internal/policy"
	"github.com/interviewkit/scribe/internal/session"
	"github.com/interviewkit/scribe/internal/stt"
	"github.com/interviewkit/scribe/internal/transcript"
)

type Config struct {
	TranscribeTimeout     time.Duration
	TranscribeConcurrency int64
	FinalizeDrain         time.Duration
	Language              string
	// RedactArchive masks PII in transcript text before it is archived. The
	// live aggregate is never rewritten.
	RedactArchive bool
}

// Transcriber is what the coordinator needs from the stt layer; *stt.Invoker
// satisfies it.
type Transcriber interface {
	Name() string
	Transcribe(ctx context.Context, req stt.Request) ([]transcript.Segment, error)
}

// Coordinator drives the chunk pipeline: store blob, record upload, transcribe
// asynchronously, fold results into the session aggregate and negotiate
// finalize. Sessions never block each other here; per-session ordering comes
// from the registry.
type Coordinator struct {
	store       *chunkstore.Store
	registry    *session.Registry
	aggregator  *transcript.Aggregator
	transcriber Transcriber
	hub         *notify.Hub
	archive     archive.Store
	metrics     *observability.Metrics

	language string
	timeout  time.Duration
	drain    time.Duration
	redact   bool
	sem      *semaphore.Weighted

	mu             sync.Mutex
	runningCancels map[string]context.CancelFunc
	notified       map[string]struct{}
}

func New(cfg Config, store *chunkstore.Store, registry *session.Registry, aggregator *transcript.Aggregator, tr Transcriber, hub *notify.Hub, arch archive.Store, metrics *observability.Metrics) *Coordinator {
	if cfg.TranscribeTimeout <= 0 {
		cfg.TranscribeTimeout = 2 * time.Minute
	}
	if cfg.TranscribeConcurrency <= 0 {
		cfg.TranscribeConcurrency = 4
	}
	if cfg.FinalizeDrain <= 0 {
		cfg.FinalizeDrain = 30 * time.Second
	}

	c := &Coordinator{
		store:          store,
		registry:       registry,
		aggregator:     aggregator,
		transcriber:    tr,
		hub:            hub,
		archive:        arch,
		metrics:        metrics,
		language:       strings.TrimSpace(cfg.Language),
		timeout:        cfg.TranscribeTimeout,
		drain:          cfg.FinalizeDrain,
		redact:         cfg.RedactArchive,
		sem:            semaphore.NewWeighted(cfg.TranscribeConcurrency),
		runningCancels: make(map[string]context.CancelFunc),
		notified:       make(map[string]struct{}),
	}
	registry.SetExpireHook(c.handleExpired)
	return c
}

func (c *Coordinator) CreateSession(expectedChunks int) *session.Session {
	s := c.registry.Create(expectedChunks)
	c.aggregator.SetExpected(s.ID, s.ExpectedChunks)
	if c.metrics != nil {
		c.metrics.ObserveSessionEvent("created")
	}
	c.syncActiveGauge()
	log.Printf("ingest: session %s created (expected_chunks=%d)", s.ID, s.ExpectedChunks)
	return s
}

func (c *Coordinator) GetSession(sessionID string) (*session.Session, error) {
	return c.registry.Get(sessionID)
}

func (c *Coordinator) ListSessions() []*session.Session {
	return c.registry.List()
}

// SessionGaps reports the missing sequence indices: the live view for open
// sessions, the pinned set for completed ones.
func (c *Coordinator) SessionGaps(sessionID string) ([]int, error) {
	s, err := c.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status == session.StatusCompleted {
		return append([]int(nil), s.GapsAtFinalize...), nil
	}
	return transcript.FindGaps(s.ReceivedSeqs(), s.ExpectedChunks), nil
}

func (c *Coordinator) SetExpectedChunks(sessionID string, expected int) error {
	if err := c.registry.SetExpectedChunks(sessionID, expected); err != nil {
		return err
	}
	c.aggregator.SetExpected(sessionID, expected)
	return nil
}

func (c *Coordinator) Transcript(sessionID string) (transcript.Transcript, error) {
	if _, err := c.registry.Get(sessionID); err != nil {
		return transcript.Transcript{}, err
	}
	if cur, ok := c.aggregator.Current(sessionID); ok {
		return cur, nil
	}
	return c.aggregator.Recompute(sessionID), nil
}

func (c *Coordinator) Subscribe(sessionID string) (<-chan notify.Event, func()) {
	return c.hub.Subscribe(sessionID)
}

// SubscribeWithReplay returns retained history plus a live feed with no event
// delivered through both.
func (c *Coordinator) SubscribeWithReplay(sessionID string) ([]notify.Event, <-chan notify.Event, func()) {
	return c.hub.SubscribeWithReplay(sessionID)
}

func (c *Coordinator) Archive() archive.Store {
	return c.archive
}

func (c *Coordinator) ProviderName() string {
	return c.transcriber.Name()
}

func (c *Coordinator) SessionCounts() map[session.Status]int {
	return c.registry.Counts()
}

type UploadInput struct {
	SessionID       string
	Seq             int
	OverlapSeconds  float64
	DurationSeconds float64
	Data            []byte
}

// UploadChunk runs the synchronous half of the pipeline and hands the chunk
// to a transcription goroutine. A duplicate upload returns the prior record
// with no side effects.
func (c *Coordinator) UploadChunk(ctx context.Context, in UploadInput) (*session.ChunkRecord, bool, error) {
	start := time.Now()
	s, err := c.registry.Get(in.SessionID)
	if err != nil {
		return nil, false, err
	}
	if s.Status.Terminal() || s.Status == session.StatusFailed {
		return nil, false, fmt.Errorf("status %s: %w", s.Status, session.ErrSessionClosed)
	}

	ref, checksum, err := c.store.Put(ctx, in.SessionID, in.Seq, in.Data)
	if err != nil {
		if errors.Is(err, chunkstore.ErrUnsupportedFormat) || errors.Is(err, chunkstore.ErrTooLarge) {
			if c.metrics != nil {
				c.metrics.ObserveChunkUpload("rejected", 0)
			}
			return nil, false, err
		}
		if errors.Is(err, context.Canceled) {
			return nil, false, err
		}
		// Storage kept failing after retries; the session can no longer
		// guarantee its chunks.
		c.failSession(in.SessionID, fmt.Sprintf("chunk %d storage failed", in.Seq))
		if c.metrics != nil {
			c.metrics.ObserveChunkUpload("storage_error", 0)
		}
		return nil, false, fmt.Errorf("store chunk %d: %w", in.Seq, err)
	}

	rec, duplicate, err := c.registry.RecordChunkUpload(in.SessionID, session.ChunkUpload{
		Seq:             in.Seq,
		SizeBytes:       int64(len(in.Data)),
		Checksum:        checksum,
		StorageRef:      ref,
		OverlapSeconds:  in.OverlapSeconds,
		DurationSeconds: in.DurationSeconds,
	})
	if err != nil {
		// The blob for the losing upload; the winner's ref is untouched.
		_ = c.store.Delete(ref)
		if c.metrics != nil {
			switch {
			case errors.Is(err, session.ErrConflictingChunk):
				c.metrics.ObserveChunkUpload("conflict", 0)
				c.metrics.ObserveIndicator("conflicting_chunk")
			case errors.Is(err, session.ErrInvalidChunk):
				c.metrics.ObserveChunkUpload("invalid", 0)
			default:
				c.metrics.ObserveChunkUpload("closed", 0)
			}
		}
		return nil, false, err
	}
	if duplicate {
		if c.metrics != nil {
			c.metrics.ObserveChunkUpload("duplicate", 0)
			c.metrics.ObserveIndicator("duplicate_chunk")
		}
		c.hub.Publish(notify.Event{Type: notify.EventChunkReceived, SessionID: in.SessionID, Seq: in.Seq, Duplicate: true})
		return rec, true, nil
	}

	if c.metrics != nil {
		c.metrics.ObserveChunkUpload("stored", len(in.Data))
		c.metrics.ObserveStage("upload_to_stored", time.Since(start))
	}
	c.hub.Publish(notify.Event{Type: notify.EventChunkReceived, SessionID: in.SessionID, Seq: in.Seq})
	c.startTranscription(in.SessionID, rec)
	return rec, false, nil
}

func cancelKey(sessionID string, seq int) string {
	return fmt.Sprintf("%s/%d", sessionID, seq)
}

func (c *Coordinator) startTranscription(sessionID string, rec *session.ChunkRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	key := cancelKey(sessionID, rec.Seq)
	c.setRunningCancel(key, cancel)

	go func() {
		defer cancel()
		defer c.clearRunningCancel(key)

		if err := c.sem.Acquire(ctx, 1); err != nil {
			c.finishChunk(sessionID, rec, nil, err, time.Now())
			return
		}
		defer c.sem.Release(1)

		if err := c.registry.MarkTranscribing(sessionID, rec.Seq); err != nil {
			return
		}

		started := time.Now()
		data, err := c.store.Get(rec.StorageRef)
		if err != nil {
			c.finishChunk(sessionID, rec, nil, fmt.Errorf("read chunk blob: %w", err), started)
			return
		}
		segs, err := c.transcriber.Transcribe(ctx, stt.Request{
			SessionID:       sessionID,
			Seq:             rec.Seq,
			Audio:           data,
			Format:          chunkstore.FormatFromRef(rec.StorageRef),
			Language:        c.language,
			DurationSeconds: rec.DurationSeconds,
		})
		c.finishChunk(sessionID, rec, segs, err, started)
	}()
}

func (c *Coordinator) finishChunk(sessionID string, rec *session.ChunkRecord, segs []transcript.Segment, err error, started time.Time) {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Session abandoned or deleted; nothing left to record.
			if c.metrics != nil {
				c.metrics.ObserveTranscription("cancelled", 0)
			}
			return
		}
		log.Printf("ingest: session %s chunk %d transcription failed: %v", sessionID, rec.Seq, err)
		if markErr := c.registry.MarkTranscriptionFailed(sessionID, rec.Seq); markErr != nil {
			return
		}
		c.aggregator.SetChunk(sessionID, transcript.ChunkTranscript{
			Seq:      rec.Seq,
			Duration: rec.DurationSeconds,
			Overlap:  rec.OverlapSeconds,
			Failed:   true,
		})
		c.aggregator.Recompute(sessionID)
		if c.metrics != nil {
			c.metrics.ObserveTranscription("failed", time.Since(started))
		}
		c.hub.Publish(notify.Event{Type: notify.EventChunkFailed, SessionID: sessionID, Seq: rec.Seq, Detail: err.Error()})
		return
	}

	if markErr := c.registry.MarkTranscribed(sessionID, rec.Seq, segs); markErr != nil {
		return
	}
	c.aggregator.SetChunk(sessionID, transcript.ChunkTranscript{
		Seq:      rec.Seq,
		Duration: rec.DurationSeconds,
		Overlap:  rec.OverlapSeconds,
		Segments: segs,
	})
	cur := c.aggregator.Recompute(sessionID)
	if c.metrics != nil {
		c.metrics.ObserveTranscription("ok", time.Since(started))
		c.metrics.ObserveStage("upload_to_transcribed", time.Since(rec.UploadedAt))
	}
	c.hub.Publish(notify.Event{Type: notify.EventChunkTranscribed, SessionID: sessionID, Seq: rec.Seq})
	c.hub.Publish(notify.Event{
		Type:         notify.EventTranscriptDelta,
		SessionID:    sessionID,
		Confidence:   cur.Confidence,
		SegmentCount: cur.SegmentCount,
	})
}

type FinalizeOutcome struct {
	Completed  bool
	Session    *session.Session
	Gaps       []int
	Transcript transcript.Transcript
}

// Finalize negotiates completion. With gaps and no force the session parks in
// awaiting_finalize and the gap list comes back for the client to fill. On
// completion the aggregate freezes and exactly one transcript_ready
// notification goes out, no matter how often finalize is retried.
func (c *Coordinator) Finalize(ctx context.Context, sessionID string, force bool) (FinalizeOutcome, error) {
	start := time.Now()
	s, err := c.registry.Get(sessionID)
	if err != nil {
		return FinalizeOutcome{}, err
	}
	if s.Status != session.StatusCompleted {
		gaps := transcript.FindGaps(s.ReceivedSeqs(), s.ExpectedChunks)
		if len(gaps) == 0 || force {
			c.waitForTranscriptions(ctx, sessionID)
		}
	}

	res, err := c.registry.RequestFinalize(sessionID, force)
	if err != nil {
		return FinalizeOutcome{}, err
	}
	if !res.Completed {
		if c.metrics != nil {
			c.metrics.ObserveFinalize("incomplete", 0)
		}
		return FinalizeOutcome{Session: res.Session, Gaps: res.Gaps}, nil
	}

	tr := c.aggregator.Freeze(sessionID)
	c.syncActiveGauge()

	c.mu.Lock()
	_, already := c.notified[sessionID]
	if !already {
		c.notified[sessionID] = struct{}{}
	}
	c.mu.Unlock()

	if !already {
		if c.metrics != nil {
			if force && len(res.Session.GapsAtFinalize) > 0 {
				c.metrics.ObserveIndicator("forced_finalize")
			}
			c.metrics.ObserveSessionEvent("completed")
			c.metrics.ObserveFinalize("completed", time.Since(start))
		}
		c.hub.Publish(notify.Event{
			Type:           notify.EventTranscriptReady,
			SessionID:      sessionID,
			FullText:       tr.FullText,
			Confidence:     tr.Confidence,
			SegmentCount:   tr.SegmentCount,
			GapsAtFinalize: res.Session.GapsAtFinalize,
		})
		c.archiveSession(res.Session, &tr)
		log.Printf("ingest: session %s completed (chunks=%d gaps=%v confidence=%.2f)",
			sessionID, len(res.Session.Chunks), res.Session.GapsAtFinalize, tr.Confidence)
	} else if c.metrics != nil {
		c.metrics.ObserveFinalize("repeat", 0)
	}

	return FinalizeOutcome{Completed: true, Session: res.Session, Gaps: res.Gaps, Transcript: tr}, nil
}

// waitForTranscriptions blocks until no chunk is queued or in flight, the
// drain budget runs out, or ctx is done. Finalize closes the session to
// writes afterwards, so convergence is guaranteed.
func (c *Coordinator) waitForTranscriptions(ctx context.Context, sessionID string) {
	deadline := time.NewTimer(c.drain)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		s, err := c.registry.Get(sessionID)
		if err != nil {
			return
		}
		pending := 0
		for _, rec := range s.Chunks {
			if rec.Status == session.ChunkStored || rec.Status == session.ChunkTranscribing {
				pending++
			}
		}
		if pending == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			log.Printf("ingest: session %s finalize proceeding with %d chunk(s) still transcribing", sessionID, pending)
			return
		case <-ticker.C:
		}
	}
}

// AbandonSession cancels in-flight work and releases everything the session
// holds. Idempotent; completed sessions are refused by the registry.
func (c *Coordinator) AbandonSession(sessionID string) (*session.Session, error) {
	s, err := c.registry.Abandon(sessionID)
	if err != nil {
		return nil, err
	}
	cur, hasCur := c.aggregator.Current(sessionID)
	c.releaseSession(s, true)
	var tr *transcript.Transcript
	if hasCur {
		tr = &cur
	}
	c.archiveSession(s, tr)
	if c.metrics != nil {
		c.metrics.ObserveSessionEvent("abandoned")
	}
	c.syncActiveGauge()
	return s, nil
}

// DeleteSession removes a session outright. A live session is abandoned
// first; a completed one keeps its archived record and only sheds in-process
// state and blobs.
func (c *Coordinator) DeleteSession(sessionID string) error {
	s, err := c.registry.Get(sessionID)
	if err != nil {
		return err
	}
	if !s.Status.Terminal() {
		if _, err := c.AbandonSession(sessionID); err != nil {
			return err
		}
	} else {
		c.releaseSession(s, false)
	}
	c.registry.Remove(sessionID)
	c.hub.Drop(sessionID)
	c.syncActiveGauge()
	log.Printf("ingest: session %s deleted", sessionID)
	return nil
}

func (c *Coordinator) handleExpired(s *session.Session) {
	log.Printf("ingest: session %s abandoned after inactivity", s.ID)
	cur, hasCur := c.aggregator.Current(s.ID)
	c.releaseSession(s, true)
	var tr *transcript.Transcript
	if hasCur {
		tr = &cur
	}
	c.archiveSession(s, tr)
	if c.metrics != nil {
		c.metrics.ObserveSessionEvent("expired")
	}
	c.syncActiveGauge()
}

func (c *Coordinator) failSession(sessionID, reason string) {
	if _, err := c.registry.Fail(sessionID, reason); err != nil {
		return
	}
	c.cancelInFlight(sessionID)
	c.hub.Publish(notify.Event{Type: notify.EventSessionFailed, SessionID: sessionID, Detail: reason})
	if c.metrics != nil {
		c.metrics.ObserveSessionEvent("failed")
	}
	c.syncActiveGauge()
	log.Printf("ingest: session %s failed: %s", sessionID, reason)
}

func (c *Coordinator) releaseSession(s *session.Session, publishAbandoned bool) {
	c.cancelInFlight(s.ID)
	if err := c.store.DeleteSession(s.ID); err != nil {
		log.Printf("ingest: release blobs for %s: %v", s.ID, err)
	}
	c.aggregator.Drop(s.ID)
	c.mu.Lock()
	delete(c.notified, s.ID)
	c.mu.Unlock()
	if publishAbandoned {
		c.hub.Publish(notify.Event{Type: notify.EventSessionAbandoned, SessionID: s.ID})
	}
}

func (c *Coordinator) archiveSession(s *session.Session, tr *transcript.Transcript) {
	if c.archive == nil {
		return
	}
	rec := archive.SessionArchive{
		SessionID:      s.ID,
		Status:         string(s.Status),
		ExpectedChunks: s.ExpectedChunks,
		ChunkCount:     len(s.Chunks),
		GapsAtFinalize: append([]int(nil), s.GapsAtFinalize...),
		FailReason:     s.FailReason,
		CreatedAt:      s.CreatedAt,
		ArchivedAt:     time.Now().UTC(),
	}
	if tr != nil {
		rec.FullText = tr.FullText
		rec.Confidence = tr.Confidence
		rec.SegmentCount = tr.SegmentCount
		if c.redact {
			rec.FullText, _ = policy.RedactPII(rec.FullText)
		}
	}
	for _, seq := range s.ReceivedSeqs() {
		cr := s.Chunks[seq]
		texts := make([]string, 0, len(cr.Segments))
		for _, seg := range cr.Segments {
			if seg.Text != "" {
				texts = append(texts, seg.Text)
			}
		}
		text := strings.Join(texts, " ")
		if c.redact {
			text, _ = policy.RedactPII(text)
		}
		rec.Chunks = append(rec.Chunks, archive.ChunkArchive{
			Seq:             cr.Seq,
			SizeBytes:       cr.SizeBytes,
			Checksum:        cr.Checksum,
			StorageRef:      cr.StorageRef,
			OverlapSeconds:  cr.OverlapSeconds,
			DurationSeconds: cr.DurationSeconds,
			Status:          string(cr.Status),
			Text:            text,
			UploadedAt:      cr.UploadedAt,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.archive.SaveSession(ctx, rec); err != nil {
		log.Printf("ingest: archive session %s: %v", s.ID, err)
	}
}

func (c *Coordinator) syncActiveGauge() {
	if c.metrics == nil {
		return
	}
	counts := c.registry.Counts()
	active := counts[session.StatusCreated] + counts[session.StatusReceiving] + counts[session.StatusAwaitingFinalize]
	c.metrics.ActiveSessions.Set(float64(active))
}

func (c *Coordinator) cancelInFlight(sessionID string) {
	prefix := sessionID + "/"
	c.mu.Lock()
	cancels := make([]context.CancelFunc, 0, 4)
	for key, cancel := range c.runningCancels {
		if strings.HasPrefix(key, prefix) {
			cancels = append(cancels, cancel)
		}
	}
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (c *Coordinator) setRunningCancel(key string, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runningCancels[key] = cancel
}

func (c *Coordinator) clearRunningCancel(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.runningCancels, key)
}

// Close cancels every in-flight transcription. Used on shutdown.
func (c *Coordinator) Close() {
	c.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(c.runningCancels))
	for _, cancel := range c.runningCancels {
		cancels = append(cancels, cancel)
	}
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}
