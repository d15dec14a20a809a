// Command perfscribe drives a running scribe instance with synthetic interview
// sessions: it uploads deterministic WAV chunks over HTTP, watches each
// session's websocket feed, finalizes, and reports upload and
// finalize-to-ready latency percentiles.
package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/interviewkit/scribe/internal/audio"
	"github.com/interviewkit/scribe/internal/notify"
)

const sampleRate = 16000

type options struct {
	baseURL      string
	sessions     int
	chunks       int
	chunkMS      int
	overlapMS    int
	concurrency  int
	readyTimeout time.Duration
	dropEvery    int
	force        bool
	verbose      bool
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfscribe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfscribe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var readyTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "scribe base URL")
	flag.IntVar(&cfg.sessions, "sessions", 4, "number of synthetic sessions to run")
	flag.IntVar(&cfg.chunks, "chunks", 12, "chunks per session")
	flag.IntVar(&cfg.chunkMS, "chunk-ms", 5000, "audio length per chunk in milliseconds")
	flag.IntVar(&cfg.overlapMS, "overlap-ms", 1000, "declared overlap with the previous chunk in milliseconds")
	flag.IntVar(&cfg.concurrency, "concurrency", 4, "sessions driven at once")
	flag.IntVar(&readyTimeoutMS, "ready-timeout-ms", 30000, "timeout waiting for transcript_ready per session in milliseconds")
	flag.IntVar(&cfg.dropEvery, "drop-every", 0, "skip every Nth chunk to exercise gap handling (0 disables)")
	flag.BoolVar(&cfg.force, "force", false, "finalize with force=true")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print per-session progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.sessions <= 0 {
		return options{}, fmt.Errorf("sessions must be > 0")
	}
	if cfg.chunks <= 0 {
		return options{}, fmt.Errorf("chunks must be > 0")
	}
	if cfg.chunkMS < 250 || cfg.chunkMS > 60000 {
		return options{}, fmt.Errorf("chunk-ms must be in [250,60000]")
	}
	if cfg.overlapMS < 0 || cfg.overlapMS >= cfg.chunkMS {
		return options{}, fmt.Errorf("overlap-ms must be in [0,chunk-ms)")
	}
	if cfg.concurrency <= 0 {
		return options{}, fmt.Errorf("concurrency must be > 0")
	}
	if cfg.concurrency > cfg.sessions {
		cfg.concurrency = cfg.sessions
	}
	if readyTimeoutMS < 1000 {
		readyTimeoutMS = 1000
	}
	cfg.readyTimeout = time.Duration(readyTimeoutMS) * time.Millisecond
	if cfg.dropEvery == 1 {
		return options{}, fmt.Errorf("drop-every must be 0 or >= 2")
	}
	if cfg.dropEvery > 0 && !cfg.force {
		return options{}, fmt.Errorf("drop-every leaves gaps; -force is required to finalize past them")
	}
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	httpClient := &http.Client{Timeout: 45 * time.Second}
	col := newCollector()

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.concurrency)
	for i := 0; i < cfg.sessions; i++ {
		g.Go(func() error {
			return runSession(gctx, httpClient, cfg, i, col)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	col.report(os.Stdout, cfg, time.Since(start))
	return nil
}

func runSession(ctx context.Context, client *http.Client, cfg options, worker int, col *collector) error {
	sessionID, err := createSession(ctx, client, cfg.baseURL, cfg.chunks)
	if err != nil {
		return fmt.Errorf("worker %d create session: %w", worker, err)
	}
	defer func() {
		_ = deleteSession(context.Background(), client, cfg.baseURL, sessionID)
	}()

	if cfg.verbose {
		fmt.Printf("perfscribe: worker %d session=%s chunks=%d chunk_ms=%d\n", worker, sessionID, cfg.chunks, cfg.chunkMS)
	}

	wsURL, err := wsURLForSession(cfg.baseURL, sessionID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	readyCh := make(chan notify.Event, 1)
	readErrCh := make(chan error, 1)
	go readLoop(conn, readyCh, readErrCh, cfg.verbose)

	chunkSeconds := float64(cfg.chunkMS) / 1000
	for seq := 0; seq < cfg.chunks; seq++ {
		if cfg.dropEvery > 0 && (seq+1)%cfg.dropEvery == 0 {
			continue
		}
		select {
		case err := <-readErrCh:
			return fmt.Errorf("session %s ws read: %w", sessionID, err)
		default:
		}

		clip := audio.EncodeWAVPCM16LE(chunkPCM(worker, seq, chunkSeconds), sampleRate)
		uploadStart := time.Now()
		if err := uploadChunk(ctx, client, cfg, sessionID, seq, clip); err != nil {
			return fmt.Errorf("session %s chunk %d: %w", sessionID, seq, err)
		}
		col.addUpload(time.Since(uploadStart))
	}

	finalizeStart := time.Now()
	fin, err := finalizeSession(ctx, client, cfg, sessionID)
	if err != nil {
		return fmt.Errorf("finalize session %s: %w", sessionID, err)
	}
	if !fin.Completed {
		return fmt.Errorf("session %s did not complete: status=%s gaps=%v", sessionID, fin.Status, fin.Gaps)
	}

	evt, err := awaitReady(readyCh, readErrCh, cfg.readyTimeout)
	if err != nil {
		return fmt.Errorf("session %s await transcript_ready: %w", sessionID, err)
	}
	col.addReady(time.Since(finalizeStart))

	if cfg.verbose {
		fmt.Printf("perfscribe: session=%s ready segments=%d confidence=%.2f pinned_gaps=%d\n",
			sessionID, evt.SegmentCount, evt.Confidence, len(fin.GapsAtFinalize))
	}
	return nil
}

func createSession(ctx context.Context, client *http.Client, baseURL string, expectedChunks int) (string, error) {
	payload, err := json.Marshal(map[string]any{"expected_chunks": expectedChunks})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/sessions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return out.SessionID, nil
}

func deleteSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, baseURL+"/v1/sessions/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func uploadChunk(ctx context.Context, client *http.Client, cfg options, sessionID string, seq int, clip []byte) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("audio", fmt.Sprintf("chunk-%06d.wav", seq))
	if err != nil {
		return err
	}
	if _, err := part.Write(clip); err != nil {
		return err
	}
	if err := mw.WriteField("sequence_index", strconv.Itoa(seq)); err != nil {
		return err
	}
	if seq > 0 && cfg.overlapMS > 0 {
		overlap := strconv.FormatFloat(float64(cfg.overlapMS)/1000, 'f', 3, 64)
		if err := mw.WriteField("overlap_seconds", overlap); err != nil {
			return err
		}
	}
	// duration_seconds is omitted on purpose; the service derives it from the
	// WAV header.
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		cfg.baseURL+"/v1/sessions/"+url.PathEscape(sessionID)+"/chunks", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}
	if res.StatusCode != http.StatusCreated && res.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return nil
}

type finalizeResult struct {
	Completed      bool   `json:"completed"`
	Status         string `json:"status"`
	Gaps           []int  `json:"gaps"`
	GapsAtFinalize []int  `json:"gaps_at_finalize"`
}

func finalizeSession(ctx context.Context, client *http.Client, cfg options, sessionID string) (finalizeResult, error) {
	payload, err := json.Marshal(map[string]any{"force": cfg.force})
	if err != nil {
		return finalizeResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		cfg.baseURL+"/v1/sessions/"+url.PathEscape(sessionID)+"/finalize", bytes.NewReader(payload))
	if err != nil {
		return finalizeResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return finalizeResult{}, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return finalizeResult{}, err
	}
	if res.StatusCode != http.StatusOK {
		return finalizeResult{}, fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out finalizeResult
	if err := json.Unmarshal(body, &out); err != nil {
		return finalizeResult{}, err
	}
	return out, nil
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/sessions/" + sessionID + "/events"
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, readyCh chan<- notify.Event, readErrCh chan<- error, verbose bool) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}

		var evt notify.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		switch evt.Type {
		case notify.EventTranscriptReady:
			select {
			case readyCh <- evt:
			default:
			}
		case notify.EventSessionFailed:
			select {
			case readErrCh <- fmt.Errorf("session failed: %s", evt.Detail):
			default:
			}
			return
		case notify.EventChunkFailed:
			if verbose {
				fmt.Fprintf(os.Stderr, "perfscribe: chunk %d transcription failed: %s\n", evt.Seq, evt.Detail)
			}
		}
	}
}

func awaitReady(readyCh <-chan notify.Event, readErrCh <-chan error, timeout time.Duration) (notify.Event, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case evt := <-readyCh:
		return evt, nil
	case err := <-readErrCh:
		return notify.Event{}, err
	case <-timer.C:
		return notify.Event{}, fmt.Errorf("timeout after %s", timeout)
	}
}

// chunkPCM builds a deterministic sawtooth that differs per worker and
// sequence index, so every upload carries distinct audio bytes.
func chunkPCM(worker, seq int, seconds float64) []byte {
	samples := int(seconds * sampleRate)
	if samples < 1 {
		samples = 1
	}
	step := worker*131 + seq*17 + 7
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16((i*step)%4096))
	}
	return pcm
}

type collector struct {
	mu      sync.Mutex
	uploads []time.Duration
	readies []time.Duration
}

func newCollector() *collector {
	return &collector{}
}

func (c *collector) addUpload(d time.Duration) {
	c.mu.Lock()
	c.uploads = append(c.uploads, d)
	c.mu.Unlock()
}

func (c *collector) addReady(d time.Duration) {
	c.mu.Lock()
	c.readies = append(c.readies, d)
	c.mu.Unlock()
}

func (c *collector) report(w io.Writer, cfg options, elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(w, "perfscribe: %d sessions, %d uploads in %s\n", cfg.sessions, len(c.uploads), elapsed.Round(time.Millisecond))
	reportLine(w, "upload", c.uploads)
	reportLine(w, "finalize_to_ready", c.readies)
}

func reportLine(w io.Writer, label string, durs []time.Duration) {
	if len(durs) == 0 {
		fmt.Fprintf(w, "perfscribe: %s: no samples\n", label)
		return
	}
	sorted := append([]time.Duration(nil), durs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	fmt.Fprintf(w, "perfscribe: %s p50=%s p95=%s max=%s (n=%d)\n",
		label,
		percentile(sorted, 0.50).Round(time.Microsecond),
		percentile(sorted, 0.95).Round(time.Microsecond),
		sorted[len(sorted)-1].Round(time.Microsecond),
		len(sorted))
}

// percentile picks the nearest sample by rounded rank; durs must be sorted
// ascending.
func percentile(durs []time.Duration, p float64) time.Duration {
	if len(durs) == 0 {
		return 0
	}
	idx := int(p*float64(len(durs)-1) + 0.5)
	if idx < 0 {
		idx = 0
	}
	if idx >= len(durs) {
		idx = len(durs) - 1
	}
	return durs[idx]
}
