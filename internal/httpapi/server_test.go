package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/interviewkit/scribe/internal/archive"
	"github.com/interviewkit/scribe/internal/audio"
	"github.com/interviewkit/scribe/internal/chunkstore"
	"github.com/interviewkit/scribe/internal/config"
	"github.com/interviewkit/scribe/internal/ingest"
	"github.com/interviewkit/scribe/internal/notify"
	"github.com/interviewkit/scribe/internal/session"
	"github.com/interviewkit/scribe/internal/stt"
	"github.com/interviewkit/scribe/internal/transcript"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Config{
		SessionTTL:    time.Minute,
		MaxChunkBytes: 8 << 20,
	}
	store, err := chunkstore.NewStore(t.TempDir(), cfg.MaxChunkBytes)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	registry := session.NewRegistry(cfg.SessionTTL)
	agg := transcript.NewAggregator(transcript.DefaultDedupParams())
	inv := stt.NewInvoker(stt.NewMockProvider(), stt.InvokerConfig{
		Attempts:    2,
		BackoffBase: time.Millisecond,
		BackoffCap:  4 * time.Millisecond,
	})
	coord := ingest.New(ingest.Config{
		TranscribeTimeout:     5 * time.Second,
		TranscribeConcurrency: 4,
		FinalizeDrain:         2 * time.Second,
	}, store, registry, agg, inv, notify.NewHub(), archive.NewInMemoryStore(), nil)
	t.Cleanup(coord.Close)

	ts := httptest.NewServer(New(cfg, coord, nil).Router())
	t.Cleanup(ts.Close)
	return ts
}

func wavPayload(tag string) []byte {
	b := []byte("RIFF\x24\x00\x00\x00WAVE")
	return append(b, []byte(tag)...)
}

func createSession(t *testing.T, ts *httptest.Server, expected int) string {
	t.Helper()
	body, _ := json.Marshal(map[string]int{"expected_chunks": expected})
	res, err := http.Post(ts.URL+"/v1/sessions", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var created map[string]any
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	id, _ := created["session_id"].(string)
	if id == "" {
		t.Fatalf("missing session_id in create response: %+v", created)
	}
	return id
}

func postChunk(t *testing.T, ts *httptest.Server, sessionID string, seq int, payload []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("audio", fmt.Sprintf("chunk-%06d.wav", seq))
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := fw.Write(payload); err != nil {
		t.Fatalf("write audio part: %v", err)
	}
	_ = mw.WriteField("sequence_index", strconv.Itoa(seq))
	_ = mw.WriteField("overlap_seconds", "2")
	_ = mw.WriteField("duration_seconds", "10")
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/sessions/"+sessionID+"/chunks", &buf)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload request error = %v", err)
	}
	return res
}

func waitForTranscribed(t *testing.T, ts *httptest.Server, sessionID string, seqs ...int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		res, err := http.Get(ts.URL + "/v1/sessions/" + sessionID)
		if err != nil {
			t.Fatalf("GET session: %v", err)
		}
		var sess struct {
			Chunks map[string]struct {
				Status string `json:"status"`
			} `json:"chunks"`
		}
		err = json.NewDecoder(res.Body).Decode(&sess)
		res.Body.Close()
		if err != nil {
			t.Fatalf("decode session: %v", err)
		}
		done := true
		for _, seq := range seqs {
			if sess.Chunks[strconv.Itoa(seq)].Status != string(session.ChunkTranscribed) {
				done = false
				break
			}
		}
		if done {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("chunks %v never transcribed", seqs)
}

func postFinalize(t *testing.T, ts *httptest.Server, sessionID string, body map[string]any) map[string]any {
	t.Helper()
	raw, _ := json.Marshal(body)
	res, err := http.Post(ts.URL+"/v1/sessions/"+sessionID+"/finalize", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("finalize request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("finalize status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var payload map[string]any
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode finalize response: %v", err)
	}
	return payload
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	id := createSession(t, ts, 2)

	for seq := 0; seq < 2; seq++ {
		res := postChunk(t, ts, id, seq, wavPayload(fmt.Sprintf("chunk-%d", seq)))
		if res.StatusCode != http.StatusCreated {
			body, _ := io.ReadAll(res.Body)
			res.Body.Close()
			t.Fatalf("upload %d status = %d, body %s", seq, res.StatusCode, body)
		}
		res.Body.Close()
	}
	waitForTranscribed(t, ts, id, 0, 1)

	payload := postFinalize(t, ts, id, map[string]any{})
	if payload["completed"] != true {
		t.Fatalf("finalize response = %+v, want completed", payload)
	}
	tr, ok := payload["transcript"].(map[string]any)
	if !ok {
		t.Fatalf("finalize response missing transcript: %+v", payload)
	}
	wantText := "simulated speech for chunk 0 simulated speech for chunk 1"
	if tr["full_text"] != wantText {
		t.Fatalf("full_text = %v, want %q", tr["full_text"], wantText)
	}

	res, err := http.Get(ts.URL + "/v1/sessions/" + id + "/transcript")
	if err != nil {
		t.Fatalf("GET transcript: %v", err)
	}
	var got transcript.Transcript
	err = json.NewDecoder(res.Body).Decode(&got)
	res.Body.Close()
	if err != nil {
		t.Fatalf("decode transcript: %v", err)
	}
	if !got.Frozen || got.FullText != wantText {
		t.Fatalf("transcript frozen=%v text=%q, want frozen with %q", got.Frozen, got.FullText, wantText)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/sessions/"+id, nil)
	delRes, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE session: %v", err)
	}
	delRes.Body.Close()
	if delRes.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want %d", delRes.StatusCode, http.StatusNoContent)
	}

	goneRes, err := http.Get(ts.URL + "/v1/sessions/" + id)
	if err != nil {
		t.Fatalf("GET deleted session: %v", err)
	}
	goneRes.Body.Close()
	if goneRes.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want %d", goneRes.StatusCode, http.StatusNotFound)
	}

	// The archived record outlives the deletion.
	arcRes, err := http.Get(ts.URL + "/v1/archive/sessions/" + id)
	if err != nil {
		t.Fatalf("GET archived session: %v", err)
	}
	defer arcRes.Body.Close()
	if arcRes.StatusCode != http.StatusOK {
		t.Fatalf("archive get status = %d, want %d", arcRes.StatusCode, http.StatusOK)
	}
	var arc map[string]any
	if err := json.NewDecoder(arcRes.Body).Decode(&arc); err != nil {
		t.Fatalf("decode archive response: %v", err)
	}
	if arc["status"] != string(session.StatusCompleted) {
		t.Fatalf("archived status = %v, want completed", arc["status"])
	}
}

func TestUploadValidationOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	id := createSession(t, ts, 0)

	res := postChunk(t, ts, id, 0, []byte("definitely not audio bytes"))
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad format status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}

	res = postChunk(t, ts, "no-such-session", 0, wavPayload("x"))
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown session status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}

	res = postChunk(t, ts, id, 0, wavPayload("original"))
	res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("first upload status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	res = postChunk(t, ts, id, 0, wavPayload("original"))
	var dup uploadChunkResponse
	if err := json.NewDecoder(res.Body).Decode(&dup); err != nil {
		t.Fatalf("decode duplicate response: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK || !dup.Duplicate {
		t.Fatalf("duplicate upload status = %d duplicate = %v, want 200 with duplicate", res.StatusCode, dup.Duplicate)
	}

	res = postChunk(t, ts, id, 0, wavPayload("tampered"))
	res.Body.Close()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("conflicting upload status = %d, want %d", res.StatusCode, http.StatusConflict)
	}

	// Negative sequence index is chunk metadata the registry refuses.
	res = postChunk(t, ts, id, -1, wavPayload("negative"))
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative seq status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestUploadProbesWAVDuration(t *testing.T) {
	ts := newTestServer(t)
	id := createSession(t, ts, 1)

	postBare := func(sessionID string, payload []byte) *http.Response {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("audio", "chunk-000000.wav")
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		if _, err := fw.Write(payload); err != nil {
			t.Fatalf("write audio part: %v", err)
		}
		_ = mw.WriteField("sequence_index", "0")
		if err := mw.Close(); err != nil {
			t.Fatalf("close multipart writer: %v", err)
		}
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/sessions/"+sessionID+"/chunks", &buf)
		if err != nil {
			t.Fatalf("NewRequest: %v", err)
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("upload request error = %v", err)
		}
		return res
	}

	// Two seconds of mono PCM16 at 16 kHz, no duration_seconds field.
	res := postBare(id, audio.EncodeWAVPCM16LE(make([]byte, 64000), 16000))
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("probed upload status = %d, body %s", res.StatusCode, body)
	}

	sessRes, err := http.Get(ts.URL + "/v1/sessions/" + id)
	if err != nil {
		t.Fatalf("GET session: %v", err)
	}
	var sess struct {
		Chunks map[string]struct {
			DurationSeconds float64 `json:"duration_seconds"`
		} `json:"chunks"`
	}
	err = json.NewDecoder(sessRes.Body).Decode(&sess)
	sessRes.Body.Close()
	if err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if got := sess.Chunks["0"].DurationSeconds; got != 2.0 {
		t.Fatalf("probed duration = %v, want 2.0", got)
	}

	// Containers the probe cannot read still need an explicit duration.
	id2 := createSession(t, ts, 1)
	res = postBare(id2, append([]byte("OggS"), make([]byte, 64)...))
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("unprobeable upload status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestFinalizeNegotiationOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	id := createSession(t, ts, 0)

	for seq := 0; seq < 2; seq++ {
		res := postChunk(t, ts, id, seq, wavPayload(fmt.Sprintf("chunk-%d", seq)))
		res.Body.Close()
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("upload %d status = %d", seq, res.StatusCode)
		}
	}
	waitForTranscribed(t, ts, id, 0, 1)

	// The client learned the total while finalizing: three chunks expected,
	// one still missing. Negotiation reports it instead of completing.
	payload := postFinalize(t, ts, id, map[string]any{"expected_chunks": 3})
	if payload["completed"] != false {
		t.Fatalf("finalize completed = %v, want false", payload["completed"])
	}
	gaps, _ := payload["gaps"].([]any)
	if len(gaps) != 1 || gaps[0] != float64(2) {
		t.Fatalf("gaps = %v, want [2]", payload["gaps"])
	}
	if payload["status"] != string(session.StatusAwaitingFinalize) {
		t.Fatalf("status = %v, want %s", payload["status"], session.StatusAwaitingFinalize)
	}

	gapsRes, err := http.Get(ts.URL + "/v1/sessions/" + id + "/gaps")
	if err != nil {
		t.Fatalf("GET gaps: %v", err)
	}
	var gapsBody gapsResponse
	err = json.NewDecoder(gapsRes.Body).Decode(&gapsBody)
	gapsRes.Body.Close()
	if err != nil {
		t.Fatalf("decode gaps: %v", err)
	}
	if len(gapsBody.Gaps) != 1 || gapsBody.Gaps[0] != 2 {
		t.Fatalf("gaps endpoint = %+v, want [2]", gapsBody)
	}

	payload = postFinalize(t, ts, id, map[string]any{"force": true})
	if payload["completed"] != true {
		t.Fatalf("forced finalize completed = %v, want true", payload["completed"])
	}
	pinned, _ := payload["gaps_at_finalize"].([]any)
	if len(pinned) != 1 || pinned[0] != float64(2) {
		t.Fatalf("gaps_at_finalize = %v, want [2]", payload["gaps_at_finalize"])
	}
}

func TestSessionEventsWebsocket(t *testing.T) {
	ts := newTestServer(t)
	id := createSession(t, ts, 1)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/sessions/" + id + "/events"
	conn, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial error = %v", err)
	}
	if res != nil {
		res.Body.Close()
	}
	defer conn.Close()

	upRes := postChunk(t, ts, id, 0, wavPayload("chunk-0"))
	upRes.Body.Close()
	if upRes.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d", upRes.StatusCode)
	}

	seen := make(map[notify.EventType]bool)
	deadline := time.Now().Add(2 * time.Second)
	for !seen[notify.EventChunkTranscribed] && time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var ev notify.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("ReadJSON error = %v (seen %v)", err, seen)
		}
		if ev.SessionID != id {
			t.Fatalf("event for session %q, want %q", ev.SessionID, id)
		}
		seen[ev.Type] = true
	}
	if !seen[notify.EventChunkReceived] || !seen[notify.EventChunkTranscribed] {
		t.Fatalf("seen events = %v, want chunk_received and chunk_transcribed", seen)
	}

	// A second subscriber gets the same story replayed from history.
	conn2, res2, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("second ws dial error = %v", err)
	}
	if res2 != nil {
		res2.Body.Close()
	}
	defer conn2.Close()
	_ = conn2.SetReadDeadline(time.Now().Add(2 * time.Second))
	var replayed notify.Event
	if err := conn2.ReadJSON(&replayed); err != nil {
		t.Fatalf("replay ReadJSON error = %v", err)
	}
	if replayed.Type != notify.EventChunkReceived {
		t.Fatalf("first replayed event = %s, want %s", replayed.Type, notify.EventChunkReceived)
	}
}

func TestStatsAndHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)

	res, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	var health map[string]any
	err = json.NewDecoder(res.Body).Decode(&health)
	res.Body.Close()
	if err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health["status"] != "ok" || health["stt_provider"] != "mock" {
		t.Fatalf("health = %+v, want ok with mock provider", health)
	}
	if health["archive_mode"] != "in-memory" {
		t.Fatalf("archive_mode = %v, want in-memory", health["archive_mode"])
	}

	createSession(t, ts, 0)
	statsRes, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET /v1/stats: %v", err)
	}
	var stats map[string]any
	err = json.NewDecoder(statsRes.Body).Decode(&stats)
	statsRes.Body.Close()
	if err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	sessions, _ := stats["sessions"].(map[string]any)
	if sessions[string(session.StatusCreated)] != float64(1) {
		t.Fatalf("stats sessions = %v, want one created", stats["sessions"])
	}
	if _, ok := stats["pipeline"]; !ok {
		t.Fatalf("stats missing pipeline snapshot: %+v", stats)
	}
}
