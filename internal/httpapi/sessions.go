package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/interviewkit/scribe/internal/archive"
	"github.com/interviewkit/scribe/internal/audio"
	"github.com/interviewkit/scribe/internal/chunkstore"
	"github.com/interviewkit/scribe/internal/ingest"
	"github.com/interviewkit/scribe/internal/session"
	"github.com/interviewkit/scribe/internal/transcript"
)

type createSessionRequest struct {
	ExpectedChunks int `json:"expected_chunks"`
}

type createSessionResponse struct {
	SessionID       string    `json:"session_id"`
	Status          string    `json:"status"`
	ExpectedChunks  int       `json:"expected_chunks"`
	CreatedAt       time.Time `json:"created_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}

type uploadChunkResponse struct {
	SessionID  string    `json:"session_id"`
	ChunkID    string    `json:"chunk_id"`
	Seq        int       `json:"sequence_index"`
	Status     string    `json:"status"`
	Checksum   string    `json:"checksum"`
	SizeBytes  int64     `json:"size_bytes"`
	Duplicate  bool      `json:"duplicate"`
	UploadedAt time.Time `json:"uploaded_at"`
}

type finalizeRequest struct {
	Force          bool `json:"force"`
	ExpectedChunks int  `json:"expected_chunks"`
}

type finalizeResponse struct {
	SessionID      string                 `json:"session_id"`
	Completed      bool                   `json:"completed"`
	Status         string                 `json:"status"`
	Gaps           []int                  `json:"gaps"`
	GapsAtFinalize []int                  `json:"gaps_at_finalize,omitempty"`
	Transcript     *transcript.Transcript `json:"transcript,omitempty"`
}

type gapsResponse struct {
	SessionID      string `json:"session_id"`
	Status         string `json:"status"`
	ExpectedChunks int    `json:"expected_chunks"`
	ReceivedChunks int    `json:"received_chunks"`
	Gaps           []int  `json:"gaps"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.ExpectedChunks < 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "expected_chunks must be >= 0")
		return
	}

	sess := s.coord.CreateSession(req.ExpectedChunks)
	respondJSON(w, http.StatusCreated, createSessionResponse{
		SessionID:       sess.ID,
		Status:          string(sess.Status),
		ExpectedChunks:  sess.ExpectedChunks,
		CreatedAt:       sess.CreatedAt,
		InactivityTTLMS: s.cfg.SessionTTL.Milliseconds(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.coord.ListSessions()
	respondJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := sessionIDParam(r)
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	sess, err := s.coord.GetSession(id)
	if err != nil {
		s.respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := sessionIDParam(r)
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	if err := s.coord.DeleteSession(id); err != nil {
		s.respondPipelineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	id := sessionIDParam(r)
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	// Multipart framing overhead on top of the chunk cap.
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxChunkBytes+(1<<20))
	if err := r.ParseMultipartForm(4 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			respondError(w, http.StatusBadRequest, "chunk_too_large", "request body exceeds the chunk size limit")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_multipart", err.Error())
		return
	}

	seq, err := strconv.Atoi(strings.TrimSpace(r.FormValue("sequence_index")))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "sequence_index must be an integer")
		return
	}
	overlap, _, err := formFloat(r, "overlap_seconds")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	duration, haveDuration, err := formFloat(r, "duration_seconds")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	file, _, err := r.FormFile("audio")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "audio file part is required")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			respondError(w, http.StatusBadRequest, "chunk_too_large", "audio part exceeds the chunk size limit")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", "reading audio part failed")
		return
	}

	if !haveDuration {
		// WAV headers carry enough to derive the duration; other containers
		// must declare it.
		info, perr := audio.ProbeWAV(data)
		if perr != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "duration_seconds is required when it cannot be probed from the audio")
			return
		}
		duration = info.DurationSeconds
	}

	rec, duplicate, err := s.coord.UploadChunk(r.Context(), ingest.UploadInput{
		SessionID:       id,
		Seq:             seq,
		OverlapSeconds:  overlap,
		DurationSeconds: duration,
		Data:            data,
	})
	if err != nil {
		s.respondPipelineError(w, err)
		return
	}

	status := http.StatusCreated
	if duplicate {
		status = http.StatusOK
	}
	respondJSON(w, status, uploadChunkResponse{
		SessionID:  id,
		ChunkID:    rec.ID,
		Seq:        rec.Seq,
		Status:     string(rec.Status),
		Checksum:   rec.Checksum,
		SizeBytes:  rec.SizeBytes,
		Duplicate:  duplicate,
		UploadedAt: rec.UploadedAt,
	})
}

func (s *Server) handleSessionGaps(w http.ResponseWriter, r *http.Request) {
	id := sessionIDParam(r)
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	sess, err := s.coord.GetSession(id)
	if err != nil {
		s.respondPipelineError(w, err)
		return
	}
	gaps, err := s.coord.SessionGaps(id)
	if err != nil {
		s.respondPipelineError(w, err)
		return
	}
	if gaps == nil {
		gaps = []int{}
	}
	respondJSON(w, http.StatusOK, gapsResponse{
		SessionID:      id,
		Status:         string(sess.Status),
		ExpectedChunks: sess.ExpectedChunks,
		ReceivedChunks: len(sess.Chunks),
		Gaps:           gaps,
	})
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	id := sessionIDParam(r)
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	var req finalizeRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.ExpectedChunks < 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "expected_chunks must be >= 0")
		return
	}
	// A finalize request may carry the total the client just learned.
	if req.ExpectedChunks > 0 {
		if err := s.coord.SetExpectedChunks(id, req.ExpectedChunks); err != nil {
			s.respondPipelineError(w, err)
			return
		}
	}

	out, err := s.coord.Finalize(r.Context(), id, req.Force)
	if err != nil {
		s.respondPipelineError(w, err)
		return
	}

	resp := finalizeResponse{
		SessionID: id,
		Completed: out.Completed,
		Status:    string(out.Session.Status),
		Gaps:      out.Gaps,
	}
	if resp.Gaps == nil {
		resp.Gaps = []int{}
	}
	if out.Completed {
		resp.GapsAtFinalize = out.Session.GapsAtFinalize
		tr := out.Transcript
		resp.Transcript = &tr
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAbandonSession(w http.ResponseWriter, r *http.Request) {
	id := sessionIDParam(r)
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	sess, err := s.coord.AbandonSession(id)
	if err != nil {
		if errors.Is(err, session.ErrSessionClosed) {
			respondError(w, http.StatusConflict, "session_completed", err.Error())
			return
		}
		s.respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleGetTranscript(w http.ResponseWriter, r *http.Request) {
	id := sessionIDParam(r)
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	tr, err := s.coord.Transcript(id)
	if err != nil {
		s.respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tr)
}

func (s *Server) handleListArchived(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		if n > 200 {
			n = 200
		}
		limit = n
	}

	records, err := s.coord.Archive().ListRecent(r.Context(), limit)
	if err != nil {
		respondRetryable(w, http.StatusServiceUnavailable, "archive_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"sessions": records,
		"count":    len(records),
	})
}

func (s *Server) handleGetArchived(w http.ResponseWriter, r *http.Request) {
	id := sessionIDParam(r)
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	rec, err := s.coord.Archive().GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
			return
		}
		respondRetryable(w, http.StatusServiceUnavailable, "archive_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// respondPipelineError maps coordinator errors onto HTTP statuses. Anything
// unmapped is treated as transient storage trouble and flagged retryable.
func (s *Server) respondPipelineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, session.ErrSessionClosed):
		respondError(w, http.StatusGone, "session_closed", err.Error())
	case errors.Is(err, session.ErrConflictingChunk):
		respondError(w, http.StatusConflict, "conflicting_chunk", err.Error())
	case errors.Is(err, session.ErrInvalidChunk):
		respondError(w, http.StatusBadRequest, "invalid_chunk", err.Error())
	case errors.Is(err, chunkstore.ErrUnsupportedFormat):
		respondError(w, http.StatusBadRequest, "unsupported_format", err.Error())
	case errors.Is(err, chunkstore.ErrTooLarge):
		respondError(w, http.StatusBadRequest, "chunk_too_large", err.Error())
	default:
		respondRetryable(w, http.StatusServiceUnavailable, "storage_error", err.Error())
	}
}

// formFloat parses an optional numeric form field; ok reports presence.
func formFloat(r *http.Request, field string) (v float64, ok bool, err error) {
	raw := strings.TrimSpace(r.FormValue(field))
	if raw == "" {
		return 0, false, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, errors.New(field + " must be a number")
	}
	return f, true, nil
}
