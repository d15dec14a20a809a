package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/interviewkit/scribe/internal/reliability"
	"github.com/interviewkit/scribe/internal/transcript"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultOpenAIModel   = "whisper-1"
	maxResponseBytes     = 4 << 20

	// Applied when the backend reports text without per-segment logprobs.
	fallbackConfidence = 0.8
)

type OpenAIConfig struct {
	APIKey   string
	BaseURL  string
	Model    string
	Language string
}

// OpenAIProvider posts chunks to an OpenAI-compatible /audio/transcriptions
// endpoint and maps the verbose_json response to timed segments.
type OpenAIProvider struct {
	cfg    OpenAIConfig
	client *http.Client
}

func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultOpenAIBaseURL
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = defaultOpenAIModel
	}
	return &OpenAIProvider{
		cfg: cfg,
		// Backstop only; callers bound individual requests via ctx.
		client: &http.Client{Timeout: 120 * time.Second},
	}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Transcribe(ctx context.Context, req Request) ([]transcript.Segment, error) {
	if len(req.Audio) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", chunkFileName(req.Format))
	if err != nil {
		_ = mw.Close()
		return nil, err
	}
	if _, err := fw.Write(req.Audio); err != nil {
		_ = mw.Close()
		return nil, err
	}
	_ = mw.WriteField("model", p.cfg.Model)
	_ = mw.WriteField("response_format", "verbose_json")
	_ = mw.WriteField("temperature", "0.0")
	if lang := p.language(req); lang != "" {
		_ = mw.WriteField("language", lang)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/audio/transcriptions", &body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, context.Canceled
		}
		return nil, fmt.Errorf("%w: %v", reliability.ErrTransient, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read transcription response: %v", reliability.ErrTransient, err)
	}
	if resp.StatusCode != http.StatusOK {
		detail := strings.TrimSpace(string(b))
		if reliability.IsRetryableHTTPStatus(resp.StatusCode) {
			return nil, fmt.Errorf("%w: transcription HTTP %d: %s", reliability.ErrTransient, resp.StatusCode, detail)
		}
		return nil, fmt.Errorf("transcription HTTP %d: %s", resp.StatusCode, detail)
	}

	var out verboseTranscription
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode transcription response: %w", err)
	}
	return out.segments(req), nil
}

func (p *OpenAIProvider) language(req Request) string {
	if lang := strings.TrimSpace(req.Language); lang != "" {
		return lang
	}
	return strings.TrimSpace(p.cfg.Language)
}

func chunkFileName(format string) string {
	format = strings.TrimSpace(format)
	if format == "" {
		format = "wav"
	}
	return "chunk." + format
}

type verboseTranscription struct {
	Text     string  `json:"text"`
	Duration float64 `json:"duration"`
	Segments []struct {
		Start      float64 `json:"start"`
		End        float64 `json:"end"`
		Text       string  `json:"text"`
		AvgLogprob float64 `json:"avg_logprob"`
	} `json:"segments"`
}

func (v verboseTranscription) segments(req Request) []transcript.Segment {
	if len(v.Segments) == 0 {
		text := strings.TrimSpace(v.Text)
		if text == "" {
			return nil
		}
		end := v.Duration
		if end <= 0 {
			end = req.DurationSeconds
		}
		return []transcript.Segment{{Start: 0, End: end, Text: text, Confidence: fallbackConfidence}}
	}
	segs := make([]transcript.Segment, 0, len(v.Segments))
	for _, s := range v.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		segs = append(segs, transcript.Segment{
			Start:      s.Start,
			End:        s.End,
			Text:       text,
			Confidence: confidenceFromLogprob(s.AvgLogprob),
		})
	}
	return segs
}

// confidenceFromLogprob maps an average token logprob to [0, 1]. A zero
// logprob means the field was absent from the response.
func confidenceFromLogprob(lp float64) float64 {
	if lp == 0 {
		return fallbackConfidence
	}
	c := math.Exp(lp)
	if c > 1 {
		return 1
	}
	if c < 0 {
		return 0
	}
	return c
}
