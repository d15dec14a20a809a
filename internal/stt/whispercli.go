package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/interviewkit/scribe/internal/reliability"
	"github.com/interviewkit/scribe/internal/transcript"
)

type LocalCLIConfig struct {
	CLIPath   string
	ModelPath string
	Language  string
	Threads   int
	// Confidence is applied to every segment; whisper.cpp JSON output
	// carries no per-segment score.
	Confidence float64
}

// LocalCLIProvider shells out to the whisper.cpp CLI and reads its JSON
// output. Each call runs in a private temp dir that is removed afterwards.
type LocalCLIProvider struct {
	cliPath    string
	modelPath  string
	language   string
	threads    int
	confidence float64
}

func NewLocalCLIProvider(cfg LocalCLIConfig) (*LocalCLIProvider, error) {
	cli := strings.TrimSpace(cfg.CLIPath)
	if cli == "" {
		cli = "whisper-cli"
	}
	cliPath, err := exec.LookPath(cli)
	if err != nil {
		return nil, fmt.Errorf("whisper.cpp CLI not found (%s)", cli)
	}
	modelPath := strings.TrimSpace(cfg.ModelPath)
	if modelPath == "" {
		return nil, fmt.Errorf("SCRIBE_WHISPER_MODEL_PATH is required")
	}
	if !filepath.IsAbs(modelPath) {
		if wd, err := os.Getwd(); err == nil {
			modelPath = filepath.Join(wd, modelPath)
		}
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("whisper.cpp model not found: %s", modelPath)
	}
	language := strings.TrimSpace(cfg.Language)
	if language == "" {
		language = "en"
	}

	threads := cfg.Threads
	if threads < 0 {
		return nil, fmt.Errorf("SCRIBE_WHISPER_THREADS must be >= 0")
	}
	if threads == 0 {
		threads = 4
		if n := runtime.NumCPU(); n > 0 {
			threads = n
		}
		if threads > 8 {
			threads = 8
		}
		if threads < 2 {
			threads = 2
		}
	}

	confidence := cfg.Confidence
	if confidence <= 0 || confidence > 1 {
		confidence = 0.9
	}

	return &LocalCLIProvider{
		cliPath:    cliPath,
		modelPath:  modelPath,
		language:   language,
		threads:    threads,
		confidence: confidence,
	}, nil
}

func (p *LocalCLIProvider) Name() string { return "whisper-cli" }

func (p *LocalCLIProvider) Transcribe(ctx context.Context, req Request) ([]transcript.Segment, error) {
	if len(req.Audio) == 0 {
		return nil, nil
	}
	tmpDir, err := os.MkdirTemp("", "scribe-whisper-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmpDir)

	audioPath := filepath.Join(tmpDir, chunkFileName(req.Format))
	if err := os.WriteFile(audioPath, req.Audio, 0o644); err != nil {
		return nil, err
	}
	outPrefix := filepath.Join(tmpDir, "out")

	// Flag sets vary slightly across whisper.cpp builds; stay conservative.
	args := []string{
		"-m", p.modelPath,
		"-f", audioPath,
		"-l", p.language,
		"-oj",
		"-of", outPrefix,
		"-t", strconv.Itoa(p.threads),
	}

	cmd := exec.CommandContext(ctx, p.cliPath, args...)
	cmd.Stdout = io.Discard
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, context.Canceled
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: whisper.cpp timed out on chunk %d", reliability.ErrTransient, req.Seq)
		}
		detail := strings.TrimSpace(stderr.String())
		// whisper.cpp can be extremely chatty; keep errors readable.
		if len(detail) > 8<<10 {
			detail = strings.TrimSpace(detail[len(detail)-(8<<10):])
		}
		if detail == "" {
			detail = err.Error()
		}
		return nil, fmt.Errorf("whisper.cpp failed: %s", detail)
	}

	b, err := os.ReadFile(outPrefix + ".json")
	if err != nil {
		return nil, err
	}
	return parseWhisperJSON(b, p.confidence)
}

// parseWhisperJSON maps whisper.cpp -oj output to segments. Offsets are
// integer milliseconds from the chunk start.
func parseWhisperJSON(b []byte, confidence float64) ([]transcript.Segment, error) {
	var out struct {
		Transcription []struct {
			Offsets struct {
				From int64 `json:"from"`
				To   int64 `json:"to"`
			} `json:"offsets"`
			Text string `json:"text"`
		} `json:"transcription"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode whisper.cpp output: %w", err)
	}
	segs := make([]transcript.Segment, 0, len(out.Transcription))
	for _, tr := range out.Transcription {
		text := strings.TrimSpace(tr.Text)
		if text == "" {
			continue
		}
		segs = append(segs, transcript.Segment{
			Start:      float64(tr.Offsets.From) / 1000,
			End:        float64(tr.Offsets.To) / 1000,
			Text:       text,
			Confidence: confidence,
		})
	}
	return segs, nil
}
