package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.STTProvider != "auto" {
		t.Fatalf("STTProvider = %q, want %q", cfg.STTProvider, "auto")
	}
	if cfg.MaxChunkBytes != 25<<20 {
		t.Fatalf("MaxChunkBytes = %d, want %d", cfg.MaxChunkBytes, 25<<20)
	}
	if cfg.SessionTTL != 10*time.Minute {
		t.Fatalf("SessionTTL = %v, want 10m", cfg.SessionTTL)
	}
	if cfg.DedupSimilarity != 0.8 || cfg.DedupPositionTolerance != 0.5 || cfg.DedupConfidenceEdge != 0.1 {
		t.Fatalf("dedup defaults = %v/%v/%v, want 0.8/0.5/0.1",
			cfg.DedupSimilarity, cfg.DedupPositionTolerance, cfg.DedupConfidenceEdge)
	}
	if cfg.OpenAIAPIKey != "" {
		t.Fatalf("OpenAIAPIKey = %q, want empty default", cfg.OpenAIAPIKey)
	}
	if !cfg.RedactArchive {
		t.Fatalf("RedactArchive = false, want true by default")
	}
}

func TestLoadUsesExplicitValues(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("SCRIBE_BIND_ADDR", ":9191")
	t.Setenv("SCRIBE_SESSION_TTL", "30m")
	t.Setenv("SCRIBE_MAX_CHUNK_BYTES", "1048576")
	t.Setenv("SCRIBE_TRANSCRIBE_CONCURRENCY", "8")
	t.Setenv("SCRIBE_DEDUP_SIMILARITY", "0.9")
	t.Setenv("SCRIBE_REDACT_ARCHIVE", "false")
	t.Setenv("OPENAI_API_KEY", "  sk-test  ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":9191")
	}
	if cfg.SessionTTL != 30*time.Minute {
		t.Fatalf("SessionTTL = %v, want 30m", cfg.SessionTTL)
	}
	if cfg.MaxChunkBytes != 1<<20 {
		t.Fatalf("MaxChunkBytes = %d, want %d", cfg.MaxChunkBytes, 1<<20)
	}
	if cfg.TranscribeConcurrency != 8 {
		t.Fatalf("TranscribeConcurrency = %d, want 8", cfg.TranscribeConcurrency)
	}
	if cfg.DedupSimilarity != 0.9 {
		t.Fatalf("DedupSimilarity = %v, want 0.9", cfg.DedupSimilarity)
	}
	if cfg.OpenAIAPIKey != "sk-test" {
		t.Fatalf("OpenAIAPIKey = %q, want trimmed %q", cfg.OpenAIAPIKey, "sk-test")
	}
	if cfg.RedactArchive {
		t.Fatalf("RedactArchive = true, want disabled")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"ttl too short", "SCRIBE_SESSION_TTL", "1s"},
		{"ttl not a duration", "SCRIBE_SESSION_TTL", "soon"},
		{"chunk bytes not a number", "SCRIBE_MAX_CHUNK_BYTES", "big"},
		{"zero concurrency", "SCRIBE_TRANSCRIBE_CONCURRENCY", "0"},
		{"similarity above one", "SCRIBE_DEDUP_SIMILARITY", "1.5"},
		{"negative tolerance", "SCRIBE_DEDUP_POSITION_TOLERANCE", "-0.1"},
		{"bad bool", "SCRIBE_ALLOW_ANY_ORIGIN", "maybe"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() accepted %s=%q", tc.key, tc.value)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"SCRIBE_BIND_ADDR",
		"SCRIBE_SHUTDOWN_TIMEOUT",
		"SCRIBE_METRICS_NAMESPACE",
		"SCRIBE_ALLOW_ANY_ORIGIN",
		"SCRIBE_DATA_DIR",
		"SCRIBE_MAX_CHUNK_BYTES",
		"SCRIBE_SESSION_TTL",
		"SCRIBE_JANITOR_INTERVAL",
		"SCRIBE_STT_PROVIDER",
		"SCRIBE_LANGUAGE",
		"SCRIBE_TRANSCRIBE_TIMEOUT",
		"SCRIBE_TRANSCRIBE_CONCURRENCY",
		"SCRIBE_FINALIZE_DRAIN_TIMEOUT",
		"SCRIBE_WHISPER_CLI",
		"SCRIBE_WHISPER_MODEL_PATH",
		"SCRIBE_WHISPER_THREADS",
		"SCRIBE_WHISPER_CONFIDENCE",
		"SCRIBE_DEDUP_SIMILARITY",
		"SCRIBE_DEDUP_POSITION_TOLERANCE",
		"SCRIBE_DEDUP_CONFIDENCE_EDGE",
		"SCRIBE_DEDUP_MIN_RUN_TOKENS",
		"SCRIBE_REDACT_ARCHIVE",
		"OPENAI_API_KEY",
		"OPENAI_BASE_URL",
		"OPENAI_STT_MODEL",
		"DATABASE_URL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
