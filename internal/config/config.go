package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the chunk ingestion service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	DataDir       string
	MaxChunkBytes int64

	SessionTTL      time.Duration
	JanitorInterval time.Duration

	STTProvider           string
	Language              string
	TranscribeTimeout     time.Duration
	TranscribeConcurrency int
	FinalizeDrainTimeout  time.Duration

	OpenAIAPIKey   string
	OpenAIBaseURL  string
	OpenAISTTModel string

	WhisperCLI        string
	WhisperModelPath  string
	WhisperThreads    int
	WhisperConfidence float64

	DedupSimilarity        float64
	DedupPositionTolerance float64
	DedupConfidenceEdge    float64
	DedupMinRunTokens      int

	RedactArchive bool

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("SCRIBE_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("SCRIBE_METRICS_NAMESPACE", "scribe"),
		AllowAnyOrigin:   false,
		DataDir:          envOrDefault("SCRIBE_DATA_DIR", "data/chunks"),
		// OpenAI rejects audio uploads past 25 MB, so that is the ceiling
		// worth accepting.
		MaxChunkBytes:         25 << 20,
		STTProvider:           envOrDefault("SCRIBE_STT_PROVIDER", "auto"),
		Language:              envOrDefault("SCRIBE_LANGUAGE", "en"),
		OpenAIBaseURL:         envOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAISTTModel:        envOrDefault("OPENAI_STT_MODEL", "whisper-1"),
		WhisperCLI:            envOrDefault("SCRIBE_WHISPER_CLI", "whisper-cli"),
		WhisperModelPath:      envOrDefault("SCRIBE_WHISPER_MODEL_PATH", ""),
		OpenAIAPIKey:          stringsTrimSpace("OPENAI_API_KEY"),
		DatabaseURL:           stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:       15 * time.Second,
		SessionTTL:            10 * time.Minute,
		JanitorInterval:       time.Minute,
		TranscribeTimeout:     2 * time.Minute,
		TranscribeConcurrency: 4,
		FinalizeDrainTimeout:  30 * time.Second,
		// 0 means "auto" (picked based on CPU count).
		WhisperThreads:    0,
		WhisperConfidence: 0.9,
		// Overlap dedup tuning; see the transcript package for what each
		// knob gates.
		DedupSimilarity:        0.8,
		DedupPositionTolerance: 0.5,
		DedupConfidenceEdge:    0.1,
		DedupMinRunTokens:      2,
		// Archived transcripts leave the session boundary; mask PII unless
		// the operator opts out.
		RedactArchive: true,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("SCRIBE_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionTTL, err = durationFromEnv("SCRIBE_SESSION_TTL", cfg.SessionTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.JanitorInterval, err = durationFromEnv("SCRIBE_JANITOR_INTERVAL", cfg.JanitorInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.TranscribeTimeout, err = durationFromEnv("SCRIBE_TRANSCRIBE_TIMEOUT", cfg.TranscribeTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.FinalizeDrainTimeout, err = durationFromEnv("SCRIBE_FINALIZE_DRAIN_TIMEOUT", cfg.FinalizeDrainTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxChunkBytes, err = int64FromEnv("SCRIBE_MAX_CHUNK_BYTES", cfg.MaxChunkBytes)
	if err != nil {
		return Config{}, err
	}
	cfg.TranscribeConcurrency, err = intFromEnv("SCRIBE_TRANSCRIBE_CONCURRENCY", cfg.TranscribeConcurrency)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("SCRIBE_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.RedactArchive, err = boolFromEnv("SCRIBE_REDACT_ARCHIVE", cfg.RedactArchive)
	if err != nil {
		return Config{}, err
	}

	cfg.WhisperThreads, err = intFromEnv("SCRIBE_WHISPER_THREADS", cfg.WhisperThreads)
	if err != nil {
		return Config{}, err
	}
	cfg.WhisperConfidence, err = floatFromEnv("SCRIBE_WHISPER_CONFIDENCE", cfg.WhisperConfidence)
	if err != nil {
		return Config{}, err
	}
	cfg.DedupSimilarity, err = floatFromEnv("SCRIBE_DEDUP_SIMILARITY", cfg.DedupSimilarity)
	if err != nil {
		return Config{}, err
	}
	cfg.DedupPositionTolerance, err = floatFromEnv("SCRIBE_DEDUP_POSITION_TOLERANCE", cfg.DedupPositionTolerance)
	if err != nil {
		return Config{}, err
	}
	cfg.DedupConfidenceEdge, err = floatFromEnv("SCRIBE_DEDUP_CONFIDENCE_EDGE", cfg.DedupConfidenceEdge)
	if err != nil {
		return Config{}, err
	}
	cfg.DedupMinRunTokens, err = intFromEnv("SCRIBE_DEDUP_MIN_RUN_TOKENS", cfg.DedupMinRunTokens)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionTTL < 5*time.Second {
		return Config{}, fmt.Errorf("SCRIBE_SESSION_TTL must be at least 5s")
	}
	if cfg.JanitorInterval <= 0 {
		return Config{}, fmt.Errorf("SCRIBE_JANITOR_INTERVAL must be positive")
	}
	if cfg.MaxChunkBytes <= 0 {
		return Config{}, fmt.Errorf("SCRIBE_MAX_CHUNK_BYTES must be positive")
	}
	if cfg.TranscribeConcurrency <= 0 {
		return Config{}, fmt.Errorf("SCRIBE_TRANSCRIBE_CONCURRENCY must be positive")
	}
	if cfg.WhisperThreads < 0 {
		return Config{}, fmt.Errorf("SCRIBE_WHISPER_THREADS must be >= 0")
	}
	if cfg.WhisperConfidence <= 0 || cfg.WhisperConfidence > 1 {
		return Config{}, fmt.Errorf("SCRIBE_WHISPER_CONFIDENCE must be in (0, 1]")
	}
	if cfg.DedupSimilarity <= 0 || cfg.DedupSimilarity > 1 {
		return Config{}, fmt.Errorf("SCRIBE_DEDUP_SIMILARITY must be in (0, 1]")
	}
	if cfg.DedupPositionTolerance < 0 {
		return Config{}, fmt.Errorf("SCRIBE_DEDUP_POSITION_TOLERANCE must be >= 0")
	}
	if cfg.DedupConfidenceEdge < 0 || cfg.DedupConfidenceEdge >= 1 {
		return Config{}, fmt.Errorf("SCRIBE_DEDUP_CONFIDENCE_EDGE must be in [0, 1)")
	}
	if cfg.DedupMinRunTokens < 1 {
		return Config{}, fmt.Errorf("SCRIBE_DEDUP_MIN_RUN_TOKENS must be >= 1")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\n' || v[0] == '\t' || v[0] == '\r') {
		v = v[1:]
	}
	for len(v) > 0 {
		c := v[len(v)-1]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			v = v[:len(v)-1]
			continue
		}
		break
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func int64FromEnv(key string, fallback int64) (int64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
