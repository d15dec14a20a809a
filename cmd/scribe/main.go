package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/interviewkit/scribe/internal/archive"
	"github.com/interviewkit/scribe/internal/chunkstore"
	"github.com/interviewkit/scribe/internal/config"
	"github.com/interviewkit/scribe/internal/httpapi"
	"github.com/interviewkit/scribe/internal/ingest"
	"github.com/interviewkit/scribe/internal/notify"
	"github.com/interviewkit/scribe/internal/observability"
	"github.com/interviewkit/scribe/internal/session"
	"github.com/interviewkit/scribe/internal/stt"
	"github.com/interviewkit/scribe/internal/transcript"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	archiveStore, err := archive.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("archive store init failed: %v", err)
	}
	defer archiveStore.Close()

	blobStore, err := chunkstore.NewStore(cfg.DataDir, cfg.MaxChunkBytes)
	if err != nil {
		log.Fatalf("chunk store init failed: %v", err)
	}

	var provider stt.Provider

	sttMode := strings.ToLower(strings.TrimSpace(cfg.STTProvider))
	if sttMode == "" {
		sttMode = "auto"
	}

	tryOpenAI := func() bool {
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return false
		}
		p, err := stt.NewOpenAIProvider(stt.OpenAIConfig{
			APIKey:   cfg.OpenAIAPIKey,
			BaseURL:  cfg.OpenAIBaseURL,
			Model:    cfg.OpenAISTTModel,
			Language: cfg.Language,
		})
		if err != nil {
			log.Printf("openai provider unavailable: %v", err)
			return false
		}
		provider = p
		log.Printf("stt provider: openai (%s)", cfg.OpenAISTTModel)
		return true
	}

	tryWhisperCLI := func(fatal bool) bool {
		p, err := stt.NewLocalCLIProvider(stt.LocalCLIConfig{
			CLIPath:    cfg.WhisperCLI,
			ModelPath:  cfg.WhisperModelPath,
			Language:   cfg.Language,
			Threads:    cfg.WhisperThreads,
			Confidence: cfg.WhisperConfidence,
		})
		if err != nil {
			if fatal {
				log.Fatalf("whisper-cli provider init failed: %v", err)
			}
			log.Printf("whisper-cli provider unavailable: %v", err)
			return false
		}
		provider = p
		log.Printf("stt provider: whisper.cpp (%s)", cfg.WhisperModelPath)
		return true
	}

	switch sttMode {
	case "openai":
		if !tryOpenAI() {
			log.Fatalf("SCRIBE_STT_PROVIDER=openai but OPENAI_API_KEY is not set")
		}
	case "whisper-cli":
		_ = tryWhisperCLI(true)
	case "mock":
		provider = stt.NewMockProvider()
		log.Printf("stt provider: mock")
	case "auto":
		if tryOpenAI() {
			primary := provider
			// A local whisper.cpp install backs up the hosted API.
			if tryWhisperCLI(false) {
				provider = stt.NewFailoverProvider(primary, provider)
				log.Printf("stt provider: %s", provider.Name())
			} else {
				provider = primary
			}
			break
		}
		if tryWhisperCLI(false) {
			break
		}
		provider = stt.NewMockProvider()
		log.Printf("stt provider: mock (no openai key and whisper-cli unavailable)")
	default:
		log.Fatalf("invalid SCRIBE_STT_PROVIDER: %q (expected auto|openai|whisper-cli|mock)", cfg.STTProvider)
	}

	registry := session.NewRegistry(cfg.SessionTTL)
	aggregator := transcript.NewAggregator(transcript.DedupParams{
		SimilarityThreshold: cfg.DedupSimilarity,
		PositionTolerance:   cfg.DedupPositionTolerance,
		ConfidenceEdge:      cfg.DedupConfidenceEdge,
		MinRunTokens:        cfg.DedupMinRunTokens,
	})

	coordinator := ingest.New(ingest.Config{
		TranscribeTimeout:     cfg.TranscribeTimeout,
		TranscribeConcurrency: int64(cfg.TranscribeConcurrency),
		FinalizeDrain:         cfg.FinalizeDrainTimeout,
		Language:              cfg.Language,
		RedactArchive:         cfg.RedactArchive,
	}, blobStore, registry, aggregator, stt.NewInvoker(provider, stt.InvokerConfig{}), notify.NewHub(), archiveStore, metrics)
	defer coordinator.Close()

	api := httpapi.New(cfg, coordinator, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	registry.StartJanitor(runCtx, cfg.JanitorInterval)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
