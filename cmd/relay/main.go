// Package main is the entry point for the chat relay server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-relay/internal/config"
	"github.com/capitalize-ai/chat-relay/internal/feishu"
	"github.com/capitalize-ai/chat-relay/internal/handler"
	"github.com/capitalize-ai/chat-relay/internal/llm"
	"github.com/capitalize-ai/chat-relay/internal/middleware"
	natsclient "github.com/capitalize-ai/chat-relay/internal/nats"
	"github.com/capitalize-ai/chat-relay/internal/service"
	"github.com/capitalize-ai/chat-relay/pkg/logger"
	"github.com/capitalize-ai/chat-relay/pkg/tracing"
)

const serviceName = "chat-relay"

func main() {
	cfg := config.Load()

	newLogger := logger.New
	if cfg.Development {
		newLogger = logger.NewDevelopment
	}
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	log.Info("starting relay",
		zap.String("provider", cfg.AIProvider),
		zap.String("store", cfg.ConversationStore),
	)

	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer func() {
				if err := tracing.Shutdown(ctx, tp); err != nil {
					log.Error("failed to flush traces", zap.Error(err))
				}
			}()
		}
	}

	// Conversation store
	readiness := map[string]handler.Pinger{}
	var store service.ConversationStore = service.NewMemoryConversationStore()
	if cfg.ConversationStore == config.StoreNATS {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		natsClient, err := natsclient.Connect(connectCtx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			cancel()
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer natsClient.Close()

		kvStore, err := natsclient.NewKVConversationStore(connectCtx, natsClient, cfg.NATSBucket)
		cancel()
		if err != nil {
			log.Fatal("failed to open conversation bucket", zap.Error(err))
		}
		store = kvStore
		readiness["nats"] = natsClient
	}

	// AI backend
	ai, err := newStreamer(cfg, log)
	if err != nil {
		log.Fatal("failed to create AI client", zap.Error(err))
	}

	// Feishu
	feishuHTTP := &http.Client{Timeout: cfg.HTTPTimeout}
	feishuOpts := []feishu.Option{
		feishu.WithBaseURL(cfg.FeishuBaseURL),
		feishu.WithHTTPClient(feishuHTTP),
		feishu.WithLogger(log),
	}
	tokens, err := feishu.NewTokenProvider(cfg.FeishuAppID, cfg.FeishuAppSecret, feishuOpts...)
	if err != nil {
		log.Fatal("failed to create token provider", zap.Error(err))
	}
	sender := feishu.NewClient(feishuOpts...)

	// Services
	turns := service.NewTurnProcessor(tokens, sender, ai, store, cfg.ChunkSize, log)
	baseCtx, cancelTurns := context.WithCancel(ctx)
	defer cancelTurns()
	dispatcher := service.NewDispatcher(baseCtx, log)

	// Handlers
	healthHandler := handler.NewHealthHandler(readiness)
	webhookHandler := handler.NewWebhookHandler(turns, dispatcher, store, log)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())

	r.Get("/", healthHandler.Health)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/feishu/webhook", webhookHandler.Handle)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	if err := dispatcher.Wait(shutdownCtx); err != nil {
		log.Warn("abandoning in-flight turns", zap.Error(err))
	}

	log.Info("server stopped")
}

// newStreamer builds the AI backend selected by AI_PROVIDER.
func newStreamer(cfg *config.Config, log *logger.Logger) (llm.Streamer, error) {
	switch cfg.AIProvider {
	case config.ProviderOpenAI:
		return llm.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.AIModel, "")
	case config.ProviderAnthropic:
		return llm.NewAnthropicClient(cfg.AnthropicAPIKey, cfg.AIModel)
	case config.ProviderDify:
		return llm.NewDifyClient(cfg.DifyAPIKey, cfg.DifyAPIEndpoint,
			llm.WithDifyHTTPClient(llm.NewStreamingHTTPClient(cfg.HTTPTimeout)),
			llm.WithDifyLogger(log),
		)
	default:
		return nil, fmt.Errorf("unknown AI provider %q", cfg.AIProvider)
	}
}
