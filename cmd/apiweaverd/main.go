// Command apiweaverd serves the natural-language-to-API chat pipeline over
// HTTP: POST /v1/chat for a single response, POST /v1/chat/stream for
// progressive server-sent events.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/apiweaver/apiweaver/core"
	"github.com/apiweaver/apiweaver/llm"
	"github.com/apiweaver/apiweaver/metadata"
	"github.com/apiweaver/apiweaver/orchestration"
	"github.com/apiweaver/apiweaver/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	logger := core.NewProductionLogger("apiweaverd")

	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		logger.Error("Configuration load failed", map[string]interface{}{
			"operation": "startup",
			"error":     err.Error(),
		})
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("Service terminated", map[string]interface{}{
			"operation": "shutdown",
			"error":     err.Error(),
		})
		os.Exit(1)
	}
}

func run(cfg *core.Config, logger core.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.Init(ctx, "apiweaverd", cfg.Telemetry.OTLPEndpoint)
		if err != nil {
			return fmt.Errorf("telemetry init: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(flushCtx)
		}()
	}

	store, cleanup, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	repo := metadata.NewRepository(store)
	repo.SetLogger(logger)

	gateway := llm.NewOpenAIClient(llm.OpenAIOptions{
		APIKey:         cfg.LLM.APIKey,
		BaseURL:        cfg.LLM.BaseURL,
		Model:          cfg.LLM.Model,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		MaxConcurrent:  cfg.LLM.MaxConcurrent,
		Logger:         logger,
	})

	cache := orchestration.NewContextCache()
	cache.SetLogger(logger)
	defer cache.Close()

	var history orchestration.HistoryStore = orchestration.NoOpHistoryStore{}
	if cfg.Redis.URL != "" {
		redisHistory, err := orchestration.NewRedisHistoryStore(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis history: %w", err)
		}
		redisHistory.SetLogger(logger)
		defer func() { _ = redisHistory.Close() }()
		history = redisHistory
	}

	pipelineCfg := &orchestration.Config{
		MaxRetries:     cfg.Pipeline.MaxRetries,
		StepTimeout:    cfg.Pipeline.StepTimeout,
		JudgeEnabled:   cfg.Pipeline.JudgeEnabled == nil || *cfg.Pipeline.JudgeEnabled,
		BaseURLAliases: cfg.Pipeline.BaseURLAliases,
	}

	resolver := orchestration.NewIntentResolver(gateway)
	resolver.SetLogger(logger)
	planner := orchestration.NewPlanner(gateway)
	planner.SetLogger(logger)
	judge := orchestration.NewTerminationJudge(gateway)
	judge.SetLogger(logger)
	executor := orchestration.NewExecutor(repo, judge, pipelineCfg)
	executor.SetLogger(logger)
	analyzer := orchestration.NewErrorAnalyzer(gateway, repo)
	analyzer.SetLogger(logger)
	formatter := orchestration.NewLLMFormatter(gateway)
	formatter.SetLogger(logger)

	service := orchestration.NewChatService(orchestration.ChatServiceOptions{
		Repository: repo,
		Cache:      cache,
		History:    history,
		Resolver:   resolver,
		Planner:    planner,
		Executor:   executor,
		Analyzer:   analyzer,
		Formatter:  formatter,
		Config:     pipelineCfg,
	})
	service.SetLogger(logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/v1/chat", handleChat(service, logger))
	mux.HandleFunc("/v1/chat/stream", handleChatStream(service, logger))

	server := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: otelhttp.NewHandler(mux, "apiweaverd"),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", map[string]interface{}{
			"operation": "startup",
			"address":   cfg.Server.Address,
			"version":   core.Version,
		})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down", map[string]interface{}{"operation": "shutdown"})
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// openStore selects the metadata backend: Postgres when a DSN is
// configured, the in-memory store otherwise.
func openStore(cfg *core.Config, logger core.Logger) (metadata.Store, func(), error) {
	if cfg.Database.DSN == "" {
		logger.Info("Using in-memory metadata store", map[string]interface{}{
			"operation": "startup",
		})
		return metadata.NewMemoryStore(), func() {}, nil
	}

	store, err := metadata.NewSQLStore(cfg.Database.DSN, logger)
	if err != nil {
		return nil, nil, err
	}

	logger.Info("Connected to metadata database", map[string]interface{}{
		"operation": "startup",
	})
	return store, func() { _ = store.Close() }, nil
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func decodeChatRequest(w http.ResponseWriter, r *http.Request) (*orchestration.ChatRequest, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil, false
	}
	var req orchestration.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return nil, false
	}
	if req.ProjectID == 0 || req.Message == "" {
		http.Error(w, "projectId and message are required", http.StatusBadRequest)
		return nil, false
	}
	return &req, true
}

func handleChat(service *orchestration.ChatService, logger core.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeChatRequest(w, r)
		if !ok {
			return
		}

		response, err := service.Process(r.Context(), *req)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(response); err != nil {
			logger.Warn("Response write failed", map[string]interface{}{
				"operation": "chat_handler",
				"error":     err.Error(),
			})
		}
	}
}

func handleChatStream(service *orchestration.ChatService, logger core.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeChatRequest(w, r)
		if !ok {
			return
		}

		flusher, canFlush := w.(http.Flusher)
		if !canFlush {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		emit := func(update orchestration.ChatStreamUpdate) {
			data, err := json.Marshal(update)
			if err != nil {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}

		if _, err := service.ProcessStream(r.Context(), *req, emit); err != nil {
			logger.Warn("Stream processing failed", map[string]interface{}{
				"operation": "chat_stream_handler",
				"error":     err.Error(),
			})
		}
	}
}
