package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/embrake-AI/fire-sub002/internal/alarm"
	"github.com/embrake-AI/fire-sub002/internal/config"
	"github.com/embrake-AI/fire-sub002/internal/httpapi"
	"github.com/embrake-AI/fire-sub002/internal/incident"
	"github.com/embrake-AI/fire-sub002/internal/store"
	"github.com/embrake-AI/fire-sub002/internal/triage"
	"github.com/embrake-AI/fire-sub002/internal/workflow"
)

func main() {
	logger := log.New(os.Stdout, "fire ", log.Ldate|log.Ltime|log.Lmicroseconds|log.LUTC)
	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid config: %v", err)
	}

	incidentStore, err := store.NewGormStore(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		logger.Fatalf("failed to initialize incident store: %v", err)
	}
	defer func() {
		if err := incidentStore.Close(); err != nil {
			logger.Printf("store close error: %v", err)
		}
	}()

	apiKey := triageAPIKey(cfg)
	if apiKey == "" {
		logger.Fatalf("no api key configured for triage provider %q", cfg.TriageProvider)
	}
	provider, ok := triage.DefaultRegistry().New(cfg.TriageProvider, apiKey)
	if !ok {
		logger.Fatalf("unknown triage provider %q", cfg.TriageProvider)
	}
	classifier := triage.NewClassifier(provider, cfg.TriageModel, triage.WithLogger(logger))

	targets := []incident.Workflow{workflow.NewLogging(logger)}
	for idx, webhookURL := range cfg.WorkflowURLs {
		name := webhookName(idx, webhookURL)
		targets = append(targets, workflow.NewWebhook(name, webhookURL, logger))
	}
	fanout := workflow.NewFanout(logger, targets...)

	actor := incident.NewActor(logger, incidentStore, classifier, fanout,
		incident.WithRetryInterval(cfg.RetryInterval),
		incident.WithSummaryTTL(cfg.SummaryTTL),
	)

	poller := alarm.NewPoller(incidentStore, actor.HandleWakeUp, cfg.PollInterval, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := poller.Start(ctx); err != nil {
		logger.Fatalf("failed to start alarm poller: %v", err)
	}
	defer poller.Stop()

	srv := httpapi.NewServer(logger, cfg.HTTPAddr, actor)
	go func() {
		logger.Printf("listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http server crashed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("server shutdown error: %v", err)
	}
}

func triageAPIKey(cfg config.Config) string {
	switch cfg.TriageProvider {
	case "anthropic":
		return cfg.AnthropicAPIKey
	case "openai":
		return cfg.OpenAIAPIKey
	default:
		return ""
	}
}

func webhookName(index int, webhookURL string) string {
	parsed, err := url.Parse(webhookURL)
	if err == nil {
		host := strings.TrimSpace(parsed.Host)
		if host != "" {
			return host
		}
	}
	return fmt.Sprintf("webhook-%d", index+1)
}
