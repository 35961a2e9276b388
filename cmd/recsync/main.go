package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bookerly/recsync/internal/feedsync"
	"github.com/bookerly/recsync/internal/httpapi"
	"github.com/bookerly/recsync/internal/recsync"
)

func main() {
	addr := os.Getenv("RECSYNC_ADDR")
	if addr == "" {
		addr = ":8090"
	}
	remoteURL := strings.TrimSpace(os.Getenv("RECSYNC_REMOTE_URL"))
	if remoteURL == "" {
		log.Fatalf("RECSYNC_REMOTE_URL is required")
	}
	pushURL := strings.TrimSpace(os.Getenv("RECSYNC_PUSH_URL"))
	token := strings.TrimSpace(os.Getenv("RECSYNC_API_TOKEN"))

	stateBackend, err := recsync.BuildStateBackendFromDSN(stateDSNFromEnv())
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}
	ackQueue, err := recsync.BuildAckQueueFromDSN(os.Getenv("RECSYNC_ACK_QUEUE_DSN"), intEnv("RECSYNC_ACK_QUEUE_SIZE", 0))
	if err != nil {
		log.Fatalf("failed to initialize ack queue: %v", err)
	}

	client := feedsync.NewHTTPClient(remoteURL, token, nil)
	engine := recsync.NewEngine(recsync.Options{
		StateBackend:   stateBackend,
		AckQueue:       ackQueue,
		AckQueueSize:   intEnv("RECSYNC_ACK_QUEUE_SIZE", 0),
		AckSender:      feedsync.AckSenderFor(client),
		ActionClient:   client,
		Logger:         log.Default(),
		AckWorkers:     intEnv("RECSYNC_ACK_WORKERS", 0),
		MaxAckAttempts: intEnv("RECSYNC_MAX_ACK_ATTEMPTS", 0),
		AckRetryDelay:  durationEnv("RECSYNC_ACK_RETRY_DELAY", 0),
	})
	defer engine.Close()

	var push *feedsync.PushConsumer
	if pushURL != "" {
		push, err = feedsync.NewPushConsumer(engine.OnPush, feedsync.PushConsumerOptions{
			URL:    pushURL,
			Token:  token,
			Logger: log.Default(),
		})
		if err != nil {
			log.Fatalf("failed to initialize push consumer: %v", err)
		}
	}

	runner, err := feedsync.NewRunner(client, engine, feedsync.RunnerOptions{
		Scopes:    scopesFromEnv(),
		PageLimit: intEnv("RECSYNC_PAGE_LIMIT", 0),
		Push:      push,
		Logger:    log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize runner: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("runner stopped: %v", err)
		}
	}()

	server := httpapi.NewServerWithConfig(engine, httpapi.ServerConfig{
		AuthToken:    os.Getenv("RECSYNC_LOCAL_TOKEN"),
		MaxBodyBytes: int64Env("RECSYNC_MAX_BODY_BYTES", 0),
	})
	httpServer := &http.Server{Addr: addr, Handler: server}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("recsync listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}
}

func stateDSNFromEnv() string {
	if dsn := strings.TrimSpace(os.Getenv("RECSYNC_STATE_DSN")); dsn != "" {
		return dsn
	}
	return strings.TrimSpace(os.Getenv("RECSYNC_STATE_FILE"))
}

func scopesFromEnv() []recsync.Scope {
	raw := strings.TrimSpace(os.Getenv("RECSYNC_CATEGORIES"))
	if raw == "" {
		return nil
	}
	scopes := []recsync.Scope(nil)
	for _, part := range strings.Split(raw, ",") {
		category, ok := recsync.ParseCategory(part)
		if !ok {
			log.Printf("ignoring unknown category %q in RECSYNC_CATEGORIES", part)
			continue
		}
		for _, filter := range recsync.Filters() {
			scopes = append(scopes, recsync.Scope{Category: category, Filter: filter})
		}
	}
	return scopes
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
