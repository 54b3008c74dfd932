package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/listing-orchestrator/internal/agent"
	"github.com/cuongbtq/listing-orchestrator/internal/ratelimit"
	"github.com/cuongbtq/listing-orchestrator/shared/logger"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	serverURL := flag.String("server", envOr("AGENT_SERVER_URL", "http://localhost:8090"), "Worker service base URL")
	token := flag.String("token", os.Getenv("AGENT_TOKEN"), "Agent bearer token")
	maxBatch := flag.Int("max-batch", 5, "Maximum descriptors per poll")
	pollTimeout := flag.Duration("poll-timeout", 30*time.Second, "Server long-poll hold time")
	rps := flag.Float64("rate", 1, "Outbound requests per second against the marketplace site")
	burst := flag.Int("burst", 1, "Outbound request burst")
	requestTimeout := flag.Duration("request-timeout", 30*time.Second, "Timeout of one marketplace request")
	logLevel := flag.String("log-level", envOr("LOG_LEVEL", "info"), "Log level")
	flag.Parse()

	if *token == "" {
		return fmt.Errorf("agent token is required (-token or AGENT_TOKEN)")
	}

	appLogger, err := logger.New(&logger.Config{
		Level:      *logLevel,
		Format:     "console",
		Output:     "stdout",
		TimeFormat: time.Kitchen,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	runner := agent.NewRunner(
		agent.NewClient(*serverURL, *token, *pollTimeout),
		ratelimit.New(*rps, *burst),
		&http.Client{Timeout: *requestTimeout},
		*maxBatch,
		appLogger.Logger,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appLogger.Info("Agent simulator polling",
		slog.String("server", *serverURL),
		slog.Int("max_batch", *maxBatch),
		slog.Float64("rate", *rps),
	)

	if err := runner.Run(ctx); err != nil {
		return fmt.Errorf("agent runner stopped: %w", err)
	}

	appLogger.Info("Agent simulator stopped")
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
