package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/scatter-server/scatter/internal/auth"
	"github.com/scatter-server/scatter/internal/chat"
	"github.com/scatter-server/scatter/internal/ident"
	"github.com/scatter-server/scatter/internal/limits"
	"github.com/scatter-server/scatter/internal/monitoring"
	"github.com/scatter-server/scatter/internal/notifier"
	"github.com/scatter-server/scatter/internal/queue"
	"github.com/scatter-server/scatter/internal/registry"
	"github.com/scatter-server/scatter/internal/server"
	"github.com/scatter-server/scatter/internal/stats"
)

const shutdownTimeout = 10 * time.Second

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()
	if *debug {
		os.Setenv("LOG_LEVEL", "debug")
	}

	logger := monitoring.NewLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	cfg, err := LoadConfig(&logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger = monitoring.NewLogger(cfg.LogLevel, cfg.LogFormat)
	cfg.LogConfig(logger)

	// automaxprocs already matched GOMAXPROCS to the container CPU
	// limit; an explicit SCATTER_WORKERS overrides it.
	if cfg.Workers > 0 {
		runtime.GOMAXPROCS(cfg.Workers)
	}
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Runtime configured")

	authenticator, err := auth.New(cfg.Auth)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid authentication configuration")
	}

	gen := ident.NewGenerator()
	reg := registry.New(logger)
	undl := queue.New(cfg.UndeliveredQueue)
	st := stats.New()

	core := chat.New(chat.Config{
		DeliveryStatus: cfg.DeliveryStatus,
		SendBack:       cfg.SendBack,
		SendBackIgnore: cfg.SendBackIgnore,
		MaxMessageSize: cfg.MaxMessageBytes(),
		PreserveIDs:    cfg.PreserveIDs,
	}, reg, undl, st, gen, logger)

	targets, err := notifier.BuildTargets(cfg.Targets)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid event target configuration")
	}
	events := notifier.New(notifier.Config{
		Enabled:         cfg.EventEnabled,
		Retry:           cfg.EventRetry,
		RetryInterval:   cfg.EventRetryInterval,
		MaxRetries:      cfg.EventRetryCount,
		MaxParallel:     cfg.EventWorkers,
		SendBotMessages: cfg.EventSendBot,
		IgnoreTypes:     cfg.EventIgnoreTypes,
	}, targets, logger)
	events.Start()
	core.AddMessageListener(events.OnMessage)
	core.AddStopListener(events.Stop)

	var watchdog *chat.Watchdog
	if cfg.WatchdogEnabled {
		watchdog = chat.NewWatchdog(reg, cfg.WatchdogInterval, logger)
		watchdog.Start()
	}

	limiter := limits.NewMessageLimiter(cfg.MessageRate, logger)

	srv := server.New(server.Config{
		Addr:           cfg.Addr,
		Endpoint:       cfg.Endpoint,
		IdleTimeout:    cfg.IdleTimeout,
		MaxMessageSize: cfg.MaxMessageBytes(),
		PreserveIDs:    cfg.PreserveIDs,
	}, core, reg, st, gen, authenticator, limiter, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case s := <-sig:
		logger.Info().Str("signal", s.String()).Msg("Shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Server failed")
		}
	}

	if watchdog != nil {
		watchdog.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Shutdown incomplete")
	}
	logger.Info().Msg("Server stopped")
}
