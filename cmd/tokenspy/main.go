// tokenspy is a transparent observability proxy for LLM API traffic.
//
// Agents point their provider base URL at it; it forwards every call byte
// for byte, taps usage and cost off the responses, logs Turns to the
// usage store, and resets an agent's session when its conversation
// history outgrows the configured budget.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tokenspy/tokenspy/internal/adapters"
	"github.com/tokenspy/tokenspy/internal/config"
	"github.com/tokenspy/tokenspy/internal/proxy"
	"github.com/tokenspy/tokenspy/internal/session"
	"github.com/tokenspy/tokenspy/internal/settings"
	"github.com/tokenspy/tokenspy/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	// .env is optional; environment always wins over the YAML file.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logFile := setupLogging(cfg.Logging, *debug)
	if logFile != nil {
		defer func() { _ = logFile.Close() }()
	}

	st, err := store.Open(cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Msg("usage store unavailable")
	}
	defer func() { _ = st.Close() }()

	registry, err := adapters.NewRegistry(cfg.EnabledProviders())
	if err != nil {
		log.Fatal().Err(err).Msg("provider registry setup failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := settings.NewManager(ctx, settings.Values{
		SessionCharLimit:    cfg.Session.CharLimit,
		AutoResetEnabled:    true,
		PollIntervalMinutes: cfg.Session.PollIntervalMinutes,
	}, st)

	monitor := session.NewMonitor(mgr, cfg.AgentSessionDir)
	if err := monitor.Seed(ctx, st, config.DefaultSessionWindow); err != nil {
		log.Warn().Err(err).Msg("monitor seed failed, crossing state starts cold")
	}

	watchdog := session.NewWatchdog(st, mgr, monitor)
	if err := watchdog.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("watchdog setup failed")
	}
	defer watchdog.Stop()

	go func() {
		if err := cfg.Watch(ctx, *configPath); err != nil && err != context.Canceled {
			log.Warn().Err(err).Msg("config watch stopped")
		}
	}()

	p := proxy.New(cfg, registry, st, mgr, monitor)

	errCh := make(chan error, 1)
	go func() { errCh <- p.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("server failed")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := p.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("shutdown incomplete")
	}

	// Drain queued Turns before the store closes.
	if s, ok := st.(*store.SQLiteStore); ok {
		if err := s.Flush(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("turn queue drain incomplete")
		}
	}
}

// setupLogging points zerolog (and the stdlib logger net/http uses) at
// the configured output. Agents run interactive terminals through this
// proxy, so by default nothing may leak to stdout or stderr except via
// explicit config.
func setupLogging(cfg config.LoggingConfig, debug bool) *os.File {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	} else if cfg.Level != "" {
		if parsed, err := zerolog.ParseLevel(cfg.Level); err == nil {
			level = parsed
		}
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = os.Stdout
	var file *os.File
	if cfg.Output != "" {
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot open log file %s: %v\n", cfg.Output, err)
		} else {
			file = f
			if cfg.ToStdout {
				out = zerolog.MultiLevelWriter(f, os.Stdout)
			} else {
				out = f
			}
		}
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	stdlog.SetOutput(log.Logger)
	return file
}
