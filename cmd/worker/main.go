// Sibyl worker process: pulls jobs off the queue and executes agent
// spawns/resumes and source crawls, tracks agent heartbeats, and runs
// the retention janitor. Holds no HTTP listener — cmd/server is the
// only process accepting requests.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sibylhq/sibyl/internal/config"
	"github.com/sibylhq/sibyl/pkg/server"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().Msg("sibyl: worker starting")

	ctx, cancel := context.WithCancel(context.Background())
	cfg := config.Load()

	core, err := server.NewCore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize core")
	}
	defer core.Store.Close()
	defer core.Shutdown(ctx)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Info().Msg("sibyl: worker shutting down gracefully")
		cancel()
	}()

	log.Info().
		Str("tenant", cfg.Tenant).
		Int("concurrency", cfg.Jobs.Concurrency).
		Msg("sibyl: worker ready, pulling jobs")

	core.StartWorkers(ctx)
	log.Info().Msg("sibyl: worker stopped")
}
