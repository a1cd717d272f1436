package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"kestrel/internal/book"
	"kestrel/internal/config"
	"kestrel/internal/directory"
	"kestrel/internal/server"
	"kestrel/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer stop()

	cfg := config.LoadFromEnv("")

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("opening store")
	}

	dir := directory.New()
	users, err := st.LoadUsers()
	if err != nil {
		log.Fatal().Err(err).Msg("loading users")
	}
	dir.Restore(users)
	log.Info().Int("users", len(users)).Msg("directory loaded")

	tape := book.NewTape()
	bk := book.New(tape)

	// Blocks until the signal context is done and sessions have drained.
	srv := server.New(cfg, bk, dir, tape)
	if err := srv.Run(ctx); err != nil {
		log.Error().Err(err).Msg("server stopped")
	}

	if err := st.SaveUsers(dir.Snapshot()); err != nil {
		log.Error().Err(err).Msg("saving users")
	}
	if err := st.AppendTrades(tape.Snapshot()); err != nil {
		log.Error().Err(err).Msg("saving trades")
	}
	if err := st.Close(); err != nil {
		log.Error().Err(err).Msg("closing store")
	}
	log.Info().Msg("shutdown complete")
}
