// Command beacon runs the realtime hub: a websocket endpoint for gateway
// clients, an HTTP replay endpoint for polling consumers, and the idle
// connection sweep.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/phsym/zeroslog"
	"github.com/rs/zerolog"

	"github.com/casualjim/beacon/auth"
	"github.com/casualjim/beacon/eventlog"
	"github.com/casualjim/beacon/hub"
	"github.com/casualjim/beacon/pkg/slogx"
	"github.com/casualjim/beacon/pkg/stdx"
	"github.com/casualjim/beacon/server"
)

var log zerolog.Logger

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Stamp}
	log = zerolog.New(output).With().Timestamp().Logger()
	slog.SetDefault(slog.New(
		zeroslog.NewHandler(log, &zeroslog.HandlerOptions{Level: slog.LevelDebug}),
	))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		return stdx.Must1(strconv.Atoi(v))
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		return stdx.Must1(time.ParseDuration(v))
	}
	return fallback
}

func main() {
	addr := envOr("BEACON_ADDR", ":8475")

	store := stdx.Must1(eventlog.New(
		eventlog.WithCapacity(envInt("BEACON_LOG_CAPACITY", 1000)),
	))
	policy := stdx.Must1(auth.NewPolicy())
	h := stdx.Must1(hub.New(store, policy,
		hub.WithReplayLimit(envInt("BEACON_REPLAY_LIMIT", 100)),
	))
	srv := stdx.Must1(server.New(h, store, policy,
		server.WithHeartbeatTimeout(envDuration("BEACON_HEARTBEAT_TIMEOUT", 90*time.Second)),
		server.WithSweepInterval(envDuration("BEACON_SWEEP_INTERVAL", 15*time.Second)),
		server.WithReplayLimit(envInt("BEACON_REPLAY_LIMIT", 100)),
	))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go srv.Run(ctx)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown", slogx.Error(err))
		}
	}()

	slog.Info("beacon listening", "addr", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server exited", slogx.Error(err))
		os.Exit(1)
	}
	slog.Info("beacon stopped")
}
