package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/vincentbai/blockreplay-agent/internal/capture"
	"github.com/vincentbai/blockreplay-agent/internal/channel"
	"github.com/vincentbai/blockreplay-agent/internal/config"
	"github.com/vincentbai/blockreplay-agent/internal/database"
	"github.com/vincentbai/blockreplay-agent/internal/player"
	"github.com/vincentbai/blockreplay-agent/internal/recorder"
	"github.com/vincentbai/blockreplay-agent/internal/server"
)

func main() {
	if _, err := config.LoadDotEnv(); err != nil {
		log.Fatal(err)
	}
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatal("Failed to create application directory:", err)
	}

	ctx := context.Background()

	// Initialize database
	var db database.Store
	if cfg.DatabaseURL != "" {
		db, err = database.NewPostgresStore(ctx, cfg.DatabaseURL)
	} else {
		db, err = database.NewDatabase(cfg.DatabasePath())
	}
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	// Editor transport: Redis pub/sub when configured, otherwise a WebSocket endpoint
	var (
		transport channel.Transport
		editor    http.Handler
	)
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			log.Fatal("Failed to reach redis:", err)
		}
		defer client.Close()
		rt, err := channel.NewRedisTransport(ctx, client, cfg.RedisChannel, logger)
		if err != nil {
			log.Fatal(err)
		}
		transport = rt
	} else {
		host := channel.NewWebSocketHost(cfg.AllowedOrigins, logger)
		transport, editor = host, host
	}

	host := channel.New(transport, channel.Config{
		Side:       channel.SideHost,
		ReadyGrace: cfg.ReadyGrace,
		Logger:     logger,
	})
	defer host.Close()

	video := capture.NewFileSink(cfg.VideoDir(), logger)
	rec := recorder.New(recorder.Options{Logger: logger, Capturer: video})
	rec.Attach(host)
	defer rec.Close()

	srv := server.NewServer(db, cfg.Address, server.Components{
		Editor:   editor,
		Recorder: rec,
		Player:   player.New(host, logger),
		Video:    video,
		Logger:   logger,
	})
	if err := srv.Start(); err != nil {
		log.Fatal(err)
	}
}
