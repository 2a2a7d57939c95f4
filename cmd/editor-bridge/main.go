// Command editor-bridge runs a headless editor that connects to a BlockReplay
// agent. It executes replayed commands against an in-memory workspace and turns
// pointer and keyboard events, read as JSON lines from stdin, into recorded
// operations.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"log"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/vincentbai/blockreplay-agent/internal/channel"
	"github.com/vincentbai/blockreplay-agent/internal/config"
	"github.com/vincentbai/blockreplay-agent/internal/editor"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// originFor derives the page origin an editor served by the agent itself would
// present, so the default same-host check accepts the bridge.
func originFor(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	scheme := "http"
	if u.Scheme == "wss" {
		scheme = "https"
	}
	return scheme + "://" + u.Host
}

func main() {
	if _, err := config.LoadDotEnv(); err != nil {
		log.Fatal(err)
	}

	endpoint := flag.String("url", envOr("BLOCKREPLAY_EDITOR_URL", "ws://"+config.DefaultAddress+"/editor/ws"), "agent WebSocket endpoint")
	origin := flag.String("origin", envOr("BLOCKREPLAY_EDITOR_ORIGIN", ""), "Origin header presented to the agent (default: derived from -url)")
	redisAddr := flag.String("redis", os.Getenv("REDIS_ADDR"), "use Redis pub/sub at this address instead of WebSocket")
	redisChannel := flag.String("channel", envOr("BLOCKREPLAY_REDIS_CHANNEL", config.DefaultRedisChannel), "Redis channel name")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workspace := editor.NewMemoryWorkspace()
	handler := editor.NewHandler(workspace, editor.Options{Logger: logger})

	var transport channel.Transport
	if *redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			log.Fatal("Failed to reach redis:", err)
		}
		defer client.Close()
		rt, err := channel.NewRedisTransport(ctx, client, *redisChannel, logger)
		if err != nil {
			log.Fatal(err)
		}
		transport = rt
	} else {
		if *origin == "" {
			*origin = originFor(*endpoint)
		}
		ws, err := channel.DialWebSocket(ctx, *endpoint, *origin, logger)
		if err != nil {
			log.Fatal(err)
		}
		// Every reconnect gets a fresh host connection that needs the announcement.
		ws.OnConnect(handler.Announce)
		transport = ws
	}

	ch := channel.New(transport, channel.Config{Side: channel.SideEditor, Logger: logger})
	defer ch.Close()
	handler.Attach(ch)
	logger.Info("[bridge] editor connected", "recording", handler.Recording())

	pointer := editor.NewPointerCapture(handler)
	events := make(chan editor.Event)
	go func() {
		defer close(events)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			var ev editor.Event
			if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
				logger.Warn("[bridge] skipping undecodable event", "err", err)
				continue
			}
			events <- ev
		}
		if err := scanner.Err(); err != nil {
			logger.Error("[bridge] failed to read events", "err", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Info("[bridge] shutting down")
			return
		case ev, ok := <-events:
			if !ok {
				<-ctx.Done()
				logger.Info("[bridge] shutting down")
				return
			}
			if pointer.HandleEvent(ev) {
				logger.Debug("[bridge] captured", "event", ev.Type)
			}
		}
	}
}
