// Package channel carries envelopes between the host and the embedded editor.
//
// A Channel wraps a Transport (websocket, Redis pub/sub or an in-process pipe) and
// adds the guarantees both sides rely on: sends never fail the caller, inbound
// envelopes are accepted only from the expected counterpart, and on the host side
// everything sent before the editor announces itself is queued rather than lost.
package channel

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/vincentbai/blockreplay-agent/internal/models"
)

// Side names one end of the channel. It is stamped into every envelope as its
// source and checked on receipt.
type Side string

const (
	SideHost   Side = "host"
	SideEditor Side = "editor"
)

const (
	DefaultReadyGrace = time.Second
	DefaultQueueLimit = 256
)

var (
	// ErrNoPeer is returned by transports when no counterpart is connected.
	ErrNoPeer = errors.New("no counterpart connected")
	ErrClosed = errors.New("transport closed")
)

// Transport moves opaque frames to and from the counterpart.
type Transport interface {
	Post(data []byte) error
	OnMessage(fn func(data []byte))
	Close() error
}

type Config struct {
	Side Side
	// Peer defaults to the opposite side.
	Peer Side
	// ReadyGrace is how long the host waits for a ready envelope before flushing
	// its queue anyway. Zero means DefaultReadyGrace, negative disables the fallback.
	ReadyGrace time.Duration
	QueueLimit int
	Logger     *slog.Logger
}

type Handler func(env models.Envelope)

type Channel struct {
	transport Transport
	side      Side
	peer      Side
	limit     int
	logger    *slog.Logger

	mu         sync.Mutex
	ready      bool
	peerSeen   bool
	closed     bool
	queue      []models.Envelope
	handlers   []Handler
	readyFns   []func()
	graceTimer *time.Timer
}

// New binds a channel to transport. The editor side starts ready; the host side
// queues sends until the editor's ready envelope arrives or the grace delay passes.
func New(transport Transport, cfg Config) *Channel {
	if cfg.Side == "" {
		cfg.Side = SideHost
	}
	if cfg.Peer == "" {
		cfg.Peer = SideEditor
		if cfg.Side == SideEditor {
			cfg.Peer = SideHost
		}
	}
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = DefaultQueueLimit
	}
	if cfg.ReadyGrace == 0 {
		cfg.ReadyGrace = DefaultReadyGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Channel{
		transport: transport,
		side:      cfg.Side,
		peer:      cfg.Peer,
		limit:     cfg.QueueLimit,
		logger:    cfg.Logger.With("side", string(cfg.Side)),
		ready:     cfg.Side == SideEditor,
	}
	transport.OnMessage(c.receive)

	if !c.ready && cfg.ReadyGrace > 0 {
		c.graceTimer = time.AfterFunc(cfg.ReadyGrace, func() {
			c.logger.Warn("[channel] no ready signal from counterpart, flushing after grace delay", "grace", cfg.ReadyGrace)
			c.markReady()
		})
	}
	return c
}

func (c *Channel) Side() Side { return c.side }

// Send delivers env to the counterpart without ever failing the caller.
func (c *Channel) Send(env models.Envelope) {
	env.Source = string(c.side)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if !c.ready {
		if len(c.queue) >= c.limit {
			c.mu.Unlock()
			c.logger.Warn("[channel] send queue full, dropping envelope", "type", env.Type)
			return
		}
		c.queue = append(c.queue, env)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.post(env)
}

func (c *Channel) post(env models.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		c.logger.Error("[channel] failed to encode envelope", "type", env.Type, "err", err)
		return
	}
	if err := c.transport.Post(data); err != nil {
		if errors.Is(err, ErrNoPeer) {
			c.logger.Debug("[channel] counterpart not available, envelope dropped", "type", env.Type)
			return
		}
		c.logger.Warn("[channel] failed to deliver envelope", "type", env.Type, "err", err)
	}
}

// OnReceive registers a handler for every accepted inbound envelope.
func (c *Channel) OnReceive(h Handler) {
	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	c.mu.Unlock()
}

// OnReady registers fn to run each time the counterpart announces itself, and once
// when the grace delay elapses without an announcement.
func (c *Channel) OnReady(fn func()) {
	c.mu.Lock()
	c.readyFns = append(c.readyFns, fn)
	c.mu.Unlock()
}

// Ready reports whether sends are delivered immediately.
func (c *Channel) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// PeerSeen reports whether a ready envelope has ever arrived from the counterpart.
func (c *Channel) PeerSeen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerSeen
}

// MarkReady flushes the queue as if the counterpart had announced itself.
func (c *Channel) MarkReady() {
	c.markReady()
}

func (c *Channel) markReady() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
	fns := append([]func(){}, c.readyFns...)
	c.mu.Unlock()

	// Drain before flipping ready so envelopes sent during the flush queue up
	// behind the ones already waiting.
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.ready = true
			c.mu.Unlock()
			break
		}
		pending := c.queue
		c.queue = nil
		c.mu.Unlock()

		for _, env := range pending {
			c.post(env)
		}
	}

	for _, fn := range fns {
		fn()
	}
}

func (c *Channel) receive(data []byte) {
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Warn("[channel] ignoring undecodable frame", "err", err, "bytes", len(data))
		return
	}
	if env.Source == string(c.side) {
		// Broadcast transports echo our own frames back.
		c.logger.Debug("[channel] ignoring own envelope", "type", env.Type)
		return
	}
	if env.Source != string(c.peer) {
		c.logger.Warn("[channel] dropping envelope from unexpected source", "source", env.Source, "type", env.Type)
		return
	}
	if !models.KnownEnvelope(env.Type) {
		c.logger.Warn("[channel] ignoring unrecognized envelope", "type", env.Type)
		return
	}

	if env.Type == models.EnvelopeReady {
		c.mu.Lock()
		c.peerSeen = true
		c.mu.Unlock()
		c.markReady()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	handlers := append([]Handler{}, c.handlers...)
	c.mu.Unlock()

	for _, h := range handlers {
		h(env)
	}
}

// Close stops the grace timer, drops anything still queued and closes the transport.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
	dropped := len(c.queue)
	c.queue = nil
	c.mu.Unlock()

	if dropped > 0 {
		c.logger.Warn("[channel] closed with queued envelopes", "dropped", dropped)
	}
	return c.transport.Close()
}
