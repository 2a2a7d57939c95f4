package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 64 * 1024
	sendBufferSize = 256
)

var ErrBackpressure = errors.New("counterpart send buffer full")

// originAllowed checks the Origin header against an explicit allow-list. With an
// empty list only same-host requests pass.
func originAllowed(allowed []string, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	if len(allowed) == 0 {
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
	for _, a := range allowed {
		if strings.EqualFold(strings.TrimSuffix(a, "/"), origin) {
			return true
		}
	}
	return false
}

// WebSocketHost is the host-side transport: an http.Handler the editor connects to.
// Only one editor connection is kept; a new connection replaces the old one, which
// matches an iframe being reloaded.
type WebSocketHost struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu        sync.Mutex
	peer      *wsPeer
	onMessage func([]byte)
	closed    bool
}

type wsPeer struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (p *wsPeer) close() {
	p.once.Do(func() {
		close(p.send)
	})
}

func NewWebSocketHost(allowedOrigins []string, logger *slog.Logger) *WebSocketHost {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := append([]string{}, allowedOrigins...)
	h := &WebSocketHost{logger: logger}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			ok := originAllowed(allowed, r)
			if !ok {
				logger.Warn("[websocket] rejecting connection from origin", "origin", r.Header.Get("Origin"))
			}
			return ok
		},
	}
	return h
}

func (h *WebSocketHost) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, "transport closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("[websocket] upgrade failed", "err", err)
		return
	}
	peer := &wsPeer{conn: conn, send: make(chan []byte, sendBufferSize)}

	h.mu.Lock()
	previous := h.peer
	h.peer = peer
	h.mu.Unlock()
	if previous != nil {
		h.logger.Info("[websocket] editor reconnected, replacing previous connection")
		previous.close()
	}
	h.logger.Info("[websocket] editor connected", "remote", r.RemoteAddr)

	go h.writePump(peer)
	h.readPump(peer)
}

func (h *WebSocketHost) readPump(p *wsPeer) {
	defer func() {
		h.mu.Lock()
		if h.peer == p {
			h.peer = nil
		}
		h.mu.Unlock()
		p.close()
		p.conn.Close()
		h.logger.Info("[websocket] editor disconnected")
	}()

	p.conn.SetReadLimit(maxFrameSize)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, message, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("[websocket] read failed", "err", err)
			}
			return
		}
		h.mu.Lock()
		fn := h.onMessage
		h.mu.Unlock()
		if fn != nil {
			fn(message)
		}
	}
}

func (h *WebSocketHost) writePump(p *wsPeer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()
	for {
		select {
		case message, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Warn("[websocket] write failed", "err", err)
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Connected reports whether an editor is currently attached.
func (h *WebSocketHost) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peer != nil
}

// Post queues data for the current editor. A peer's send channel is only closed
// after it has been detached under mu, so holding mu makes the send safe.
func (h *WebSocketHost) Post(data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if h.peer == nil {
		return ErrNoPeer
	}
	select {
	case h.peer.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

func (h *WebSocketHost) OnMessage(fn func([]byte)) {
	h.mu.Lock()
	h.onMessage = fn
	h.mu.Unlock()
}

func (h *WebSocketHost) Close() error {
	h.mu.Lock()
	h.closed = true
	peer := h.peer
	h.peer = nil
	h.mu.Unlock()
	if peer != nil {
		peer.close()
	}
	return nil
}

// WebSocketClient is the editor-side transport. It dials the host, announces its
// origin, and redials with exponential backoff whenever the connection drops.
type WebSocketClient struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	writeMu   sync.Mutex
	mu        sync.Mutex
	conn      *websocket.Conn
	onMessage func([]byte)
	onConnect []func()
}

// DialWebSocket connects to the host endpoint at rawURL, retrying until the first
// connection succeeds or ctx ends.
func DialWebSocket(ctx context.Context, rawURL, origin string, logger *slog.Logger) (*WebSocketClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	runCtx, cancel := context.WithCancel(ctx)
	c := &WebSocketClient{
		url:    rawURL,
		header: header,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger,
		ctx:    runCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	conn, err := c.dial()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to %s: %w", rawURL, err)
	}
	c.setConn(conn)
	go c.run(conn)
	return c, nil
}

func (c *WebSocketClient) dial() (*websocket.Conn, error) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0

	var conn *websocket.Conn
	err := backoff.Retry(func() error {
		ws, _, err := c.dialer.DialContext(c.ctx, c.url, c.header)
		if err != nil {
			c.logger.Debug("[websocket] dial failed, retrying", "url", c.url, "err", err)
			return err
		}
		conn = ws
		return nil
	}, backoff.WithContext(policy, c.ctx))
	if err != nil {
		if c.ctx.Err() != nil {
			return nil, c.ctx.Err()
		}
		return nil, err
	}
	return conn, nil
}

func (c *WebSocketClient) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	hooks := append([]func(){}, c.onConnect...)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (c *WebSocketClient) run(conn *websocket.Conn) {
	defer close(c.done)
	for {
		c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()

		if c.ctx.Err() != nil {
			return
		}
		c.logger.Info("[websocket] connection to host lost, reconnecting", "url", c.url)
		next, err := c.dial()
		if err != nil {
			return
		}
		conn = next
		c.setConn(conn)
	}
}

func (c *WebSocketClient) readLoop(conn *websocket.Conn) {
	conn.SetReadLimit(maxFrameSize)
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		c.mu.Lock()
		fn := c.onMessage
		c.mu.Unlock()
		if fn != nil {
			fn(message)
		}
	}
}

// OnConnect registers fn to run after every successful (re)connection.
func (c *WebSocketClient) OnConnect(fn func()) {
	c.mu.Lock()
	c.onConnect = append(c.onConnect, fn)
	c.mu.Unlock()
}

func (c *WebSocketClient) Post(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNoPeer
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *WebSocketClient) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

func (c *WebSocketClient) Close() error {
	c.cancel()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.writeMu.Lock()
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		conn.Close()
	}
	<-c.done
	return nil
}
