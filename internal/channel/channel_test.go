package channel

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vincentbai/blockreplay-agent/internal/models"
)

type inbox struct {
	mu   sync.Mutex
	envs []models.Envelope
}

func (i *inbox) handle(env models.Envelope) {
	i.mu.Lock()
	i.envs = append(i.envs, env)
	i.mu.Unlock()
}

func (i *inbox) types() []models.EnvelopeType {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]models.EnvelopeType, 0, len(i.envs))
	for _, e := range i.envs {
		out = append(out, e.Type)
	}
	return out
}

func newPair(t *testing.T, grace time.Duration) (*Channel, *Channel) {
	t.Helper()
	hostEnd, editorEnd := Pipe()
	host := New(hostEnd, Config{Side: SideHost, ReadyGrace: grace})
	editor := New(editorEnd, Config{Side: SideEditor})
	t.Cleanup(func() {
		host.Close()
		editor.Close()
	})
	return host, editor
}

func TestHostQueuesUntilReady(t *testing.T) {
	host, editor := newPair(t, -1)
	received := &inbox{}
	editor.OnReceive(received.handle)

	recording := true
	host.Send(models.Envelope{Type: models.EnvelopeInit, IsRecording: &recording})
	host.Send(models.Envelope{Type: models.EnvelopeTest, Message: "ping"})

	assert.False(t, host.Ready())
	assert.Empty(t, received.types(), "nothing may be delivered before ready")

	editor.Send(models.Envelope{Type: models.EnvelopeReady})

	assert.True(t, host.Ready())
	assert.True(t, host.PeerSeen())
	assert.Equal(t, []models.EnvelopeType{models.EnvelopeInit, models.EnvelopeTest}, received.types())
}

func TestGraceDelayFlushesQueue(t *testing.T) {
	host, editor := newPair(t, 20*time.Millisecond)
	received := &inbox{}
	editor.OnReceive(received.handle)

	host.Send(models.Envelope{Type: models.EnvelopeInit})

	require.Eventually(t, func() bool {
		return len(received.types()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, host.Ready())
	assert.False(t, host.PeerSeen())
}

func TestOnReadyRunsOnAnnouncement(t *testing.T) {
	host, editor := newPair(t, -1)
	calls := 0
	host.OnReady(func() { calls++ })

	editor.Send(models.Envelope{Type: models.EnvelopeReady})
	editor.Send(models.Envelope{Type: models.EnvelopeReady})

	assert.Equal(t, 2, calls)
}

func TestEnvelopesSentDuringFlushKeepOrder(t *testing.T) {
	host, editor := newPair(t, -1)
	received := &inbox{}
	editor.OnReceive(received.handle)
	editor.OnReceive(func(env models.Envelope) {
		if env.Type == models.EnvelopeTest {
			editor.Send(models.Envelope{Type: models.EnvelopeTestResponse})
		}
	})
	host.OnReceive(func(env models.Envelope) {
		if env.Type == models.EnvelopeTestResponse {
			host.Send(models.Envelope{Type: models.EnvelopeCommand, Command: "run"})
		}
	})

	host.Send(models.Envelope{Type: models.EnvelopeTest})
	host.Send(models.Envelope{Type: models.EnvelopeInit})
	editor.Send(models.Envelope{Type: models.EnvelopeReady})

	assert.Equal(t, []models.EnvelopeType{
		models.EnvelopeTest,
		models.EnvelopeInit,
		models.EnvelopeCommand,
	}, received.types())
}

func TestRejectsUnexpectedSource(t *testing.T) {
	hostEnd, rogue := Pipe()
	host := New(hostEnd, Config{Side: SideHost, ReadyGrace: -1})
	defer host.Close()
	received := &inbox{}
	host.OnReceive(received.handle)

	rogue.OnMessage(func([]byte) {})
	require.NoError(t, rogue.Post([]byte(`{"type":"userAction","source":"host","details":{"type":"delete","blockId":"b1"}}`)))
	require.NoError(t, rogue.Post([]byte(`{"type":"userAction","details":{"type":"delete","blockId":"b1"}}`)))
	require.NoError(t, rogue.Post([]byte(`{"type":"ready","source":"intruder"}`)))

	assert.Empty(t, received.types())
	assert.False(t, host.Ready())
}

// levelLog collects the level of every record logged through it.
type levelLog struct {
	mu     sync.Mutex
	levels map[string]slog.Level
}

func (l *levelLog) Enabled(context.Context, slog.Level) bool { return true }
func (l *levelLog) WithAttrs([]slog.Attr) slog.Handler      { return l }
func (l *levelLog) WithGroup(string) slog.Handler           { return l }

func (l *levelLog) Handle(_ context.Context, r slog.Record) error {
	l.mu.Lock()
	l.levels[r.Message] = r.Level
	l.mu.Unlock()
	return nil
}

func TestOwnEchoIsNotAWarning(t *testing.T) {
	logs := &levelLog{levels: map[string]slog.Level{}}
	hostEnd, echo := Pipe()
	host := New(hostEnd, Config{Side: SideHost, ReadyGrace: -1, Logger: slog.New(logs)})
	defer host.Close()
	received := &inbox{}
	host.OnReceive(received.handle)

	echo.OnMessage(func([]byte) {})
	require.NoError(t, echo.Post([]byte(`{"type":"init","source":"host","isRecording":false}`)))
	require.NoError(t, echo.Post([]byte(`{"type":"ready","source":"intruder"}`)))

	assert.Empty(t, received.types())
	logs.mu.Lock()
	defer logs.mu.Unlock()
	assert.Equal(t, slog.LevelDebug, logs.levels["[channel] ignoring own envelope"])
	assert.Equal(t, slog.LevelWarn, logs.levels["[channel] dropping envelope from unexpected source"])
}

func TestIgnoresUnknownAndUndecodable(t *testing.T) {
	hostEnd, editorEnd := Pipe()
	host := New(hostEnd, Config{Side: SideHost, ReadyGrace: -1})
	defer host.Close()
	received := &inbox{}
	host.OnReceive(received.handle)

	editorEnd.OnMessage(func([]byte) {})
	require.NoError(t, editorEnd.Post([]byte(`not json`)))
	require.NoError(t, editorEnd.Post([]byte(`{"type":"recordingStatus","source":"editor"}`)))
	require.NoError(t, editorEnd.Post([]byte(`{"type":"actionComplete","source":"editor","action":"run"}`)))

	assert.Equal(t, []models.EnvelopeType{models.EnvelopeActionComplete}, received.types())
}

func TestSendWithoutCounterpartIsNoop(t *testing.T) {
	hostEnd, editorEnd := Pipe()
	host := New(hostEnd, Config{Side: SideHost, ReadyGrace: -1})
	defer host.Close()
	editorEnd.Close()

	host.MarkReady()
	assert.NotPanics(t, func() {
		host.Send(models.Envelope{Type: models.EnvelopeCommand, Command: "reset"})
	})
}

func TestSendStampsSource(t *testing.T) {
	host, editor := newPair(t, -1)
	received := &inbox{}
	host.OnReceive(received.handle)

	editor.Send(models.Envelope{Type: models.EnvelopeActionComplete, Source: "host"})

	received.mu.Lock()
	defer received.mu.Unlock()
	require.Len(t, received.envs, 1)
	assert.Equal(t, string(SideEditor), received.envs[0].Source)
}

func TestQueueLimit(t *testing.T) {
	hostEnd, editorEnd := Pipe()
	host := New(hostEnd, Config{Side: SideHost, ReadyGrace: -1, QueueLimit: 2})
	defer host.Close()
	editor := New(editorEnd, Config{Side: SideEditor})
	received := &inbox{}
	editor.OnReceive(received.handle)

	host.Send(models.Envelope{Type: models.EnvelopeInit})
	host.Send(models.Envelope{Type: models.EnvelopeTest})
	host.Send(models.Envelope{Type: models.EnvelopeCommand})
	host.MarkReady()

	assert.Equal(t, []models.EnvelopeType{models.EnvelopeInit, models.EnvelopeTest}, received.types())
}

func TestOriginAllowed(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		host    string
		want    bool
	}{
		{"listed origin", []string{"https://editor.example.com"}, "https://editor.example.com", "agent:8123", true},
		{"listed with trailing slash", []string{"https://editor.example.com/"}, "https://editor.example.com", "agent:8123", true},
		{"unlisted origin", []string{"https://editor.example.com"}, "https://evil.example.com", "agent:8123", false},
		{"missing origin", []string{"https://editor.example.com"}, "", "agent:8123", false},
		{"same host when no list", nil, "http://127.0.0.1:8123", "127.0.0.1:8123", true},
		{"cross host when no list", nil, "http://elsewhere:8123", "127.0.0.1:8123", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/editor/ws", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, originAllowed(tt.allowed, r))
		})
	}
}

func TestWebSocketRoundTrip(t *testing.T) {
	const origin = "https://editor.example.com"
	transport := NewWebSocketHost([]string{origin}, nil)
	srv := httptest.NewServer(transport)
	defer srv.Close()

	host := New(transport, Config{Side: SideHost, ReadyGrace: -1})
	defer host.Close()
	fromEditor := &inbox{}
	host.OnReceive(fromEditor.handle)

	recording := false
	host.Send(models.Envelope{Type: models.EnvelopeInit, IsRecording: &recording})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := DialWebSocket(ctx, wsURL, origin, nil)
	require.NoError(t, err)
	editor := New(client, Config{Side: SideEditor})
	defer editor.Close()
	fromHost := &inbox{}
	editor.OnReceive(fromHost.handle)

	require.Eventually(t, transport.Connected, time.Second, 5*time.Millisecond)
	editor.Send(models.Envelope{Type: models.EnvelopeReady})

	require.Eventually(t, func() bool {
		return len(fromHost.types()) == 1 && len(fromEditor.types()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, models.EnvelopeInit, fromHost.types()[0])
	assert.Equal(t, models.EnvelopeReady, fromEditor.types()[0])
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	transport := NewWebSocketHost([]string{"https://editor.example.com"}, nil)
	srv := httptest.NewServer(transport)
	defer srv.Close()

	header := http.Header{}
	header.Set("Origin", "https://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), header)

	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.False(t, transport.Connected())
}
