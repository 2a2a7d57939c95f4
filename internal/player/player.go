// Package player replays a recorded operation log against the editor in step
// with an external clock, normally the lesson video's currentTime.
package player

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/vincentbai/blockreplay-agent/internal/models"
	"github.com/vincentbai/blockreplay-agent/internal/script"
)

type State string

const (
	StateStopped State = "stopped"
	StatePlaying State = "playing"
	StatePaused  State = "paused"
)

var (
	ErrNotLoaded = errors.New("operations are still loading, please wait")
	// ErrSuperseded is delivered to a LoadAsync caller whose load was overtaken
	// by a later Load, LoadAsync or Import.
	ErrSuperseded = errors.New("load superseded by a newer one")
)

// Sender delivers envelopes to the editor.
type Sender interface {
	Send(env models.Envelope)
}

// Source fetches a session, typically from storage.
type Source interface {
	Fetch(ctx context.Context) (*models.RecordingSession, error)
}

type SourceFunc func(ctx context.Context) (*models.RecordingSession, error)

func (f SourceFunc) Fetch(ctx context.Context) (*models.RecordingSession, error) { return f(ctx) }

type Status struct {
	State       State   `json:"state"`
	Loaded      bool    `json:"loaded"`
	Loading     bool    `json:"loading"`
	LessonTitle string  `json:"lessonTitle,omitempty"`
	Operations  int     `json:"operations"`
	Executed    int     `json:"executed"`
	Dispatched  int     `json:"dispatched"`
	CurrentTime float64 `json:"currentTime"`
	LastError   string  `json:"lastError,omitempty"`
}

type Player struct {
	ch     Sender
	logger *slog.Logger

	mu         sync.Mutex
	session    *models.RecordingSession
	state      State
	loaded     bool
	loading    bool
	generation int
	executed   map[float64]struct{}
	dispatched int
	now        float64
	lastErr    string
}

func New(ch Sender, logger *slog.Logger) *Player {
	if logger == nil {
		logger = slog.Default()
	}
	return &Player{
		ch:       ch,
		logger:   logger,
		state:    StateStopped,
		executed: make(map[float64]struct{}),
	}
}

// Load replaces the backing session. The player keeps its own sorted copy.
func (p *Player) Load(s *models.RecordingSession) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.generation++
	p.loading = false
	p.load(s)
}

func (p *Player) load(s *models.RecordingSession) {
	s = s.Clone()
	if s == nil {
		s = &models.RecordingSession{}
	}
	models.SortOperations(s.Operations)
	p.session = s
	p.executed = make(map[float64]struct{})
	p.state = StateStopped
	p.loaded = true
	p.now = 0
	p.lastErr = ""
	p.logger.Info("[player] session loaded", "lesson", s.LessonTitle, "operations", len(s.Operations))
}

// LoadAsync fetches a session from src in the background. Until the fetch
// completes Play is refused with ErrNotLoaded; if it fails, the previously
// loaded session is restored. The returned channel yields the fetch result.
func (p *Player) LoadAsync(ctx context.Context, src Source) <-chan error {
	p.mu.Lock()
	p.generation++
	gen := p.generation
	prevSession, prevLoaded := p.session, p.loaded
	p.loaded = false
	p.loading = true
	p.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		s, err := src.Fetch(ctx)

		p.mu.Lock()
		if gen != p.generation {
			p.mu.Unlock()
			done <- ErrSuperseded
			return
		}
		p.loading = false
		if err == nil && s == nil {
			err = fmt.Errorf("source returned no session")
		}
		if err != nil {
			p.session, p.loaded = prevSession, prevLoaded
			p.lastErr = err.Error()
			p.mu.Unlock()
			p.logger.Warn("[player] load failed, keeping previous session", "err", err)
			done <- err
			return
		}
		p.load(s)
		p.mu.Unlock()
		done <- nil
	}()
	return done
}

// Import parses an exported log or replay script and loads it. On error the
// current session and state are left untouched.
func (p *Player) Import(data []byte) (script.Format, error) {
	s, format, err := script.Import(data)
	if err != nil {
		return format, err
	}
	p.Load(s)
	return format, nil
}

// Play starts or resumes playback. Starting from stopped replays the log from
// the beginning; resuming from paused keeps what has already run.
func (p *Player) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.loaded {
		return ErrNotLoaded
	}
	switch p.state {
	case StateStopped:
		p.executed = make(map[float64]struct{})
		p.state = StatePlaying
	case StatePaused:
		p.state = StatePlaying
	}
	return nil
}

func (p *Player) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StatePlaying {
		p.state = StatePaused
	}
}

func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = StateStopped
}

// Reset forgets which operations have run and clears the editor workspace.
// The playback state is unchanged.
func (p *Player) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.executed = make(map[float64]struct{})
	p.ch.Send(models.Envelope{Type: models.EnvelopeCommand, Command: "reset"})
}

// OnTimeUpdate dispatches every operation due at currentTime that has not run
// yet, in timestamp order, and returns how many were sent. Operations are
// matched on whole seconds. Seeking backwards never re-runs anything.
func (p *Player) OnTimeUpdate(currentTime float64) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StatePlaying || !p.loaded {
		return 0
	}
	if math.IsNaN(currentTime) || currentTime < 0 {
		return 0
	}
	now := math.Floor(currentTime)
	p.now = now

	var (
		ran []float64
		n   int
	)
	for _, op := range p.session.Operations {
		if math.Floor(op.Timestamp) > now {
			break
		}
		if _, done := p.executed[op.Timestamp]; done {
			continue
		}
		ran = append(ran, op.Timestamp)
		if p.dispatch(op) {
			n++
		}
	}
	// Marked after the pass so operations sharing a timestamp all run.
	for _, ts := range ran {
		p.executed[ts] = struct{}{}
	}
	p.dispatched += n
	return n
}

func (p *Player) dispatch(op models.Operation) bool {
	env := models.Envelope{Type: models.EnvelopeCommand}
	switch op.Kind {
	case models.KindMove:
		env.Command = "moveBlock"
		env.Code = payload(map[string]any{"blockId": op.BlockID, "position": op.Position})
	case models.KindCreate:
		env.Command = "createBlock"
		env.Code = payload(map[string]any{"blockType": op.BlockType, "position": op.Position})
	case models.KindChange:
		env.Command = "setField"
		env.Code = payload(map[string]any{"blockId": op.BlockID, "field": op.Field, "value": op.NewValue})
	case models.KindDelete:
		env.Command = "deleteBlock"
		env.Code = payload(map[string]any{"blockId": op.BlockID})
	case models.KindCommand:
		env.Command = op.Command
		env.Code = op.Code
	default:
		p.logger.Debug("[player] skipping operation with no replay form", "type", op.Kind, "timestamp", op.Timestamp)
		return false
	}
	p.logger.Debug("[player] dispatching", "command", env.Command, "timestamp", op.Timestamp)
	p.ch.Send(env)
	return true
}

func payload(v map[string]any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Player) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Status{
		State:       p.state,
		Loaded:      p.loaded,
		Loading:     p.loading,
		Executed:    len(p.executed),
		Dispatched:  p.dispatched,
		CurrentTime: p.now,
		LastError:   p.lastErr,
	}
	if p.session != nil {
		s.LessonTitle = p.session.LessonTitle
		s.Operations = len(p.session.Operations)
	}
	return s
}
