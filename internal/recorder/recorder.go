// Package recorder captures the operation log of a lesson recording.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vincentbai/blockreplay-agent/internal/channel"
	"github.com/vincentbai/blockreplay-agent/internal/models"
)

type State string

const (
	StateIdle      State = "idle"
	StateCountdown State = "countdown"
	StateRecording State = "recording"
)

// CountdownTicks is the number of clock ticks between Start and the first
// recorded second.
const CountdownTicks = 3

var (
	ErrNotIdle      = errors.New("a recording is already in progress")
	ErrNotRecording = errors.New("no recording is in progress")
)

// Channel is the part of a host-side channel the recorder talks through.
type Channel interface {
	Send(env models.Envelope)
	OnReceive(h channel.Handler)
	OnReady(fn func())
	// PeerSeen reports whether the editor ever announced itself. A channel that
	// flushed after its grace delay is ready without having seen one.
	PeerSeen() bool
}

// Capturer is a screen-capture sink started and stopped alongside a recording.
// Stop returns the path of the captured artifact, if any.
type Capturer interface {
	Start(ctx context.Context) error
	Stop() (string, error)
}

type Options struct {
	Logger   *slog.Logger
	Capturer Capturer
	// ManualClock disables the internal ticker; the caller drives Tick.
	ManualClock  bool
	TickInterval time.Duration
	Now          func() time.Time
}

type Meta struct {
	LessonTitle string `json:"lessonTitle"`
	CourseID    string `json:"courseId"`
}

// Result is what a finished recording hands back to the caller.
type Result struct {
	Session   *models.RecordingSession `json:"session"`
	VideoPath string                   `json:"videoPath,omitempty"`
	Warnings  []string                 `json:"warnings,omitempty"`
}

type Status struct {
	State       State    `json:"state"`
	Countdown   int      `json:"countdown"`
	Elapsed     int64    `json:"elapsed"`
	Operations  int      `json:"operations"`
	EditorReady bool     `json:"editorReady"`
	Unsaved     bool     `json:"unsaved"`
	LessonTitle string   `json:"lessonTitle,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
}

type Recorder struct {
	logger   *slog.Logger
	capturer Capturer
	manual   bool
	interval time.Duration
	now      func() time.Time

	mu        sync.Mutex
	ch        Channel
	state     State
	countdown int
	elapsed   int64
	startedAt time.Time
	session   *models.RecordingSession
	warnings  []string
	capturing bool
	stopTick  chan struct{}
	pending   *Result
}

func New(opts Options) *Recorder {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Recorder{
		logger:   opts.Logger,
		capturer: opts.Capturer,
		manual:   opts.ManualClock,
		interval: opts.TickInterval,
		now:      opts.Now,
		state:    StateIdle,
	}
}

// Attach routes the channel's inbound envelopes to the recorder. The recorder
// sends its lifecycle envelopes through the same channel, and answers every
// ready announcement with init so a reloaded editor learns whether a recording
// is running.
func (r *Recorder) Attach(ch Channel) {
	r.mu.Lock()
	r.ch = ch
	r.mu.Unlock()
	ch.OnReceive(r.handle)
	ch.OnReady(r.sendInit)
	r.sendInit()
}

func (r *Recorder) sendInit() {
	r.mu.Lock()
	recording := r.state == StateRecording
	ch := r.ch
	r.mu.Unlock()
	if ch != nil {
		ch.Send(models.Envelope{Type: models.EnvelopeInit, IsRecording: &recording})
	}
}

func (r *Recorder) handle(env models.Envelope) {
	switch env.Type {
	case models.EnvelopeUserAction:
		r.OnOperation(env)
	case models.EnvelopeReady:
		r.logger.Info("[recorder] editor ready")
	case models.EnvelopeActionComplete:
		r.logger.Debug("[recorder] editor completed action", "action", env.Action)
	case models.EnvelopeTestResponse:
		r.logger.Debug("[recorder] editor test response", "message", env.Message)
	}
}

// Start begins the countdown. Operations are only accepted once the countdown
// has elapsed.
func (r *Recorder) Start(ctx context.Context, meta Meta) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateIdle {
		return ErrNotIdle
	}

	now := r.now()
	r.session = &models.RecordingSession{
		LessonTitle: meta.LessonTitle,
		CourseID:    meta.CourseID,
		Operations:  []models.Operation{},
	}
	r.startedAt = now
	r.elapsed = 0
	r.countdown = CountdownTicks
	r.warnings = nil
	r.state = StateCountdown

	if r.ch == nil {
		r.warn("no editor channel attached; operations will not be captured")
	} else if !r.ch.PeerSeen() {
		r.warn("editor has not signalled ready; recording in degraded mode")
	}

	if r.capturer != nil {
		if err := r.capturer.Start(ctx); err != nil {
			r.warn(fmt.Sprintf("screen capture unavailable: %v", err))
		} else {
			r.capturing = true
		}
	}

	if !r.manual {
		stop := make(chan struct{})
		r.stopTick = stop
		go r.tickLoop(stop)
	}

	r.logger.Info("[recorder] countdown started", "lesson", meta.LessonTitle, "course", meta.CourseID)
	return nil
}

func (r *Recorder) tickLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Tick()
		case <-stop:
			return
		}
	}
}

// Tick advances the recorder's one-second clock: the countdown while counting
// down, the elapsed-seconds counter while recording.
func (r *Recorder) Tick() {
	r.mu.Lock()
	var notify *models.Envelope
	switch r.state {
	case StateCountdown:
		r.countdown--
		if r.countdown <= 0 {
			now := r.now()
			r.countdown = 0
			r.state = StateRecording
			r.elapsed = 0
			r.startedAt = now
			notify = &models.Envelope{Type: models.EnvelopeRecordingStarted, Timestamp: now.UnixMilli()}
			r.logger.Info("[recorder] recording started")
		}
	case StateRecording:
		r.elapsed++
	}
	ch := r.ch
	r.mu.Unlock()

	if notify != nil && ch != nil {
		ch.Send(*notify)
	}
}

// OnOperation appends the userAction payload of env to the log, stamped with the
// elapsed seconds. Outside the recording state, and for malformed payloads, the
// envelope is dropped.
func (r *Recorder) OnOperation(env models.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateRecording {
		r.logger.Debug("[recorder] dropping operation outside recording", "state", r.state)
		return
	}
	op, err := models.Normalize(env.Details, float64(r.elapsed))
	if err != nil {
		r.logger.Warn("[recorder] dropping malformed operation", "err", err)
		return
	}
	r.session.Operations = append(r.session.Operations, op)
}

// SendCommand forwards a command to the editor. While recording the command is
// also logged as an operation.
func (r *Recorder) SendCommand(command, code string) error {
	if command == "" {
		return fmt.Errorf("command is required")
	}

	r.mu.Lock()
	if r.state == StateRecording {
		r.session.Operations = append(r.session.Operations, models.Operation{
			Kind:      models.KindCommand,
			Timestamp: float64(r.elapsed),
			Command:   command,
			Code:      code,
		})
	}
	ch := r.ch
	r.mu.Unlock()

	if ch == nil {
		r.logger.Warn("[recorder] no editor channel, command not delivered", "command", command)
		return nil
	}
	ch.Send(models.Envelope{Type: models.EnvelopeCommand, Command: command, Code: code})
	return nil
}

// Stop ends the recording and returns a frozen copy of the session. Nothing is
// appended to the log once Stop has returned.
func (r *Recorder) Stop() (*Result, error) {
	r.mu.Lock()
	if r.state != StateRecording {
		r.mu.Unlock()
		return nil, ErrNotRecording
	}

	r.state = StateIdle
	if r.stopTick != nil {
		close(r.stopTick)
		r.stopTick = nil
	}

	now := r.now()
	duration := r.elapsed
	if duration == 0 {
		duration = int64(now.Sub(r.startedAt).Seconds())
	}
	r.session.Duration = duration
	r.session.RecordedAt = now

	var videoPath string
	if r.capturing {
		r.capturing = false
		path, err := r.capturer.Stop()
		if err != nil {
			r.warn(fmt.Sprintf("screen capture failed: %v", err))
		}
		videoPath = path
	}

	result := &Result{
		Session:   r.session.Clone(),
		VideoPath: videoPath,
		Warnings:  append([]string(nil), r.warnings...),
	}
	if r.pending != nil {
		r.logger.Warn("[recorder] discarding unsaved recording", "lesson", r.pending.Session.LessonTitle)
	}
	r.pending = result
	ch := r.ch
	r.mu.Unlock()

	if ch != nil {
		ch.Send(models.Envelope{Type: models.EnvelopeRecordingStopped})
	}
	r.logger.Info("[recorder] recording stopped",
		"operations", len(result.Session.Operations),
		"duration", duration,
	)
	return result, nil
}

// Pending returns a copy of the last stopped recording until Acknowledge is
// called, so a failed save can be retried.
func (r *Recorder) Pending() *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return nil
	}
	res := *r.pending
	res.Session = r.pending.Session.Clone()
	res.Warnings = append([]string(nil), r.pending.Warnings...)
	return &res
}

// Acknowledge marks the last stopped recording as persisted.
func (r *Recorder) Acknowledge() {
	r.mu.Lock()
	r.pending = nil
	r.mu.Unlock()
}

// Warn records a problem that degrades the recording without stopping it.
func (r *Recorder) Warn(msg string) {
	r.mu.Lock()
	r.warn(msg)
	r.mu.Unlock()
}

func (r *Recorder) warn(msg string) {
	r.warnings = append(r.warnings, msg)
	r.logger.Warn("[recorder] " + msg)
}

func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Status{
		State:     r.state,
		Countdown: r.countdown,
		Elapsed:   r.elapsed,
		Warnings:  append([]string(nil), r.warnings...),
	}
	if r.session != nil {
		s.Operations = len(r.session.Operations)
		s.LessonTitle = r.session.LessonTitle
	}
	if r.ch != nil {
		s.EditorReady = r.ch.PeerSeen()
	}
	s.Unsaved = r.pending != nil
	return s
}

// Close halts the clock and any running capture without producing a session.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopTick != nil {
		close(r.stopTick)
		r.stopTick = nil
	}
	r.state = StateIdle
	if r.capturing {
		r.capturing = false
		if _, err := r.capturer.Stop(); err != nil {
			return fmt.Errorf("failed to stop capture: %w", err)
		}
	}
	return nil
}
