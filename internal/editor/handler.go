// Package editor is the editor-side end of the channel: it executes the host's
// commands against a workspace and reports the user's actions while recording.
package editor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vincentbai/blockreplay-agent/internal/channel"
	"github.com/vincentbai/blockreplay-agent/internal/models"
)

// Channel is the editor-side view of the messaging channel.
type Channel interface {
	Send(env models.Envelope)
	OnReceive(h channel.Handler)
}

type Options struct {
	Logger *slog.Logger
	Now    func() time.Time
}

type Handler struct {
	ws     Workspace
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	ch        Channel
	recording bool
	startedAt time.Time
}

func NewHandler(ws Workspace, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Handler{ws: ws, logger: opts.Logger, now: opts.Now}
}

// Attach subscribes to ch and announces the editor as ready.
func (h *Handler) Attach(ch Channel) {
	h.mu.Lock()
	h.ch = ch
	h.mu.Unlock()
	ch.OnReceive(h.handle)
	h.Announce()
}

// Announce sends a ready envelope. It is called again after every reconnect so
// the host flushes whatever it queued in the meantime.
func (h *Handler) Announce() {
	h.send(models.Envelope{Type: models.EnvelopeReady})
}

func (h *Handler) send(env models.Envelope) {
	h.mu.Lock()
	ch := h.ch
	h.mu.Unlock()
	if ch != nil {
		ch.Send(env)
	}
}

func (h *Handler) Recording() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.recording
}

func (h *Handler) handle(env models.Envelope) {
	switch env.Type {
	case models.EnvelopeInit:
		if env.IsRecording != nil {
			h.mu.Lock()
			h.recording = *env.IsRecording
			if h.recording {
				h.startedAt = h.now()
			}
			h.mu.Unlock()
		}
		h.logger.Info("[editor] initialized", "recording", h.Recording())

	case models.EnvelopeRecordingStarted:
		h.mu.Lock()
		h.recording = true
		h.startedAt = h.now()
		h.mu.Unlock()
		h.logger.Info("[editor] recording started")

	case models.EnvelopeRecordingStopped:
		h.mu.Lock()
		h.recording = false
		h.mu.Unlock()
		h.logger.Info("[editor] recording stopped")

	case models.EnvelopeCommand:
		if err := h.execute(env.Command, env.Code); err != nil {
			h.logger.Warn("[editor] command failed", "command", env.Command, "err", err)
		}

	case models.EnvelopeTest:
		h.send(models.Envelope{Type: models.EnvelopeTestResponse, Message: "editor received: " + env.Message})
	}
}

type blockArgs struct {
	BlockID   string           `json:"blockId"`
	BlockType string           `json:"blockType"`
	Position  *models.Position `json:"position"`
	Field     string           `json:"field"`
	Value     string           `json:"value"`
}

func (h *Handler) execute(command, code string) error {
	var args blockArgs
	switch command {
	case "moveBlock", "createBlock", "setField", "deleteBlock":
		if err := json.Unmarshal([]byte(code), &args); err != nil {
			return fmt.Errorf("failed to parse %s arguments: %w", command, err)
		}
	}

	switch command {
	case "reset":
		return h.ws.Clear()
	case "run":
		if err := h.ws.Run(code); err != nil {
			return err
		}
		h.send(models.Envelope{Type: models.EnvelopeActionComplete, Action: "run", Message: code})
		return nil
	case "stop":
		return h.ws.Stop()
	case "moveBlock":
		if args.Position == nil {
			return fmt.Errorf("moveBlock: missing position")
		}
		return h.ws.MoveBlock(args.BlockID, *args.Position)
	case "createBlock":
		_, err := h.ws.CreateBlock(args.BlockType, args.Position)
		return err
	case "setField":
		return h.ws.SetField(args.BlockID, args.Field, args.Value)
	case "deleteBlock":
		return h.ws.DeleteBlock(args.BlockID)
	}
	return fmt.Errorf("unsupported command %q", command)
}

// Capture reports op to the host as a userAction if a recording is running.
// The op is stamped relative to the local recording start; the host restamps
// it against its own clock.
func (h *Handler) Capture(op models.Operation) bool {
	h.mu.Lock()
	if !h.recording {
		h.mu.Unlock()
		return false
	}
	op.Timestamp = h.now().Sub(h.startedAt).Seconds()
	h.mu.Unlock()

	details, err := json.Marshal(op)
	if err != nil {
		h.logger.Warn("[editor] failed to encode operation", "err", err)
		return false
	}
	h.send(models.Envelope{Type: models.EnvelopeUserAction, Details: details})
	return true
}
