package editor

import (
	"math"
	"strings"
	"sync"

	"github.com/vincentbai/blockreplay-agent/internal/models"
)

// Event is a DOM event as seen by a content script sitting on top of the editor
// page. Only the attributes the capture heuristics look at are carried.
type Event struct {
	Type   string  `json:"type"` // pointerdown, pointerup, click, keydown, input
	Target Element `json:"target"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Key    string  `json:"key,omitempty"`
	Ctrl   bool    `json:"ctrlKey,omitempty"`
	Value  string  `json:"value,omitempty"`
}

type Element struct {
	Classes   []string `json:"classes,omitempty"`
	BlockID   string   `json:"blockId,omitempty"`
	BlockType string   `json:"blockType,omitempty"`
	Field     string   `json:"field,omitempty"`
	Title     string   `json:"title,omitempty"`
}

func (e Element) hasClass(name string) bool {
	for _, c := range e.Classes {
		if c == name {
			return true
		}
	}
	return false
}

// dragThreshold is how far, in pixels, a pointer must travel between down and
// up for the gesture to count as a move.
const dragThreshold = 3

// PointerCapture turns raw pointer and keyboard events into operations. It only
// sees what the page's DOM exposes, so it is best-effort: drags are recognised by
// their end points, field edits by input events on editable fields, and run/stop
// by the buttons' classes or titles.
type PointerCapture struct {
	h *Handler

	mu      sync.Mutex
	pending *Event
	fields  map[string]string
}

func NewPointerCapture(h *Handler) *PointerCapture {
	return &PointerCapture{h: h, fields: make(map[string]string)}
}

// HandleEvent feeds one event and reports whether it produced an operation.
func (c *PointerCapture) HandleEvent(ev Event) bool {
	op, ok := c.interpret(ev)
	if !ok {
		return false
	}
	return c.h.Capture(op)
}

func (c *PointerCapture) interpret(ev Event) (models.Operation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Type {
	case "pointerdown", "mousedown":
		if ev.Target.BlockID != "" || ev.Target.hasClass("blocklyFlyoutBlock") {
			e := ev
			c.pending = &e
		}

	case "pointerup", "mouseup":
		start := c.pending
		c.pending = nil
		if start == nil {
			return models.Operation{}, false
		}
		if math.Hypot(ev.X-start.X, ev.Y-start.Y) < dragThreshold {
			return models.Operation{}, false
		}
		pos := &models.Position{X: ev.X, Y: ev.Y}
		if start.Target.hasClass("blocklyFlyoutBlock") && start.Target.BlockType != "" {
			return models.Operation{Kind: models.KindCreate, BlockType: start.Target.BlockType, Position: pos}, true
		}
		if start.Target.BlockID != "" {
			return models.Operation{Kind: models.KindMove, BlockID: start.Target.BlockID, Position: pos}, true
		}

	case "click":
		switch {
		case isControl(ev.Target, "run", "green-flag", "go"):
			return models.Operation{Kind: models.KindCommand, Command: "run"}, true
		case isControl(ev.Target, "stop", "stop-all"):
			return models.Operation{Kind: models.KindCommand, Command: "stop"}, true
		}

	case "keydown":
		switch {
		case ev.Ctrl && ev.Key == "Enter":
			return models.Operation{Kind: models.KindCommand, Command: "run"}, true
		case ev.Key == "Escape":
			return models.Operation{Kind: models.KindCommand, Command: "stop"}, true
		case (ev.Key == "Delete" || ev.Key == "Backspace") && ev.Target.BlockID != "" && ev.Target.Field == "":
			return models.Operation{Kind: models.KindDelete, BlockID: ev.Target.BlockID}, true
		}

	case "input", "change":
		if ev.Target.BlockID == "" || ev.Target.Field == "" {
			return models.Operation{}, false
		}
		key := ev.Target.BlockID + "/" + ev.Target.Field
		old := c.fields[key]
		if old == ev.Value {
			return models.Operation{}, false
		}
		c.fields[key] = ev.Value
		return models.Operation{
			Kind:     models.KindChange,
			BlockID:  ev.Target.BlockID,
			Field:    ev.Target.Field,
			OldValue: old,
			NewValue: ev.Value,
		}, true
	}
	return models.Operation{}, false
}

func isControl(e Element, names ...string) bool {
	title := strings.ToLower(e.Title)
	for _, n := range names {
		if e.hasClass(n) || e.hasClass(n+"-button") || title == n {
			return true
		}
	}
	return false
}
