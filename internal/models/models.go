package models

import (
	"encoding/json"
	"time"
)

// Kind identifies what an Operation does in the editor.
type Kind string

const (
	KindCreate      Kind = "create"
	KindMove        Kind = "move"
	KindChange      Kind = "change"
	KindDelete      Kind = "delete"
	KindCommand     Kind = "command"
	KindRecordStart Kind = "recordStart"
	KindRecordStop  Kind = "recordStop"
	KindLoad        Kind = "load"
)

var knownKinds = map[Kind]bool{
	KindCreate:      true,
	KindMove:        true,
	KindChange:      true,
	KindDelete:      true,
	KindCommand:     true,
	KindRecordStart: true,
	KindRecordStop:  true,
	KindLoad:        true,
}

// KnownKind reports whether k belongs to the closed set of operation kinds.
func KnownKind(k Kind) bool {
	return knownKinds[k]
}

// Kinds lists every known operation kind.
func Kinds() []Kind {
	return []Kind{
		KindCreate, KindMove, KindChange, KindDelete,
		KindCommand, KindRecordStart, KindRecordStop, KindLoad,
	}
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Operation is a single timestamped editor action. Only the attribute group that
// belongs to Kind is populated.
type Operation struct {
	Kind      Kind      `json:"type"`
	Timestamp float64   `json:"timestamp"` // seconds since recording start
	BlockID   string    `json:"blockId,omitempty"`
	BlockType string    `json:"blockType,omitempty"` // create only
	Position  *Position `json:"position,omitempty"`  // move, optionally create
	Field     string    `json:"field,omitempty"`     // change only
	OldValue  string    `json:"oldValue,omitempty"`  // change only
	NewValue  string    `json:"newValue,omitempty"`  // change only
	Command   string    `json:"command,omitempty"`   // command only
	Code      string    `json:"code,omitempty"`      // command only
}

// RecordingSession is the aggregate produced by one recording.
type RecordingSession struct {
	ID          string      `json:"id,omitempty"`
	LessonTitle string      `json:"lessonTitle"`
	CourseID    string      `json:"courseId"`
	RecordedAt  time.Time   `json:"recordedAt"`
	Duration    int64       `json:"duration"` // seconds
	Operations  []Operation `json:"operations"`
}

// Clone returns a deep copy so the snapshot shares no memory with the original.
func (s *RecordingSession) Clone() *RecordingSession {
	if s == nil {
		return nil
	}
	out := *s
	out.Operations = CloneOperations(s.Operations)
	return &out
}

func CloneOperations(ops []Operation) []Operation {
	out := make([]Operation, len(ops))
	for i, op := range ops {
		if op.Position != nil {
			p := *op.Position
			op.Position = &p
		}
		out[i] = op
	}
	return out
}

// EnvelopeType is the `type` discriminator of a message crossing the editor boundary.
type EnvelopeType string

const (
	EnvelopeInit             EnvelopeType = "init"
	EnvelopeCommand          EnvelopeType = "command"
	EnvelopeRecordingStarted EnvelopeType = "recordingStarted"
	EnvelopeRecordingStopped EnvelopeType = "recordingStopped"
	EnvelopeUserAction       EnvelopeType = "userAction"
	EnvelopeReady            EnvelopeType = "ready"
	EnvelopeActionComplete   EnvelopeType = "actionComplete"
	EnvelopeTest             EnvelopeType = "test"
	EnvelopeTestResponse     EnvelopeType = "testResponse"
)

var knownEnvelopes = map[EnvelopeType]bool{
	EnvelopeInit:             true,
	EnvelopeCommand:          true,
	EnvelopeRecordingStarted: true,
	EnvelopeRecordingStopped: true,
	EnvelopeUserAction:       true,
	EnvelopeReady:            true,
	EnvelopeActionComplete:   true,
	EnvelopeTest:             true,
	EnvelopeTestResponse:     true,
}

func KnownEnvelope(t EnvelopeType) bool {
	return knownEnvelopes[t]
}

// Envelope is the wire format exchanged between host and editor.
type Envelope struct {
	Type        EnvelopeType    `json:"type"`
	Source      string          `json:"source,omitempty"` // "host" | "editor"
	IsRecording *bool           `json:"isRecording,omitempty"`
	Timestamp   int64           `json:"timestamp,omitempty"` // unix ms, recordingStarted
	Command     string          `json:"command,omitempty"`
	Code        string          `json:"code,omitempty"`
	Details     json.RawMessage `json:"details,omitempty"` // userAction payload
	Action      string          `json:"action,omitempty"`
	Message     string          `json:"message,omitempty"`
}
