// Package script converts recording sessions to and from their exported forms:
// the canonical JSON log, the human-readable replay script, and the zip bundle.
package script

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vincentbai/blockreplay-agent/internal/models"
)

// ParseError reports input that could not be turned into a session. Callers
// surface Error() to the user unchanged.
type ParseError struct {
	Format Format
	Line   int
	Msg    string
	Err    error
}

func (e *ParseError) Error() string {
	msg := fmt.Sprintf("invalid %s", e.Format)
	if e.Line > 0 {
		msg = fmt.Sprintf("%s at line %d", msg, e.Line)
	}
	msg += ": " + e.Msg
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error { return e.Err }

type document struct {
	LessonTitle string             `json:"lessonTitle"`
	CourseID    string             `json:"courseId"`
	RecordedAt  time.Time          `json:"recordedAt"`
	Duration    int64              `json:"duration"`
	Operations  []models.Operation `json:"operations"`
}

// ToJSON renders the canonical, indented operation log.
func ToJSON(s *models.RecordingSession) ([]byte, error) {
	doc := document{
		LessonTitle: s.LessonTitle,
		CourseID:    s.CourseID,
		RecordedAt:  s.RecordedAt,
		Duration:    s.Duration,
		Operations:  s.Operations,
	}
	if doc.Operations == nil {
		doc.Operations = []models.Operation{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode session: %w", err)
	}
	return data, nil
}

// FromJSON parses an operation log. Unknown top-level fields are ignored, the
// operations array is required. The returned operations are sorted by timestamp.
func FromJSON(data []byte) (*models.RecordingSession, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, &ParseError{Format: FormatJSON, Msg: "not a JSON object", Err: err}
	}
	rawOps, ok := top["operations"]
	if !ok {
		return nil, &ParseError{Format: FormatJSON, Msg: "missing operations array"}
	}
	if trimmed := bytes.TrimSpace(rawOps); len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, &ParseError{Format: FormatJSON, Msg: "operations is not an array"}
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &ParseError{Format: FormatJSON, Msg: "malformed session", Err: err}
	}
	if doc.Operations == nil {
		doc.Operations = []models.Operation{}
	}
	for i, op := range doc.Operations {
		if op.Timestamp < 0 {
			return nil, &ParseError{Format: FormatJSON, Msg: fmt.Sprintf("operation %d has a negative timestamp", i)}
		}
	}
	models.SortOperations(doc.Operations)

	return &models.RecordingSession{
		LessonTitle: doc.LessonTitle,
		CourseID:    doc.CourseID,
		RecordedAt:  doc.RecordedAt,
		Duration:    doc.Duration,
		Operations:  doc.Operations,
	}, nil
}
