package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vincentbai/blockreplay-agent/internal/models"
)

var (
	ErrNotFound       = errors.New("session not found")
	ErrInvalidSession = errors.New("invalid session")
)

// Store persists finished recordings.
type Store interface {
	// SaveSession stores s with a fresh id and returns it. videoPath may be empty.
	SaveSession(ctx context.Context, s *models.RecordingSession, videoPath string) (string, error)
	GetSession(ctx context.Context, id string) (*models.RecordingSession, error)
	ListSessions(ctx context.Context) ([]SessionSummary, error)
	VideoPath(ctx context.Context, id string) (string, error)
	Close() error
}

type SessionSummary struct {
	ID          string    `json:"id"`
	LessonTitle string    `json:"lessonTitle"`
	CourseID    string    `json:"courseId"`
	RecordedAt  time.Time `json:"recordedAt"`
	Duration    int64     `json:"duration"`
	Operations  int       `json:"operations"`
	HasVideo    bool      `json:"hasVideo"`
}

var validOperationTypes = map[models.Kind]bool{
	models.KindCreate:      true,
	models.KindMove:        true,
	models.KindChange:      true,
	models.KindDelete:      true,
	models.KindCommand:     true,
	models.KindRecordStart: true,
	models.KindRecordStop:  true,
	models.KindLoad:        true,
}

// ValidateOperation checks op before it is written and returns the normalized
// form that gets stored.
func ValidateOperation(op models.Operation) (models.Operation, error) {
	if op.Kind == "" {
		return op, fmt.Errorf("Type cannot be empty")
	}
	if !validOperationTypes[op.Kind] {
		return op, fmt.Errorf("invalid operation type: %s", op.Kind)
	}
	if op.Timestamp < 0 {
		return op, fmt.Errorf("timestamp must not be negative")
	}
	return models.Validate(op)
}

func validateSession(s *models.RecordingSession) ([]models.Operation, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: session cannot be nil", ErrInvalidSession)
	}
	if s.Duration < 0 {
		return nil, fmt.Errorf("%w: duration must not be negative", ErrInvalidSession)
	}
	ops := make([]models.Operation, len(s.Operations))
	for i, op := range s.Operations {
		valid, err := ValidateOperation(op)
		if err != nil {
			return nil, fmt.Errorf("%w: operation %d: %v", ErrInvalidSession, i, err)
		}
		ops[i] = valid
	}
	models.SortOperations(ops)
	return ops, nil
}
