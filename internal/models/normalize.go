package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var (
	ErrMalformed    = errors.New("malformed operation payload")
	ErrUnknownKind  = errors.New("unknown operation kind")
	ErrMissingField = errors.New("missing required field")
)

// rawOperation accepts both the canonical operation shape and the editor-native
// variants emitted by the extension content script.
type rawOperation struct {
	Type        string    `json:"type"`
	BlockID     string    `json:"blockId"`
	BlockType   string    `json:"blockType"`
	Position    *Position `json:"position"`
	EndPosition *Position `json:"endPosition"`
	Field       string    `json:"field"`
	OldValue    string    `json:"oldValue"`
	NewValue    string    `json:"newValue"`
	Value       string    `json:"value"`
	Command     string    `json:"command"`
	Code        string    `json:"code"`
}

// Normalize turns a raw userAction payload into a well-formed Operation stamped
// with ts. The payload's own timestamp is ignored: it is relative to whatever
// clock the editor kept, not to this recording.
func Normalize(raw json.RawMessage, ts float64) (Operation, error) {
	if len(raw) == 0 {
		return Operation{}, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	var r rawOperation
	if err := json.Unmarshal(raw, &r); err != nil {
		return Operation{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if ts < 0 {
		ts = 0
	}
	return r.toOperation(ts)
}

// Validate checks the kind-specific invariants of an already decoded operation
// and returns a copy stripped of attributes that do not belong to its kind.
func Validate(op Operation) (Operation, error) {
	r := rawOperation{
		Type:      string(op.Kind),
		BlockID:   op.BlockID,
		BlockType: op.BlockType,
		Position:  op.Position,
		Field:     op.Field,
		OldValue:  op.OldValue,
		NewValue:  op.NewValue,
		Command:   op.Command,
		Code:      op.Code,
	}
	ts := op.Timestamp
	if ts < 0 {
		ts = 0
	}
	return r.toOperation(ts)
}

func (r rawOperation) toOperation(ts float64) (Operation, error) {
	op := Operation{Timestamp: ts}

	switch r.Type {
	case string(KindMove), "blockMove":
		pos := r.Position
		if pos == nil {
			pos = r.EndPosition
		}
		if r.BlockID == "" {
			return Operation{}, fmt.Errorf("%w: move requires blockId", ErrMissingField)
		}
		if pos == nil {
			return Operation{}, fmt.Errorf("%w: move requires position", ErrMissingField)
		}
		op.Kind = KindMove
		op.BlockID = r.BlockID
		op.Position = &Position{X: pos.X, Y: pos.Y}

	case string(KindCreate), "addBlock":
		if r.BlockType == "" {
			return Operation{}, fmt.Errorf("%w: create requires blockType", ErrMissingField)
		}
		op.Kind = KindCreate
		op.BlockID = r.BlockID
		op.BlockType = r.BlockType
		if r.Position != nil {
			op.Position = &Position{X: r.Position.X, Y: r.Position.Y}
		}

	case string(KindChange), "editBlockParam":
		if r.BlockID == "" || r.Field == "" {
			return Operation{}, fmt.Errorf("%w: change requires blockId and field", ErrMissingField)
		}
		op.Kind = KindChange
		op.BlockID = r.BlockID
		op.Field = r.Field
		op.OldValue = r.OldValue
		op.NewValue = r.NewValue
		if op.NewValue == "" {
			op.NewValue = r.Value
		}

	case string(KindDelete):
		if r.BlockID == "" {
			return Operation{}, fmt.Errorf("%w: delete requires blockId", ErrMissingField)
		}
		op.Kind = KindDelete
		op.BlockID = r.BlockID

	case string(KindCommand):
		if r.Command == "" {
			return Operation{}, fmt.Errorf("%w: command requires command name", ErrMissingField)
		}
		op.Kind = KindCommand
		op.Command = r.Command
		op.Code = r.Code

	case "executeCode":
		op.Kind = KindCommand
		op.Command = "run"
		op.Code = r.Code

	case "stopCode":
		op.Kind = KindCommand
		op.Command = "stop"

	case string(KindRecordStart), string(KindRecordStop), string(KindLoad):
		op.Kind = Kind(r.Type)

	case "":
		return Operation{}, fmt.Errorf("%w: missing type", ErrMalformed)

	default:
		return Operation{}, fmt.Errorf("%w: %q", ErrUnknownKind, r.Type)
	}

	return op, nil
}

// SortOperations orders ops by ascending timestamp in place. The sort is stable so
// operations sharing a timestamp keep their capture order.
func SortOperations(ops []Operation) {
	sort.SliceStable(ops, func(i, j int) bool {
		return ops[i].Timestamp < ops[j].Timestamp
	})
}

// IsSorted reports whether timestamps are non-decreasing.
func IsSorted(ops []Operation) bool {
	for i := 1; i < len(ops); i++ {
		if ops[i].Timestamp < ops[i-1].Timestamp {
			return false
		}
	}
	return true
}
