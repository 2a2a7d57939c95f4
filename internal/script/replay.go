package script

import (
	"bufio"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/vincentbai/blockreplay-agent/internal/models"
)

var callPattern = regexp.MustCompile(`^\s*(\w+)\((.*)\)\s*;?\s*$`)

const headerLesson = "// Lesson: "

// ToReplayScript renders one call per block operation, preceded by a comment
// header. Commands and lifecycle markers have no script form and are omitted.
func ToReplayScript(s *models.RecordingSession) string {
	var b strings.Builder
	b.WriteString(headerLesson + s.LessonTitle + "\n")
	if s.CourseID != "" {
		b.WriteString("// Course: " + s.CourseID + "\n")
	}
	if !s.RecordedAt.IsZero() {
		b.WriteString("// Recorded: " + s.RecordedAt.UTC().Format(time.RFC3339) + "\n")
	}
	fmt.Fprintf(&b, "// Duration: %ds\n", s.Duration)
	fmt.Fprintf(&b, "// Operations: %d\n\n", len(s.Operations))

	for _, op := range s.Operations {
		line, ok := scriptLine(op)
		if ok {
			b.WriteString(line + "\n")
		}
	}
	return b.String()
}

func scriptLine(op models.Operation) (string, bool) {
	ts := num(op.Timestamp)
	switch op.Kind {
	case models.KindMove:
		var x, y float64
		if op.Position != nil {
			x, y = op.Position.X, op.Position.Y
		}
		return fmt.Sprintf("moveBlock(%s, %s, %s, %s);", quote(op.BlockID), num(x), num(y), ts), true
	case models.KindCreate:
		var x, y float64
		if op.Position != nil {
			x, y = op.Position.X, op.Position.Y
		}
		return fmt.Sprintf("createBlock(%s, %s, %s, %s);", quote(op.BlockType), num(x), num(y), ts), true
	case models.KindChange:
		return fmt.Sprintf("changeBlock(%s, %s, %s, %s);", quote(op.BlockID), quote(op.Field), quote(op.NewValue), ts), true
	case models.KindDelete:
		return fmt.Sprintf("deleteBlock(%s, %s);", quote(op.BlockID), ts), true
	}
	return "", false
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}

// FromReplayScript parses a replay script. Blank lines and comments are skipped;
// lines that do not parse are skipped with a warning. The last argument of every
// call is its timestamp in seconds.
func FromReplayScript(text string) []models.Operation {
	logger := slog.Default()
	var ops []models.Operation

	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}
		op, err := parseLine(line)
		if err != nil {
			logger.Warn("[script] skipping line", "line", lineNo, "err", err)
			continue
		}
		ops = append(ops, op)
	}
	if err := sc.Err(); err != nil {
		logger.Warn("[script] stopped reading script", "line", lineNo, "err", err)
	}

	models.SortOperations(ops)
	return ops
}

func parseLine(line string) (models.Operation, error) {
	m := callPattern.FindStringSubmatch(line)
	if m == nil {
		return models.Operation{}, fmt.Errorf("not a call")
	}
	name := m[1]
	args, err := splitArgs(m[2])
	if err != nil {
		return models.Operation{}, err
	}
	if len(args) == 0 {
		return models.Operation{}, fmt.Errorf("%s: missing timestamp", name)
	}
	ts, err := strconv.ParseFloat(args[len(args)-1].text, 64)
	if err != nil || args[len(args)-1].quoted {
		return models.Operation{}, fmt.Errorf("%s: timestamp %q is not a number", name, args[len(args)-1].text)
	}
	if ts < 0 {
		return models.Operation{}, fmt.Errorf("%s: negative timestamp", name)
	}
	args = args[:len(args)-1]

	switch name {
	case "moveBlock":
		if len(args) != 3 {
			return models.Operation{}, fmt.Errorf("moveBlock: want 4 arguments, got %d", len(args)+1)
		}
		pos, err := position(args[1], args[2])
		if err != nil {
			return models.Operation{}, fmt.Errorf("moveBlock: %w", err)
		}
		return models.Validate(models.Operation{Kind: models.KindMove, Timestamp: ts, BlockID: args[0].text, Position: pos})

	case "createBlock":
		op := models.Operation{Kind: models.KindCreate, Timestamp: ts}
		switch len(args) {
		case 1:
		case 3:
			pos, err := position(args[1], args[2])
			if err != nil {
				return models.Operation{}, fmt.Errorf("createBlock: %w", err)
			}
			op.Position = pos
		default:
			return models.Operation{}, fmt.Errorf("createBlock: want 2 or 4 arguments, got %d", len(args)+1)
		}
		op.BlockType = args[0].text
		return models.Validate(op)

	case "changeBlock", "setField":
		if len(args) != 3 {
			return models.Operation{}, fmt.Errorf("%s: want 4 arguments, got %d", name, len(args)+1)
		}
		return models.Validate(models.Operation{
			Kind:      models.KindChange,
			Timestamp: ts,
			BlockID:   args[0].text,
			Field:     args[1].text,
			NewValue:  args[2].text,
		})

	case "deleteBlock":
		if len(args) != 1 {
			return models.Operation{}, fmt.Errorf("deleteBlock: want 2 arguments, got %d", len(args)+1)
		}
		return models.Validate(models.Operation{Kind: models.KindDelete, Timestamp: ts, BlockID: args[0].text})
	}

	code := make([]string, len(args))
	for i, a := range args {
		code[i] = a.text
	}
	return models.Operation{
		Kind:      models.KindCommand,
		Timestamp: ts,
		Command:   name,
		Code:      strings.Join(code, ", "),
	}, nil
}

func position(x, y arg) (*models.Position, error) {
	px, err := strconv.ParseFloat(x.text, 64)
	if err != nil {
		return nil, fmt.Errorf("x %q is not a number", x.text)
	}
	py, err := strconv.ParseFloat(y.text, 64)
	if err != nil {
		return nil, fmt.Errorf("y %q is not a number", y.text)
	}
	return &models.Position{X: px, Y: py}, nil
}

type arg struct {
	text   string
	quoted bool
}

// splitArgs splits a call's argument list on commas outside quotes. Both quote
// styles are accepted and a backslash escapes the next character inside quotes.
func splitArgs(s string) ([]arg, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	var (
		args    []arg
		cur     strings.Builder
		delim   rune
		quoted  bool
		escaped bool
	)
	flush := func() {
		text := cur.String()
		if !quoted {
			text = strings.TrimSpace(text)
		}
		args = append(args, arg{text: text, quoted: quoted})
		cur.Reset()
		quoted = false
	}

	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case delim != 0 && r == '\\':
			escaped = true
		case delim != 0 && r == delim:
			delim = 0
		case delim != 0:
			cur.WriteRune(r)
		case r == '\'' || r == '"':
			if quoted || strings.TrimSpace(cur.String()) != "" {
				return nil, fmt.Errorf("unexpected quote")
			}
			cur.Reset()
			delim = r
			quoted = true
		case r == ',':
			flush()
		case quoted && r != ' ' && r != '\t':
			return nil, fmt.Errorf("unexpected text after quoted argument")
		case quoted:
		default:
			cur.WriteRune(r)
		}
	}
	if delim != 0 || escaped {
		return nil, fmt.Errorf("unterminated quote")
	}
	flush()
	return args, nil
}
