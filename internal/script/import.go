package script

import (
	"archive/zip"
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/vincentbai/blockreplay-agent/internal/models"
)

// Format names the encoding an imported session was read from.
type Format string

const (
	FormatJSON   Format = "json"
	FormatScript Format = "script"
	FormatBundle Format = "bundle"
)

// maxBundleEntry caps the decompressed size of the operation log in a bundle.
var maxBundleEntry int64 = 16 << 20

var zipMagic = []byte("PK\x03\x04")

// Import reads a session from any exported form: a bundle, the JSON log, or a
// replay script, in that order of detection. Input that looks like JSON is never
// reparsed as a script.
func Import(data []byte) (*models.RecordingSession, Format, error) {
	if bytes.HasPrefix(data, zipMagic) {
		s, err := ReadBundle(data)
		return s, FormatBundle, err
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, FormatScript, &ParseError{Format: FormatScript, Msg: "empty input"}
	}
	if trimmed[0] == '{' || json.Valid(trimmed) {
		s, err := FromJSON(trimmed)
		return s, FormatJSON, err
	}

	text := string(data)
	ops := FromReplayScript(text)
	if len(ops) == 0 {
		return nil, FormatScript, &ParseError{Format: FormatScript, Msg: "no operations found"}
	}
	s := &models.RecordingSession{
		LessonTitle: scriptTitle(text),
		Operations:  ops,
		Duration:    int64(math.Ceil(ops[len(ops)-1].Timestamp)),
	}
	return s, FormatScript, nil
}

func scriptTitle(text string) string {
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, headerLesson) {
			return strings.TrimSpace(strings.TrimPrefix(line, headerLesson))
		}
		if line != "" && !strings.HasPrefix(line, "//") {
			break
		}
	}
	return ""
}

const (
	bundleVideo      = "recording.webm"
	bundleOperations = "operations.json"
	bundleScript     = "replay.txt"
)

// WriteBundle writes a zip holding the JSON log, the replay script and, when
// video is non-nil, the screen recording.
func WriteBundle(w io.Writer, s *models.RecordingSession, video io.Reader) error {
	zw := zip.NewWriter(w)

	if video != nil {
		f, err := zw.Create(bundleVideo)
		if err != nil {
			return fmt.Errorf("failed to add %s: %w", bundleVideo, err)
		}
		if _, err := io.Copy(f, video); err != nil {
			return fmt.Errorf("failed to write %s: %w", bundleVideo, err)
		}
	}

	data, err := ToJSON(s)
	if err != nil {
		return err
	}
	f, err := zw.Create(bundleOperations)
	if err != nil {
		return fmt.Errorf("failed to add %s: %w", bundleOperations, err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", bundleOperations, err)
	}

	f, err = zw.Create(bundleScript)
	if err != nil {
		return fmt.Errorf("failed to add %s: %w", bundleScript, err)
	}
	if _, err := io.WriteString(f, ToReplayScript(s)); err != nil {
		return fmt.Errorf("failed to write %s: %w", bundleScript, err)
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish bundle: %w", err)
	}
	return nil
}

// ReadBundle extracts the session from a bundle written by WriteBundle.
func ReadBundle(data []byte) (*models.RecordingSession, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &ParseError{Format: FormatBundle, Msg: "not a zip archive", Err: err}
	}
	for _, f := range zr.File {
		if f.Name != bundleOperations {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, &ParseError{Format: FormatBundle, Msg: "unreadable " + bundleOperations, Err: err}
		}
		defer rc.Close()
		body, err := io.ReadAll(io.LimitReader(rc, maxBundleEntry+1))
		if err != nil {
			return nil, &ParseError{Format: FormatBundle, Msg: "unreadable " + bundleOperations, Err: err}
		}
		if int64(len(body)) > maxBundleEntry {
			return nil, &ParseError{Format: FormatBundle, Msg: fmt.Sprintf("%s larger than %d bytes", bundleOperations, maxBundleEntry)}
		}
		return FromJSON(body)
	}
	return nil, &ParseError{Format: FormatBundle, Msg: "missing " + bundleOperations}
}
