package server

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vincentbai/blockreplay-agent/internal/capture"
	"github.com/vincentbai/blockreplay-agent/internal/channel"
	"github.com/vincentbai/blockreplay-agent/internal/database"
	"github.com/vincentbai/blockreplay-agent/internal/editor"
	"github.com/vincentbai/blockreplay-agent/internal/models"
	"github.com/vincentbai/blockreplay-agent/internal/player"
	"github.com/vincentbai/blockreplay-agent/internal/recorder"
)

type testEditor struct {
	handler   *editor.Handler
	workspace *editor.MemoryWorkspace
}

func setupTestServer(t *testing.T) (*Server, *testEditor, func()) {
	t.Helper()

	// Create temporary database
	tmpDir, err := os.MkdirTemp("", "blockreplay-server-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "test.db")
	db, err := database.NewDatabase(dbPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create test database: %v", err)
	}

	hostEnd, editorEnd := channel.Pipe()
	host := channel.New(hostEnd, channel.Config{Side: channel.SideHost, ReadyGrace: -1})
	workspace := editor.NewMemoryWorkspace()
	workspace.PutBlock(editor.Block{ID: "b1", Type: "motion_movesteps"})
	handler := editor.NewHandler(workspace, editor.Options{})
	handler.Attach(channel.New(editorEnd, channel.Config{Side: channel.SideEditor}))

	sink := capture.NewFileSink(filepath.Join(tmpDir, "videos"), nil)
	rec := recorder.New(recorder.Options{Capturer: sink, ManualClock: true})
	rec.Attach(host)
	p := player.New(host, nil)

	server := NewServer(db, "127.0.0.1:0", Components{ // Port 0 for testing
		Recorder: rec,
		Player:   p,
		Video:    sink,
	})

	cleanup := func() {
		rec.Close()
		host.Close()
		db.Close()
		os.RemoveAll(tmpDir)
	}

	return server, &testEditor{handler: handler, workspace: workspace}, cleanup
}

func do(t *testing.T, server *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("Failed to decode response %q: %v", w.Body.String(), err)
	}
}

func tick(server *Server, n int) {
	for i := 0; i < n; i++ {
		server.recorder.Tick()
	}
}

const sampleLog = `{
  "lessonTitle": "Loops",
  "courseId": "c1",
  "duration": 12,
  "operations": [
    {"type": "move", "blockId": "b1", "position": {"x": 10, "y": 20}, "timestamp": 5},
    {"type": "change", "blockId": "b1", "field": "STEPS", "newValue": "25", "timestamp": 2}
  ]
}`

func TestNewServer(t *testing.T) {
	server, _, cleanup := setupTestServer(t)
	defer cleanup()

	if server == nil {
		t.Fatal("Expected non-nil server")
	}
	if server.db == nil {
		t.Fatal("Expected non-nil database")
	}
	if server.address != "127.0.0.1:0" {
		t.Errorf("Expected address 127.0.0.1:0, got %s", server.address)
	}
	if server.logger == nil {
		t.Error("Expected a default logger")
	}
}

func TestHandleHealthz(t *testing.T) {
	server, _, cleanup := setupTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	server.handleHealthz(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	body := w.Body.String()
	if body != "ok" {
		t.Errorf("Expected body 'ok', got %s", body)
	}
}

func TestRecordingFlow(t *testing.T) {
	server, ed, cleanup := setupTestServer(t)
	defer cleanup()

	w := do(t, server, http.MethodPost, "/recorder/start", []byte(`{"lessonTitle":"Loops","courseId":"c1"}`))
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", w.Code, w.Body.String())
	}
	var status recorder.Status
	decode(t, w, &status)
	if status.State != recorder.StateCountdown {
		t.Errorf("Expected countdown state, got %s", status.State)
	}

	tick(server, recorder.CountdownTicks)
	if !ed.handler.Recording() {
		t.Fatal("Expected editor to be told recording started")
	}

	tick(server, 2)
	ed.handler.Capture(models.Operation{Kind: models.KindMove, BlockID: "b1", Position: &models.Position{X: 3, Y: 4}})

	w = do(t, server, http.MethodPost, "/recorder/command", []byte(`{"command":"run","code":"go()"}`))
	if w.Code != http.StatusNoContent {
		t.Fatalf("Expected status 204, got %d: %s", w.Code, w.Body.String())
	}
	if runs := ed.workspace.Runs(); len(runs) != 1 || runs[0] != "go()" {
		t.Errorf("Expected editor to run go(), got %v", runs)
	}

	w = do(t, server, http.MethodPost, "/recorder/video", []byte("webm-bytes"))
	if w.Code != http.StatusNoContent {
		t.Fatalf("Expected status 204, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, server, http.MethodGet, "/recorder/status", nil)
	decode(t, w, &status)
	if status.State != recorder.StateRecording || status.Operations != 2 {
		t.Errorf("Expected recording with 2 operations, got %+v", status)
	}

	tick(server, 1)
	w = do(t, server, http.MethodPost, "/recorder/stop", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var stopped stopResponse
	decode(t, w, &stopped)
	if stopped.ID == "" {
		t.Fatal("Expected a session id")
	}
	if stopped.Duration != 3 {
		t.Errorf("Expected duration 3, got %d", stopped.Duration)
	}
	if len(stopped.Operations) != 2 {
		t.Fatalf("Expected 2 operations, got %d", len(stopped.Operations))
	}
	if stopped.Operations[0].Kind != models.KindMove || stopped.Operations[0].Timestamp != 2 {
		t.Errorf("Unexpected first operation: %+v", stopped.Operations[0])
	}
	if len(stopped.Warnings) != 0 {
		t.Errorf("Expected no warnings, got %v", stopped.Warnings)
	}
	if ed.handler.Recording() {
		t.Error("Expected editor to be told recording stopped")
	}

	w = do(t, server, http.MethodGet, "/sessions/"+stopped.ID+"/bundle", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/zip" {
		t.Errorf("Expected zip content type, got %s", ct)
	}
	zr, err := zip.NewReader(bytes.NewReader(w.Body.Bytes()), int64(w.Body.Len()))
	if err != nil {
		t.Fatalf("Failed to open bundle: %v", err)
	}
	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	for _, name := range []string{"recording.webm", "operations.json", "replay.txt"} {
		if !names[name] {
			t.Errorf("Expected %s in bundle, got %v", name, names)
		}
	}
}

type failingStore struct {
	database.Store
	fail bool
}

func (f *failingStore) SaveSession(ctx context.Context, s *models.RecordingSession, videoPath string) (string, error) {
	if f.fail {
		return "", errors.New("disk full")
	}
	return f.Store.SaveSession(ctx, s, videoPath)
}

func TestStopKeepsRecordingWhenSaveFails(t *testing.T) {
	server, ed, cleanup := setupTestServer(t)
	defer cleanup()
	store := &failingStore{Store: server.db, fail: true}
	server.db = store

	do(t, server, http.MethodPost, "/recorder/start", []byte(`{"lessonTitle":"Loops"}`))
	tick(server, recorder.CountdownTicks+1)
	ed.handler.Capture(models.Operation{Kind: models.KindDelete, BlockID: "b1"})

	w := do(t, server, http.MethodPost, "/recorder/stop", nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected status 500, got %d: %s", w.Code, w.Body.String())
	}
	var failure saveFailure
	decode(t, w, &failure)
	if failure.Session == nil || len(failure.Session.Operations) != 1 {
		t.Fatalf("Expected the unsaved session in the error body, got %s", w.Body.String())
	}

	var status recorder.Status
	decode(t, do(t, server, http.MethodGet, "/recorder/status", nil), &status)
	if !status.Unsaved {
		t.Error("Expected the recording to stay pending")
	}

	if w := do(t, server, http.MethodPost, "/recorder/save", nil); w.Code != http.StatusInternalServerError {
		t.Errorf("Expected retry to fail while the store is down, got %d", w.Code)
	}

	store.fail = false
	w = do(t, server, http.MethodPost, "/recorder/save", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var saved stopResponse
	decode(t, w, &saved)
	if saved.ID == "" || len(saved.Operations) != 1 {
		t.Errorf("Unexpected save response: %+v", saved)
	}
	session, err := store.GetSession(context.Background(), saved.ID)
	if err != nil {
		t.Fatalf("Failed to load saved session: %v", err)
	}
	if session.LessonTitle != "Loops" {
		t.Errorf("Expected lesson Loops, got %q", session.LessonTitle)
	}

	if w := do(t, server, http.MethodPost, "/recorder/save", nil); w.Code != http.StatusConflict {
		t.Errorf("Expected 409 once the recording is saved, got %d", w.Code)
	}
}

func TestRecorderConflicts(t *testing.T) {
	server, _, cleanup := setupTestServer(t)
	defer cleanup()

	if w := do(t, server, http.MethodPost, "/recorder/stop", nil); w.Code != http.StatusConflict {
		t.Errorf("Expected 409 stopping an idle recorder, got %d", w.Code)
	}
	if w := do(t, server, http.MethodPost, "/recorder/video", []byte("x")); w.Code != http.StatusConflict {
		t.Errorf("Expected 409 for video outside a recording, got %d", w.Code)
	}
	if w := do(t, server, http.MethodPost, "/recorder/start", nil); w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if w := do(t, server, http.MethodPost, "/recorder/start", nil); w.Code != http.StatusConflict {
		t.Errorf("Expected 409 starting twice, got %d", w.Code)
	}
	if w := do(t, server, http.MethodPost, "/recorder/stop", nil); w.Code != http.StatusConflict {
		t.Errorf("Expected 409 stopping during countdown, got %d", w.Code)
	}
}

func TestRecorderCommandValidation(t *testing.T) {
	server, _, cleanup := setupTestServer(t)
	defer cleanup()

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{invalid`},
		{"missing command", `{"code":"go()"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, server, http.MethodPost, "/recorder/command", []byte(tt.body))
			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", w.Code)
			}
		})
	}
}

func TestImportAndFetchSession(t *testing.T) {
	server, _, cleanup := setupTestServer(t)
	defer cleanup()

	w := do(t, server, http.MethodPost, "/sessions", []byte(sampleLog))
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	var imported importResponse
	decode(t, w, &imported)
	if imported.Format != "json" || imported.Operations != 2 {
		t.Errorf("Unexpected import response: %+v", imported)
	}

	w = do(t, server, http.MethodGet, "/sessions/"+imported.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var session models.RecordingSession
	decode(t, w, &session)
	if session.LessonTitle != "Loops" || session.Duration != 12 {
		t.Errorf("Unexpected session: %+v", session)
	}
	if len(session.Operations) != 2 || session.Operations[0].Timestamp != 2 {
		t.Errorf("Expected operations sorted by timestamp, got %+v", session.Operations)
	}

	w = do(t, server, http.MethodGet, "/sessions/"+imported.ID+"/script", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	text := w.Body.String()
	for _, line := range []string{
		"// Lesson: Loops",
		"changeBlock('b1', 'STEPS', '25', 2);",
		"moveBlock('b1', 10, 20, 5);",
	} {
		if !strings.Contains(text, line) {
			t.Errorf("Expected script to contain %q, got:\n%s", line, text)
		}
	}

	w = do(t, server, http.MethodPost, "/sessions", []byte(text))
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected exported script to import, got %d: %s", w.Code, w.Body.String())
	}
	decode(t, w, &imported)
	if imported.Format != "script" || imported.Operations != 2 {
		t.Errorf("Unexpected script import: %+v", imported)
	}

	w = do(t, server, http.MethodGet, "/sessions", nil)
	var summaries []database.SessionSummary
	decode(t, w, &summaries)
	if len(summaries) != 2 {
		t.Errorf("Expected 2 sessions, got %d", len(summaries))
	}
}

func TestImportSessionRejected(t *testing.T) {
	server, _, cleanup := setupTestServer(t)
	defer cleanup()

	tests := []struct {
		name string
		body string
	}{
		{"empty body", ``},
		{"no operations", `hello there`},
		{"json without operations", `{"lessonTitle":"x"}`},
		{"unknown kind", `{"operations":[{"type":"teleport","timestamp":1}]}`},
		{"negative timestamp", `{"operations":[{"type":"delete","blockId":"b1","timestamp":-1}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, server, http.MethodPost, "/sessions", []byte(tt.body))
			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestGetSessionNotFound(t *testing.T) {
	server, _, cleanup := setupTestServer(t)
	defer cleanup()

	for _, path := range []string{"/sessions/missing", "/sessions/missing/script", "/sessions/missing/bundle"} {
		if w := do(t, server, http.MethodGet, path, nil); w.Code != http.StatusNotFound {
			t.Errorf("%s: expected status 404, got %d", path, w.Code)
		}
	}
}

func TestPlayerFlow(t *testing.T) {
	server, ed, cleanup := setupTestServer(t)
	defer cleanup()

	if w := do(t, server, http.MethodPost, "/player/play", nil); w.Code != http.StatusConflict {
		t.Errorf("Expected 409 before a log is loaded, got %d", w.Code)
	}

	w := do(t, server, http.MethodPost, "/player/import", []byte(sampleLog))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if w := do(t, server, http.MethodPost, "/player/play", nil); w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var update map[string]int
	w = do(t, server, http.MethodPost, "/player/timeupdate", []byte(`{"currentTime":2.7}`))
	decode(t, w, &update)
	if update["dispatched"] != 1 {
		t.Errorf("Expected 1 dispatched, got %v", update)
	}
	b, _ := ed.workspace.Block("b1")
	if b.Fields["STEPS"] != "25" {
		t.Errorf("Expected STEPS=25, got %v", b.Fields)
	}

	do(t, server, http.MethodPost, "/player/pause", nil)
	w = do(t, server, http.MethodPost, "/player/timeupdate", []byte(`{"currentTime":6}`))
	decode(t, w, &update)
	if update["dispatched"] != 0 {
		t.Errorf("Expected nothing dispatched while paused, got %v", update)
	}

	do(t, server, http.MethodPost, "/player/play", nil)
	w = do(t, server, http.MethodPost, "/player/timeupdate", []byte(`{"currentTime":6}`))
	decode(t, w, &update)
	if update["dispatched"] != 1 {
		t.Errorf("Expected 1 dispatched after resume, got %v", update)
	}
	b, _ = ed.workspace.Block("b1")
	if b.Position != (models.Position{X: 10, Y: 20}) {
		t.Errorf("Expected block moved to 10,20, got %+v", b.Position)
	}

	w = do(t, server, http.MethodPost, "/player/reset", nil)
	var status player.Status
	decode(t, w, &status)
	if status.State != player.StatePlaying || status.Executed != 0 {
		t.Errorf("Expected reset to keep state and clear progress, got %+v", status)
	}
	if len(ed.workspace.Blocks()) != 0 {
		t.Errorf("Expected workspace cleared, got %v", ed.workspace.Blocks())
	}

	w = do(t, server, http.MethodPost, "/player/stop", nil)
	decode(t, w, &status)
	if status.State != player.StateStopped {
		t.Errorf("Expected stopped, got %s", status.State)
	}

	if w := do(t, server, http.MethodPost, "/player/timeupdate", []byte(`{}`)); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without currentTime, got %d", w.Code)
	}
	if w := do(t, server, http.MethodPost, "/player/import", []byte(`not a log`)); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a bad import, got %d", w.Code)
	}
}

func TestPlayerLoadFromStore(t *testing.T) {
	server, _, cleanup := setupTestServer(t)
	defer cleanup()

	id, err := server.db.SaveSession(context.Background(), &models.RecordingSession{
		LessonTitle: "Stored",
		Duration:    4,
		Operations: []models.Operation{
			{Kind: models.KindDelete, BlockID: "b1", Timestamp: 1},
		},
	}, "")
	if err != nil {
		t.Fatalf("Failed to save session: %v", err)
	}

	w := do(t, server, http.MethodPost, "/player/load/"+id, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", w.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	var status player.Status
	for time.Now().Before(deadline) {
		decode(t, do(t, server, http.MethodGet, "/player/status", nil), &status)
		if status.Loaded {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !status.Loaded || status.LessonTitle != "Stored" || status.Operations != 1 {
		t.Fatalf("Expected stored session loaded, got %+v", status)
	}
}

func TestSetupRoutes(t *testing.T) {
	server, _, cleanup := setupTestServer(t)
	defer cleanup()

	router := server.setupRoutes()
	if router == nil {
		t.Fatal("Expected non-nil router")
	}

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"healthz", http.MethodGet, "/healthz", http.StatusOK},
		{"recorder status", http.MethodGet, "/recorder/status", http.StatusOK},
		{"player status", http.MethodGet, "/player/status", http.StatusOK},
		{"sessions", http.MethodGet, "/sessions", http.StatusOK},
		{"wrong method", http.MethodGet, "/recorder/start", http.StatusMethodNotAllowed},
		{"unknown path", http.MethodGet, "/nope", http.StatusNotFound},
		{"no editor socket configured", http.MethodGet, "/editor/ws", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, w.Code)
			}
		})
	}
}

func TestMissingComponents(t *testing.T) {
	tmpDir := t.TempDir()
	db, err := database.NewDatabase(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	defer db.Close()

	server := NewServer(db, "127.0.0.1:0", Components{})
	for _, path := range []string{"/recorder/start", "/recorder/video", "/player/play"} {
		if w := do(t, server, http.MethodPost, path, nil); w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: expected status 503, got %d", path, w.Code)
		}
	}
}
