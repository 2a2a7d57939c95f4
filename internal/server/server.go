package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/vincentbai/blockreplay-agent/internal/capture"
	"github.com/vincentbai/blockreplay-agent/internal/database"
	"github.com/vincentbai/blockreplay-agent/internal/models"
	"github.com/vincentbai/blockreplay-agent/internal/player"
	"github.com/vincentbai/blockreplay-agent/internal/recorder"
	"github.com/vincentbai/blockreplay-agent/internal/script"
)

const (
	maxImportSize = 16 << 20
	maxChunkSize  = 64 << 20
	maxJSONSize   = 1 << 20
	loadTimeout   = 30 * time.Second
)

// Components are the parts of the agent the HTTP surface drives. Any of them
// may be nil, in which case the matching routes answer 503.
type Components struct {
	Editor   http.Handler
	Recorder *recorder.Recorder
	Player   *player.Player
	Video    *capture.FileSink
	Logger   *slog.Logger
}

type Server struct {
	db       database.Store
	address  string
	server   *http.Server
	editor   http.Handler
	recorder *recorder.Recorder
	player   *player.Player
	video    *capture.FileSink
	logger   *slog.Logger
}

func NewServer(db database.Store, address string, c Components) *Server {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return &Server{
		db:       db,
		address:  address,
		editor:   c.Editor,
		recorder: c.Recorder,
		player:   c.Player,
		video:    c.Video,
		logger:   c.Logger,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("[server] failed to write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxJSONSize))
	if err := decoder.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, bool) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "failed to read request body")
		}
		return nil, false
	}
	return data, true
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Write([]byte("ok"))
}

func (s *Server) requireRecorder(w http.ResponseWriter) bool {
	if s.recorder == nil {
		writeError(w, http.StatusServiceUnavailable, "recorder not available")
		return false
	}
	return true
}

func (s *Server) requirePlayer(w http.ResponseWriter) bool {
	if s.player == nil {
		writeError(w, http.StatusServiceUnavailable, "player not available")
		return false
	}
	return true
}

func (s *Server) handleRecorderStart(w http.ResponseWriter, r *http.Request) {
	if !s.requireRecorder(w) {
		return
	}
	var meta recorder.Meta
	if err := decodeJSON(r, &meta); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	if err := s.recorder.Start(context.WithoutCancel(r.Context()), meta); err != nil {
		if errors.Is(err, recorder.ErrNotIdle) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("[server] failed to start recording", "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to start recording")
		return
	}
	writeJSON(w, http.StatusAccepted, s.recorder.Status())
}

type stopResponse struct {
	ID         string             `json:"id"`
	Duration   int64              `json:"duration"`
	Operations []models.Operation `json:"operations"`
	Warnings   []string           `json:"warnings,omitempty"`
}

type saveFailure struct {
	Error   string                   `json:"error"`
	Session *models.RecordingSession `json:"session"`
}

func (s *Server) handleRecorderStop(w http.ResponseWriter, r *http.Request) {
	if !s.requireRecorder(w) {
		return
	}
	result, err := s.recorder.Stop()
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.saveRecording(w, r, result)
}

// handleRecorderSave retries persisting a stopped recording whose save failed.
func (s *Server) handleRecorderSave(w http.ResponseWriter, r *http.Request) {
	if !s.requireRecorder(w) {
		return
	}
	result := s.recorder.Pending()
	if result == nil {
		writeError(w, http.StatusConflict, "no unsaved recording")
		return
	}
	s.saveRecording(w, r, result)
}

// saveRecording persists result. On failure the recording stays pending on the
// recorder and is returned in the error body so it can be re-imported.
func (s *Server) saveRecording(w http.ResponseWriter, r *http.Request, result *recorder.Result) {
	id, err := s.db.SaveSession(r.Context(), result.Session, result.VideoPath)
	if err != nil {
		s.logger.Error("[server] failed to store recording", "err", err)
		writeJSON(w, http.StatusInternalServerError, saveFailure{
			Error:   "Failed to store recording",
			Session: result.Session,
		})
		return
	}
	s.recorder.Acknowledge()
	s.logger.Info("[server] recording stored", "id", id, "operations", len(result.Session.Operations))
	writeJSON(w, http.StatusOK, stopResponse{
		ID:         id,
		Duration:   result.Session.Duration,
		Operations: result.Session.Operations,
		Warnings:   result.Warnings,
	})
}

type commandRequest struct {
	Command string `json:"command"`
	Code    string `json:"code"`
}

func (s *Server) handleRecorderCommand(w http.ResponseWriter, r *http.Request) {
	if !s.requireRecorder(w) {
		return
	}
	var req commandRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	if err := s.recorder.SendCommand(req.Command, req.Code); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRecorderStatus(w http.ResponseWriter, _ *http.Request) {
	if !s.requireRecorder(w) {
		return
	}
	writeJSON(w, http.StatusOK, s.recorder.Status())
}

func (s *Server) handleRecorderVideo(w http.ResponseWriter, r *http.Request) {
	if s.video == nil {
		writeError(w, http.StatusServiceUnavailable, "screen capture not available")
		return
	}
	chunk, ok := readBody(w, r, maxChunkSize)
	if !ok {
		return
	}
	if _, err := s.video.Write(chunk); err != nil {
		if errors.Is(err, capture.ErrNotCapturing) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		// A broken capture degrades the recording but never stops it.
		if s.recorder != nil {
			s.recorder.Warn(fmt.Sprintf("screen capture chunk lost: %v", err))
		}
		writeError(w, http.StatusInternalServerError, "Failed to store video chunk")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type importResponse struct {
	ID         string        `json:"id"`
	Format     script.Format `json:"format"`
	Operations int           `json:"operations"`
}

func (s *Server) handleImportSession(w http.ResponseWriter, r *http.Request) {
	data, ok := readBody(w, r, maxImportSize)
	if !ok {
		return
	}
	session, format, err := script.Import(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.db.SaveSession(r.Context(), session, "")
	if err != nil {
		if errors.Is(err, database.ErrInvalidSession) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("[server] database error", "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to store recording")
		return
	}
	writeJSON(w, http.StatusCreated, importResponse{ID: id, Format: format, Operations: len(session.Operations)})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.db.ListSessions(r.Context())
	if err != nil {
		s.logger.Error("[server] database error", "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to list recordings")
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) loadSession(w http.ResponseWriter, r *http.Request) (*models.RecordingSession, bool) {
	session, err := s.db.GetSession(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	if err != nil {
		s.logger.Error("[server] database error", "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to load recording")
		return nil, false
	}
	return session, true
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	data, err := script.ToJSON(session)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleGetScript(w http.ResponseWriter, r *http.Request) {
	session, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, script.ToReplayScript(session))
}

func (s *Server) handleGetBundle(w http.ResponseWriter, r *http.Request) {
	session, ok := s.loadSession(w, r)
	if !ok {
		return
	}

	var video io.Reader
	if path, err := s.db.VideoPath(r.Context(), session.ID); err == nil && path != "" {
		f, err := os.Open(path)
		if err != nil {
			s.logger.Warn("[server] video missing from bundle", "path", path, "err", err)
		} else {
			defer f.Close()
			video = f
		}
	}

	var buf bytes.Buffer
	if err := script.WriteBundle(&buf, session, video); err != nil {
		s.logger.Error("[server] failed to build bundle", "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to build bundle")
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="recording-%s.zip"`, session.ID))
	w.Write(buf.Bytes())
}

func (s *Server) handlePlayerLoad(w http.ResponseWriter, r *http.Request) {
	if !s.requirePlayer(w) {
		return
	}
	id := mux.Vars(r)["id"]
	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	done := s.player.LoadAsync(ctx, player.SourceFunc(func(ctx context.Context) (*models.RecordingSession, error) {
		return s.db.GetSession(ctx, id)
	}))
	go func() {
		defer cancel()
		if err := <-done; err != nil && !errors.Is(err, player.ErrSuperseded) {
			s.logger.Warn("[server] player load failed", "id", id, "err", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, s.player.Status())
}

func (s *Server) handlePlayerImport(w http.ResponseWriter, r *http.Request) {
	if !s.requirePlayer(w) {
		return
	}
	data, ok := readBody(w, r, maxImportSize)
	if !ok {
		return
	}
	if _, err := s.player.Import(data); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.player.Status())
}

func (s *Server) handlePlayerTransition(fn func(*player.Player) error) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if !s.requirePlayer(w) {
			return
		}
		if err := fn(s.player); err != nil {
			if errors.Is(err, player.ErrNotLoaded) {
				writeError(w, http.StatusConflict, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, s.player.Status())
	}
}

type timeUpdate struct {
	CurrentTime *float64 `json:"currentTime"`
}

func (s *Server) handlePlayerTimeUpdate(w http.ResponseWriter, r *http.Request) {
	if !s.requirePlayer(w) {
		return
	}
	var req timeUpdate
	if err := decodeJSON(r, &req); err != nil || req.CurrentTime == nil {
		writeError(w, http.StatusBadRequest, "currentTime is required")
		return
	}
	n := s.player.OnTimeUpdate(*req.CurrentTime)
	writeJSON(w, http.StatusOK, map[string]int{"dispatched": n})
}

func (s *Server) handlePlayerStatus(w http.ResponseWriter, _ *http.Request) {
	if !s.requirePlayer(w) {
		return
	}
	writeJSON(w, http.StatusOK, s.player.Status())
}

func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	if s.editor != nil {
		router.Handle("/editor/ws", s.editor).Methods(http.MethodGet)
	}

	rec := router.PathPrefix("/recorder").Subrouter()
	rec.HandleFunc("/start", s.handleRecorderStart).Methods(http.MethodPost)
	rec.HandleFunc("/stop", s.handleRecorderStop).Methods(http.MethodPost)
	rec.HandleFunc("/save", s.handleRecorderSave).Methods(http.MethodPost)
	rec.HandleFunc("/command", s.handleRecorderCommand).Methods(http.MethodPost)
	rec.HandleFunc("/status", s.handleRecorderStatus).Methods(http.MethodGet)
	rec.HandleFunc("/video", s.handleRecorderVideo).Methods(http.MethodPost)

	sessions := router.PathPrefix("/sessions").Subrouter()
	sessions.HandleFunc("", s.handleImportSession).Methods(http.MethodPost)
	sessions.HandleFunc("", s.handleListSessions).Methods(http.MethodGet)
	sessions.HandleFunc("/{id}", s.handleGetSession).Methods(http.MethodGet)
	sessions.HandleFunc("/{id}/script", s.handleGetScript).Methods(http.MethodGet)
	sessions.HandleFunc("/{id}/bundle", s.handleGetBundle).Methods(http.MethodGet)

	play := router.PathPrefix("/player").Subrouter()
	play.HandleFunc("/load/{id}", s.handlePlayerLoad).Methods(http.MethodPost)
	play.HandleFunc("/import", s.handlePlayerImport).Methods(http.MethodPost)
	play.HandleFunc("/play", s.handlePlayerTransition(func(p *player.Player) error { return p.Play() })).Methods(http.MethodPost)
	play.HandleFunc("/pause", s.handlePlayerTransition(func(p *player.Player) error { p.Pause(); return nil })).Methods(http.MethodPost)
	play.HandleFunc("/stop", s.handlePlayerTransition(func(p *player.Player) error { p.Stop(); return nil })).Methods(http.MethodPost)
	play.HandleFunc("/reset", s.handlePlayerTransition(func(p *player.Player) error { p.Reset(); return nil })).Methods(http.MethodPost)
	play.HandleFunc("/timeupdate", s.handlePlayerTimeUpdate).Methods(http.MethodPost)
	play.HandleFunc("/status", s.handlePlayerStatus).Methods(http.MethodGet)

	return router
}

// Handler exposes the routes without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

func (s *Server) Start() error {
	router := s.setupRoutes()
	s.server = &http.Server{
		Addr:         s.address,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	// Graceful shutdown
	shutdownChannel := make(chan os.Signal, 1)
	signal.Notify(shutdownChannel, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(shutdownChannel)

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("[server] BlockReplay agent listening", "address", s.address)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server failed to start: %w", err)
	case <-shutdownChannel:
	}
	s.logger.Info("[server] shutting down")

	shutdownContext, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownContext); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	s.logger.Info("[server] exited")
	return nil
}
