package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vincentbai/blockreplay-agent/internal/models"
	_ "modernc.org/sqlite" // CGO-free SQLite
)

// Database is the default Store, backed by a local SQLite file.
type Database struct {
	db *sql.DB
}

var _ Store = (*Database)(nil)

func NewDatabase(databasePath string) (*Database, error) {
	// WAL + busy timeout to avoid "database is locked"
	db, err := sql.Open("sqlite", databasePath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions(
	  id              TEXT    PRIMARY KEY,
	  lesson_title    TEXT    NOT NULL,
	  course_id       TEXT    NOT NULL,
	  recorded_at_utc INTEGER NOT NULL,
	  recorded_at_iso TEXT    NOT NULL,
	  duration        INTEGER NOT NULL CHECK (duration >= 0),
	  video_path      TEXT
	);
	CREATE TABLE IF NOT EXISTS operations(
	  id         INTEGER PRIMARY KEY,
	  session_id TEXT    NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	  seq        INTEGER NOT NULL,
	  ts         REAL    NOT NULL CHECK (ts >= 0),
	  type       TEXT    NOT NULL CHECK (type IN ('create','move','change','delete','command','recordStart','recordStop','load')),
	  data_json  TEXT    NOT NULL CHECK (json_valid(data_json))
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_recorded ON sessions(recorded_at_utc);
	CREATE INDEX IF NOT EXISTS idx_sessions_course   ON sessions(course_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_operations_seq ON operations(session_id, seq);
	`)
	if err != nil {
		return fmt.Errorf("failed to create database tables: %w", err)
	}
	return nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) SaveSession(ctx context.Context, s *models.RecordingSession, videoPath string) (string, error) {
	ops, err := validateSession(s)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	recordedAt := s.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}
	recordedAt = recordedAt.UTC()

	transaction, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	if _, err := transaction.ExecContext(ctx,
		`INSERT INTO sessions(id, lesson_title, course_id, recorded_at_utc, recorded_at_iso, duration, video_path) VALUES(?,?,?,?,?,?,?)`,
		id, s.LessonTitle, s.CourseID, recordedAt.UnixMilli(), recordedAt.Format(time.RFC3339Nano), s.Duration, nullString(videoPath),
	); err != nil {
		_ = transaction.Rollback()
		return "", fmt.Errorf("failed to insert session: %w", err)
	}

	statement, err := transaction.PrepareContext(ctx, `INSERT INTO operations(session_id, seq, ts, type, data_json) VALUES(?,?,?,?,json(?))`)
	if err != nil {
		_ = transaction.Rollback()
		return "", fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer statement.Close()

	for i, op := range ops {
		jsonData, err := json.Marshal(op)
		if err != nil {
			_ = transaction.Rollback()
			return "", fmt.Errorf("failed to marshal operation: %w", err)
		}
		if _, err := statement.ExecContext(ctx, id, i, op.Timestamp, string(op.Kind), string(jsonData)); err != nil {
			_ = transaction.Rollback()
			return "", fmt.Errorf("failed to execute statement: %w", err)
		}
	}
	if err := transaction.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}
	return id, nil
}

func (d *Database) GetSession(ctx context.Context, id string) (*models.RecordingSession, error) {
	s := &models.RecordingSession{ID: id}
	var recordedAt int64
	err := d.db.QueryRowContext(ctx,
		`SELECT lesson_title, course_id, recorded_at_utc, duration FROM sessions WHERE id = ?`, id,
	).Scan(&s.LessonTitle, &s.CourseID, &recordedAt, &s.Duration)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	s.RecordedAt = time.UnixMilli(recordedAt).UTC()

	rows, err := d.db.QueryContext(ctx, `SELECT data_json FROM operations WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()

	s.Operations = []models.Operation{}
	for rows.Next() {
		var dataJSON string
		if err := rows.Scan(&dataJSON); err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		var op models.Operation
		if err := json.Unmarshal([]byte(dataJSON), &op); err != nil {
			return nil, fmt.Errorf("failed to unmarshal operation: %w", err)
		}
		s.Operations = append(s.Operations, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read operations: %w", err)
	}
	return s, nil
}

func (d *Database) ListSessions(ctx context.Context) ([]SessionSummary, error) {
	rows, err := d.db.QueryContext(ctx, `
	SELECT s.id, s.lesson_title, s.course_id, s.recorded_at_utc, s.duration, s.video_path,
	       (SELECT COUNT(*) FROM operations o WHERE o.session_id = s.id)
	FROM sessions s
	ORDER BY s.recorded_at_utc DESC, s.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	summaries := []SessionSummary{}
	for rows.Next() {
		var (
			sum        SessionSummary
			recordedAt int64
			videoPath  sql.NullString
		)
		if err := rows.Scan(&sum.ID, &sum.LessonTitle, &sum.CourseID, &recordedAt, &sum.Duration, &videoPath, &sum.Operations); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sum.RecordedAt = time.UnixMilli(recordedAt).UTC()
		sum.HasVideo = videoPath.Valid && videoPath.String != ""
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read sessions: %w", err)
	}
	return summaries, nil
}

func (d *Database) VideoPath(ctx context.Context, id string) (string, error) {
	var videoPath sql.NullString
	err := d.db.QueryRowContext(ctx, `SELECT video_path FROM sessions WHERE id = ?`, id).Scan(&videoPath)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to query session: %w", err)
	}
	return videoPath.String, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
