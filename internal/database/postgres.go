package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vincentbai/blockreplay-agent/internal/models"
)

// PostgresStore is the Store used when DATABASE_URL is set.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	if err := createPostgresTables(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func createPostgresTables(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS sessions(
	  id           UUID        PRIMARY KEY,
	  lesson_title TEXT        NOT NULL,
	  course_id    TEXT        NOT NULL,
	  recorded_at  TIMESTAMPTZ NOT NULL,
	  duration     BIGINT      NOT NULL CHECK (duration >= 0),
	  video_path   TEXT
	);
	CREATE TABLE IF NOT EXISTS operations(
	  id         BIGSERIAL        PRIMARY KEY,
	  session_id UUID             NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	  seq        INTEGER          NOT NULL,
	  ts         DOUBLE PRECISION NOT NULL CHECK (ts >= 0),
	  type       TEXT             NOT NULL,
	  data       JSONB            NOT NULL,
	  UNIQUE (session_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_recorded ON sessions(recorded_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to create database tables: %w", err)
	}
	return nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresStore) SaveSession(ctx context.Context, s *models.RecordingSession, videoPath string) (string, error) {
	ops, err := validateSession(s)
	if err != nil {
		return "", err
	}

	id := uuid.New()
	recordedAt := s.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}

	rows := make([][]any, len(ops))
	for i, op := range ops {
		data, err := json.Marshal(op)
		if err != nil {
			return "", fmt.Errorf("failed to marshal operation: %w", err)
		}
		rows[i] = []any{id, i, op.Timestamp, string(op.Kind), data}
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var video *string
	if videoPath != "" {
		video = &videoPath
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO sessions(id, lesson_title, course_id, recorded_at, duration, video_path) VALUES($1,$2,$3,$4,$5,$6)`,
		id, s.LessonTitle, s.CourseID, recordedAt, s.Duration, video,
	); err != nil {
		return "", fmt.Errorf("failed to insert session: %w", err)
	}
	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"operations"},
		[]string{"session_id", "seq", "ts", "type", "data"},
		pgx.CopyFromRows(rows),
	); err != nil {
		return "", fmt.Errorf("failed to copy operations: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}
	return id.String(), nil
}

func (p *PostgresStore) GetSession(ctx context.Context, id string) (*models.RecordingSession, error) {
	sessionID, err := uuid.Parse(id)
	if err != nil {
		return nil, ErrNotFound
	}

	s := &models.RecordingSession{ID: id}
	err = p.pool.QueryRow(ctx,
		`SELECT lesson_title, course_id, recorded_at, duration FROM sessions WHERE id = $1`, sessionID,
	).Scan(&s.LessonTitle, &s.CourseID, &s.RecordedAt, &s.Duration)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	s.RecordedAt = s.RecordedAt.UTC()

	rows, err := p.pool.Query(ctx, `SELECT data FROM operations WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	ops, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Operation, error) {
		var data []byte
		if err := row.Scan(&data); err != nil {
			return models.Operation{}, err
		}
		var op models.Operation
		err := json.Unmarshal(data, &op)
		return op, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read operations: %w", err)
	}
	if ops == nil {
		ops = []models.Operation{}
	}
	s.Operations = ops
	return s, nil
}

func (p *PostgresStore) ListSessions(ctx context.Context) ([]SessionSummary, error) {
	rows, err := p.pool.Query(ctx, `
	SELECT s.id::text, s.lesson_title, s.course_id, s.recorded_at, s.duration,
	       COALESCE(s.video_path, '') <> '',
	       (SELECT COUNT(*) FROM operations o WHERE o.session_id = s.id)::int
	FROM sessions s
	ORDER BY s.recorded_at DESC, s.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	summaries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SessionSummary, error) {
		var sum SessionSummary
		err := row.Scan(&sum.ID, &sum.LessonTitle, &sum.CourseID, &sum.RecordedAt, &sum.Duration, &sum.HasVideo, &sum.Operations)
		sum.RecordedAt = sum.RecordedAt.UTC()
		return sum, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions: %w", err)
	}
	if summaries == nil {
		summaries = []SessionSummary{}
	}
	return summaries, nil
}

func (p *PostgresStore) VideoPath(ctx context.Context, id string) (string, error) {
	sessionID, err := uuid.Parse(id)
	if err != nil {
		return "", ErrNotFound
	}
	var videoPath *string
	err = p.pool.QueryRow(ctx, `SELECT video_path FROM sessions WHERE id = $1`, sessionID).Scan(&videoPath)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to query session: %w", err)
	}
	if videoPath == nil {
		return "", nil
	}
	return *videoPath, nil
}
