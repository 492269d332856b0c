package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Leoris0/MusicProject/internal/storage/models"
	"github.com/Leoris0/MusicProject/pkg/logger"
)

var ErrNotFound = errors.New("record not found")

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping() error {
	return c.db.Ping()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		session_id TEXT,
		query TEXT NOT NULL,
		intent TEXT,
		response TEXT,
		model_calls INTEGER DEFAULT 0,
		tool_calls INTEGER DEFAULT 0,
		iteration_limit_hit INTEGER DEFAULT 0,
		status TEXT NOT NULL,
		error TEXT,
		latency_ms INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_created ON conversations(created_at);
	CREATE INDEX IF NOT EXISTS idx_conversations_session ON conversations(session_id);

	CREATE TABLE IF NOT EXISTS media_jobs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		params TEXT,
		output_path TEXT,
		error TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		completed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_kind ON media_jobs(kind);
	CREATE INDEX IF NOT EXISTS idx_jobs_created ON media_jobs(created_at);
	`

	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (c *Client) InsertConversation(conv *models.Conversation) error {
	query := `
		INSERT INTO conversations (id, session_id, query, intent, response, model_calls, tool_calls,
			iteration_limit_hit, status, error, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.Exec(
		query,
		conv.ID,
		conv.SessionID,
		conv.Query,
		conv.Intent,
		conv.Response,
		conv.ModelCalls,
		conv.ToolCalls,
		boolInt(conv.IterationLimitHit),
		conv.Status,
		conv.Error,
		conv.LatencyMS,
		conv.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert conversation: %w", err)
	}

	logger.Debug("Conversation recorded",
		zap.String("conversation_id", conv.ID),
		zap.String("intent", conv.Intent),
		zap.String("status", conv.Status),
	)
	return nil
}

// GetRecentConversations returns newest first.
func (c *Client) GetRecentConversations(limit int) ([]models.Conversation, error) {
	query := `
		SELECT id, session_id, query, intent, response, model_calls, tool_calls,
			iteration_limit_hit, status, error, latency_ms, created_at
		FROM conversations
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`

	rows, err := c.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversations: %w", err)
	}
	defer rows.Close()

	records := make([]models.Conversation, 0, limit)
	for rows.Next() {
		var r models.Conversation
		var limitHit int
		var createdAt int64
		var session, intent, response, errText sql.NullString

		err := rows.Scan(&r.ID, &session, &r.Query, &intent, &response, &r.ModelCalls, &r.ToolCalls,
			&limitHit, &r.Status, &errText, &r.LatencyMS, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		r.SessionID = session.String
		r.Intent = intent.String
		r.Response = response.String
		r.Error = errText.String
		r.IterationLimitHit = limitHit == 1
		r.CreatedAt = time.UnixMilli(createdAt)
		records = append(records, r)
	}

	return records, rows.Err()
}

func (c *Client) InsertJob(job *models.MediaJob) error {
	query := `
		INSERT INTO media_jobs (id, kind, status, params, output_path, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.Exec(
		query,
		job.ID,
		string(job.Kind),
		string(job.Status),
		job.Params,
		job.OutputPath,
		job.Error,
		job.CreatedAt.UnixMilli(),
		job.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	logger.Debug("Job recorded", zap.String("job_id", job.ID), zap.String("kind", string(job.Kind)))
	return nil
}

// FinishJob records the terminal status of a job.
func (c *Client) FinishJob(id string, status models.JobStatus, outputPath, errText string, at time.Time) error {
	query := `
		UPDATE media_jobs
		SET status = ?, output_path = ?, error = ?, updated_at = ?, completed_at = ?
		WHERE id = ?
	`

	res, err := c.db.Exec(query, string(status), outputPath, errText, at.UnixMilli(), at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

const jobColumns = `id, kind, status, params, output_path, error, created_at, updated_at, completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*models.MediaJob, error) {
	var job models.MediaJob
	var kind, status string
	var params, output, errText sql.NullString
	var createdAt, updatedAt int64
	var completedAt sql.NullInt64

	if err := s.Scan(&job.ID, &kind, &status, &params, &output, &errText, &createdAt, &updatedAt, &completedAt); err != nil {
		return nil, err
	}

	job.Kind = models.JobKind(kind)
	job.Status = models.JobStatus(status)
	job.Params = params.String
	job.OutputPath = output.String
	job.Error = errText.String
	job.CreatedAt = time.UnixMilli(createdAt)
	job.UpdatedAt = time.UnixMilli(updatedAt)
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64)
		job.CompletedAt = &t
	}
	return &job, nil
}

func (c *Client) GetJob(id string) (*models.MediaJob, error) {
	row := c.db.QueryRow(`SELECT `+jobColumns+` FROM media_jobs WHERE id = ?`, id)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobs returns newest first; an empty kind lists every kind.
func (c *Client) ListJobs(kind models.JobKind, limit int) ([]models.MediaJob, error) {
	query := `SELECT ` + jobColumns + ` FROM media_jobs`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := c.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]models.MediaJob, 0, limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		jobs = append(jobs, *job)
	}

	return jobs, rows.Err()
}
