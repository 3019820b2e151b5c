package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	core "github.com/marketbrief/marketbrief/internal/agent/core"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps the Postgres database used for users, persisted brief runs
// and their traces, and standing schedules.
type Store struct {
	DB *sql.DB
}

// NewWithDSN opens and pings a Postgres connection.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

// CreateUser inserts a user with a bcrypt password hash.
func (s *Store) CreateUser(ctx context.Context, email, passwordHash string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, created_at) VALUES ($1, $2, $3, now())`,
		uuid.NewString(), email, passwordHash)
	return err
}

// IsUniqueViolation reports whether err is a duplicate-key error.
func IsUniqueViolation(err error) bool {
	var pgErr *pq.Error
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// GetUserByEmail returns the user id and password hash for an email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (string, string, error) {
	var id, hash string
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, password_hash FROM users WHERE email = $1`, email).Scan(&id, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrNotFound
	}
	return id, hash, err
}

// BriefSummary is the listing view of a persisted run.
type BriefSummary struct {
	ID           string    `json:"id"`
	Query        string    `json:"query"`
	Status       string    `json:"status"`
	ContextItems int       `json:"context_items"`
	CreatedAt    time.Time `json:"created_at"`
}

// SaveBrief persists a terminal brief result together with its run trace.
func (s *Store) SaveBrief(ctx context.Context, result core.BriefResult, trace core.RunTrace) error {
	traceJSON, err := json.Marshal(trace)
	if err != nil {
		return fmt.Errorf("marshalling trace: %w", err)
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshalling result: %w", err)
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO briefs (id, query, mode, status, context_items, result, trace, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, result = EXCLUDED.result, trace = EXCLUDED.trace`,
		result.ID, result.Query, trace.Mode, string(result.Status), result.ContextSize, resultJSON, traceJSON, result.CreatedAt)
	return err
}

// GetBrief returns a persisted brief result by id.
func (s *Store) GetBrief(ctx context.Context, id string) (core.BriefResult, error) {
	var raw []byte
	err := s.DB.QueryRowContext(ctx, `SELECT result FROM briefs WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return core.BriefResult{}, ErrNotFound
	}
	if err != nil {
		return core.BriefResult{}, err
	}
	var result core.BriefResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return core.BriefResult{}, fmt.Errorf("unmarshalling result: %w", err)
	}
	return result, nil
}

// GetTrace returns the run trace persisted for a brief.
func (s *Store) GetTrace(ctx context.Context, id string) (core.RunTrace, error) {
	var raw []byte
	err := s.DB.QueryRowContext(ctx, `SELECT trace FROM briefs WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return core.RunTrace{}, ErrNotFound
	}
	if err != nil {
		return core.RunTrace{}, err
	}
	var trace core.RunTrace
	if err := json.Unmarshal(raw, &trace); err != nil {
		return core.RunTrace{}, fmt.Errorf("unmarshalling trace: %w", err)
	}
	return trace, nil
}

// ListBriefs returns the most recent persisted runs.
func (s *Store) ListBriefs(ctx context.Context, limit int) ([]BriefSummary, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, query, status, context_items, created_at FROM briefs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BriefSummary
	for rows.Next() {
		var b BriefSummary
		if err := rows.Scan(&b.ID, &b.Query, &b.Status, &b.ContextItems, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Schedule is a standing brief query run on a cron spec.
type Schedule struct {
	ID        string     `json:"id"`
	Query     string     `json:"query"`
	CronSpec  string     `json:"cron_spec"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// CreateSchedule registers a standing query.
func (s *Store) CreateSchedule(ctx context.Context, query, cronSpec string) (string, error) {
	id := uuid.NewString()
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO schedules (id, query, cron_spec, created_at) VALUES ($1, $2, $3, now())`,
		id, query, cronSpec)
	return id, err
}

// ListSchedules returns all standing queries.
func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, query, cron_spec, last_run_at, created_at FROM schedules ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Schedule
	for rows.Next() {
		var sc Schedule
		var last sql.NullTime
		if err := rows.Scan(&sc.ID, &sc.Query, &sc.CronSpec, &last, &sc.CreatedAt); err != nil {
			return nil, err
		}
		if last.Valid {
			t := last.Time
			sc.LastRunAt = &t
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// DeleteSchedule removes a standing query.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchSchedule records that a schedule just ran.
func (s *Store) TouchSchedule(ctx context.Context, id string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE schedules SET last_run_at = $2 WHERE id = $1`, id, at)
	return err
}
