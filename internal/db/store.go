package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/deep-research/internal/circuitbreaker"
	"github.com/Kocoro-lab/deep-research/internal/evidence"
)

// ErrSessionNotFound is returned when no stored session has the given id.
var ErrSessionNotFound = errors.New("research session not found")

const (
	createTablePostgres = `CREATE TABLE IF NOT EXISTS research_sessions (
	id TEXT PRIMARY KEY,
	task TEXT NOT NULL,
	report_content TEXT NOT NULL,
	notes_json TEXT NOT NULL DEFAULT '[]',
	created_at TIMESTAMPTZ NOT NULL
)`
	createTableSQLite = `CREATE TABLE IF NOT EXISTS research_sessions (
	id TEXT PRIMARY KEY,
	task TEXT NOT NULL,
	report_content TEXT NOT NULL,
	notes_json TEXT NOT NULL DEFAULT '[]',
	created_at TIMESTAMP NOT NULL
)`
	createIndex = `CREATE INDEX IF NOT EXISTS idx_research_sessions_created_at ON research_sessions (created_at)`
)

// SessionRecord is a completed research session.
type SessionRecord struct {
	ID            string    `db:"id" json:"id"`
	Task          string    `db:"task" json:"task"`
	ReportContent string    `db:"report_content" json:"report_content"`
	NotesJSON     string    `db:"notes_json" json:"-"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// Notes decodes the stored note previews. Malformed JSON yields no notes.
func (r *SessionRecord) Notes() []evidence.Preview {
	if r.NotesJSON == "" {
		return []evidence.Preview{}
	}
	var notes []evidence.Preview
	if err := json.Unmarshal([]byte(r.NotesJSON), &notes); err != nil || notes == nil {
		return []evidence.Preview{}
	}
	return notes
}

// SessionSummary is a history list entry.
type SessionSummary struct {
	ID        string    `db:"id" json:"id"`
	Task      string    `db:"task" json:"task"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Store persists completed sessions in the research_sessions table.
type Store struct {
	db     *circuitbreaker.DatabaseWrapper
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

// NewStore creates a store over db.
func NewStore(db *circuitbreaker.DatabaseWrapper, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.New().String() },
	}
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	ddl := createTableSQLite
	if s.db.DriverName() == DriverPostgres {
		ddl = createTablePostgres
	}
	for _, stmt := range []string{ddl, createIndex} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate research_sessions: %w", err)
		}
	}
	return nil
}

// Save stores a completed session and returns its record id.
func (s *Store) Save(ctx context.Context, task, report string, notes []evidence.Preview) (string, error) {
	if notes == nil {
		notes = []evidence.Preview{}
	}
	notesJSON, err := json.Marshal(notes)
	if err != nil {
		return "", fmt.Errorf("marshal notes: %w", err)
	}
	rec := SessionRecord{
		ID:            s.newID(),
		Task:          task,
		ReportContent: report,
		NotesJSON:     string(notesJSON),
		CreatedAt:     s.now(),
	}
	query := s.db.Rebind(`INSERT INTO research_sessions (id, task, report_content, notes_json, created_at) VALUES (?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, rec.ID, rec.Task, rec.ReportContent, rec.NotesJSON, rec.CreatedAt); err != nil {
		return "", fmt.Errorf("insert research session: %w", err)
	}
	s.logger.Debug("Research session saved", zap.String("record_id", rec.ID), zap.Int("notes", len(notes)))
	return rec.ID, nil
}

// List returns sessions newest first. limit <= 0 returns all.
func (s *Store) List(ctx context.Context, limit, offset int) ([]SessionSummary, error) {
	query := `SELECT id, task, created_at FROM research_sessions ORDER BY created_at DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}
	out := []SessionSummary{}
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list research sessions: %w", err)
	}
	return out, nil
}

// Get loads one session.
func (s *Store) Get(ctx context.Context, id string) (*SessionRecord, error) {
	var rec SessionRecord
	query := s.db.Rebind(`SELECT id, task, report_content, notes_json, created_at FROM research_sessions WHERE id = ?`)
	if err := s.db.GetContext(ctx, &rec, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get research session: %w", err)
	}
	return &rec, nil
}

// Delete removes one session.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM research_sessions WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete research session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete research session: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}
