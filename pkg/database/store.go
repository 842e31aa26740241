package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/fathomlabs/fathom/pkg/models"
)

// slowQueryThreshold flags store operations worth a warning.
const slowQueryThreshold = 1000 * time.Millisecond

// maxOpIdentifier bounds the operation identifier in slow-query warnings.
const maxOpIdentifier = 64

// Store is the persistence adapter for sessions, phases, reports, and error
// logs. Every statement is parameterized; no SQL is ever concatenated from
// caller input.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a store over an open connection pool.
func NewStore(db *sqlx.DB) *Store {
	return &Store{
		db:     db,
		logger: slog.With("component", "store"),
	}
}

// observe logs operations exceeding the slow-query threshold.
// Call as: defer s.observe("OpName", time.Now()).
func (s *Store) observe(op string, start time.Time) {
	if elapsed := time.Since(start); elapsed > slowQueryThreshold {
		if len(op) > maxOpIdentifier {
			op = op[:maxOpIdentifier]
		}
		s.logger.Warn("Slow query", "op", op, "elapsed_ms", elapsed.Milliseconds())
	}
}

// CreateSession inserts a new session in status running and returns its id.
func (s *Store) CreateSession(ctx context.Context, query string, mode models.Mode) (string, error) {
	defer s.observe("CreateSession", time.Now())

	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, query, mode, status) VALUES ($1, $2, $3, $4)`,
		id, query, mode, models.StatusRunning)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

// AppendPhase records one completed pipeline phase for a session. Phases are
// append-only; insertion order is preserved by the seq column.
func (s *Store) AppendPhase(ctx context.Context, sessionID, name string, durationMs, tokensUsed int64, metadata models.JSONMap) error {
	defer s.observe("AppendPhase", time.Now())

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO phases (id, session_id, name, duration_ms, tokens_used, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.NewString(), sessionID, name, durationMs, tokensUsed, metadata)
	if err != nil {
		return fmt.Errorf("append phase %q: %w", name, err)
	}
	return nil
}

// WriteReport stores the final report for a session. Idempotent per session:
// a second write for the same session is a no-op (the first report wins).
func (s *Store) WriteReport(ctx context.Context, sessionID, content string, citations []models.Citation) error {
	defer s.observe("WriteReport", time.Now())

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reports (id, session_id, content, citations)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (session_id) DO NOTHING`,
		uuid.NewString(), sessionID, content, models.Citations(citations))
	if err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// CompleteSession transitions a running session to completed with its
// aggregate telemetry. The status guard keeps terminal states final; a
// session that is not running (or no longer exists) yields ErrNotFound.
func (s *Store) CompleteSession(ctx context.Context, sessionID string, totalLatencyMs, totalTokens int64) error {
	defer s.observe("CompleteSession", time.Now())

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = $2, total_latency_ms = $3, total_tokens = $4
		 WHERE id = $1 AND status = $5`,
		sessionID, models.StatusCompleted, totalLatencyMs, totalTokens, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	return requireRow(res, "complete session")
}

// FailSession transitions a running session to failed.
func (s *Store) FailSession(ctx context.Context, sessionID string) error {
	defer s.observe("FailSession", time.Now())

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = $2 WHERE id = $1 AND status = $3`,
		sessionID, models.StatusFailed, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("fail session: %w", err)
	}
	return requireRow(res, "fail session")
}

// GetSessionWithReport fetches a session joined with its at-most-one report.
// The report is nil when none has been written. Returns ErrNotFound for an
// unknown session id.
func (s *Store) GetSessionWithReport(ctx context.Context, sessionID string) (*models.Session, *models.Report, error) {
	defer s.observe("GetSessionWithReport", time.Now())

	row := s.db.QueryRowxContext(ctx,
		`SELECT s.id, s.user_id, s.query, s.mode, s.status,
		        s.total_latency_ms, s.total_tokens, s.created_at,
		        r.id, r.content, r.citations, r.created_at
		 FROM sessions s
		 LEFT JOIN reports r ON r.session_id = s.id
		 WHERE s.id = $1`,
		sessionID)

	var (
		sess            models.Session
		userID          sql.NullString
		totalLatencyMs  sql.NullInt64
		totalTokens     sql.NullInt64
		reportID        sql.NullString
		reportContent   sql.NullString
		reportCitations models.Citations
		reportCreatedAt sql.NullTime
	)
	err := row.Scan(
		&sess.ID, &userID, &sess.Query, &sess.Mode, &sess.Status,
		&totalLatencyMs, &totalTokens, &sess.CreatedAt,
		&reportID, &reportContent, &reportCitations, &reportCreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get session: %w", err)
	}

	if userID.Valid {
		sess.UserID = &userID.String
	}
	if totalLatencyMs.Valid {
		sess.TotalLatencyMs = &totalLatencyMs.Int64
	}
	if totalTokens.Valid {
		sess.TotalTokens = &totalTokens.Int64
	}

	if !reportID.Valid {
		return &sess, nil, nil
	}
	report := &models.Report{
		ID:        reportID.String,
		SessionID: sess.ID,
		Content:   reportContent.String,
		Citations: reportCitations,
		CreatedAt: reportCreatedAt.Time,
	}
	return &sess, report, nil
}

// ListPhases returns a session's phases in insertion order.
func (s *Store) ListPhases(ctx context.Context, sessionID string) ([]models.Phase, error) {
	defer s.observe("ListPhases", time.Now())

	phases := []models.Phase{}
	err := s.db.SelectContext(ctx, &phases,
		`SELECT id, session_id, name, duration_ms, tokens_used, metadata, created_at
		 FROM phases
		 WHERE session_id = $1
		 ORDER BY seq ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("list phases: %w", err)
	}
	return phases, nil
}

// ListHistory returns the newest-first compact session listing for the
// history endpoint. Callers clamp limit and offset before calling.
func (s *Store) ListHistory(ctx context.Context, limit, offset int) ([]models.HistoryItem, error) {
	defer s.observe("ListHistory", time.Now())

	items := []models.HistoryItem{}
	err := s.db.SelectContext(ctx, &items,
		`SELECT id, query, mode, status, total_latency_ms, total_tokens, created_at
		 FROM sessions
		 ORDER BY created_at DESC
		 LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return items, nil
}

// CountHistory returns the total number of sessions.
func (s *Store) CountHistory(ctx context.Context) (int, error) {
	defer s.observe("CountHistory", time.Now())

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM sessions`); err != nil {
		return 0, fmt.Errorf("count history: %w", err)
	}
	return total, nil
}

// DeleteSession removes a session; phases and report cascade, error logs keep
// their rows with session_id nulled. Reports whether a row was deleted.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	defer s.observe("DeleteSession", time.Now())

	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	return n > 0, nil
}

// LogError appends an error entry. Best-effort: failures are logged, never
// returned, so error logging can never mask or abort the original failure.
// sessionID may be nil for errors with no owning session.
func (s *Store) LogError(ctx context.Context, sessionID *string, message, stack string) {
	defer s.observe("LogError", time.Now())

	var stackArg any
	if stack != "" {
		stackArg = stack
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO error_logs (id, session_id, message, stack) VALUES ($1, $2, $3, $4)`,
		uuid.NewString(), sessionID, message, stackArg)
	if err != nil {
		s.logger.Error("Failed to write error log", "error", err, "message", message)
	}
}

// LatestErrorMessage returns the most recent error message recorded for a
// session, or "" when none exists. Used to replay the failure cause to
// stream connections against already-failed sessions.
func (s *Store) LatestErrorMessage(ctx context.Context, sessionID string) (string, error) {
	defer s.observe("LatestErrorMessage", time.Now())

	var message string
	err := s.db.GetContext(ctx, &message,
		`SELECT message FROM error_logs WHERE session_id = $1 ORDER BY created_at DESC LIMIT 1`,
		sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("latest error message: %w", err)
	}
	return message, nil
}

// requireRow maps a zero-row guarded update to ErrNotFound.
func requireRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
