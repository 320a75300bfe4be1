package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/gradebook/internal/platform/timeouts"
	"github.com/louisbranch/gradebook/internal/services/grading/domain/event"
	"github.com/louisbranch/gradebook/internal/services/grading/storage"
)

const (
	outboxDeadLetterThreshold = 8
	outboxMaxBackoff          = 5 * time.Minute
)

// outboxRetryBackoff doubles from one second per attempt, capped at five minutes.
func outboxRetryBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 10 {
		return outboxMaxBackoff
	}
	backoff := time.Second << (attempt - 1)
	if backoff > outboxMaxBackoff {
		return outboxMaxBackoff
	}
	return backoff
}

func (s *Store) enqueueHandlerOutbox(ctx context.Context, tx *sql.Tx, evt event.Event) error {
	now := s.clock()
	_, err := tx.ExecContext(ctx,
		`INSERT INTO handler_outbox (seq, event_type, status, attempt_count, next_attempt_at, last_error, updated_at)
		 VALUES (?, ?, 'pending', 0, ?, '', ?)
		 ON CONFLICT(seq) DO NOTHING`,
		int64(evt.Seq),
		string(evt.Type),
		toMillis(now.Add(s.outboxHold)),
		toMillis(now),
	)
	return err
}

type outboxClaim struct {
	Seq          uint64
	AttemptCount int
}

// ProcessHandlerOutbox claims due rows, delivers their events through
// deliver, deletes delivered rows and schedules retries for the rest. Rows
// still failing after eight attempts move to dead.
func (s *Store) ProcessHandlerOutbox(ctx context.Context, now time.Time, limit int, deliver storage.DeliverFunc) (storage.OutboxPass, error) {
	var pass storage.OutboxPass
	if err := s.ready(ctx); err != nil {
		return pass, err
	}
	if deliver == nil {
		return pass, errors.New("deliver callback is required")
	}
	if limit <= 0 {
		return pass, nil
	}
	if now.IsZero() {
		now = s.clock()
	}

	claims, err := s.claimDueOutboxRows(ctx, now, limit)
	if err != nil {
		if isBusyError(err) {
			return pass, nil
		}
		return pass, err
	}
	pass.Claimed = len(claims)

	for _, claim := range claims {
		evt, err := s.GetEventBySeq(ctx, claim.Seq)
		if err == nil {
			err = deliver(ctx, evt)
		} else {
			err = fmt.Errorf("load event: %w", err)
		}
		if err == nil {
			if err := s.deleteOutboxRow(ctx, claim.Seq, storage.OutboxProcessing); err != nil {
				return pass, err
			}
			pass.Delivered++
			continue
		}

		attempt := claim.AttemptCount + 1
		dead, markErr := s.markOutboxRetry(ctx, claim.Seq, now, attempt, err.Error())
		if markErr != nil {
			return pass, markErr
		}
		if dead {
			pass.Dead++
		} else {
			pass.Retried++
		}
	}
	return pass, nil
}

func (s *Store) claimDueOutboxRows(ctx context.Context, now time.Time, limit int) ([]outboxClaim, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin outbox claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	staleBefore := now.Add(-timeouts.OutboxLease)
	rows, err := tx.QueryContext(ctx,
		`SELECT seq, attempt_count
		 FROM handler_outbox
		 WHERE (status IN ('pending', 'failed') AND next_attempt_at <= ?)
		    OR (status = 'processing' AND updated_at <= ?)
		 ORDER BY seq
		 LIMIT ?`,
		toMillis(now),
		toMillis(staleBefore),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list due outbox rows: %w", err)
	}
	claims := make([]outboxClaim, 0, limit)
	for rows.Next() {
		var (
			claim outboxClaim
			seq   int64
		)
		if err := rows.Scan(&seq, &claim.AttemptCount); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan due outbox row: %w", err)
		}
		claim.Seq = uint64(seq)
		claims = append(claims, claim)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due outbox rows: %w", err)
	}

	for _, claim := range claims {
		if _, err := tx.ExecContext(ctx,
			`UPDATE handler_outbox SET status = 'processing', updated_at = ? WHERE seq = ?`,
			toMillis(now),
			int64(claim.Seq),
		); err != nil {
			return nil, fmt.Errorf("claim outbox row %d: %w", claim.Seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit outbox claim tx: %w", err)
	}
	return claims, nil
}

func (s *Store) markOutboxRetry(ctx context.Context, seq uint64, now time.Time, attempt int, lastError string) (bool, error) {
	status := storage.OutboxFailed
	if attempt >= outboxDeadLetterThreshold {
		status = storage.OutboxDead
	}
	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE handler_outbox
		 SET status = ?, attempt_count = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
		 WHERE seq = ? AND status = 'processing'`,
		string(status),
		attempt,
		toMillis(now.Add(outboxRetryBackoff(attempt))),
		lastError,
		toMillis(now),
		int64(seq),
	)
	if err != nil {
		return false, fmt.Errorf("mark outbox retry for row %d: %w", seq, err)
	}
	if err := expectOneRow(result, "mark outbox retry", seq); err != nil {
		return false, err
	}
	return status == storage.OutboxDead, nil
}

func (s *Store) deleteOutboxRow(ctx context.Context, seq uint64, status storage.OutboxStatus) error {
	result, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM handler_outbox WHERE seq = ? AND status = ?`,
		int64(seq),
		string(status),
	)
	if err != nil {
		return fmt.Errorf("complete outbox row %d: %w", seq, err)
	}
	return expectOneRow(result, "complete outbox row", seq)
}

func expectOneRow(result sql.Result, operation string, seq uint64) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %d rows affected: %w", operation, seq, err)
	}
	if affected != 1 {
		return fmt.Errorf("%s %d: expected 1 row, got %d", operation, seq, affected)
	}
	return nil
}

// CompleteHandlerOutbox removes the pending row for seq once the caller has
// delivered it inline. A row already claimed by a worker is left alone.
func (s *Store) CompleteHandlerOutbox(ctx context.Context, seq uint64) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM handler_outbox WHERE seq = ? AND status = 'pending'`,
		int64(seq),
	); err != nil {
		return storage.Failure("complete handler outbox", err)
	}
	return nil
}

// FailHandlerOutbox turns a pending row into a failed one due after the first
// retry backoff.
func (s *Store) FailHandlerOutbox(ctx context.Context, seq uint64, now time.Time, cause error) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if now.IsZero() {
		now = s.clock()
	}
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`UPDATE handler_outbox
		 SET status = 'failed', attempt_count = 1, next_attempt_at = ?, last_error = ?, updated_at = ?
		 WHERE seq = ? AND status = 'pending'`,
		toMillis(now.Add(outboxRetryBackoff(1))),
		lastError,
		toMillis(now),
		int64(seq),
	); err != nil {
		return storage.Failure("fail handler outbox", err)
	}
	return nil
}

// GetHandlerOutboxSummary counts rows by status and reports the lowest
// undelivered sequence.
func (s *Store) GetHandlerOutboxSummary(ctx context.Context) (storage.OutboxSummary, error) {
	var summary storage.OutboxSummary
	if err := s.ready(ctx); err != nil {
		return summary, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT status, COUNT(*) FROM handler_outbox GROUP BY status`)
	if err != nil {
		return summary, storage.Failure("query outbox summary", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return summary, storage.Failure("scan outbox summary", err)
		}
		switch storage.OutboxStatus(status) {
		case storage.OutboxPending:
			summary.Pending = count
		case storage.OutboxProcessing:
			summary.Processing = count
		case storage.OutboxFailed:
			summary.Failed = count
		case storage.OutboxDead:
			summary.Dead = count
		}
	}
	if err := rows.Err(); err != nil {
		return summary, storage.Failure("iterate outbox summary", err)
	}

	var oldest sql.NullInt64
	if err := s.sqlDB.QueryRowContext(ctx,
		`SELECT MIN(seq) FROM handler_outbox WHERE status <> 'dead'`,
	).Scan(&oldest); err != nil {
		return summary, storage.Failure("query oldest outbox row", err)
	}
	if oldest.Valid {
		summary.OldestPendingSeq = uint64(oldest.Int64)
	}
	return summary, nil
}

// ListHandlerOutboxRows lists rows in seq order. An empty status lists all.
func (s *Store) ListHandlerOutboxRows(ctx context.Context, status storage.OutboxStatus, limit int) ([]storage.OutboxRow, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	normalized, err := normalizeOutboxStatus(status)
	if err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT seq, event_type, status, attempt_count, next_attempt_at, last_error, updated_at
		 FROM handler_outbox
		 WHERE ? = '' OR status = ?
		 ORDER BY seq
		 LIMIT ?`,
		string(normalized),
		string(normalized),
		sqlLimit(limit),
	)
	if err != nil {
		return nil, storage.Failure("list outbox rows", err)
	}
	defer rows.Close()

	entries := make([]storage.OutboxRow, 0)
	for rows.Next() {
		var (
			entry       storage.OutboxRow
			seq         int64
			eventType   string
			rowStatus   string
			nextAttempt int64
			updatedAt   int64
		)
		if err := rows.Scan(&seq, &eventType, &rowStatus, &entry.AttemptCount, &nextAttempt, &entry.LastError, &updatedAt); err != nil {
			return nil, storage.Failure("scan outbox row", err)
		}
		entry.Seq = uint64(seq)
		entry.EventType = event.Type(eventType)
		entry.Status = storage.OutboxStatus(rowStatus)
		entry.NextAttemptAt = fromMillis(nextAttempt)
		entry.UpdatedAt = fromMillis(updatedAt)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Failure("iterate outbox rows", err)
	}
	return entries, nil
}

// RequeueDeadHandlerOutboxRows moves up to limit dead rows back to pending,
// lowest seq first, and returns how many moved.
func (s *Store) RequeueDeadHandlerOutboxRows(ctx context.Context, now time.Time, limit int) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	if limit <= 0 {
		return 0, errors.New("outbox requeue limit must be greater than zero")
	}
	if now.IsZero() {
		now = s.clock()
	}
	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE handler_outbox
		 SET status = 'pending', attempt_count = 0, next_attempt_at = ?, last_error = '', updated_at = ?
		 WHERE seq IN (
			 SELECT seq FROM handler_outbox WHERE status = 'dead' ORDER BY seq LIMIT ?
		 )`,
		toMillis(now),
		toMillis(now),
		limit,
	)
	if err != nil {
		return 0, storage.Failure("requeue dead outbox rows", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, storage.Failure("requeue dead outbox rows affected", err)
	}
	return int(affected), nil
}

func normalizeOutboxStatus(status storage.OutboxStatus) (storage.OutboxStatus, error) {
	normalized := storage.OutboxStatus(strings.ToLower(strings.TrimSpace(string(status))))
	switch normalized {
	case "", storage.OutboxPending, storage.OutboxProcessing, storage.OutboxFailed, storage.OutboxDead:
		return normalized, nil
	default:
		return "", fmt.Errorf("invalid outbox status %q", status)
	}
}
