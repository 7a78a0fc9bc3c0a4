// Package billing implements C2, the idempotent per-minute credit ledger:
// one row-locked PostgreSQL transaction per billed minute, guarded by a
// unique idempotency marker so a retried charge after a crash never double
// debits a student (§4.2, Design Notes decision 3).
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/MHGanainy/simsbuddy-voice-agent/internal/log"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/resilience"
)

// ErrStudentNotFound is returned when a session has no matching
// simulation_attempts row, i.e. StartSession was never recorded for it.
var ErrStudentNotFound = errors.New("billing: student not found for session")

// ErrInsufficientCredits is returned by DeductMinute when the student's
// balance is already exhausted. The just-inserted idempotency marker is
// rolled back along with the rest of the transaction, so a later retry of
// the same minute still attempts (and still fails) the charge rather than
// silently succeeding on replay.
var ErrInsufficientCredits = errors.New("billing: insufficient credits")

const sourceTypeSessionMinute = "session_minute"

// CreditEngine is the PostgreSQL-backed C2 implementation.
type CreditEngine struct {
	pool    *pgxpool.Pool
	logger  zerolog.Logger
	breaker *resilience.CircuitBreaker
}

// New constructs a CreditEngine around an already-connected pool. Every
// database call is wrapped by breaker so a degraded Postgres instance trips
// the circuit instead of stacking up blocked billing goroutines.
func New(pool *pgxpool.Pool, breaker *resilience.CircuitBreaker) *CreditEngine {
	return &CreditEngine{
		pool:    pool,
		logger:  log.WithComponent("billing"),
		breaker: breaker,
	}
}

// RegisterAttempt records a new simulation_attempts row linking sessionID to
// studentID, called once from StartSession. Re-registering the same
// sessionID is a no-op (ON CONFLICT DO NOTHING) so a retried StartSession
// call is safe.
func (c *CreditEngine) RegisterAttempt(ctx context.Context, sessionID, studentID string) error {
	const q = `
		INSERT INTO simulation_attempts (session_id, student_id, minutes_billed, status)
		VALUES ($1, $2, 0, 'active')
		ON CONFLICT (session_id) DO NOTHING`

	_, err := c.pool.Exec(ctx, q, sessionID, studentID)
	if err != nil {
		return fmt.Errorf("billing: register attempt: %w", err)
	}
	return nil
}

// GetStudentId resolves the student a session belongs to.
func (c *CreditEngine) GetStudentId(ctx context.Context, sessionID string) (string, error) {
	const q = `SELECT student_id FROM simulation_attempts WHERE session_id = $1`

	var studentID string
	err := c.pool.QueryRow(ctx, q, sessionID).Scan(&studentID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrStudentNotFound
	}
	if err != nil {
		return "", fmt.Errorf("billing: get student id: %w", err)
	}
	return studentID, nil
}

// CheckSufficient reports whether studentID currently has at least one
// whole credit remaining.
func (c *CreditEngine) CheckSufficient(ctx context.Context, studentID string) (bool, error) {
	const q = `SELECT credits_remaining FROM students WHERE id = $1`

	var remaining int
	err := c.pool.QueryRow(ctx, q, studentID).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrStudentNotFound
	}
	if err != nil {
		return false, fmt.Errorf("billing: check sufficient: %w", err)
	}
	return remaining > 0, nil
}

// GetCreditsRemaining reads a student's current whole-credit balance, used
// to populate the creditsRemaining field of StartSession/Heartbeat
// responses after a debit.
func (c *CreditEngine) GetCreditsRemaining(ctx context.Context, studentID string) (int, error) {
	const q = `SELECT credits_remaining FROM students WHERE id = $1`

	var remaining int
	err := c.pool.QueryRow(ctx, q, studentID).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrStudentNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("billing: get credits remaining: %w", err)
	}
	return remaining, nil
}

// DeductMinute charges one credit for minuteNumber of sessionID, row-locking
// the student so concurrent heartbeats for the same student (two active
// sessions) never interleave their decrements. Returns (true, nil) when this
// call performed the debit, (false, nil) when minuteNumber was already
// billed by a prior attempt (idempotent replay).
func (c *CreditEngine) DeductMinute(ctx context.Context, sessionID, studentID string, minuteNumber int) (bool, error) {
	if c.breaker == nil {
		return c.deductMinuteTx(ctx, sessionID, studentID, minuteNumber)
	}

	var billed bool
	err := c.breaker.Execute(func() error {
		var txErr error
		billed, txErr = c.deductMinuteTx(ctx, sessionID, studentID, minuteNumber)
		return txErr
	})
	return billed, err
}

func (c *CreditEngine) deductMinuteTx(ctx context.Context, sessionID, studentID string, minuteNumber int) (bool, error) {
	tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return false, fmt.Errorf("billing: begin deduct tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	description := fmt.Sprintf("minute_%d", minuteNumber)

	// The marker insert comes first and carries no balance_after yet — the
	// balance isn't known until the row lock below. It still doubles as the
	// idempotency marker: a conflict here means a prior attempt already
	// committed this (session, minute) charge, so this attempt stops before
	// touching the student's balance at all.
	var txID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO credit_transactions (student_id, transaction_type, source_id, source_type, amount, description)
		VALUES ($1, 'DEBIT', $2, $3, 1, $4)
		ON CONFLICT (source_id, source_type, description) DO NOTHING
		RETURNING id`,
		studentID, sessionID, sourceTypeSessionMinute, description,
	).Scan(&txID)

	if errors.Is(err, pgx.ErrNoRows) {
		// Idempotency marker already present: this minute was already billed
		// by a prior attempt. Nothing left to do.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("billing: insert idempotency marker: %w", err)
	}

	// Row-lock the student for the decrement.
	var remaining int
	if err := tx.QueryRow(ctx, `
		SELECT credits_remaining FROM students WHERE id = $1 FOR UPDATE`,
		studentID,
	).Scan(&remaining); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrStudentNotFound
		}
		return false, fmt.Errorf("billing: lock student: %w", err)
	}

	if remaining < 1 {
		return false, ErrInsufficientCredits
	}

	newBalance := remaining - 1
	if _, err := tx.Exec(ctx, `
		UPDATE students SET credits_remaining = $2, updated_at = now()
		WHERE id = $1`, studentID, newBalance,
	); err != nil {
		return false, fmt.Errorf("billing: decrement credits: %w", err)
	}

	// Now that the resulting balance is known, back-fill it onto the
	// transaction row inserted above (§3: CreditTransaction.balanceAfter).
	if _, err := tx.Exec(ctx, `
		UPDATE credit_transactions SET balance_after = $2 WHERE id = $1`,
		txID, newBalance,
	); err != nil {
		return false, fmt.Errorf("billing: record balance_after: %w", err)
	}

	// GREATEST keeps minutes_billed monotonic non-decreasing even if minute
	// notifications arrive out of order (Design Notes decision 1).
	if _, err := tx.Exec(ctx, `
		UPDATE simulation_attempts
		SET minutes_billed = GREATEST(minutes_billed, $2)
		WHERE session_id = $1`, sessionID, minuteNumber,
	); err != nil {
		return false, fmt.Errorf("billing: update minutes billed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("billing: commit deduct tx: %w", err)
	}

	c.logger.Debug().
		Str("session_id", sessionID).
		Str("student_id", studentID).
		Int("minute", minuteNumber).
		Msg("minute billed")

	return true, nil
}

// ReconcileResult is the outcome of ReconcileSession: how many minutes this
// call billed, the attempt's running total, and which minutes it could not
// charge because the student ran out of credits.
type ReconcileResult struct {
	Success       bool
	BilledNow     int
	TotalBilled   int
	FailedMinutes []int
}

// ReconcileSession charges for any minute that elapsed but was never billed
// via a heartbeat, then marks the attempt ended. sessionctl's Cleanup calls
// it whenever the session has at least one whole elapsed minute; the
// janitor's reaper does not call it. Insufficient credits stop the pass:
// that minute and every later one are recorded in FailedMinutes. Any other
// debit error records only that minute and the pass moves on.
func (c *CreditEngine) ReconcileSession(ctx context.Context, sessionID string, conversationStart time.Time, endedAt time.Time) (ReconcileResult, error) {
	studentID, err := c.GetStudentId(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrStudentNotFound) {
			return ReconcileResult{Success: true}, nil
		}
		return ReconcileResult{}, err
	}

	if conversationStart.IsZero() {
		if err := c.markEnded(ctx, sessionID); err != nil {
			return ReconcileResult{}, err
		}
		return ReconcileResult{Success: true}, nil
	}

	owedMinutes := int(endedAt.Sub(conversationStart).Minutes())
	result := ReconcileResult{Success: true}
	for minute := 1; minute <= owedMinutes; minute++ {
		billed, err := c.DeductMinute(ctx, sessionID, studentID, minute)
		if err != nil {
			result.Success = false
			if errors.Is(err, ErrInsufficientCredits) {
				for rest := minute; rest <= owedMinutes; rest++ {
					result.FailedMinutes = append(result.FailedMinutes, rest)
				}
				break
			}
			c.logger.Warn().Err(err).Str("session_id", sessionID).Int("minute", minute).Msg("reconcile minute failed")
			result.FailedMinutes = append(result.FailedMinutes, minute)
			continue
		}
		if billed {
			result.BilledNow++
		}
	}

	if total, err := c.minutesBilled(ctx, sessionID); err == nil {
		result.TotalBilled = total
	}

	if err := c.markEnded(ctx, sessionID); err != nil {
		return result, err
	}
	return result, nil
}

func (c *CreditEngine) minutesBilled(ctx context.Context, sessionID string) (int, error) {
	const q = `SELECT minutes_billed FROM simulation_attempts WHERE session_id = $1`
	var n int
	if err := c.pool.QueryRow(ctx, q, sessionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("billing: minutes billed: %w", err)
	}
	return n, nil
}

func (c *CreditEngine) markEnded(ctx context.Context, sessionID string) error {
	_, err := c.pool.Exec(ctx, `
		UPDATE simulation_attempts
		SET status = 'ended', ended_at = now()
		WHERE session_id = $1 AND status <> 'ended'`, sessionID)
	if err != nil {
		return fmt.Errorf("billing: mark ended: %w", err)
	}
	return nil
}
