// Package queue implements C3's durable spawn job queue: a Redis list for
// ready work plus a sorted set for jobs waiting out a retry backoff,
// adapted from the in-process pub/sub idiom of a memory-backed bus onto a
// durable, crash-surviving Redis structure (§4.3).
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/MHGanainy/simsbuddy-voice-agent/internal/log"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/metrics"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/model"
)

const (
	keyReady  = "queue:spawn:ready"
	keyRetry  = "queue:spawn:retry"
	topicSpawn = "spawn"

	// MaxAttempts bounds retries before a job is dropped permanently.
	MaxAttempts = 3

	baseBackoff = 2 * time.Second
	maxBackoff  = 30 * time.Second
)

// Job is one unit of spawn work: bring an agent process up for SessionID.
type Job struct {
	SessionID  string       `json:"session_id"`
	UserName   string       `json:"user_name"`
	VoiceID    model.VoiceID `json:"voice_id"`
	Attempt    int          `json:"attempt"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
}

// ErrDropped is returned by Retry when a job exhausted MaxAttempts and was
// discarded instead of rescheduled.
var ErrDropped = errors.New("queue: job dropped after max attempts")

// Queue is the Redis-backed durable spawn queue.
type Queue struct {
	client *redis.Client
	logger zerolog.Logger
}

// New constructs a Queue around an already-configured Redis client.
func New(client *redis.Client) *Queue {
	return &Queue{client: client, logger: log.WithComponent("queue")}
}

// Enqueue pushes job onto the ready list for immediate dequeue.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}

	if err := q.client.LPush(ctx, keyReady, payload).Err(); err != nil {
		metrics.IncBusDropReason(topicSpawn, "enqueue_failed")
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	return nil
}

// Dequeue blocks up to timeout for a ready job, returning (nil, nil) on a
// clean timeout so callers can loop without treating it as an error.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	result, err := q.client.BRPop(ctx, timeout, keyReady).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue: %w", err)
	}

	// BRPop returns [key, value].
	if len(result) != 2 {
		return nil, fmt.Errorf("queue: unexpected dequeue result shape")
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("queue: unmarshal job: %w", err)
	}
	return &job, nil
}

// Retry schedules job for another attempt after an exponential backoff with
// jitter, or drops it permanently once MaxAttempts is exceeded. cause is
// logged but not wrapped into the returned error so callers can distinguish
// "dropped" (ErrDropped) from a transient Redis failure while scheduling.
func (q *Queue) Retry(ctx context.Context, job Job, cause error) error {
	job.Attempt++

	if job.Attempt > MaxAttempts {
		metrics.IncBusDropReason(topicSpawn, "max_attempts")
		metrics.IncQueueDropped()
		q.logger.Warn().
			Str("session_id", job.SessionID).
			Int("attempt", job.Attempt).
			Err(cause).
			Msg("spawn job dropped after max attempts")
		return ErrDropped
	}

	delay := backoffWithJitter(job.Attempt)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal retry job: %w", err)
	}

	score := float64(time.Now().Add(delay).Unix())
	if err := q.client.ZAdd(ctx, keyRetry, redis.Z{Score: score, Member: payload}).Err(); err != nil {
		return fmt.Errorf("queue: schedule retry: %w", err)
	}

	metrics.IncQueueRetry()
	q.logger.Debug().
		Str("session_id", job.SessionID).
		Int("attempt", job.Attempt).
		Dur("delay", delay).
		Err(cause).
		Msg("spawn job scheduled for retry")

	return nil
}

// PromoteDue moves every retry-scheduled job whose backoff has elapsed back
// onto the ready list. Intended to be called on a short ticker (the janitor
// or spawner's own loop) rather than blocking a dedicated goroutine per job.
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	now := float64(time.Now().Unix())
	due, err := q.client.ZRangeByScore(ctx, keyRetry, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: scan due retries: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, payload := range due {
		pipe.LPush(ctx, keyReady, payload)
		pipe.ZRem(ctx, keyRetry, payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("queue: promote due retries: %w", err)
	}

	return len(due), nil
}

// Cancel best-effort removes any job matching sessionID from both the ready
// list and the retry set (§4.5.5 step 4, "ask the work queue to
// revoke/terminate it"). Returns the number of entries removed; a job
// already dequeued by a worker is not affected (the worker's own terminal
// status update is what matters at that point).
func (q *Queue) Cancel(ctx context.Context, sessionID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	removed := 0

	readyJobs, err := q.client.LRange(ctx, keyReady, 0, -1).Result()
	if err != nil {
		return removed, fmt.Errorf("queue: cancel: scan ready: %w", err)
	}
	for _, payload := range readyJobs {
		if !jobMatches(payload, sessionID) {
			continue
		}
		if n, err := q.client.LRem(ctx, keyReady, 0, payload).Result(); err == nil {
			removed += int(n)
		}
	}

	retryJobs, err := q.client.ZRange(ctx, keyRetry, 0, -1).Result()
	if err != nil {
		return removed, fmt.Errorf("queue: cancel: scan retry: %w", err)
	}
	for _, payload := range retryJobs {
		if !jobMatches(payload, sessionID) {
			continue
		}
		if n, err := q.client.ZRem(ctx, keyRetry, payload).Result(); err == nil {
			removed += int(n)
		}
	}

	return removed, nil
}

func jobMatches(payload, sessionID string) bool {
	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return false
	}
	return job.SessionID == sessionID
}

// Depth reports the current ready-list length, exposed as a gauge by the
// caller (§10 domain metrics).
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	n, err := q.client.LLen(ctx, keyReady).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: depth: %w", err)
	}
	return n, nil
}

func backoffWithJitter(attempt int) time.Duration {
	backoff := baseBackoff * time.Duration(1<<uint(attempt-1))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
	return backoff/2 + jitter
}
