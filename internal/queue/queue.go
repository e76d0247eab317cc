// Package queue implements spec C6: a durable FIFO of claim jobs on top of
// the KV store, with retry, dedup-by-jobId, and bounded retention. The
// dedup semantics are grounded on the SETNX-then-no-op idiom of
// etalazz-vsa/internal/ratelimiter/persistence's Redis commit script,
// expressed here as discrete, unpipelined gateway calls rather than a Lua
// script (see DESIGN.md).
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// State is the lifecycle of a queued job.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Job is the durable payload enqueued for the worker pool to drain.
type Job struct {
	ID        string    `json:"id"` // == the claim's request-id, for dedup
	UserID    string    `json:"user_id"`
	Code      string    `json:"code"`
	IP        string    `json:"ip"`
	UserAgent string    `json:"user_agent"`
	DeviceID  string    `json:"device_id"`
	Priority   int       `json:"priority"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// JobRecord is the state+result snapshot returned by Get.
type JobRecord struct {
	State      State  `json:"state"`
	Result     string `json:"result,omitempty"`
	FailReason string `json:"fail_reason,omitempty"`
}

// Counts summarizes queue depth across every state (spec §4.7).
type Counts struct {
	Waiting   int64
	Active    int64
	Completed int64
	Failed    int64
	Delayed   int64
}

const (
	keyWaiting   = "queue:claims:waiting"
	keyActive    = "queue:claims:active"
	keyCompleted = "queue:claims:completed"
	keyFailed    = "queue:claims:failed"
	keyJobPrefix = "queue:claims:jobs:"

	defaultPriority = 5
	maxAttempts     = 3

	successRetentionTTL  = 24 * time.Hour
	successRetentionSize = 1000
	failureRetentionTTL  = 7 * 24 * time.Hour
	failureRetentionSize = 5000
)

func jobKey(id string) string { return keyJobPrefix + id }

// KVStore is the subset of pkg/kvstore.Gateway the queue needs.
type KVStore interface {
	HSetNX(ctx context.Context, key, field, value string) (bool, error)
	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZCard(ctx context.Context, key string) (int64, error)
	ZRemRangeByScore(ctx context.Context, key, min, max string) error
	ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error
	Del(ctx context.Context, keys ...string) error
}

// ListPusher is the minimal FIFO-list surface backing waiting-job order.
// Satisfied by *kvstore.Gateway's RPush/LPop/LLen.
type ListPusher interface {
	RPush(ctx context.Context, key string, value string) error
	LPop(ctx context.Context, key string) (string, bool, error)
	LLen(ctx context.Context, key string) (int64, error)
}

// Queue is the durable FIFO described by spec C6.
type Queue struct {
	kv   KVStore
	list ListPusher
}

// New constructs a Queue over the given KV/list surfaces.
func New(kv KVStore, list ListPusher) *Queue {
	return &Queue{kv: kv, list: list}
}

// Enqueue stores the job (keyed by its own ID, the claim's request-id) and
// pushes it onto the waiting list. A duplicate ID is rejected silently by
// returning the same jobID with no error and no duplicate list entry — this
// is how idempotency combines with asynchrony (spec §4.6 step 8).
func (q *Queue) Enqueue(ctx context.Context, job Job) (string, error) {
	if job.Priority == 0 {
		job.Priority = defaultPriority
	}
	job.EnqueuedAt = time.Now()

	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job %s: %w", job.ID, err)
	}

	isNew, err := q.kv.HSetNX(ctx, jobKey(job.ID), "payload", string(payload))
	if err != nil {
		return "", fmt.Errorf("dedup check job %s: %w", job.ID, err)
	}
	if !isNew {
		return job.ID, nil
	}

	if err := q.kv.HSet(ctx, jobKey(job.ID), "state", string(StateWaiting)); err != nil {
		return "", fmt.Errorf("set job state %s: %w", job.ID, err)
	}
	if err := q.list.RPush(ctx, keyWaiting, job.ID); err != nil {
		return "", fmt.Errorf("push job %s: %w", job.ID, err)
	}
	return job.ID, nil
}

// Dequeue pops the oldest waiting job, marking it active. ok is false when
// the waiting list is empty.
func (q *Queue) Dequeue(ctx context.Context) (*Job, bool, error) {
	id, ok, err := q.list.LPop(ctx, keyWaiting)
	if err != nil {
		return nil, false, fmt.Errorf("pop waiting job: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	raw, err := q.kv.HGet(ctx, jobKey(id), "payload")
	if err != nil {
		return nil, false, fmt.Errorf("load job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, false, fmt.Errorf("decode job %s: %w", id, err)
	}

	if err := q.kv.HSet(ctx, jobKey(id), "state", string(StateActive)); err != nil {
		return nil, false, fmt.Errorf("mark job active %s: %w", id, err)
	}
	if err := q.kv.ZAdd(ctx, keyActive, float64(time.Now().UnixMilli()), id); err != nil {
		return nil, false, fmt.Errorf("track active job %s: %w", id, err)
	}

	return &job, true, nil
}

// Complete records a successful job outcome and trims retention.
func (q *Queue) Complete(ctx context.Context, jobID, result string) error {
	if err := q.kv.HSet(ctx, jobKey(jobID), "state", string(StateCompleted)); err != nil {
		return fmt.Errorf("mark job completed %s: %w", jobID, err)
	}
	if err := q.kv.HSet(ctx, jobKey(jobID), "result", result); err != nil {
		return fmt.Errorf("store result %s: %w", jobID, err)
	}
	if err := q.kv.ZAdd(ctx, keyCompleted, float64(time.Now().UnixMilli()), jobID); err != nil {
		return fmt.Errorf("track completed job %s: %w", jobID, err)
	}
	q.trim(ctx, keyCompleted, successRetentionTTL, successRetentionSize)
	return nil
}

// Fail records a failed job outcome (after retry attempts are exhausted)
// and trims retention.
func (q *Queue) Fail(ctx context.Context, jobID, reason string) error {
	if err := q.kv.HSet(ctx, jobKey(jobID), "state", string(StateFailed)); err != nil {
		return fmt.Errorf("mark job failed %s: %w", jobID, err)
	}
	if err := q.kv.HSet(ctx, jobKey(jobID), "fail_reason", reason); err != nil {
		return fmt.Errorf("store fail reason %s: %w", jobID, err)
	}
	if err := q.kv.ZAdd(ctx, keyFailed, float64(time.Now().UnixMilli()), jobID); err != nil {
		return fmt.Errorf("track failed job %s: %w", jobID, err)
	}
	q.trim(ctx, keyFailed, failureRetentionTTL, failureRetentionSize)
	return nil
}

// trim enforces "whichever first" between a TTL-age cutoff and a count cap
// (spec §4.7) by evicting members older than ttl, then — if the set is
// still over maxSize — evicting the oldest-ranked excess. It runs
// opportunistically on every Complete/Fail call rather than on a separate
// reaper schedule. It is advisory housekeeping, not a correctness boundary,
// so a failure here never propagates as a job-level error.
func (q *Queue) trim(ctx context.Context, key string, ttl time.Duration, maxSize int) {
	cutoff := time.Now().Add(-ttl).UnixMilli()
	if err := q.kv.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", cutoff)); err != nil {
		return
	}

	n, err := q.kv.ZCard(ctx, key)
	if err != nil || n <= int64(maxSize) {
		return
	}
	_ = q.kv.ZRemRangeByRank(ctx, key, 0, n-int64(maxSize)-1)
}

// Get returns the current state (and result/fail-reason, if any) for a job.
func (q *Queue) Get(ctx context.Context, jobID string) (JobRecord, error) {
	fields, err := q.kv.HGetAll(ctx, jobKey(jobID))
	if err != nil {
		return JobRecord{}, fmt.Errorf("load job record %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return JobRecord{}, ErrJobNotFound
	}
	return JobRecord{
		State:      State(fields["state"]),
		Result:     fields["result"],
		FailReason: fields["fail_reason"],
	}, nil
}

// ErrJobNotFound is returned by Get for an unknown job id.
var ErrJobNotFound = fmt.Errorf("queue: job not found")

// Counts reports queue depth across every state (spec §4.7).
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	waiting, err := q.list.LLen(ctx, keyWaiting)
	if err != nil {
		return Counts{}, fmt.Errorf("count waiting: %w", err)
	}
	active, err := q.kv.ZCard(ctx, keyActive)
	if err != nil {
		return Counts{}, fmt.Errorf("count active: %w", err)
	}
	completed, err := q.kv.ZCard(ctx, keyCompleted)
	if err != nil {
		return Counts{}, fmt.Errorf("count completed: %w", err)
	}
	failed, err := q.kv.ZCard(ctx, keyFailed)
	if err != nil {
		return Counts{}, fmt.Errorf("count failed: %w", err)
	}
	return Counts{Waiting: waiting, Active: active, Completed: completed, Failed: failed}, nil
}

// MaxAttempts is the spec's configured retry ceiling (3 attempts).
func MaxAttempts() int { return maxAttempts }

// RetryBackoff returns the exponential delay before attempt n (1-indexed),
// starting at 1s (spec §4.7).
func RetryBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(1<<(attempt-1)) * time.Second
}
