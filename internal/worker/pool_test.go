package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voucherplatform/claim-system/internal/model"
	"github.com/voucherplatform/claim-system/internal/queue"
	"github.com/voucherplatform/claim-system/internal/service"
)

type fakeTransactor struct {
	mu      sync.Mutex
	runErr  error
	runErrs []error
	calls   int
	result  *model.ClaimResult
}

func (f *fakeTransactor) Run(ctx context.Context, req model.ClaimRequest) (*model.ClaimResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.runErrs) > 0 {
		idx := f.calls - 1
		if idx < len(f.runErrs) && f.runErrs[idx] != nil {
			return nil, f.runErrs[idx]
		}
		return f.result, nil
	}
	if f.runErr != nil {
		return nil, f.runErr
	}
	return f.result, nil
}

func (f *fakeTransactor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeDequeuer struct {
	mu        sync.Mutex
	jobs      []*queue.Job
	completed []string
	failed    map[string]string
}

func newFakeDequeuer(jobs ...*queue.Job) *fakeDequeuer {
	return &fakeDequeuer{jobs: jobs, failed: map[string]string{}}
}

func (f *fakeDequeuer) Dequeue(ctx context.Context) (*queue.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.jobs) == 0 {
		return nil, false, nil
	}
	job := f.jobs[0]
	f.jobs = f.jobs[1:]
	return job, true, nil
}

func (f *fakeDequeuer) Complete(ctx context.Context, jobID, result string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, jobID)
	return nil
}

func (f *fakeDequeuer) Fail(ctx context.Context, jobID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[jobID] = reason
	return nil
}

func TestPool_Process_SuccessCompletesJob(t *testing.T) {
	q := newFakeDequeuer(&queue.Job{ID: "job-1", UserID: "u1", Code: "SUMMER2024"})
	tr := &fakeTransactor{result: &model.ClaimResult{Success: true, Message: "ok"}}
	p := New(DefaultConfig(), q, tr)

	p.process(context.Background(), &queue.Job{ID: "job-1", UserID: "u1", Code: "SUMMER2024"})

	assert.Equal(t, 1, tr.callCount())
	assert.Contains(t, q.completed, "job-1")
	assert.Empty(t, q.failed)
}

func TestPool_Process_DomainErrorFailsImmediatelyNoRetry(t *testing.T) {
	q := newFakeDequeuer()
	tr := &fakeTransactor{runErr: service.ErrLimitExceeded}
	p := New(DefaultConfig(), q, tr)

	p.process(context.Background(), &queue.Job{ID: "job-2", UserID: "u1", Code: "SUMMER2024"})

	assert.Equal(t, 1, tr.callCount())
	assert.Equal(t, service.ErrLimitExceeded.Error(), q.failed["job-2"])
}

func TestPool_Process_InvalidVoucherDomainErrorNoRetry(t *testing.T) {
	q := newFakeDequeuer()
	tr := &fakeTransactor{runErr: &service.InvalidVoucherError{Reason: "not-found"}}
	p := New(DefaultConfig(), q, tr)

	p.process(context.Background(), &queue.Job{ID: "job-3", UserID: "u1", Code: "BOGUS"})

	assert.Equal(t, 1, tr.callCount())
	assert.Contains(t, q.failed, "job-3")
}

func TestPool_Process_TransientErrorRetriesThenFails(t *testing.T) {
	q := newFakeDequeuer()
	transient := errors.New("connection reset")
	tr := &fakeTransactor{runErrs: []error{transient, transient, transient}}
	p := New(DefaultConfig(), q, tr)

	start := time.Now()
	p.process(context.Background(), &queue.Job{ID: "job-4", UserID: "u1", Code: "SUMMER2024"})
	elapsed := time.Since(start)

	assert.Equal(t, queue.MaxAttempts(), tr.callCount())
	assert.Contains(t, q.failed, "job-4")
	assert.Greater(t, elapsed, time.Duration(0))
}

func TestPool_Process_TransientErrorThenSuccessCompletes(t *testing.T) {
	q := newFakeDequeuer()
	transient := errors.New("deadline exceeded")
	tr := &fakeTransactor{runErrs: []error{transient}, result: &model.ClaimResult{Success: true, Message: "ok"}}
	p := New(DefaultConfig(), q, tr)

	p.process(context.Background(), &queue.Job{ID: "job-5", UserID: "u1", Code: "SUMMER2024"})

	assert.Equal(t, 2, tr.callCount())
	assert.Contains(t, q.completed, "job-5")
	assert.Empty(t, q.failed)
}

func TestPool_Run_DrainsQueueUntilContextCancelled(t *testing.T) {
	q := newFakeDequeuer(
		&queue.Job{ID: "job-6", UserID: "u1", Code: "SUMMER2024"},
		&queue.Job{ID: "job-7", UserID: "u2", Code: "SUMMER2024"},
	)
	tr := &fakeTransactor{result: &model.ClaimResult{Success: true, Message: "ok"}}
	cfg := DefaultConfig()
	cfg.PollInterval = time.Millisecond
	p := New(cfg, q, tr)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	p.Run(ctx)

	assert.GreaterOrEqual(t, tr.callCount(), 2)
}

func TestIsDomainError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"limit exceeded", service.ErrLimitExceeded, true},
		{"rate limited", service.ErrRateLimited, true},
		{"user not found", service.ErrUserNotFound, true},
		{"voucher not found", service.ErrVoucherNotFound, true},
		{"invalid voucher", &service.InvalidVoucherError{Reason: "expired"}, true},
		{"transient", errors.New("i/o timeout"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, isDomainError(tc.err))
		})
	}
}

func TestNew_AppliesDefaultsForZeroValues(t *testing.T) {
	p := New(Config{}, newFakeDequeuer(), &fakeTransactor{})

	require.NotNil(t, p)
	assert.Equal(t, DefaultConfig().Concurrency, p.cfg.Concurrency)
	assert.Equal(t, DefaultConfig().PerSecondCap, p.cfg.PerSecondCap)
	assert.Equal(t, DefaultConfig().PollInterval, p.cfg.PollInterval)
}
