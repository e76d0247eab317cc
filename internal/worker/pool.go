// Package worker implements the bounded-concurrency, rate-capped consumer
// side of spec C6/C8: it drains internal/queue and runs the claim
// transaction for each dequeued job, retrying transient failures up to
// the queue's attempt ceiling and terminating on any domain error.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voucherplatform/claim-system/internal/model"
	"github.com/voucherplatform/claim-system/internal/queue"
	"github.com/voucherplatform/claim-system/internal/service"
)

// Transactor runs the single authoritative claim transaction (spec C8).
// Satisfied by *service.ClaimTransactor.
type Transactor interface {
	Run(ctx context.Context, req model.ClaimRequest) (*model.ClaimResult, error)
}

// Dequeuer is the subset of *queue.Queue the pool drains.
type Dequeuer interface {
	Dequeue(ctx context.Context) (*queue.Job, bool, error)
	Complete(ctx context.Context, jobID, result string) error
	Fail(ctx context.Context, jobID, reason string) error
}

// Config holds the pool's concurrency and throughput bounds (spec §4.7's
// worker defaults: concurrency 50, per-second cap 100).
type Config struct {
	Concurrency  int
	PerSecondCap int
	PollInterval time.Duration
}

// DefaultConfig matches spec §4.7.
func DefaultConfig() Config {
	return Config{Concurrency: 50, PerSecondCap: 100, PollInterval: 50 * time.Millisecond}
}

// Pool drains a Dequeuer with bounded concurrency and a per-second ceiling.
type Pool struct {
	cfg        Config
	queue      Dequeuer
	transactor Transactor

	sem    chan struct{}
	ticker *time.Ticker
	tokens chan struct{}
}

// New constructs a Pool. Call Run to start draining.
func New(cfg Config, q Dequeuer, transactor Transactor) *Pool {
	if cfg.Concurrency <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.PerSecondCap <= 0 {
		cfg.PerSecondCap = DefaultConfig().PerSecondCap
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &Pool{
		cfg:        cfg,
		queue:      q,
		transactor: transactor,
		sem:        make(chan struct{}, cfg.Concurrency),
		tokens:     make(chan struct{}, cfg.PerSecondCap),
	}
}

// Run drains the queue until ctx is cancelled. It refills the per-second
// token bucket on a fixed tick and blocks on both the concurrency
// semaphore and a token before dequeuing each job.
func (p *Pool) Run(ctx context.Context) {
	p.ticker = time.NewTicker(time.Second / time.Duration(p.cfg.PerSecondCap))
	defer p.ticker.Stop()

	go p.refill(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.tokens:
		}

		select {
		case <-ctx.Done():
			return
		case p.sem <- struct{}{}:
		}

		job, ok, err := p.queue.Dequeue(ctx)
		if err != nil {
			log.Error().Err(err).Msg("worker: dequeue failed")
			<-p.sem
			time.Sleep(p.cfg.PollInterval)
			continue
		}
		if !ok {
			<-p.sem
			time.Sleep(p.cfg.PollInterval)
			continue
		}

		go func(j *queue.Job) {
			defer func() { <-p.sem }()
			p.process(ctx, j)
		}(job)
	}
}

func (p *Pool) refill(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.ticker.C:
			select {
			case p.tokens <- struct{}{}:
			default:
			}
		}
	}
}

// isDomainError reports whether err is one of the closed-sum domain
// rejections of spec §7/§9, which a retry can never turn into a success —
// as opposed to a transient store/KV failure, which can.
func isDomainError(err error) bool {
	if _, ok := service.IsInvalidVoucher(err); ok {
		return true
	}
	switch {
	case errors.Is(err, service.ErrLimitExceeded),
		errors.Is(err, service.ErrRateLimited),
		errors.Is(err, service.ErrUserNotFound),
		errors.Is(err, service.ErrVoucherNotFound):
		return true
	default:
		return false
	}
}

func (p *Pool) process(ctx context.Context, job *queue.Job) {
	req := model.ClaimRequest{
		UserID:    job.UserID,
		Code:      job.Code,
		IP:        job.IP,
		UserAgent: job.UserAgent,
		DeviceID:  job.DeviceID,
		RequestID: job.ID,
	}

	var lastErr error
	for attempt := 1; attempt <= queue.MaxAttempts(); attempt++ {
		result, err := p.transactor.Run(ctx, req)
		if err == nil {
			if completeErr := p.queue.Complete(ctx, job.ID, result.Message); completeErr != nil {
				log.Error().Err(completeErr).Str("job_id", job.ID).Msg("worker: failed to record completion")
			}
			return
		}

		lastErr = err
		if isDomainError(err) {
			break
		}

		log.Warn().Err(err).Str("job_id", job.ID).Int("attempt", attempt).Msg("worker: transient claim failure, retrying")
		time.Sleep(queue.RetryBackoff(attempt))
	}

	if failErr := p.queue.Fail(ctx, job.ID, lastErr.Error()); failErr != nil {
		log.Error().Err(failErr).Str("job_id", job.ID).Msg("worker: failed to record failure")
	}
}
