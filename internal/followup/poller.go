// Package followup polls the backend for follow-up suggestions that were not
// delivered inline with an AI reply.
package followup

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/egolab/egolab-web/internal/domain"
)

// Terminal poll errors. Per-attempt fetch errors are retried and never
// surface on their own.
var (
	// ErrTimeout is returned when the wall-clock ceiling elapses first.
	ErrTimeout = errors.New("suggestions timed out")
	// ErrUnavailable is returned when every attempt came back pending.
	ErrUnavailable = errors.New("suggestions unavailable")
	// ErrJobFailed is returned when the backend reports the job as failed.
	ErrJobFailed = errors.New("suggestion generation failed")
)

// Fetcher performs one poll of a follow-up job.
type Fetcher interface {
	Fetch(ctx context.Context, key string) (*domain.FollowupJob, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, key string) (*domain.FollowupJob, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, key string) (*domain.FollowupJob, error) {
	return f(ctx, key)
}

// Clock abstracts time so tests can drive the poll schedule.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the wall clock.
var SystemClock Clock = realClock{}

// Config bounds a poll.
type Config struct {
	MaxAttempts int
	Timeout     time.Duration
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultConfig returns the standard poll budget: 5 attempts within 15s,
// linear backoff from 1s capped at 4s.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		Timeout:     15 * time.Second,
		BaseDelay:   time.Second,
		MaxDelay:    4 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = def.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	return c
}

// Delay returns the wait before the next attempt. A server hint wins;
// otherwise min(base*attempt, max).
func (c Config) Delay(attempt int, hint time.Duration) time.Duration {
	if hint > 0 {
		return hint
	}
	d := c.BaseDelay * time.Duration(attempt)
	if d > c.MaxDelay {
		return c.MaxDelay
	}
	return d
}

// Result is the terminal outcome of one poll.
type Result struct {
	Key         string
	Suggestions []domain.SuggestedPrompt
	Err         error
	Attempts    int
	Elapsed     time.Duration
}

// Poller runs at most one poll at a time. Starting a new poll supersedes the
// previous one; results of a superseded poll are dropped.
type Poller struct {
	fetcher Fetcher
	cfg     Config
	clock   Clock
	logger  *slog.Logger

	mu     sync.Mutex
	gen    uint64
	key    string
	stop   chan struct{}
	closed bool

	// deliverMu is held while a result callback runs so that Cancel and
	// Start never return while a stale delivery is in progress.
	deliverMu sync.Mutex
}

// NewPoller creates a poller. A nil clock uses SystemClock.
func NewPoller(fetcher Fetcher, cfg Config, clock Clock, logger *slog.Logger) *Poller {
	if clock == nil {
		clock = SystemClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		fetcher: fetcher,
		cfg:     cfg.withDefaults(),
		clock:   clock,
		logger:  logger,
	}
}

// Start begins polling key and supersedes any active poll. onResult is called
// at most once, from the poll goroutine, unless the poll is superseded or
// cancelled first. onResult must not call back into the Poller.
func (p *Poller) Start(key string, onResult func(Result)) {
	p.deliverMu.Lock()
	p.mu.Lock()
	if p.closed || key == "" {
		p.mu.Unlock()
		p.deliverMu.Unlock()
		return
	}
	p.stopLocked()
	p.gen++
	gen := p.gen
	stop := make(chan struct{})
	p.stop = stop
	p.key = key
	p.mu.Unlock()
	p.deliverMu.Unlock()

	go p.run(gen, key, stop, onResult)
}

// Cancel stops the active poll. No result is delivered after Cancel returns.
func (p *Poller) Cancel() {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	p.gen++
}

// Close cancels the active poll and rejects future ones.
func (p *Poller) Close() {
	p.Cancel()
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// Active returns the key being polled, or "" when idle.
func (p *Poller) Active() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.key
}

func (p *Poller) stopLocked() {
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
	p.key = ""
}

func (p *Poller) current(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen == gen
}

type fetchOutcome struct {
	job *domain.FollowupJob
	err error
}

func (p *Poller) run(gen uint64, key string, stop <-chan struct{}, onResult func(Result)) {
	start := p.clock.Now()
	deadline := p.clock.After(p.cfg.Timeout)
	log := p.logger.With("request_id", key)

	finish := func(res Result) {
		res.Key = key
		res.Elapsed = p.clock.Now().Sub(start)
		p.deliverMu.Lock()
		defer p.deliverMu.Unlock()
		p.mu.Lock()
		if p.gen != gen {
			p.mu.Unlock()
			log.Debug("Discarding superseded follow-up result")
			return
		}
		p.stopLocked()
		p.mu.Unlock()
		if onResult != nil {
			onResult(res)
		}
	}

	for attempt := 1; ; attempt++ {
		if !p.current(gen) {
			return
		}

		// The in-flight request is not aborted when the poll is superseded;
		// its result is dropped on arrival instead.
		done := make(chan fetchOutcome, 1)
		go func() {
			job, err := p.fetcher.Fetch(context.WithoutCancel(context.Background()), key)
			done <- fetchOutcome{job: job, err: err}
		}()

		var out fetchOutcome
		select {
		case <-stop:
			return
		case <-deadline:
			finish(Result{Err: ErrTimeout, Attempts: attempt})
			return
		case out = <-done:
		}

		if !p.current(gen) {
			return
		}

		var hint time.Duration
		switch {
		case out.err != nil:
			log.Warn("Follow-up poll attempt failed", "attempt", attempt, "error", out.err)
		case out.job == nil:
			log.Warn("Follow-up poll returned no job", "attempt", attempt)
		case out.job.Status == domain.FollowupReady:
			finish(Result{Suggestions: domain.CloneSuggestions(out.job.Suggestions), Attempts: attempt})
			return
		case out.job.Status == domain.FollowupFailed:
			err := ErrJobFailed
			if out.job.ErrorMessage != "" {
				err = &JobError{Message: out.job.ErrorMessage}
			}
			finish(Result{Err: err, Attempts: attempt})
			return
		default:
			hint = out.job.PollAfter
		}

		if attempt >= p.cfg.MaxAttempts {
			finish(Result{Err: ErrUnavailable, Attempts: attempt})
			return
		}
		if p.clock.Now().Sub(start) >= p.cfg.Timeout {
			finish(Result{Err: ErrTimeout, Attempts: attempt})
			return
		}

		delay := p.cfg.Delay(attempt, hint)
		log.Debug("Follow-up still pending", "attempt", attempt, "delay", delay)
		select {
		case <-stop:
			return
		case <-deadline:
			finish(Result{Err: ErrTimeout, Attempts: attempt})
			return
		case <-p.clock.After(delay):
		}
	}
}

// JobError carries the backend's message for a failed job. It matches
// ErrJobFailed under errors.Is.
type JobError struct {
	Message string
}

func (e *JobError) Error() string { return e.Message }

// Is reports whether target is ErrJobFailed.
func (e *JobError) Is(target error) bool { return target == ErrJobFailed }
