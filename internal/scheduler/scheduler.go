// Package scheduler drives reconciliation passes on an interval, on
// foreground transitions, and on retry after failures.
//
// The scheduler never decides whether a pass is safe; that is the
// Reconciler's job. It only decides when to ask:
//
//   - Every interval tick, unless the process is backgrounded
//   - Immediately on TickNow (the process regained focus)
//   - After a failure, once the Result's RetryIn has elapsed
//
// A Result with Halt set stops all automatic scheduling. Ticks, retries and
// TickNow are ignored until ForceSync produces a successful pass.
package scheduler

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/essaydesk/deskstore/internal/reconcile"
)

var (
	// ErrAlreadyStarted is returned by Start when the ticker is running.
	ErrAlreadyStarted = errors.New("scheduler already started")

	// ErrInvalidInterval is returned by Start for a non-positive interval.
	ErrInvalidInterval = errors.New("interval must be positive")
)

// Runner performs one reconciliation pass. *reconcile.Reconciler satisfies
// it.
type Runner interface {
	Run(ctx context.Context) reconcile.Result
}

// Timer is a pending retry.
type Timer interface {
	Stop() bool
}

// Options configures a Scheduler.
type Options struct {
	// IsForeground reports whether scheduled ticks should run (default:
	// always true).
	IsForeground func() bool

	// OnResult is called after every pass, from the goroutine that ran it.
	OnResult func(trigger string, res reconcile.Result)

	// Logger for scheduling activity
	Logger *log.Logger

	// AfterFunc schedules retries (default: time.AfterFunc).
	AfterFunc func(d time.Duration, f func()) Timer
}

// Scheduler decides when the Runner runs.
type Scheduler struct {
	runner Runner
	opts   Options

	mu      sync.Mutex
	stopCh  chan struct{}
	loopWg  sync.WaitGroup
	retry   Timer
	retryN  uint64
	halted  bool
	stopped bool

	passes sync.WaitGroup
}

// New creates a Scheduler. It does nothing until Start, TickNow or
// ForceSync is called.
func New(runner Runner, opts Options) *Scheduler {
	if opts.IsForeground == nil {
		opts.IsForeground = func() bool { return true }
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[scheduler] ", log.LstdFlags)
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	return &Scheduler{runner: runner, opts: opts}
}

// Start begins ticking every interval.
func (s *Scheduler) Start(interval time.Duration) error {
	if interval <= 0 {
		return ErrInvalidInterval
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return ErrAlreadyStarted
	}
	s.stopCh = make(chan struct{})
	s.stopped = false

	s.loopWg.Add(1)
	go s.loop(interval, s.stopCh)

	s.opts.Logger.Printf("Started, interval %s", interval)
	return nil
}

func (s *Scheduler) loop(interval time.Duration, stop <-chan struct{}) {
	defer s.loopWg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick handles one interval tick.
func (s *Scheduler) tick() {
	s.mu.Lock()
	halted, stopped := s.halted, s.stopped
	s.mu.Unlock()

	if halted || stopped {
		return
	}
	if !s.opts.IsForeground() {
		return
	}
	s.pass("tick")
}

// Stop prevents future scheduling. A pass already in flight runs to
// completion; use Wait to block until it has.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	stop := s.stopCh
	s.stopCh = nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		s.loopWg.Wait()
		s.opts.Logger.Println("Stopped")
	}
}

// Wait blocks until every in-flight pass has finished.
func (s *Scheduler) Wait() {
	s.passes.Wait()
}

// TickNow runs a pass immediately, typically because the process regained
// foreground. It is ignored while halted or stopped.
func (s *Scheduler) TickNow() {
	s.mu.Lock()
	halted, stopped := s.halted, s.stopped
	s.mu.Unlock()

	if halted {
		s.opts.Logger.Println("TickNow ignored: halted until a forced sync succeeds")
		return
	}
	if stopped {
		return
	}
	s.pass("focus")
}

// ForceSync runs one pass synchronously and returns its result. It is the
// only way to leave the halted state. The pass still respects the
// Reconciler's single-flight and minimum-interval guards.
func (s *Scheduler) ForceSync(ctx context.Context) reconcile.Result {
	s.passes.Add(1)
	defer s.passes.Done()

	res := s.runner.Run(ctx)
	s.handle("force", res)
	return res
}

// Halted reports whether automatic scheduling is halted.
func (s *Scheduler) Halted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted
}

// pass runs the Runner in its own goroutine. The pass is detached from any
// cancellation so that Stop never aborts it.
func (s *Scheduler) pass(trigger string) {
	s.passes.Add(1)
	go func() {
		defer s.passes.Done()
		res := s.runner.Run(context.Background())
		s.handle(trigger, res)
	}()
}

func (s *Scheduler) handle(trigger string, res reconcile.Result) {
	s.mu.Lock()
	switch res.Outcome {
	case reconcile.OutcomeMerged, reconcile.OutcomeDiscarded:
		if s.halted {
			s.opts.Logger.Println("Resumed after successful sync")
		}
		s.halted = false
		if s.retry != nil {
			s.retry.Stop()
			s.retry = nil
		}

	case reconcile.OutcomeFailed:
		if s.retry != nil {
			s.retry.Stop()
			s.retry = nil
		}
		switch {
		case res.Halt:
			s.halted = true
			s.opts.Logger.Printf("Halted after %d consecutive failures: %v", res.Failures, res.Err)
		case s.stopped:
		default:
			s.retryN++
			n := s.retryN
			s.retry = s.opts.AfterFunc(res.RetryIn, func() { s.retryPass(n) })
		}
	}
	s.mu.Unlock()

	if s.opts.OnResult != nil {
		s.opts.OnResult(trigger, res)
	}
}

// retryPass runs retry number n unless it has been superseded.
func (s *Scheduler) retryPass(n uint64) {
	s.mu.Lock()
	current := n == s.retryN && s.retry != nil
	if current {
		s.retry = nil
	}
	halted, stopped := s.halted, s.stopped
	s.mu.Unlock()

	if !current || halted || stopped {
		return
	}
	s.pass("retry")
}
