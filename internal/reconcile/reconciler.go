package reconcile

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/essaydesk/deskstore/internal/store"
)

// Config holds configuration for the Reconciler.
type Config struct {
	// MinInterval is the floor between a successful fetch and the next pass.
	MinInterval time.Duration

	// MaxRetries is how many consecutive failures are retried before the
	// result asks the scheduler to halt.
	MaxRetries int

	// RetryBase is the first retry delay; each further failure doubles it.
	RetryBase time.Duration

	// RetryMax caps the retry delay.
	RetryMax time.Duration

	// StaleAfter relaxes the significance test once no snapshot has been
	// applied for this long. Zero disables it.
	StaleAfter time.Duration

	// Policies name the state and owner fields per collection.
	Policies store.Policies

	// Logger for reconciliation activity
	Logger *log.Logger

	// Now is the clock (default: time.Now).
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MinInterval: time.Second,
		MaxRetries:  3,
		RetryBase:   time.Second,
		RetryMax:    10 * time.Second,
		Policies:    store.DefaultPolicies(),
		Logger:      log.New(os.Stderr, "[reconcile] ", log.LstdFlags),
		Now:         time.Now,
	}
}

// Outcome classifies a finished pass.
type Outcome string

const (
	// OutcomeMerged means at least one collection was significant and merged.
	OutcomeMerged Outcome = "merged"

	// OutcomeDiscarded means the snapshot was fetched but nothing was
	// significant. Local state is untouched.
	OutcomeDiscarded Outcome = "discarded"

	// OutcomeSkipped means a guard prevented the pass from fetching.
	OutcomeSkipped Outcome = "skipped"

	// OutcomeFailed means the fetch failed.
	OutcomeFailed Outcome = "failed"
)

// Result describes one pass.
type Result struct {
	Outcome Outcome

	// Changed lists the collections whose content changed (OutcomeMerged).
	Changed []string

	// Reason explains a skip.
	Reason string

	// Err is the fetch error (OutcomeFailed).
	Err error

	// Transient reports whether Err looked temporary.
	Transient bool

	// Failures is the number of consecutive failed passes so far.
	Failures int

	// RetryIn is the delay before the next attempt after a failure. Zero
	// when Halt is set.
	RetryIn time.Duration

	// Halt asks the scheduler to stop until a forced sync succeeds.
	Halt bool

	// Duration is how long the pass took.
	Duration time.Duration
}

// Stats are cumulative counters for a Reconciler.
type Stats struct {
	Passes              int       `json:"passes"`
	Merges              int       `json:"merges"`
	Discards            int       `json:"discards"`
	Skips               int       `json:"skips"`
	Failures            int       `json:"failures"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
	LastMerge           time.Time `json:"last_merge,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	// Running is true while a pass is in progress.
	Running bool `json:"running"`
}

// Target is the store a Reconciler writes into. *store.Store satisfies it.
type Target interface {
	Apply(op store.Op, fn func(local store.State) map[string][]store.Record) []string
}

// Reconciler runs reconciliation passes of a Target against a remote
// snapshot source. It is safe for concurrent use; overlapping passes are
// skipped, never queued.
type Reconciler struct {
	target Target
	source store.SnapshotSource
	config *Config

	running atomic.Bool

	mu          sync.Mutex
	started     time.Time
	lastSuccess time.Time
	lastApplied time.Time
	failures    int
	stats       Stats
}

// New creates a Reconciler. A nil config uses DefaultConfig.
func New(target Target, source store.SnapshotSource, config *Config) *Reconciler {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[reconcile] ", log.LstdFlags)
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Reconciler{
		target:  target,
		source:  source,
		config:  config,
		started: config.Now(),
	}
}

// Run performs one reconciliation pass.
func (r *Reconciler) Run(ctx context.Context) Result {
	if !r.running.CompareAndSwap(false, true) {
		return r.skip("pass already in progress")
	}
	defer r.running.Store(false)

	start := r.config.Now()

	r.mu.Lock()
	last := r.lastSuccess
	r.mu.Unlock()
	if !last.IsZero() && start.Sub(last) < r.config.MinInterval {
		return r.skip(fmt.Sprintf("last fetch %s ago", start.Sub(last).Round(time.Millisecond)))
	}

	snap, err := r.source.FetchSnapshot(ctx)
	if err == nil && snap == nil {
		err = ErrNilSnapshot
	}
	if err != nil {
		return r.fail(err, start)
	}

	stale := r.isStale(start)
	significant := 0
	changed := r.target.Apply(store.OpMerge, func(local store.State) map[string][]store.Record {
		out := make(map[string][]store.Record)
		for _, name := range snap.Names() {
			l, rm := local[name], snap[name]
			pol := r.config.Policies.For(name)
			if Significant(l, rm, pol) || (stale && differs(l, rm)) {
				out[name] = Merge(l, rm)
				significant++
			}
		}
		return out
	})

	end := r.config.Now()
	res := Result{Changed: changed, Duration: end.Sub(start)}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = 0
	r.lastSuccess = end
	r.stats.Passes++
	r.stats.ConsecutiveFailures = 0
	r.stats.LastSuccess = end
	r.stats.LastError = ""

	if significant == 0 {
		res.Outcome = OutcomeDiscarded
		r.stats.Discards++
		r.config.Logger.Printf("Snapshot not significant, discarded (%d collections)", len(snap))
		return res
	}

	res.Outcome = OutcomeMerged
	r.lastApplied = end
	r.stats.Merges++
	r.stats.LastMerge = end
	r.config.Logger.Printf("Merged %d significant collections, %d changed %v", significant, len(changed), changed)
	return res
}

func (r *Reconciler) skip(reason string) Result {
	r.mu.Lock()
	r.stats.Skips++
	r.mu.Unlock()
	return Result{Outcome: OutcomeSkipped, Reason: reason}
}

func (r *Reconciler) fail(err error, start time.Time) Result {
	transient := IsTransient(err)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures++
	r.stats.Passes++
	r.stats.Failures++
	r.stats.ConsecutiveFailures = r.failures
	r.stats.LastError = err.Error()

	res := Result{
		Outcome:   OutcomeFailed,
		Err:       err,
		Transient: transient,
		Failures:  r.failures,
		Duration:  r.config.Now().Sub(start),
	}

	if r.failures > r.config.MaxRetries {
		res.Halt = true
		r.config.Logger.Printf("ERROR: fetch failed %d times in a row, halting: %v", r.failures, err)
		return res
	}

	res.RetryIn = Backoff(r.failures, r.config.RetryBase, r.config.RetryMax)
	kind := "permanent"
	if transient {
		kind = "transient"
	}
	r.config.Logger.Printf("Warning: fetch failed (%s, attempt %d/%d), retrying in %s: %v",
		kind, r.failures, r.config.MaxRetries, res.RetryIn, err)
	return res
}

// isStale reports whether the staleness escape hatch applies at now.
func (r *Reconciler) isStale(now time.Time) bool {
	if r.config.StaleAfter <= 0 {
		return false
	}
	r.mu.Lock()
	since := r.lastApplied
	if since.IsZero() {
		since = r.started
	}
	r.mu.Unlock()
	return now.Sub(since) > r.config.StaleAfter
}

// Running reports whether a pass is in progress.
func (r *Reconciler) Running() bool {
	return r.running.Load()
}

// Stats returns a copy of the cumulative counters.
func (r *Reconciler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := r.stats
	stats.Running = r.Running()
	return stats
}
