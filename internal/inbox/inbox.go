// Package inbox imports state documents dropped into a directory.
//
// A *.json, *.yaml or *.jsonl file written into the inbox directory is
// decoded, validated and handed to Store.Import, which replaces the local
// state wholesale. The file is then renamed to <name>.imported, or to
// <name>.rejected when validation fails, so it is never imported twice.
//
// Bursts of events for one file (create followed by several writes) are
// collapsed: a file is processed once no event has arrived for it within
// the debounce interval.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/essaydesk/deskstore/internal/persist"
)

// Suffixes appended to processed files.
const (
	SuffixImported = ".imported"
	SuffixRejected = ".rejected"
)

// ErrAlreadyRunning is returned by Start on a running inbox.
var ErrAlreadyRunning = errors.New("inbox already running")

// Importer receives validated state documents in canonical JSON form.
// *store.Store implements it.
type Importer interface {
	Import(payload string) error
}

// Result describes one processed file.
type Result struct {
	// Path is the file as it was dropped.
	Path string
	// RenamedTo is where the file was moved after processing.
	RenamedTo string
	// Err is the decode or import failure, nil when imported.
	Err error
}

// Imported reports whether the document replaced the local state.
func (r Result) Imported() bool {
	return r.Err == nil
}

// Config holds configuration for the inbox.
type Config struct {
	// Dir is the watched directory. It is created if missing.
	Dir string

	// Debounce is how long a file must be quiet before it is processed.
	Debounce time.Duration

	// OnResult is called after every processed file. Optional.
	OnResult func(Result)

	// Logger for inbox activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults. Dir must still be set.
func DefaultConfig() *Config {
	return &Config{
		Debounce: 200 * time.Millisecond,
		Logger:   log.New(os.Stderr, "[inbox] ", log.LstdFlags),
	}
}

// Inbox watches a directory and imports the documents dropped into it.
type Inbox struct {
	target Importer
	config *Config

	watcher *fsnotify.Watcher

	pending   map[string]time.Time // path -> last event
	pendingMu sync.Mutex

	// importMu serializes processing between the queue and ImportFile.
	importMu sync.Mutex

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an inbox that imports into target.
// Use Start() to begin watching.
func New(target Importer, config *Config) (*Inbox, error) {
	if target == nil {
		return nil, fmt.Errorf("target cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Dir == "" {
		return nil, fmt.Errorf("inbox dir cannot be empty")
	}
	if config.Debounce <= 0 {
		config.Debounce = DefaultConfig().Debounce
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}

	return &Inbox{
		target:  target,
		config:  config,
		pending: make(map[string]time.Time),
	}, nil
}

// Dir returns the watched directory.
func (in *Inbox) Dir() string {
	return in.config.Dir
}

// Start creates the directory if needed, imports any documents already
// waiting in it, and begins watching for new ones. It returns once the
// watch is established; Stop (or cancelling ctx) ends it.
func (in *Inbox) Start(ctx context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.running {
		return ErrAlreadyRunning
	}

	if err := os.MkdirAll(in.config.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create inbox directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(in.config.Dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch inbox directory %s: %w", in.config.Dir, err)
	}
	in.watcher = watcher

	// Files dropped while the process was down are queued like new events.
	for _, path := range in.waiting() {
		in.queue(path)
	}

	ctx, cancel := context.WithCancel(ctx)
	in.cancel = cancel
	in.running = true

	in.wg.Add(2)
	go in.watchEvents(ctx)
	go in.processQueue(ctx)

	in.config.Logger.Printf("Watching: %s", in.config.Dir)
	return nil
}

// Stop ends watching and waits for the background goroutines. Files still
// queued are left in place and picked up by the next Start.
func (in *Inbox) Stop() error {
	in.mu.Lock()
	if !in.running {
		in.mu.Unlock()
		return nil
	}
	in.running = false
	cancel := in.cancel
	watcher := in.watcher
	in.mu.Unlock()

	cancel()
	err := watcher.Close()
	in.wg.Wait()

	in.pendingMu.Lock()
	in.pending = make(map[string]time.Time)
	in.pendingMu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// IsRunning returns true if the inbox is currently watching.
func (in *Inbox) IsRunning() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.running
}

// ImportFile decodes the document at path, imports it, and renames it.
// It works whether or not the inbox is running.
func (in *Inbox) ImportFile(path string) Result {
	in.importMu.Lock()
	defer in.importMu.Unlock()

	res := Result{Path: path, Err: in.importFile(path)}

	suffix := SuffixImported
	if res.Err != nil {
		suffix = SuffixRejected
	}
	res.RenamedTo = path + suffix
	if err := os.Rename(path, res.RenamedTo); err != nil {
		in.config.Logger.Printf("Warning: failed to rename %s: %v", path, err)
		res.RenamedTo = ""
	}

	if res.Err != nil {
		in.config.Logger.Printf("Rejected %s: %v", filepath.Base(path), res.Err)
	} else {
		in.config.Logger.Printf("Imported %s", filepath.Base(path))
	}
	if in.config.OnResult != nil {
		in.config.OnResult(res)
	}
	return res
}

func (in *Inbox) importFile(path string) error {
	format, err := persist.FormatFromPath(path)
	if err != nil {
		return err
	}
	// #nosec G304 - path is inside the configured inbox
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	payload, err := persist.ToJSON(data, format)
	if err != nil {
		return err
	}
	return in.target.Import(payload)
}

// eligible reports whether path names a document the inbox should import.
func eligible(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".json", ".yaml", ".yml", ".jsonl", ".ndjson":
		return true
	default:
		return false
	}
}

// waiting lists eligible documents currently in the directory, by name.
func (in *Inbox) waiting() []string {
	entries, err := os.ReadDir(in.config.Dir)
	if err != nil {
		in.config.Logger.Printf("Warning: failed to list inbox: %v", err)
		return nil
	}
	var paths []string
	for _, e := range entries {
		if e.Type().IsRegular() && eligible(e.Name()) {
			paths = append(paths, filepath.Join(in.config.Dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths
}

// watchEvents monitors filesystem events and queues documents.
func (in *Inbox) watchEvents(ctx context.Context) {
	defer in.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-in.watcher.Events:
			if !ok {
				return
			}
			// Removes and renames (including our own) carry no document.
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !eligible(event.Name) {
				continue
			}
			in.queue(event.Name)

		case err, ok := <-in.watcher.Errors:
			if !ok {
				return
			}
			in.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queue records an event for path, restarting its quiet period.
func (in *Inbox) queue(path string) {
	in.pendingMu.Lock()
	defer in.pendingMu.Unlock()
	in.pending[path] = time.Now()
}

// processQueue imports queued files once they have been quiet long enough.
func (in *Inbox) processQueue(ctx context.Context) {
	defer in.wg.Done()

	ticker := time.NewTicker(in.config.Debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, path := range in.due() {
				if ctx.Err() != nil {
					return
				}
				if _, err := os.Stat(path); err != nil {
					continue
				}
				in.ImportFile(path)
			}
		}
	}
}

// due removes and returns the queued paths whose quiet period has elapsed,
// oldest first so that the last file dropped wins.
func (in *Inbox) due() []string {
	in.pendingMu.Lock()
	defer in.pendingMu.Unlock()

	now := time.Now()
	var ready []string
	for path, at := range in.pending {
		if now.Sub(at) < in.config.Debounce {
			continue
		}
		ready = append(ready, path)
	}
	sort.Slice(ready, func(i, j int) bool {
		ti, tj := in.pending[ready[i]], in.pending[ready[j]]
		if ti.Equal(tj) {
			return ready[i] < ready[j]
		}
		return ti.Before(tj)
	})
	for _, path := range ready {
		delete(in.pending, path)
	}
	return ready
}
