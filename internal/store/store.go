package store

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Options configures a Store.
type Options struct {
	// Port persists the state after every mutation. Nil keeps state in
	// memory only.
	Port Port

	// Source bootstraps an empty store and backs Reset. Optional.
	Source SnapshotSource

	// Logger for store activity (default: stderr logger).
	Logger *log.Logger

	// Now stamps createdAt/updatedAt (default: time.Now).
	Now func() time.Time

	// NewID generates record ids (default: UUIDv7).
	NewID func() string
}

// Store holds every collection of the running process and exposes CRUD.
//
// Mutations are serialized: each one is applied in memory and handed to
// the Port under the write lock, and its changes are queued in mutation
// order. The queue is delivered after the lock is released, so callbacks
// may read and write the Store. Reads never wait on persistence or
// notification.
//
// One goroutine delivers at a time. A write made from inside a callback, or
// by another goroutine while delivery is in progress, returns once it is
// persisted; its notification follows the ones already queued.
type Store struct {
	port   Port
	source SnapshotSource
	bus    *Bus
	logger *log.Logger
	now    func() time.Time
	newID  func() string

	writeMu sync.Mutex

	notifyMu   sync.Mutex
	pending    []Change
	delivering bool

	mu        sync.RWMutex
	state     State
	malformed map[string]struct{}
}

// New creates an empty Store. Use Open to load persisted state.
func New(opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.Must(uuid.NewV7()).String() }
	}
	return &Store{
		port:      opts.Port,
		source:    opts.Source,
		bus:       NewBus(opts.Logger),
		logger:    opts.Logger,
		now:       opts.Now,
		newID:     opts.NewID,
		state:     State{},
		malformed: make(map[string]struct{}),
	}
}

// Open creates a Store and initializes its state: from the Port if a copy
// was persisted, otherwise from one remote snapshot, otherwise empty.
//
// A persisted copy that cannot be read is an error rather than a silent
// empty start, since the next save would overwrite it.
func Open(ctx context.Context, opts Options) (*Store, error) {
	s := New(opts)

	if s.port != nil {
		state, ok, err := s.port.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load persisted state: %w", err)
		}
		if ok {
			s.adopt(state)
			s.logger.Printf("Loaded %d records in %d collections", s.state.Len(), len(s.state))
			return s, nil
		}
	}

	if s.source == nil {
		s.logger.Printf("No persisted state and no remote source, starting empty")
		return s, nil
	}

	snap, err := s.source.FetchSnapshot(ctx)
	if err != nil {
		s.logger.Printf("WARNING: bootstrap snapshot failed, starting empty: %v", err)
		return s, nil
	}
	s.adopt(snap.Clone())
	s.persist()
	s.logger.Printf("Bootstrapped %d records in %d collections from remote", s.state.Len(), len(s.state))
	return s, nil
}

// adopt replaces the state wholesale. Nil collections mark malformed input
// (see DecodeStateLenient).
func (s *Store) adopt(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = make(State, len(state))
	s.malformed = make(map[string]struct{})
	for name, recs := range state {
		if recs == nil {
			s.malformed[name] = struct{}{}
			s.logger.Printf("WARNING: collection %s: %v", name, ErrCollectionNotArray)
			continue
		}
		s.state[name] = recs
	}
}

// Bus returns the store's subscription bus.
func (s *Store) Bus() *Bus {
	return s.bus
}

// Subscribe registers cb for changes to collection (or AllCollections).
func (s *Store) Subscribe(collection string, cb Callback) func() {
	return s.bus.Subscribe(collection, cb)
}

// Find returns copies of the records in collection that satisfy pred, or all
// of them when pred is nil.
func (s *Store) Find(collection string, pred func(Record) bool) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, bad := s.malformed[collection]; bad {
		s.logger.Printf("WARNING: find %s: %v", collection, ErrCollectionNotArray)
		return []Record{}
	}

	recs := s.state[collection]
	out := make([]Record, 0, len(recs))
	for _, r := range recs {
		if pred == nil || pred(r) {
			out = append(out, r.Clone())
		}
	}
	return out
}

// FindOne returns the first record in collection that satisfies pred.
func (s *Store) FindOne(collection string, pred func(Record) bool) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.state[collection] {
		if pred == nil || pred(r) {
			return r.Clone(), true
		}
	}
	return Record{}, false
}

// FindByID returns the record with the given id.
func (s *Store) FindByID(collection, id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexOf(collection, id); i >= 0 {
		return s.state[collection][i].Clone(), true
	}
	return Record{}, false
}

// Count returns the number of records in collection.
func (s *Store) Count(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state[collection])
}

// Collections returns the collection names in sorted order.
func (s *Store) Collections() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Names()
}

// State returns a deep copy of the whole local state.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// Create appends rec to collection and returns the stored copy.
//
// An empty ID is replaced by a generated one; a supplied ID that already
// exists in the collection is also replaced (and logged) so ids stay unique.
// CreatedAt and UpdatedAt are stamped with the current time.
func (s *Store) Create(collection string, rec Record) Record {
	defer s.deliver()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	rec = rec.Clone()
	if rec.Fields == nil {
		rec.Fields = Fields{}
	}
	if rec.ID != "" && s.indexOf(collection, rec.ID) >= 0 {
		s.logger.Printf("WARNING: create %s: id %s already exists, assigning a new id", collection, rec.ID)
		rec.ID = ""
	}
	if rec.ID == "" {
		rec.ID = s.uniqueID(collection)
	}
	now := s.now()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	delete(s.malformed, collection)
	s.state[collection] = append(s.state[collection], rec)
	s.mu.Unlock()

	s.persist()
	s.enqueue(Change{Collection: collection, Op: OpCreate, IDs: []string{rec.ID}})
	return rec.Clone()
}

// Update merges fields into the record with the given id and stamps
// UpdatedAt. A nil field value removes the field. The reserved keys id,
// createdAt and updatedAt are ignored.
//
// A missing id is reported and logged, never raised: ok is false and no
// subscriber is notified.
func (s *Store) Update(collection, id string, fields Fields) (Record, bool) {
	defer s.deliver()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	i := s.indexOf(collection, id)
	if i < 0 {
		s.mu.Unlock()
		s.logger.Printf("WARNING: update %s/%s: record not found", collection, id)
		return Record{}, false
	}

	rec := s.state[collection][i].Clone()
	if rec.Fields == nil {
		rec.Fields = Fields{}
	}
	for k, v := range fields {
		switch k {
		case KeyID, KeyCreatedAt, KeyUpdatedAt:
			continue
		}
		if v == nil {
			delete(rec.Fields, k)
			continue
		}
		rec.Fields[k] = cloneValue(v)
	}
	rec.UpdatedAt = laterOf(s.now(), rec.Timestamp())
	s.state[collection][i] = rec
	s.mu.Unlock()

	s.persist()
	s.enqueue(Change{Collection: collection, Op: OpUpdate, IDs: []string{id}})
	return rec.Clone(), true
}

// Delete removes the record with the given id. It returns false, without
// notifying anyone, when the record does not exist.
func (s *Store) Delete(collection, id string) bool {
	defer s.deliver()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	i := s.indexOf(collection, id)
	if i < 0 {
		s.mu.Unlock()
		s.logger.Printf("WARNING: delete %s/%s: record not found", collection, id)
		return false
	}
	recs := s.state[collection]
	s.state[collection] = append(recs[:i:i], recs[i+1:]...)
	s.mu.Unlock()

	s.persist()
	s.enqueue(Change{Collection: collection, Op: OpDelete, IDs: []string{id}})
	return true
}

// Apply runs fn against the current state with the write lock held and
// replaces every collection fn returns. fn must not modify local and must
// not call back into the Store.
//
// Only collections whose content actually changed are replaced; the state
// is persisted once and each changed collection is published with op.
// Apply returns the changed collection names in sorted order.
func (s *Store) Apply(op Op, fn func(local State) map[string][]Record) []string {
	defer s.deliver()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	next := fn(s.state)
	var changed []string
	for name, recs := range next {
		if recs == nil {
			recs = []Record{}
		}
		_, exists := s.state[name]
		_, bad := s.malformed[name]
		if !bad && sameRecords(s.state[name], recs) && (exists || len(recs) == 0) {
			continue
		}
		s.state[name] = recs
		delete(s.malformed, name)
		changed = append(changed, name)
	}
	s.mu.Unlock()

	if len(changed) == 0 {
		return nil
	}
	sort.Strings(changed)

	s.persist()
	for _, name := range changed {
		s.enqueue(Change{Collection: name, Op: op})
	}
	return changed
}

// Export serializes the whole local state as a JSON document.
func (s *Store) Export() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := EncodeState(s.state)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Import validates payload and, on success, replaces the local state
// wholesale. A malformed payload leaves the state untouched and returns an
// error matching ErrMalformedPayload.
func (s *Store) Import(payload string) error {
	state, err := DecodeState([]byte(payload))
	if err != nil {
		return err
	}

	defer s.deliver()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	prev := s.state
	s.state = state
	s.malformed = make(map[string]struct{})
	s.mu.Unlock()

	s.persist()
	s.logger.Printf("Imported %d records in %d collections", state.Len(), len(state))
	for _, name := range unionNames(prev, state) {
		s.enqueue(Change{Collection: name, Op: OpImport})
	}
	return nil
}

// Reset re-bootstraps the store from a fresh remote snapshot and replaces
// the persisted state with it. The snapshot is fetched before the write
// lock is taken, so CRUD is not blocked by the fetch. Without a source, or
// when the fetch fails, the store is left empty and nothing is persisted,
// so the next start bootstraps again.
func (s *Store) Reset(ctx context.Context) error {
	next := State{}
	fetched := false
	if s.source == nil {
		s.logger.Printf("WARNING: reset: %v, starting empty", ErrNoSnapshotSource)
	} else if snap, err := s.source.FetchSnapshot(ctx); err != nil {
		s.logger.Printf("WARNING: reset: snapshot fetch failed, starting empty: %v", err)
	} else {
		next = snap.Clone()
		fetched = true
	}

	defer s.deliver()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.port != nil {
		if err := s.port.Clear(ctx); err != nil {
			return fmt.Errorf("failed to clear persisted state: %w", err)
		}
	}

	s.mu.Lock()
	prev := s.state
	s.state = next
	s.malformed = make(map[string]struct{})
	s.mu.Unlock()

	if fetched {
		s.persist()
	}
	s.logger.Printf("Reset complete: %d records in %d collections", next.Len(), len(next))
	for _, name := range unionNames(prev, next) {
		s.enqueue(Change{Collection: name, Op: OpReset})
	}
	return nil
}

// SaveTo writes the current state to an arbitrary port, e.g. a download
// artifact. It does not change where the Store itself persists.
func (s *Store) SaveTo(ctx context.Context, port Port) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := port.Save(ctx, s.state); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// persist hands the state to the Port. Failures are logged; the in-memory
// mutation stands. Callers hold writeMu, so the state cannot change while
// the read lock is held here.
func (s *Store) persist() {
	if s.port == nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.port.Save(context.Background(), s.state); err != nil {
		s.logger.Printf("WARNING: failed to persist state: %v", err)
	}
}

// enqueue requires writeMu, which keeps the queue in mutation order.
func (s *Store) enqueue(ch Change) {
	s.notifyMu.Lock()
	s.pending = append(s.pending, ch)
	s.notifyMu.Unlock()
}

// deliver publishes queued changes. Callers must not hold writeMu. The
// first caller drains the queue, including changes queued by callbacks
// while it runs; any other caller returns at once.
func (s *Store) deliver() {
	s.notifyMu.Lock()
	if s.delivering {
		s.notifyMu.Unlock()
		return
	}
	s.delivering = true
	for len(s.pending) > 0 {
		ch := s.pending[0]
		s.pending[0] = Change{}
		s.pending = s.pending[1:]
		s.notifyMu.Unlock()

		s.bus.Publish(ch)

		s.notifyMu.Lock()
	}
	s.pending = nil
	s.delivering = false
	s.notifyMu.Unlock()
}

// indexOf requires s.mu.
func (s *Store) indexOf(collection, id string) int {
	for i, r := range s.state[collection] {
		if r.ID == id {
			return i
		}
	}
	return -1
}

// uniqueID requires s.mu.
func (s *Store) uniqueID(collection string) string {
	id := s.newID()
	for n := 1; s.indexOf(collection, id) >= 0; n++ {
		if n < 8 {
			id = s.newID()
			continue
		}
		id = id + "-" + strconv.Itoa(n)
	}
	return id
}

func sameRecords(a, b []Record) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

func unionNames(a, b State) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for name := range a {
		seen[name] = struct{}{}
	}
	for name := range b {
		seen[name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
