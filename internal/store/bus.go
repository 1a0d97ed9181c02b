package store

import (
	"log"
	"os"
	"sync"
)

// AllCollections subscribes a callback to changes in every collection.
const AllCollections = "*"

// Op identifies what produced a Change.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpMerge  Op = "merge"
	OpImport Op = "import"
	OpReset  Op = "reset"
)

// Change is delivered to subscribers after a mutation has been applied and
// handed to the persistence port.
type Change struct {
	Collection string
	Op         Op
	// IDs of the records touched. Empty for whole-collection changes
	// (merge, import, reset).
	IDs []string
}

// Callback receives change notifications.
type Callback func(Change)

type subscription struct {
	id         uint64
	collection string
	cb         Callback
}

// Bus is a per-collection observer registry.
//
// Delivery is synchronous and in registration order. A panicking callback
// is recovered and logged; the remaining callbacks still run.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   []subscription
	logger *log.Logger
}

// NewBus creates an empty bus. If logger is nil, a default logger writing
// to stderr is used.
func NewBus(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.New(os.Stderr, "[bus] ", log.LstdFlags)
	}
	return &Bus{logger: logger}
}

// Subscribe registers cb for changes to collection, or to every collection
// when collection is AllCollections. The returned function unsubscribes and
// is safe to call more than once.
func (b *Bus) Subscribe(collection string, cb Callback) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, collection: collection, cb: cb})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Len returns the number of callbacks that would receive a change to
// collection.
func (b *Bus) Len(collection string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.subs {
		if s.collection == collection || s.collection == AllCollections {
			n++
		}
	}
	return n
}

// Publish delivers ch to every matching subscriber.
func (b *Bus) Publish(ch Change) {
	b.mu.Lock()
	targets := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.collection == ch.Collection || s.collection == AllCollections {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		b.deliver(s, ch)
	}
}

func (b *Bus) deliver(s subscription, ch Change) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("WARNING: subscriber %d for %s panicked on %s: %v", s.id, s.collection, ch.Op, r)
		}
	}()
	s.cb(ch)
}
