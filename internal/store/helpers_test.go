package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"
)

// memPort is an in-memory Port that records what it was asked to do.
type memPort struct {
	mu      sync.Mutex
	data    []byte
	saved   bool
	saves   int
	clears  int
	saveErr error
}

func (p *memPort) Save(_ context.Context, state State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves++
	if p.saveErr != nil {
		return p.saveErr
	}
	data, err := EncodeState(state)
	if err != nil {
		return err
	}
	p.data = data
	p.saved = true
	return nil
}

func (p *memPort) Load(_ context.Context) (State, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.saved {
		return nil, false, nil
	}
	st, err := DecodeStateLenient(p.data)
	if err != nil {
		return nil, false, err
	}
	return st, true, nil
}

func (p *memPort) Clear(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clears++
	p.data = nil
	p.saved = false
	return nil
}

func (p *memPort) saveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saves
}

// fakeClock hands out strictly increasing times.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// newTestStore creates a Store with a memory port, fake clock and
// sequential ids.
func newTestStore(t *testing.T) (*Store, *memPort) {
	t.Helper()
	port := &memPort{}
	clock := newFakeClock()
	n := 0
	st := New(Options{
		Port:   port,
		Logger: quietLogger(),
		Now:    clock.Now,
		NewID: func() string {
			n++
			return fmt.Sprintf("id-%d", n)
		},
	})
	return st, port
}

var errBoom = errors.New("boom")
