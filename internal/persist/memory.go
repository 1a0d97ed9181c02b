package persist

import (
	"context"
	"sync"

	"github.com/essaydesk/deskstore/internal/store"
)

// MemoryBackend keeps the persisted state in process memory. It stores an
// encoded copy, so later mutations of the saved map are never visible.
type MemoryBackend struct {
	mu    sync.Mutex
	data  []byte
	saves int
}

// NewMemoryBackend creates an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// Save implements store.Port.
func (b *MemoryBackend) Save(_ context.Context, state store.State) error {
	data, err := store.EncodeState(state)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = data
	b.saves++
	return nil
}

// Load implements store.Port.
func (b *MemoryBackend) Load(_ context.Context) (store.State, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return nil, false, nil
	}
	state, err := store.DecodeStateLenient(b.data)
	if err != nil {
		return nil, false, err
	}
	return state, true, nil
}

// Clear implements store.Port.
func (b *MemoryBackend) Clear(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = nil
	return nil
}

// saveCount returns how many times Save succeeded.
func (b *MemoryBackend) saveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saves
}
