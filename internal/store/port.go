package store

import "context"

// Port persists the whole local state.
//
// The Store calls Save after every committed mutation and merge. Save must
// not retain the state map after it returns. Load reports ok=false when
// nothing has been persisted yet.
type Port interface {
	Save(ctx context.Context, state State) error
	Load(ctx context.Context) (state State, ok bool, err error)
	Clear(ctx context.Context) error
}

// SnapshotSource fetches a full snapshot from the remote authority.
type SnapshotSource interface {
	FetchSnapshot(ctx context.Context) (State, error)
}

// SourceFunc adapts a function to SnapshotSource.
type SourceFunc func(ctx context.Context) (State, error)

// FetchSnapshot implements SnapshotSource.
func (f SourceFunc) FetchSnapshot(ctx context.Context) (State, error) {
	return f(ctx)
}
