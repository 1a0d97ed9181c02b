package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/essaydesk/deskstore/internal/config"
	"github.com/essaydesk/deskstore/internal/persist"
	"github.com/essaydesk/deskstore/internal/reconcile"
	"github.com/essaydesk/deskstore/internal/remote"
	"github.com/essaydesk/deskstore/internal/store"
)

// errNoRemote is returned by commands that need remote.url.
var errNoRemote = errors.New("no remote configured (set remote.url, DESK_REMOTE_URL or --remote)")

// app is an opened store with its backend and optional remote.
type app struct {
	store  *store.Store
	port   store.Port
	source store.SnapshotSource
	sqlite *persist.SQLiteBackend
}

// openApp opens the configured backend and loads the store from it.
func openApp(ctx context.Context) (*app, error) {
	a := &app{}

	switch cfg.Store.Backend {
	case config.BackendSQLite:
		b, err := persist.OpenSQLite(cfg.StorePath())
		if err != nil {
			return nil, err
		}
		a.sqlite = b
		a.port = b
	case config.BackendMemory:
		a.port = persist.NewMemoryBackend()
	default:
		a.port = persist.NewFileBackend(cfg.StorePath())
	}

	if cfg.HasRemote() {
		src, err := remote.New(&remote.Config{
			URL:     cfg.Remote.URL,
			Token:   cfg.Remote.Token,
			Timeout: cfg.Remote.Timeout,
			Logger:  sink.Logger("remote"),
		}, nil)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.source = src
	}

	st, err := store.Open(ctx, store.Options{
		Port:   a.port,
		Source: a.source,
		Logger: sink.Logger("store"),
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = st
	return a, nil
}

// reconciler builds a Reconciler from the sync settings.
func (a *app) reconciler() (*reconcile.Reconciler, error) {
	if a.source == nil {
		return nil, errNoRemote
	}
	return reconcile.New(a.store, a.source, &reconcile.Config{
		MinInterval: cfg.Sync.MinInterval,
		MaxRetries:  cfg.Sync.MaxRetries,
		RetryBase:   cfg.Sync.RetryBase,
		RetryMax:    cfg.Sync.RetryMax,
		StaleAfter:  cfg.Sync.StaleAfter,
		Policies:    cfg.Policies,
		Logger:      sink.Logger("reconcile"),
	}), nil
}

// Close releases the backend.
func (a *app) Close() {
	if a.sqlite != nil {
		if err := a.sqlite.Close(); err != nil {
			fmt.Printf("Warning: %v\n", err)
		}
	}
}
