package testsupport

import (
	"context"
	"testing"

	"qlbridge/internal/config"
	"qlbridge/internal/history"
)

// MustOpenStore opens a history.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config, opts ...history.Option) *history.Store {
	t.Helper()

	store, err := history.Open(cfg, opts...)
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewRun records a running query for tests using the provided store.
func NewRun(t testing.TB, store *history.Store, queryPath, databasePath string) *history.Run {
	t.Helper()

	run, err := store.Create(context.Background(), queryPath, databasePath)
	if err != nil {
		t.Fatalf("store.Create: %v", err)
	}
	return run
}
