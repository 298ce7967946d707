package testsupport

import (
	"testing"

	"dpas/internal/config"
	"dpas/internal/queue"
	"dpas/internal/results"
)

// MustOpenQueue opens a queue.Store for tests and registers cleanup.
func MustOpenQueue(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// MustOpenQueueWithClock opens a queue whose lease arithmetic follows clock.
func MustOpenQueueWithClock(t testing.TB, cfg *config.Config, clock *Clock) *queue.Store {
	t.Helper()

	store, err := queue.OpenPath(cfg.QueuePath(), queue.Options{
		LeaseDuration: cfg.LeaseDuration(),
		MaxAttempts:   cfg.Queue.MaxAttempts,
		Clock:         clock.Now,
	})
	if err != nil {
		t.Fatalf("queue.OpenPath: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// MustOpenResults opens the result store under cfg.Paths.ResultsDir.
func MustOpenResults(t testing.TB, cfg *config.Config) *results.Store {
	t.Helper()

	store, err := results.Open(cfg.Paths.ResultsDir)
	if err != nil {
		t.Fatalf("results.Open: %v", err)
	}
	return store
}
