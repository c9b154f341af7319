package testsupport

import (
	"testing"

	"restune/internal/config"
	"restune/internal/recovery"
)

// MustOpenRecovery opens the recovery store for tests and registers cleanup.
func MustOpenRecovery(t testing.TB, cfg *config.Config) *recovery.Store {
	t.Helper()

	store, err := recovery.Open(cfg)
	if err != nil {
		t.Fatalf("recovery.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}
