// Package infrastructure selects a schedule store backend from the store
// URL scheme: postgres:// (shared, multi-instance), sqlite://path (local
// file), memory:// (in-process).
package infrastructure

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/schedulezero/schedulezero/internal/infrastructure/memory"
	"github.com/schedulezero/schedulezero/internal/infrastructure/postgres"
	"github.com/schedulezero/schedulezero/internal/infrastructure/sqlite"
	"github.com/schedulezero/schedulezero/internal/store"
)

func OpenStore(ctx context.Context, storeURL string, logger *slog.Logger) (store.ScheduleStore, error) {
	scheme, rest, found := strings.Cut(storeURL, "://")
	if !found {
		return nil, fmt.Errorf("store url %q has no scheme", storeURL)
	}

	switch scheme {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		path := rest
		if path == "" {
			path = ":memory:"
		}
		return sqlite.New(path, logger)
	case "postgres", "postgresql":
		return postgres.New(ctx, storeURL, logger)
	default:
		return nil, fmt.Errorf("unsupported store scheme %q (supported: postgres, sqlite, memory)", scheme)
	}
}
