// Package store persists run checkpoints. Three backends implement
// framework.CheckpointStore: an in-memory map, SQLite and Badger.
package store

import (
	"fmt"
	"io"
	"log/slog"

	"mitreflow/pkg/framework"
)

// DefaultDBPath is the default relative path for the SQLite checkpoint DB.
const DefaultDBPath = ".mitreflow/checkpoints.db"

// DefaultBadgerPath is the default directory for the Badger backend.
const DefaultBadgerPath = ".mitreflow/badger"

// Backend names accepted by Open.
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// CheckpointStore is a framework.CheckpointStore that owns resources.
type CheckpointStore interface {
	framework.CheckpointStore
	io.Closer
}

// Open returns the checkpoint store for backend. An empty path selects the
// backend default. BackendNone returns (nil, nil).
func Open(backend, path string, logger *slog.Logger) (CheckpointStore, error) {
	switch backend {
	case "", BackendNone:
		return nil, nil
	case BackendMemory:
		return NewMemStore(), nil
	case BackendSQLite:
		if path == "" {
			path = DefaultDBPath
		}
		s, err := OpenSQL(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendBadger:
		cfg := DefaultBadgerConfig()
		cfg.Path = path
		if cfg.Path == "" {
			cfg.Path = DefaultBadgerPath
		}
		cfg.Logger = logger
		s, err := OpenBadger(cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", backend)
	}
}
