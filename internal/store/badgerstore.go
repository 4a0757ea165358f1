package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"mitreflow/pkg/framework"

	"github.com/dgraph-io/badger/v4"
)

// BadgerConfig configures the Badger checkpoint backend.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path     string
	InMemory bool

	SyncWrites bool

	// Logger receives Badger's internal log lines. Nil disables them.
	Logger *slog.Logger

	// GCInterval is how often value-log GC runs. Zero disables it.
	GCInterval     time.Duration
	GCDiscardRatio float64
}

// DefaultBadgerConfig returns settings for a persistent store.
func DefaultBadgerConfig() BadgerConfig {
	return BadgerConfig{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// badgerLogger adapts slog to badger.Logger.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerStore keeps checkpoints in Badger under
//
//	cp/<len>:<run>/<seq, 10 digits>  -> JSON checkpoint
//	id/<len>:<run>/<checkpoint id>   -> the cp/ key
//
// The run segment is length-prefixed so run ids containing "/" never share
// a key prefix with another run.
type BadgerStore struct {
	db     *badger.DB
	stopGC chan struct{}
	doneGC chan struct{}
}

// OpenBadger opens the Badger database described by cfg.
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	s := &BadgerStore{db: db}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.doneGC = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
	}
	return s, nil
}

func (s *BadgerStore) runGC(interval time.Duration, ratio float64, logger *slog.Logger) {
	defer close(s.doneGC)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && logger != nil {
				logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

// Close stops GC and closes the database.
func (s *BadgerStore) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.doneGC
	}
	return s.db.Close()
}

func runSegment(runID string) string {
	return fmt.Sprintf("%d:%s/", len(runID), runID)
}

func seqKey(runID string, seq int) []byte {
	return []byte(fmt.Sprintf("cp/%s%010d", runSegment(runID), seq))
}

func idKey(runID, id string) []byte {
	return []byte("id/" + runSegment(runID) + id)
}

func runPrefix(runID string) []byte {
	return []byte("cp/" + runSegment(runID))
}

func (s *BadgerStore) Put(_ context.Context, cp *framework.Checkpoint) error {
	if cp == nil || cp.RunID == "" || cp.ID == "" {
		return fmt.Errorf("put checkpoint: run id and checkpoint id are required")
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	key := seqKey(cp.RunID, cp.Seq)
	return s.db.Update(func(txn *badger.Txn) error {
		for _, k := range [][]byte{key, idKey(cp.RunID, cp.ID)} {
			if _, err := txn.Get(k); err == nil {
				return fmt.Errorf("put checkpoint %s/%s: seq %d already stored", cp.RunID, cp.ID, cp.Seq)
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set(idKey(cp.RunID, cp.ID), key)
	})
}

func (s *BadgerStore) Get(_ context.Context, runID, checkpointID string) (*framework.Checkpoint, error) {
	var cp *framework.Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		var key []byte
		if checkpointID == "" {
			opts := badger.DefaultIteratorOptions
			opts.Reverse = true
			opts.Prefix = runPrefix(runID)
			it := txn.NewIterator(opts)
			defer it.Close()
			it.Seek(append(runPrefix(runID), 0xff))
			if !it.Valid() {
				return framework.ErrCheckpointNotFound
			}
			key = it.Item().KeyCopy(nil)
		} else {
			item, err := txn.Get(idKey(runID, checkpointID))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return framework.ErrCheckpointNotFound
			}
			if err != nil {
				return err
			}
			if key, err = item.ValueCopy(nil); err != nil {
				return err
			}
		}
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			cp = new(framework.Checkpoint)
			return json.Unmarshal(val, cp)
		})
	})
	if errors.Is(err, framework.ErrCheckpointNotFound) {
		return nil, fmt.Errorf("run %q checkpoint %q: %w", runID, checkpointID, err)
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return cp, nil
}

func (s *BadgerStore) List(_ context.Context, runID string) ([]*framework.Checkpoint, error) {
	var out []*framework.Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = runPrefix(runID)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var cp framework.Checkpoint
				if err := json.Unmarshal(val, &cp); err != nil {
					return err
				}
				out = append(out, &cp)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return out, nil
}
