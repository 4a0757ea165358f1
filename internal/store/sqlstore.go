package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"mitreflow/pkg/framework"

	_ "modernc.org/sqlite"
)

// SqlStore implements the checkpoint store with SQLite.
type SqlStore struct {
	db *sql.DB
}

// OpenSQL opens or creates a SQLite DB at path and runs migrations.
// Creates the parent directory (e.g. .mitreflow) if it does not exist.
func OpenSQL(path string) (*SqlStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Checkpoints are written from one goroutine per run; a single
	// connection avoids SQLITE_BUSY between concurrent runs.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &SqlStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SqlStore) migrate() error {
	var tableCount int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableCount)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	if tableCount == 0 {
		return s.freshInstall()
	}

	var v int
	err = s.db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return s.freshInstall()
	}
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	switch v {
	case currentSchemaVersion:
		return nil
	default:
		return fmt.Errorf("unknown schema version %d", v)
	}
}

func (s *SqlStore) freshInstall() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(schemaV1); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version(version) VALUES(?)", currentSchemaVersion); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return tx.Commit()
}

// Close closes the database.
func (s *SqlStore) Close() error {
	return s.db.Close()
}

func (s *SqlStore) Put(ctx context.Context, cp *framework.Checkpoint) error {
	if cp == nil || cp.RunID == "" || cp.ID == "" {
		return fmt.Errorf("put checkpoint: run id and checkpoint id are required")
	}
	status, err := json.Marshal(cp.Status)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints(run_id, checkpoint_id, seq, node, snapshot, status, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		cp.RunID, cp.ID, cp.Seq, cp.Node, cp.Snapshot, string(status),
		cp.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert checkpoint %s/%s: %w", cp.RunID, cp.ID, err)
	}
	return nil
}

const selectCheckpoint = `SELECT run_id, checkpoint_id, seq, node, snapshot, status, created_at FROM checkpoints`

func (s *SqlStore) Get(ctx context.Context, runID, checkpointID string) (*framework.Checkpoint, error) {
	var row *sql.Row
	if checkpointID == "" {
		row = s.db.QueryRowContext(ctx, selectCheckpoint+` WHERE run_id = ? ORDER BY seq DESC LIMIT 1`, runID)
	} else {
		row = s.db.QueryRowContext(ctx, selectCheckpoint+` WHERE run_id = ? AND checkpoint_id = ?`, runID, checkpointID)
	}
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %q checkpoint %q: %w", runID, checkpointID, framework.ErrCheckpointNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return cp, nil
}

func (s *SqlStore) List(ctx context.Context, runID string) ([]*framework.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, selectCheckpoint+` WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*framework.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(sc scanner) (*framework.Checkpoint, error) {
	var (
		cp      framework.Checkpoint
		status  string
		created string
	)
	if err := sc.Scan(&cp.RunID, &cp.ID, &cp.Seq, &cp.Node, &cp.Snapshot, &status, &created); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(status), &cp.Status); err != nil {
		return nil, fmt.Errorf("decode status of %s: %w", cp.ID, err)
	}
	t, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return nil, fmt.Errorf("parse created_at of %s: %w", cp.ID, err)
	}
	cp.CreatedAt = t
	return &cp, nil
}
