package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"mitreflow/pkg/framework"

	"github.com/google/go-cmp/cmp"
)

func backends(t *testing.T) map[string]CheckpointStore {
	t.Helper()
	dir := t.TempDir()
	sqlStore, err := OpenSQL(filepath.Join(dir, "nested", "cp.db"))
	if err != nil {
		t.Fatalf("OpenSQL: %v", err)
	}
	bs, err := OpenBadger(BadgerConfig{InMemory: true})
	if err != nil {
		t.Fatalf("OpenBadger: %v", err)
	}
	out := map[string]CheckpointStore{
		"memory": NewMemStore(),
		"sqlite": sqlStore,
		"badger": bs,
	}
	t.Cleanup(func() {
		for _, s := range out {
			s.Close()
		}
	})
	return out
}

func checkpoint(run string, seq int, node string) *framework.Checkpoint {
	return &framework.Checkpoint{
		RunID:     run,
		ID:        node + "-id",
		Seq:       seq,
		Node:      node,
		Snapshot:  []byte(`{"completed":["` + node + `"]}`),
		Status:    map[string]framework.NodeStatus{node: framework.StatusCompleted},
		CreatedAt: time.Date(2026, 5, 1, 12, 0, seq, 1000, time.UTC),
	}
}

func TestCheckpointStore_PutGetList(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			want := []*framework.Checkpoint{
				checkpoint("run-1", 1, "triage"),
				checkpoint("run-1", 2, "mapping"),
				checkpoint("run-1", 3, "intel"),
			}
			for _, cp := range want {
				if err := s.Put(ctx, cp); err != nil {
					t.Fatalf("Put: %v", err)
				}
			}
			if err := s.Put(ctx, checkpoint("run-2", 1, "triage")); err != nil {
				t.Fatalf("Put run-2: %v", err)
			}

			got, err := s.List(ctx, "run-1")
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("List mismatch (-want +got):\n%s", diff)
			}

			latest, err := s.Get(ctx, "run-1", "")
			if err != nil {
				t.Fatalf("Get latest: %v", err)
			}
			if latest.Node != "intel" || latest.Seq != 3 {
				t.Errorf("latest = %s/%d, want intel/3", latest.Node, latest.Seq)
			}

			byID, err := s.Get(ctx, "run-1", "mapping-id")
			if err != nil {
				t.Fatalf("Get by id: %v", err)
			}
			if diff := cmp.Diff(want[1], byID); diff != "" {
				t.Errorf("Get mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCheckpointStore_NotFound(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Get(ctx, "missing", ""); !errors.Is(err, framework.ErrCheckpointNotFound) {
				t.Errorf("Get latest of unknown run: err = %v", err)
			}
			if err := s.Put(ctx, checkpoint("run", 1, "triage")); err != nil {
				t.Fatal(err)
			}
			if _, err := s.Get(ctx, "run", "nope"); !errors.Is(err, framework.ErrCheckpointNotFound) {
				t.Errorf("Get unknown id: err = %v", err)
			}
			list, err := s.List(ctx, "missing")
			if err != nil || len(list) != 0 {
				t.Errorf("List unknown run = %v, %v", list, err)
			}
		})
	}
}

func TestCheckpointStore_RunIDsSharingAPrefixStayApart(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Put(ctx, checkpoint("run", 1, "triage")); err != nil {
				t.Fatal(err)
			}
			if err := s.Put(ctx, checkpoint("run/x", 5, "report")); err != nil {
				t.Fatal(err)
			}

			list, err := s.List(ctx, "run")
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(list) != 1 || list[0].RunID != "run" {
				t.Errorf("List(run) = %v, want only run's checkpoint", list)
			}
			latest, err := s.Get(ctx, "run", "")
			if err != nil {
				t.Fatalf("Get latest: %v", err)
			}
			if latest.RunID != "run" || latest.Node != "triage" {
				t.Errorf("latest = %s/%s, want run/triage", latest.RunID, latest.Node)
			}
			if _, err := s.Get(ctx, "run", "x/report-id"); !errors.Is(err, framework.ErrCheckpointNotFound) {
				t.Errorf("Get across runs: err = %v, want ErrCheckpointNotFound", err)
			}
		})
	}
}

func TestCheckpointStore_RejectsDuplicateSeq(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Put(ctx, checkpoint("run", 1, "triage")); err != nil {
				t.Fatal(err)
			}
			dup := checkpoint("run", 1, "mapping")
			if err := s.Put(ctx, dup); err == nil {
				t.Error("expected duplicate seq to be rejected")
			}
			if err := s.Put(ctx, &framework.Checkpoint{Seq: 9}); err == nil {
				t.Error("expected missing ids to be rejected")
			}
		})
	}
}

func TestCheckpointStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	cp := checkpoint("run", 1, "triage")
	if err := s.Put(ctx, cp); err != nil {
		t.Fatal(err)
	}
	cp.Status["triage"] = framework.StatusFailed
	got, _ := s.Get(ctx, "run", "")
	if got.Status["triage"] != framework.StatusCompleted {
		t.Error("store kept a reference to the caller's checkpoint")
	}
}

func TestSqlStore_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cp.db")
	s, err := OpenSQL(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, checkpoint("run", 1, "triage")); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = OpenSQL(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.Get(ctx, "run", "")
	if err != nil || got.Node != "triage" {
		t.Fatalf("after reopen: %+v, %v", got, err)
	}
}

func TestRunnerResumesFromSqlStore(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQL(filepath.Join(t.TempDir(), "cp.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	calls := map[string]int{}
	step := func(name string) framework.StepFunc {
		return func(ctx context.Context, st framework.State) (framework.Update, error) {
			calls[name]++
			return framework.Update{name + "_out": calls[name]}, nil
		}
	}
	p, err := framework.NewGraph("chain", framework.NewSchema()).
		AddNode(framework.Node{Name: "a", Step: step("a")}).
		AddNode(framework.Node{Name: "b", Step: step("b")}).
		AddEdge("a", "b").AddEdge("b", framework.End).
		SetStart("a").Compile()
	if err != nil {
		t.Fatal(err)
	}
	r := framework.NewRunner(p, framework.WithCheckpointer(s))
	if _, err := r.Run(ctx, framework.State{}, framework.WithRunID("r1")); err != nil {
		t.Fatal(err)
	}
	first, _ := s.List(ctx, "r1")
	if len(first) != 2 {
		t.Fatalf("checkpoints = %d, want 2", len(first))
	}

	if _, err := r.Run(ctx, nil, framework.WithRunID("r1"), framework.FromCheckpoint(first[0].ID, nil)); err != nil {
		t.Fatal(err)
	}
	if calls["a"] != 1 || calls["b"] != 2 {
		t.Errorf("calls = %v, want a=1 b=2", calls)
	}
}

func TestOpen_Backends(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		backend string
		path    string
		wantNil bool
		wantErr bool
	}{
		{backend: "none", wantNil: true},
		{backend: "", wantNil: true},
		{backend: "memory"},
		{backend: "sqlite", path: filepath.Join(dir, "a.db")},
		{backend: "badger", path: filepath.Join(dir, "badger")},
		{backend: "etcd", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			s, err := Open(tt.backend, tt.path, nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if (s == nil) != tt.wantNil {
				t.Fatalf("store = %v, wantNil %v", s, tt.wantNil)
			}
			if s != nil {
				s.Close()
			}
		})
	}
}
