package framework

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

type technique struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func TestReducers(t *testing.T) {
	app := Append[string]()
	if diff := cmp.Diff([]string{"a", "b", "c"}, app([]string{"a"}, []string{"b", "c"})); diff != "" {
		t.Errorf("Append mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"x"}, app(nil, []string{"x"})); diff != "" {
		t.Errorf("Append on nil mismatch (-want +got):\n%s", diff)
	}

	mm := MergeMap[string, int]()
	got := mm(map[string]int{"a": 1, "b": 2}, map[string]int{"b": 3, "c": 4})
	if diff := cmp.Diff(map[string]int{"a": 1, "b": 3, "c": 4}, got); diff != "" {
		t.Errorf("MergeMap mismatch (-want +got):\n%s", diff)
	}

	if Overwrite("old", "new") != "new" {
		t.Error("Overwrite should return the incoming value")
	}
}

func TestAppend_DoesNotAliasPrior(t *testing.T) {
	app := Append[string]()
	prev := make([]string, 1, 8)
	prev[0] = "a"
	first := app(prev, []string{"b"}).([]string)
	second := app(prev, []string{"c"}).([]string)
	if first[1] != "b" || second[1] != "c" {
		t.Errorf("appends aliased: first=%v second=%v", first, second)
	}
}

func TestSchema_MergeUsesDeclaredReducers(t *testing.T) {
	sc := NewSchema()
	summary := Declare[string](sc, "triage_summary", nil)

	st := State{}
	sc.Merge(st, Update{"triage_summary": "first", FieldCompleted: []string{"triage"}})
	sc.Merge(st, Update{"triage_summary": "second", FieldCompleted: []string{"mapping"}})

	if got, _ := summary.Get(st); got != "second" {
		t.Errorf("triage_summary = %q, want second (overwrite)", got)
	}
	got, _ := Completed.Get(st)
	if diff := cmp.Diff([]string{"triage", "mapping"}, got); diff != "" {
		t.Errorf("completed mismatch (-want +got):\n%s", diff)
	}
}

func TestSchema_EncodeDecodeRestoresTypes(t *testing.T) {
	sc := NewSchema()
	techs := Declare[[]technique](sc, "confirmed_techniques", nil)
	DeclareTransient[*struct{}](sc, "client")

	st := State{
		"confirmed_techniques": []technique{{ID: "T1059", Name: "Command and Scripting Interpreter"}},
		FieldTimings:           map[string]time.Duration{"mapping": 2 * time.Second},
		FieldErrors:            []ErrorRecord{{Node: "intel", Message: "x", Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}},
		"client":               &struct{}{},
		"untyped":              "kept",
	}
	data, err := sc.Encode(st)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	back, err := sc.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if _, ok := back["client"]; ok {
		t.Error("transient field must not be encoded")
	}
	got, ok := techs.Get(back)
	if !ok {
		t.Fatalf("confirmed_techniques lost its type: %T", back["confirmed_techniques"])
	}
	if diff := cmp.Diff([]technique{{ID: "T1059", Name: "Command and Scripting Interpreter"}}, got); diff != "" {
		t.Errorf("techniques mismatch (-want +got):\n%s", diff)
	}
	if tm, _ := Timings.Get(back); tm["mapping"] != 2*time.Second {
		t.Errorf("timings = %v", tm)
	}
	if recs, _ := Errors.Get(back); len(recs) != 1 || recs[0].Node != "intel" {
		t.Errorf("errors = %v", recs)
	}
	if back["untyped"] != "kept" {
		t.Errorf("untyped = %v", back["untyped"])
	}
}

func TestSchema_PlainUsesJSONNames(t *testing.T) {
	sc := NewSchema()
	type detections struct {
		AnyZeroCount bool `json:"any_zero_count"`
	}
	Declare[detections](sc, "detections", nil)

	plain, err := sc.Plain(State{"detections": detections{AnyZeroCount: true}})
	if err != nil {
		t.Fatal(err)
	}
	d, ok := plain["detections"].(map[string]any)
	if !ok || d["any_zero_count"] != true {
		t.Errorf("plain detections = %#v", plain["detections"])
	}
}

// Sibling updates touching disjoint output fields merge to the same state
// in every order, up to the order of accumulator entries.
func TestSchema_MergeIsOrderIndependent(t *testing.T) {
	sc := NewSchema()
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	updates := []Update{
		{"intel": "groups", FieldCompleted: []string{"intel"}, FieldTimings: map[string]time.Duration{"intel": 1}},
		{"detections": "components", FieldCompleted: []string{"detection"}, FieldTimings: map[string]time.Duration{"detection": 2}},
		{FieldErrors: []ErrorRecord{{Node: "mitigation", Message: "down", Timestamp: ts}}, FieldTimings: map[string]time.Duration{"mitigation": 3}},
	}

	var want State
	for _, perm := range permutations(len(updates)) {
		st := State{"incident_text": "alert A"}
		for _, i := range perm {
			sc.Merge(st, updates[i])
		}
		if want == nil {
			want = st
			continue
		}
		opts := cmp.Options{
			cmpopts.SortSlices(func(a, b string) bool { return a < b }),
			cmpopts.SortSlices(func(a, b ErrorRecord) bool { return a.Node < b.Node }),
		}
		if diff := cmp.Diff(want, st, opts); diff != "" {
			t.Errorf("order %v changed the merged state (-want +got):\n%s", perm, diff)
		}
	}
}

func TestStore_SnapshotIsACopy(t *testing.T) {
	sc := NewSchema()
	s := NewStore(sc, State{"a": 1})
	snap := s.Snapshot()
	snap["a"] = 2
	if s.Snapshot()["a"] != 1 {
		t.Error("mutating a snapshot leaked into the store")
	}
	merged := s.Merge(Update{"b": 3})
	if merged["b"] != 3 || merged["a"] != 1 {
		t.Errorf("merged = %v", merged)
	}
}

func permutations(n int) [][]int {
	if n == 0 {
		return [][]int{{}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			q := make([]int, 0, n)
			q = append(q, p[:i]...)
			q = append(q, n-1)
			q = append(q, p[i:]...)
			out = append(out, q)
		}
	}
	return out
}
