package framework

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestTraceCollector_CollectsEvents(t *testing.T) {
	tc := &TraceCollector{}

	tc.OnEvent(RunEvent{Type: EventNodeStart, Node: "A"})
	tc.OnEvent(RunEvent{Type: EventNodeEnd, Node: "A", Status: StatusCompleted, Elapsed: 5 * time.Millisecond})
	tc.OnEvent(RunEvent{Type: EventEdgeTaken, Node: "A", Edge: "E1"})

	events := tc.Events()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Type != EventNodeStart {
		t.Errorf("events[0].Type = %q, want %q", events[0].Type, EventNodeStart)
	}
	if events[1].Elapsed != 5*time.Millisecond {
		t.Errorf("events[1].Elapsed = %v, want 5ms", events[1].Elapsed)
	}
	if events[2].Edge != "E1" {
		t.Errorf("events[2].Edge = %q, want %q", events[2].Edge, "E1")
	}
}

func TestTraceCollector_EventsOfType(t *testing.T) {
	tc := &TraceCollector{}
	tc.OnEvent(RunEvent{Type: EventNodeStart, Node: "A"})
	tc.OnEvent(RunEvent{Type: EventEdgeTaken, Node: "A", Edge: "E1"})
	tc.OnEvent(RunEvent{Type: EventNodeStart, Node: "B"})
	tc.OnEvent(RunEvent{Type: EventRunComplete})

	starts := tc.EventsOfType(EventNodeStart)
	if len(starts) != 2 {
		t.Fatalf("expected 2 node_start events, got %d", len(starts))
	}
	if got := tc.Nodes(EventNodeStart); len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Errorf("Nodes = %v", got)
	}
}

func TestTraceCollector_ResetAndCopy(t *testing.T) {
	tc := &TraceCollector{}
	tc.OnEvent(RunEvent{Type: EventNodeStart, Node: "A"})

	events := tc.Events()
	events[0].Node = "mutated"
	if tc.Events()[0].Node != "A" {
		t.Error("Events() did not return a copy")
	}

	tc.Reset()
	if len(tc.Events()) != 0 {
		t.Errorf("expected 0 events after reset, got %d", len(tc.Events()))
	}
}

func TestMultiObserver_FansOut(t *testing.T) {
	var a, b int
	m := MultiObserver{
		RunObserverFunc(func(RunEvent) { a++ }),
		RunObserverFunc(func(RunEvent) { b++ }),
	}
	m.OnEvent(RunEvent{Type: EventRunComplete})
	if a != 1 || b != 1 {
		t.Errorf("a=%d b=%d, want 1 1", a, b)
	}
}

func TestLogObserver_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	obs := &LogObserver{Logger: logger}

	obs.OnEvent(RunEvent{Type: EventNodeEnd, RunID: "r1", Node: "mapping", Status: StatusFailed, Error: errors.New("boom")})
	obs.OnEvent(RunEvent{Type: EventEdgeTaken, Node: "mapping", Edge: "E2"})

	out := buf.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "node=mapping") || !strings.Contains(out, "error=boom") {
		t.Errorf("unexpected output: %s", out)
	}
	if strings.Contains(out, "edge=E2") {
		t.Errorf("edge events are debug level and should be filtered: %s", out)
	}
}
