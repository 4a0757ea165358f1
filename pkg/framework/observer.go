package framework

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RunEventType classifies run events for filtering and routing.
type RunEventType string

const (
	EventNodeStart   RunEventType = "node_start"
	EventNodeEnd     RunEventType = "node_end"
	EventNodeSkipped RunEventType = "node_skipped"
	EventEdgeTaken   RunEventType = "edge_taken"
	EventCheckpoint  RunEventType = "checkpoint"
	EventRunComplete RunEventType = "run_complete"
	EventRunError    RunEventType = "run_error"
)

// RunEvent is a single observation from a run. Metadata is the
// forward-compatible extension point.
type RunEvent struct {
	Type     RunEventType
	RunID    string
	Node     string
	Edge     string
	Route    string
	Status   NodeStatus
	Elapsed  time.Duration
	Error    error
	Metadata map[string]any
}

// RunObserver receives events during a run. Events are delivered from the
// scheduler goroutine, one at a time.
type RunObserver interface {
	OnEvent(RunEvent)
}

// RunObserverFunc adapts a plain function to the RunObserver interface.
type RunObserverFunc func(RunEvent)

func (f RunObserverFunc) OnEvent(e RunEvent) { f(e) }

// MultiObserver fans out events to multiple observers.
type MultiObserver []RunObserver

func (m MultiObserver) OnEvent(e RunEvent) {
	for _, obs := range m {
		obs.OnEvent(e)
	}
}

// LogObserver writes run events as structured slog lines.
type LogObserver struct {
	Logger *slog.Logger
}

func (o *LogObserver) OnEvent(e RunEvent) {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}

	attrs := []slog.Attr{
		slog.String("event", string(e.Type)),
	}
	if e.RunID != "" {
		attrs = append(attrs, slog.String("run_id", e.RunID))
	}
	if e.Node != "" {
		attrs = append(attrs, slog.String("node", e.Node))
	}
	if e.Edge != "" {
		attrs = append(attrs, slog.String("edge", e.Edge))
	}
	if e.Route != "" {
		attrs = append(attrs, slog.String("route", e.Route))
	}
	if e.Status != "" {
		attrs = append(attrs, slog.String("status", string(e.Status)))
	}
	if e.Elapsed > 0 {
		attrs = append(attrs, slog.Duration("elapsed", e.Elapsed))
	}
	if e.Error != nil {
		attrs = append(attrs, slog.String("error", e.Error.Error()))
	}

	level := slog.LevelInfo
	switch {
	case e.Error != nil || e.Status == StatusFailed:
		level = slog.LevelWarn
	case e.Type == EventEdgeTaken || e.Type == EventCheckpoint:
		level = slog.LevelDebug
	}
	logger.LogAttrs(context.Background(), level, "run", attrs...)
}

// TraceCollector accumulates run events in memory for post-run analysis.
// Safe for concurrent use.
type TraceCollector struct {
	mu     sync.Mutex
	events []RunEvent
}

func (t *TraceCollector) OnEvent(e RunEvent) {
	t.mu.Lock()
	t.events = append(t.events, e)
	t.mu.Unlock()
}

// Events returns a copy of all collected events.
func (t *TraceCollector) Events() []RunEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]RunEvent, len(t.events))
	copy(out, t.events)
	return out
}

// Reset clears collected events.
func (t *TraceCollector) Reset() {
	t.mu.Lock()
	t.events = nil
	t.mu.Unlock()
}

// EventsOfType returns only events matching the given type.
func (t *TraceCollector) EventsOfType(typ RunEventType) []RunEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []RunEvent
	for _, e := range t.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// Nodes returns the names carried by events of typ, in arrival order.
func (t *TraceCollector) Nodes(typ RunEventType) []string {
	var out []string
	for _, e := range t.EventsOfType(typ) {
		out = append(out, e.Node)
	}
	return out
}

func emitEvent(obs RunObserver, e RunEvent) {
	if obs != nil {
		obs.OnEvent(e)
	}
}
