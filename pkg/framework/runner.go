package framework

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("mitreflow/framework")
	meter  = otel.Meter("mitreflow/framework")
)

// StepEvent is one element of a stream: a node that executed, the partial
// state it contributed, and a copy of the run state after the merge.
type StepEvent struct {
	Node    string
	Status  NodeStatus
	Update  Update
	State   State
	Elapsed time.Duration
}

// Runner executes a Plan. A Runner is safe for concurrent use; every run
// gets its own state store and bookkeeping.
type Runner struct {
	plan        *Plan
	observer    RunObserver
	checkpoints CheckpointStore
	logger      *slog.Logger

	metricsOnce  sync.Once
	nodeDuration metric.Float64Histogram
	nodeTotal    metric.Int64Counter
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithObserver attaches an observer to every run.
func WithObserver(obs RunObserver) RunnerOption {
	return func(r *Runner) { r.observer = obs }
}

// WithCheckpointer persists a checkpoint after every node merge.
func WithCheckpointer(cs CheckpointStore) RunnerOption {
	return func(r *Runner) { r.checkpoints = cs }
}

// WithLogger overrides the runner logger.
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// NewRunner returns a Runner for plan.
func NewRunner(plan *Plan, opts ...RunnerOption) *Runner {
	r := &Runner{plan: plan, logger: slog.Default().With(slog.String("component", "runner"))}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Plan returns the plan the runner executes.
func (r *Runner) Plan() *Plan { return r.plan }

// RunOption configures one run.
type RunOption func(*runConfig)

type runConfig struct {
	runID          string
	maxConcurrency int
	resume         bool
	checkpointID   string
	updates        Update
}

// WithRunID sets the run identifier used for checkpoints. Defaults to a UUID.
func WithRunID(id string) RunOption {
	return func(c *runConfig) { c.runID = id }
}

// WithMaxConcurrency caps how many nodes execute at once. Zero means no cap.
func WithMaxConcurrency(n int) RunOption {
	return func(c *runConfig) { c.maxConcurrency = n }
}

// FromCheckpoint resumes the run named by WithRunID from checkpointID (the
// latest when empty). updates are merged into the restored state before
// scheduling continues.
func FromCheckpoint(checkpointID string, updates Update) RunOption {
	return func(c *runConfig) {
		c.resume = true
		c.checkpointID = checkpointID
		c.updates = updates
	}
}

// Run executes the plan against initial and returns the merged final state.
// Node failures are recorded in the state's error list; the returned error
// is reserved for run-level problems (cancellation, ErrNoBranch,
// ErrEndNotReached, checkpoint restore failures).
func (r *Runner) Run(ctx context.Context, initial State, opts ...RunOption) (State, error) {
	x, err := r.prepare(ctx, initial, opts)
	if err != nil {
		return nil, err
	}
	return x.run(ctx, func(StepEvent) bool { return true })
}

// Resume continues runID from its latest checkpoint.
func (r *Runner) Resume(ctx context.Context, runID string, updates Update) (State, error) {
	return r.Run(ctx, nil, WithRunID(runID), FromCheckpoint("", updates))
}

// Stream executes the plan lazily, yielding one StepEvent per executed node
// in completion order. Skipped nodes are not yielded. The sequence is single
// use; iterating it again yields ErrStreamConsumed. Breaking out of the loop
// stops scheduling and waits for nodes already running.
func (r *Runner) Stream(ctx context.Context, initial State, opts ...RunOption) iter.Seq2[StepEvent, error] {
	var used atomic.Bool
	return func(yield func(StepEvent, error) bool) {
		if used.Swap(true) {
			yield(StepEvent{}, ErrStreamConsumed)
			return
		}
		x, err := r.prepare(ctx, initial, opts)
		if err != nil {
			yield(StepEvent{}, err)
			return
		}
		stopped := false
		_, err = x.run(ctx, func(ev StepEvent) bool {
			if !yield(ev, nil) {
				stopped = true
				return false
			}
			return true
		})
		if err != nil && !stopped {
			yield(StepEvent{}, err)
		}
	}
}

func (r *Runner) initMetrics() {
	r.metricsOnce.Do(func() {
		var err error
		r.nodeDuration, err = meter.Float64Histogram("pipeline_node_duration_seconds",
			metric.WithDescription("Time spent executing each pipeline node"),
			metric.WithUnit("s"),
		)
		if err != nil {
			r.logger.Error("create node duration histogram", slog.String("error", err.Error()))
		}
		r.nodeTotal, err = meter.Int64Counter("pipeline_node_total",
			metric.WithDescription("Pipeline node executions by status"),
		)
		if err != nil {
			r.logger.Error("create node counter", slog.String("error", err.Error()))
		}
	})
}

type edgeState uint8

const (
	edgeUnresolved edgeState = iota
	edgeActive
	edgeInactive
)

type nodeResult struct {
	node    string
	update  Update
	elapsed time.Duration
}

// execution is the bookkeeping of one run. Everything except the store is
// owned by the scheduler goroutine.
type execution struct {
	r      *Runner
	cfg    runConfig
	store  *Store
	status map[string]NodeStatus
	links  map[[2]string]edgeState
	steps  map[string]StepFunc
	seq    int

	ready      []string
	running    int
	endReached bool
	abort      error
}

func (r *Runner) prepare(ctx context.Context, initial State, opts []RunOption) (*execution, error) {
	cfg := runConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.runID == "" {
		if cfg.resume {
			return nil, fmt.Errorf("resume requires a run id")
		}
		cfg.runID = uuid.NewString()
	}

	x := &execution{
		r:      r,
		cfg:    cfg,
		status: make(map[string]NodeStatus, len(r.plan.names)),
		links:  make(map[[2]string]edgeState),
		steps:  make(map[string]StepFunc, len(r.plan.names)),
	}
	for _, name := range r.plan.names {
		n := r.plan.nodes[name]
		x.status[name] = StatusPending
		x.steps[name] = Retry(name, n.Retry, n.Step)
	}

	if !cfg.resume {
		x.store = NewStore(r.plan.schema, initial)
		return x, nil
	}

	if r.checkpoints == nil {
		return nil, ErrNoCheckpointer
	}
	cp, err := r.checkpoints.Get(ctx, cfg.runID, cfg.checkpointID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint for run %s: %w", cfg.runID, err)
	}
	restored, err := r.plan.schema.Decode(cp.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("restore checkpoint %s: %w", cp.ID, err)
	}
	maps.Copy(restored, initial)
	x.store = NewStore(r.plan.schema, restored)
	if len(cfg.updates) > 0 {
		x.store.Merge(cfg.updates)
	}
	for name, st := range cp.Status {
		if _, ok := x.status[name]; ok && st.Terminal() {
			x.status[name] = st
		}
	}
	x.seq = cp.Seq
	if cfg.checkpointID != "" {
		// Resuming from an older checkpoint forks the run; sequence numbers
		// keep growing from the newest one.
		if latest, err := r.checkpoints.Get(ctx, cfg.runID, ""); err == nil && latest.Seq > x.seq {
			x.seq = latest.Seq
		}
	}
	r.logger.Info("resuming run",
		slog.String("run_id", cfg.runID),
		slog.String("checkpoint_id", cp.ID),
		slog.Int("seq", cp.Seq),
		slog.Int("terminal_nodes", len(cp.Status)))
	return x, nil
}

func (x *execution) emit(e RunEvent) {
	e.RunID = x.cfg.runID
	emitEvent(x.r.observer, e)
}

func (x *execution) run(ctx context.Context, yield func(StepEvent) bool) (State, error) {
	r := x.r
	r.initMetrics()

	ctx, span := tracer.Start(ctx, "pipeline.Run", trace.WithAttributes(
		attribute.String("pipeline.name", r.plan.name),
		attribute.String("pipeline.run_id", x.cfg.runID),
		attribute.Bool("pipeline.resumed", x.cfg.resume),
	))
	defer span.End()

	// Replay terminal nodes restored from a checkpoint so their outbound
	// edges resolve exactly as they did in the original run.
	for _, name := range r.plan.order {
		if x.status[name].Terminal() {
			x.resolve(name)
		}
	}
	if x.status[r.plan.start] == StatusPending {
		x.ready = append(x.ready, r.plan.start)
	}

	results := make(chan nodeResult, len(r.plan.names))
	stopping := false
	var runErr error

	for {
		if !stopping && x.abort == nil {
			if err := ctx.Err(); err != nil {
				runErr = err
				stopping = true
			}
		}
		if !stopping && x.abort == nil {
			for len(x.ready) > 0 && (x.cfg.maxConcurrency <= 0 || x.running < x.cfg.maxConcurrency) {
				name := x.ready[0]
				x.ready = x.ready[1:]
				x.launch(ctx, name, results)
			}
		}
		if x.running == 0 {
			break
		}

		res := <-results
		x.running--
		ev := x.complete(ctx, res)
		if stopping {
			continue
		}
		if !yield(ev) {
			stopping = true
			continue
		}
		if x.abort == nil {
			x.resolve(res.node)
		}
	}

	final := x.store.Snapshot()
	if runErr == nil {
		runErr = x.abort
	}
	if runErr == nil && !stopping && !x.endReached {
		runErr = fmt.Errorf("%w: pipeline %s", ErrEndNotReached, r.plan.name)
	}
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		x.emit(RunEvent{Type: EventRunError, Error: runErr})
		return final, runErr
	}
	x.emit(RunEvent{Type: EventRunComplete})
	return final, nil
}

func (x *execution) launch(ctx context.Context, name string, results chan<- nodeResult) {
	x.status[name] = StatusRunning
	x.running++
	x.emit(RunEvent{Type: EventNodeStart, Node: name})

	snapshot := x.store.Snapshot()
	step := x.steps[name]
	go func() {
		nctx, span := tracer.Start(ctx, name, trace.WithAttributes(
			attribute.String("pipeline.node", name),
			attribute.String("pipeline.run_id", x.cfg.runID),
		))
		defer span.End()

		start := time.Now()
		u, err := callStep(nctx, name, step, snapshot)
		if err != nil {
			u = Fail(name, err)
		}
		if u == nil {
			u = Update{}
		}
		if recs, _ := Errors.Get(State(u)); failedBy(recs, name) {
			span.SetStatus(codes.Error, "node recorded an error")
		}
		results <- nodeResult{node: name, update: u, elapsed: time.Since(start)}
	}()
}

// callStep converts a panicking step into an error.
func callStep(ctx context.Context, name string, step StepFunc, st State) (u Update, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("node %s panicked: %v", name, p)
		}
	}()
	return step(ctx, st)
}

func failedBy(recs []ErrorRecord, node string) bool {
	for _, rec := range recs {
		if rec.Node == node {
			return true
		}
	}
	return false
}

// complete merges a finished node's update. This is the run's only
// mutation point.
func (x *execution) complete(ctx context.Context, res nodeResult) StepEvent {
	r := x.r
	u := Update{}
	maps.Copy(u, res.update)

	status := StatusCompleted
	if recs, _ := Errors.Get(State(u)); failedBy(recs, res.node) {
		status = StatusFailed
	} else {
		prior, _ := Completed.Get(State(u))
		Completed.Set(u, append(append([]string(nil), prior...), res.node))
	}
	timings, _ := Timings.Get(State(u))
	timings = maps.Clone(timings)
	if timings == nil {
		timings = make(map[string]time.Duration, 1)
	}
	timings[res.node] = res.elapsed
	Timings.Set(u, timings)

	merged := x.store.Merge(u)
	x.status[res.node] = status

	attrs := metric.WithAttributes(attribute.String("node", res.node), attribute.String("status", string(status)))
	if r.nodeDuration != nil {
		r.nodeDuration.Record(ctx, res.elapsed.Seconds(), attrs)
	}
	if r.nodeTotal != nil {
		r.nodeTotal.Add(ctx, 1, attrs)
	}

	x.emit(RunEvent{Type: EventNodeEnd, Node: res.node, Status: status, Elapsed: res.elapsed})
	x.checkpoint(ctx, res.node, merged)

	return StepEvent{Node: res.node, Status: status, Update: u, State: merged, Elapsed: res.elapsed}
}

func (x *execution) checkpoint(ctx context.Context, node string, merged State) {
	r := x.r
	if r.checkpoints == nil {
		return
	}
	snapshot, err := r.plan.schema.Encode(merged)
	if err != nil {
		x.emit(RunEvent{Type: EventCheckpoint, Node: node, Error: err})
		return
	}
	x.seq++
	status := make(map[string]NodeStatus)
	for name, st := range x.status {
		if st.Terminal() {
			status[name] = st
		}
	}
	cp := &Checkpoint{
		RunID:     x.cfg.runID,
		ID:        uuid.NewString(),
		Seq:       x.seq,
		Node:      node,
		Snapshot:  snapshot,
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.checkpoints.Put(ctx, cp); err != nil {
		r.logger.Warn("checkpoint write failed",
			slog.String("run_id", x.cfg.runID),
			slog.String("node", node),
			slog.String("error", err.Error()))
		x.emit(RunEvent{Type: EventCheckpoint, Node: node, Error: err})
		return
	}
	x.emit(RunEvent{Type: EventCheckpoint, Node: node, Metadata: map[string]any{"checkpoint_id": cp.ID, "seq": cp.Seq}})
}

// resolve settles the outbound edges of a node that just became terminal
// or skipped, then re-checks every affected target.
func (x *execution) resolve(node string) {
	p := x.r.plan
	skipped := x.status[node] == StatusSkipped
	var touched []string

	for _, e := range p.out[node] {
		targets := e.Targets()
		active := make(map[string]bool, len(targets))

		switch {
		case skipped:
		case e.Kind == Conditional:
			route, err := x.choose(e)
			if err != nil {
				x.abort = err
				return
			}
			for _, t := range e.Routes[route] {
				active[t] = true
			}
		default:
			for _, t := range targets {
				active[t] = true
			}
		}

		for _, t := range targets {
			key := [2]string{node, t}
			if x.links[key] != edgeUnresolved {
				continue
			}
			if active[t] {
				x.links[key] = edgeActive
				x.emit(RunEvent{Type: EventEdgeTaken, Node: node, Edge: e.ID, Metadata: map[string]any{"to": t}})
			} else {
				x.links[key] = edgeInactive
			}
			touched = append(touched, t)
		}
	}

	for _, t := range touched {
		x.check(t)
	}
}

// choose evaluates a conditional edge against the merged state.
func (x *execution) choose(e *Edge) (string, error) {
	route, err := e.When(x.store.Snapshot())
	if _, known := e.Routes[route]; err == nil && known {
		x.emit(RunEvent{Type: EventEdgeTaken, Node: e.From[0], Edge: e.ID, Route: route})
		return route, nil
	}

	cause := fmt.Errorf("predicate returned unknown route %q", route)
	if err != nil {
		cause = err
	}
	if e.OnNoMatch == NoMatchFail {
		return "", fmt.Errorf("%w: edge %s from %s: %w", ErrNoBranch, e.ID, e.From[0], cause)
	}
	x.r.logger.Debug("conditional edge matched no route",
		slog.String("edge", e.ID),
		slog.String("from", e.From[0]),
		slog.String("cause", cause.Error()))
	x.emit(RunEvent{Type: EventEdgeTaken, Node: e.From[0], Edge: e.ID, Error: err})
	return "", nil
}

// check decides whether target is ready, skipped, or still waiting.
func (x *execution) check(target string) {
	p := x.r.plan
	if target == End {
		for _, l := range p.in[End] {
			if x.links[[2]string{l.from, l.to}] == edgeActive {
				x.endReached = true
			}
		}
		return
	}
	if x.status[target] != StatusPending {
		return
	}
	anyActive := false
	for _, l := range p.in[target] {
		switch x.links[[2]string{l.from, l.to}] {
		case edgeUnresolved:
			return
		case edgeActive:
			anyActive = true
		}
	}
	if anyActive {
		if !slices.Contains(x.ready, target) {
			x.ready = append(x.ready, target)
		}
		return
	}
	x.status[target] = StatusSkipped
	x.emit(RunEvent{Type: EventNodeSkipped, Node: target})
	x.resolve(target)
}
