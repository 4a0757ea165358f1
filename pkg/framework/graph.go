package framework

import (
	"fmt"
	"slices"
	"sort"
)

// End is the terminal pseudo-node. A run is complete once an active edge
// reaches it.
const End = "_end"

// Node is one named step in a pipeline graph.
type Node struct {
	Name  string
	Step  StepFunc
	Retry RetryPolicy
	// Requires lists the state fields the step reads. Informational: steps
	// check their own prerequisites.
	Requires []string
}

// EdgeKind tags how an edge schedules its targets.
type EdgeKind string

const (
	Sequential  EdgeKind = "sequential"
	Parallel    EdgeKind = "parallel"
	Conditional EdgeKind = "conditional"
	Join        EdgeKind = "join"
)

// Predicate inspects the merged state after a conditional edge's source
// terminates and names the route to activate. An empty name means no route.
type Predicate func(State) (string, error)

// NoMatchPolicy decides what happens when a predicate names no known route.
type NoMatchPolicy string

const (
	// NoMatchSkip activates no successor and lets the run continue.
	NoMatchSkip NoMatchPolicy = "skip"
	// NoMatchFail aborts the run with ErrNoBranch.
	NoMatchFail NoMatchPolicy = "fail"
)

// Edge is a control-flow declaration. Sequential and Parallel edges have one
// source, Join edges have one target, Conditional edges route through When.
type Edge struct {
	ID        string
	Kind      EdgeKind
	From      []string
	To        []string
	When      Predicate
	Routes    map[string][]string
	OnNoMatch NoMatchPolicy
	// Expr is the source of When when the edge came from the DSL.
	Expr string
}

// Targets returns every node the edge can activate, deduplicated, in
// declaration order (routes in sorted route order).
func (e *Edge) Targets() []string {
	if e.Kind != Conditional {
		return e.To
	}
	var out []string
	for _, r := range e.routeNames() {
		for _, t := range e.Routes[r] {
			if !slices.Contains(out, t) {
				out = append(out, t)
			}
		}
	}
	return out
}

func (e *Edge) routeNames() []string {
	names := make([]string, 0, len(e.Routes))
	for r := range e.Routes {
		names = append(names, r)
	}
	sort.Strings(names)
	return names
}

// Graph collects nodes and edges and compiles them into a Plan. Builder
// methods record the first error; Compile reports it.
type Graph struct {
	name   string
	schema *Schema
	nodes  []*Node
	index  map[string]*Node
	edges  []*Edge
	start  string
	errors []error
}

// NewGraph starts an empty graph. A nil schema gets NewSchema().
func NewGraph(name string, schema *Schema) *Graph {
	if schema == nil {
		schema = NewSchema()
	}
	return &Graph{name: name, schema: schema, index: make(map[string]*Node)}
}

// AddNode registers n.
func (g *Graph) AddNode(n Node) *Graph {
	if n.Name == "" || n.Name == End {
		g.errors = append(g.errors, fmt.Errorf("invalid node name %q", n.Name))
		return g
	}
	if _, ok := g.index[n.Name]; ok {
		g.errors = append(g.errors, fmt.Errorf("%w: %q", ErrDuplicateNode, n.Name))
		return g
	}
	if n.Step == nil {
		g.errors = append(g.errors, fmt.Errorf("node %q has no step", n.Name))
		return g
	}
	if n.Retry.MaxAttempts == 0 {
		n.Retry = DefaultRetryPolicy
	}
	node := n
	g.nodes = append(g.nodes, &node)
	g.index[n.Name] = &node
	return g
}

// AddEdge adds a sequential edge.
func (g *Graph) AddEdge(from, to string) *Graph {
	return g.add(&Edge{Kind: Sequential, From: []string{from}, To: []string{to}})
}

// AddFanOut adds a parallel edge launching every target concurrently.
func (g *Graph) AddFanOut(from string, to ...string) *Graph {
	return g.add(&Edge{Kind: Parallel, From: []string{from}, To: to})
}

// AddJoin adds a fan-in edge: to starts once every source is terminal.
func (g *Graph) AddJoin(from []string, to string) *Graph {
	return g.add(&Edge{Kind: Join, From: from, To: []string{to}})
}

// AddConditional adds a conditional edge. After from terminates, when picks
// one key of routes; the nodes of every other route are not scheduled from
// this edge.
func (g *Graph) AddConditional(from string, when Predicate, routes map[string][]string, policy NoMatchPolicy) *Graph {
	return g.add(&Edge{Kind: Conditional, From: []string{from}, When: when, Routes: routes, OnNoMatch: policy})
}

// AddEdges adds fully specified edges (used by the DSL).
func (g *Graph) AddEdges(edges ...*Edge) *Graph {
	for _, e := range edges {
		g.add(e)
	}
	return g
}

// SetStart names the entry node.
func (g *Graph) SetStart(name string) *Graph {
	g.start = name
	return g
}

func (g *Graph) add(e *Edge) *Graph {
	if e.ID == "" {
		e.ID = fmt.Sprintf("E%d", len(g.edges)+1)
	}
	if e.Kind == "" {
		e.Kind = Sequential
		if len(e.To) > 1 {
			e.Kind = Parallel
		}
		if len(e.From) > 1 {
			e.Kind = Join
		}
	}
	if e.Kind == Conditional && e.OnNoMatch == "" {
		e.OnNoMatch = NoMatchSkip
	}
	g.edges = append(g.edges, e)
	return g
}

// Plan is a compiled, immutable graph ready for execution.
type Plan struct {
	name   string
	schema *Schema
	start  string
	nodes  map[string]*Node
	names  []string // declaration order
	order  []string // topological order
	edges  []*Edge
	in     map[string][]link
	out    map[string][]*Edge
}

type link struct {
	from, to string
	edge     *Edge
}

// Compile validates the graph and computes its execution plan.
func (g *Graph) Compile() (*Plan, error) {
	if len(g.errors) > 0 {
		return nil, g.errors[0]
	}
	if g.start == "" {
		return nil, ErrNoStart
	}
	if _, ok := g.index[g.start]; !ok {
		return nil, fmt.Errorf("%w: start node %q", ErrNodeNotFound, g.start)
	}

	p := &Plan{
		name:   g.name,
		schema: g.schema,
		start:  g.start,
		nodes:  g.index,
		edges:  g.edges,
		in:     make(map[string][]link),
		out:    make(map[string][]*Edge),
	}
	for _, n := range g.nodes {
		p.names = append(p.names, n.Name)
	}

	seen := make(map[[2]string]string)
	for _, e := range g.edges {
		if err := checkEdgeShape(e); err != nil {
			return nil, err
		}
		for _, from := range e.From {
			if _, ok := g.index[from]; !ok {
				return nil, fmt.Errorf("%w: edge %s references source %q", ErrNodeNotFound, e.ID, from)
			}
			for _, to := range e.Targets() {
				if to != End {
					if _, ok := g.index[to]; !ok {
						return nil, fmt.Errorf("%w: edge %s references target %q", ErrNodeNotFound, e.ID, to)
					}
				}
				key := [2]string{from, to}
				if prior, dup := seen[key]; dup {
					return nil, fmt.Errorf("edges %s and %s both connect %s -> %s", prior, e.ID, from, to)
				}
				seen[key] = e.ID
				p.in[to] = append(p.in[to], link{from: from, to: to, edge: e})
			}
			p.out[from] = append(p.out[from], e)
		}
	}

	if len(p.in[g.start]) > 0 {
		return nil, fmt.Errorf("start node %q has inbound edges", g.start)
	}
	for _, n := range g.nodes {
		if n.Name != g.start && len(p.in[n.Name]) == 0 {
			return nil, fmt.Errorf("node %q is unreachable: no inbound edges", n.Name)
		}
	}
	if len(p.in[End]) == 0 {
		return nil, fmt.Errorf("no edge reaches %s", End)
	}

	order, err := topoSort(p)
	if err != nil {
		return nil, err
	}
	p.order = order
	return p, nil
}

func checkEdgeShape(e *Edge) error {
	if len(e.From) == 0 {
		return fmt.Errorf("edge %s has no source", e.ID)
	}
	switch e.Kind {
	case Sequential:
		if len(e.From) != 1 || len(e.To) != 1 {
			return fmt.Errorf("sequential edge %s must connect one source to one target", e.ID)
		}
	case Parallel:
		if len(e.From) != 1 || len(e.To) == 0 {
			return fmt.Errorf("parallel edge %s must have one source and at least one target", e.ID)
		}
	case Join:
		if len(e.To) != 1 || len(e.From) == 0 {
			return fmt.Errorf("join edge %s must have one target", e.ID)
		}
	case Conditional:
		if len(e.From) != 1 {
			return fmt.Errorf("conditional edge %s must have one source", e.ID)
		}
		if e.When == nil {
			return fmt.Errorf("conditional edge %s has no predicate", e.ID)
		}
		if len(e.Routes) == 0 {
			return fmt.Errorf("conditional edge %s has no routes", e.ID)
		}
		if e.OnNoMatch != NoMatchSkip && e.OnNoMatch != NoMatchFail {
			return fmt.Errorf("conditional edge %s: unknown no-match policy %q", e.ID, e.OnNoMatch)
		}
	default:
		return fmt.Errorf("edge %s: unknown kind %q", e.ID, e.Kind)
	}
	return nil
}

// topoSort orders nodes with Kahn's algorithm; ties break by name.
func topoSort(p *Plan) ([]string, error) {
	indeg := make(map[string]int, len(p.names))
	for _, n := range p.names {
		indeg[n] = len(p.in[n])
	}
	var ready []string
	for _, n := range p.names {
		if indeg[n] == 0 {
			ready = append(ready, n)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		var next []string
		for _, e := range p.out[n] {
			for _, t := range e.Targets() {
				if t == End {
					continue
				}
				indeg[t]--
				if indeg[t] == 0 {
					next = append(next, t)
				}
			}
		}
		sort.Strings(next)
		ready = append(ready, next...)
	}
	if len(order) != len(p.names) {
		var stuck []string
		for _, n := range p.names {
			if indeg[n] > 0 {
				stuck = append(stuck, n)
			}
		}
		return nil, fmt.Errorf("%w: %v", ErrCycle, stuck)
	}
	return order, nil
}

// Name returns the graph name.
func (p *Plan) Name() string { return p.name }

// Schema returns the state schema the plan merges with.
func (p *Plan) Schema() *Schema { return p.schema }

// Start returns the entry node.
func (p *Plan) Start() string { return p.start }

// Nodes returns node names in declaration order.
func (p *Plan) Nodes() []string { return slices.Clone(p.names) }

// Order returns node names in topological order.
func (p *Plan) Order() []string { return slices.Clone(p.order) }

// Edges returns the edges in declaration order.
func (p *Plan) Edges() []*Edge { return p.edges }

// Node looks up a node by name.
func (p *Plan) Node(name string) (*Node, bool) {
	n, ok := p.nodes[name]
	return n, ok
}

// Predecessors returns the distinct sources of every inbound edge of name.
func (p *Plan) Predecessors(name string) []string {
	var out []string
	for _, l := range p.in[name] {
		if !slices.Contains(out, l.from) {
			out = append(out, l.from)
		}
	}
	return out
}
