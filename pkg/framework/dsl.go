package framework

import (
	"fmt"
	"strconv"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"gopkg.in/yaml.v3"
)

// PipelineDef is the top-level DSL structure for declaring a pipeline graph.
type PipelineDef struct {
	Pipeline    string         `yaml:"pipeline"`
	Description string         `yaml:"description,omitempty"`
	Vars        map[string]any `yaml:"vars,omitempty"`
	Start       string         `yaml:"start"`
	Nodes       []NodeDef      `yaml:"nodes"`
	Edges       []EdgeDef      `yaml:"edges"`
}

// NodeDef declares a node. Step names the registered StepFunc and defaults
// to the node name.
type NodeDef struct {
	Name     string       `yaml:"name"`
	Step     string       `yaml:"step,omitempty"`
	Retry    *RetryPolicy `yaml:"retry,omitempty"`
	Requires []string     `yaml:"requires,omitempty"`
}

// EdgeDef declares an edge. From and To accept a scalar or a list.
// Conditional edges set When (an expr-lang expression evaluated against the
// merged state, with the pipeline vars under "vars") and Routes.
type EdgeDef struct {
	ID        string                `yaml:"id"`
	Name      string                `yaml:"name,omitempty"`
	Kind      string                `yaml:"kind,omitempty"`
	From      StringList            `yaml:"from"`
	To        StringList            `yaml:"to,omitempty"`
	When      string                `yaml:"when,omitempty"`
	Routes    map[string]StringList `yaml:"routes,omitempty"`
	OnNoMatch string                `yaml:"on_no_match,omitempty"`
}

// StringList is a list that also decodes from a single YAML scalar.
type StringList []string

func (l *StringList) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		*l = StringList{n.Value}
		return nil
	}
	var out []string
	if err := n.Decode(&out); err != nil {
		return err
	}
	*l = out
	return nil
}

// StepRegistry maps step names to implementations.
type StepRegistry map[string]StepFunc

// LoadPipeline parses a YAML pipeline definition.
func LoadPipeline(data []byte) (*PipelineDef, error) {
	var def PipelineDef
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse pipeline YAML: %w", err)
	}
	return &def, nil
}

// Marshal serializes the definition back to YAML.
func (def *PipelineDef) Marshal() ([]byte, error) {
	return yaml.Marshal(def)
}

// Validate checks referential integrity of the definition:
//   - pipeline name, start node, nodes and edges are present
//   - node names and edge ids are unique
//   - every edge endpoint and route target is a node or the end node
//   - conditional edges carry an expression and routes
func (def *PipelineDef) Validate() error {
	if def.Pipeline == "" {
		return fmt.Errorf("pipeline name is required")
	}
	if len(def.Nodes) == 0 {
		return fmt.Errorf("at least one node is required")
	}
	if len(def.Edges) == 0 {
		return fmt.Errorf("at least one edge is required")
	}
	if def.Start == "" {
		return fmt.Errorf("start node is required")
	}

	nodeSet := make(map[string]bool, len(def.Nodes))
	for _, n := range def.Nodes {
		if n.Name == "" {
			return fmt.Errorf("node name is required")
		}
		if nodeSet[n.Name] {
			return fmt.Errorf("duplicate node name %q", n.Name)
		}
		nodeSet[n.Name] = true
	}
	if !nodeSet[def.Start] {
		return fmt.Errorf("start node %q not found in node list", def.Start)
	}

	known := func(name string) bool { return name == End || nodeSet[name] }
	edgeIDs := make(map[string]bool, len(def.Edges))
	for _, e := range def.Edges {
		if e.ID == "" {
			return fmt.Errorf("edge id is required")
		}
		if edgeIDs[e.ID] {
			return fmt.Errorf("duplicate edge id %q", e.ID)
		}
		edgeIDs[e.ID] = true

		if len(e.From) == 0 {
			return fmt.Errorf("edge %s has no source", e.ID)
		}
		for _, f := range e.From {
			if !nodeSet[f] {
				return fmt.Errorf("edge %s references unknown source node %q", e.ID, f)
			}
		}
		for _, t := range e.To {
			if !known(t) {
				return fmt.Errorf("edge %s references unknown target node %q", e.ID, t)
			}
		}

		switch EdgeKind(e.Kind) {
		case "", Sequential, Parallel, Join:
			if len(e.To) == 0 {
				return fmt.Errorf("edge %s has no target", e.ID)
			}
			if e.When != "" || len(e.Routes) > 0 {
				return fmt.Errorf("edge %s: when/routes require kind conditional", e.ID)
			}
		case Conditional:
			if e.When == "" {
				return fmt.Errorf("conditional edge %s requires when", e.ID)
			}
			if len(e.Routes) == 0 {
				return fmt.Errorf("conditional edge %s requires routes", e.ID)
			}
			for route, targets := range e.Routes {
				for _, t := range targets {
					if !known(t) {
						return fmt.Errorf("edge %s route %q references unknown node %q", e.ID, route, t)
					}
				}
			}
			switch NoMatchPolicy(e.OnNoMatch) {
			case "", NoMatchSkip, NoMatchFail:
			default:
				return fmt.Errorf("edge %s: unknown on_no_match %q", e.ID, e.OnNoMatch)
			}
		default:
			return fmt.Errorf("edge %s: unknown kind %q", e.ID, e.Kind)
		}
	}
	return nil
}

// Build compiles the definition into a Plan, resolving steps through reg.
func (def *PipelineDef) Build(schema *Schema, reg StepRegistry) (*Plan, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	if schema == nil {
		schema = NewSchema()
	}

	g := NewGraph(def.Pipeline, schema)
	for _, nd := range def.Nodes {
		stepName := nd.Step
		if stepName == "" {
			stepName = nd.Name
		}
		step, ok := reg[stepName]
		if !ok {
			return nil, fmt.Errorf("no step registered as %q (node %q)", stepName, nd.Name)
		}
		n := Node{Name: nd.Name, Step: step, Requires: nd.Requires}
		if nd.Retry != nil {
			n.Retry = *nd.Retry
		}
		g.AddNode(n)
	}

	for _, ed := range def.Edges {
		e := &Edge{
			ID:        ed.ID,
			Kind:      EdgeKind(ed.Kind),
			From:      ed.From,
			To:        ed.To,
			OnNoMatch: NoMatchPolicy(ed.OnNoMatch),
		}
		if e.Kind == Conditional {
			pred, err := CompilePredicate(ed.When, schema, def.Vars)
			if err != nil {
				return nil, fmt.Errorf("edge %s: %w", ed.ID, err)
			}
			e.When = pred
			e.Expr = ed.When
			e.Routes = make(map[string][]string, len(ed.Routes))
			for route, targets := range ed.Routes {
				e.Routes[route] = targets
			}
		}
		g.AddEdges(e)
	}

	g.SetStart(def.Start)
	return g.Compile()
}

// CompilePredicate compiles an expr-lang expression into a Predicate. The
// expression sees the merged state by JSON field name plus vars under
// "vars". A string result names the route; a boolean selects route "true"
// or "false"; nil selects no route.
func CompilePredicate(src string, schema *Schema, vars map[string]any) (Predicate, error) {
	program, err := expr.Compile(src, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile expression %q: %w", src, err)
	}
	return func(st State) (string, error) {
		return evalRoute(program, schema, vars, st)
	}, nil
}

func evalRoute(program *vm.Program, schema *Schema, vars map[string]any, st State) (string, error) {
	env, err := schema.Plain(st)
	if err != nil {
		return "", err
	}
	env["vars"] = vars
	out, err := expr.Run(program, env)
	if err != nil {
		return "", fmt.Errorf("evaluate expression: %w", err)
	}
	switch v := out.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		return "", fmt.Errorf("expression returned %T, want string or bool", out)
	}
}
