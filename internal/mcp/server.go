// Package mcp serves a local ATT&CK knowledge base over the Model Context
// Protocol. It answers the same tool names the investigation pipeline calls
// on a remote ATT&CK server, so runs work offline and in tests.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"mitreflow/internal/logging"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Tool names.
const (
	ToolTechniqueByID         = "get_technique_by_id"
	ToolTechniqueTactics      = "get_technique_tactics"
	ToolGroupsUsing           = "get_groups_using_technique"
	ToolSoftwareUsing         = "get_software_using_technique"
	ToolDataComponents        = "get_datacomponents_detecting_technique"
	ToolObjectByStixID        = "get_object_by_stix_id"
	ToolMitigationsMitigating = "get_mitigations_mitigating_technique"
)

// Server wraps the MCP SDK server around a Dataset.
type Server struct {
	MCPServer *sdkmcp.Server

	data    *Dataset
	latency time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	calls  map[string]int
	faults map[string]int
}

// Option configures a Server.
type Option func(*Server)

// WithLatency delays every tool response by d.
func WithLatency(d time.Duration) Option {
	return func(s *Server) { s.latency = d }
}

// WithLogger sets the server's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates an MCP server exposing the ATT&CK lookup tools over ds.
func NewServer(version string, ds *Dataset, opts ...Option) *Server {
	if version == "" {
		version = "dev"
	}
	s := &Server{
		data:   ds,
		logger: logging.New("attack-server"),
		calls:  make(map[string]int),
		faults: make(map[string]int),
	}
	for _, o := range opts {
		o(s)
	}
	s.MCPServer = sdkmcp.NewServer(
		&sdkmcp.Implementation{Name: "mitreflow-attack", Version: version},
		nil,
	)
	s.registerTools()
	return s
}

// FailNext makes the next n calls to tool fail with a tool error. A
// negative n fails every call until reset with n == 0.
func (s *Server) FailNext(tool string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n == 0 {
		delete(s.faults, tool)
		return
	}
	s.faults[tool] = n
}

// Calls returns how many times tool has been invoked.
func (s *Server) Calls(tool string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[tool]
}

func (s *Server) admit(ctx context.Context, tool string) error {
	s.mu.Lock()
	s.calls[tool]++
	n := s.faults[tool]
	switch {
	case n > 0:
		s.faults[tool] = n - 1
	case n == 0:
		s.mu.Unlock()
		return s.wait(ctx)
	}
	s.mu.Unlock()
	return fmt.Errorf("%s: injected failure", tool)
}

func (s *Server) wait(ctx context.Context) error {
	if s.latency <= 0 {
		return nil
	}
	t := time.NewTimer(s.latency)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func addTool[In, Out any](s *Server, name, desc string, h func(In) (Out, error)) {
	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{Name: name, Description: desc},
		func(ctx context.Context, _ *sdkmcp.CallToolRequest, in In) (*sdkmcp.CallToolResult, Out, error) {
			var zero Out
			if err := s.admit(ctx, name); err != nil {
				s.logger.Debug("tool failed", slog.String("tool", name), slog.String("error", err.Error()))
				return nil, zero, err
			}
			out, err := h(in)
			if err != nil {
				return nil, zero, err
			}
			return nil, out, nil
		})
}

func (s *Server) registerTools() {
	addTool(s, ToolTechniqueByID,
		"Look up an ATT&CK technique by its external id (e.g. T1059.001).", s.techniqueByID)
	addTool(s, ToolTechniqueTactics,
		"List the tactics a technique belongs to.", s.techniqueTactics)
	addTool(s, ToolGroupsUsing,
		"List threat groups known to use a technique, by technique STIX id.", s.groupsUsing)
	addTool(s, ToolSoftwareUsing,
		"List software known to implement a technique, by technique STIX id.", s.softwareUsing)
	addTool(s, ToolDataComponents,
		"List data components that can detect a technique, by technique STIX id.", s.dataComponents)
	addTool(s, ToolObjectByStixID,
		"Fetch a raw ATT&CK object by STIX id.", s.objectByStixID)
	addTool(s, ToolMitigationsMitigating,
		"List mitigations for a technique, by technique STIX id.", s.mitigations)
}

// --- Tool input/output types ---

type techniqueIDInput struct {
	TechniqueID        string `json:"technique_id" jsonschema:"ATT&CK technique id, e.g. T1059.001"`
	Domain             string `json:"domain,omitempty" jsonschema:"ATT&CK domain (enterprise)"`
	IncludeDescription bool   `json:"include_description,omitempty" jsonschema:"include the technique description"`
}

type stixInput struct {
	TechniqueStixID    string `json:"technique_stix_id" jsonschema:"STIX id of the technique"`
	Domain             string `json:"domain,omitempty" jsonschema:"ATT&CK domain (enterprise)"`
	IncludeDescription bool   `json:"include_description,omitempty" jsonschema:"include mitigation descriptions"`
}

type objectInput struct {
	StixID string `json:"stix_id" jsonschema:"STIX id of any ATT&CK object"`
	Domain string `json:"domain,omitempty" jsonschema:"ATT&CK domain (enterprise)"`
}

type techniqueOut struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	StixID      string `json:"stix_id"`
	Description string `json:"description,omitempty"`
}

type techniqueByIDOutput struct {
	Found     bool          `json:"found"`
	Technique *techniqueOut `json:"technique,omitempty"`
	Message   string        `json:"message,omitempty"`
}

type tacticOut struct {
	Tactic   string `json:"tactic"`
	TacticID string `json:"tactic_id"`
}

type tacticsOutput struct {
	TechniqueID string      `json:"technique_id"`
	Tactics     []tacticOut `json:"tactics"`
}

type groupsOutput struct {
	Count  int   `json:"count"`
	Groups []Ref `json:"groups"`
}

type softwareOutput struct {
	Count    int   `json:"count"`
	Software []Ref `json:"software"`
}

type relatedObject struct {
	Object Ref `json:"object"`
}

type dataComponentsOutput struct {
	Count          int             `json:"count"`
	DataComponents []relatedObject `json:"datacomponents"`
}

type objectOut struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	Name        string   `json:"name"`
	ExternalID  string   `json:"external_id"`
	DataSources []string `json:"x_mitre_data_sources,omitempty"`
	Detection   string   `json:"x_mitre_detection,omitempty"`
}

type objectOutput struct {
	Object objectOut `json:"object"`
}

type mitigationOut struct {
	AttackID    string `json:"attack_id"`
	Name        string `json:"name"`
	StixID      string `json:"stix_id"`
	Description string `json:"description,omitempty"`
}

type mitigationsOutput struct {
	Found       bool            `json:"found"`
	Count       int             `json:"count"`
	Mitigations []mitigationOut `json:"mitigations"`
	Formatted   string          `json:"formatted,omitempty"`
	Message     string          `json:"message,omitempty"`
}

// --- Tool handlers ---

func (s *Server) checkDomain(domain string) error {
	if !s.data.supports(domain) {
		return fmt.Errorf("unsupported domain %q (server holds %s)", domain, s.data.Domain)
	}
	return nil
}

func (s *Server) byStix(domain, stixID string) (*TechniqueRecord, error) {
	if err := s.checkDomain(domain); err != nil {
		return nil, err
	}
	if strings.TrimSpace(stixID) == "" {
		return nil, fmt.Errorf("technique_stix_id is required")
	}
	t, ok := s.data.TechniqueByStix(stixID)
	if !ok {
		return nil, fmt.Errorf("technique %s not found", stixID)
	}
	return t, nil
}

func (s *Server) techniqueByID(in techniqueIDInput) (techniqueByIDOutput, error) {
	if err := s.checkDomain(in.Domain); err != nil {
		return techniqueByIDOutput{}, err
	}
	t, ok := s.data.Technique(in.TechniqueID)
	if !ok {
		return techniqueByIDOutput{Message: fmt.Sprintf("technique %s not found", in.TechniqueID)}, nil
	}
	out := &techniqueOut{ID: t.ID, Name: t.Name, StixID: t.StixID}
	if in.IncludeDescription {
		out.Description = t.Description
	}
	return techniqueByIDOutput{Found: true, Technique: out}, nil
}

func (s *Server) techniqueTactics(in techniqueIDInput) (tacticsOutput, error) {
	if err := s.checkDomain(in.Domain); err != nil {
		return tacticsOutput{}, err
	}
	t, ok := s.data.Technique(in.TechniqueID)
	if !ok {
		return tacticsOutput{}, fmt.Errorf("technique %s not found", in.TechniqueID)
	}
	out := tacticsOutput{TechniqueID: t.ID, Tactics: []tacticOut{}}
	for _, id := range t.Tactics {
		out.Tactics = append(out.Tactics, tacticOut{Tactic: s.data.Tactics[id], TacticID: id})
	}
	return out, nil
}

func (s *Server) groupsUsing(in stixInput) (groupsOutput, error) {
	t, err := s.byStix(in.Domain, in.TechniqueStixID)
	if err != nil {
		return groupsOutput{}, err
	}
	out := groupsOutput{Groups: []Ref{}}
	for _, id := range t.Groups {
		out.Groups = append(out.Groups, s.data.groups[id])
	}
	out.Count = len(out.Groups)
	return out, nil
}

func (s *Server) softwareUsing(in stixInput) (softwareOutput, error) {
	t, err := s.byStix(in.Domain, in.TechniqueStixID)
	if err != nil {
		return softwareOutput{}, err
	}
	out := softwareOutput{Software: []Ref{}}
	for _, id := range t.Software {
		out.Software = append(out.Software, s.data.software[id])
	}
	out.Count = len(out.Software)
	return out, nil
}

func (s *Server) dataComponents(in stixInput) (dataComponentsOutput, error) {
	t, err := s.byStix(in.Domain, in.TechniqueStixID)
	if err != nil {
		return dataComponentsOutput{}, err
	}
	out := dataComponentsOutput{DataComponents: []relatedObject{}}
	for _, name := range t.DataComponents {
		out.DataComponents = append(out.DataComponents, relatedObject{Object: Ref{Name: name}})
	}
	out.Count = len(out.DataComponents)
	return out, nil
}

func (s *Server) objectByStixID(in objectInput) (objectOutput, error) {
	if err := s.checkDomain(in.Domain); err != nil {
		return objectOutput{}, err
	}
	if t, ok := s.data.TechniqueByStix(in.StixID); ok {
		return objectOutput{Object: objectOut{
			ID:          t.StixID,
			Type:        "attack-pattern",
			Name:        t.Name,
			ExternalID:  t.ID,
			DataSources: t.DataSources,
			Detection:   t.Detection,
		}}, nil
	}
	for kind, refs := range map[string]map[string]Ref{"intrusion-set": s.data.groups, "software": s.data.software} {
		for _, r := range refs {
			if r.StixID == in.StixID {
				return objectOutput{Object: objectOut{ID: r.StixID, Type: kind, Name: r.Name, ExternalID: r.ID}}, nil
			}
		}
	}
	return objectOutput{}, fmt.Errorf("object %s not found", in.StixID)
}

func (s *Server) mitigations(in stixInput) (mitigationsOutput, error) {
	t, err := s.byStix(in.Domain, in.TechniqueStixID)
	if err != nil {
		return mitigationsOutput{}, err
	}
	out := mitigationsOutput{Mitigations: []mitigationOut{}}
	var lines []string
	for _, id := range t.Mitigations {
		m := s.data.mits[id]
		mo := mitigationOut{AttackID: m.ID, Name: m.Name, StixID: m.StixID}
		if in.IncludeDescription {
			mo.Description = m.Description
		}
		out.Mitigations = append(out.Mitigations, mo)
		lines = append(lines, fmt.Sprintf("- %s %s", m.ID, m.Name))
	}
	out.Count = len(out.Mitigations)
	out.Found = out.Count > 0
	if out.Found {
		out.Formatted = strings.Join(lines, "\n")
	} else {
		out.Message = fmt.Sprintf("no mitigations recorded for %s", t.ID)
	}
	return out, nil
}
