// Package investigation implements the incident investigation steps and
// assembles them into a pipeline: triage, technique mapping, the parallel
// intel/detection/mitigation enrichment, detection reasoning for coverage
// gaps, the Navigator layer and the executive report.
package investigation

import (
	"context"
	"log/slog"
	"strings"

	"mitreflow/internal/attack"
	"mitreflow/internal/llm"
	"mitreflow/internal/logging"
	"mitreflow/pkg/framework"

	"golang.org/x/sync/errgroup"
)

// Step names, also used as node names in the default pipeline.
const (
	StepTriage        = "triage"
	StepMapping       = "mapping"
	StepIntel         = "intel"
	StepDetection     = "detection"
	StepMitigation    = "mitigation"
	StepReasoning     = "detection_reasoning"
	StepVisualization = "visualization"
	StepReport        = "report"
)

// Config tunes the steps.
type Config struct {
	// Domain is the ATT&CK domain used when the state names none.
	Domain string
	// FanOut bounds concurrent sub-item lookups inside a step.
	FanOut int
	// MaxCandidates caps how many triage candidates mapping confirms.
	MaxCandidates int
	// IntelMaxItems caps groups and software kept per technique.
	IntelMaxItems int
	// DetectionTopItems caps data component names kept per technique.
	DetectionTopItems int
	// OutputDir receives incident_layer.json and incident_report.md when
	// WriteFiles is set.
	OutputDir  string
	WriteFiles bool
}

// DefaultConfig returns the standard step configuration.
func DefaultConfig() Config {
	return Config{
		Domain:            attack.DefaultDomain,
		FanOut:            10,
		MaxCandidates:     10,
		IntelMaxItems:     5,
		DetectionTopItems: 7,
		OutputDir:         "out",
	}
}

// Steps holds the collaborators every step needs. The tool caller is
// owned by the caller of NewSteps and outlives the run.
type Steps struct {
	tools   attack.Caller
	analyst llm.Analyst
	cfg     Config
	logger  *slog.Logger
}

// NewSteps wires the steps to a tool caller and an analyst. Zero config
// fields take their defaults.
func NewSteps(tools attack.Caller, analyst llm.Analyst, cfg Config) *Steps {
	def := DefaultConfig()
	if cfg.Domain == "" {
		cfg.Domain = def.Domain
	}
	if cfg.FanOut <= 0 {
		cfg.FanOut = def.FanOut
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = def.MaxCandidates
	}
	if cfg.IntelMaxItems <= 0 {
		cfg.IntelMaxItems = def.IntelMaxItems
	}
	if cfg.DetectionTopItems <= 0 {
		cfg.DetectionTopItems = def.DetectionTopItems
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = def.OutputDir
	}
	return &Steps{tools: tools, analyst: analyst, cfg: cfg, logger: logging.New("investigation")}
}

// Registry maps step names to step functions for pipeline building.
func (s *Steps) Registry() framework.StepRegistry {
	return framework.StepRegistry{
		StepTriage:        s.Triage,
		StepMapping:       s.Mapping,
		StepIntel:         s.Intel,
		StepDetection:     s.Detection,
		StepMitigation:    s.Mitigation,
		StepReasoning:     s.DetectionReasoning,
		StepVisualization: s.Visualization,
		StepReport:        s.Report,
	}
}

func (s *Steps) domain(st framework.State) string {
	if d, ok := Domain.Get(st); ok && strings.TrimSpace(d) != "" {
		return d
	}
	return s.cfg.Domain
}

func (s *Steps) attackFor(st framework.State) *attack.Client {
	return attack.New(s.tools, s.domain(st))
}

// confirmed returns the confirmed techniques or a PrerequisiteError.
func confirmed(node string, st framework.State) ([]attack.Technique, error) {
	techs, ok := ConfirmedTechs.Get(st)
	if !ok || len(techs) == 0 {
		return nil, &framework.PrerequisiteError{Node: node, Missing: []string{ConfirmedTechs.Name()}}
	}
	return techs, nil
}

// fanOut applies fn to every item with at most limit calls in flight.
// Results and errors are index-aligned; a failed item never cancels the
// others.
func fanOut[T, R any](ctx context.Context, limit int, items []T, fn func(context.Context, T) (R, error)) ([]R, []error) {
	results := make([]R, len(items))
	errs := make([]error, len(items))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, item := range items {
		g.Go(func() error {
			results[i], errs[i] = fn(ctx, item)
			return nil
		})
	}
	_ = g.Wait()
	return results, errs
}

func allFailed(errs []error) bool {
	if len(errs) == 0 {
		return false
	}
	for _, err := range errs {
		if err == nil {
			return false
		}
	}
	return true
}

func firstErr(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
