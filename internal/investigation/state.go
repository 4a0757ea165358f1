package investigation

import (
	"mitreflow/internal/attack"
	"mitreflow/internal/llm"
	"mitreflow/pkg/framework"
)

var schema = framework.NewSchema()

// Input fields.
var (
	IncidentText = framework.Declare[string](schema, "incident_text", nil)
	Domain       = framework.Declare[string](schema, "domain", nil)
	LLMModel     = framework.Declare[string](schema, "llm_model", nil)
)

// Step output fields.
var (
	TriageOut          = framework.Declare[llm.Triage](schema, "triage", nil)
	TriageSummary      = framework.Declare[string](schema, "triage_summary", nil)
	MappingOut         = framework.Declare[MappingResult](schema, "mapping", nil)
	ConfirmedTechs     = framework.Declare[[]attack.Technique](schema, "confirmed_techniques", nil)
	IntelOut           = framework.Declare[IntelResult](schema, "intel", nil)
	DetectionsOut      = framework.Declare[DetectionResult](schema, "detections", nil)
	MitigationsOut     = framework.Declare[MitigationResult](schema, "mitigations", nil)
	ReasoningOut       = framework.Declare[ReasoningResult](schema, "detection_reasoning", nil)
	NavigatorLayer     = framework.Declare[Layer](schema, "navigator_layer", nil)
	NavigatorLayerPath = framework.Declare[string](schema, "navigator_layer_path", nil)
	ReportOut          = framework.Declare[llm.ExecutiveReport](schema, "report", nil)
	ReportMarkdown     = framework.Declare[string](schema, "report_markdown", nil)
	ReportPath         = framework.Declare[string](schema, "report_path", nil)
)

// Schema returns the investigation state schema.
func Schema() *framework.Schema { return schema }

// NewState builds the initial state for a run. Empty domain and model are
// left unset so step defaults apply.
func NewState(incidentText, domain, model string) framework.State {
	st := framework.State{IncidentText.Name(): incidentText}
	if domain != "" {
		st[Domain.Name()] = domain
	}
	if model != "" {
		st[LLMModel.Name()] = model
	}
	return st
}

// TechniqueRef identifies a confirmed technique in per-technique results.
type TechniqueRef struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	StixID string `json:"stix_id"`
}

func refOf(t attack.Technique) TechniqueRef {
	return TechniqueRef{ID: t.ID, Name: t.Name, StixID: t.StixID}
}

// ItemError is one failed sub-item inside a step.
type ItemError struct {
	TechniqueID string `json:"technique_id"`
	Error       string `json:"error"`
}

// MappingResult is the mapping step's output.
type MappingResult struct {
	Domain    string             `json:"domain"`
	Confirmed []attack.Technique `json:"confirmed_techniques"`
	NotFound  []string           `json:"not_found"`
	Errors    []ItemError        `json:"errors"`
}

// TechniqueIntel lists who is known to use a technique.
type TechniqueIntel struct {
	Technique TechniqueRef   `json:"technique"`
	Groups    []attack.Actor `json:"groups_using_technique"`
	Software  []attack.Actor `json:"software_using_technique"`
}

// IntelResult is the intel step's output.
type IntelResult struct {
	Domain string           `json:"domain"`
	Intel  []TechniqueIntel `json:"intel"`
	Errors []ItemError      `json:"errors"`
}

// Coverage describes detection telemetry for one technique.
type Coverage struct {
	TotalDataComponents int      `json:"total_datacomponents"`
	Top                 []string `json:"top_datacomponents"`
	DataSources         []string `json:"data_sources,omitempty"`
	DetectionText       string   `json:"detection_text,omitempty"`
	Message             string   `json:"message,omitempty"`
}

// TechniqueDetection pairs a technique with its coverage.
type TechniqueDetection struct {
	Technique TechniqueRef `json:"technique"`
	Detection Coverage     `json:"detection"`
}

// DetectionResult is the detection step's output. AnyZeroCount drives the
// reasoning branch.
type DetectionResult struct {
	Domain       string               `json:"domain"`
	AnyZeroCount bool                 `json:"any_zero_count"`
	Detections   []TechniqueDetection `json:"detections"`
	Errors       []ItemError          `json:"errors"`
}

// TechniqueMitigations lists mitigations for one technique.
type TechniqueMitigations struct {
	Technique   TechniqueRef        `json:"technique"`
	Mitigations []attack.Mitigation `json:"mitigations"`
	Count       int                 `json:"count"`
	Formatted   string              `json:"formatted,omitempty"`
}

// MitigationSummary counts mitigation coverage across techniques.
type MitigationSummary struct {
	TotalTechniques  int `json:"total_techniques"`
	WithMitigations  int `json:"with_mitigations"`
	TotalMitigations int `json:"total_mitigations"`
}

// MitigationResult is the mitigation step's output.
type MitigationResult struct {
	Domain      string                 `json:"domain"`
	Mitigations []TechniqueMitigations `json:"mitigations"`
	Summary     MitigationSummary      `json:"summary"`
	Errors      []ItemError            `json:"errors"`
}

// Reasoning modes.
const (
	ModeLLMFallback = "llm_fallback"
	ModeUnavailable = "unavailable"
)

// ReasoningItem holds generated hypotheses for a technique without mapped
// data components.
type ReasoningItem struct {
	Technique TechniqueRef    `json:"technique"`
	Mode      string          `json:"mode"`
	LLM       *llm.Hypotheses `json:"llm,omitempty"`
	Note      string          `json:"note,omitempty"`
}

// ReasoningResult is the detection reasoning step's output.
type ReasoningResult struct {
	Items []ReasoningItem `json:"detection_reasoning"`
}
