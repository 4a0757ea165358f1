package llm

// Triage is the structured reading of raw incident text.
type Triage struct {
	Summary            string              `json:"summary" validate:"max=600"`
	SuspectedBehaviors []string            `json:"suspected_behaviors" validate:"max=12"`
	CandidatePlatforms []string            `json:"candidate_platforms" validate:"min=1,max=5"`
	TechniqueEvidence  map[string][]string `json:"technique_evidence" validate:"dive,keys,technique_id,endkeys,max=6"`
	Keywords           []string            `json:"keywords" validate:"max=20"`
	Plan               []PlanStep          `json:"plan,omitempty"`
}

// TriageRequest carries the incident text to read.
type TriageRequest struct {
	IncidentText string
	// Model overrides the analyst's configured model when set.
	Model string
}

// PlanStep is one suggested follow-up for downstream steps.
type PlanStep struct {
	Step           int      `json:"step"`
	Actor          string   `json:"actor"`
	Intent         string   `json:"intent"`
	SuggestedTools []string `json:"suggested_tools,omitempty"`
}

// Hypothesis is one detection idea for a technique lacking mapped telemetry.
type Hypothesis struct {
	Title      string   `json:"title" validate:"required,max=140"`
	Telemetry  []string `json:"telemetry" validate:"min=2,max=8,dive,max=140"`
	Rationale  string   `json:"rationale" validate:"max=400"`
	Confidence string   `json:"confidence" validate:"oneof=low medium high"`
}

// Hypotheses groups detection ideas for one technique.
type Hypotheses struct {
	TechniqueID   string       `json:"technique_id" validate:"max=140"`
	TechniqueName string       `json:"technique_name" validate:"max=140"`
	Hypotheses    []Hypothesis `json:"hypotheses" validate:"min=1,max=5,dive"`
}

// HypothesisRequest describes the technique to reason about.
type HypothesisRequest struct {
	TechniqueID          string `json:"id"`
	TechniqueName        string `json:"name"`
	TechniqueDescription string `json:"description"`
	IncidentText         string `json:"-"`
	Model                string `json:"-"`
}

// IOCs lists indicators pulled from the incident.
type IOCs struct {
	SuspectedArtifacts  []string `json:"suspected_artifacts"`
	SuspiciousProcesses []string `json:"suspicious_processes"`
	SuspiciousNetwork   []string `json:"suspicious_network"`
}

// ExecutiveReport is the final narrative written for responders.
type ExecutiveReport struct {
	Title                    string   `json:"title" validate:"required,max=140"`
	ExecutiveSummary         string   `json:"executive_summary" validate:"max=900"`
	LikelyAttackFlow         []string `json:"likely_attack_flow" validate:"min=3,max=12"`
	MappedTechniques         []string `json:"mapped_techniques" validate:"min=1,max=20"`
	NotableGroupsSoftware    []string `json:"notable_groups_software" validate:"max=30"`
	DetectionRecommendations []string `json:"detection_recommendations" validate:"min=3,max=20"`
	ImmediateActions         []string `json:"immediate_actions" validate:"min=3,max=15"`
	IOCs                     IOCs     `json:"iocs"`
	NavigatorLayerPath       string   `json:"navigator_layer_path,omitempty"`
	Markdown                 string   `json:"markdown" validate:"max=12000"`
}

// ReportContext is the compacted evidence handed to the report writer.
type ReportContext struct {
	IncidentText       string           `json:"incident_text"`
	TriageSummary      string           `json:"triage_summary"`
	MappedTechniques   []string         `json:"mapped_techniques"`
	IntelSummary       []string         `json:"intel_summary"`
	DetectionContext   []DetectionLine  `json:"detection_context"`
	MitigationsContext []MitigationLine `json:"mitigations_context"`
	Hypotheses         []Hypotheses     `json:"detection_hypotheses,omitempty"`
	NavigatorLayerPath string           `json:"navigator_layer_path,omitempty"`
	Model              string           `json:"-"`
}

// DetectionLine summarizes telemetry coverage for one technique.
type DetectionLine struct {
	TechniqueID    string   `json:"technique_id"`
	TechniqueName  string   `json:"technique_name"`
	DataComponents int      `json:"stix_total_datacomponents"`
	Top            []string `json:"stix_top_datacomponents,omitempty"`
	Note           string   `json:"note,omitempty"`
}

// MitigationLine summarizes mitigations for one technique.
type MitigationLine struct {
	TechniqueID   string   `json:"technique_id"`
	TechniqueName string   `json:"technique_name"`
	Count         int      `json:"count"`
	Top           []string `json:"top_mitigations,omitempty"`
}
