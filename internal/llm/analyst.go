// Package llm is the boundary to the language model used by the triage,
// detection reasoning and report steps. Model output is untrusted: every
// response is extracted, sanitized and validated before it is returned.
package llm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// Analyst produces the structured judgments the pipeline needs.
type Analyst interface {
	Triage(ctx context.Context, req TriageRequest) (*Triage, error)
	Hypotheses(ctx context.Context, req HypothesisRequest) (*Hypotheses, error)
	Report(ctx context.Context, rc ReportContext) (*ExecutiveReport, error)
}

// ErrInvalidResponse wraps model output that fails validation.
var ErrInvalidResponse = errors.New("llm: invalid response")

// Limits applied when sanitizing model output.
const (
	MaxEvidencePerTechnique = 6
	MaxHypothesesKept       = 3
	DefaultPlatform         = "Windows"
)

var (
	validate     = newValidator()
	techniqueIDs = regexp.MustCompile(`^T\d{4}(\.\d{3})?$`)
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("technique_id", func(fl validator.FieldLevel) bool {
		return techniqueIDs.MatchString(fl.Field().String())
	})
	return v
}

// Validate checks a structured response against its declared limits.
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}

// IsTechniqueID reports whether s looks like Txxxx or Txxxx.xxx.
func IsTechniqueID(s string) bool { return techniqueIDs.MatchString(s) }

// Dedupe trims, drops empties and case-insensitive duplicates, and keeps
// at most max entries.
func Dedupe(xs []string, max int) []string {
	out := make([]string, 0, len(xs))
	seen := make(map[string]bool, len(xs))
	for _, x := range xs {
		s := strings.TrimSpace(x)
		if s == "" || seen[strings.ToLower(s)] {
			continue
		}
		seen[strings.ToLower(s)] = true
		out = append(out, s)
		if len(out) >= max {
			break
		}
	}
	return out
}

// Truncate shortens s to at most max runes, marking the cut with an ellipsis.
func Truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max-1]) + "…"
}

// SanitizeTriage enforces triage limits in place: deduped lists, valid
// technique ids only, a default platform.
func SanitizeTriage(t *Triage) {
	t.Summary = Truncate(strings.TrimSpace(t.Summary), 600)
	t.SuspectedBehaviors = Dedupe(t.SuspectedBehaviors, 12)
	t.Keywords = Dedupe(t.Keywords, 20)
	t.CandidatePlatforms = Dedupe(t.CandidatePlatforms, 5)
	if len(t.CandidatePlatforms) == 0 {
		t.CandidatePlatforms = []string{DefaultPlatform}
	}
	ev := make(map[string][]string, len(t.TechniqueEvidence))
	for id, phrases := range t.TechniqueEvidence {
		id = strings.ToUpper(strings.TrimSpace(id))
		if !IsTechniqueID(id) {
			continue
		}
		ev[id] = Dedupe(append(ev[id], phrases...), MaxEvidencePerTechnique)
	}
	t.TechniqueEvidence = ev
	if len(t.Plan) == 0 {
		t.Plan = defaultPlan()
	}
}

func defaultPlan() []PlanStep {
	return []PlanStep{
		{Step: 1, Actor: "mapping", Intent: "Confirm technique details and tactics for candidate techniques.",
			SuggestedTools: []string{"get_technique_by_id", "get_technique_tactics"}},
		{Step: 2, Actor: "intel", Intent: "Find threat groups and software associated with confirmed techniques.",
			SuggestedTools: []string{"get_groups_using_technique", "get_software_using_technique"}},
		{Step: 3, Actor: "detection", Intent: "Pull data components, reasoning over gaps when none are mapped.",
			SuggestedTools: []string{"get_datacomponents_detecting_technique"}},
	}
}

var defaultTelemetry = []string{
	"Endpoint process telemetry (EDR/Sysmon)",
	"Network telemetry (DNS/Proxy/Firewall)",
}

// SanitizeHypotheses clamps model output to the hypothesis limits, filling
// defaults where the model gave too little.
func SanitizeHypotheses(h *Hypotheses) {
	h.TechniqueID = Truncate(h.TechniqueID, 140)
	h.TechniqueName = Truncate(h.TechniqueName, 140)
	if len(h.Hypotheses) > 5 {
		h.Hypotheses = h.Hypotheses[:5]
	}
	kept := h.Hypotheses[:0]
	for _, x := range h.Hypotheses {
		x.Title = Truncate(strings.TrimSpace(x.Title), 140)
		if x.Title == "" {
			continue
		}
		var tel []string
		for _, s := range x.Telemetry {
			if s = strings.TrimSpace(s); s != "" {
				tel = append(tel, Truncate(s, 140))
			}
		}
		if len(tel) > 8 {
			tel = tel[:8]
		}
		for i := 0; len(tel) < 2; i++ {
			tel = append(tel, defaultTelemetry[i])
		}
		x.Telemetry = tel
		x.Rationale = Truncate(x.Rationale, 400)
		x.Confidence = strings.ToLower(strings.TrimSpace(x.Confidence))
		switch x.Confidence {
		case "low", "medium", "high":
		default:
			x.Confidence = "medium"
		}
		kept = append(kept, x)
	}
	h.Hypotheses = kept
	if len(h.Hypotheses) == 0 {
		h.Hypotheses = []Hypothesis{{
			Title:      "Correlate endpoint execution chain with network activity",
			Telemetry:  append([]string(nil), defaultTelemetry...),
			Rationale:  "Correlating process lineage with outbound traffic often surfaces suspicious behavior when no vendor mapping exists.",
			Confidence: "medium",
		}}
	}
}

var fence = regexp.MustCompile("(?s)^```(?:json)?\\s*(.*?)\\s*```$")

// ExtractJSON pulls the first JSON object out of model text, tolerating
// code fences and surrounding commentary.
func ExtractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if m := fence.FindStringSubmatch(s); m != nil {
		s = strings.TrimSpace(m[1])
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return "{}"
	}
	return s[start : end+1]
}
