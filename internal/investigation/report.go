package investigation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"mitreflow/internal/attack"
	"mitreflow/internal/format"
	"mitreflow/internal/llm"
	"mitreflow/pkg/framework"
)

// Limits applied when compacting state into the report context.
const (
	maxMappedLines     = 20
	maxIntelLines      = 12
	maxIntelNames      = 4
	maxTopMitigations  = 6
	maxIncidentExcerpt = 4000
)

// Report writes the executive report from the accumulated evidence.
// Mitigations and detection reasoning are optional.
func (s *Steps) Report(ctx context.Context, st framework.State) (framework.Update, error) {
	var missing []string
	summary, ok := TriageSummary.Get(st)
	if !ok {
		missing = append(missing, TriageSummary.Name())
	}
	techs, ok := ConfirmedTechs.Get(st)
	if !ok || len(techs) == 0 {
		missing = append(missing, ConfirmedTechs.Name())
	}
	intel, ok := IntelOut.Get(st)
	if !ok {
		missing = append(missing, IntelOut.Name())
	}
	det, ok := DetectionsOut.Get(st)
	if !ok {
		missing = append(missing, DetectionsOut.Name())
	}
	if len(missing) > 0 {
		return nil, &framework.PrerequisiteError{Node: StepReport, Missing: missing}
	}

	text, _ := IncidentText.Get(st)
	rc := llm.ReportContext{
		IncidentText:     llm.Truncate(text, maxIncidentExcerpt),
		TriageSummary:    summary,
		MappedTechniques: mappedLines(techs),
		IntelSummary:     intelLines(intel),
		DetectionContext: detectionLines(det),
	}
	rc.Model, _ = LLMModel.Get(st)
	if m, ok := MitigationsOut.Get(st); ok {
		rc.MitigationsContext = mitigationLines(m)
	}
	if r, ok := ReasoningOut.Get(st); ok {
		for _, item := range r.Items {
			if item.LLM != nil {
				rc.Hypotheses = append(rc.Hypotheses, *item.LLM)
			}
		}
	}
	rc.NavigatorLayerPath, _ = NavigatorLayerPath.Get(st)

	report, err := s.analyst.Report(ctx, rc)
	if err != nil {
		return nil, fmt.Errorf("write report: %w", err)
	}
	if strings.TrimSpace(report.Markdown) == "" {
		report.Markdown = RenderMarkdown(*report)
		m, _ := MitigationsOut.Get(st)
		report.Markdown += CoverageTable(det, m)
	}

	u := framework.Update{}
	ReportOut.Set(u, *report)
	ReportMarkdown.Set(u, report.Markdown)
	if s.cfg.WriteFiles {
		path, err := writeOutput(s.cfg.OutputDir, ReportFileName, []byte(report.Markdown))
		if err != nil {
			return nil, err
		}
		s.logger.Info("report written", slog.String("path", path))
		ReportPath.Set(u, path)
	}
	return u, nil
}

func mappedLines(techs []attack.Technique) []string {
	var out []string
	for _, t := range headOf(techs, maxMappedLines) {
		var tactics []string
		for _, tac := range t.Tactics {
			tactics = append(tactics, tac.Tactic)
		}
		line := t.ID + " " + t.Name
		if len(tactics) > 0 {
			line += " (" + strings.Join(tactics, ", ") + ")"
		}
		out = append(out, line)
	}
	return out
}

func intelLines(intel IntelResult) []string {
	var out []string
	for _, it := range headOf(intel.Intel, maxIntelLines) {
		out = append(out, fmt.Sprintf("%s %s: Groups=%s | Software=%s",
			it.Technique.ID, it.Technique.Name, actorNames(it.Groups), actorNames(it.Software)))
	}
	return out
}

func actorNames(actors []attack.Actor) string {
	if len(actors) == 0 {
		return "none"
	}
	var names []string
	for _, a := range headOf(actors, maxIntelNames) {
		names = append(names, a.Name)
	}
	return strings.Join(names, ", ")
}

func detectionLines(det DetectionResult) []llm.DetectionLine {
	var out []llm.DetectionLine
	for _, d := range det.Detections {
		out = append(out, llm.DetectionLine{
			TechniqueID:    d.Technique.ID,
			TechniqueName:  d.Technique.Name,
			DataComponents: d.Detection.TotalDataComponents,
			Top:            d.Detection.Top,
			Note:           d.Detection.Message,
		})
	}
	return out
}

func mitigationLines(m MitigationResult) []llm.MitigationLine {
	var out []llm.MitigationLine
	for _, tm := range m.Mitigations {
		line := llm.MitigationLine{TechniqueID: tm.Technique.ID, TechniqueName: tm.Technique.Name, Count: tm.Count}
		for _, mit := range headOf(tm.Mitigations, maxTopMitigations) {
			line.Top = append(line.Top, strings.TrimSpace(mit.AttackID+" "+mit.Name))
		}
		out = append(out, line)
	}
	return out
}

// RenderMarkdown renders a report as Markdown.
func RenderMarkdown(r llm.ExecutiveReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", r.Title)
	if r.ExecutiveSummary != "" {
		fmt.Fprintf(&b, "## Executive Summary\n\n%s\n\n", r.ExecutiveSummary)
	}
	section := func(title string, items []string, numbered bool) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(&b, "## %s\n\n", title)
		for i, item := range items {
			if numbered {
				fmt.Fprintf(&b, "%d. %s\n", i+1, item)
			} else {
				fmt.Fprintf(&b, "- %s\n", item)
			}
		}
		b.WriteString("\n")
	}
	section("Likely Attack Flow", r.LikelyAttackFlow, true)
	section("Mapped Techniques", r.MappedTechniques, false)
	section("Notable Groups and Software", r.NotableGroupsSoftware, false)
	section("Detection Recommendations", r.DetectionRecommendations, false)
	section("Immediate Actions", r.ImmediateActions, true)

	if n := len(r.IOCs.SuspectedArtifacts) + len(r.IOCs.SuspiciousProcesses) + len(r.IOCs.SuspiciousNetwork); n > 0 {
		b.WriteString("## Indicators of Compromise\n\n")
		iocs := func(label string, xs []string) {
			if len(xs) > 0 {
				fmt.Fprintf(&b, "- **%s:** %s\n", label, strings.Join(xs, ", "))
			}
		}
		iocs("Artifacts", r.IOCs.SuspectedArtifacts)
		iocs("Processes", r.IOCs.SuspiciousProcesses)
		iocs("Network", r.IOCs.SuspiciousNetwork)
		b.WriteString("\n")
	}
	if r.NavigatorLayerPath != "" {
		fmt.Fprintf(&b, "Navigator layer: `%s`\n", r.NavigatorLayerPath)
	}
	return b.String()
}

// CoverageTable renders per-technique telemetry and mitigation counts as a
// Markdown section.
func CoverageTable(det DetectionResult, mit MitigationResult) string {
	mitigations := make(map[string]int, len(mit.Mitigations))
	for _, m := range mit.Mitigations {
		mitigations[m.Technique.ID] = m.Count
	}
	tb := format.NewTable(format.Markdown)
	tb.Header("Technique", "Name", "Data components", "Mitigations", "Telemetry")
	tb.Columns(
		format.ColumnConfig{Number: 3, Align: format.AlignRight},
		format.ColumnConfig{Number: 4, Align: format.AlignRight},
	)
	for _, d := range det.Detections {
		tb.Row(d.Technique.ID, d.Technique.Name, d.Detection.TotalDataComponents,
			mitigations[d.Technique.ID], format.BoolMark(d.Detection.TotalDataComponents > 0))
	}
	if tb.Len() == 0 {
		return ""
	}
	return "\n## Defensive Coverage\n\n" + tb.String() + "\n"
}
