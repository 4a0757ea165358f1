package investigation

import (
	"context"
	"log/slog"

	"mitreflow/internal/llm"
	"mitreflow/pkg/framework"
)

const fallbackNote = "No data components are mapped for this technique in this release; hypotheses were generated from the incident context."

// DetectionReasoning proposes detection hypotheses for techniques without
// mapped data components. Missing inputs are a prerequisite failure; analyst
// failures are noted per technique and the step still completes.
func (s *Steps) DetectionReasoning(ctx context.Context, st framework.State) (framework.Update, error) {
	var missing []string
	det, ok := DetectionsOut.Get(st)
	if !ok {
		missing = append(missing, DetectionsOut.Name())
	}
	techs, ok := ConfirmedTechs.Get(st)
	if !ok || len(techs) == 0 {
		missing = append(missing, ConfirmedTechs.Name())
	}
	if len(missing) > 0 {
		return nil, &framework.PrerequisiteError{Node: StepReasoning, Missing: missing}
	}

	out := ReasoningResult{Items: []ReasoningItem{}}
	u := framework.Update{}
	descriptions := make(map[string]string, len(techs))
	for _, t := range techs {
		descriptions[t.ID] = t.Description
	}
	text, _ := IncidentText.Get(st)
	model, _ := LLMModel.Get(st)

	var gaps []TechniqueRef
	for _, d := range det.Detections {
		if d.Detection.TotalDataComponents == 0 {
			gaps = append(gaps, d.Technique)
		}
	}

	results, errs := fanOut(ctx, s.cfg.FanOut, gaps, func(ctx context.Context, ref TechniqueRef) (*llm.Hypotheses, error) {
		return s.analyst.Hypotheses(ctx, llm.HypothesisRequest{
			TechniqueID:          ref.ID,
			TechniqueName:        ref.Name,
			TechniqueDescription: descriptions[ref.ID],
			IncidentText:         text,
			Model:                model,
		})
	})
	for i, ref := range gaps {
		if errs[i] != nil {
			s.logger.Warn("detection hypotheses unavailable", slog.String("technique", ref.ID), slog.String("error", errs[i].Error()))
			out.Items = append(out.Items, ReasoningItem{Technique: ref, Mode: ModeUnavailable, Note: errs[i].Error()})
			continue
		}
		out.Items = append(out.Items, ReasoningItem{Technique: ref, Mode: ModeLLMFallback, LLM: results[i], Note: fallbackNote})
	}

	ReasoningOut.Set(u, out)
	return u, nil
}
