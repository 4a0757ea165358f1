package investigation

import (
	"context"
	"fmt"
	"log/slog"

	"mitreflow/internal/attack"
	"mitreflow/pkg/framework"
)

// Mitigation lists the courses of action for each confirmed technique.
func (s *Steps) Mitigation(ctx context.Context, st framework.State) (framework.Update, error) {
	techs, err := confirmed(StepMitigation, st)
	if err != nil {
		return nil, err
	}
	client := s.attackFor(st)

	results, errs := fanOut(ctx, s.cfg.FanOut, techs, func(ctx context.Context, t attack.Technique) (TechniqueMitigations, error) {
		m, err := client.Mitigations(ctx, t.StixID, false)
		if err != nil {
			return TechniqueMitigations{}, err
		}
		return TechniqueMitigations{
			Technique:   refOf(t),
			Mitigations: m.Mitigations,
			Count:       m.Count,
			Formatted:   m.Formatted,
		}, nil
	})
	if allFailed(errs) {
		return nil, fmt.Errorf("mitigation: every lookup failed: %w", firstErr(errs))
	}

	out := MitigationResult{Domain: client.Domain(), Mitigations: []TechniqueMitigations{}, Errors: []ItemError{}}
	for i, t := range techs {
		if errs[i] != nil {
			out.Errors = append(out.Errors, ItemError{TechniqueID: t.ID, Error: errs[i].Error()})
			continue
		}
		r := results[i]
		out.Mitigations = append(out.Mitigations, r)
		out.Summary.TotalTechniques++
		out.Summary.TotalMitigations += r.Count
		if r.Count > 0 {
			out.Summary.WithMitigations++
		}
	}
	s.logger.Info("mitigation complete",
		slog.Int("techniques", out.Summary.TotalTechniques),
		slog.Int("with_mitigations", out.Summary.WithMitigations),
		slog.Int("errors", len(out.Errors)))

	u := framework.Update{}
	MitigationsOut.Set(u, out)
	return u, nil
}
