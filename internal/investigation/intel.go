package investigation

import (
	"context"
	"fmt"
	"log/slog"

	"mitreflow/internal/attack"
	"mitreflow/pkg/framework"
)

// Intel looks up the groups and software known to use each confirmed
// technique.
func (s *Steps) Intel(ctx context.Context, st framework.State) (framework.Update, error) {
	techs, err := confirmed(StepIntel, st)
	if err != nil {
		return nil, err
	}
	client := s.attackFor(st)
	max := s.cfg.IntelMaxItems

	results, errs := fanOut(ctx, s.cfg.FanOut, techs, func(ctx context.Context, t attack.Technique) (TechniqueIntel, error) {
		groups, err := client.Groups(ctx, t.StixID)
		if err != nil {
			return TechniqueIntel{}, fmt.Errorf("groups: %w", err)
		}
		software, err := client.Software(ctx, t.StixID)
		if err != nil {
			return TechniqueIntel{}, fmt.Errorf("software: %w", err)
		}
		return TechniqueIntel{
			Technique: refOf(t),
			Groups:    headOf(groups, max),
			Software:  headOf(software, max),
		}, nil
	})
	if allFailed(errs) {
		return nil, fmt.Errorf("intel: every lookup failed: %w", firstErr(errs))
	}

	out := IntelResult{Domain: client.Domain(), Intel: []TechniqueIntel{}, Errors: []ItemError{}}
	for i, t := range techs {
		if errs[i] != nil {
			out.Errors = append(out.Errors, ItemError{TechniqueID: t.ID, Error: errs[i].Error()})
			continue
		}
		out.Intel = append(out.Intel, results[i])
	}
	s.logger.Info("intel complete", slog.Int("techniques", len(out.Intel)), slog.Int("errors", len(out.Errors)))

	u := framework.Update{}
	IntelOut.Set(u, out)
	return u, nil
}

func headOf[T any](xs []T, n int) []T {
	if xs == nil {
		return []T{}
	}
	if len(xs) > n {
		xs = xs[:n]
	}
	return append([]T(nil), xs...)
}
