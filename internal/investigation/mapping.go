package investigation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"mitreflow/internal/attack"
	"mitreflow/pkg/framework"
)

type mappedTechnique struct {
	tech       *attack.Technique
	tacticsErr error
}

// Mapping confirms triage candidates against the ATT&CK server and
// attaches their tactics. It fails when nothing is confirmed.
func (s *Steps) Mapping(ctx context.Context, st framework.State) (framework.Update, error) {
	tr, ok := TriageOut.Get(st)
	if !ok {
		return nil, &framework.PrerequisiteError{Node: StepMapping, Missing: []string{TriageOut.Name()}}
	}
	ids := candidates(tr, s.cfg.MaxCandidates)
	client := s.attackFor(st)

	results, errs := fanOut(ctx, s.cfg.FanOut, ids, func(ctx context.Context, id string) (mappedTechnique, error) {
		t, err := client.Technique(ctx, id, true)
		if err != nil {
			return mappedTechnique{}, err
		}
		tactics, err := client.Tactics(ctx, t.ID)
		if err != nil {
			return mappedTechnique{tech: t, tacticsErr: err}, nil
		}
		t.Tactics = tactics
		return mappedTechnique{tech: t}, nil
	})

	out := MappingResult{
		Domain:    client.Domain(),
		Confirmed: []attack.Technique{},
		NotFound:  []string{},
		Errors:    []ItemError{},
	}
	for i, id := range ids {
		switch {
		case errors.Is(errs[i], attack.ErrNotFound):
			out.NotFound = append(out.NotFound, id)
		case errs[i] != nil:
			out.Errors = append(out.Errors, ItemError{TechniqueID: id, Error: errs[i].Error()})
		default:
			if results[i].tacticsErr != nil {
				out.Errors = append(out.Errors, ItemError{TechniqueID: id, Error: "tactics: " + results[i].tacticsErr.Error()})
			}
			out.Confirmed = append(out.Confirmed, *results[i].tech)
		}
	}
	s.logger.Info("mapping complete",
		slog.Int("confirmed", len(out.Confirmed)),
		slog.Int("not_found", len(out.NotFound)),
		slog.Int("errors", len(out.Errors)))

	if len(out.Confirmed) == 0 {
		if len(out.Errors) > 0 {
			// Lookups failed; another attempt may succeed.
			return nil, fmt.Errorf("no techniques confirmed: %s", out.Errors[0].Error)
		}
		return framework.Fail(StepMapping, fmt.Errorf("no techniques confirmed (not found: %s)", strings.Join(out.NotFound, ", "))), nil
	}

	u := framework.Update{}
	MappingOut.Set(u, out)
	ConfirmedTechs.Set(u, out.Confirmed)
	return u, nil
}
