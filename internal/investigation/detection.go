package investigation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"mitreflow/internal/attack"
	"mitreflow/internal/llm"
	"mitreflow/pkg/framework"
)

const (
	maxDataSources     = 12
	maxDetectionText   = 280
	zeroCoverageReason = "No data components are mapped to this technique; showing the technique's own detection guidance."
)

// Detection collects the data components that detect each confirmed
// technique. Techniques with none fall back to the technique object's data
// sources and detection text, and set AnyZeroCount.
func (s *Steps) Detection(ctx context.Context, st framework.State) (framework.Update, error) {
	techs, err := confirmed(StepDetection, st)
	if err != nil {
		return nil, err
	}
	client := s.attackFor(st)
	top := s.cfg.DetectionTopItems

	results, errs := fanOut(ctx, s.cfg.FanOut, techs, func(ctx context.Context, t attack.Technique) (TechniqueDetection, error) {
		dc, err := client.DataComponents(ctx, t.StixID)
		if err != nil {
			return TechniqueDetection{}, fmt.Errorf("datacomponents: %w", err)
		}
		cov := Coverage{TotalDataComponents: dc.Count, Top: headOf(dc.Names, top)}
		if dc.Count == 0 {
			cov.Message = zeroCoverageReason
			if obj, err := client.Object(ctx, t.StixID); err != nil {
				s.logger.Debug("detection fallback unavailable", slog.String("technique", t.ID), slog.String("error", err.Error()))
			} else {
				cov.DataSources = headOf(obj.DataSources, maxDataSources)
				cov.DetectionText = compact(obj.Detection, maxDetectionText)
			}
		}
		return TechniqueDetection{Technique: refOf(t), Detection: cov}, nil
	})
	if allFailed(errs) {
		return nil, fmt.Errorf("detection: every lookup failed: %w", firstErr(errs))
	}

	out := DetectionResult{Domain: client.Domain(), Detections: []TechniqueDetection{}, Errors: []ItemError{}}
	for i, t := range techs {
		if errs[i] != nil {
			out.Errors = append(out.Errors, ItemError{TechniqueID: t.ID, Error: errs[i].Error()})
			continue
		}
		if results[i].Detection.TotalDataComponents == 0 {
			out.AnyZeroCount = true
		}
		out.Detections = append(out.Detections, results[i])
	}
	s.logger.Info("detection complete",
		slog.Int("techniques", len(out.Detections)),
		slog.Bool("any_zero_count", out.AnyZeroCount))

	u := framework.Update{}
	DetectionsOut.Set(u, out)
	return u, nil
}

// compact collapses whitespace and truncates to max runes.
func compact(s string, max int) string {
	return llm.Truncate(strings.Join(strings.Fields(s), " "), max)
}
