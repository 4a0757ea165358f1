package investigation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"mitreflow/internal/llm"
	"mitreflow/pkg/framework"
)

// ErrNoCandidates is returned when triage finds no technique candidates.
var ErrNoCandidates = errors.New("investigation: triage produced no technique candidates")

// Triage reads the incident text and proposes candidate techniques with
// supporting evidence.
func (s *Steps) Triage(ctx context.Context, st framework.State) (framework.Update, error) {
	text, _ := IncidentText.Get(st)
	if strings.TrimSpace(text) == "" {
		return nil, &framework.PrerequisiteError{Node: StepTriage, Missing: []string{IncidentText.Name()}}
	}
	model, _ := LLMModel.Get(st)
	t, err := s.analyst.Triage(ctx, llm.TriageRequest{IncidentText: text, Model: model})
	if err != nil {
		return nil, fmt.Errorf("triage: %w", err)
	}
	if len(t.TechniqueEvidence) == 0 {
		return nil, ErrNoCandidates
	}
	s.logger.Info("triage complete",
		slog.Int("candidates", len(t.TechniqueEvidence)),
		slog.Any("platforms", t.CandidatePlatforms))

	u := framework.Update{}
	TriageOut.Set(u, *t)
	TriageSummary.Set(u, t.Summary)
	return u, nil
}

// candidates orders technique ids by evidence count, then id, and keeps
// at most max.
func candidates(t llm.Triage, max int) []string {
	ids := make([]string, 0, len(t.TechniqueEvidence))
	for id := range t.TechniqueEvidence {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ni, nj := len(t.TechniqueEvidence[ids[i]]), len(t.TechniqueEvidence[ids[j]])
		if ni != nj {
			return ni > nj
		}
		return ids[i] < ids[j]
	})
	if len(ids) > max {
		ids = ids[:max]
	}
	return ids
}
