package investigation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"mitreflow/pkg/framework"
)

// File names written under Config.OutputDir.
const (
	LayerFileName  = "incident_layer.json"
	ReportFileName = "incident_report.md"
)

// Visualization builds the Navigator layer from whatever enrichment
// completed. Only confirmed techniques are required.
func (s *Steps) Visualization(ctx context.Context, st framework.State) (framework.Update, error) {
	techs, err := confirmed(StepVisualization, st)
	if err != nil {
		return nil, err
	}
	in := LayerInput{Domain: s.domain(st), Techniques: techs}
	in.IncidentText, _ = IncidentText.Get(st)
	if t, ok := TriageOut.Get(st); ok {
		in.Triage = &t
	}
	if d, ok := DetectionsOut.Get(st); ok {
		in.Detections = &d
	}
	if m, ok := MitigationsOut.Get(st); ok {
		in.Mitigations = &m
	}
	if i, ok := IntelOut.Get(st); ok {
		in.Intel = &i
	}
	layer := BuildLayer(in)

	u := framework.Update{}
	NavigatorLayer.Set(u, layer)
	if s.cfg.WriteFiles {
		data, err := json.MarshalIndent(layer, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode layer: %w", err)
		}
		path, err := writeOutput(s.cfg.OutputDir, LayerFileName, data)
		if err != nil {
			return nil, err
		}
		s.logger.Info("navigator layer written", slog.String("path", path), slog.Int("techniques", len(layer.Techniques)))
		NavigatorLayerPath.Set(u, path)
	}
	return u, nil
}

func writeOutput(dir, name string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	return path, nil
}
