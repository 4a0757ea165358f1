package investigation

import (
	_ "embed"
	"fmt"

	"mitreflow/pkg/framework"
)

//go:embed pipeline.yaml
var defaultPipeline []byte

// DefaultPipelineYAML returns the embedded pipeline definition.
func DefaultPipelineYAML() []byte { return append([]byte(nil), defaultPipeline...) }

// DefaultPipeline parses the embedded pipeline definition.
func DefaultPipeline() (*framework.PipelineDef, error) {
	return framework.LoadPipeline(defaultPipeline)
}

// Build compiles def against the investigation schema and steps. A nil
// def uses the default pipeline.
func Build(def *framework.PipelineDef, steps *Steps) (*framework.Plan, error) {
	if def == nil {
		var err error
		if def, err = DefaultPipeline(); err != nil {
			return nil, fmt.Errorf("load default pipeline: %w", err)
		}
	}
	return def.Build(Schema(), steps.Registry())
}

// Vocabulary maps step names to display names.
func Vocabulary() framework.Vocabulary {
	return framework.NewMapVocabulary(map[string]string{
		StepTriage:        "Incident Triage",
		StepMapping:       "Technique Mapping",
		StepIntel:         "Threat Intel",
		StepDetection:     "Detection Coverage",
		StepMitigation:    "Mitigations",
		StepReasoning:     "Detection Reasoning",
		StepVisualization: "Navigator Layer",
		StepReport:        "Executive Report",
	})
}
