package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mitreflow/internal/investigation"
	"mitreflow/internal/llm"
	"mitreflow/pkg/framework"
)

var graphFlags struct {
	pipeline string
	yaml     bool
}

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Print the pipeline as a Mermaid diagram",
	Long: `Print the pipeline as a Mermaid flowchart. Conditional edges are dashed
and labelled with their route. With --yaml the validated pipeline
definition is printed instead.`,
	Args: cobra.NoArgs,
	RunE: runGraph,
}

func init() {
	f := graphCmd.Flags()
	f.StringVar(&graphFlags.pipeline, "pipeline", "", "Pipeline YAML (default: built-in)")
	f.BoolVar(&graphFlags.yaml, "yaml", false, "Print the pipeline definition instead")
}

func runGraph(cmd *cobra.Command, _ []string) error {
	// Steps are resolved, never run, so no tool session is needed.
	steps := investigation.NewSteps(nil, llm.NewOffline(), investigation.Config{})
	plan, err := buildPlan(graphFlags.pipeline, steps)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if !graphFlags.yaml {
		fmt.Fprint(out, framework.Render(plan))
		return nil
	}
	if graphFlags.pipeline == "" {
		_, err = out.Write(investigation.DefaultPipelineYAML())
		return err
	}
	def, err := loadPipelineFile(graphFlags.pipeline)
	if err != nil {
		return err
	}
	data, err := def.Marshal()
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}
