package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"mitreflow/pkg/framework"
)

var resumeFlags struct {
	checkpoint string
	set        []string
	stream     bool
	offline    bool
	pipeline   string
}

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Continue a run from a checkpoint",
	Long: `Resume a run from its latest checkpoint, or from --checkpoint. Nodes that
were completed or failed at that point are not re-run.

--set overrides state fields before scheduling continues. Values are parsed
as JSON when possible and taken as strings otherwise:

  mitreflow resume ir-2041 --set domain=ics
  mitreflow resume ir-2041 --checkpoint 5f0c... --set 'llm_model="gpt-4o"'`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	f := resumeCmd.Flags()
	f.StringVar(&resumeFlags.checkpoint, "checkpoint", "", "Checkpoint id (default: latest)")
	f.StringArrayVar(&resumeFlags.set, "set", nil, "State override field=value (repeatable)")
	f.BoolVar(&resumeFlags.stream, "stream", false, "Print one line per executed node as it completes")
	f.BoolVar(&resumeFlags.offline, "offline", false, "Use the bundled ATT&CK server and the offline analyst")
	f.StringVar(&resumeFlags.pipeline, "pipeline", "", "Pipeline YAML overriding the built-in pipeline")
}

func runResume(cmd *cobra.Command, args []string) error {
	runID := args[0]
	pipeline := resumeFlags.pipeline
	if pipeline == "" {
		pipeline = cfg.Investigation.Pipeline
	}
	out := cmd.OutOrStdout()
	a, err := newApp(cfg, appOptions{offline: resumeFlags.offline, pipeline: pipeline, observer: runObserver(out, resumeFlags.stream)})
	if err != nil {
		return err
	}
	defer a.close()
	if a.store == nil {
		return fmt.Errorf("resume needs a checkpoint backend (checkpoint.backend is %q)", cfg.Checkpoint.Backend)
	}

	updates, err := parseSets(a.runner.Plan().Schema(), resumeFlags.set)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if err := a.connect(ctx); err != nil {
		return err
	}

	fmt.Fprintf(out, "Resuming %s\n", runID)
	final, err := execute(ctx, a.runner, out, resumeFlags.stream, framework.State{},
		framework.WithRunID(runID),
		framework.WithMaxConcurrency(cfg.Investigation.MaxConcurrency),
		framework.FromCheckpoint(resumeFlags.checkpoint, updates))
	if final != nil {
		printSummary(out, final)
	}
	return err
}

// parseSets turns field=value pairs into a typed update using the schema's
// declared field types.
func parseSets(schema *framework.Schema, sets []string) (framework.Update, error) {
	if len(sets) == 0 {
		return nil, nil
	}
	raw := make(map[string]json.RawMessage, len(sets))
	for _, s := range sets {
		field, value, ok := strings.Cut(s, "=")
		field = strings.TrimSpace(field)
		if !ok || field == "" {
			return nil, fmt.Errorf("--set %q: want field=value", s)
		}
		if json.Valid([]byte(value)) {
			raw[field] = json.RawMessage(value)
			continue
		}
		quoted, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		raw[field] = quoted
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	st, err := schema.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("--set: %w", err)
	}
	return framework.Update(st), nil
}
