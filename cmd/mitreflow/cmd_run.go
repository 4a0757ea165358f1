package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"mitreflow/internal/format"
	"mitreflow/internal/investigation"
	"mitreflow/internal/logging"
	"mitreflow/pkg/framework"
)

var runFlags struct {
	stream         bool
	runID          string
	pipeline       string
	offline        bool
	metricsAddr    string
	domain         string
	outputDir      string
	noFiles        bool
	maxConcurrency int
}

var runCmd = &cobra.Command{
	Use:   "run [incident-file|-]",
	Short: "Investigate an incident",
	Long: `Run the investigation pipeline over incident text read from a file, or
from stdin when the argument is "-" or omitted.

  mitreflow run incident.txt
  mitreflow run --offline --stream incident.txt
  cat alert.log | mitreflow run --run-id ir-2041 -

With --offline the bundled ATT&CK dataset is served in-process and the
deterministic offline analyst replaces the LLM.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.BoolVar(&runFlags.stream, "stream", false, "Print one line per executed node as it completes")
	f.StringVar(&runFlags.runID, "run-id", "", "Run id for checkpoints (default: random UUID)")
	f.StringVar(&runFlags.pipeline, "pipeline", "", "Pipeline YAML overriding the built-in pipeline")
	f.BoolVar(&runFlags.offline, "offline", false, "Use the bundled ATT&CK server and the offline analyst")
	f.StringVar(&runFlags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address during the run")
	f.StringVar(&runFlags.domain, "domain", "", "ATT&CK domain (default from config)")
	f.StringVar(&runFlags.outputDir, "output-dir", "", "Directory for incident_layer.json and incident_report.md")
	f.BoolVar(&runFlags.noFiles, "no-files", false, "Do not write the layer and report files")
	f.IntVar(&runFlags.maxConcurrency, "max-concurrency", 0, "Cap on concurrently running nodes (0 = unlimited)")
}

func runRun(cmd *cobra.Command, args []string) error {
	path := "-"
	if len(args) > 0 {
		path = args[0]
	}
	text, err := readIncident(path, cmd.InOrStdin())
	if err != nil {
		return err
	}

	c := cfg
	if runFlags.outputDir != "" {
		c.Investigation.OutputDir = runFlags.outputDir
	}
	if runFlags.noFiles {
		c.Investigation.WriteFiles = false
	}
	if runFlags.metricsAddr != "" {
		c.Metrics.Addr = runFlags.metricsAddr
	}
	if runFlags.maxConcurrency > 0 {
		c.Investigation.MaxConcurrency = runFlags.maxConcurrency
	}
	pipeline := runFlags.pipeline
	if pipeline == "" {
		pipeline = c.Investigation.Pipeline
	}

	out := cmd.OutOrStdout()
	a, err := newApp(c, appOptions{offline: runFlags.offline, pipeline: pipeline, observer: runObserver(out, runFlags.stream)})
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	if c.Metrics.Addr != "" {
		stop := serveMetrics(a, c.Metrics.Addr)
		defer stop()
	}
	if err := a.connect(ctx); err != nil {
		return err
	}

	runID := runFlags.runID
	if runID == "" {
		runID = uuid.NewString()
	}
	domain := runFlags.domain
	if domain == "" {
		domain = c.Investigation.Domain
	}
	initial := investigation.NewState(text, domain, c.LLM.Model)
	opts := []framework.RunOption{framework.WithRunID(runID), framework.WithMaxConcurrency(c.Investigation.MaxConcurrency)}

	fmt.Fprintf(out, "Run %s\n", runID)
	final, err := execute(ctx, a.runner, out, runFlags.stream, initial, opts...)
	if final != nil {
		printSummary(out, final)
	}
	return err
}

// execute runs the plan to completion, printing each node as it finishes
// when stream is set. The streamed result is the state carried by the last
// event, so checkpoint data restored on resume is kept.
func execute(ctx context.Context, r *framework.Runner, out io.Writer, stream bool, initial framework.State, opts ...framework.RunOption) (framework.State, error) {
	if !stream {
		return r.Run(ctx, initial, opts...)
	}
	final := initial.Clone()
	for ev, err := range r.Stream(ctx, initial, opts...) {
		if err != nil {
			return final, err
		}
		fmt.Fprintf(out, "  %-22s %-9s %s\n", investigation.Vocabulary().Name(ev.Node), ev.Status, format.Duration(ev.Elapsed))
		final = ev.State
	}
	return final, nil
}

// runObserver logs run events, and narrates progress when not streaming.
func runObserver(out io.Writer, stream bool) framework.RunObserver {
	obs := framework.MultiObserver{&framework.LogObserver{Logger: logging.New("run")}}
	if !stream {
		obs = append(obs, framework.NewNarrationObserver(
			framework.WithVocabulary(investigation.Vocabulary()),
			framework.WithSink(func(line string) { fmt.Fprintf(out, "  %s\n", line) }),
		))
	}
	return obs
}

func readIncident(path string, stdin io.Reader) (string, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read incident: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", errors.New("incident text is empty")
	}
	return text, nil
}

func serveMetrics(a *app, addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warn("metrics server", slog.String("addr", addr), slog.String("error", err.Error()))
		}
	}()
	a.logger.Info("serving metrics", slog.String("addr", addr))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func printSummary(out io.Writer, st framework.State) {
	techs, _ := investigation.ConfirmedTechs.Get(st)
	if len(techs) > 0 {
		ids := make([]string, len(techs))
		for i, t := range techs {
			ids[i] = t.ID
		}
		fmt.Fprintf(out, "Techniques: %s\n", strings.Join(ids, ", "))
	}
	if p, ok := investigation.NavigatorLayerPath.Get(st); ok {
		fmt.Fprintf(out, "Layer:      %s\n", p)
	}
	if p, ok := investigation.ReportPath.Get(st); ok {
		fmt.Fprintf(out, "Report:     %s\n", p)
	} else if md, ok := investigation.ReportMarkdown.Get(st); ok {
		fmt.Fprintf(out, "\n%s\n", md)
	}
	errs, _ := framework.Errors.Get(st)
	for _, e := range errs {
		fmt.Fprintf(out, "Error:      %s: %s\n", e.Node, e.Message)
	}
}
