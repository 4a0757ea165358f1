package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"mitreflow/internal/attack"
	"mitreflow/internal/investigation"
	"mitreflow/internal/store"
)

const incident = `Defender alert on FIN-LAPTOP-07:
winword.exe spawned powershell.exe -EncodedCommand SQBFAFgAIAAoAE4AZQB3AC0ATwBiAGoAZQBjAHQA
procdump.exe -ma lsass.exe C:\Users\Public\l.dmp`

// cli runs the root command in-process with fresh flag state.
func cli(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	runFlags = struct {
		stream         bool
		runID          string
		pipeline       string
		offline        bool
		metricsAddr    string
		domain         string
		outputDir      string
		noFiles        bool
		maxConcurrency int
	}{}
	resumeFlags.checkpoint, resumeFlags.set, resumeFlags.stream, resumeFlags.offline, resumeFlags.pipeline = "", nil, false, false, ""
	graphFlags.pipeline, graphFlags.yaml = "", false
	checkpointsFlags.format = "ascii"
	rootFlags.configPath, rootFlags.logLevel, rootFlags.logFormat = "", "", ""

	var out, errOut bytes.Buffer
	rootCmd.SetArgs(args)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T) (cfgPath, dir string) {
	t.Helper()
	dir = t.TempDir()
	cfgPath = filepath.Join(dir, "mitreflow.yaml")
	data := fmt.Sprintf(`
llm:
  provider: offline
investigation:
  output_dir: %s
checkpoint:
  backend: sqlite
  path: %s
log:
  level: warn
`, filepath.Join(dir, "out"), filepath.Join(dir, "checkpoints.db"))
	if err := os.WriteFile(cfgPath, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return cfgPath, dir
}

func TestRunCheckpointsResume_Offline(t *testing.T) {
	cfgPath, dir := writeConfig(t)
	incidentPath := filepath.Join(dir, "incident.txt")
	if err := os.WriteFile(incidentPath, []byte(incident), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := cli(t, "", "run", "--config", cfgPath, "--offline", "--run-id", "ir-1", incidentPath)
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	for _, want := range []string{"Run ir-1", "Techniques:", "T1003.001", "Report:", "Completed Executive Report"} {
		if !strings.Contains(out, want) {
			t.Errorf("run output missing %q:\n%s", want, out)
		}
	}
	for _, name := range []string{investigation.LayerFileName, investigation.ReportFileName} {
		if _, err := os.Stat(filepath.Join(dir, "out", name)); err != nil {
			t.Errorf("%s not written: %v", name, err)
		}
	}

	out, err = cli(t, "", "checkpoints", "--config", cfgPath, "ir-1")
	if err != nil {
		t.Fatalf("checkpoints: %v", err)
	}
	for _, want := range []string{"triage", "detection_reasoning", "report"} {
		if !strings.Contains(out, want) {
			t.Errorf("checkpoints output missing %q:\n%s", want, out)
		}
	}

	out, err = cli(t, "", "resume", "--config", cfgPath, "--offline", "--stream", "ir-1")
	if err != nil {
		t.Fatalf("resume: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Resuming ir-1") {
		t.Errorf("resume output:\n%s", out)
	}
	if strings.Contains(out, "Incident Triage") {
		t.Errorf("resume re-ran a completed node:\n%s", out)
	}

	// A streamed resume from an earlier checkpoint still reports the
	// state restored from it.
	cpID := checkpointFor(t, filepath.Join(dir, "checkpoints.db"), "ir-1", investigation.StepVisualization)
	out, err = cli(t, "", "resume", "--config", cfgPath, "--offline", "--stream", "--checkpoint", cpID, "ir-1")
	if err != nil {
		t.Fatalf("resume from %s: %v\n%s", cpID, err, out)
	}
	for _, want := range []string{"Executive Report", "Techniques:", "T1003.001", "Layer:", "Report:"} {
		if !strings.Contains(out, want) {
			t.Errorf("streamed resume output missing %q:\n%s", want, out)
		}
	}
}

func checkpointFor(t *testing.T, dbPath, runID, node string) string {
	t.Helper()
	cs, err := store.Open(store.BackendSQLite, dbPath, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}
	defer cs.Close()
	list, err := cs.List(context.Background(), runID)
	if err != nil {
		t.Fatal(err)
	}
	for _, cp := range list {
		if cp.Node == node {
			return cp.ID
		}
	}
	t.Fatalf("no checkpoint for %s in run %s", node, runID)
	return ""
}

func TestRun_StreamFromStdin(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	out, err := cli(t, incident, "run", "--config", cfgPath, "--offline", "--stream", "--no-files", "-")
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	for _, want := range []string{"Incident Triage", "Technique Mapping", "Detection Reasoning", "Executive Report", "# Incident Investigation"} {
		if !strings.Contains(out, want) {
			t.Errorf("stream output missing %q:\n%s", want, out)
		}
	}
}

func TestRun_EmptyIncident(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	if _, err := cli(t, "   \n", "run", "--config", cfgPath, "--offline"); err == nil || !strings.Contains(err.Error(), "empty") {
		t.Fatalf("err = %v, want empty incident error", err)
	}
}

func TestCheckpoints_UnknownRun(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	out, err := cli(t, "", "checkpoints", "--config", cfgPath, "nope")
	if err != nil {
		t.Fatalf("checkpoints: %v", err)
	}
	if !strings.Contains(out, "No checkpoints for run nope") {
		t.Errorf("output:\n%s", out)
	}
}

func TestGraph(t *testing.T) {
	out, err := cli(t, "", "graph")
	if err != nil {
		t.Fatalf("graph: %v", err)
	}
	for _, want := range []string{"graph TD", "detection_reasoning", "visualization"} {
		if !strings.Contains(out, want) {
			t.Errorf("graph output missing %q:\n%s", want, out)
		}
	}

	out, err = cli(t, "", "graph", "--yaml")
	if err != nil {
		t.Fatalf("graph --yaml: %v", err)
	}
	if !strings.Contains(out, "pipeline: investigation") {
		t.Errorf("yaml output:\n%s", out)
	}
}

func TestParseSets(t *testing.T) {
	u, err := parseSets(investigation.Schema(), []string{
		"domain=ics",
		`confirmed_techniques=[{"id":"T1027","name":"Obfuscated Files or Information"}]`,
	})
	if err != nil {
		t.Fatalf("parseSets: %v", err)
	}
	if got, _ := u[investigation.Domain.Name()].(string); got != "ics" {
		t.Errorf("domain = %v", u[investigation.Domain.Name()])
	}
	want := []attack.Technique{{ID: "T1027", Name: "Obfuscated Files or Information"}}
	if diff := cmp.Diff(want, u[investigation.ConfirmedTechs.Name()]); diff != "" {
		t.Errorf("confirmed mismatch (-want +got):\n%s", diff)
	}

	if _, err := parseSets(investigation.Schema(), []string{"novalue"}); err == nil {
		t.Error("expected error for missing '='")
	}
}
