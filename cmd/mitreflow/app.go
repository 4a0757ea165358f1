package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"mitreflow/internal/config"
	"mitreflow/internal/investigation"
	"mitreflow/internal/llm"
	"mitreflow/internal/logging"
	"mitreflow/internal/mcp"
	"mitreflow/internal/store"
	"mitreflow/internal/toolclient"
	"mitreflow/pkg/framework"
)

// app holds the long-lived collaborators of one command invocation.
type app struct {
	cfg      config.Config
	tools    *toolclient.Client
	analyst  llm.Analyst
	store    store.CheckpointStore
	runner   *framework.Runner
	registry *prometheus.Registry
	logger   *slog.Logger
}

type appOptions struct {
	offline  bool
	pipeline string
	observer framework.RunObserver
}

func newApp(c config.Config, opts appOptions) (*app, error) {
	a := &app{cfg: c, registry: prometheus.NewRegistry(), logger: logging.New("cli")}

	endpoint, err := a.endpoint(opts.offline)
	if err != nil {
		return nil, err
	}
	clientOpts := []toolclient.Option{
		toolclient.WithMaxInFlight(c.MCP.MaxInFlight),
		toolclient.WithCallTimeout(c.MCP.CallTimeout),
		toolclient.WithMetrics(a.registry),
		toolclient.WithImplementation("mitreflow", version),
	}
	if c.MCP.CallsPerSecond > 0 {
		clientOpts = append(clientOpts, toolclient.WithRateLimit(c.MCP.CallsPerSecond, c.MCP.Burst))
	}
	a.tools = toolclient.New(endpoint, clientOpts...)

	if a.analyst, err = newAnalyst(c.LLM, opts.offline); err != nil {
		a.close()
		return nil, err
	}
	if a.store, err = store.Open(c.Checkpoint.Backend, c.Checkpoint.Path, logging.New("store")); err != nil {
		a.close()
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}

	steps := investigation.NewSteps(a.tools, a.analyst, investigation.Config{
		Domain:            c.Investigation.Domain,
		FanOut:            c.Investigation.FanOut,
		MaxCandidates:     c.Investigation.MaxCandidates,
		IntelMaxItems:     c.Investigation.IntelMaxItems,
		DetectionTopItems: c.Investigation.DetectionTopItems,
		OutputDir:         c.Investigation.OutputDir,
		WriteFiles:        c.Investigation.WriteFiles,
	})
	plan, err := buildPlan(opts.pipeline, steps)
	if err != nil {
		a.close()
		return nil, err
	}

	runnerOpts := []framework.RunnerOption{framework.WithLogger(logging.New("runner"))}
	if a.store != nil {
		runnerOpts = append(runnerOpts, framework.WithCheckpointer(a.store))
	}
	if opts.observer != nil {
		runnerOpts = append(runnerOpts, framework.WithObserver(opts.observer))
	}
	a.runner = framework.NewRunner(plan, runnerOpts...)
	return a, nil
}

func (a *app) endpoint(offline bool) (toolclient.Endpoint, error) {
	if offline {
		ds, err := mcp.DefaultDataset()
		if err != nil {
			return nil, err
		}
		srv := mcp.NewServer(version, ds, mcp.WithLogger(logging.New("attack-server")))
		return toolclient.ServerEndpoint{Server: srv.MCPServer}, nil
	}
	return toolclient.CommandEndpoint{
		Command: a.cfg.MCP.Command,
		Args:    a.cfg.MCP.Args,
		Env:     a.cfg.MCP.Env,
	}, nil
}

func newAnalyst(c config.LLM, offline bool) (llm.Analyst, error) {
	if offline || c.Provider == config.ProviderOffline {
		return llm.NewOffline(), nil
	}
	o, err := llm.NewOpenAI(llm.OpenAIConfig{
		APIKey:      c.APIKey,
		Model:       c.Model,
		BaseURL:     c.BaseURL,
		Temperature: c.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("%w (set %s or use --offline)", err, c.APIKeyEnv)
	}
	return o, nil
}

// buildPlan compiles the pipeline file at path, or the embedded default
// when path is empty.
func buildPlan(path string, steps *investigation.Steps) (*framework.Plan, error) {
	var def *framework.PipelineDef
	if path != "" {
		var err error
		if def, err = loadPipelineFile(path); err != nil {
			return nil, err
		}
	}
	plan, err := investigation.Build(def, steps)
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	return plan, nil
}

func loadPipelineFile(path string) (*framework.PipelineDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline: %w", err)
	}
	def, err := framework.LoadPipeline(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// connect opens the tool session up front so a misconfigured server
// fails before any node runs.
func (a *app) connect(ctx context.Context) error {
	if err := a.tools.Connect(ctx); err != nil {
		return fmt.Errorf("connect to ATT&CK tool server: %w", err)
	}
	return nil
}

func (a *app) close() {
	var errs []error
	if a.tools != nil {
		errs = append(errs, a.tools.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if err := errors.Join(errs...); err != nil && !errors.Is(err, toolclient.ErrClosed) {
		a.logger.Warn("shutdown", slog.String("error", err.Error()))
	}
}
