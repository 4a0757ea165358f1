package main

import (
	"context"
	"log/slog"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"mitreflow/internal/logging"
	"mitreflow/internal/mcp"
)

var serveFlags struct {
	dataset string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the bundled ATT&CK tools over stdio",
	Long: `Starts an MCP server over stdin/stdout exposing ATT&CK lookup tools backed
by the bundled dataset or --dataset. Point MITRE_MCP_COMMAND at this binary
with MITRE_MCP_ARGS=serve to investigate without network access.

The server exits when its parent process goes away.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.dataset, "dataset", "", "ATT&CK dataset YAML (default: bundled)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ds, err := mcp.DefaultDataset()
	if serveFlags.dataset != "" {
		ds, err = mcp.LoadDatasetFile(serveFlags.dataset)
	}
	if err != nil {
		return err
	}
	logger := logging.New("attack-server")
	srv := mcp.NewServer(version, ds, mcp.WithLogger(logger))

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	mcp.WatchParent(ctx, cancel)

	logger.Info("serving ATT&CK tools over stdio",
		slog.String("domain", ds.Domain),
		slog.String("release", ds.Release),
		slog.Int("techniques", len(ds.TechniqueIDs())))
	return srv.MCPServer.Run(ctx, &sdkmcp.StdioTransport{})
}
