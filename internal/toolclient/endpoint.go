package toolclient

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Endpoint opens the transport to a tool provider. The returned release
// func tears down whatever the endpoint started beyond the client session;
// it runs after the session is closed and may be nil.
type Endpoint interface {
	Open(ctx context.Context) (t sdkmcp.Transport, release func() error, err error)
	String() string
}

// CommandEndpoint launches the provider as a subprocess speaking MCP over
// stdio.
type CommandEndpoint struct {
	Command string
	Args    []string
	// Env entries (KEY=value) are appended to the current environment.
	Env []string
}

func (e CommandEndpoint) Open(context.Context) (sdkmcp.Transport, func() error, error) {
	if e.Command == "" {
		return nil, nil, fmt.Errorf("command endpoint: empty command")
	}
	// Not CommandContext: the subprocess must outlive the connect context
	// and is stopped when the session closes.
	cmd := exec.Command(e.Command, e.Args...)
	cmd.Env = append(os.Environ(), e.Env...)
	cmd.Stderr = os.Stderr
	return &sdkmcp.CommandTransport{Command: cmd}, nil, nil
}

func (e CommandEndpoint) String() string {
	return strings.TrimSpace(e.Command + " " + strings.Join(e.Args, " "))
}

// ServerEndpoint connects to an in-process server over in-memory
// transports.
type ServerEndpoint struct {
	Server *sdkmcp.Server
}

func (e ServerEndpoint) Open(ctx context.Context) (sdkmcp.Transport, func() error, error) {
	if e.Server == nil {
		return nil, nil, fmt.Errorf("server endpoint: nil server")
	}
	serverSide, clientSide := sdkmcp.NewInMemoryTransports()
	ss, err := e.Server.Connect(ctx, serverSide, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("server connect: %w", err)
	}
	return clientSide, ss.Close, nil
}

func (e ServerEndpoint) String() string { return "in-memory" }
