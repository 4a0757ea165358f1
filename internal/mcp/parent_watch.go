package mcp

import (
	"context"
	"log/slog"
	"os"
	"time"

	"mitreflow/internal/logging"
)

// parentPollInterval is how often WatchParent checks the parent pid.
var parentPollInterval = 2 * time.Second

// WatchParent cancels the serve context when the parent process goes away,
// so a stdio server spawned by a client never outlives it.
//
// It must not read stdin: the stdio transport owns it exclusively.
func WatchParent(ctx context.Context, cancel context.CancelFunc) {
	ppid := os.Getppid()
	logger := logging.New("attack-server")
	go func() {
		ticker := time.NewTicker(parentPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if os.Getppid() != ppid {
					logger.Warn("parent process exited, shutting down", slog.Int("ppid", ppid))
					cancel()
					return
				}
			}
		}
	}()
}
