package mcp

import (
	"bufio"
	"context"
	"io"
	"testing"
	"time"
)

func TestWatchParent_StopsWhenContextCanceled(t *testing.T) {
	orig := parentPollInterval
	parentPollInterval = 5 * time.Millisecond
	t.Cleanup(func() { parentPollInterval = orig })

	ctx, cancel := context.WithCancel(context.Background())
	WatchParent(ctx, cancel)
	cancel()
	time.Sleep(20 * time.Millisecond)
}

func TestWatchParent_ParentAliveKeepsContext(t *testing.T) {
	orig := parentPollInterval
	parentPollInterval = 5 * time.Millisecond
	t.Cleanup(func() { parentPollInterval = orig })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	WatchParent(ctx, cancel)
	time.Sleep(30 * time.Millisecond)
	if ctx.Err() != nil {
		t.Fatal("context canceled while parent is alive")
	}
}

func TestWatchParent_DoesNotConsumeData(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pr, pw := io.Pipe()
	defer pr.Close()

	WatchParent(ctx, cancel)

	msg := `{"jsonrpc":"2.0","id":1,"method":"initialize"}` + "\n"
	go func() {
		pw.Write([]byte(msg))
		pw.Close()
	}()

	scanner := bufio.NewScanner(pr)
	if !scanner.Scan() {
		t.Fatalf("reader got no data; err=%v", scanner.Err())
	}
	if got, want := scanner.Text(), `{"jsonrpc":"2.0","id":1,"method":"initialize"}`; got != want {
		t.Fatalf("reader got %q, want %q", got, want)
	}
}
