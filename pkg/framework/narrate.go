package framework

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// NarrationSink receives a single human-readable narration line.
type NarrationSink func(line string)

// NarrationOption configures a NarrationObserver.
type NarrationOption func(*NarrationObserver)

// WithVocabulary sets the vocabulary for translating node names.
func WithVocabulary(v Vocabulary) NarrationOption {
	return func(n *NarrationObserver) { n.vocab = v }
}

// WithSink sets the output destination for narration lines.
func WithSink(s NarrationSink) NarrationOption {
	return func(n *NarrationObserver) { n.sink = s }
}

// WithTotal sets the number of nodes in the plan so lines carry an
// "[done/total]" prefix.
func WithTotal(total int) NarrationOption {
	return func(n *NarrationObserver) { n.total = total }
}

// Progress captures a snapshot of run progress.
type Progress struct {
	Completed int
	Failed    int
	Skipped   int
	Running   []string
	Elapsed   time.Duration
}

// Settled is the number of nodes that reached a terminal status.
func (p Progress) Settled() int { return p.Completed + p.Failed + p.Skipped }

// NarrationObserver turns run events into short progress lines for a
// terminal. Zero-config: NewNarrationObserver() logs to slog.Info.
type NarrationObserver struct {
	mu    sync.Mutex
	vocab Vocabulary
	sink  NarrationSink
	total int

	start   time.Time
	running []string
	done    map[NodeStatus]int
}

func NewNarrationObserver(opts ...NarrationOption) *NarrationObserver {
	n := &NarrationObserver{
		vocab: VocabularyFunc(func(code string) string { return code }),
		sink:  func(line string) { slog.Info(line) },
		done:  make(map[NodeStatus]int),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Progress returns a snapshot of current run progress.
func (n *NarrationObserver) Progress() Progress {
	n.mu.Lock()
	defer n.mu.Unlock()
	var elapsed time.Duration
	if !n.start.IsZero() {
		elapsed = time.Since(n.start)
	}
	return Progress{
		Completed: n.done[StatusCompleted],
		Failed:    n.done[StatusFailed],
		Skipped:   n.done[StatusSkipped],
		Running:   append([]string(nil), n.running...),
		Elapsed:   elapsed,
	}
}

func (n *NarrationObserver) OnEvent(e RunEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch e.Type {
	case EventNodeStart:
		if n.start.IsZero() {
			n.start = time.Now()
		}
		n.running = append(n.running, e.Node)
		n.emit("Running %s", n.vocab.Name(e.Node))

	case EventNodeEnd:
		n.settle(e.Node, e.Status)
		name := n.vocab.Name(e.Node)
		switch {
		case e.Status == StatusFailed && e.Error != nil:
			n.emit("Failed %s: %v", name, e.Error)
		case e.Status == StatusFailed:
			n.emit("Failed %s", name)
		case e.Elapsed > 0:
			n.emit("Completed %s (%s)", name, fmtNarrateDuration(e.Elapsed))
		default:
			n.emit("Completed %s", name)
		}

	case EventNodeSkipped:
		n.settle(e.Node, StatusSkipped)
		n.emit("Skipped %s", n.vocab.Name(e.Node))

	case EventEdgeTaken, EventCheckpoint:
		// silent; high-frequency noise

	case EventRunComplete:
		var elapsed time.Duration
		if !n.start.IsZero() {
			elapsed = time.Since(n.start)
		}
		line := fmt.Sprintf("Run complete: %d completed", n.done[StatusCompleted])
		if f := n.done[StatusFailed]; f > 0 {
			line += fmt.Sprintf(", %d failed", f)
		}
		if s := n.done[StatusSkipped]; s > 0 {
			line += fmt.Sprintf(", %d skipped", s)
		}
		n.sink(line + " in " + fmtNarrateDuration(elapsed))

	case EventRunError:
		n.sink(fmt.Sprintf("Run failed: %v", e.Error))
	}
}

func (n *NarrationObserver) settle(node string, status NodeStatus) {
	for i, r := range n.running {
		if r == node {
			n.running = append(n.running[:i], n.running[i+1:]...)
			break
		}
	}
	n.done[status]++
}

func (n *NarrationObserver) emit(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if n.total > 0 {
		settled := n.done[StatusCompleted] + n.done[StatusFailed] + n.done[StatusSkipped]
		line = fmt.Sprintf("[%d/%d] %s", settled, n.total, line)
	}
	n.sink(line)
}

func fmtNarrateDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	s := d.Seconds()
	if s < 60 {
		return fmt.Sprintf("%.1fs", s)
	}
	m := int(s) / 60
	sec := int(s) % 60
	return fmt.Sprintf("%dm%ds", m, sec)
}
