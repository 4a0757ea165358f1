// Package toolclient owns the single long-lived MCP session shared by every
// step of a run. Connect happens once, calls are counted while in flight,
// and Close drains them before tearing the session down.
package toolclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"mitreflow/internal/logging"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// Option configures a Client.
type Option func(*Client)

// WithMaxInFlight caps concurrent calls; excess callers wait for a slot.
// Zero means unbounded.
func WithMaxInFlight(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.slots = make(chan struct{}, n)
		}
	}
}

// WithRateLimit limits calls to perSecond with the given burst.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond > 0 {
			if burst < 1 {
				burst = 1
			}
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithCallTimeout bounds each remote call.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) { c.callTimeout = d }
}

// WithMetrics registers call counters, an in-flight gauge and a latency
// histogram on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *Client) {
		if reg != nil {
			c.metrics = newMetrics(reg)
		}
	}
}

// WithLogger overrides the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithImplementation sets the client name and version sent on initialize.
func WithImplementation(name, version string) Option {
	return func(c *Client) { c.impl = &sdkmcp.Implementation{Name: name, Version: version} }
}

// Client is safe for concurrent use.
type Client struct {
	endpoint    Endpoint
	impl        *sdkmcp.Implementation
	logger      *slog.Logger
	slots       chan struct{}
	limiter     *rate.Limiter
	callTimeout time.Duration
	metrics     *metrics

	connectMu sync.Mutex
	session   atomic.Pointer[sdkmcp.ClientSession]
	release   func() error
	torndown  bool // guarded by connectMu

	mu       sync.Mutex
	closing  bool
	inFlight int
	drained  chan struct{} // closed whenever inFlight is zero

	closeOnce sync.Once
	closeErr  error
}

// New returns an unconnected client for endpoint.
func New(endpoint Endpoint, opts ...Option) *Client {
	drained := make(chan struct{})
	close(drained)
	c := &Client{
		endpoint: endpoint,
		impl:     &sdkmcp.Implementation{Name: "mitreflow", Version: "dev"},
		logger:   logging.New("toolclient"),
		drained:  drained,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect establishes the session. It is idempotent and concurrent callers
// share a single attempt. After Close has begun it fails with a
// ConnectionError wrapping ErrShutdown.
func (c *Client) Connect(ctx context.Context) error {
	if c.session.Load() != nil {
		return nil
	}
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()
	if closing {
		return &ConnectionError{Endpoint: c.endpoint.String(), Err: ErrShutdown}
	}
	_, err := c.connect(ctx)
	return err
}

func (c *Client) connect(ctx context.Context) (*sdkmcp.ClientSession, error) {
	if s := c.session.Load(); s != nil {
		return s, nil
	}
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	if s := c.session.Load(); s != nil {
		return s, nil
	}
	if c.torndown {
		return nil, &ConnectionError{Endpoint: c.endpoint.String(), Err: ErrShutdown}
	}

	start := time.Now()
	transport, release, err := c.endpoint.Open(ctx)
	if err != nil {
		return nil, &ConnectionError{Endpoint: c.endpoint.String(), Err: err}
	}
	client := sdkmcp.NewClient(c.impl, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		if release != nil {
			_ = release()
		}
		return nil, &ConnectionError{Endpoint: c.endpoint.String(), Err: err}
	}
	c.release = release
	c.session.Store(session)
	c.logger.Info("connected",
		slog.String("endpoint", c.endpoint.String()),
		slog.Duration("elapsed", time.Since(start)))
	return session, nil
}

// enter registers an in-flight call unless the client is closing.
func (c *Client) enter() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return ErrClosed
	}
	if c.inFlight == 0 {
		c.drained = make(chan struct{})
	}
	c.inFlight++
	c.metrics.setInFlight(c.inFlight)
	return nil
}

func (c *Client) exit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight--
	if c.inFlight == 0 {
		close(c.drained)
	}
	c.metrics.setInFlight(c.inFlight)
}

// InFlight returns the number of calls currently executing.
func (c *Client) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Call invokes the named tool, connecting on first use. Calls made after
// Close has begun return ErrClosed. Remote failures, whether reported by
// the tool or by the transport, are returned as *ToolInvocationError; a
// failed call never closes the client.
func (c *Client) Call(ctx context.Context, name string, args map[string]any) (*Response, error) {
	if err := c.enter(); err != nil {
		c.metrics.observe(name, "rejected", -1)
		return nil, err
	}
	defer c.exit()

	// A call admitted before Close may still connect: Close waits for it.
	session, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	if c.slots != nil {
		select {
		case c.slots <- struct{}{}:
			defer func() { <-c.slots }()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}
	if args == nil {
		args = map[string]any{}
	}

	start := time.Now()
	res, err := session.CallTool(ctx, &sdkmcp.CallToolParams{Name: name, Arguments: args})
	elapsed := time.Since(start)
	if err != nil {
		c.metrics.observe(name, "transport_error", elapsed.Seconds())
		c.logger.Debug("tool call failed", slog.String("tool", name), slog.String("error", err.Error()))
		return nil, &ToolInvocationError{Tool: name, Err: err}
	}
	resp := newResponse(name, res)
	if res.IsError {
		c.metrics.observe(name, "tool_error", elapsed.Seconds())
		return nil, &ToolInvocationError{Tool: name, Message: resp.Text}
	}
	c.metrics.observe(name, "ok", elapsed.Seconds())
	return resp, nil
}

// Close rejects new calls, waits for in-flight calls to drain, then closes
// the session and the endpoint's transport in that order. It is
// idempotent; later calls return the first result.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		drained := c.drained
		pending := c.inFlight
		c.mu.Unlock()

		if pending > 0 {
			c.logger.Info("waiting for in-flight calls", slog.Int("in_flight", pending))
		}
		<-drained

		c.connectMu.Lock()
		defer c.connectMu.Unlock()
		session := c.session.Swap(nil)
		release := c.release
		c.release = nil
		c.torndown = true

		var errs []error
		func() {
			defer func() {
				if release != nil {
					if err := release(); err != nil {
						errs = append(errs, fmt.Errorf("release transport: %w", err))
					}
				}
			}()
			if session != nil {
				if err := session.Close(); err != nil {
					errs = append(errs, fmt.Errorf("close session: %w", err))
				}
			}
		}()
		c.closeErr = errors.Join(errs...)
		c.logger.Info("closed", slog.String("endpoint", c.endpoint.String()))
	})
	return c.closeErr
}

// Response is the canonical result of one tool call.
type Response struct {
	Tool string
	// Text is the concatenated text content.
	Text string
	// Structured is the structured content, when the tool returned one.
	Structured any
}

func newResponse(tool string, res *sdkmcp.CallToolResult) *Response {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := c.(*sdkmcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return &Response{Tool: tool, Text: strings.Join(parts, "\n"), Structured: res.StructuredContent}
}

// Decode unmarshals the JSON payload into v, preferring structured content.
func (r *Response) Decode(v any) error {
	if r.Structured != nil {
		data, err := json.Marshal(r.Structured)
		if err != nil {
			return fmt.Errorf("decode %s: %w", r.Tool, err)
		}
		return json.Unmarshal(data, v)
	}
	if strings.TrimSpace(r.Text) == "" {
		return fmt.Errorf("decode %s: empty response", r.Tool)
	}
	if err := json.Unmarshal([]byte(r.Text), v); err != nil {
		return fmt.Errorf("decode %s: %w", r.Tool, err)
	}
	return nil
}
