// Package visualize streams scalar metrics to a visualization server over a
// websocket. The client is fire-and-forget: connection problems are logged,
// counted by a circuit breaker and never returned to the training loop.
package visualize

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/asrkit/pkg/config"
	"github.com/harunnryd/asrkit/pkg/errorsx"
	"github.com/harunnryd/asrkit/pkg/metrics"
	"github.com/harunnryd/asrkit/pkg/resilience"
)

// Message is one scalar update. Win names the plot, Run the line within it.
type Message struct {
	Cmd string  `json:"cmd"`
	Env string  `json:"env"`
	Win string  `json:"win"`
	Run string  `json:"run"`
	X   int64   `json:"x"`
	Y   float64 `json:"y"`
}

type Options struct {
	Endpoint         string
	Env              string
	DialTimeout      time.Duration
	WriteTimeout     time.Duration
	FailureThreshold int
	Cooldown         time.Duration
	Logger           *slog.Logger
}

// OptionsFrom maps the visualize config section.
func OptionsFrom(vc config.VisualizeConfig) Options {
	return Options{
		Endpoint:         vc.Endpoint,
		Env:              vc.Env,
		DialTimeout:      vc.DialTimeout(),
		FailureThreshold: vc.FailureThreshold,
		Cooldown:         vc.Cooldown(),
	}
}

type Client struct {
	opts    Options
	log     *slog.Logger
	breaker *resilience.CircuitBreaker
	dial    func(ctx context.Context, url string) (*websocket.Conn, error)

	mu   sync.Mutex
	conn *websocket.Conn
}

// New returns a client that connects lazily on the first event.
func New(opts Options) *Client {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 2 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 2 * time.Second
	}
	if opts.Env == "" {
		opts.Env = "main"
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	dialer := &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: opts.DialTimeout}
	return &Client{
		opts:    opts,
		log:     log.With(slog.String("endpoint", opts.Endpoint)),
		breaker: resilience.NewCircuitBreaker(opts.FailureThreshold, opts.Cooldown),
		dial: func(ctx context.Context, url string) (*websocket.Conn, error) {
			conn, _, err := dialer.DialContext(ctx, url, nil)
			return conn, err
		},
	}
}

// RecordEvent implements metrics.Observer.
func (c *Client) RecordEvent(ev metrics.Event) {
	if math.IsNaN(ev.Value) || math.IsInf(ev.Value, 0) {
		return
	}
	_ = c.Send(Message{Cmd: "scalar", Env: c.opts.Env, Win: ev.Name, Run: ev.Tags["run_id"], X: ev.Step, Y: ev.Value})
}

// Send delivers msg. While the breaker is open messages are dropped without
// dialing. The returned error is informational.
func (c *Client) Send(msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if !c.breaker.Allow() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout)
		conn, err := c.dial(ctx, c.opts.Endpoint)
		cancel()
		if err != nil {
			c.failed("connect", err)
			return errorsx.Wrap(err, errorsx.ReasonVisualization)
		}
		c.conn = conn
		c.log.Info("visualization connected")
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.failed("write", err)
		return errorsx.Wrap(err, errorsx.ReasonVisualization)
	}
	c.breaker.OnSuccess()
	return nil
}

func (c *Client) failed(op string, err error) {
	c.log.Warn("visualization unavailable", slog.String("op", op), slog.String("error", err.Error()))
	if c.breaker.OnFailure() {
		c.log.Warn("visualization paused", slog.Duration("cooldown", c.opts.Cooldown))
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := c.conn.Close()
	c.conn = nil
	return err
}
