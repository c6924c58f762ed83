package bus

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/monadicus/snops-core/internal/resilience"
	state "github.com/monadicus/snops-core/internal/store"
)

// CommandHandler is implemented by the agent's reconciler/compute adapter
// to serve inbound Command frames. Handlers execute one command at a time;
// the client never invokes a second Handle call before the first returns
// (spec.md §4.2 "per-agent command execution is serialized").
type CommandHandler interface {
	Handle(ctx context.Context, cmd Command) Response
}

// minReportInterval enforces spec.md §4.2's "rate-limited to once per
// 250 ms" rule for ReportStatus.
const minReportInterval = 250 * time.Millisecond

// ClientConfig configures the agent-side bus client.
type ClientConfig struct {
	AgentID          string
	ServerAddr       string
	Token            []byte
	ModeFlags        state.ModeFlags
	Labels           []string
	LocalPKAvailable bool
	ExternalAddr     string
	InternalAddrs    []string
	Backoff          resilience.RetryConfig
}

// Client is the agent-side connection manager: it dials the control
// plane, performs the handshake, dispatches inbound commands to a
// CommandHandler, and reconnects with exponential backoff on any failure
// (spec.md §4.2, grounded on the arkeep-style reconnect/backoff/heartbeat
// loop — see DESIGN.md).
type Client struct {
	cfg     ClientConfig
	handler CommandHandler
	log     *logrus.Entry

	mu           sync.Mutex
	nc           net.Conn
	lastReportAt time.Time

	// LastHandshakeAck is the most recent accepted handshake response,
	// used by the reconciler to learn the control plane's generation and
	// any last-known target state on (re)connect.
	LastHandshakeAck HandshakeAck
}

// NewClient constructs a Client. Call Run to start the reconnect loop.
func NewClient(cfg ClientConfig, handler CommandHandler, log *logrus.Entry) *Client {
	if cfg.Backoff.MaxAttempts == 0 {
		cfg.Backoff = resilience.RetryConfig{
			MaxAttempts:  0, // Run retries forever; MaxAttempts is unused by the manual loop below.
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			Jitter:       0.2,
		}
	}
	return &Client{cfg: cfg, handler: handler, log: log}
}

// Run connects and serves until ctx is cancelled, reconnecting with
// exponential backoff (base 1s, cap 30s per spec.md §4.2) on every
// failure.
func (c *Client) Run(ctx context.Context) error {
	delay := c.cfg.Backoff.InitialDelay
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.WithError(err).WithField("retry_in", delay).Warn("bus: connection lost, reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(delay, c.cfg.Backoff.Jitter)):
		}
		delay = nextBackoff(delay, c.cfg.Backoff)
	}
}

func nextBackoff(cur time.Duration, cfg resilience.RetryConfig) time.Duration {
	next := time.Duration(float64(cur) * cfg.Multiplier)
	if next > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return next
}

func jittered(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	delta := float64(d) * jitter
	return d + time.Duration((delta * (2*pseudoRand() - 1)))
}

// pseudoRand avoids pulling in math/rand state across reconnect attempts
// in a way that would need seeding; good enough for jitter, not security.
func pseudoRand() float64 {
	return float64(time.Now().UnixNano()%1000) / 1000.0
}

func (c *Client) connectAndServe(ctx context.Context) error {
	nc, err := net.Dial("tcp", c.cfg.ServerAddr)
	if err != nil {
		return fmt.Errorf("bus: dial %s: %w", c.cfg.ServerAddr, err)
	}
	defer nc.Close()

	nonce, err := NewNonce()
	if err != nil {
		return err
	}
	hs := Handshake{
		AgentID:          c.cfg.AgentID,
		Nonce:            nonce,
		Version:          ProtocolVersion,
		ModeFlags:        c.cfg.ModeFlags,
		Labels:           c.cfg.Labels,
		LocalPKAvailable: c.cfg.LocalPKAvailable,
		ExternalAddr:     c.cfg.ExternalAddr,
		InternalAddrs:    c.cfg.InternalAddrs,
		Token:            c.cfg.Token,
	}
	payload, err := encodeHandshake(hs)
	if err != nil {
		return err
	}
	if err := WriteFrame(nc, TagHandshake, payload); err != nil {
		return err
	}

	nc.SetReadDeadline(time.Now().Add(DefaultHeartbeatDeadline))
	tag, respPayload, err := ReadFrame(nc)
	if err != nil {
		return err
	}
	switch tag {
	case TagAuthFailed:
		af, _ := decodeAuthFailed(respPayload)
		return fmt.Errorf("bus: auth failed: %s", af.Reason)
	case TagHandshake:
		ack, err := decodeHandshakeAck(respPayload)
		if err != nil {
			return err
		}
		if !ack.Accepted {
			return fmt.Errorf("bus: handshake rejected: %s", ack.RejectReason)
		}
		c.mu.Lock()
		c.nc = nc
		c.LastHandshakeAck = ack
		c.mu.Unlock()
	default:
		return fmt.Errorf("bus: unexpected handshake response tag %d", tag)
	}

	c.log.Info("bus: connected")
	return c.serve(ctx, nc)
}

func (c *Client) serve(ctx context.Context, nc net.Conn) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.readLoop(ctx, nc)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (c *Client) readLoop(ctx context.Context, nc net.Conn) error {
	// A single worker runs commands one at a time in arrival order, so the
	// read loop keeps answering pings while a command is being handled.
	cmds := make(chan Command, 64)
	defer close(cmds)
	go func() {
		for cmd := range cmds {
			c.handleCommand(ctx, nc, cmd)
		}
	}()
	for {
		nc.SetReadDeadline(time.Now().Add(DefaultHeartbeatDeadline))
		tag, payload, err := ReadFrame(nc)
		if err != nil {
			return err
		}
		switch tag {
		case TagCmd:
			cmd, err := decodeCommand(payload)
			if err != nil {
				continue
			}
			cmds <- cmd
		case TagPing:
			WriteFrame(nc, TagPong, nil)
		case TagPong:
		case TagCancel:
			// Best-effort: a real implementation would track in-flight
			// handler goroutines by ReqID and cancel their context here.
		default:
		}
	}
}

func (c *Client) handleCommand(ctx context.Context, nc net.Conn, cmd Command) {
	var cctx context.Context = ctx
	var cancel context.CancelFunc
	if cmd.DeadlineUnixNano != 0 {
		cctx, cancel = context.WithDeadline(ctx, time.Unix(0, cmd.DeadlineUnixNano))
		defer cancel()
	}
	resp := c.handler.Handle(cctx, cmd)
	resp.ReqID = cmd.ReqID
	payload, err := encodeResponse(resp)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	WriteFrame(nc, TagResp, payload)
}

// ReportStatus sends an observed-state update, silently dropping the send
// if called again within minReportInterval of the last successful report.
func (c *Client) ReportStatus(observed state.ObservedState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc == nil {
		return fmt.Errorf("bus: not connected")
	}
	if time.Since(c.lastReportAt) < minReportInterval {
		return nil
	}
	payload, err := encodeEvent(EventFrame{Kind: AgentEventStatus, Observed: observed})
	if err != nil {
		return err
	}
	if err := WriteFrame(c.nc, TagEvent, payload); err != nil {
		return err
	}
	c.lastReportAt = time.Now()
	return nil
}

// Metric sends a fire-and-forget metric sample.
func (c *Client) Metric(name string, value float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc == nil {
		return fmt.Errorf("bus: not connected")
	}
	payload, err := encodeEvent(EventFrame{Kind: AgentEventMetric, MetricName: name, MetricValue: value})
	if err != nil {
		return err
	}
	return WriteFrame(c.nc, TagEvent, payload)
}

// Log sends a fire-and-forget log line.
func (c *Client) Log(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc == nil {
		return fmt.Errorf("bus: not connected")
	}
	payload, err := encodeEvent(EventFrame{Kind: AgentEventLog, LogLine: line})
	if err != nil {
		return err
	}
	return WriteFrame(c.nc, TagEvent, payload)
}
