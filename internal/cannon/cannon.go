package cannon

import (
	"bytes"
	"context"
	"encoding/gob"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/monadicus/snops-core/internal/ids"
	"github.com/monadicus/snops-core/internal/resilience"
	state "github.com/monadicus/snops-core/internal/store"
)

// CannonState is the cannon's own lifecycle (spec.md §4.5 "Control").
type CannonState string

const (
	StateDraft    CannonState = "Draft"
	StateRunning  CannonState = "Running"
	StateDraining CannonState = "Draining"
	StateStopped  CannonState = "Stopped"
)

// defaultDrainDeadline bounds how long Stop waits for in-flight items
// before abandoning them (spec.md §4.5 "default 30 s").
const defaultDrainDeadline = 30 * time.Second

const (
	defaultAuthWorkers  = 4
	defaultExecWorkers  = 8
	defaultBcastWorkers = 4
	defaultQueueCap     = 1024
)

// EventSink receives cannon-emitted events (dropped items, state
// transitions) for the event bus to pick up.
type EventSink interface {
	Emit(kind state.EventKind, payload map[string]any)
}

type noopSink struct{}

func (noopSink) Emit(state.EventKind, map[string]any) {}

// ComputeOps is the subset of BusDispatcher the pipeline needs to run
// Authorize/Execute on a remote compute agent.
type ComputeOps interface {
	Authorize(ctx context.Context, agentID ids.ID, item Item) ([]byte, error)
	Execute(ctx context.Context, agentID ids.ID, item Item) ([]byte, error)
}

// Stats holds the cannon's running authorized/executed/broadcast/failed
// counters (spec.md §4.5 "Accounting"). No per-second rate is kept; readers
// get cumulative totals only.
type Stats struct {
	Authorized int64
	Executed   int64
	Broadcast  int64
	Failed     int64
}

// Cannon drives one environment's declared transaction pipeline (spec.md
// §4.5), grounded on system/events.Dispatcher's bounded-channel +
// worker-pool shape, generalized from one stage to three chained stages.
type Cannon struct {
	envID ids.ID
	spec  state.CannonSpec
	log   *logrus.Entry
	events EventSink

	source Source
	sink   Sink

	compute         ComputeOps
	computeResolver AgentResolver

	authQ  chan Item
	execQ  chan Item
	bcastQ chan Item

	mu        sync.Mutex
	state     CannonState
	wg        sync.WaitGroup
	stop      chan struct{}
	closeOnce sync.Once

	authorized int64
	executed   int64
	broadcast  int64
	failed     int64
}

// Deps bundles a Cannon's collaborators.
type Deps struct {
	EnvID           ids.ID
	Spec            state.CannonSpec
	Source          Source
	Sink            Sink
	Compute         ComputeOps   // nil runs Authorize/Execute locally
	ComputeResolver AgentResolver // required when Spec.ComputeSel is non-empty
	Events          EventSink
	Log             *logrus.Entry
}

// New constructs a Cannon in StateDraft.
func New(d Deps) *Cannon {
	if d.Events == nil {
		d.Events = noopSink{}
	}
	cap := d.Spec.QueueCap
	if cap <= 0 {
		cap = defaultQueueCap
	}
	return &Cannon{
		envID:           d.EnvID,
		spec:            d.Spec,
		log:             d.Log,
		events:          d.Events,
		source:          d.Source,
		sink:            d.Sink,
		compute:         d.Compute,
		computeResolver: d.ComputeResolver,
		authQ:           make(chan Item, cap),
		execQ:           make(chan Item, cap),
		bcastQ:          make(chan Item, cap),
		state:           StateDraft,
	}
}

// State returns the cannon's current lifecycle state.
func (c *Cannon) State() CannonState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Cannon) setState(s CannonState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.events.Emit(state.EventCannonStateChanged, map[string]any{"cannon": string(c.spec.Name), "state": string(s)})
}

// Stats returns a point-in-time snapshot of the accounting counters.
func (c *Cannon) Stats() Stats {
	return Stats{
		Authorized: atomic.LoadInt64(&c.authorized),
		Executed:   atomic.LoadInt64(&c.executed),
		Broadcast:  atomic.LoadInt64(&c.broadcast),
		Failed:     atomic.LoadInt64(&c.failed),
	}
}

// Start transitions Draft -> Running and launches the source pump and
// every stage's worker pool (spec.md §4.5 "Stages and queues").
func (c *Cannon) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDraft {
		c.mu.Unlock()
		return nil
	}
	c.state = StateRunning
	c.stop = make(chan struct{})
	c.mu.Unlock()
	c.events.Emit(state.EventCannonStateChanged, map[string]any{"cannon": string(c.spec.Name), "state": string(StateRunning)})

	authWorkers := firstPositive(c.spec.AuthWorkers, defaultAuthWorkers)
	execWorkers := firstPositive(c.spec.ExecWorkers, defaultExecWorkers)
	bcastWorkers := firstPositive(c.spec.BcastWorkers, defaultBcastWorkers)

	c.wg.Add(1)
	go c.pump(ctx)

	var authWG, execWG, bcastWG sync.WaitGroup
	authWG.Add(authWorkers)
	execWG.Add(execWorkers)
	bcastWG.Add(bcastWorkers)

	for i := 0; i < authWorkers; i++ {
		go func() { defer authWG.Done(); c.authWorker(ctx) }()
	}
	for i := 0; i < execWorkers; i++ {
		go func() { defer execWG.Done(); c.execWorker(ctx) }()
	}
	for i := 0; i < bcastWorkers; i++ {
		go func() { defer bcastWG.Done(); c.bcastWorker(ctx) }()
	}

	// Close each downstream queue exactly once, after every worker of the
	// upstream stage has stopped sending into it (auth_q -> exec_q ->
	// bcast_q never reorders across stages, spec.md §4.5 "Ordering").
	c.wg.Add(1)
	go func() { defer c.wg.Done(); authWG.Wait(); close(c.execQ) }()
	c.wg.Add(1)
	go func() { defer c.wg.Done(); execWG.Wait(); close(c.bcastQ) }()
	c.wg.Add(1)
	go func() { defer c.wg.Done(); bcastWG.Wait() }()

	// If the pipeline drains on its own (source exhaustion, Count reached)
	// rather than via an explicit Stop, still transition to Stopped and
	// release the source/sink.
	go func() {
		c.wg.Wait()
		c.mu.Lock()
		natural := c.state == StateRunning
		c.mu.Unlock()
		if natural {
			c.setState(StateStopped)
			c.closeOnce.Do(func() {
				c.source.Close()
				c.sink.Close()
			})
		}
	}()

	return nil
}

// Wait blocks until every stage has drained, whether the cannon stopped
// naturally (source exhaustion, Count reached) or via Stop.
func (c *Cannon) Wait() {
	c.wg.Wait()
}

func firstPositive(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// pump reads items from the source into auth_q until the source is
// exhausted, Count is reached, or the cannon is told to stop.
func (c *Cannon) pump(ctx context.Context) {
	defer c.wg.Done()
	defer close(c.authQ)

	var n int
	for {
		if c.spec.Count > 0 && n >= c.spec.Count {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		default:
		}
		item, ok, err := c.source.Next(ctx)
		if err != nil {
			c.log.WithError(err).Warn("cannon: source read failed")
			return
		}
		if !ok {
			return // source exhausted (playback EOF)
		}
		item.EnqueuedAt = time.Now()
		select {
		case c.authQ <- item:
			n++
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		}
	}
}

// Stop cancels admission of new items and waits up to the drain deadline
// for in-flight items to finish, then abandons whatever remains (spec.md
// §4.5 "Control": Running -> Draining -> Stopped).
func (c *Cannon) Stop(ctx context.Context) {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return
	}
	c.state = StateDraining
	stop := c.stop
	c.mu.Unlock()
	c.events.Emit(state.EventCannonStateChanged, map[string]any{"cannon": string(c.spec.Name), "state": string(StateDraining)})

	close(stop)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(defaultDrainDeadline):
		c.log.Warn("cannon: drain deadline exceeded, abandoning in-flight items")
	case <-ctx.Done():
	}

	c.setState(StateStopped)
	c.closeOnce.Do(func() {
		c.source.Close()
		c.sink.Close()
	})
}

func (c *Cannon) authWorker(ctx context.Context) {
	for item := range c.authQ {
		out, err := c.runWithRetry(ctx, c.spec.AuthorizeAttempts, c.spec.AuthorizeTimeout, func(ctx context.Context) error {
			b, err := c.authorize(ctx, item)
			if err != nil {
				return err
			}
			item.AuthBytes = b
			return nil
		})
		if !out {
			atomic.AddInt64(&c.failed, 1)
			c.events.Emit(state.EventTxFailed, map[string]any{"stage": "authorize", "seq": item.Seq, "error": errString(err)})
			continue
		}
		atomic.AddInt64(&c.authorized, 1)
		c.events.Emit(state.EventTxAuthorized, map[string]any{"seq": item.Seq})
		select {
		case c.execQ <- item:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Cannon) execWorker(ctx context.Context) {
	for item := range c.execQ {
		out, err := c.runWithRetry(ctx, c.spec.ExecuteAttempts, c.spec.ExecuteTimeout, func(ctx context.Context) error {
			b, err := c.execute(ctx, item)
			if err != nil {
				return err
			}
			item.TxBytes = b
			return nil
		})
		if !out {
			atomic.AddInt64(&c.failed, 1)
			c.events.Emit(state.EventTxFailed, map[string]any{"stage": "execute", "seq": item.Seq, "error": errString(err)})
			continue
		}
		atomic.AddInt64(&c.executed, 1)
		c.events.Emit(state.EventTxExecuted, map[string]any{"seq": item.Seq})
		select {
		case c.bcastQ <- item:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Cannon) bcastWorker(ctx context.Context) {
	for item := range c.bcastQ {
		out, err := c.runWithRetry(ctx, c.spec.BroadcastAttempts, c.spec.BroadcastTimeout, func(ctx context.Context) error {
			return c.sink.Broadcast(ctx, item)
		})
		if !out {
			atomic.AddInt64(&c.failed, 1)
			c.events.Emit(state.EventTxFailed, map[string]any{"stage": "broadcast", "seq": item.Seq, "error": errString(err)})
			continue
		}
		atomic.AddInt64(&c.broadcast, 1)
		c.events.Emit(state.EventTxBroadcast, map[string]any{"seq": item.Seq})
	}
}

// runWithRetry runs fn with fixed backoff up to attempts times (0 means
// unbounded), bounded overall by timeout if non-zero (spec.md §4.5
// "Failure → retry up to N with fixed backoff; on timeout the item is
// dropped").
func (c *Cannon) runWithRetry(ctx context.Context, attempts int, timeout time.Duration, fn func(context.Context) error) (bool, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	cfg := resilience.RetryConfig{
		MaxAttempts:  attempts,
		InitialDelay: time.Second,
		MaxDelay:     time.Second,
		Multiplier:   1.0, // fixed backoff, not exponential
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1 << 30 // spec's "default unbounded"
	}
	err := resilience.Retry(runCtx, cfg, func() error { return fn(runCtx) })
	return err == nil, err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// authorize runs the Authorize step on the configured compute agent, or
// locally when ComputeSel is empty (spec.md §4.5 step 1).
func (c *Cannon) authorize(ctx context.Context, item Item) ([]byte, error) {
	if len(item.AuthBytes) > 0 {
		return item.AuthBytes, nil // already authorized (e.g. a listen(endpoint) source)
	}
	if !c.spec.ComputeSel.Empty() && c.compute != nil {
		agentID, err := c.computeResolver.ResolveAgent(ctx, c.envID, c.spec.ComputeSel)
		if err != nil {
			return nil, err
		}
		return c.compute.Authorize(ctx, agentID, item)
	}
	return localAuthorize(item)
}

// execute runs the Execute step on the configured compute agent, or
// locally (spec.md §4.5 step 2).
func (c *Cannon) execute(ctx context.Context, item Item) ([]byte, error) {
	if len(item.TxBytes) > 0 {
		return item.TxBytes, nil
	}
	if !c.spec.ComputeSel.Empty() && c.compute != nil {
		agentID, err := c.computeResolver.ResolveAgent(ctx, c.envID, c.spec.ComputeSel)
		if err != nil {
			return nil, err
		}
		return c.compute.Execute(ctx, agentID, item)
	}
	return localExecute(item)
}

// localAuthorize stands in for the embedded node's proving circuit
// (explicitly out of scope, spec.md §1): it deterministically encodes the
// authorize inputs so downstream stages and tests have stable bytes to
// carry, without claiming to produce a real cryptographic authorization.
func localAuthorize(item Item) ([]byte, error) {
	return gobEncode(struct {
		Program string
		Fn      string
		Inputs  []string
		KeyRef  string
	}{item.Program, item.Fn, item.Inputs, item.KeyRef})
}

func localExecute(item Item) ([]byte, error) {
	return gobEncode(struct {
		AuthBytes     []byte
		QueryEndpoint string
	}{item.AuthBytes, item.QueryEndpoint})
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
