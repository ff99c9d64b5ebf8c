// Package coordinator implements the session brain: a single-writer loop
// that owns the objective, the agent registry, the insight router, the
// barrier manager, and the guardrail engine. Exactly one coordinator runs
// per session, enforced by a store lease; a coordinator that cannot renew
// its lease surrenders immediately so a standby can take over from the
// persisted state.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"goa.design/powermode/barrier"
	"goa.design/powermode/guardrail"
	"goa.design/powermode/message"
	"goa.design/powermode/objective"
	"goa.design/powermode/registry"
	"goa.design/powermode/retry"
	"goa.design/powermode/router"
	"goa.design/powermode/store"
	"goa.design/powermode/telemetry"
)

const (
	// DefaultLeaseTTL is how long a coordinator claim lives without renewal.
	DefaultLeaseTTL = 30 * time.Second
	// DefaultLeaseRenewal is the renewal cadence.
	DefaultLeaseRenewal = 10 * time.Second
	// DefaultTick is the housekeeping cadence.
	DefaultTick = time.Second
	// DefaultSessionTimeout is the hard cap on session runtime.
	DefaultSessionTimeout = 30 * time.Minute
	// DefaultBackpressureLimit is the pending-insight count above which
	// non-critical insights are dropped.
	DefaultBackpressureLimit = 100
	// PatternRetention is how long learned patterns outlive the session.
	PatternRetention = 24 * time.Hour
	// CompletionRetention is how long the completion record under
	// pop:completed:<session> outlives the session.
	CompletionRetention = 24 * time.Hour
)

// ErrLeaseLost is returned by Run when the coordinator could not acquire or
// renew the session lease.
var ErrLeaseLost = errors.New("coordinator lease lost")

// EscalationCategoryNoAgent labels the escalation raised when an orphaned
// task has no eligible agent left.
const EscalationCategoryNoAgent = "no-available-agent"

type (
	// Options configures a coordinator.
	Options struct {
		// Store is the messaging backend. Required.
		Store store.Backend
		// Objective is the session goal. Nil means resume: the coordinator
		// loads the persisted objective from the store.
		Objective *objective.Objective
		// Guardrails configures the boundary engine. BoundaryPaths defaults
		// to the objective's allowed paths.
		Guardrails guardrail.Options
		// HeartbeatInterval is the expected agent cadence. Defaults to 15s;
		// three missed intervals reap the agent.
		HeartbeatInterval time.Duration
		// BarrierDeadline bounds how long a phase barrier stays open.
		// Defaults to 120s.
		BarrierDeadline time.Duration
		// LeaseTTL and LeaseRenewal control the singleton claim.
		LeaseTTL     time.Duration
		LeaseRenewal time.Duration
		// SessionTimeout is the hard runtime cap. Defaults to 30m.
		SessionTimeout time.Duration
		// Tick is the housekeeping cadence. Defaults to DefaultTick.
		Tick time.Duration
		// BackpressureLimit caps pending insights. Defaults to 100.
		BackpressureLimit int
		// Retry is the publish retry policy. Defaults to retry.DefaultConfig.
		Retry retry.Config
		// Logger, Metrics, and Tracer default to nops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}

	// event is one decoded message with its origin channel.
	event struct {
		channel string
		msg     message.Message
	}

	// Coordinator runs one session. All mutable state is owned by the Run
	// loop; external calls are serialized through the command channel.
	Coordinator struct {
		opts Options
		id   string

		obj       *objective.Objective
		agents    *registry.Registry
		routes    *router.Router
		barriers  *barrier.Manager
		guard     *guardrail.Engine
		taskOwner map[string]string // task ID -> agent ID
		taskCrit  map[string]int    // task ID -> criterion index
		startedAt time.Time
		seq       uint64
		stats     sessionStats
		// phaseTasksDone counts tracked tasks completed in the current phase;
		// it resets on every phase advance and gates the unattended barrier.
		phaseTasksDone int

		events          chan event
		commands        chan func(ctx context.Context)
		pendingInsights atomic.Int64
		dropWarn        *rate.Limiter

		done chan struct{}
	}

	// sessionStats aggregates session activity for the completion record.
	sessionStats struct {
		tasksByAgent  map[string]int
		insights      int
		reassignments int
		escalations   int
	}
)

// New validates opts and builds a coordinator. Run must be called to start
// it.
func New(opts Options) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, errors.New("store backend is required")
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = registry.DefaultHeartbeatInterval
	}
	if opts.BarrierDeadline <= 0 {
		opts.BarrierDeadline = barrier.DefaultDeadline
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultLeaseTTL
	}
	if opts.LeaseRenewal <= 0 {
		opts.LeaseRenewal = DefaultLeaseRenewal
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = DefaultSessionTimeout
	}
	if opts.BackpressureLimit <= 0 {
		opts.BackpressureLimit = DefaultBackpressureLimit
	}
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NopLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NopMetrics{}
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NopTracer{}
	}
	if opts.Objective != nil && opts.Guardrails.BoundaryPaths == nil {
		opts.Guardrails.BoundaryPaths = opts.Objective.Boundaries.AllowedPaths
	}
	if opts.Objective != nil && opts.Guardrails.ForbiddenTools == nil {
		opts.Guardrails.ForbiddenTools = opts.Objective.Boundaries.ForbiddenTools
	}
	guard, err := guardrail.New(opts.Guardrails)
	if err != nil {
		return nil, fmt.Errorf("guardrails: %w", err)
	}
	return &Coordinator{
		opts:      opts,
		id:        uuid.New().String(),
		obj:       opts.Objective,
		agents:    registry.New(),
		routes:    router.New(),
		barriers:  barrier.NewManager(),
		guard:     guard,
		taskOwner: make(map[string]string),
		taskCrit:  make(map[string]int),
		stats:     sessionStats{tasksByAgent: make(map[string]int)},
		events:    make(chan event, 256),
		commands:  make(chan func(ctx context.Context)),
		dropWarn:  rate.NewLimiter(rate.Every(5*time.Second), 1),
		done:      make(chan struct{}),
	}, nil
}

// ID returns the coordinator instance identity used for the lease.
func (c *Coordinator) ID() string { return c.id }

// Run acquires the session lease and drives the session until the objective
// terminates, the lease is lost, or ctx is cancelled. It returns
// ErrLeaseLost when another coordinator holds the claim.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.done)

	if err := c.acquireLease(ctx); err != nil {
		return err
	}
	defer c.releaseLease()

	if c.obj == nil {
		obj, err := c.loadObjective(ctx)
		if err != nil {
			return err
		}
		c.obj = obj
	}
	if c.obj.Lifecycle == objective.LifecycleDraft {
		if err := c.obj.Start(); err != nil {
			return err
		}
	}
	c.startedAt = time.Now()
	if err := c.persistObjective(ctx); err != nil {
		return err
	}
	c.ledger(ctx, "session_start", map[string]any{"coordinator_id": c.id})

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(loopCtx)

	channels := []string{
		store.ChannelHeartbeat,
		store.ChannelResults,
		store.ChannelInsights,
		store.ChannelCoordinator,
		store.ChannelHuman,
	}
	for _, ch := range channels {
		sub, err := c.opts.Store.Subscribe(gctx, message.CoordinatorSender, ch)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", ch, err)
		}
		g.Go(func() error {
			defer sub.Close()
			return c.pump(gctx, ch, sub)
		})
	}
	g.Go(func() error { return c.renewLease(gctx) })
	g.Go(func() error { return c.loop(gctx) })

	err := g.Wait()
	if errors.Is(err, errSessionOver) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Do runs fn inside the coordinator loop, serialized with message dispatch.
// It blocks until fn ran or the coordinator stopped.
func (c *Coordinator) Do(ctx context.Context, fn func(ctx context.Context)) error {
	ran := make(chan struct{})
	wrapped := func(ctx context.Context) {
		fn(ctx)
		close(ran)
	}
	select {
	case c.commands <- wrapped:
	case <-c.done:
		return errors.New("coordinator stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ran:
		return nil
	case <-c.done:
		return errors.New("coordinator stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// errSessionOver stops the errgroup when the objective reached a terminal
// state. Not an error for the caller.
var errSessionOver = errors.New("session over")

// loop is the single-writer state machine. Every registry, router, barrier,
// guardrail, and objective mutation happens here.
func (c *Coordinator) loop(ctx context.Context) error {
	tick := time.NewTicker(c.opts.Tick)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-c.events:
			c.dispatch(ctx, ev)
			if c.obj.Terminal() {
				return errSessionOver
			}
		case fn := <-c.commands:
			fn(ctx)
			if c.obj.Terminal() {
				return errSessionOver
			}
		case <-tick.C:
			if err := c.onTick(ctx); err != nil {
				return err
			}
			if c.obj.Terminal() {
				return errSessionOver
			}
		}
	}
}

// pump forwards decoded deliveries into the event channel. Insights past the
// backpressure limit are dropped unless tagged blocker or question.
func (c *Coordinator) pump(ctx context.Context, channel string, sub store.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-sub.C():
			if !ok {
				if err := sub.Err(); err != nil {
					return fmt.Errorf("subscription %s: %w", channel, err)
				}
				return nil
			}
			msg, err := message.Decode(d.Payload)
			if err != nil {
				c.enqueueInvalid(ctx, d.Payload)
				continue
			}
			if msg.Env().Sender == c.id || msg.Env().Sender == message.CoordinatorSender {
				// Self-loopback suppression: the store replays the
				// coordinator's own publishes on every subscribed channel.
				continue
			}
			if im, ok := msg.(*message.InsightMessage); ok {
				if c.pendingInsights.Load() >= int64(c.opts.BackpressureLimit) &&
					!im.Insight.Tags.Has(message.TagBlocker) &&
					!im.Insight.Tags.Has(message.TagQuestion) {
					c.opts.Metrics.IncCounter("insights_dropped", 1)
					if c.dropWarn.Allow() {
						c.opts.Logger.Warn(ctx, "insight backpressure: dropping non-critical insights",
							"pending", c.pendingInsights.Load())
					}
					continue
				}
				c.pendingInsights.Add(1)
			}
			select {
			case c.events <- event{channel: channel, msg: msg}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// enqueueInvalid routes an undecodable payload to the loop so the sender's
// invalid counter is maintained under the single writer.
func (c *Coordinator) enqueueInvalid(ctx context.Context, payload []byte) {
	sender := message.PeekSender(payload)
	fn := func(ctx context.Context) {
		c.opts.Metrics.IncCounter("invalid_messages", 1)
		if sender == "" {
			return
		}
		if evt := c.agents.RecordInvalid(sender, time.Now()); evt != nil {
			c.handleDown(ctx, *evt)
		}
	}
	select {
	case c.commands <- fn:
	case <-ctx.Done():
	}
}

// acquireLease claims the session singleton key, taking over expired claims.
func (c *Coordinator) acquireLease(ctx context.Context) error {
	ok, err := c.opts.Store.CAS(ctx, store.KeyCoordinatorLease, nil, []byte(c.id), c.opts.LeaseTTL)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		return ErrLeaseLost
	}
	return nil
}

// renewLease extends the claim every renewal interval. A renewal that finds
// someone else's claim surrenders immediately.
func (c *Coordinator) renewLease(ctx context.Context) error {
	t := time.NewTicker(c.opts.LeaseRenewal)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			ok, err := c.opts.Store.CAS(ctx, store.KeyCoordinatorLease, []byte(c.id), []byte(c.id), c.opts.LeaseTTL)
			if err != nil {
				c.opts.Logger.Warn(ctx, "lease renewal failed", "err", err)
				continue
			}
			if !ok {
				// The claim expired and someone else took over. Surrender:
				// two writers would corrupt the session.
				return ErrLeaseLost
			}
		}
	}
}

func (c *Coordinator) releaseLease() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	// Best effort: only delete our own claim.
	_, _ = c.opts.Store.CAS(ctx, store.KeyCoordinatorLease, []byte(c.id), nil, 0)
}

func (c *Coordinator) loadObjective(ctx context.Context) (*objective.Objective, error) {
	b, err := c.opts.Store.Get(ctx, store.KeyObjective)
	if err != nil {
		return nil, fmt.Errorf("load objective: %w", err)
	}
	if b == nil {
		return nil, errors.New("no objective to resume")
	}
	return objective.Deserialize(b)
}

func (c *Coordinator) persistObjective(ctx context.Context) error {
	b, err := c.obj.Serialize()
	if err != nil {
		return err
	}
	if err := c.opts.Store.Set(ctx, store.KeyObjective, b, 0); err != nil {
		return fmt.Errorf("persist objective: %w", err)
	}
	return nil
}

func (c *Coordinator) env() message.Envelope {
	c.seq++
	return message.Envelope{
		SessionID: c.obj.SessionID,
		Sender:    message.CoordinatorSender,
		Seq:       c.seq,
		SentAt:    time.Now().UTC(),
	}
}

// send encodes and publishes with the retry policy.
func (c *Coordinator) send(ctx context.Context, channel string, msg message.Message) {
	b, err := message.Encode(msg)
	if err != nil {
		c.opts.Logger.Error(ctx, "encode failed", "type", string(msg.Type()), "err", err)
		return
	}
	err = retry.Do(ctx, c.opts.Retry, func(ctx context.Context) error {
		return c.opts.Store.Publish(ctx, channel, b)
	})
	if err != nil {
		c.opts.Logger.Error(ctx, "publish failed", "channel", channel, "type", string(msg.Type()), "err", err)
	}
}

// ledger appends a structured entry to the session activity stream. Best
// effort; the ledger is an audit aid, not a correctness dependency.
func (c *Coordinator) ledger(ctx context.Context, kind string, fields map[string]any) {
	entry := map[string]any{
		"at":      time.Now().UTC().Format(time.RFC3339Nano),
		"kind":    kind,
		"session": c.obj.SessionID,
	}
	for k, v := range fields {
		entry[k] = v
	}
	b, err := marshalLedger(entry)
	if err != nil {
		return
	}
	if _, err := c.opts.Store.XAdd(ctx, store.ChannelLedger, b); err != nil {
		c.opts.Logger.Debug(ctx, "ledger append failed", "kind", kind, "err", err)
	}
}
