package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360/corebus/aggregate"
	"github.com/c360/corebus/envelope"
	"github.com/c360/corebus/errors"
	"github.com/c360/corebus/metric"
	"github.com/c360/corebus/pkg/retry"
	"github.com/c360/corebus/sharding"
	"github.com/c360/corebus/tenant"
)

// Target is the dispatch surface of a registered entity type. The
// aggregate Repository satisfies it for any state type.
type Target interface {
	Dispatch(ctx context.Context, ten tenant.ID, id string, env *envelope.Envelope) (*aggregate.Outcome, error)
	Substitute(ctx context.Context, ten tenant.ID, id string, env *envelope.Envelope) ([]envelope.Payload, bool, error)
}

// StateQuerier is the optional read surface a target exposes for the
// black-box query boundary.
type StateQuerier interface {
	QueryState(ctx context.Context, ten tenant.ID, id string) (any, int64, error)
}

type workKind int

const (
	workCommand workKind = iota
	workEvent
	workRejection
)

func (k workKind) String() string {
	switch k {
	case workEvent:
		return "event"
	case workRejection:
		return "rejection"
	default:
		return "command"
	}
}

// work is one envelope awaiting dispatch on its shard queue.
type work struct {
	env      *envelope.Envelope
	kind     workKind
	target   string
	targetID string
	ten      tenant.ID
	result   chan Result
}

type subscriberEntry struct {
	name string
	fn   func(context.Context, *envelope.Envelope) error
}

// Bus orchestrates classify, route, shard-assign, enqueue and dispatch.
// The command path and the event path run through the same sharded
// delivery so the single-writer-per-target invariant holds across both:
// a target's commands and the events reacting on it always land on the
// same shard worker.
type Bus struct {
	logger  *slog.Logger
	metrics *metric.Metrics

	router      *Router
	targets     map[string]Target
	subscribers map[envelope.Class][]subscriberEntry
	catchers    map[envelope.Class][]subscriberEntry

	delivery *sharding.Delivery[work]
	sched    *scheduler
	watcher  *Watcher
	started  bool
}

// BusOption configures a Bus at construction.
type BusOption func(*busConfig)

type busConfig struct {
	shards    int
	queueSize int
	logger    *slog.Logger
	registry  *metric.Registry
	watcher   *Watcher
}

// WithShards sets the shard count governing ordering and parallelism.
func WithShards(n int) BusOption {
	return func(c *busConfig) { c.shards = n }
}

// WithQueueSize bounds each shard queue; a full queue rejects new
// submissions with a retryable overload ack.
func WithQueueSize(n int) BusOption {
	return func(c *busConfig) { c.queueSize = n }
}

// WithLogger sets the bus logger.
func WithLogger(logger *slog.Logger) BusOption {
	return func(c *busConfig) { c.logger = logger }
}

// WithMetricsRegistry wires the bus and its delivery into the registry.
func WithMetricsRegistry(registry *metric.Registry) BusOption {
	return func(c *busConfig) { c.registry = registry }
}

// WithWatcher attaches a lifecycle watcher.
func WithWatcher(w *Watcher) BusOption {
	return func(c *busConfig) { c.watcher = w }
}

// NewBus creates a bus with a fixed shard layout. Targets, routes and
// subscribers are registered afterward, before Start.
func NewBus(opts ...BusOption) (*Bus, error) {
	cfg := &busConfig{
		shards:    8,
		queueSize: 1024,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	strategy, err := sharding.ForNumber(cfg.shards)
	if err != nil {
		return nil, errors.Wrap(err, "Bus", "NewBus", "shard strategy")
	}

	b := &Bus{
		logger:      cfg.logger,
		router:      NewRouter(),
		targets:     make(map[string]Target),
		subscribers: make(map[envelope.Class][]subscriberEntry),
		catchers:    make(map[envelope.Class][]subscriberEntry),
		sched:       newScheduler(),
		watcher:     cfg.watcher,
	}

	deliveryOpts := []sharding.Option[work]{}
	if cfg.registry != nil {
		b.metrics = cfg.registry.CoreMetrics()
		deliveryOpts = append(deliveryOpts, sharding.WithMetrics[work](cfg.registry))
	}

	b.delivery, err = sharding.NewDelivery(
		strategy,
		cfg.queueSize,
		func(w work) string { return w.targetID },
		b.process,
		deliveryOpts...,
	)
	if err != nil {
		return nil, errors.Wrap(err, "Bus", "NewBus", "delivery construction")
	}
	return b, nil
}

// RegisterTarget binds an entity type name to its dispatch surface.
func (b *Bus) RegisterTarget(name string, target Target) error {
	if b.started {
		return errors.ErrAlreadyStarted
	}
	if name == "" || target == nil {
		return errors.WrapConfiguration(errors.ErrMissingConfig,
			"Bus", "RegisterTarget", "target name and surface required")
	}
	if _, ok := b.targets[name]; ok {
		return errors.WrapConfiguration(errors.ErrDuplicateRoute,
			"Bus", "RegisterTarget", "target "+name+" already registered")
	}
	b.targets[name] = target
	return nil
}

// RegisterRoute adds a routing entry for the class. A nil extractor
// falls back to IdentityExtractor.
func (b *Bus) RegisterRoute(class envelope.Class, targetName string, extract ExtractID) error {
	if b.started {
		return errors.ErrAlreadyStarted
	}
	return b.router.Register(class, targetName, extract)
}

// Start validates the wiring and launches the shard workers. Every
// routed target type must be registered.
func (b *Bus) Start(ctx context.Context) error {
	if b.started {
		return errors.ErrAlreadyStarted
	}
	for _, name := range b.router.Targets() {
		if _, ok := b.targets[name]; !ok {
			return errors.WrapConfiguration(errors.ErrMissingConfig,
				"Bus", "Start", "routed target "+name+" has no registered surface")
		}
	}
	if err := b.delivery.Start(ctx); err != nil {
		return errors.Wrap(err, "Bus", "Start", "delivery start")
	}
	b.started = true
	return nil
}

// Stop cancels pending scheduled envelopes and drains the shard workers.
func (b *Bus) Stop(timeout time.Duration) error {
	for _, item := range b.sched.stop() {
		b.sendResult(item, Result{Canceled: true})
	}
	return b.delivery.Stop(timeout)
}

// Stats exposes the underlying delivery statistics.
func (b *Bus) Stats() sharding.Stats {
	return b.delivery.Stats()
}

// Post accepts an envelope for dispatch: classify, route, shard-assign,
// enqueue. The returned acknowledgement reports accepted, scheduled or
// rejected; routing failures and overload come back as structured
// rejections, never as panics or errors escaping the bus boundary.
func (b *Bus) Post(env *envelope.Envelope) Ack {
	if env == nil {
		return Ack{Status: StatusRejected, Cause: errors.WrapRouting(
			errors.ErrUnclassifiableMessage, "Bus", "Post", "nil envelope")}
	}
	return b.post(env, workCommand)
}

func (b *Bus) post(env *envelope.Envelope, kind workKind) Ack {
	if b.metrics != nil {
		b.metrics.EnvelopesPosted.WithLabelValues(kind.String(), env.Class().Key()).Inc()
	}

	target, targetID, err := b.router.Route(env)
	if err != nil {
		return b.reject(env, kind, err)
	}

	w := work{
		env:      env,
		kind:     kind,
		target:   target,
		targetID: targetID,
		ten:      tenantOf(env),
		result:   make(chan Result, 1),
	}

	if delay := time.Until(env.Context().DispatchAfter); env.Context().Scheduled() && delay > 0 {
		if !b.sched.schedule(delay, w, b.fire) {
			return b.reject(env, kind, errors.ErrShuttingDown)
		}
		if b.metrics != nil {
			b.metrics.EnvelopesScheduled.WithLabelValues(kind.String()).Inc()
		}
		b.watcher.OnScheduled(env)
		return Ack{EnvelopeID: env.ID(), Status: StatusScheduled, result: w.result}
	}

	return b.enqueue(w)
}

func (b *Bus) enqueue(w work) Ack {
	shard, err := b.delivery.Submit(w)
	if err != nil {
		return b.reject(w.env, w.kind, err)
	}
	return Ack{EnvelopeID: w.env.ID(), Status: StatusAccepted, Shard: shard, result: w.result}
}

// fire enqueues a scheduled envelope whose timer elapsed. A full queue
// at this point is a drop: the producer is long gone, so the envelope is
// dead-lettered instead of bounced.
func (b *Bus) fire(w work) {
	if _, err := b.delivery.Submit(w); err != nil {
		b.logger.Error("scheduled envelope dropped",
			"envelope_id", w.env.ID(), "error", err)
		b.watcher.OnDeadLettered(w.env, "scheduled dispatch failed: "+err.Error())
		b.sendResult(w, Result{Err: err})
	}
}

func (b *Bus) reject(env *envelope.Envelope, kind workKind, cause error) Ack {
	if b.metrics != nil {
		b.metrics.EnvelopesRejected.
			WithLabelValues(kind.String(), errors.Classify(cause).String()).Inc()
	}
	return Ack{EnvelopeID: env.ID(), Status: StatusRejected, Cause: cause}
}

// CancelScheduled cancels a parked envelope. Honored until the envelope
// is taken off the schedule for delivery; afterward it returns false and
// the dispatch proceeds.
func (b *Bus) CancelScheduled(envelopeID string) bool {
	item, ok := b.sched.cancel(envelopeID)
	if !ok {
		return false
	}
	b.sendResult(item, Result{Canceled: true})
	return true
}

// StateOf answers the read-only query boundary: the materialized state
// and version of one entity, explicitly tenant-scoped through the
// context. An unscoped read is a programming error, not a silent
// default.
func (b *Bus) StateOf(ctx context.Context, targetType, id string) (any, int64, error) {
	ten, err := tenant.From(ctx)
	if err != nil {
		return nil, 0, errors.Wrap(err, "Bus", "StateOf", "tenant scope")
	}
	target, ok := b.targets[targetType]
	if !ok {
		return nil, 0, errors.WrapRouting(errors.ErrUnroutableMessage,
			"Bus", "StateOf", "unknown target "+targetType)
	}
	querier, ok := target.(StateQuerier)
	if !ok {
		return nil, 0, errors.WrapConfiguration(errors.ErrMissingConfig,
			"Bus", "StateOf", "target "+targetType+" exposes no state query")
	}
	return querier.QueryState(ctx, ten, id)
}

// process runs on a shard worker, one item at a time per shard.
func (b *Bus) process(ctx context.Context, w work) error {
	start := time.Now()
	var res Result

	switch w.kind {
	case workCommand:
		res = b.processCommand(ctx, w)
	case workEvent:
		res = b.processEvent(ctx, w)
	case workRejection:
		res = b.processRejection(ctx, w)
	}

	b.observe(w, res, time.Since(start))
	b.sendResult(w, res)
	return res.Err
}

func (b *Bus) processCommand(ctx context.Context, w work) Result {
	res := Result{TargetType: w.target, TargetID: w.targetID}

	target, ok := b.targets[w.target]
	if !ok {
		res.Err = errors.WrapConfiguration(errors.ErrMissingConfig,
			"Bus", "processCommand", "no surface for target "+w.target)
		b.watcher.OnDeadLettered(w.env, "target surface missing")
		return res
	}

	// Substitution always runs before direct handling and is not
	// retried: a failed substitute is a definitive outcome.
	replacements, substituted, err := target.Substitute(ctx, w.ten, w.targetID, w.env)
	if substituted {
		if err != nil {
			if rejection, isRejection := aggregate.AsRejection(err); isRejection {
				res.Rejection = rejection
				b.postRejection(rejection, w)
				return res
			}
			res.Err = retry.NonRetryable(errors.Wrap(err,
				"Bus", "processCommand", "substitution for "+w.env.Class().Key()))
			return res
		}
		res.Substituted = true
		for _, payload := range replacements {
			replacement, err := envelope.New(payload, actorFrom(w.env), envelope.WithOrigin(w.env))
			if err != nil {
				b.logger.Error("replacement command unclassifiable",
					"origin", w.env.ID(), "error", err)
				continue
			}
			ack := b.post(replacement, workCommand)
			res.Replacements = append(res.Replacements, ack.EnvelopeID)
			if ack.Rejected() {
				b.logger.Warn("replacement command rejected",
					"envelope_id", ack.EnvelopeID, "error", ack.Cause)
				b.watcher.OnDeadLettered(replacement, "replacement rejected: "+ack.Cause.Error())
			}
		}
		b.watcher.OnDispatched(w.env, w.target, w.targetID)
		return res
	}
	if err != nil {
		res.Err = errors.Wrap(err, "Bus", "processCommand", "substitution probe")
		return res
	}

	outcome, err := target.Dispatch(ctx, w.ten, w.targetID, w.env)
	if err != nil {
		res.Err = err
		b.logger.Error("dispatch failed",
			"envelope_id", w.env.ID(),
			"class", w.env.Class().Key(),
			"target", w.target+"/"+w.targetID,
			"error", err)
		return res
	}

	res.Version = outcome.Version
	res.Events = outcome.Events
	res.Duplicate = outcome.Duplicate
	res.Rejection = outcome.Rejection

	if outcome.Rejection != nil {
		b.postRejection(outcome.Rejection, w)
	}
	b.fanOut(outcome.Events, w)
	b.watcher.OnDispatched(w.env, w.target, w.targetID)
	return res
}

// fanOut wraps each produced event in a new envelope chained to the
// triggering one and feeds it back through the bus. Events are posted in
// production order onto the same shard, so events from one command are
// never interleaved with another command's events against that target.
func (b *Bus) fanOut(events []aggregate.ProducedEvent, w work) {
	for _, ev := range events {
		evEnv, err := envelope.New(ev.Payload, actorFrom(w.env), envelope.WithOrigin(w.env))
		if err != nil {
			b.logger.Error("produced event unclassifiable",
				"origin", w.env.ID(), "error", err)
			continue
		}

		if b.router.Routed(evEnv.Class()) {
			if ack := b.post(evEnv, workEvent); ack.Rejected() {
				b.logger.Error("event delivery rejected",
					"envelope_id", evEnv.ID(), "error", ack.Cause)
				b.watcher.OnDeadLettered(evEnv, "event delivery rejected: "+ack.Cause.Error())
			}
			continue
		}

		if len(b.subscribers[evEnv.Class()]) > 0 {
			// Unrouted but subscribed: shard by the producing target so
			// subscriber invocation preserves per-target event order.
			item := work{
				env:      evEnv,
				kind:     workEvent,
				targetID: w.targetID,
				ten:      w.ten,
			}
			if _, err := b.delivery.Submit(item); err != nil {
				b.logger.Error("event delivery overloaded",
					"envelope_id", evEnv.ID(), "error", err)
				b.watcher.OnDeadLettered(evEnv, "event delivery overloaded")
			}
			continue
		}

		b.watcher.OnDeadLettered(evEnv, "no route or subscriber for "+evEnv.Class().Key())
	}
}

func (b *Bus) processEvent(ctx context.Context, w work) Result {
	res := Result{TargetType: w.target, TargetID: w.targetID}

	// Routed events dispatch to their target first (reacting entities),
	// then fan out to subscribers.
	if w.target != "" {
		target, ok := b.targets[w.target]
		if !ok {
			res.Err = errors.WrapConfiguration(errors.ErrMissingConfig,
				"Bus", "processEvent", "no surface for target "+w.target)
			b.watcher.OnDeadLettered(w.env, "target surface missing")
			return res
		}
		outcome, err := target.Dispatch(ctx, w.ten, w.targetID, w.env)
		if err != nil {
			res.Err = err
			b.logger.Error("event dispatch failed",
				"envelope_id", w.env.ID(), "error", err)
			return res
		}
		res.Version = outcome.Version
		res.Events = outcome.Events
		res.Duplicate = outcome.Duplicate
		res.Rejection = outcome.Rejection
		b.fanOut(outcome.Events, w)
		b.watcher.OnDispatched(w.env, w.target, w.targetID)
	}

	for _, sub := range b.subscribers[w.env.Class()] {
		if err := sub.fn(ctx, w.env); err != nil {
			b.logger.Warn("event subscriber failed",
				"subscriber", sub.name,
				"envelope_id", w.env.ID(),
				"error", err)
		}
	}
	return res
}

func (b *Bus) processRejection(ctx context.Context, w work) Result {
	catchers := b.catchers[w.env.Class()]
	if len(catchers) == 0 {
		b.watcher.OnDeadLettered(w.env, "no rejection handler for "+w.env.Class().Key())
		return Result{TargetID: w.targetID}
	}
	for _, catcher := range catchers {
		if err := catcher.fn(ctx, w.env); err != nil {
			b.logger.Warn("rejection handler failed",
				"handler", catcher.name,
				"envelope_id", w.env.ID(),
				"error", err)
		}
	}
	return Result{TargetID: w.targetID}
}

// postRejection wraps a typed rejection payload and delivers it to the
// registered catchers on the same shard as the refused command.
func (b *Bus) postRejection(rejection *aggregate.Rejection, w work) {
	if rejection.Payload == nil {
		return
	}
	rejEnv, err := envelope.New(rejection.Payload, actorFrom(w.env), envelope.WithOrigin(w.env))
	if err != nil {
		b.logger.Error("rejection payload unclassifiable",
			"origin", w.env.ID(), "error", err)
		return
	}
	item := work{
		env:      rejEnv,
		kind:     workRejection,
		targetID: w.targetID,
		ten:      w.ten,
	}
	if _, err := b.delivery.Submit(item); err != nil {
		b.logger.Error("rejection delivery overloaded",
			"envelope_id", rejEnv.ID(), "error", err)
		b.watcher.OnDeadLettered(rejEnv, "rejection delivery overloaded")
	}
}

func (b *Bus) observe(w work, res Result, elapsed time.Duration) {
	if b.metrics == nil {
		return
	}
	status := "ok"
	switch {
	case res.Err != nil:
		status = "failed"
	case res.Rejection != nil:
		status = "rejected"
	case res.Duplicate:
		status = "duplicate"
	}
	b.metrics.DispatchDuration.
		WithLabelValues(w.kind.String(), status).Observe(elapsed.Seconds())
	if res.Err != nil {
		b.metrics.EnvelopesRejected.
			WithLabelValues(w.kind.String(), errors.Classify(res.Err).String()).Inc()
		return
	}
	b.metrics.EnvelopesDispatched.
		WithLabelValues(w.kind.String(), w.env.Class().Key()).Inc()
}

func (b *Bus) sendResult(w work, res Result) {
	if w.result == nil {
		return
	}
	select {
	case w.result <- res:
	default:
	}
}

func tenantOf(env *envelope.Envelope) tenant.ID {
	if ten := env.Context().Tenant; ten != "" {
		return ten
	}
	return tenant.Default
}

// actorFrom derives the actor context for a produced message: same actor
// and tenant as the trigger, fresh timestamp, no schedule.
func actorFrom(trigger *envelope.Envelope) envelope.ActorContext {
	return envelope.ActorContext{
		ActorID: trigger.Context().ActorID,
		Tenant:  trigger.Context().Tenant,
	}
}
