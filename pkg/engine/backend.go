package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nixh/nixh/pkg/nixos"
	"github.com/nixh/nixh/pkg/telemetry"
	"github.com/nixh/nixh/pkg/tier"
)

// Config tunes the Backend.
type Config struct {
	// BuildTimeout bounds one mutation attempt.
	BuildTimeout time.Duration `yaml:"build_timeout" json:"build_timeout"`

	// QueryTimeout bounds one query attempt.
	QueryTimeout time.Duration `yaml:"query_timeout" json:"query_timeout"`

	RingSize int `yaml:"ring_size" json:"ring_size"`

	// ReprobeThreshold structured-API unavailable failures among the last
	// ReprobeWindow structured attempts trigger a capability re-probe.
	ReprobeThreshold int `yaml:"reprobe_threshold" json:"reprobe_threshold"`
	ReprobeWindow    int `yaml:"reprobe_window" json:"reprobe_window"`
}

// DefaultConfig returns the stock tunables.
func DefaultConfig() Config {
	return Config{
		BuildTimeout:     5 * time.Minute,
		QueryTimeout:     30 * time.Second,
		RingSize:         DefaultRingSize,
		ReprobeThreshold: 3,
		ReprobeWindow:    5,
	}
}

// Backend executes Operations. It is safe for concurrent use; privileged
// operations are serialized by the Locker.
type Backend struct {
	holder    Reprober
	selector  *tier.Selector
	chain     *tier.Chain[Dispatcher]
	validator *Validator
	policy    PolicyChecker
	history   HistoryRecorder
	locker    Locker
	ring      *Ring
	progress  ProgressFunc
	tel       *telemetry.Telemetry
	logger    zerolog.Logger
	cfg       Config
}

// Option configures a Backend.
type Option func(*Backend)

// WithPolicy sets the policy checker.
func WithPolicy(p PolicyChecker) Option {
	return func(b *Backend) { b.policy = p }
}

// WithHistory sets where finished results are recorded.
func WithHistory(h HistoryRecorder) Option {
	return func(b *Backend) { b.history = h }
}

// WithLocker replaces the default FileLock.
func WithLocker(l Locker) Option {
	return func(b *Backend) { b.locker = l }
}

// WithProgress sets a progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(b *Backend) { b.progress = fn }
}

// WithTelemetry sets logging, metrics, tracing and events.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(b *Backend) { b.tel = t }
}

// NewBackend creates a Backend over the execution chain.
func NewBackend(holder Reprober, selector *tier.Selector, chain *tier.Chain[Dispatcher], cfg Config, opts ...Option) *Backend {
	def := DefaultConfig()
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = def.BuildTimeout
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = def.QueryTimeout
	}
	if cfg.ReprobeThreshold <= 0 {
		cfg.ReprobeThreshold = def.ReprobeThreshold
	}
	if cfg.ReprobeWindow <= 0 {
		cfg.ReprobeWindow = def.ReprobeWindow
	}

	b := &Backend{
		holder:    holder,
		selector:  selector,
		chain:     chain,
		validator: NewValidator(),
		locker:    FileLock{Path: DefaultLockPath},
		ring:      NewRing(cfg.RingSize),
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.tel == nil {
		b.tel = telemetry.Nop()
	}
	b.logger = b.tel.Logger.NewComponentLogger("engine").Zerolog()
	return b
}

// Ring exposes recent attempts.
func (b *Backend) Ring() *Ring {
	return b.ring
}

// Execute validates op and, unless rejected, dispatches it on the selected
// execution tier. Mode is passed down unchanged to the tier.
//
// If ctx is cancelled while dispatching, Execute stops waiting and returns a
// timeout result. The call itself continues on a detached context and any
// privilege lock is released when it actually finishes.
func (b *Backend) Execute(ctx context.Context, op Operation, mode Mode) ExecutionResult {
	res := b.newResult(op, mode)
	ctx, span := b.tel.Tracer.StartExecuteSpan(ctx, op.Label, string(mode))
	defer span.End()
	span.SetAttributes(attribute.String("execution.id", res.ID))

	log := b.logger.With().Str("execution_id", res.ID).Str("operation", op.Label).Str("mode", string(mode)).Logger()

	b.report(res, PhaseValidating, "")
	log.Debug().Str("state", "validating").Msg("Execution state")
	req, rec := b.validator.Validate(op)
	if rec == nil {
		var decision *PolicyDecision
		decision, rec = checkPolicy(ctx, b.policy, op, mode)
		if decision != nil {
			res.Warnings = append(res.Warnings, decision.Warnings...)
			for _, v := range decision.Violations {
				b.tel.Metrics.RecordPolicyRejection(v.Policy)
				_ = b.tel.Events.PublishPolicyViolation(res.ID, op.Label, v.Policy, v.Message)
			}
		}
	}
	if rec != nil {
		log.Debug().Str("state", "rejected").Str("reason", rec.Message).Msg("Execution state")
		res.Error = rec
		telemetry.RecordError(span, rec)
		return b.complete(ctx, res, mode)
	}

	if req.Kind == OpShowInstructions {
		res.Succeeded = true
		res.Output = Instructions(req)
		return b.complete(ctx, res, mode)
	}

	release := func() {}
	if op.RequiresPrivilege && mode == Apply {
		r, err := b.locker.TryLock()
		switch {
		case errors.Is(err, ErrBusy):
			log.Debug().Str("state", "rejected").Msg("Privilege lock busy")
			b.tel.Metrics.RecordBusy()
			res.Busy = true
			res.Error = NewBusyError("another privileged operation is in progress; try again when it finishes")
			return b.complete(ctx, res, mode)
		case err != nil:
			res.Error = NewUnavailableError("cannot take the privilege lock", err)
			return b.complete(ctx, res, mode)
		}
		release = r
	}

	log.Debug().Str("state", "dispatching").Msg("Execution state")
	track := &tracker{}
	done := make(chan ExecutionResult, 1)
	detached := context.WithoutCancel(ctx)
	go func() {
		var inflight sync.WaitGroup
		out := b.dispatch(ctx, detached, res, req, mode, track, &inflight)
		out = b.complete(detached, out, mode)
		if !track.abandoned() {
			release()
			done <- out
			return
		}
		done <- out
		inflight.Wait()
		release()
	}()

	select {
	case out := <-done:
		if out.Error != nil {
			telemetry.RecordError(span, out.Error)
			log.Debug().Str("state", "failed").Str("kind", string(out.Error.Kind)).Msg("Execution state")
		} else {
			log.Debug().Str("state", "succeeded").Str("tier", out.Tier).Msg("Execution state")
		}
		return out
	case <-ctx.Done():
		tierName, method := track.get()
		res.Tier, res.Method = tierName, method
		res.Error = NewTimeoutError("stopped waiting; the call continues in the background", ctx.Err()).
			WithCode(ErrCodeCancelled).
			WithTier(tierName)
		if req.IsMutation() && mode == Apply {
			res.Error.WithStateUnknown()
		}
		res.Duration = time.Since(res.StartedAt)
		res.DurationMS = res.Duration.Milliseconds()
		log.Debug().Str("state", "failed").Msg("Caller stopped waiting")
		return res
	}
}

func (b *Backend) newResult(op Operation, mode Mode) ExecutionResult {
	return ExecutionResult{
		ID:        uuid.NewString(),
		Label:     op.Label,
		Method:    MethodNone,
		DryRun:    mode == DryRun,
		StartedAt: time.Now(),
	}
}

// dispatch tries the selected tier and at most one lower tier for a
// retryable failure. Tiers that do not support the request hand it down
// without counting as a failure. Calls run on ctx, which outlives the caller;
// once callerCtx is done no further tier is started.
func (b *Backend) dispatch(callerCtx, ctx context.Context, res ExecutionResult, req Request, mode Mode, track *tracker, inflight *sync.WaitGroup) ExecutionResult {
	sel, err := tier.Select(b.selector, b.chain, b.holder.Current())
	if err != nil {
		res.Error = NewConfigurationError(err.Error(), err)
		return res
	}
	b.noteSelection(&res, sel)

	retried := false
	for {
		method := sel.Handle.Method()
		track.set(sel.Tier, method)
		res.Tier, res.Method = sel.Tier, method
		res.Attempts = append(res.Attempts, sel.Tier)
		b.report(res, PhaseDispatching, sel.Tier)

		out, err := b.attempt(ctx, sel.Handle, req, mode, res, track, inflight)
		res.StateChanged = res.StateChanged || out.StateChanged

		if err == nil {
			b.captureToken(&res, req, mode, out.Previous)
			b.ring.Add(Attempt{Method: method, Tier: sel.Tier, At: time.Now()})
			res.Succeeded = true
			res.Output = out.Output
			res.Error = nil
			return res
		}

		if errors.Is(err, nixos.ErrUnsupported) {
			if callerCtx.Err() != nil {
				res.Error = NewUnavailableError("stopped before handing "+req.Label+" to a lower tier", err).
					WithCode(ErrCodeCancelled).
					WithTier(sel.Tier)
				return res
			}
			next, nerr := tier.SelectBelow(b.selector, b.chain, b.holder.Current(), sel.Tier)
			if nerr != nil {
				res.Error = NewUnavailableError("no execution tier supports "+req.Label, err).
					WithCode(ErrCodeNoTier).
					WithTier(sel.Tier)
				return res
			}
			b.logger.Debug().Str("from", sel.Tier).Str("to", next.Tier).Msg("Tier does not support request, handing down")
			b.noteSelection(&res, next)
			sel = next
			continue
		}

		rec := classify(err, sel.Tier)
		rec.WithStateChanged(rec.StateChanged || out.StateChanged)
		res.StateChanged = res.StateChanged || rec.StateChanged
		b.ring.Add(Attempt{Method: method, Tier: sel.Tier, Kind: rec.Kind, At: time.Now()})
		b.tel.Metrics.RecordExecutionError(string(rec.Kind), sel.Tier)
		if rec.Kind == KindUnavailable && method == MethodStructuredAPI {
			b.maybeReprobe(ctx)
		}

		abandoned := rec.Kind == KindTimeout && req.IsMutation() && mode == Apply
		if abandoned {
			rec.WithStateUnknown()
		}
		if rec.StateChanged || rec.StateUnknown {
			b.captureToken(&res, req, mode, out.Previous)
		}
		if !retried && IsRetryable(rec) && !rec.StateChanged && !abandoned && callerCtx.Err() == nil {
			next, nerr := tier.SelectBelow(b.selector, b.chain, b.holder.Current(), sel.Tier)
			if nerr == nil {
				b.logger.Debug().Str("from", sel.Tier).Str("to", next.Tier).Str("kind", string(rec.Kind)).Msg("Retrying on lower tier")
				b.tel.Metrics.RecordRetry(sel.Tier, next.Tier)
				b.noteSelection(&res, next)
				retried = true
				sel = next
				continue
			}
		}
		res.Error = rec
		return res
	}
}

// captureToken records the generation to return to. A failed attempt that
// left the system as it was gets no token.
func (b *Backend) captureToken(res *ExecutionResult, req Request, mode Mode, previous int) {
	if mode == Apply && req.Reversible && previous > 0 && res.RollbackToken == "" {
		res.RollbackToken = RollbackToken(req.Scope, previous)
	}
}

// attempt runs one dispatcher call under the per-attempt timeout. When the
// timeout fires first the call is left running; inflight tracks it.
func (b *Backend) attempt(ctx context.Context, d Dispatcher, req Request, mode Mode, res ExecutionResult, track *tracker, inflight *sync.WaitGroup) (Outcome, error) {
	timeout := b.cfg.QueryTimeout
	if req.IsMutation() {
		timeout = b.cfg.BuildTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type reply struct {
		out Outcome
		err error
	}
	ch := make(chan reply, 1)
	phase := func(p Phase) { b.report(res, p, res.Tier) }

	inflight.Add(1)
	go func() {
		defer inflight.Done()
		var r reply
		defer func() {
			if p := recover(); p != nil {
				r = reply{err: fmt.Errorf("%w: %s tier panicked: %v", nixos.ErrUnavailable, res.Tier, p)}
			}
			ch <- r
		}()
		if req.IsMutation() {
			r.out, r.err = d.Mutate(callCtx, req, mode, phase)
		} else {
			r.out, r.err = d.Query(callCtx, req)
		}
	}()

	select {
	case r := <-ch:
		return r.out, r.err
	case <-callCtx.Done():
		track.abandon()
		return Outcome{}, callCtx.Err()
	}
}

func (b *Backend) maybeReprobe(ctx context.Context) {
	if b.ring.CountFailures(MethodStructuredAPI, KindUnavailable, b.cfg.ReprobeWindow) < b.cfg.ReprobeThreshold {
		return
	}
	b.ring.Forget(MethodStructuredAPI)
	snap := b.holder.Reprobe(ctx)
	b.tel.Metrics.RecordReprobe()
	_ = b.tel.Events.PublishReprobe(snap.Generation, snap.String())
	b.logger.Info().Uint64("generation", snap.Generation).Msg("Capabilities re-probed after repeated structured API failures")
}

func (b *Backend) noteSelection(res *ExecutionResult, sel tier.Selection[Dispatcher]) {
	if sel.Warning != "" {
		res.Warnings = append(res.Warnings, sel.Warning)
	}
	if sel.Disclosure != "" && res.Disclosure == "" {
		res.Disclosure = sel.Disclosure
		_ = b.tel.Events.PublishTierDegraded(SubsystemExecution, sel.Tier, sel.Disclosure)
	}
}

func (b *Backend) report(res ExecutionResult, phase Phase, tierName string) {
	if b.progress != nil {
		b.progress(Progress{ExecutionID: res.ID, Label: res.Label, Phase: phase, Tier: tierName})
	}
	_ = b.tel.Events.PublishProgress(res.ID, res.Label, string(phase), tierName)
}

// complete stamps the duration and records the result exactly once.
func (b *Backend) complete(ctx context.Context, res ExecutionResult, mode Mode) ExecutionResult {
	res.Duration = time.Since(res.StartedAt)
	res.DurationMS = res.Duration.Milliseconds()

	b.tel.Metrics.RecordExecution(string(res.Method), string(mode), res.Succeeded, res.Duration)
	if res.Error != nil {
		_ = b.tel.Events.PublishExecutionFailed(res.ID, res.Label, string(res.Error.Kind), res.Error.Tier, res.Error.StateChanged)
	} else {
		_ = b.tel.Events.PublishExecutionFinished(res.ID, res.Label, string(res.Method), res.Duration, res.DryRun)
	}
	b.report(res, PhaseDone, res.Tier)

	if b.history != nil {
		if err := b.history.RecordExecution(ctx, res); err != nil {
			b.logger.Warn().Err(err).Msg("Failed to record execution history")
		}
	}
	return res
}

// tracker remembers the tier in use for a caller that stops waiting, and
// whether any attempt was left running.
type tracker struct {
	mu     sync.Mutex
	tier   string
	method Method
	stray  bool
}

func (t *tracker) abandon() {
	t.mu.Lock()
	t.stray = true
	t.mu.Unlock()
}

func (t *tracker) abandoned() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stray
}

func (t *tracker) set(name string, m Method) {
	t.mu.Lock()
	t.tier, t.method = name, m
	t.mu.Unlock()
}

func (t *tracker) get() (string, Method) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.method == "" {
		return "", MethodNone
	}
	return t.tier, t.method
}
