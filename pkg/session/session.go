// Package session turns one line of user text into a Response: it selects
// the intent tier, recognizes the request, resolves candidate operations and
// executes them in order until one succeeds.
//
// A Session is one conversation. It remembers the alternates it offered so
// that a follow-up of "2" picks the second one, and its tier Selector makes
// sure each degraded chain is disclosed exactly once.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nixh/nixh/pkg/capability"
	"github.com/nixh/nixh/pkg/embedding"
	"github.com/nixh/nixh/pkg/engine"
	"github.com/nixh/nixh/pkg/intent"
	"github.com/nixh/nixh/pkg/resolver"
	"github.com/nixh/nixh/pkg/telemetry"
	"github.com/nixh/nixh/pkg/tier"
)

// Executor runs one operation. *engine.Backend implements it.
type Executor interface {
	Execute(ctx context.Context, op engine.Operation, mode engine.Mode) engine.ExecutionResult
	Rollback(ctx context.Context, token string, mode engine.Mode) engine.ExecutionResult
}

// Snapshots publishes the current capability snapshot. *capability.Holder
// implements it.
type Snapshots interface {
	Current() capability.Snapshot
}

// TokenSource remembers the last rollback token. Store tiers implement it.
type TokenSource interface {
	LastRollbackToken(ctx context.Context) (string, error)
}

// ErrNoRollbackToken is returned when there is nothing to roll back to.
var ErrNoRollbackToken = errors.New("no rollback token recorded")

// Response is everything a presentation layer needs for one request.
type Response struct {
	RequestID string `json:"request_id"`

	Intent intent.Intent `json:"intent"`

	// Chosen is the operation whose result is in Result.
	Chosen *engine.Operation `json:"chosen_operation,omitempty"`

	// Operations are the resolver's candidates, best first.
	Operations []engine.Operation `json:"operations,omitempty"`

	Result *engine.ExecutionResult `json:"result,omitempty"`

	// Attempts holds every result, including failed candidates before Result.
	Attempts []engine.ExecutionResult `json:"attempts,omitempty"`

	Alternates []intent.Candidate `json:"alternates,omitempty"`

	// Disclosure is the first degraded-mode line of this request. It must be
	// shown verbatim.
	Disclosure  string   `json:"disclosure,omitempty"`
	Disclosures []string `json:"disclosures,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`

	// Clarify asks the user to choose among Alternates or rephrase.
	Clarify bool `json:"clarify"`

	// Tiers maps subsystem to the tier used for this request.
	Tiers map[string]string `json:"tiers,omitempty"`

	Mode engine.Mode `json:"mode"`
}

// Succeeded reports whether an operation ran and succeeded.
func (r Response) Succeeded() bool {
	return r.Result != nil && r.Result.Succeeded
}

// Ambiguity returns the *intent.AmbiguousIntentError behind a clarifying
// response, nil otherwise.
func (r Response) Ambiguity() error {
	if !r.Clarify {
		return nil
	}
	return &intent.AmbiguousIntentError{Intent: r.Intent}
}

func (r *Response) disclose(lines ...string) {
	for _, l := range lines {
		if l == "" {
			continue
		}
		if r.Disclosure == "" {
			r.Disclosure = l
		}
		r.Disclosures = append(r.Disclosures, l)
	}
}

// Config holds per-session settings.
type Config struct {
	Mode            engine.Mode
	SemanticTimeout time.Duration
}

// Session processes requests one at a time.
type Session struct {
	snaps     Snapshots
	selector  *tier.Selector
	pipeline  *intent.Pipeline
	intents   *tier.Chain[intent.Recognizer]
	embedders *tier.Chain[embedding.Embedder]
	exec      Executor
	tokens    TokenSource
	tel       *telemetry.Telemetry
	logger    zerolog.Logger
	cfg       Config

	// mu serializes requests so alternates always refer to the previous turn.
	mu      sync.Mutex
	pending intent.Pending

	semMu    sync.Mutex
	semantic map[string]*intent.SemanticStage
	notes    []string
}

// Option configures a Session.
type Option func(*Session)

// WithEmbedders enables the semantic stage through the embedding chain.
func WithEmbedders(c *tier.Chain[embedding.Embedder]) Option {
	return func(s *Session) { s.embedders = c }
}

// WithTokens lets Rollback find the last token when none is given.
func WithTokens(t TokenSource) Option {
	return func(s *Session) { s.tokens = t }
}

// WithTelemetry sets logging and tracing.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(s *Session) { s.tel = t }
}

// New creates a session. The selector is session scoped and should not be
// shared with another Session.
func New(snaps Snapshots, selector *tier.Selector, pipeline *intent.Pipeline, exec Executor, cfg Config, opts ...Option) (*Session, error) {
	s := &Session{
		snaps:    snaps,
		selector: selector,
		pipeline: pipeline,
		exec:     exec,
		cfg:      cfg,
		semantic: map[string]*intent.SemanticStage{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.Mode == "" {
		s.cfg.Mode = engine.DryRun
	}
	if s.cfg.SemanticTimeout <= 0 {
		s.cfg.SemanticTimeout = pipeline.Config().SemanticTimeout
	}
	if s.tel == nil {
		s.tel = telemetry.Nop()
	}
	s.logger = s.tel.Logger.NewComponentLogger("session").Zerolog()

	chain, err := intent.NewChain(s.semanticStage)
	if err != nil {
		return nil, err
	}
	s.intents = chain
	return s, nil
}

// IntentChain exposes the intent chain, for diagnostics and predicates.
func (s *Session) IntentChain() *tier.Chain[intent.Recognizer] {
	return s.intents
}

// Pending returns the alternates offered by the last request.
func (s *Session) Pending() intent.Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Handle processes one request in the session's mode.
func (s *Session) Handle(ctx context.Context, text string) (Response, error) {
	return s.HandleMode(ctx, text, s.cfg.Mode)
}

// HandleMode processes one request. The error is non-nil only for a tier
// registry defect; every other outcome, including failed executions and
// requests that need clarification, is described by the Response.
func (s *Session) HandleMode(ctx context.Context, text string, mode engine.Mode) (Response, error) {
	return s.handle(ctx, text, mode, true)
}

// Explain recognizes and resolves text but executes nothing. Alternates are
// remembered as for a real request.
func (s *Session) Explain(ctx context.Context, text string) (Response, error) {
	return s.handle(ctx, text, engine.DryRun, false)
}

// HandleIntent resolves and executes an intent recognized elsewhere, such as
// a diagnostics command.
func (s *Session) HandleIntent(ctx context.Context, in intent.Intent, mode engine.Mode) (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := Response{RequestID: uuid.NewString(), Mode: mode, Tiers: map[string]string{}, Intent: in}
	op := telemetry.StartOperation(ctx, "session.handle_intent", telemetry.AttrRequestID.String(resp.RequestID))
	s.act(op.Ctx, &resp, s.snaps.Current(), mode, true)
	op.End(nil)
	return resp, nil
}

func (s *Session) handle(ctx context.Context, text string, mode engine.Mode, run bool) (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := Response{RequestID: uuid.NewString(), Mode: mode, Tiers: map[string]string{}}
	op := telemetry.StartOperation(ctx, "session.handle", telemetry.AttrRequestID.String(resp.RequestID))
	ctx = op.Ctx

	snap := s.snaps.Current()
	in, err := s.recognize(ctx, text, snap, &resp)
	if err != nil {
		op.End(err)
		return resp, err
	}
	resp.Intent = in
	resp.Alternates = in.Alternates
	s.pending = intent.Pending{Alternates: in.Alternates, RawText: text}

	if s.pipeline.NeedsClarification(in) {
		resp.Clarify = true
		resp.disclose(s.drainNotes()...)
		s.logger.Debug().
			Str("request_id", resp.RequestID).
			Str("type", string(in.Type)).
			Float64("confidence", in.Confidence).
			Msg("Asking for clarification")
		op.End(nil)
		return resp, nil
	}

	s.act(ctx, &resp, snap, mode, run)
	op.End(nil)
	return resp, nil
}

// act resolves resp.Intent and, when run is set, executes the candidates.
func (s *Session) act(ctx context.Context, resp *Response, snap capability.Snapshot, mode engine.Mode, run bool) {
	in := resp.Intent
	_, span := s.tel.Tracer.StartResolveSpan(ctx, resp.RequestID, string(in.Type))
	resp.Operations = resolver.Resolve(in, snap)
	span.End()
	if len(resp.Operations) == 0 {
		// A known type without the target it needs.
		resp.Clarify = true
		resp.disclose(s.drainNotes()...)
		return
	}

	if run {
		s.execute(ctx, resp, mode)
	}
	resp.disclose(s.drainNotes()...)

	s.logger.Debug().
		Str("request_id", resp.RequestID).
		Str("type", string(in.Type)).
		Int("operations", len(resp.Operations)).
		Int("attempts", len(resp.Attempts)).
		Bool("succeeded", resp.Succeeded()).
		Msg("Request finished")
}

// recognize resolves a pending choice or runs the pipeline on the selected
// intent tier.
func (s *Session) recognize(ctx context.Context, text string, snap capability.Snapshot, resp *Response) (intent.Intent, error) {
	if !s.pending.Empty() {
		if in, ok := s.pending.Choose(text); ok {
			in.TableVersion = s.pipeline.Table().Version
			resp.Tiers[intent.SubsystemIntent] = intent.StageSession
			return in, nil
		}
	}

	sel, err := tier.Select(s.selector, s.intents, snap)
	if err != nil {
		return intent.Intent{}, fmt.Errorf("selecting intent tier: %w", err)
	}
	resp.Tiers[intent.SubsystemIntent] = sel.Tier
	resp.disclose(sel.Disclosure)
	if sel.Warning != "" {
		resp.Warnings = append(resp.Warnings, sel.Warning)
	}

	ctx, span := s.tel.Tracer.StartRecognizeSpan(ctx, resp.RequestID, sel.Tier)
	defer span.End()
	rec := s.pipeline.Recognize(ctx, text, sel.Handle)
	resp.disclose(rec.Skipped...)
	return rec.Intent, nil
}

// execute runs the candidates in order. A candidate that is unavailable, or
// that timed out without changing anything, hands over to the next one. A
// rejected or busy candidate ends the request. After a tool failure only the
// terminal instructions still run, so a refused change is never retried in
// another form behind the user's back.
func (s *Session) execute(ctx context.Context, resp *Response, mode engine.Mode) {
	instructionsOnly := false
	for i := range resp.Operations {
		op := resp.Operations[i]
		if instructionsOnly && op.Kind != engine.OpShowInstructions {
			continue
		}

		res := s.exec.Execute(ctx, op, mode)
		resp.Attempts = append(resp.Attempts, res)
		resp.Chosen, resp.Result = &resp.Operations[i], &resp.Attempts[len(resp.Attempts)-1]
		resp.disclose(res.Disclosure)
		if res.Tier != "" {
			resp.Tiers[engine.SubsystemExecution] = res.Tier
		}
		resp.Warnings = append(resp.Warnings, res.Warnings...)

		if res.Succeeded || res.Error == nil {
			return
		}
		switch res.Error.Kind {
		case engine.KindUnavailable:
		case engine.KindTimeout:
			if res.Error.StateChanged || res.Error.StateUnknown {
				instructionsOnly = true
			}
		case engine.KindTool:
			instructionsOnly = true
		default:
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// Rollback returns to token, or to the last recorded token when token is
// empty.
func (s *Session) Rollback(ctx context.Context, token string, mode engine.Mode) (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := Response{RequestID: uuid.NewString(), Mode: mode, Tiers: map[string]string{}}
	if token == "" {
		if s.tokens == nil {
			return resp, ErrNoRollbackToken
		}
		t, err := s.tokens.LastRollbackToken(ctx)
		if err != nil {
			return resp, fmt.Errorf("reading rollback token: %w", err)
		}
		if t == "" {
			return resp, ErrNoRollbackToken
		}
		token = t
	}

	res := s.exec.Rollback(ctx, token, mode)
	resp.Intent = intent.Intent{Type: intent.TypeRollback, Confidence: 1, Stage: intent.StageSession, Canonical: "rollback"}
	resp.Attempts = []engine.ExecutionResult{res}
	resp.Result = &resp.Attempts[0]
	if scope, gen, err := engine.ParseRollbackToken(token); err == nil {
		op := engine.RollbackOperation(scope, gen)
		resp.Operations = []engine.Operation{op}
		resp.Chosen = &resp.Operations[0]
	}
	if res.Tier != "" {
		resp.Tiers[engine.SubsystemExecution] = res.Tier
	}
	resp.Warnings = append(resp.Warnings, res.Warnings...)
	resp.disclose(res.Disclosure)
	resp.disclose(s.drainNotes()...)
	return resp, nil
}

// semanticStage is the intent chain's hook into the embedding chain. It
// returns nil, making the full tier fall through, when no embedding chain
// is configured.
func (s *Session) semanticStage() *intent.SemanticStage {
	if s.embedders == nil {
		return nil
	}
	sel, err := tier.Select(s.selector, s.embedders, s.snaps.Current())
	if err != nil {
		s.logger.Warn().Err(err).Msg("No embedding backend")
		return nil
	}

	s.semMu.Lock()
	defer s.semMu.Unlock()
	if sel.Disclosure != "" {
		s.notes = append(s.notes, sel.Disclosure)
	}
	if sel.Warning != "" {
		s.notes = append(s.notes, sel.Warning)
	}
	// One stage per backend keeps the description vectors cached.
	st, ok := s.semantic[sel.Tier]
	if !ok {
		st = intent.NewSemanticStage(sel.Handle, s.cfg.SemanticTimeout)
		s.semantic[sel.Tier] = st
	}
	return st
}

func (s *Session) drainNotes() []string {
	s.semMu.Lock()
	defer s.semMu.Unlock()
	out := s.notes
	s.notes = nil
	return out
}
