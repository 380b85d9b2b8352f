package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"

	"github.com/nixh/nixh/pkg/capability"
	"github.com/nixh/nixh/pkg/config"
	"github.com/nixh/nixh/pkg/embedding"
	"github.com/nixh/nixh/pkg/engine"
	"github.com/nixh/nixh/pkg/intent"
	"github.com/nixh/nixh/pkg/nixos"
	"github.com/nixh/nixh/pkg/policy"
	"github.com/nixh/nixh/pkg/render"
	"github.com/nixh/nixh/pkg/session"
	"github.com/nixh/nixh/pkg/stores"
	"github.com/nixh/nixh/pkg/telemetry"
	"github.com/nixh/nixh/pkg/tier"
)

// app is everything one invocation needs, wired from the configuration.
type app struct {
	cfg      *config.Config
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
	holder   *capability.Holder
	selector *tier.Selector
	pipeline *intent.Pipeline
	session  *session.Session
	backend  *engine.Backend
	store    stores.Store
	renderer render.Renderer

	execChain *tier.Chain[engine.Dispatcher]
	embedders *tier.Chain[embedding.Embedder]
	storage   *tier.Chain[stores.Store]
	renderers *tier.Chain[render.Renderer]

	// notes are startup disclosures and warnings, shown with the first
	// response.
	notes []string
}

// newApp loads the configuration, probes the machine and builds every tier
// chain. Commands pass their context through app.context afterwards.
func newApp(ctx context.Context, mode engine.Mode) (*app, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.NewLoader().Load(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(os.Environ())

	tel, err := newTelemetry(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, tel: tel, logger: tel.Logger.NewComponentLogger("cli").Zerolog()}
	ctx = tel.WithContext(ctx)

	a.probe(ctx)
	if err := a.wire(ctx, mode); err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.logger.Debug().
		Str("config", cfg.Source).
		Str("snapshot", a.holder.Current().String()).
		Str("renderer", a.renderer.Name()).
		Msg("Ready")
	return a, nil
}

func newTelemetry(cfg *config.Config) (*telemetry.Telemetry, error) {
	tcfg := cfg.Telemetry
	tcfg.ServiceName = "nixh"
	tcfg.ServiceVersion = buildVersion
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		tcfg.Logging.Level = lvl
	}
	if verbose {
		tcfg.Logging.Level = "debug"
	}
	tel, err := telemetry.NewTelemetry(&tcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	// The configured logger level governs from here on.
	zerolog.SetGlobalLevel(zerolog.TraceLevel)
	return tel, nil
}

// context attaches the app's telemetry to ctx.
func (a *app) context(ctx context.Context) context.Context {
	return a.tel.WithContext(ctx)
}

func (a *app) probe(ctx context.Context) {
	det := capability.NewDetector(capability.OSEnvironment{}, a.cfg.Detector.Capability(), a.tel.Logger.NewComponentLogger("detector").Zerolog())
	dctx, span := a.tel.Tracer.StartDetectSpan(ctx)
	snap := det.Detect(dctx)
	span.End()

	a.holder = capability.NewHolder(snap, det)
	a.holder.OnSwap(func(old, cur capability.Snapshot) {
		if old.Equal(cur) {
			return
		}
		a.logger.Info().
			Str("before", old.String()).
			Str("after", cur.String()).
			Msg("Capabilities changed")
	})

	a.selector = tier.NewSelector(
		tier.WithOverrides(a.cfg.Overrides),
		tier.WithLogger(a.tel.Logger.NewComponentLogger("tier").Zerolog()),
		tier.WithRecorder(a.tel.Metrics),
	)
}

func (a *app) wire(ctx context.Context, mode engine.Mode) error {
	snap := a.holder.Current()
	preds := a.cfg.Predicates

	table, err := intent.LoadTable(a.cfg.Intent.OverlayPath)
	if err != nil {
		a.logger.Warn().Err(err).Str("path", a.cfg.Intent.OverlayPath).Msg("Ignoring alias overlay")
		if table, err = intent.DefaultTable(); err != nil {
			return err
		}
	}
	a.pipeline = intent.NewPipeline(table, a.cfg.Intent,
		intent.WithLogger(a.tel.Logger.NewComponentLogger("intent").Zerolog()),
		intent.WithMetrics(a.tel.Metrics),
	)

	pol, err := policy.NewEngine(ctx, a.logger, a.cfg.Policy)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	if a.storage, err = stores.NewStorageChain(ctx, a.cfg.Storage.Stores()); err != nil {
		return err
	}
	if err := tier.ApplyPredicates(a.storage, preds[stores.SubsystemStorage]); err != nil {
		return err
	}
	storeSel, err := tier.Select(a.selector, a.storage, snap)
	if err != nil {
		return err
	}
	a.store = storeSel.Handle
	a.note(storeSel.Disclosure, storeSel.Warning)
	if n := a.cfg.Storage.Retain; n > 0 {
		if _, err := a.store.Prune(ctx, n); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to prune history")
		}
	}
	stores.PersistEvents(a.tel.Events, a.store, a.logger)

	if a.execChain, err = engine.NewExecutionChain(a.structuredAPI, a.commandLine); err != nil {
		return err
	}
	if err := tier.ApplyPredicates(a.execChain, preds[engine.SubsystemExecution]); err != nil {
		return err
	}
	a.backend = engine.NewBackend(a.holder, a.selector, a.execChain, a.cfg.Engine,
		engine.WithPolicy(pol),
		engine.WithHistory(a.store),
		engine.WithLocker(engine.FileLock{Path: a.cfg.LockPath}),
		engine.WithTelemetry(a.tel),
		engine.WithProgress(a.progress(os.Stderr)),
	)

	if a.embedders, err = embedding.NewChain(ctx, a.cfg.Embedding); err != nil {
		return err
	}
	if err := tier.ApplyPredicates(a.embedders, preds[embedding.SubsystemEmbedding]); err != nil {
		return err
	}

	a.session, err = session.New(a.holder, a.selector, a.pipeline, a.backend,
		session.Config{Mode: mode, SemanticTimeout: a.cfg.Intent.SemanticTimeout},
		session.WithEmbedders(a.embedders),
		session.WithTokens(tokenSource{a.store}),
		session.WithTelemetry(a.tel),
	)
	if err != nil {
		return err
	}
	if err := tier.ApplyPredicates(a.session.IntentChain(), preds[intent.SubsystemIntent]); err != nil {
		return err
	}

	if a.renderers, err = render.NewChain(); err != nil {
		return err
	}
	if err := tier.ApplyPredicates(a.renderers, preds[render.SubsystemRender]); err != nil {
		return err
	}
	renderSel, err := tier.Select(a.selector, a.renderers, snap)
	if err != nil {
		return err
	}
	a.useRenderer(renderSel)
	return nil
}

// useRenderer installs the selected renderer. A reduced terminal is logged
// rather than announced; the render chain has no disclosure line.
func (a *app) useRenderer(sel tier.Selection[render.Renderer]) {
	a.renderer = sel.Handle
	a.note(sel.Warning, sel.Disclosure)
	if sel.Degraded {
		a.logger.Debug().
			Str("tier", sel.Tier).
			Str("top", a.renderers.Top()).
			Bool("overridden", sel.Overridden).
			Msg("Rendering in reduced mode")
	}
}

func (a *app) structuredAPI() (nixos.API, error) {
	runner := nixos.ExecRunner{Logger: a.logger}
	cfg := nixos.ProfileAPIConfig{
		ProfilesDir: a.cfg.Detector.ProfilesDir,
		Versions:    a.holder.Current().ToolVersions(),
	}
	if home, err := os.UserHomeDir(); err == nil {
		cfg.UserProfile = filepath.Join(home, ".nix-profile")
	}
	api, err := nixos.NewProfileAPI(cfg,
		nixos.NixRealiser{Runner: runner, NixOSConfig: a.cfg.Detector.ConfigFile},
		nixos.SwitchActivator{Runner: runner},
	)
	if err != nil {
		return nil, err
	}
	return api, nil
}

func (a *app) commandLine() (engine.CommandLine, error) {
	return nixos.NewCLI(nixos.ExecRunner{Logger: a.logger}), nil
}

// progress reports long-running phases on a terminal.
func (a *app) progress(w *os.File) engine.ProgressFunc {
	if jsonOutput || !isatty.IsTerminal(w.Fd()) {
		return nil
	}
	return func(p engine.Progress) {
		switch p.Phase {
		case engine.PhaseBuilding, engine.PhaseActivating:
			fmt.Fprintf(w, "  %s: %s (%s)...\n", p.Label, p.Phase, p.Tier)
		}
	}
}

func (a *app) note(lines ...string) {
	for _, l := range lines {
		if l != "" {
			a.notes = append(a.notes, l)
		}
	}
}

// show writes resp, preceded by any startup notes not shown yet.
func (a *app) show(w io.Writer, resp session.Response) error {
	if len(a.notes) > 0 {
		resp.Disclosures = append(append([]string(nil), a.notes...), resp.Disclosures...)
		resp.Disclosure = resp.Disclosures[0]
		a.notes = nil
	}
	if jsonOutput {
		return render.JSON(w, resp)
	}
	return a.renderer.Response(w, resp)
}

// table writes t, or rows as JSON objects keyed by header.
func (a *app) table(w io.Writer, t render.Table) error {
	if jsonOutput {
		out := make([]map[string]string, 0, len(t.Rows))
		for _, row := range t.Rows {
			m := make(map[string]string, len(t.Headers))
			for i, h := range t.Headers {
				if i < len(row) {
					m[h] = row[i]
				}
			}
			out = append(out, m)
		}
		return render.JSON(w, out)
	}
	return a.renderer.Table(w, t)
}

// Close releases the store and flushes telemetry, also after an interrupt.
func (a *app) Close(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close history store")
		}
	}
	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.Debug().Err(err).Msg("Telemetry shutdown")
	}
}

// tokenSource maps the store's not-found into "no token".
type tokenSource struct {
	store stores.Store
}

func (t tokenSource) LastRollbackToken(ctx context.Context) (string, error) {
	tok, err := t.store.LastRollbackToken(ctx)
	if errors.Is(err, stores.ErrNotFound) {
		return "", nil
	}
	return tok, err
}
