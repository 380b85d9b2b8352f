package capability

import (
	"bufio"
	"bytes"
	"context"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultBudget bounds a whole Detect call.
const DefaultBudget = 200 * time.Millisecond

// DetectorConfig configures where the Detector looks.
type DetectorConfig struct {
	Budget          time.Duration
	ProfilesDir     string
	ConfigFile      string
	NetworkProbe    string
	EmbedderURL     string
	StructuredTools []string
	CLITools        []string
}

// DefaultDetectorConfig returns the paths used on a stock NixOS install.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		Budget:          DefaultBudget,
		ProfilesDir:     "/nix/var/nix/profiles",
		ConfigFile:      "/etc/nixos/configuration.nix",
		NetworkProbe:    "cache.nixos.org:443",
		EmbedderURL:     "http://127.0.0.1:11434/api/tags",
		StructuredTools: []string{"nix-build", "nix-store"},
		CLITools:        []string{"nix-env", "nixos-rebuild"},
	}
}

// Detector produces Snapshots. Detect is safe to call repeatedly; it has no
// side effects beyond the probes themselves.
type Detector struct {
	env    Environment
	cfg    DetectorConfig
	logger zerolog.Logger
	now    func() time.Time
}

// NewDetector creates a Detector. A zero Budget falls back to DefaultBudget.
func NewDetector(env Environment, cfg DetectorConfig, logger zerolog.Logger) *Detector {
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultBudget
	}
	return &Detector{
		env:    env,
		cfg:    cfg,
		logger: logger.With().Str("component", "capability").Logger(),
		now:    time.Now,
	}
}

// partial collects probe results. Writes after the deadline are dropped so the
// returned snapshot never changes underneath the caller.
type partial struct {
	mu       sync.Mutex
	snap     Snapshot
	versions map[string]string
	closed   bool
}

func (p *partial) set(fn func(s *Snapshot, versions map[string]string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	fn(&p.snap, p.versions)
}

func (p *partial) seal() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return p.snap.WithToolVersions(p.versions)
}

// Detect probes the environment. It never fails: a probe that errors, panics
// or misses the budget leaves its field at the Conservative value.
func (d *Detector) Detect(ctx context.Context) Snapshot {
	start := d.now()
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Budget)
	defer cancel()

	p := &partial{snap: Conservative(), versions: map[string]string{}}
	probes := map[string]func(context.Context, *partial){
		"structured_api": d.probeStructured,
		"cli":            d.probeCLI,
		"memory":         d.probeMemory,
		"cpu":            d.probeCPU,
		"network":        d.probeNetwork,
		"terminal":       d.probeTerminal,
		"config":         d.probeConfig,
		"embedder":       d.probeEmbedder,
		"versions":       d.probeVersions,
	}

	g, gctx := errgroup.WithContext(ctx)
	for name, probe := range probes {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Warn().Str("probe", name).Interface("panic", r).Msg("Probe panicked")
				}
			}()
			probe(gctx, p)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Debug().Dur("budget", d.cfg.Budget).Msg("Probe budget exhausted, using conservative values for pending probes")
	}

	snap := p.seal()
	snap.ProbedAt = start
	d.logger.Debug().Stringer("snapshot", snap).Dur("elapsed", d.now().Sub(start)).Msg("Capabilities detected")
	return snap
}

func (d *Detector) probeStructured(_ context.Context, p *partial) {
	if !d.env.Exists(d.cfg.ProfilesDir) {
		return
	}
	for _, tool := range d.cfg.StructuredTools {
		if _, err := d.env.LookPath(tool); err != nil {
			return
		}
	}
	p.set(func(s *Snapshot, _ map[string]string) { s.HasStructuredAPI = true })
}

func (d *Detector) probeCLI(_ context.Context, p *partial) {
	for _, tool := range d.cfg.CLITools {
		if _, err := d.env.LookPath(tool); err != nil {
			return
		}
	}
	p.set(func(s *Snapshot, _ map[string]string) { s.HasCLIFallback = true })
}

const gib = 1 << 30

func (d *Detector) probeMemory(_ context.Context, p *partial) {
	data, err := d.env.ReadFile("/proc/meminfo")
	if err != nil {
		return
	}
	kb, ok := parseMemAvailable(data)
	if !ok {
		return
	}
	class := ClassifyMemory(kb * 1024)
	p.set(func(s *Snapshot, _ map[string]string) { s.Memory = class })
}

// ClassifyMemory maps available bytes to a MemoryClass.
func ClassifyMemory(n uint64) MemoryClass {
	switch {
	case n < 1*gib:
		return MemoryLow
	case n < 4*gib:
		return MemoryMedium
	default:
		return MemoryHigh
	}
}

func parseMemAvailable(data []byte) (uint64, bool) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 || fields[0] != "MemAvailable:" {
			continue
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, false
		}
		return kb, true
	}
	return 0, false
}

func (d *Detector) probeCPU(_ context.Context, p *partial) {
	n := d.env.NumCPU()
	if n < 1 {
		return
	}
	p.set(func(s *Snapshot, _ map[string]string) { s.CPUCores = n })
}

func (d *Detector) probeNetwork(ctx context.Context, p *partial) {
	if proxy := d.socksProxy(); proxy != "" {
		if d.env.Reachable(ctx, proxy) {
			p.set(func(s *Snapshot, _ map[string]string) { s.Network = NetworkAnonymized })
		}
		return
	}
	if d.cfg.NetworkProbe == "" {
		return
	}
	if d.env.Reachable(ctx, d.cfg.NetworkProbe) {
		p.set(func(s *Snapshot, _ map[string]string) { s.Network = NetworkDirect })
	}
}

// socksProxy returns host:port of a configured SOCKS proxy, or "".
func (d *Detector) socksProxy() string {
	for _, key := range []string{"ALL_PROXY", "all_proxy", "HTTPS_PROXY", "https_proxy"} {
		raw := d.env.Getenv(key)
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || !strings.HasPrefix(u.Scheme, "socks") || u.Host == "" {
			continue
		}
		return u.Host
	}
	return ""
}

func (d *Detector) probeTerminal(_ context.Context, p *partial) {
	if d.env.Getenv("NO_COLOR") != "" {
		return
	}
	class := d.env.Terminal()
	p.set(func(s *Snapshot, _ map[string]string) { s.Terminal = class })
}

func (d *Detector) probeConfig(_ context.Context, p *partial) {
	if d.cfg.ConfigFile == "" {
		return
	}
	if !d.env.Writable(filepath.Dir(d.cfg.ConfigFile)) {
		return
	}
	if d.env.Exists(d.cfg.ConfigFile) && !d.env.Writable(d.cfg.ConfigFile) {
		return
	}
	p.set(func(s *Snapshot, _ map[string]string) { s.ConfigWritable = true })
}

func (d *Detector) probeEmbedder(ctx context.Context, p *partial) {
	if d.cfg.EmbedderURL == "" {
		return
	}
	if d.env.HTTPOK(ctx, d.cfg.EmbedderURL) {
		p.set(func(s *Snapshot, _ map[string]string) { s.HasLocalEmbedder = true })
	}
}

func (d *Detector) probeVersions(ctx context.Context, p *partial) {
	if data, err := d.env.ReadFile("/etc/os-release"); err == nil {
		if v := osReleaseValue(data, "VERSION_ID"); v != "" {
			p.set(func(_ *Snapshot, versions map[string]string) { versions["nixos"] = v })
		}
	}
	if _, err := d.env.LookPath("nix"); err != nil {
		return
	}
	out, err := d.env.Output(ctx, "nix", "--version")
	if err != nil {
		return
	}
	if v := strings.TrimSpace(string(out)); v != "" {
		p.set(func(_ *Snapshot, versions map[string]string) { versions["nix"] = v })
	}
}

func osReleaseValue(data []byte, key string) string {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), "=")
		if ok && k == key {
			return strings.Trim(v, `"'`)
		}
	}
	return ""
}
