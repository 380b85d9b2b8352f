package capability

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEnv struct {
	paths     map[string]bool
	files     map[string]string
	writable  map[string]bool
	env       map[string]string
	cpus      int
	reachable map[string]bool
	httpOK    bool
	terminal  TerminalClass
	output    string
	block     time.Duration
}

func newFakeEnv() *fakeEnv {
	return &fakeEnv{
		paths: map[string]bool{
			"nix-build": true, "nix-store": true, "nix-env": true, "nixos-rebuild": true, "nix": true,
			"/nix/var/nix/profiles": true,
		},
		files: map[string]string{
			"/proc/meminfo":   "MemTotal:       16318440 kB\nMemAvailable:    8388608 kB\n",
			"/etc/os-release": "NAME=NixOS\nVERSION_ID=\"24.05\"\n",
		},
		writable:  map[string]bool{"/etc/nixos": true},
		env:       map[string]string{},
		cpus:      8,
		reachable: map[string]bool{"cache.nixos.org:443": true},
		httpOK:    true,
		terminal:  TerminalRich,
		output:    "nix (Nix) 2.18.1\n",
	}
}

func (f *fakeEnv) LookPath(name string) (string, error) {
	if f.paths[name] {
		return "/run/current-system/sw/bin/" + name, nil
	}
	return "", errors.New("not found")
}

func (f *fakeEnv) ReadFile(path string) ([]byte, error) {
	if s, ok := f.files[path]; ok {
		return []byte(s), nil
	}
	return nil, errors.New("no such file")
}

func (f *fakeEnv) Exists(path string) bool { return f.paths[path] }

func (f *fakeEnv) Writable(path string) bool { return f.writable[path] }

func (f *fakeEnv) Getenv(key string) string { return f.env[key] }

func (f *fakeEnv) NumCPU() int { return f.cpus }

func (f *fakeEnv) Reachable(ctx context.Context, addr string) bool {
	if f.block > 0 {
		select {
		case <-time.After(f.block):
		case <-ctx.Done():
			return false
		}
	}
	return f.reachable[addr]
}

func (f *fakeEnv) HTTPOK(context.Context, string) bool { return f.httpOK }

func (f *fakeEnv) Terminal() TerminalClass { return f.terminal }

func (f *fakeEnv) Output(context.Context, string, ...string) ([]byte, error) {
	return []byte(f.output), nil
}

func newTestDetector(env Environment) *Detector {
	return NewDetector(env, DefaultDetectorConfig(), zerolog.Nop())
}

func TestDetectFullWorkstation(t *testing.T) {
	snap := newTestDetector(newFakeEnv()).Detect(context.Background())

	assert.True(t, snap.HasStructuredAPI)
	assert.True(t, snap.HasCLIFallback)
	assert.Equal(t, MemoryHigh, snap.Memory)
	assert.Equal(t, 8, snap.CPUCores)
	assert.Equal(t, NetworkDirect, snap.Network)
	assert.Equal(t, TerminalRich, snap.Terminal)
	assert.True(t, snap.ConfigWritable)
	assert.True(t, snap.HasLocalEmbedder)

	v, ok := snap.ToolVersion("nixos")
	require.True(t, ok)
	assert.Equal(t, "24.05", v)
	v, _ = snap.ToolVersion("nix")
	assert.Equal(t, "nix (Nix) 2.18.1", v)
}

func TestDetectEmptyEnvironmentIsConservative(t *testing.T) {
	env := &fakeEnv{terminal: TerminalPlain}
	snap := newTestDetector(env).Detect(context.Background())
	assert.True(t, snap.Equal(Conservative()), "got %s", snap)
}

func TestDetectIsIdempotent(t *testing.T) {
	d := newTestDetector(newFakeEnv())
	first := d.Detect(context.Background())
	second := d.Detect(context.Background())
	assert.True(t, first.Equal(second), "first=%s second=%s", first, second)
}

func TestDetectHonoursBudget(t *testing.T) {
	env := newFakeEnv()
	env.block = 2 * time.Second

	cfg := DefaultDetectorConfig()
	cfg.Budget = 50 * time.Millisecond
	d := NewDetector(env, cfg, zerolog.Nop())

	start := time.Now()
	snap := d.Detect(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, NetworkNone, snap.Network, "a probe that misses the budget stays conservative")
	assert.True(t, snap.HasCLIFallback)
}

func TestDetectSocksProxyIsAnonymized(t *testing.T) {
	env := newFakeEnv()
	env.env["ALL_PROXY"] = "socks5h://127.0.0.1:9050"
	env.reachable["127.0.0.1:9050"] = true

	snap := newTestDetector(env).Detect(context.Background())
	assert.Equal(t, NetworkAnonymized, snap.Network)
}

func TestDetectNoColorForcesPlain(t *testing.T) {
	env := newFakeEnv()
	env.env["NO_COLOR"] = "1"
	snap := newTestDetector(env).Detect(context.Background())
	assert.Equal(t, TerminalPlain, snap.Terminal)
}

func TestClassifyMemory(t *testing.T) {
	tests := []struct {
		bytes uint64
		want  MemoryClass
	}{
		{512 << 20, MemoryLow},
		{2 << 30, MemoryMedium},
		{4 << 30, MemoryHigh},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyMemory(tt.bytes), "bytes=%d", tt.bytes)
	}
}

func TestSnapshotEqualIgnoresIdentity(t *testing.T) {
	a := Conservative().WithToolVersions(map[string]string{"nix": "2.18"})
	b := a
	b.ProbedAt = time.Now()
	b.Generation = 7
	assert.True(t, a.Equal(b))

	c := a.WithToolVersions(map[string]string{"nix": "2.19"})
	assert.False(t, a.Equal(c))
}

func TestSnapshotToolVersionsAreCopied(t *testing.T) {
	src := map[string]string{"nix": "2.18"}
	snap := Conservative().WithToolVersions(src)
	src["nix"] = "mutated"

	v, _ := snap.ToolVersion("nix")
	assert.Equal(t, "2.18", v)

	out := snap.ToolVersions()
	out["nix"] = "mutated"
	v, _ = snap.ToolVersion("nix")
	assert.Equal(t, "2.18", v)
}

func TestSnapshotMarshalJSONIncludesVersions(t *testing.T) {
	data, err := Conservative().WithToolVersions(map[string]string{"nix": "2.18"}).MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"tool_versions":{"nix":"2.18"}`)
	assert.Contains(t, string(data), `"network_class":"none"`)
}

type countingProber struct {
	calls atomic.Int32
	snap  Snapshot
	delay time.Duration
}

func (c *countingProber) Detect(context.Context) Snapshot {
	c.calls.Add(1)
	time.Sleep(c.delay)
	return c.snap
}

func TestHolderReprobeSwapsWholeSnapshot(t *testing.T) {
	initial := Conservative()
	next := Conservative()
	next.HasCLIFallback = true

	h := NewHolder(initial, &countingProber{snap: next})
	assert.Equal(t, uint64(1), h.Current().Generation)

	var swapped []Snapshot
	h.OnSwap(func(_, n Snapshot) { swapped = append(swapped, n) })

	got := h.Reprobe(context.Background())
	assert.True(t, got.HasCLIFallback)
	assert.Equal(t, uint64(2), got.Generation)
	assert.Equal(t, got, h.Current())
	assert.Len(t, swapped, 1)
}

func TestHolderConcurrentReprobesCollapse(t *testing.T) {
	prober := &countingProber{snap: Conservative(), delay: 50 * time.Millisecond}
	h := NewHolder(Conservative(), prober)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Reprobe(context.Background())
		}()
	}
	// Readers never block on a re-probe.
	for range 100 {
		_ = h.Current()
	}
	wg.Wait()

	assert.Less(t, prober.calls.Load(), int32(8))
}
