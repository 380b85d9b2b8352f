// Package capability probes the machine nixh runs on and publishes the result
// as an immutable Snapshot.
//
// A Snapshot is produced once at startup by a Detector. Every other component
// reads it through a Holder, which swaps the whole value atomically when a
// re-probe is requested. Fields are never mutated in place.
package capability

import (
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"strings"
	"time"
)

// MemoryClass is a coarse memory budget.
type MemoryClass string

const (
	MemoryLow    MemoryClass = "low"
	MemoryMedium MemoryClass = "medium"
	MemoryHigh   MemoryClass = "high"
)

// AtLeast reports whether m is at least other.
func (m MemoryClass) AtLeast(other MemoryClass) bool {
	return m.rank() >= other.rank()
}

func (m MemoryClass) rank() int {
	switch m {
	case MemoryHigh:
		return 2
	case MemoryMedium:
		return 1
	default:
		return 0
	}
}

// NetworkClass describes outbound reachability.
type NetworkClass string

const (
	NetworkNone       NetworkClass = "none"
	NetworkDirect     NetworkClass = "direct"
	NetworkAnonymized NetworkClass = "anonymized"
)

// TerminalClass describes what the attached terminal can render.
type TerminalClass string

const (
	TerminalRich  TerminalClass = "rich"
	TerminalBasic TerminalClass = "basic"
	TerminalPlain TerminalClass = "plain"
)

// Snapshot is the immutable result of one probe.
type Snapshot struct {
	HasStructuredAPI bool          `json:"has_structured_api"`
	HasCLIFallback   bool          `json:"has_cli_fallback"`
	Memory           MemoryClass   `json:"memory_budget_class"`
	CPUCores         int           `json:"cpu_cores"`
	Network          NetworkClass  `json:"network_class"`
	Terminal         TerminalClass `json:"terminal_class"`

	// ConfigWritable is true when the user may edit the declarative system
	// configuration.
	ConfigWritable bool `json:"config_writable"`

	// HasLocalEmbedder is true when a local embedding server answered.
	HasLocalEmbedder bool `json:"has_local_embedder"`

	// ProbedAt and Generation identify the probe and are ignored by Equal.
	ProbedAt   time.Time `json:"probed_at"`
	Generation uint64    `json:"generation"`

	toolVersions map[string]string
}

// Conservative returns the most restrictive snapshot. Detectors start from it
// so that any value a probe cannot determine stays conservative.
func Conservative() Snapshot {
	return Snapshot{
		Memory:   MemoryLow,
		CPUCores: 1,
		Network:  NetworkNone,
		Terminal: TerminalPlain,
	}
}

// WithToolVersions returns a copy of s carrying the given versions.
func (s Snapshot) WithToolVersions(versions map[string]string) Snapshot {
	s.toolVersions = maps.Clone(versions)
	return s
}

// ToolVersion returns the opaque version string recorded for tool.
func (s Snapshot) ToolVersion(tool string) (string, bool) {
	v, ok := s.toolVersions[tool]
	return v, ok
}

// ToolVersions returns a copy of all recorded versions.
func (s Snapshot) ToolVersions() map[string]string {
	return maps.Clone(s.toolVersions)
}

// Equal compares every probed field. ProbedAt and Generation are ignored.
func (s Snapshot) Equal(o Snapshot) bool {
	return s.HasStructuredAPI == o.HasStructuredAPI &&
		s.HasCLIFallback == o.HasCLIFallback &&
		s.Memory == o.Memory &&
		s.CPUCores == o.CPUCores &&
		s.Network == o.Network &&
		s.Terminal == o.Terminal &&
		s.ConfigWritable == o.ConfigWritable &&
		s.HasLocalEmbedder == o.HasLocalEmbedder &&
		maps.Equal(s.toolVersions, o.toolVersions)
}

// MarshalJSON includes the tool versions, which are otherwise unexported.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	type plain Snapshot
	return json.Marshal(struct {
		plain
		ToolVersions map[string]string `json:"tool_versions,omitempty"`
	}{plain(s), s.toolVersions})
}

// String renders a one-line summary suitable for logs.
func (s Snapshot) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "api=%t cli=%t memory=%s cpus=%d network=%s terminal=%s config_writable=%t",
		s.HasStructuredAPI, s.HasCLIFallback, s.Memory, s.CPUCores, s.Network, s.Terminal, s.ConfigWritable)

	tools := make([]string, 0, len(s.toolVersions))
	for k := range s.toolVersions {
		tools = append(tools, k)
	}
	sort.Strings(tools)
	for _, k := range tools {
		fmt.Fprintf(&b, " %s=%q", k, s.toolVersions[k])
	}
	return b.String()
}

// Enumerate returns one snapshot per combination of the classified fields.
// Tool versions and core count do not influence tier selection and are fixed.
func Enumerate() []Snapshot {
	var out []Snapshot
	bools := []bool{false, true}
	for _, api := range bools {
		for _, cli := range bools {
			for _, writable := range bools {
				for _, embedder := range bools {
					for _, mem := range []MemoryClass{MemoryLow, MemoryMedium, MemoryHigh} {
						for _, net := range []NetworkClass{NetworkNone, NetworkDirect, NetworkAnonymized} {
							for _, term := range []TerminalClass{TerminalRich, TerminalBasic, TerminalPlain} {
								out = append(out, Snapshot{
									HasStructuredAPI: api,
									HasCLIFallback:   cli,
									Memory:           mem,
									CPUCores:         1,
									Network:          net,
									Terminal:         term,
									ConfigWritable:   writable,
									HasLocalEmbedder: embedder,
								})
							}
						}
					}
				}
			}
		}
	}
	return out
}
