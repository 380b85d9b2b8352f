package policy

// Severity is how a violation is treated. Error and critical deny the
// operation; warning only annotates it.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

func (s Severity) denies() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is one Rego module.
type Policy struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
	Enabled     bool     `json:"enabled"`
	Rego        string   `json:"rego"`

	// Source is the file a loaded policy came from; empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Config is the policy context supplied to every evaluation.
type Config struct {
	// AllowPrivileged permits operations that require privilege.
	AllowPrivileged bool `yaml:"allow_privileged" json:"allow_privileged"`

	// ProtectedPackages may never be removed.
	ProtectedPackages []string `yaml:"protected_packages" json:"protected_packages"`

	// Dirs are searched for additional .rego files.
	Dirs []string `yaml:"dirs" json:"dirs"`
}

// DefaultProtectedPackages are packages whose removal breaks the system or
// the tool itself.
var DefaultProtectedPackages = []string{"nix", "systemd", "glibc", "bash", "coreutils", "sudo", "linux"}

// DefaultConfig allows privileged operations and protects the defaults.
func DefaultConfig() Config {
	return Config{
		AllowPrivileged:   true,
		ProtectedPackages: append([]string(nil), DefaultProtectedPackages...),
	}
}

// input is the document handed to Rego.
type input struct {
	Operation operationInput `json:"operation"`
	Context   contextInput   `json:"context"`
}

type operationInput struct {
	Kind              string            `json:"kind"`
	Label             string            `json:"label"`
	Parameters        map[string]string `json:"parameters"`
	Reversible        bool              `json:"reversible"`
	RequiresPrivilege bool              `json:"requires_privilege"`
}

type contextInput struct {
	Mode              string   `json:"mode"`
	AllowPrivileged   bool     `json:"allow_privileged"`
	ProtectedPackages []string `json:"protected_packages"`
}
