package capability

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime"

	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
	"golang.org/x/sys/unix"
)

// Environment is everything the Detector is allowed to look at. Tests supply
// a fake; production uses OSEnvironment.
type Environment interface {
	LookPath(name string) (string, error)
	ReadFile(path string) ([]byte, error)
	Exists(path string) bool
	Writable(path string) bool
	Getenv(key string) string
	NumCPU() int
	Reachable(ctx context.Context, addr string) bool
	HTTPOK(ctx context.Context, url string) bool
	Terminal() TerminalClass
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

// OSEnvironment probes the real machine.
type OSEnvironment struct{}

var _ Environment = OSEnvironment{}

func (OSEnvironment) LookPath(name string) (string, error) { return exec.LookPath(name) }

func (OSEnvironment) ReadFile(path string) ([]byte, error) { return os.ReadFile(path) }

func (OSEnvironment) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Writable uses access(2) so that nothing is created or modified.
func (OSEnvironment) Writable(path string) bool {
	return unix.Access(path, unix.W_OK) == nil
}

func (OSEnvironment) Getenv(key string) string { return os.Getenv(key) }

func (OSEnvironment) NumCPU() int { return runtime.NumCPU() }

func (OSEnvironment) Reachable(ctx context.Context, addr string) bool {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func (OSEnvironment) HTTPOK(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (OSEnvironment) Terminal() TerminalClass {
	fd := os.Stdout.Fd()
	if !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd) {
		return TerminalPlain
	}
	switch termenv.NewOutput(os.Stdout).EnvColorProfile() {
	case termenv.TrueColor, termenv.ANSI256:
		return TerminalRich
	case termenv.ANSI:
		return TerminalBasic
	default:
		return TerminalPlain
	}
}

func (OSEnvironment) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}
