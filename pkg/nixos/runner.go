package nixos

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// Output is what a command produced.
type Output struct {
	Stdout []byte
	Stderr []byte
}

// Runner executes an argv. Implementations must never pass it through a
// shell.
type Runner interface {
	Run(ctx context.Context, argv []string) (Output, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	Logger zerolog.Logger

	// Env is appended to the inherited environment.
	Env []string
}

// Run executes argv. A missing binary maps to ErrUnavailable, a non-zero exit
// to *ToolError and context expiry to the context error.
func (r ExecRunner) Run(ctx context.Context, argv []string) (Output, error) {
	if len(argv) == 0 {
		return Output{}, fmt.Errorf("%w: empty command", ErrInvalidArgument)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.Logger.Debug().Strs("argv", argv).Msg("Running command")
	err := cmd.Run()
	out := Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return out, ctxErr
	}
	if err == nil {
		return out, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return out, &ToolError{
			Command:  strings.Join(argv[:min(2, len(argv))], " "),
			ExitCode: exitErr.ExitCode(),
			Stderr:   lastLine(stderr.String()),
		}
	}
	if errors.Is(err, exec.ErrNotFound) {
		return out, fmt.Errorf("%w: %s: %v", ErrUnavailable, argv[0], err)
	}
	return out, fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// lastLine keeps the part of stderr the tools put their error on.
func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
