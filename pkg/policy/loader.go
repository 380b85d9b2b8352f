package policy

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Loader reads .rego files from disk.
type Loader struct {
	logger zerolog.Logger
}

// NewLoader creates a Loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{logger: logger.With().Str("component", "policy-loader").Logger()}
}

// LoadFromPaths loads every .rego file in the given files or directories.
// Missing paths are skipped.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var all []Policy
	for _, path := range paths {
		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}

		if !info.IsDir() {
			p, err := l.loadFile(path)
			if err != nil {
				return nil, err
			}
			all = append(all, p)
			continue
		}

		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() || !strings.HasSuffix(p, ".rego") {
				return nil
			}
			pol, err := l.loadFile(p)
			if err != nil {
				l.logger.Warn().Err(err).Str("path", p).Msg("Skipping policy file")
				return nil
			}
			all = append(all, pol)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", path, err)
		}
	}

	l.logger.Debug().Int("total", len(all)).Int("sources", len(paths)).Msg("Policies loaded from paths")
	return all, nil
}

func (l *Loader) loadFile(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	src := string(data)
	return Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: leadingComment(src),
		Severity:    SeverityError,
		Enabled:     true,
		Rego:        src,
		Source:      path,
	}, nil
}

// leadingComment returns the comment block at the top of a Rego file.
func leadingComment(src string) string {
	var parts []string
	for _, line := range strings.Split(src, "\n") {
		t := strings.TrimSpace(line)
		if !strings.HasPrefix(t, "#") {
			if t != "" || len(parts) > 0 {
				break
			}
			continue
		}
		if c := strings.TrimSpace(strings.TrimPrefix(t, "#")); c != "" {
			parts = append(parts, c)
		}
	}
	return strings.Join(parts, " ")
}
