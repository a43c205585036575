package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const maxIncludeDepth = 10

// includeWalker overlays included files onto a Config, depth first, in the
// order the patterns are listed. visited holds absolute paths to detect
// cycles, including a file that includes itself.
type includeWalker struct {
	visited map[string]bool
}

func newIncludeWalker(root string) *includeWalker {
	return &includeWalker{visited: map[string]bool{root: true}}
}

// walk merges every file matched by cfg.Includes, resolved against baseDir.
func (w *includeWalker) walk(cfg *Config, baseDir string, depth int) error {
	if depth > maxIncludeDepth {
		return fmt.Errorf("config includes: max depth %d exceeded", maxIncludeDepth)
	}

	patterns := cfg.Includes
	cfg.Includes = nil
	for _, pattern := range patterns {
		paths, err := resolveIncludePaths(pattern, baseDir)
		if err != nil {
			return err
		}
		for _, p := range paths {
			abs, err := filepath.Abs(p)
			if err != nil {
				return fmt.Errorf("config includes: abs path %q: %w", p, err)
			}
			if w.visited[abs] {
				return fmt.Errorf("config includes: circular include detected for %q", abs)
			}
			w.visited[abs] = true

			if err := w.merge(cfg, abs, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// merge overlays one file onto cfg and follows its own includes.
func (w *includeWalker) merge(cfg *Config, path string, depth int) error {
	if err := validatePermissions(path); err != nil {
		return fmt.Errorf("config includes: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config includes: read %q: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config includes: parse %q: %w", path, err)
	}
	if len(cfg.Includes) == 0 {
		return nil
	}
	return w.walk(cfg, filepath.Dir(path), depth)
}

// resolveIncludePaths expands pattern relative to baseDir. Patterns that
// escape baseDir are rejected; a glob matching nothing is not an error.
func resolveIncludePaths(pattern, baseDir string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(baseDir, pattern)
	}
	pattern = filepath.Clean(pattern)

	if rel, err := filepath.Rel(baseDir, pattern); err == nil && strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("config includes: path %q escapes config directory", pattern)
	}

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("config includes: glob %q: %w", pattern, err)
	}
	if len(matches) == 0 && !strings.ContainsAny(pattern, "*?[") {
		// Literal path: let merge report the missing file.
		return []string{pattern}, nil
	}
	return matches, nil
}
