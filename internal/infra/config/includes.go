package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"llm-router/internal/domain"
)

const maxIncludeDepth = 10

func includeError(format string, args ...any) error {
	return fmt.Errorf("%w: config includes: %s", domain.ErrConfigLoad, fmt.Sprintf(format, args...))
}

// processIncludes merges the files listed in cfg.Includes into cfg, so a
// backend catalog or policy can live in its own file. baseDir is the
// directory of the including file; visited holds absolute paths already
// merged and catches cycles.
func processIncludes(cfg *Config, baseDir string, visited map[string]bool, depth int) error {
	if depth > maxIncludeDepth {
		return includeError("max depth %d exceeded", maxIncludeDepth)
	}
	if visited == nil {
		visited = make(map[string]bool)
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
				return includeError("abs path %q: %v", p, err)
			}
			if visited[abs] {
				return includeError("circular include detected for %q", abs)
			}
			visited[abs] = true

			if err := mergeFile(cfg, abs, visited, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveIncludePaths expands pattern relative to baseDir. Paths that
// escape baseDir are rejected; a glob matching nothing is not an error.
func resolveIncludePaths(pattern, baseDir string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(baseDir, pattern)
	}
	pattern = filepath.Clean(pattern)

	if rel, err := filepath.Rel(baseDir, pattern); err == nil && strings.HasPrefix(rel, "..") {
		return nil, includeError("path %q escapes config directory", pattern)
	}

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, includeError("glob %q: %v", pattern, err)
	}
	if len(matches) == 0 && !strings.ContainsAny(pattern, "*?[") {
		// Literal path: let mergeFile report the missing file.
		return []string{pattern}, nil
	}
	return matches, nil
}

// mergeFile overlays one YAML file onto cfg and follows its own includes.
func mergeFile(cfg *Config, path string, visited map[string]bool, depth int) error {
	if err := validatePermissions(path); err != nil {
		return includeError("%v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return includeError("read %q: %v", path, err)
	}
	if len(data) == 0 {
		return nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return includeError("parse %q: %v", path, err)
	}

	if len(cfg.Includes) > 0 {
		return processIncludes(cfg, filepath.Dir(path), visited, depth)
	}
	return nil
}
