package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Limits applied to configuration input
const (
	maxLayerSize = 10 << 20
	maxNesting   = 100
	maxEnvValue  = 10000
	maxPathLen   = 4096
)

var layerExtensions = []string{".json", ".yaml", ".yml"}

// checkLayerPath rejects empty or oversized paths and unknown extensions. A relative path
// must resolve inside the working directory.
func checkLayerPath(path string) error {
	switch {
	case path == "":
		return fmt.Errorf("empty path")
	case len(path) > maxPathLen:
		return fmt.Errorf("path longer than %d bytes", maxPathLen)
	}
	if !slices.Contains(layerExtensions, strings.ToLower(filepath.Ext(path))) {
		return fmt.Errorf("%s: extension must be one of %s", path, strings.Join(layerExtensions, ", "))
	}
	if filepath.IsAbs(path) {
		return nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolve working directory: %w", err)
	}
	rel, err := filepath.Rel(cwd, filepath.Join(cwd, path))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%s resolves outside the working directory", path)
	}
	return nil
}

// readLayer reads one configuration layer after checking its path, type and size
func readLayer(path string) ([]byte, error) {
	if err := checkLayerPath(path); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", path)
	}
	if info.Size() > maxLayerSize {
		return nil, fmt.Errorf("%s is %d bytes, limit %d", path, info.Size(), maxLayerSize)
	}
	return os.ReadFile(path)
}

// checkNesting walks a decoded layer and fails past maxNesting levels of maps and lists
func checkNesting(v any, depth int) error {
	if depth > maxNesting {
		return fmt.Errorf("nesting deeper than %d levels", maxNesting)
	}
	switch node := v.(type) {
	case map[string]any:
		for _, child := range node {
			if err := checkNesting(child, depth+1); err != nil {
				return err
			}
		}
	case []any:
		for _, child := range node {
			if err := checkNesting(child, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkEnvValue rejects oversized override values and values carrying NUL bytes
func checkEnvValue(key, value string) error {
	if len(value) > maxEnvValue {
		return fmt.Errorf("%s is %d bytes, limit %d", key, len(value), maxEnvValue)
	}
	if strings.IndexByte(value, 0) >= 0 {
		return fmt.Errorf("%s contains a NUL byte", key)
	}
	return nil
}
