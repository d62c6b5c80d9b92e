package testsuite

import (
	"fmt"
	"path/filepath"
	"strings"
)

// resolveSuiteDir maps a suite name onto a directory under baseDir,
// rejecting names that would escape it.
func resolveSuiteDir(baseDir, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("suite name is required")
	}
	if strings.Contains(name, string(filepath.Separator)) || strings.Contains(name, "/") {
		return "", fmt.Errorf("invalid suite name %q: path separators are not allowed", name)
	}
	if name == "." || name == ".." {
		return "", fmt.Errorf("invalid suite name %q: path traversal is not allowed", name)
	}

	baseAbs, err := filepath.Abs(baseDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve suites directory: %w", err)
	}
	target := filepath.Join(baseAbs, name)
	rel, err := filepath.Rel(baseAbs, target)
	if err != nil {
		return "", fmt.Errorf("failed to resolve relative path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("suite %q must be within the suites directory", name)
	}
	return target, nil
}
