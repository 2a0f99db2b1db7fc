package workspace

import (
	"fmt"
	"os"
)

// WriteTemp creates a temporary file under dir (the system temp directory
// when dir is empty) named by pattern (an os.CreateTemp pattern), writes
// content to it, and returns its path. Callers register the returned path
// with the run's TaskContext so the Cleanup Planner deletes it via
// DeleteTemporaryFile once the run finishes.
func WriteTemp(dir, pattern string, content []byte) (string, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", fmt.Errorf("workspace: creating temporary file: %w", err)
	}
	path := f.Name()
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("workspace: writing temporary file %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("workspace: closing temporary file %s: %w", path, err)
	}
	return path, nil
}
