package workspace

import (
	"os"
	"strings"
	"testing"
)

func TestWriteTempCreatesFileWithContent(t *testing.T) {
	dir := t.TempDir()

	path, err := WriteTemp(dir, "batect-healthcheck-*.json", []byte(`{"Test":["CMD","true"]}`))
	if err != nil {
		t.Fatalf("WriteTemp() error = %v", err)
	}
	if !strings.HasPrefix(path, dir) {
		t.Fatalf("WriteTemp() path = %q, want under %q", path, dir)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading written file: %v", err)
	}
	if string(got) != `{"Test":["CMD","true"]}` {
		t.Fatalf("file content = %q", got)
	}
}

func TestWriteTempFailsInNonexistentDir(t *testing.T) {
	if _, err := WriteTemp("/nonexistent/does/not/exist", "batect-*", []byte("x")); err == nil {
		t.Fatal("WriteTemp() error = nil, want error for nonexistent dir")
	}
}
