package testsupport

import (
	"os"
	"path/filepath"
	"testing"
)

// WriteQuery writes a .ql file under dir and returns its path. An empty body
// writes a trivial select.
func WriteQuery(t testing.TB, dir, name, body string) string {
	t.Helper()

	if body == "" {
		body = "select 1 as one\n"
	}
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

// MakeDatabase creates a directory that looks like a CodeQL database root.
func MakeDatabase(t testing.TB, dir, name string) string {
	t.Helper()

	root := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Join(root, "db-java"), 0o755); err != nil {
		t.Fatalf("mkdir database %s: %v", root, err)
	}
	marker := filepath.Join(root, "codeql-database.yml")
	if err := os.WriteFile(marker, []byte("primaryLanguage: java\n"), 0o644); err != nil {
		t.Fatalf("write %s: %v", marker, err)
	}
	return root
}
