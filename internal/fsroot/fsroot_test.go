package fsroot

import (
	"os"
	"path/filepath"
	"testing"

	apperrors "github.com/WangQiHao-Charlie/actiond/internal/errors"
)

func TestNewCreatesDefaultDirs(t *testing.T) {
	root, err := New(filepath.Join(t.TempDir(), "files"))
	if err != nil {
		t.Fatalf("new root: %v", err)
	}
	for _, sub := range []string{ActionsDir, CacheDir} {
		if fi, err := os.Stat(root.Join(sub)); err != nil || !fi.IsDir() {
			t.Fatalf("expected %s directory, err=%v", sub, err)
		}
	}
	if len(root.AllowedDirs()) != 2 {
		t.Fatalf("allowed = %v, want actions and cache", root.AllowedDirs())
	}
}

func TestValidate(t *testing.T) {
	root, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new root: %v", err)
	}
	data := root.Join("data")
	if err := os.MkdirAll(data, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(data, "in.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	// a sibling whose name shares the prefix of an allowed dir
	if err := os.MkdirAll(root.Join("cachex"), 0o755); err != nil {
		t.Fatal(err)
	}

	if _, err := root.Validate("data/in.txt"); !apperrors.Is(err, apperrors.CodePathNotAllowed) {
		t.Fatalf("expected PATH_NOT_ALLOWED before data is allowed, got %v", err)
	}
	if _, err := root.Validate("cachex"); !apperrors.Is(err, apperrors.CodePathNotAllowed) {
		t.Fatalf("expected prefix sibling to be rejected, got %v", err)
	}

	realData, _ := filepath.EvalSymlinks(data)
	root.SetAllowed([]string{realData})

	got, err := root.Validate("data/in.txt")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got != filepath.Join(realData, "in.txt") {
		t.Fatalf("resolved = %q", got)
	}
	if _, err := root.Validate("data/missing.txt"); !apperrors.Is(err, apperrors.CodeInvalidParameter) {
		t.Fatalf("expected INVALID_PARAMETER for missing file, got %v", err)
	}
	if _, err := root.Validate("../"); !apperrors.Is(err, apperrors.CodePathNotAllowed) {
		t.Fatalf("expected escape to be rejected, got %v", err)
	}
}
