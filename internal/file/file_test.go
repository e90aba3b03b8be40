package file

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestCopyAtomicWritesAndCounts(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "nested", "clip.mp4")
	n, err := CopyAtomic(dest, strings.NewReader("payload"))
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	if n != int64(len("payload")) {
		t.Fatalf("expected %d bytes, got %d", len("payload"), n)
	}
	data, err := os.ReadFile(dest)
	if err != nil || string(data) != "payload" {
		t.Fatalf("unexpected content %q err=%v", data, err)
	}
}

func TestCopyAtomicLeavesNothingOnFailure(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "clip.mp4")
	if _, err := CopyAtomic(dest, failingReader{}); err == nil {
		t.Fatalf("expected error")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected empty dir, found %d entries", len(entries))
	}
}

func TestWriteJSONAtomicReplaces(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "manifest.json")
	if err := WriteJSONAtomic(dest, map[string]int{"v": 1}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := WriteJSONAtomic(dest, map[string]int{"v": 2}); err != nil {
		t.Fatalf("second write: %v", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got map[string]int
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["v"] != 2 {
		t.Fatalf("expected v=2, got %v", got)
	}
}

func TestEnsureDirRejectsEmpty(t *testing.T) {
	if err := EnsureDir(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
