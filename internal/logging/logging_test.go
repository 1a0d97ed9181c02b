package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSink_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "desk.log")
	sink, err := Open(Options{File: path, MaxSizeMB: 1, MaxBackups: 1})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	sink.Logger("store").Printf("Loaded %d records", 3)
	sink.Logger("reconcile").Println("Merged orders")
	if err := sink.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("log has %d lines, want 2:\n%s", len(lines), data)
	}
	if !strings.HasPrefix(lines[0], "[store] ") || !strings.HasSuffix(lines[0], "Loaded 3 records") {
		t.Errorf("line 0 = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "[reconcile] ") {
		t.Errorf("line 1 = %q", lines[1])
	}
}

func TestSink_Rotate(t *testing.T) {
	dir := t.TempDir()
	sink, err := Open(Options{File: filepath.Join(dir, "desk.log"), MaxSizeMB: 1, MaxBackups: 2})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer sink.Close()

	sink.Logger("test").Println("before")
	if err := sink.Rotate(); err != nil {
		t.Fatalf("Rotate() failed: %v", err)
	}
	sink.Logger("test").Println("after")

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() failed: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("log dir has %d files after rotate, want 2", len(entries))
	}
}

func TestSink_Discard(t *testing.T) {
	sink, err := Open(Options{})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	sink.Logger("x").Println("dropped")
	if err := sink.Rotate(); err != nil {
		t.Errorf("Rotate() without file failed: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Errorf("Close() without file failed: %v", err)
	}
}
