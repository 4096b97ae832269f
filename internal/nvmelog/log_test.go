package nvmelog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSink_DefaultLevel(t *testing.T) {
	s := New()
	defer s.Close()

	if got := s.Level(); got != LevelNotice {
		t.Fatalf("Level() = %v, want %v", got, LevelNotice)
	}
}

func TestSink_SetLevel(t *testing.T) {
	s := New()
	defer s.Close()

	s.SetLevel(LevelDebug)
	if got := s.Level(); got != LevelDebug {
		t.Fatalf("Level() = %v, want %v", got, LevelDebug)
	}
}

func TestSink_FileFacility(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nvmemem.log")

	s := New()
	defer s.Close()

	if err := s.SetFacility(FacilityFile, path); err != nil {
		t.Fatalf("SetFacility(FacilityFile) error = %v", err)
	}
	s.SetLevel(LevelDebug)
	s.Info("hugepage allocated", "node", 0, "bytes", 2097152)
	s.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(data), "hugepage allocated") {
		t.Fatalf("log file contents = %q, want message present", data)
	}
}

func TestSink_FileFacilityFallsBackOnError(t *testing.T) {
	s := New()
	defer s.Close()

	err := s.SetFacility(FacilityFile, "/nonexistent-dir-for-test/nvmemem.log")
	if err == nil {
		t.Fatalf("SetFacility() with bad path want error, got nil")
	}
	// Sink must still be usable (fell back to stdout) rather than left
	// pointing at a closed or nonexistent file.
	s.Info("still alive")
}

func TestSink_LevelGating(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nvmemem.log")

	s := New()
	defer s.Close()
	if err := s.SetFacility(FacilityFile, path); err != nil {
		t.Fatalf("SetFacility() error = %v", err)
	}
	s.SetLevel(LevelErr)

	s.Debug("should not appear")
	s.Info("should not appear either")
	s.Err("should appear")
	s.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	content := string(data)
	if strings.Contains(content, "should not appear") {
		t.Fatalf("log file contains gated-out message: %q", content)
	}
	if !strings.Contains(content, "should appear") {
		t.Fatalf("log file missing expected message: %q", content)
	}
}
