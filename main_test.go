package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadTuning_MissingFileFallsBackToDefaults(t *testing.T) {
	c, err := loadTuning(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err != nil {
		t.Fatalf("loadTuning: %v", err)
	}
	if got := c.GetSamplesPerMinute(); got != 10 {
		t.Errorf("GetSamplesPerMinute() = %v, want built-in default 10", got)
	}
}

func TestLoadTuning_EmptyPathReturnsDefaults(t *testing.T) {
	c, err := loadTuning("")
	if err != nil {
		t.Fatalf("loadTuning: %v", err)
	}
	if got := c.GetMaxSpeedReq(); got != 7 {
		t.Errorf("GetMaxSpeedReq() = %v, want built-in default 7", got)
	}
}

func TestNewSerialMux_DevModeReadsFixtures(t *testing.T) {
	dir := t.TempDir()
	fixtures := filepath.Join(dir, "fixtures.txt")
	if err := os.WriteFile(fixtures, []byte("$GPGGA,fixture\n"), 0o600); err != nil {
		t.Fatalf("write fixtures: %v", err)
	}

	mux, err := newSerialMux(true, fixtures, "")
	if err != nil {
		t.Fatalf("newSerialMux: %v", err)
	}
	defer mux.Close()
}

func TestNewSerialMux_DevModeMissingFixturesErrors(t *testing.T) {
	if _, err := newSerialMux(true, filepath.Join(t.TempDir(), "missing.txt"), ""); err == nil {
		t.Fatal("expected an error for a missing fixtures file")
	}
}
