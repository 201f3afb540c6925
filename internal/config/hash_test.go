package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLockDryRun(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.yaml", "include: [cells.yaml]\n")
	writeFile(t, dir, "cells.yaml", "cells: []\n")

	reports, err := Lock(dir, true)
	if err != nil {
		t.Fatalf("Lock() failed: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("len(reports) = %d, want 1", len(reports))
	}
	if reports[0].Written {
		t.Fatal("report.Written = true, want false in dry-run")
	}
	if len(reports[0].Hashes) != 2 {
		t.Fatalf("hashed %d files, want 2", len(reports[0].Hashes))
	}
	if _, err := os.Stat(filepath.Join(dir, ".checksums")); !os.IsNotExist(err) {
		t.Fatal(".checksums should not be written in dry-run mode")
	}
}

func TestLockThenTamper(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.yaml", "include: [cells.yaml]\n")
	cells := writeFile(t, dir, "cells.yaml", "cells: []\n")

	if _, err := Lock(dir, false); err != nil {
		t.Fatalf("Lock() failed: %v", err)
	}
	manifest, err := LoadChecksums(dir)
	if err != nil {
		t.Fatalf("LoadChecksums() failed: %v", err)
	}
	if len(manifest.Hashes) != 2 {
		t.Fatalf("len(manifest.Hashes) = %d, want 2", len(manifest.Hashes))
	}
	if _, err := Load(dir); err != nil {
		t.Fatalf("Load() of locked config failed: %v", err)
	}

	if err := os.WriteFile(cells, []byte("cells: [{name: evil, path: evil.yaml}]\n"), 0600); err != nil {
		t.Fatal(err)
	}
	_, err = Load(dir)
	if err == nil || !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("Load() error = %v, want hash mismatch", err)
	}
}

func TestVerifyFileHash(t *testing.T) {
	p := writeFile(t, t.TempDir(), "f.yaml", "a: 1\n")
	hash, err := ComputeBlake3Hash(p)
	if err != nil {
		t.Fatal(err)
	}
	if err := VerifyFileHash(p, hash); err != nil {
		t.Errorf("VerifyFileHash() = %v", err)
	}
	if err := VerifyFileHash(p, strings.Repeat("0", 64)); err == nil {
		t.Error("VerifyFileHash() accepted a wrong hash")
	}
}
