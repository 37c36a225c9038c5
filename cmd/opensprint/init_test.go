package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEnsureIgnoredCreatesAndAppends(t *testing.T) {
	dir := t.TempDir()

	if err := ensureIgnored(dir, ".opensprint/"); err != nil {
		t.Fatalf("ensureIgnored: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, ".gitignore"))
	if err != nil {
		t.Fatalf("read .gitignore: %v", err)
	}
	if string(b) != ".opensprint/\n" {
		t.Errorf(".gitignore = %q", b)
	}

	// Existing entries survive and the call stays idempotent.
	if err := os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("node_modules/"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ensureIgnored(dir, ".opensprint/"); err != nil {
		t.Fatalf("ensureIgnored: %v", err)
	}
	if err := ensureIgnored(dir, ".opensprint/"); err != nil {
		t.Fatalf("ensureIgnored again: %v", err)
	}
	b, _ = os.ReadFile(filepath.Join(dir, ".gitignore"))
	if got := string(b); got != "node_modules/\n.opensprint/\n" {
		t.Errorf(".gitignore = %q", got)
	}
	if strings.Count(string(b), ".opensprint/") != 1 {
		t.Errorf("entry duplicated: %q", b)
	}
}

func TestEnsureIgnoredAcceptsBareDirEntry(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".gitignore"), []byte(".opensprint\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ensureIgnored(dir, ".opensprint/"); err != nil {
		t.Fatalf("ensureIgnored: %v", err)
	}
	b, _ := os.ReadFile(filepath.Join(dir, ".gitignore"))
	if string(b) != ".opensprint\n" {
		t.Errorf(".gitignore = %q, want untouched", b)
	}
}
