package main

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestRun_NoArgsFallsBackToRun(t *testing.T) {
	var stdout, stderr bytes.Buffer
	t.Setenv("HOME", t.TempDir())

	origReadToken := initReadToken
	initReadToken = func(stdout io.Writer) (string, error) { return "", errors.New("no tty in test") }
	t.Cleanup(func() { initReadToken = origReadToken })

	code := run([]string{"codelatch"}, &stdout, &stderr)
	// With no config present, runRun bootstraps via init, which fails
	// immediately for lack of a readable token in a non-interactive test.
	if code == 0 {
		t.Fatalf("expected non-zero exit without any configuration, got 0")
	}
}

func TestRun_UnknownCommandPrintsUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"codelatch", "frobnicate"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "Unknown command") {
		t.Fatalf("expected unknown command message, got %q", stderr.String())
	}
}

func TestRun_HelpPrintsUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"codelatch", "--help"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if !strings.Contains(stdout.String(), "Usage:") {
		t.Fatalf("expected usage text, got %q", stdout.String())
	}
}

func TestRun_VersionPrintsVersionString(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"codelatch", "version"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if !strings.Contains(stdout.String(), "codelatch") {
		t.Fatalf("expected version output to mention codelatch, got %q", stdout.String())
	}
}
