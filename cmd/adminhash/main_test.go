package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/matt-riley/regionflagz/internal/admin"
)

func TestRunPrintsVerifiableHash(t *testing.T) {
	var out bytes.Buffer
	if err := run(strings.NewReader("hunter22\n"), &out); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	hash := strings.TrimSpace(out.String())
	ok, err := admin.VerifyPassword("hunter22", hash)
	if err != nil || !ok {
		t.Fatalf("VerifyPassword(%q) = %v, %v, want true", hash, ok, err)
	}
}

func TestRunRejectsEmptyPassword(t *testing.T) {
	if err := run(strings.NewReader("\n"), &bytes.Buffer{}); err == nil {
		t.Fatal("run() error = nil, want non-nil")
	}
}
