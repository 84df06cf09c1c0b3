package unixexec

import (
	"context"
	"testing"
)

func TestNoopRunnerNeverExecutes(t *testing.T) {
	r := NewRunner("noop", nil)
	out, err := r.Run(context.Background(), "false")
	if err != nil {
		t.Fatalf("noop runner returned error: %v", err)
	}
	if out != "" {
		t.Errorf("noop runner returned output %q, want empty", out)
	}
}

func TestDirectRunnerCapturesOutput(t *testing.T) {
	r := NewRunner("direct", nil)
	out, err := r.Run(context.Background(), "echo", "hello")
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if out != "hello" {
		t.Errorf("Run() output = %q, want %q", out, "hello")
	}
}

func TestDirectRunnerWrapsFailure(t *testing.T) {
	r := NewRunner("direct", nil)
	_, err := r.Run(context.Background(), "false")
	if err == nil {
		t.Fatal("expected error from failing command")
	}
}

func TestNewRunnerDefaultsToDirect(t *testing.T) {
	r := NewRunner("", nil)
	if _, ok := r.(*directRunner); !ok {
		t.Errorf("NewRunner(\"\") = %T, want *directRunner", r)
	}
}
