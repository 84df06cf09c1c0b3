package tool

import (
	"testing"

	"github.com/agor-dev/agor/internal/store"
)

func TestDeltaUsageNoPrevious(t *testing.T) {
	current := &store.TokenUsage{Input: 100, Output: 50, Total: 150}
	got := DeltaUsage(current, nil)
	if got != *current {
		t.Fatalf("expected verbatim usage with no previous, got %+v", got)
	}
}

func TestDeltaUsageComputesDelta(t *testing.T) {
	previous := &store.TokenUsage{Input: 100, Output: 50, CacheRead: 10, CacheCreation: 5}
	current := &store.TokenUsage{Input: 140, Output: 70, CacheRead: 25, CacheCreation: 5}

	got := DeltaUsage(current, previous)

	want := store.TokenUsage{Input: 40, Output: 20, CacheRead: 15, CacheCreation: 0, Total: 60}
	if got != want {
		t.Fatalf("delta usage = %+v, want %+v", got, want)
	}
}

func TestDeltaUsageRevertsOnCounterReset(t *testing.T) {
	previous := &store.TokenUsage{Input: 5000, Output: 2000}
	current := &store.TokenUsage{Input: 120, Output: 40, Total: 160}

	got := DeltaUsage(current, previous)

	if got != *current {
		t.Fatalf("expected verbatim current usage on counter reset, got %+v", got)
	}
}

func TestDeltaUsageExactlyEqualYieldsZero(t *testing.T) {
	previous := &store.TokenUsage{Input: 100, Output: 50}
	current := &store.TokenUsage{Input: 100, Output: 50}

	got := DeltaUsage(current, previous)

	want := store.TokenUsage{Input: 0, Output: 0, Total: 0}
	if got != want {
		t.Fatalf("delta usage = %+v, want %+v", got, want)
	}
}
