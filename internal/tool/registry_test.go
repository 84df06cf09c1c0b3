package tool

import (
	"context"
	"testing"

	"github.com/agor-dev/agor/internal/common/apperror"
	"github.com/agor-dev/agor/internal/store"
)

type fakeAdapter struct{ name string }

func (f *fakeAdapter) Name() string                     { return f.name }
func (f *fakeAdapter) SupportedPermissionModes() []string { return []string{"default"} }
func (f *fakeAdapter) ExecutePrompt(ctx context.Context, req PromptRequest, cb Callbacks) (*PromptResult, error) {
	return &PromptResult{}, nil
}
func (f *fakeAdapter) StopTask(ctx context.Context, sessionID, taskID string) (*StopResult, error) {
	return &StopResult{Success: true}, nil
}
func (f *fakeAdapter) ComputeContextWindow(ctx context.Context, sessionID, taskID string, raw []byte) (int64, bool) {
	return 0, false
}
func (f *fakeAdapter) Normalize(raw []byte, nctx NormalizeContext) (*store.NormalizedSDKResponse, error) {
	return &store.NormalizedSDKResponse{}, nil
}

func TestRegistryGetKnownTool(t *testing.T) {
	r := NewRegistry(&fakeAdapter{name: "claude-code"}, &fakeAdapter{name: "codex"})

	a, err := r.Get("codex")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Name() != "codex" {
		t.Fatalf("got adapter %q, want codex", a.Name())
	}
}

func TestRegistryGetUnknownTool(t *testing.T) {
	r := NewRegistry(&fakeAdapter{name: "claude-code"})

	_, err := r.Get("nonexistent")
	if err == nil {
		t.Fatal("expected error for unknown tool")
	}
	if !apperror.Is(err, apperror.ValidationFailed) {
		t.Fatalf("expected ValidationFailed, got %v", err)
	}
}

func TestRegistryNames(t *testing.T) {
	r := NewRegistry(&fakeAdapter{name: "a"}, &fakeAdapter{name: "b"})

	names := r.Names()
	if len(names) != 2 {
		t.Fatalf("expected 2 names, got %d", len(names))
	}
}
