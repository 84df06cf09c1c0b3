package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/agor-dev/agor/internal/auth"
	"github.com/agor-dev/agor/internal/common/apperror"
	"github.com/agor-dev/agor/internal/common/config"
	"github.com/agor-dev/agor/internal/tool"
)

func TestDispatchRejectsInvalidSessionToken(t *testing.T) {
	tokens := auth.NewTokenIssuer(config.AuthConfig{JWTSecret: "secret", TokenDuration: 3600})
	d := NewDispatcher(tokens, nil, nil, nil, nil, nil)

	result := d.Dispatch(context.Background(), &Payload{Command: CommandUnixSyncRepo, SessionToken: "garbage"})
	if result.Success {
		t.Fatal("expected failure for invalid session token")
	}
	if result.Error.Code != string(apperror.NotAuthenticated) {
		t.Fatalf("error code = %q, want %q", result.Error.Code, apperror.NotAuthenticated)
	}
}

func TestDispatchUnhandledCommand(t *testing.T) {
	d := NewDispatcher(nil, nil, nil, nil, nil, nil)

	result := d.Dispatch(context.Background(), &Payload{Command: Command("bogus"), SessionToken: "tok"})
	if result.Success {
		t.Fatal("expected failure for unhandled command")
	}
}

func TestToolFailureResultTransient(t *testing.T) {
	err := &tool.Failure{Transient: true, Reason: "network blip"}
	result := toolFailureResult(err)
	if result.Success || result.Error.Code != string(apperror.ToolFailureTransient) {
		t.Fatalf("result = %+v, want ToolFailureTransient", result)
	}
}

func TestToolFailureResultPermanent(t *testing.T) {
	err := &tool.Failure{Transient: false, Reason: "bad permission mode"}
	result := toolFailureResult(err)
	if result.Success || result.Error.Code != string(apperror.ToolFailurePermanent) {
		t.Fatalf("result = %+v, want ToolFailurePermanent", result)
	}
}

func TestAppErrorResultDefaultsToUnixOpFailed(t *testing.T) {
	result := appErrorResult(errors.New("plain error"))
	if result.Success || result.Error.Code != string(apperror.UnixOpFailed) {
		t.Fatalf("result = %+v, want UnixOpFailed", result)
	}
}

func TestAppErrorResultPreservesKind(t *testing.T) {
	err := apperror.New(apperror.GitError, "worktree add failed")
	result := appErrorResult(err)
	if result.Success || result.Error.Code != string(apperror.GitError) {
		t.Fatalf("result = %+v, want GitError", result)
	}
}

func TestNoopReporterRequestsNothing(t *testing.T) {
	r := NoopReporter{}
	if err := r.ReportProgress(context.Background(), "stream.chunk", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
