package executor

import "testing"

func TestParsePayloadValid(t *testing.T) {
	data := []byte(`{"command":"unix.sync-repo","sessionToken":"tok","params":{"repoId":"r1"}}`)
	p, err := ParsePayload(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Command != CommandUnixSyncRepo {
		t.Fatalf("command = %q, want unix.sync-repo", p.Command)
	}

	var params UnixSyncRepoParams
	if err := decodeParams(p.Params, &params); err != nil {
		t.Fatalf("decodeParams: %v", err)
	}
	if params.RepoID != "r1" {
		t.Fatalf("repoId = %q, want r1", params.RepoID)
	}
}

func TestParsePayloadRejectsUnknownCommand(t *testing.T) {
	data := []byte(`{"command":"docker.run","sessionToken":"tok"}`)
	if _, err := ParsePayload(data); err == nil {
		t.Fatal("expected error for unknown command")
	}
}

func TestParsePayloadRejectsUnknownTopLevelField(t *testing.T) {
	data := []byte(`{"command":"unix.sync-repo","sessionToken":"tok","bogus":true}`)
	if _, err := ParsePayload(data); err == nil {
		t.Fatal("expected error for unknown top-level field")
	}
}

func TestParsePayloadRequiresSessionToken(t *testing.T) {
	data := []byte(`{"command":"unix.sync-repo"}`)
	if _, err := ParsePayload(data); err == nil {
		t.Fatal("expected error for missing sessionToken")
	}
}

func TestDecodeParamsRejectsUnknownField(t *testing.T) {
	raw := []byte(`{"repoId":"r1","extra":"nope"}`)
	var params UnixSyncRepoParams
	if err := decodeParams(raw, &params); err == nil {
		t.Fatal("expected error for unknown params field")
	}
}

func TestResultHelpers(t *testing.T) {
	ok := ResultOK(map[string]any{"x": 1})
	if !ok.Success || ok.Error != nil {
		t.Fatalf("ResultOK = %+v, want success with no error", ok)
	}

	failed := ResultErr("validation_failed", "bad input", map[string]any{"field": "x"})
	if failed.Success || failed.Error == nil || failed.Error.Code != "validation_failed" {
		t.Fatalf("ResultErr = %+v, want a validation_failed error", failed)
	}
}
