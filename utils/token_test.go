package utils

import "testing"

func TestCallbackTokenRoundTrip(t *testing.T) {
	runId := "7f9c2ba4-e88f-11ed-a05b-0242ac120003"
	token, err := CallbackTokenGenerate(runId)
	if err != nil {
		t.Fatalf("CallbackTokenGenerate: %v", err)
	}
	if token == "" {
		t.Fatal("empty token")
	}

	got, err := CallbackTokenValidate(token)
	if err != nil {
		t.Fatalf("CallbackTokenValidate: %v", err)
	}
	if got != runId {
		t.Errorf("run id = %q, want %q", got, runId)
	}
}

func TestCallbackTokenValidateRejectsGarbage(t *testing.T) {
	if _, err := CallbackTokenValidate("not-a-jwt"); err == nil {
		t.Error("expected error for malformed token")
	}
	if _, err := CallbackTokenValidate(""); err == nil {
		t.Error("expected error for empty token")
	}
}
