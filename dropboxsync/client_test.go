package dropboxsync

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"
)

func TestNewCodeVerifier(t *testing.T) {
	verifier, challenge, err := newCodeVerifier()
	if err != nil {
		t.Fatalf("newCodeVerifier: %v", err)
	}

	// RFC 7636: verifier must be 43-128 characters.
	if len(verifier) < 43 || len(verifier) > 128 {
		t.Errorf("verifier length = %d, want 43..128", len(verifier))
	}

	sum := sha256.Sum256([]byte(verifier))
	want := base64.RawURLEncoding.EncodeToString(sum[:])
	if challenge != want {
		t.Errorf("challenge = %q, want S256 of verifier %q", challenge, want)
	}

	verifier2, _, err := newCodeVerifier()
	if err != nil {
		t.Fatalf("newCodeVerifier: %v", err)
	}
	if verifier == verifier2 {
		t.Error("two verifiers are identical")
	}
}
