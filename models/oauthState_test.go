package models

import (
	"testing"
	"time"
)

func TestNewStateValue(t *testing.T) {
	a, err := newStateValue()
	if err != nil {
		t.Fatalf("newStateValue: %v", err)
	}
	b, err := newStateValue()
	if err != nil {
		t.Fatalf("newStateValue: %v", err)
	}

	// 32 random bytes base64url-encode to 43 characters.
	if len(a) != 43 {
		t.Errorf("state length = %d, want 43", len(a))
	}
	if a == b {
		t.Error("two states are identical")
	}
}

func TestStateTTL(t *testing.T) {
	if StateTTL != 10*time.Minute {
		t.Errorf("StateTTL = %v, want 10m", StateTTL)
	}
}
