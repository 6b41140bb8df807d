package vault

import (
	"bytes"
	"os"
	"testing"
	"time"
)

func TestMain(m *testing.M) {
	os.Setenv("TOKEN_VAULT_SECRET", "test-secret")
	os.Exit(m.Run())
}

func TestSealOpenRoundTrip(t *testing.T) {
	plaintext := []byte("refresh-token-AB1.xyz")

	sealed, err := Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Fatal("sealed blob contains plaintext")
	}

	opened, err := Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", opened, plaintext)
	}
}

func TestSealIsNonDeterministic(t *testing.T) {
	plaintext := []byte("same input")

	a, err := Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	b, err := Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatal("two seals of the same plaintext produced identical ciphertext")
	}
}

func TestOpenRejectsTamperedBlob(t *testing.T) {
	sealed, err := SealString("secret")
	if err != nil {
		t.Fatalf("SealString: %v", err)
	}
	sealed[len(sealed)-1] ^= 0xFF

	if _, err := Open(sealed); err != ErrCrypto {
		t.Fatalf("tampered blob: got %v, want ErrCrypto", err)
	}
}

func TestOpenRejectsShortBlob(t *testing.T) {
	for _, blob := range [][]byte{nil, {}, {1, 2, 3}} {
		if _, err := Open(blob); err != ErrCrypto {
			t.Fatalf("short blob %v: got %v, want ErrCrypto", blob, err)
		}
	}
}

func TestNeedsRefresh(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{"already expired", now.Add(-time.Hour), true},
		{"expires now", now, true},
		{"inside threshold", now.Add(4 * time.Minute), true},
		{"exactly at threshold", now.Add(RefreshThreshold), true},
		{"just outside threshold", now.Add(RefreshThreshold + time.Second), false},
		{"far out", now.Add(48 * time.Hour), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NeedsRefresh(tt.expiresAt, now); got != tt.want {
				t.Errorf("NeedsRefresh(%v) = %v, want %v", tt.expiresAt, got, tt.want)
			}
		})
	}
}
