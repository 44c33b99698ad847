package httpapi

import (
	"testing"
	"time"
)

func TestStreamTokenRoundtrip(t *testing.T) {
	token, err := mintStreamToken("test-secret", time.Minute)
	if err != nil {
		t.Fatalf("mintStreamToken failed: %v", err)
	}
	if token == "" {
		t.Fatal("mintStreamToken returned empty token")
	}
	if err := verifyStreamToken("test-secret", token); err != nil {
		t.Fatalf("verifyStreamToken failed: %v", err)
	}
}

func TestStreamTokenWrongSecret(t *testing.T) {
	token, err := mintStreamToken("test-secret", time.Minute)
	if err != nil {
		t.Fatalf("mintStreamToken failed: %v", err)
	}
	if err := verifyStreamToken("other-secret", token); err == nil {
		t.Fatal("verifyStreamToken should reject token signed with another secret")
	}
}

func TestStreamTokenExpired(t *testing.T) {
	token, err := mintStreamToken("test-secret", -time.Minute)
	if err != nil {
		t.Fatalf("mintStreamToken failed: %v", err)
	}
	if err := verifyStreamToken("test-secret", token); err == nil {
		t.Fatal("verifyStreamToken should reject expired token")
	}
}

func TestStreamTokenGarbage(t *testing.T) {
	if err := verifyStreamToken("test-secret", "not-a-token"); err == nil {
		t.Fatal("verifyStreamToken should reject malformed input")
	}
}

func TestStreamTokensAreUnique(t *testing.T) {
	a, err := mintStreamToken("test-secret", time.Minute)
	if err != nil {
		t.Fatalf("mintStreamToken failed: %v", err)
	}
	b, err := mintStreamToken("test-secret", time.Minute)
	if err != nil {
		t.Fatalf("mintStreamToken failed: %v", err)
	}
	if a == b {
		t.Fatal("tokens should carry unique IDs")
	}
}
