package auth

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestIssueAndVerify(t *testing.T) {
	ts := NewTokenService([]byte("test-secret-key-for-testing-only"), 24*time.Hour)

	token, expiresAt, err := ts.Issue("acquisition-pc", ScopeWrite)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}
	if expiresAt.Before(time.Now()) {
		t.Error("expected expiration in the future")
	}

	claims, err := ts.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Client() != "acquisition-pc" {
		t.Errorf("Client: expected %q, got %q", "acquisition-pc", claims.Client())
	}
	if claims.Scope != ScopeWrite {
		t.Errorf("Scope: expected %q, got %q", ScopeWrite, claims.Scope)
	}
	if _, err := uuid.Parse(claims.ID); err != nil {
		t.Errorf("ID is not a uuid: %q", claims.ID)
	}
}

func TestScopes(t *testing.T) {
	write := &Claims{Scope: ScopeWrite}
	read := &Claims{Scope: ScopeRead}
	if !write.Allows(ScopeRead) || !write.Allows(ScopeWrite) {
		t.Error("write token should allow reads and writes")
	}
	if read.Allows(ScopeWrite) {
		t.Error("read token should not allow writes")
	}
	if !read.Allows(ScopeRead) {
		t.Error("read token should allow reads")
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	// Token that expired 1 hour ago.
	ts := NewTokenService([]byte("test-secret"), -1*time.Hour)

	token, _, err := ts.Issue("viewer", ScopeRead)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := ts.Verify(token); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	ts1 := NewTokenService([]byte("secret-one"), time.Hour)
	ts2 := NewTokenService([]byte("secret-two"), time.Hour)

	token, _, err := ts1.Issue("acquisition-pc", ScopeWrite)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := ts2.Verify(token); err == nil {
		t.Fatal("expected error verifying with wrong secret")
	}
}

func TestVerifyInvalidToken(t *testing.T) {
	ts := NewTokenService([]byte("secret"), time.Hour)

	if _, err := ts.Verify("not-a-valid-token"); err == nil {
		t.Fatal("expected error for invalid token")
	}
}

func TestClaimsContext(t *testing.T) {
	ctx := context.Background()
	if ClaimsFromContext(ctx) != nil {
		t.Fatal("expected no claims")
	}
	c := &Claims{Scope: ScopeRead}
	if got := ClaimsFromContext(WithClaims(ctx, c)); got != c {
		t.Errorf("ClaimsFromContext = %v", got)
	}
}

func TestClientFromContext(t *testing.T) {
	ctx := context.Background()
	if got := ClientFromContext(ctx); got != Anonymous {
		t.Errorf("no claims: got %q", got)
	}
	if got := ClientFromContext(WithClaims(ctx, nil)); got != Anonymous {
		t.Errorf("nil claims: got %q", got)
	}
	svc := NewTokenService([]byte("secret"), time.Minute)
	token, _, err := svc.Issue("beamline-pc", ScopeWrite)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got := ClientFromContext(WithClaims(ctx, claims)); got != "beamline-pc" {
		t.Errorf("ClientFromContext = %q, want beamline-pc", got)
	}
}
