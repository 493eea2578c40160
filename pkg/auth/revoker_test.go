package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestMemoryRevokerExpires(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRevoker()
	if err := r.Revoke(ctx, "t1", 20*time.Millisecond); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if ok, _ := r.IsRevoked(ctx, "t1"); !ok {
		t.Fatalf("expected t1 revoked")
	}
	time.Sleep(30 * time.Millisecond)
	if ok, _ := r.IsRevoked(ctx, "t1"); ok {
		t.Fatalf("expected t1 revocation to expire")
	}
	if err := r.Revoke(ctx, "t2", 0); err != nil {
		t.Fatalf("revoke zero ttl: %v", err)
	}
	if ok, _ := r.IsRevoked(ctx, "t2"); ok {
		t.Fatalf("zero ttl must be a no-op")
	}
}

func TestMemoryRevokerPrunesOnRevoke(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRevoker()
	for _, id := range []string{"old1", "old2", "old3"} {
		if err := r.Revoke(ctx, id, 10*time.Millisecond); err != nil {
			t.Fatalf("revoke %s: %v", id, err)
		}
	}
	time.Sleep(20 * time.Millisecond)
	if err := r.Revoke(ctx, "new", time.Minute); err != nil {
		t.Fatalf("revoke new: %v", err)
	}
	r.mu.Lock()
	n := len(r.tokens)
	_, kept := r.tokens["new"]
	r.mu.Unlock()
	if n != 1 || !kept {
		t.Fatalf("expired ids never looked up must be pruned, have %d entries", n)
	}
}

func TestRedisRevoker(t *testing.T) {
	mr := miniredis.RunT(t)
	r := NewRedisRevoker(mr.Addr(), "")
	defer r.Close()
	ctx := context.Background()

	if err := r.Revoke(ctx, "t1", time.Minute); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if ok, err := r.IsRevoked(ctx, "t1"); err != nil || !ok {
		t.Fatalf("expected t1 revoked, ok=%v err=%v", ok, err)
	}
	mr.FastForward(2 * time.Minute)
	if ok, err := r.IsRevoked(ctx, "t1"); err != nil || ok {
		t.Fatalf("expected t1 revocation to expire, ok=%v err=%v", ok, err)
	}
}

func TestJWTAuthorizerRevoke(t *testing.T) {
	ctx := context.Background()
	a, err := NewJWTAuthorizer(JWTConfig{Secret: testSecret, Revoker: NewMemoryRevoker()})
	if err != nil {
		t.Fatalf("new jwt authorizer: %v", err)
	}
	token, err := a.Issue("user-1", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	other, err := a.Issue("user-1", time.Minute)
	if err != nil {
		t.Fatalf("issue other: %v", err)
	}
	if err := a.Revoke(ctx, token); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := a.Authorize(ctx, Credentials{BearerToken: token}); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("revoked token: got %v, want ErrUnauthenticated", err)
	}
	if _, err := a.Authorize(ctx, Credentials{BearerToken: other}); err != nil {
		t.Fatalf("sibling token must stay valid: %v", err)
	}
	if err := a.Revoke(ctx, "garbage"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("revoke garbage: got %v, want ErrUnauthenticated", err)
	}
}

func TestJWTAuthorizerRevokeWithoutRevoker(t *testing.T) {
	a, err := NewJWTAuthorizer(JWTConfig{Secret: testSecret})
	if err != nil {
		t.Fatalf("new jwt authorizer: %v", err)
	}
	token, err := a.Issue("user-1", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := a.Revoke(context.Background(), token); err == nil {
		t.Fatalf("expected revoke to fail without a revoker")
	}
}
