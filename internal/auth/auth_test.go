package auth

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc/metadata"
)

const testKey = "tgk_live_0123456789abcdef"

type stubKeyStore struct {
	row     *agentKeyRow
	err     error
	lookups atomic.Int32
}

func (s *stubKeyStore) LookupByPrefix(_ context.Context, prefix string) (*agentKeyRow, error) {
	s.lookups.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	if s.row == nil || prefix != testKey[:keyLookupLen] {
		return nil, ErrUnauthenticated
	}
	return s.row, nil
}

func withKey(key string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+key))
}

func hashKey(t *testing.T, key string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return string(h)
}

func TestExtractBearerToken(t *testing.T) {
	if _, err := ExtractBearerToken(context.Background()); !errors.Is(err, ErrUnauthenticated) {
		t.Fatal("expected error without metadata")
	}
	if _, err := ExtractBearerToken(withKey("tsk_other")); !errors.Is(err, ErrUnauthenticated) {
		t.Fatal("expected error for foreign key prefix")
	}
	tok, err := ExtractBearerToken(withKey(testKey))
	if err != nil || tok != testKey {
		t.Fatalf("got %q, %v", tok, err)
	}
}

func TestPostgresAuthenticator(t *testing.T) {
	store := &stubKeyStore{row: &agentKeyRow{AgentID: "agent-7", ChannelID: "ops", APIKeyHash: hashKey(t, testKey), Role: "superuser"}}
	a := newPostgresAuthenticatorWithStore(store, time.Minute, false, zap.NewNop())

	id, err := a.Authenticate(withKey(testKey))
	if err != nil {
		t.Fatal(err)
	}
	if id.AgentID != "agent-7" || id.ChannelID != "ops" || id.Role != RoleAgent || id.IsAdmin() {
		t.Fatalf("unexpected identity %+v", id)
	}

	if _, err := a.Authenticate(withKey(testKey)); err != nil {
		t.Fatal(err)
	}
	if store.lookups.Load() != 1 {
		t.Fatal("second call should be served from cache")
	}

	if _, err := a.Authenticate(withKey("tgk_live_0123456789XXXXXX")); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("wrong key must be rejected, got %v", err)
	}
}

func TestPostgresAuthenticator_Revoked(t *testing.T) {
	store := &stubKeyStore{row: &agentKeyRow{AgentID: "a", APIKeyHash: hashKey(t, testKey), Role: RoleAdmin, Revoked: true}}
	a := newPostgresAuthenticatorWithStore(store, time.Minute, true, zap.NewNop())
	if _, err := a.Authenticate(withKey(testKey)); !errors.Is(err, ErrUnauthenticated) {
		t.Fatal("revoked key must be rejected even when failing open")
	}
}

func TestPostgresAuthenticator_FailOpen(t *testing.T) {
	store := &stubKeyStore{err: errors.New("connection refused")}

	closed := newPostgresAuthenticatorWithStore(store, time.Minute, false, zap.NewNop())
	if _, err := closed.Authenticate(withKey(testKey)); err == nil {
		t.Fatal("expected store error when failing closed")
	}

	open := newPostgresAuthenticatorWithStore(store, time.Minute, true, zap.NewNop())
	id, err := open.Authenticate(withKey(testKey))
	if err != nil {
		t.Fatal(err)
	}
	if !id.FailOpen || id.IsAdmin() {
		t.Fatalf("fail-open identity must be unprivileged, got %+v", id)
	}
}

func TestAuthCache_StaleWhileRevalidate(t *testing.T) {
	now := time.Now()
	c := NewAuthCache(time.Minute)
	c.now = func() time.Time { return now }

	c.Set("k", &AgentIdentity{AgentID: "a"})
	if r := c.Get("k"); !r.Hit || r.NeedsRefresh {
		t.Fatalf("fresh entry: %+v", r)
	}

	now = now.Add(2 * time.Minute)
	if r := c.Get("k"); !r.Hit || !r.NeedsRefresh || r.Identity.AgentID != "a" {
		t.Fatalf("stale entry should be served and refreshed once: %+v", r)
	}
	if r := c.Get("k"); r.NeedsRefresh {
		t.Fatal("only one caller should refresh")
	}

	c.Delete("k")
	if r := c.Get("k"); r.Hit {
		t.Fatal("deleted entry should miss")
	}

	c.Set("k", &AgentIdentity{AgentID: "a"})
	now = now.Add(staleFactor * time.Minute)
	if r := c.Get("k"); r.Hit {
		t.Fatal("entries past the stale window must be looked up again")
	}
}

func TestStaticAuthenticator(t *testing.T) {
	id, err := NewStaticAuthenticator().Authenticate(withKey(testKey))
	if err != nil {
		t.Fatal(err)
	}
	if id.AgentID != "static-live_012" || !id.IsAdmin() {
		t.Fatalf("unexpected identity %+v", id)
	}
}

func TestIdentityContext(t *testing.T) {
	if FromContext(context.Background()) != nil {
		t.Fatal("expected nil identity")
	}
	ctx := WithIdentity(context.Background(), &AgentIdentity{AgentID: "a"})
	if FromContext(ctx).AgentID != "a" {
		t.Fatal("identity not carried")
	}
}
