// Package auth authenticates agents calling the gate over gRPC.
package auth

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/metadata"
)

// KeyPrefix starts every agent API key.
const KeyPrefix = "tgk_"

// Roles an agent key can carry.
const (
	RoleAgent = "agent"
	RoleAdmin = "admin"
)

// Authenticator validates incoming requests and returns the caller's identity.
type Authenticator interface {
	Authenticate(ctx context.Context) (*AgentIdentity, error)
}

// AgentIdentity is the authenticated caller. AgentID is bound by the key;
// requests may not claim another agent.
type AgentIdentity struct {
	AgentID   string
	ChannelID string // default channel; empty when the key is not channel-scoped
	Role      string
	FailOpen  bool
}

// IsAdmin reports whether the identity may call administrative operations.
func (a *AgentIdentity) IsAdmin() bool {
	return a != nil && a.Role == RoleAdmin
}

// ErrUnauthenticated is returned when no valid credentials are found.
var ErrUnauthenticated = errors.New("unauthenticated")

// ExtractBearerToken extracts a tgk_ API key from gRPC metadata.
func ExtractBearerToken(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", ErrUnauthenticated
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return "", ErrUnauthenticated
	}
	token := values[0]
	token = strings.TrimPrefix(token, "Bearer ")
	token = strings.TrimPrefix(token, "bearer ")
	if !strings.HasPrefix(token, KeyPrefix) {
		return "", ErrUnauthenticated
	}
	return token, nil
}

type identityKey struct{}

// WithIdentity returns ctx carrying id.
func WithIdentity(ctx context.Context, id *AgentIdentity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity stored by WithIdentity, or nil.
func FromContext(ctx context.Context) *AgentIdentity {
	id, _ := ctx.Value(identityKey{}).(*AgentIdentity)
	return id
}
