package auth

import (
	"context"
)

// StaticAuthenticator is a development-only authenticator that accepts any
// tgk_ key and grants it the admin role.
type StaticAuthenticator struct{}

func NewStaticAuthenticator() *StaticAuthenticator {
	return &StaticAuthenticator{}
}

func (a *StaticAuthenticator) Authenticate(ctx context.Context) (*AgentIdentity, error) {
	token, err := ExtractBearerToken(ctx)
	if err != nil {
		return nil, err
	}
	id := token[len(KeyPrefix):]
	if len(id) > 8 {
		id = id[:8]
	}
	return &AgentIdentity{
		AgentID:  "static-" + id,
		Role:     RoleAdmin,
		FailOpen: true,
	}, nil
}
