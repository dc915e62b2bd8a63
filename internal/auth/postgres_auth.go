package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// keyLookupLen is how much of a key is stored in clear for lookup.
const keyLookupLen = 12

// AgentKeyStore abstracts DB queries for testability.
type AgentKeyStore interface {
	LookupByPrefix(ctx context.Context, prefix string) (*agentKeyRow, error)
}

type agentKeyRow struct {
	AgentID    string
	ChannelID  string
	APIKeyHash string
	Role       string
	Revoked    bool
}

// sqlAgentKeyStore is the real implementation using *sql.DB.
type sqlAgentKeyStore struct {
	db *sql.DB
}

func (s *sqlAgentKeyStore) LookupByPrefix(ctx context.Context, prefix string) (*agentKeyRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, COALESCE(channel_id, ''), api_key_hash, role, revoked_at IS NOT NULL
		FROM agent_keys
		WHERE api_key_prefix = $1
	`, prefix)

	var r agentKeyRow
	if err := row.Scan(&r.AgentID, &r.ChannelID, &r.APIKeyHash, &r.Role, &r.Revoked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}
	return &r, nil
}

// PostgresAuthenticator validates agent API keys against the agent_keys table.
type PostgresAuthenticator struct {
	store    AgentKeyStore
	cache    *AuthCache
	logger   *zap.Logger
	failOpen bool
}

// PostgresAuthConfig configures the PostgresAuthenticator.
type PostgresAuthConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration
	// FailOpen admits callers as unprivileged agents when the key store is
	// unreachable. Invalid keys are always rejected.
	FailOpen bool
	Logger   *zap.Logger
}

// NewPostgresAuthenticator creates a new PostgresAuthenticator.
func NewPostgresAuthenticator(cfg PostgresAuthConfig) *PostgresAuthenticator {
	return newPostgresAuthenticatorWithStore(&sqlAgentKeyStore{db: cfg.DB}, cfg.CacheTTL, cfg.FailOpen, cfg.Logger)
}

func newPostgresAuthenticatorWithStore(store AgentKeyStore, cacheTTL time.Duration, failOpen bool, logger *zap.Logger) *PostgresAuthenticator {
	if cacheTTL == 0 {
		cacheTTL = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresAuthenticator{
		store:    store,
		cache:    NewAuthCache(cacheTTL),
		logger:   logger,
		failOpen: failOpen,
	}
}

func (a *PostgresAuthenticator) Authenticate(ctx context.Context) (*AgentIdentity, error) {
	token, err := ExtractBearerToken(ctx)
	if err != nil {
		return nil, err
	}

	cacheResult := a.cache.Get(token)
	if cacheResult.Hit {
		if cacheResult.NeedsRefresh {
			go a.refreshInBackground(token)
		}
		return cacheResult.Identity, nil
	}

	// Cache miss: authenticate synchronously
	identity, err := a.authenticateFromDB(ctx, token)
	if err != nil {
		if a.failOpen && !errors.Is(err, ErrUnauthenticated) {
			a.logger.Warn("auth store unavailable, degrading to fail-open",
				zap.Error(err),
			)
			return &AgentIdentity{
				AgentID:  "unknown",
				Role:     RoleAgent,
				FailOpen: true,
			}, nil
		}
		return nil, fmt.Errorf("Authenticate: %w", err)
	}

	a.cache.Set(token, identity)
	return identity, nil
}

func (a *PostgresAuthenticator) authenticateFromDB(ctx context.Context, token string) (*AgentIdentity, error) {
	if len(token) < keyLookupLen {
		return nil, ErrUnauthenticated
	}
	prefix := token[:keyLookupLen]

	row, err := a.store.LookupByPrefix(ctx, prefix)
	if err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			return nil, err
		}
		return nil, fmt.Errorf("authenticateFromDB: %w", err)
	}
	if row.Revoked {
		return nil, ErrUnauthenticated
	}

	if err := bcrypt.CompareHashAndPassword([]byte(row.APIKeyHash), []byte(token)); err != nil {
		return nil, ErrUnauthenticated
	}

	role := row.Role
	if role != RoleAdmin {
		role = RoleAgent
	}
	return &AgentIdentity{
		AgentID:   row.AgentID,
		ChannelID: row.ChannelID,
		Role:      role,
	}, nil
}

func (a *PostgresAuthenticator) refreshInBackground(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	identity, err := a.authenticateFromDB(ctx, token)
	if err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			a.cache.Delete(token)
		}
		a.logger.Warn("background auth refresh failed", zap.Error(err))
		return
	}
	a.cache.Set(token, identity)
}
