package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/triage-ai/palisade/services/tool_gate/internal/memcache"
	"go.uber.org/zap"
)

// ToolStore abstracts DB queries for testability.
type ToolStore interface {
	LookupTool(ctx context.Context, toolName string) (*toolRow, error)
}

type toolRow struct {
	ID              string
	ToolName        string
	Description     sql.NullString
	RiskTier        string
	RequiresConfirm bool
	BaseLevel       sql.NullString
	ArgumentSchema  sql.NullString // JSONB as string
	SensitiveParams string         // JSONB array as string
}

type sqlToolStore struct {
	db *sql.DB
}

func (s *sqlToolStore) LookupTool(ctx context.Context, toolName string) (*toolRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tool_name, description, risk_tier, requires_confirmation,
		       base_level, argument_schema, sensitive_params
		FROM tool_definitions
		WHERE tool_name = $1
	`, toolName)

	var r toolRow
	if err := row.Scan(
		&r.ID, &r.ToolName, &r.Description, &r.RiskTier, &r.RequiresConfirm,
		&r.BaseLevel, &r.ArgumentSchema, &r.SensitiveParams,
	); err != nil {
		return nil, err
	}
	return &r, nil
}

// PostgresToolRegistry fetches tool definitions from the tool_definitions
// table. Lookups, including misses, are cached for the configured TTL.
type PostgresToolRegistry struct {
	store  ToolStore
	cache  *memcache.Memory[*ToolDefinition] // nil value = negative cache
	logger *zap.Logger
}

// PostgresToolRegistryConfig configures the PostgresToolRegistry.
type PostgresToolRegistryConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// NewPostgresToolRegistry creates a new PostgresToolRegistry.
func NewPostgresToolRegistry(cfg PostgresToolRegistryConfig) *PostgresToolRegistry {
	return newPostgresToolRegistryWithStore(&sqlToolStore{db: cfg.DB}, cfg.CacheTTL, cfg.Logger)
}

func newPostgresToolRegistryWithStore(store ToolStore, cacheTTL time.Duration, logger *zap.Logger) *PostgresToolRegistry {
	if cacheTTL == 0 {
		cacheTTL = 60 * time.Second
	}
	return &PostgresToolRegistry{
		store:  store,
		cache:  memcache.New(memcache.Options[*ToolDefinition]{TTL: cacheTTL, MaxEntries: 4096}),
		logger: logger,
	}
}

func (r *PostgresToolRegistry) GetTool(ctx context.Context, toolName string) (*ToolDefinition, error) {
	if td, ok := r.cache.Get(toolName); ok {
		return td, nil
	}

	row, err := r.store.LookupTool(ctx, toolName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.cache.Set(toolName, nil)
			return nil, nil
		}
		return nil, fmt.Errorf("GetTool: %w", err)
	}

	td, err := parseToolRow(row)
	if err != nil {
		r.logger.Warn("tool definition unreadable, treating as unregistered",
			zap.String("tool_name", toolName),
			zap.Error(err),
		)
		r.cache.Set(toolName, nil)
		return nil, nil
	}
	r.cache.Set(toolName, td)
	return td, nil
}

// Invalidate drops the cached definition for toolName.
func (r *PostgresToolRegistry) Invalidate(toolName string) {
	r.cache.Delete(toolName)
}

func parseToolRow(row *toolRow) (*ToolDefinition, error) {
	td := &ToolDefinition{
		ID:              row.ID,
		ToolName:        row.ToolName,
		RiskTier:        row.RiskTier,
		RequiresConfirm: row.RequiresConfirm,
	}
	if row.Description.Valid {
		td.Description = row.Description.String
	}
	if row.BaseLevel.Valid {
		td.BaseLevel = row.BaseLevel.String
	}

	if row.ArgumentSchema.Valid && row.ArgumentSchema.String != "" {
		var schema map[string]any
		if err := json.Unmarshal([]byte(row.ArgumentSchema.String), &schema); err != nil {
			return nil, fmt.Errorf("parseToolRow: argument_schema: %w", err)
		}
		td.ArgumentSchema = schema
	}

	if row.SensitiveParams != "" && row.SensitiveParams != "[]" {
		if err := json.Unmarshal([]byte(row.SensitiveParams), &td.SensitiveParams); err != nil {
			return nil, fmt.Errorf("parseToolRow: sensitive_params: %w", err)
		}
	}
	return td, nil
}
