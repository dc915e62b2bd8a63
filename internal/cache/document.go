package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/triage-ai/palisade/services/tool_gate/internal/risk"
)

// DocumentStore abstracts DB queries for testability.
type DocumentStore interface {
	// GetDocument returns nil, nil when the key is absent.
	GetDocument(ctx context.Context, key string) (*Record, error)
	PutDocument(ctx context.Context, rec *Record) error
	DeleteDocuments(ctx context.Context, f Filter, now time.Time) (int, error)
	DeleteAll(ctx context.Context) error
}

// sqlDocumentStore keeps records in the validation_cache table with the
// result as JSONB.
type sqlDocumentStore struct {
	db *sql.DB
}

// NewSQLDocumentStore creates a DocumentStore over db.
func NewSQLDocumentStore(db *sql.DB) DocumentStore {
	return &sqlDocumentStore{db: db}
}

func (s *sqlDocumentStore) GetDocument(ctx context.Context, key string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, value, created_at, expires_at,
		       agent_id, channel_id, tool_name, parameters_hash, validation_level
		FROM validation_cache
		WHERE key = $1
	`, key)

	var (
		rec   Record
		value string
		level string
	)
	if err := row.Scan(
		&rec.Key, &value, &rec.CreatedAt, &rec.ExpiresAt,
		&rec.Metadata.AgentID, &rec.Metadata.ChannelID, &rec.Metadata.ToolName,
		&rec.Metadata.ParametersHash, &level,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(value), &rec.Value); err != nil {
		return nil, fmt.Errorf("decode cached result: %w", err)
	}
	if lvl, err := risk.ParseLevel(level); err == nil {
		rec.Metadata.ValidationLevel = lvl
	}
	return &rec, nil
}

func (s *sqlDocumentStore) PutDocument(ctx context.Context, rec *Record) error {
	value, err := json.Marshal(rec.Value)
	if err != nil {
		return fmt.Errorf("encode cached result: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO validation_cache (key, value, created_at, expires_at,
		       agent_id, channel_id, tool_name, parameters_hash, validation_level)
		VALUES ($1, $2::jsonb, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (key) DO UPDATE SET
		       value = EXCLUDED.value,
		       created_at = EXCLUDED.created_at,
		       expires_at = EXCLUDED.expires_at,
		       validation_level = EXCLUDED.validation_level
	`, rec.Key, string(value), rec.CreatedAt, rec.ExpiresAt,
		rec.Metadata.AgentID, rec.Metadata.ChannelID, rec.Metadata.ToolName,
		rec.Metadata.ParametersHash, rec.Metadata.ValidationLevel.String())
	return err
}

func (s *sqlDocumentStore) DeleteDocuments(ctx context.Context, f Filter, now time.Time) (int, error) {
	where, args := filterClause(f, now)
	if where == "" {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM validation_cache WHERE `+where, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *sqlDocumentStore) DeleteAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM validation_cache`)
	return err
}

// filterClause renders f as ORed SQL predicates with positional args.
func filterClause(f Filter, now time.Time) (string, []any) {
	var (
		preds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Pattern != "" {
		p := arg("%" + escapeLike(f.Pattern) + "%")
		preds = append(preds, fmt.Sprintf(
			"(key LIKE %[1]s OR agent_id LIKE %[1]s OR channel_id LIKE %[1]s OR tool_name LIKE %[1]s)", p))
	}
	for _, tag := range f.Tags {
		kind, value, ok := strings.Cut(tag, ":")
		if !ok {
			continue
		}
		switch kind {
		case "tool":
			preds = append(preds, "tool_name = "+arg(value))
		case "agent":
			preds = append(preds, "agent_id = "+arg(value))
		case "channel":
			preds = append(preds, "channel_id = "+arg(value))
		}
	}
	if f.OlderThan > 0 {
		preds = append(preds, "created_at < "+arg(now.Add(-f.OlderThan)))
	}
	return strings.Join(preds, " OR "), args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// DocumentTier is the persistent tier backed by a DocumentStore.
type DocumentTier struct {
	store DocumentStore
	now   func() time.Time
}

func NewDocumentTier(store DocumentStore) *DocumentTier {
	return &DocumentTier{store: store, now: time.Now}
}

func (t *DocumentTier) Name() string {
	return "document"
}

func (t *DocumentTier) Get(ctx context.Context, key string) (*Record, bool, error) {
	rec, err := t.store.GetDocument(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("document get: %w", err)
	}
	if rec == nil || rec.Expired(t.now()) {
		return nil, false, nil
	}
	return rec, true, nil
}

func (t *DocumentTier) Set(ctx context.Context, rec *Record) error {
	if err := t.store.PutDocument(ctx, rec); err != nil {
		return fmt.Errorf("document put: %w", err)
	}
	return nil
}

func (t *DocumentTier) Invalidate(ctx context.Context, f Filter) (int, error) {
	if f.Empty() {
		return 0, nil
	}
	n, err := t.store.DeleteDocuments(ctx, f, t.now())
	if err != nil {
		return 0, fmt.Errorf("document delete: %w", err)
	}
	return n, nil
}

func (t *DocumentTier) Clear(ctx context.Context) error {
	return t.store.DeleteAll(ctx)
}
