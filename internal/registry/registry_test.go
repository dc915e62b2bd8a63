package registry

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"go.uber.org/zap"
)

// mockToolStore is a test helper.
type mockToolStore struct {
	row   *toolRow
	err   error
	calls int
}

func (m *mockToolStore) LookupTool(_ context.Context, _ string) (*toolRow, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.row, nil
}

func TestPostgresRegistry_CacheHit(t *testing.T) {
	store := &mockToolStore{
		row: &toolRow{
			ID:              "td-1",
			ToolName:        "read_file",
			RiskTier:        "read",
			SensitiveParams: `[]`,
		},
	}
	reg := newPostgresToolRegistryWithStore(store, 30*time.Second, zap.NewNop())

	td, err := reg.GetTool(context.Background(), "read_file")
	if err != nil {
		t.Fatal(err)
	}
	if td.ToolName != "read_file" {
		t.Fatalf("expected read_file, got %s", td.ToolName)
	}

	if _, err := reg.GetTool(context.Background(), "read_file"); err != nil {
		t.Fatal(err)
	}
	if store.calls != 1 {
		t.Fatalf("expected 1 DB call (second served from cache), got %d", store.calls)
	}
}

func TestPostgresRegistry_NegativeCache(t *testing.T) {
	store := &mockToolStore{err: sql.ErrNoRows}
	reg := newPostgresToolRegistryWithStore(store, 30*time.Second, zap.NewNop())

	for i := 0; i < 3; i++ {
		td, err := reg.GetTool(context.Background(), "nonexistent")
		if err != nil {
			t.Fatal(err)
		}
		if td != nil {
			t.Fatal("expected nil for unregistered tool")
		}
	}
	if store.calls != 1 {
		t.Fatalf("expected 1 DB call (negative cache), got %d", store.calls)
	}
}

func TestPostgresRegistry_ParseRow(t *testing.T) {
	store := &mockToolStore{
		row: &toolRow{
			ID:              "td-2",
			ToolName:        "shell_exec",
			RiskTier:        "destructive",
			RequiresConfirm: true,
			BaseLevel:       sql.NullString{String: "STRICT", Valid: true},
			ArgumentSchema: sql.NullString{
				String: `{"type":"object","required":["command"],"properties":{"command":{"type":"string"},"cwd":{"type":"string"}}}`,
				Valid:  true,
			},
			SensitiveParams: `["env"]`,
		},
	}
	reg := newPostgresToolRegistryWithStore(store, 30*time.Second, zap.NewNop())

	td, err := reg.GetTool(context.Background(), "shell_exec")
	if err != nil {
		t.Fatal(err)
	}
	if !td.IsDestructive() {
		t.Fatal("expected destructive tier")
	}
	if td.BaseLevel != "STRICT" {
		t.Fatalf("expected STRICT base level, got %q", td.BaseLevel)
	}
	if got := td.SchemaPropertyCount(); got != 2 {
		t.Fatalf("expected 2 schema properties, got %d", got)
	}
	if len(td.SensitiveParams) != 1 || td.SensitiveParams[0] != "env" {
		t.Fatalf("unexpected sensitive params %v", td.SensitiveParams)
	}
}

func TestPostgresRegistry_MalformedRowIsUnregistered(t *testing.T) {
	store := &mockToolStore{
		row: &toolRow{
			ToolName:       "broken",
			ArgumentSchema: sql.NullString{String: `{not json`, Valid: true},
		},
	}
	reg := newPostgresToolRegistryWithStore(store, 30*time.Second, zap.NewNop())

	td, err := reg.GetTool(context.Background(), "broken")
	if err != nil {
		t.Fatal(err)
	}
	if td != nil {
		t.Fatal("expected malformed definition to be treated as unregistered")
	}
}

func TestPostgresRegistry_DBError(t *testing.T) {
	store := &mockToolStore{err: context.DeadlineExceeded}
	reg := newPostgresToolRegistryWithStore(store, 30*time.Second, zap.NewNop())

	if _, err := reg.GetTool(context.Background(), "tool"); err == nil {
		t.Fatal("expected error on DB failure")
	}
	// errors are not negatively cached
	if _, err := reg.GetTool(context.Background(), "tool"); err == nil {
		t.Fatal("expected error on second DB failure")
	}
	if store.calls != 2 {
		t.Fatalf("expected 2 DB calls, got %d", store.calls)
	}
}

func TestPostgresRegistry_Invalidate(t *testing.T) {
	store := &mockToolStore{row: &toolRow{ToolName: "t", SensitiveParams: `[]`}}
	reg := newPostgresToolRegistryWithStore(store, 30*time.Second, zap.NewNop())

	reg.GetTool(context.Background(), "t")
	reg.Invalidate("t")
	reg.GetTool(context.Background(), "t")
	if store.calls != 2 {
		t.Fatalf("expected refetch after invalidate, got %d calls", store.calls)
	}
}

func TestStaticRegistry(t *testing.T) {
	reg := NewStaticRegistry(&ToolDefinition{ToolName: "a"})
	td, _ := reg.GetTool(context.Background(), "a")
	if td == nil {
		t.Fatal("expected definition")
	}
	td, _ = reg.GetTool(context.Background(), "b")
	if td != nil {
		t.Fatal("expected nil for unknown tool")
	}
}
