// Package cache implements the tiered validation result cache: in-process
// memory, Redis, and a Postgres document store, queried fastest first.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/triage-ai/palisade/services/tool_gate/internal/risk"
	"github.com/triage-ai/palisade/services/tool_gate/internal/validation"
)

const keyPrefix = "validation:"

// Tag prefixes used by Metadata.Tags and Filter.Tags.
const (
	TagTool    = "tool:"
	TagAgent   = "agent:"
	TagChannel = "channel:"
)

// Record is the wire-compatible shape shared by all tiers.
type Record struct {
	Key       string             `json:"key"`
	Value     *validation.Result `json:"value"`
	CreatedAt time.Time          `json:"created_at"`
	ExpiresAt time.Time          `json:"expires_at"`
	Metadata  Metadata           `json:"metadata"`
}

// Metadata records the provenance of a cached result.
type Metadata struct {
	AgentID         string     `json:"agent_id"`
	ChannelID       string     `json:"channel_id"`
	ToolName        string     `json:"tool_name"`
	ParametersHash  string     `json:"parameters_hash"`
	ValidationLevel risk.Level `json:"validation_level"`
}

// Tags returns the invalidation tags for the record.
func (m Metadata) Tags() []string {
	return []string{TagTool + m.ToolName, TagAgent + m.AgentID, TagChannel + m.ChannelID}
}

// Expired reports whether the record is past its expiry at now.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Identity is the cache identity of a tool call.
type Identity struct {
	AgentID    string
	ChannelID  string
	ToolName   string
	Parameters map[string]any
}

// Key returns the cache key and the parameter hash for id. Parameter maps
// are hashed from their JSON encoding, which orders object keys, so key
// order never changes identity.
func (id Identity) Key() (key, paramsHash string) {
	paramsHash = HashParameters(id.Parameters)
	sum := sha256.Sum256([]byte(id.AgentID + "|" + id.ChannelID + "|" + id.ToolName + "|" + paramsHash))
	return keyPrefix + hex.EncodeToString(sum[:]), paramsHash
}

// HashParameters returns a stable hex digest of params.
func HashParameters(params map[string]any) string {
	if params == nil {
		params = map[string]any{}
	}
	b, err := json.Marshal(params)
	if err != nil {
		// fmt also prints maps in key order
		b = []byte(fmt.Sprintf("%v", params))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// NewRecord builds a record for id holding res, expiring after ttl.
func NewRecord(id Identity, res *validation.Result, now time.Time, ttl time.Duration) *Record {
	key, hash := id.Key()
	return &Record{
		Key:       key,
		Value:     res.Copy(),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Metadata: Metadata{
			AgentID:         id.AgentID,
			ChannelID:       id.ChannelID,
			ToolName:        id.ToolName,
			ParametersHash:  hash,
			ValidationLevel: res.Level,
		},
	}
}

// Filter selects records to invalidate. Set criteria are ORed; an empty
// filter matches nothing.
type Filter struct {
	// Pattern matches as a substring of the key, agent, channel or tool.
	Pattern string
	// Tags match "tool:x", "agent:x" or "channel:x".
	Tags []string
	// OlderThan matches records created longer ago than this.
	OlderThan time.Duration
}

// Empty reports whether the filter has no criteria.
func (f Filter) Empty() bool {
	return f.Pattern == "" && len(f.Tags) == 0 && f.OlderThan <= 0
}

// String renders the filter for logs and events.
func (f Filter) String() string {
	var parts []string
	if f.Pattern != "" {
		parts = append(parts, "pattern="+f.Pattern)
	}
	if len(f.Tags) > 0 {
		parts = append(parts, "tags="+strings.Join(f.Tags, ","))
	}
	if f.OlderThan > 0 {
		parts = append(parts, "older_than="+f.OlderThan.String())
	}
	return strings.Join(parts, " ")
}

// Matches reports whether rec is selected by f at now.
func (f Filter) Matches(rec *Record, now time.Time) bool {
	if f.Pattern != "" {
		m := rec.Metadata
		for _, s := range []string{rec.Key, m.AgentID, m.ChannelID, m.ToolName} {
			if strings.Contains(s, f.Pattern) {
				return true
			}
		}
	}
	if len(f.Tags) > 0 {
		tags := rec.Metadata.Tags()
		for _, want := range f.Tags {
			for _, have := range tags {
				if want == have {
					return true
				}
			}
		}
	}
	if f.OlderThan > 0 && now.Sub(rec.CreatedAt) > f.OlderThan {
		return true
	}
	return false
}

// Tier is one cache backend. Get reports a miss as (nil, false, nil).
// Implementations must honor ctx.
type Tier interface {
	Name() string
	Get(ctx context.Context, key string) (*Record, bool, error)
	Set(ctx context.Context, rec *Record) error
	Invalidate(ctx context.Context, f Filter) (int, error)
	Clear(ctx context.Context) error
}
