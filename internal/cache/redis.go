package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const scanBatch = 200

// RedisTier is the distributed tier. Records are stored as JSON strings
// with a per-record TTL; each tag keeps a set of the keys carrying it.
type RedisTier struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration // upper bound on a record's remaining lifetime
	now    func() time.Time
}

// NewRedisTier creates the tier. prefix namespaces every key; ttl caps the
// lifetime of stored records (0 keeps each record's own expiry).
func NewRedisTier(client redis.Cmdable, prefix string, ttl time.Duration) *RedisTier {
	return &RedisTier{client: client, prefix: prefix, ttl: ttl, now: time.Now}
}

func (t *RedisTier) Name() string {
	return "redis"
}

func (t *RedisTier) recordKey(key string) string {
	return t.prefix + key
}

func (t *RedisTier) tagKey(tag string) string {
	return t.prefix + "tag:" + tag
}

func (t *RedisTier) Get(ctx context.Context, key string) (*Record, bool, error) {
	b, err := t.client.Get(ctx, t.recordKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, false, fmt.Errorf("redis decode: %w", err)
	}
	if rec.Expired(t.now()) {
		return nil, false, nil
	}
	return &rec, true, nil
}

func (t *RedisTier) Set(ctx context.Context, rec *Record) error {
	ttl := rec.ExpiresAt.Sub(t.now())
	if t.ttl > 0 && ttl > t.ttl {
		ttl = t.ttl
	}
	if ttl <= 0 {
		return nil
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis encode: %w", err)
	}
	key := t.recordKey(rec.Key)
	_, err = t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, b, ttl)
		for _, tag := range rec.Metadata.Tags() {
			tk := t.tagKey(tag)
			pipe.SAdd(ctx, tk, key)
			// A tag set must outlive every record it indexes, so its
			// expiry only ever moves forward.
			if t.ttl > 0 {
				pipe.Expire(ctx, tk, t.ttl)
			} else {
				pipe.ExpireNX(ctx, tk, ttl)
				pipe.ExpireGT(ctx, tk, ttl)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (t *RedisTier) Invalidate(ctx context.Context, f Filter) (int, error) {
	if f.Empty() {
		return 0, nil
	}
	doomed := make(map[string]struct{})

	for _, tag := range f.Tags {
		keys, err := t.client.SMembers(ctx, t.tagKey(tag)).Result()
		if err != nil {
			return 0, fmt.Errorf("redis tag members: %w", err)
		}
		for _, k := range keys {
			doomed[k] = struct{}{}
		}
		doomed[t.tagKey(tag)] = struct{}{}
	}

	if f.Pattern != "" || f.OlderThan > 0 {
		now := t.now()
		err := t.scan(ctx, t.prefix+keyPrefix+"*", func(key string) error {
			if _, ok := doomed[key]; ok {
				return nil
			}
			rec, ok, err := t.Get(ctx, strings.TrimPrefix(key, t.prefix))
			if err != nil || !ok {
				return err
			}
			if f.Matches(rec, now) {
				doomed[key] = struct{}{}
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
	}

	return t.del(ctx, doomed)
}

func (t *RedisTier) Clear(ctx context.Context) error {
	doomed := make(map[string]struct{})
	err := t.scan(ctx, t.prefix+"*", func(key string) error {
		doomed[key] = struct{}{}
		return nil
	})
	if err != nil {
		return err
	}
	_, err = t.del(ctx, doomed)
	return err
}

func (t *RedisTier) scan(ctx context.Context, match string, fn func(key string) error) error {
	var cursor uint64
	for {
		keys, next, err := t.client.Scan(ctx, cursor, match, scanBatch).Result()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		for _, k := range keys {
			if err := fn(k); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// del removes keys and returns how many records were actually deleted.
// Tag sets may name records that already expired; those are not counted.
func (t *RedisTier) del(ctx context.Context, keys map[string]struct{}) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	var records, tags []string
	for k := range keys {
		if strings.HasPrefix(k, t.prefix+"tag:") {
			tags = append(tags, k)
		} else {
			records = append(records, k)
		}
	}
	removed := 0
	for start := 0; start < len(records); start += scanBatch {
		end := min(start+scanBatch, len(records))
		n, err := t.client.Del(ctx, records[start:end]...).Result()
		if err != nil {
			return removed, fmt.Errorf("redis del: %w", err)
		}
		removed += int(n)
	}
	for start := 0; start < len(tags); start += scanBatch {
		end := min(start+scanBatch, len(tags))
		if err := t.client.Del(ctx, tags[start:end]...).Err(); err != nil {
			return removed, fmt.Errorf("redis del tags: %w", err)
		}
	}
	return removed, nil
}
