package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/alimasry/go-doc-sync/doc"
	"github.com/alimasry/go-doc-sync/wire"
)

// RedisStore is a Redis-backed implementation of DocumentStore. It accepts
// both single-node and cluster clients.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisStore creates a RedisStore. prefix is prepended to every key.
func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

// createDoc writes every field of a new document hash in one step, so a
// hash is either absent or complete. Returns 0 if the hash already exists.
var createDoc = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1], "content", "", "version", 0, "createdAt", ARGV[1], "updatedAt", ARGV[1])
return 1
`)

// Create writes the document hash atomically and then indexes it. The index
// add is idempotent and also runs when the hash exists, so a retry after a
// failed add repairs the index.
func (s *RedisStore) Create(ctx context.Context, id string) error {
	now := strconv.FormatInt(time.Now().UnixNano(), 10)
	created, err := createDoc.Run(ctx, s.rdb, []string{docKey(s.prefix, id)}, now).Int()
	if err != nil {
		return fmt.Errorf("create %q: %w", id, err)
	}
	if err := s.rdb.SAdd(ctx, docsKey(s.prefix), id).Err(); err != nil {
		return fmt.Errorf("index %q: %w", id, err)
	}
	if created == 0 {
		return fmt.Errorf("create %q: %w", id, ErrExists)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*DocumentInfo, error) {
	fields, err := s.rdb.HGetAll(ctx, docKey(s.prefix, id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("get %q: %w", id, ErrNotFound)
	}
	return hashToDocInfo(id, fields)
}

func hashToDocInfo(id string, fields map[string]string) (*DocumentInfo, error) {
	info := &DocumentInfo{ID: id, Content: fields["content"]}
	if v := fields["version"]; v != "" {
		version, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("document %q: bad version %q: %w", id, v, err)
		}
		info.Version = doc.Version(version)
	}
	info.CreatedAt = parseUnixNano(fields["createdAt"])
	info.UpdatedAt = parseUnixNano(fields["updatedAt"])
	return info, nil
}

func parseUnixNano(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (s *RedisStore) List(ctx context.Context) ([]DocumentInfo, error) {
	ids, err := s.rdb.SMembers(ctx, docsKey(s.prefix)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	result := make([]DocumentInfo, 0, len(ids))
	for _, id := range ids {
		info, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		result = append(result, *info)
	}
	return result, nil
}

func (s *RedisStore) exists(ctx context.Context, id string) (bool, error) {
	n, err := s.rdb.Exists(ctx, docKey(s.prefix, id)).Result()
	return n == 1, err
}

func (s *RedisStore) UpdateContent(ctx context.Context, id, content string, version doc.Version) error {
	ok, err := s.exists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("update %q: %w", id, ErrNotFound)
	}
	now := strconv.FormatInt(time.Now().UnixNano(), 10)
	return s.rdb.HSet(ctx, docKey(s.prefix, id),
		"content", content,
		"version", int64(version),
		"updatedAt", now,
	).Err()
}

func (s *RedisStore) AppendDiff(ctx context.Context, id string, d wire.Diff) error {
	ok, err := s.exists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("append diff to %q: %w", id, ErrNotFound)
	}
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return s.rdb.RPush(ctx, diffsKey(s.prefix, id), b).Err()
}

func (s *RedisStore) GetDiffs(ctx context.Context, id string, fromVersion doc.Version) ([]wire.Diff, error) {
	ok, err := s.exists(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("get diffs of %q: %w", id, ErrNotFound)
	}
	raw, err := s.rdb.LRange(ctx, diffsKey(s.prefix, id), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	diffs := make([]wire.Diff, 0, len(raw))
	for i, r := range raw {
		var d wire.Diff
		if err := json.Unmarshal([]byte(r), &d); err != nil {
			return nil, fmt.Errorf("document %q: decode diff %d: %w", id, i, err)
		}
		diffs = append(diffs, d)
	}
	return diffsFrom(diffs, fromVersion), nil
}
