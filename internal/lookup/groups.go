// Package lookup reads display names owned by sibling services.
// Both lookups are read-only and best effort.
package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
)

// DefaultGroupKeyPrefix is where the groups service caches group summaries.
const DefaultGroupKeyPrefix = "group_summary:"

// StringGetter is the subset of redis.Cmdable the group cache needs.
type StringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// GroupCache reads group summaries cached in redis by the groups service.
type GroupCache struct {
	rdb    StringGetter
	prefix string
}

func NewGroupCache(rdb StringGetter, prefix string) *GroupCache {
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultGroupKeyPrefix
	}
	return &GroupCache{rdb: rdb, prefix: prefix}
}

type groupSummary struct {
	Name string `json:"name"`
}

// GroupName returns "" with a nil error on a cache miss.
func (g *GroupCache) GroupName(ctx context.Context, groupID string) (string, error) {
	raw, err := g.rdb.Get(ctx, g.prefix+groupID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get group summary: %w", err)
	}
	var s groupSummary
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return "", fmt.Errorf("decode group summary: %w", err)
	}
	return strings.TrimSpace(s.Name), nil
}
