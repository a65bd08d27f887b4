package directory

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a Redis read-through decorator over a Lookup. Only successful
// resolutions are cached; a not-found answer is re-asked every time so a
// freshly registered address becomes shareable without waiting out a TTL.
type Cache struct {
	client *redis.Client
	next   Lookup
	prefix string
	ttl    time.Duration
}

// NewCache connects to Redis and wraps next.
func NewCache(redisURL string, next Lookup, ttl time.Duration) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewCacheWithClient(client, next, ttl), nil
}

// NewCacheWithClient wraps next using an existing Redis client.
func NewCacheWithClient(client *redis.Client, next Lookup, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		client: client,
		next:   next,
		prefix: "directory:",
		ttl:    ttl,
	}
}

func (c *Cache) key(email string) string {
	return c.prefix + strings.ToLower(strings.TrimSpace(email))
}

func (c *Cache) FindSubjectByEmail(ctx context.Context, email string) (string, error) {
	key := c.key(email)

	subjectID, err := c.client.Get(ctx, key).Result()
	if err == nil && subjectID != "" {
		return subjectID, nil
	}
	if err != nil && err != redis.Nil {
		// Cache trouble degrades to a direct lookup.
		subjectID, lookupErr := c.next.FindSubjectByEmail(ctx, email)
		if lookupErr != nil {
			return "", lookupErr
		}
		return subjectID, nil
	}

	subjectID, err = c.next.FindSubjectByEmail(ctx, email)
	if err != nil {
		return "", err
	}

	if setErr := c.client.Set(ctx, key, subjectID, c.ttl).Err(); setErr != nil {
		// A failed cache fill never fails the lookup.
		log.Printf("directory: cache fill for %s: %v", key, setErr)
	}
	return subjectID, nil
}

// Invalidate drops a cached resolution, e.g. after the mirror row changes.
func (c *Cache) Invalidate(ctx context.Context, email string) error {
	return c.client.Del(ctx, c.key(email)).Err()
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	return c.client.Close()
}
