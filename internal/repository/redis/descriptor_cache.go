package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const descriptorKeyPrefix = "torrentgate:descriptor:"

// DescriptorCache keeps fetched .torrent bodies in Redis, keyed by a hash of
// the source URL.
type DescriptorCache struct {
	client *goredis.Client
}

func NewDescriptorCache(client *goredis.Client) *DescriptorCache {
	return &DescriptorCache{client: client}
}

// Connect parses a redis:// URL and verifies the server answers.
func Connect(ctx context.Context, rawURL string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, err
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func (c *DescriptorCache) Get(ctx context.Context, url string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, descriptorKey(url)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func (c *DescriptorCache) Set(ctx context.Context, url string, body []byte, ttl time.Duration) error {
	return c.client.Set(ctx, descriptorKey(url), body, ttl).Err()
}

func (c *DescriptorCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// descriptorKey hashes the URL so arbitrary query strings never leak into
// key names. Surrounding whitespace does not change the key.
func descriptorKey(url string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(url)))
	return descriptorKeyPrefix + hex.EncodeToString(sum[:])
}
