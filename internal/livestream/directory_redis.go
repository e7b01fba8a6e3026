package livestream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDirectoryOptions configures a RedisDirectory.
type RedisDirectoryOptions struct {
	Addr     string
	Username string
	Password string
	DB       int
	// Prefix namespaces the keys; defaults to "legislative".
	Prefix  string
	Timeout time.Duration
}

// RedisDirectory reads users from a Redis hash per user ("<prefix>:users:<id>",
// field "name") and the presiding member from "<prefix>:presiding".
type RedisDirectory struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
}

// NewRedisDirectory connects to Redis and verifies the connection.
func NewRedisDirectory(ctx context.Context, opts RedisDirectoryOptions) (*RedisDirectory, error) {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:       addr,
		Username:   strings.TrimSpace(opts.Username),
		Password:   opts.Password,
		DB:         opts.DB,
		MaxRetries: 2,
	})
	d := newRedisDirectory(client, opts)
	if err := d.Ping(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return d, nil
}

func newRedisDirectory(client redis.UniversalClient, opts RedisDirectoryOptions) *RedisDirectory {
	prefix := strings.TrimSpace(opts.Prefix)
	if prefix == "" {
		prefix = "legislative"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &RedisDirectory{client: client, prefix: prefix, timeout: timeout}
}

// Ping checks connectivity.
func (d *RedisDirectory) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (d *RedisDirectory) userKey(userID string) string {
	return d.prefix + ":users:" + userID
}

func (d *RedisDirectory) presidingKey() string {
	return d.prefix + ":presiding"
}

func (d *RedisDirectory) DisplayName(ctx context.Context, userID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	name, err := d.client.HGet(ctx, d.userKey(userID), "name").Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis display name: %w", err)
	}
	return name, nil
}

func (d *RedisDirectory) PresidingUserID(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	id, err := d.client.Get(ctx, d.presidingKey()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis presiding: %w", err)
	}
	return strings.TrimSpace(id), nil
}

// Close releases the client.
func (d *RedisDirectory) Close() error {
	return d.client.Close()
}
