package slotstore

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "obs-taso:slots:"

// Redis stores each realm as a hash keyed by slot name.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis connects to the given Redis address or URL.
func NewRedis(ctx context.Context, addr string) (*Redis, error) {
	opts, err := parseRedisURL(addr)
	if err != nil {
		return nil, err
	}
	c := redis.NewUniversalClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{client: c, prefix: redisKeyPrefix}, nil
}

func (r *Redis) key(realm string) string { return r.prefix + realm }

func (r *Redis) Get(ctx context.Context, realm, slot string) (json.RawMessage, error) {
	b, err := r.client.HGet(ctx, r.key(realm), slot).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

func (r *Redis) Set(ctx context.Context, realm, slot string, value json.RawMessage) error {
	if value == nil {
		value = json.RawMessage("null")
	}
	return r.client.HSet(ctx, r.key(realm), slot, []byte(value)).Err()
}

func (r *Redis) List(ctx context.Context, realm string) (map[string]json.RawMessage, error) {
	m, err := r.client.HGetAll(ctx, r.key(realm)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		out[k] = json.RawMessage(v)
	}
	return out, nil
}

// Close releases the client.
func (r *Redis) Close() error { return r.client.Close() }

// parseRedisURL parses addr into UniversalOptions supporting single, cluster,
// and sentinel deployments. Without a scheme, addr is a plain host:port.
func parseRedisURL(addr string) (*redis.UniversalOptions, error) {
	if !strings.Contains(addr, "://") {
		return &redis.UniversalOptions{Addrs: []string{addr}}, nil
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	opts := &redis.UniversalOptions{Addrs: strings.Split(u.Host, ",")}
	if u.User != nil {
		opts.Username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			opts.Password = pw
		}
	}
	q := u.Query()
	parseDB := func(s string) error {
		if s == "" {
			return nil
		}
		db, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("redis: invalid db: %v", err)
		}
		opts.DB = db
		return nil
	}
	switch u.Scheme {
	case "redis", "rediss":
		db := strings.TrimPrefix(u.Path, "/")
		if db == "" {
			db = q.Get("db")
		}
		if err := parseDB(db); err != nil {
			return nil, err
		}
	case "redis-sentinel", "rediss-sentinel":
		opts.MasterName = strings.TrimPrefix(u.Path, "/")
		if err := parseDB(q.Get("db")); err != nil {
			return nil, err
		}
		opts.SentinelUsername = q.Get("sentinel_username")
		opts.SentinelPassword = q.Get("sentinel_password")
	default:
		return nil, fmt.Errorf("redis: invalid URL scheme: %s", u.Scheme)
	}
	if strings.HasPrefix(u.Scheme, "rediss") {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts, nil
}
