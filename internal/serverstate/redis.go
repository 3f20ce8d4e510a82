package serverstate

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

// redisKey is the single key holding the serialized bridge state.
const redisKey = "toolbridge:state"

// redisStore mirrors the bridge state into Redis so that restarts and
// sibling processes observe the same lifecycle phase.
type redisStore struct {
	rdb redis.UniversalClient
}

// NewRedisStore dials addr and returns a Store that keeps the bridge state
// under one Redis key. On first contact the key is seeded with "not_ready"
// so a fresh deployment reports a sane status before the relay starts.
func NewRedisStore(addr string) (*redisStore, error) {
	opts, err := parseRedisURL(addr)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewUniversalClient(opts)
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	seed, _ := json.Marshal(State{Status: "not_ready"})
	_ = rdb.SetNX(ctx, redisKey, seed, 0).Err()
	return &redisStore{rdb: rdb}, nil
}

func (r *redisStore) Load() State {
	raw, err := r.rdb.Get(context.Background(), redisKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return State{Status: "not_ready"}
	}
	if err != nil {
		return State{Status: "unknown"}
	}
	var st State
	if json.Unmarshal(raw, &st) != nil {
		return State{Status: "unknown"}
	}
	return st
}

func (r *redisStore) Store(s State) {
	raw, err := json.Marshal(s)
	if err != nil {
		return
	}
	_ = r.rdb.Set(context.Background(), redisKey, raw, 0).Err()
}

// parseRedisURL turns addr into options covering single-node, cluster, and
// sentinel deployments. A bare host:port is shorthand for a single node
// with no authentication. The database number may come from the URL path
// or a db query parameter; the path wins when both are present.
func parseRedisURL(addr string) (*redis.UniversalOptions, error) {
	if !strings.Contains(addr, "://") {
		return &redis.UniversalOptions{Addrs: []string{addr}}, nil
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}

	var secure, sentinel bool
	switch u.Scheme {
	case "redis":
	case "rediss":
		secure = true
	case "redis-sentinel":
		sentinel = true
	case "rediss-sentinel":
		secure, sentinel = true, true
	default:
		return nil, fmt.Errorf("redis: unsupported scheme %q", u.Scheme)
	}

	opts := &redis.UniversalOptions{Addrs: strings.Split(u.Host, ",")}
	if u.User != nil {
		opts.Username = u.User.Username()
		opts.Password, _ = u.User.Password()
	}
	if secure {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	q := u.Query()
	dbStr := q.Get("db")
	if sentinel {
		opts.MasterName = strings.TrimPrefix(u.Path, "/")
		opts.SentinelUsername = q.Get("sentinel_username")
		opts.SentinelPassword = q.Get("sentinel_password")
	} else if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		dbStr = p
	}
	if dbStr != "" {
		db, err := strconv.Atoi(dbStr)
		if err != nil {
			return nil, fmt.Errorf("redis: bad db number %q", dbStr)
		}
		opts.DB = db
	}
	return opts, nil
}
