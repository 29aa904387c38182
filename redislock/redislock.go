package redislock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultPrefix = "kh:lock:account:"

var ErrNotInitialized = errors.New("redis lock is not initialized")

// Client implements a simple Redis distributed lock: SET NX PX + Lua safe release/refresh.
// It keeps two processes from running a harvest against the same marketplace
// account at once.
type Client struct {
	rdb    *redis.Client
	prefix string
}

func New(rdb *redis.Client, prefix string) *Client {
	return &Client{
		rdb:    rdb,
		prefix: strings.TrimSpace(prefix),
	}
}

func (c *Client) Key(accountID string) string {
	accountID = strings.TrimSpace(accountID)
	if c == nil {
		return accountID
	}
	p := strings.TrimSpace(c.prefix)
	if p == "" {
		p = DefaultPrefix
	}
	return p + accountID
}

func Token() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

func (c *Client) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if c == nil || c.rdb == nil {
		return false, ErrNotInitialized
	}
	key = strings.TrimSpace(key)
	token = strings.TrimSpace(token)
	if key == "" || token == "" {
		return false, errors.New("lock key/token is empty")
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return c.rdb.SetNX(ctx, key, token, ttl).Result()
}

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
  return 0
end
`)

func (c *Client) Refresh(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if c == nil || c.rdb == nil {
		return false, ErrNotInitialized
	}
	key = strings.TrimSpace(key)
	token = strings.TrimSpace(token)
	if key == "" || token == "" {
		return false, errors.New("lock key/token is empty")
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	n, err := refreshScript.Run(ctx, c.rdb, []string{key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	// PEXPIRE returns 1 if timeout was set, 0 otherwise.
	return n == 1, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (c *Client) Release(ctx context.Context, key, token string) (bool, error) {
	if c == nil || c.rdb == nil {
		return false, ErrNotInitialized
	}
	key = strings.TrimSpace(key)
	token = strings.TrimSpace(token)
	if key == "" || token == "" {
		return false, errors.New("lock key/token is empty")
	}
	n, err := releaseScript.Run(ctx, c.rdb, []string{key}, token).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Hold acquires key and keeps refreshing it every kick until the returned
// release func is called. ok is false when another holder owns the key.
func (c *Client) Hold(ctx context.Context, key string, ttl, kick time.Duration) (release func(), ok bool, err error) {
	token, err := Token()
	if err != nil {
		return nil, false, err
	}
	ok, err = c.Acquire(ctx, key, token, ttl)
	if err != nil || !ok {
		return nil, ok, err
	}
	if kick <= 0 {
		kick = 30 * time.Second
	}

	stop := make(chan struct{})
	go func() {
		t := time.NewTicker(kick)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				if _, err := c.Refresh(context.Background(), key, token, ttl); err != nil {
					// best-effort; TTL is long enough for typical runs
					slog.Warn("lock refresh failed", "key", key, "err", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			_, _ = c.Release(context.Background(), key, token)
		})
	}, true, nil
}
