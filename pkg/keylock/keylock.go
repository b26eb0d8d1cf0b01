// Package keylock serialises read-check-write sequences on one logical key
// (a unit, a team grade, a student adjustment) while leaving other keys free.
package keylock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"electrolab/pkg/config"
)

// Locker acquires an exclusive lock on key. The returned func releases it and
// is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

func UnitKey(unitID string) string { return "unit:" + unitID }

// TypeKey guards provisioning so unit sequence numbers are not handed out twice.
func TypeKey(typeID string) string { return "type:" + typeID }

func TeamGradeKey(labID, teamID string) string { return "grade:team:" + labID + ":" + teamID }

func AdjustmentKey(labID, studentID string) string {
	return "grade:student:" + labID + ":" + studentID
}

type entry struct {
	ch   chan struct{}
	refs int
}

// Local is an in-process Locker. Entries are dropped once nobody holds or
// waits on them, so the map stays bounded by live contention.
type Local struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewLocal() *Local {
	return &Local{entries: make(map[string]*entry)}
}

func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(key, e)
		})
	}, nil
}

func (l *Local) release(key string, e *entry) {
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
	l.mu.Unlock()
}

// Len reports how many keys are currently held or awaited.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// ErrNotHeld is logged when a Redis lock expired before it was released.
var ErrNotHeld = errors.New("keylock: lock expired before release")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker shared by several service replicas. Locks expire after
// ttl so a crashed holder cannot block a key forever.
type Redis struct {
	client  redis.UniversalClient
	prefix  string
	ttl     time.Duration
	retry   time.Duration
	onError func(key string, err error)
}

func NewRedis(client redis.UniversalClient, prefix string, ttl, retry time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if retry <= 0 {
		retry = 25 * time.Millisecond
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl, retry: retry}
}

// OnReleaseError installs a hook for failed or late releases.
func (r *Redis) OnReleaseError(fn func(key string, err error)) *Redis {
	r.onError = fn
	return r
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	full := r.prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, full, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's ctx may already be cancelled; release must still run.
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			n, err := releaseScript.Run(ctx, r.client, []string{full}, token).Int()
			if err == nil && n == 0 {
				err = ErrNotHeld
			}
			if err != nil && r.onError != nil {
				r.onError(key, err)
			}
		})
	}, nil
}

// FromConfig builds the Locker selected by cfg.Backend. The Redis backend
// pings the server before returning.
func FromConfig(ctx context.Context, cfg config.LockConfig, rc config.RedisConfig, log *zap.Logger) (Locker, error) {
	if cfg.Backend != "redis" {
		return NewLocal(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", rc.Addr, err)
	}

	log.Info("using redis key locks", zap.String("addr", rc.Addr))
	return NewRedis(client, "electrolab:lock:", cfg.TTL, cfg.RetryInterval).
		OnReleaseError(func(key string, err error) {
			log.Warn("lock release failed", zap.String("key", key), zap.Error(err))
		}), nil
}
