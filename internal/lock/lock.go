// Package lock 周期任务的跨实例互斥。
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ErrNotAcquired 锁被其他实例持有
var ErrNotAcquired = errors.New("lock not acquired")

// Locker 获取命名锁
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (Lease, error)
}

// Lease 已持有的锁，持有期间自动续期直到 Release
type Lease interface {
	Release(ctx context.Context) error
}

// 仅当 token 仍是自己的才删除，避免锁过期后误删他人的锁
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// 仅当 token 仍是自己的才续期
var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker SET NX PX 实现的锁
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLocker 创建 Redis 锁，key 为 prefix+name
func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

// TryLock 以 SET NX PX 获取锁，成功后每 ttl/3 续期一次直到 Release
func (l *RedisLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (Lease, error) {
	key := l.prefix + name
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("获取锁 %s 失败: %w", key, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	lease := &redisLease{
		client: l.client,
		key:    key,
		token:  token,
		ttl:    ttl,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go lease.watchdog(context.WithoutCancel(ctx))
	return lease, nil
}

type redisLease struct {
	client redis.UniversalClient
	key    string
	token  string
	ttl    time.Duration

	once sync.Once
	stop chan struct{}
	done chan struct{}
}

// watchdog 周期性续期；锁已不属于自己时停止
func (r *redisLease) watchdog(ctx context.Context) {
	defer close(r.done)
	interval := r.ttl / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			if !r.renew(ctx, interval) {
				return
			}
		}
	}
}

// renew 续期一次；返回 false 表示锁已不属于自己
func (r *redisLease) renew(ctx context.Context, timeout time.Duration) bool {
	entry := logrus.WithFields(logrus.Fields{
		"method": "renew",
		"key":    r.key,
	})
	renewCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	n, err := renewScript.Run(renewCtx, r.client, []string{r.key}, r.token, r.ttl.Milliseconds()).Int64()
	if err != nil {
		// 单次失败不放弃，下一轮重试
		entry.Warnf("锁续期失败: %v", err)
		return true
	}
	if n == 0 {
		entry.Warn("锁已过期或被其他实例持有，停止续期")
		return false
	}
	return true
}

// Release 停止续期并删除自己的锁
func (r *redisLease) Release(ctx context.Context) error {
	r.once.Do(func() { close(r.stop) })
	<-r.done
	if err := releaseScript.Run(ctx, r.client, []string{r.key}, r.token).Err(); err != nil {
		return fmt.Errorf("释放锁 %s 失败: %w", r.key, err)
	}
	return nil
}

// NopLocker 单实例部署时使用，总是获取成功
type NopLocker struct{}

// TryLock 总是成功
func (NopLocker) TryLock(context.Context, string, time.Duration) (Lease, error) {
	return nopLease{}, nil
}

type nopLease struct{}

func (nopLease) Release(context.Context) error { return nil }
