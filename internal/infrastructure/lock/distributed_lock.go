package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 分布式锁
// ============================================================================
//
// 获取邮箱是 冻结 -> 调上游 -> 确认扣费 的多步流程，钱包行锁只覆盖单个
// 事务。同一用户并发发起获取请求时，用按用户维度的 Redis 锁把整个流程
// 串行化，避免重复提交导致的叠加冻结。
//
// 加锁：SET key value NX EX timeout
//   - NX 保证互斥，EX 防止持有者崩溃后死锁
//   - value 记录持有者标识，释放时校验，防止误删别人的锁
//
// 释放：Lua 脚本原子地完成 检查value + 删除
// ============================================================================

var (
	ErrLockFailed  = errors.New("获取分布式锁失败")
	ErrLockExpired = errors.New("锁已过期")
)

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	success, err := l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
	if err != nil {
		return false, err
	}
	return success, nil
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
			// 继续重试
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁
// Lua 脚本保证"检查持有者 + 删除"的原子性：锁过期后被其他请求
// 抢占时，原持有者的 Unlock 不会删掉新持有者的锁
func (l *DistributedLock) Unlock(ctx context.Context) error {
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	_, err := l.client.Eval(ctx, script, []string{l.key}, l.value).Result()
	return err
}

// NewAcquireLock 获取邮箱流程的用户级锁
// 按用户维度加锁：不同用户完全并发，同一用户的获取流程串行
func NewAcquireLock(client *redis.Client, userID int64, holder string) *DistributedLock {
	key := fmt.Sprintf("task:acquire:lock:user:%d", userID)
	return NewDistributedLock(client, key, holder, 30*time.Second)
}
