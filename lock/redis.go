package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLock 基于 Redis 的命名互斥锁（多实例部署时使用）
// 锁值为本实例生成的 token，释放与续期都通过 Lua 校验 token，
// 保证过期后被其他实例接管的锁不会被误删
type RedisLock struct {
	client *redis.Client
	prefix string
	mu     sync.Mutex
	tokens map[string]string // key -> 本实例持有的 token
}

// NewRedisLock 创建 Redis 锁
func NewRedisLock(client *redis.Client, prefix string) *RedisLock {
	return &RedisLock{
		client: client,
		prefix: prefix,
		tokens: make(map[string]string),
	}
}

// generateToken 为每次持锁生成唯一 token
func generateToken() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Lock 获取锁，阻塞直到成功或 ctx 取消
func (r *RedisLock) Lock(ctx context.Context, key string, ttl time.Duration) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		ok, err := r.TryLock(ctx, key, ttl)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// TryLock 尝试获取锁，立即返回
func (r *RedisLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token := generateToken()

	ok, err := r.client.SetNX(ctx, r.prefix+key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis 抢锁失败: %w", err)
	}
	if ok {
		r.mu.Lock()
		r.tokens[key] = token
		r.mu.Unlock()
	}
	return ok, nil
}

// unlockScript 只有 token 匹配（仍由本实例持有）才删除
const unlockScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

// extendScript 只有 token 匹配才续期
const extendScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("expire", KEYS[1], ARGV[2])
	else
		return 0
	end
`

// Unlock 释放锁（仅释放本实例持有的锁）
func (r *RedisLock) Unlock(ctx context.Context, key string) error {
	r.mu.Lock()
	token, exists := r.tokens[key]
	r.mu.Unlock()
	if !exists {
		return fmt.Errorf("lock not held: %s", key)
	}

	result, err := r.client.Eval(ctx, unlockScript, []string{r.prefix + key}, token).Result()
	if err != nil {
		return fmt.Errorf("redis 释放锁失败: %w", err)
	}

	r.mu.Lock()
	delete(r.tokens, key)
	r.mu.Unlock()

	if n, _ := result.(int64); n == 0 {
		// 锁已过期并被其他实例接管，本地记录已清理
		return fmt.Errorf("lock not held or expired: %s", key)
	}
	return nil
}

// Extend 延长锁的过期时间
func (r *RedisLock) Extend(ctx context.Context, key string, ttl time.Duration) error {
	r.mu.Lock()
	token, exists := r.tokens[key]
	r.mu.Unlock()
	if !exists {
		return fmt.Errorf("lock not held: %s", key)
	}

	result, err := r.client.Eval(ctx, extendScript, []string{r.prefix + key}, token, int(ttl.Seconds())).Result()
	if err != nil {
		return fmt.Errorf("redis 续期失败: %w", err)
	}
	if n, _ := result.(int64); n == 0 {
		return fmt.Errorf("lock not held or expired: %s", key)
	}
	return nil
}

// Close 释放仍持有的锁并关闭连接
func (r *RedisLock) Close() error {
	r.mu.Lock()
	keys := make([]string, 0, len(r.tokens))
	for key := range r.tokens {
		keys = append(keys, key)
	}
	r.mu.Unlock()

	for _, key := range keys {
		r.Unlock(context.Background(), key)
	}
	return r.client.Close()
}

// Ping 检查连接
func (r *RedisLock) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
