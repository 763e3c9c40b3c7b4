package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileLock 基于文件系统的命名互斥锁
// 锁文件以 O_EXCL 原子创建，内容记录持有者 PID 与过期时间；
// 过期的锁文件视为前一个进程崩溃遗留，可被接管。
type FileLock struct {
	dir    string
	mu     sync.Mutex
	tokens map[string]string // key -> 本实例持有的 token
}

// lockFileBody 锁文件内容
type lockFileBody struct {
	PID       int       `json:"pid"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewFileLock 创建文件锁，锁文件统一放在 dir 下
func NewFileLock(dir string) (*FileLock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建锁目录失败: %w", err)
	}
	return &FileLock{
		dir:    dir,
		tokens: make(map[string]string),
	}, nil
}

// lockPath 将锁键转换为文件路径（键中的冒号和斜杠不能出现在文件名里）
func (f *FileLock) lockPath(key string) string {
	safe := strings.NewReplacer(":", "_", "/", "_", "\\", "_").Replace(key)
	return filepath.Join(f.dir, safe+".lock")
}

// Lock 获取锁，阻塞直到成功或 ctx 取消
func (f *FileLock) Lock(ctx context.Context, key string, ttl time.Duration) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		ok, err := f.TryLock(ctx, key, ttl)
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
func (f *FileLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := f.lockPath(key)
	token := generateToken()

	if ok, err := f.tryCreate(path, token, ttl); err != nil {
		return false, err
	} else if ok {
		f.tokens[key] = token
		return true, nil
	}

	// 锁文件已存在：检查是否过期（持有进程崩溃未释放）
	body, err := f.readBody(path)
	if err != nil {
		// 文件损坏或恰好被释放，下一轮再试
		return false, nil
	}
	if time.Now().Before(body.ExpiresAt) {
		return false, nil
	}

	// 过期锁：删除后重试一次创建（仍可能输给并发接管者）
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("清理过期锁失败: %w", err)
	}
	if ok, err := f.tryCreate(path, token, ttl); err != nil {
		return false, err
	} else if ok {
		f.tokens[key] = token
		return true, nil
	}
	return false, nil
}

// tryCreate 以 O_EXCL 原子创建锁文件
func (f *FileLock) tryCreate(path, token string, ttl time.Duration) (bool, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("创建锁文件失败: %w", err)
	}
	defer file.Close()

	body := lockFileBody{
		PID:       os.Getpid(),
		Token:     token,
		ExpiresAt: time.Now().Add(ttl),
	}
	data, _ := json.Marshal(body)
	if _, err := file.Write(data); err != nil {
		os.Remove(path)
		return false, fmt.Errorf("写入锁文件失败: %w", err)
	}
	return true, nil
}

// readBody 读取锁文件内容
func (f *FileLock) readBody(path string) (*lockFileBody, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	body := &lockFileBody{}
	if err := json.Unmarshal(data, body); err != nil {
		return nil, err
	}
	return body, nil
}

// Unlock 释放锁（仅释放本实例持有的锁）
func (f *FileLock) Unlock(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	token, exists := f.tokens[key]
	if !exists {
		return fmt.Errorf("lock not held: %s", key)
	}

	path := f.lockPath(key)
	body, err := f.readBody(path)
	if err != nil {
		// 锁文件已不在（过期被接管），仅清理本地记录
		delete(f.tokens, key)
		return nil
	}
	if body.Token != token {
		// 锁已被其他实例接管，不能删除对方的锁
		delete(f.tokens, key)
		return fmt.Errorf("lock not held or expired: %s", key)
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("删除锁文件失败: %w", err)
	}
	delete(f.tokens, key)
	return nil
}

// Extend 延长锁的过期时间
func (f *FileLock) Extend(ctx context.Context, key string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	token, exists := f.tokens[key]
	if !exists {
		return fmt.Errorf("lock not held: %s", key)
	}

	path := f.lockPath(key)
	body, err := f.readBody(path)
	if err != nil || body.Token != token {
		return fmt.Errorf("lock not held or expired: %s", key)
	}

	body.ExpiresAt = time.Now().Add(ttl)
	data, _ := json.Marshal(body)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("更新锁文件失败: %w", err)
	}
	return nil
}

// Close 释放所有仍持有的锁
func (f *FileLock) Close() error {
	f.mu.Lock()
	keys := make([]string, 0, len(f.tokens))
	for key := range f.tokens {
		keys = append(keys, key)
	}
	f.mu.Unlock()

	for _, key := range keys {
		f.Unlock(context.Background(), key)
	}
	return nil
}
