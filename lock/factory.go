package lock

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config 互斥锁配置
type Config struct {
	Enabled    bool
	Type       string
	Prefix     string
	Dir        string
	DefaultTTL time.Duration
	Redis      RedisConfig
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// NewDistributedLock 根据配置创建互斥锁实例
// 未启用时返回文件锁（单实例也需要防止并发扫描重复执行）
func NewDistributedLock(config *Config) (DistributedLock, error) {
	lockType := config.Type
	if !config.Enabled {
		lockType = "file"
	}

	switch lockType {
	case "file":
		return NewFileLock(config.Dir)

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
			PoolSize: config.Redis.PoolSize,
		})
		return NewRedisLock(client, config.Prefix), nil

	default:
		return nil, fmt.Errorf("unsupported lock type: %s", config.Type)
	}
}
