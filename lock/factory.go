package lock

import (
	"fmt"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "autofutures:"

// Config 分布式锁配置，与配置文件的 lock 段对应
type Config struct {
	Type     string // none, redis
	Addr     string
	Password string
	DB       int
}

// New 根据配置创建分布式锁。
// type 为 none 或空时返回 NopLock，单实例零开销
func New(cfg Config) (DistributedLock, error) {
	switch cfg.Type {
	case "", "none":
		return NewNopLock(), nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		return NewRedisLock(client, keyPrefix), nil

	default:
		return nil, fmt.Errorf("不支持的锁类型: %s", cfg.Type)
	}
}
