package lock

import (
	"context"
	"time"
)

// DistributedLock 会话级分布式锁。
// 多实例部署时保证同一用户的交易循环只在一个实例上运行
type DistributedLock interface {
	// TryLock 尝试获取锁，立即返回是否成功
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Unlock 释放自己持有的锁
	Unlock(ctx context.Context, key string) error

	// Extend 为自己持有的锁续期，循环存活期间周期调用
	Extend(ctx context.Context, key string, ttl time.Duration) error

	// Close 释放底层连接
	Close() error
}

// NopLock 单实例部署的空实现
type NopLock struct{}

func NewNopLock() *NopLock {
	return &NopLock{}
}

func (n *NopLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (n *NopLock) Unlock(ctx context.Context, key string) error {
	return nil
}

func (n *NopLock) Extend(ctx context.Context, key string, ttl time.Duration) error {
	return nil
}

func (n *NopLock) Close() error {
	return nil
}
