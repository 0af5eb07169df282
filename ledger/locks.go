package ledger

import "sync"

const lockShardCount = 16

// userLocks 按用户 ID 分片的互斥锁表，同一用户的写操作串行化，
// 不同用户互不阻塞
type userLocks struct {
	shards [lockShardCount]lockShard
}

type lockShard struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func newUserLocks() *userLocks {
	ul := &userLocks{}
	for i := range ul.shards {
		ul.shards[i].locks = make(map[int64]*sync.Mutex)
	}
	return ul
}

// Get 获取指定用户的互斥锁，首次访问时创建
func (ul *userLocks) Get(userID int64) *sync.Mutex {
	shard := &ul.shards[uint64(userID)%lockShardCount]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	lock, ok := shard.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		shard.locks[userID] = lock
	}
	return lock
}
