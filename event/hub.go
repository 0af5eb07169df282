package event

import (
	"errors"
	"sync"
	"time"

	"autofutures/logger"
)

const (
	// DefaultRingSize 每用户回放环形缓冲区大小
	DefaultRingSize = 256
	// DefaultQueueSize 每订阅者投递队列大小
	DefaultQueueSize = 64
)

// ErrReplayMiss 请求回放的序号已被环形缓冲区覆盖，
// 调用方必须重新拉取全量快照
var ErrReplayMiss = errors.New("回放序号已过期，需要重新同步快照")

// Subscriber 单个订阅者，事件经缓冲队列异步投递。
// 队列满时订阅者被标记为落后并停止投递，由上层触发重新同步
type Subscriber struct {
	UserID int64

	events chan *Event
	behind chan struct{}
	once   sync.Once
}

// Events 事件投递通道
func (s *Subscriber) Events() <-chan *Event {
	return s.events
}

// Behind 订阅者落后信号，关闭即表示有事件被丢弃
func (s *Subscriber) Behind() <-chan struct{} {
	return s.behind
}

// IsBehind 是否已落后
func (s *Subscriber) IsBehind() bool {
	select {
	case <-s.behind:
		return true
	default:
		return false
	}
}

func (s *Subscriber) markBehind() {
	s.once.Do(func() { close(s.behind) })
}

// userStream 单用户事件流：序号计数器 + 回放环 + 订阅者集合
type userStream struct {
	mu          sync.Mutex
	seq         uint64
	ring        []*Event
	ringStart   int
	ringLen     int
	subscribers map[*Subscriber]struct{}
}

// Hub 事件分发中心。每用户一条独立事件流，
// 发布路径永不阻塞，慢订阅者丢事件而不是拖慢全局
type Hub struct {
	mu        sync.RWMutex
	streams   map[int64]*userStream
	ringSize  int
	queueSize int
}

// NewHub 创建事件分发中心
func NewHub(ringSize, queueSize int) *Hub {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		streams:   make(map[int64]*userStream),
		ringSize:  ringSize,
		queueSize: queueSize,
	}
}

func (h *Hub) stream(userID int64) *userStream {
	h.mu.RLock()
	st, ok := h.streams[userID]
	h.mu.RUnlock()
	if ok {
		return st
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok = h.streams[userID]; ok {
		return st
	}
	st = &userStream{
		ring:        make([]*Event, h.ringSize),
		subscribers: make(map[*Subscriber]struct{}),
	}
	h.streams[userID] = st
	return st
}

// Publish 发布事件：分配下一个序号、写入回放环、向所有订阅者投递。
// 单用户内序号分配与投递在同一临界区内完成，保证顺序一致
func (h *Hub) Publish(userID int64, eventType EventType, data interface{}) *Event {
	st := h.stream(userID)

	st.mu.Lock()
	defer st.mu.Unlock()

	st.seq++
	ev := &Event{
		UserID:    userID,
		Sequence:  st.seq,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	// 写入回放环，满时覆盖最旧事件
	if st.ringLen < len(st.ring) {
		st.ring[(st.ringStart+st.ringLen)%len(st.ring)] = ev
		st.ringLen++
	} else {
		st.ring[st.ringStart] = ev
		st.ringStart = (st.ringStart + 1) % len(st.ring)
	}

	for sub := range st.subscribers {
		if sub.IsBehind() {
			continue
		}
		select {
		case sub.events <- ev:
		default:
			// 队列满，标记落后并停止投递，上层负责重新快照
			sub.markBehind()
			logger.Warn("⚠️ 用户 %d 的订阅者处理过慢，已标记为落后 (seq=%d)", userID, ev.Sequence)
		}
	}
	return ev
}

// Subscribe 订阅用户事件流。fromSeq 为订阅者已处理的最后序号，
// 环内仍保留其后续事件时原子地完成回放+注册；
// 已被覆盖则返回 ErrReplayMiss，调用方重新走快照流程
func (h *Hub) Subscribe(userID int64, fromSeq uint64) (*Subscriber, []*Event, error) {
	st := h.stream(userID)

	st.mu.Lock()
	defer st.mu.Unlock()

	if fromSeq > st.seq {
		return nil, nil, ErrReplayMiss
	}

	var replay []*Event
	if fromSeq < st.seq {
		oldest := st.seq - uint64(st.ringLen) + 1
		if st.ringLen == 0 || fromSeq+1 < oldest {
			return nil, nil, ErrReplayMiss
		}
		for i := 0; i < st.ringLen; i++ {
			ev := st.ring[(st.ringStart+i)%len(st.ring)]
			if ev.Sequence > fromSeq {
				replay = append(replay, ev)
			}
		}
	}

	sub := &Subscriber{
		UserID: userID,
		events: make(chan *Event, h.queueSize),
		behind: make(chan struct{}),
	}
	st.subscribers[sub] = struct{}{}
	return sub, replay, nil
}

// Unsubscribe 注销订阅者
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	st := h.stream(sub.UserID)

	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.subscribers, sub)
}

// CurrentSequence 用户当前最新序号，0 表示尚无事件
func (h *Hub) CurrentSequence(userID int64) uint64 {
	st := h.stream(userID)

	st.mu.Lock()
	defer st.mu.Unlock()
	return st.seq
}

// SubscriberCount 用户当前订阅者数量
func (h *Hub) SubscriberCount(userID int64) int {
	st := h.stream(userID)

	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.subscribers)
}
