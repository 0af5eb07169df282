package event

import "time"

// EventType 推送帧类型
type EventType string

const (
	EventTypeUpdate EventType = "update" // 状态变化：交易、余额、会话、盈亏
	EventTypeLog    EventType = "log"    // 机器人日志追加
	EventTypeTrade  EventType = "trade"  // 交易开仓/平仓明细
)

// Event 带序号的用户事件。Sequence 由发布方分配，
// 同一用户内严格单调递增且无空洞
type Event struct {
	UserID    int64       `json:"-"`
	Sequence  uint64      `json:"seq"`
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}
