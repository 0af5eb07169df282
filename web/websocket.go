package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"autofutures/event"
	"autofutures/logger"
	"autofutures/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// 快照附带的机器人日志条数
	snapshotLogLimit = 50
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// clientMessage 客户端控制消息
type clientMessage struct {
	Type    string `json:"type"`    // subscribe, ping
	LastSeq uint64 `json:"last_seq"`
}

// wsFrame 服务端下行帧
type wsFrame struct {
	Type string      `json:"type"` // snapshot, update, log, trade, pong, error
	Seq  uint64      `json:"seq,omitempty"`
	Data interface{} `json:"data,omitempty"`
}

// handleWebSocket 对账推送通道。
// 客户端带上已处理的最后序号订阅：序号仍在回放环内就从断点续传，
// 已被覆盖则先下发一致性快照再续推，快照的 seq 就是后续帧的起点
func (s *Server) handleWebSocket(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = c.GetHeader("Sec-WebSocket-Protocol")
	}
	userID, err := s.parseToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "认证凭证无效"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("⚠️ WebSocket 升级失败: %v", err)
		return
	}
	defer conn.Close()

	metrics.WebSocketConnections.Inc()
	defer metrics.WebSocketConnections.Dec()
	logger.Debug("🔌 用户 %d WebSocket 已连接", userID)

	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// 读协程只产出控制消息
	control := make(chan *clientMessage, 8)
	readErr := make(chan error, 1)
	go func() {
		defer close(control)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			var msg clientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			select {
			case control <- &msg:
			default:
			}
		}
	}()

	// 等首条 subscribe，兼容直接开始推送的旧客户端
	lastSeq := uint64(0)
	select {
	case msg, ok := <-control:
		if !ok {
			return
		}
		if msg.Type == "subscribe" {
			lastSeq = msg.LastSeq
		}
	case <-time.After(5 * time.Second):
	case <-readErr:
		return
	}

	sub, err := s.attach(conn, userID, lastSeq)
	if err != nil {
		return
	}
	defer func() { s.hub.Unsubscribe(sub) }()

	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := s.writeEvent(conn, ev); err != nil {
				return
			}

		case <-sub.Behind():
			// 投递队列溢出，整体重来：快照 + 断点续推
			metrics.WebSocketResyncsTotal.Inc()
			logger.Debug("🔄 用户 %d 订阅落后，重新下发快照", userID)
			s.hub.Unsubscribe(sub)
			sub, err = s.attach(conn, userID, 0)
			if err != nil {
				return
			}

		case msg, ok := <-control:
			if !ok {
				return
			}
			switch msg.Type {
			case "ping":
				if err := s.writeFrame(conn, &wsFrame{Type: "pong"}); err != nil {
					return
				}
			case "subscribe":
				// 客户端检测到序号空洞后主动重订阅
				metrics.WebSocketResyncsTotal.Inc()
				s.hub.Unsubscribe(sub)
				sub, err = s.attach(conn, userID, msg.LastSeq)
				if err != nil {
					return
				}
			}

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-readErr:
			return
		}
	}
}

// attach 从 lastSeq 接入事件流：优先断点续传，
// 回放不可达时先发快照再从快照序号订阅
func (s *Server) attach(conn *websocket.Conn, userID int64, lastSeq uint64) (*event.Subscriber, error) {
	sub, replay, err := s.hub.Subscribe(userID, lastSeq)
	if err == nil {
		for _, ev := range replay {
			if werr := s.writeEvent(conn, ev); werr != nil {
				s.hub.Unsubscribe(sub)
				return nil, werr
			}
		}
		return sub, nil
	}
	if !errors.Is(err, event.ErrReplayMiss) {
		return nil, err
	}
	return s.snapshotAndSubscribe(conn, userID)
}

// snapshotAndSubscribe 下发全量快照并从快照序号订阅。
// 先取当前序号再读库：读库期间发布的事件序号都大于快照序号，
// 订阅后仍会完整送达，客户端按至少一次语义覆盖即可
func (s *Server) snapshotAndSubscribe(conn *websocket.Conn, userID int64) (*event.Subscriber, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		seq := s.hub.CurrentSequence(userID)
		snap, err := s.store.Snapshot(context.Background(), userID, snapshotLogLimit)
		if err != nil {
			return nil, err
		}

		if err := s.writeFrame(conn, &wsFrame{Type: "snapshot", Seq: seq, Data: snap}); err != nil {
			return nil, err
		}

		sub, replay, err := s.hub.Subscribe(userID, seq)
		if err == nil {
			for _, ev := range replay {
				if werr := s.writeEvent(conn, ev); werr != nil {
					s.hub.Unsubscribe(sub)
					return nil, werr
				}
			}
			return sub, nil
		}
		// 快照期间事件把回放环冲掉了，重来
		lastErr = err
	}
	return nil, lastErr
}

func (s *Server) writeEvent(conn *websocket.Conn, ev *event.Event) error {
	return s.writeFrame(conn, &wsFrame{Type: string(ev.Type), Seq: ev.Sequence, Data: ev.Data})
}

func (s *Server) writeFrame(conn *websocket.Conn, frame *wsFrame) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(frame)
}
