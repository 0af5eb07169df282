package client

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"autofutures/database"
	"autofutures/ledger"
	"autofutures/logger"
)

const (
	defaultReconnectBase = 1 * time.Second
	defaultReconnectMax  = 30 * time.Second
	handshakeTimeout     = 10 * time.Second
	clientPingPeriod     = 30 * time.Second
	readTimeout          = 90 * time.Second

	// 本地保留的机器人日志条数（新到旧）
	maxLocalLogs = 50
)

// Config 同步器配置
type Config struct {
	URL   string // WebSocket 地址，例如 ws://localhost:28800/api/ws
	Token string // 访问令牌

	ReconnectBase time.Duration // 重连初始等待（默认1秒）
	ReconnectMax  time.Duration // 重连等待上限（默认30秒）
}

// State 服务端状态的本地镜像
type State struct {
	IsRunning     bool
	Params        *ledger.TradeParams
	ActiveTrades  map[int64]*database.Trade
	Balances      []*database.Balance
	CumulativePnL float64
	TradesCount   int64
	Logs          []*database.BotLog // 新到旧，最多 maxLocalLogs 条
	LastSeq       uint64
}

// serverFrame 服务端下行帧
type serverFrame struct {
	Type string          `json:"type"`
	Seq  uint64          `json:"seq"`
	Data json.RawMessage `json:"data"`
}

// subscribeMessage 订阅/重订阅消息
type subscribeMessage struct {
	Type    string `json:"type"`
	LastSeq uint64 `json:"last_seq"`
}

// Synchronizer 客户端状态同步器。
// 连接后以最后处理的序号订阅，收到快照整体替换本地状态，
// 之后只接受序号严格加一的增量帧；发现空洞立即带断点重订阅，
// 由服务端决定续传还是重新下发快照
type Synchronizer struct {
	cfg    Config
	dialer *websocket.Dialer

	mu            sync.RWMutex
	state         State
	synced        bool // 已收到至少一次快照或完成续传
	sessionSynced bool // 本次连接内完成过同步，健康断线后退避归位
	lastSeq       uint64

	cancel context.CancelFunc
	done   chan struct{}

	// OnChange 状态变化回调（可选），在持锁外调用
	OnChange func(st *State)
}

// New 创建同步器
func New(cfg Config) *Synchronizer {
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = defaultReconnectBase
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = defaultReconnectMax
	}
	return &Synchronizer{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

// Start 启动后台同步，断线自动指数退避重连
func (s *Synchronizer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx)
}

// Stop 停止同步并等待退出
func (s *Synchronizer) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// Snapshot 返回当前本地状态的副本
func (s *Synchronizer) Snapshot() *State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyState()
}

// Synced 是否已完成初始同步
func (s *Synchronizer) Synced() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.synced
}

// LastSequence 最后处理的事件序号
func (s *Synchronizer) LastSequence() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeq
}

func (s *Synchronizer) run(ctx context.Context) {
	defer close(s.done)

	backoff := s.cfg.ReconnectBase
	for {
		if ctx.Err() != nil {
			return
		}

		err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}

		// 同步成功过的连接断开按新故障处理，退避从头算
		s.mu.RLock()
		healthy := s.sessionSynced
		s.mu.RUnlock()
		if healthy {
			backoff = s.cfg.ReconnectBase
		}

		if err != nil {
			logger.Warn("⚠️ 同步连接断开: %v，%v 后重连", err, backoff)
		}

		// 指数退避加随机抖动，避免同时重连打爆服务端
		wait := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		backoff *= 2
		if backoff > s.cfg.ReconnectMax {
			backoff = s.cfg.ReconnectMax
		}
	}
}

// session 一次连接的完整生命周期，正常返回即表示需要重连
func (s *Synchronizer) session(ctx context.Context) error {
	s.mu.Lock()
	s.sessionSynced = false
	s.mu.Unlock()

	url := s.cfg.URL + "?token=" + s.cfg.Token
	conn, _, err := s.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("连接失败: %w", err)
	}
	defer conn.Close()

	// 带断点订阅，服务端负责续传或下发快照
	if err := s.subscribe(conn); err != nil {
		return err
	}
	logger.Debug("🔌 同步通道已建立，断点序号 %d", s.LastSequence())

	frames := make(chan *serverFrame, 64)
	readErr := make(chan error, 1)
	go func() {
		defer close(frames)
		for {
			conn.SetReadDeadline(time.Now().Add(readTimeout))
			var frame serverFrame
			if err := conn.ReadJSON(&frame); err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- &frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	ping := time.NewTicker(clientPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil

		case frame, ok := <-frames:
			if !ok {
				return <-readErr
			}
			if err := s.handleFrame(conn, frame); err != nil {
				return err
			}

		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
			if err := conn.WriteJSON(&subscribeMessage{Type: "ping"}); err != nil {
				return err
			}
		}
	}
}

func (s *Synchronizer) subscribe(conn *websocket.Conn) error {
	conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	return conn.WriteJSON(&subscribeMessage{Type: "subscribe", LastSeq: s.LastSequence()})
}

// handleFrame 应用一帧。增量帧只接受序号严格加一：
// 小于等于当前序号按重复投递丢弃，跳号说明链路丢帧，立即重订阅
func (s *Synchronizer) handleFrame(conn *websocket.Conn, frame *serverFrame) error {
	switch frame.Type {
	case "snapshot":
		return s.applySnapshot(frame)
	case "pong":
		return nil
	case "update", "log", "trade":
	default:
		return nil
	}

	s.mu.Lock()
	switch {
	case frame.Seq <= s.lastSeq:
		// 至少一次投递的重复帧
		s.mu.Unlock()
		return nil
	case frame.Seq != s.lastSeq+1:
		s.mu.Unlock()
		logger.Warn("⚠️ 事件序号空洞: 本地 %d, 收到 %d，请求重新同步", s.LastSequence(), frame.Seq)
		return s.subscribe(conn)
	}

	if err := s.applyEvent(frame); err != nil {
		logger.Warn("⚠️ 应用事件 %d 失败: %v", frame.Seq, err)
	}
	s.lastSeq = frame.Seq
	s.synced = true
	s.sessionSynced = true
	st := s.copyState()
	s.mu.Unlock()

	s.notify(st)
	return nil
}

// applySnapshot 快照整体替换本地状态
func (s *Synchronizer) applySnapshot(frame *serverFrame) error {
	var snap ledger.UserSnapshot
	if err := json.Unmarshal(frame.Data, &snap); err != nil {
		return fmt.Errorf("解析快照失败: %w", err)
	}

	active := make(map[int64]*database.Trade, len(snap.ActiveTrades))
	for _, t := range snap.ActiveTrades {
		active[t.ID] = t
	}
	logs := snap.Logs
	if len(logs) > maxLocalLogs {
		logs = logs[:maxLocalLogs]
	}

	s.mu.Lock()
	s.state = State{
		IsRunning:     snap.IsRunning,
		Params:        snap.Params,
		ActiveTrades:  active,
		Balances:      snap.Balances,
		CumulativePnL: snap.CumulativePnL,
		TradesCount:   snap.TradesCount,
		Logs:          logs,
	}
	s.lastSeq = frame.Seq
	s.synced = true
	s.sessionSynced = true
	st := s.copyState()
	s.mu.Unlock()

	logger.Debug("📸 快照已应用，序号 %d，活跃交易 %d 笔", frame.Seq, len(active))
	s.notify(st)
	return nil
}

// applyEvent 按帧类型增量更新本地状态，调用方持有写锁
func (s *Synchronizer) applyEvent(frame *serverFrame) error {
	switch frame.Type {
	case "trade":
		var payload struct {
			database.Trade
			Action string `json:"action"`
		}
		if err := json.Unmarshal(frame.Data, &payload); err != nil {
			return err
		}
		trade := payload.Trade
		switch payload.Action {
		case "closed":
			// 累计盈亏和笔数以随后的 pnl 更新帧为准
			delete(s.state.ActiveTrades, trade.ID)
		default:
			if s.state.ActiveTrades == nil {
				s.state.ActiveTrades = make(map[int64]*database.Trade)
			}
			s.state.ActiveTrades[trade.ID] = &trade
		}

	case "log":
		var entry database.BotLog
		if err := json.Unmarshal(frame.Data, &entry); err != nil {
			return err
		}
		logs := make([]*database.BotLog, 0, len(s.state.Logs)+1)
		logs = append(logs, &entry)
		logs = append(logs, s.state.Logs...)
		if len(logs) > maxLocalLogs {
			logs = logs[:maxLocalLogs]
		}
		s.state.Logs = logs

	case "update":
		var payload struct {
			Kind          string              `json:"kind"`
			Params        *ledger.TradeParams `json:"params"`
			CumulativePnL *float64            `json:"cumulative_pnl"`
			TradesCount   *int64              `json:"trades_count"`
		}
		if err := json.Unmarshal(frame.Data, &payload); err != nil {
			return err
		}
		switch payload.Kind {
		case "session_started":
			s.state.IsRunning = true
			if payload.Params != nil {
				s.state.Params = payload.Params
			}
		case "session_stopped":
			s.state.IsRunning = false
		case "params_updated":
			if payload.Params != nil {
				s.state.Params = payload.Params
			}
		}
		if payload.CumulativePnL != nil {
			s.state.CumulativePnL = *payload.CumulativePnL
		}
		if payload.TradesCount != nil {
			s.state.TradesCount = *payload.TradesCount
		}
	}
	return nil
}

// copyState 调用方至少持有读锁
func (s *Synchronizer) copyState() *State {
	st := s.state
	st.LastSeq = s.lastSeq

	st.ActiveTrades = make(map[int64]*database.Trade, len(s.state.ActiveTrades))
	for id, t := range s.state.ActiveTrades {
		st.ActiveTrades[id] = t
	}
	st.Balances = append([]*database.Balance(nil), s.state.Balances...)
	st.Logs = append([]*database.BotLog(nil), s.state.Logs...)
	return &st
}

func (s *Synchronizer) notify(st *State) {
	if s.OnChange != nil {
		s.OnChange(st)
	}
}
