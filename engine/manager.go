package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"autofutures/config"
	"autofutures/database"
	"autofutures/event"
	"autofutures/gateway"
	"autofutures/ledger"
	"autofutures/lock"
	"autofutures/logger"
	"autofutures/metrics"
	"autofutures/strategy"
	"autofutures/utils"
)

// 分布式锁 TTL，循环每轮续期
const sessionLockTTL = 2 * time.Minute

// Manager 机器人引擎：每用户一个独立交易循环，
// 会话状态持久化到数据库，重启后可恢复
type Manager struct {
	cfg     *config.Config
	store   *ledger.Store
	db      database.Database
	hub     *event.Hub
	factory *gateway.Factory
	dlock   lock.DistributedLock

	mu       sync.Mutex
	sessions map[int64]*botSession
	wg       sync.WaitGroup

	// 测试钩子：覆盖频率档位对应的扫描/循环间隔
	delaysFor func(frequency string) (search, cycle time.Duration)
}

// botSession 单用户运行中的机器人
type botSession struct {
	userID    int64
	strategy  strategy.Strategy
	gateways  map[string]gateway.IGateway
	startedAt time.Time

	mu     sync.RWMutex
	params *ledger.TradeParams

	cancel context.CancelFunc
	done   chan struct{}
}

func (s *botSession) getParams() *ledger.TradeParams {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := *s.params
	return &p
}

// NewManager 创建引擎
func NewManager(cfg *config.Config, store *ledger.Store, db database.Database, hub *event.Hub, factory *gateway.Factory, dlock lock.DistributedLock) *Manager {
	return &Manager{
		cfg:       cfg,
		store:     store,
		db:        db,
		hub:       hub,
		factory:   factory,
		dlock:     dlock,
		sessions:  make(map[int64]*botSession),
		delaysFor: frequencyDelays,
	}
}

// frequencyDelays 频率档位对应的扫描间隔和循环间隔
func frequencyDelays(frequency string) (search, cycle time.Duration) {
	switch frequency {
	case ledger.FrequencyHigh:
		return 5 * time.Second, 10 * time.Second
	case ledger.FrequencyMedium:
		return 15 * time.Second, 30 * time.Second
	default: // low
		return 30 * time.Second, 60 * time.Second
	}
}

func sessionLockKey(userID int64) string {
	return fmt.Sprintf("engine:session:%d", userID)
}

// Start 启动用户机器人。已在运行时返回 AlreadyRunningError，
// 会话行落盘后才发布 session_started 事件
func (m *Manager) Start(ctx context.Context, userID int64, params *ledger.TradeParams) error {
	if params == nil {
		return ledger.NewValidationError("交易参数不能为空")
	}
	if err := params.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[userID]; exists {
		return &AlreadyRunningError{UserID: userID}
	}

	// 多实例部署下同一用户只允许一个引擎接管
	acquired, err := m.dlock.TryLock(ctx, sessionLockKey(userID), sessionLockTTL)
	if err != nil {
		return fmt.Errorf("获取会话锁失败: %w", err)
	}
	if !acquired {
		return &AlreadyRunningError{UserID: userID}
	}

	sess, err := m.buildSession(ctx, userID, params)
	if err != nil {
		m.dlock.Unlock(ctx, sessionLockKey(userID))
		return err
	}

	now := utils.NowUTC()
	record := &database.Session{
		UserID:    userID,
		IsRunning: true,
		Params:    params.Marshal(),
		StartedAt: &now,
	}
	if err := m.db.SaveSession(ctx, record); err != nil {
		sess.closeGateways()
		m.dlock.Unlock(ctx, sessionLockKey(userID))
		return fmt.Errorf("保存会话失败: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	sess.cancel = cancel
	sess.done = make(chan struct{})
	m.sessions[userID] = sess

	m.publishUpdate(userID, "session_started", map[string]interface{}{
		"params":     params,
		"started_at": now,
	})
	m.logAndPublish(context.Background(), userID, nil, database.LogTypeInfo,
		fmt.Sprintf("机器人已启动: %s %s, 单笔 %.2f USDT, 频率 %s",
			params.Coin, params.Side, params.OrderSize, params.Frequency), "")
	metrics.ActiveSessions.Inc()
	metrics.SessionStartsTotal.Inc()

	m.wg.Add(1)
	go m.runLoop(loopCtx, sess)

	logger.Info("🚀 用户 %d 机器人已启动: %s/%s", userID, sess.strategy.Name(), params.Frequency)
	return nil
}

// buildSession 装配会话：策略 + 用户全部活跃交易所网关
func (m *Manager) buildSession(ctx context.Context, userID int64, params *ledger.TradeParams) (*botSession, error) {
	settings, err := m.db.GetUserSettings(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("读取用户设置失败: %w", err)
	}
	strategyName := ""
	if settings != nil {
		strategyName = settings.Strategy
		if strategyName == "" && settings.TradeType == database.TradeTypeMargin {
			strategyName = "margin"
		}
	}
	strat, err := strategy.New(strategyName)
	if err != nil {
		return nil, err
	}

	conns, err := m.db.GetExchangeConnections(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("读取交易所连接失败: %w", err)
	}

	gateways := make(map[string]gateway.IGateway)
	for _, conn := range conns {
		if !conn.IsActive {
			continue
		}
		gw, err := m.factory.Create(conn)
		if err != nil {
			for _, g := range gateways {
				g.Close()
			}
			return nil, err
		}
		gateways[conn.ExchangeID] = gw
	}

	if len(gateways) == 0 {
		return nil, ledger.NewValidationError("启动前必须至少连接一个交易所")
	}
	if strat.Name() == "arbitrage" && len(gateways) < 2 {
		for _, g := range gateways {
			g.Close()
		}
		return nil, ledger.NewValidationError("套利策略需要至少两个交易所连接")
	}

	return &botSession{
		userID:    userID,
		strategy:  strat,
		gateways:  gateways,
		params:    params,
		startedAt: utils.NowUTC(),
	}, nil
}

func (s *botSession) closeGateways() {
	for _, gw := range s.gateways {
		gw.Close()
	}
}

// Stop 停止用户机器人。幂等：未运行时静默成功且不发事件。
// 未平仓交易保持原状，在途订单不撤销，继续被动跟踪
func (m *Manager) Stop(ctx context.Context, userID int64) error {
	m.mu.Lock()
	sess, exists := m.sessions[userID]
	if exists {
		delete(m.sessions, userID)
	}
	m.mu.Unlock()

	if !exists {
		// 容忍数据库里残留的 running 标记（如进程崩溃后）
		record, err := m.db.GetSession(ctx, userID)
		if err != nil {
			return fmt.Errorf("读取会话失败: %w", err)
		}
		if record != nil && record.IsRunning {
			now := utils.NowUTC()
			record.IsRunning = false
			record.StoppedAt = &now
			if err := m.db.SaveSession(ctx, record); err != nil {
				return fmt.Errorf("保存会话失败: %w", err)
			}
		}
		return nil
	}

	sess.cancel()
	<-sess.done
	sess.closeGateways()

	now := utils.NowUTC()
	record, err := m.db.GetSession(ctx, userID)
	if err == nil && record != nil {
		record.IsRunning = false
		record.StoppedAt = &now
		if err := m.db.SaveSession(ctx, record); err != nil {
			logger.Error("❌ 保存会话失败: %v", err)
		}
	}

	m.dlock.Unlock(ctx, sessionLockKey(userID))

	// 停止恰好发布一次 session_stopped
	m.publishUpdate(userID, "session_stopped", map[string]interface{}{
		"stopped_at": now,
	})
	m.logAndPublish(ctx, userID, nil, database.LogTypeInfo, "机器人已停止", "")
	metrics.ActiveSessions.Dec()

	logger.Info("🛑 用户 %d 机器人已停止", userID)
	return nil
}

// UpdateParams 热更新运行中会话的交易参数，下一轮循环生效。
// 未运行时只校验不落盘
func (m *Manager) UpdateParams(ctx context.Context, userID int64, params *ledger.TradeParams) error {
	if params == nil {
		return ledger.NewValidationError("交易参数不能为空")
	}
	if err := params.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	sess, exists := m.sessions[userID]
	m.mu.Unlock()
	if !exists {
		return nil
	}

	sess.mu.Lock()
	sess.params = params
	sess.mu.Unlock()

	record, err := m.db.GetSession(ctx, userID)
	if err != nil {
		return fmt.Errorf("读取会话失败: %w", err)
	}
	if record != nil {
		record.Params = params.Marshal()
		if err := m.db.SaveSession(ctx, record); err != nil {
			return fmt.Errorf("保存会话失败: %w", err)
		}
	}

	m.publishUpdate(userID, "params_updated", map[string]interface{}{"params": params})
	m.logAndPublish(ctx, userID, nil, database.LogTypeInfo, "交易参数已更新", params.Marshal())
	return nil
}

// SessionStatus 会话状态
type SessionStatus struct {
	IsRunning bool                 `json:"is_running"`
	Params    *ledger.TradeParams  `json:"params,omitempty"`
	StartedAt *time.Time           `json:"started_at,omitempty"`
	StoppedAt *time.Time           `json:"stopped_at,omitempty"`
	Strategy  string               `json:"strategy,omitempty"`
}

// Status 查询用户会话状态，以内存为准，数据库兜底
func (m *Manager) Status(ctx context.Context, userID int64) (*SessionStatus, error) {
	m.mu.Lock()
	sess, exists := m.sessions[userID]
	m.mu.Unlock()

	if exists {
		return &SessionStatus{
			IsRunning: true,
			Params:    sess.getParams(),
			StartedAt: &sess.startedAt,
			Strategy:  sess.strategy.Name(),
		}, nil
	}

	record, err := m.db.GetSession(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("读取会话失败: %w", err)
	}
	status := &SessionStatus{}
	if record != nil {
		status.StartedAt = record.StartedAt
		status.StoppedAt = record.StoppedAt
		params, err := ledger.UnmarshalParams(record.Params)
		if err == nil {
			status.Params = params
		}
	}
	return status, nil
}

// RunningUsers 当前运行中的用户列表
func (m *Manager) RunningUsers() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	users := make([]int64, 0, len(m.sessions))
	for userID := range m.sessions {
		users = append(users, userID)
	}
	return users
}

// IsRunning 用户机器人是否在运行
func (m *Manager) IsRunning(userID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.sessions[userID]
	return exists
}

// Shutdown 停止全部会话并等待循环退出
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	users := make([]int64, 0, len(m.sessions))
	for userID := range m.sessions {
		users = append(users, userID)
	}
	m.mu.Unlock()

	for _, userID := range users {
		if err := m.Stop(ctx, userID); err != nil {
			logger.Error("❌ 停止用户 %d 机器人失败: %v", userID, err)
		}
	}
	m.wg.Wait()
}

// publishUpdate 发布 update 类型事件
func (m *Manager) publishUpdate(userID int64, kind string, data map[string]interface{}) {
	payload := map[string]interface{}{"kind": kind}
	for k, v := range data {
		payload[k] = v
	}
	m.hub.Publish(userID, event.EventTypeUpdate, payload)
	metrics.EventsPublishedTotal.WithLabelValues(string(event.EventTypeUpdate)).Inc()
}

// logAndPublish 机器人日志落盘并推送 log 事件
func (m *Manager) logAndPublish(ctx context.Context, userID int64, tradeID *int64, logType, message, details string) {
	entry, err := m.store.AddBotLog(ctx, userID, tradeID, logType, message, details)
	if err != nil {
		logger.Error("❌ 写入机器人日志失败: %v", err)
		return
	}
	m.hub.Publish(userID, event.EventTypeLog, entry)
	metrics.EventsPublishedTotal.WithLabelValues(string(event.EventTypeLog)).Inc()
}

// publishTrade 推送 trade 事件
func (m *Manager) publishTrade(userID int64, action string, trade *database.Trade) {
	data, _ := json.Marshal(trade)
	var tradeMap map[string]interface{}
	json.Unmarshal(data, &tradeMap)
	tradeMap["action"] = action
	m.hub.Publish(userID, event.EventTypeTrade, tradeMap)
	metrics.EventsPublishedTotal.WithLabelValues(string(event.EventTypeTrade)).Inc()
}
