package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"autofutures/config"
	"autofutures/database"
	"autofutures/event"
	"autofutures/gateway"
	"autofutures/ledger"
	"autofutures/lock"
)

func newTestManager(t *testing.T) (*Manager, database.Database, *event.Hub) {
	t.Helper()

	db, err := database.NewGormDatabase(&database.DBConfig{
		Type:     "sqlite",
		DSN:      filepath.Join(t.TempDir(), "engine.db"),
		LogLevel: "silent",
	})
	if err != nil {
		t.Fatalf("创建测试数据库失败: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := config.DefaultConfig()
	cfg.Engine.MinProfitPercent = -100 // 任意价差都触发，测试里保证每轮成交
	cfg.Engine.RetryBackoffMS = 1

	enc, err := gateway.NewEncryptor("engine-test-key")
	if err != nil {
		t.Fatalf("创建加密器失败: %v", err)
	}
	factory := gateway.NewFactory(enc, &gateway.SimulatedConfig{RateLimit: 10000, RateBurst: 10000})

	hub := event.NewHub(0, 1024)
	store := ledger.NewStore(db)
	m := NewManager(cfg, store, db, hub, factory, lock.NewNopLock())
	m.delaysFor = func(string) (time.Duration, time.Duration) {
		return 5 * time.Millisecond, 5 * time.Millisecond
	}
	return m, db, hub
}

var seedSeq atomic.Int64

func seedUser(t *testing.T, db database.Database, exchanges ...string) int64 {
	t.Helper()
	ctx := context.Background()

	// 同一测试内多次播种，用户名带序号避免唯一约束冲突
	user := &database.User{Username: fmt.Sprintf("bot_%s_%d", t.Name(), seedSeq.Add(1))}
	if err := db.CreateUser(ctx, user); err != nil {
		t.Fatalf("创建用户失败: %v", err)
	}

	enc, _ := gateway.NewEncryptor("engine-test-key")
	f := gateway.NewFactory(enc, nil)
	for _, ex := range exchanges {
		conn, err := f.EncryptConnection(user.ID, ex, "key-"+ex, "secret-"+ex)
		if err != nil {
			t.Fatalf("构建连接失败: %v", err)
		}
		if err := db.SaveExchangeConnection(ctx, conn); err != nil {
			t.Fatalf("保存连接失败: %v", err)
		}
	}
	return user.ID
}

func testParams() *ledger.TradeParams {
	return &ledger.TradeParams{
		Coin: "BTC", Side: "buy", OrderSize: 1000, Frequency: ledger.FrequencyHigh,
	}
}

func TestStartAlreadyRunning(t *testing.T) {
	m, db, _ := newTestManager(t)
	userID := seedUser(t, db, "binance", "kraken")
	ctx := context.Background()

	if err := m.Start(ctx, userID, testParams()); err != nil {
		t.Fatalf("启动失败: %v", err)
	}
	defer m.Shutdown(ctx)

	err := m.Start(ctx, userID, testParams())
	var aerr *AlreadyRunningError
	if !errors.As(err, &aerr) {
		t.Fatalf("重复启动期望 AlreadyRunningError, 实际 %v", err)
	}

	if !m.IsRunning(userID) {
		t.Error("IsRunning 应返回 true")
	}

	session, err := db.GetSession(ctx, userID)
	if err != nil || session == nil {
		t.Fatalf("会话行应已落盘: %v", err)
	}
	if !session.IsRunning || session.StartedAt == nil {
		t.Error("会话行应标记为运行中")
	}
}

func TestStartValidation(t *testing.T) {
	m, db, _ := newTestManager(t)
	ctx := context.Background()

	// 无交易所连接
	noConns := seedUser(t, db)
	var verr *ledger.ValidationError
	if err := m.Start(ctx, noConns, testParams()); !errors.As(err, &verr) {
		t.Errorf("无连接启动期望 ValidationError, 实际 %v", err)
	}

	// 套利需要两个交易所
	oneConn := seedUser(t, db, "binance")
	if err := m.Start(ctx, oneConn, testParams()); !errors.As(err, &verr) {
		t.Errorf("单交易所套利期望 ValidationError, 实际 %v", err)
	}

	// 非法参数
	twoConns := seedUser(t, db, "binance", "kraken")
	bad := testParams()
	bad.OrderSize = -1
	if err := m.Start(ctx, twoConns, bad); !errors.As(err, &verr) {
		t.Errorf("非法参数期望 ValidationError, 实际 %v", err)
	}
	if err := m.Start(ctx, twoConns, nil); !errors.As(err, &verr) {
		t.Errorf("空参数期望 ValidationError, 实际 %v", err)
	}
}

func TestStopIdempotent(t *testing.T) {
	m, db, hub := newTestManager(t)
	userID := seedUser(t, db, "binance", "kraken")
	ctx := context.Background()

	if err := m.Start(ctx, userID, testParams()); err != nil {
		t.Fatalf("启动失败: %v", err)
	}

	sub, _, err := hub.Subscribe(userID, hub.CurrentSequence(userID))
	if err != nil {
		t.Fatalf("订阅失败: %v", err)
	}
	defer hub.Unsubscribe(sub)

	if err := m.Stop(ctx, userID); err != nil {
		t.Fatalf("停止失败: %v", err)
	}
	if m.IsRunning(userID) {
		t.Error("停止后 IsRunning 应返回 false")
	}

	// 重复停止静默成功
	if err := m.Stop(ctx, userID); err != nil {
		t.Fatalf("重复停止应幂等: %v", err)
	}

	session, err := db.GetSession(ctx, userID)
	if err != nil || session == nil {
		t.Fatalf("会话行查询失败: %v", err)
	}
	if session.IsRunning || session.StoppedAt == nil {
		t.Error("停止后会话行应标记为已停止")
	}

	// session_stopped 恰好发布一次
	stopped := 0
	timeout := time.After(time.Second)
drain:
	for {
		select {
		case ev := <-sub.Events():
			if data, ok := ev.Data.(map[string]interface{}); ok {
				if data["kind"] == "session_stopped" {
					stopped++
				}
			}
		case <-timeout:
			break drain
		default:
			if len(sub.Events()) == 0 {
				break drain
			}
		}
	}
	if stopped != 1 {
		t.Errorf("session_stopped 应恰好发布一次, 实际 %d", stopped)
	}
}

func TestTradeCycleProducesCompletedTrades(t *testing.T) {
	m, db, _ := newTestManager(t)
	userID := seedUser(t, db, "binance", "kraken")
	ctx := context.Background()

	if err := m.Start(ctx, userID, testParams()); err != nil {
		t.Fatalf("启动失败: %v", err)
	}
	defer m.Shutdown(ctx)

	// 等待至少一笔完整套利周期落账
	deadline := time.Now().Add(5 * time.Second)
	var completed []*database.Trade
	for time.Now().Before(deadline) {
		trades, err := db.GetTrades(ctx, &database.TradeFilter{
			UserID: userID, Status: database.TradeStatusCompleted,
		})
		if err != nil {
			t.Fatalf("查询交易失败: %v", err)
		}
		if len(trades) > 0 {
			completed = trades
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(completed) == 0 {
		t.Fatal("交易循环应产出已完成的套利交易")
	}

	trade := completed[0]
	if trade.PnL == nil || trade.ExitPrice == nil || trade.ClosedAt == nil {
		t.Error("已完成交易必须有盈亏、平仓价和平仓时间")
	}
	if trade.FilledAmount != trade.Amount {
		t.Errorf("套利交易应全部成交: filled=%.8f amount=%.8f", trade.FilledAmount, trade.Amount)
	}

	// 盈亏快照与累计值一致
	snap, err := db.LastPnLSnapshot(ctx, userID)
	if err != nil || snap == nil {
		t.Fatalf("盈亏快照查询失败: %v", err)
	}
	if snap.TradesCount < 1 {
		t.Errorf("快照已完成笔数应至少为 1, 实际 %d", snap.TradesCount)
	}

	// 循环应写入搜索/买入/卖出日志
	logs, err := db.GetBotLogs(ctx, userID, 100)
	if err != nil {
		t.Fatalf("查询机器人日志失败: %v", err)
	}
	types := make(map[string]bool)
	for _, entry := range logs {
		types[entry.LogType] = true
	}
	for _, want := range []string{database.LogTypeSearch, database.LogTypeBuy, database.LogTypeSell, database.LogTypeProfit} {
		if !types[want] {
			t.Errorf("缺少 %s 类型的机器人日志", want)
		}
	}
	t.Log("✅ 完整套利周期测试通过")
}

func TestUpdateParamsWhileRunning(t *testing.T) {
	m, db, _ := newTestManager(t)
	userID := seedUser(t, db, "binance", "kraken")
	ctx := context.Background()

	if err := m.Start(ctx, userID, testParams()); err != nil {
		t.Fatalf("启动失败: %v", err)
	}
	defer m.Shutdown(ctx)

	updated := testParams()
	updated.OrderSize = 2500
	updated.Frequency = ledger.FrequencyLow
	if err := m.UpdateParams(ctx, userID, updated); err != nil {
		t.Fatalf("更新参数失败: %v", err)
	}

	status, err := m.Status(ctx, userID)
	if err != nil {
		t.Fatalf("查询状态失败: %v", err)
	}
	if !status.IsRunning || status.Params.OrderSize != 2500 {
		t.Errorf("参数未生效: %+v", status.Params)
	}

	session, _ := db.GetSession(ctx, userID)
	params, _ := ledger.UnmarshalParams(session.Params)
	if params.OrderSize != 2500 {
		t.Errorf("会话行参数未更新: %.2f", params.OrderSize)
	}

	// 非法参数被拒绝
	bad := testParams()
	bad.Frequency = "turbo"
	var verr *ledger.ValidationError
	if err := m.UpdateParams(ctx, userID, bad); !errors.As(err, &verr) {
		t.Errorf("非法参数期望 ValidationError, 实际 %v", err)
	}
}

func TestWithRetryOnlyRetriesTimeouts(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	// 超时错误重试到上限
	attempts := 0
	err := m.withRetry(ctx, func() error {
		attempts++
		return &gateway.TimeoutError{Gateway: "sim", Op: "place_order", Err: context.DeadlineExceeded}
	})
	var terr *gateway.TimeoutError
	if !errors.As(err, &terr) {
		t.Fatalf("重试耗尽应返回最后一次超时错误: %v", err)
	}
	if attempts != m.cfg.Engine.MaxRetries+1 {
		t.Errorf("应尝试 %d 次, 实际 %d", m.cfg.Engine.MaxRetries+1, attempts)
	}

	// 拒绝错误立即返回
	attempts = 0
	err = m.withRetry(ctx, func() error {
		attempts++
		return &gateway.RejectedError{Gateway: "sim", Op: "place_order", Reason: "insufficient margin"}
	})
	var rerr *gateway.RejectedError
	if !errors.As(err, &rerr) || attempts != 1 {
		t.Errorf("拒绝错误不应重试: attempts=%d err=%v", attempts, err)
	}

	// 第二次成功
	attempts = 0
	err = m.withRetry(ctx, func() error {
		attempts++
		if attempts == 1 {
			return &gateway.TimeoutError{Gateway: "sim", Op: "get_price", Err: context.DeadlineExceeded}
		}
		return nil
	})
	if err != nil || attempts != 2 {
		t.Errorf("瞬时超时应重试后成功: attempts=%d err=%v", attempts, err)
	}
}

func TestStatusAfterStop(t *testing.T) {
	m, db, _ := newTestManager(t)
	userID := seedUser(t, db, "binance", "kraken")
	ctx := context.Background()

	if err := m.Start(ctx, userID, testParams()); err != nil {
		t.Fatalf("启动失败: %v", err)
	}
	if err := m.Stop(ctx, userID); err != nil {
		t.Fatalf("停止失败: %v", err)
	}

	status, err := m.Status(ctx, userID)
	if err != nil {
		t.Fatalf("查询状态失败: %v", err)
	}
	if status.IsRunning {
		t.Error("停止后状态应为未运行")
	}
	if status.StoppedAt == nil {
		t.Error("停止时间应保留在状态里")
	}
	if status.Params == nil || status.Params.Coin != "BTC" {
		t.Error("停止后参数快照应可查询")
	}
}
