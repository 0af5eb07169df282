package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"autofutures/database"
	"autofutures/gateway"
	"autofutures/ledger"
	"autofutures/logger"
	"autofutures/metrics"
	"autofutures/strategy"
	"autofutures/utils"
)

// runLoop 单用户交易主循环：扫描报价 → 策略评估 → 执行意图。
// 循环内的任何失败只记日志，不终止会话
func (m *Manager) runLoop(ctx context.Context, sess *botSession) {
	defer m.wg.Done()
	defer close(sess.done)

	for {
		params := sess.getParams()
		searchDelay, cycleDelay := m.delaysFor(params.Frequency)

		executed, err := m.runCycle(ctx, sess, params)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("❌ 用户 %d 交易循环出错: %v", sess.userID, err)
			m.logAndPublish(ctx, sess.userID, nil, database.LogTypeError, err.Error(), "")
		}

		// 成交后休整一个完整周期，空扫只等搜索间隔
		delay := searchDelay
		if executed {
			delay = cycleDelay
		}

		// 续期会话锁，锁被抢走说明另一实例已接管
		if err := m.dlock.Extend(ctx, sessionLockKey(sess.userID), sessionLockTTL); err != nil && ctx.Err() == nil {
			logger.Warn("⚠️ 用户 %d 会话锁续期失败: %v", sess.userID, err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// runCycle 执行一轮扫描，返回是否有意图被执行
func (m *Manager) runCycle(ctx context.Context, sess *botSession, params *ledger.TradeParams) (bool, error) {
	symbol := params.Coin + "/USDT"

	m.logAndPublish(ctx, sess.userID, nil, database.LogTypeSearch,
		fmt.Sprintf("扫描 %s 行情...", symbol), "")

	quotes := make(map[string]*gateway.PriceQuote)
	for exchangeID, gw := range sess.gateways {
		var quote *gateway.PriceQuote
		err := m.withRetry(ctx, func() error {
			var qerr error
			quote, qerr = gw.GetPrice(ctx, symbol)
			return qerr
		})
		if err != nil {
			logger.Warn("⚠️ 获取 %s 报价失败: %v", exchangeID, err)
			continue
		}
		quotes[exchangeID] = quote
	}
	if len(quotes) == 0 {
		return false, fmt.Errorf("所有交易所报价均不可用")
	}

	active, err := m.store.ListActiveTrades(ctx, sess.userID)
	if err != nil {
		return false, fmt.Errorf("查询活跃交易失败: %w", err)
	}

	view := &strategy.MarketView{
		Params:           params,
		Quotes:           quotes,
		ActiveTrades:     active,
		MaxActiveTrades:  m.cfg.Engine.MaxActiveTrades,
		MinProfitPercent: m.cfg.Engine.MinProfitPercent,
	}
	intents, err := sess.strategy.Evaluate(ctx, view)
	if err != nil {
		return false, fmt.Errorf("策略评估失败: %w", err)
	}
	if len(intents) == 0 {
		return false, nil
	}

	executed := false
	for _, intent := range intents {
		if ctx.Err() != nil {
			return executed, ctx.Err()
		}
		if err := m.applyIntent(ctx, sess, intent); err != nil {
			m.logAndPublish(ctx, sess.userID, nil, database.LogTypeError,
				fmt.Sprintf("执行意图失败 [%s %s]: %v", intent.Kind, intent.Symbol, err), "")
			metrics.IntentFailuresTotal.WithLabelValues(string(intent.Kind)).Inc()
			continue
		}
		executed = true
	}
	return executed, nil
}

// applyIntent 执行单个交易意图
func (m *Manager) applyIntent(ctx context.Context, sess *botSession, intent *strategy.Intent) error {
	switch intent.Kind {
	case strategy.IntentOpen:
		if intent.BuyExchange != "" && intent.SellExchange != "" {
			return m.executeArbitrage(ctx, sess, intent)
		}
		return m.executeOpen(ctx, sess, intent)
	case strategy.IntentClose:
		return m.executeClose(ctx, sess, intent)
	default:
		return ledger.NewValidationError("未知意图类型: %s", intent.Kind)
	}
}

// executeArbitrage 完整套利周期：开仓 → 买入 → 划转 → 卖出 → 平仓。
// 每一步先落账再调网关，失败时交易保持当前状态等待下一轮处理
func (m *Manager) executeArbitrage(ctx context.Context, sess *botSession, intent *strategy.Intent) error {
	buyGw, ok := sess.gateways[intent.BuyExchange]
	if !ok {
		return ledger.NewValidationError("交易所 %s 未连接", intent.BuyExchange)
	}
	sellGw, ok := sess.gateways[intent.SellExchange]
	if !ok {
		return ledger.NewValidationError("交易所 %s 未连接", intent.SellExchange)
	}

	params := sess.getParams()
	trade, orders, err := m.store.OpenTrade(ctx, sess.userID, &ledger.OpenTradeRequest{
		TradeType:  database.TradeTypeArbitrage,
		Symbol:     intent.Symbol,
		Side:       database.SideBuy,
		EntryPrice: intent.EntryPrice,
		Amount:     intent.Amount,
		Exchanges:  []string{intent.BuyExchange, intent.SellExchange},
		Strategy:   sess.strategy.Name(),
		Params:     params,
		Legs: []ledger.OrderLeg{
			{ExchangeID: intent.BuyExchange, OrderType: "market", Side: database.SideBuy, Amount: intent.Amount},
			{ExchangeID: intent.SellExchange, OrderType: "market", Side: database.SideSell, Amount: intent.Amount},
		},
	})
	if err != nil {
		return err
	}
	m.publishTrade(sess.userID, "opened", trade)
	m.logAndPublish(ctx, sess.userID, &trade.ID, database.LogTypeInfo, intent.Reason, "")

	buyOrder, sellOrder := orders[0], orders[1]
	coin := strings.SplitN(intent.Symbol, "/", 2)[0]

	// 买入腿
	var buyResult *gateway.OrderResult
	err = m.withRetry(ctx, func() error {
		var perr error
		buyResult, perr = buyGw.PlaceOrder(ctx, &gateway.OrderRequest{
			ClientOrderID: utils.GenerateClientOrderID(sess.userID, database.SideBuy),
			Symbol:        intent.Symbol, Side: database.SideBuy, OrderType: "market", Amount: intent.Amount,
		})
		return perr
	})
	if err != nil {
		return fmt.Errorf("买入腿失败: %w", err)
	}
	if _, _, err := m.store.RecordFill(ctx, sess.userID, buyOrder.ID, buyResult.FilledAmount); err != nil {
		return fmt.Errorf("记录买入成交失败: %w", err)
	}
	m.logAndPublish(ctx, sess.userID, &trade.ID, database.LogTypeBuy,
		fmt.Sprintf("在 %s 买入 %.8f %s @ %.8f", intent.BuyExchange, buyResult.FilledAmount, coin, buyResult.Price), "")

	// 划转到卖出交易所
	err = m.withRetry(ctx, func() error {
		return buyGw.Transfer(ctx, coin, buyResult.FilledAmount, intent.SellExchange)
	})
	if err != nil {
		return fmt.Errorf("划转失败: %w", err)
	}
	m.logAndPublish(ctx, sess.userID, &trade.ID, database.LogTypeTransfer,
		fmt.Sprintf("划转 %.8f %s: %s -> %s", buyResult.FilledAmount, coin, intent.BuyExchange, intent.SellExchange), "")

	// 卖出腿
	var sellResult *gateway.OrderResult
	err = m.withRetry(ctx, func() error {
		var perr error
		sellResult, perr = sellGw.PlaceOrder(ctx, &gateway.OrderRequest{
			ClientOrderID: utils.GenerateClientOrderID(sess.userID, database.SideSell),
			Symbol:        intent.Symbol, Side: database.SideSell, OrderType: "market", Amount: buyResult.FilledAmount,
		})
		return perr
	})
	if err != nil {
		return fmt.Errorf("卖出腿失败: %w", err)
	}
	if _, _, err := m.store.RecordFill(ctx, sess.userID, sellOrder.ID, sellResult.FilledAmount); err != nil {
		return fmt.Errorf("记录卖出成交失败: %w", err)
	}
	m.logAndPublish(ctx, sess.userID, &trade.ID, database.LogTypeSell,
		fmt.Sprintf("在 %s 卖出 %.8f %s @ %.8f", intent.SellExchange, sellResult.FilledAmount, coin, sellResult.Price), "")

	// 按实际卖出价平仓
	closed, snap, err := m.store.CloseTrade(ctx, sess.userID, trade.ID, sellResult.Price)
	if err != nil {
		return fmt.Errorf("平仓失败: %w", err)
	}
	m.publishTrade(sess.userID, "closed", closed)
	m.publishUpdate(sess.userID, "pnl", map[string]interface{}{
		"cumulative_pnl": snap.CumulativePnL,
		"trades_count":   snap.TradesCount,
	})
	metrics.TradesClosedTotal.Inc()
	if closed.PnL != nil {
		metrics.TradePnL.Observe(*closed.PnL)
	}
	return nil
}

// executeOpen 单所开仓（保证金/现货）
func (m *Manager) executeOpen(ctx context.Context, sess *botSession, intent *strategy.Intent) error {
	exchangeID, gw := m.pickGateway(sess)
	if gw == nil {
		return ledger.NewValidationError("没有可用的交易所连接")
	}

	params := sess.getParams()
	tradeType := database.TradeTypeMargin
	if sess.strategy.Name() == "arbitrage" {
		tradeType = database.TradeTypeSpot
	}
	trade, orders, err := m.store.OpenTrade(ctx, sess.userID, &ledger.OpenTradeRequest{
		TradeType:  tradeType,
		Symbol:     intent.Symbol,
		Side:       intent.Side,
		EntryPrice: intent.EntryPrice,
		Amount:     intent.Amount,
		Exchanges:  []string{exchangeID},
		Strategy:   sess.strategy.Name(),
		Params:     params,
		Legs: []ledger.OrderLeg{
			{ExchangeID: exchangeID, OrderType: "market", Side: intent.Side, Amount: intent.Amount},
		},
	})
	if err != nil {
		return err
	}
	m.publishTrade(sess.userID, "opened", trade)
	m.logAndPublish(ctx, sess.userID, &trade.ID, database.LogTypeInfo, intent.Reason, "")

	var result *gateway.OrderResult
	err = m.withRetry(ctx, func() error {
		var perr error
		result, perr = gw.PlaceOrder(ctx, &gateway.OrderRequest{
			ClientOrderID: utils.GenerateClientOrderID(sess.userID, intent.Side),
			Symbol:        intent.Symbol, Side: intent.Side, OrderType: "market", Amount: intent.Amount,
		})
		return perr
	})
	if err != nil {
		return fmt.Errorf("下单失败: %w", err)
	}
	if _, _, err := m.store.RecordFill(ctx, sess.userID, orders[0].ID, result.FilledAmount); err != nil {
		return fmt.Errorf("记录成交失败: %w", err)
	}

	logType := database.LogTypeBuy
	if intent.Side == database.SideSell || intent.Side == database.SideShort {
		logType = database.LogTypeSell
	}
	m.logAndPublish(ctx, sess.userID, &trade.ID, logType,
		fmt.Sprintf("在 %s 成交 %.8f @ %.8f", exchangeID, result.FilledAmount, result.Price), "")
	metrics.TradesOpenedTotal.Inc()
	return nil
}

// executeClose 平仓意图
func (m *Manager) executeClose(ctx context.Context, sess *botSession, intent *strategy.Intent) error {
	closed, snap, err := m.store.CloseTrade(ctx, sess.userID, intent.TradeID, intent.ExitPrice)
	if err != nil {
		return err
	}
	m.logAndPublish(ctx, sess.userID, &closed.ID, database.LogTypeInfo, intent.Reason, "")
	m.publishTrade(sess.userID, "closed", closed)
	m.publishUpdate(sess.userID, "pnl", map[string]interface{}{
		"cumulative_pnl": snap.CumulativePnL,
		"trades_count":   snap.TradesCount,
	})
	metrics.TradesClosedTotal.Inc()
	if closed.PnL != nil {
		metrics.TradePnL.Observe(*closed.PnL)
	}
	return nil
}

func (m *Manager) pickGateway(sess *botSession) (string, gateway.IGateway) {
	for exchangeID, gw := range sess.gateways {
		return exchangeID, gw
	}
	return "", nil
}

// withRetry 网关调用重试：只重试超时类错误，指数退避，
// 拒绝类错误立即返回
func (m *Manager) withRetry(ctx context.Context, op func() error) error {
	backoff := m.cfg.RetryBackoff()
	var err error
	for attempt := 0; attempt <= m.cfg.Engine.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.GatewayRetriesTotal.Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err = op(); err == nil {
			return nil
		}
		if !gateway.IsRetryable(err) {
			return err
		}
	}
	return err
}
