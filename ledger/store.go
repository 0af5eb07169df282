package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"autofutures/database"
	"autofutures/logger"
	"autofutures/utils"
)

// 浮点成交量比较容差
const fillEpsilon = 1e-9

// Store 交易账本，所有多行写入都在单个数据库事务内完成，
// 同一用户的写操作由分片锁串行化
type Store struct {
	db    database.Database
	locks *userLocks
}

// NewStore 创建账本
func NewStore(db database.Database) *Store {
	return &Store{
		db:    db,
		locks: newUserLocks(),
	}
}

// OrderLeg 开仓时的订单腿
type OrderLeg struct {
	ExchangeID string
	Symbol     string
	OrderType  string
	Side       string
	Price      *float64
	Amount     float64
}

// OpenTradeRequest 开仓请求
type OpenTradeRequest struct {
	TradeType string
	Symbol    string
	Side      string
	EntryPrice float64
	Amount    float64
	Fees      float64
	Exchanges []string
	Strategy  string
	Params    *TradeParams
	Legs      []OrderLeg
}

// OpenTrade 开仓：创建交易记录和全部订单腿，同一事务内落盘。
// 交易初始状态为 pending，首笔成交后转为 active
func (s *Store) OpenTrade(ctx context.Context, userID int64, req *OpenTradeRequest) (*database.Trade, []*database.Order, error) {
	if req.Amount <= 0 {
		return nil, nil, NewValidationError("开仓数量必须大于 0, 实际 %.8f", req.Amount)
	}
	if req.EntryPrice <= 0 {
		return nil, nil, NewValidationError("开仓价格必须大于 0, 实际 %.8f", req.EntryPrice)
	}
	switch req.Side {
	case database.SideBuy, database.SideSell, database.SideLong, database.SideShort:
	default:
		return nil, nil, NewValidationError("非法交易方向: %s", req.Side)
	}
	for i, leg := range req.Legs {
		if leg.Amount <= 0 {
			return nil, nil, NewValidationError("订单腿 %d 数量必须大于 0", i)
		}
	}

	lock := s.locks.Get(userID)
	lock.Lock()
	defer lock.Unlock()

	exchangesJSON, _ := json.Marshal(req.Exchanges)
	paramsJSON := ""
	if req.Params != nil {
		paramsJSON = req.Params.Marshal()
	}

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()

	trade := &database.Trade{
		UserID:     userID,
		TradeType:  req.TradeType,
		Symbol:     req.Symbol,
		Side:       req.Side,
		EntryPrice: req.EntryPrice,
		Amount:     req.Amount,
		Fees:       req.Fees,
		Status:     database.TradeStatusPending,
		Exchanges:  string(exchangesJSON),
		Strategy:   req.Strategy,
		Params:     paramsJSON,
		OpenedAt:   utils.NowUTC(),
	}
	if err := tx.CreateTrade(ctx, trade); err != nil {
		return nil, nil, fmt.Errorf("创建交易记录失败: %w", err)
	}

	orders := make([]*database.Order, 0, len(req.Legs))
	for _, leg := range req.Legs {
		symbol := leg.Symbol
		if symbol == "" {
			symbol = req.Symbol
		}
		order := &database.Order{
			UserID:     userID,
			TradeID:    &trade.ID,
			ExchangeID: leg.ExchangeID,
			Symbol:     symbol,
			OrderType:  leg.OrderType,
			Side:       leg.Side,
			Price:      leg.Price,
			Amount:     leg.Amount,
			Status:     database.OrderStatusNew,
		}
		if err := tx.CreateOrder(ctx, order); err != nil {
			return nil, nil, fmt.Errorf("创建订单失败: %w", err)
		}
		orders = append(orders, order)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("提交事务失败: %w", err)
	}

	logger.Info("📈 用户 %d 开仓: trade=%d %s %s %.8f @ %.8f",
		userID, trade.ID, req.Symbol, req.Side, req.Amount, req.EntryPrice)
	return trade, orders, nil
}

// RecordFill 记录订单成交增量，同步推进父交易的成交量。
// 超额成交整体拒绝，订单和交易都保持不变
func (s *Store) RecordFill(ctx context.Context, userID, orderID int64, delta float64) (*database.Order, *database.Trade, error) {
	if delta <= 0 {
		return nil, nil, NewValidationError("成交增量必须大于 0, 实际 %.8f", delta)
	}

	lock := s.locks.Get(userID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()

	order, err := tx.GetOrderByID(ctx, userID, orderID)
	if err != nil {
		return nil, nil, fmt.Errorf("查询订单失败: %w", err)
	}
	if order == nil {
		return nil, nil, &NotFoundError{Entity: "订单", ID: orderID}
	}
	if order.Status == database.OrderStatusCanceled {
		return nil, nil, &InvalidStateError{Entity: "订单", Current: order.Status, Action: "成交"}
	}
	if order.FilledAmount+delta > order.Amount+fillEpsilon {
		return nil, nil, &OverfillError{
			OrderID:      orderID,
			Amount:       order.Amount,
			FilledAmount: order.FilledAmount,
			Delta:        delta,
		}
	}

	order.FilledAmount += delta
	if order.FilledAmount >= order.Amount-fillEpsilon {
		order.FilledAmount = order.Amount
		order.Status = database.OrderStatusFilled
	} else {
		order.Status = database.OrderStatusPartiallyFilled
	}
	if err := tx.UpdateOrder(ctx, order); err != nil {
		return nil, nil, fmt.Errorf("更新订单失败: %w", err)
	}

	var trade *database.Trade
	if order.TradeID != nil {
		trade, err = tx.GetTradeByID(ctx, userID, *order.TradeID)
		if err != nil {
			return nil, nil, fmt.Errorf("查询交易失败: %w", err)
		}
		if trade != nil {
			trade.FilledAmount += delta
			if trade.FilledAmount > trade.Amount {
				trade.FilledAmount = trade.Amount
			}
			if trade.Status == database.TradeStatusPending {
				trade.Status = database.TradeStatusActive
			}
			if err := tx.UpdateTrade(ctx, trade); err != nil {
				return nil, nil, fmt.Errorf("更新交易失败: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("提交事务失败: %w", err)
	}
	return order, trade, nil
}

// CloseTrade 平仓：计算盈亏、落盘快照和盈利日志，全部在同一事务内。
// 只有 active 状态的交易可以平仓
func (s *Store) CloseTrade(ctx context.Context, userID, tradeID int64, exitPrice float64) (*database.Trade, *database.PnLSnapshot, error) {
	if exitPrice <= 0 {
		return nil, nil, NewValidationError("平仓价格必须大于 0, 实际 %.8f", exitPrice)
	}

	lock := s.locks.Get(userID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()

	trade, err := tx.GetTradeByID(ctx, userID, tradeID)
	if err != nil {
		return nil, nil, fmt.Errorf("查询交易失败: %w", err)
	}
	if trade == nil {
		return nil, nil, &NotFoundError{Entity: "交易", ID: tradeID}
	}
	if trade.Status != database.TradeStatusActive {
		return nil, nil, &InvalidStateError{Entity: "交易", Current: trade.Status, Action: "平仓"}
	}

	pnl, pnlPercent := ComputePnL(trade.Side, trade.EntryPrice, exitPrice, trade.FilledAmount)
	now := utils.NowUTC()
	trade.ExitPrice = &exitPrice
	trade.PnL = &pnl
	trade.PnLPercent = &pnlPercent
	trade.Status = database.TradeStatusCompleted
	trade.ClosedAt = &now
	if err := tx.UpdateTrade(ctx, trade); err != nil {
		return nil, nil, fmt.Errorf("更新交易失败: %w", err)
	}

	cumulative, count, err := tx.SumCompletedPnL(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("累计盈亏求和失败: %w", err)
	}

	snap := &database.PnLSnapshot{
		UserID:        userID,
		Timestamp:     now,
		PnL:           pnl,
		PnLPercent:    pnlPercent,
		CumulativePnL: cumulative,
		TradesCount:   count,
	}
	if err := tx.CreatePnLSnapshot(ctx, snap); err != nil {
		return nil, nil, fmt.Errorf("写入盈亏快照失败: %w", err)
	}

	entry := &database.BotLog{
		UserID:  userID,
		TradeID: &trade.ID,
		LogType: database.LogTypeProfit,
		Message: fmt.Sprintf("平仓 %s: 盈亏 %.4f (%.2f%%), 累计 %.4f", trade.Symbol, pnl, pnlPercent, cumulative),
	}
	if err := tx.CreateBotLog(ctx, entry); err != nil {
		return nil, nil, fmt.Errorf("写入机器人日志失败: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("提交事务失败: %w", err)
	}

	logger.Info("💰 用户 %d 平仓: trade=%d %s pnl=%.4f (%.2f%%)",
		userID, trade.ID, trade.Symbol, pnl, pnlPercent)
	return trade, snap, nil
}

// ComputePnL 按方向计算盈亏和盈亏百分比，基于实际成交量
func ComputePnL(side string, entryPrice, exitPrice, filledAmount float64) (pnl, pnlPercent float64) {
	switch side {
	case database.SideSell, database.SideShort:
		pnl = (entryPrice - exitPrice) * filledAmount
		pnlPercent = (entryPrice - exitPrice) / entryPrice * 100
	default: // buy, long
		pnl = (exitPrice - entryPrice) * filledAmount
		pnlPercent = (exitPrice - entryPrice) / entryPrice * 100
	}
	return pnl, pnlPercent
}

// AdjustBalance 调整余额，任一分量变负则整体拒绝。
// 记录不存在时从零余额开始
func (s *Store) AdjustBalance(ctx context.Context, userID int64, exchangeID, currency string, freeDelta, lockedDelta float64) (*database.Balance, error) {
	lock := s.locks.Get(userID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()

	balance, err := tx.GetBalance(ctx, userID, exchangeID, currency)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	if balance == nil {
		balance = &database.Balance{
			UserID:     userID,
			ExchangeID: exchangeID,
			Currency:   currency,
		}
	}

	newFree := balance.Free + freeDelta
	newLocked := balance.Locked + lockedDelta
	if newFree < -fillEpsilon || newLocked < -fillEpsilon {
		return nil, &InsufficientBalanceError{
			ExchangeID: exchangeID,
			Currency:   currency,
			Free:       balance.Free,
			Locked:     balance.Locked,
		}
	}
	if newFree < 0 {
		newFree = 0
	}
	if newLocked < 0 {
		newLocked = 0
	}

	balance.Free = newFree
	balance.Locked = newLocked
	balance.Total = newFree + newLocked
	if err := tx.SaveBalance(ctx, balance); err != nil {
		return nil, fmt.Errorf("保存余额失败: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("提交事务失败: %w", err)
	}
	return balance, nil
}

// AddBotLog 追加机器人日志
func (s *Store) AddBotLog(ctx context.Context, userID int64, tradeID *int64, logType, message, details string) (*database.BotLog, error) {
	entry := &database.BotLog{
		UserID:  userID,
		TradeID: tradeID,
		LogType: logType,
		Message: message,
		Details: details,
	}
	if err := s.db.CreateBotLog(ctx, entry); err != nil {
		return nil, fmt.Errorf("写入机器人日志失败: %w", err)
	}
	return entry, nil
}

// ListActiveTrades 列出用户的活跃交易（含待成交），按开仓时间倒序
func (s *Store) ListActiveTrades(ctx context.Context, userID int64) ([]*database.Trade, error) {
	return s.db.GetTrades(ctx, &database.TradeFilter{
		UserID:   userID,
		Statuses: []string{database.TradeStatusActive, database.TradeStatusPending},
	})
}

// GetHistory 查询交易历史
func (s *Store) GetHistory(ctx context.Context, filter *database.TradeFilter) ([]*database.Trade, error) {
	return s.db.GetTrades(ctx, filter)
}

// GetBotLogs 查询机器人日志，按时间倒序
func (s *Store) GetBotLogs(ctx context.Context, userID int64, limit int) ([]*database.BotLog, error) {
	return s.db.GetBotLogs(ctx, userID, limit)
}

// GetBalances 查询用户全部余额
func (s *Store) GetBalances(ctx context.Context, userID int64) ([]*database.Balance, error) {
	return s.db.GetBalances(ctx, userID)
}

// CumulativePnL 累计盈亏：已完成交易 pnl 之和与笔数
func (s *Store) CumulativePnL(ctx context.Context, userID int64) (float64, int64, error) {
	return s.db.SumCompletedPnL(ctx, userID)
}

// PnLHistory 盈亏快照时间序列
func (s *Store) PnLHistory(ctx context.Context, userID int64, limit int) ([]*database.PnLSnapshot, error) {
	return s.db.GetPnLHistory(ctx, userID, limit)
}

// UserSnapshot 用户状态一致性快照，用于对账协议的全量下发
type UserSnapshot struct {
	IsRunning     bool                `json:"is_running"`
	Params        *TradeParams        `json:"params,omitempty"`
	ActiveTrades  []*database.Trade   `json:"active_trades"`
	Balances      []*database.Balance `json:"balances"`
	CumulativePnL float64             `json:"cumulative_pnl"`
	TradesCount   int64               `json:"trades_count"`
	Logs          []*database.BotLog  `json:"logs"`
}

// Snapshot 在单个事务内读出用户全量状态，保证内部一致
func (s *Store) Snapshot(ctx context.Context, userID int64, logLimit int) (*UserSnapshot, error) {
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()

	snap := &UserSnapshot{}

	session, err := tx.GetSession(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("查询会话失败: %w", err)
	}
	if session != nil {
		snap.IsRunning = session.IsRunning
		params, err := UnmarshalParams(session.Params)
		if err != nil {
			return nil, fmt.Errorf("解析会话参数失败: %w", err)
		}
		snap.Params = params
	}

	snap.ActiveTrades, err = tx.GetTrades(ctx, &database.TradeFilter{
		UserID:   userID,
		Statuses: []string{database.TradeStatusActive, database.TradeStatusPending},
	})
	if err != nil {
		return nil, fmt.Errorf("查询活跃交易失败: %w", err)
	}

	snap.Balances, err = tx.GetBalances(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}

	snap.CumulativePnL, snap.TradesCount, err = tx.SumCompletedPnL(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("累计盈亏求和失败: %w", err)
	}

	if logLimit > 0 {
		snap.Logs, err = tx.GetBotLogs(ctx, userID, logLimit)
		if err != nil {
			return nil, fmt.Errorf("查询机器人日志失败: %w", err)
		}
	}
	return snap, nil
}
