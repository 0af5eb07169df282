package strategy

import (
	"context"
	"fmt"

	"autofutures/database"
	"autofutures/gateway"
	"autofutures/ledger"
)

// IntentKind 意图类型
type IntentKind string

const (
	IntentOpen  IntentKind = "open"  // 开仓
	IntentClose IntentKind = "close" // 平仓
)

// Intent 策略产出的交易意图，由引擎负责执行和落账。
// 策略本身不碰网关和数据库
type Intent struct {
	Kind         IntentKind
	Symbol       string
	Side         string
	Amount       float64
	EntryPrice   float64 // open
	ExitPrice    float64 // close
	TradeID      int64   // close
	BuyExchange  string  // 套利买入腿
	SellExchange string  // 套利卖出腿
	Reason       string
}

// MarketView 策略评估输入：一轮扫描收集到的报价和当前持仓
type MarketView struct {
	Params           *ledger.TradeParams
	Quotes           map[string]*gateway.PriceQuote // 按交易所
	ActiveTrades     []*database.Trade
	MaxActiveTrades  int
	MinProfitPercent float64
}

// Strategy 策略接口
type Strategy interface {
	Name() string
	Evaluate(ctx context.Context, view *MarketView) ([]*Intent, error)
}

// New 按名称创建策略
func New(name string) (Strategy, error) {
	switch name {
	case "", "arbitrage":
		return NewArbitrageStrategy(), nil
	case "margin":
		return NewMarginStrategy(), nil
	default:
		return nil, fmt.Errorf("未知策略: %s", name)
	}
}
