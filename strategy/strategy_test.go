package strategy

import (
	"context"
	"testing"

	"autofutures/database"
	"autofutures/gateway"
	"autofutures/ledger"
)

func arbitrageView(minProfit float64, quotes map[string]*gateway.PriceQuote) *MarketView {
	return &MarketView{
		Params:           &ledger.TradeParams{Coin: "BTC", Side: "buy", OrderSize: 1000, Frequency: ledger.FrequencyMedium},
		Quotes:           quotes,
		MaxActiveTrades:  10,
		MinProfitPercent: minProfit,
	}
}

func TestArbitrageDetectsSpread(t *testing.T) {
	s := NewArbitrageStrategy()

	// kraken 卖价 100, binance 买价 101 → 价差 1%
	view := arbitrageView(0.3, map[string]*gateway.PriceQuote{
		"kraken":  {Symbol: "BTC/USDT", Bid: 99.9, Ask: 100, Last: 100},
		"binance": {Symbol: "BTC/USDT", Bid: 101, Ask: 101.1, Last: 101},
	})

	intents, err := s.Evaluate(context.Background(), view)
	if err != nil {
		t.Fatalf("评估失败: %v", err)
	}
	if len(intents) != 1 {
		t.Fatalf("应产出 1 个开仓意图, 实际 %d", len(intents))
	}

	intent := intents[0]
	if intent.Kind != IntentOpen {
		t.Errorf("意图类型应为 open, 实际 %s", intent.Kind)
	}
	if intent.BuyExchange != "kraken" || intent.SellExchange != "binance" {
		t.Errorf("买卖腿错误: buy=%s sell=%s", intent.BuyExchange, intent.SellExchange)
	}
	if intent.EntryPrice != 100 || intent.ExitPrice != 101 {
		t.Errorf("价格错误: entry=%.4f exit=%.4f", intent.EntryPrice, intent.ExitPrice)
	}
	// 订单金额 1000 USDT / 100 = 10 BTC
	if intent.Amount != 10 {
		t.Errorf("数量应为 10, 实际 %.8f", intent.Amount)
	}
}

func TestArbitrageBelowThreshold(t *testing.T) {
	s := NewArbitrageStrategy()

	// 价差 0.1% 低于 0.3% 门槛
	view := arbitrageView(0.3, map[string]*gateway.PriceQuote{
		"kraken":  {Bid: 99.9, Ask: 100, Last: 100},
		"binance": {Bid: 100.1, Ask: 100.2, Last: 100.1},
	})

	intents, err := s.Evaluate(context.Background(), view)
	if err != nil {
		t.Fatalf("评估失败: %v", err)
	}
	if len(intents) != 0 {
		t.Errorf("价差不足不应开仓, 实际 %d 个意图", len(intents))
	}
}

func TestArbitrageRespectsMaxActiveTrades(t *testing.T) {
	s := NewArbitrageStrategy()

	view := arbitrageView(0.3, map[string]*gateway.PriceQuote{
		"kraken":  {Bid: 99.9, Ask: 100},
		"binance": {Bid: 102, Ask: 102.1},
	})
	view.MaxActiveTrades = 1
	view.ActiveTrades = []*database.Trade{{ID: 1, Status: database.TradeStatusActive}}

	intents, _ := s.Evaluate(context.Background(), view)
	if len(intents) != 0 {
		t.Errorf("达到持仓上限不应开仓, 实际 %d 个意图", len(intents))
	}
}

func TestArbitrageSingleExchange(t *testing.T) {
	s := NewArbitrageStrategy()

	view := arbitrageView(0.3, map[string]*gateway.PriceQuote{
		"binance": {Bid: 101, Ask: 100},
	})
	intents, _ := s.Evaluate(context.Background(), view)
	if len(intents) != 0 {
		t.Errorf("单交易所无法套利, 实际 %d 个意图", len(intents))
	}
}

func TestMarginTakeProfitStopLoss(t *testing.T) {
	s := NewMarginStrategy()
	ctx := context.Background()

	params := &ledger.TradeParams{
		Coin: "BTC", Side: "long", OrderSize: 1000,
		TakeProfitPct: 5, StopLossPct: 2, Frequency: ledger.FrequencyHigh,
	}
	active := []*database.Trade{{
		ID: 7, Symbol: "BTC/USDT", Side: database.SideLong,
		EntryPrice: 100, Status: database.TradeStatusActive,
	}}

	// 上涨 6% 触发止盈
	view := &MarketView{
		Params: params, ActiveTrades: active, MaxActiveTrades: 10,
		Quotes: map[string]*gateway.PriceQuote{"binance": {Last: 106}},
	}
	intents, err := s.Evaluate(ctx, view)
	if err != nil {
		t.Fatalf("评估失败: %v", err)
	}
	if len(intents) != 1 || intents[0].Kind != IntentClose || intents[0].TradeID != 7 {
		t.Fatalf("应产出平仓意图, 实际 %+v", intents)
	}

	// 下跌 3% 触发止损
	view.Quotes = map[string]*gateway.PriceQuote{"binance": {Last: 97}}
	intents, _ = s.Evaluate(ctx, view)
	if len(intents) != 1 || intents[0].Kind != IntentClose {
		t.Fatalf("应产出止损平仓意图, 实际 %+v", intents)
	}

	// 浮动 1% 不触发
	view.Quotes = map[string]*gateway.PriceQuote{"binance": {Last: 101}}
	intents, _ = s.Evaluate(ctx, view)
	if len(intents) != 0 {
		t.Errorf("浮动未达阈值不应平仓, 实际 %d 个意图", len(intents))
	}
}

func TestMarginOpensWhenFlat(t *testing.T) {
	s := NewMarginStrategy()

	view := &MarketView{
		Params: &ledger.TradeParams{Coin: "ETH", Side: "long", OrderSize: 500, Frequency: ledger.FrequencyLow},
		Quotes: map[string]*gateway.PriceQuote{"binance": {Last: 100}},
		MaxActiveTrades: 10,
	}
	intents, err := s.Evaluate(context.Background(), view)
	if err != nil {
		t.Fatalf("评估失败: %v", err)
	}
	if len(intents) != 1 || intents[0].Kind != IntentOpen {
		t.Fatalf("空仓时应开仓, 实际 %+v", intents)
	}
	if intents[0].Amount != 5 {
		t.Errorf("数量应为 5, 实际 %.8f", intents[0].Amount)
	}

	// 已有持仓不重复开仓
	view.ActiveTrades = []*database.Trade{{ID: 1, Status: database.TradeStatusActive, EntryPrice: 100, Side: database.SideLong}}
	intents, _ = s.Evaluate(context.Background(), view)
	if len(intents) != 0 {
		t.Errorf("已持仓不应再开仓, 实际 %d 个意图", len(intents))
	}
}

func TestNewByName(t *testing.T) {
	if s, err := New(""); err != nil || s.Name() != "arbitrage" {
		t.Errorf("默认策略应为 arbitrage: %v", err)
	}
	if s, err := New("margin"); err != nil || s.Name() != "margin" {
		t.Errorf("margin 策略创建失败: %v", err)
	}
	if _, err := New("hodl"); err == nil {
		t.Error("未知策略应报错")
	}
}
