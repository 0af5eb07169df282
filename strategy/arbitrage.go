package strategy

import (
	"context"
	"fmt"
)

// ArbitrageStrategy 跨所套利：在报价最低的交易所买入，
// 最高的交易所卖出，价差覆盖利润门槛才出手
type ArbitrageStrategy struct{}

// NewArbitrageStrategy 创建套利策略
func NewArbitrageStrategy() *ArbitrageStrategy {
	return &ArbitrageStrategy{}
}

// Name 策略名称
func (s *ArbitrageStrategy) Name() string {
	return "arbitrage"
}

// Evaluate 扫描一轮报价，找出最优买卖腿
func (s *ArbitrageStrategy) Evaluate(_ context.Context, view *MarketView) ([]*Intent, error) {
	if view.Params == nil || len(view.Quotes) < 2 {
		return nil, nil
	}
	if view.MaxActiveTrades > 0 && len(view.ActiveTrades) >= view.MaxActiveTrades {
		return nil, nil
	}

	var (
		buyExchange  string
		sellExchange string
		bestAsk      float64
		bestBid      float64
	)
	for exchangeID, quote := range view.Quotes {
		if quote == nil || quote.Ask <= 0 || quote.Bid <= 0 {
			continue
		}
		if buyExchange == "" || quote.Ask < bestAsk {
			buyExchange = exchangeID
			bestAsk = quote.Ask
		}
		if sellExchange == "" || quote.Bid > bestBid {
			sellExchange = exchangeID
			bestBid = quote.Bid
		}
	}
	if buyExchange == "" || sellExchange == "" || buyExchange == sellExchange {
		return nil, nil
	}

	spreadPct := (bestBid - bestAsk) / bestAsk * 100
	if spreadPct < view.MinProfitPercent {
		return nil, nil
	}

	amount := view.Params.OrderSize / bestAsk
	symbol := view.Params.Coin + "/USDT"
	return []*Intent{{
		Kind:         IntentOpen,
		Symbol:       symbol,
		Side:         "buy",
		Amount:       amount,
		EntryPrice:   bestAsk,
		ExitPrice:    bestBid,
		BuyExchange:  buyExchange,
		SellExchange: sellExchange,
		Reason: fmt.Sprintf("价差 %.4f%%: %s 买入 %.8f, %s 卖出 %.8f",
			spreadPct, buyExchange, bestAsk, sellExchange, bestBid),
	}}, nil
}
