package strategy

import (
	"context"
	"fmt"

	"autofutures/database"
)

// MarginStrategy 保证金持仓策略：无持仓时按参数方向开仓，
// 有持仓时检查止盈/止损触发平仓
type MarginStrategy struct{}

// NewMarginStrategy 创建保证金策略
func NewMarginStrategy() *MarginStrategy {
	return &MarginStrategy{}
}

// Name 策略名称
func (s *MarginStrategy) Name() string {
	return "margin"
}

// Evaluate 逐仓检查止盈止损，空仓时评估开仓
func (s *MarginStrategy) Evaluate(_ context.Context, view *MarketView) ([]*Intent, error) {
	if view.Params == nil {
		return nil, nil
	}

	// 取任一可用报价，保证金模式只用单交易所
	var price float64
	for _, quote := range view.Quotes {
		if quote != nil && quote.Last > 0 {
			price = quote.Last
			break
		}
	}
	if price <= 0 {
		return nil, nil
	}

	var intents []*Intent
	for _, trade := range view.ActiveTrades {
		if trade.Status != database.TradeStatusActive || trade.EntryPrice <= 0 {
			continue
		}

		var movePct float64
		switch trade.Side {
		case database.SideSell, database.SideShort:
			movePct = (trade.EntryPrice - price) / trade.EntryPrice * 100
		default:
			movePct = (price - trade.EntryPrice) / trade.EntryPrice * 100
		}

		switch {
		case view.Params.TakeProfitPct > 0 && movePct >= view.Params.TakeProfitPct:
			intents = append(intents, &Intent{
				Kind:      IntentClose,
				Symbol:    trade.Symbol,
				TradeID:   trade.ID,
				ExitPrice: price,
				Reason:    fmt.Sprintf("止盈触发: 浮动 %.4f%% >= %.4f%%", movePct, view.Params.TakeProfitPct),
			})
		case view.Params.StopLossPct > 0 && movePct <= -view.Params.StopLossPct:
			intents = append(intents, &Intent{
				Kind:      IntentClose,
				Symbol:    trade.Symbol,
				TradeID:   trade.ID,
				ExitPrice: price,
				Reason:    fmt.Sprintf("止损触发: 浮动 %.4f%% <= -%.4f%%", movePct, view.Params.StopLossPct),
			})
		}
	}
	if len(intents) > 0 {
		return intents, nil
	}

	if view.MaxActiveTrades > 0 && len(view.ActiveTrades) >= view.MaxActiveTrades {
		return nil, nil
	}
	if len(view.ActiveTrades) > 0 {
		// 保证金模式同时只持一仓
		return nil, nil
	}

	amount := view.Params.OrderSize / price
	return []*Intent{{
		Kind:       IntentOpen,
		Symbol:     view.Params.Coin + "/USDT",
		Side:       view.Params.Side,
		Amount:     amount,
		EntryPrice: price,
		Reason:     fmt.Sprintf("按参数开仓 %s @ %.8f", view.Params.Side, price),
	}}, nil
}
