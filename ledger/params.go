package ledger

import "encoding/json"

// 交易频率档位，对应主循环的扫描间隔
const (
	FrequencyLow    = "low"
	FrequencyMedium = "medium"
	FrequencyHigh   = "high"
)

// TradeParams 机器人交易参数，启动会话时整体提交，
// 开仓时序列化为不可变快照挂到交易记录上
type TradeParams struct {
	Coin          string  `json:"coin"`
	Side          string  `json:"side"`
	OrderSize     float64 `json:"order_size"`
	StopLossPct   float64 `json:"stop_loss_pct"`
	TakeProfitPct float64 `json:"take_profit_pct"`
	Frequency     string  `json:"frequency"`
}

// Validate 校验参数合法性
func (p *TradeParams) Validate() error {
	if p.Coin == "" {
		return NewValidationError("coin 不能为空")
	}
	switch p.Side {
	case "buy", "sell", "long", "short":
	default:
		return NewValidationError("非法交易方向: %s", p.Side)
	}
	if p.OrderSize <= 0 {
		return NewValidationError("order_size 必须大于 0, 实际 %.8f", p.OrderSize)
	}
	if p.StopLossPct < 0 || p.TakeProfitPct < 0 {
		return NewValidationError("止损/止盈百分比不能为负")
	}
	switch p.Frequency {
	case FrequencyLow, FrequencyMedium, FrequencyHigh:
	default:
		return NewValidationError("非法频率档位: %s", p.Frequency)
	}
	return nil
}

// Marshal 序列化为 JSON 快照
func (p *TradeParams) Marshal() string {
	data, _ := json.Marshal(p)
	return string(data)
}

// UnmarshalParams 从 JSON 快照还原参数
func UnmarshalParams(data string) (*TradeParams, error) {
	if data == "" {
		return nil, nil
	}
	var p TradeParams
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, err
	}
	return &p, nil
}
