package gateway

import "context"

// OrderRequest 下单请求
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          string // buy, sell
	OrderType     string // limit, market
	Price         float64
	Amount        float64
}

// OrderResult 下单结果
type OrderResult struct {
	ExchangeOrderID string
	Symbol          string
	Side            string
	Price           float64
	FilledAmount    float64
	Status          string
}

// PriceQuote 价格报价
type PriceQuote struct {
	Symbol string
	Bid    float64
	Ask    float64
	Last   float64
}

// BalanceInfo 交易所侧余额
type BalanceInfo struct {
	Currency string
	Free     float64
	Locked   float64
}

// IGateway 交易所网关接口。实现必须区分超时和拒绝两类失败：
// 超时可重试，拒绝是终态
type IGateway interface {
	// Name 网关标识
	Name() string

	// GetPrice 获取最新报价
	GetPrice(ctx context.Context, symbol string) (*PriceQuote, error)

	// PlaceOrder 下单
	PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderResult, error)

	// GetBalance 查询币种余额
	GetBalance(ctx context.Context, currency string) (*BalanceInfo, error)

	// Transfer 向另一交易所划转资产
	Transfer(ctx context.Context, currency string, amount float64, destination string) error

	// Close 释放资源
	Close() error
}
