package gateway

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"autofutures/database"
	"autofutures/logger"
	"autofutures/utils"
)

// SimulatedGateway 模拟交易所网关。价格按随机游走演化，
// 不同交易所由种子偏移产生稳定价差，用于套利扫描。
// 所有调用经过限流器，超出突发额度时阻塞等待
type SimulatedGateway struct {
	name    string
	limiter *rate.Limiter
	timeout time.Duration

	mu       sync.Mutex
	rng      *rand.Rand
	prices   map[string]float64
	balances map[string]*BalanceInfo

	// 失败注入，仅测试使用
	timeoutRate float64
	rejectRate  float64
}

// SimulatedConfig 模拟网关配置
type SimulatedConfig struct {
	RateLimit   float64       // 每秒请求数
	RateBurst   int           // 突发额度
	Timeout     time.Duration // 模拟调用超时
	TimeoutRate float64       // 超时注入概率 [0,1]
	RejectRate  float64       // 拒绝注入概率 [0,1]
}

// NewSimulatedGateway 创建模拟网关，初始余额充足
func NewSimulatedGateway(name string, cfg *SimulatedConfig) *SimulatedGateway {
	if cfg == nil {
		cfg = &SimulatedConfig{}
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	h := fnv.New64a()
	h.Write([]byte(name))
	seed := int64(h.Sum64())

	return &SimulatedGateway{
		name:        name,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		timeout:     cfg.Timeout,
		rng:         rand.New(rand.NewSource(seed)),
		prices:      make(map[string]float64),
		balances:    make(map[string]*BalanceInfo),
		timeoutRate: cfg.TimeoutRate,
		rejectRate:  cfg.RejectRate,
	}
}

// Name 网关标识
func (g *SimulatedGateway) Name() string {
	return g.name
}

func (g *SimulatedGateway) wait(ctx context.Context, op string) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.limiter.Wait(ctx); err != nil {
		return &TimeoutError{Gateway: g.name, Op: op, Err: err}
	}
	return nil
}

func (g *SimulatedGateway) injectFailure(op string) error {
	if g.timeoutRate > 0 && g.rng.Float64() < g.timeoutRate {
		return &TimeoutError{Gateway: g.name, Op: op, Err: context.DeadlineExceeded}
	}
	if g.rejectRate > 0 && g.rng.Float64() < g.rejectRate {
		return &RejectedError{Gateway: g.name, Op: op, Reason: "insufficient margin"}
	}
	return nil
}

// basePrice 符号初始价，名字哈希加偏移让不同交易所出现稳定价差
func (g *SimulatedGateway) basePrice(symbol string) float64 {
	h := fnv.New64a()
	h.Write([]byte(symbol))
	base := 100 + float64(h.Sum64()%100000)/100
	// 交易所侧偏移 ±0.5%
	offset := (g.rng.Float64() - 0.5) * 0.01
	return base * (1 + offset)
}

// GetPrice 获取报价，价格每次查询随机游走 ±0.2%
func (g *SimulatedGateway) GetPrice(ctx context.Context, symbol string) (*PriceQuote, error) {
	if err := g.wait(ctx, "get_price"); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.injectFailure("get_price"); err != nil {
		return nil, err
	}

	price, ok := g.prices[symbol]
	if !ok {
		price = g.basePrice(symbol)
	}
	price *= 1 + (g.rng.Float64()-0.5)*0.004
	g.prices[symbol] = price

	spread := price * 0.0005
	return &PriceQuote{
		Symbol: symbol,
		Bid:    price - spread,
		Ask:    price + spread,
		Last:   price,
	}, nil
}

// PlaceOrder 下单并立即全部成交
func (g *SimulatedGateway) PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderResult, error) {
	if err := g.wait(ctx, "place_order"); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.injectFailure("place_order"); err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, &RejectedError{Gateway: g.name, Op: "place_order", Reason: "amount must be positive"}
	}

	price := req.Price
	if req.OrderType == "market" || price <= 0 {
		if p, ok := g.prices[req.Symbol]; ok {
			price = p
		} else {
			price = g.basePrice(req.Symbol)
			g.prices[req.Symbol] = price
		}
	}

	exchangeOID := fmt.Sprintf("%s-%d", g.name, utils.NowUTC().UnixNano())
	if req.ClientOrderID != "" {
		exchangeOID = fmt.Sprintf("%s-%s", g.name, req.ClientOrderID)
	}
	result := &OrderResult{
		ExchangeOrderID: exchangeOID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Price:           price,
		FilledAmount:    req.Amount,
		Status:          database.OrderStatusFilled,
	}
	logger.Debug("📝 [%s] 模拟成交: %s %s %.8f @ %.8f", g.name, req.Symbol, req.Side, req.Amount, price)
	return result, nil
}

// GetBalance 查询余额，未初始化的币种默认给足额度
func (g *SimulatedGateway) GetBalance(ctx context.Context, currency string) (*BalanceInfo, error) {
	if err := g.wait(ctx, "get_balance"); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.injectFailure("get_balance"); err != nil {
		return nil, err
	}

	bal, ok := g.balances[currency]
	if !ok {
		bal = &BalanceInfo{Currency: currency, Free: 1_000_000}
		g.balances[currency] = bal
	}
	return bal, nil
}

// Transfer 模拟向另一交易所划转，固定延迟后返回
func (g *SimulatedGateway) Transfer(ctx context.Context, currency string, amount float64, destination string) error {
	if err := g.wait(ctx, "transfer"); err != nil {
		return err
	}

	g.mu.Lock()
	if err := g.injectFailure("transfer"); err != nil {
		g.mu.Unlock()
		return err
	}
	g.mu.Unlock()

	if amount <= 0 {
		return &RejectedError{Gateway: g.name, Op: "transfer", Reason: "amount must be positive"}
	}

	select {
	case <-time.After(10 * time.Millisecond):
	case <-ctx.Done():
		return &TimeoutError{Gateway: g.name, Op: "transfer", Err: ctx.Err()}
	}
	logger.Debug("🔄 [%s] 划转 %.8f %s -> %s", g.name, amount, currency, destination)
	return nil
}

// Close 释放资源
func (g *SimulatedGateway) Close() error {
	return nil
}
