package database

import (
	"context"
	"time"
)

// 交易状态
const (
	TradeStatusPending   = "pending"
	TradeStatusActive    = "active"
	TradeStatusCompleted = "completed"
	TradeStatusFailed    = "failed"
	TradeStatusCancelled = "cancelled"
)

// 交易方向
const (
	SideBuy   = "buy"
	SideSell  = "sell"
	SideLong  = "long"
	SideShort = "short"
)

// 交易类型
const (
	TradeTypeArbitrage = "arbitrage"
	TradeTypeMargin    = "margin"
	TradeTypeSpot      = "spot"
)

// 订单状态
const (
	OrderStatusNew             = "new"
	OrderStatusPartiallyFilled = "partially_filled"
	OrderStatusFilled          = "filled"
	OrderStatusCanceled        = "canceled"
)

// 机器人日志类型
const (
	LogTypeInfo     = "info"
	LogTypeSuccess  = "success"
	LogTypeError    = "error"
	LogTypeSearch   = "search"
	LogTypeBuy      = "buy"
	LogTypeSell     = "sell"
	LogTypeTransfer = "transfer"
	LogTypeProfit   = "profit"
)

// Database 数据库接口
type Database interface {
	// 用户
	CreateUser(ctx context.Context, user *User) error
	UpdateUser(ctx context.Context, user *User) error
	GetUserByID(ctx context.Context, id int64) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)

	// 用户设置
	GetUserSettings(ctx context.Context, userID int64) (*UserSettings, error)
	SaveUserSettings(ctx context.Context, settings *UserSettings) error

	// 交易所连接
	SaveExchangeConnection(ctx context.Context, conn *ExchangeConnection) error
	GetExchangeConnections(ctx context.Context, userID int64) ([]*ExchangeConnection, error)

	// 机器人会话
	GetSession(ctx context.Context, userID int64) (*Session, error)
	SaveSession(ctx context.Context, session *Session) error

	// 交易记录
	CreateTrade(ctx context.Context, trade *Trade) error
	UpdateTrade(ctx context.Context, trade *Trade) error
	GetTradeByID(ctx context.Context, userID, tradeID int64) (*Trade, error)
	GetTrades(ctx context.Context, filter *TradeFilter) ([]*Trade, error)
	SumCompletedPnL(ctx context.Context, userID int64) (float64, int64, error)

	// 订单记录
	CreateOrder(ctx context.Context, order *Order) error
	UpdateOrder(ctx context.Context, order *Order) error
	GetOrderByID(ctx context.Context, userID, orderID int64) (*Order, error)
	GetOrdersByTrade(ctx context.Context, tradeID int64) ([]*Order, error)

	// 余额
	GetBalance(ctx context.Context, userID int64, exchangeID, currency string) (*Balance, error)
	GetBalances(ctx context.Context, userID int64) ([]*Balance, error)
	SaveBalance(ctx context.Context, balance *Balance) error

	// 机器人日志
	CreateBotLog(ctx context.Context, entry *BotLog) error
	GetBotLogs(ctx context.Context, userID int64, limit int) ([]*BotLog, error)

	// PnL 时间序列
	CreatePnLSnapshot(ctx context.Context, snap *PnLSnapshot) error
	GetPnLHistory(ctx context.Context, userID int64, limit int) ([]*PnLSnapshot, error)
	LastPnLSnapshot(ctx context.Context, userID int64) (*PnLSnapshot, error)

	// 事务支持
	BeginTx(ctx context.Context) (Tx, error)

	// 健康检查
	Ping(ctx context.Context) error

	// 关闭连接
	Close() error
}

// Tx 事务接口
type Tx interface {
	Commit() error
	Rollback() error
	Database // 继承所有数据库操作
}

// 数据模型

// User 用户
type User struct {
	ID           int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Username     string     `gorm:"uniqueIndex;size:50;not null" json:"username"`
	Email        string     `gorm:"index;size:100" json:"email,omitempty"`
	PasswordHash string     `gorm:"size:255" json:"-"`
	IsActive     bool       `gorm:"default:true" json:"is_active"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
}

// UserSettings 用户设置
type UserSettings struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    int64     `gorm:"uniqueIndex;not null" json:"user_id"`
	User      *User     `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	TradeType string    `gorm:"size:20" json:"trade_type"` // arbitrage, margin
	Strategy  string    `gorm:"size:50" json:"strategy"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ExchangeConnection 交易所连接（密钥只以密文落盘）
type ExchangeConnection struct {
	ID                 int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID             int64      `gorm:"index;not null" json:"user_id"`
	User               *User      `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	ExchangeID         string     `gorm:"size:20;not null" json:"exchange_id"`
	APIKeyEncrypted    string     `gorm:"type:text;not null" json:"-"`
	SecretKeyEncrypted string     `gorm:"type:text;not null" json:"-"`
	IsActive           bool       `gorm:"default:true" json:"is_active"`
	LastSync           *time.Time `json:"last_sync,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Session 机器人会话（每用户至多一条逻辑会话，停止只标记不删除）
type Session struct {
	ID        int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    int64      `gorm:"uniqueIndex;not null" json:"user_id"`
	User      *User      `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	IsRunning bool       `gorm:"index" json:"is_running"`
	Params    string     `gorm:"type:text" json:"params"` // TradeParams JSON 快照
	StartedAt *time.Time `json:"started_at,omitempty"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Trade 交易记录
type Trade struct {
	ID           int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID       int64      `gorm:"index:idx_trades_user_status;not null" json:"user_id"`
	User         *User      `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	TradeType    string     `gorm:"size:20;not null" json:"trade_type"` // arbitrage, margin, spot
	Symbol       string     `gorm:"index;size:20;not null" json:"symbol"`
	Side         string     `gorm:"size:10;not null" json:"side"` // buy, sell, long, short
	EntryPrice   float64    `json:"entry_price"`
	ExitPrice    *float64   `json:"exit_price,omitempty"`
	Amount       float64    `json:"amount"`
	FilledAmount float64    `json:"filled_amount"`
	PnL          *float64   `gorm:"column:pnl" json:"pnl,omitempty"` // 平仓时在事务内计算，不接受外部写入
	PnLPercent   *float64   `gorm:"column:pnl_percent" json:"pnl_percent,omitempty"`
	Fees         float64    `json:"fees"`
	Status       string     `gorm:"index:idx_trades_user_status;size:20" json:"status"`
	Exchanges    string     `gorm:"type:text" json:"exchanges"` // JSON 数组，套利时为两条腿的交易所
	Strategy     string     `gorm:"size:50" json:"strategy"`
	Params       string     `gorm:"type:text" json:"params"` // 开仓时的 TradeParams 不可变快照
	OpenedAt     time.Time  `gorm:"index" json:"opened_at"`
	ClosedAt     *time.Time `gorm:"index" json:"closed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Order 订单记录（trade_id 可空：订单可先于交易存在，交易删除时置空不级联）
type Order struct {
	ID              int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID          int64     `gorm:"index;not null" json:"user_id"`
	TradeID         *int64    `gorm:"index" json:"trade_id,omitempty"`
	Trade           *Trade    `gorm:"constraint:OnDelete:SET NULL" json:"-"`
	ExchangeID      string    `gorm:"size:20;not null" json:"exchange_id"`
	ExchangeOrderID string    `gorm:"index;size:100" json:"exchange_order_id,omitempty"`
	Symbol          string    `gorm:"size:20;not null" json:"symbol"`
	OrderType       string    `gorm:"size:20" json:"order_type"` // limit, market
	Side            string    `gorm:"size:10;not null" json:"side"` // buy, sell
	Price           *float64  `json:"price,omitempty"`
	Amount          float64   `json:"amount"`
	FilledAmount    float64   `json:"filled_amount"`
	Status          string    `gorm:"index;size:20" json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Balance 余额，(user, exchange, currency) 唯一，total = free + locked
type Balance struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID     int64     `gorm:"uniqueIndex:idx_balance_key;not null" json:"user_id"`
	User       *User     `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	ExchangeID string    `gorm:"uniqueIndex:idx_balance_key;size:20;not null" json:"exchange_id"`
	Currency   string    `gorm:"uniqueIndex:idx_balance_key;size:10;not null" json:"currency"`
	Free       float64   `json:"free"`
	Locked     float64   `json:"locked"`
	Total      float64   `json:"total"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// BotLog 机器人日志，仅追加，按 created_at 排序
type BotLog struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    int64     `gorm:"index;not null" json:"user_id"`
	User      *User     `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	TradeID   *int64    `json:"trade_id,omitempty"`
	LogType   string    `gorm:"index;size:20;not null" json:"log_type"`
	Message   string    `gorm:"type:text;not null" json:"message"`
	Details   string    `gorm:"type:text" json:"details,omitempty"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// PnLSnapshot 盈亏快照时间序列，仅追加
// CumulativePnL 必须等于该时刻所有已完成交易 pnl 之和，可重算校验
type PnLSnapshot struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID        int64     `gorm:"index;not null" json:"user_id"`
	User          *User     `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Timestamp     time.Time `gorm:"index" json:"timestamp"`
	PnL           float64   `gorm:"column:pnl" json:"pnl"`
	PnLPercent    float64   `gorm:"column:pnl_percent" json:"pnl_percent"`
	CumulativePnL float64   `gorm:"column:cumulative_pnl" json:"cumulative_pnl"`
	TradesCount   int64     `json:"trades_count"`
}

// 过滤器

// TradeFilter 交易记录过滤器
type TradeFilter struct {
	UserID    int64
	Status    string
	Statuses  []string // 多状态过滤，与 Status 二选一
	Symbol    string
	TradeType string
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}
