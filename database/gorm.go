package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// DBConfig 数据库配置
type DBConfig struct {
	Type            string        // sqlite, postgres, mysql
	DSN             string        // 数据源名称
	MaxOpenConns    int           // 最大打开连接数
	MaxIdleConns    int           // 最大空闲连接数
	ConnMaxLifetime time.Duration // 连接最大生命周期
	LogLevel        string        // 日志级别: silent, error, warn, info
}

// gormOps 承载全部数据操作，GormDatabase 与 GormTx 共用
type gormOps struct {
	db *gorm.DB
}

// GormDatabase GORM 数据库实现
type GormDatabase struct {
	gormOps
}

// GormTx GORM 事务实现
type GormTx struct {
	gormOps
}

// NewGormDatabase 创建 GORM 数据库实例
func NewGormDatabase(config *DBConfig) (*GormDatabase, error) {
	var dialector gorm.Dialector

	switch config.Type {
	case "sqlite":
		dialector = sqlite.Open(config.DSN)
	case "postgres", "postgresql":
		dialector = postgres.Open(config.DSN)
	case "mysql":
		dialector = mysql.Open(config.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.Type)
	}

	// 日志级别
	logLevel := logger.Silent
	switch config.LogLevel {
	case "error":
		logLevel = logger.Error
	case "warn":
		logLevel = logger.Warn
	case "info":
		logLevel = logger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	// 配置连接池
	if config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	// 自动迁移
	if err := db.AutoMigrate(
		&User{},
		&UserSettings{},
		&ExchangeConnection{},
		&Session{},
		&Trade{},
		&Order{},
		&Balance{},
		&BotLog{},
		&PnLSnapshot{},
	); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}

	return &GormDatabase{gormOps{db: db}}, nil
}

// BeginTx 开始事务
func (g *GormDatabase) BeginTx(ctx context.Context) (Tx, error) {
	tx := g.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	return &GormTx{gormOps{db: tx}}, nil
}

// Ping 健康检查
func (g *GormDatabase) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭连接
func (g *GormDatabase) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (t *GormTx) Commit() error {
	return t.db.Commit().Error
}

func (t *GormTx) Rollback() error {
	return t.db.Rollback().Error
}

func (t *GormTx) BeginTx(ctx context.Context) (Tx, error) {
	return nil, fmt.Errorf("nested transactions not supported")
}

func (t *GormTx) Ping(ctx context.Context) error {
	return nil
}

func (t *GormTx) Close() error {
	return nil
}

// === 用户 ===

func (o *gormOps) CreateUser(ctx context.Context, user *User) error {
	return o.db.WithContext(ctx).Create(user).Error
}

func (o *gormOps) UpdateUser(ctx context.Context, user *User) error {
	return o.db.WithContext(ctx).Save(user).Error
}

func (o *gormOps) GetUserByID(ctx context.Context, id int64) (*User, error) {
	var user User
	err := o.db.WithContext(ctx).First(&user, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (o *gormOps) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var user User
	err := o.db.WithContext(ctx).Where("username = ?", username).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// === 用户设置 ===

func (o *gormOps) GetUserSettings(ctx context.Context, userID int64) (*UserSettings, error) {
	var settings UserSettings
	err := o.db.WithContext(ctx).Where("user_id = ?", userID).First(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &settings, nil
}

func (o *gormOps) SaveUserSettings(ctx context.Context, settings *UserSettings) error {
	return o.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(settings).Error
}

// === 交易所连接 ===

func (o *gormOps) SaveExchangeConnection(ctx context.Context, conn *ExchangeConnection) error {
	return o.db.WithContext(ctx).Save(conn).Error
}

func (o *gormOps) GetExchangeConnections(ctx context.Context, userID int64) ([]*ExchangeConnection, error) {
	var conns []*ExchangeConnection
	err := o.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		Find(&conns).Error
	if err != nil {
		return nil, err
	}
	return conns, nil
}

// === 机器人会话 ===

func (o *gormOps) GetSession(ctx context.Context, userID int64) (*Session, error) {
	var session Session
	err := o.db.WithContext(ctx).Where("user_id = ?", userID).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (o *gormOps) SaveSession(ctx context.Context, session *Session) error {
	return o.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(session).Error
}

// === 交易记录 ===

func (o *gormOps) CreateTrade(ctx context.Context, trade *Trade) error {
	return o.db.WithContext(ctx).Create(trade).Error
}

func (o *gormOps) UpdateTrade(ctx context.Context, trade *Trade) error {
	return o.db.WithContext(ctx).Save(trade).Error
}

func (o *gormOps) GetTradeByID(ctx context.Context, userID, tradeID int64) (*Trade, error) {
	var trade Trade
	err := o.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", tradeID, userID).
		First(&trade).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &trade, nil
}

func (o *gormOps) GetTrades(ctx context.Context, filter *TradeFilter) ([]*Trade, error) {
	query := o.db.WithContext(ctx).Model(&Trade{})

	if filter.UserID > 0 {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	}
	if filter.Symbol != "" {
		query = query.Where("symbol = ?", filter.Symbol)
	}
	if filter.TradeType != "" {
		query = query.Where("trade_type = ?", filter.TradeType)
	}
	if filter.StartTime != nil {
		query = query.Where("opened_at >= ?", filter.StartTime)
	}
	if filter.EndTime != nil {
		query = query.Where("opened_at <= ?", filter.EndTime)
	}

	query = query.Order("opened_at DESC")

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var trades []*Trade
	if err := query.Find(&trades).Error; err != nil {
		return nil, err
	}

	return trades, nil
}

// SumCompletedPnL 统计已完成交易的累计盈亏与笔数
func (o *gormOps) SumCompletedPnL(ctx context.Context, userID int64) (float64, int64, error) {
	var result struct {
		Total float64
		Count int64
	}
	err := o.db.WithContext(ctx).Model(&Trade{}).
		Select("COALESCE(SUM(pnl), 0) as total, COUNT(*) as count").
		Where("user_id = ? AND status = ?", userID, TradeStatusCompleted).
		Scan(&result).Error
	if err != nil {
		return 0, 0, err
	}
	return result.Total, result.Count, nil
}

// === 订单记录 ===

func (o *gormOps) CreateOrder(ctx context.Context, order *Order) error {
	return o.db.WithContext(ctx).Create(order).Error
}

func (o *gormOps) UpdateOrder(ctx context.Context, order *Order) error {
	return o.db.WithContext(ctx).Save(order).Error
}

func (o *gormOps) GetOrderByID(ctx context.Context, userID, orderID int64) (*Order, error) {
	var order Order
	err := o.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", orderID, userID).
		First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (o *gormOps) GetOrdersByTrade(ctx context.Context, tradeID int64) ([]*Order, error) {
	var orders []*Order
	err := o.db.WithContext(ctx).
		Where("trade_id = ?", tradeID).
		Order("created_at ASC").
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// === 余额 ===

func (o *gormOps) GetBalance(ctx context.Context, userID int64, exchangeID, currency string) (*Balance, error) {
	var balance Balance
	err := o.db.WithContext(ctx).
		Where("user_id = ? AND exchange_id = ? AND currency = ?", userID, exchangeID, currency).
		First(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &balance, nil
}

func (o *gormOps) GetBalances(ctx context.Context, userID int64) ([]*Balance, error) {
	var balances []*Balance
	err := o.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("exchange_id, currency").
		Find(&balances).Error
	if err != nil {
		return nil, err
	}
	return balances, nil
}

func (o *gormOps) SaveBalance(ctx context.Context, balance *Balance) error {
	return o.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "exchange_id"}, {Name: "currency"}},
		UpdateAll: true,
	}).Create(balance).Error
}

// === 机器人日志 ===

func (o *gormOps) CreateBotLog(ctx context.Context, entry *BotLog) error {
	return o.db.WithContext(ctx).Create(entry).Error
}

func (o *gormOps) GetBotLogs(ctx context.Context, userID int64, limit int) ([]*BotLog, error) {
	if limit <= 0 {
		limit = 100
	}
	var logs []*BotLog
	err := o.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&logs).Error
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// === PnL 时间序列 ===

func (o *gormOps) CreatePnLSnapshot(ctx context.Context, snap *PnLSnapshot) error {
	return o.db.WithContext(ctx).Create(snap).Error
}

func (o *gormOps) GetPnLHistory(ctx context.Context, userID int64, limit int) ([]*PnLSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	var snaps []*PnLSnapshot
	err := o.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("timestamp DESC").
		Limit(limit).
		Find(&snaps).Error
	if err != nil {
		return nil, err
	}
	return snaps, nil
}

func (o *gormOps) LastPnLSnapshot(ctx context.Context, userID int64) (*PnLSnapshot, error) {
	var snap PnLSnapshot
	err := o.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("timestamp DESC").
		First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}
