package ledger

import "fmt"

// 账本错误分类：所有错误在事务提交前产生，出错即整体回滚

// ValidationError 输入非法，未产生任何写入
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("参数验证失败: %s", e.Reason)
}

// NewValidationError 创建验证错误
func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// InvalidStateError 非法状态迁移（如平仓一笔非活跃交易）
type InvalidStateError struct {
	Entity  string
	Current string
	Action  string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("非法状态迁移: %s 当前状态 %s 不允许 %s", e.Entity, e.Current, e.Action)
}

// InsufficientBalanceError 余额不足
type InsufficientBalanceError struct {
	ExchangeID string
	Currency   string
	Free       float64
	Locked     float64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("余额不足: %s %s (free=%.8f, locked=%.8f)", e.ExchangeID, e.Currency, e.Free, e.Locked)
}

// OverfillError 成交量超过订单数量，订单保持不变
type OverfillError struct {
	OrderID      int64
	Amount       float64
	FilledAmount float64
	Delta        float64
}

func (e *OverfillError) Error() string {
	return fmt.Sprintf("订单 %d 超额成交: 已成交 %.8f + 增量 %.8f 超过数量 %.8f",
		e.OrderID, e.FilledAmount, e.Delta, e.Amount)
}

// NotFoundError 实体不存在
type NotFoundError struct {
	Entity string
	ID     int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s 不存在: %d", e.Entity, e.ID)
}
