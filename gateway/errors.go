package gateway

import (
	"errors"
	"fmt"
)

// TimeoutError 网关超时，可安全重试
type TimeoutError struct {
	Gateway string
	Op      string
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("网关 %s %s 超时: %v", e.Gateway, e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// RejectedError 网关拒绝，终态失败，禁止重试
type RejectedError struct {
	Gateway string
	Op      string
	Reason  string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("网关 %s 拒绝 %s: %s", e.Gateway, e.Op, e.Reason)
}

// IsRetryable 判断网关错误是否可重试
func IsRetryable(err error) bool {
	var terr *TimeoutError
	return errors.As(err, &terr)
}
