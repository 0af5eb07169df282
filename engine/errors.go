package engine

import "fmt"

// AlreadyRunningError 用户机器人已在运行
type AlreadyRunningError struct {
	UserID int64
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("用户 %d 的机器人已在运行", e.UserID)
}
