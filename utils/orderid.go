package utils

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// 客户端订单ID格式: <userID>_<B|S>_<毫秒时间戳><2位序号>
// 序号用于保证同一毫秒内连续生成的ID不重复

var orderIDSeq uint32

// GenerateClientOrderID 生成客户端订单ID
func GenerateClientOrderID(userID int64, side string) string {
	s := "B"
	if strings.EqualFold(side, "sell") || strings.EqualFold(side, "short") {
		s = "S"
	}
	seq := atomic.AddUint32(&orderIDSeq, 1) % 100
	return fmt.Sprintf("%d_%s_%d%02d", userID, s, time.Now().UnixMilli(), seq)
}

// ParseClientOrderID 解析客户端订单ID
// 返回 userID、方向（buy/sell）、时间戳（毫秒）和是否合法
func ParseClientOrderID(clientOID string) (int64, string, int64, bool) {
	parts := strings.Split(clientOID, "_")
	if len(parts) != 3 {
		return 0, "", 0, false
	}

	userID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", 0, false
	}

	var side string
	switch parts[1] {
	case "B":
		side = "buy"
	case "S":
		side = "sell"
	default:
		return 0, "", 0, false
	}

	// 去掉2位序号得到时间戳
	if len(parts[2]) <= 2 {
		return 0, "", 0, false
	}
	ts, err := strconv.ParseInt(parts[2][:len(parts[2])-2], 10, 64)
	if err != nil {
		return 0, "", 0, false
	}

	return userID, side, ts, true
}
