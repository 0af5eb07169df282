package utils

import (
	"strings"
	"testing"
)

func TestGenerateClientOrderID(t *testing.T) {
	id1 := GenerateClientOrderID(42, "buy")
	if id1 == "" {
		t.Fatal("生成的订单ID不能为空")
	}

	if !strings.HasPrefix(id1, "42_B_") {
		t.Errorf("订单ID格式错误: %s", id1)
	}

	// 验证唯一性（连续调用）
	id2 := GenerateClientOrderID(42, "buy")
	if id1 == id2 {
		t.Errorf("生成的订单ID不唯一: %s == %s", id1, id2)
	}
}

func TestParseClientOrderID(t *testing.T) {
	clientOID := GenerateClientOrderID(7, "sell")
	userID, side, timestamp, valid := ParseClientOrderID(clientOID)

	if !valid {
		t.Fatal("解析订单ID失败")
	}

	if userID != 7 {
		t.Errorf("用户ID解析错误: 期望 7, 得到 %d", userID)
	}

	if side != "sell" {
		t.Errorf("方向解析错误: 期望 sell, 得到 %s", side)
	}

	if timestamp == 0 {
		t.Error("时间戳解析错误: 得到 0")
	}
}

func TestParseClientOrderIDInvalid(t *testing.T) {
	for _, bad := range []string{"", "abc", "1_X_170000000000101", "x_B_170000000000101"} {
		if _, _, _, valid := ParseClientOrderID(bad); valid {
			t.Errorf("非法订单ID不应解析成功: %s", bad)
		}
	}
}
