package utils

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateClientOrderID(t *testing.T) {
	id1 := GenerateClientOrderID()
	if id1 == "" {
		t.Fatal("生成的订单ID不能为空")
	}

	if !strings.HasPrefix(id1, "p") {
		t.Errorf("订单ID格式错误: %s", id1)
	}

	if len(id1) > 32 {
		t.Errorf("订单ID超长: %d", len(id1))
	}

	// 验证唯一性（连续调用）
	id2 := GenerateClientOrderID()
	if id1 == id2 {
		t.Errorf("生成的订单ID不唯一: %s == %s", id1, id2)
	}
}

func TestParseClientOrderIDTime(t *testing.T) {
	before := time.Now().Add(-time.Second)
	id := GenerateClientOrderID()
	after := time.Now().Add(time.Second)

	ts, valid := ParseClientOrderIDTime(id)
	if !valid {
		t.Fatalf("解析订单ID失败: %s", id)
	}

	if ts.Before(before) || ts.After(after) {
		t.Errorf("时间戳解析错误: %v 不在 [%v, %v] 范围内", ts, before, after)
	}

	// 非法格式
	if _, valid := ParseClientOrderIDTime("x123"); valid {
		t.Error("非法前缀不应解析成功")
	}
	if _, valid := ParseClientOrderIDTime("pabc"); valid {
		t.Error("非数字时间戳不应解析成功")
	}
}
