package utils

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetrySucceedsAfterFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), 3, time.Millisecond, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("暂时失败")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("重试应该成功: %v", err)
	}
	if attempts != 3 {
		t.Errorf("期望执行3次, 实际 %d 次", attempts)
	}
}

func TestRetryExhausted(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), 3, time.Millisecond, func(ctx context.Context) error {
		attempts++
		return errors.New("持续失败")
	})

	if err == nil {
		t.Fatal("重试耗尽后应返回错误")
	}
	if attempts != 3 {
		t.Errorf("期望执行3次, 实际 %d 次", attempts)
	}
}

func TestRetryContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, 3, time.Millisecond, func(ctx context.Context) error {
		return errors.New("不应执行到重试等待")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("期望 context.Canceled, 得到 %v", err)
	}
}

func TestRetryPassesContextToFn(t *testing.T) {
	type ctxKey struct{}
	ctx := context.WithValue(context.Background(), ctxKey{}, "标记")

	attempts := 0
	err := Retry(ctx, 2, time.Millisecond, func(ctx context.Context) error {
		attempts++
		if ctx.Value(ctxKey{}) != "标记" {
			t.Error("fn 收到的 ctx 不是调用方传入的")
		}
		if attempts < 2 {
			return errors.New("暂时失败")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("重试应该成功: %v", err)
	}
	if attempts != 2 {
		t.Errorf("期望执行2次, 实际 %d 次", attempts)
	}
}

func TestRetryCancelDuringDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	err := Retry(ctx, 5, time.Hour, func(ctx context.Context) error {
		attempts++
		cancel()
		return errors.New("失败后取消")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("期望 context.Canceled, 得到 %v", err)
	}
	if attempts != 1 {
		t.Errorf("取消后不应再重试, 实际执行 %d 次", attempts)
	}
}
