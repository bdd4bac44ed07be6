package utils

import (
	"context"
	"fmt"
	"time"
)

// Retry 通用有界重试
// 执行 fn 最多 maxAttempts 次，每次失败后等待 delay；
// 全部失败时返回最后一次的错误。ctx 取消时立即返回。
func Retry(ctx context.Context, maxAttempts int, delay time.Duration, fn func(ctx context.Context) error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}

		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return fmt.Errorf("重试 %d 次后仍然失败: %w", maxAttempts, lastErr)
}
