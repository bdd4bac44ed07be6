package event

import (
	"context"
	"sync"
	"time"

	"perpsync/logger"
)

// Deduper 订单事件去重器
// 以 (ordId, uTime) 组合键区分事件。已处理和已入队的键分别带 TTL，
// 定期清扫防止无界增长。重连不清空，避免重连后重放造成重复入账。
type Deduper struct {
	mu        sync.Mutex
	processed map[string]time.Time // 键 -> 标记时间
	pending   map[string]time.Time

	processedTTL time.Duration
	pendingTTL   time.Duration
}

// NewDeduper 创建去重器
func NewDeduper(processedTTL, pendingTTL time.Duration) *Deduper {
	if processedTTL <= 0 {
		processedTTL = time.Hour
	}
	if pendingTTL <= 0 {
		pendingTTL = 5 * time.Minute
	}

	return &Deduper{
		processed:    make(map[string]time.Time),
		pending:      make(map[string]time.Time),
		processedTTL: processedTTL,
		pendingTTL:   pendingTTL,
	}
}

// TryMarkPending 尝试把键标记为待处理
// 已处理或已在队列中的键返回 false（重复事件）。
func (d *Deduper) TryMarkPending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.processed[key]; ok {
		return false
	}
	if _, ok := d.pending[key]; ok {
		return false
	}

	d.pending[key] = time.Now()
	return true
}

// MarkProcessed 把键标记为已处理
func (d *Deduper) MarkProcessed(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.pending, key)
	d.processed[key] = time.Now()
}

// Unmark 回滚待处理标记（入队失败时使用）
func (d *Deduper) Unmark(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pending, key)
}

// Size 当前两个表的大小
func (d *Deduper) Size() (processed, pending int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.processed), len(d.pending)
}

// StartPurge 启动定期清扫
func (d *Deduper) StartPurge(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.purge()
			}
		}
	}()
}

// purge 清除过期键
func (d *Deduper) purge() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	removed := 0

	for key, t := range d.processed {
		if now.Sub(t) > d.processedTTL {
			delete(d.processed, key)
			removed++
		}
	}
	for key, t := range d.pending {
		if now.Sub(t) > d.pendingTTL {
			delete(d.pending, key)
			removed++
		}
	}

	if removed > 0 {
		logger.Debug("🧹 [Dedup] 清除 %d 个过期键, 剩余 processed=%d pending=%d",
			removed, len(d.processed), len(d.pending))
	}
}
