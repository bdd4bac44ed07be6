package event

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"perpsync/database"
	"perpsync/exchange/okx"
)

// countingResolver 统计成交归并调用
type countingResolver struct {
	mu       sync.Mutex
	applied  []okx.OrderUpdate
	failures int // 前 N 次调用返回错误
}

func (c *countingResolver) Apply(ctx context.Context, update okx.OrderUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures > 0 {
		c.failures--
		return errors.New("存储故障")
	}
	c.applied = append(c.applied, update)
	return nil
}

func (c *countingResolver) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.applied)
}

// rawOnlyDB 只关心原始订单记录的数据库替身
type rawOnlyDB struct {
	database.Database
	mu   sync.Mutex
	raws []*database.RawOrderRecord
}

func (r *rawOnlyDB) SaveRawOrder(ctx context.Context, record *database.RawOrderRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.raws = append(r.raws, record)
	return nil
}

func testUpdate(ordID, uTime string) okx.OrderUpdate {
	return okx.OrderUpdate{
		OrdID:     ordID,
		InstID:    "ETH-USDT-SWAP",
		Side:      okx.SideSell,
		PosSide:   okx.PosSideLong,
		State:     okx.StateFilled,
		AccFillSz: "100",
		AvgPx:     "2000",
		UTime:     uTime,
	}
}

func newTestPipeline(resolver FillResolver) *Pipeline {
	return NewPipeline(PipelineConfig{
		QueueSize:   16,
		EnqueueWait: 50 * time.Millisecond,
		MaxRetries:  3,
		RetryDelay:  10 * time.Millisecond,
	}, resolver, &rawOnlyDB{})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("等待条件超时")
}

func TestPipelineDuplicateYieldsSingleApply(t *testing.T) {
	resolver := &countingResolver{}
	p := newTestPipeline(resolver)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	// 同一 (ordId, uTime) 投递两次
	p.HandleUpdate(testUpdate("ord1", "1700000000000"))
	p.HandleUpdate(testUpdate("ord1", "1700000000000"))

	waitFor(t, func() bool { return resolver.count() >= 1 })
	time.Sleep(50 * time.Millisecond)

	if resolver.count() != 1 {
		t.Errorf("重复事件应只归并一次, 实际 %d 次", resolver.count())
	}

	// 不同 uTime 是新事件
	p.HandleUpdate(testUpdate("ord1", "1700000000001"))
	waitFor(t, func() bool { return resolver.count() == 2 })
}

func TestPipelineReconnectReplayNoDuplicates(t *testing.T) {
	resolver := &countingResolver{}
	p := newTestPipeline(resolver)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	updates := []okx.OrderUpdate{
		testUpdate("ord1", "1700000000000"),
		testUpdate("ord2", "1700000000100"),
		testUpdate("ord3", "1700000000200"),
	}
	for _, u := range updates {
		p.HandleUpdate(u)
	}
	waitFor(t, func() bool { return resolver.count() == 3 })

	// 模拟断线重连后交易所重放同一批事件
	for _, u := range updates {
		p.HandleUpdate(u)
	}
	time.Sleep(100 * time.Millisecond)

	if resolver.count() != 3 {
		t.Errorf("重连重放不应产生重复归并, 期望 3, 实际 %d", resolver.count())
	}
}

func TestPipelineRetriesThenSucceeds(t *testing.T) {
	resolver := &countingResolver{failures: 2} // 前 2 次失败, 第 3 次成功
	p := newTestPipeline(resolver)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	p.HandleUpdate(testUpdate("ord1", "1700000000000"))

	waitFor(t, func() bool { return resolver.count() == 1 })
}

func TestPipelineAbandonsAfterRetryExhaustion(t *testing.T) {
	// 第一个事件耗尽全部 3 次重试, 第二个事件正常
	resolver := &countingResolver{failures: 3}
	p := newTestPipeline(resolver)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	p.HandleUpdate(testUpdate("bad", "1700000000000"))
	p.HandleUpdate(testUpdate("good", "1700000000100"))

	// 失败事件被放弃, 不阻塞后续事件
	waitFor(t, func() bool { return resolver.count() == 1 })

	resolver.mu.Lock()
	got := resolver.applied[0].OrdID
	resolver.mu.Unlock()
	if got != "good" {
		t.Errorf("被放弃事件之后的事件应正常处理, 实际处理了 %s", got)
	}
}

func TestPipelineMalformedTimestampStillProcessed(t *testing.T) {
	resolver := &countingResolver{}
	p := newTestPipeline(resolver)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	u := testUpdate("ord1", "not-a-number")
	p.HandleUpdate(u)

	waitFor(t, func() bool { return resolver.count() == 1 })
}
