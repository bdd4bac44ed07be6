package order

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestDispatcher() *Dispatcher {
	return NewDispatcher(DispatcherConfig{
		QueueSize:         16,
		SubmitTimeout:     2 * time.Second,
		WindowDuration:    time.Second,
		WindowMaxRequests: 1000,
		MinGap:            time.Millisecond,
	})
}

func TestDispatcherPriorityOrdering(t *testing.T) {
	d := newTestDispatcher()

	var mu sync.Mutex
	var executed []string
	var wg sync.WaitGroup

	// 先入队再启动，保证三个优先级同时就绪
	submit := func(priority Priority, name string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := d.Submit(context.Background(), priority, name, func(ctx context.Context) error {
				mu.Lock()
				executed = append(executed, name)
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("Submit %s 失败: %v", name, err)
			}
		}()
	}

	submit(PriorityQuery, "query1")
	submit(PriorityTrade, "trade1")
	submit(PriorityStopLoss, "stop1")

	// 等待三个请求全部入队
	for i := 0; i < 100; i++ {
		s, tr, q := d.QueueDepths()
		if s == 1 && tr == 1 && q == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	wg.Wait()
	d.Stop()

	if len(executed) != 3 {
		t.Fatalf("期望执行 3 个请求, 实际 %d", len(executed))
	}
	if executed[0] != "stop1" {
		t.Errorf("止损请求应最先执行, 实际顺序: %v", executed)
	}
	if executed[2] != "query1" {
		t.Errorf("查询请求应最后执行, 实际顺序: %v", executed)
	}
}

func TestDispatcherFIFOWithinPriority(t *testing.T) {
	d := newTestDispatcher()

	var mu sync.Mutex
	var executed []string
	var wg sync.WaitGroup

	names := []string{"a", "b", "c", "d"}
	for _, name := range names {
		n := name
		req := &request{
			name:     n,
			priority: PriorityTrade,
			fn: func(ctx context.Context) error {
				mu.Lock()
				executed = append(executed, n)
				mu.Unlock()
				return nil
			},
			done:       make(chan error, 1),
			enqueuedAt: time.Now(),
		}
		d.tradeQueue <- req
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-req.done
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	wg.Wait()
	d.Stop()

	for i, name := range names {
		if executed[i] != name {
			t.Fatalf("同优先级应保持 FIFO, 期望 %v, 实际 %v", names, executed)
		}
	}
}

func TestDispatcherSubmitTimeout(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{
		QueueSize:         4,
		SubmitTimeout:     100 * time.Millisecond,
		WindowDuration:    time.Second,
		WindowMaxRequests: 1000,
		MinGap:            time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	err := d.Submit(context.Background(), PriorityTrade, "slow", func(ctx context.Context) error {
		time.Sleep(500 * time.Millisecond)
		return nil
	})

	if !errors.Is(err, ErrSubmitTimeout) {
		t.Errorf("期望超时错误, 实际: %v", err)
	}
}

func TestDispatcherQueueFull(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{
		QueueSize:         1,
		SubmitTimeout:     time.Second,
		WindowDuration:    time.Second,
		WindowMaxRequests: 1000,
		MinGap:            time.Millisecond,
	})
	// 不启动 worker，第二个请求应因队列满被拒绝

	go d.Submit(context.Background(), PriorityQuery, "first", func(ctx context.Context) error { return nil })

	// 等第一个请求占满队列
	for i := 0; i < 100; i++ {
		if _, _, q := d.QueueDepths(); q == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	err := d.Submit(context.Background(), PriorityQuery, "second", func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("期望队列满错误, 实际: %v", err)
	}
}

func TestDispatcherReturnsExecutionError(t *testing.T) {
	d := newTestDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	wantErr := errors.New("下单被拒绝")
	err := d.Submit(context.Background(), PriorityTrade, "reject", func(ctx context.Context) error {
		return wantErr
	})

	// 调度器不重试，错误原样返回
	if !errors.Is(err, wantErr) {
		t.Errorf("期望原样返回执行错误, 实际: %v", err)
	}
}
