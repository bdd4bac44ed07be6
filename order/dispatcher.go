package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"perpsync/exchange/okx"
	"perpsync/logger"
	"perpsync/metrics"

	"golang.org/x/time/rate"
)

// Priority 请求优先级
type Priority int

const (
	PriorityQuery    Priority = 0 // 查询类请求
	PriorityTrade    Priority = 1 // 交易类请求
	PriorityStopLoss Priority = 2 // 止损类请求，最高优先
)

func (p Priority) String() string {
	switch p {
	case PriorityStopLoss:
		return "stop_loss"
	case PriorityTrade:
		return "trade"
	default:
		return "query"
	}
}

// ErrSubmitTimeout 请求在等待执行结果时超时
var ErrSubmitTimeout = errors.New("请求执行超时")

// ErrQueueFull 对应优先级队列已满
var ErrQueueFull = errors.New("请求队列已满")

// ErrDispatcherStopped 调度器已停止
var ErrDispatcherStopped = errors.New("调度器已停止")

// RequestFn 实际的交易所调用
type RequestFn func(ctx context.Context) error

// request 入队的请求单元
type request struct {
	name       string
	priority   Priority
	fn         RequestFn
	done       chan error // 单次写入
	enqueuedAt time.Time
}

// DispatcherConfig 调度器配置
type DispatcherConfig struct {
	QueueSize         int           // 每个优先级队列容量
	SubmitTimeout     time.Duration // Submit 等待执行结果的超时
	WindowDuration    time.Duration // 滑动窗口长度
	WindowMaxRequests int           // 窗口内最大请求数
	MinGap            time.Duration // 相邻请求最小间隔
}

// Dispatcher 交易所请求调度器
// 单 worker 顺序派发，止损 > 交易 > 查询，同优先级 FIFO。
// 只负责排队和限速，不做重试：失败原样返回给调用方。
type Dispatcher struct {
	config   DispatcherConfig
	configMu sync.RWMutex // 保护可热更的限速参数

	stopLossQueue chan *request
	tradeQueue    chan *request
	queryQueue    chan *request

	gapLimiter *rate.Limiter
	windowMu   sync.Mutex
	windowHits []time.Time

	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

// NewDispatcher 创建调度器
func NewDispatcher(config DispatcherConfig) *Dispatcher {
	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}
	if config.SubmitTimeout <= 0 {
		config.SubmitTimeout = 10 * time.Second
	}
	if config.WindowDuration <= 0 {
		config.WindowDuration = 2 * time.Second
	}
	if config.WindowMaxRequests <= 0 {
		config.WindowMaxRequests = 20
	}
	if config.MinGap <= 0 {
		config.MinGap = 100 * time.Millisecond
	}

	return &Dispatcher{
		config:        config,
		stopLossQueue: make(chan *request, config.QueueSize),
		tradeQueue:    make(chan *request, config.QueueSize),
		queryQueue:    make(chan *request, config.QueueSize),
		gapLimiter:    rate.NewLimiter(rate.Every(config.MinGap), 1),
		stopped:       make(chan struct{}),
	}
}

// Start 启动调度循环
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.run(ctx)
	logger.Info("🚀 [Dispatcher] 请求调度器已启动 (窗口 %v/%d 单, 最小间隔 %v)",
		d.config.WindowDuration, d.config.WindowMaxRequests, d.config.MinGap)
}

// Submit 提交请求并等待执行结果
// 阻塞直到请求被执行完毕、超时或 ctx 取消。超时后请求仍会被执行，但结果被丢弃。
func (d *Dispatcher) Submit(ctx context.Context, priority Priority, name string, fn RequestFn) error {
	req := &request{
		name:       name,
		priority:   priority,
		fn:         fn,
		done:       make(chan error, 1),
		enqueuedAt: time.Now(),
	}

	queue := d.queueFor(priority)

	select {
	case queue <- req:
	case <-d.stopped:
		return ErrDispatcherStopped
	case <-ctx.Done():
		return ctx.Err()
	default:
		metrics.GetPrometheusMetrics().RecordDispatch(priority.String(), "rejected", 0)
		return fmt.Errorf("%w: %s", ErrQueueFull, priority)
	}

	d.configMu.RLock()
	submitTimeout := d.config.SubmitTimeout
	d.configMu.RUnlock()

	timer := time.NewTimer(submitTimeout)
	defer timer.Stop()

	select {
	case err := <-req.done:
		return err
	case <-timer.C:
		metrics.GetPrometheusMetrics().RecordDispatch(priority.String(), "timeout", time.Since(req.enqueuedAt))
		return fmt.Errorf("%w: %s (%s)", ErrSubmitTimeout, name, priority)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// queueFor 获取优先级对应的队列
func (d *Dispatcher) queueFor(priority Priority) chan *request {
	switch priority {
	case PriorityStopLoss:
		return d.stopLossQueue
	case PriorityTrade:
		return d.tradeQueue
	default:
		return d.queryQueue
	}
}

// QueueDepths 各优先级队列当前深度
func (d *Dispatcher) QueueDepths() (stopLoss, trade, query int) {
	return len(d.stopLossQueue), len(d.tradeQueue), len(d.queryQueue)
}

// run 调度循环
func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	for {
		req, ok := d.next(ctx)
		if !ok {
			return
		}

		d.waitRateLimit(ctx)
		if ctx.Err() != nil {
			req.done <- ctx.Err()
			return
		}

		d.execute(ctx, req)
	}
}

// next 按优先级取下一个请求
// 高优先级队列非空时永远先于低优先级被取走。
func (d *Dispatcher) next(ctx context.Context) (*request, bool) {
	select {
	case req := <-d.stopLossQueue:
		return req, true
	default:
	}

	select {
	case req := <-d.stopLossQueue:
		return req, true
	case req := <-d.tradeQueue:
		return req, true
	default:
	}

	select {
	case req := <-d.stopLossQueue:
		return req, true
	case req := <-d.tradeQueue:
		return req, true
	case req := <-d.queryQueue:
		return req, true
	case <-ctx.Done():
		return nil, false
	case <-d.stopped:
		return nil, false
	}
}

// UpdateLimits 热更新限速参数（配置热加载时调用）
// 队列容量不可热更，仅调整窗口、间隔和 Submit 超时。
func (d *Dispatcher) UpdateLimits(submitTimeout, windowDuration time.Duration, windowMaxRequests int, minGap time.Duration) {
	d.configMu.Lock()
	if submitTimeout > 0 {
		d.config.SubmitTimeout = submitTimeout
	}
	if windowDuration > 0 {
		d.config.WindowDuration = windowDuration
	}
	if windowMaxRequests > 0 {
		d.config.WindowMaxRequests = windowMaxRequests
	}
	if minGap > 0 {
		d.config.MinGap = minGap
		d.gapLimiter.SetLimit(rate.Every(minGap))
	}
	d.configMu.Unlock()

	logger.Info("🔁 [Dispatcher] 限速参数已更新 (窗口 %v/%d 单, 最小间隔 %v)",
		windowDuration, windowMaxRequests, minGap)
}

// waitRateLimit 滑动窗口 + 最小间隔双重限速
func (d *Dispatcher) waitRateLimit(ctx context.Context) {
	d.configMu.RLock()
	windowDuration := d.config.WindowDuration
	windowMax := d.config.WindowMaxRequests
	d.configMu.RUnlock()

	d.windowMu.Lock()
	now := time.Now()
	cutoff := now.Add(-windowDuration)

	// 修剪窗口外的记录
	valid := d.windowHits[:0]
	for _, t := range d.windowHits {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	d.windowHits = valid

	var sleep time.Duration
	if len(d.windowHits) >= windowMax {
		sleep = d.windowHits[0].Add(windowDuration).Sub(now)
	}
	d.windowMu.Unlock()

	if sleep > 0 {
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return
		}
	}

	if err := d.gapLimiter.Wait(ctx); err != nil {
		return
	}

	d.windowMu.Lock()
	d.windowHits = append(d.windowHits, time.Now())
	d.windowMu.Unlock()
}

// execute 执行单个请求
func (d *Dispatcher) execute(ctx context.Context, req *request) {
	start := time.Now()
	err := req.fn(ctx)
	elapsed := time.Since(start)

	outcome := "ok"
	if err != nil {
		outcome = "error"
		// 认证类错误降级为 WARN：通常是配置问题，重试也无济于事
		if okx.IsAuthError(err) {
			logger.Warn("⚠️ [Dispatcher] 请求 %s 认证失败: %v", req.name, err)
		} else {
			logger.Error("❌ [Dispatcher] 请求 %s 执行失败: %v", req.name, err)
		}
	}

	metrics.GetPrometheusMetrics().RecordDispatch(req.priority.String(), outcome, time.Since(req.enqueuedAt))
	logger.Debug("📤 [Dispatcher] %s (%s) 耗时 %v", req.name, req.priority, elapsed)

	req.done <- err
}

// Stop 停止调度器
// 队列中尚未执行的请求以 ErrDispatcherStopped 结束。
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopped)
	})
	d.wg.Wait()

	d.drain(d.stopLossQueue)
	d.drain(d.tradeQueue)
	d.drain(d.queryQueue)

	logger.Info("🛑 [Dispatcher] 请求调度器已停止")
}

func (d *Dispatcher) drain(queue chan *request) {
	for {
		select {
		case req := <-queue:
			req.done <- ErrDispatcherStopped
		default:
			return
		}
	}
}
