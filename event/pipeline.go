package event

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"perpsync/database"
	"perpsync/exchange/okx"
	"perpsync/logger"
	"perpsync/metrics"
	"perpsync/utils"
)

// FillResolver 成交归并接口
type FillResolver interface {
	Apply(ctx context.Context, update okx.OrderUpdate) error
}

// PipelineConfig 事件管道配置
type PipelineConfig struct {
	QueueSize     int           // 队列容量
	EnqueueWait   time.Duration // 队列满时的短暂阻塞入队等待
	MaxRetries    int           // 存储故障重试上限
	RetryDelay    time.Duration // 重试间隔
	ProcessedTTL  time.Duration // 已处理键保留时长
	PendingTTL    time.Duration // 排队键保留时长
	PurgeInterval time.Duration // 去重表清理间隔
}

// queuedUpdate 入队单元
type queuedUpdate struct {
	key    string
	update okx.OrderUpdate
}

// Pipeline 订单事件接入管道
// 推送 -> 去重 -> 有界队列 -> 单 worker 归并。存储故障有界重试后放弃，
// 永久失败的事件不会阻塞后续事件。
type Pipeline struct {
	config   PipelineConfig
	dedup    *Deduper
	resolver FillResolver
	db       database.Database
	queue    chan queuedUpdate
	wg       sync.WaitGroup
}

// NewPipeline 创建事件管道
func NewPipeline(config PipelineConfig, resolver FillResolver, db database.Database) *Pipeline {
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.EnqueueWait <= 0 {
		config.EnqueueWait = 200 * time.Millisecond
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 500 * time.Millisecond
	}
	if config.PurgeInterval <= 0 {
		config.PurgeInterval = time.Minute
	}

	return &Pipeline{
		config:   config,
		dedup:    NewDeduper(config.ProcessedTTL, config.PendingTTL),
		resolver: resolver,
		db:       db,
		queue:    make(chan queuedUpdate, config.QueueSize),
	}
}

// Start 启动消费 worker 和去重清扫
func (p *Pipeline) Start(ctx context.Context) {
	p.dedup.StartPurge(ctx, p.config.PurgeInterval)

	p.wg.Add(1)
	go p.consume(ctx)

	logger.Info("🚀 [Pipeline] 事件管道已启动 (队列 %d, 重试 %d 次)", p.config.QueueSize, p.config.MaxRetries)
}

// Wait 等待 worker 退出
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// QueueDepth 当前队列深度
func (p *Pipeline) QueueDepth() int {
	return len(p.queue)
}

// HandleUpdate 接收一条订单推送（WebSocket 回调）
func (p *Pipeline) HandleUpdate(update okx.OrderUpdate) {
	pm := metrics.GetPrometheusMetrics()

	key, weakened := dedupKey(update)
	if weakened {
		logger.Warn("⚠️ [Pipeline] 订单 %s 更新时间戳畸形 %q，该事件去重退化为接收时间",
			update.OrdID, update.UTime)
	}

	if !p.dedup.TryMarkPending(key) {
		pm.RecordDedupDrop()
		logger.Debug("🔁 [Pipeline] 重复事件丢弃: %s", key)
		return
	}

	// 原始记录先落盘：哪怕后续归并失败，修复任务也有据可查
	p.saveRawOrder(update)

	select {
	case p.queue <- queuedUpdate{key: key, update: update}:
		pm.SetIngestQueueDepth(len(p.queue))
		return
	default:
	}

	// 队列满：短暂阻塞等待，仍然满则标记已处理丢弃，有界内存优先于不丢事件
	timer := time.NewTimer(p.config.EnqueueWait)
	defer timer.Stop()

	select {
	case p.queue <- queuedUpdate{key: key, update: update}:
		pm.SetIngestQueueDepth(len(p.queue))
	case <-timer.C:
		p.dedup.MarkProcessed(key)
		pm.RecordEventAbandon()
		logger.Error("❌ [Pipeline] 队列持续满载，事件被丢弃: %s", key)
	}
}

// consume 消费队列
func (p *Pipeline) consume(ctx context.Context) {
	defer p.wg.Done()

	pm := metrics.GetPrometheusMetrics()

	for {
		select {
		case <-ctx.Done():
			return
		case item := <-p.queue:
			pm.SetIngestQueueDepth(len(p.queue))

			err := utils.Retry(ctx, p.config.MaxRetries, p.config.RetryDelay, func(ctx context.Context) error {
				return p.resolver.Apply(ctx, item.update)
			})
			if err != nil {
				// 放弃而不是卡死管道
				pm.RecordEventAbandon()
				logger.Error("❌ [Pipeline] 事件 %s 重试耗尽后放弃: %v", item.key, err)
			}

			p.dedup.MarkProcessed(item.key)
		}
	}
}

// saveRawOrder 幂等保存原始订单记录
func (p *Pipeline) saveRawOrder(update okx.OrderUpdate) {
	uTime, err := strconv.ParseInt(update.UTime, 10, 64)
	if err != nil {
		uTime = time.Now().UnixMilli()
	}
	accFill, _ := strconv.ParseFloat(update.AccFillSz, 64)
	avgPx, _ := strconv.ParseFloat(update.AvgPx, 64)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	record := &database.RawOrderRecord{
		OrdID:      update.OrdID,
		ClOrdID:    update.ClOrdID,
		InstID:     update.InstID,
		Side:       string(update.Side),
		PosSide:    string(update.PosSide),
		AccFillSz:  accFill,
		AvgPx:      avgPx,
		State:      string(update.State),
		UpdateTime: uTime,
	}
	if err := p.db.SaveRawOrder(ctx, record); err != nil {
		logger.Warn("⚠️ [Pipeline] 保存原始订单记录失败 ordId=%s: %v", update.OrdID, err)
	}
}

// dedupKey 构造去重键 (ordId, uTime)
// 时间戳畸形时用接收时间顶替，返回 weakened=true 提示该事件去重能力退化。
func dedupKey(update okx.OrderUpdate) (key string, weakened bool) {
	if _, err := strconv.ParseInt(update.UTime, 10, 64); err != nil {
		return fmt.Sprintf("%s|ingest:%d", update.OrdID, time.Now().UnixMilli()), true
	}
	return update.OrdID + "|" + update.UTime, false
}
