package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 调度器指标
	dispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpsync_dispatch_total",
			Help: "Total number of dispatched requests",
		},
		[]string{"priority", "outcome"}, // outcome: ok, error, timeout, rejected
	)

	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "perpsync_dispatch_duration_seconds",
			Help:    "Request duration from enqueue to completion in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
		[]string{"priority"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "perpsync_queue_depth",
			Help: "Current dispatcher queue depth per priority",
		},
		[]string{"priority"},
	)

	// 订单流指标
	orderEventTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpsync_order_event_total",
			Help: "Total number of order events received from the stream",
		},
		[]string{"symbol", "state"},
	)

	dedupDropTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "perpsync_dedup_drop_total",
			Help: "Total number of duplicate order events dropped",
		},
	)

	eventAbandonTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "perpsync_event_abandon_total",
			Help: "Total number of events abandoned after retry exhaustion",
		},
	)

	ingestQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "perpsync_ingest_queue_depth",
			Help: "Current ingestion pipeline queue depth",
		},
	)

	// 台账指标
	ledgerEntryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpsync_ledger_entry_total",
			Help: "Total number of ledger entries written",
		},
		[]string{"operation", "source"},
	)

	externalFillTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpsync_external_fill_total",
			Help: "Total number of external fills linked to positions",
		},
		[]string{"symbol", "resolution"}, // resolution: linked, ambiguous, unlinked
	)

	// 持仓指标
	activePosition = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "perpsync_active_position",
			Help: "Active position state (0=flat, 1=holding)",
		},
		[]string{"symbol", "pos_side"},
	)

	positionSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "perpsync_position_size",
			Help: "Current position size in base currency",
		},
		[]string{"symbol", "pos_side"},
	)

	// WebSocket 指标
	websocketConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "perpsync_websocket_connected",
			Help: "Order stream connection status (0=disconnected, 1=connected)",
		},
	)

	websocketReconnectCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "perpsync_websocket_reconnect_count_total",
			Help: "Total number of order stream reconnections",
		},
	)

	// 对账指标
	reconciliationCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpsync_reconciliation_count_total",
			Help: "Total number of reconciliations performed",
		},
		[]string{"symbol"},
	)

	reconciliationDiffFound = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpsync_reconciliation_diff_found_total",
			Help: "Total number of reconciliation differences found",
		},
		[]string{"symbol", "type"},
	)

	// 系统指标
	goroutineCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "perpsync_goroutine_count",
			Help: "Number of goroutines",
		},
	)

	memoryAllocBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "perpsync_memory_alloc_bytes",
			Help: "Bytes of allocated heap objects",
		},
	)

	cpuUsagePercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "perpsync_cpu_usage_percent",
			Help: "Process CPU usage percentage",
		},
	)
)

// PrometheusMetrics Prometheus 指标收集器
type PrometheusMetrics struct{}

var (
	instance *PrometheusMetrics
	once     sync.Once
)

// GetPrometheusMetrics 获取全局指标收集器
func GetPrometheusMetrics() *PrometheusMetrics {
	once.Do(func() {
		instance = &PrometheusMetrics{}
	})
	return instance
}

// 调度器相关

// RecordDispatch 记录一次请求派发
func (pm *PrometheusMetrics) RecordDispatch(priority, outcome string, duration time.Duration) {
	dispatchTotal.WithLabelValues(priority, outcome).Inc()
	if duration > 0 {
		dispatchDuration.WithLabelValues(priority).Observe(duration.Seconds())
	}
}

// SetQueueDepth 设置队列深度
func (pm *PrometheusMetrics) SetQueueDepth(priority string, depth int) {
	queueDepth.WithLabelValues(priority).Set(float64(depth))
}

// 订单流相关

// RecordOrderEvent 记录收到的订单事件
func (pm *PrometheusMetrics) RecordOrderEvent(symbol, state string) {
	orderEventTotal.WithLabelValues(symbol, state).Inc()
}

// RecordDedupDrop 记录重复事件丢弃
func (pm *PrometheusMetrics) RecordDedupDrop() {
	dedupDropTotal.Inc()
}

// RecordEventAbandon 记录重试耗尽后放弃的事件
func (pm *PrometheusMetrics) RecordEventAbandon() {
	eventAbandonTotal.Inc()
}

// SetIngestQueueDepth 设置事件队列深度
func (pm *PrometheusMetrics) SetIngestQueueDepth(depth int) {
	ingestQueueDepth.Set(float64(depth))
}

// 台账相关

// RecordLedgerEntry 记录台账写入
func (pm *PrometheusMetrics) RecordLedgerEntry(operation, source string) {
	ledgerEntryTotal.WithLabelValues(operation, source).Inc()
}

// RecordExternalFill 记录外部成交归并结果
func (pm *PrometheusMetrics) RecordExternalFill(symbol, resolution string) {
	externalFillTotal.WithLabelValues(symbol, resolution).Inc()
}

// 持仓相关

// SetActivePosition 设置持仓状态
func (pm *PrometheusMetrics) SetActivePosition(symbol, posSide string, holding bool) {
	value := 0.0
	if holding {
		value = 1.0
	}
	activePosition.WithLabelValues(symbol, posSide).Set(value)
}

// SetPositionSize 设置持仓大小
func (pm *PrometheusMetrics) SetPositionSize(symbol, posSide string, size float64) {
	positionSize.WithLabelValues(symbol, posSide).Set(size)
}

// WebSocket 相关

// SetWebSocketStatus 设置订单流连接状态
func (pm *PrometheusMetrics) SetWebSocketStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	websocketConnected.Set(value)
}

// RecordWebSocketReconnect 记录订单流重连
func (pm *PrometheusMetrics) RecordWebSocketReconnect() {
	websocketReconnectCount.Inc()
}

// 对账相关

// RecordReconciliation 记录对账执行
func (pm *PrometheusMetrics) RecordReconciliation(symbol string) {
	reconciliationCount.WithLabelValues(symbol).Inc()
}

// RecordReconciliationDiff 记录对账差异
func (pm *PrometheusMetrics) RecordReconciliationDiff(symbol, diffType string) {
	reconciliationDiffFound.WithLabelValues(symbol, diffType).Inc()
}

// 系统相关

// SetGoroutineCount 设置 Goroutine 数量
func (pm *PrometheusMetrics) SetGoroutineCount(count int) {
	goroutineCount.Set(float64(count))
}

// SetMemoryAlloc 设置内存分配
func (pm *PrometheusMetrics) SetMemoryAlloc(bytes uint64) {
	memoryAllocBytes.Set(float64(bytes))
}

// SetCPUUsage 设置 CPU 使用率
func (pm *PrometheusMetrics) SetCPUUsage(percent float64) {
	cpuUsagePercent.Set(percent)
}
