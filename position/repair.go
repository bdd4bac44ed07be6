package position

import (
	"context"
	"sync"
	"time"

	"perpsync/database"
	"perpsync/event"
	"perpsync/exchange/okx"
	"perpsync/logger"
	"perpsync/metrics"
)

// RepairTaskConfig 台账修复配置
type RepairTaskConfig struct {
	Interval       time.Duration // 修复周期，默认 10 分钟
	CloseTolerance float64
}

// RepairTask 台账修复任务
// 订单被交易所接受但台账写入失败时会留下"有原始记录、无台账行"的缺口。
// 本任务定期从原始订单记录补出缺失的系统侧台账行。
// 无 clOrdId 的外部订单不在此处理，归并器负责。
type RepairTask struct {
	config      RepairTaskConfig
	db          database.Database
	instruments InstrumentTable
	bus         *event.EventBus

	wg sync.WaitGroup
}

// NewRepairTask 创建修复任务
func NewRepairTask(config RepairTaskConfig, db database.Database, instruments InstrumentTable, bus *event.EventBus) *RepairTask {
	if config.Interval <= 0 {
		config.Interval = 10 * time.Minute
	}
	if config.CloseTolerance <= 0 {
		config.CloseTolerance = 0.01
	}

	return &RepairTask{
		config:      config,
		db:          db,
		instruments: instruments,
		bus:         bus,
	}
}

// Start 启动修复循环
func (t *RepairTask) Start(ctx context.Context) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		ticker := time.NewTicker(t.config.Interval)
		defer ticker.Stop()

		logger.Info("🚀 [Repair] 台账修复任务已启动, 周期 %v", t.config.Interval)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.repairOnce(ctx)
			}
		}
	}()
}

// Wait 等待修复循环退出
func (t *RepairTask) Wait() {
	t.wg.Wait()
}

// repairOnce 执行一轮修复
func (t *RepairTask) repairOnce(ctx context.Context) {
	records, err := t.db.GetRawOrdersWithoutLedger(ctx, 100)
	if err != nil {
		logger.Warn("⚠️ [Repair] 查询待修复订单失败: %v", err)
		return
	}
	if len(records) == 0 {
		return
	}

	repaired := 0
	for _, record := range records {
		if record.ClOrdID == "" {
			// 外部订单归归并器处理
			continue
		}
		if t.repairRecord(ctx, record) {
			repaired++
		}
	}

	if repaired > 0 {
		logger.Info("🔧 [Repair] 补齐 %d 条缺失台账行", repaired)
	}
}

// repairRecord 从一条原始记录补出台账行
func (t *RepairTask) repairRecord(ctx context.Context, record *database.RawOrderRecord) bool {
	info, ok := t.instruments.ByInstID(record.InstID)
	if !ok {
		logger.Warn("⚠️ [Repair] 未映射的合约 %s, 跳过 ordId=%s", record.InstID, record.OrdID)
		return false
	}

	amount, err := t.instruments.ContractsToCoin(record.InstID, record.AccFillSz)
	if err != nil || amount <= 0 {
		return false
	}

	opened, err := t.db.SumLedgerAmounts(ctx, record.ClOrdID, []string{database.OperationOpen, database.OperationAdd})
	if err != nil {
		logger.Warn("⚠️ [Repair] 查询累计开仓失败: %v", err)
		return false
	}

	// 按方向推断操作类型
	isCloseType := (okx.Side(record.Side) == okx.SideSell && okx.PosSide(record.PosSide) == okx.PosSideLong) ||
		(okx.Side(record.Side) == okx.SideBuy && okx.PosSide(record.PosSide) == okx.PosSideShort)

	var operation string
	if isCloseType {
		closed, err := t.db.SumLedgerAmounts(ctx, record.ClOrdID, []string{database.OperationReduce, database.OperationClose})
		if err != nil {
			return false
		}
		if opened > 0 && closed+amount >= opened*(1-t.config.CloseTolerance) {
			operation = database.OperationClose
		} else {
			operation = database.OperationReduce
		}
	} else {
		if opened > 0 {
			operation = database.OperationAdd
		} else {
			operation = database.OperationOpen
		}
	}

	entry := &database.LedgerEntry{
		ClOrdID:   record.ClOrdID,
		OrdID:     record.OrdID,
		Symbol:    info.BaseSymbol,
		PosSide:   record.PosSide,
		Operation: operation,
		Amount:    amount,
		Price:     record.AvgPx,
		Source:    database.SourceSystem,
		CreatedAt: time.UnixMilli(record.UpdateTime),
	}
	if err := t.db.SaveLedgerEntry(ctx, entry); err != nil {
		logger.Warn("⚠️ [Repair] 补写台账失败 ordId=%s: %v", record.OrdID, err)
		return false
	}

	metrics.GetPrometheusMetrics().RecordLedgerEntry(operation, database.SourceSystem)
	logger.Info("🔧 [Repair] 已补写台账 ordId=%s clOrdId=%s op=%s %.8f",
		record.OrdID, record.ClOrdID, operation, amount)

	return true
}
