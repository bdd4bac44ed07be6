package safety

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"perpsync/event"
	"perpsync/exchange/okx"
	"perpsync/lock"
	"perpsync/logger"
	"perpsync/metrics"
	"perpsync/order"
	"perpsync/position"
)

// ReconcilerConfig 对账配置
type ReconcilerConfig struct {
	Interval time.Duration // 对账周期，默认 60s
	InstID   string
}

// Reconciler 持仓对账器
// 周期性用交易所实际持仓核对内存槽位，发现分歧告警并纠正陈旧槽位。
// 对账查询走 QUERY 优先级，绝不抢占交易和止损请求。
type Reconciler struct {
	config      ReconcilerConfig
	manager     *position.Manager
	dispatcher  position.Submitter
	client      position.ExchangeAPI
	instruments position.InstrumentTable
	bus         *event.EventBus
	dlock       lock.DistributedLock

	wg sync.WaitGroup
}

// NewReconciler 创建对账器
func NewReconciler(config ReconcilerConfig, manager *position.Manager, dispatcher position.Submitter, client position.ExchangeAPI, instruments position.InstrumentTable, bus *event.EventBus, dlock lock.DistributedLock) *Reconciler {
	if config.Interval <= 0 {
		config.Interval = 60 * time.Second
	}

	return &Reconciler{
		config:      config,
		manager:     manager,
		dispatcher:  dispatcher,
		client:      client,
		instruments: instruments,
		bus:         bus,
		dlock:       dlock,
	}
}

// Start 启动对账循环
func (r *Reconciler) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.config.Interval)
		defer ticker.Stop()

		logger.Info("🚀 [Reconciler] 持仓对账已启动, 周期 %v", r.config.Interval)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.reconcileOnce(ctx)
			}
		}
	}()
}

// Wait 等待对账循环退出
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

// reconcileOnce 执行一轮对账
func (r *Reconciler) reconcileOnce(ctx context.Context) {
	lockKey := "reconcile:" + r.config.InstID
	acquired, err := r.dlock.TryLock(ctx, lockKey, r.config.Interval)
	if err != nil {
		logger.Warn("⚠️ [Reconciler] 获取对账锁失败: %v", err)
		// 锁故障时降级单实例执行
	} else if !acquired {
		logger.Debug("🔒 [Reconciler] 对账已由其他实例执行, 跳过")
		return
	} else {
		defer func() {
			if unlockErr := r.dlock.Unlock(ctx, lockKey); unlockErr != nil {
				logger.Warn("⚠️ [Reconciler] 释放对账锁失败: %v", unlockErr)
			}
		}()
	}

	var positions []okx.Position
	err = r.dispatcher.Submit(ctx, order.PriorityQuery, "reconcile:"+r.config.InstID, func(ctx context.Context) error {
		var qErr error
		positions, qErr = r.client.GetPositions(ctx, r.config.InstID)
		return qErr
	})
	if err != nil {
		logger.Warn("⚠️ [Reconciler] 查询持仓失败: %v", err)
		return
	}

	active, hasSlot := r.manager.Active()

	var liveContracts float64
	var livePosSide string
	for _, p := range positions {
		size, _ := strconv.ParseFloat(p.Pos, 64)
		if size < 0 {
			size = -size
		}
		if size > 0 {
			liveContracts = size
			livePosSide = p.PosSide
			break
		}
	}

	symbol := r.config.InstID
	if info, ok := r.instruments.ByInstID(r.config.InstID); ok {
		symbol = info.BaseSymbol
	}
	metrics.GetPrometheusMetrics().RecordReconciliation(symbol)

	switch {
	case hasSlot && liveContracts == 0:
		// 槽位陈旧：外部已平但事件链路漏掉了
		logger.Warn("⚠️ [Reconciler] 槽位 %s 陈旧（交易所无仓），清除", active.ClOrdID)
		metrics.GetPrometheusMetrics().RecordReconciliationDiff(symbol, "stale_slot")
		r.manager.ClearIfMatches(active.ClOrdID)
		r.bus.Publish(&event.Event{
			Type:    event.EventTypeReconcileDiff,
			Symbol:  symbol,
			Message: fmt.Sprintf("对账发现陈旧槽位并清除: %s", active.ClOrdID),
			Data:    map[string]interface{}{"clOrdId": active.ClOrdID, "diff": "stale_slot"},
		})

	case !hasSlot && liveContracts > 0:
		// 交易所有仓但系统无槽位：外部开仓不在本系统职责内，只告警
		logger.Warn("⚠️ [Reconciler] 交易所持有 %s %.4f 张但系统无活跃槽位", livePosSide, liveContracts)
		metrics.GetPrometheusMetrics().RecordReconciliationDiff(symbol, "untracked_position")
		r.bus.Publish(&event.Event{
			Type:    event.EventTypeReconcileDiff,
			Symbol:  symbol,
			Message: fmt.Sprintf("交易所存在未跟踪持仓: %s %.4f 张", livePosSide, liveContracts),
			Data:    map[string]interface{}{"posSide": livePosSide, "contracts": liveContracts, "diff": "untracked_position"},
		})

	case hasSlot && liveContracts > 0:
		liveAmount, cErr := r.instruments.ContractsToCoin(r.config.InstID, liveContracts)
		if cErr != nil {
			return
		}
		// 数量分歧超过 1% 告警（不自动修数，数量修正只经由事件链路）
		diff := liveAmount - active.Amount
		if diff < 0 {
			diff = -diff
		}
		if active.Amount > 0 && diff > active.Amount*0.01 {
			logger.Warn("⚠️ [Reconciler] 持仓数量分歧: 槽位 %.8f, 交易所 %.8f", active.Amount, liveAmount)
			metrics.GetPrometheusMetrics().RecordReconciliationDiff(symbol, "amount_mismatch")
			r.bus.Publish(&event.Event{
				Type:    event.EventTypeReconcileDiff,
				Symbol:  symbol,
				Message: fmt.Sprintf("持仓数量分歧: 槽位 %.8f, 交易所 %.8f", active.Amount, liveAmount),
				Data: map[string]interface{}{
					"clOrdId":    active.ClOrdID,
					"slotAmount": active.Amount,
					"liveAmount": liveAmount,
					"diff":       "amount_mismatch",
				},
			})
		}
	}
}
