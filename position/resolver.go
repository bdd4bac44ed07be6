package position

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"perpsync/database"
	"perpsync/event"
	"perpsync/exchange/okx"
	"perpsync/logger"
	"perpsync/metrics"
)

// ResolverConfig 成交归并配置
type ResolverConfig struct {
	CloseTolerance float64       // 全平判定容差，默认 0.01
	LinkWindow     time.Duration // 外部成交回溯窗口，默认 30 分钟
}

// Resolver 成交归并器
// 对每条订单推送判定：是否已入账、属于哪个 clOrdId、记 close 还是 reduce。
// 外部成交通过时间窗口 + 数量缺口启发式归并到未平完的持仓。
type Resolver struct {
	config      ResolverConfig
	db          database.Database
	manager     *Manager
	instruments InstrumentTable
	bus         *event.EventBus
}

// NewResolver 创建成交归并器
func NewResolver(config ResolverConfig, db database.Database, manager *Manager, instruments InstrumentTable, bus *event.EventBus) *Resolver {
	if config.CloseTolerance <= 0 {
		config.CloseTolerance = 0.01
	}
	if config.LinkWindow <= 0 {
		config.LinkWindow = 30 * time.Minute
	}

	return &Resolver{
		config:      config,
		db:          db,
		manager:     manager,
		instruments: instruments,
		bus:         bus,
	}
}

// candidate 归并候选
type candidate struct {
	clOrdID  string
	signalID string
	opened   float64
	closed   float64
}

// Apply 处理一条订单推送
// 返回错误表示存储故障，可由上游重试；判定性丢弃（未知合约、无法归并）返回 nil。
func (r *Resolver) Apply(ctx context.Context, update okx.OrderUpdate) error {
	pm := metrics.GetPrometheusMetrics()
	pm.RecordOrderEvent(update.InstID, string(update.State))

	info, ok := r.instruments.ByInstID(update.InstID)
	if !ok {
		logger.Warn("⚠️ [Resolver] 未映射的合约 %s，事件丢弃 (ordId=%s)", update.InstID, update.OrdID)
		return nil
	}

	// 只有终态成交产生台账行，其余状态仅是过程推送
	if !update.IsTerminalFill() {
		return nil
	}

	fillContracts, err := strconv.ParseFloat(update.AccFillSz, 64)
	if err != nil || fillContracts <= 0 {
		return nil
	}

	// 已有台账行说明是状态刷新或重放
	known, err := r.db.HasLedgerEntryForOrder(ctx, update.OrdID)
	if err != nil {
		return fmt.Errorf("查询台账失败: %w", err)
	}
	if known {
		return nil
	}

	// 只归并平仓方向的成交；同向成交由系统自身的开仓路径负责入账
	isCloseType := (update.Side == okx.SideSell && update.PosSide == okx.PosSideLong) ||
		(update.Side == okx.SideBuy && update.PosSide == okx.PosSideShort)
	if !isCloseType {
		logger.Debug("🔎 [Resolver] 非平仓方向成交，跳过 (ordId=%s side=%s posSide=%s)",
			update.OrdID, update.Side, update.PosSide)
		return nil
	}

	fillAmount, err := r.instruments.ContractsToCoin(update.InstID, fillContracts)
	if err != nil {
		return err
	}

	fillTime := r.parseFillTime(update)

	cand, err := r.findCandidate(ctx, info.BaseSymbol, update.PosSide, fillTime)
	if err != nil {
		return err
	}
	if cand == nil {
		logger.Warn("⚠️ [Resolver] 外部成交无法归并到任何持仓，丢弃 (ordId=%s %s %s %.8f)",
			update.OrdID, info.BaseSymbol, update.PosSide, fillAmount)
		pm.RecordExternalFill(info.BaseSymbol, "unlinked")
		r.bus.Publish(&event.Event{
			Type:    event.EventTypeExternalFillUnlinked,
			Symbol:  info.BaseSymbol,
			Message: fmt.Sprintf("外部成交无法归并: ordId=%s %.8f", update.OrdID, fillAmount),
			Data: map[string]interface{}{
				"ordId":   update.OrdID,
				"posSide": string(update.PosSide),
				"amount":  fillAmount,
			},
		})
		return nil
	}

	// 累计平仓量补齐累计开仓量（1% 容差内）记 close，否则记 reduce
	operation := database.OperationReduce
	if cand.opened > 0 && cand.closed+fillAmount >= cand.opened*(1-r.config.CloseTolerance) {
		operation = database.OperationClose
	}

	price, _ := strconv.ParseFloat(update.AvgPx, 64)

	entry := &database.LedgerEntry{
		SignalID:  cand.signalID,
		ClOrdID:   cand.clOrdID,
		OrdID:     update.OrdID,
		Symbol:    info.BaseSymbol,
		PosSide:   string(update.PosSide),
		Operation: operation,
		Amount:    fillAmount,
		Price:     price,
		Source:    database.SourceExternal,
		CreatedAt: fillTime,
	}
	if err := r.db.SaveLedgerEntry(ctx, entry); err != nil {
		return fmt.Errorf("外部成交台账写入失败: %w", err)
	}

	pm.RecordLedgerEntry(operation, database.SourceExternal)
	pm.RecordExternalFill(info.BaseSymbol, "linked")

	logger.Info("🔗 [Resolver] 外部成交已归并 ordId=%s -> clOrdId=%s op=%s %.8f",
		update.OrdID, cand.clOrdID, operation, fillAmount)

	r.bus.Publish(&event.Event{
		Type:    event.EventTypeExternalFill,
		Symbol:  info.BaseSymbol,
		Message: fmt.Sprintf("外部成交 %s %.8f -> %s (%s)", info.BaseSymbol, fillAmount, cand.clOrdID, operation),
		Data: map[string]interface{}{
			"ordId":     update.OrdID,
			"clOrdId":   cand.clOrdID,
			"operation": operation,
			"amount":    fillAmount,
			"price":     price,
		},
	})

	// 外部路径绕过了生命周期管理器，补做槽位清除
	if operation == database.OperationClose {
		if r.manager.ClearIfMatches(cand.clOrdID) {
			r.bus.Publish(&event.Event{
				Type:    event.EventTypePositionClosed,
				Symbol:  info.BaseSymbol,
				Message: fmt.Sprintf("持仓被外部平仓 %s (clOrdId=%s)", info.BaseSymbol, cand.clOrdID),
				Data: map[string]interface{}{
					"clOrdId": cand.clOrdID,
					"source":  database.SourceExternal,
				},
			})
		}
	}

	return nil
}

// parseFillTime 解析成交时间（毫秒时间戳）
// 时间戳畸形时退回当前时间：该事件的去重和窗口判断随之退化，明示记录。
func (r *Resolver) parseFillTime(update okx.OrderUpdate) time.Time {
	raw := update.FillTime
	if raw == "" {
		raw = update.UTime
	}

	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		logger.Warn("⚠️ [Resolver] 订单 %s 时间戳畸形 %q，退回接收时间", update.OrdID, raw)
		return time.Now()
	}
	return time.UnixMilli(ms)
}

// findCandidate 查找归并目标
// 回溯窗口内同 symbol+posSide、累计平仓量尚未补齐开仓量的 clOrdId；
// 多个候选时取最近的一个并发出歧义告警；没有候选时退回内存中的活跃持仓。
func (r *Resolver) findCandidate(ctx context.Context, symbol string, posSide okx.PosSide, fillTime time.Time) (*candidate, error) {
	opens, err := r.db.GetRecentOpens(ctx, symbol, string(posSide), fillTime.Add(-r.config.LinkWindow))
	if err != nil {
		return nil, fmt.Errorf("查询窗口内开仓记录失败: %w", err)
	}

	// opens 按时间倒序，去重后仍保持从新到旧
	var candidates []*candidate
	seen := make(map[string]bool)
	for _, open := range opens {
		if seen[open.ClOrdID] {
			continue
		}
		seen[open.ClOrdID] = true

		opened, err := r.db.SumLedgerAmounts(ctx, open.ClOrdID, []string{database.OperationOpen, database.OperationAdd})
		if err != nil {
			return nil, err
		}
		closed, err := r.db.SumLedgerAmounts(ctx, open.ClOrdID, []string{database.OperationReduce, database.OperationClose})
		if err != nil {
			return nil, err
		}

		// 缺口超过容差才算未平完
		if closed < opened*(1-r.config.CloseTolerance) {
			candidates = append(candidates, &candidate{
				clOrdID:  open.ClOrdID,
				signalID: open.SignalID,
				opened:   opened,
				closed:   closed,
			})
		}
	}

	if len(candidates) > 1 {
		// 窗口内多个未平完的持仓无法确定归属，选最近的并显式告警
		logger.Warn("⚠️ [Resolver] 归并歧义：窗口内 %d 个候选，选最近的 %s", len(candidates), candidates[0].clOrdID)
		metrics.GetPrometheusMetrics().RecordExternalFill(symbol, "ambiguous")
		r.bus.Publish(&event.Event{
			Type:    event.EventTypeExternalFillAmbiguous,
			Symbol:  symbol,
			Message: fmt.Sprintf("外部成交归并歧义: %d 个候选, 已选 %s", len(candidates), candidates[0].clOrdID),
			Data: map[string]interface{}{
				"candidates": len(candidates),
				"chosen":     candidates[0].clOrdID,
			},
		})
	}

	if len(candidates) > 0 {
		return candidates[0], nil
	}

	// 台账无候选时退回内存活跃持仓
	if active, ok := r.manager.Active(); ok && active.PosSide == posSide && active.Symbol == symbol {
		opened, err := r.db.SumLedgerAmounts(ctx, active.ClOrdID, []string{database.OperationOpen, database.OperationAdd})
		if err != nil {
			return nil, err
		}
		closed, err := r.db.SumLedgerAmounts(ctx, active.ClOrdID, []string{database.OperationReduce, database.OperationClose})
		if err != nil {
			return nil, err
		}
		if opened <= 0 {
			// 台账里没有这笔开仓（写入失败待修复），用槽位数量兜底
			opened = active.Amount
		}
		return &candidate{
			clOrdID:  active.ClOrdID,
			signalID: active.SignalID,
			opened:   opened,
			closed:   closed,
		}, nil
	}

	return nil, nil
}
