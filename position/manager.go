package position

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"perpsync/database"
	"perpsync/event"
	"perpsync/exchange/okx"
	"perpsync/logger"
	"perpsync/metrics"
	"perpsync/order"
	"perpsync/utils"
)

// Submitter 请求调度接口
type Submitter interface {
	Submit(ctx context.Context, priority order.Priority, name string, fn order.RequestFn) error
}

// ExchangeAPI 交易所接口（持仓管理所需的子集）
type ExchangeAPI interface {
	PlaceOrder(ctx context.Context, req *okx.PlaceOrderRequest) (*okx.PlaceOrderResult, error)
	PlaceAlgoOrder(ctx context.Context, req *okx.PlaceAlgoOrderRequest) (*okx.AlgoOrderResult, error)
	GetPendingAlgoOrders(ctx context.Context, instID string) ([]okx.AlgoOrder, error)
	CancelAlgoOrders(ctx context.Context, instID string, algoIDs []string) error
	GetOrder(ctx context.Context, instID, ordID, clOrdID string) (*okx.Order, error)
	GetPositions(ctx context.Context, instID string) ([]okx.Position, error)
}

// InstrumentTable 合约映射接口
type InstrumentTable interface {
	ByInstID(instID string) (*okx.InstrumentInfo, bool)
	BySymbol(symbol string) (*okx.InstrumentInfo, bool)
	CoinToContracts(instID string, coinAmount float64) (float64, error)
	ContractsToCoin(instID string, contracts float64) (float64, error)
}

// Position 活跃持仓（内存单槽位）
type Position struct {
	ClOrdID  string
	SignalID string
	Symbol   string
	InstID   string
	PosSide  okx.PosSide
	Amount   float64 // base 币数量
	Leverage int
	OpenedAt time.Time
}

// OpenRequest 开仓请求
type OpenRequest struct {
	Symbol            string
	PosSide           okx.PosSide
	Amount            float64 // base 币数量
	StopLossTrigger   float64 // 0 表示不挂
	TakeProfitTrigger float64
	Leverage          int
	SignalID          string
}

// TriggerPlan 止盈止损计划项，TakeProfit 与 StopLoss 二选一
type TriggerPlan struct {
	TakeProfit float64
	StopLoss   float64
	Amount     float64 // base 币数量
}

// ManagerConfig 持仓管理配置
type ManagerConfig struct {
	MaxLeverage    int
	CloseTolerance float64 // 平仓判定容差，默认 0.01
	TdMode         string  // 交易模式，默认 cross
}

// Manager 持仓生命周期管理器
// 唯一有权变更"当前是否有持仓"的组件。所有交易所调用经由调度器派发，
// 持有锁期间不做任何网络调用。
type Manager struct {
	config      ManagerConfig
	db          database.Database
	dispatcher  Submitter
	client      ExchangeAPI
	instruments InstrumentTable
	bus         *event.EventBus

	mu     sync.Mutex
	active *Position
}

// NewManager 创建持仓管理器
func NewManager(config ManagerConfig, db database.Database, dispatcher Submitter, client ExchangeAPI, instruments InstrumentTable, bus *event.EventBus) *Manager {
	if config.MaxLeverage <= 0 {
		config.MaxLeverage = 20
	}
	if config.CloseTolerance <= 0 {
		config.CloseTolerance = 0.01
	}
	if config.TdMode == "" {
		config.TdMode = "cross"
	}

	return &Manager{
		config:      config,
		db:          db,
		dispatcher:  dispatcher,
		client:      client,
		instruments: instruments,
		bus:         bus,
	}
}

// HasActivePosition 当前是否有活跃持仓
func (m *Manager) HasActivePosition() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

// Active 活跃持仓快照
func (m *Manager) Active() (Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return Position{}, false
	}
	return *m.active, true
}

// openingSide 开仓方向对应的订单方向
func openingSide(posSide okx.PosSide) okx.Side {
	if posSide == okx.PosSideLong {
		return okx.SideBuy
	}
	return okx.SideSell
}

// closingSide 平仓方向对应的订单方向
func closingSide(posSide okx.PosSide) okx.Side {
	if posSide == okx.PosSideLong {
		return okx.SideSell
	}
	return okx.SideBuy
}

// formatSize 张数格式化
func formatSize(contracts float64) string {
	return strconv.FormatFloat(contracts, 'f', -1, 64)
}

// Open 开仓
// 返回铸造的 clOrdId。所有校验在任何网络调用之前完成；
// 内存槽位被占用但交易所实际无仓时，清除陈旧槽位后继续开仓。
func (m *Manager) Open(ctx context.Context, req *OpenRequest) (string, error) {
	if req.Amount <= 0 {
		return "", fmt.Errorf("%w: %f", ErrInvalidAmount, req.Amount)
	}
	if req.Leverage > m.config.MaxLeverage {
		return "", fmt.Errorf("%w: %d > %d", ErrLeverageExceeded, req.Leverage, m.config.MaxLeverage)
	}
	if req.PosSide != okx.PosSideLong && req.PosSide != okx.PosSideShort {
		return "", fmt.Errorf("非法持仓方向: %s", req.PosSide)
	}

	// 止盈止损相对顺序本地校验：多头止损必须低于止盈，空头相反
	if req.StopLossTrigger > 0 && req.TakeProfitTrigger > 0 {
		if req.PosSide == okx.PosSideLong && req.StopLossTrigger >= req.TakeProfitTrigger {
			return "", fmt.Errorf("%w: 多头要求 止损 < 止盈, 实际 %f >= %f",
				ErrInvalidTriggerOrder, req.StopLossTrigger, req.TakeProfitTrigger)
		}
		if req.PosSide == okx.PosSideShort && req.StopLossTrigger <= req.TakeProfitTrigger {
			return "", fmt.Errorf("%w: 空头要求 止损 > 止盈, 实际 %f <= %f",
				ErrInvalidTriggerOrder, req.StopLossTrigger, req.TakeProfitTrigger)
		}
	}

	info, ok := m.instruments.BySymbol(req.Symbol)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownInstrument, req.Symbol)
	}

	if err := m.ensureSlotFree(ctx, info.InstID); err != nil {
		return "", err
	}

	clOrdID := utils.GenerateClientOrderID()

	contracts, err := m.instruments.CoinToContracts(info.InstID, req.Amount)
	if err != nil {
		return "", err
	}

	orderReq := &okx.PlaceOrderRequest{
		InstID:  info.InstID,
		TdMode:  m.config.TdMode,
		Side:    openingSide(req.PosSide),
		PosSide: req.PosSide,
		OrdType: "market",
		Sz:      formatSize(contracts),
		ClOrdID: clOrdID,
	}

	if req.StopLossTrigger > 0 || req.TakeProfitTrigger > 0 {
		attach := okx.AttachedAlgoOrder{}
		if req.TakeProfitTrigger > 0 {
			attach.TpTriggerPx = strconv.FormatFloat(req.TakeProfitTrigger, 'f', -1, 64)
			attach.TpOrdPx = "-1" // 触发后按市价
		}
		if req.StopLossTrigger > 0 {
			attach.SlTriggerPx = strconv.FormatFloat(req.StopLossTrigger, 'f', -1, 64)
			attach.SlOrdPx = "-1"
		}
		orderReq.AttachAlgo = []okx.AttachedAlgoOrder{attach}
	}

	var result *okx.PlaceOrderResult
	err = m.dispatcher.Submit(ctx, order.PriorityTrade, "open:"+clOrdID, func(ctx context.Context) error {
		var placeErr error
		result, placeErr = m.client.PlaceOrder(ctx, orderReq)
		return placeErr
	})
	if err != nil {
		return "", fmt.Errorf("开仓下单失败: %w", err)
	}

	m.mu.Lock()
	m.active = &Position{
		ClOrdID:  clOrdID,
		SignalID: req.SignalID,
		Symbol:   info.BaseSymbol,
		InstID:   info.InstID,
		PosSide:  req.PosSide,
		Amount:   req.Amount,
		Leverage: req.Leverage,
		OpenedAt: time.Now(),
	}
	m.mu.Unlock()

	pm := metrics.GetPrometheusMetrics()
	pm.SetActivePosition(info.BaseSymbol, string(req.PosSide), true)
	pm.SetPositionSize(info.BaseSymbol, string(req.PosSide), req.Amount)

	price := m.fetchFillPrice(ctx, info.InstID, result.OrdID)
	m.appendLedger(&database.LedgerEntry{
		SignalID:  req.SignalID,
		ClOrdID:   clOrdID,
		OrdID:     result.OrdID,
		Symbol:    info.BaseSymbol,
		PosSide:   string(req.PosSide),
		Operation: database.OperationOpen,
		Amount:    req.Amount,
		Price:     price,
		Source:    database.SourceSystem,
	})

	m.bus.Publish(&event.Event{
		Type:    event.EventTypePositionOpened,
		Symbol:  info.BaseSymbol,
		Message: fmt.Sprintf("开仓 %s %s %.8f (clOrdId=%s)", info.BaseSymbol, req.PosSide, req.Amount, clOrdID),
		Data: map[string]interface{}{
			"clOrdId":  clOrdID,
			"signalId": req.SignalID,
			"posSide":  string(req.PosSide),
			"amount":   req.Amount,
			"leverage": req.Leverage,
		},
	})

	logger.Info("✅ [Position] 开仓成功 %s %s %.8f, clOrdId=%s ordId=%s",
		info.BaseSymbol, req.PosSide, req.Amount, clOrdID, result.OrdID)

	return clOrdID, nil
}

// ensureSlotFree 确认槽位空闲
// 槽位被占用时向交易所核实：实际无仓则为陈旧槽位，清除后放行。
func (m *Manager) ensureSlotFree(ctx context.Context, instID string) error {
	m.mu.Lock()
	stale := m.active
	m.mu.Unlock()

	if stale == nil {
		return nil
	}

	liveSize, err := m.liveContracts(ctx, instID, stale.PosSide)
	if err != nil {
		return fmt.Errorf("核实持仓失败: %w", err)
	}

	if liveSize > 0 {
		return fmt.Errorf("%w: clOrdId=%s", ErrPositionExists, stale.ClOrdID)
	}

	logger.Warn("⚠️ [Position] 槽位 %s 已陈旧（交易所无仓），清除后继续", stale.ClOrdID)
	m.clearSlot(stale.ClOrdID, "stale")
	m.bus.Publish(&event.Event{
		Type:    event.EventTypeStaleSlotCleared,
		Symbol:  stale.Symbol,
		Message: fmt.Sprintf("陈旧槽位已清除: %s", stale.ClOrdID),
		Data:    map[string]interface{}{"clOrdId": stale.ClOrdID},
	})

	return nil
}

// liveContracts 查询交易所当前持仓张数
func (m *Manager) liveContracts(ctx context.Context, instID string, posSide okx.PosSide) (float64, error) {
	var positions []okx.Position
	err := m.dispatcher.Submit(ctx, order.PriorityQuery, "query_position:"+instID, func(ctx context.Context) error {
		var qErr error
		positions, qErr = m.client.GetPositions(ctx, instID)
		return qErr
	})
	if err != nil {
		return 0, err
	}

	for _, p := range positions {
		if p.InstID == instID && okx.PosSide(p.PosSide) == posSide {
			size, _ := strconv.ParseFloat(p.Pos, 64)
			if size < 0 {
				size = -size
			}
			return size, nil
		}
	}
	return 0, nil
}

// requireActive 校验 clOrdId 与活跃持仓一致，返回快照
func (m *Manager) requireActive(clOrdID string) (Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return Position{}, ErrNoActivePosition
	}
	if m.active.ClOrdID != clOrdID {
		return Position{}, fmt.Errorf("%w: 请求 %s, 活跃 %s", ErrClientOrderIDMismatch, clOrdID, m.active.ClOrdID)
	}
	return *m.active, nil
}

// Add 加仓
func (m *Manager) Add(ctx context.Context, clOrdID string, amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %f", ErrInvalidAmount, amount)
	}

	pos, err := m.requireActive(clOrdID)
	if err != nil {
		return err
	}

	contracts, err := m.instruments.CoinToContracts(pos.InstID, amount)
	if err != nil {
		return err
	}

	var result *okx.PlaceOrderResult
	err = m.dispatcher.Submit(ctx, order.PriorityTrade, "add:"+clOrdID, func(ctx context.Context) error {
		var placeErr error
		result, placeErr = m.client.PlaceOrder(ctx, &okx.PlaceOrderRequest{
			InstID:  pos.InstID,
			TdMode:  m.config.TdMode,
			Side:    openingSide(pos.PosSide),
			PosSide: pos.PosSide,
			OrdType: "market",
			Sz:      formatSize(contracts),
			ClOrdID: clOrdID,
		})
		return placeErr
	})
	if err != nil {
		return fmt.Errorf("加仓下单失败: %w", err)
	}

	m.mu.Lock()
	if m.active != nil && m.active.ClOrdID == clOrdID {
		m.active.Amount += amount
	}
	m.mu.Unlock()

	metrics.GetPrometheusMetrics().SetPositionSize(pos.Symbol, string(pos.PosSide), pos.Amount+amount)

	price := m.fetchFillPrice(ctx, pos.InstID, result.OrdID)
	m.appendLedger(&database.LedgerEntry{
		SignalID:  pos.SignalID,
		ClOrdID:   clOrdID,
		OrdID:     result.OrdID,
		Symbol:    pos.Symbol,
		PosSide:   string(pos.PosSide),
		Operation: database.OperationAdd,
		Amount:    amount,
		Price:     price,
		Source:    database.SourceSystem,
	})

	logger.Info("✅ [Position] 加仓成功 %s +%.8f, clOrdId=%s", pos.Symbol, amount, clOrdID)
	return nil
}

// Reduce 减仓
// 请求数量超过交易所实际持仓时收敛到实际值而不是拒绝。
func (m *Manager) Reduce(ctx context.Context, clOrdID string, amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %f", ErrInvalidAmount, amount)
	}

	pos, err := m.requireActive(clOrdID)
	if err != nil {
		return err
	}

	liveContracts, err := m.liveContracts(ctx, pos.InstID, pos.PosSide)
	if err != nil {
		return fmt.Errorf("查询实际持仓失败: %w", err)
	}
	liveAmount, err := m.instruments.ContractsToCoin(pos.InstID, liveContracts)
	if err != nil {
		return err
	}

	if amount > liveAmount {
		logger.Warn("⚠️ [Position] 减仓数量 %.8f 超过实际持仓 %.8f，收敛到实际值", amount, liveAmount)
		amount = liveAmount
	}
	if amount <= 0 {
		return fmt.Errorf("%w: 实际持仓为零", ErrInvalidAmount)
	}

	contracts, err := m.instruments.CoinToContracts(pos.InstID, amount)
	if err != nil {
		return err
	}

	var result *okx.PlaceOrderResult
	err = m.dispatcher.Submit(ctx, order.PriorityTrade, "reduce:"+clOrdID, func(ctx context.Context) error {
		var placeErr error
		result, placeErr = m.client.PlaceOrder(ctx, &okx.PlaceOrderRequest{
			InstID:     pos.InstID,
			TdMode:     m.config.TdMode,
			Side:       closingSide(pos.PosSide),
			PosSide:    pos.PosSide,
			OrdType:    "market",
			Sz:         formatSize(contracts),
			ClOrdID:    clOrdID,
			ReduceOnly: true,
		})
		return placeErr
	})
	if err != nil {
		return fmt.Errorf("减仓下单失败: %w", err)
	}

	m.mu.Lock()
	if m.active != nil && m.active.ClOrdID == clOrdID {
		m.active.Amount -= amount
		if m.active.Amount < 0 {
			m.active.Amount = 0
		}
	}
	m.mu.Unlock()

	price := m.fetchFillPrice(ctx, pos.InstID, result.OrdID)
	m.appendLedger(&database.LedgerEntry{
		SignalID:  pos.SignalID,
		ClOrdID:   clOrdID,
		OrdID:     result.OrdID,
		Symbol:    pos.Symbol,
		PosSide:   string(pos.PosSide),
		Operation: database.OperationReduce,
		Amount:    amount,
		Price:     price,
		Source:    database.SourceSystem,
	})

	logger.Info("✅ [Position] 减仓成功 %s -%.8f, clOrdId=%s", pos.Symbol, amount, clOrdID)
	return nil
}

// Close 平仓
// amount 为 nil 时全平；请求的部分平仓量不小于实际持仓时提升为全平。
// 最终记 close 还是 reduce 取决于累计平仓量是否补齐累计开仓量，
// 此前的系统或外部部分平仓都计算在内。
func (m *Manager) Close(ctx context.Context, clOrdID string, amount *float64) error {
	pos, err := m.requireActive(clOrdID)
	if err != nil {
		return err
	}

	liveContracts, err := m.liveContracts(ctx, pos.InstID, pos.PosSide)
	if err != nil {
		return fmt.Errorf("查询实际持仓失败: %w", err)
	}
	liveAmount, err := m.instruments.ContractsToCoin(pos.InstID, liveContracts)
	if err != nil {
		return err
	}
	if liveAmount <= 0 {
		// 交易所已无仓（外部路径已平），直接清槽位
		logger.Warn("⚠️ [Position] 平仓时交易所已无持仓，清除槽位 %s", clOrdID)
		m.clearSlot(clOrdID, "already_flat")
		return nil
	}

	closeAmount := liveAmount
	if amount != nil && *amount < liveAmount {
		closeAmount = *amount
	}

	contracts, err := m.instruments.CoinToContracts(pos.InstID, closeAmount)
	if err != nil {
		return err
	}

	var result *okx.PlaceOrderResult
	err = m.dispatcher.Submit(ctx, order.PriorityTrade, "close:"+clOrdID, func(ctx context.Context) error {
		var placeErr error
		result, placeErr = m.client.PlaceOrder(ctx, &okx.PlaceOrderRequest{
			InstID:     pos.InstID,
			TdMode:     m.config.TdMode,
			Side:       closingSide(pos.PosSide),
			PosSide:    pos.PosSide,
			OrdType:    "market",
			Sz:         formatSize(contracts),
			ClOrdID:    clOrdID,
			ReduceOnly: true,
		})
		return placeErr
	})
	if err != nil {
		return fmt.Errorf("平仓下单失败: %w", err)
	}

	// 通过台账累计值判定本次是 close 还是 reduce
	operation := database.OperationClose
	opened, sumErr := m.db.SumLedgerAmounts(ctx, clOrdID, []string{database.OperationOpen, database.OperationAdd})
	if sumErr == nil && opened > 0 {
		closed, _ := m.db.SumLedgerAmounts(ctx, clOrdID, []string{database.OperationReduce, database.OperationClose})
		if closed+closeAmount < opened*(1-m.config.CloseTolerance) {
			operation = database.OperationReduce
		}
	}

	price := m.fetchFillPrice(ctx, pos.InstID, result.OrdID)
	m.appendLedger(&database.LedgerEntry{
		SignalID:  pos.SignalID,
		ClOrdID:   clOrdID,
		OrdID:     result.OrdID,
		Symbol:    pos.Symbol,
		PosSide:   string(pos.PosSide),
		Operation: operation,
		Amount:    closeAmount,
		Price:     price,
		Source:    database.SourceSystem,
	})

	if operation == database.OperationClose {
		m.clearSlot(clOrdID, "closed")
		m.bus.Publish(&event.Event{
			Type:    event.EventTypePositionClosed,
			Symbol:  pos.Symbol,
			Message: fmt.Sprintf("平仓 %s %s %.8f (clOrdId=%s)", pos.Symbol, pos.PosSide, closeAmount, clOrdID),
			Data: map[string]interface{}{
				"clOrdId": clOrdID,
				"amount":  closeAmount,
				"source":  database.SourceSystem,
			},
		})
		logger.Info("✅ [Position] 平仓完成 %s %.8f, clOrdId=%s", pos.Symbol, closeAmount, clOrdID)
	} else {
		m.mu.Lock()
		if m.active != nil && m.active.ClOrdID == clOrdID {
			m.active.Amount -= closeAmount
			if m.active.Amount < 0 {
				m.active.Amount = 0
			}
		}
		m.mu.Unlock()
		m.bus.Publish(&event.Event{
			Type:    event.EventTypePositionReduced,
			Symbol:  pos.Symbol,
			Message: fmt.Sprintf("部分平仓 %s %.8f (clOrdId=%s)", pos.Symbol, closeAmount, clOrdID),
			Data:    map[string]interface{}{"clOrdId": clOrdID, "amount": closeAmount},
		})
		logger.Info("✅ [Position] 部分平仓 %s %.8f, clOrdId=%s", pos.Symbol, closeAmount, clOrdID)
	}

	return nil
}

// SetStopLossTakeProfit 重设止盈止损
// 止盈计划数量之和与止损计划数量之和各自必须覆盖当前持仓（两套独立覆盖）。
// 先撤销该合约全部未触发的策略委托，再逐条下新委托。
func (m *Manager) SetStopLossTakeProfit(ctx context.Context, clOrdID string, plans []TriggerPlan) error {
	pos, err := m.requireActive(clOrdID)
	if err != nil {
		return err
	}

	var tpSum, slSum float64
	var tpCount, slCount int
	for i, plan := range plans {
		hasTP := plan.TakeProfit > 0
		hasSL := plan.StopLoss > 0
		if hasTP == hasSL {
			return fmt.Errorf("%w: 第 %d 项必须且只能指定止盈或止损之一", ErrInvalidTriggerOrder, i)
		}
		if plan.Amount <= 0 {
			return fmt.Errorf("%w: 第 %d 项数量 %f", ErrInvalidAmount, i, plan.Amount)
		}
		if hasTP {
			tpSum += plan.Amount
			tpCount++
		} else {
			slSum += plan.Amount
			slCount++
		}
	}

	tolerance := pos.Amount * m.config.CloseTolerance
	if tpCount > 0 && !withinTolerance(tpSum, pos.Amount, tolerance) {
		return fmt.Errorf("%w: 止盈合计 %.8f, 持仓 %.8f", ErrTriggerCoverageMismatch, tpSum, pos.Amount)
	}
	if slCount > 0 && !withinTolerance(slSum, pos.Amount, tolerance) {
		return fmt.Errorf("%w: 止损合计 %.8f, 持仓 %.8f", ErrTriggerCoverageMismatch, slSum, pos.Amount)
	}

	// 撤销现有策略委托
	err = m.dispatcher.Submit(ctx, order.PriorityStopLoss, "cancel_algos:"+pos.InstID, func(ctx context.Context) error {
		pending, qErr := m.client.GetPendingAlgoOrders(ctx, pos.InstID)
		if qErr != nil {
			return qErr
		}
		if len(pending) == 0 {
			return nil
		}
		algoIDs := make([]string, 0, len(pending))
		for _, a := range pending {
			algoIDs = append(algoIDs, a.AlgoID)
		}
		return m.client.CancelAlgoOrders(ctx, pos.InstID, algoIDs)
	})
	if err != nil {
		return fmt.Errorf("撤销策略委托失败: %w", err)
	}

	for i, plan := range plans {
		contracts, cErr := m.instruments.CoinToContracts(pos.InstID, plan.Amount)
		if cErr != nil {
			return cErr
		}

		algoReq := &okx.PlaceAlgoOrderRequest{
			InstID:     pos.InstID,
			TdMode:     m.config.TdMode,
			Side:       closingSide(pos.PosSide),
			PosSide:    pos.PosSide,
			OrdType:    "conditional",
			Sz:         formatSize(contracts),
			ReduceOnly: true,
		}
		if plan.TakeProfit > 0 {
			algoReq.TpTriggerPx = strconv.FormatFloat(plan.TakeProfit, 'f', -1, 64)
			algoReq.TpOrdPx = "-1"
		} else {
			algoReq.SlTriggerPx = strconv.FormatFloat(plan.StopLoss, 'f', -1, 64)
			algoReq.SlOrdPx = "-1"
		}

		planIdx := i
		err = m.dispatcher.Submit(ctx, order.PriorityStopLoss, fmt.Sprintf("algo:%s:%d", clOrdID, planIdx), func(ctx context.Context) error {
			_, aErr := m.client.PlaceAlgoOrder(ctx, algoReq)
			return aErr
		})
		if err != nil {
			return fmt.Errorf("第 %d 项策略委托失败: %w", i, err)
		}
	}

	logger.Info("✅ [Position] 止盈止损已更新 clOrdId=%s, %d 项计划", clOrdID, len(plans))
	return nil
}

// GetOrderStatus 查询订单状态
func (m *Manager) GetOrderStatus(ctx context.Context, instID, ordID string) (*okx.Order, error) {
	var result *okx.Order
	err := m.dispatcher.Submit(ctx, order.PriorityQuery, "query_order:"+ordID, func(ctx context.Context) error {
		var qErr error
		result, qErr = m.client.GetOrder(ctx, instID, ordID, "")
		return qErr
	})
	return result, err
}

// ClearIfMatches 外部路径平仓后清除槽位
// 供成交归并器在识别到外部全平时调用。
func (m *Manager) ClearIfMatches(clOrdID string) bool {
	m.mu.Lock()
	match := m.active != nil && m.active.ClOrdID == clOrdID
	m.mu.Unlock()

	if match {
		m.clearSlot(clOrdID, "external_close")
	}
	return match
}

// clearSlot 清除活跃槽位
func (m *Manager) clearSlot(clOrdID, reason string) {
	m.mu.Lock()
	var symbol, posSide string
	if m.active != nil && m.active.ClOrdID == clOrdID {
		symbol = m.active.Symbol
		posSide = string(m.active.PosSide)
		m.active = nil
	}
	m.mu.Unlock()

	if symbol != "" {
		pm := metrics.GetPrometheusMetrics()
		pm.SetActivePosition(symbol, posSide, false)
		pm.SetPositionSize(symbol, posSide, 0)
		logger.Info("🔓 [Position] 槽位已清除 clOrdId=%s (%s)", clOrdID, reason)
	}
}

// fetchFillPrice 下单后尽力获取成交均价，拿不到时记 0
func (m *Manager) fetchFillPrice(ctx context.Context, instID, ordID string) float64 {
	if ordID == "" {
		return 0
	}

	var ord *okx.Order
	err := m.dispatcher.Submit(ctx, order.PriorityQuery, "fill_price:"+ordID, func(ctx context.Context) error {
		var qErr error
		ord, qErr = m.client.GetOrder(ctx, instID, ordID, "")
		return qErr
	})
	if err != nil || ord == nil {
		return 0
	}

	price, _ := strconv.ParseFloat(ord.AvgPx, 64)
	return price
}

// appendLedger 写台账
// 订单已被交易所接受，台账写失败只记录告警，后续由修复任务补齐，绝不重新下单。
func (m *Manager) appendLedger(entry *database.LedgerEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.db.SaveLedgerEntry(ctx, entry); err != nil {
		logger.Error("❌ [Position] 台账写入失败 clOrdId=%s ordId=%s op=%s: %v",
			entry.ClOrdID, entry.OrdID, entry.Operation, err)
		m.bus.Publish(&event.Event{
			Type:    event.EventTypeLedgerWriteFailed,
			Symbol:  entry.Symbol,
			Message: fmt.Sprintf("台账写入失败: clOrdId=%s ordId=%s op=%s", entry.ClOrdID, entry.OrdID, entry.Operation),
			Data: map[string]interface{}{
				"clOrdId":   entry.ClOrdID,
				"ordId":     entry.OrdID,
				"operation": entry.Operation,
			},
		})
		return
	}

	metrics.GetPrometheusMetrics().RecordLedgerEntry(entry.Operation, entry.Source)
}

// withinTolerance 两数在容差范围内视为相等
func withinTolerance(a, b, tolerance float64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}
