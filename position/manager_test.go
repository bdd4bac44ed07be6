package position

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"perpsync/database"
	"perpsync/event"
	"perpsync/exchange/okx"
	"perpsync/order"
)

// fakeDB 内存台账
type fakeDB struct {
	database.Database
	mu       sync.Mutex
	entries  []*database.LedgerEntry
	nextID   int64
	failSave bool
}

func newFakeDB() *fakeDB {
	return &fakeDB{}
}

func (f *fakeDB) SaveLedgerEntry(ctx context.Context, entry *database.LedgerEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSave {
		return errors.New("存储故障")
	}
	f.nextID++
	entry.ID = f.nextID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	copied := *entry
	f.entries = append(f.entries, &copied)
	return nil
}

func (f *fakeDB) HasLedgerEntryForOrder(ctx context.Context, ordID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.OrdID == ordID && ordID != "" {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeDB) GetRecentOpens(ctx context.Context, symbol, posSide string, since time.Time) ([]*database.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []*database.LedgerEntry
	// 从新到旧
	for i := len(f.entries) - 1; i >= 0; i-- {
		e := f.entries[i]
		if e.Symbol == symbol && e.PosSide == posSide && e.Operation == database.OperationOpen && !e.CreatedAt.Before(since) {
			result = append(result, e)
		}
	}
	return result, nil
}

func (f *fakeDB) SumLedgerAmounts(ctx context.Context, clOrdID string, operations []string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	opSet := make(map[string]bool)
	for _, op := range operations {
		opSet[op] = true
	}
	var total float64
	for _, e := range f.entries {
		if e.ClOrdID == clOrdID && opSet[e.Operation] {
			total += e.Amount
		}
	}
	return total, nil
}

func (f *fakeDB) SaveRawOrder(ctx context.Context, record *database.RawOrderRecord) error {
	return nil
}

func (f *fakeDB) SaveEvent(ctx context.Context, record *database.EventRecord) error {
	return nil
}

func (f *fakeDB) countOps(clOrdID, op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, e := range f.entries {
		if e.ClOrdID == clOrdID && e.Operation == op {
			count++
		}
	}
	return count
}

// immediateSubmitter 直接执行的调度器替身
type immediateSubmitter struct{}

func (immediateSubmitter) Submit(ctx context.Context, priority order.Priority, name string, fn order.RequestFn) error {
	return fn(ctx)
}

// fakeExchange 交易所替身
type fakeExchange struct {
	mu          sync.Mutex
	calls       int // 全部网络调用计数
	placed      []*okx.PlaceOrderRequest
	algoPlaced  []*okx.PlaceAlgoOrderRequest
	canceled    [][]string
	pendingAlgo []okx.AlgoOrder
	liveSize    float64 // 交易所侧持仓张数
	nextOrdID   int
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, req *okx.PlaceOrderRequest) (*okx.PlaceOrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.placed = append(f.placed, req)
	f.nextOrdID++
	return &okx.PlaceOrderResult{OrdID: fmt.Sprintf("ord%d", f.nextOrdID), ClOrdID: req.ClOrdID, SCode: "0"}, nil
}

func (f *fakeExchange) PlaceAlgoOrder(ctx context.Context, req *okx.PlaceAlgoOrderRequest) (*okx.AlgoOrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.algoPlaced = append(f.algoPlaced, req)
	return &okx.AlgoOrderResult{AlgoID: "algo1", SCode: "0"}, nil
}

func (f *fakeExchange) GetPendingAlgoOrders(ctx context.Context, instID string) ([]okx.AlgoOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.pendingAlgo, nil
}

func (f *fakeExchange) CancelAlgoOrders(ctx context.Context, instID string, algoIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.canceled = append(f.canceled, algoIDs)
	return nil
}

func (f *fakeExchange) GetOrder(ctx context.Context, instID, ordID, clOrdID string) (*okx.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return &okx.Order{OrdID: ordID, AvgPx: "2000", State: "filled"}, nil
}

func (f *fakeExchange) GetPositions(ctx context.Context, instID string) ([]okx.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.liveSize <= 0 {
		return nil, nil
	}
	return []okx.Position{{
		InstID:  instID,
		Pos:     strconv.FormatFloat(f.liveSize, 'f', -1, 64),
		PosSide: "long",
	}}, nil
}

func (f *fakeExchange) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeInstruments 固定映射: ETH <-> ETH-USDT-SWAP, 1张 = 0.1 ETH
type fakeInstruments struct{}

var ethInfo = &okx.InstrumentInfo{InstID: "ETH-USDT-SWAP", BaseSymbol: "ETH", CtVal: 0.1, CtValCcy: "ETH"}

func (fakeInstruments) ByInstID(instID string) (*okx.InstrumentInfo, bool) {
	if instID == ethInfo.InstID {
		return ethInfo, true
	}
	return nil, false
}

func (fakeInstruments) BySymbol(symbol string) (*okx.InstrumentInfo, bool) {
	if symbol == "ETH" {
		return ethInfo, true
	}
	return nil, false
}

func (fakeInstruments) CoinToContracts(instID string, coin float64) (float64, error) {
	if instID != ethInfo.InstID {
		return 0, errors.New("未知合约")
	}
	return coin / ethInfo.CtVal, nil
}

func (fakeInstruments) ContractsToCoin(instID string, contracts float64) (float64, error) {
	if instID != ethInfo.InstID {
		return 0, errors.New("未知合约")
	}
	return contracts * ethInfo.CtVal, nil
}

func newTestManager(db *fakeDB, ex *fakeExchange) *Manager {
	return NewManager(
		ManagerConfig{MaxLeverage: 20, CloseTolerance: 0.01},
		db, immediateSubmitter{}, ex, fakeInstruments{}, event.NewEventBus(100),
	)
}

func openRequest() *OpenRequest {
	return &OpenRequest{
		Symbol:            "ETH",
		PosSide:           okx.PosSideLong,
		Amount:            10,
		StopLossTrigger:   1800,
		TakeProfitTrigger: 2200,
		Leverage:          5,
		SignalID:          "sig-1",
	}
}

func TestOpenValidationFailsBeforeNetwork(t *testing.T) {
	db := newFakeDB()
	ex := &fakeExchange{}
	m := newTestManager(db, ex)

	// 杠杆超限
	req := openRequest()
	req.Leverage = 50
	if _, err := m.Open(context.Background(), req); !errors.Is(err, ErrLeverageExceeded) {
		t.Errorf("期望杠杆超限错误, 实际: %v", err)
	}

	// 多头止损高于止盈
	req = openRequest()
	req.StopLossTrigger = 2300
	if _, err := m.Open(context.Background(), req); !errors.Is(err, ErrInvalidTriggerOrder) {
		t.Errorf("期望触发顺序错误, 实际: %v", err)
	}

	// 空头止损低于止盈
	req = openRequest()
	req.PosSide = okx.PosSideShort
	req.StopLossTrigger = 1800
	req.TakeProfitTrigger = 2200
	if _, err := m.Open(context.Background(), req); !errors.Is(err, ErrInvalidTriggerOrder) {
		t.Errorf("期望触发顺序错误, 实际: %v", err)
	}

	// 所有校验失败都不应触发任何网络调用
	if ex.callCount() != 0 {
		t.Errorf("校验失败不应有网络调用, 实际 %d 次", ex.callCount())
	}
}

func TestOpenCloseBalance(t *testing.T) {
	db := newFakeDB()
	ex := &fakeExchange{liveSize: 100} // 10 ETH = 100 张
	m := newTestManager(db, ex)

	clOrdID, err := m.Open(context.Background(), openRequest())
	if err != nil {
		t.Fatalf("开仓失败: %v", err)
	}
	if clOrdID == "" {
		t.Fatal("clOrdId 不能为空")
	}
	if !m.HasActivePosition() {
		t.Fatal("开仓后应有活跃持仓")
	}

	if err := m.Add(context.Background(), clOrdID, 2); err != nil {
		t.Fatalf("加仓失败: %v", err)
	}
	ex.liveSize = 120

	if err := m.Reduce(context.Background(), clOrdID, 3); err != nil {
		t.Fatalf("减仓失败: %v", err)
	}
	ex.liveSize = 90

	if err := m.Close(context.Background(), clOrdID, nil); err != nil {
		t.Fatalf("平仓失败: %v", err)
	}

	// 完整闭环后累计开仓 ≈ 累计平仓（1% 容差）
	opened, _ := db.SumLedgerAmounts(context.Background(), clOrdID, []string{database.OperationOpen, database.OperationAdd})
	closed, _ := db.SumLedgerAmounts(context.Background(), clOrdID, []string{database.OperationReduce, database.OperationClose})
	if opened <= 0 {
		t.Fatal("累计开仓量应大于 0")
	}
	diff := opened - closed
	if diff < 0 {
		diff = -diff
	}
	if diff > opened*0.01 {
		t.Errorf("开平不平衡: 开 %.8f, 平 %.8f", opened, closed)
	}

	if m.HasActivePosition() {
		t.Error("全平后不应有活跃持仓")
	}
	if db.countOps(clOrdID, database.OperationClose) != 1 {
		t.Errorf("应有且仅有一条 close 记录")
	}

	// 下一次开仓铸造不同的 clOrdId
	ex.liveSize = 0
	clOrdID2, err := m.Open(context.Background(), openRequest())
	if err != nil {
		t.Fatalf("再次开仓失败: %v", err)
	}
	if clOrdID2 == clOrdID {
		t.Error("两次开仓的 clOrdId 不应相同")
	}
}

func TestReduceClampsToLiveSize(t *testing.T) {
	db := newFakeDB()
	ex := &fakeExchange{liveSize: 100}
	m := newTestManager(db, ex)

	clOrdID, err := m.Open(context.Background(), openRequest())
	if err != nil {
		t.Fatalf("开仓失败: %v", err)
	}

	// 请求减 50 ETH, 实际只有 10 ETH（100 张）
	if err := m.Reduce(context.Background(), clOrdID, 50); err != nil {
		t.Fatalf("超量减仓应收敛而不是拒绝: %v", err)
	}

	db.mu.Lock()
	var reduceAmount float64
	for _, e := range db.entries {
		if e.Operation == database.OperationReduce {
			reduceAmount = e.Amount
		}
	}
	db.mu.Unlock()

	if reduceAmount != 10 {
		t.Errorf("减仓量应收敛到 10, 实际 %.8f", reduceAmount)
	}
}

func TestPartialCloseRecordedAsReduce(t *testing.T) {
	db := newFakeDB()
	ex := &fakeExchange{liveSize: 100}
	m := newTestManager(db, ex)

	clOrdID, err := m.Open(context.Background(), openRequest())
	if err != nil {
		t.Fatalf("开仓失败: %v", err)
	}

	half := 5.0
	if err := m.Close(context.Background(), clOrdID, &half); err != nil {
		t.Fatalf("部分平仓失败: %v", err)
	}

	if db.countOps(clOrdID, database.OperationClose) != 0 {
		t.Error("未补齐开仓量时不应记 close")
	}
	if db.countOps(clOrdID, database.OperationReduce) != 1 {
		t.Error("部分平仓应记一条 reduce")
	}
	if !m.HasActivePosition() {
		t.Error("部分平仓后持仓应仍然活跃")
	}

	// 部分平仓量不小于实际持仓时提升为全平
	ex.liveSize = 50 // 剩 5 ETH
	big := 100.0
	if err := m.Close(context.Background(), clOrdID, &big); err != nil {
		t.Fatalf("全平失败: %v", err)
	}
	if db.countOps(clOrdID, database.OperationClose) != 1 {
		t.Error("补齐后应记 close")
	}
	if m.HasActivePosition() {
		t.Error("全平后不应有活跃持仓")
	}
}

func TestStaleSlotReconciledOnOpen(t *testing.T) {
	db := newFakeDB()
	ex := &fakeExchange{liveSize: 100}
	m := newTestManager(db, ex)

	clOrdID, err := m.Open(context.Background(), openRequest())
	if err != nil {
		t.Fatalf("开仓失败: %v", err)
	}

	// 槽位仍被占用, 但交易所已无仓（外部全平未被感知）
	ex.liveSize = 0

	clOrdID2, err := m.Open(context.Background(), openRequest())
	if err != nil {
		t.Fatalf("陈旧槽位应被清除后放行: %v", err)
	}
	if clOrdID2 == clOrdID {
		t.Error("新开仓应铸造新的 clOrdId")
	}
}

func TestOpenRejectedWhenPositionLive(t *testing.T) {
	db := newFakeDB()
	ex := &fakeExchange{liveSize: 100}
	m := newTestManager(db, ex)

	if _, err := m.Open(context.Background(), openRequest()); err != nil {
		t.Fatalf("开仓失败: %v", err)
	}

	// 交易所确认有仓，二次开仓必须拒绝
	if _, err := m.Open(context.Background(), openRequest()); !errors.Is(err, ErrPositionExists) {
		t.Errorf("期望持仓冲突错误, 实际: %v", err)
	}
}

func TestSetStopLossTakeProfit(t *testing.T) {
	db := newFakeDB()
	ex := &fakeExchange{liveSize: 100, pendingAlgo: []okx.AlgoOrder{{AlgoID: "old1"}}}
	m := newTestManager(db, ex)

	clOrdID, err := m.Open(context.Background(), openRequest())
	if err != nil {
		t.Fatalf("开仓失败: %v", err)
	}

	// 止盈合计与持仓不符
	err = m.SetStopLossTakeProfit(context.Background(), clOrdID, []TriggerPlan{
		{TakeProfit: 2200, Amount: 5},
		{StopLoss: 1800, Amount: 10},
	})
	if !errors.Is(err, ErrTriggerCoverageMismatch) {
		t.Errorf("期望覆盖不符错误, 实际: %v", err)
	}

	// 两套独立覆盖: 止盈 6+4, 止损 10
	err = m.SetStopLossTakeProfit(context.Background(), clOrdID, []TriggerPlan{
		{TakeProfit: 2200, Amount: 6},
		{TakeProfit: 2400, Amount: 4},
		{StopLoss: 1800, Amount: 10},
	})
	if err != nil {
		t.Fatalf("设置止盈止损失败: %v", err)
	}

	if len(ex.canceled) != 1 || ex.canceled[0][0] != "old1" {
		t.Error("应先撤销原有策略委托")
	}
	if len(ex.algoPlaced) != 3 {
		t.Errorf("应下 3 条策略委托, 实际 %d", len(ex.algoPlaced))
	}
}

func TestOperationsRequireMatchingClOrdID(t *testing.T) {
	db := newFakeDB()
	ex := &fakeExchange{liveSize: 100}
	m := newTestManager(db, ex)

	if err := m.Add(context.Background(), "nobody", 1); !errors.Is(err, ErrNoActivePosition) {
		t.Errorf("无持仓时应返回 ErrNoActivePosition, 实际: %v", err)
	}

	clOrdID, err := m.Open(context.Background(), openRequest())
	if err != nil {
		t.Fatalf("开仓失败: %v", err)
	}
	_ = clOrdID

	if err := m.Add(context.Background(), "wrong-id", 1); !errors.Is(err, ErrClientOrderIDMismatch) {
		t.Errorf("clOrdId 不匹配应拒绝, 实际: %v", err)
	}
}
