package position

import (
	"context"
	"strconv"
	"testing"
	"time"

	"perpsync/database"
	"perpsync/event"
	"perpsync/exchange/okx"
)

func newTestResolver(db *fakeDB, m *Manager) *Resolver {
	return NewResolver(
		ResolverConfig{CloseTolerance: 0.01, LinkWindow: 30 * time.Minute},
		db, m, fakeInstruments{}, event.NewEventBus(100),
	)
}

// externalFill 构造一条外部平仓推送（无 clOrdId）
func externalFill(ordID string, contracts float64, at time.Time) okx.OrderUpdate {
	return okx.OrderUpdate{
		OrdID:     ordID,
		ClOrdID:   "",
		InstID:    "ETH-USDT-SWAP",
		Side:      okx.SideSell,
		PosSide:   okx.PosSideLong,
		State:     okx.StateFilled,
		AccFillSz: strconv.FormatFloat(contracts, 'f', -1, 64),
		AvgPx:     "2000",
		UTime:     strconv.FormatInt(at.UnixMilli(), 10),
		FillTime:  strconv.FormatInt(at.UnixMilli(), 10),
	}
}

// seedOpen 预置一条系统开仓台账
func seedOpen(db *fakeDB, clOrdID string, amount float64, at time.Time) {
	db.SaveLedgerEntry(context.Background(), &database.LedgerEntry{
		SignalID:  "sig-" + clOrdID,
		ClOrdID:   clOrdID,
		OrdID:     "sys-" + clOrdID,
		Symbol:    "ETH",
		PosSide:   "long",
		Operation: database.OperationOpen,
		Amount:    amount,
		Price:     2000,
		Source:    database.SourceSystem,
		CreatedAt: at,
	})
}

func TestExternalFullCloseLinksToRecentOpen(t *testing.T) {
	db := newFakeDB()
	ex := &fakeExchange{}
	m := newTestManager(db, ex)
	r := newTestResolver(db, m)

	openTime := time.Now().Add(-5 * time.Minute)
	seedOpen(db, "p100", 10, openTime)

	// 5 分钟后 100 张（10 ETH）全平
	if err := r.Apply(context.Background(), externalFill("ext1", 100, time.Now())); err != nil {
		t.Fatalf("归并失败: %v", err)
	}

	if db.countOps("p100", database.OperationClose) != 1 {
		t.Errorf("满额外部成交应记 close")
	}
}

func TestExternalPartialCloseRecordedAsReduce(t *testing.T) {
	db := newFakeDB()
	ex := &fakeExchange{}
	m := newTestManager(db, ex)
	r := newTestResolver(db, m)

	seedOpen(db, "p100", 10, time.Now().Add(-5*time.Minute))

	// 98 张 = 9.8 ETH < 9.9 ETH (99%)，记 reduce
	if err := r.Apply(context.Background(), externalFill("ext1", 98, time.Now())); err != nil {
		t.Fatalf("归并失败: %v", err)
	}
	if db.countOps("p100", database.OperationReduce) != 1 {
		t.Errorf("未达 99%% 的外部成交应记 reduce")
	}
	if db.countOps("p100", database.OperationClose) != 0 {
		t.Errorf("未达 99%% 不应记 close")
	}

	// 99 张 = 9.9 ETH ≥ 99%，记 close
	db2 := newFakeDB()
	m2 := newTestManager(db2, &fakeExchange{})
	r2 := newTestResolver(db2, m2)
	seedOpen(db2, "p200", 10, time.Now().Add(-5*time.Minute))
	if err := r2.Apply(context.Background(), externalFill("ext2", 99, time.Now())); err != nil {
		t.Fatalf("归并失败: %v", err)
	}
	if db2.countOps("p200", database.OperationClose) != 1 {
		t.Errorf("达到 99%% 的外部成交应记 close")
	}
}

func TestKnownOrdIDIsStatusRefresh(t *testing.T) {
	db := newFakeDB()
	m := newTestManager(db, &fakeExchange{})
	r := newTestResolver(db, m)

	seedOpen(db, "p100", 10, time.Now().Add(-5*time.Minute))
	before := len(db.entries)

	// 已在台账中的 ordId 只是状态刷新
	update := externalFill("sys-p100", 100, time.Now())
	if err := r.Apply(context.Background(), update); err != nil {
		t.Fatalf("处理失败: %v", err)
	}
	if len(db.entries) != before {
		t.Error("状态刷新不应产生新台账行")
	}
}

func TestSameDirectionFillSkipped(t *testing.T) {
	db := newFakeDB()
	m := newTestManager(db, &fakeExchange{})
	r := newTestResolver(db, m)

	update := externalFill("ext1", 100, time.Now())
	update.Side = okx.SideBuy // buy + long = 开仓方向
	if err := r.Apply(context.Background(), update); err != nil {
		t.Fatalf("处理失败: %v", err)
	}
	if len(db.entries) != 0 {
		t.Error("同向成交不应产生台账行")
	}
}

func TestUnmappedInstrumentDropped(t *testing.T) {
	db := newFakeDB()
	m := newTestManager(db, &fakeExchange{})
	r := newTestResolver(db, m)

	update := externalFill("ext1", 100, time.Now())
	update.InstID = "DOGE-USDT-SWAP"
	if err := r.Apply(context.Background(), update); err != nil {
		t.Fatalf("未映射合约应丢弃而不是报错: %v", err)
	}
	if len(db.entries) != 0 {
		t.Error("未映射合约不应产生台账行")
	}
}

func TestOpenOutsideWindowNotLinked(t *testing.T) {
	db := newFakeDB()
	m := newTestManager(db, &fakeExchange{})
	r := newTestResolver(db, m)

	// 开仓在窗口外（45 分钟前）
	seedOpen(db, "p100", 10, time.Now().Add(-45*time.Minute))
	before := len(db.entries)

	if err := r.Apply(context.Background(), externalFill("ext1", 100, time.Now())); err != nil {
		t.Fatalf("处理失败: %v", err)
	}
	if len(db.entries) != before {
		t.Error("窗口外的开仓不应被归并，事件应被丢弃")
	}
}

func TestAmbiguousPicksMostRecent(t *testing.T) {
	db := newFakeDB()
	m := newTestManager(db, &fakeExchange{})
	r := newTestResolver(db, m)

	seedOpen(db, "older", 10, time.Now().Add(-20*time.Minute))
	seedOpen(db, "newer", 10, time.Now().Add(-5*time.Minute))

	if err := r.Apply(context.Background(), externalFill("ext1", 100, time.Now())); err != nil {
		t.Fatalf("归并失败: %v", err)
	}

	if db.countOps("newer", database.OperationClose) != 1 {
		t.Error("歧义时应归并到最近的开仓")
	}
	if db.countOps("older", database.OperationClose) != 0 {
		t.Error("较旧的开仓不应被归并")
	}
}

func TestFallbackToActiveSlot(t *testing.T) {
	db := newFakeDB()
	ex := &fakeExchange{liveSize: 100}
	m := newTestManager(db, ex)
	r := newTestResolver(db, m)

	clOrdID, err := m.Open(context.Background(), openRequest())
	if err != nil {
		t.Fatalf("开仓失败: %v", err)
	}

	// 抹掉台账里的开仓行, 模拟台账写入失败后的兜底路径
	db.mu.Lock()
	db.entries = nil
	db.mu.Unlock()

	if err := r.Apply(context.Background(), externalFill("ext1", 100, time.Now())); err != nil {
		t.Fatalf("归并失败: %v", err)
	}

	if db.countOps(clOrdID, database.OperationClose) != 1 {
		t.Error("台账无候选时应退回内存活跃持仓")
	}
	if m.HasActivePosition() {
		t.Error("外部全平后槽位应被清除")
	}
}

func TestExternalCloseClearsSlot(t *testing.T) {
	db := newFakeDB()
	ex := &fakeExchange{liveSize: 100}
	m := newTestManager(db, ex)
	r := newTestResolver(db, m)

	clOrdID, err := m.Open(context.Background(), openRequest())
	if err != nil {
		t.Fatalf("开仓失败: %v", err)
	}

	if err := r.Apply(context.Background(), externalFill("ext1", 100, time.Now())); err != nil {
		t.Fatalf("归并失败: %v", err)
	}

	if m.HasActivePosition() {
		t.Error("外部全平后不应有活跃持仓")
	}

	// 随后的新开仓铸造新 clOrdId
	ex.liveSize = 0
	clOrdID2, err := m.Open(context.Background(), openRequest())
	if err != nil {
		t.Fatalf("再次开仓失败: %v", err)
	}
	if clOrdID2 == clOrdID {
		t.Error("新开仓的 clOrdId 不应与已平仓的相同")
	}
}

func TestMalformedTimestampFallsBackToIngestTime(t *testing.T) {
	db := newFakeDB()
	m := newTestManager(db, &fakeExchange{})
	r := newTestResolver(db, m)

	seedOpen(db, "p100", 10, time.Now().Add(-5*time.Minute))

	update := externalFill("ext1", 100, time.Now())
	update.UTime = "not-a-timestamp"
	update.FillTime = ""

	if err := r.Apply(context.Background(), update); err != nil {
		t.Fatalf("畸形时间戳应退回接收时间: %v", err)
	}
	if db.countOps("p100", database.OperationClose) != 1 {
		t.Error("退回接收时间后仍应完成归并")
	}
}
