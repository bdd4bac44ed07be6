package position

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"perpsync/database"
	"perpsync/exchange/okx"
)

// snapshotDB 快照存储替身
type snapshotDB struct {
	database.Database
	mu        sync.Mutex
	snapshots []*database.PositionSnapshot
}

func (s *snapshotDB) SavePositionSnapshot(ctx context.Context, snapshot *database.PositionSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snapshot)
	return nil
}

func (s *snapshotDB) GetUnlinkedCloses(ctx context.Context, limit int) ([]*database.LedgerEntry, error) {
	return nil, nil
}

// flakyHistory 前 failures 次调用失败的平仓历史替身
type flakyHistory struct {
	mu       sync.Mutex
	calls    int
	failures int
}

func (f *flakyHistory) GetPositionHistory(ctx context.Context, instID string, after time.Time) ([]okx.PositionHistory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("接口繁忙")
	}
	return []okx.PositionHistory{
		{
			PosID:         "pos1",
			InstID:        instID,
			PosSide:       "long",
			OpenAvgPx:     "2000",
			CloseAvgPx:    "2100",
			CloseTotalPos: "100",
			RealizedPnl:   "10",
			UTime:         "1700000000000",
		},
	}, nil
}

func TestSnapshotSyncRetriesThenSucceeds(t *testing.T) {
	db := &snapshotDB{}
	history := &flakyHistory{failures: 2}

	syncer := NewSnapshotSyncer(SnapshotSyncerConfig{
		InstID:     "ETH-USDT-SWAP",
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
	}, db, immediateSubmitter{}, history)

	syncer.syncOnce(context.Background())

	if history.calls != 3 {
		t.Errorf("期望拉取3次, 实际 %d 次", history.calls)
	}
	if len(db.snapshots) != 1 {
		t.Fatalf("期望保存1条快照, 实际 %d 条", len(db.snapshots))
	}
	if db.snapshots[0].ExternalID != "pos1-1700000000000" {
		t.Errorf("幂等键错误: %s", db.snapshots[0].ExternalID)
	}
}

func TestSnapshotSyncGivesUpAfterRetryExhaustion(t *testing.T) {
	db := &snapshotDB{}
	history := &flakyHistory{failures: 10}

	syncer := NewSnapshotSyncer(SnapshotSyncerConfig{
		InstID:     "ETH-USDT-SWAP",
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
	}, db, immediateSubmitter{}, history)

	syncer.syncOnce(context.Background())

	if history.calls != 3 {
		t.Errorf("期望止步于3次, 实际 %d 次", history.calls)
	}
	if len(db.snapshots) != 0 {
		t.Errorf("重试耗尽后不应保存快照, 实际 %d 条", len(db.snapshots))
	}
}
