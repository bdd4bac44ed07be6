package position

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"perpsync/database"
	"perpsync/exchange/okx"
	"perpsync/logger"
	"perpsync/order"
	"perpsync/utils"
)

// HistoryAPI 平仓历史查询接口
type HistoryAPI interface {
	GetPositionHistory(ctx context.Context, instID string, after time.Time) ([]okx.PositionHistory, error)
}

// SnapshotSyncerConfig 快照同步配置
type SnapshotSyncerConfig struct {
	Interval   time.Duration // 同步周期，默认 5 分钟
	InstID     string
	MaxRetries int           // 拉取失败重试上限，默认 3
	RetryDelay time.Duration // 重试间隔，默认 2 秒
}

// SnapshotSyncer 平仓快照同步器
// 定期拉取交易所的平仓历史存为快照，并把快照事后回填到对应的
// close/reduce 台账行（linked_snapshot_id）。只做回填，不参与实时判定。
type SnapshotSyncer struct {
	config     SnapshotSyncerConfig
	db         database.Database
	dispatcher Submitter
	client     HistoryAPI

	lastSync time.Time
	wg       sync.WaitGroup
}

// NewSnapshotSyncer 创建快照同步器
func NewSnapshotSyncer(config SnapshotSyncerConfig, db database.Database, dispatcher Submitter, client HistoryAPI) *SnapshotSyncer {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Minute
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 2 * time.Second
	}

	return &SnapshotSyncer{
		config:     config,
		db:         db,
		dispatcher: dispatcher,
		client:     client,
		// 启动时回看一天，覆盖宕机期间的平仓
		lastSync: time.Now().Add(-24 * time.Hour),
	}
}

// Start 启动同步循环
func (s *SnapshotSyncer) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.config.Interval)
		defer ticker.Stop()

		logger.Info("🚀 [Snapshot] 平仓快照同步已启动, 周期 %v", s.config.Interval)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.syncOnce(ctx)
			}
		}
	}()
}

// Wait 等待同步循环退出
func (s *SnapshotSyncer) Wait() {
	s.wg.Wait()
}

// syncOnce 执行一轮同步和回填
func (s *SnapshotSyncer) syncOnce(ctx context.Context) {
	var histories []okx.PositionHistory
	err := utils.Retry(ctx, s.config.MaxRetries, s.config.RetryDelay, func(ctx context.Context) error {
		return s.dispatcher.Submit(ctx, order.PriorityQuery, "position_history:"+s.config.InstID, func(ctx context.Context) error {
			var qErr error
			histories, qErr = s.client.GetPositionHistory(ctx, s.config.InstID, s.lastSync)
			return qErr
		})
	})
	if err != nil {
		logger.Warn("⚠️ [Snapshot] 拉取平仓历史重试耗尽: %v", err)
		return
	}

	saved := 0
	for _, h := range histories {
		snapshot := historyToSnapshot(h)
		if snapshot == nil {
			continue
		}
		if err := s.db.SavePositionSnapshot(ctx, snapshot); err != nil {
			logger.Warn("⚠️ [Snapshot] 保存快照失败 %s: %v", snapshot.ExternalID, err)
			continue
		}
		saved++
	}

	if saved > 0 {
		logger.Info("📸 [Snapshot] 同步 %d 条平仓快照", saved)
	}
	s.lastSync = time.Now()

	s.backfill(ctx)
}

// historyToSnapshot 转换交易所的平仓历史记录
func historyToSnapshot(h okx.PositionHistory) *database.PositionSnapshot {
	if h.PosID == "" {
		return nil
	}

	closedAtMs, err := strconv.ParseInt(h.UTime, 10, 64)
	if err != nil {
		closedAtMs = time.Now().UnixMilli()
	}

	openAvg, _ := strconv.ParseFloat(h.OpenAvgPx, 64)
	closeAvg, _ := strconv.ParseFloat(h.CloseAvgPx, 64)
	closeTotal, _ := strconv.ParseFloat(h.CloseTotalPos, 64)
	pnl, _ := strconv.ParseFloat(h.RealizedPnl, 64)

	return &database.PositionSnapshot{
		// 同一 posId 可多次平仓, 用 posId+uTime 保证幂等键唯一
		ExternalID:  fmt.Sprintf("%s-%s", h.PosID, h.UTime),
		InstID:      h.InstID,
		PosSide:     h.PosSide,
		OpenAvgPx:   openAvg,
		CloseAvgPx:  closeAvg,
		CloseTotal:  closeTotal,
		RealizedPnL: pnl,
		ClosedAt:    time.UnixMilli(closedAtMs),
	}
}

// backfill 把快照关联到尚未链接的 close/reduce 台账行
// 匹配规则：同方向、平仓时间落在台账行时间前后 10 分钟内的最近快照。
func (s *SnapshotSyncer) backfill(ctx context.Context) {
	entries, err := s.db.GetUnlinkedCloses(ctx, 100)
	if err != nil {
		logger.Warn("⚠️ [Snapshot] 查询未关联台账行失败: %v", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	linked := 0
	for _, entry := range entries {
		start := entry.CreatedAt.Add(-10 * time.Minute)
		end := entry.CreatedAt.Add(10 * time.Minute)
		snapshots, err := s.db.GetPositionSnapshots(ctx, &database.SnapshotFilter{
			InstID:    s.config.InstID,
			PosSide:   entry.PosSide,
			StartTime: &start,
			EndTime:   &end,
			Limit:     10,
		})
		if err != nil {
			logger.Warn("⚠️ [Snapshot] 查询快照失败: %v", err)
			continue
		}
		if len(snapshots) == 0 {
			continue
		}

		best := snapshots[0]
		bestGap := utils.AbsDuration(best.ClosedAt.Sub(entry.CreatedAt))
		for _, snap := range snapshots[1:] {
			gap := utils.AbsDuration(snap.ClosedAt.Sub(entry.CreatedAt))
			if gap < bestGap {
				best = snap
				bestGap = gap
			}
		}

		if err := s.db.LinkLedgerSnapshot(ctx, entry.ID, best.ID); err != nil {
			logger.Warn("⚠️ [Snapshot] 回填快照关联失败 entry=%d: %v", entry.ID, err)
			continue
		}
		linked++
	}

	if linked > 0 {
		logger.Info("🔗 [Snapshot] 回填 %d 条台账-快照关联", linked)
	}
}
