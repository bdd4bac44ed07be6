package database

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// GormDatabase GORM 数据库实现
type GormDatabase struct {
	db *gorm.DB
}

// DBConfig 数据库配置
type DBConfig struct {
	Type            string        // sqlite, postgres, mysql
	DSN             string        // 数据源名称
	MaxOpenConns    int           // 最大打开连接数
	MaxIdleConns    int           // 最大空闲连接数
	ConnMaxLifetime time.Duration // 连接最大生命周期
	LogLevel        string        // 日志级别: silent, error, warn, info
}

// NewGormDatabase 创建 GORM 数据库实例
func NewGormDatabase(config *DBConfig) (*GormDatabase, error) {
	var dialector gorm.Dialector

	switch config.Type {
	case "sqlite":
		dialector = sqlite.Open(config.DSN)
	case "postgres", "postgresql":
		dialector = postgres.Open(config.DSN)
	case "mysql":
		dialector = mysql.Open(config.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.Type)
	}

	// 日志级别
	logLevel := logger.Silent
	switch config.LogLevel {
	case "error":
		logLevel = logger.Error
	case "warn":
		logLevel = logger.Warn
	case "info":
		logLevel = logger.Info
	}

	// 打开数据库
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 获取底层 sql.DB
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	// 配置连接池
	if config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	// 自动迁移
	if err := db.AutoMigrate(
		&LedgerEntry{},
		&RawOrderRecord{},
		&PositionSnapshot{},
		&InstrumentMapping{},
		&EventRecord{},
	); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}

	return &GormDatabase{db: db}, nil
}

// SaveLedgerEntry 保存台账记录
func (g *GormDatabase) SaveLedgerEntry(ctx context.Context, entry *LedgerEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return g.db.WithContext(ctx).Create(entry).Error
}

// GetLedgerEntries 获取台账记录
func (g *GormDatabase) GetLedgerEntries(ctx context.Context, filter *LedgerFilter) ([]*LedgerEntry, error) {
	query := g.db.WithContext(ctx).Model(&LedgerEntry{})

	if filter.ClOrdID != "" {
		query = query.Where("cl_ord_id = ?", filter.ClOrdID)
	}
	if filter.OrdID != "" {
		query = query.Where("ord_id = ?", filter.OrdID)
	}
	if filter.Symbol != "" {
		query = query.Where("symbol = ?", filter.Symbol)
	}
	if filter.PosSide != "" {
		query = query.Where("pos_side = ?", filter.PosSide)
	}
	if filter.Operation != "" {
		query = query.Where("operation = ?", filter.Operation)
	}
	if filter.Source != "" {
		query = query.Where("source = ?", filter.Source)
	}
	if filter.StartTime != nil {
		query = query.Where("created_at >= ?", filter.StartTime)
	}
	if filter.EndTime != nil {
		query = query.Where("created_at <= ?", filter.EndTime)
	}

	query = query.Order("created_at DESC")

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var entries []*LedgerEntry
	if err := query.Find(&entries).Error; err != nil {
		return nil, err
	}

	return entries, nil
}

// HasLedgerEntryForOrder 判断某个交易所订单是否已有台账记录
func (g *GormDatabase) HasLedgerEntryForOrder(ctx context.Context, ordID string) (bool, error) {
	if ordID == "" {
		return false, nil
	}

	var count int64
	err := g.db.WithContext(ctx).Model(&LedgerEntry{}).
		Where("ord_id = ?", ordID).
		Count(&count).Error
	if err != nil {
		return false, err
	}

	return count > 0, nil
}

// GetRecentOpens 获取窗口期内的 open 记录（按时间倒序）
func (g *GormDatabase) GetRecentOpens(ctx context.Context, symbol, posSide string, since time.Time) ([]*LedgerEntry, error) {
	var entries []*LedgerEntry
	err := g.db.WithContext(ctx).Model(&LedgerEntry{}).
		Where("symbol = ? AND pos_side = ? AND operation = ? AND created_at >= ?",
			symbol, posSide, OperationOpen, since).
		Order("created_at DESC").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// SumLedgerAmounts 按操作类型汇总某个 clOrdId 的数量
func (g *GormDatabase) SumLedgerAmounts(ctx context.Context, clOrdID string, operations []string) (float64, error) {
	var total *float64
	err := g.db.WithContext(ctx).Model(&LedgerEntry{}).
		Select("SUM(amount)").
		Where("cl_ord_id = ? AND operation IN ?", clOrdID, operations).
		Scan(&total).Error
	if err != nil {
		return 0, err
	}
	if total == nil {
		return 0, nil
	}
	return *total, nil
}

// LinkLedgerSnapshot 回填台账记录的快照关联
func (g *GormDatabase) LinkLedgerSnapshot(ctx context.Context, entryID int64, snapshotID int64) error {
	return g.db.WithContext(ctx).Model(&LedgerEntry{}).
		Where("id = ?", entryID).
		Update("linked_snapshot_id", snapshotID).Error
}

// GetUnlinkedCloses 获取尚未关联快照的 close/reduce 记录
func (g *GormDatabase) GetUnlinkedCloses(ctx context.Context, limit int) ([]*LedgerEntry, error) {
	query := g.db.WithContext(ctx).Model(&LedgerEntry{}).
		Where("operation IN ? AND linked_snapshot_id IS NULL", []string{OperationClose, OperationReduce}).
		Order("created_at ASC")

	if limit > 0 {
		query = query.Limit(limit)
	}

	var entries []*LedgerEntry
	if err := query.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// SaveRawOrder 幂等保存原始订单记录（以 ordId+uTime 为键）
func (g *GormDatabase) SaveRawOrder(ctx context.Context, record *RawOrderRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	return g.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "ord_id"}, {Name: "update_time"}},
			DoNothing: true,
		}).
		Create(record).Error
}

// GetRawOrdersWithoutLedger 获取已成交但没有任何台账记录的原始订单
// 台账修复任务用它补齐"订单被接受但台账写入失败"的行。
func (g *GormDatabase) GetRawOrdersWithoutLedger(ctx context.Context, limit int) ([]*RawOrderRecord, error) {
	query := g.db.WithContext(ctx).Model(&RawOrderRecord{}).
		Where("state = ? AND ord_id NOT IN (?)",
			"filled",
			g.db.Model(&LedgerEntry{}).Select("ord_id").Where("ord_id != ''")).
		Order("update_time ASC")

	if limit > 0 {
		query = query.Limit(limit)
	}

	var records []*RawOrderRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// SavePositionSnapshot 幂等保存平仓快照（以交易所记录ID为键）
func (g *GormDatabase) SavePositionSnapshot(ctx context.Context, snapshot *PositionSnapshot) error {
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now().UTC()
	}
	return g.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "external_id"}},
			DoNothing: true,
		}).
		Create(snapshot).Error
}

// GetPositionSnapshots 获取平仓快照
func (g *GormDatabase) GetPositionSnapshots(ctx context.Context, filter *SnapshotFilter) ([]*PositionSnapshot, error) {
	query := g.db.WithContext(ctx).Model(&PositionSnapshot{})

	if filter.InstID != "" {
		query = query.Where("inst_id = ?", filter.InstID)
	}
	if filter.PosSide != "" {
		query = query.Where("pos_side = ?", filter.PosSide)
	}
	if filter.StartTime != nil {
		query = query.Where("closed_at >= ?", filter.StartTime)
	}
	if filter.EndTime != nil {
		query = query.Where("closed_at <= ?", filter.EndTime)
	}

	query = query.Order("closed_at DESC")

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var snapshots []*PositionSnapshot
	if err := query.Find(&snapshots).Error; err != nil {
		return nil, err
	}
	return snapshots, nil
}

// SaveInstrumentMapping 保存合约映射（按 instId 更新）
func (g *GormDatabase) SaveInstrumentMapping(ctx context.Context, mapping *InstrumentMapping) error {
	mapping.UpdatedAt = time.Now().UTC()
	return g.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "inst_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"base_symbol", "ct_val", "ct_val_ccy", "updated_at"}),
		}).
		Create(mapping).Error
}

// GetInstrumentMappings 获取全部合约映射
func (g *GormDatabase) GetInstrumentMappings(ctx context.Context) ([]*InstrumentMapping, error) {
	var mappings []*InstrumentMapping
	if err := g.db.WithContext(ctx).Find(&mappings).Error; err != nil {
		return nil, err
	}
	return mappings, nil
}

// SaveEvent 保存事件记录
func (g *GormDatabase) SaveEvent(ctx context.Context, record *EventRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	return g.db.WithContext(ctx).Create(record).Error
}

// GetEvents 获取事件记录
func (g *GormDatabase) GetEvents(ctx context.Context, filter *EventFilter) ([]*EventRecord, error) {
	query := g.db.WithContext(ctx).Model(&EventRecord{})

	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.Severity != "" {
		query = query.Where("severity = ?", filter.Severity)
	}
	if filter.Symbol != "" {
		query = query.Where("symbol = ?", filter.Symbol)
	}
	if filter.StartTime != nil {
		query = query.Where("created_at >= ?", filter.StartTime)
	}
	if filter.EndTime != nil {
		query = query.Where("created_at <= ?", filter.EndTime)
	}

	query = query.Order("created_at DESC")

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var events []*EventRecord
	if err := query.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// CleanupOldEvents 按保留策略清理事件（先按天数，再按数量上限）
func (g *GormDatabase) CleanupOldEvents(ctx context.Context, severity string, maxCount, maxDays int) error {
	if maxDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -maxDays)
		if err := g.db.WithContext(ctx).
			Where("severity = ? AND created_at < ?", severity, cutoff).
			Delete(&EventRecord{}).Error; err != nil {
			return err
		}
	}

	if maxCount > 0 {
		var count int64
		if err := g.db.WithContext(ctx).Model(&EventRecord{}).
			Where("severity = ?", severity).
			Count(&count).Error; err != nil {
			return err
		}

		if count > int64(maxCount) {
			// 删除最旧的超额部分
			var boundary EventRecord
			err := g.db.WithContext(ctx).Model(&EventRecord{}).
				Where("severity = ?", severity).
				Order("created_at DESC").
				Offset(maxCount - 1).
				First(&boundary).Error
			if err != nil {
				return err
			}
			return g.db.WithContext(ctx).
				Where("severity = ? AND created_at < ?", severity, boundary.CreatedAt).
				Delete(&EventRecord{}).Error
		}
	}

	return nil
}

// Ping 健康检查
func (g *GormDatabase) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭连接
func (g *GormDatabase) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
