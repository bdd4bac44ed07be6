package database

import (
	"context"
	"time"
)

// Database 数据库接口
type Database interface {
	// 操作台账
	SaveLedgerEntry(ctx context.Context, entry *LedgerEntry) error
	GetLedgerEntries(ctx context.Context, filter *LedgerFilter) ([]*LedgerEntry, error)
	HasLedgerEntryForOrder(ctx context.Context, ordID string) (bool, error)
	GetRecentOpens(ctx context.Context, symbol, posSide string, since time.Time) ([]*LedgerEntry, error)
	SumLedgerAmounts(ctx context.Context, clOrdID string, operations []string) (float64, error)
	LinkLedgerSnapshot(ctx context.Context, entryID int64, snapshotID int64) error
	GetUnlinkedCloses(ctx context.Context, limit int) ([]*LedgerEntry, error)

	// 原始订单记录（用于台账修复）
	SaveRawOrder(ctx context.Context, record *RawOrderRecord) error
	GetRawOrdersWithoutLedger(ctx context.Context, limit int) ([]*RawOrderRecord, error)

	// 平仓快照
	SavePositionSnapshot(ctx context.Context, snapshot *PositionSnapshot) error
	GetPositionSnapshots(ctx context.Context, filter *SnapshotFilter) ([]*PositionSnapshot, error)

	// 合约映射（instId <-> 基础币种）
	SaveInstrumentMapping(ctx context.Context, mapping *InstrumentMapping) error
	GetInstrumentMappings(ctx context.Context) ([]*InstrumentMapping, error)

	// 事件记录
	SaveEvent(ctx context.Context, record *EventRecord) error
	GetEvents(ctx context.Context, filter *EventFilter) ([]*EventRecord, error)
	CleanupOldEvents(ctx context.Context, severity string, maxCount, maxDays int) error

	// 健康检查
	Ping(ctx context.Context) error

	// 关闭连接
	Close() error
}

// 数据模型

// 台账操作类型
const (
	OperationOpen   = "open"
	OperationAdd    = "add"
	OperationReduce = "reduce"
	OperationClose  = "close"
)

// 台账来源
const (
	SourceSystem   = "system"
	SourceExternal = "external"
)

// LedgerEntry 台账记录（只追加）
// 权威的仓位操作历史；合约张数与基础币种数量的换算只发生在这个边界。
type LedgerEntry struct {
	ID               int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	SignalID         string    `gorm:"index;size:64" json:"signal_id"`
	ClOrdID          string    `gorm:"index;size:64" json:"cl_ord_id"`
	OrdID            string    `gorm:"index;size:64" json:"ord_id"` // 可能为空（下单被接受但交易所未返回）
	Symbol           string    `gorm:"index:idx_ledger_symbol_side;size:32" json:"symbol"`
	PosSide          string    `gorm:"index:idx_ledger_symbol_side;size:10" json:"pos_side"` // long/short
	Operation        string    `gorm:"index;size:10" json:"operation"`                       // open/add/reduce/close
	Amount           float64   `json:"amount"`                                               // 基础币种数量
	Price            float64   `json:"price"`
	Source           string    `gorm:"size:10" json:"source"` // system/external
	LinkedSnapshotID *int64    `gorm:"index" json:"linked_snapshot_id"`
	CreatedAt        time.Time `gorm:"index" json:"created_at"`
}

// RawOrderRecord 原始订单更新记录
// 按 (ordId, uTime) 幂等保存；台账写入失败时由修复任务从这里补行。
type RawOrderRecord struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	OrdID      string    `gorm:"uniqueIndex:idx_raw_ord_utime;size:64" json:"ord_id"`
	ClOrdID    string    `gorm:"index;size:64" json:"cl_ord_id"`
	InstID     string    `gorm:"size:32" json:"inst_id"`
	Side       string    `gorm:"size:10" json:"side"`     // buy/sell
	PosSide    string    `gorm:"size:10" json:"pos_side"` // long/short
	AccFillSz  float64   `json:"acc_fill_sz"`             // 累计成交数量（张）
	AvgPx      float64   `json:"avg_px"`
	State      string    `gorm:"size:20" json:"state"`
	UpdateTime int64     `gorm:"uniqueIndex:idx_raw_ord_utime" json:"update_time"` // 毫秒时间戳
	CreatedAt  time.Time `json:"created_at"`
}

// PositionSnapshot 交易所平仓记录快照
// 定期拉取，仅用于事后回填 LedgerEntry.linked_snapshot_id。
type PositionSnapshot struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ExternalID  string    `gorm:"uniqueIndex;size:64" json:"external_id"` // 交易所侧的记录ID
	InstID      string    `gorm:"index;size:32" json:"inst_id"`
	PosSide     string    `gorm:"size:10" json:"pos_side"`
	OpenAvgPx   float64   `json:"open_avg_px"`
	CloseAvgPx  float64   `json:"close_avg_px"`
	CloseTotal  float64   `json:"close_total"` // 平仓总量（张）
	RealizedPnL float64   `json:"realized_pnl"`
	ClosedAt    time.Time `gorm:"index" json:"closed_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// InstrumentMapping 合约ID与基础币种双向映射（如 "ETH" <-> "ETH-USDT-SWAP"）
type InstrumentMapping struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	InstID     string    `gorm:"uniqueIndex;size:32" json:"inst_id"`
	BaseSymbol string    `gorm:"uniqueIndex;size:32" json:"base_symbol"`
	CtVal      float64   `json:"ct_val"` // 合约面值（1张 = CtVal 个基础币种）
	CtValCcy   string    `gorm:"size:20" json:"ct_val_ccy"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// EventRecord 事件记录
type EventRecord struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Type      string    `gorm:"index;size:50" json:"type"`
	Severity  string    `gorm:"index;size:20" json:"severity"` // info/warning/critical
	Symbol    string    `gorm:"index;size:32" json:"symbol"`
	Message   string    `gorm:"type:text" json:"message"`
	Details   string    `gorm:"type:text" json:"details"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// 过滤器

// LedgerFilter 台账记录过滤器
type LedgerFilter struct {
	ClOrdID   string
	OrdID     string
	Symbol    string
	PosSide   string
	Operation string
	Source    string
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}

// SnapshotFilter 平仓快照过滤器
type SnapshotFilter struct {
	InstID    string
	PosSide   string
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}

// EventFilter 事件记录过滤器
type EventFilter struct {
	Type      string
	Severity  string
	Symbol    string
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}
