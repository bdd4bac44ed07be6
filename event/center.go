package event

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"perpsync/database"
	"perpsync/logger"
)

// NotificationService 通知服务接口
type NotificationService interface {
	Send(event *Event)
}

// RetentionConfig 事件保留策略
type RetentionConfig struct {
	CriticalDays     int
	WarningDays      int
	InfoDays         int
	CriticalMaxCount int
	WarningMaxCount  int
	InfoMaxCount     int
}

// EventCenter 事件中心
// 消费事件总线，负责持久化、通知分发和过期清理。
type EventCenter struct {
	db              database.Database
	eventBus        *EventBus
	notifier        NotificationService
	retention       RetentionConfig
	cleanupInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEventCenter 创建事件中心
func NewEventCenter(db database.Database, eventBus *EventBus, notifier NotificationService, retention RetentionConfig) *EventCenter {
	ctx, cancel := context.WithCancel(context.Background())

	if retention.CriticalDays <= 0 {
		retention.CriticalDays = 90
	}
	if retention.WarningDays <= 0 {
		retention.WarningDays = 30
	}
	if retention.InfoDays <= 0 {
		retention.InfoDays = 7
	}

	return &EventCenter{
		db:              db,
		eventBus:        eventBus,
		notifier:        notifier,
		retention:       retention,
		cleanupInterval: time.Hour,
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Start 启动事件中心
func (ec *EventCenter) Start() {
	logger.Info("🚀 启动事件中心...")

	ec.wg.Add(1)
	go ec.processEvents()

	ec.wg.Add(1)
	go ec.cleanupTask()

	logger.Info("✅ 事件中心已启动")
}

// Stop 停止事件中心
func (ec *EventCenter) Stop() {
	logger.Info("🛑 停止事件中心...")
	ec.cancel()
	ec.wg.Wait()
	logger.Info("✅ 事件中心已停止")
}

// processEvents 处理事件
func (ec *EventCenter) processEvents() {
	defer ec.wg.Done()

	eventCh := ec.eventBus.Subscribe()

	for {
		select {
		case <-ec.ctx.Done():
			return
		case evt, ok := <-eventCh:
			if !ok {
				return
			}
			ec.handleEvent(evt)
		}
	}
}

// handleEvent 处理单个事件
func (ec *EventCenter) handleEvent(evt *Event) {
	if evt == nil {
		return
	}

	detailsJSON, err := json.Marshal(evt.Data)
	if err != nil {
		logger.Warn("⚠️ 序列化事件详情失败: %v", err)
		detailsJSON = []byte("{}")
	}

	record := &database.EventRecord{
		Type:      string(evt.Type),
		Severity:  string(evt.Severity),
		Symbol:    evt.Symbol,
		Message:   evt.Message,
		Details:   string(detailsJSON),
		CreatedAt: evt.Timestamp,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := ec.db.SaveEvent(ctx, record); err != nil {
		logger.Error("❌ 保存事件失败: %v", err)
	}

	if ec.notifier != nil {
		ec.notifier.Send(evt)
	}
}

// cleanupTask 定期清理过期事件
func (ec *EventCenter) cleanupTask() {
	defer ec.wg.Done()

	ticker := time.NewTicker(ec.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ec.ctx.Done():
			return
		case <-ticker.C:
			ec.cleanup()
		}
	}
}

// cleanup 按级别执行保留策略
func (ec *EventCenter) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	policies := []struct {
		severity string
		maxCount int
		maxDays  int
	}{
		{string(SeverityCritical), ec.retention.CriticalMaxCount, ec.retention.CriticalDays},
		{string(SeverityWarning), ec.retention.WarningMaxCount, ec.retention.WarningDays},
		{string(SeverityInfo), ec.retention.InfoMaxCount, ec.retention.InfoDays},
	}

	for _, p := range policies {
		if err := ec.db.CleanupOldEvents(ctx, p.severity, p.maxCount, p.maxDays); err != nil {
			logger.Warn("⚠️ 清理 %s 级别事件失败: %v", p.severity, err)
		}
	}
}
