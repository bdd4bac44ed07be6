package event

import (
	"time"

	"perpsync/logger"
)

// EventType 事件类型
type EventType string

const (
	EventTypePositionOpened        EventType = "position_opened"
	EventTypePositionClosed        EventType = "position_closed"
	EventTypePositionReduced       EventType = "position_reduced"
	EventTypeExternalFill          EventType = "external_fill"
	EventTypeExternalFillAmbiguous EventType = "external_fill_ambiguous"
	EventTypeExternalFillUnlinked  EventType = "external_fill_unlinked"
	EventTypeStaleSlotCleared      EventType = "stale_slot_cleared"
	EventTypeStreamDisconnected    EventType = "stream_disconnected"
	EventTypeStreamReconnected     EventType = "stream_reconnected"
	EventTypeLedgerWriteFailed     EventType = "ledger_write_failed"
	EventTypeReconcileDiff         EventType = "reconcile_diff"
	EventTypeError                 EventType = "error"
	EventTypeSystemStart           EventType = "system_start"
	EventTypeSystemStop            EventType = "system_stop"
)

// Severity 事件级别
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// severityOf 事件类型默认级别
func severityOf(t EventType) Severity {
	switch t {
	case EventTypeExternalFillAmbiguous, EventTypeExternalFillUnlinked,
		EventTypeStaleSlotCleared, EventTypeStreamDisconnected, EventTypeReconcileDiff:
		return SeverityWarning
	case EventTypeLedgerWriteFailed, EventTypeError:
		return SeverityCritical
	default:
		return SeverityInfo
	}
}

// Event 事件结构
type Event struct {
	Type      EventType
	Severity  Severity
	Symbol    string
	Message   string
	Data      map[string]interface{}
	Timestamp time.Time
}

// EventBus 事件总线
type EventBus struct {
	eventCh    chan *Event
	bufferSize int
}

// NewEventBus 创建事件总线
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &EventBus{
		eventCh:    make(chan *Event, bufferSize),
		bufferSize: bufferSize,
	}
}

// Publish 发布事件（非阻塞）
func (eb *EventBus) Publish(event *Event) {
	if event == nil {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Severity == "" {
		event.Severity = severityOf(event.Type)
	}

	select {
	case eb.eventCh <- event:
	default:
		// 队列满时丢弃，告警链路不能反压交易链路
		logger.Warn("⚠️ 事件队列已满，丢弃事件: %s", event.Type)
	}
}

// Subscribe 订阅事件
func (eb *EventBus) Subscribe() <-chan *Event {
	return eb.eventCh
}

// Close 关闭事件总线
func (eb *EventBus) Close() {
	close(eb.eventCh)
}
