package notify

import (
	"sync"

	"perpsync/config"
	"perpsync/event"
	"perpsync/logger"
)

// Notifier 通知接口
type Notifier interface {
	Send(event *event.Event) error
	Name() string
}

// NotificationService 通知服务
type NotificationService struct {
	notifiers []Notifier
	cfgMu     sync.RWMutex
	cfg       *config.Config
}

// NewNotificationService 创建通知服务
func NewNotificationService(cfg *config.Config) *NotificationService {
	ns := &NotificationService{
		cfg: cfg,
	}

	// 初始化启用的通知渠道
	if cfg.Notifications.Enabled {
		if cfg.Notifications.Telegram.Enabled && cfg.Notifications.Telegram.BotToken != "" {
			telegramNotifier, err := NewTelegramNotifier(cfg)
			if err != nil {
				logger.Warn("⚠️ 初始化 Telegram 通知失败: %v", err)
			} else {
				ns.notifiers = append(ns.notifiers, telegramNotifier)
				logger.Info("✅ Telegram 通知已启用")
			}
		}

		if cfg.Notifications.Webhook.Enabled && cfg.Notifications.Webhook.URL != "" {
			webhookNotifier, err := NewWebhookNotifier(cfg)
			if err != nil {
				logger.Warn("⚠️ 初始化 Webhook 通知失败: %v", err)
			} else {
				ns.notifiers = append(ns.notifiers, webhookNotifier)
				logger.Info("✅ Webhook 通知已启用")
			}
		}
	}

	return ns
}

// UpdateConfig 热更新通知开关与规则（不重建通知渠道）
func (ns *NotificationService) UpdateConfig(cfg *config.Config) {
	ns.cfgMu.Lock()
	ns.cfg = cfg
	ns.cfgMu.Unlock()
}

// shouldNotify 检查是否需要通知
func (ns *NotificationService) shouldNotify(eventType event.EventType) bool {
	ns.cfgMu.RLock()
	cfg := ns.cfg
	ns.cfgMu.RUnlock()

	if !cfg.Notifications.Enabled {
		return false
	}

	rules := cfg.Notifications.Rules
	switch eventType {
	case event.EventTypePositionOpened:
		return rules.PositionOpened
	case event.EventTypePositionClosed:
		return rules.PositionClosed
	case event.EventTypePositionReduced:
		return rules.PositionClosed
	case event.EventTypeExternalFill:
		return rules.ExternalFill
	case event.EventTypeExternalFillAmbiguous, event.EventTypeExternalFillUnlinked:
		return rules.AmbiguousLinkage
	case event.EventTypeStreamDisconnected, event.EventTypeStreamReconnected:
		return rules.StreamDisconnect
	case event.EventTypeError, event.EventTypeLedgerWriteFailed:
		return rules.Error
	case event.EventTypeReconcileDiff, event.EventTypeStaleSlotCleared:
		// 对账差异始终通知
		return true
	default:
		// 其他事件默认通知
		return true
	}
}

// Send 发送通知（异步，不阻塞）
func (ns *NotificationService) Send(evt *event.Event) {
	if evt == nil {
		return
	}

	if !ns.shouldNotify(evt.Type) {
		return
	}

	// 异步发送，不阻塞
	go func() {
		// 并发发送到所有启用的通知渠道
		var wg sync.WaitGroup
		for _, notifier := range ns.notifiers {
			wg.Add(1)
			go func(n Notifier) {
				defer wg.Done()
				if err := n.Send(evt); err != nil {
					logger.Warn("⚠️ [%s] 通知发送失败: %v", n.Name(), err)
				}
			}(notifier)
		}
		wg.Wait()
	}()
}
