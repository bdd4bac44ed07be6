package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"perpsync/config"
	"perpsync/event"
)

// TelegramNotifier Telegram 通知器
type TelegramNotifier struct {
	botToken string
	chatID   string
	client   *http.Client
}

// NewTelegramNotifier 创建 Telegram 通知器
func NewTelegramNotifier(cfg *config.Config) (*TelegramNotifier, error) {
	if cfg.Notifications.Telegram.BotToken == "" || cfg.Notifications.Telegram.ChatID == "" {
		return nil, fmt.Errorf("Telegram BotToken 或 ChatID 未配置")
	}

	return &TelegramNotifier{
		botToken: cfg.Notifications.Telegram.BotToken,
		chatID:   cfg.Notifications.Telegram.ChatID,
		client: &http.Client{
			Timeout: 3 * time.Second,
		},
	}, nil
}

// Name 返回通知器名称
func (tn *TelegramNotifier) Name() string {
	return "Telegram"
}

// Send 发送通知
func (tn *TelegramNotifier) Send(evt *event.Event) error {
	message := formatTelegramMessage(evt)
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", tn.botToken)

	payload := map[string]interface{}{
		"chat_id":    tn.chatID,
		"text":       message,
		"parse_mode": "Markdown",
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化消息失败: %w", err)
	}

	// 设置超时（3秒）
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := tn.client.Do(req)
	if err != nil {
		return fmt.Errorf("发送请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Telegram API 返回错误: %d", resp.StatusCode)
	}

	return nil
}

// formatTelegramMessage 格式化 Telegram 消息
func formatTelegramMessage(evt *event.Event) string {
	var emoji string
	var title string

	switch evt.Type {
	case event.EventTypePositionOpened:
		emoji = "📝"
		title = "仓位已开仓"
	case event.EventTypePositionClosed:
		emoji = "✅"
		title = "仓位已平仓"
	case event.EventTypePositionReduced:
		emoji = "📉"
		title = "仓位已减仓"
	case event.EventTypeExternalFill:
		emoji = "🔗"
		title = "外部成交已归账"
	case event.EventTypeExternalFillAmbiguous:
		emoji = "⚠️"
		title = "外部成交归属不明"
	case event.EventTypeExternalFillUnlinked:
		emoji = "⚠️"
		title = "外部成交无法关联"
	case event.EventTypeStaleSlotCleared:
		emoji = "🧹"
		title = "残留仓位槽已清理"
	case event.EventTypeStreamDisconnected:
		emoji = "❌"
		title = "行情连接断开"
	case event.EventTypeStreamReconnected:
		emoji = "🔁"
		title = "行情连接已恢复"
	case event.EventTypeLedgerWriteFailed:
		emoji = "🚨"
		title = "台账写入失败"
	case event.EventTypeReconcileDiff:
		emoji = "🚨"
		title = "对账差异"
	case event.EventTypeError:
		emoji = "❌"
		title = "系统错误"
	case event.EventTypeSystemStart:
		emoji = "🚀"
		title = "系统启动"
	case event.EventTypeSystemStop:
		emoji = "🛑"
		title = "系统停止"
	default:
		emoji = "ℹ️"
		title = "系统通知"
	}

	message := fmt.Sprintf("%s *%s*\n", emoji, title)
	message += fmt.Sprintf("时间: %s\n", evt.Timestamp.Format("2006-01-02 15:04:05"))
	if evt.Symbol != "" {
		message += fmt.Sprintf("币种: `%s`\n", evt.Symbol)
	}
	if evt.Message != "" {
		message += fmt.Sprintf("详情: %s\n", evt.Message)
	}

	// 添加事件数据
	if evt.Data != nil {
		for key, value := range evt.Data {
			message += fmt.Sprintf("%s: `%v`\n", key, value)
		}
	}

	return message
}
