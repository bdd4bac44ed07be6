package config

import (
	"testing"
)

func TestLoadConfigFromBytes(t *testing.T) {
	yamlData := `
exchange:
  api_key: "test-key"
  secret_key: "test-secret"
  passphrase: "test-pass"
trading:
  symbol: "ETH"
  max_leverage: 10
database:
  type: "sqlite"
`

	cfg, err := LoadConfigFromBytes([]byte(yamlData))
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	if cfg.Trading.Symbol != "ETH" {
		t.Errorf("symbol 解析错误: %s", cfg.Trading.Symbol)
	}
	if cfg.Trading.MaxLeverage != 10 {
		t.Errorf("max_leverage 解析错误: %d", cfg.Trading.MaxLeverage)
	}

	// 验证默认值
	if cfg.Trading.CloseTolerance != 0.01 {
		t.Errorf("close_tolerance 默认值错误: %v", cfg.Trading.CloseTolerance)
	}
	if cfg.Trading.LinkWindowMinutes != 30 {
		t.Errorf("link_window_minutes 默认值错误: %d", cfg.Trading.LinkWindowMinutes)
	}
	if cfg.Ingest.MaxRetries != 3 {
		t.Errorf("ingest.max_retries 默认值错误: %d", cfg.Ingest.MaxRetries)
	}
	if cfg.Dispatcher.MinGapMs != 100 {
		t.Errorf("dispatcher.min_gap_ms 默认值错误: %d", cfg.Dispatcher.MinGapMs)
	}
	if cfg.Database.DSN != "./data/perpsync.db" {
		t.Errorf("database.dsn 默认值错误: %s", cfg.Database.DSN)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cfg := CreateMinimalConfig()
	cfg.Trading.Symbol = ""
	if err := cfg.Validate(); err == nil {
		t.Error("空 symbol 应校验失败")
	}

	cfg = CreateMinimalConfig()
	cfg.Database.Type = "oracle"
	if err := cfg.Validate(); err == nil {
		t.Error("不支持的数据库类型应校验失败")
	}

	cfg = CreateMinimalConfig()
	cfg.Trading.CloseTolerance = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("容差大于1应校验失败")
	}
}

func TestCreateMinimalConfig(t *testing.T) {
	cfg := CreateMinimalConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("最小配置应通过校验: %v", err)
	}
	if cfg.WebSocket.ReconnectDelaySec != 5 {
		t.Errorf("websocket 重连延迟默认值错误: %d", cfg.WebSocket.ReconnectDelaySec)
	}
}
