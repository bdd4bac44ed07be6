package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ExchangeConfig 交易所接入配置
type ExchangeConfig struct {
	APIKey     string `yaml:"api_key"`
	SecretKey  string `yaml:"secret_key"`
	Passphrase string `yaml:"passphrase"`
	Testnet    bool   `yaml:"testnet"` // 是否使用模拟盘
}

// Config 仓位同步系统配置
type Config struct {
	// 交易所配置（当前仅支持 OKX 永续合约）
	Exchange ExchangeConfig `yaml:"exchange"`

	Trading struct {
		Symbol            string  `yaml:"symbol"`              // 基础币种，如 "ETH"
		MaxLeverage       int     `yaml:"max_leverage"`        // 最大允许杠杆倍数，默认20
		CloseTolerance    float64 `yaml:"close_tolerance"`     // 开平数量平衡容差（默认0.01，即1%）
		LinkWindowMinutes int     `yaml:"link_window_minutes"` // 外部成交回溯关联窗口（分钟，默认30）
		CancelOnExit      bool    `yaml:"cancel_on_exit"`      // 退出时是否取消全部条件单
	} `yaml:"trading"`

	// 请求分发器配置
	Dispatcher struct {
		QueueSize         int `yaml:"queue_size"`          // 每个优先级的队列容量，默认64
		SubmitTimeoutSec  int `yaml:"submit_timeout_sec"`  // submit 阻塞超时（秒，默认10）
		WindowSeconds     int `yaml:"window_seconds"`      // 滑动窗口长度（秒，默认2）
		WindowMaxRequests int `yaml:"window_max_requests"` // 窗口内最大请求数，默认20
		MinGapMs          int `yaml:"min_gap_ms"`          // 最小请求间隔（毫秒，默认100）
	} `yaml:"dispatcher"`

	// 订单事件摄取配置
	Ingest struct {
		QueueSize           int `yaml:"queue_size"`            // 事件队列容量，默认256
		EnqueueWaitMs       int `yaml:"enqueue_wait_ms"`       // 入队短暂阻塞时间（毫秒，默认200）
		ProcessedTTLMinutes int `yaml:"processed_ttl_minutes"` // 已处理键的保留时间（分钟，默认60）
		PendingTTLMinutes   int `yaml:"pending_ttl_minutes"`   // 队列中键的保留时间（分钟，默认5）
		PurgeIntervalSec    int `yaml:"purge_interval_sec"`    // 去重表清理间隔（秒，默认60）
		MaxRetries          int `yaml:"max_retries"`           // 存储失败重试次数，默认3
		RetryDelayMs        int `yaml:"retry_delay_ms"`        // 重试间隔（毫秒，默认500）
	} `yaml:"ingest"`

	// WebSocket 连接配置
	WebSocket struct {
		ReconnectDelaySec int `yaml:"reconnect_delay_sec"` // 断线重连等待时间（秒，默认5）
		PingIntervalSec   int `yaml:"ping_interval_sec"`   // 空闲多久后发送 ping（秒，默认20）
		PongTimeoutSec    int `yaml:"pong_timeout_sec"`    // ping 后等待 pong 的超时（秒，默认10）
	} `yaml:"websocket"`

	// 持仓对账配置
	Reconcile struct {
		Enabled     bool `yaml:"enabled"`      // 是否启用定期对账，默认true
		IntervalSec int  `yaml:"interval_sec"` // 对账间隔（秒，默认60）
	} `yaml:"reconcile"`

	// 平仓快照回填配置
	Snapshot struct {
		Enabled         bool `yaml:"enabled"`          // 是否启用快照回填，默认true
		IntervalMinutes int  `yaml:"interval_minutes"` // 拉取间隔（分钟，默认5）
	} `yaml:"snapshot"`

	System struct {
		LogLevel         string `yaml:"log_level"`          // 日志级别，默认 INFO
		Timezone         string `yaml:"timezone"`           // 时区，如 "Asia/Shanghai"
		LogRetentionDays int    `yaml:"log_retention_days"` // 日志保留天数（默认30天，0表示不清理）
	} `yaml:"system"`

	// 数据库配置（支持 SQLite、PostgreSQL、MySQL）
	Database struct {
		Type            string `yaml:"type"`              // 数据库类型: sqlite, postgres, mysql，默认 sqlite
		DSN             string `yaml:"dsn"`               // 数据源名称，默认 ./data/perpsync.db
		MaxOpenConns    int    `yaml:"max_open_conns"`    // 最大打开连接数，默认100
		MaxIdleConns    int    `yaml:"max_idle_conns"`    // 最大空闲连接数，默认10
		ConnMaxLifetime int    `yaml:"conn_max_lifetime"` // 连接最大生命周期（秒），默认3600
		LogLevel        string `yaml:"log_level"`         // 日志级别: silent, error, warn, info，默认 error
	} `yaml:"database"`

	// 分布式锁配置（多实例部署）
	DistributedLock struct {
		Enabled    bool   `yaml:"enabled"`     // 是否启用分布式锁，默认false（单实例模式）
		Type       string `yaml:"type"`        // 锁类型: redis，默认 redis
		Prefix     string `yaml:"prefix"`      // 锁键前缀，默认 "perpsync:lock:"
		DefaultTTL int    `yaml:"default_ttl"` // 默认锁过期时间（秒），默认5

		Redis struct {
			Addr     string `yaml:"addr"`      // Redis 地址，默认 localhost:6379
			Password string `yaml:"password"`  // Redis 密码，默认为空
			DB       int    `yaml:"db"`        // Redis 数据库，默认0
			PoolSize int    `yaml:"pool_size"` // 连接池大小，默认10
		} `yaml:"redis"`
	} `yaml:"distributed_lock"`

	// 通知配置
	Notifications struct {
		Enabled bool `yaml:"enabled"`

		Telegram struct {
			Enabled  bool   `yaml:"enabled"`
			BotToken string `yaml:"bot_token"`
			ChatID   string `yaml:"chat_id"`
		} `yaml:"telegram"`

		Webhook struct {
			Enabled bool   `yaml:"enabled"`
			URL     string `yaml:"url"`
			Timeout int    `yaml:"timeout"` // 超时时间（秒，默认3）
		} `yaml:"webhook"`

		// 通知规则：哪些事件需要通知
		Rules struct {
			PositionOpened   bool `yaml:"position_opened"`
			PositionClosed   bool `yaml:"position_closed"`
			ExternalFill     bool `yaml:"external_fill"`
			AmbiguousLinkage bool `yaml:"ambiguous_linkage"`
			StreamDisconnect bool `yaml:"stream_disconnect"`
			Error            bool `yaml:"error"`
		} `yaml:"rules"`
	} `yaml:"notifications"`

	// 日志存储配置
	Storage struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"` // SQLite 日志库文件路径
	} `yaml:"storage"`

	// Web 服务配置
	Web struct {
		Enabled bool   `yaml:"enabled"`
		Host    string `yaml:"host"`    // 监听地址（默认 0.0.0.0）
		Port    int    `yaml:"port"`    // 监听端口（默认 8080）
		APIKey  string `yaml:"api_key"` // API 密钥（可选，用于认证）
	} `yaml:"web"`
}

// LoadConfig 从文件加载配置
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return LoadConfigFromBytes(data)
}

// LoadConfigFromBytes 从字节流加载配置
func LoadConfigFromBytes(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SaveConfig 保存配置到文件
func SaveConfig(cfg *Config, configPath string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("写入配置文件失败: %w", err)
	}

	return nil
}

// CreateMinimalConfig 创建带默认值的最小配置
func CreateMinimalConfig() *Config {
	cfg := &Config{}
	cfg.Trading.Symbol = "ETH"
	cfg.applyDefaults()
	return cfg
}

// applyDefaults 填充缺省值
func (c *Config) applyDefaults() {
	if c.Trading.MaxLeverage <= 0 {
		c.Trading.MaxLeverage = 20
	}
	if c.Trading.CloseTolerance <= 0 {
		c.Trading.CloseTolerance = 0.01
	}
	if c.Trading.LinkWindowMinutes <= 0 {
		c.Trading.LinkWindowMinutes = 30
	}

	if c.Dispatcher.QueueSize <= 0 {
		c.Dispatcher.QueueSize = 64
	}
	if c.Dispatcher.SubmitTimeoutSec <= 0 {
		c.Dispatcher.SubmitTimeoutSec = 10
	}
	if c.Dispatcher.WindowSeconds <= 0 {
		c.Dispatcher.WindowSeconds = 2
	}
	if c.Dispatcher.WindowMaxRequests <= 0 {
		c.Dispatcher.WindowMaxRequests = 20
	}
	if c.Dispatcher.MinGapMs <= 0 {
		c.Dispatcher.MinGapMs = 100
	}

	if c.Ingest.QueueSize <= 0 {
		c.Ingest.QueueSize = 256
	}
	if c.Ingest.EnqueueWaitMs <= 0 {
		c.Ingest.EnqueueWaitMs = 200
	}
	if c.Ingest.ProcessedTTLMinutes <= 0 {
		c.Ingest.ProcessedTTLMinutes = 60
	}
	if c.Ingest.PendingTTLMinutes <= 0 {
		c.Ingest.PendingTTLMinutes = 5
	}
	if c.Ingest.PurgeIntervalSec <= 0 {
		c.Ingest.PurgeIntervalSec = 60
	}
	if c.Ingest.MaxRetries <= 0 {
		c.Ingest.MaxRetries = 3
	}
	if c.Ingest.RetryDelayMs <= 0 {
		c.Ingest.RetryDelayMs = 500
	}

	if c.WebSocket.ReconnectDelaySec <= 0 {
		c.WebSocket.ReconnectDelaySec = 5
	}
	if c.WebSocket.PingIntervalSec <= 0 {
		c.WebSocket.PingIntervalSec = 20
	}
	if c.WebSocket.PongTimeoutSec <= 0 {
		c.WebSocket.PongTimeoutSec = 10
	}

	if c.Reconcile.IntervalSec <= 0 {
		c.Reconcile.IntervalSec = 60
	}
	if c.Snapshot.IntervalMinutes <= 0 {
		c.Snapshot.IntervalMinutes = 5
	}

	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if c.System.Timezone == "" {
		c.System.Timezone = "Asia/Shanghai"
	}
	if c.System.LogRetentionDays == 0 {
		c.System.LogRetentionDays = 30
	}

	if c.Database.Type == "" {
		c.Database.Type = "sqlite"
	}
	if c.Database.DSN == "" {
		c.Database.DSN = "./data/perpsync.db"
	}
	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = 100
	}
	if c.Database.MaxIdleConns <= 0 {
		c.Database.MaxIdleConns = 10
	}
	if c.Database.ConnMaxLifetime <= 0 {
		c.Database.ConnMaxLifetime = 3600
	}
	if c.Database.LogLevel == "" {
		c.Database.LogLevel = "error"
	}

	if c.DistributedLock.Type == "" {
		c.DistributedLock.Type = "redis"
	}
	if c.DistributedLock.Prefix == "" {
		c.DistributedLock.Prefix = "perpsync:lock:"
	}
	if c.DistributedLock.DefaultTTL <= 0 {
		c.DistributedLock.DefaultTTL = 5
	}
	if c.DistributedLock.Redis.Addr == "" {
		c.DistributedLock.Redis.Addr = "localhost:6379"
	}
	if c.DistributedLock.Redis.PoolSize <= 0 {
		c.DistributedLock.Redis.PoolSize = 10
	}

	if c.Notifications.Webhook.Timeout <= 0 {
		c.Notifications.Webhook.Timeout = 3
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "./data/perpsync-logs.db"
	}

	if c.Web.Host == "" {
		c.Web.Host = "0.0.0.0"
	}
	if c.Web.Port <= 0 {
		c.Web.Port = 8080
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Trading.Symbol == "" {
		return fmt.Errorf("trading.symbol 不能为空")
	}

	if c.Trading.CloseTolerance >= 1 {
		return fmt.Errorf("trading.close_tolerance 必须小于1: %v", c.Trading.CloseTolerance)
	}

	switch c.Database.Type {
	case "sqlite", "postgres", "postgresql", "mysql":
	default:
		return fmt.Errorf("不支持的数据库类型: %s", c.Database.Type)
	}

	if c.DistributedLock.Enabled && c.DistributedLock.Type != "redis" {
		return fmt.Errorf("不支持的锁类型: %s", c.DistributedLock.Type)
	}

	if c.Web.Enabled && (c.Web.Port < 1 || c.Web.Port > 65535) {
		return fmt.Errorf("web.port 非法: %d", c.Web.Port)
	}

	return nil
}
