package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"perpsync/config"
	"perpsync/database"
	"perpsync/event"
	"perpsync/exchange/okx"
	"perpsync/lock"
	"perpsync/logger"
	"perpsync/metrics"
	"perpsync/monitor"
	"perpsync/notify"
	"perpsync/order"
	"perpsync/position"
	"perpsync/safety"
	"perpsync/storage"
	"perpsync/utils"
	"perpsync/web"
)

// Version 版本号
var Version = "1.2.0"

func main() {
	configPath := flag.String("config", "./config.yaml", "配置文件路径")
	showVersion := flag.Bool("version", false, "显示版本号")
	flag.Parse()

	if *showVersion {
		fmt.Printf("PerpSync Position Reconciler\n")
		fmt.Printf("Version: %s\n", Version)
		os.Exit(0)
	}

	// 1. 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("[FATAL] 加载配置失败: %v", err)
	}

	// 2. 初始化时区与日志
	if err := utils.SetLocation(cfg.System.Timezone); err != nil {
		log.Printf("[WARN] 加载时区 %s 失败: %v，回退到 Asia/Shanghai", cfg.System.Timezone, err)
		utils.SetLocation("Asia/Shanghai")
	}
	logger.SetLocation(utils.GlobalLocation)
	logger.SetLevel(logger.ParseLogLevel(cfg.System.LogLevel))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. 日志旁路存储（可选，失败不影响主程序）
	var logStorage *storage.LogStorage
	if cfg.Storage.Enabled {
		logStorage, err = storage.NewLogStorage(cfg.Storage.Path)
		if err != nil {
			log.Printf("[WARN] 初始化日志存储失败: %v，将继续运行但不保存日志到数据库", err)
			logStorage = nil
		} else {
			ls := logStorage
			logger.InitLogStorage(func(level, message string) {
				ls.WriteLog(level, message)
			})
			ls.StartRetention(ctx, cfg.System.LogRetentionDays)
			logger.Info("✅ 日志存储已初始化: %s", cfg.Storage.Path)
		}
	}

	logger.Info("🚀 PerpSync 启动中 (版本: %s, 币种: %s)", Version, cfg.Trading.Symbol)

	// 4. 业务数据库
	db, err := database.NewDatabase(&database.DBConfig{
		Type:            cfg.Database.Type,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
		LogLevel:        cfg.Database.LogLevel,
	})
	if err != nil {
		logger.Error("❌ 初始化数据库失败: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	// 5. 分布式锁（单实例模式下为 NopLock）
	distributedLock, err := lock.NewDistributedLock(&lock.Config{
		Enabled: cfg.DistributedLock.Enabled,
		Type:    cfg.DistributedLock.Type,
		Prefix:  cfg.DistributedLock.Prefix,
		Redis: lock.RedisConfig{
			Addr:     cfg.DistributedLock.Redis.Addr,
			Password: cfg.DistributedLock.Redis.Password,
			DB:       cfg.DistributedLock.Redis.DB,
			PoolSize: cfg.DistributedLock.Redis.PoolSize,
		},
	})
	if err != nil {
		logger.Error("❌ 初始化分布式锁失败: %v", err)
		os.Exit(1)
	}
	defer distributedLock.Close()

	// 6. 事件总线 + 事件中心 + 通知
	eventBus := event.NewEventBus(1000)
	notificationService := notify.NewNotificationService(cfg)
	eventCenter := event.NewEventCenter(db, eventBus, notificationService, event.RetentionConfig{})
	eventCenter.Start()
	defer eventCenter.Stop()

	// 7. 交易所客户端与合约注册表
	client := okx.NewClient(cfg.Exchange.APIKey, cfg.Exchange.SecretKey, cfg.Exchange.Passphrase, cfg.Exchange.Testnet)

	registry := okx.NewInstrumentRegistry(client, db)
	if err := registry.Load(ctx); err != nil {
		logger.Warn("⚠️ 加载本地合约映射失败: %v", err)
	}

	inst, ok := registry.BySymbol(cfg.Trading.Symbol)
	instID := ""
	if ok {
		instID = inst.InstID
	} else {
		// 本地无映射时从交易所拉取
		instID = cfg.Trading.Symbol + "-USDT-SWAP"
		if err := registry.Refresh(ctx, instID); err != nil {
			logger.Error("❌ 获取合约信息失败 [%s]: %v", instID, err)
			os.Exit(1)
		}
	}
	logger.Info("🔗 交易合约: %s", instID)

	// 8. 请求分发器
	dispatcher := order.NewDispatcher(order.DispatcherConfig{
		QueueSize:         cfg.Dispatcher.QueueSize,
		SubmitTimeout:     time.Duration(cfg.Dispatcher.SubmitTimeoutSec) * time.Second,
		WindowDuration:    time.Duration(cfg.Dispatcher.WindowSeconds) * time.Second,
		WindowMaxRequests: cfg.Dispatcher.WindowMaxRequests,
		MinGap:            time.Duration(cfg.Dispatcher.MinGapMs) * time.Millisecond,
	})
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	// 9. 持仓管理器与成交归并器
	manager := position.NewManager(position.ManagerConfig{
		MaxLeverage:    cfg.Trading.MaxLeverage,
		CloseTolerance: cfg.Trading.CloseTolerance,
	}, db, dispatcher, client, registry, eventBus)

	resolver := position.NewResolver(position.ResolverConfig{
		CloseTolerance: cfg.Trading.CloseTolerance,
		LinkWindow:     time.Duration(cfg.Trading.LinkWindowMinutes) * time.Minute,
	}, db, manager, registry, eventBus)

	// 10. 订单事件摄取管道
	pipeline := event.NewPipeline(event.PipelineConfig{
		QueueSize:     cfg.Ingest.QueueSize,
		EnqueueWait:   time.Duration(cfg.Ingest.EnqueueWaitMs) * time.Millisecond,
		MaxRetries:    cfg.Ingest.MaxRetries,
		RetryDelay:    time.Duration(cfg.Ingest.RetryDelayMs) * time.Millisecond,
		ProcessedTTL:  time.Duration(cfg.Ingest.ProcessedTTLMinutes) * time.Minute,
		PendingTTL:    time.Duration(cfg.Ingest.PendingTTLMinutes) * time.Minute,
		PurgeInterval: time.Duration(cfg.Ingest.PurgeIntervalSec) * time.Second,
	}, resolver, db)
	pipeline.Start(ctx)

	// 11. 订单推送流
	pm := metrics.GetPrometheusMetrics()
	wsManager := okx.NewWebSocketManager(cfg.Exchange.APIKey, cfg.Exchange.SecretKey, cfg.Exchange.Passphrase, cfg.Exchange.Testnet, okx.WSConfig{
		ReconnectDelay: time.Duration(cfg.WebSocket.ReconnectDelaySec) * time.Second,
		PingInterval:   time.Duration(cfg.WebSocket.PingIntervalSec) * time.Second,
		PongTimeout:    time.Duration(cfg.WebSocket.PongTimeoutSec) * time.Second,
	})
	wsManager.SetStateCallback(func(connected bool) {
		pm.SetWebSocketStatus(connected)
		if connected {
			eventBus.Publish(&event.Event{
				Type:    event.EventTypeStreamReconnected,
				Symbol:  cfg.Trading.Symbol,
				Message: "订单推送流已连接",
			})
		} else {
			pm.RecordWebSocketReconnect()
			eventBus.Publish(&event.Event{
				Type:    event.EventTypeStreamDisconnected,
				Symbol:  cfg.Trading.Symbol,
				Message: "订单推送流断开，等待重连",
			})
		}
	})
	if err := wsManager.Start(ctx, instID, pipeline.HandleUpdate); err != nil {
		logger.Error("❌ 启动订单推送流失败: %v", err)
		os.Exit(1)
	}
	defer wsManager.Stop()

	// 12. 后台任务：对账、快照回填、台账修复、系统指标
	if cfg.Reconcile.Enabled {
		reconciler := safety.NewReconciler(safety.ReconcilerConfig{
			Interval: time.Duration(cfg.Reconcile.IntervalSec) * time.Second,
			InstID:   instID,
		}, manager, dispatcher, client, registry, eventBus, distributedLock)
		reconciler.Start(ctx)
	}

	if cfg.Snapshot.Enabled {
		snapshotSyncer := position.NewSnapshotSyncer(position.SnapshotSyncerConfig{
			Interval: time.Duration(cfg.Snapshot.IntervalMinutes) * time.Minute,
			InstID:   instID,
		}, db, dispatcher, client)
		snapshotSyncer.Start(ctx)
	}

	repairTask := position.NewRepairTask(position.RepairTaskConfig{
		CloseTolerance: cfg.Trading.CloseTolerance,
	}, db, registry, eventBus)
	repairTask.Start(ctx)

	collector := monitor.NewSystemCollector(30 * time.Second)
	collector.Start(ctx)

	// 13. Web 服务
	webServer := web.NewWebServer(cfg, db, manager, dispatcher, logStorage)
	if webServer != nil {
		if err := webServer.Start(ctx); err != nil {
			logger.Error("❌ 启动Web服务器失败: %v", err)
		}
	}

	// 14. 配置热加载（日志级别、限速参数、通知开关；其余变更需重启）
	watcher, err := config.NewConfigWatcher(*configPath, func(newCfg *config.Config) {
		logger.SetLevel(logger.ParseLogLevel(newCfg.System.LogLevel))
		dispatcher.UpdateLimits(
			time.Duration(newCfg.Dispatcher.SubmitTimeoutSec)*time.Second,
			time.Duration(newCfg.Dispatcher.WindowSeconds)*time.Second,
			newCfg.Dispatcher.WindowMaxRequests,
			time.Duration(newCfg.Dispatcher.MinGapMs)*time.Millisecond,
		)
		notificationService.UpdateConfig(newCfg)
		logger.Info("🔁 配置已重新加载 (日志级别: %s)", newCfg.System.LogLevel)
	})
	if err != nil {
		logger.Warn("⚠️ 初始化配置监听失败: %v", err)
	} else {
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("⚠️ 启动配置监听失败: %v", err)
		}
		defer watcher.Stop()
	}

	eventBus.Publish(&event.Event{
		Type:    event.EventTypeSystemStart,
		Symbol:  cfg.Trading.Symbol,
		Message: fmt.Sprintf("PerpSync %s 已启动", Version),
	})
	logger.Info("✅ 所有组件已启动，等待订单推送")

	// 15. 等待退出信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("🛑 收到信号 %v，开始优雅关闭...", sig)

	eventBus.Publish(&event.Event{
		Type:    event.EventTypeSystemStop,
		Symbol:  cfg.Trading.Symbol,
		Message: "PerpSync 正在停止",
	})

	// 退出时取消全部条件单（可选）
	if cfg.Trading.CancelOnExit {
		cancelPendingAlgoOrders(client, instID)
	}

	cancel()
	eventBus.Close()

	// 给在途请求和事件落库留出时间
	time.Sleep(500 * time.Millisecond)

	if logStorage != nil {
		logStorage.Close()
	}
	logger.Info("✅ PerpSync 已退出")
	logger.Close()
}

// cancelPendingAlgoOrders 退出前取消全部未触发的条件单
func cancelPendingAlgoOrders(client *okx.Client, instID string) {
	ctx, cancelFn := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFn()

	pending, err := client.GetPendingAlgoOrders(ctx, instID)
	if err != nil {
		logger.Warn("⚠️ 查询未触发条件单失败: %v", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	algoIDs := make([]string, 0, len(pending))
	for _, a := range pending {
		algoIDs = append(algoIDs, a.AlgoID)
	}
	if err := client.CancelAlgoOrders(ctx, instID, algoIDs); err != nil {
		logger.Warn("⚠️ 取消条件单失败: %v", err)
		return
	}
	logger.Info("🧹 已取消 %d 个未触发条件单", len(algoIDs))
}
