package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"equiledger/broker"
	"equiledger/cancelcmd"
	"equiledger/config"
	"equiledger/database"
	"equiledger/event"
	"equiledger/ingest"
	"equiledger/lock"
	"equiledger/logger"
	"equiledger/metrics"
	"equiledger/monitor"
	"equiledger/notify"
	"equiledger/order"
	"equiledger/pnl"
	"equiledger/reconcile"
	"equiledger/recovery"
	"equiledger/safety"
	"equiledger/storage"
	"equiledger/utils"
)

// Version 版本号
var Version = "1.4.2"

func main() {
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("[FATAL] 加载配置失败: %v", err)
	}

	logger.SetLevel(logger.ParseLogLevel(cfg.System.LogLevel))
	if err := utils.SetLocation(cfg.System.Timezone); err != nil {
		logger.Warn("⚠️ 加载时区 %s 失败: %v，将使用 UTC", cfg.System.Timezone, err)
	}

	logger.Info("🚀 EquiLedger 订单台账系统启动...")
	logger.Info("📦 版本号: %s", Version)
	if cfg.Desk.PaperTrading {
		logger.Info("ℹ️ 模拟盘模式")
	}

	// 运营历史库：对账摘要、日志、系统监控样本
	var opsStore *storage.SQLiteStorage
	opsStore, err = storage.NewSQLiteStorage(cfg.History.Path)
	if err != nil {
		logger.Warn("⚠️ 初始化历史库失败: %v，对账摘要将不持久化", err)
		opsStore = nil
	}

	logStorage, err := storage.NewLogStorage(cfg.History.Path + ".logs")
	if err != nil {
		logger.Warn("⚠️ 初始化日志存储失败: %v，日志仅输出到控制台", err)
		logStorage = nil
	} else {
		logger.InitLogStorage(logStorage.WriteLog)
		// 每天清理一次过期日志
		go func() {
			ticker := time.NewTicker(24 * time.Hour)
			defer ticker.Stop()
			for range ticker.C {
				cutoff := utils.NowUTC().Add(-7 * 24 * time.Hour)
				if err := logStorage.CleanupLogs(cutoff); err != nil {
					logger.Warn("⚠️ 清理日志失败: %v", err)
				}
			}
		}()
	}

	// 台账数据库
	db, err := database.NewDatabase(&database.DBConfig{
		Type:            cfg.Database.Type,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
		LogLevel:        cfg.Database.LogLevel,
	})
	if err != nil {
		logger.Fatalf("❌ 初始化台账数据库失败: %v", err)
	}

	// 互斥锁：防止多实例重复对账/补单
	distributedLock, err := lock.NewDistributedLock(&lock.Config{
		Enabled:    cfg.DistributedLock.Enabled,
		Type:       cfg.DistributedLock.Type,
		Prefix:     cfg.DistributedLock.Prefix,
		Dir:        cfg.DistributedLock.Dir,
		DefaultTTL: time.Duration(cfg.DistributedLock.DefaultTTL) * time.Second,
		Redis: lock.RedisConfig{
			Addr:     cfg.DistributedLock.Redis.Addr,
			Password: cfg.DistributedLock.Redis.Password,
			DB:       cfg.DistributedLock.Redis.DB,
			PoolSize: cfg.DistributedLock.Redis.PoolSize,
		},
	})
	if err != nil {
		logger.Fatalf("❌ 初始化互斥锁失败: %v", err)
	}

	// 事件总线与事件中心
	eventBus := event.NewEventBus(1000)

	var notifier event.NotificationService
	if cfg.Notifications.Enabled && cfg.Notifications.Webhook.Enabled {
		wn, err := notify.NewWebhookNotifier(cfg.Notifications.Webhook.URL, 3*time.Second)
		if err != nil {
			logger.Warn("⚠️ 初始化 Webhook 通知失败: %v", err)
		} else {
			notifier = wn
			logger.Info("✅ Webhook 通知已启用")
		}
	}

	eventCenter := event.NewEventCenter(db, eventBus, notifier, &event.EventCenterConfig{
		Enabled:         true,
		CleanupInterval: 6,
		Retention: event.RetentionConfig{
			CriticalDays:     90,
			WarningDays:      30,
			InfoDays:         7,
			CriticalMaxCount: 10000,
			WarningMaxCount:  10000,
			InfoMaxCount:     50000,
		},
	})
	if err := eventCenter.Start(); err != nil {
		logger.Warn("⚠️ 启动事件中心失败: %v", err)
	}

	// 券商侧进程的文件接口
	snapshotStale := time.Duration(cfg.Reconcile.SnapshotStaleAfter) * time.Second
	snapshots := broker.NewSnapshotReader(cfg.Desk.BrokerDir, snapshotStale)
	history := broker.NewQueryThrottle(
		broker.NewFileHistoryClient(cfg.Desk.BrokerDir),
		time.Duration(cfg.Reconcile.MinHistoryInterval)*time.Second,
	)
	probe := broker.NewProcessProbe()
	connectivity := broker.NewConnectivityChecker(probe, cfg.Desk.BrokerDir, cfg.Desk.LeaderPIDFile, snapshotStale)

	// 交易保护闸门
	guard := safety.NewTradingGuard(cfg.Desk.BrokerDir, cfg.System.Halted, eventBus)

	// 状态机与各个调度组件
	sm := order.NewStateMachine(db, eventBus)
	ingestor := ingest.NewIngestor(db, sm, eventBus, cfg.Desk.Namespace, cfg.Desk.BrokerDir)

	reconciler := reconcile.NewReconciler(db, sm, snapshots, history, distributedLock,
		time.Duration(cfg.Reconcile.MinHistoryInterval)*time.Second)
	reconciler.SetPauseChecker(guard.Halted)
	if opsStore != nil {
		reconciler.SetStorage(opsStore)
	}

	canceler := cancelcmd.NewCoordinator(&cancelcmd.Config{
		BrokerDir:     cfg.Desk.BrokerDir,
		WorkerCommand: cfg.Cancel.WorkerCommand,
		WorkerTimeout: time.Duration(cfg.Cancel.WorkerTimeout) * time.Second,
		CommandExpiry: time.Duration(cfg.Cancel.CommandExpiry) * time.Second,
		ResultDirs:    cfg.Cancel.ResultDirs,
	}, db, sm, probe, distributedLock, eventBus)

	sweeper := recovery.NewSweeper(&recovery.Config{
		OrderTimeout:       time.Duration(cfg.Recovery.OrderTimeout) * time.Second,
		MaxAttempts:        cfg.Recovery.MaxAttempts,
		MaxPriceDeviation:  cfg.Recovery.MaxPriceDeviation,
		AllowExtendedHours: cfg.Recovery.AllowExtendedHours,
	}, db, sm, guard, connectivity,
		broker.NewSnapshotReader(cfg.Desk.BrokerDir, time.Duration(cfg.Recovery.QuoteStaleAfter)*time.Second),
		canceler, eventBus)

	pnlEngine := pnl.NewEngine(db, &pnl.Config{
		CacheTTL: time.Duration(cfg.PnL.CacheTTL) * time.Second,
	})

	// Prometheus 指标
	var metricsServer *metrics.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewMetricsServer(cfg.Metrics.Listen)
		metricsServer.Start()
	}

	// 看门狗
	var watchdog *monitor.Watchdog
	if cfg.Watchdog.Enabled && opsStore != nil {
		watchdog = monitor.NewWatchdog(opsStore,
			time.Duration(cfg.Watchdog.SampleInterval)*time.Second, cfg.Watchdog.RetentionDays)
		watchdog.Start()
	}

	ctx, cancel := context.WithCancel(context.Background())

	// 摄取与对账调度
	startTicker(ctx, time.Duration(cfg.Ingest.Interval)*time.Second, "事件摄取", func(tickCtx context.Context) {
		if _, err := ingestor.Run(tickCtx); err != nil {
			logger.Error("❌ 事件摄取失败: %v", err)
		}
	})
	startTicker(ctx, time.Duration(cfg.Reconcile.CompletedInterval)*time.Second, "已完成订单对账", func(tickCtx context.Context) {
		if _, err := reconciler.RunCompleted(tickCtx); err != nil {
			logger.Error("❌ 已完成订单对账失败: %v", err)
		}
	})
	startTicker(ctx, time.Duration(cfg.Reconcile.OpenOrdersInterval)*time.Second, "挂单对账", func(tickCtx context.Context) {
		if _, err := reconciler.RunOpenOrders(tickCtx); err != nil {
			logger.Error("❌ 挂单对账失败: %v", err)
		}
	})
	startTicker(ctx, time.Duration(cfg.Reconcile.PositionsInterval)*time.Second, "持仓对账", func(tickCtx context.Context) {
		if _, err := reconciler.RunPositions(tickCtx); err != nil {
			logger.Error("❌ 持仓对账失败: %v", err)
		}
	})
	startTicker(ctx, time.Duration(cfg.Cancel.FinalizeInterval)*time.Second, "取消终结", func(tickCtx context.Context) {
		if _, err := canceler.FinalizePass(tickCtx); err != nil {
			logger.Error("❌ 取消终结失败: %v", err)
		}
	})
	if cfg.Recovery.Enabled {
		startTicker(ctx, time.Duration(cfg.Recovery.SweepInterval)*time.Second, "补单扫描", func(tickCtx context.Context) {
			if _, err := sweeper.Sweep(tickCtx); err != nil {
				logger.Error("❌ 补单扫描失败: %v", err)
			}
		})
	}
	// 盈亏定期刷新，让指标面板不依赖外部查询
	startTicker(ctx, time.Minute, "盈亏刷新", func(tickCtx context.Context) {
		if _, err := pnlEngine.Compute(tickCtx); err != nil {
			logger.Warn("⚠️ 盈亏刷新失败: %v", err)
		}
	})

	// 结果文件事件驱动终结：结果一落地立即回收，不等下一个周期
	resultWatcher := cancelcmd.NewResultWatcher(canceler, cancelcmd.DefaultResultDirs(&cancelcmd.Config{
		BrokerDir:  cfg.Desk.BrokerDir,
		ResultDirs: cfg.Cancel.ResultDirs,
	}))
	go func() {
		if err := resultWatcher.Run(ctx); err != nil {
			logger.Warn("⚠️ 结果目录监听退出: %v", err)
		}
	}()

	// 配置热更新：日志级别等运行时参数即时生效
	configWatcher, err := config.NewConfigWatcher(configPath)
	if err != nil {
		logger.Warn("⚠️ 创建配置监控失败: %v", err)
	} else {
		if err := configWatcher.Start(ctx); err != nil {
			logger.Warn("⚠️ 启动配置监控失败: %v", err)
		} else {
			go func() {
				for newCfg := range configWatcher.Updates() {
					logger.Info("🔄 配置已重新加载")
					logger.SetLevel(logger.ParseLogLevel(newCfg.System.LogLevel))
					if newCfg.System.Halted && !guard.Halted() {
						guard.Halt("配置热更新要求停止交易")
					} else if !newCfg.System.Halted && guard.Halted() {
						guard.Resume()
					}
				}
			}()
		}
	}

	eventBus.Publish(&event.Event{
		Type:      event.EventTypeSystemStart,
		Timestamp: utils.NowUTC(),
		Data:      map[string]interface{}{"version": Version},
	})

	logger.Info("✅ 系统初始化完成，程序正在运行中...")
	logger.Info("💡 按 Ctrl+C 退出程序")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("🛑 收到退出信号，开始优雅关闭...")

	eventBus.Publish(&event.Event{
		Type:      event.EventTypeSystemStop,
		Timestamp: utils.NowUTC(),
		Data:      map[string]interface{}{"reason": "收到退出信号"},
	})

	// 先停调度协程，再依次收尾各服务
	cancel()
	time.Sleep(500 * time.Millisecond)

	if watchdog != nil {
		watchdog.Stop()
	}
	if metricsServer != nil {
		metricsServer.Stop()
	}
	eventCenter.Stop()
	eventBus.Close()

	if err := distributedLock.Close(); err != nil {
		logger.Warn("⚠️ 关闭互斥锁失败: %v", err)
	}
	if err := db.Close(); err != nil {
		logger.Warn("⚠️ 关闭台账数据库失败: %v", err)
	}
	if opsStore != nil {
		if err := opsStore.Close(); err != nil {
			logger.Warn("⚠️ 关闭历史库失败: %v", err)
		}
	}
	logger.Info("👋 已退出")
	logger.Close()
	if logStorage != nil {
		if err := logStorage.Close(); err != nil {
			log.Printf("[WARN] 关闭日志存储失败: %v", err)
		}
	}
}

// startTicker 按固定间隔调度一个任务，ctx 取消后停止
func startTicker(ctx context.Context, interval time.Duration, name string, fn func(context.Context)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		logger.Debug("⏳ 调度任务已启动: %s (间隔 %v)", name, interval)
		for {
			select {
			case <-ctx.Done():
				logger.Debug("⏹️ 调度任务已停止: %s", name)
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}
