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

	"autofutures/config"
	"autofutures/database"
	"autofutures/engine"
	"autofutures/event"
	"autofutures/gateway"
	"autofutures/ledger"
	"autofutures/lock"
	"autofutures/logger"
	"autofutures/monitor"
	"autofutures/storage"
	"autofutures/utils"
	"autofutures/web"
)

// Version 版本号
var Version = "1.2.0"

func main() {
	var (
		configPath  = flag.String("config", "config.yaml", "配置文件路径")
		debugMode   = flag.Bool("debug", false, "启用调试日志")
		showVersion = flag.Bool("version", false, "显示版本号并退出")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("AutoFutures Trading Bot\nVersion: %s\n", Version)
		os.Exit(0)
	}

	// 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Printf("[WARN] 加载配置失败: %v，使用默认配置", err)
		cfg = config.DefaultConfig()
	}
	if *debugMode {
		cfg.System.LogLevel = "debug"
	}

	// 时区与日志级别
	if cfg.System.Timezone != "" {
		if err := utils.SetLocation(cfg.System.Timezone); err != nil {
			log.Printf("[WARN] 加载时区 %s 失败: %v，使用 UTC", cfg.System.Timezone, err)
		}
	}
	logger.SetLocation(utils.GlobalLocation)
	logger.SetLevel(logger.ParseLogLevel(cfg.System.LogLevel))

	// 应用日志存储（独立 SQLite，失败不影响运行）
	logStorage, err := storage.NewLogStorage(cfg.LogStorage.Path)
	if err != nil {
		logger.Warn("⚠️ 初始化日志存储失败: %v，日志将不落盘", err)
		logStorage = nil
	} else {
		logger.InitLogStorage(logStorage.Write)
		go logCleanupLoop(logStorage)
	}
	defer logger.Close()

	logger.Info("🚀 AutoFutures 交易机器人启动...")
	logger.Info("📦 版本号: %s", Version)

	// 业务数据库
	db, err := database.NewGormDatabase(&database.DBConfig{
		Type:            cfg.Database.Type,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
		LogLevel:        cfg.Database.LogLevel,
	})
	if err != nil {
		logger.Fatal("❌ 初始化数据库失败: %v", err)
	}
	defer db.Close()
	logger.Info("✅ 数据库已初始化 (类型: %s)", cfg.Database.Type)

	// 凭证加密器
	if cfg.Encryption.Key == "" {
		logger.Fatal("❌ 必须配置 encryption.key（交易所密钥加密）")
	}
	encryptor, err := gateway.NewEncryptor(cfg.Encryption.Key)
	if err != nil {
		logger.Fatal("❌ 初始化加密器失败: %v", err)
	}
	factory := gateway.NewFactory(encryptor, &gateway.SimulatedConfig{
		RateLimit: cfg.Engine.GatewayRateLimit,
		RateBurst: cfg.Engine.GatewayRateBurst,
		Timeout:   cfg.GatewayTimeout(),
	})

	// 分布式锁（多实例部署）
	dlock, err := lock.New(lock.Config{
		Type:     cfg.Lock.Type,
		Addr:     cfg.Lock.Addr,
		Password: cfg.Lock.Password,
		DB:       cfg.Lock.DB,
	})
	if err != nil {
		logger.Fatal("❌ 初始化分布式锁失败: %v", err)
	}
	defer dlock.Close()
	if cfg.Lock.Type == "redis" {
		logger.Info("✅ 分布式锁已启用 (redis: %s)", cfg.Lock.Addr)
	}

	// 核心组件：账本、事件推送、交易引擎
	store := ledger.NewStore(db)
	hub := event.NewHub(cfg.Events.RingSize, cfg.Events.SubscriberQueue)
	manager := engine.NewManager(cfg, store, db, hub, factory, dlock)

	// 系统指标采集
	collector := monitor.NewCollector(30 * time.Second)
	collector.Start()
	defer collector.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 配置热更新：目前只热应用日志级别
	if watcher, err := config.NewConfigWatcher(*configPath); err == nil {
		if err := watcher.Start(ctx); err == nil {
			defer watcher.Stop()
			go func() {
				for newCfg := range watcher.Updates() {
					logger.SetLevel(logger.ParseLogLevel(newCfg.System.LogLevel))
					logger.Info("🔄 配置已重新加载，日志级别: %s", newCfg.System.LogLevel)
				}
			}()
		}
	}

	// Web 服务
	var server *web.Server
	if cfg.Web.Enabled {
		server = web.NewServer(cfg, db, store, manager, hub, logStorage, collector, factory)
		if err := server.Start(); err != nil {
			logger.Fatal("❌ 启动Web服务器失败: %v", err)
		}
		logger.Info("✅ Web服务器已启动: http://%s:%d", cfg.Web.Host, cfg.Web.Port)
	} else {
		logger.Info("ℹ️ Web 服务未启用")
	}

	logger.Info("✅ 系统初始化完成，程序正在运行中...")
	logger.Info("💡 按 Ctrl+C 退出程序")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("🛑 收到退出信号，开始优雅关闭...")

	// 先停新请求，再停交易循环，最后刷日志
	if server != nil {
		shutdownCtx, timeout := context.WithTimeout(context.Background(), 10*time.Second)
		if err := server.Stop(shutdownCtx); err != nil {
			logger.Warn("⚠️ 关闭Web服务器失败: %v", err)
		}
		timeout()
	}

	manager.Shutdown(context.Background())
	cancel()

	if logStorage != nil {
		logStorage.Close()
	}

	logger.Info("👋 已退出")
}

// logCleanupLoop 每天清理一次过期应用日志
func logCleanupLoop(ls *storage.LogStorage) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for range ticker.C {
		rows, err := ls.CleanOldLogs(7)
		if err != nil {
			logger.Warn("⚠️ 清理日志失败: %v", err)
			continue
		}
		logger.Info("🧹 已清理 %d 条过期日志", rows)
	}
}
