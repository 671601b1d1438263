package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"gorm.io/gorm"

	"github.com/apk-analysis/apk-rebuild-go/internal/api"
	"github.com/apk-analysis/apk-rebuild-go/internal/config"
	"github.com/apk-analysis/apk-rebuild-go/internal/middleware"
	"github.com/apk-analysis/apk-rebuild-go/internal/queue"
	"github.com/apk-analysis/apk-rebuild-go/internal/repository"
	"github.com/apk-analysis/apk-rebuild-go/internal/retry"
	"github.com/apk-analysis/apk-rebuild-go/internal/service"
	"github.com/apk-analysis/apk-rebuild-go/internal/watcher"
	"github.com/apk-analysis/apk-rebuild-go/internal/worker"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	// 1. 打印版本信息
	fmt.Printf("APK Rebuild Service\n")
	fmt.Printf("Version: %s\n", Version)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n\n", GitCommit)

	// 2. 加载配置
	configPath := pflag.String("config", "./configs/config.yaml", "配置文件路径")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 3. 初始化日志
	logger := config.InitLogger(&cfg.Log)
	logger.Infof("Starting APK Rebuild Service %s", Version)
	logger.Infof("Config loaded from: %s", *configPath)

	// 4. 初始化数据库
	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		logger.Fatalf("Failed to init database: %v", err)
	}
	logger.Info("Database connected successfully")
	// 最后关闭：worker 退出前仍要写入运行结果
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}()

	runRepo := repository.NewRunRepository(db, logger)

	// 清理因服务重启而中断的记录
	if n, err := runRepo.FailInterrupted(context.Background(), "interrupted by service restart"); err != nil {
		logger.WithError(err).Warn("Failed to cleanup interrupted runs")
	} else if n > 0 {
		logger.WithField("count", n).Warn("Marked interrupted runs as failed")
	}

	// 5. 签名身份与流水线
	identity, err := service.LoadIdentity(&cfg.Signing, logger)
	if err != nil {
		logger.Fatalf("Failed to load signing identity: %v", err)
	}
	controller, err := service.NewController(cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to create pipeline controller: %v", err)
	}

	// 6. 监控
	promMetrics := middleware.NewPrometheusMetrics(logger, "", nil)
	controller.SetObserver(promMetrics)

	memMonitor := middleware.NewMemoryMonitor(logger, 30*time.Second)
	memMonitor.OnSample(promMetrics.UpdateMemoryStats)
	memMonitor.Start()
	defer memMonitor.Stop()

	// 7. 服务层
	rebuildService := service.NewRebuildService(cfg, runRepo, controller, identity, logger)
	rebuildService.SetRecorder(promMetrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 8. Worker Pool
	workerPool := worker.NewPool(cfg.Worker.Concurrency, cfg.Worker.QueueSize, rebuildService.HandleTask, logger)
	workerPool.Start(ctx)
	defer workerPool.Stop()

	checks := map[string]api.HealthCheck{
		"database": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}

	// 9. RabbitMQ（可选）
	var mq *queue.RabbitMQ
	if cfg.RabbitMQ.Enabled {
		// broker 可能比服务启动得晚
		mq, err = retry.DoWithResult(ctx, retry.DefaultConfig("connect rabbitmq", logger),
			func(context.Context) (*queue.RabbitMQ, error) {
				return queue.NewRabbitMQ(&cfg.RabbitMQ, cfg.Worker.Concurrency, logger)
			})
		if err != nil {
			logger.Fatalf("Failed to connect RabbitMQ: %v", err)
		}
		defer mq.Close()
		logger.Info("RabbitMQ connected successfully")

		rebuildService.SetDispatcher(service.NewQueueDispatcher(queue.NewProducer(mq, logger)))

		consumer := queue.NewConsumer(mq, rebuildService.HandleMessage, cfg.Worker.Concurrency, logger)
		if err := consumer.Start(ctx); err != nil {
			logger.Fatalf("Failed to start consumer: %v", err)
		}
		defer consumer.Stop()
		logger.Infof("Consumer started with %d workers", cfg.Worker.Concurrency)

		checks["rabbitmq"] = func(context.Context) error {
			if !mq.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		}
	} else {
		rebuildService.SetDispatcher(service.NewPoolDispatcher(workerPool))
		logger.Info("RabbitMQ disabled, dispatching to local worker pool")
	}

	// 10. 收件箱目录监听（可选）
	if cfg.Watcher.Enabled {
		inbox, err := watcher.NewInbox(cfg.Watcher.InboxDir, watcher.Options{
			Pattern:      cfg.Watcher.Pattern,
			Settle:       cfg.Watcher.Settle,
			ScanExisting: true,
		}, rebuildService.HandleInboxFile, logger)
		if err != nil {
			logger.Fatalf("Failed to create inbox watcher: %v", err)
		}
		if err := inbox.Start(ctx); err != nil {
			logger.Fatalf("Failed to start inbox watcher: %v", err)
		}
		defer inbox.Stop()
		logger.Infof("Inbox watcher started for directory: %s", inbox.Dir())
	}

	go runStatsUpdater(ctx, promMetrics, workerPool, mq, db, logger)

	// 11. 设置 HTTP Server
	router := api.SetupRouter(cfg, logger, api.Dependencies{
		Service: rebuildService,
		Metrics: promMetrics,
		Checks:  checks,
	})
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Minute, // 大文件上传
		WriteTimeout: cfg.Pipeline.Timeout + 5*time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Infof("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()

	// 12. 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("HTTP server shutdown error: %v", err)
	}
	cancel()

	logger.Info("Server stopped")
}

// runStatsUpdater 定期刷新队列与连接池指标
func runStatsUpdater(ctx context.Context, pm *middleware.PrometheusMetrics, pool *worker.Pool,
	mq *queue.RabbitMQ, db *gorm.DB, logger *logrus.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth := 0
			if mq != nil {
				d, err := mq.QueueDepth()
				if err != nil {
					logger.WithError(err).Debug("Failed to inspect queue depth")
				} else {
					depth = d
				}
			}
			pm.UpdateQueueStats(pool.GetQueueSize(), depth)

			if sqlDB, err := db.DB(); err == nil {
				st := sqlDB.Stats()
				pm.UpdateDBStats(st.OpenConnections, st.Idle, st.InUse)
			}
		}
	}
}
