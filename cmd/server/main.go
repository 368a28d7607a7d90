package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mailbroker/internal/config"
	"mailbroker/internal/handler"
	"mailbroker/internal/infrastructure/cache"
	"mailbroker/internal/infrastructure/database"
	"mailbroker/internal/infrastructure/mq"
	"mailbroker/internal/job"
	"mailbroker/internal/notify"
	"mailbroker/internal/repository"
	"mailbroker/internal/service"
	"mailbroker/internal/upstream"
	"mailbroker/pkg/idgen"
)

func main() {
	// 加载配置
	cfg := config.LoadConfig("config/config.yaml")

	// 初始化 ID 生成器
	idgen.Init(1)

	// 初始化 MySQL
	db := database.InitMySQL(&cfg.MySQL)

	// 初始化 Redis
	redisClient := cache.InitRedis(&cfg.Redis)

	// 初始化 Kafka
	mq.InitKafka(&cfg.Kafka)
	defer mq.CloseKafka()

	// 加载上游适配器
	registry := upstream.NewRegistry(repository.NewUpstreamRepository(db))
	if err := registry.Refresh(context.Background()); err != nil {
		log.Printf("加载上游源失败（服务继续启动，可稍后刷新）: %v", err)
	}

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台任务
	walletService := service.NewWalletService(db)
	notifier := notify.NewOutboxNotifier(repository.NewOutboxRepository(db), cfg.Kafka.Topic.Notification)

	outboxSender := job.NewOutboxSender(db, cfg)
	go outboxSender.Start(ctx)

	taskExpireJob := job.NewTaskExpireJob(db, notifier)
	go taskExpireJob.Start(ctx)

	staleFreezeJob := job.NewStaleFreezeJob(db, walletService)
	go staleFreezeJob.Start(ctx)

	// 设置路由
	router := handler.SetupRouter(db, redisClient, registry, cfg)

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("服务启动，监听端口: %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("服务启动失败: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("正在关闭服务...")

	// 取消上下文，停止后台任务
	cancel()

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("服务关闭异常: %v", err)
	}

	log.Println("服务已关闭")
}
