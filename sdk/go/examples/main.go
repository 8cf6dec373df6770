package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdk "github.com/rainbowforest/api-gateway/sdk/go"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("创建日志记录器失败: %v", err)
	}
	defer logger.Sync()

	// 配置SDK客户端，ServerAddr指向网关管理端口
	config := &sdk.Config{
		ServerAddr:        "localhost:8901",
		ServiceName:       "product-catalog-service",
		ServiceIP:         "127.0.0.1",
		ServicePort:       8810,
		Metadata:          map[string]string{"version": "1.0.0"},
		HeartbeatInterval: 10 * time.Second,
		Timeout:           5 * time.Second,
		Logger:            logger,
	}

	client, err := sdk.NewClient(config)
	if err != nil {
		logger.Fatal("创建SDK客户端失败", zap.Error(err))
	}

	ctx := context.Background()
	if err := client.Register(ctx); err != nil {
		logger.Fatal("服务注册失败", zap.Error(err))
	}
	logger.Info("服务注册成功", zap.String("id", client.GetInstanceID()))

	client.StartHeartbeat()
	logger.Info("心跳任务已启动", zap.Duration("interval", config.HeartbeatInterval))

	// 等待终止信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("正在关闭服务...")
	if err := client.Close(ctx); err != nil {
		logger.Error("关闭SDK客户端失败", zap.Error(err))
	}
}
