package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rainbowforest/api-gateway/internal/apihandler"
	"github.com/rainbowforest/api-gateway/internal/config"
	"github.com/rainbowforest/api-gateway/internal/dnssource"
	"github.com/rainbowforest/api-gateway/internal/etcdclient"
	"github.com/rainbowforest/api-gateway/internal/forwarder"
	"github.com/rainbowforest/api-gateway/internal/health"
	"github.com/rainbowforest/api-gateway/internal/metrics"
	"github.com/rainbowforest/api-gateway/internal/model"
	"github.com/rainbowforest/api-gateway/internal/redisstore"
	"github.com/rainbowforest/api-gateway/internal/registry"
	"github.com/rainbowforest/api-gateway/internal/router"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const version = "1.0.0"

var configFile string

func init() {
	// 解析命令行参数
	flag.StringVar(&configFile, "config", "", "配置文件路径")
}

func main() {
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger, err := config.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("网关异常退出", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger config.Logger) error {
	logger.Info("RainbowForest API Gateway Starting...",
		zap.String("version", version),
		zap.String("gateway_addr", cfg.Gateway.Addr()),
		zap.String("management_addr", cfg.Management.Addr()),
		zap.String("registry_source", cfg.Registry.Source),
		zap.Int("routes", len(cfg.Routes)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rules := routeRules(cfg.Routes)
	m := metrics.New()

	source, closer, err := newSource(ctx, cfg, rules, logger)
	if err != nil {
		return err
	}
	defer closer.Close()

	reg := registry.NewClient(cfg, source, logger, m)
	tracker := health.NewTracker(cfg.Health.FailureThreshold, logger, m)
	prober := health.NewProber(cfg, reg, tracker, logger)

	policy, err := router.NewPolicy(cfg.Forward.Policy)
	if err != nil {
		return err
	}
	rt, err := router.New(rules, reg, tracker, policy)
	if err != nil {
		return fmt.Errorf("路由表无效: %w", err)
	}

	fwd := forwarder.New(cfg, rt, tracker, logger, m)

	deps := apihandler.Dependencies{
		Router:    rt,
		Forwarder: fwd,
		Registry:  reg,
		Metrics:   m,
	}
	if store, ok := source.(registry.Store); ok {
		deps.Store = store
	}
	handler := apihandler.NewAPIHandler(cfg, logger, deps)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return reg.Start(gctx) })
	g.Go(func() error { return prober.Start(gctx) })
	if store, ok := source.(*registry.MemoryStore); ok {
		g.Go(func() error { return cleanupMemoryStore(gctx, store, cfg.Registry.RefreshInterval, logger) })
	}

	if err := handler.StartGateway(); err != nil {
		return fmt.Errorf("启动网关服务失败: %w", err)
	}
	if err := handler.StartManagementAPI(); err != nil {
		return fmt.Errorf("启动管理API失败: %w", err)
	}

	<-gctx.Done()
	logger.Info("接收到关闭信号，正在优雅关闭...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := handler.Shutdown(shutdownCtx); err != nil {
		logger.Error("关闭HTTP服务失败", zap.Error(err))
	}

	stop()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("网关已关闭")
	return nil
}

// newSource 根据配置创建注册中心数据源，返回的closer释放底层连接
func newSource(ctx context.Context, cfg *config.Config, rules []model.RouteRule, logger config.Logger) (registry.Source, io.Closer, error) {
	switch cfg.Registry.Source {
	case config.SourceEtcd:
		client := etcdclient.NewEtcdClient(cfg, logger)
		if err := client.Connect(); err != nil {
			return nil, nil, fmt.Errorf("连接etcd失败: %w", err)
		}

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx); err != nil {
			// 启动时etcd不可用不是致命错误，刷新会在后台继续重试
			logger.Warn("etcd健康检查失败", zap.Error(err))
		}

		if cfg.Registry.InstanceTTL > 0 {
			client.StartCleanupExpiredServices(ctx, cfg.Registry.RefreshInterval, cfg.Registry.InstanceTTL)
		}
		return client, client, nil

	case config.SourceRedis:
		rc, err := redisstore.NewClient(cfg)
		if err != nil {
			return nil, nil, err
		}
		store := redisstore.New(rc, cfg.Registry.Redis.Prefix, logger)
		if err := store.WaitAvailable(ctx); err != nil {
			logger.Warn("redis暂时不可用", zap.Error(err))
		}
		return store, store, nil

	case config.SourceDNS:
		services := make([]string, 0, len(rules))
		for _, r := range rules {
			services = append(services, r.Service)
		}
		return dnssource.New(cfg, services, logger), io.NopCloser(nil), nil

	case config.SourceStatic:
		source, err := registry.NewStaticSource(cfg.Registry.Static)
		if err != nil {
			return nil, nil, err
		}
		return source, io.NopCloser(nil), nil

	case config.SourceMemory:
		return registry.NewMemoryStore(), io.NopCloser(nil), nil

	default:
		return nil, nil, fmt.Errorf("未知的注册中心类型: %s", cfg.Registry.Source)
	}
}

// cleanupMemoryStore 定期删除心跳超时的内存实例
func cleanupMemoryStore(ctx context.Context, store *registry.MemoryStore, interval time.Duration, logger config.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := store.CleanupStale(); n > 0 {
				logger.Info("清理心跳超时的实例", zap.Int("count", n))
			}
		}
	}
}

func routeRules(routes []config.RouteConfig) []model.RouteRule {
	rules := make([]model.RouteRule, len(routes))
	for i, r := range routes {
		rules[i] = model.RouteRule{Prefix: r.Prefix, Service: r.Service, StripPrefix: r.StripPrefix}
	}
	return rules
}
