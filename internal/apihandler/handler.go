package apihandler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rainbowforest/api-gateway/internal/config"
	"github.com/rainbowforest/api-gateway/internal/forwarder"
	"github.com/rainbowforest/api-gateway/internal/metrics"
	"github.com/rainbowforest/api-gateway/internal/model"
	"github.com/rainbowforest/api-gateway/internal/registry"
	"github.com/rainbowforest/api-gateway/internal/router"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Handler 定义API处理器接口
type Handler interface {
	// StartGateway 启动网关入口服务
	StartGateway() error

	// StartManagementAPI 启动管理API服务
	StartManagementAPI() error

	// Shutdown 优雅关闭API服务
	Shutdown(ctx context.Context) error
}

// RouteResolver 将请求路径解析为目标实例
type RouteResolver interface {
	Resolve(path string) (router.Target, error)
	Rules() []model.RouteRule
}

// RequestForwarder 将请求转发到目标实例
type RequestForwarder interface {
	Forward(ctx context.Context, target router.Target, req *http.Request) (*http.Response, error)
}

// RegistryView 管理API所需的注册中心视图
type RegistryView interface {
	CurrentSnapshot() *registry.Snapshot
	Refresh(ctx context.Context) (*registry.Snapshot, error)
}

// Dependencies 处理器依赖的组件
type Dependencies struct {
	Router    RouteResolver
	Forwarder RequestForwarder
	Registry  RegistryView
	// Store 可写注册中心，为nil时不开放注册API
	Store   registry.Store
	Metrics *metrics.Metrics
}

// EchoHandler 实现Handler接口
type EchoHandler struct {
	gatewayServer    *echo.Echo
	managementServer *echo.Echo
	cfg              *config.Config
	logger           config.Logger
	router           RouteResolver
	forwarder        RequestForwarder
	registry         RegistryView
	store            registry.Store
	metrics          *metrics.Metrics
	limiter          *rate.Limiter
}

// NewAPIHandler 创建一个新的API处理器
func NewAPIHandler(cfg *config.Config, logger config.Logger, deps Dependencies) *EchoHandler {
	h := &EchoHandler{
		cfg:       cfg,
		logger:    logger,
		router:    deps.Router,
		forwarder: deps.Forwarder,
		registry:  deps.Registry,
		store:     deps.Store,
		metrics:   deps.Metrics,
	}
	if cfg.RateLimit.Enabled {
		h.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RPS), cfg.RateLimit.Burst)
	}
	return h
}

// StartGateway 启动网关入口服务
func (h *EchoHandler) StartGateway() error {
	h.logger.Info("启动网关服务",
		zap.String("address", h.cfg.Gateway.ListenAddress),
		zap.Int("port", h.cfg.Gateway.Port))

	h.gatewayServer = h.newServer()
	h.registerGatewayRoutes()

	// 启动服务（非阻塞）
	go func() {
		if err := h.gatewayServer.Start(h.cfg.Gateway.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("网关服务启动失败", zap.Error(err))
		}
	}()

	return nil
}

// StartManagementAPI 启动管理API服务
func (h *EchoHandler) StartManagementAPI() error {
	h.logger.Info("启动管理API服务",
		zap.String("address", h.cfg.Management.ListenAddress),
		zap.Int("port", h.cfg.Management.Port),
		zap.Bool("registration", h.store != nil))

	h.managementServer = h.newServer()
	h.registerManagementRoutes()

	// 启动服务（非阻塞）
	go func() {
		if err := h.managementServer.Start(h.cfg.Management.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("管理API服务启动失败", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown 优雅关闭API服务
func (h *EchoHandler) Shutdown(ctx context.Context) error {
	h.logger.Info("正在关闭API服务...")

	// 先关闭网关入口，停止接收新的代理请求
	if h.gatewayServer != nil {
		if err := h.gatewayServer.Shutdown(ctx); err != nil {
			h.logger.Error("关闭网关服务出错", zap.Error(err))
			return err
		}
	}

	if h.managementServer != nil {
		if err := h.managementServer.Shutdown(ctx); err != nil {
			h.logger.Error("关闭管理API服务出错", zap.Error(err))
			return err
		}
	}

	return nil
}

// newServer 创建带通用中间件的Echo实例
func (h *EchoHandler) newServer() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(h.requestLogger())

	return e
}

// cors 网关自身端点使用的CORS中间件
// 代理路由不能挂载：上游的CORS响应头和预检请求必须原样透传
func (h *EchoHandler) cors() echo.MiddlewareFunc {
	return middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodDelete, http.MethodPatch, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	})
}

// requestLogger 将访问日志写入zap
func (h *EchoHandler) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("remote_ip", v.RemoteIP),
			}
			if rid := c.Request().Header.Get(forwarder.HeaderRequestID); rid != "" {
				fields = append(fields, zap.String("request_id", rid))
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
				h.logger.Warn("请求处理出错", fields...)
				return nil
			}
			h.logger.Debug("请求完成", fields...)
			return nil
		},
	})
}

// rateLimit 全局令牌桶限流，超出时返回429
func (h *EchoHandler) rateLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if h.limiter != nil && !h.limiter.Allow() {
			h.metrics.IncRateLimited()
			return writeError(c, http.StatusTooManyRequests, CodeRateLimited, "请求过于频繁，请稍后重试")
		}
		return next(c)
	}
}

// timestamp 响应中使用的时间戳
func timestamp() string {
	return time.Now().Format(time.RFC3339)
}
