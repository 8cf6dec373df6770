package apihandler

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rainbowforest/api-gateway/internal/forwarder"
	"github.com/rainbowforest/api-gateway/internal/router"
	"go.uber.org/zap"
)

// 网关错误码，客户端据此区分失败原因
const (
	CodeNoRouteFound        = "NO_ROUTE_FOUND"
	CodeNoHealthyInstance   = "NO_HEALTHY_INSTANCE"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeRateLimited         = "RATE_LIMITED"
	CodeRequestTooLarge     = "REQUEST_TOO_LARGE"
)

// unmatchedService 未命中路由时指标中使用的服务名
const unmatchedService = "unmatched"

// ErrorResponse 网关错误响应
type ErrorResponse struct {
	Code    int    `json:"code"`    // HTTP状态码
	Error   string `json:"error"`   // 错误码
	Message string `json:"message"` // 错误描述
}

// WelcomeResponse 网关欢迎信息
type WelcomeResponse struct {
	Message            string            `json:"message"`
	Status             string            `json:"status"`
	Version            string            `json:"version"`
	AvailableEndpoints map[string]string `json:"available_endpoints"`
	UsageInfo          map[string]string `json:"usage_info"`
}

var welcome = WelcomeResponse{
	Message: "Welcome to RainbowForest E-commerce Microservices Platform",
	Status:  "API Gateway is running",
	Version: "1.0.0",
	AvailableEndpoints: map[string]string{
		"User Management":         "/api/accounts/users",
		"User Registration":       "/api/accounts/registration",
		"Product Catalog":         "/api/catalog/products",
		"Add Product (Admin)":     "/api/catalog/admin/products",
		"Shopping Cart":           "/api/shop/cart",
		"Product Recommendations": "/api/review/recommendations",
		"Service Registry":        "/eureka",
	},
	UsageInfo: map[string]string{
		"note":           "All API endpoints require the /api prefix",
		"example":        "GET /api/catalog/products - Browse all products",
		"authentication": "Some endpoints require authentication (cart, orders)",
	},
}

// registerGatewayRoutes 注册网关路由
func (h *EchoHandler) registerGatewayRoutes() {
	h.gatewayServer.GET("/", h.welcomeHandler, h.cors())
	h.gatewayServer.GET("/health", h.healthHandler, h.cors())

	// 其余请求全部交给路由器和转发器
	h.gatewayServer.Any("/*", h.proxyHandler, h.rateLimit)
}

// welcomeHandler 返回网关欢迎信息
func (h *EchoHandler) welcomeHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, welcome)
}

// healthHandler 网关自身健康检查
func (h *EchoHandler) healthHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "UP",
		"service": "API Gateway",
	})
}

// proxyHandler 解析路由并转发请求，原样返回上游响应
func (h *EchoHandler) proxyHandler(c echo.Context) error {
	req := c.Request()

	target, err := h.router.Resolve(req.URL.Path)
	if err != nil {
		return h.routingFailed(c, target, err)
	}

	resp, err := h.forwarder.Forward(req.Context(), target, req)
	if err != nil {
		return h.routingFailed(c, target, err)
	}
	defer resp.Body.Close()

	forwarder.CopyHeader(c.Response().Header(), resp.Header)
	c.Response().WriteHeader(resp.StatusCode)
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Warn("复制上游响应体失败",
			zap.String("service", target.Rule.Service),
			zap.String("address", target.Instance.Address),
			zap.Error(err))
	}

	h.metrics.ObserveRequest(target.Rule.Service, resp.StatusCode)
	return nil
}

// routingFailed 将路由或转发错误转换为稳定的错误响应
func (h *EchoHandler) routingFailed(c echo.Context, target router.Target, err error) error {
	status, code := classifyError(err)

	service := target.Rule.Service
	if service == "" {
		service = unmatchedService
	}
	h.metrics.ObserveRequest(service, status)

	h.logger.Warn("网关请求失败",
		zap.String("method", c.Request().Method),
		zap.String("path", c.Request().URL.Path),
		zap.String("service", service),
		zap.String("code", code),
		zap.Error(err))

	return writeError(c, status, code, err.Error())
}

// classifyError 错误到HTTP状态码和错误码的映射
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, router.ErrNoRouteFound):
		return http.StatusNotFound, CodeNoRouteFound
	case errors.Is(err, router.ErrNoHealthyInstance):
		return http.StatusServiceUnavailable, CodeNoHealthyInstance
	case errors.Is(err, forwarder.ErrBodyTooLarge):
		return http.StatusRequestEntityTooLarge, CodeRequestTooLarge
	default:
		return http.StatusServiceUnavailable, CodeUpstreamUnavailable
	}
}

// writeError 写出错误响应
func writeError(c echo.Context, status int, code, message string) error {
	return c.JSON(status, &ErrorResponse{
		Code:    status,
		Error:   code,
		Message: message,
	})
}
