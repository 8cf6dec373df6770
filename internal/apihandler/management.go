package apihandler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// registerManagementRoutes 注册管理API路由
func (h *EchoHandler) registerManagementRoutes() {
	h.managementServer.Use(h.cors())

	// 健康检查端点
	h.managementServer.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":    "ok",
			"timestamp": timestamp(),
			"service":   "api-gateway-management",
		})
	})

	// Prometheus指标
	h.managementServer.GET("/metrics", echo.WrapHandler(h.metrics.Handler()))

	// 路由表与注册中心快照
	h.managementServer.GET("/admin/routes", h.getRoutesHandler)
	h.managementServer.GET("/admin/services", h.getAllServicesHandler)
	h.managementServer.GET("/admin/services/:serviceName", h.getServiceInstancesHandler)
	h.managementServer.POST("/admin/registry/refresh", h.refreshRegistryHandler)

	// 只有可写注册中心才开放服务注册API
	if h.store != nil {
		h.registerRegistrationRoutes()
	}
}

// RouteResponse 单条路由规则
type RouteResponse struct {
	Prefix      string `json:"prefix"`       // 路径前缀
	Service     string `json:"service"`      // 目标服务
	StripPrefix bool   `json:"strip_prefix"` // 是否去掉前缀
}

// RouteListResponse 定义路由列表响应结构
type RouteListResponse struct {
	Success   bool            `json:"success"`   // 是否成功
	Routes    []RouteResponse `json:"routes"`    // 按匹配优先级排列的路由
	Count     int             `json:"count"`     // 路由数量
	Timestamp string          `json:"timestamp"` // 时间戳
}

// ServiceListResponse 定义服务列表响应结构
type ServiceListResponse struct {
	Success   bool     `json:"success"`           // 是否成功
	Services  []string `json:"services"`          // 服务名称列表
	Revision  uint64   `json:"revision"`          // 快照版本
	Message   string   `json:"message,omitempty"` // 可选消息
	Count     int      `json:"count"`             // 服务数量
	Timestamp string   `json:"timestamp"`         // 时间戳
}

// ServiceInstanceResponse 表示单个服务实例的响应
type ServiceInstanceResponse struct {
	ServiceName         string            `json:"service_name"`         // 服务名称
	InstanceID          string            `json:"instance_id"`          // 实例ID
	Address             string            `json:"address"`              // host:port
	Status              string            `json:"status"`               // 健康状态
	ConsecutiveFailures int               `json:"consecutive_failures"` // 连续失败次数
	LastSeen            string            `json:"last_seen,omitempty"`  // 最后一次确认存活的时间
	Metadata            map[string]string `json:"metadata,omitempty"`   // 可选元数据
}

// ServiceInstancesResponse 定义服务实例列表响应结构
type ServiceInstancesResponse struct {
	Success     bool                      `json:"success"`           // 是否成功
	ServiceName string                    `json:"service_name"`      // 服务名称
	Instances   []ServiceInstanceResponse `json:"instances"`         // 服务实例列表
	Count       int                       `json:"count"`             // 实例数量
	Message     string                    `json:"message,omitempty"` // 可选消息
	Timestamp   string                    `json:"timestamp"`         // 时间戳
}

// RefreshResponse 定义手动刷新响应结构
type RefreshResponse struct {
	Success   bool   `json:"success"`           // 是否成功
	Revision  uint64 `json:"revision"`          // 当前快照版本
	Instances int    `json:"instances"`         // 当前快照实例数
	Message   string `json:"message,omitempty"` // 可选消息
	Timestamp string `json:"timestamp"`         // 时间戳
}

// getRoutesHandler 返回路由表
func (h *EchoHandler) getRoutesHandler(c echo.Context) error {
	rules := h.router.Rules()
	routes := make([]RouteResponse, 0, len(rules))
	for _, rule := range rules {
		routes = append(routes, RouteResponse{
			Prefix:      rule.Prefix,
			Service:     rule.Service,
			StripPrefix: rule.StripPrefix,
		})
	}

	return c.JSON(http.StatusOK, &RouteListResponse{
		Success:   true,
		Routes:    routes,
		Count:     len(routes),
		Timestamp: timestamp(),
	})
}

// getAllServicesHandler 返回当前快照中的服务列表
func (h *EchoHandler) getAllServicesHandler(c echo.Context) error {
	snap := h.registry.CurrentSnapshot()
	services := snap.Services()

	return c.JSON(http.StatusOK, &ServiceListResponse{
		Success:   true,
		Services:  services,
		Revision:  snap.Revision,
		Count:     len(services),
		Timestamp: timestamp(),
	})
}

// getServiceInstancesHandler 返回服务的实例及其健康状态
func (h *EchoHandler) getServiceInstancesHandler(c echo.Context) error {
	serviceName := c.Param("serviceName")

	instances := h.registry.CurrentSnapshot().Instances(serviceName)
	if len(instances) == 0 {
		h.logger.Debug("快照中没有该服务的实例", zap.String("service", serviceName))
		return c.JSON(http.StatusNotFound, &ServiceInstancesResponse{
			Success:     false,
			ServiceName: serviceName,
			Instances:   []ServiceInstanceResponse{},
			Message:     "未找到服务实例",
			Timestamp:   timestamp(),
		})
	}

	result := make([]ServiceInstanceResponse, 0, len(instances))
	for _, inst := range instances {
		health := inst.Health()
		item := ServiceInstanceResponse{
			ServiceName:         inst.ServiceName,
			InstanceID:          inst.ID,
			Address:             inst.Address,
			Status:              health.State.String(),
			ConsecutiveFailures: health.ConsecutiveFailures,
			Metadata:            inst.Metadata,
		}
		if !health.LastSeen.IsZero() {
			item.LastSeen = health.LastSeen.Format(time.RFC3339)
		}
		result = append(result, item)
	}

	return c.JSON(http.StatusOK, &ServiceInstancesResponse{
		Success:     true,
		ServiceName: serviceName,
		Instances:   result,
		Count:       len(result),
		Timestamp:   timestamp(),
	})
}

// refreshRegistryHandler 立即刷新注册中心快照
// 刷新失败时旧快照继续生效
func (h *EchoHandler) refreshRegistryHandler(c echo.Context) error {
	snap, err := h.registry.Refresh(c.Request().Context())
	if err != nil {
		h.logger.Warn("手动刷新注册中心失败", zap.Error(err))
		return c.JSON(http.StatusBadGateway, &RefreshResponse{
			Success:   false,
			Revision:  snap.Revision,
			Instances: snap.Len(),
			Message:   "刷新失败，继续使用旧快照: " + err.Error(),
			Timestamp: timestamp(),
		})
	}

	h.logger.Info("手动刷新注册中心成功",
		zap.Uint64("revision", snap.Revision),
		zap.Int("instances", snap.Len()))
	return c.JSON(http.StatusOK, &RefreshResponse{
		Success:   true,
		Revision:  snap.Revision,
		Instances: snap.Len(),
		Message:   "刷新成功",
		Timestamp: timestamp(),
	})
}
