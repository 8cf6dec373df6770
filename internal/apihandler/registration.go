package apihandler

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rainbowforest/api-gateway/internal/model"
	"github.com/rainbowforest/api-gateway/internal/registry"
	"go.uber.org/zap"
)

// registerRegistrationRoutes 注册服务注册API路由
func (h *EchoHandler) registerRegistrationRoutes() {
	// 服务注册端点
	h.managementServer.POST("/services/register", h.registerServiceHandler)

	// 服务注销端点
	h.managementServer.DELETE("/services/:serviceName/:instanceId", h.deregisterServiceHandler)

	// 服务心跳端点
	h.managementServer.PUT("/services/heartbeat/:serviceName/:instanceId", h.heartbeatServiceHandler)
}

// ServiceRegistrationRequest 定义服务注册请求结构
type ServiceRegistrationRequest struct {
	ServiceName string            `json:"service_name"`          // 服务名称
	InstanceID  string            `json:"instance_id,omitempty"` // 实例ID，为空时由网关生成
	IPAddress   string            `json:"ip_address"`            // IP地址
	Port        int               `json:"port"`                  // 端口
	TTL         int               `json:"ttl,omitempty"`         // 租约TTL（秒）
	Metadata    map[string]string `json:"metadata,omitempty"`    // 可选元数据
}

// ServiceRegistrationResponse 定义服务注册响应结构
type ServiceRegistrationResponse struct {
	Success     bool   `json:"success"`           // 是否成功
	ServiceName string `json:"service_name"`      // 服务名称
	InstanceID  string `json:"instance_id"`       // 实例ID
	Message     string `json:"message,omitempty"` // 可选消息
	Timestamp   string `json:"timestamp"`         // 时间戳
}

// ServiceDeregistrationResponse 定义服务注销响应结构
type ServiceDeregistrationResponse = ServiceRegistrationResponse

// ServiceHeartbeatRequest 定义服务心跳请求结构
type ServiceHeartbeatRequest struct {
	TTL int `json:"ttl,omitempty"` // 可选的新TTL值
}

// ServiceHeartbeatResponse 定义服务心跳响应结构
type ServiceHeartbeatResponse = ServiceRegistrationResponse

// registerServiceHandler 处理服务注册请求
func (h *EchoHandler) registerServiceHandler(c echo.Context) error {
	// 解析请求
	req := new(ServiceRegistrationRequest)
	if err := c.Bind(req); err != nil {
		h.logger.Error("解析服务注册请求失败", zap.Error(err))
		return c.JSON(http.StatusBadRequest, &ServiceRegistrationResponse{
			Success:   false,
			Message:   "请求格式错误: " + err.Error(),
			Timestamp: timestamp(),
		})
	}

	// 验证请求
	if req.ServiceName == "" || req.IPAddress == "" || req.Port <= 0 {
		h.logger.Warn("服务注册请求参数无效",
			zap.String("service", req.ServiceName),
			zap.String("id", req.InstanceID))
		return c.JSON(http.StatusBadRequest, &ServiceRegistrationResponse{
			Success:     false,
			ServiceName: req.ServiceName,
			InstanceID:  req.InstanceID,
			Message:     "请求参数无效：服务名、IP地址和端口都是必需的",
			Timestamp:   timestamp(),
		})
	}

	if req.InstanceID == "" {
		req.InstanceID = uuid.NewString()
	}

	record := &model.InstanceRecord{
		ServiceName: req.ServiceName,
		InstanceID:  req.InstanceID,
		IPAddress:   req.IPAddress,
		Port:        req.Port,
		Metadata:    req.Metadata,
		TTL:         req.TTL,
	}

	if err := h.store.Register(c.Request().Context(), record); err != nil {
		h.logger.Error("注册服务实例失败",
			zap.String("service", req.ServiceName),
			zap.String("id", req.InstanceID),
			zap.Error(err))
		return c.JSON(storageStatus(err), &ServiceRegistrationResponse{
			Success:     false,
			ServiceName: req.ServiceName,
			InstanceID:  req.InstanceID,
			Message:     "注册服务失败: " + err.Error(),
			Timestamp:   timestamp(),
		})
	}

	h.logger.Info("服务注册成功",
		zap.String("service", req.ServiceName),
		zap.String("id", req.InstanceID),
		zap.String("address", record.Address()))
	return c.JSON(http.StatusOK, &ServiceRegistrationResponse{
		Success:     true,
		ServiceName: req.ServiceName,
		InstanceID:  req.InstanceID,
		Message:     "服务注册成功",
		Timestamp:   timestamp(),
	})
}

// deregisterServiceHandler 处理服务注销请求
func (h *EchoHandler) deregisterServiceHandler(c echo.Context) error {
	serviceName := c.Param("serviceName")
	instanceID := c.Param("instanceId")

	if err := h.store.Deregister(c.Request().Context(), serviceName, instanceID); err != nil {
		h.logger.Error("注销服务实例失败",
			zap.String("service", serviceName),
			zap.String("id", instanceID),
			zap.Error(err))
		return c.JSON(storageStatus(err), &ServiceDeregistrationResponse{
			Success:     false,
			ServiceName: serviceName,
			InstanceID:  instanceID,
			Message:     "注销服务失败: " + err.Error(),
			Timestamp:   timestamp(),
		})
	}

	h.logger.Info("服务注销成功",
		zap.String("service", serviceName),
		zap.String("id", instanceID))
	return c.JSON(http.StatusOK, &ServiceDeregistrationResponse{
		Success:     true,
		ServiceName: serviceName,
		InstanceID:  instanceID,
		Message:     "服务注销成功",
		Timestamp:   timestamp(),
	})
}

// heartbeatServiceHandler 处理服务心跳请求
func (h *EchoHandler) heartbeatServiceHandler(c echo.Context) error {
	serviceName := c.Param("serviceName")
	instanceID := c.Param("instanceId")

	// 请求体可选，只用来更新TTL
	var req ServiceHeartbeatRequest
	var ttl int
	if err := c.Bind(&req); err == nil && req.TTL > 0 {
		ttl = req.TTL
	}

	if err := h.store.Heartbeat(c.Request().Context(), serviceName, instanceID, ttl); err != nil {
		h.logger.Warn("刷新服务实例心跳失败",
			zap.String("service", serviceName),
			zap.String("id", instanceID),
			zap.Error(err))
		return c.JSON(storageStatus(err), &ServiceHeartbeatResponse{
			Success:     false,
			ServiceName: serviceName,
			InstanceID:  instanceID,
			Message:     "刷新服务心跳失败: " + err.Error(),
			Timestamp:   timestamp(),
		})
	}

	h.logger.Debug("服务心跳成功",
		zap.String("service", serviceName),
		zap.String("id", instanceID))
	return c.JSON(http.StatusOK, &ServiceHeartbeatResponse{
		Success:     true,
		ServiceName: serviceName,
		InstanceID:  instanceID,
		Message:     "服务心跳刷新成功",
		Timestamp:   timestamp(),
	})
}

// storageStatus 将存储错误码转换为HTTP状态码
func storageStatus(err error) int {
	switch registry.ErrorCode(err) {
	case registry.ErrNotFound:
		return http.StatusNotFound
	case registry.ErrInvalidArgument:
		return http.StatusBadRequest
	case registry.ErrAlreadyExists:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
