package model

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// InstanceRecord 注册中心中保存的实例记录
type InstanceRecord struct {
	ServiceName   string            `json:"service_name"`       // 服务名称
	InstanceID    string            `json:"instance_id"`        // 实例ID（UUID）
	IPAddress     string            `json:"ip_address"`         // IP地址
	Port          int               `json:"port"`               // 端口
	Metadata      map[string]string `json:"metadata,omitempty"` // 可选元数据（版本、区域等）
	TTL           int               `json:"ttl"`                // 租约TTL（秒）
	LastHeartbeat string            `json:"last_heartbeat"`     // 最后心跳时间，RFC3339
}

// Address 返回 host:port 形式的地址
func (r *InstanceRecord) Address() string {
	return net.JoinHostPort(r.IPAddress, strconv.Itoa(r.Port))
}

// HeartbeatTime 解析最后心跳时间，无法解析时返回零值
func (r *InstanceRecord) HeartbeatTime() time.Time {
	if r.LastHeartbeat == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, r.LastHeartbeat)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Validate 校验记录必填字段
func (r *InstanceRecord) Validate() error {
	if r.ServiceName == "" {
		return fmt.Errorf("服务名称不能为空")
	}
	if r.InstanceID == "" {
		return fmt.Errorf("实例ID不能为空")
	}
	if r.IPAddress == "" {
		return fmt.Errorf("IP地址不能为空")
	}
	if r.Port <= 0 || r.Port > 65535 {
		return fmt.Errorf("端口无效: %d", r.Port)
	}
	return nil
}

// ParseAddress 将 host:port 解析为IP和端口
func ParseAddress(address string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0, fmt.Errorf("地址格式无效 %q: %w", address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("端口无效: %s", portStr)
	}
	return host, port, nil
}
