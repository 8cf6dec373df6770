package sdk

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// RegisterRequest 服务注册请求
type RegisterRequest struct {
	ServiceName string            `json:"service_name"`
	InstanceID  string            `json:"instance_id,omitempty"`
	IPAddress   string            `json:"ip_address"`
	Port        int               `json:"port"`
	TTL         int               `json:"ttl,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// HeartbeatRequest 心跳请求
type HeartbeatRequest struct {
	TTL int `json:"ttl,omitempty"`
}

// Register 注册服务
func (c *Client) Register(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isRegistered {
		return fmt.Errorf("服务已注册，实例ID: %s", c.instanceID)
	}
	return c.register(ctx)
}

// register 调用方需持有c.mu
func (c *Client) register(ctx context.Context) error {
	instanceID := c.instanceID
	if instanceID == "" {
		instanceID = c.config.InstanceID
	}

	req := RegisterRequest{
		ServiceName: c.config.ServiceName,
		InstanceID:  instanceID,
		IPAddress:   c.config.ServiceIP,
		Port:        c.config.ServicePort,
		TTL:         c.ttl(),
		Metadata:    c.config.Metadata,
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/services/register", req)
	if err != nil {
		return fmt.Errorf("服务注册失败: %w", err)
	}
	if resp.InstanceID == "" {
		return fmt.Errorf("服务注册失败: 响应中缺少实例ID")
	}

	c.instanceID = resp.InstanceID
	c.isRegistered = true
	return nil
}

// Deregister 注销服务
func (c *Client) Deregister(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isRegistered {
		return fmt.Errorf("服务尚未注册")
	}

	_, err := c.doRequest(ctx, http.MethodDelete, c.instancePath("/services/"), nil)
	if err != nil && !IsNotFound(err) {
		return fmt.Errorf("服务注销失败: %w", err)
	}

	c.isRegistered = false
	return nil
}

// GetInstanceID 获取实例ID
func (c *Client) GetInstanceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instanceID
}

// IsRegistered 检查服务是否已注册
func (c *Client) IsRegistered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isRegistered
}

// ttl TTL设置为心跳间隔的3倍
func (c *Client) ttl() int {
	ttl := int(c.config.HeartbeatInterval.Seconds()) * 3
	if ttl < 1 {
		ttl = 1
	}
	return ttl
}

func (c *Client) instancePath(base string) string {
	return base + url.PathEscape(c.config.ServiceName) + "/" + url.PathEscape(c.instanceID)
}
