package sdk

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// SendHeartbeat 发送心跳
// 网关中的记录已过期时自动以同一实例ID重新注册
func (c *Client) SendHeartbeat(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isRegistered {
		return fmt.Errorf("服务尚未注册")
	}

	_, err := c.doRequest(ctx, http.MethodPut, c.instancePath("/services/heartbeat/"), HeartbeatRequest{TTL: c.ttl()})
	if err == nil {
		return nil
	}
	if !IsNotFound(err) {
		return fmt.Errorf("发送心跳失败: %w", err)
	}

	c.logger.Warn("实例记录已过期，重新注册", zap.String("id", c.instanceID))
	c.isRegistered = false
	return c.register(ctx)
}

// StartHeartbeat 开始心跳任务
func (c *Client) StartHeartbeat() {
	// 停止已有心跳任务
	c.StopHeartbeat()

	c.mu.Lock()
	stop := make(chan struct{})
	done := make(chan struct{})
	c.stopChan = stop
	c.done = done
	c.mu.Unlock()

	go func() {
		defer close(done)

		ticker := time.NewTicker(c.config.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
				if err := c.SendHeartbeat(ctx); err != nil {
					c.logger.Warn("心跳发送失败，将在下一个周期重试", zap.Error(err))
				}
				cancel()
			case <-stop:
				return
			}
		}
	}()
}

// StopHeartbeat 停止心跳任务并等待其退出
func (c *Client) StopHeartbeat() {
	c.mu.Lock()
	stop, done := c.stopChan, c.done
	c.stopChan, c.done = nil, nil
	c.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Close 关闭客户端
func (c *Client) Close(ctx context.Context) error {
	c.StopHeartbeat()

	if c.IsRegistered() {
		if err := c.Deregister(ctx); err != nil {
			return fmt.Errorf("注销服务失败: %w", err)
		}
	}
	return nil
}
