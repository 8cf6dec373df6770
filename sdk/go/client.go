package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// Config SDK客户端配置
type Config struct {
	// 网关管理API地址，如 localhost:8901
	ServerAddr string `json:"server_addr"`
	// 服务名称
	ServiceName string `json:"service_name"`
	// 实例ID，为空时由网关生成
	InstanceID string `json:"instance_id"`
	// 服务IP地址
	ServiceIP string `json:"service_ip"`
	// 服务端口
	ServicePort int `json:"service_port"`
	// 元数据
	Metadata map[string]string `json:"metadata"`
	// 心跳间隔
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	// 操作超时时间
	Timeout time.Duration `json:"timeout"`
	// 重试次数
	RetryCount int `json:"retry_count"`
	// 是否使用HTTPS
	Secure bool `json:"secure"`
	// 日志，为空时不输出
	Logger *zap.Logger `json:"-"`
}

// Client SDK客户端
type Client struct {
	config     *Config
	httpClient *http.Client
	logger     *zap.Logger

	mu           sync.Mutex
	instanceID   string
	isRegistered bool
	stopChan     chan struct{}
	done         chan struct{}
}

// Response 管理API的响应结构
type Response struct {
	Success     bool   `json:"success"`
	ServiceName string `json:"service_name"`
	InstanceID  string `json:"instance_id"`
	Message     string `json:"message,omitempty"`
	Timestamp   string `json:"timestamp"`
}

// APIError 管理API返回的非2xx响应
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API请求失败: %s (状态码: %d)", e.Message, e.StatusCode)
}

// NewClient 创建SDK客户端
func NewClient(config *Config) (*Client, error) {
	// 验证必填配置
	if config.ServerAddr == "" {
		return nil, fmt.Errorf("服务器地址不能为空")
	}
	if config.ServiceName == "" {
		return nil, fmt.Errorf("服务名称不能为空")
	}
	if config.ServiceIP == "" {
		return nil, fmt.Errorf("服务IP不能为空")
	}
	if config.ServicePort <= 0 {
		return nil, fmt.Errorf("服务端口必须大于0")
	}

	// 设置默认值
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = 10 * time.Second
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.RetryCount == 0 {
		config.RetryCount = 3
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger.With(zap.String("service", config.ServiceName)),
	}, nil
}

// 构建API地址
func (c *Client) buildURL(path string) string {
	protocol := "http"
	if c.config.Secure {
		protocol = "https"
	}
	return fmt.Sprintf("%s://%s%s", protocol, c.config.ServerAddr, path)
}

// doRequest 发送请求，传输错误和5xx按指数退避重试，4xx直接返回
func (c *Client) doRequest(ctx context.Context, method, path string, body any) (*Response, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("序列化请求体失败: %w", err)
		}
	}

	return backoff.Retry(ctx, func() (*Response, error) {
		resp, err := c.send(ctx, method, path, payload)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < http.StatusInternalServerError {
			return resp, backoff.Permanent(err)
		}
		return resp, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(c.config.RetryCount)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.logger.Warn("请求网关失败，稍后重试",
				zap.String("method", method),
				zap.String("path", path),
				zap.Duration("wait", wait),
				zap.Error(err))
		}),
	)
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte) (*Response, error) {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.buildURL(path), bodyReader)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("创建HTTP请求失败: %w", err))
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("发送HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	var apiResp Response
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
		}
		return nil, fmt.Errorf("解析响应失败: %w, 响应内容: %s", err, string(respBody))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &apiResp, &APIError{StatusCode: resp.StatusCode, Message: apiResp.Message}
	}
	return &apiResp, nil
}
