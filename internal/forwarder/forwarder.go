package forwarder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rainbowforest/api-gateway/internal/config"
	"github.com/rainbowforest/api-gateway/internal/metrics"
	"github.com/rainbowforest/api-gateway/internal/model"
	"github.com/rainbowforest/api-gateway/internal/router"
	"go.uber.org/zap"
)

var (
	// ErrTimeout 单次上游调用超时
	ErrTimeout = errors.New("上游请求超时")
	// ErrConnectionFailed 连接上游失败
	ErrConnectionFailed = errors.New("连接上游失败")
	// ErrUnavailable 重试用尽后上游仍不可用
	ErrUnavailable = errors.New("上游服务不可用")
	// ErrBodyTooLarge 请求体超过缓冲上限
	ErrBodyTooLarge = errors.New("请求体过大")
)

// DefaultTimeout 未配置超时时使用的单次调用超时
const DefaultTimeout = 5 * time.Second

// Resolver 为重试选择新的实例
type Resolver interface {
	Next(rule model.RouteRule, exclude map[string]struct{}) (*model.Instance, error)
}

// OutcomeRecorder 接收每次上游调用的结果
type OutcomeRecorder interface {
	RecordOutcome(inst *model.Instance, success bool) model.HealthState
}

// Forwarder 将请求代理到实例，负责超时与重试
type Forwarder struct {
	resolver   Resolver
	health     OutcomeRecorder
	transport  http.RoundTripper
	logger     config.Logger
	metrics    *metrics.Metrics
	timeout    time.Duration
	retries    int
	idempotent map[string]bool
	maxBody    int64
}

// New 创建转发器
func New(cfg *config.Config, resolver Resolver, health OutcomeRecorder, logger config.Logger, m *metrics.Metrics) *Forwarder {
	timeout := cfg.Forward.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	idempotent := make(map[string]bool, len(cfg.Forward.IdempotentMethods))
	for _, method := range cfg.Forward.IdempotentMethods {
		idempotent[strings.ToUpper(method)] = true
	}

	return &Forwarder{
		resolver:   resolver,
		health:     health,
		transport:  newTransport(timeout),
		logger:     logger,
		metrics:    m,
		timeout:    timeout,
		retries:    max(cfg.Forward.Retries, 0),
		idempotent: idempotent,
		maxBody:    cfg.Forward.MaxBodyBytes,
	}
}

func newTransport(timeout time.Duration) *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          512,
		MaxIdleConnsPerHost:   64,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: time.Second,
	}
}

// Retryable 方法是否允许在失败后重试
func (f *Forwarder) Retryable(method string) bool {
	return f.idempotent[method]
}

// Forward 将请求转发到target.Instance
// 超时或连接失败时，幂等请求在其他健康实例上重试，最多retries次
// 每次尝试的结果都会上报给健康跟踪器；客户端取消不计入
func (f *Forwarder) Forward(ctx context.Context, target router.Target, req *http.Request) (*http.Response, error) {
	body, err := f.bufferBody(req)
	if err != nil {
		return nil, err
	}

	header := cloneHeaderExcluding(req.Header)
	forwardedHeaders(header, req)

	retryable := f.Retryable(req.Method)
	tried := make(map[string]struct{}, f.retries+1)
	inst := target.Instance
	var lastErr error

	for attempt := 0; ; attempt++ {
		tried[inst.Key()] = struct{}{}

		resp, err := f.attempt(ctx, target.Rule, inst, req, header, body)
		if err == nil {
			f.health.RecordOutcome(inst, true)
			return resp, nil
		}

		if ctx.Err() != nil {
			f.logger.Debug("客户端取消请求，放弃转发",
				zap.String("service", inst.ServiceName),
				zap.String("address", inst.Address))
			return nil, ctx.Err()
		}

		f.health.RecordOutcome(inst, false)
		lastErr = err

		if !retryable {
			f.logger.Warn("非幂等请求转发失败，不重试",
				zap.String("method", req.Method),
				zap.String("service", inst.ServiceName),
				zap.String("address", inst.Address),
				zap.Error(err))
			break
		}
		if attempt >= f.retries {
			break
		}

		next, err := f.resolver.Next(target.Rule, tried)
		if err != nil {
			f.logger.Warn("没有可供重试的其他实例",
				zap.String("service", target.Rule.Service),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			break
		}

		f.logger.Info("转发失败，切换实例重试",
			zap.String("service", target.Rule.Service),
			zap.String("from", inst.Address),
			zap.String("to", next.Address),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
		inst = next
	}

	return nil, fmt.Errorf("%w: %w", ErrUnavailable, lastErr)
}

// attempt 对单个实例发起一次调用
// 成功时响应体关闭后才释放超时context
func (f *Forwarder) attempt(ctx context.Context, rule model.RouteRule, inst *model.Instance, in *http.Request, header http.Header, body []byte) (*http.Response, error) {
	actx, cancel := context.WithTimeout(ctx, f.timeout)

	out, err := http.NewRequestWithContext(actx, in.Method, upstreamURL(rule, inst, in), bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	out.Header = header.Clone()
	out.ContentLength = int64(len(body))
	if len(body) == 0 {
		out.Body = http.NoBody
	}

	start := time.Now()
	resp, err := f.transport.RoundTrip(out)
	elapsed := time.Since(start)

	if err != nil {
		cancel()
		outcome, kind := classify(err)
		f.metrics.ObserveAttempt(inst.ServiceName, outcome, elapsed)
		return nil, fmt.Errorf("%w: %s: %w", kind, inst.Address, err)
	}

	f.metrics.ObserveAttempt(inst.ServiceName, "success", elapsed)
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// classify 区分超时与连接失败
func classify(err error) (string, error) {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout", ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout", ErrTimeout
	}
	return "connection_failed", ErrConnectionFailed
}

// upstreamURL 拼接上游地址，保留查询参数
func upstreamURL(rule model.RouteRule, inst *model.Instance, in *http.Request) string {
	u := "http://" + inst.Address + rule.UpstreamPath(in.URL.EscapedPath())
	if in.URL.RawQuery != "" {
		u += "?" + in.URL.RawQuery
	}
	return u
}

// bufferBody 读取请求体以便重试时重放
func (f *Forwarder) bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()

	reader := io.Reader(req.Body)
	if f.maxBody > 0 {
		if req.ContentLength > f.maxBody {
			return nil, ErrBodyTooLarge
		}
		reader = io.LimitReader(req.Body, f.maxBody+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("读取请求体失败: %w", err)
	}
	if f.maxBody > 0 && int64(len(body)) > f.maxBody {
		return nil, ErrBodyTooLarge
	}
	return body, nil
}

// cancelOnClose 关闭响应体时释放单次调用的context
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
