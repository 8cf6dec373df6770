package apihandler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rainbowforest/api-gateway/internal/config"
	"github.com/rainbowforest/api-gateway/internal/forwarder"
	"github.com/rainbowforest/api-gateway/internal/health"
	"github.com/rainbowforest/api-gateway/internal/metrics"
	"github.com/rainbowforest/api-gateway/internal/model"
	"github.com/rainbowforest/api-gateway/internal/registry"
	"github.com/rainbowforest/api-gateway/internal/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

// MockLogger 实现config.Logger接口，用于测试
type MockLogger struct{}

func (l *MockLogger) Debug(msg string, fields ...zapcore.Field) {}
func (l *MockLogger) Info(msg string, fields ...zapcore.Field)  {}
func (l *MockLogger) Warn(msg string, fields ...zapcore.Field)  {}
func (l *MockLogger) Error(msg string, fields ...zapcore.Field) {}
func (l *MockLogger) Fatal(msg string, fields ...zapcore.Field) {}

// spyForwarder 统计转发器调用次数
type spyForwarder struct {
	next  RequestForwarder
	calls atomic.Int32
}

func (s *spyForwarder) Forward(ctx context.Context, target router.Target, req *http.Request) (*http.Response, error) {
	s.calls.Add(1)
	return s.next.Forward(ctx, target, req)
}

// testEnv 使用内存注册中心组装的完整网关
type testEnv struct {
	cfg       *config.Config
	store     *registry.MemoryStore
	registry  *registry.Client
	tracker   *health.Tracker
	metrics   *metrics.Metrics
	forwarder *spyForwarder
	handler   *EchoHandler
}

func createTestConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Gateway.ListenAddress = "localhost"
	cfg.Gateway.Port = 8900
	cfg.Management.ListenAddress = "localhost"
	cfg.Management.Port = 8901
	cfg.Registry.Source = config.SourceMemory
	cfg.Registry.RefreshInterval = time.Hour
	cfg.Forward.Timeout = 200 * time.Millisecond
	cfg.Forward.Retries = 2
	cfg.Forward.IdempotentMethods = []string{"GET", "HEAD", "OPTIONS", "PUT", "DELETE"}
	cfg.Forward.MaxBodyBytes = 1 << 20
	cfg.Routes = []config.RouteConfig{
		{Prefix: "/api/catalog", Service: "catalog"},
		{Prefix: "/api/catalog/admin", Service: "catalog-admin"},
		{Prefix: "/api/review", Service: "review", StripPrefix: true},
	}
	return cfg
}

func newTestEnv(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()

	store := registry.NewMemoryStore()
	m := metrics.New()
	client := registry.NewClient(cfg, store, &MockLogger{}, m)
	tracker := health.NewTracker(3, &MockLogger{}, m)

	rules := make([]model.RouteRule, len(cfg.Routes))
	for i, r := range cfg.Routes {
		rules[i] = model.RouteRule{Prefix: r.Prefix, Service: r.Service, StripPrefix: r.StripPrefix}
	}
	rt, err := router.New(rules, client, tracker, router.NewRoundRobin())
	require.NoError(t, err)

	spy := &spyForwarder{next: forwarder.New(cfg, rt, tracker, &MockLogger{}, m)}
	handler := NewAPIHandler(cfg, &MockLogger{}, Dependencies{
		Router:    rt,
		Forwarder: spy,
		Registry:  client,
		Store:     store,
		Metrics:   m,
	})
	handler.gatewayServer = handler.newServer()
	handler.registerGatewayRoutes()
	handler.managementServer = handler.newServer()
	handler.registerManagementRoutes()

	return &testEnv{
		cfg:       cfg,
		store:     store,
		registry:  client,
		tracker:   tracker,
		metrics:   m,
		forwarder: spy,
		handler:   handler,
	}
}

// addInstance 注册一个指向server的实例并刷新快照
func (env *testEnv) addInstance(t *testing.T, service, id string, server *httptest.Server) {
	t.Helper()
	ip, port, err := model.ParseAddress(strings.TrimPrefix(server.URL, "http://"))
	require.NoError(t, err)
	require.NoError(t, env.store.Register(context.Background(), &model.InstanceRecord{
		ServiceName: service,
		InstanceID:  id,
		IPAddress:   ip,
		Port:        port,
	}))
	_, err = env.registry.Refresh(context.Background())
	require.NoError(t, err)
}

func (env *testEnv) instance(t *testing.T, service, id string) *model.Instance {
	t.Helper()
	for _, inst := range env.registry.Instances(service) {
		if inst.ID == id {
			return inst
		}
	}
	t.Fatalf("实例不存在: %s/%s", service, id)
	return nil
}

func serve(e *echo.Echo, method, target string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "响应不是有效的JSON: %s", rec.Body.String())
	return out
}

func TestNewAPIHandlerRateLimiter(t *testing.T) {
	cfg := createTestConfig()
	h := NewAPIHandler(cfg, &MockLogger{}, Dependencies{})
	assert.Nil(t, h.limiter, "未启用限流时不应创建限流器")

	cfg.RateLimit.Enabled = true
	cfg.RateLimit.RPS = 10
	cfg.RateLimit.Burst = 5
	h = NewAPIHandler(cfg, &MockLogger{}, Dependencies{})
	require.NotNil(t, h.limiter)
	assert.Equal(t, 5, h.limiter.Burst())
}

func TestShutdown(t *testing.T) {
	cfg := createTestConfig()

	handler := &EchoHandler{
		gatewayServer:    echo.New(),
		managementServer: echo.New(),
		cfg:              cfg,
		logger:           &MockLogger{},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := handler.Shutdown(ctx)
	assert.NoError(t, err)
}

func TestShutdownBeforeStart(t *testing.T) {
	handler := NewAPIHandler(createTestConfig(), &MockLogger{}, Dependencies{})
	assert.NoError(t, handler.Shutdown(context.Background()), "未启动时关闭不应出错")
}
