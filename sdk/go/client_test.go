package sdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGateway 模拟网关管理API的注册接口
type fakeGateway struct {
	mu         sync.Mutex
	instances  map[string]RegisterRequest
	heartbeats atomic.Int32
	failures   atomic.Int32 // 接下来返回503的次数
}

func newFakeGateway(t *testing.T) (*fakeGateway, *httptest.Server) {
	t.Helper()

	g := &fakeGateway{instances: make(map[string]RegisterRequest)}
	mux := http.NewServeMux()

	mux.HandleFunc("POST /services/register", func(w http.ResponseWriter, r *http.Request) {
		if g.failures.Load() > 0 {
			g.failures.Add(-1)
			writeJSON(w, http.StatusServiceUnavailable, Response{Message: "暂时不可用"})
			return
		}
		var req RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ServiceName == "" {
			writeJSON(w, http.StatusBadRequest, Response{Message: "请求格式错误"})
			return
		}
		if req.InstanceID == "" {
			req.InstanceID = "generated-id"
		}
		g.mu.Lock()
		g.instances[req.ServiceName+"/"+req.InstanceID] = req
		g.mu.Unlock()
		writeJSON(w, http.StatusOK, Response{Success: true, ServiceName: req.ServiceName, InstanceID: req.InstanceID})
	})

	mux.HandleFunc("PUT /services/heartbeat/{service}/{id}", func(w http.ResponseWriter, r *http.Request) {
		g.heartbeats.Add(1)
		key := r.PathValue("service") + "/" + r.PathValue("id")
		g.mu.Lock()
		_, ok := g.instances[key]
		g.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusNotFound, Response{Message: "服务实例不存在"})
			return
		}
		writeJSON(w, http.StatusOK, Response{Success: true})
	})

	mux.HandleFunc("DELETE /services/{service}/{id}", func(w http.ResponseWriter, r *http.Request) {
		key := r.PathValue("service") + "/" + r.PathValue("id")
		g.mu.Lock()
		_, ok := g.instances[key]
		delete(g.instances, key)
		g.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusNotFound, Response{Message: "服务实例不存在"})
			return
		}
		writeJSON(w, http.StatusOK, Response{Success: true})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return g, server
}

func (g *fakeGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.instances)
}

func (g *fakeGateway) expire() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.instances = make(map[string]RegisterRequest)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, server *httptest.Server, instanceID string) *Client {
	t.Helper()

	client, err := NewClient(&Config{
		ServerAddr:        strings.TrimPrefix(server.URL, "http://"),
		ServiceName:       "catalog",
		InstanceID:        instanceID,
		ServiceIP:         "127.0.0.1",
		ServicePort:       8810,
		Metadata:          map[string]string{"version": "1.0.0"},
		HeartbeatInterval: 20 * time.Millisecond,
		Timeout:           time.Second,
	})
	require.NoError(t, err, "创建SDK客户端失败")
	return client
}

func TestNewClientValidation(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{"缺少服务器地址", Config{ServiceName: "a", ServiceIP: "127.0.0.1", ServicePort: 1}},
		{"缺少服务名称", Config{ServerAddr: "x", ServiceIP: "127.0.0.1", ServicePort: 1}},
		{"缺少IP", Config{ServerAddr: "x", ServiceName: "a", ServicePort: 1}},
		{"端口无效", Config{ServerAddr: "x", ServiceName: "a", ServiceIP: "127.0.0.1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(&tt.config)
			assert.Error(t, err)
		})
	}

	client, err := NewClient(&Config{ServerAddr: "x", ServiceName: "a", ServiceIP: "127.0.0.1", ServicePort: 1})
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, client.config.HeartbeatInterval)
	assert.Equal(t, 30, client.ttl(), "TTL应为心跳间隔的3倍")
}

func TestRegisterAndDeregister(t *testing.T) {
	gateway, server := newFakeGateway(t)
	client := newTestClient(t, server, "")
	ctx := context.Background()

	require.NoError(t, client.Register(ctx))
	assert.True(t, client.IsRegistered())
	assert.Equal(t, "generated-id", client.GetInstanceID(), "应使用网关生成的实例ID")
	assert.Equal(t, 1, gateway.count())

	assert.Error(t, client.Register(ctx), "重复注册应报错")

	require.NoError(t, client.SendHeartbeat(ctx))
	assert.Equal(t, int32(1), gateway.heartbeats.Load())

	require.NoError(t, client.Deregister(ctx))
	assert.False(t, client.IsRegistered())
	assert.Equal(t, 0, gateway.count())

	assert.Error(t, client.Deregister(ctx), "未注册时注销应报错")
	assert.Error(t, client.SendHeartbeat(ctx), "未注册时心跳应报错")
}

func TestRegisterRetriesOnServerError(t *testing.T) {
	gateway, server := newFakeGateway(t)
	gateway.failures.Store(2)
	client := newTestClient(t, server, "c1")

	require.NoError(t, client.Register(context.Background()), "5xx应重试直到成功")
	assert.Equal(t, "c1", client.GetInstanceID())
	assert.Equal(t, int32(0), gateway.failures.Load())
}

func TestRegisterGivesUpAfterRetries(t *testing.T) {
	gateway, server := newFakeGateway(t)
	gateway.failures.Store(100)
	client := newTestClient(t, server, "c1")

	err := client.Register(context.Background())
	require.Error(t, err)
	assert.False(t, client.IsRegistered())
	assert.Equal(t, int32(97), gateway.failures.Load(), "默认最多尝试3次")
}

func TestHeartbeatReregistersExpiredInstance(t *testing.T) {
	gateway, server := newFakeGateway(t)
	client := newTestClient(t, server, "c1")
	ctx := context.Background()

	require.NoError(t, client.Register(ctx))
	gateway.expire()

	require.NoError(t, client.SendHeartbeat(ctx), "记录过期后心跳应自动重新注册")
	assert.True(t, client.IsRegistered())
	assert.Equal(t, "c1", client.GetInstanceID(), "重新注册应保持实例ID")
	assert.Equal(t, 1, gateway.count())
}

func TestStartHeartbeat(t *testing.T) {
	gateway, server := newFakeGateway(t)
	client := newTestClient(t, server, "c1")
	ctx := context.Background()

	require.NoError(t, client.Register(ctx))
	client.StartHeartbeat()

	require.Eventually(t, func() bool { return gateway.heartbeats.Load() >= 3 }, 2*time.Second, 10*time.Millisecond,
		"应按间隔发送心跳")

	require.NoError(t, client.Close(ctx))
	assert.False(t, client.IsRegistered())
	assert.Equal(t, 0, gateway.count(), "关闭时应注销实例")

	sent := gateway.heartbeats.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, sent, gateway.heartbeats.Load(), "关闭后不应再发送心跳")

	client.StopHeartbeat()
}
