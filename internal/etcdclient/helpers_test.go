package etcdclient

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rainbowforest/api-gateway/internal/config"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// createTestConfig 创建测试用的配置，使用环境变量中的etcd地址
// 每个测试使用独立的前缀，互不干扰
func createTestConfig(t *testing.T) *config.Config {
	t.Helper()

	etcdEndpoints := os.Getenv("GATEWAY_ETCD_ENDPOINTS")
	if etcdEndpoints == "" {
		t.Skip("未设置GATEWAY_ETCD_ENDPOINTS，跳过etcd集成测试")
	}

	cfg := &config.Config{}
	cfg.Registry.Etcd.Endpoints = strings.Split(etcdEndpoints, ",")
	cfg.Registry.Etcd.Prefix = "/test-gateway/" + uuid.NewString() + "/"
	cfg.Registry.Etcd.DialTimeout = 5 * time.Second
	return cfg
}

// createTestLogger 创建测试用的日志记录器
func createTestLogger(t *testing.T) config.Logger {
	t.Helper()

	logger, err := config.NewLogger("debug", true)
	require.NoError(t, err, "创建测试日志记录器失败")

	return logger
}

// createEtcdClientForTest 创建并连接真实的etcd客户端
func createEtcdClientForTest(t *testing.T) *EtcdClient {
	t.Helper()

	client := NewEtcdClient(createTestConfig(t), createTestLogger(t))
	require.NoError(t, client.Connect(), "连接etcd失败")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Ping(ctx), "Ping etcd失败")

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := client.Client().Delete(ctx, client.Prefix(), clientv3.WithPrefix()); err != nil {
			t.Logf("清理测试键失败: %v", err)
		}
		_ = client.Close()
	})

	return client
}
