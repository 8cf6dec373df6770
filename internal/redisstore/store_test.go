package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rainbowforest/api-gateway/internal/config"
	"github.com/rainbowforest/api-gateway/internal/model"
	"github.com/rainbowforest/api-gateway/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ registry.Store = (*Store)(nil)

// setupTestStore 连接GATEWAY_REDIS_ADDR指定的redis，未设置时跳过
// 每个测试使用独立前缀，结束时清理
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("GATEWAY_REDIS_ADDR")
	if addr == "" {
		t.Skip("未设置GATEWAY_REDIS_ADDR，跳过redis集成测试")
	}

	cfg := &config.Config{}
	cfg.Registry.Redis.Addr = addr
	client, err := NewClient(cfg)
	require.NoError(t, err)

	store := New(client, "test-gateway-"+uuid.NewString(), config.NewNopLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, store.WaitAvailable(ctx), "连接redis失败")

	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := client.Keys(ctx, store.prefix+":*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		_ = store.Close()
	})
	return store
}

func TestNewClient(t *testing.T) {
	tests := []struct {
		name    string
		addr    string
		wantErr bool
	}{
		{"host:port", "localhost:6379", false},
		{"URL", "redis://:secret@localhost:6379/2", false},
		{"无效URL", "://invalid", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{}
			cfg.Registry.Redis.Addr = tt.addr
			client, err := NewClient(cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, client)
			_ = client.Close()
		})
	}
}

func TestKeyRoundTrip(t *testing.T) {
	store := New(redis.NewClient(&redis.Options{Addr: "localhost:0"}), "instance:", config.NewNopLogger())
	defer store.Close()

	assert.Equal(t, "instance:catalog:c1", store.key("catalog", "c1"), "前缀末尾的冒号应去掉")

	service, id, ok := store.parseKey("instance:catalog:c1")
	require.True(t, ok)
	assert.Equal(t, "catalog", service)
	assert.Equal(t, "c1", id)

	for _, bad := range []string{"instance:catalog", "instance::c1", "other:catalog:c1"} {
		_, _, ok := store.parseKey(bad)
		assert.False(t, ok, bad)
	}
}

func TestDecode(t *testing.T) {
	store := New(redis.NewClient(&redis.Options{Addr: "localhost:0"}), "", config.NewNopLogger())
	defer store.Close()
	assert.Equal(t, config.SourceRedis, store.Name())

	record, err := store.decode("instance:catalog:c1", []byte(`{"ip_address":"10.0.0.1","port":8810}`))
	require.NoError(t, err)
	assert.Equal(t, "catalog", record.ServiceName)
	assert.Equal(t, "c1", record.InstanceID)

	_, err = store.decode("instance:catalog:c1", []byte(`{"service_name":"review"}`))
	assert.Error(t, err)

	_, err = store.decode("instance:catalog:c1", []byte(`{`))
	assert.Error(t, err)
}

func TestInvalidArguments(t *testing.T) {
	store := New(redis.NewClient(&redis.Options{Addr: "localhost:0"}), "", config.NewNopLogger())
	defer store.Close()
	ctx := context.Background()

	err := store.Register(ctx, &model.InstanceRecord{ServiceName: "catalog"})
	assert.Equal(t, registry.ErrInvalidArgument, registry.ErrorCode(err))
	err = store.Deregister(ctx, "", "c1")
	assert.Equal(t, registry.ErrInvalidArgument, registry.ErrorCode(err))
	err = store.Heartbeat(ctx, "catalog", "", 0)
	assert.Equal(t, registry.ErrInvalidArgument, registry.ErrorCode(err))
}

func TestRedisRegisterListDeregister(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	records, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, records, "空前缀下不应有实例")

	require.NoError(t, store.Register(ctx, &model.InstanceRecord{
		ServiceName: "catalog", InstanceID: "c1", IPAddress: "10.0.0.1", Port: 8810,
		Metadata: map[string]string{"zone": "a"},
	}))
	require.NoError(t, store.Register(ctx, &model.InstanceRecord{
		ServiceName: "review", InstanceID: "r1", IPAddress: "10.0.0.2", Port: 8811, TTL: 60,
	}))

	records, err = store.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)

	byKey := make(map[string]*model.InstanceRecord)
	for _, r := range records {
		byKey[model.InstanceKey(r.ServiceName, r.InstanceID)] = r
	}
	assert.Equal(t, defaultTTL, byKey["catalog/c1"].TTL, "未指定TTL时使用默认值")
	assert.Equal(t, "a", byKey["catalog/c1"].Metadata["zone"])
	assert.Equal(t, 60, byKey["review/r1"].TTL)

	ttl, err := store.client.TTL(ctx, store.key("review", "r1")).Result()
	require.NoError(t, err)
	assert.InDelta(t, 60, ttl.Seconds(), 2, "键的过期时间应等于TTL")

	require.NoError(t, store.Deregister(ctx, "catalog", "c1"))
	err = store.Deregister(ctx, "catalog", "c1")
	assert.Equal(t, registry.ErrNotFound, registry.ErrorCode(err))

	records, err = store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestRedisHeartbeat(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	err := store.Heartbeat(ctx, "catalog", "missing", 0)
	assert.Equal(t, registry.ErrNotFound, registry.ErrorCode(err))

	require.NoError(t, store.Register(ctx, &model.InstanceRecord{
		ServiceName: "catalog", InstanceID: "c1", IPAddress: "10.0.0.1", Port: 8810, TTL: 10,
	}))
	require.NoError(t, store.Heartbeat(ctx, "catalog", "c1", 120))

	ttl, err := store.client.TTL(ctx, store.key("catalog", "c1")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 100*time.Second, "心跳应按新TTL重置过期时间")
}

func TestRedisExpiry(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Register(ctx, &model.InstanceRecord{
		ServiceName: "catalog", InstanceID: "c1", IPAddress: "10.0.0.1", Port: 8810, TTL: 1,
	}))

	require.Eventually(t, func() bool {
		records, err := store.List(ctx)
		return err == nil && len(records) == 0
	}, 5*time.Second, 100*time.Millisecond, "过期后实例应消失")
}

func TestRedisSkipsInvalidRecords(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.client.Set(ctx, store.prefix+":catalog:bad", "invalid json", 0).Err())
	require.NoError(t, store.Register(ctx, &model.InstanceRecord{
		ServiceName: "catalog", InstanceID: "c1", IPAddress: "10.0.0.1", Port: 8810,
	}))

	records, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "c1", records[0].InstanceID)
}
