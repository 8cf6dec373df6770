package registry

import (
	"context"

	"github.com/rainbowforest/api-gateway/internal/model"
)

// Source 外部注册中心的只读视图
type Source interface {
	// Name 数据源名称，用于日志
	Name() string

	// List 返回当前注册的全部实例
	List(ctx context.Context) ([]*model.InstanceRecord, error)
}

// Watcher 支持变更推送的数据源
// Watch 在后台运行直到ctx取消，每当数据发生变化时调用onChange
type Watcher interface {
	Watch(ctx context.Context, onChange func()) error
}

// Store 可写的注册中心，为注册API提供支撑
type Store interface {
	Source

	// Register 注册服务实例
	Register(ctx context.Context, record *model.InstanceRecord) error

	// Deregister 注销服务实例
	Deregister(ctx context.Context, serviceName, instanceID string) error

	// Heartbeat 刷新实例心跳，ttl大于0时同时更新TTL
	Heartbeat(ctx context.Context, serviceName, instanceID string, ttl int) error
}
