package registry

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/rainbowforest/api-gateway/internal/config"
	"github.com/rainbowforest/api-gateway/internal/model"
)

// defaultTTL 注册时未指定TTL使用的值（秒）
const defaultTTL = 30

// MemoryStore 是基于内存的注册中心实现，用于单机部署和测试
type MemoryStore struct {
	records map[string]*model.InstanceRecord
	mutex   sync.RWMutex
	now     func() time.Time

	// 变更订阅者
	watchers []func()
}

// NewMemoryStore 创建新的内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*model.InstanceRecord),
		now:     time.Now,
	}
}

// Name 实现Source接口
func (m *MemoryStore) Name() string {
	return config.SourceMemory
}

// Register 注册服务实例
func (m *MemoryStore) Register(ctx context.Context, record *model.InstanceRecord) error {
	if err := record.Validate(); err != nil {
		return NewInvalidArgumentError(err.Error())
	}

	stored := *record
	stored.Metadata = maps.Clone(record.Metadata)
	if stored.TTL <= 0 {
		stored.TTL = defaultTTL
	}
	stored.LastHeartbeat = m.now().Format(time.RFC3339)

	m.mutex.Lock()
	m.records[model.InstanceKey(stored.ServiceName, stored.InstanceID)] = &stored
	m.mutex.Unlock()

	m.notify()
	return nil
}

// Deregister 注销服务实例
func (m *MemoryStore) Deregister(ctx context.Context, serviceName, instanceID string) error {
	if serviceName == "" || instanceID == "" {
		return NewInvalidArgumentError("服务名称和实例ID不能为空")
	}

	key := model.InstanceKey(serviceName, instanceID)

	m.mutex.Lock()
	if _, exists := m.records[key]; !exists {
		m.mutex.Unlock()
		return NewNotFoundError("服务实例不存在: " + key)
	}
	delete(m.records, key)
	m.mutex.Unlock()

	m.notify()
	return nil
}

// Heartbeat 更新服务心跳时间
func (m *MemoryStore) Heartbeat(ctx context.Context, serviceName, instanceID string, ttl int) error {
	if serviceName == "" || instanceID == "" {
		return NewInvalidArgumentError("服务名称和实例ID不能为空")
	}

	key := model.InstanceKey(serviceName, instanceID)

	m.mutex.Lock()
	defer m.mutex.Unlock()

	record, exists := m.records[key]
	if !exists || m.expired(record) {
		delete(m.records, key)
		return NewNotFoundError("服务实例不存在: " + key)
	}

	if ttl > 0 {
		record.TTL = ttl
	}
	record.LastHeartbeat = m.now().Format(time.RFC3339)
	return nil
}

// List 返回未过期的全部实例，按服务名和实例ID排序
func (m *MemoryStore) List(ctx context.Context) ([]*model.InstanceRecord, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	records := make([]*model.InstanceRecord, 0, len(m.records))
	for _, record := range m.records {
		if m.expired(record) {
			continue
		}
		copied := *record
		records = append(records, &copied)
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].ServiceName != records[j].ServiceName {
			return records[i].ServiceName < records[j].ServiceName
		}
		return records[i].InstanceID < records[j].InstanceID
	})
	return records, nil
}

// CleanupStale 删除心跳超时的实例，返回删除数量
func (m *MemoryStore) CleanupStale() int {
	m.mutex.Lock()
	var removed int
	for key, record := range m.records {
		if m.expired(record) {
			delete(m.records, key)
			removed++
		}
	}
	m.mutex.Unlock()

	if removed > 0 {
		m.notify()
	}
	return removed
}

// Watch 实现Watcher接口，注册与注销会触发onChange
func (m *MemoryStore) Watch(ctx context.Context, onChange func()) error {
	m.mutex.Lock()
	m.watchers = append(m.watchers, onChange)
	m.mutex.Unlock()
	return nil
}

func (m *MemoryStore) notify() {
	m.mutex.RLock()
	watchers := append([]func(){}, m.watchers...)
	m.mutex.RUnlock()

	for _, fn := range watchers {
		fn()
	}
}

// expired 调用方需持有锁
func (m *MemoryStore) expired(record *model.InstanceRecord) bool {
	last := record.HeartbeatTime()
	if last.IsZero() {
		return true
	}
	return m.now().Sub(last) > time.Duration(record.TTL)*time.Second
}
