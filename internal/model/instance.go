package model

import (
	"sync"
	"time"
)

// HealthState 实例健康状态
type HealthState int

const (
	// StateUnknown 刚被发现，尚未有探测或请求结果
	StateUnknown HealthState = iota
	// StateHealthy 最近一次结果成功
	StateHealthy
	// StateSuspect 出现连续失败但未达到阈值
	StateSuspect
	// StateDead 连续失败达到阈值，不参与路由
	StateDead
)

// String 返回状态名称
func (s HealthState) String() string {
	switch s {
	case StateUnknown:
		return "UNKNOWN"
	case StateHealthy:
		return "HEALTHY"
	case StateSuspect:
		return "SUSPECT"
	case StateDead:
		return "DEAD"
	default:
		return "INVALID"
	}
}

// MarshalText 以状态名称序列化
func (s HealthState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// HealthFields 实例上由健康跟踪器维护的字段
type HealthFields struct {
	State               HealthState `json:"state"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	LastSeen            time.Time   `json:"last_seen"`
}

// Instance 表示服务的一个运行实例
// 身份字段创建后不可变，健康字段只能通过Update修改
type Instance struct {
	ServiceName string
	ID          string
	Address     string
	Metadata    map[string]string

	// seq 首次发现的顺序，用于快照内排序
	seq uint64

	// health 在元数据变化产生的新对象之间共享
	health *healthCell
}

type healthCell struct {
	mu     sync.Mutex
	fields HealthFields
}

// NewInstance 创建一个状态为Unknown的实例
func NewInstance(serviceName, id, address string, seq uint64, seen time.Time) *Instance {
	return &Instance{
		ServiceName: serviceName,
		ID:          id,
		Address:     address,
		seq:         seq,
		health: &healthCell{fields: HealthFields{
			State:    StateUnknown,
			LastSeen: seen,
		}},
	}
}

// WithMetadata 返回元数据替换后的新实例，与原实例共享健康状态
func (i *Instance) WithMetadata(metadata map[string]string) *Instance {
	return &Instance{
		ServiceName: i.ServiceName,
		ID:          i.ID,
		Address:     i.Address,
		Metadata:    metadata,
		seq:         i.seq,
		health:      i.health,
	}
}

// Key 实例在注册表中的唯一键
func (i *Instance) Key() string {
	return InstanceKey(i.ServiceName, i.ID)
}

// Seq 返回首次发现顺序
func (i *Instance) Seq() uint64 {
	return i.seq
}

// Health 返回健康字段的副本
func (i *Instance) Health() HealthFields {
	i.health.mu.Lock()
	defer i.health.mu.Unlock()
	return i.health.fields
}

// State 返回当前健康状态
func (i *Instance) State() HealthState {
	return i.Health().State
}

// Update 在实例锁内修改健康字段，返回修改前后的值
func (i *Instance) Update(fn func(h *HealthFields)) (before, after HealthFields) {
	i.health.mu.Lock()
	defer i.health.mu.Unlock()
	before = i.health.fields
	fn(&i.health.fields)
	return before, i.health.fields
}

// Touch 推进最后可见时间，不会回退
func (i *Instance) Touch(seen time.Time) {
	i.Update(func(h *HealthFields) {
		if seen.After(h.LastSeen) {
			h.LastSeen = seen
		}
	})
}

// InstanceKey 生成实例键
func InstanceKey(serviceName, id string) string {
	return serviceName + "/" + id
}
