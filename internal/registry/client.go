package registry

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rainbowforest/api-gateway/internal/config"
	"github.com/rainbowforest/api-gateway/internal/metrics"
	"github.com/rainbowforest/api-gateway/internal/model"
	"go.uber.org/zap"
)

// Client 维护本地实例表，并以原子方式发布快照
type Client struct {
	source   Source
	logger   config.Logger
	metrics  *metrics.Metrics
	interval time.Duration
	ttl      time.Duration
	now      func() time.Time

	refreshMu sync.Mutex

	// mu 保护table/seq/revision
	mu       sync.Mutex
	table    map[string]*model.Instance
	seq      uint64
	revision uint64

	snapshot atomic.Pointer[Snapshot]
}

// NewClient 创建注册中心客户端
func NewClient(cfg *config.Config, source Source, logger config.Logger, m *metrics.Metrics) *Client {
	c := &Client{
		source:   source,
		logger:   logger,
		metrics:  m,
		interval: cfg.Registry.RefreshInterval,
		ttl:      cfg.Registry.InstanceTTL,
		now:      time.Now,
		table:    make(map[string]*model.Instance),
	}
	c.snapshot.Store(EmptySnapshot())
	return c
}

// Source 返回底层数据源
func (c *Client) Source() Source {
	return c.source
}

// CurrentSnapshot 返回最近一次成功刷新产生的快照
func (c *Client) CurrentSnapshot() *Snapshot {
	return c.snapshot.Load()
}

// Instances 返回服务在当前快照中的实例
func (c *Client) Instances(serviceName string) []*model.Instance {
	return c.CurrentSnapshot().Instances(serviceName)
}

// Refresh 从数据源拉取实例列表并发布新快照
// 拉取失败时保留旧快照，返回旧快照和包装了ErrRegistryUnreachable的错误
func (c *Client) Refresh(ctx context.Context) (*Snapshot, error) {
	// 拉取与发布整体串行，较早的列表不会覆盖较新的快照
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	records, err := c.source.List(ctx)
	if err != nil {
		c.metrics.ObserveRefresh(false)
		current := c.CurrentSnapshot()
		c.logger.Warn("刷新注册中心失败，继续使用上一次的快照",
			zap.String("source", c.source.Name()),
			zap.Uint64("revision", current.Revision),
			zap.Error(err))
		return current, fmt.Errorf("%w: %w", ErrRegistryUnreachable, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	next := make(map[string]*model.Instance, len(records))
	var added, expired int

	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			c.logger.Warn("忽略无效的实例记录",
				zap.String("service", rec.ServiceName),
				zap.String("id", rec.InstanceID),
				zap.Error(err))
			continue
		}

		key := model.InstanceKey(rec.ServiceName, rec.InstanceID)
		if _, dup := next[key]; dup {
			continue
		}

		seen := rec.HeartbeatTime()
		if seen.IsZero() || seen.After(now) {
			seen = now
		}

		inst, isNew := c.carryOver(key, rec, seen)
		if isNew {
			added++
		}
		inst.Touch(seen)

		if c.ttl > 0 && now.Sub(inst.Health().LastSeen) > c.ttl {
			expired++
			c.logger.Info("实例心跳超时，从路由表中移除",
				zap.String("service", inst.ServiceName),
				zap.String("id", inst.ID),
				zap.Time("last_seen", inst.Health().LastSeen))
			continue
		}
		next[key] = inst
	}

	var removed int
	for key, inst := range c.table {
		if _, ok := next[key]; !ok {
			removed++
			c.metrics.DeleteInstance(inst.ServiceName, inst.ID)
		}
	}

	c.table = next
	c.revision++
	snap := newSnapshot(c.revision, now, next)
	c.snapshot.Store(snap)

	c.metrics.ObserveRefresh(true)
	c.metrics.SetSnapshot(snap.Len(), snap.Revision)

	if added > 0 || removed > 0 {
		c.logger.Info("注册中心快照已更新",
			zap.String("source", c.source.Name()),
			zap.Uint64("revision", snap.Revision),
			zap.Int("instances", snap.Len()),
			zap.Int("added", added),
			zap.Int("removed", removed),
			zap.Int("expired", expired))
	} else {
		c.logger.Debug("注册中心快照无变化",
			zap.Uint64("revision", snap.Revision),
			zap.Int("instances", snap.Len()))
	}

	return snap, nil
}

// carryOver 复用已有实例对象以保留健康状态
// 仅元数据变化时新对象与旧对象共享健康状态，地址变化时重新从Unknown开始
func (c *Client) carryOver(key string, rec *model.InstanceRecord, seen time.Time) (*model.Instance, bool) {
	address := rec.Address()
	old, ok := c.table[key]
	if ok && old.Address == address && maps.Equal(old.Metadata, rec.Metadata) {
		return old, false
	}

	if ok && old.Address == address {
		return old.WithMetadata(maps.Clone(rec.Metadata)), false
	}

	var seq uint64
	if ok {
		seq = old.Seq()
	} else {
		c.seq++
		seq = c.seq
	}

	inst := model.NewInstance(rec.ServiceName, rec.InstanceID, address, seq, seen)
	inst.Metadata = maps.Clone(rec.Metadata)
	return inst, !ok
}

// Start 启动后台刷新循环，直到ctx取消
// 数据源实现Watcher时，变更通知会触发一次额外刷新，多次通知合并为一次
func (c *Client) Start(ctx context.Context) error {
	c.logger.Info("启动注册中心刷新",
		zap.String("source", c.source.Name()),
		zap.Duration("interval", c.interval))

	trigger := make(chan struct{}, 1)
	if w, ok := c.source.(Watcher); ok {
		err := w.Watch(ctx, func() {
			select {
			case trigger <- struct{}{}:
			default:
			}
		})
		if err != nil {
			c.logger.Warn("启动注册中心监听失败，仅使用定时刷新", zap.Error(err))
		}
	}

	_, _ = c.Refresh(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("注册中心刷新已停止")
			return nil
		case <-ticker.C:
			_, _ = c.Refresh(ctx)
		case <-trigger:
			_, _ = c.Refresh(ctx)
		}
	}
}
