package etcdclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rainbowforest/api-gateway/internal/config"
	"github.com/rainbowforest/api-gateway/internal/model"
	"github.com/rainbowforest/api-gateway/internal/registry"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// defaultTTL 注册时未指定TTL使用的租约时长（秒）
const defaultTTL = 30

// Name 实现registry.Source接口
func (e *EtcdClient) Name() string {
	return config.SourceEtcd
}

// Register 将服务实例注册到etcd，键绑定到TTL租约上
func (e *EtcdClient) Register(ctx context.Context, record *model.InstanceRecord) error {
	if e.client == nil {
		return fmt.Errorf("etcd客户端未连接")
	}
	if err := record.Validate(); err != nil {
		return registry.NewInvalidArgumentError(err.Error())
	}

	instance := *record
	if instance.TTL <= 0 {
		instance.TTL = defaultTTL
	}
	// 设置初始心跳时间
	instance.LastHeartbeat = time.Now().Format(time.RFC3339)

	key := e.instanceKey(instance.ServiceName, instance.InstanceID)

	data, err := json.Marshal(&instance)
	if err != nil {
		e.logger.Error("序列化服务实例失败",
			zap.String("service", instance.ServiceName),
			zap.String("id", instance.InstanceID),
			zap.Error(err))
		return fmt.Errorf("序列化服务实例失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	// 创建租约
	lease, err := e.client.Grant(ctx, int64(instance.TTL))
	if err != nil {
		e.logger.Error("创建etcd租约失败", zap.Error(err))
		return fmt.Errorf("创建etcd租约失败: %w", err)
	}

	// 写入带租约的键值
	if _, err := e.client.Put(ctx, key, string(data), clientv3.WithLease(lease.ID)); err != nil {
		e.logger.Error("注册服务实例失败", zap.Error(err))
		return fmt.Errorf("注册服务实例失败: %w", err)
	}

	e.logger.Info("服务实例注册成功",
		zap.String("service", instance.ServiceName),
		zap.String("id", instance.InstanceID),
		zap.String("address", instance.Address()),
		zap.Int("ttl", instance.TTL))
	return nil
}

// Deregister 从etcd注销服务实例
func (e *EtcdClient) Deregister(ctx context.Context, serviceName, instanceID string) error {
	if e.client == nil {
		return fmt.Errorf("etcd客户端未连接")
	}
	if serviceName == "" || instanceID == "" {
		return registry.NewInvalidArgumentError("服务名称和实例ID不能为空")
	}

	key := e.instanceKey(serviceName, instanceID)

	ctx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	resp, err := e.client.Delete(ctx, key)
	if err != nil {
		e.logger.Error("注销服务实例失败",
			zap.String("service", serviceName),
			zap.String("id", instanceID),
			zap.Error(err))
		return fmt.Errorf("注销服务实例失败: %w", err)
	}
	if resp.Deleted == 0 {
		return registry.NewNotFoundError("服务实例不存在: " + model.InstanceKey(serviceName, instanceID))
	}

	e.logger.Info("服务实例注销成功",
		zap.String("service", serviceName),
		zap.String("id", instanceID))
	return nil
}

// Heartbeat 刷新服务实例的租约和心跳时间
func (e *EtcdClient) Heartbeat(ctx context.Context, serviceName, instanceID string, ttl int) error {
	if e.client == nil {
		return fmt.Errorf("etcd客户端未连接")
	}
	if serviceName == "" || instanceID == "" {
		return registry.NewInvalidArgumentError("服务名称和实例ID不能为空")
	}

	key := e.instanceKey(serviceName, instanceID)

	ctx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	resp, err := e.client.Get(ctx, key)
	if err != nil {
		e.logger.Error("获取服务实例数据失败",
			zap.String("service", serviceName),
			zap.String("id", instanceID),
			zap.Error(err))
		return fmt.Errorf("获取服务实例数据失败: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return registry.NewNotFoundError("服务实例不存在: " + model.InstanceKey(serviceName, instanceID))
	}

	var instance model.InstanceRecord
	if err := json.Unmarshal(resp.Kvs[0].Value, &instance); err != nil {
		e.logger.Error("解析服务实例数据失败",
			zap.String("service", serviceName),
			zap.String("id", instanceID),
			zap.Error(err))
		return fmt.Errorf("解析服务实例数据失败: %w", err)
	}

	if ttl > 0 {
		instance.TTL = ttl
	}
	if instance.TTL <= 0 {
		instance.TTL = defaultTTL
	}
	instance.LastHeartbeat = time.Now().Format(time.RFC3339)

	data, err := json.Marshal(&instance)
	if err != nil {
		return fmt.Errorf("序列化服务实例失败: %w", err)
	}

	// 使用新租约写入，旧租约随后撤销
	lease, err := e.client.Grant(ctx, int64(instance.TTL))
	if err != nil {
		e.logger.Error("创建etcd租约失败", zap.Error(err))
		return fmt.Errorf("创建etcd租约失败: %w", err)
	}
	if _, err := e.client.Put(ctx, key, string(data), clientv3.WithLease(lease.ID)); err != nil {
		e.logger.Error("刷新服务实例租约失败",
			zap.String("service", serviceName),
			zap.String("id", instanceID),
			zap.Error(err))
		return fmt.Errorf("刷新服务实例租约失败: %w", err)
	}

	if old := clientv3.LeaseID(resp.Kvs[0].Lease); old != clientv3.NoLease {
		if _, err := e.client.Revoke(ctx, old); err != nil {
			e.logger.Debug("撤销旧租约失败", zap.Int64("lease", int64(old)), zap.Error(err))
		}
	}

	e.logger.Debug("服务实例租约刷新成功",
		zap.String("service", serviceName),
		zap.String("id", instanceID),
		zap.Int("ttl", instance.TTL))
	return nil
}

// List 返回前缀下的全部实例记录
func (e *EtcdClient) List(ctx context.Context) ([]*model.InstanceRecord, error) {
	kvs, err := e.GetWithPrefix(ctx, e.prefix)
	if err != nil {
		return nil, err
	}

	records := make([]*model.InstanceRecord, 0, len(kvs))
	for key, value := range kvs {
		record, err := e.decodeRecord(key, value)
		if err != nil {
			e.logger.Warn("解析服务实例数据失败",
				zap.String("key", key),
				zap.Error(err))
			continue
		}
		records = append(records, record)
	}

	return records, nil
}

// decodeRecord 解析实例记录，记录中缺少的服务名和实例ID从键中补齐
func (e *EtcdClient) decodeRecord(key, value string) (*model.InstanceRecord, error) {
	service, id, ok := parseInstanceKey(e.prefix, key)
	if !ok {
		return nil, fmt.Errorf("键格式无效: %s", key)
	}

	var record model.InstanceRecord
	if err := json.Unmarshal([]byte(value), &record); err != nil {
		return nil, err
	}
	if record.ServiceName == "" {
		record.ServiceName = service
	}
	if record.InstanceID == "" {
		record.InstanceID = id
	}
	if record.ServiceName != service || record.InstanceID != id {
		return nil, fmt.Errorf("记录与键不一致: %s/%s", record.ServiceName, record.InstanceID)
	}
	return &record, nil
}

// instanceKey 生成服务实例在etcd中的键
func (e *EtcdClient) instanceKey(serviceName, instanceID string) string {
	return e.prefix + serviceName + "/" + instanceID
}

// parseInstanceKey 从 <prefix><service>/<id> 中解析服务名和实例ID
func parseInstanceKey(prefix, key string) (string, string, bool) {
	rest, found := strings.CutPrefix(key, prefix)
	if !found {
		return "", "", false
	}
	service, id, found := strings.Cut(rest, "/")
	if !found || service == "" || id == "" || strings.Contains(id, "/") {
		return "", "", false
	}
	return service, id, true
}

// IsServiceExpired 检查服务实例是否已过期
func IsServiceExpired(record *model.InstanceRecord, maxHeartbeatAge time.Duration) bool {
	if record == nil {
		return true
	}
	// 没有心跳记录或无法解析的视为过期
	last := record.HeartbeatTime()
	if last.IsZero() {
		return true
	}
	return time.Since(last) > maxHeartbeatAge
}

// StartCleanupExpiredServices 启动过期服务清理定时任务
// 租约会自动删除键，这里清理的是租约仍在但心跳已停的实例
func (e *EtcdClient) StartCleanupExpiredServices(ctx context.Context, interval, maxHeartbeatAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.cleanupExpiredServices(ctx, maxHeartbeatAge)
			}
		}
	}()
}

// cleanupExpiredServices 清理过期的服务实例，返回清理数量
func (e *EtcdClient) cleanupExpiredServices(ctx context.Context, maxHeartbeatAge time.Duration) int {
	records, err := e.List(ctx)
	if err != nil {
		e.logger.Error("获取服务列表失败", zap.Error(err))
		return 0
	}

	var removed int
	for _, record := range records {
		if !IsServiceExpired(record, maxHeartbeatAge) {
			continue
		}

		e.logger.Info("检测到过期服务实例",
			zap.String("service", record.ServiceName),
			zap.String("id", record.InstanceID),
			zap.String("last_heartbeat", record.LastHeartbeat))

		if err := e.Deregister(ctx, record.ServiceName, record.InstanceID); err != nil {
			e.logger.Error("注销过期服务失败",
				zap.String("service", record.ServiceName),
				zap.String("id", record.InstanceID),
				zap.Error(err))
			continue
		}
		removed++
	}

	return removed
}
