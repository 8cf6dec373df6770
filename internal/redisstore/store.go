package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-redis/redis/v8"
	"github.com/rainbowforest/api-gateway/internal/config"
	"github.com/rainbowforest/api-gateway/internal/model"
	"github.com/rainbowforest/api-gateway/internal/registry"
	"go.uber.org/zap"
)

const (
	// defaultTTL 注册时未指定TTL使用的值（秒）
	defaultTTL = 30
	// defaultPrefix 未配置时的键前缀
	defaultPrefix = "instance"
	// scanCount 每次SCAN返回的键数量提示
	scanCount = 100
	// pingRetries 启动时连接redis的最大重试次数
	pingRetries = 7
)

// NewClient 根据配置创建redis客户端
// addr 可以是 host:port，也可以是 redis:// 形式的URL
func NewClient(cfg *config.Config) (redis.UniversalClient, error) {
	rc := cfg.Registry.Redis
	options := &redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	}
	if strings.Contains(rc.Addr, "://") {
		parsed, err := redis.ParseURL(rc.Addr)
		if err != nil {
			return nil, fmt.Errorf("解析redis地址失败: %w", err)
		}
		options = parsed
		if rc.Password != "" {
			options.Password = rc.Password
		}
	}

	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        []string{options.Addr},
		DB:           options.DB,
		Username:     options.Username,
		Password:     options.Password,
		DialTimeout:  options.DialTimeout,
		ReadTimeout:  options.ReadTimeout,
		WriteTimeout: options.WriteTimeout,
		PoolSize:     options.PoolSize,
		MinIdleConns: options.MinIdleConns,
		TLSConfig:    options.TLSConfig,
	}), nil
}

// Store 基于redis的注册中心，实例记录以带过期时间的键保存
// 键格式为 <prefix>:<service>:<instance_id>
type Store struct {
	client redis.UniversalClient
	prefix string
	logger config.Logger
	now    func() time.Time
}

// New 创建redis注册中心
func New(client redis.UniversalClient, prefix string, logger config.Logger) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{
		client: client,
		prefix: strings.TrimSuffix(prefix, ":"),
		logger: logger,
		now:    time.Now,
	}
}

// Name 实现registry.Source接口
func (s *Store) Name() string {
	return config.SourceRedis
}

// WaitAvailable 按指数退避ping redis，直到成功或重试用尽
func (s *Store) WaitAvailable(ctx context.Context) error {
	_, err := backoff.Retry(ctx, func() (string, error) {
		return s.client.Ping(ctx).Result()
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(pingRetries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			s.logger.Info("连接redis失败，稍后重试", zap.Duration("wait", wait), zap.Error(err))
		}),
	)
	if err != nil {
		return fmt.Errorf("redis不可用: %w", err)
	}
	return nil
}

// Close 关闭redis连接
func (s *Store) Close() error {
	return s.client.Close()
}

// Register 注册服务实例，键的过期时间等于TTL
func (s *Store) Register(ctx context.Context, record *model.InstanceRecord) error {
	if err := record.Validate(); err != nil {
		return registry.NewInvalidArgumentError(err.Error())
	}

	instance := *record
	if instance.TTL <= 0 {
		instance.TTL = defaultTTL
	}
	instance.LastHeartbeat = s.now().Format(time.RFC3339)

	if err := s.write(ctx, &instance); err != nil {
		s.logger.Error("注册服务实例失败",
			zap.String("service", instance.ServiceName),
			zap.String("id", instance.InstanceID),
			zap.Error(err))
		return err
	}

	s.logger.Info("服务实例注册成功",
		zap.String("service", instance.ServiceName),
		zap.String("id", instance.InstanceID),
		zap.String("address", instance.Address()),
		zap.Int("ttl", instance.TTL))
	return nil
}

// Deregister 注销服务实例
func (s *Store) Deregister(ctx context.Context, serviceName, instanceID string) error {
	if serviceName == "" || instanceID == "" {
		return registry.NewInvalidArgumentError("服务名称和实例ID不能为空")
	}

	deleted, err := s.client.Del(ctx, s.key(serviceName, instanceID)).Result()
	if err != nil {
		return fmt.Errorf("删除redis键失败: %w", err)
	}
	if deleted == 0 {
		return registry.NewNotFoundError("服务实例不存在: " + model.InstanceKey(serviceName, instanceID))
	}

	s.logger.Info("服务实例注销成功",
		zap.String("service", serviceName),
		zap.String("id", instanceID))
	return nil
}

// Heartbeat 刷新心跳时间并重置键的过期时间
func (s *Store) Heartbeat(ctx context.Context, serviceName, instanceID string, ttl int) error {
	if serviceName == "" || instanceID == "" {
		return registry.NewInvalidArgumentError("服务名称和实例ID不能为空")
	}

	data, err := s.client.Get(ctx, s.key(serviceName, instanceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return registry.NewNotFoundError("服务实例不存在: " + model.InstanceKey(serviceName, instanceID))
	}
	if err != nil {
		return fmt.Errorf("读取redis键失败: %w", err)
	}

	var instance model.InstanceRecord
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("解析服务实例数据失败: %w", err)
	}
	if ttl > 0 {
		instance.TTL = ttl
	}
	if instance.TTL <= 0 {
		instance.TTL = defaultTTL
	}
	instance.LastHeartbeat = s.now().Format(time.RFC3339)

	return s.write(ctx, &instance)
}

// List 扫描前缀下的全部实例记录
// 扫描与读取之间过期的键被忽略
func (s *Store) List(ctx context.Context) ([]*model.InstanceRecord, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.prefix+":*", scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("扫描redis键失败: %w", err)
	}
	if len(keys) == 0 {
		return []*model.InstanceRecord{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Get(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("读取redis键失败: %w", err)
	}

	records := make([]*model.InstanceRecord, 0, len(keys))
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("读取redis键失败: %w", err)
		}

		record, err := s.decode(keys[i], data)
		if err != nil {
			s.logger.Warn("解析服务实例数据失败",
				zap.String("key", keys[i]),
				zap.Error(err))
			continue
		}
		records = append(records, record)
	}

	return records, nil
}

func (s *Store) write(ctx context.Context, instance *model.InstanceRecord) error {
	data, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("序列化服务实例失败: %w", err)
	}
	ttl := time.Duration(instance.TTL) * time.Second
	if err := s.client.Set(ctx, s.key(instance.ServiceName, instance.InstanceID), data, ttl).Err(); err != nil {
		return fmt.Errorf("写入redis失败: %w", err)
	}
	return nil
}

// decode 解析实例记录并与键核对
func (s *Store) decode(key string, data []byte) (*model.InstanceRecord, error) {
	service, id, ok := s.parseKey(key)
	if !ok {
		return nil, fmt.Errorf("键格式无效: %s", key)
	}

	var record model.InstanceRecord
	if err := json.Unmarshal(data, &record); err != nil {
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

func (s *Store) key(serviceName, instanceID string) string {
	return s.prefix + ":" + serviceName + ":" + instanceID
}

// parseKey 从 <prefix>:<service>:<id> 中解析服务名和实例ID
func (s *Store) parseKey(key string) (string, string, bool) {
	rest, found := strings.CutPrefix(key, s.prefix+":")
	if !found {
		return "", "", false
	}
	service, id, found := strings.Cut(rest, ":")
	if !found || service == "" || id == "" {
		return "", "", false
	}
	return service, id, true
}
