package etcdclient

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// 监听事件类型
const (
	EventCreate = "create"
	EventUpdate = "update"
	EventDelete = "delete"
	// EventResync 监听中断后重新建立，期间的变化可能丢失
	EventResync = "resync"
)

// WatchEvent 定义监听事件类型
type WatchEvent struct {
	EventType string // 事件类型: "create", "update", "delete", "resync"
	Key       string // 发生变化的key
	Value     string // 变化后的值 (对于delete事件，此字段为空)
	PrevValue string // 变化前的值 (对于create事件，此字段为空)
}

// WatchCallback 定义监听回调函数类型
type WatchCallback func(event WatchEvent)

// Watch 实现registry.Watcher接口，实例前缀下的任何变化都会触发onChange
func (e *EtcdClient) Watch(ctx context.Context, onChange func()) error {
	return e.StartWatch(ctx, e.prefix, func(WatchEvent) { onChange() })
}

// StartWatch 开始监听指定前缀的key变化
// 监听中断时按指数退避重新建立，直到ctx取消
func (e *EtcdClient) StartWatch(ctx context.Context, prefix string, callback WatchCallback) error {
	if e.client == nil {
		return fmt.Errorf("etcd客户端未连接")
	}

	e.logger.Info("开始监听etcd变化", zap.String("prefix", prefix))

	// 获取当前revision，从下一个revision开始监听
	getResp, err := e.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		e.logger.Error("获取初始revision失败", zap.String("prefix", prefix), zap.Error(err))
		return fmt.Errorf("获取初始revision失败: %w", err)
	}

	go e.watchLoop(ctx, prefix, getResp.Header.Revision+1, callback)
	return nil
}

// watchLoop 处理监听事件，通道关闭或出错时重新建立监听
func (e *EtcdClient) watchLoop(ctx context.Context, prefix string, rev int64, callback WatchCallback) {
	for {
		watchCtx, cancel := context.WithCancel(clientv3.WithRequireLeader(ctx))
		watchChan := e.client.Watch(watchCtx, prefix, clientv3.WithPrefix(), clientv3.WithRev(rev), clientv3.WithPrevKV())

		for watchResp := range watchChan {
			if err := watchResp.Err(); err != nil {
				e.logger.Warn("etcd监听中断", zap.String("prefix", prefix), zap.Error(err))
				break
			}
			rev = watchResp.Header.Revision + 1

			for _, event := range watchResp.Events {
				watchEvent := convertEvent(event)
				callback(watchEvent)

				e.logger.Debug("检测到etcd变化",
					zap.String("type", watchEvent.EventType),
					zap.String("key", watchEvent.Key))
			}
		}
		cancel()

		if ctx.Err() != nil {
			e.logger.Info("停止监听etcd", zap.String("prefix", prefix))
			return
		}

		next, err := e.resync(ctx, prefix)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Error("重新建立etcd监听失败", zap.String("prefix", prefix), zap.Error(err))
			continue
		}
		rev = next

		// 中断期间的变化已无法逐条补发，通知调用方整体刷新
		callback(WatchEvent{EventType: EventResync, Key: prefix})
	}
}

// resync 按指数退避读取当前revision
func (e *EtcdClient) resync(ctx context.Context, prefix string) (int64, error) {
	return backoff.Retry(ctx, func() (int64, error) {
		getCtx, cancel := context.WithTimeout(ctx, etcdTimeout)
		defer cancel()

		resp, err := e.client.Get(getCtx, prefix, clientv3.WithPrefix(), clientv3.WithCountOnly())
		if err != nil {
			return 0, err
		}
		return resp.Header.Revision + 1, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(time.Minute),
		backoff.WithNotify(func(err error, wait time.Duration) {
			e.logger.Warn("etcd不可用，稍后重试",
				zap.String("prefix", prefix),
				zap.Duration("wait", wait),
				zap.Error(err))
		}),
	)
}

// convertEvent 将etcd事件转换为WatchEvent
func convertEvent(event *clientv3.Event) WatchEvent {
	watchEvent := WatchEvent{
		Key:   string(event.Kv.Key),
		Value: string(event.Kv.Value),
	}
	if event.PrevKv != nil {
		watchEvent.PrevValue = string(event.PrevKv.Value)
	}

	switch {
	case event.Type == clientv3.EventTypeDelete:
		watchEvent.EventType = EventDelete
		watchEvent.Value = ""
	case event.IsCreate():
		watchEvent.EventType = EventCreate
	default:
		watchEvent.EventType = EventUpdate
	}
	return watchEvent
}
