package router

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/rainbowforest/api-gateway/internal/config"
	"github.com/rainbowforest/api-gateway/internal/model"
)

// Policy 负载均衡策略，candidates非空且按插入顺序排列
type Policy interface {
	Pick(service string, candidates []*model.Instance) *model.Instance
}

// NewPolicy 根据名称创建策略，空名称使用轮询
func NewPolicy(name string) (Policy, error) {
	switch name {
	case "", config.PolicyRoundRobin:
		return NewRoundRobin(), nil
	case config.PolicyRandom:
		return Random{}, nil
	default:
		return nil, fmt.Errorf("未知的负载均衡策略: %s", name)
	}
}

// RoundRobin 按服务维护独立游标的轮询策略
type RoundRobin struct {
	cursors sync.Map // service -> *atomic.Uint64
}

// NewRoundRobin 创建轮询策略
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

// Pick 实现Policy接口
func (r *RoundRobin) Pick(service string, candidates []*model.Instance) *model.Instance {
	v, ok := r.cursors.Load(service)
	if !ok {
		v, _ = r.cursors.LoadOrStore(service, new(atomic.Uint64))
	}
	n := v.(*atomic.Uint64).Add(1) - 1
	return candidates[n%uint64(len(candidates))]
}

// Random 随机选择
type Random struct{}

// Pick 实现Policy接口
func (Random) Pick(service string, candidates []*model.Instance) *model.Instance {
	return candidates[rand.IntN(len(candidates))]
}
