package router

import (
	"errors"
	"fmt"

	"github.com/rainbowforest/api-gateway/internal/model"
	"github.com/rainbowforest/api-gateway/internal/registry"
)

var (
	// ErrNoRouteFound 没有路由规则匹配请求路径
	ErrNoRouteFound = errors.New("未找到匹配的路由")
	// ErrNoHealthyInstance 路由命中但服务没有可用实例
	ErrNoHealthyInstance = errors.New("服务没有健康的实例")
)

// SnapshotProvider 提供当前注册中心快照
type SnapshotProvider interface {
	CurrentSnapshot() *registry.Snapshot
}

// HealthChecker 判断实例是否可参与路由
type HealthChecker interface {
	IsHealthy(inst *model.Instance) bool
}

// Target 路由结果
type Target struct {
	Rule     model.RouteRule
	Instance *model.Instance
}

// Router 将请求路径解析为服务实例
type Router struct {
	rules     []model.RouteRule
	snapshots SnapshotProvider
	health    HealthChecker
	policy    Policy
}

// New 校验并按最长前缀优先排序路由规则
func New(rules []model.RouteRule, snapshots SnapshotProvider, health HealthChecker, policy Policy) (*Router, error) {
	if err := model.ValidateRoutes(rules); err != nil {
		return nil, fmt.Errorf("路由配置无效: %w", err)
	}
	if policy == nil {
		policy = NewRoundRobin()
	}
	return &Router{
		rules:     model.SortRoutes(rules),
		snapshots: snapshots,
		health:    health,
		policy:    policy,
	}, nil
}

// Rules 返回排序后的路由规则副本
func (r *Router) Rules() []model.RouteRule {
	out := make([]model.RouteRule, len(r.rules))
	copy(out, r.rules)
	return out
}

// Match 返回最长匹配前缀的规则
func (r *Router) Match(path string) (model.RouteRule, bool) {
	for _, rule := range r.rules {
		if rule.Matches(path) {
			return rule, true
		}
	}
	return model.RouteRule{}, false
}

// Resolve 解析请求路径并选择一个健康实例
func (r *Router) Resolve(path string) (Target, error) {
	rule, ok := r.Match(path)
	if !ok {
		return Target{}, fmt.Errorf("%w: %s", ErrNoRouteFound, path)
	}
	inst, err := r.Next(rule, nil)
	if err != nil {
		return Target{Rule: rule}, err
	}
	return Target{Rule: rule, Instance: inst}, nil
}

// Next 从规则对应的服务中选择一个健康实例，跳过exclude中的实例键
func (r *Router) Next(rule model.RouteRule, exclude map[string]struct{}) (*model.Instance, error) {
	candidates := r.Candidates(rule.Service, exclude)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoHealthyInstance, rule.Service)
	}
	return r.policy.Pick(rule.Service, candidates), nil
}

// Candidates 返回服务当前可路由的实例，保持快照中的顺序
func (r *Router) Candidates(service string, exclude map[string]struct{}) []*model.Instance {
	all := r.snapshots.CurrentSnapshot().Instances(service)
	candidates := make([]*model.Instance, 0, len(all))
	for _, inst := range all {
		if _, skip := exclude[inst.Key()]; skip {
			continue
		}
		if !r.health.IsHealthy(inst) {
			continue
		}
		candidates = append(candidates, inst)
	}
	return candidates
}
