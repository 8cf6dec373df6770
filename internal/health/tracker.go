package health

import (
	"time"

	"github.com/rainbowforest/api-gateway/internal/config"
	"github.com/rainbowforest/api-gateway/internal/metrics"
	"github.com/rainbowforest/api-gateway/internal/model"
	"go.uber.org/zap"
)

// DefaultFailureThreshold 连续失败多少次后判定为Dead
const DefaultFailureThreshold = 3

// event 健康事件
type event int

const (
	eventSuccess event = iota
	// eventFailure 失败但连续失败次数未达阈值
	eventFailure
	// eventThreshold 失败且连续失败次数达到阈值
	eventThreshold
)

// transitions 状态迁移表，transitions[当前状态][事件] = 下一状态
var transitions = [...][3]model.HealthState{
	model.StateUnknown: {model.StateHealthy, model.StateSuspect, model.StateDead},
	model.StateHealthy: {model.StateHealthy, model.StateSuspect, model.StateDead},
	model.StateSuspect: {model.StateHealthy, model.StateSuspect, model.StateDead},
	model.StateDead:    {model.StateHealthy, model.StateDead, model.StateDead},
}

// Apply 根据一次结果计算新的健康字段
// 成功将失败计数清零，失败累加计数；状态由迁移表决定
func Apply(h model.HealthFields, success bool, threshold int, now time.Time) model.HealthFields {
	var ev event
	if success {
		h.ConsecutiveFailures = 0
		if now.After(h.LastSeen) {
			h.LastSeen = now
		}
		ev = eventSuccess
	} else {
		h.ConsecutiveFailures++
		ev = eventFailure
		if h.ConsecutiveFailures >= threshold {
			ev = eventThreshold
		}
	}
	h.State = transitions[h.State][ev]
	return h
}

// Tracker 维护实例健康状态
type Tracker struct {
	threshold int
	logger    config.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewTracker 创建健康跟踪器，threshold小于1时使用默认值
func NewTracker(threshold int, logger config.Logger, m *metrics.Metrics) *Tracker {
	if threshold < 1 {
		threshold = DefaultFailureThreshold
	}
	return &Tracker{
		threshold: threshold,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
	}
}

// Threshold 返回失败阈值
func (t *Tracker) Threshold() int {
	return t.threshold
}

// RecordOutcome 记录一次探测或转发的结果，返回新状态
// 同一实例上的调用在实例锁内串行执行
func (t *Tracker) RecordOutcome(inst *model.Instance, success bool) model.HealthState {
	now := t.now()
	before, after := inst.Update(func(h *model.HealthFields) {
		*h = Apply(*h, success, t.threshold, now)
	})

	if before.State != after.State {
		t.metrics.ObserveTransition(inst.ServiceName, before.State.String(), after.State.String())
		t.metrics.SetHealthState(inst.ServiceName, inst.ID, int(after.State))

		fields := []zap.Field{
			zap.String("service", inst.ServiceName),
			zap.String("id", inst.ID),
			zap.String("address", inst.Address),
			zap.String("from", before.State.String()),
			zap.String("to", after.State.String()),
			zap.Int("failures", after.ConsecutiveFailures),
		}
		switch after.State {
		case model.StateDead:
			t.logger.Warn("实例被判定为不可用", fields...)
		case model.StateSuspect:
			t.logger.Info("实例出现失败，标记为可疑", fields...)
		default:
			t.logger.Info("实例健康状态变化", fields...)
		}
	}

	return after.State
}

// IsHealthy 实例是否可参与路由，只有Dead状态被排除
func (t *Tracker) IsHealthy(inst *model.Instance) bool {
	return inst.State() != model.StateDead
}
