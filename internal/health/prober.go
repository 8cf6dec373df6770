package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rainbowforest/api-gateway/internal/config"
	"github.com/rainbowforest/api-gateway/internal/model"
	"github.com/rainbowforest/api-gateway/internal/registry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SnapshotProvider 提供当前注册中心快照
type SnapshotProvider interface {
	CurrentSnapshot() *registry.Snapshot
}

// Prober 周期性探测实例健康状态
// Dead实例以较慢的间隔继续探测，直到被注册中心移除
type Prober struct {
	snapshots    SnapshotProvider
	tracker      *Tracker
	httpClient   *http.Client
	logger       config.Logger
	path         string
	interval     time.Duration
	deadInterval time.Duration
	timeout      time.Duration
	concurrency  int
	now          func() time.Time

	mu        sync.Mutex
	lastProbe map[string]time.Time
}

// NewProber 创建探测器
func NewProber(cfg *config.Config, snapshots SnapshotProvider, tracker *Tracker, logger config.Logger) *Prober {
	concurrency := cfg.Health.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Prober{
		snapshots: snapshots,
		tracker:   tracker,
		httpClient: &http.Client{
			// 探测不跟随重定向，3xx视为成功
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:       logger,
		path:         cfg.Health.ProbePath,
		interval:     cfg.Health.ProbeInterval,
		deadInterval: cfg.Health.DeadProbeInterval,
		timeout:      cfg.Health.ProbeTimeout,
		concurrency:  concurrency,
		now:          time.Now,
		lastProbe:    make(map[string]time.Time),
	}
}

// Start 启动探测循环，直到ctx取消
func (p *Prober) Start(ctx context.Context) error {
	p.logger.Info("启动健康检查",
		zap.Duration("interval", p.interval),
		zap.Duration("dead_interval", p.deadInterval),
		zap.String("path", p.path))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("健康检查已停止")
			return nil
		case <-ticker.C:
			p.ProbeOnce(ctx)
		}
	}
}

// ProbeOnce 对当前快照中到期的实例执行一轮探测，返回探测数量
func (p *Prober) ProbeOnce(ctx context.Context) int {
	due := p.dueInstances()
	if len(due) == 0 {
		return 0
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, inst := range due {
		g.Go(func() error {
			ok, err := p.Probe(gctx, inst)
			if gctx.Err() != nil {
				// 关闭过程中的探测结果不计入
				return nil
			}
			if !ok {
				p.logger.Debug("健康检查失败",
					zap.String("service", inst.ServiceName),
					zap.String("address", inst.Address),
					zap.Error(err))
			}
			p.tracker.RecordOutcome(inst, ok)
			return nil
		})
	}
	_ = g.Wait()
	return len(due)
}

// dueInstances 选出本轮需要探测的实例
func (p *Prober) dueInstances() []*model.Instance {
	snap := p.snapshots.CurrentSnapshot()
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	present := make(map[string]struct{}, snap.Len())
	var due []*model.Instance
	for _, inst := range snap.All() {
		key := inst.Key()
		present[key] = struct{}{}

		if inst.State() == model.StateDead {
			if last, ok := p.lastProbe[key]; ok && now.Sub(last) < p.deadInterval {
				continue
			}
		}
		p.lastProbe[key] = now
		due = append(due, inst)
	}

	for key := range p.lastProbe {
		if _, ok := present[key]; !ok {
			delete(p.lastProbe, key)
		}
	}
	return due
}

// Probe 对单个实例发起一次HTTP探测
func (p *Prober) Probe(ctx context.Context, inst *model.Instance) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+inst.Address+p.path, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("User-Agent", "rainbowforest-gateway-probe")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return false, fmt.Errorf("探测超时: %w", err)
		}
		return false, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= http.StatusBadRequest {
		return false, fmt.Errorf("探测返回状态码 %d", resp.StatusCode)
	}
	return true, nil
}
