package registry

import (
	"context"
	"fmt"

	"github.com/rainbowforest/api-gateway/internal/config"
	"github.com/rainbowforest/api-gateway/internal/model"
)

// StaticSource 由配置文件给出的固定实例列表
type StaticSource struct {
	records []*model.InstanceRecord
}

// NewStaticSource 从配置构造静态数据源
func NewStaticSource(instances []config.StaticInstanceConfig) (*StaticSource, error) {
	records := make([]*model.InstanceRecord, 0, len(instances))
	for i, inst := range instances {
		host, port, err := model.ParseAddress(inst.Address)
		if err != nil {
			return nil, fmt.Errorf("静态实例[%d]配置无效: %w", i, err)
		}
		id := inst.ID
		if id == "" {
			id = inst.Address
		}
		rec := &model.InstanceRecord{
			ServiceName: inst.Service,
			InstanceID:  id,
			IPAddress:   host,
			Port:        port,
			Metadata:    inst.Metadata,
		}
		if err := rec.Validate(); err != nil {
			return nil, fmt.Errorf("静态实例[%d]配置无效: %w", i, err)
		}
		records = append(records, rec)
	}
	return &StaticSource{records: records}, nil
}

// Name 实现Source接口
func (s *StaticSource) Name() string {
	return config.SourceStatic
}

// List 实现Source接口
func (s *StaticSource) List(ctx context.Context) ([]*model.InstanceRecord, error) {
	out := make([]*model.InstanceRecord, len(s.records))
	for i, rec := range s.records {
		copied := *rec
		out[i] = &copied
	}
	return out, nil
}
