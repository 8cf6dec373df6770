package registry

import (
	"sort"
	"time"

	"github.com/rainbowforest/api-gateway/internal/model"
)

// Snapshot 某一时刻全部已知实例的不可变视图
// 发布后不再修改，读者无需加锁
type Snapshot struct {
	Revision  uint64
	CreatedAt time.Time

	services map[string][]*model.Instance
	count    int
}

var emptySnapshot = &Snapshot{services: map[string][]*model.Instance{}}

// EmptySnapshot 返回首次刷新成功前使用的空快照
func EmptySnapshot() *Snapshot {
	return emptySnapshot
}

func newSnapshot(revision uint64, createdAt time.Time, table map[string]*model.Instance) *Snapshot {
	services := make(map[string][]*model.Instance)
	for _, inst := range table {
		services[inst.ServiceName] = append(services[inst.ServiceName], inst)
	}
	for _, list := range services {
		sort.Slice(list, func(i, j int) bool { return list[i].Seq() < list[j].Seq() })
	}
	return &Snapshot{
		Revision:  revision,
		CreatedAt: createdAt,
		services:  services,
		count:     len(table),
	}
}

// Instances 返回服务的实例列表，按首次发现顺序排列
// 返回的切片为只读
func (s *Snapshot) Instances(serviceName string) []*model.Instance {
	return s.services[serviceName]
}

// Services 返回全部服务名，按字典序排列
func (s *Snapshot) Services() []string {
	names := make([]string, 0, len(s.services))
	for name := range s.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len 返回实例总数
func (s *Snapshot) Len() int {
	return s.count
}

// All 返回全部实例
func (s *Snapshot) All() []*model.Instance {
	all := make([]*model.Instance, 0, s.count)
	for _, name := range s.Services() {
		all = append(all, s.services[name]...)
	}
	return all
}
