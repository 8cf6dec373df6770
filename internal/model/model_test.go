package model

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteRuleMatches(t *testing.T) {
	rule := RouteRule{Prefix: "/api/catalog", Service: "product-catalog-service"}

	assert.True(t, rule.Matches("/api/catalog"))
	assert.True(t, rule.Matches("/api/catalog/"))
	assert.True(t, rule.Matches("/api/catalog/products/42"))
	assert.False(t, rule.Matches("/api/catalogue"), "前缀应按路径段匹配")
	assert.False(t, rule.Matches("/api"))
	assert.False(t, rule.Matches("/api/shop"))

	root := RouteRule{Prefix: "/", Service: "fallback"}
	assert.True(t, root.Matches("/anything"))
}

func TestRouteRuleUpstreamPath(t *testing.T) {
	keep := RouteRule{Prefix: "/api/catalog", Service: "catalog"}
	assert.Equal(t, "/api/catalog/products", keep.UpstreamPath("/api/catalog/products"))

	strip := RouteRule{Prefix: "/api/catalog", Service: "catalog", StripPrefix: true}
	assert.Equal(t, "/products", strip.UpstreamPath("/api/catalog/products"))
	assert.Equal(t, "/", strip.UpstreamPath("/api/catalog"))

	slash := RouteRule{Prefix: "/api/catalog/", Service: "catalog", StripPrefix: true}
	assert.Equal(t, "/products", slash.UpstreamPath("/api/catalog/products"))
}

func TestValidateRoutes(t *testing.T) {
	assert.NoError(t, ValidateRoutes([]RouteRule{
		{Prefix: "/api/catalog", Service: "catalog"},
		{Prefix: "/api/catalog/admin", Service: "catalog-admin"},
	}))

	err := ValidateRoutes([]RouteRule{
		{Prefix: "/api/catalog", Service: "catalog"},
		{Prefix: "/api/catalog", Service: "other"},
	})
	require.Error(t, err)
	var cfgErr *RouteConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, 1, cfgErr.Index)

	assert.Error(t, ValidateRoutes([]RouteRule{{Prefix: "", Service: "x"}}))
	assert.Error(t, ValidateRoutes([]RouteRule{{Prefix: "api", Service: "x"}}))
	assert.Error(t, ValidateRoutes([]RouteRule{{Prefix: "/api", Service: " "}}))
}

func TestSortRoutes(t *testing.T) {
	rules := []RouteRule{
		{Prefix: "/api", Service: "a"},
		{Prefix: "/api/catalog/admin", Service: "c"},
		{Prefix: "/api/catalog", Service: "b"},
	}
	sorted := SortRoutes(rules)

	assert.Equal(t, "/api/catalog/admin", sorted[0].Prefix)
	assert.Equal(t, "/api/catalog", sorted[1].Prefix)
	assert.Equal(t, "/api", sorted[2].Prefix)
	assert.Equal(t, "/api", rules[0].Prefix, "原切片不应被修改")
}

func TestInstanceUpdate(t *testing.T) {
	now := time.Now()
	inst := NewInstance("catalog", "a", "10.0.0.1:8080", 1, now)
	assert.Equal(t, StateUnknown, inst.State())
	assert.Equal(t, "catalog/a", inst.Key())

	before, after := inst.Update(func(h *HealthFields) {
		h.State = StateSuspect
		h.ConsecutiveFailures = 1
	})
	assert.Equal(t, StateUnknown, before.State)
	assert.Equal(t, StateSuspect, after.State)
	assert.Equal(t, 1, inst.Health().ConsecutiveFailures)

	inst.Touch(now.Add(-time.Minute))
	assert.Equal(t, now, inst.Health().LastSeen, "LastSeen不应回退")
	inst.Touch(now.Add(time.Minute))
	assert.Equal(t, now.Add(time.Minute), inst.Health().LastSeen)
}

func TestInstanceConcurrentUpdate(t *testing.T) {
	inst := NewInstance("catalog", "a", "10.0.0.1:8080", 1, time.Now())

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst.Update(func(h *HealthFields) { h.ConsecutiveFailures++ })
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, inst.Health().ConsecutiveFailures)
}

func TestInstanceWithMetadataSharesHealth(t *testing.T) {
	inst := NewInstance("catalog", "a", "10.0.0.1:8080", 7, time.Now())
	inst.Metadata = map[string]string{"version": "1"}

	next := inst.WithMetadata(map[string]string{"version": "2"})
	assert.NotSame(t, inst, next)
	assert.Equal(t, "1", inst.Metadata["version"], "原实例的元数据不应被修改")
	assert.Equal(t, "2", next.Metadata["version"])
	assert.Equal(t, inst.Key(), next.Key())
	assert.Equal(t, inst.Seq(), next.Seq())

	inst.Update(func(h *HealthFields) { h.State = StateDead })
	assert.Equal(t, StateDead, next.State(), "通过旧对象记录的结果应在新对象上可见")
}

func TestHealthStateString(t *testing.T) {
	assert.Equal(t, "HEALTHY", StateHealthy.String())
	assert.Equal(t, "DEAD", StateDead.String())
	assert.Equal(t, "INVALID", HealthState(42).String())
}

func TestInstanceRecord(t *testing.T) {
	rec := &InstanceRecord{
		ServiceName:   "catalog",
		InstanceID:    "a",
		IPAddress:     "10.0.0.1",
		Port:          8080,
		LastHeartbeat: "2024-05-01T10:00:00Z",
	}
	require.NoError(t, rec.Validate())
	assert.Equal(t, "10.0.0.1:8080", rec.Address())
	assert.Equal(t, 2024, rec.HeartbeatTime().Year())

	rec.LastHeartbeat = "garbage"
	assert.True(t, rec.HeartbeatTime().IsZero())

	rec.Port = 0
	assert.Error(t, rec.Validate())

	host, port, err := ParseAddress("[::1]:9000")
	require.NoError(t, err)
	assert.Equal(t, "::1", host)
	assert.Equal(t, 9000, port)

	_, _, err = ParseAddress("no-port")
	assert.Error(t, err)
}
