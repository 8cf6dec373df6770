package main

import (
	"context"
	"testing"

	"github.com/rainbowforest/api-gateway/internal/config"
	"github.com/rainbowforest/api-gateway/internal/dnssource"
	"github.com/rainbowforest/api-gateway/internal/model"
	"github.com/rainbowforest/api-gateway/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteRules(t *testing.T) {
	rules := routeRules([]config.RouteConfig{
		{Prefix: "/api/catalog", Service: "product-catalog-service"},
		{Prefix: "/api/review", Service: "product-recommendation-service", StripPrefix: true},
	})

	assert.Equal(t, []model.RouteRule{
		{Prefix: "/api/catalog", Service: "product-catalog-service"},
		{Prefix: "/api/review", Service: "product-recommendation-service", StripPrefix: true},
	}, rules)
}

func TestNewSource(t *testing.T) {
	ctx := context.Background()
	logger := config.NewNopLogger()
	rules := []model.RouteRule{{Prefix: "/api/catalog", Service: "catalog"}}

	cfg := &config.Config{}
	cfg.Registry.Source = config.SourceMemory
	source, closer, err := newSource(ctx, cfg, rules, logger)
	require.NoError(t, err)
	assert.NoError(t, closer.Close())
	_, writable := source.(registry.Store)
	assert.True(t, writable, "内存数据源应支持注册API")

	cfg.Registry.Source = config.SourceStatic
	cfg.Registry.Static = []config.StaticInstanceConfig{{Service: "catalog", ID: "c1", Address: "127.0.0.1:8810"}}
	source, _, err = newSource(ctx, cfg, rules, logger)
	require.NoError(t, err)
	_, writable = source.(registry.Store)
	assert.False(t, writable, "静态数据源只读")

	cfg.Registry.Source = config.SourceDNS
	cfg.Registry.DNS.Server = "127.0.0.1:8600"
	cfg.Registry.DNS.Domain = "service.consul"
	source, _, err = newSource(ctx, cfg, rules, logger)
	require.NoError(t, err)
	assert.IsType(t, &dnssource.Source{}, source)

	cfg.Registry.Source = "zookeeper"
	_, _, err = newSource(ctx, cfg, rules, logger)
	assert.Error(t, err)
}
