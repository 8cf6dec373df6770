package config

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 注册中心数据源类型
const (
	SourceEtcd   = "etcd"
	SourceRedis  = "redis"
	SourceDNS    = "dns"
	SourceStatic = "static"
	SourceMemory = "memory"
)

// 负载均衡策略
const (
	PolicyRoundRobin = "round_robin"
	PolicyRandom     = "random"
)

// ServerConfig HTTP监听配置
type ServerConfig struct {
	ListenAddress string `mapstructure:"listen_address"`
	Port          int    `mapstructure:"port"`
}

// Addr 返回监听地址
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.ListenAddress, s.Port)
}

// RouteConfig 路由规则配置
type RouteConfig struct {
	Prefix      string `mapstructure:"prefix"`
	Service     string `mapstructure:"service"`
	StripPrefix bool   `mapstructure:"strip_prefix"`
}

// StaticInstanceConfig 静态实例配置
type StaticInstanceConfig struct {
	Service  string            `mapstructure:"service"`
	ID       string            `mapstructure:"id"`
	Address  string            `mapstructure:"address"`
	Metadata map[string]string `mapstructure:"metadata"`
}

// Config 网关配置结构
type Config struct {
	// 网关入口
	Gateway ServerConfig `mapstructure:"gateway"`

	// 管理API（路由/实例查看、指标、服务注册）
	Management ServerConfig `mapstructure:"management"`

	// 注册中心配置
	Registry struct {
		Source          string        `mapstructure:"source"` // "etcd", "redis", "dns", "static" 或 "memory"
		RefreshInterval time.Duration `mapstructure:"refresh_interval"`
		InstanceTTL     time.Duration `mapstructure:"instance_ttl"`

		Etcd struct {
			Endpoints   []string      `mapstructure:"endpoints"`
			Username    string        `mapstructure:"username"`
			Password    string        `mapstructure:"password"`
			Prefix      string        `mapstructure:"prefix"`
			DialTimeout time.Duration `mapstructure:"dial_timeout"`
		} `mapstructure:"etcd"`

		Redis struct {
			Addr     string `mapstructure:"addr"`
			Password string `mapstructure:"password"`
			DB       int    `mapstructure:"db"`
			Prefix   string `mapstructure:"prefix"`
		} `mapstructure:"redis"`

		DNS struct {
			Server  string        `mapstructure:"server"`
			Domain  string        `mapstructure:"domain"`
			Timeout time.Duration `mapstructure:"timeout"`
		} `mapstructure:"dns"`

		Static []StaticInstanceConfig `mapstructure:"static"`
	} `mapstructure:"registry"`

	// 健康检查配置
	Health struct {
		ProbeInterval     time.Duration `mapstructure:"probe_interval"`
		DeadProbeInterval time.Duration `mapstructure:"dead_probe_interval"`
		ProbeTimeout      time.Duration `mapstructure:"probe_timeout"`
		ProbePath         string        `mapstructure:"probe_path"`
		FailureThreshold  int           `mapstructure:"failure_threshold"`
		Concurrency       int           `mapstructure:"concurrency"`
	} `mapstructure:"health"`

	// 转发配置
	Forward struct {
		Timeout           time.Duration `mapstructure:"timeout"`
		Retries           int           `mapstructure:"retries"`
		IdempotentMethods []string      `mapstructure:"idempotent_methods"`
		MaxBodyBytes      int64         `mapstructure:"max_body_bytes"`
		Policy            string        `mapstructure:"policy"` // "round_robin" 或 "random"
	} `mapstructure:"forward"`

	// 限流配置
	RateLimit struct {
		Enabled bool    `mapstructure:"enabled"`
		RPS     float64 `mapstructure:"rps"`
		Burst   int     `mapstructure:"burst"`
	} `mapstructure:"ratelimit"`

	// 路由表
	Routes []RouteConfig `mapstructure:"routes"`

	// 日志配置
	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`
}

// LoadConfig 从文件和环境变量加载配置
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// 设置默认值
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.rainbowforest-gateway")
		v.AddConfigPath("/etc/rainbowforest-gateway")
	}

	v.SetConfigType("yaml")

	// 找不到配置文件时使用默认值；其他错误则返回
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件错误: %w", err)
		}
	}

	// 绑定环境变量
	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvVariables(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置错误: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// setDefaults 设置配置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.listen_address", "0.0.0.0")
	v.SetDefault("gateway.port", 8900)
	v.SetDefault("management.listen_address", "0.0.0.0")
	v.SetDefault("management.port", 8901)

	// 注册中心默认配置
	v.SetDefault("registry.source", SourceEtcd)
	v.SetDefault("registry.refresh_interval", 10*time.Second)
	v.SetDefault("registry.instance_ttl", 90*time.Second)
	v.SetDefault("registry.etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("registry.etcd.username", "")
	v.SetDefault("registry.etcd.password", "")
	v.SetDefault("registry.etcd.prefix", "/services/")
	v.SetDefault("registry.etcd.dial_timeout", 5*time.Second)
	v.SetDefault("registry.redis.addr", "localhost:6379")
	v.SetDefault("registry.redis.db", 0)
	v.SetDefault("registry.redis.prefix", "instance")
	v.SetDefault("registry.dns.server", "127.0.0.1:8600")
	v.SetDefault("registry.dns.domain", "service.consul")
	v.SetDefault("registry.dns.timeout", 2*time.Second)

	// 健康检查默认配置
	v.SetDefault("health.probe_interval", 10*time.Second)
	v.SetDefault("health.dead_probe_interval", 60*time.Second)
	v.SetDefault("health.probe_timeout", 2*time.Second)
	v.SetDefault("health.probe_path", "/health")
	v.SetDefault("health.failure_threshold", 3)
	v.SetDefault("health.concurrency", 16)

	// 转发默认配置
	v.SetDefault("forward.timeout", 5*time.Second)
	v.SetDefault("forward.retries", 2)
	v.SetDefault("forward.idempotent_methods", []string{
		http.MethodGet, http.MethodHead, http.MethodOptions,
		http.MethodPut, http.MethodDelete, http.MethodTrace,
	})
	v.SetDefault("forward.max_body_bytes", 10<<20)
	v.SetDefault("forward.policy", PolicyRoundRobin)

	v.SetDefault("ratelimit.enabled", false)
	v.SetDefault("ratelimit.rps", 100)
	v.SetDefault("ratelimit.burst", 200)

	// 默认路由表，与前端使用的 /api 前缀一致
	v.SetDefault("routes", []map[string]interface{}{
		{"prefix": "/api/accounts", "service": "user-service"},
		{"prefix": "/api/catalog", "service": "product-catalog-service"},
		{"prefix": "/api/shop", "service": "order-service"},
		{"prefix": "/api/review", "service": "product-recommendation-service"},
	})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// bindEnvVariables 绑定特定的环境变量
func bindEnvVariables(v *viper.Viper) {
	v.BindEnv("gateway.port", "GATEWAY_PORT")
	v.BindEnv("management.port", "GATEWAY_MANAGEMENT_PORT")
	v.BindEnv("registry.source", "GATEWAY_REGISTRY_SOURCE")
	v.BindEnv("registry.etcd.endpoints", "GATEWAY_ETCD_ENDPOINTS")
	v.BindEnv("registry.redis.addr", "GATEWAY_REDIS_ADDR")
	v.BindEnv("forward.timeout", "GATEWAY_FORWARD_TIMEOUT")
	v.BindEnv("forward.retries", "GATEWAY_FORWARD_RETRIES")
	v.BindEnv("health.failure_threshold", "GATEWAY_FAILURE_THRESHOLD")
}

// Validate 校验配置有效性
func (c *Config) Validate() error {
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("网关端口配置无效: %d", c.Gateway.Port)
	}
	if c.Management.Port <= 0 || c.Management.Port > 65535 {
		return fmt.Errorf("管理API端口配置无效: %d", c.Management.Port)
	}
	if c.Gateway.Port == c.Management.Port {
		return fmt.Errorf("网关端口与管理API端口不能相同: %d", c.Gateway.Port)
	}

	switch c.Registry.Source {
	case SourceEtcd:
		if len(c.Registry.Etcd.Endpoints) == 0 {
			return fmt.Errorf("etcd端点不能为空")
		}
	case SourceRedis:
		if c.Registry.Redis.Addr == "" {
			return fmt.Errorf("redis地址不能为空")
		}
	case SourceDNS:
		if c.Registry.DNS.Server == "" || c.Registry.DNS.Domain == "" {
			return fmt.Errorf("DNS服务器和域名不能为空")
		}
	case SourceStatic, SourceMemory:
	default:
		return fmt.Errorf("未知的注册中心类型: %s", c.Registry.Source)
	}
	if c.Registry.RefreshInterval <= 0 {
		return fmt.Errorf("注册中心刷新间隔必须大于0")
	}

	if c.Health.FailureThreshold < 1 {
		return fmt.Errorf("失败阈值必须大于等于1: %d", c.Health.FailureThreshold)
	}
	if c.Health.ProbeInterval <= 0 || c.Health.DeadProbeInterval <= 0 {
		return fmt.Errorf("健康检查间隔必须大于0")
	}

	if c.Forward.Timeout <= 0 {
		return fmt.Errorf("转发超时时间必须大于0")
	}
	if c.Forward.Retries < 0 {
		return fmt.Errorf("重试次数不能为负数: %d", c.Forward.Retries)
	}
	switch c.Forward.Policy {
	case PolicyRoundRobin, PolicyRandom:
	default:
		return fmt.Errorf("未知的负载均衡策略: %s", c.Forward.Policy)
	}

	if c.RateLimit.Enabled && (c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0) {
		return fmt.Errorf("限流参数无效: rps=%v burst=%d", c.RateLimit.RPS, c.RateLimit.Burst)
	}

	if len(c.Routes) == 0 {
		return fmt.Errorf("路由表不能为空")
	}

	return nil
}

// GetDefaultConfigPath 返回默认配置文件路径
func GetDefaultConfigPath() string {
	paths := []string{
		"./config.yaml",
		"./configs/config.yaml",
		os.Getenv("HOME") + "/.rainbowforest-gateway/config.yaml",
		"/etc/rainbowforest-gateway/config.yaml",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}
