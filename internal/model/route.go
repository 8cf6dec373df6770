package model

import (
	"sort"
	"strconv"
	"strings"
)

// RouteRule 将路径前缀映射到服务名
type RouteRule struct {
	Prefix      string `json:"prefix"`
	Service     string `json:"service"`
	StripPrefix bool   `json:"strip_prefix"`
}

// Matches 判断路径是否命中前缀，按路径段匹配
// "/api/catalog" 命中 "/api/catalog" 和 "/api/catalog/x"，不命中 "/api/catalogue"
func (r RouteRule) Matches(path string) bool {
	if !strings.HasPrefix(path, r.Prefix) {
		return false
	}
	if len(path) == len(r.Prefix) || strings.HasSuffix(r.Prefix, "/") {
		return true
	}
	return path[len(r.Prefix)] == '/'
}

// UpstreamPath 返回转发到后端的路径
func (r RouteRule) UpstreamPath(path string) string {
	if !r.StripPrefix {
		return path
	}
	rest := strings.TrimPrefix(path, strings.TrimSuffix(r.Prefix, "/"))
	if rest == "" || rest[0] != '/' {
		rest = "/" + rest
	}
	return rest
}

// RouteConfigError 路由配置校验错误
// Index为规则下标
type RouteConfigError struct {
	Index  int
	Reason string
}

// Error 实现error接口
func (e *RouteConfigError) Error() string {
	return "route[" + strconv.Itoa(e.Index) + "]: " + e.Reason
}

// ValidateRoutes 校验路由规则：前缀非空且以/开头，服务名非空，前缀不重复
func ValidateRoutes(rules []RouteRule) error {
	seen := make(map[string]int, len(rules))
	for i, r := range rules {
		if r.Prefix == "" {
			return &RouteConfigError{Index: i, Reason: "前缀不能为空"}
		}
		if r.Prefix[0] != '/' {
			return &RouteConfigError{Index: i, Reason: "前缀必须以/开头"}
		}
		if strings.TrimSpace(r.Service) == "" {
			return &RouteConfigError{Index: i, Reason: "服务名不能为空"}
		}
		if j, ok := seen[r.Prefix]; ok {
			return &RouteConfigError{Index: i, Reason: "前缀与route[" + strconv.Itoa(j) + "]重复: " + r.Prefix}
		}
		seen[r.Prefix] = i
	}
	return nil
}

// SortRoutes 返回按前缀长度降序排列的副本，长度相同时按前缀字典序
func SortRoutes(rules []RouteRule) []RouteRule {
	sorted := make([]RouteRule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		if len(sorted[i].Prefix) != len(sorted[j].Prefix) {
			return len(sorted[i].Prefix) > len(sorted[j].Prefix)
		}
		return sorted[i].Prefix < sorted[j].Prefix
	})
	return sorted
}
