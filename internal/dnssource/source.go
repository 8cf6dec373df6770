package dnssource

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/rainbowforest/api-gateway/internal/config"
	"github.com/rainbowforest/api-gateway/internal/model"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultTimeout = 2 * time.Second
	// maxParallel 同时进行的SRV查询数量
	maxParallel = 8
)

// Source 通过DNS SRV记录发现服务实例
// 服务 svc 的实例来自 _svc._tcp.<domain> 的SRV记录
type Source struct {
	client   *dns.Client
	server   string
	domain   string
	services []string
	cache    *addrCache
	logger   config.Logger
}

// New 创建DNS数据源，services为需要解析的服务名列表
func New(cfg *config.Config, services []string, logger config.Logger) *Source {
	timeout := cfg.Registry.DNS.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	server := cfg.Registry.DNS.Server
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}

	return &Source{
		client: &dns.Client{
			Net:     "udp",
			Timeout: timeout,
		},
		server:   server,
		domain:   dns.Fqdn(strings.TrimPrefix(cfg.Registry.DNS.Domain, ".")),
		services: dedupe(services),
		cache:    newAddrCache(),
		logger:   logger,
	}
}

// Name 实现registry.Source接口
func (s *Source) Name() string {
	return config.SourceDNS
}

// List 并发查询每个服务的SRV记录
// 任一查询在传输层失败时整体返回错误，NXDOMAIN视为没有实例
func (s *Source) List(ctx context.Context) ([]*model.InstanceRecord, error) {
	var (
		mu      sync.Mutex
		records []*model.InstanceRecord
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for _, service := range s.services {
		g.Go(func() error {
			found, err := s.lookup(gctx, service)
			if err != nil {
				return err
			}
			mu.Lock()
			records = append(records, found...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	s.cache.CleanupExpired()

	if records == nil {
		records = []*model.InstanceRecord{}
	}
	return records, nil
}

// lookup 查询单个服务的SRV记录，目标地址优先取附加段中的A/AAAA记录
func (s *Source) lookup(ctx context.Context, service string) ([]*model.InstanceRecord, error) {
	name := s.srvName(service)
	resp, err := s.exchange(ctx, name, dns.TypeSRV)
	if err != nil {
		return nil, err
	}
	if resp.Rcode == dns.RcodeNameError {
		s.logger.Debug("服务没有SRV记录", zap.String("name", name))
		return nil, nil
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("查询%s失败: %s", name, dns.RcodeToString[resp.Rcode])
	}

	glue := make(map[string]string)
	for _, rr := range resp.Extra {
		switch v := rr.(type) {
		case *dns.A:
			glue[strings.ToLower(v.Hdr.Name)] = v.A.String()
		case *dns.AAAA:
			if _, ok := glue[strings.ToLower(v.Hdr.Name)]; !ok {
				glue[strings.ToLower(v.Hdr.Name)] = v.AAAA.String()
			}
		}
	}

	var records []*model.InstanceRecord
	for _, rr := range resp.Answer {
		srv, ok := rr.(*dns.SRV)
		if !ok {
			continue
		}

		target := strings.ToLower(srv.Target)
		ip, ok := glue[target]
		if !ok {
			ip, err = s.resolveTarget(ctx, target)
			if err != nil {
				s.logger.Warn("解析SRV目标失败，忽略该实例",
					zap.String("service", service),
					zap.String("target", target),
					zap.Error(err))
				continue
			}
		}

		records = append(records, &model.InstanceRecord{
			ServiceName: service,
			InstanceID:  fmt.Sprintf("%s:%d", strings.TrimSuffix(target, "."), srv.Port),
			IPAddress:   ip,
			Port:        int(srv.Port),
			TTL:         int(srv.Hdr.Ttl),
			Metadata: map[string]string{
				"priority": fmt.Sprint(srv.Priority),
				"weight":   fmt.Sprint(srv.Weight),
			},
		})
	}

	s.logger.Debug("解析SRV记录完成",
		zap.String("name", name),
		zap.Int("instances", len(records)))
	return records, nil
}

// resolveTarget 查询SRV目标的A记录，没有时再查AAAA，结果按记录TTL缓存
func (s *Source) resolveTarget(ctx context.Context, target string) (string, error) {
	if ip := net.ParseIP(strings.TrimSuffix(target, ".")); ip != nil {
		return ip.String(), nil
	}

	if ip, ok := s.cache.Get(target); ok {
		return ip, nil
	}

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		resp, err := s.exchange(ctx, target, qtype)
		if err != nil {
			return "", err
		}
		for _, rr := range resp.Answer {
			var ip string
			switch v := rr.(type) {
			case *dns.A:
				ip = v.A.String()
			case *dns.AAAA:
				ip = v.AAAA.String()
			default:
				continue
			}
			s.cache.Set(target, ip, time.Duration(rr.Header().Ttl)*time.Second)
			return ip, nil
		}
	}
	return "", fmt.Errorf("%s没有A或AAAA记录", target)
}

func (s *Source) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	req := new(dns.Msg)
	req.SetQuestion(name, qtype)
	req.RecursionDesired = true

	resp, _, err := s.client.ExchangeContext(ctx, req, s.server)
	if err != nil {
		return nil, fmt.Errorf("查询DNS %s %s失败: %w", name, dns.TypeToString[qtype], err)
	}
	if resp.Truncated {
		tcp := &dns.Client{Net: "tcp", Timeout: s.client.Timeout}
		resp, _, err = tcp.ExchangeContext(ctx, req, s.server)
		if err != nil {
			return nil, fmt.Errorf("通过TCP查询DNS %s失败: %w", name, err)
		}
	}
	return resp, nil
}

func (s *Source) srvName(service string) string {
	return "_" + service + "._tcp." + s.domain
}

func dedupe(services []string) []string {
	seen := make(map[string]struct{}, len(services))
	out := make([]string, 0, len(services))
	for _, svc := range services {
		if _, ok := seen[svc]; ok || svc == "" {
			continue
		}
		seen[svc] = struct{}{}
		out = append(out, svc)
	}
	return out
}
