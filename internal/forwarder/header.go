package forwarder

import (
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// HeaderRequestID 请求ID头
const HeaderRequestID = "X-Request-Id"

// hopHeaders 逐跳头部，不向上游或客户端转发
var hopHeaders = map[string]bool{
	"Te":                  true,
	"Connection":          true,
	"Proxy-Connection":    true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// connectionHeaders 返回Connection头中列出的头部名称
func connectionHeaders(h http.Header) map[string]bool {
	listed := make(map[string]bool)
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				listed[http.CanonicalHeaderKey(name)] = true
			}
		}
	}
	return listed
}

// CopyHeader 复制头部，跳过逐跳头部和Connection中列出的头部
func CopyHeader(dst, src http.Header) {
	listed := connectionHeaders(src)
	for k, vv := range src {
		if hopHeaders[k] || listed[k] {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// cloneHeaderExcluding 复制请求头，用于构造上游请求
func cloneHeaderExcluding(h http.Header) http.Header {
	hh := make(http.Header, len(h))
	CopyHeader(hh, h)
	return hh
}

// forwardedHeaders 设置X-Forwarded-*头，缺少请求ID时生成一个
func forwardedHeaders(out http.Header, in *http.Request) {
	if ip, _, err := net.SplitHostPort(in.RemoteAddr); err == nil {
		if prior := in.Header.Values("X-Forwarded-For"); len(prior) > 0 {
			ip = strings.Join(prior, ", ") + ", " + ip
		}
		out.Set("X-Forwarded-For", ip)
	}
	if in.Host != "" {
		out.Set("X-Forwarded-Host", in.Host)
	}
	proto := "http"
	if in.TLS != nil {
		proto = "https"
	}
	out.Set("X-Forwarded-Proto", proto)

	if out.Get(HeaderRequestID) == "" {
		out.Set(HeaderRequestID, uuid.NewString())
	}
}
