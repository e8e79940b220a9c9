package middleware

import (
	"fmt"
	"net/http"
	"net/netip"

	"github.com/gin-gonic/gin"
)

// DefaultTrustedNetworks は内部サービスからの呼び出しとみなす既定のアドレス範囲。
// ループバックとプライベートアドレスのみ。
var DefaultTrustedNetworks = []string{
	"127.0.0.0/8", "::1/128",
	"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16",
	"fc00::/7",
}

// ParsePrefixes はCIDR表記の一覧をパースする。
func ParsePrefixes(cidrs []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, s := range cidrs {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("アドレス範囲 %q のパースに失敗: %w", s, err)
		}
		prefixes = append(prefixes, p.Masked())
	}
	return prefixes, nil
}

// TrustedNetwork は接続元アドレスがprefixesのいずれかに含まれるリクエストだけを通す。
// X-Forwarded-For は見ずに、TCP接続の相手先アドレスで判定する。
// 拒否時はrejectを呼ぶ。rejectがnilなら403を返す。
func TrustedNetwork(prefixes []netip.Prefix, reject gin.HandlerFunc) gin.HandlerFunc {
	if reject == nil {
		reject = func(c *gin.Context) { c.AbortWithStatus(http.StatusForbidden) }
	}
	return func(c *gin.Context) {
		if !containsAddr(prefixes, c.RemoteIP()) {
			reject(c)
			c.Abort()
			return
		}
		c.Next()
	}
}

func containsAddr(prefixes []netip.Prefix, remote string) bool {
	addr, err := netip.ParseAddr(remote)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
