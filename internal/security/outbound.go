package security

import (
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// blockedPrefixes はOutboundGuardが静的検証で拒否するアドレス範囲。
// 解決後のアドレスはsafeurlのダイアラーが検証する。
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"), // メタデータIPを含む
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fc00::/7"),
}

// OutboundGuard は設定値のURLへ送信するHTTPクライアントを、HTTPSかつ公開アドレスのみに制限する。
type OutboundGuard struct {
	timeout time.Duration
}

// NewOutboundGuard はOutboundGuardを生成する。
func NewOutboundGuard(timeout time.Duration) *OutboundGuard {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &OutboundGuard{timeout: timeout}
}

// Client はsafeurlでラップしたHTTPクライアントを返す。
// DNS解決後のアドレスもダイアル時に検証されるため、DNSリバインディングでも内部へは到達しない。
func (g *OutboundGuard) Client() *http.Client {
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(g.timeout).
		SetAllowedSchemes("https").
		SetAllowedPorts(443).
		Build()
	return safeurl.Client(cfg).Client
}

// ValidateURL はDNS解決を伴わない事前検証を行う。
// httpsスキームでホストが空でなく、IPリテラルやlocalhostで内部を指していないことを確認する。
func (g *OutboundGuard) ValidateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("empty URL")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return fmt.Errorf("disallowed scheme: %q (https only)", u.Scheme)
	}
	if p := u.Port(); p != "" && p != "443" {
		return fmt.Errorf("disallowed port: %s", p)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", raw)
	}
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		for _, p := range blockedPrefixes {
			if p.Contains(addr) {
				return fmt.Errorf("blocked IP address: %s", addr)
			}
		}
	}
	return nil
}
