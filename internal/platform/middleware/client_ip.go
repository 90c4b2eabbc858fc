package middleware

import (
	"fmt"
	"net"
	"strings"

	"github.com/labstack/echo/v4"
)

// ClientIPExtractor decides what c.RealIP() returns, and with it the key of
// every rate-limit bucket and the ip_address of every audit entry. With no
// trusted proxies the TCP peer address is used and forwarding headers are
// ignored. Otherwise X-Forwarded-For is honoured only for hops inside the
// given CIDR ranges.
func ClientIPExtractor(trustedProxies []string) (echo.IPExtractor, error) {
	var opts []echo.TrustOption
	for _, raw := range trustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			if ip := net.ParseIP(raw); ip != nil && ip.To4() != nil {
				raw += "/32"
			} else {
				raw += "/128"
			}
		}
		_, ipNet, err := net.ParseCIDR(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
		}
		opts = append(opts, echo.TrustIPRange(ipNet))
	}
	if len(opts) == 0 {
		return echo.ExtractIPDirect(), nil
	}
	opts = append(opts,
		echo.TrustLoopback(false),
		echo.TrustLinkLocal(false),
		echo.TrustPrivateNet(false),
	)
	return echo.ExtractIPFromXFFHeader(opts...), nil
}
