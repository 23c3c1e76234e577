package gateway

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/workersql/workersql/auth"
	"github.com/workersql/workersql/protocol"
)

// perimeter screens requests before authentication: HTTPS enforcement,
// then country allow/block lists, then client IP allow/block lists.
func (g *Gateway) perimeter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.cfg.EnforceHTTPS && !isHTTPS(r) {
			reject(w, r, "https", protocol.NewError(protocol.CodePermissionError,
				"plaintext requests are not accepted"))
			return
		}

		var country = strings.ToUpper(r.Header.Get("CF-IPCountry"))
		if blockedBy(country, g.cfg.AllowCountries, g.cfg.BlockCountries) {
			reject(w, r, "country", protocol.NewError(protocol.CodePermissionError,
				"requests from %s are not accepted", country))
			return
		}

		var ip = clientIP(r)
		if ipBlockedBy(ip, g.cfg.AllowIPs, g.cfg.BlockIPs) {
			reject(w, r, "ip", protocol.NewError(protocol.CodePermissionError,
				"requests from this address are not accepted"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// bodyLimit bounds request body sizes. Oversized bodies surface as a
// decode error on the handler's read.
func (g *Gateway) bodyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.cfg.MaxBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, g.cfg.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// requireAdmin gates the /admin surface on the configured tenant list.
func (g *Gateway) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var principal = auth.FromContext(r.Context())
		if principal == nil || !g.cfg.admin(principal.TenantID) {
			reject(w, r, "admin", protocol.NewError(protocol.CodePermissionError,
				"the admin surface requires an administrative tenant"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func reject(w http.ResponseWriter, r *http.Request, reason string, err *protocol.Error) {
	perimeterRejections.WithLabelValues(reason).Inc()
	writeError(w, r, err)
}

func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

// clientIP prefers the first X-Forwarded-For hop over the socket peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i != -1 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	var host, _, err = net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// blockedBy applies allow-then-block semantics: a non-empty allowlist
// admits only its members, and the blocklist rejects regardless.
func blockedBy(value string, allow, block []string) bool {
	for _, b := range block {
		if strings.EqualFold(b, value) {
			return true
		}
	}
	if len(allow) == 0 {
		return false
	}
	for _, a := range allow {
		if strings.EqualFold(a, value) {
			return false
		}
	}
	return true
}

// ipBlockedBy matches list entries as exact addresses or CIDR prefixes.
func ipBlockedBy(ip string, allow, block []string) bool {
	var addr, err = netip.ParseAddr(ip)
	if err != nil {
		// An unparseable peer is admitted only when no allowlist exists.
		return len(allow) != 0
	}
	if ipListMatch(addr, block) {
		return true
	}
	if len(allow) == 0 {
		return false
	}
	return !ipListMatch(addr, allow)
}

func ipListMatch(addr netip.Addr, list []string) bool {
	for _, entry := range list {
		if prefix, err := netip.ParsePrefix(entry); err == nil {
			if prefix.Contains(addr) {
				return true
			}
			continue
		}
		if other, err := netip.ParseAddr(entry); err == nil && other == addr {
			return true
		}
	}
	return false
}
