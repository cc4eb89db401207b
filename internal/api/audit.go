package api

import (
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/alecgard/okrai/internal/auth"
)

// auditLog records an administrative change to the cache, alerts or budget.
// target names what was changed ("*" for the whole store).
func auditLog(r *http.Request, action, kind, target string, detail ...any) {
	attrs := make([]any, 0, 12+len(detail))
	attrs = append(attrs,
		"action", action,
		"kind", kind,
		"target", target,
		"remote", clientIP(r),
		"request_id", RequestIDFromContext(r.Context()),
	)
	if p := auth.PrincipalFromContext(r.Context()); p != nil {
		attrs = append(attrs, "principal_id", p.ID, "tenant", p.Tenant)
	}
	slog.Default().With("component", "audit").Info("admin action", append(attrs, detail...)...)
}

// clientIP prefers the first X-Forwarded-For hop, then the socket address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
