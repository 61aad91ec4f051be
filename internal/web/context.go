package web

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/JonMunkholm/ledgerclose/internal/core"
)

// userIDHeader names the operator when the form does not.
const userIDHeader = "X-User-ID"

// WithRequestMetadata adds the client IP and operator to ctx for logging
// and upload attribution.
func WithRequestMetadata(ctx context.Context, r *http.Request) context.Context {
	ctx = core.ContextWithIPAddress(ctx, clientIP(r))
	if user := requestUserID(r); user != "" {
		ctx = core.ContextWithUserID(ctx, user)
	}
	return ctx
}

// clientIP strips the port from RemoteAddr. TrustedRealIP has already
// replaced it with the forwarded address when the proxy is trusted.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// requestUserID prefers the user_id form field over the header.
func requestUserID(r *http.Request) string {
	if r.MultipartForm != nil {
		if v := strings.TrimSpace(r.FormValue("user_id")); v != "" {
			return v
		}
	}
	return strings.TrimSpace(r.Header.Get(userIDHeader))
}
