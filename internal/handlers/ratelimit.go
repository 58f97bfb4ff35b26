package handlers

import (
	"net"
	"net/http"
	"strings"
)

// RateLimiter is the minimal interface required to guard upload endpoints.
type RateLimiter interface {
	Allow(key string) bool
}

// allowRequest consults limiter under scope. Authenticated callers are keyed by
// user id, anonymous ones by client address.
func allowRequest(limiter RateLimiter, r *http.Request, scope, userID string) bool {
	if limiter == nil {
		return true
	}
	subject := "user:" + userID
	if userID == "" {
		subject = "ip:" + clientIP(r)
	}
	return limiter.Allow(scope + ":" + subject)
}

func clientIP(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}
