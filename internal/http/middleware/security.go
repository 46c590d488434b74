// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides StandardHeaders, which stamps the gateway's version
// and hardening headers on every response, including error envelopes,
// CORS rejections and cache hits. Because the headers are written before
// the chain runs, handlers that copy upstream responses must not let
// backend values overwrite them (see ManagedHeaders).
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// Version headers stamped on every response.
const (
	HeaderAPIVersion     = "X-API-Version"
	HeaderGatewayVersion = "X-Gateway-Version"
)

// StandardOptions configures StandardHeaders.
//
// EnableHSTS emits Strict-Transport-Security for HTTPS requests only. Only
// enable when traffic is HTTPS end-to-end.
//
// HSTSMaxAge defaults to 180 days when not positive.
//
// EnablePolicy adds Permissions-Policy and X-Permitted-Cross-Domain-Policies.
type StandardOptions struct {
	APIVersion     string
	GatewayVersion string
	EnableHSTS     bool
	HSTSMaxAge     time.Duration
	EnablePolicy   bool
}

var managedHeaders = []string{
	CorrelationIDHeader,
	HeaderAPIVersion,
	HeaderGatewayVersion,
	"X-Content-Type-Options",
	"X-Frame-Options",
	"X-XSS-Protection",
	"Referrer-Policy",
	"Permissions-Policy",
	"X-Permitted-Cross-Domain-Policies",
	"Strict-Transport-Security",
}

// ManagedHeaders lists the headers owned by the gateway. Backend response
// headers with these names are dropped.
func ManagedHeaders() []string { return managedHeaders }

// StandardHeaders returns a Gin middleware that adds the version and
// security headers to each response:
//
//	X-API-Version / X-Gateway-Version
//	X-Content-Type-Options: nosniff
//	X-Frame-Options: DENY
//	X-XSS-Protection: 1; mode=block
//	Referrer-Policy: strict-origin-when-cross-origin
//
// It also exposes X-Correlation-ID and the rate-limit headers to browser
// clients via Access-Control-Expose-Headers.
func StandardHeaders(opt StandardOptions) gin.HandlerFunc {
	maxAge := int(opt.HSTSMaxAge.Seconds())
	if maxAge <= 0 {
		maxAge = int((180 * 24 * time.Hour).Seconds())
	}
	hsts := "max-age=" + strconv.Itoa(maxAge) + "; includeSubDomains; preload"

	return func(c *gin.Context) {
		h := c.Writer.Header()

		if opt.APIVersion != "" {
			h.Set(HeaderAPIVersion, opt.APIVersion)
		}
		if opt.GatewayVersion != "" {
			h.Set(HeaderGatewayVersion, opt.GatewayVersion)
		}

		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")

		if opt.EnablePolicy {
			h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=()")
			h.Set("X-Permitted-Cross-Domain-Policies", "none")
		}

		if opt.EnableHSTS && isHTTPS(c.Request) {
			h.Set("Strict-Transport-Security", hsts)
		}

		for _, name := range []string{CorrelationIDHeader, "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "X-Cache"} {
			exposeHeader(h, name)
		}

		c.Next()
	}
}

// exposeHeader appends name to Access-Control-Expose-Headers without
// clobbering values set elsewhere.
func exposeHeader(h http.Header, name string) {
	const hdr = "Access-Control-Expose-Headers"
	cur := h.Get(hdr)
	switch {
	case cur == "":
		h.Set(hdr, name)
	case !strings.Contains(cur, name):
		h.Set(hdr, cur+", "+name)
	}
}

// isHTTPS reports whether the incoming request used HTTPS either directly
// or via a reverse proxy that set X-Forwarded-Proto: https.
func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
