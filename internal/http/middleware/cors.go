package middleware

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/tbourn/lms-api-gateway/internal/apierror"
)

// CORSOptions configures CORS. An empty AllowedOrigins list (or one
// containing "*") allows every origin without credentials.
type CORSOptions struct {
	AllowedOrigins []string
	MaxAge         time.Duration
}

// CORS answers preflights and stamps Access-Control-* headers via
// gin-contrib/cors. Cross-origin requests from origins outside the
// allow-list get the 403 CORS_REJECTED envelope instead of an empty 403.
// Every OPTIONS request ends here with 204.
func CORS(opt CORSOptions) gin.HandlerFunc {
	maxAge := opt.MaxAge
	if maxAge <= 0 {
		maxAge = 12 * time.Hour
	}

	allowAll := len(opt.AllowedOrigins) == 0
	allowed := make(map[string]struct{}, len(opt.AllowedOrigins))
	for _, o := range opt.AllowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = struct{}{}
	}

	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Accept-Language", "Authorization", CorrelationIDHeader, "X-Requested-With"},
		ExposeHeaders: []string{CorrelationIDHeader, "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "X-Cache", "X-Cache-Age", "Retry-After", "Content-Length"},
		MaxAge:        maxAge,
	}
	if allowAll {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = opt.AllowedOrigins
		cfg.AllowCredentials = true
	}
	apply := cors.New(cfg)

	return func(c *gin.Context) {
		if origin := c.GetHeader("Origin"); origin != "" && !allowAll && !sameOrigin(c.Request, origin) {
			if _, ok := allowed[origin]; !ok {
				apierror.Write(c, apierror.CORSRejected(origin))
				return
			}
		}

		apply(c)
		if c.IsAborted() {
			return
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// sameOrigin mirrors gin-contrib/cors: an Origin naming the request's own
// host is not a cross-origin request.
func sameOrigin(r *http.Request, origin string) bool {
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}
