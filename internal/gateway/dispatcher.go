// Package gateway implements the request pipeline that every non-local
// request runs through:
//
//	resolve → authenticate → rate limit → validate → cache lookup
//	  → select instance → forward → cache store → respond
//
// Each stage either advances or returns an *apierror.Error; fail is the
// single place where such an error becomes a response. Requests rejected
// before the rate-limit stage still count against the global class, so
// unknown routes and bad credentials cannot bypass the budget. The dispatcher is
// mounted as the Gin NoRoute handler, so gateway-local endpoints (/health,
// /metrics, …) never reach it.
package gateway

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/lms-api-gateway/internal/apierror"
	"github.com/tbourn/lms-api-gateway/internal/auth"
	"github.com/tbourn/lms-api-gateway/internal/cache"
	"github.com/tbourn/lms-api-gateway/internal/domain"
	"github.com/tbourn/lms-api-gateway/internal/http/middleware"
	"github.com/tbourn/lms-api-gateway/internal/metrics"
	"github.com/tbourn/lms-api-gateway/internal/proxy"
	"github.com/tbourn/lms-api-gateway/internal/ratelimit"
	"github.com/tbourn/lms-api-gateway/internal/registry"
)

// Rate-limit headers.
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
)

// Options wires the dispatcher's collaborators. Cache may be nil to
// disable response caching.
type Options struct {
	Routes    []domain.RouteDescriptor
	Registry  *registry.Registry
	Forwarder *proxy.Forwarder
	Guard     *auth.Guard
	Limiter   *ratelimit.Limiter
	Cache     *cache.Cache
}

// Dispatcher routes, guards and proxies requests.
type Dispatcher struct {
	matcher    *RouteMatcher
	validators map[string]*Validator
	reg        *registry.Registry
	fwd        *proxy.Forwarder
	guard      *auth.Guard
	limiter    *ratelimit.Limiter
	cache      *cache.Cache
	managed    map[string]struct{}
	now        func() time.Time
}

// New builds a Dispatcher. Every route's service must be known to the
// registry.
func New(o Options) (*Dispatcher, error) {
	if o.Registry == nil || o.Forwarder == nil || o.Guard == nil || o.Limiter == nil {
		return nil, errors.New("gateway: registry, forwarder, guard and limiter are required")
	}
	d := &Dispatcher{
		matcher:    NewRouteMatcher(o.Routes),
		validators: make(map[string]*Validator, len(o.Routes)),
		reg:        o.Registry,
		fwd:        o.Forwarder,
		guard:      o.Guard,
		limiter:    o.Limiter,
		cache:      o.Cache,
		managed:    make(map[string]struct{}),
		now:        time.Now,
	}
	known := make(map[string]struct{})
	for _, s := range o.Registry.Services() {
		known[s] = struct{}{}
	}
	for i := range o.Routes {
		r := &o.Routes[i]
		if _, ok := known[r.Service]; !ok {
			return nil, fmt.Errorf("gateway: route %q targets unknown service %q", r.Name, r.Service)
		}
		v, err := NewValidator(r)
		if err != nil {
			return nil, err
		}
		d.validators[r.Name] = v
	}
	for _, h := range middleware.ManagedHeaders() {
		d.managed[http.CanonicalHeaderKey(h)] = struct{}{}
	}
	return d, nil
}

// Handle runs the pipeline for one request.
func (d *Dispatcher) Handle(c *gin.Context) {
	rc := &domain.RequestContext{
		CorrelationID: middleware.CorrelationIDFrom(c),
		ClientIP:      c.ClientIP(),
		Start:         d.now(),
	}

	upstreamPath, err := d.resolve(c, rc)
	if err != nil {
		d.fail(c, rc, d.chargeRejected(c, rc, err))
		return
	}
	if err := d.authenticate(c, rc); err != nil {
		d.fail(c, rc, d.chargeRejected(c, rc, err))
		return
	}
	rc.ClientKey = domain.ClientKeyFor(rc.Claims, rc.ClientIP)
	if err := d.rateLimit(c, rc, rc.Route.RateClass); err != nil {
		d.fail(c, rc, err)
		return
	}
	if err := d.validate(c, rc); err != nil {
		d.fail(c, rc, err)
		return
	}

	cacheKey := ""
	if d.cache != nil && rc.Route.Cacheable(c.Request.Method) {
		cacheKey = cache.KeyFor(c.Request, CleanPath(c.Request.URL.Path), rc.Claims)
		if e, ok := d.cache.Lookup(c.Request.Context(), cacheKey); ok {
			metrics.CacheHits.WithLabelValues(rc.Route.Name).Inc()
			d.serveCached(c, e)
			return
		}
		metrics.CacheMisses.WithLabelValues(rc.Route.Name).Inc()
		c.Header(cache.HeaderCache, "MISS")
	}

	inst, err := d.selectInstance(rc)
	if err != nil {
		d.fail(c, rc, err)
		return
	}
	if err := d.proxy(c, rc, inst, upstreamPath, cacheKey); err != nil {
		d.fail(c, rc, err)
	}
}

// fail converts a stage error into the error envelope.
func (d *Dispatcher) fail(c *gin.Context, rc *domain.RequestContext, e *apierror.Error) {
	if e.Status < http.StatusInternalServerError {
		lg := middleware.LoggerFrom(c).Debug().Int("status", e.Status).Str("code", e.Code)
		if rc.Route != nil {
			lg = lg.Str("route", rc.Route.Name)
		}
		lg.Msg(e.Message)
	}
	apierror.Write(c, e)
}

func (d *Dispatcher) resolve(c *gin.Context, rc *domain.RequestContext) (string, *apierror.Error) {
	method, raw := c.Request.Method, c.Request.URL.Path
	clean := CleanPath(raw)
	route, matched, allow := d.matcher.Match(method, clean)
	if route == nil {
		if matched {
			c.Header("Allow", joinAllow(allow))
			return "", apierror.MethodNotAllowed(method, raw)
		}
		return "", apierror.NotFound(method, raw)
	}
	rc.Route, rc.Service = route, route.Service
	c.Set(middleware.RouteKey, route.Name)
	return route.UpstreamPath(clean), nil
}

func (d *Dispatcher) validate(c *gin.Context, rc *domain.RequestContext) *apierror.Error {
	v := d.validators[rc.Route.Name]
	if v == nil {
		return nil
	}
	errs := v.Query(c.Request.URL.Query())

	if v.HasBodyRules() && hasBody(c.Request.Method) {
		b, err := io.ReadAll(c.Request.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				errs = append(errs, apierror.FieldError{Field: "body", Message: "Request body exceeds " + strconv.FormatInt(tooLarge.Limit, 10) + " bytes"})
				return apierror.Validation(errs)
			}
			return apierror.Internal(fmt.Errorf("read request body: %w", err))
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(b))
		c.Request.ContentLength = int64(len(b))
		errs = append(errs, v.Body(b)...)
	}

	if len(errs) > 0 {
		return apierror.Validation(errs)
	}
	return nil
}

func (d *Dispatcher) authenticate(c *gin.Context, rc *domain.RequestContext) *apierror.Error {
	if !rc.Route.AuthRequired {
		return nil
	}
	claims, err := d.guard.Verify(c.Request.Context(), c.GetHeader("Authorization"))
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		return apierror.Unauthorized("Access token is required")
	case errors.Is(err, auth.ErrRevokedToken):
		return apierror.TokenRevoked()
	case err != nil:
		return apierror.Unauthorized("Invalid token")
	}
	rc.Claims = claims
	c.Set(middleware.UserIDKey, claims.Subject)

	if !auth.Authorize(rc.Route, claims) {
		return apierror.Forbidden("Insufficient permissions")
	}
	return nil
}

// chargeRejected counts a request that is about to be rejected against the
// global class. It returns the 429 once that budget is spent and rejected
// otherwise.
func (d *Dispatcher) chargeRejected(c *gin.Context, rc *domain.RequestContext, rejected *apierror.Error) *apierror.Error {
	rc.ClientKey = domain.ClientKeyFor(rc.Claims, rc.ClientIP)
	if err := d.rateLimit(c, rc, domain.GlobalRateClass); err != nil {
		return err
	}
	return rejected
}

func (d *Dispatcher) rateLimit(c *gin.Context, rc *domain.RequestContext, class string) *apierror.Error {
	dec := d.limiter.Check(c.Request.Context(), rc.ClientKey, class)
	if dec.Limit > 0 {
		c.Header(HeaderRateLimitLimit, strconv.Itoa(dec.Limit))
		c.Header(HeaderRateLimitRemaining, strconv.Itoa(dec.Remaining))
		c.Header(HeaderRateLimitReset, strconv.FormatInt(dec.ResetAt.Unix(), 10))
	}
	if !dec.Permitted {
		middleware.LoggerFrom(c).Info().
			Str("class", dec.Class).
			Str("client", rc.ClientKey).
			Msg("rate limit exceeded")
		return apierror.RateLimited(dec.RetryAfter(d.now()), dec.ResetAt)
	}
	return nil
}

func (d *Dispatcher) selectInstance(rc *domain.RequestContext) (*registry.Instance, *apierror.Error) {
	inst, err := d.reg.Select(rc.Service)
	if err != nil {
		metrics.ProxyErrors.WithLabelValues(rc.Service, "no_instance").Inc()
		return nil, apierror.Unavailable(rc.Service, err)
	}
	return inst, nil
}

func (d *Dispatcher) serveCached(c *gin.Context, e *domain.CacheEntry) {
	h := c.Writer.Header()
	for k, v := range e.Header {
		h.Set(k, v)
	}
	h.Set(cache.HeaderCache, "HIT")
	h.Set(cache.HeaderCacheAge, strconv.Itoa(int(d.cache.Age(e).Seconds())))
	h.Set("Content-Length", strconv.Itoa(len(e.Body)))
	c.Status(e.Status)
	_, _ = c.Writer.Write(e.Body)
	c.Abort()
}

func (d *Dispatcher) proxy(c *gin.Context, rc *domain.RequestContext, inst *registry.Instance, upstreamPath, cacheKey string) *apierror.Error {
	release := inst.Acquire()
	defer release()

	start := time.Now()
	resp, err := d.fwd.Forward(c.Request.Context(), inst.URL, proxy.Request{
		Method:        c.Request.Method,
		Path:          upstreamPath,
		RawQuery:      c.Request.URL.RawQuery,
		Header:        c.Request.Header,
		Body:          c.Request.Body,
		ContentLength: c.Request.ContentLength,
		Host:          c.Request.Host,
		RemoteIP:      rc.ClientIP,
		TLS:           c.Request.TLS != nil,
		CorrelationID: rc.CorrelationID,
		Claims:        rc.Claims,
	})
	latency := time.Since(start)
	if err != nil {
		switch {
		case errors.Is(err, proxy.ErrClientCanceled):
			metrics.ProxyErrors.WithLabelValues(rc.Service, "canceled").Inc()
			middleware.LoggerFrom(c).Debug().Err(err).Msg("client went away before upstream answered")
			c.Abort()
			return nil
		case errors.Is(err, proxy.ErrUpstreamTimeout):
			d.reg.Report(inst, false, latency)
			metrics.ProxyErrors.WithLabelValues(rc.Service, "timeout").Inc()
			return apierror.UpstreamTimeout(rc.Service, err)
		default:
			d.reg.Report(inst, false, latency)
			metrics.ProxyErrors.WithLabelValues(rc.Service, "unreachable").Inc()
			return apierror.UpstreamUnreachable(rc.Service, err)
		}
	}
	defer resp.Body.Close()
	d.reg.Report(inst, resp.StatusCode < http.StatusInternalServerError, latency)

	h := c.Writer.Header()
	for k, vv := range resp.Header {
		if _, owned := d.managed[http.CanonicalHeaderKey(k)]; owned {
			continue
		}
		h[k] = vv
	}

	if cacheKey != "" && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.respondAndStore(c, rc, resp, cacheKey)
		return nil
	}

	c.Status(resp.StatusCode)
	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		d.streamFailed(c, rc, err)
	}
	c.Abort()
	return nil
}

// respondAndStore buffers up to the cache's body cap, answers the client
// and stores the response when it fit.
func (d *Dispatcher) respondAndStore(c *gin.Context, rc *domain.RequestContext, resp *http.Response, key string) {
	var (
		buf []byte
		err error
	)
	limit := d.cache.MaxBody()
	if limit > 0 {
		buf, err = io.ReadAll(io.LimitReader(resp.Body, limit+1))
	} else {
		buf, err = io.ReadAll(resp.Body)
	}

	c.Status(resp.StatusCode)
	_, _ = c.Writer.Write(buf)
	if err != nil {
		d.streamFailed(c, rc, err)
		c.Abort()
		return
	}
	if limit > 0 && int64(len(buf)) > limit {
		if _, err := io.Copy(c.Writer, resp.Body); err != nil {
			d.streamFailed(c, rc, err)
		}
		c.Abort()
		return
	}
	d.cache.Save(c.Request.Context(), key, resp.StatusCode, resp.Header, buf, rc.Route.CacheTTL)
	c.Abort()
}

// streamFailed logs a body copy that broke after headers were sent; the
// status can no longer change.
func (d *Dispatcher) streamFailed(c *gin.Context, rc *domain.RequestContext, err error) {
	metrics.ProxyErrors.WithLabelValues(rc.Service, "stream").Inc()
	middleware.LoggerFrom(c).Warn().Err(err).Str("service", rc.Service).Msg("upstream body copy failed")
}

func hasBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

func joinAllow(methods []string) string {
	return strings.Join(append(methods, http.MethodOptions), ", ")
}
