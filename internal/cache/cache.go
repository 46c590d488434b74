// Package cache implements the gateway's GET response cache on top of the
// shared key/value store.
//
// Keys have the shape
//
//	cache:v1:<METHOD>:<path>:<sorted query>:<scope>:<lang>
//
// where scope is "user:<sub>" for authenticated requests (or "anonymous")
// and lang is the best supported match of Accept-Language. Entries are JSON
// encoded domain.CacheEntry values.
//
// Failures never reach the client: a read error is a miss and a write error
// is logged (throttled) and dropped.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/text/language"
	"golang.org/x/time/rate"

	"github.com/tbourn/lms-api-gateway/internal/domain"
	"github.com/tbourn/lms-api-gateway/internal/metrics"
	"github.com/tbourn/lms-api-gateway/internal/store"
)

// KeyPrefix versions every cache key.
const KeyPrefix = "cache:v1"

// Response headers set on proxied GETs.
const (
	HeaderCache    = "X-Cache"
	HeaderCacheAge = "X-Cache-Age"
)

// cacheableHeaders are copied from the upstream response into the entry.
var cacheableHeaders = []string{"Content-Type", "ETag", "Last-Modified", "Cache-Control", "Content-Language"}

// supported languages for the key's language dimension; the first is the
// fallback when nothing matches.
var supported = []language.Tag{
	language.English,
	language.Spanish,
	language.French,
	language.German,
	language.Portuguese,
}

var matcher = language.NewMatcher(supported)

// Cache reads and writes response entries.
type Cache struct {
	store   store.Store
	maxBody int64
	now     func() time.Time
	warn    *rate.Sometimes
}

// New returns a Cache backed by s. Bodies larger than maxBody bytes are
// never stored.
func New(s store.Store, maxBody int64) *Cache {
	return &Cache{
		store:   s,
		maxBody: maxBody,
		now:     time.Now,
		warn:    &rate.Sometimes{Interval: 30 * time.Second},
	}
}

// Language reduces an Accept-Language header to a supported base tag such
// as "en" or "fr". Empty or unparsable input yields the fallback.
func Language(acceptLanguage string) string {
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return baseOf(supported[0])
	}
	_, idx, _ := matcher.Match(tags...)
	return baseOf(supported[idx])
}

func baseOf(t language.Tag) string {
	b, _ := t.Base()
	return b.String()
}

// Scope is the per-user key dimension.
func Scope(claims *domain.AuthClaims) string {
	if claims == nil || claims.Subject == "" {
		return "anonymous"
	}
	return "user:" + claims.Subject
}

// Key builds the cache key for method, path and query. Query parameters are
// sorted by name; repeated values keep their order.
func Key(method, path string, query url.Values, scope, lang string) string {
	return strings.Join([]string{
		KeyPrefix,
		strings.ToUpper(method),
		path,
		normalizeQuery(query),
		scope,
		lang,
	}, ":")
}

// KeyFor derives the key for an inbound request. path is the cleaned path
// the request was routed on, so equivalent spellings share an entry.
func KeyFor(r *http.Request, path string, claims *domain.AuthClaims) string {
	return Key(r.Method, path, r.URL.Query(), Scope(claims), Language(r.Header.Get("Accept-Language")))
}

func normalizeQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	names := make([]string, 0, len(q))
	for k := range q {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, k := range names {
		for _, v := range q[k] {
			parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "&")
}

// Lookup returns the entry stored under key. Any failure is reported as a
// miss; store errors are counted and logged.
func (c *Cache) Lookup(ctx context.Context, key string) (*domain.CacheEntry, bool) {
	b, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			metrics.CacheErrors.WithLabelValues("get").Inc()
			c.warn.Do(func() { log.Warn().Err(err).Msg("cache read failed; serving as miss") })
		}
		return nil, false
	}
	var e domain.CacheEntry
	if err := json.Unmarshal(b, &e); err != nil {
		metrics.CacheErrors.WithLabelValues("decode").Inc()
		return nil, false
	}
	return &e, true
}

// MaxBody is the largest storable body in bytes; zero means unbounded.
func (c *Cache) MaxBody() int64 { return c.maxBody }

// Storable reports whether a response with this status and body size may be
// cached.
func (c *Cache) Storable(status int, size int) bool {
	if status < 200 || status > 299 {
		return false
	}
	return c.maxBody <= 0 || int64(size) <= c.maxBody
}

// Save stores a 2xx response under key for ttl. Responses that are not
// Storable are skipped. Errors are counted, logged and dropped.
func (c *Cache) Save(ctx context.Context, key string, status int, header http.Header, body []byte, ttl time.Duration) {
	if ttl <= 0 || !c.Storable(status, len(body)) {
		return
	}
	e := domain.CacheEntry{
		Status:   status,
		Header:   pickHeaders(header),
		Body:     body,
		StoredAt: c.now().UTC(),
	}
	b, err := json.Marshal(e)
	if err != nil {
		metrics.CacheErrors.WithLabelValues("encode").Inc()
		return
	}
	if err := c.store.Set(ctx, key, b, ttl); err != nil {
		metrics.CacheErrors.WithLabelValues("set").Inc()
		c.warn.Do(func() { log.Warn().Err(err).Msg("cache write failed; response not cached") })
	}
}

// Age returns the entry's age relative to the cache clock.
func (c *Cache) Age(e *domain.CacheEntry) time.Duration {
	return e.Age(c.now())
}

func pickHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(cacheableHeaders))
	for _, k := range cacheableHeaders {
		if v := h.Get(k); v != "" {
			out[k] = v
		}
	}
	return out
}
