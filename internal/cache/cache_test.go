package cache

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tbourn/lms-api-gateway/internal/domain"
	"github.com/tbourn/lms-api-gateway/internal/metrics"
	"github.com/tbourn/lms-api-gateway/internal/store"
)

func TestKey_SortsQueryAndScopes(t *testing.T) {
	q := url.Values{}
	q.Add("sort", "price:asc")
	q.Add("page", "2")
	q.Add("city", "Austin")

	got := Key("get", "/api/v1/properties", q, "user:u1", "en")
	want := "cache:v1:GET:/api/v1/properties:city=Austin&page=2&sort=price%3Aasc:user:u1:en"
	if got != want {
		t.Fatalf("Key =\n  %s\nwant\n  %s", got, want)
	}

	reordered := url.Values{"page": {"2"}, "city": {"Austin"}, "sort": {"price:asc"}}
	if Key("GET", "/api/v1/properties", reordered, "user:u1", "en") != got {
		t.Fatalf("query order must not change the key")
	}
	if Key("GET", "/api/v1/properties", q, "user:u2", "en") == got {
		t.Fatalf("different users must not share a key")
	}
}

func TestKeyFor_AnonymousAndLanguage(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/reports?b=2&a=1", nil)
	r.Header.Set("Accept-Language", "fr-CA,fr;q=0.9,en;q=0.5")

	got := KeyFor(r, r.URL.Path, nil)
	if !strings.HasPrefix(got, KeyPrefix+":GET:/api/v1/reports:") {
		t.Fatalf("KeyFor = %q", got)
	}
	if !strings.HasSuffix(got, ":a=1&b=2:anonymous:fr") {
		t.Fatalf("KeyFor = %q", got)
	}
	got = KeyFor(r, r.URL.Path, &domain.AuthClaims{Subject: "42"})
	if !strings.Contains(got, ":user:42:") {
		t.Fatalf("KeyFor with claims = %q", got)
	}
}

func TestLanguage(t *testing.T) {
	cases := map[string]string{
		"":                  "en",
		"de-DE,de;q=0.9":    "de",
		"es-419":            "es",
		"ja":                "en",
		"not a language!!!": "en",
		"pt-BR, en;q=0.1":   "pt",
	}
	for in, want := range cases {
		if got := Language(in); got != want {
			t.Errorf("Language(%q) = %q; want %q", in, got, want)
		}
	}
}

func TestSaveLookup_RoundTrip(t *testing.T) {
	s := store.NewMemory()
	defer s.Close()
	c := New(s, 1024)
	base := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	c.now = func() time.Time { return base }

	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Set-Cookie", "secret=1")
	h.Set("ETag", `"abc"`)

	ctx := context.Background()
	c.Save(ctx, "k", http.StatusOK, h, []byte(`{"ok":true}`), time.Minute)

	e, ok := c.Lookup(ctx, "k")
	if !ok {
		t.Fatalf("expected hit")
	}
	if e.Status != http.StatusOK || string(e.Body) != `{"ok":true}` {
		t.Fatalf("entry = %+v", e)
	}
	if e.Header["Content-Type"] != "application/json" || e.Header["ETag"] != `"abc"` {
		t.Fatalf("headers = %v", e.Header)
	}
	if _, leaked := e.Header["Set-Cookie"]; leaked {
		t.Fatalf("Set-Cookie must not be cached")
	}

	c.now = func() time.Time { return base.Add(7 * time.Second) }
	if age := c.Age(e); age != 7*time.Second {
		t.Fatalf("Age = %v; want 7s", age)
	}
}

func TestSave_SkipsNon2xxAndOversize(t *testing.T) {
	s := store.NewMemory()
	defer s.Close()
	c := New(s, 8)
	ctx := context.Background()

	c.Save(ctx, "err", http.StatusInternalServerError, http.Header{}, []byte("x"), time.Minute)
	c.Save(ctx, "big", http.StatusOK, http.Header{}, []byte("0123456789"), time.Minute)
	c.Save(ctx, "nottl", http.StatusOK, http.Header{}, []byte("x"), 0)

	for _, k := range []string{"err", "big", "nottl"} {
		if _, ok := c.Lookup(ctx, k); ok {
			t.Fatalf("%s should not be cached", k)
		}
	}
}

type brokenStore struct{ store.Store }

func (brokenStore) Get(context.Context, string) ([]byte, error) {
	return nil, store.ErrUnavailable
}

func (brokenStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.Join(store.ErrUnavailable, errors.New("down"))
}

func TestLookup_StoreErrorIsMiss(t *testing.T) {
	c := New(brokenStore{}, 0)
	getErrs := testutil.ToFloat64(metrics.CacheErrors.WithLabelValues("get"))
	setErrs := testutil.ToFloat64(metrics.CacheErrors.WithLabelValues("set"))

	if _, ok := c.Lookup(context.Background(), "k"); ok {
		t.Fatalf("store error must be a miss")
	}
	c.Save(context.Background(), "k", http.StatusOK, http.Header{}, []byte("x"), time.Minute)

	if got := testutil.ToFloat64(metrics.CacheErrors.WithLabelValues("get")); got != getErrs+1 {
		t.Fatalf("get errors = %v; want %v", got, getErrs+1)
	}
	if got := testutil.ToFloat64(metrics.CacheErrors.WithLabelValues("set")); got != setErrs+1 {
		t.Fatalf("set errors = %v; want %v", got, setErrs+1)
	}
}

func TestLookup_CorruptEntryIsMiss(t *testing.T) {
	s := store.NewMemory()
	defer s.Close()
	_ = s.Set(context.Background(), "k", []byte("{not json"), time.Minute)

	if _, ok := New(s, 0).Lookup(context.Background(), "k"); ok {
		t.Fatalf("corrupt entry must be a miss")
	}
}
