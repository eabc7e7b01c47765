package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uktrade/ip-filter/config"
	"github.com/uktrade/ip-filter/internal/policy"
	"github.com/uktrade/ip-filter/internal/proxy"
	"github.com/uktrade/ip-filter/internal/request"
)

func newTestServer(t *testing.T, settings *config.Settings, eff *policy.EffectivePolicy, origin *httptest.Server) *Server {
	t.Helper()
	u, err := url.Parse(origin.URL)
	require.NoError(t, err)

	merger := mergeFunc(func([]string) (*policy.EffectivePolicy, error) { return eff, nil })
	return New(settings, merger, proxy.New(u.Scheme, u.Host))
}

// withRequestContext runs r through request.Middleware and returns the
// request carrying the request-id/logger context it attaches, since
// Middleware itself only forwards to the next handler.
func withRequestContext(r *http.Request) *http.Request {
	var captured *http.Request
	wrapped := request.Middleware(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		captured = req
	}))
	wrapped.ServeHTTP(httptest.NewRecorder(), r)
	return captured
}

func TestServeHTTPMalformedWithoutXFF(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("origin should not be called")
	}))
	defer origin.Close()

	settings := &config.Settings{IPFilterEnabled: true}
	s := newTestServer(t, settings, &policy.EffectivePolicy{}, origin)

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	req.RequestURI = "/anything"
	req.Header.Set("User-Agent", "curl/8.0")
	req = withRequestContext(req)

	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestServeHTTPHealthCheckOK(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("origin should not be called")
	}))
	defer origin.Close()

	settings := &config.Settings{IPFilterEnabled: true}
	s := newTestServer(t, settings, &policy.EffectivePolicy{}, origin)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RequestURI = "/healthz"
	req.Header.Set("User-Agent", "ELB-HealthChecker/2.0")
	req = withRequestContext(req)

	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "OK", rr.Body.String())
}

func TestServeHTTPIPFilterDisabledBypassesToOrigin(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer origin.Close()

	settings := &config.Settings{IPFilterEnabled: false}
	s := newTestServer(t, settings, &policy.EffectivePolicy{}, origin)

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	req.RequestURI = "/anything"
	req.Header.Set("X-Forwarded-For", "1.2.3.4")
	req = withRequestContext(req)

	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusTeapot, rr.Code)
}

func TestServeHTTPEnforcedAndAllowed(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("origin-ok"))
	}))
	defer origin.Close()

	settings := &config.Settings{IPFilterEnabled: true}
	eff := &policy.EffectivePolicy{IPNetworks: []string{"1.2.3.4/32"}}
	s := newTestServer(t, settings, eff, origin)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.RequestURI = "/protected"
	req.Header.Set("X-Forwarded-For", "1.2.3.4")
	req = withRequestContext(req)

	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "origin-ok", rr.Body.String())
}

func TestServeHTTPEnforcedAndDeniedRendersRequestID(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("origin should not be called")
	}))
	defer origin.Close()

	settings := &config.Settings{IPFilterEnabled: true}
	s := newTestServer(t, settings, &policy.EffectivePolicy{}, origin)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.RequestURI = "/protected"
	req.Header.Set("X-Forwarded-For", "9.9.9.9")
	req.Header.Set("X-B3-TraceId", "1234magictraceid")
	req = withRequestContext(req)

	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Contains(t, rr.Body.String(), "1234magictraceid")
}

func TestServeHTTPSurfacesPolicyFetchErrorReasonOnDenyPage(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("origin should not be called")
	}))
	defer origin.Close()

	u, err := url.Parse(origin.URL)
	require.NoError(t, err)

	fetchErr := &policy.PolicyFetchError{ProfileID: "app:prod:a", Err: errors.New("config agent unreachable")}
	merger := mergeFunc(func([]string) (*policy.EffectivePolicy, error) { return nil, fetchErr })
	s := New(&config.Settings{IPFilterEnabled: true}, merger, proxy.New(u.Scheme, u.Host))

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.RequestURI = "/protected"
	req.Header.Set("X-Forwarded-For", "1.2.3.4")
	req = withRequestContext(req)

	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Contains(t, rr.Body.String(), fetchErr.Error())
}

func TestServeHTTPHidesValidationErrorReasonOnDenyPage(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("origin should not be called")
	}))
	defer origin.Close()

	u, err := url.Parse(origin.URL)
	require.NoError(t, err)

	validationErr := &policy.ValidationError{ProfileID: "app:prod:a", Err: errors.New("invalid IP network \"1.1.1.1/16\"")}
	merger := mergeFunc(func([]string) (*policy.EffectivePolicy, error) { return nil, validationErr })
	s := New(&config.Settings{IPFilterEnabled: true}, merger, proxy.New(u.Scheme, u.Host))

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.RequestURI = "/protected"
	req.Header.Set("X-Forwarded-For", "1.2.3.4")
	req = withRequestContext(req)

	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.NotContains(t, rr.Body.String(), "1.1.1.1/16")
}
