// Package server wires the request accessor, classifier, policy pipeline,
// access evaluator, and proxy engine into one http.Handler, matching the
// dependency-ordered flow from the component table: C7 tags the request,
// C4 classifies it, C2+C3 produce the effective policy for enforced
// requests, C5 decides, and C6 proxies on allow.
package server

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/uktrade/ip-filter/config"
	"github.com/uktrade/ip-filter/internal/access"
	"github.com/uktrade/ip-filter/internal/accesslog"
	"github.com/uktrade/ip-filter/internal/classify"
	"github.com/uktrade/ip-filter/internal/denypage"
	"github.com/uktrade/ip-filter/internal/log"
	"github.com/uktrade/ip-filter/internal/policy"
	"github.com/uktrade/ip-filter/internal/proxy"
	"github.com/uktrade/ip-filter/internal/request"
)

// PolicyMerger is the minimal shape Server needs from a policy merger,
// satisfied by both policy.Merge (wrapped) and *policy.CachingMerger.
type PolicyMerger interface {
	Merge(profileIDs []string) (*policy.EffectivePolicy, error)
}

// mergeFunc adapts a plain function to PolicyMerger.
type mergeFunc func([]string) (*policy.EffectivePolicy, error)

func (f mergeFunc) Merge(ids []string) (*policy.EffectivePolicy, error) { return f(ids) }

// Server holds everything the handler needs across requests: the immutable
// settings, the policy merger, the proxy engine, and the denial-page
// renderer.
type Server struct {
	Settings *config.Settings
	Merger   PolicyMerger
	Proxy    *proxy.Proxy
	DenyPage denypage.Renderer
}

// New builds a Server ready to be mounted as an http.Handler.
func New(settings *config.Settings, merger PolicyMerger, p *proxy.Proxy) *Server {
	return &Server{
		Settings: settings,
		Merger:   merger,
		Proxy:    p,
		DenyPage: denypage.NewHTMLRenderer(),
	}
}

// ServeHTTP implements the full per-request flow.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	logger := request.LoggerFromContext(ctx)
	requestID := request.IDFromContext(ctx)

	forwardedURL := externalURL(r)

	rec := accesslog.Record{
		Start:       start,
		Version:     log.ProcessVersion,
		Method:      r.Method,
		URL:         forwardedURL,
		URLOriginal: forwardedURL,
		HTTPVersion:   r.Proto,
		ContentType:   r.Header.Get("Content-Type"),
		ContentFormat: mimetype(r.Header.Get("Content-Type")),
		Referrer:      r.Header.Get("Referer"),
		UserAgent:   r.Header.Get("User-Agent"),
		XFF:         r.Header.Get("X-Forwarded-For"),
		Host:        r.Host,
		Level:       zerolog.InfoLevel,
		RequestID:   requestID,
	}
	rec.TraceHeaderValues = make(map[string]string)
	for _, h := range accesslog.TraceHeaderNames() {
		if v := r.Header.Get(h); v != "" {
			rec.TraceHeaderValues[h] = v
		}
	}
	defer func() {
		rec.End = time.Now()
		rec.Log(logger)
	}()

	classified := classify.Classify(classify.Request{
		Path:             r.URL.Path,
		Host:             r.Host,
		UserAgent:        r.Header.Get("User-Agent"),
		XForwardedFor:    r.Header.Get("X-Forwarded-For"),
		HasXForwardedFor: r.Header.Get("X-Forwarded-For") != "",
	}, s.Settings)

	switch classified.Verdict {
	case classify.VerdictMalformed:
		rec.StatusCode = http.StatusForbidden
		rec.Level = zerolog.ErrorLevel
		s.deny(w, r, requestID, "Unknown", "missing or invalid X-Forwarded-For")
		return

	case classify.VerdictHealthOK:
		rec.StatusCode = http.StatusOK
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
		return

	case classify.VerdictBypass:
		if err := s.Proxy.ServeHTTP(w, r, map[string]struct{}{"connection": {}}); err != nil {
			logger.Error().Err(err).Msg("origin request failed")
			rec.StatusCode = http.StatusInternalServerError
			rec.Level = zerolog.ErrorLevel
			w.WriteHeader(http.StatusInternalServerError)
		}
		return
	}

	eff, err := s.Merger.Merge(s.Settings.ProfileIDs)
	if err != nil {
		logger.Warn().Err(err).Msg("policy fetch failed")
		rec.StatusCode = http.StatusForbidden
		rec.Level = zerolog.WarnLevel
		s.deny(w, r, requestID, classified.ClientIP, policyDenyReason(err))
		return
	}

	decision := access.Evaluate(access.Request{
		ClientIP:         classified.ClientIP,
		Path:             r.URL.Path,
		Headers:          r.Header,
		Basic:            parseBasicAuth(r),
		AdditionalIPList: s.Settings.AdditionalIPList,
	}, eff)

	switch decision.Verdict {
	case access.VerdictChallenge:
		rec.StatusCode = http.StatusUnauthorized
		w.Header().Set("WWW-Authenticate", `Basic realm="Login Required"`)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("authentication required"))

	case access.VerdictAuthOK:
		rec.StatusCode = http.StatusOK
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))

	case access.VerdictAllow:
		if err := s.Proxy.ServeHTTP(w, r, decision.HeaderDenyList); err != nil {
			logger.Error().Err(err).Msg("origin request failed")
			rec.StatusCode = http.StatusInternalServerError
			rec.Level = zerolog.ErrorLevel
			w.WriteHeader(http.StatusInternalServerError)
		}

	default:
		rec.StatusCode = http.StatusForbidden
		rec.Level = zerolog.WarnLevel
		s.deny(w, r, requestID, classified.ClientIP, "")
	}
}

// policyDenyReason decides what the denial page may say about why the
// policy lookup failed: a PolicyFetchError's message is safe to surface (it
// describes a connectivity/config-agent problem, not the policy contents),
// while a ValidationError means a fetched document failed schema validation
// and must not leak any of its contents to the client.
func policyDenyReason(err error) string {
	var fetchErr *policy.PolicyFetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.Error()
	}
	return "policy unavailable"
}

func (s *Server) deny(w http.ResponseWriter, r *http.Request, requestID, clientIP, reason string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)
	s.DenyPage.Render(w, denypage.Data{
		EmailName:       s.Settings.EmailName,
		Email:           s.Settings.Email,
		EnvironmentName: s.Settings.EnvironmentName,
		ClientIP:        clientIP,
		RequestID:       requestID,
		ForwardedURL:    externalURL(r),
		Reason:          reason,
	})
}

// externalURL reconstructs the URL as the client addressed it - scheme,
// Host header, and the raw request target - matching Flask's request.url,
// which the original denial page and access log both render verbatim.
func externalURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.RequestURI
}

// parseBasicAuth extracts HTTP Basic credentials without relying on
// http.Request.BasicAuth's constant-time internals, since access.Evaluate
// owns the constant-time comparison itself.
func parseBasicAuth(r *http.Request) access.BasicCredentials {
	auth := r.Header.Get("Authorization")
	const prefix = "Basic "
	if !strings.HasPrefix(auth, prefix) {
		return access.BasicCredentials{}
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, prefix))
	if err != nil {
		return access.BasicCredentials{}
	}

	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return access.BasicCredentials{}
	}

	return access.BasicCredentials{Present: true, Username: username, Password: password}
}

// mimetype strips any parameters (e.g. "; charset=utf-8") from a
// Content-Type header, mirroring Flask's request.mimetype.
func mimetype(contentType string) string {
	mt, _, _ := strings.Cut(contentType, ";")
	return strings.TrimSpace(mt)
}
