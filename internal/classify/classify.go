// Package classify maps an inbound request to one of the four classes
// defined in the original spec's request classifier: malformed,
// health-ok, bypass, or enforce.
package classify

import (
	"strings"

	"github.com/uktrade/ip-filter/config"
)

// Verdict is the outcome of Classify.
type Verdict int

const (
	// VerdictMalformed means the request carries no usable client IP.
	VerdictMalformed Verdict = iota
	// VerdictHealthOK is a trivial health-check short-circuit.
	VerdictHealthOK
	// VerdictBypass skips access control and proceeds straight to the proxy.
	VerdictBypass
	// VerdictEnforce requires a C5 access-control decision.
	VerdictEnforce
)

const healthCheckUserAgentPrefix = "ELB-HealthChecker"

// Request is the subset of an inbound HTTP request Classify needs.
type Request struct {
	Path               string
	Host               string
	UserAgent          string
	XForwardedFor      string
	HasXForwardedFor   bool
}

// Result carries the verdict plus, for bypass/enforce, the resolved client
// IP (empty for malformed and health-ok).
type Result struct {
	Verdict  Verdict
	ClientIP string
}

// Classify implements §4.4. Conflict resolution between public/protected
// paths and pub/priv host lists is expected to have already run once, at
// config.Load time, via (*config.Settings).ResolveConflicts.
func Classify(req Request, settings *config.Settings) Result {
	isHealthCheckerAgent := strings.HasPrefix(req.UserAgent, healthCheckUserAgentPrefix)

	if !req.HasXForwardedFor {
		if isHealthCheckerAgent {
			return Result{Verdict: VerdictHealthOK}
		}
		return Result{Verdict: VerdictMalformed}
	}

	clientIP, ok := resolveXFFIndex(req.XForwardedFor, settings.XFFIndex)
	if !ok || clientIP == "" {
		return Result{Verdict: VerdictMalformed}
	}

	if bypasses(req, settings) {
		return Result{Verdict: VerdictBypass, ClientIP: clientIP}
	}

	return Result{Verdict: VerdictEnforce, ClientIP: clientIP}
}

// resolveXFFIndex selects the xffIndex-th element (negative indexes from the
// right) of the comma-separated XFF list, after trimming whitespace from
// each element.
func resolveXFFIndex(xff string, xffIndex int) (string, bool) {
	parts := strings.Split(xff, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	idx := xffIndex
	if idx < 0 {
		idx += len(parts)
	}
	if idx < 0 || idx >= len(parts) {
		return "", false
	}
	return parts[idx], true
}

func bypasses(req Request, s *config.Settings) bool {
	if !s.IPFilterEnabled {
		return true
	}

	if matchesAnyPrefix(req.Path, s.PublicPaths) {
		return true
	}

	pathIsProtected := len(s.ProtectedPaths) > 0 && matchesAnyPrefix(req.Path, s.ProtectedPaths)
	if len(s.ProtectedPaths) > 0 && !pathIsProtected {
		return true
	}

	if len(s.PubHostList) > 0 && contains(s.PubHostList, req.Host) {
		if !pathIsProtected {
			return true
		}
	}

	if len(s.PrivHostList) > 0 && !contains(s.PrivHostList, req.Host) {
		return true
	}

	return false
}

func matchesAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
