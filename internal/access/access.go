// Package access implements the access-control evaluator (C5): given an
// enforced request and an effective policy, it decides whether to allow,
// deny, challenge for basic-auth credentials, or confirm a login.
package access

import (
	"crypto/subtle"
	"net"
	"strings"

	"github.com/uktrade/ip-filter/internal/policy"
)

// Verdict is the outcome of Evaluate.
type Verdict int

const (
	// VerdictDeny renders the access-denied page.
	VerdictDeny Verdict = iota
	// VerdictChallenge asks the client for HTTP Basic credentials.
	VerdictChallenge
	// VerdictAuthOK confirms a login without calling the origin.
	VerdictAuthOK
	// VerdictAllow proceeds to the proxy.
	VerdictAllow
)

// BasicCredentials is what the request presented, if anything, via the
// Authorization header.
type BasicCredentials struct {
	Present  bool
	Username string
	Password string
}

// Request is the subset of an enforced request Evaluate needs.
type Request struct {
	ClientIP string
	Path     string
	Headers  map[string][]string
	Basic    BasicCredentials

	// AdditionalIPList comes from Settings, not the effective policy (§3):
	// each entry is either a bare address or a CIDR.
	AdditionalIPList []string
}

// Decision is Evaluate's full result, including the header deny-list an
// allow verdict must carry into the proxy engine.
type Decision struct {
	Verdict       Verdict
	HeaderDenyList map[string]struct{}
}

// Evaluate implements §4.5's verdict precedence: challenge > auth-ok > allow
// > deny.
func Evaluate(req Request, eff *policy.EffectivePolicy) Decision {
	ipOK := ipInWhitelist(req.ClientIP, eff, req.AdditionalIPList)
	sharedTokenOK := sharedTokenChecksPassed(req.Headers, eff.SharedTokens)

	onAuthPathAndOK, onAuthPath := basicAuthPathChecks(req, eff.BasicAuth)
	basicAuthChecksPassed := len(eff.BasicAuth) == 0 || anyTrue(basicAuthAllOK(req, eff.BasicAuth))

	denyList := headerDenyList(eff.SharedTokens)

	if onAuthPath && !anyTrue(onAuthPathAndOK) && ipOK && sharedTokenOK {
		return Decision{Verdict: VerdictChallenge, HeaderDenyList: denyList}
	}

	if anyTrue(onAuthPathAndOK) && ipOK && sharedTokenOK {
		return Decision{Verdict: VerdictAuthOK, HeaderDenyList: denyList}
	}

	if ipOK && sharedTokenOK && basicAuthChecksPassed {
		return Decision{Verdict: VerdictAllow, HeaderDenyList: denyList}
	}

	return Decision{Verdict: VerdictDeny, HeaderDenyList: denyList}
}

func ipInWhitelist(clientIP string, eff *policy.EffectivePolicy, additionalIPList []string) bool {
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}

	for _, network := range eff.IPNetworks {
		if cidrContains(network, ip) {
			return true
		}
	}

	for _, entry := range additionalIPList {
		if entry == clientIP {
			return true
		}
		if cidrContains(entry, ip) {
			return true
		}
	}

	return false
}

func cidrContains(cidr string, ip net.IP) bool {
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		// Bare address, not a CIDR: it acts as a single-host network, so
		// only the same address matches.
		bare := net.ParseIP(cidr)
		return bare != nil && bare.Equal(ip)
	}
	return network.Contains(ip)
}

func sharedTokenChecksPassed(headers map[string][]string, tokens []policy.SharedTokenRule) bool {
	if len(tokens) == 0 {
		return true
	}
	for _, token := range tokens {
		if sharedTokenOK(headers, token) {
			return true
		}
	}
	return false
}

func sharedTokenOK(headers map[string][]string, token policy.SharedTokenRule) bool {
	values, ok := lookupHeader(headers, token.HeaderName)
	if !ok || len(values) == 0 {
		return false
	}
	for _, v := range values {
		if constantTimeEqual(v, token.Value) {
			return true
		}
	}
	return false
}

func basicAuthAllOK(req Request, rules []policy.BasicAuthRule) []bool {
	out := make([]bool, len(rules))
	for i, rule := range rules {
		out[i] = req.Basic.Present &&
			constantTimeEqual(req.Basic.Username, rule.Username) &&
			constantTimeEqual(req.Basic.Password, rule.Password)
	}
	return out
}

// basicAuthPathChecks returns, per rule, whether that rule's Path exactly
// matches the request path AND credentials matched; plus whether any rule's
// Path exactly matches the request path at all (onAuthPath).
func basicAuthPathChecks(req Request, rules []policy.BasicAuthRule) ([]bool, bool) {
	allOK := basicAuthAllOK(req, rules)
	onPathAndOK := make([]bool, 0, len(rules))
	onAuthPath := false
	for i, rule := range rules {
		if rule.Path == req.Path {
			onAuthPath = true
			onPathAndOK = append(onPathAndOK, allOK[i])
		}
	}
	return onPathAndOK, onAuthPath
}

func anyTrue(bools []bool) bool {
	for _, b := range bools {
		if b {
			return true
		}
	}
	return false
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// headerDenyList is the lowercase set of configured shared-token header
// names plus the literal "connection".
func headerDenyList(tokens []policy.SharedTokenRule) map[string]struct{} {
	deny := map[string]struct{}{"connection": {}}
	for _, t := range tokens {
		deny[strings.ToLower(t.HeaderName)] = struct{}{}
	}
	return deny
}

func lookupHeader(headers map[string][]string, name string) ([]string, bool) {
	lowered := strings.ToLower(name)
	for k, v := range headers {
		if strings.ToLower(k) == lowered {
			return v, true
		}
	}
	return nil, false
}
