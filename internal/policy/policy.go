// Package policy fetches raw AppConfig-style profile documents from the
// local config agent, validates them, and merges them into one effective
// policy, grounded on original_source/config.py's get_ipfilter_config.
package policy

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// BasicAuthRule binds a username/password pair to one exact request path.
type BasicAuthRule struct {
	Path     string `yaml:"Path"`
	Username string `yaml:"Username"`
	Password string `yaml:"Password"`
}

// SharedTokenRule pairs a header name with the value it must carry.
type SharedTokenRule struct {
	HeaderName string `yaml:"HeaderName"`
	Value      string `yaml:"Value"`
}

// rawDocument is one AppConfig configuration document, decoded with
// yaml.v2 exactly as APPCONFIG_SCHEMA's yaml.safe_load does.
type rawDocument struct {
	IPRanges     []string          `yaml:"IpRanges"`
	BasicAuth    []BasicAuthRule   `yaml:"BasicAuth"`
	SharedTokens []SharedTokenRule `yaml:"SharedTokens"`
}

// EffectivePolicy is the concatenation of every profile document named in
// APPCONFIG_PROFILES, in profile order, per original_source/config.py.
type EffectivePolicy struct {
	IPNetworks   []string
	BasicAuth    []BasicAuthRule
	SharedTokens []SharedTokenRule
}

// PolicyFetchError wraps a malformed profile id, a failure reaching the
// config agent, or a non-200 response from it, named AppConfigError in the
// original. A body that does not decode as YAML is a ValidationError.
type PolicyFetchError struct {
	ProfileID string
	Err       error
}

func (e *PolicyFetchError) Error() string {
	return fmt.Sprintf("policy: fetch %s: %v", e.ProfileID, e.Err)
}

func (e *PolicyFetchError) Unwrap() error { return e.Err }

// ValidationError wraps a document that fails schema validation.
type ValidationError struct {
	ProfileID string
	Err       error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("policy: validate %s: %v", e.ProfileID, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Fetcher retrieves one profile document over HTTP from the config agent.
type Fetcher struct {
	BaseURL string
	Client  *http.Client
}

// NewFetcher returns a Fetcher with a bounded timeout; the config agent is a
// local sidecar, but an outbound request on the hot path must not be allowed
// to hang indefinitely.
func NewFetcher(baseURL string) *Fetcher {
	return &Fetcher{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// Fetch retrieves and decodes the document named by profileID, formatted
// "application:environment:configuration" per original_source/config.py.
func (f *Fetcher) Fetch(profileID string) (*rawDocument, error) {
	parts := strings.SplitN(profileID, ":", 3)
	if len(parts) != 3 {
		return nil, &PolicyFetchError{ProfileID: profileID, Err: fmt.Errorf("malformed profile id, want application:environment:configuration")}
	}
	application, environment, configuration := parts[0], parts[1], parts[2]

	base, err := url.Parse(f.BaseURL)
	if err != nil {
		return nil, &PolicyFetchError{ProfileID: profileID, Err: err}
	}
	ref, err := url.Parse(fmt.Sprintf("/applications/%s/environments/%s/configurations/%s", application, environment, configuration))
	if err != nil {
		return nil, &PolicyFetchError{ProfileID: profileID, Err: err}
	}
	target := base.ResolveReference(ref)

	resp, err := f.Client.Get(target.String())
	if err != nil {
		return nil, &PolicyFetchError{ProfileID: profileID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &PolicyFetchError{ProfileID: profileID, Err: fmt.Errorf("config for %s not found, status %d", profileID, resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &PolicyFetchError{ProfileID: profileID, Err: err}
	}

	var doc rawDocument
	if err := yaml.Unmarshal(body, &doc); err != nil {
		return nil, &ValidationError{ProfileID: profileID, Err: err}
	}

	if err := validate(doc); err != nil {
		return nil, &ValidationError{ProfileID: profileID, Err: err}
	}

	return &doc, nil
}

// validate enforces the constraints APPCONFIG_SCHEMA carries beyond mere
// type shape: every IpRanges entry must parse as a strict CIDR (no set host
// bits), every BasicAuth and SharedTokens entry must have all of its
// required string fields set.
func validate(doc rawDocument) error {
	for _, network := range doc.IPRanges {
		if !isStrictCIDR(network) {
			return fmt.Errorf("invalid IP network %q", network)
		}
	}
	for _, rule := range doc.BasicAuth {
		if rule.Path == "" || rule.Username == "" || rule.Password == "" {
			return fmt.Errorf("BasicAuth entry missing Path, Username, or Password")
		}
	}
	for _, rule := range doc.SharedTokens {
		if rule.HeaderName == "" || rule.Value == "" {
			return fmt.Errorf("SharedTokens entry missing HeaderName or Value")
		}
	}
	return nil
}

// isStrictCIDR mirrors Python's ipaddress.ip_network(s, strict=True): a bare
// IP is accepted as an implicit /32 or /128, but a network string with any
// host bit set (e.g. 1.1.1.1/16) is rejected rather than silently masked.
func isStrictCIDR(s string) bool {
	if s == "" {
		return false
	}
	if !strings.Contains(s, "/") {
		ip := net.ParseIP(s)
		return ip != nil
	}
	ip, network, err := net.ParseCIDR(s)
	if err != nil {
		return false
	}
	return ip.Equal(network.IP)
}

// FetchFunc is the minimal shape Merge needs, letting tests inject a fake
// fetcher instead of standing up an HTTP server.
type FetchFunc func(profileID string) (*rawDocument, error)

// AsFetchFunc adapts a *Fetcher to a FetchFunc.
func (f *Fetcher) AsFetchFunc() FetchFunc {
	return f.Fetch
}

// Merge concatenates the documents named by ids, in order, into one
// EffectivePolicy. It is pure given fetch, so tests can verify merge
// behavior without any network dependency.
func Merge(ids []string, fetch FetchFunc) (*EffectivePolicy, error) {
	policy := &EffectivePolicy{}
	for _, id := range ids {
		doc, err := fetch(id)
		if err != nil {
			return nil, err
		}
		policy.IPNetworks = append(policy.IPNetworks, doc.IPRanges...)
		policy.BasicAuth = append(policy.BasicAuth, doc.BasicAuth...)
		policy.SharedTokens = append(policy.SharedTokens, doc.SharedTokens...)
	}
	return policy, nil
}
