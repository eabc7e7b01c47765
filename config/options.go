// Package config loads and validates ip-filter's process configuration.
package config // import "github.com/uktrade/ip-filter/config"

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mitchellh/hashstructure"
	"github.com/spf13/viper"
)

// DefaultPort is used when PORT is not set.
const DefaultPort = "8080"

// ErrMissingRequired is wrapped into a StartupConfigError when a required
// configuration key has no value and no default.
var ErrMissingRequired = errors.New("config: required value is missing")

// Settings are the process's immutable, once-built configuration. Build via
// Load; there is no runtime reloading.
type Settings struct {
	// Upstream
	ServerHostPort string `mapstructure:"SERVER" yaml:"server,omitempty"`
	ServerScheme   string `mapstructure:"SERVER_PROTO" yaml:"server_proto,omitempty"`

	// Listener
	Port string `mapstructure:"PORT" yaml:"port,omitempty"`

	// Config agent
	AppConfigURL string `mapstructure:"APPCONFIG_URL" yaml:"appconfig_url,omitempty"`

	// Denial page
	Email     string `mapstructure:"EMAIL" yaml:"email,omitempty"`
	EmailName string `mapstructure:"EMAIL_NAME" yaml:"email_name,omitempty"`

	// Environment-scoped override namespace. Per §4.1, every get_value style
	// lookup requires this to be set (even the empty string counts as set),
	// whether or not the particular key being read is override-eligible.
	EnvironmentName string `mapstructure:"COPILOT_ENVIRONMENT_NAME" yaml:"-"`

	// Logging
	LogLevel string `mapstructure:"LOG_LEVEL" yaml:"log_level,omitempty"`
	Debug    bool   `mapstructure:"DEBUG" yaml:"debug,omitempty"`

	// Access control switches
	IPFilterEnabled  bool     `mapstructure:"IPFILTER_ENABLED" yaml:"ipfilter_enabled,omitempty"`
	ProfileIDs       []string `mapstructure:"APPCONFIG_PROFILES" yaml:"profile_ids,omitempty"`
	PublicPaths      []string `mapstructure:"PUBLIC_PATHS" yaml:"public_paths,omitempty"`
	ProtectedPaths   []string `mapstructure:"PROTECTED_PATHS" yaml:"protected_paths,omitempty"`
	PubHostList      []string `mapstructure:"PUB_HOST_LIST" yaml:"pub_host_list,omitempty"`
	PrivHostList     []string `mapstructure:"PRIV_HOST_LIST" yaml:"priv_host_list,omitempty"`
	AdditionalIPList []string `mapstructure:"ADDITIONAL_IP_LIST" yaml:"additional_ip_list,omitempty"`
	XFFIndex         int      `mapstructure:"IP_DETERMINED_BY_X_FORWARDED_FOR_INDEX" yaml:"xff_index,omitempty"`

	// ConflictWarnings is populated by ResolveConflicts (run once, inside
	// Load) and should be logged once at startup by the caller.
	ConflictWarnings []string `yaml:"-"`
}

// StartupConfigError wraps any failure encountered while building Settings.
type StartupConfigError struct {
	Key string
	Err error
}

func (e *StartupConfigError) Error() string {
	return fmt.Sprintf("config: startup error for %s: %v", e.Key, e.Err)
}

func (e *StartupConfigError) Unwrap() error { return e.Err }

// LookupFunc mirrors os.LookupEnv's signature so tests can supply a
// map-backed environment instead of touching process globals.
type LookupFunc func(key string) (string, bool)

type fieldKind int

const (
	kindString fieldKind = iota
	kindBool
	kindInt
	kindList
)

type fieldSpec struct {
	key         string
	kind        fieldKind
	overridable bool
	required    bool
	def         interface{}
}

// fields enumerates every recognized environment variable per §6. Order
// matches the table there (SERVER, PORT, APPCONFIG_URL, EMAIL*, LOG_LEVEL are
// the non-overridable exceptions called out in §6).
var fields = []fieldSpec{
	{key: "SERVER", kind: kindString, required: true},
	{key: "SERVER_PROTO", kind: kindString, overridable: true, def: "http"},
	{key: "PORT", kind: kindString, def: DefaultPort},
	{key: "APPCONFIG_URL", kind: kindString, def: "http://localhost:2772"},
	{key: "EMAIL", kind: kindString, required: true},
	{key: "EMAIL_NAME", kind: kindString, def: "DBT"},
	{key: "LOG_LEVEL", kind: kindString, def: "WARN"},
	{key: "DEBUG", kind: kindBool, overridable: true, def: false},
	{key: "IPFILTER_ENABLED", kind: kindBool, overridable: true, def: true},
	{key: "APPCONFIG_PROFILES", kind: kindList, overridable: true, def: []string{}},
	{key: "PUBLIC_PATHS", kind: kindList, overridable: true, def: []string{}},
	{key: "PROTECTED_PATHS", kind: kindList, overridable: true, def: []string{}},
	{key: "PUB_HOST_LIST", kind: kindList, overridable: true, def: []string{}},
	{key: "PRIV_HOST_LIST", kind: kindList, overridable: true, def: []string{}},
	{key: "ADDITIONAL_IP_LIST", kind: kindList, overridable: true, def: []string{}},
	{key: "IP_DETERMINED_BY_X_FORWARDED_FOR_INDEX", kind: kindInt, overridable: true, def: -1},
}

// resolver implements the environment-scoped override lookup from §4.1:
// given COPILOT_ENVIRONMENT_NAME = E, an override-eligible key K first
// checks <UPPER(E)>_K (including an explicitly-set empty string, which
// intentionally unsets rather than inherits), then K, then the declared
// default.
type resolver struct {
	lookup LookupFunc
	envUp  string
}

func (r resolver) resolve(f fieldSpec) (string, bool) {
	if f.overridable && r.envUp != "" {
		if v, ok := r.lookup(r.envUp + "_" + f.key); ok {
			return v, true
		}
	}
	return r.lookup(f.key)
}

// Load builds Settings from the process environment (or a test double).
// COPILOT_ENVIRONMENT_NAME must be present (possibly as an empty string);
// this mirrors the Python Environ.get_value contract, which dereferences it
// unconditionally on every lookup.
func Load(lookup LookupFunc) (*Settings, error) {
	envName, ok := lookup("COPILOT_ENVIRONMENT_NAME")
	if !ok {
		return nil, &StartupConfigError{Key: "COPILOT_ENVIRONMENT_NAME", Err: ErrMissingRequired}
	}

	r := resolver{lookup: lookup, envUp: strings.ToUpper(envName)}

	// v holds every field's fully-resolved value (override applied, type
	// converted, default substituted) as the single source of truth; assign
	// reads back through v.Get rather than off a local variable, so v is the
	// actual store the struct is built from, not a side channel.
	v := viper.New()

	s := &Settings{EnvironmentName: envName}

	for _, f := range fields {
		raw, present := r.resolve(f)
		if !present {
			if f.required {
				return nil, &StartupConfigError{Key: f.key, Err: ErrMissingRequired}
			}
			if f.def == nil {
				return nil, &StartupConfigError{Key: f.key, Err: ErrMissingRequired}
			}
			v.Set(f.key, f.def)
			if err := assign(s, f.key, v.Get(f.key)); err != nil {
				return nil, &StartupConfigError{Key: f.key, Err: err}
			}
			continue
		}

		val, err := convert(f, raw)
		if err != nil {
			return nil, &StartupConfigError{Key: f.key, Err: err}
		}
		v.Set(f.key, val)
		if err := assign(s, f.key, v.Get(f.key)); err != nil {
			return nil, &StartupConfigError{Key: f.key, Err: err}
		}
	}

	s.ConflictWarnings = s.ResolveConflicts()

	return s, nil
}

// convert applies the parsing rules from §4.1: case-sensitive "True"/"False"
// matched after lowercasing, comma-split lists with trimmed elements (an
// empty string yields the empty list, not [""]), and signed integers.
func convert(f fieldSpec, raw string) (interface{}, error) {
	switch f.kind {
	case kindString:
		return raw, nil
	case kindBool:
		return strings.ToLower(strings.TrimSpace(raw)) == "true", nil
	case kindInt:
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q: %w", raw, err)
		}
		return n, nil
	case kindList:
		if raw == "" {
			return []string{}, nil
		}
		parts := strings.Split(raw, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			out = append(out, strings.TrimSpace(p))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown field kind for %s", f.key)
	}
}

func assign(s *Settings, key string, val interface{}) error {
	switch key {
	case "SERVER":
		s.ServerHostPort = val.(string)
	case "SERVER_PROTO":
		s.ServerScheme = val.(string)
	case "PORT":
		s.Port = val.(string)
	case "APPCONFIG_URL":
		s.AppConfigURL = val.(string)
	case "EMAIL":
		s.Email = val.(string)
	case "EMAIL_NAME":
		s.EmailName = val.(string)
	case "LOG_LEVEL":
		s.LogLevel = val.(string)
	case "DEBUG":
		s.Debug = val.(bool)
	case "IPFILTER_ENABLED":
		s.IPFilterEnabled = val.(bool)
	case "APPCONFIG_PROFILES":
		s.ProfileIDs = val.([]string)
	case "PUBLIC_PATHS":
		s.PublicPaths = val.([]string)
	case "PROTECTED_PATHS":
		s.ProtectedPaths = val.([]string)
	case "PUB_HOST_LIST":
		s.PubHostList = val.([]string)
	case "PRIV_HOST_LIST":
		s.PrivHostList = val.([]string)
	case "ADDITIONAL_IP_LIST":
		s.AdditionalIPList = val.([]string)
	case "IP_DETERMINED_BY_X_FORWARDED_FOR_INDEX":
		s.XFFIndex = val.(int)
	default:
		return fmt.Errorf("unrecognized config key %q", key)
	}
	return nil
}

// ResolveConflicts applies the §4.4 mutual-exclusion rules in place and
// returns the warnings to log, once, at startup.
func (s *Settings) ResolveConflicts() []string {
	var warnings []string
	if len(s.PublicPaths) > 0 && len(s.ProtectedPaths) > 0 {
		warnings = append(warnings, "config: PUBLIC_PATHS and PROTECTED_PATHS are mutually exclusive; ignoring PROTECTED_PATHS")
		s.ProtectedPaths = nil
	}
	if len(s.PubHostList) > 0 && len(s.PrivHostList) > 0 {
		warnings = append(warnings, "config: PUB_HOST_LIST and PRIV_HOST_LIST are mutually exclusive; ignoring PRIV_HOST_LIST")
		s.PrivHostList = nil
	}
	return warnings
}

// Checksum returns a stable hash of the settings, suitable for detecting
// drift between two loads (e.g. across a restart) without comparing every
// field by hand.
func (s *Settings) Checksum() string {
	hash, err := hashstructure.Hash(s, nil)
	if err != nil {
		return "no checksum available"
	}
	return fmt.Sprintf("%x", hash)
}
