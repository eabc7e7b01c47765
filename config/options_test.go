package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupFrom(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func baseEnv() map[string]string {
	return map[string]string{
		"COPILOT_ENVIRONMENT_NAME": "staging",
		"SERVER":                   "origin.internal:8443",
		"EMAIL":                    "webops@example.com",
	}
}

func TestLoadRequiresEnvironmentName(t *testing.T) {
	env := baseEnv()
	delete(env, "COPILOT_ENVIRONMENT_NAME")

	_, err := Load(lookupFrom(env))
	require.Error(t, err)
	var scErr *StartupConfigError
	require.ErrorAs(t, err, &scErr)
	assert.Equal(t, "COPILOT_ENVIRONMENT_NAME", scErr.Key)
}

func TestLoadRequiresServerAndEmail(t *testing.T) {
	env := map[string]string{"COPILOT_ENVIRONMENT_NAME": "staging"}
	_, err := Load(lookupFrom(env))
	require.Error(t, err)
}

func TestLoadAppliesDefaults(t *testing.T) {
	s, err := Load(lookupFrom(baseEnv()))
	require.NoError(t, err)

	assert.Equal(t, "http", s.ServerScheme)
	assert.Equal(t, DefaultPort, s.Port)
	assert.Equal(t, "http://localhost:2772", s.AppConfigURL)
	assert.Equal(t, "DBT", s.EmailName)
	assert.Equal(t, "WARN", s.LogLevel)
	assert.False(t, s.Debug)
	assert.True(t, s.IPFilterEnabled)
	assert.Equal(t, -1, s.XFFIndex)
	assert.Empty(t, s.ProfileIDs)
}

func TestLoadEnvironmentOverrideTakesPrecedence(t *testing.T) {
	env := baseEnv()
	env["IPFILTER_ENABLED"] = "True"
	env["STAGING_IPFILTER_ENABLED"] = "False"

	s, err := Load(lookupFrom(env))
	require.NoError(t, err)
	assert.False(t, s.IPFilterEnabled)
}

func TestLoadEnvironmentOverrideEmptyStringUnsets(t *testing.T) {
	env := baseEnv()
	env["PUBLIC_PATHS"] = "/a,/b"
	env["STAGING_PUBLIC_PATHS"] = ""

	s, err := Load(lookupFrom(env))
	require.NoError(t, err)
	assert.Equal(t, []string{}, s.PublicPaths)
}

func TestLoadNonOverridableKeyIgnoresEnvironmentPrefix(t *testing.T) {
	env := baseEnv()
	env["STAGING_SERVER"] = "should-be-ignored:1"

	s, err := Load(lookupFrom(env))
	require.NoError(t, err)
	assert.Equal(t, "origin.internal:8443", s.ServerHostPort)
}

func TestLoadListParsingTrimsAndHandlesEmpty(t *testing.T) {
	env := baseEnv()
	env["APPCONFIG_PROFILES"] = " app:prod:ipfilter , app:prod:shared "

	s, err := Load(lookupFrom(env))
	require.NoError(t, err)
	assert.Equal(t, []string{"app:prod:ipfilter", "app:prod:shared"}, s.ProfileIDs)
}

func TestLoadBoolParsingIsCaseInsensitiveOnTrueFalse(t *testing.T) {
	env := baseEnv()
	env["DEBUG"] = "true"
	s, err := Load(lookupFrom(env))
	require.NoError(t, err)
	assert.True(t, s.Debug)
}

func TestResolveConflictsPrefersPublicOverProtected(t *testing.T) {
	s := &Settings{PublicPaths: []string{"/health"}, ProtectedPaths: []string{"/admin"}}
	warnings := s.ResolveConflicts()
	assert.Len(t, warnings, 1)
	assert.Empty(t, s.ProtectedPaths)
}

func TestResolveConflictsPrefersPubOverPrivHostList(t *testing.T) {
	s := &Settings{PubHostList: []string{"public.example.com"}, PrivHostList: []string{"internal.example.com"}}
	warnings := s.ResolveConflicts()
	assert.Len(t, warnings, 1)
	assert.Empty(t, s.PrivHostList)
}

func TestChecksumIsStableForEqualSettings(t *testing.T) {
	a, err := Load(lookupFrom(baseEnv()))
	require.NoError(t, err)
	b, err := Load(lookupFrom(baseEnv()))
	require.NoError(t, err)
	assert.Equal(t, a.Checksum(), b.Checksum())
}
