package proxy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleSet_Decide_Bypass(t *testing.T) {
	rs := NewRuleSet([]Rule{{Pattern: "safe.test", Action: ActionBypass}})

	allow, method := rs.Decide("safe.test")
	require.NotNil(t, allow)
	assert.False(t, *allow)
	assert.Empty(t, method)
}

func TestRuleSet_Decide_ForceWithMethod(t *testing.T) {
	rs := NewRuleSet([]Rule{{Pattern: "force.test", Action: ActionForce, Method: MethodSNI}})

	allow, method := rs.Decide("force.test")
	require.NotNil(t, allow)
	assert.True(t, *allow)
	assert.Equal(t, MethodSNI, method)
}

func TestRuleSet_Decide_AutoDefersButMayStillSetMethod(t *testing.T) {
	rs := NewRuleSet([]Rule{{Pattern: "auto.test", Action: ActionAuto, Method: MethodRandom}})

	allow, method := rs.Decide("auto.test")
	assert.Nil(t, allow)
	assert.Equal(t, MethodRandom, method)
}

func TestRuleSet_Decide_NoMatch(t *testing.T) {
	rs := NewRuleSet([]Rule{{Pattern: "other.test", Action: ActionForce}})

	allow, method := rs.Decide("unrelated.test")
	assert.Nil(t, allow)
	assert.Empty(t, method)
}

func TestRuleSet_Decide_FirstMatchWins(t *testing.T) {
	rs := NewRuleSet([]Rule{
		{Pattern: "example.com", Action: ActionForce},
		{Pattern: "example.com", Action: ActionBypass},
	})

	allow, _ := rs.Decide("example.com")
	require.NotNil(t, allow)
	assert.True(t, *allow)
}

func TestMatch_WildcardMatchesSubdomainAndBareSuffix(t *testing.T) {
	assert.True(t, match("*.example.com", "foo.example.com"))
	assert.True(t, match("*.example.com", "example.com"))
	assert.False(t, match("*.example.com", "notexample.com"))
}

func TestMatch_BareSuffixMatchesSelfAndSubdomain(t *testing.T) {
	assert.True(t, match("example.com", "example.com"))
	assert.True(t, match("example.com", "sub.example.com"))
	assert.False(t, match("example.com", "otherexample.com"))
}

func TestMatch_NoSubstringFalsePositive(t *testing.T) {
	assert.False(t, match("example", "myexample.com"))
}

func TestLoadRulesFile_MissingPathYieldsEmpty(t *testing.T) {
	rules := LoadRulesFile(filepath.Join(t.TempDir(), "does-not-exist.json"))
	assert.Nil(t, rules)
}

func TestLoadRulesFile_MalformedYieldsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	rules := LoadRulesFile(path)
	assert.Nil(t, rules)
}

func TestLoadRulesFile_ParsesArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	content := `[{"pattern":"safe.test","action":"bypass"},{"pattern":"unknown.field.test","action":"force","fragment_method":"sni","bogus":1}]`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	rules := LoadRulesFile(path)
	require.Len(t, rules, 2)
	assert.Equal(t, "safe.test", rules[0].Pattern)
	assert.Equal(t, ActionBypass, rules[0].Action)
	assert.Equal(t, MethodSNI, rules[1].Method)
}
