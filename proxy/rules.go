package proxy

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/AdguardTeam/golibs/log"
)

// RuleSet is an ordered list of per-domain override rules. The first rule
// whose pattern matches a domain decides the outcome; later rules are never
// consulted.
type RuleSet struct {
	rules []Rule
}

// NewRuleSet builds a RuleSet from already-parsed rules.
func NewRuleSet(rules []Rule) *RuleSet {
	return &RuleSet{rules: rules}
}

// LoadRuleSet reads a JSON rules file and wraps the result in a RuleSet. A
// missing or malformed file yields an empty RuleSet rather than a fatal
// error, matching the file format's stated tolerance.
func LoadRuleSet(path string) *RuleSet {
	return NewRuleSet(LoadRulesFile(path))
}

// LoadRulesFile reads path as a JSON array of Rule objects. A missing path,
// an unreadable file, or malformed JSON all yield a nil slice — never a
// fatal error — per §6's "malformed file yields an empty rule set".
func LoadRulesFile(path string) []Rule {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Info("rules: %s not loaded: %v", path, err)
		return nil
	}

	var rules []Rule
	if err = json.Unmarshal(data, &rules); err != nil {
		log.Info("rules: %s is malformed, ignoring: %v", path, err)
		return nil
	}

	return rules
}

// match reports whether pattern matches domain. A leading "*." denotes any
// subdomain of the suffix, but (per the worked examples) also matches the
// bare suffix itself — "*.example.com" and "example.com" both match
// "example.com" and "foo.example.com". A bare pattern without wildcards
// matches only itself and its subdomains, not unrelated names that merely
// share the suffix as a substring ("example" does not match "myexample.com").
func match(pattern, domain string) bool {
	if pattern == "" {
		return false
	}
	suffix := strings.TrimPrefix(pattern, "*.")
	return domain == suffix || strings.HasSuffix(domain, "."+suffix)
}

// Decide returns the first matching rule's decision and method override for
// domain. allow is nil when no rule matched, or when the matching rule's
// action is "auto" (defer to the blacklist). method is empty when the
// matching rule didn't specify one, or specified one other than "random" or
// "sni" — those are the only overrides a rule may force; "split" and
// "split-jitter" are discarded.
func (rs *RuleSet) Decide(domain string) (allow *bool, method FragmentMethod) {
	d := strings.ToLower(domain)

	for _, r := range rs.rules {
		pattern := strings.ToLower(r.Pattern)
		if !match(pattern, d) {
			continue
		}

		m := r.Method
		if m != MethodRandom && m != MethodSNI {
			m = ""
		}

		switch r.Action {
		case ActionBypass:
			v := false
			return &v, m
		case ActionForce:
			v := true
			return &v, m
		default:
			return nil, m
		}
	}

	return nil, ""
}
