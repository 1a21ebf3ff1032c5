package proxy

import (
	"fmt"
	"time"

	"github.com/AdguardTeam/golibs/errors"
)

// FragmentMethod names one of the Fragmenter's rewrite strategies.
type FragmentMethod string

// Fragmentation methods.
const (
	MethodRandom      FragmentMethod = "random"
	MethodSNI         FragmentMethod = "sni"
	MethodSplit       FragmentMethod = "split"
	MethodSplitJitter FragmentMethod = "split-jitter"
)

// valid reports whether m is one of the known fragmentation methods.
func (m FragmentMethod) valid() bool {
	switch m {
	case MethodRandom, MethodSNI, MethodSplit, MethodSplitJitter:
		return true
	default:
		return false
	}
}

// MatchingMode selects how BlacklistOracle compares a query domain against
// its blacklist entries.
type MatchingMode string

// Matching modes.
const (
	MatchStrict MatchingMode = "strict"
	MatchLoose  MatchingMode = "loose"
)

// BlacklistMode selects which BlacklistOracle variant the Supervisor wires
// up.
type BlacklistMode string

// Blacklist modes.
const (
	BlacklistFile BlacklistMode = "file"
	BlacklistAuto BlacklistMode = "auto"
	BlacklistNone BlacklistMode = "none"
)

// Config is the immutable-after-load configuration for the proxy core. It is
// the sole collaborator contract between the core and whatever loads it (CLI
// flags, a YAML file, or a test fixture).
type Config struct {
	// Host is the listener bind address.
	Host string

	// Port is the listener bind port.
	Port int

	// OutHost, if non-empty, binds the origin-facing socket to this local
	// address.
	OutHost string

	// FragmentMethod is the default fragmentation method used when no rule
	// overrides it.
	FragmentMethod FragmentMethod

	// DomainMatching selects strict or loose blacklist matching.
	DomainMatching MatchingMode

	// BlacklistMode selects the BlacklistOracle variant.
	BlacklistMode BlacklistMode

	// BlacklistFile is the path to the static blacklist (file mode) or the
	// path the adaptive oracle appends newly-discovered domains to (auto
	// mode).
	BlacklistFile string

	// BlacklistSourceURL, if set, is a remote URL the file blacklist refreshes
	// itself from when the local file is missing or stale.
	BlacklistSourceURL string

	// BlacklistRefreshInterval bounds how often BlacklistSourceURL is
	// re-checked. Zero disables refreshing.
	BlacklistRefreshInterval time.Duration

	// ExcludedDomains are never treated as blacklisted even if present in
	// BlacklistFile.
	ExcludedDomains []string

	// RulesFile is an optional path to a JSON rules file.
	RulesFile string

	// Rules are the loaded per-domain override rules, in match-precedence
	// order.
	Rules []Rule

	// ConnectTimeout bounds dialing the origin.
	ConnectTimeout time.Duration

	// InitialReadTimeout bounds the first read(s) from the client.
	InitialReadTimeout time.Duration

	// StatsFile, if set, receives a JSON stats snapshot once a second.
	StatsFile string

	// LogAccessFile, if set, receives one access-log line per terminated
	// connection.
	LogAccessFile string

	// LogErrorFile, if set, receives one error-log line per ERROR_RESPONSE.
	LogErrorFile string

	// Quiet suppresses the periodic human-readable stats banner.
	Quiet bool

	// StatsAddr, if set, serves a read-only JSON stats endpoint (the
	// collaborator contract stand-in for the out-of-scope control UI).
	StatsAddr string
}

// Validate checks the invariants §3 requires of a Config: positive timeouts,
// a known fragmentation method, a known matching mode, and a known
// blacklist mode.
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.Error("host must not be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.ConnectTimeout <= 0 {
		return errors.Error("connect timeout must be positive")
	}
	if c.InitialReadTimeout <= 0 {
		return errors.Error("initial read timeout must be positive")
	}
	if !c.FragmentMethod.valid() {
		return fmt.Errorf("unknown fragment method %q", c.FragmentMethod)
	}
	switch c.DomainMatching {
	case MatchStrict, MatchLoose:
	default:
		return fmt.Errorf("unknown domain matching mode %q", c.DomainMatching)
	}
	switch c.BlacklistMode {
	case BlacklistFile, BlacklistAuto, BlacklistNone:
	default:
		return fmt.Errorf("unknown blacklist mode %q", c.BlacklistMode)
	}

	return nil
}

// RuleAction is the decision a matched Rule makes.
type RuleAction string

// Rule actions.
const (
	ActionAuto   RuleAction = "auto"
	ActionForce  RuleAction = "force"
	ActionBypass RuleAction = "bypass"
)

// Rule is one ordered per-domain override. Pattern is lowercase; a leading
// "*." denotes any subdomain of the suffix. Method, when "random" or "sni",
// overrides the default fragmentation method for matching connections; any
// other value is ignored.
type Rule struct {
	Pattern string         `json:"pattern"`
	Action  RuleAction     `json:"action"`
	Method  FragmentMethod `json:"fragment_method,omitempty"`
}
