package cmd

import (
	"fmt"
	"os"
	"time"

	goFlags "github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v3"

	"github.com/rafalfr/fragproxy/proxy"
)

// Options represents console arguments. Every field also carries a yaml
// tag so the same struct doubles as the shape of an optional config file,
// and a command-line flag always overrides the value a config file set
// for it.
type Options struct {
	// ConfigPath is the optional YAML configuration file. Read without
	// goFlags defaults so file values aren't clobbered before flags are
	// applied.
	ConfigPath string `long:"config-path" description:"YAML configuration file. Options passed on the command line override the ones loaded from this file." default:""`

	// Host is the listener bind address.
	Host string `yaml:"host" short:"l" long:"listen" description:"Address the proxy listens on" default:"127.0.0.1"`

	// Port is the listener bind port.
	Port int `yaml:"port" short:"p" long:"port" description:"Port the proxy listens on" default:"8080"`

	// OutHost optionally binds the origin-facing socket to a local address.
	OutHost string `yaml:"out-host" long:"out-host" description:"Local address to bind origin-facing connections to"`

	// FragmentMethod is the default fragmentation method.
	FragmentMethod string `yaml:"method" short:"m" long:"method" description:"Fragmentation method: random, sni, split, split-jitter" default:"sni"`

	// DomainMatching selects strict or loose blacklist matching.
	DomainMatching string `yaml:"matching" long:"matching" description:"Blacklist domain matching mode: strict or loose" default:"strict"`

	// BlacklistMode selects the BlacklistOracle variant.
	BlacklistMode string `yaml:"blacklist-mode" long:"blacklist-mode" description:"Blacklist mode: file, auto, or none" default:"file"`

	// BlacklistFile is the static blacklist path (file mode) or the append
	// target for newly-discovered domains (auto mode).
	BlacklistFile string `yaml:"blacklist-file" short:"b" long:"blacklist-file" description:"Path to the blacklist file" default:"blacklist.txt"`

	// BlacklistSourceURL, if set, refreshes BlacklistFile from a remote URL.
	BlacklistSourceURL string `yaml:"blacklist-url" long:"blacklist-url" description:"Remote URL to refresh the blacklist file from"`

	// BlacklistRefreshHours bounds how often BlacklistSourceURL is re-checked.
	BlacklistRefreshHours int `yaml:"blacklist-refresh-hours" long:"blacklist-refresh-hours" description:"Hours between blacklist refreshes from blacklist-url" default:"24"`

	// ExcludedDomains are never treated as blacklisted.
	ExcludedDomains []string `yaml:"excluded-domains" long:"excluded-domain" description:"Domain to exclude from the blacklist (can be specified multiple times)"`

	// RulesFile is an optional path to a JSON rules file.
	RulesFile string `yaml:"rules-file" short:"r" long:"rules-file" description:"Path to a JSON per-domain rules file"`

	// ConnectTimeoutSeconds bounds dialing the origin.
	ConnectTimeoutSeconds int `yaml:"connect-timeout" long:"connect-timeout" description:"Origin connect timeout, in seconds" default:"5"`

	// InitialReadTimeoutSeconds bounds the first read(s) from the client.
	InitialReadTimeoutSeconds int `yaml:"read-timeout" long:"read-timeout" description:"Initial client read timeout, in seconds" default:"5"`

	// StatsFile, if set, receives a JSON stats snapshot once a second.
	StatsFile string `yaml:"stats-file" long:"stats-file" description:"Path to write a JSON stats snapshot once a second" default:"stats.json"`

	// StatsPort serves a read-only JSON stats endpoint.
	StatsPort int `yaml:"stats-port" long:"stats-port" description:"Port to expose the /stats endpoint on" default:"9999"`

	// LogOutput is the path to the structured process log. If not set,
	// writes to stdout.
	LogOutput string `yaml:"output" short:"o" long:"output" description:"Path to the log file. If not set, write to stdout."`

	// LogAccessFile, if set, receives one access-log line per terminated
	// connection.
	LogAccessFile string `yaml:"access-log" long:"access-log" description:"Path to the access log file" default:"access.log"`

	// LogErrorFile, if set, receives one error-log line per ERROR_RESPONSE.
	LogErrorFile string `yaml:"error-log" long:"error-log" description:"Path to the error log file" default:"error.log"`

	// Quiet suppresses the periodic human-readable stats banner.
	Quiet bool `yaml:"quiet" long:"quiet" description:"Suppress the periodic stats banner" optional:"yes" optional-value:"true"`

	// Verbose controls the verbosity of the structured log output.
	Verbose bool `yaml:"verbose" short:"v" long:"verbose" description:"Verbose log output" optional:"yes" optional-value:"true"`

	// Pprof exposes pprof information on localhost:6060.
	Pprof bool `yaml:"pprof" long:"pprof" description:"If present, exposes pprof information on localhost:6060." optional:"yes" optional-value:"true"`

	// Version, if true, prints the program version, and exits.
	Version bool `yaml:"version" long:"version" description:"Prints the program version"`
}

// loadOptions parses the command line, then overlays a YAML config file (if
// named) underneath it: YAML supplies defaults, flags actually present on
// the command line win, without needing goFlags' own default tags to fight
// the file.
func loadOptions(args []string) (*Options, error) {
	opts := &Options{}
	parser := goFlags.NewParser(opts, goFlags.Default)

	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	if opts.ConfigPath == "" {
		return opts, nil
	}

	data, err := os.ReadFile(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", opts.ConfigPath, err)
	}

	fileOpts := &Options{}
	if err = yaml.Unmarshal(data, fileOpts); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", opts.ConfigPath, err)
	}

	// Re-parse the command line over the file-loaded options so that any
	// flag actually given on the command line overrides the file, and
	// anything the file set but the command line didn't touch survives.
	fileOpts.ConfigPath = opts.ConfigPath
	if _, err = goFlags.NewParser(fileOpts, goFlags.Default).ParseArgs(args); err != nil {
		return nil, err
	}

	return fileOpts, nil
}

// toProxyConfig translates the flat Options shape into the proxy package's
// Config, parsing the rules file (if named) and validating the result.
func (o *Options) toProxyConfig() (*proxy.Config, error) {
	cfg := &proxy.Config{
		Host:                     o.Host,
		Port:                     o.Port,
		OutHost:                  o.OutHost,
		FragmentMethod:           proxy.FragmentMethod(o.FragmentMethod),
		DomainMatching:           proxy.MatchingMode(o.DomainMatching),
		BlacklistMode:            proxy.BlacklistMode(o.BlacklistMode),
		BlacklistFile:            o.BlacklistFile,
		BlacklistSourceURL:       o.BlacklistSourceURL,
		BlacklistRefreshInterval: time.Duration(o.BlacklistRefreshHours) * time.Hour,
		ExcludedDomains:          o.ExcludedDomains,
		RulesFile:                o.RulesFile,
		ConnectTimeout:           time.Duration(o.ConnectTimeoutSeconds) * time.Second,
		InitialReadTimeout:       time.Duration(o.InitialReadTimeoutSeconds) * time.Second,
		StatsFile:                o.StatsFile,
		LogAccessFile:            o.LogAccessFile,
		LogErrorFile:             o.LogErrorFile,
		Quiet:                    o.Quiet,
		StatsAddr:                fmt.Sprintf(":%d", o.StatsPort),
	}

	cfg.Rules = proxy.LoadRulesFile(o.RulesFile)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
