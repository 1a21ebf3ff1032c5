package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/AdguardTeam/golibs/syncutil"
	"github.com/barweiss/go-tuple"
	gcollections "github.com/golang-collections/collections/set"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rafalfr/fragproxy/utils"
)

// BlacklistOracle decides whether a domain should be fragmented. Check is
// the only method that may perform I/O; it exists so the adaptive variant
// can run its out-of-band probe before IsBlocked is consulted. Every other
// variant's Check is a no-op.
type BlacklistOracle interface {
	IsBlocked(domain string) bool
	Check(ctx context.Context, domain string)
}

// normalizeDomain lowercases domain and strips a leading "www." prefix, the
// load-time and query-time normalisation the blacklist file format requires.
func normalizeDomain(domain string) string {
	d := strings.ToLower(domain)
	return strings.TrimPrefix(d, "www.")
}

// reverseLabels reverses the dot-separated labels of domain, so ["a","b",
// "example","com"] addresses the same top-level bucket as
// ["x","example","com"] — labels are keyed from the TLD inward so sibling
// subdomains share a bucket.
func reverseLabels(domain string) []string {
	parts := strings.Split(domain, ".")
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return parts
}

// FileBlacklist is the file-backed BlacklistOracle variant: a static set of
// domains loaded at startup (and optionally refreshed from a remote URL),
// matched in strict (exact-or-suffix) or loose (also substring) mode.
// ExcludedDomains carves out domains that must never be treated as
// blacklisted even if present in the backing file.
type FileBlacklist struct {
	mode MatchingMode

	mu    sync.RWMutex
	hosts map[string]*gcollections.Set
	flat  []string

	// excluded pairs a normalised domain with the reason it was carved out.
	excluded map[string]tuple.T2[string, string]
}

// NewFileBlacklist loads path and builds a FileBlacklist. It does not
// download anything: a missing path is returned as an error. excluded
// domains are normalised and never reported as blocked.
func NewFileBlacklist(path string, mode MatchingMode, excluded []string) (*FileBlacklist, error) {
	fb := &FileBlacklist{
		mode:     mode,
		hosts:    make(map[string]*gcollections.Set),
		excluded: make(map[string]tuple.T2[string, string], len(excluded)),
	}

	for _, d := range excluded {
		nd := normalizeDomain(d)
		fb.excluded[nd] = tuple.New2(nd, "config")
	}

	if err := fb.Load(path); err != nil {
		return nil, err
	}

	return fb, nil
}

// Load reads path and replaces the in-memory blacklist. A missing file is a
// fatal BlacklistLoadMissing condition, reported to the caller so the
// Supervisor can exit non-zero at startup.
func (fb *FileBlacklist) Load(path string) error {
	ok, err := utils.FileExists(path)
	if err != nil {
		return fmt.Errorf("blacklist: stat %s: %w", path, err)
	}
	if !ok {
		return fmt.Errorf("blacklist: %s not found", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("blacklist: open %s: %w", path, err)
	}
	defer f.Close()

	hosts := make(map[string]*gcollections.Set)
	flat := make([]string, 0, 256)

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if len(strings.TrimRight(line, "\r")) < 2 {
			continue
		}
		line = strings.TrimRight(line, "\r")
		if line[0] == '#' {
			continue
		}

		d := normalizeDomain(line)
		flat = append(flat, d)

		labels := reverseLabels(d)
		bucket, ok := hosts[labels[0]]
		if !ok {
			bucket = gcollections.New()
			hosts[labels[0]] = bucket
		}
		bucket.Insert(d)
	}
	if err = scanner.Err(); err != nil {
		return fmt.Errorf("blacklist: read %s: %w", path, err)
	}

	fb.mu.Lock()
	fb.hosts = hosts
	fb.flat = flat
	fb.mu.Unlock()

	log.Info("blacklist: loaded %d domains from %s", len(flat), path)

	return nil
}

// IsBlocked reports whether domain (or, in loose mode, any substring match
// against an entry) is on the blacklist, unless it's been excluded.
func (fb *FileBlacklist) IsBlocked(domain string) bool {
	d := normalizeDomain(domain)

	fb.mu.RLock()
	defer fb.mu.RUnlock()

	if _, ok := fb.excluded[d]; ok {
		return false
	}

	if fb.mode == MatchLoose {
		for _, bd := range fb.flat {
			if strings.Contains(d, bd) {
				return true
			}
		}
	}

	labels := strings.Split(d, ".")
	bucket, ok := fb.hosts[labels[len(labels)-1]]
	if !ok {
		return false
	}
	if bucket.Has(d) {
		return true
	}
	for i := 0; i < len(labels); i++ {
		if bucket.Has(strings.Join(labels[i:], ".")) {
			return true
		}
	}

	return false
}

// Check is a no-op for the file-backed variant: it performs no I/O.
func (fb *FileBlacklist) Check(context.Context, string) {}

// loadFileFromURL downloads sourceURL to path when path is missing or
// empty; an existing non-empty file is assumed current and left alone.
func loadFileFromURL(path, sourceURL string) error {
	exists, _ := utils.FileExists(path)
	if exists {
		size, _, err := utils.GetFileInfo(path)
		if err == nil && size > 0 {
			return nil
		}
	}

	if !utils.CheckRemoteFileExists(sourceURL) {
		return fmt.Errorf("blacklist: source %s is unreachable", sourceURL)
	}

	return utils.DownloadFromUrl(sourceURL, path)
}

// RefreshFromURL re-downloads path from sourceURL if it is missing, empty,
// or older than maxAge, then reloads the blacklist. Intended to be driven
// by a periodic task; errors are logged, not returned.
func (fb *FileBlacklist) RefreshFromURL(path, sourceURL string, maxAge time.Duration) {
	stale := true
	if size, mtime, err := utils.GetFileInfo(path); err == nil && size > 0 {
		stale = time.Since(mtime) > maxAge
	}

	if stale {
		if err := loadFileFromURL(path, sourceURL); err != nil {
			log.Error("blacklist: refresh from %s: %v", sourceURL, err)
			return
		}
	}

	if err := fb.Load(path); err != nil {
		log.Error("blacklist: reload after refresh: %v", err)
	}
}

// AlwaysBlacklist is the "none" mode BlacklistOracle variant: every domain
// fragments unconditionally.
type AlwaysBlacklist struct{}

// NewAlwaysBlacklist returns the always-yes oracle.
func NewAlwaysBlacklist() AlwaysBlacklist { return AlwaysBlacklist{} }

// IsBlocked always reports true.
func (AlwaysBlacklist) IsBlocked(string) bool { return true }

// Check is a no-op.
func (AlwaysBlacklist) Check(context.Context, string) {}

// probeTimeout bounds the adaptive oracle's out-of-band HTTPS probe.
const probeTimeout = 4 * time.Second

// AdaptiveBlacklist is the probe-based BlacklistOracle variant. The first
// CONNECT to an unseen domain runs an HTTPS probe before IsBlocked is ever
// consulted for it: if the handshake times out, the domain is learned as
// blocked (and appended to appendFile); any other outcome — success or a
// non-timeout failure — marks it whitelisted so it is never probed again.
// The probe runs on the calling connection's own goroutine, bounded by a
// semaphore so it never starves other connections' probes; it blocks only
// the connection that triggered it, matching the original's
// "await check_domain before consulting is_blocked" ordering.
type AdaptiveBlacklist struct {
	blocked    *gocache.Cache
	allowed    *gocache.Cache
	sema       syncutil.Semaphore
	appendFile string
}

// NewAdaptiveBlacklist builds an AdaptiveBlacklist. appendFile, if
// non-empty, receives one newly-learned blocked domain per line.
// maxInFlight bounds the number of concurrent probes.
func NewAdaptiveBlacklist(appendFile string, maxInFlight int) *AdaptiveBlacklist {
	if maxInFlight <= 0 {
		maxInFlight = 8
	}

	return &AdaptiveBlacklist{
		blocked:    gocache.New(gocache.NoExpiration, gocache.NoExpiration),
		allowed:    gocache.New(gocache.NoExpiration, gocache.NoExpiration),
		sema:       syncutil.NewChanSemaphore(maxInFlight),
		appendFile: appendFile,
	}
}

// IsBlocked reports whether domain has been learned as blocked. Domains
// never probed, or probed and found reachable, report false.
func (ab *AdaptiveBlacklist) IsBlocked(domain string) bool {
	_, ok := ab.blocked.Get(domain)
	return ok
}

// Check probes domain synchronously if it hasn't been classified yet, so
// that by the time Check returns, IsBlocked(domain) reflects the verdict
// for this very connection. The semaphore bounds how many probes run
// concurrently across connections; it does not make this call non-blocking.
func (ab *AdaptiveBlacklist) Check(ctx context.Context, domain string) {
	if _, ok := ab.blocked.Get(domain); ok {
		return
	}
	if _, ok := ab.allowed.Get(domain); ok {
		return
	}

	if err := ab.sema.Acquire(ctx); err != nil {
		return
	}
	defer ab.sema.Release()

	ab.probe(domain)
}

// probe performs the blocking TLS handshake on the caller's goroutine and
// records the verdict. Each connection runs on its own goroutine, so the
// wait blocks only the connection that triggered the probe.
func (ab *AdaptiveBlacklist) probe(domain string) {
	dialer := &net.Dialer{Timeout: probeTimeout}

	conn, err := tls.DialWithDialer(dialer, "tcp", net.JoinHostPort(domain, "443"), &tls.Config{
		InsecureSkipVerify: true,
		ServerName:         domain,
	})
	if err == nil {
		conn.Close()
		ab.allowed.Set(domain, struct{}{}, gocache.NoExpiration)
		return
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		ab.blocked.Set(domain, struct{}{}, gocache.NoExpiration)
		ab.appendDomain(domain)
		return
	}

	ab.allowed.Set(domain, struct{}{}, gocache.NoExpiration)
}

func (ab *AdaptiveBlacklist) appendDomain(domain string) {
	if ab.appendFile == "" {
		return
	}

	f, err := os.OpenFile(ab.appendFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Error("blacklist: append %s to %s: %v", domain, ab.appendFile, err)
		return
	}
	defer f.Close()

	if _, err = fmt.Fprintln(f, domain); err != nil {
		log.Error("blacklist: append %s to %s: %v", domain, ab.appendFile, err)
	}
}

// NewBlacklistOracle selects and builds the BlacklistOracle variant named by
// cfg.BlacklistMode. File mode propagates a load error to the caller, who
// must treat it as fatal (BlacklistLoadMissing).
func NewBlacklistOracle(cfg *Config) (BlacklistOracle, error) {
	switch cfg.BlacklistMode {
	case BlacklistNone:
		return NewAlwaysBlacklist(), nil
	case BlacklistAuto:
		return NewAdaptiveBlacklist(cfg.BlacklistFile, 8), nil
	default:
		fb, err := NewFileBlacklist(cfg.BlacklistFile, cfg.DomainMatching, cfg.ExcludedDomains)
		if err != nil {
			return nil, err
		}

		if cfg.BlacklistSourceURL != "" && cfg.BlacklistRefreshInterval > 0 {
			go func() {
				ticker := time.NewTicker(cfg.BlacklistRefreshInterval)
				defer ticker.Stop()
				for range ticker.C {
					fb.RefreshFromURL(cfg.BlacklistFile, cfg.BlacklistSourceURL, cfg.BlacklistRefreshInterval)
				}
			}()
		}

		return fb, nil
	}
}

// MonitorLogFile deletes logFilePath once it exceeds maxSize bytes.
func MonitorLogFile(logFilePath string, maxSize int64) {
	ok, err := utils.FileExists(logFilePath)
	if !ok || err != nil {
		return
	}

	size, _, err := utils.GetFileInfo(logFilePath)
	if err != nil {
		return
	}
	if size > maxSize {
		if rerr := os.Remove(logFilePath); rerr != nil {
			log.Error("log monitor: remove %s: %v", logFilePath, rerr)
		}
	}
}
