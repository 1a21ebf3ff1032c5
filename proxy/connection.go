package proxy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rafalfr/fragproxy/utils"
)

// ReadBufSize is the buffer size used for both the initial client read and
// every subsequent relay read.
const ReadBufSize = 64 * 1024

// DrainHighWaterMark is the 1 MiB outbound-buffer bound of the relay. No
// code consults it: pipe writes each chunk with a blocking net.Conn.Write
// before reading more, so a relay never holds more than one ReadBufSize
// chunk in flight.
const DrainHighWaterMark = 1 << 20

// MaxInitialTLSRead bounds the second read of the TLS ClientHello body.
const MaxInitialTLSRead = 2048

// domainFailureThreshold is the number of ERROR_RESPONSE / failed attempts
// after which a "random" method attempt upgrades to "sni" for the same
// domain, per the ratchet rule in §4.5.
const domainFailureThreshold = 2

// ConnectionInfo is the per-connection bookkeeping record, registered the
// moment a request line is parsed and removed when the connection
// terminates (by relay completion or error).
type ConnectionInfo struct {
	SrcIP      string
	DstDomain  string
	Method     string
	StartTime  time.Time
	TrafficIn  uint64
	TrafficOut uint64
}

// ConnectionCore drives one client connection through
// parse -> decide -> connect -> rewrite -> relay -> cleanup. One
// ConnectionCore per TCP connection; state is not shared across instances
// except through its collaborators (DNSCache, BlacklistOracle, RuleSet,
// StatsSink, Logger, domain-failure table), which are safe for concurrent
// use.
type ConnectionCore struct {
	cfg       *Config
	blacklist BlacklistOracle
	rules     *RuleSet
	stats     *StatsSink
	logger    *Logger
	dnsCache  *DNSCache

	mu       sync.Mutex
	active   map[string]*ConnectionInfo
	failures map[string]int
}

// NewConnectionCore builds a ConnectionCore sharing the given collaborators
// across every connection the Supervisor hands it.
func NewConnectionCore(cfg *Config, bl BlacklistOracle, rules *RuleSet, stats *StatsSink, logger *Logger, cache *DNSCache) *ConnectionCore {
	return &ConnectionCore{
		cfg:       cfg,
		blacklist: bl,
		rules:     rules,
		stats:     stats,
		logger:    logger,
		dnsCache:  cache,
		active:    make(map[string]*ConnectionInfo),
		failures:  make(map[string]int),
	}
}

// Handle drives conn through its whole lifecycle. A failed or empty first
// read closes conn silently; a first chunk that cannot be parsed goes to the
// ERROR_RESPONSE case. It never panics out to the caller: a panic is
// recovered at this boundary, logged, and conn is closed, so nothing inside
// a connection task can bring down the Supervisor's accept loop.
func (c *ConnectionCore) Handle(ctx context.Context, conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("unknown", fmt.Sprintf("panic: %v", r))
			_ = conn.Close()
		}
	}()

	key := conn.RemoteAddr().String()

	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.InitialReadTimeout)); err != nil {
		_ = conn.Close()
		return
	}

	buf := make([]byte, ReadBufSize)
	n, err := conn.Read(buf)
	if err != nil || n == 0 {
		_ = conn.Close()
		return
	}
	first := buf[:n]

	method, host, port, perr := parseRequestLine(first)
	if perr != nil {
		c.handleError(conn, key, nil)
		return
	}

	srcIP, _, _ := net.SplitHostPort(key)
	info := &ConnectionInfo{
		SrcIP:     srcIP,
		DstDomain: strings.ToLower(host),
		Method:    method,
		StartTime: time.Now(),
	}

	c.registerConn(key, info)
	info.TrafficOut += uint64(n)
	c.stats.AddTraffic(0, uint64(n))

	if method == "CONNECT" {
		if ab, ok := c.blacklist.(*AdaptiveBlacklist); ok {
			ab.Check(ctx, info.DstDomain)
		}
		c.handleHTTPS(ctx, conn, info, key, host, port)
	} else {
		c.handleHTTP(ctx, conn, info, key, first, host, port)
	}
}

func (c *ConnectionCore) registerConn(key string, info *ConnectionInfo) {
	c.mu.Lock()
	c.active[key] = info
	c.mu.Unlock()
}

func (c *ConnectionCore) popConn(key string) *ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := c.active[key]
	delete(c.active, key)
	return info
}

func (c *ConnectionCore) failureCount(domain string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures[domain]
}

func (c *ConnectionCore) incFailure(domain string) {
	c.mu.Lock()
	c.failures[domain]++
	c.mu.Unlock()
}

// decFailure ratchets the failure counter down, saturating at zero, on a
// successful relay completion. Preserved intentionally: an attempt that
// only reaches ERROR_RESPONSE (never a clean relay) never decrements, so
// domain_failures can only ever grow until one relay actually succeeds —
// matching the original's behaviour exactly, not a reinterpretation.
func (c *ConnectionCore) decFailure(domain string) {
	c.mu.Lock()
	if c.failures[domain] > 0 {
		c.failures[domain]--
	}
	c.mu.Unlock()
}

// parseRequestLine extracts the method and the target host/port from the
// first chunk of client data, handling both an HTTP request line with a
// Host header and a CONNECT preamble.
func parseRequestLine(data []byte) (method, host string, port int, err error) {
	idx := bytes.Index(data, []byte("\r\n"))
	if idx == -1 {
		return "", "", 0, fmt.Errorf("malformed request: no CRLF")
	}

	fields := strings.Fields(string(data[:idx]))
	if len(fields) < 2 {
		return "", "", 0, fmt.Errorf("malformed request line")
	}
	method = fields[0]
	target := fields[1]

	if method == "CONNECT" {
		h, p, e := net.SplitHostPort(target)
		if e != nil {
			return "", "", 0, e
		}
		portNum, e := strconv.Atoi(p)
		if e != nil {
			return "", "", 0, e
		}
		return method, h, portNum, nil
	}

	host, port, err = findHostHeader(data)
	return method, host, port, err
}

// findHostHeader scans the raw request for a "Host:" header and returns its
// host and port, defaulting the port to 80 when absent.
func findHostHeader(data []byte) (host string, port int, err error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break
		}
		if len(line) > 6 && strings.EqualFold(line[:5], "Host:") {
			hp := strings.TrimSpace(line[5:])
			if h, p, e := net.SplitHostPort(hp); e == nil {
				portNum, _ := strconv.Atoi(p)
				return h, portNum, nil
			}
			return hp, 80, nil
		}
	}
	return "", 0, fmt.Errorf("missing Host header")
}

// dialOrigin resolves host:port via the shared DNSCache and dials the first
// reachable address, optionally binding the local end to cfg.OutHost.
func (c *ConnectionCore) dialOrigin(ctx context.Context, host string, port int) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	addrs, err := c.dnsCache.Resolve(dctx, host, port)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: c.cfg.ConnectTimeout}
	if c.cfg.OutHost != "" {
		dialer.LocalAddr = &net.TCPAddr{IP: net.ParseIP(c.cfg.OutHost)}
	}

	var lastErr error
	for _, addr := range addrs {
		conn, derr := dialer.DialContext(dctx, "tcp", addr)
		if derr == nil {
			return conn, nil
		}
		lastErr = derr
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("dial %s:%d: no addresses", host, port)
	}
	return nil, lastErr
}

// handleHTTP implements the HTTP_SETUP transition: connect to origin,
// forward the already-buffered first chunk unmodified, then relay.
func (c *ConnectionCore) handleHTTP(ctx context.Context, conn net.Conn, info *ConnectionInfo, key string, first []byte, host string, port int) {
	remote, err := c.dialOrigin(ctx, host, port)
	if err != nil {
		c.handleError(conn, key, info)
		return
	}

	if _, err = remote.Write(first); err != nil {
		_ = remote.Close()
		c.handleError(conn, key, info)
		return
	}

	c.stats.IncTotal()
	c.stats.IncAllowed()

	// The initial-read deadline set in Handle must not bleed into the
	// relay: Go deadlines are absolute, so a quiet-but-alive tunnel would
	// otherwise time out on its next client read.
	_ = conn.SetReadDeadline(time.Time{})

	c.relay(conn, remote, key, info)
}

// handleHTTPS implements the HTTPS_SETUP transition: connect to origin,
// reply with the tunnel-established response, read the TLS record header
// and body, decide, rewrite, and relay.
func (c *ConnectionCore) handleHTTPS(ctx context.Context, conn net.Conn, info *ConnectionInfo, key, host string, port int) {
	remote, err := c.dialOrigin(ctx, host, port)
	if err != nil {
		c.handleError(conn, key, info)
		return
	}

	established := []byte("HTTP/1.1 200 Connection Established\r\n\r\n")
	if _, err = conn.Write(established); err != nil {
		_ = remote.Close()
		c.handleError(conn, key, info)
		return
	}
	info.TrafficIn += uint64(len(established))
	c.stats.AddTraffic(uint64(len(established)), 0)

	if err = c.rewriteAndForward(conn, remote, info); err != nil {
		c.logger.Error(info.DstDomain, err.Error())
	}

	// rewriteAndForward leaves its own read deadlines set on conn; clear
	// them before the relay for the same reason handleHTTP does.
	_ = conn.SetReadDeadline(time.Time{})

	c.relay(conn, remote, key, info)
}

// rewriteAndForward reads the first TLS record header and body from conn,
// runs the decision engine, and forwards the (possibly fragmented) payload
// to remote.
func (c *ConnectionCore) rewriteAndForward(conn, remote net.Conn, info *ConnectionInfo) error {
	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.InitialReadTimeout)); err != nil {
		return err
	}
	head := make([]byte, 5)
	if _, err := readFull(conn, head); err != nil {
		return fmt.Errorf("reading tls record header: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.InitialReadTimeout)); err != nil {
		return err
	}
	data := make([]byte, MaxInitialTLSRead)
	n, err := conn.Read(data)
	if err != nil && n == 0 {
		return fmt.Errorf("reading tls client hello: %w", err)
	}
	data = data[:n]

	shouldFragment := c.blacklist.IsBlocked(info.DstDomain)
	method := c.cfg.FragmentMethod

	if allow, ruleMethod := c.rules.Decide(info.DstDomain); allow != nil {
		shouldFragment = *allow
		if ruleMethod != "" {
			method = ruleMethod
		}
	} else if ruleMethod != "" {
		method = ruleMethod
	}

	c.stats.IncTotal()

	if !shouldFragment {
		c.stats.IncAllowed()
		combined := append(append([]byte{}, head...), data...)
		return writeAll(remote, combined, info, c.stats)
	}

	c.stats.IncBlocked()

	if c.failureCount(info.DstDomain) >= domainFailureThreshold && method == MethodRandom {
		method = MethodSNI
	}

	parts, ferr := Fragment(data, method)
	if ferr != nil {
		return ferr
	}
	if len(parts) == 0 {
		combined := append(append([]byte{}, head...), data...)
		return writeAll(remote, combined, info, c.stats)
	}

	if method == MethodSplitJitter {
		return writeJittered(remote, parts, info, c.stats)
	}

	var combined []byte
	for _, p := range parts {
		combined = append(combined, p...)
	}
	return writeAll(remote, combined, info, c.stats)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

func writeAll(w net.Conn, data []byte, info *ConnectionInfo, stats *StatsSink) error {
	if _, err := w.Write(data); err != nil {
		return err
	}
	info.TrafficOut += uint64(len(data))
	stats.AddTraffic(0, uint64(len(data)))
	return nil
}

// writeJittered writes each fragment separately with a short random sleep
// between writes, the split-jitter method's defining behaviour.
func writeJittered(w net.Conn, parts [][]byte, info *ConnectionInfo, stats *StatsSink) error {
	for _, p := range parts {
		if _, err := w.Write(p); err != nil {
			return err
		}
		info.TrafficOut += uint64(len(p))
		stats.AddTraffic(0, uint64(len(p)))

		if err := sleepJitter(); err != nil {
			return err
		}
	}
	return nil
}

// pipe copies from src to dst until src EOFs or errors, reading in
// ReadBufSize chunks. Go's net.Conn.Write blocks until the kernel accepts
// the data, so DrainHighWaterMark is honoured implicitly on every single
// write — there is no buffered-transport layer here to overflow the way an
// asyncio StreamWriter has, so no separate flush step is needed to enforce
// it.
func pipe(src, dst net.Conn, counter *atomic.Uint64) (uint64, error) {
	buf := make([]byte, ReadBufSize)
	var total uint64

	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += uint64(n)
			counter.Add(uint64(n))
		}
		if rerr != nil {
			return total, rerr
		}
	}
}

// sleepJitter pauses for a random 1-5 ms interval, the split-jitter
// method's inter-fragment delay.
func sleepJitter() error {
	ms, err := utils.GetRandomValue(1, 6)
	if err != nil {
		return err
	}
	time.Sleep(time.Duration(ms) * time.Millisecond)
	return nil
}

// halfCloser is implemented by connections (like *net.TCPConn) that support
// closing only the write half, letting the peer see EOF while reads already
// in flight keep working.
type halfCloser interface {
	CloseWrite() error
}

// closeWrite signals EOF to the peer without tearing down reads already in
// flight on conn, falling back to a full Close when conn has no half-close
// (net.Pipe's Conn, for instance).
func closeWrite(conn net.Conn) {
	if hc, ok := conn.(halfCloser); ok {
		_ = hc.CloseWrite()
		return
	}
	_ = conn.Close()
}

// relay runs two unidirectional full-duplex pipes between conn and remote
// until both sides have ended, then tears down bookkeeping. Each direction
// half-closes the other connection's write side as soon as its own source
// EOFs, so a one-sided close (the norm for a CONNECT tunnel whose origin
// never closes first) propagates instead of leaving the opposite pipe
// blocked on a read that will never unblock.
func (c *ConnectionCore) relay(conn, remote net.Conn, key string, info *ConnectionInfo) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		n, err := pipe(conn, remote, &c.stats.trafficOut)
		info.TrafficOut += n
		closeWrite(remote)
		if !classifyRelayErr(err) {
			c.logger.Error(info.DstDomain, err.Error())
		}
	}()

	go func() {
		defer wg.Done()
		n, err := pipe(remote, conn, &c.stats.trafficIn)
		info.TrafficIn += n
		closeWrite(conn)
		if !classifyRelayErr(err) {
			c.logger.Error(info.DstDomain, err.Error())
		}
	}()

	wg.Wait()

	_ = conn.Close()
	_ = remote.Close()

	c.finish(key, info)
}

// finish removes the connection's bookkeeping, ratchets domain_failures
// down (a completed relay is evidence the method worked), and emits the
// access-log record.
func (c *ConnectionCore) finish(key string, info *ConnectionInfo) {
	removed := c.popConn(key)
	if removed == nil {
		return
	}

	c.decFailure(removed.DstDomain)

	c.logger.Access(fmt.Sprintf(
		"%s %s %s %s %d %d",
		removed.StartTime.Format("2006-01-02 15:04:05"),
		removed.SrcIP,
		removed.Method,
		removed.DstDomain,
		removed.TrafficIn,
		removed.TrafficOut,
	))
}

// handleError implements the ERROR_RESPONSE case: reply 500 if possible,
// bump error stats, ratchet domain_failures up, and close.
func (c *ConnectionCore) handleError(conn net.Conn, key string, info *ConnectionInfo) {
	resp := []byte("HTTP/1.1 500 Internal Server Error\r\n\r\n")
	if _, err := conn.Write(resp); err == nil {
		c.stats.AddTraffic(uint64(len(resp)), 0)
	}

	removed := c.popConn(key)
	if removed == nil {
		removed = info
	}

	c.stats.IncTotal()
	c.stats.IncError()

	if removed != nil {
		c.incFailure(removed.DstDomain)
		c.logger.Error(removed.DstDomain, "connection error")
	}

	_ = conn.Close()
}
