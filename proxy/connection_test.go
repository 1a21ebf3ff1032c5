package proxy

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequestLine_PlainHTTP(t *testing.T) {
	req := []byte("GET / HTTP/1.1\r\nHost: example.com:8080\r\n\r\n")

	method, host, port, err := parseRequestLine(req)
	require.NoError(t, err)
	assert.Equal(t, "GET", method)
	assert.Equal(t, "example.com", host)
	assert.Equal(t, 8080, port)
}

func TestParseRequestLine_HostHeaderDefaultsPort80(t *testing.T) {
	req := []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")

	_, host, port, err := parseRequestLine(req)
	require.NoError(t, err)
	assert.Equal(t, "example.com", host)
	assert.Equal(t, 80, port)
}

func TestParseRequestLine_Connect(t *testing.T) {
	req := []byte("CONNECT example.com:443 HTTP/1.1\r\n\r\n")

	method, host, port, err := parseRequestLine(req)
	require.NoError(t, err)
	assert.Equal(t, "CONNECT", method)
	assert.Equal(t, "example.com", host)
	assert.Equal(t, 443, port)
}

func TestParseRequestLine_MalformedNoCRLF(t *testing.T) {
	_, _, _, err := parseRequestLine([]byte("garbage"))
	assert.Error(t, err)
}

func TestParseRequestLine_MissingHostHeader(t *testing.T) {
	_, _, _, err := parseRequestLine([]byte("GET / HTTP/1.1\r\n\r\n"))
	assert.Error(t, err)
}

func TestFindHostHeader_CaseInsensitive(t *testing.T) {
	data := []byte("GET / HTTP/1.1\r\nhost: Example.com\r\n\r\n")
	host, port, err := findHostHeader(data)
	require.NoError(t, err)
	assert.Equal(t, "Example.com", host)
	assert.Equal(t, 80, port)
}

// startEchoServer listens on 127.0.0.1:0 and echoes back every byte it
// receives on each accepted connection, standing in for an origin server.
func startEchoServer(t *testing.T) (ln net.Listener, addr string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			conn, aerr := ln.Accept()
			if aerr != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}(conn)
		}
	}()

	return ln, ln.Addr().String()
}

// readRecordPayloads reads forged TLS records from conn until their payloads
// add up to at least want bytes, and returns the payloads in order.
func readRecordPayloads(t *testing.T, conn net.Conn, want int) [][]byte {
	t.Helper()

	var payloads [][]byte
	for got := 0; got < want; {
		head := make([]byte, 5)
		_, err := io.ReadFull(conn, head)
		require.NoError(t, err)
		require.Equal(t, recordHeader[:], head[:3])

		payload := make([]byte, int(head[3])<<8|int(head[4]))
		_, err = io.ReadFull(conn, payload)
		require.NoError(t, err)

		payloads = append(payloads, payload)
		got += len(payload)
	}
	return payloads
}

func newTestCore(t *testing.T, cfg *Config, bl BlacklistOracle, rules *RuleSet) *ConnectionCore {
	t.Helper()

	logger, err := NewLogger("", "", nil)
	require.NoError(t, err)

	stats := NewStatsSink(cfg.Host, cfg.Port, cfg.FragmentMethod)
	cache := NewDNSCache(time.Minute, 16)

	return NewConnectionCore(cfg, bl, rules, stats, logger, cache)
}

func baseTestConfig() *Config {
	return &Config{
		Host:               "127.0.0.1",
		Port:               0,
		FragmentMethod:     MethodRandom,
		DomainMatching:     MatchStrict,
		BlacklistMode:      BlacklistNone,
		ConnectTimeout:     2 * time.Second,
		InitialReadTimeout: 2 * time.Second,
	}
}

func TestConnectionCore_HandleHTTPPassthrough(t *testing.T) {
	ln, addr := startEchoServer(t)
	defer ln.Close()

	core := newTestCore(t, baseTestConfig(), AlwaysBlacklist{}, NewRuleSet(nil))

	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		core.Handle(context.Background(), server)
		close(done)
	}()

	req := "GET / HTTP/1.1\r\nHost: " + addr + "\r\n\r\n"
	_, err := client.Write([]byte(req))
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(3*time.Second)))
	buf := make([]byte, len(req))
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, req, string(buf))

	client.Close()
	<-done
}

func TestConnectionCore_HandleHTTPSBypassRule_ForwardsUnfragmented(t *testing.T) {
	ln, addr := startEchoServer(t)
	defer ln.Close()

	host, _, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	rules := NewRuleSet([]Rule{{Pattern: host, Action: ActionBypass}})
	core := newTestCore(t, baseTestConfig(), &AlwaysBlacklist{}, rules)

	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		core.Handle(context.Background(), server)
		close(done)
	}()

	connectReq := "CONNECT " + addr + " HTTP/1.1\r\n\r\n"
	_, err = client.Write([]byte(connectReq))
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(3*time.Second)))
	established := "HTTP/1.1 200 Connection Established\r\n\r\n"
	buf := make([]byte, len(established))
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, established, string(buf))

	payload := append([]byte{0x16, 0x03, 0x01, 0x00, 0x05}, []byte("hello")...)
	_, err = client.Write(payload)
	require.NoError(t, err)

	echoed := make([]byte, len(payload))
	_, err = io.ReadFull(client, echoed)
	require.NoError(t, err)
	assert.Equal(t, payload, echoed)

	client.Close()
	<-done
}

func TestConnectionCore_HandleHTTPSForceFragment_ReassemblesToOriginal(t *testing.T) {
	ln, addr := startEchoServer(t)
	defer ln.Close()

	core := newTestCore(t, baseTestConfig(), &AlwaysBlacklist{}, NewRuleSet(nil))

	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		core.Handle(context.Background(), server)
		close(done)
	}()

	connectReq := "CONNECT " + addr + " HTTP/1.1\r\n\r\n"
	_, err := client.Write([]byte(connectReq))
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(3*time.Second)))
	established := "HTTP/1.1 200 Connection Established\r\n\r\n"
	buf := make([]byte, len(established))
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)

	hello := buildClientHelloWithSNI("blocked.example.com")
	head := []byte{0x16, 0x03, 0x01, byte(len(hello) >> 8), byte(len(hello))}
	_, err = client.Write(append(head, hello...))
	require.NoError(t, err)

	// The default method is random, which produces a variable number of
	// variable-length forged records; the echo origin returns them as sent,
	// and their payloads reassemble to the original ClientHello body.
	var got []byte
	for _, p := range readRecordPayloads(t, client, len(hello)) {
		got = append(got, p...)
	}
	assert.Equal(t, hello, got)

	client.Close()
	<-done
}

func TestConnectionCore_OriginUnreachable_RespondsWith500(t *testing.T) {
	cfg := baseTestConfig()
	cfg.ConnectTimeout = 200 * time.Millisecond

	core := newTestCore(t, cfg, AlwaysBlacklist{}, NewRuleSet(nil))

	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		core.Handle(context.Background(), server)
		close(done)
	}()

	// Port 1 on the loopback address is reserved and refuses immediately.
	req := "GET / HTTP/1.1\r\nHost: 127.0.0.1:1\r\n\r\n"
	_, err := client.Write([]byte(req))
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(3*time.Second)))
	buf := make([]byte, 4096)
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(buf[:n], []byte("HTTP/1.1 500")))

	client.Close()
	<-done

	assert.Equal(t, 1, core.failureCount("127.0.0.1"))
}

func TestConnectionCore_DomainFailureRatchet_UpgradesRandomToSNI(t *testing.T) {
	ln, addr := startEchoServer(t)
	defer ln.Close()

	host, _, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	core := newTestCore(t, baseTestConfig(), &AlwaysBlacklist{}, NewRuleSet(nil))
	core.incFailure(host)
	core.incFailure(host)
	require.GreaterOrEqual(t, core.failureCount(host), domainFailureThreshold)

	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		core.Handle(context.Background(), server)
		close(done)
	}()

	connectReq := "CONNECT " + addr + " HTTP/1.1\r\n\r\n"
	_, err = client.Write([]byte(connectReq))
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(3*time.Second)))
	established := "HTTP/1.1 200 Connection Established\r\n\r\n"
	buf := make([]byte, len(established))
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)

	hello := buildClientHelloWithSNI("blocked.example.com")
	head := []byte{0x16, 0x03, 0x01, byte(len(hello) >> 8), byte(len(hello))}
	_, err = client.Write(append(head, hello...))
	require.NoError(t, err)

	// With method upgraded to sni, the ClientHello arrives as exactly four
	// forged records with the hostname split ceil/floor across the middle
	// two, and their payloads reassemble to the original body byte-for-byte.
	payloads := readRecordPayloads(t, client, len(hello))
	require.Len(t, payloads, 4)
	assert.Equal(t, "blocked.ex", string(payloads[1]))

	var got []byte
	for _, p := range payloads {
		got = append(got, p...)
	}
	assert.Equal(t, hello, got)

	client.Close()
	<-done

	// A clean relay completion ratchets the failure count back down.
	assert.Equal(t, domainFailureThreshold-1, core.failureCount(host))
}
