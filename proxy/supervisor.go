package proxy

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"
	"github.com/AdguardTeam/golibs/service"
)

// Supervisor owns the listener, the accept loop, the connection core, and
// the periodic stats tick. One Supervisor serves one Config. It implements
// [service.Interface].
type Supervisor struct {
	cfg  *Config
	core *ConnectionCore

	mu       sync.Mutex
	started  bool
	listener net.Listener
	wg       sync.WaitGroup
	cancel   context.CancelFunc

	statsTicker *time.Ticker
	statsDone   chan struct{}
}

// NewSupervisor wires core against cfg's listener address.
func NewSupervisor(cfg *Config, core *ConnectionCore) *Supervisor {
	return &Supervisor{cfg: cfg, core: core}
}

var _ service.Interface = (*Supervisor)(nil)

// Start implements [service.Interface]: it binds the listener and begins
// accepting connections. Returning without error means the proxy is ready
// to serve.
func (s *Supervisor) Start(ctx context.Context) (err error) {
	log.Info("fragproxy: starting listener on %s:%d", s.cfg.Host, s.cfg.Port)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.Error("supervisor already started")
	}

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if tl, ok := ln.(*net.TCPListener); ok {
		ln = tcpKeepAliveListener{tl}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.listener = ln
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(runCtx)
	}()

	s.statsTicker = time.NewTicker(1 * time.Second)
	s.statsDone = make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.statsLoop()
	}()

	s.started = true

	return nil
}

// acceptLoop accepts connections until the listener is closed, dispatching
// each to the ConnectionCore in its own goroutine without awaiting it —
// a slow or stuck connection never blocks new accepts.
func (s *Supervisor) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if classifyRelayErr(err) {
				return
			}
			log.Error("fragproxy: accept: %v", err)
			continue
		}

		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.core.Handle(ctx, conn)
		}()
	}
}

// statsLoop recomputes instantaneous speeds and persists a snapshot once a
// second, the cadence the StatsSink snapshot schema assumes.
func (s *Supervisor) statsLoop() {
	for {
		select {
		case <-s.statsDone:
			return
		case <-s.statsTicker.C:
			s.core.stats.UpdateSpeeds()
			if s.cfg.StatsFile != "" {
				s.core.stats.WriteFile(s.cfg.StatsFile)
			}
		}
	}
}

// Shutdown implements [service.Interface]: it stops accepting new
// connections and waits for in-flight ones to finish unwinding.
func (s *Supervisor) Shutdown(_ context.Context) (err error) {
	log.Info("fragproxy: stopping listener")

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		log.Info("fragproxy: supervisor is not started")
		return nil
	}
	s.started = false
	s.mu.Unlock()

	s.cancel()
	close(s.statsDone)
	s.statsTicker.Stop()

	closeErr := s.listener.Close()

	s.wg.Wait()

	if closeErr != nil {
		return fmt.Errorf("closing listener: %w", errors.Annotate(closeErr, "supervisor shutdown"))
	}

	log.Info("fragproxy: stopped")

	return nil
}

// tcpKeepAliveListener wraps a *net.TCPListener to enable TCP keep-alives
// on every accepted connection, the same minor hardening net/http's
// default server applies to its listeners.
type tcpKeepAliveListener struct {
	*net.TCPListener
}

func (ln tcpKeepAliveListener) Accept() (net.Conn, error) {
	tc, err := ln.AcceptTCP()
	if err != nil {
		return nil, err
	}
	_ = tc.SetKeepAlive(true)
	_ = tc.SetKeepAlivePeriod(3 * time.Minute)
	return tc, nil
}
