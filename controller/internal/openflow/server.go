package openflow

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yanet-platform/fabricd/controller/internal/fabric"
)

// Config is the OpenFlow listener configuration.
type Config struct {
	// Endpoint is the listen address. Paths starting with "/" are treated
	// as unix sockets.
	Endpoint string `yaml:"endpoint"`
	// HandshakeTimeout bounds the HELLO/FEATURES exchange.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// WriteTimeout bounds a single message write.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultConfig returns the default listener configuration.
func DefaultConfig() Config {
	return Config{
		Endpoint:         "0.0.0.0:6633",
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     time.Second,
	}
}

type options struct {
	Log *zap.SugaredLogger
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// ServerOption is a function that configures the Server.
type ServerOption func(*options)

// WithLog sets the logger for the Server.
func WithLog(log *zap.SugaredLogger) ServerOption {
	return func(o *options) {
		o.Log = log
	}
}

// Server accepts switch connections and feeds their events to the handler.
type Server struct {
	cfg     Config
	handler fabric.EventHandler
	ready   chan struct{}
	addr    net.Addr
	mu      sync.Mutex
	conns   map[*Conn]struct{}
	log     *zap.SugaredLogger
}

// NewServer creates a new Server.
func NewServer(cfg Config, handler fabric.EventHandler, options ...ServerOption) *Server {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	return &Server{
		cfg:     cfg,
		handler: handler,
		ready:   make(chan struct{}),
		conns:   map[*Conn]struct{}{},
		log:     opts.Log,
	}
}

// Ready is closed once the listener is bound.
func (m *Server) Ready() <-chan struct{} {
	return m.ready
}

// Addr returns the bound listener address. Valid after Ready is closed.
func (m *Server) Addr() net.Addr {
	return m.addr
}

// Run listens for switches until the context is canceled.
func (m *Server) Run(ctx context.Context) error {
	listener, err := listen(m.cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenFlow listener: %w", err)
	}

	m.addr = listener.Addr()
	close(m.ready)

	m.log.Infow("accepting switch connections", zap.Stringer("addr", listener.Addr()))
	defer m.log.Infow("stopped accepting switch connections", zap.Stringer("addr", listener.Addr()))

	sessions := sync.WaitGroup{}
	defer sessions.Wait()

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		<-ctx.Done()
		listener.Close()
		m.closeAll()
		return nil
	})
	wg.Go(func() error {
		return m.accept(ctx, listener, &sessions)
	})

	return wg.Wait()
}

func (m *Server) accept(ctx context.Context, listener net.Listener, sessions *sync.WaitGroup) error {
	retry := backoff.ExponentialBackOff{
		InitialInterval:     5 * time.Millisecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         time.Second,
	}
	retry.Reset()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}

			delay := retry.NextBackOff()
			m.log.Warnw("failed to accept connection, retrying",
				zap.Duration("delay", delay),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		retry.Reset()

		sessions.Add(1)
		go func() {
			defer sessions.Done()
			m.serveConn(ctx, conn)
		}()
	}
}

func (m *Server) serveConn(ctx context.Context, netConn net.Conn) {
	conn := newConn(netConn, m.cfg.WriteTimeout, m.log)
	defer conn.Close()

	if !m.track(conn) {
		return
	}
	defer m.untrack(conn)

	if err := conn.handshake(ctx, m.cfg.HandshakeTimeout); err != nil {
		conn.log.Warnw("switch handshake failed", zap.Error(err))
		return
	}

	if err := m.handler.OnSwitchConnected(ctx, conn); err != nil {
		conn.log.Warnw("switch rejected", zap.Error(err))
		return
	}

	conn.log.Infow("switch session established")
	err := conn.serve(ctx, m.handler)
	conn.Close()
	m.handler.OnSwitchDisconnected(conn)
	conn.log.Infow("switch session closed", zap.Error(err))
}

// track registers a live connection. Returns false when the server is
// already shutting down.
func (m *Server) track(conn *Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conns == nil {
		return false
	}
	m.conns[conn] = struct{}{}
	return true
}

func (m *Server) untrack(conn *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.conns, conn)
}

func (m *Server) closeAll() {
	m.mu.Lock()
	conns := m.conns
	m.conns = nil
	m.mu.Unlock()

	for conn := range conns {
		conn.Close()
	}
}

func listen(endpoint string) (net.Listener, error) {
	if strings.HasPrefix(endpoint, "/") {
		if err := os.MkdirAll(path.Dir(endpoint), 0755); err != nil {
			return nil, err
		}
		if err := os.Remove(endpoint); err != nil && !os.IsNotExist(err) {
			return nil, err
		}

		return net.Listen("unix", endpoint)
	}

	return net.Listen("tcp", endpoint)
}
