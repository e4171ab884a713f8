// Package snmp owns the UDP sessions to the managed device and performs
// scalar GET exchanges with bounded retries.
package snmp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"
	"go.uber.org/zap"

	"github.com/HerbHall/snmpwatch/internal/telemetry"
)

// Target is the immutable request target shared by every query of a
// session.
type Target struct {
	Host      string
	Port      uint16
	Community string
	Version   gosnmp.SnmpVersion
	Timeout   time.Duration
	Retries   int
	MaxConns  int
}

// Address returns host:port.
func (t Target) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(int(t.Port)))
}

// Conn is one bound socket able to perform a GET exchange. It is used by a
// single query at a time.
type Conn interface {
	Get(oids []string) (*gosnmp.SnmpPacket, error)
	Close() error
}

// Dialer binds a Conn for target.
type Dialer func(ctx context.Context, target Target) (Conn, error)

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithMetrics sets the collectors used to count attempts and outcomes.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithDialer replaces the gosnmp dialer.
func WithDialer(d Dialer) Option {
	return func(s *Session) { s.dial = d }
}

// Session holds the sockets bound to one target. Queries borrow a socket
// from the pool for the duration of one exchange, so concurrent queries
// never interleave on a socket.
type Session struct {
	target  Target
	logger  *zap.Logger
	metrics *telemetry.Metrics
	dial    Dialer

	conns     chan Conn
	all       []Conn
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
}

// Open binds the session sockets. Every socket is bound before Open returns,
// so no reply can arrive before a listener exists.
func Open(ctx context.Context, target Target, opts ...Option) (*Session, error) {
	s := &Session{
		target: target,
		logger: zap.NewNop(),
		dial:   dialGoSNMP,
		closed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := validateTarget(target); err != nil {
		return nil, &TransportError{Addr: target.Address(), Err: err}
	}
	if s.target.MaxConns < 1 {
		s.target.MaxConns = 1
	}

	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.conns = make(chan Conn, s.target.MaxConns)

	for i := 0; i < s.target.MaxConns; i++ {
		c, err := s.dial(sessCtx, s.target)
		if err != nil {
			cancel()
			for _, opened := range s.all {
				_ = opened.Close()
			}
			return nil, &TransportError{Addr: target.Address(), Err: err}
		}
		s.all = append(s.all, c)
		s.conns <- c
	}

	s.logger.Info("snmp session opened",
		zap.String("target", target.Address()),
		zap.String("version", target.Version.String()),
		zap.Duration("timeout", target.Timeout),
		zap.Int("retries", target.Retries),
		zap.Int("sockets", s.target.MaxConns),
	)
	return s, nil
}

// Target returns the session target.
func (s *Session) Target() Target { return s.target }

// Close releases every socket. It is safe to call more than once.
func (s *Session) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
		for _, c := range s.all {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		s.logger.Info("snmp session closed", zap.String("target", s.target.Address()))
	})
	return errors.Join(errs...)
}

// acquire borrows a socket from the pool.
func (s *Session) acquire(ctx context.Context) (Conn, error) {
	select {
	case <-s.closed:
		return nil, ErrSessionClosed
	default:
	}
	select {
	case c := <-s.conns:
		return c, nil
	case <-s.closed:
		return nil, ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) release(c Conn) {
	s.conns <- c
}

func validateTarget(t Target) error {
	switch {
	case t.Host == "":
		return errors.New("empty host")
	case t.Port == 0:
		return errors.New("port must be non-zero")
	case t.Community == "":
		return errors.New("empty community")
	case t.Timeout <= 0:
		return fmt.Errorf("timeout must be positive, got %s", t.Timeout)
	case t.Retries < 0:
		return fmt.Errorf("retries must be >= 0, got %d", t.Retries)
	}
	switch t.Version {
	case gosnmp.Version1, gosnmp.Version2c:
	default:
		return fmt.Errorf("unsupported protocol version %s", t.Version)
	}
	return nil
}

// gosnmpConn adapts a connected *gosnmp.GoSNMP to Conn.
type gosnmpConn struct {
	g *gosnmp.GoSNMP
}

func (c *gosnmpConn) Get(oids []string) (*gosnmp.SnmpPacket, error) {
	return c.g.Get(oids)
}

func (c *gosnmpConn) Close() error {
	if c.g.Conn == nil {
		return nil
	}
	return c.g.Conn.Close()
}

// dialGoSNMP binds one UDP socket. Retries are driven by the query client,
// so gosnmp itself sends each request once.
func dialGoSNMP(ctx context.Context, t Target) (Conn, error) {
	g := &gosnmp.GoSNMP{
		Target:    t.Host,
		Port:      t.Port,
		Transport: "udp",
		Community: t.Community,
		Version:   t.Version,
		Timeout:   t.Timeout,
		Retries:   0,
		MaxOids:   1,
		Context:   ctx,
	}
	if err := g.Connect(); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return &gosnmpConn{g: g}, nil
}

// ParseVersion maps a configuration string to a protocol version.
func ParseVersion(v string) (gosnmp.SnmpVersion, error) {
	switch v {
	case "1", "v1":
		return gosnmp.Version1, nil
	case "2c", "v2c", "2":
		return gosnmp.Version2c, nil
	default:
		return 0, fmt.Errorf("unsupported snmp version %q (want 1 or 2c)", v)
	}
}
