package snmp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/HerbHall/snmpwatch/internal/telemetry"
)

// timeoutErr mimics a socket read deadline expiring.
type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

// fakeConn answers GET requests from a handler and counts sends.
type fakeConn struct {
	sends   atomic.Int32
	closed  atomic.Bool
	inUse   atomic.Int32
	overlap atomic.Bool
	handler func(oid string) (*gosnmp.SnmpPacket, error)
}

func (c *fakeConn) Get(oids []string) (*gosnmp.SnmpPacket, error) {
	if c.inUse.Add(1) > 1 {
		c.overlap.Store(true)
	}
	defer c.inUse.Add(-1)
	c.sends.Add(1)
	return c.handler(oids[0])
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

func testTarget() Target {
	return Target{
		Host:      "192.0.2.10",
		Port:      161,
		Community: "public",
		Version:   gosnmp.Version2c,
		Timeout:   50 * time.Millisecond,
		Retries:   3,
		MaxConns:  1,
	}
}

func openFake(t *testing.T, target Target, conns ...*fakeConn) *Session {
	t.Helper()
	var next atomic.Int32
	dial := func(_ context.Context, _ Target) (Conn, error) {
		i := int(next.Add(1)) - 1
		return conns[i%len(conns)], nil
	}
	s, err := Open(context.Background(), target, WithDialer(dial), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func reply(v gosnmp.SnmpPDU) *gosnmp.SnmpPacket {
	return &gosnmp.SnmpPacket{Variables: []gosnmp.SnmpPDU{v}}
}

func TestGet_Integer(t *testing.T) {
	c := &fakeConn{handler: func(oid string) (*gosnmp.SnmpPacket, error) {
		return reply(gosnmp.SnmpPDU{Name: "." + oid, Type: gosnmp.Integer, Value: 37}), nil
	}}
	s := openFake(t, testTarget(), c)

	got, err := s.Get(context.Background(), "1.3.6.1.4.1.2021.11.10.0")
	require.NoError(t, err)
	require.Equal(t, "37", got)
	require.EqualValues(t, 1, c.sends.Load())
}

func TestGet_ExhaustsRetriesOnTimeout(t *testing.T) {
	tests := []struct {
		name    string
		retries int
	}{
		{"no retries", 0},
		{"one retry", 1},
		{"three retries", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &fakeConn{handler: func(string) (*gosnmp.SnmpPacket, error) {
				return nil, timeoutErr{}
			}}
			target := testTarget()
			target.Retries = tt.retries
			s := openFake(t, target, c)

			_, err := s.Get(context.Background(), "1.3.6.1.4.1.2021.4.6.0")

			var qe *QueryError
			require.ErrorAs(t, err, &qe)
			require.Equal(t, KindTimeout, qe.Kind)
			require.Equal(t, tt.retries+1, qe.Attempts)
			require.EqualValues(t, tt.retries+1, c.sends.Load())
		})
	}
}

func TestGet_GosnmpTimeoutMessage(t *testing.T) {
	var calls atomic.Int32
	c := &fakeConn{handler: func(string) (*gosnmp.SnmpPacket, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("request timeout (after 0 retries)")
		}
		return reply(gosnmp.SnmpPDU{Type: gosnmp.Gauge32, Value: uint(2048000)}), nil
	}}
	s := openFake(t, testTarget(), c)

	got, err := s.Get(context.Background(), "1.3.6.1.4.1.2021.4.11.0")
	require.NoError(t, err)
	require.Equal(t, "2048000", got)
	require.EqualValues(t, 2, c.sends.Load())
}

func TestGet_EmptyResponse(t *testing.T) {
	tests := []struct {
		name string
		pkt  *gosnmp.SnmpPacket
	}{
		{"nil packet", nil},
		{"no bindings", &gosnmp.SnmpPacket{}},
		{"error status", &gosnmp.SnmpPacket{
			Error:     gosnmp.NoSuchName,
			Variables: []gosnmp.SnmpPDU{{Type: gosnmp.Null}},
		}},
		{"no such object", reply(gosnmp.SnmpPDU{Type: gosnmp.NoSuchObject})},
		{"no such instance", reply(gosnmp.SnmpPDU{Type: gosnmp.NoSuchInstance})},
		{"null", reply(gosnmp.SnmpPDU{Type: gosnmp.Null})},
		{"blank string", reply(gosnmp.SnmpPDU{Type: gosnmp.OctetString, Value: []byte("  ")})},
		{"object identifier", reply(gosnmp.SnmpPDU{Type: gosnmp.ObjectIdentifier, Value: ".1.3.6"})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &fakeConn{handler: func(string) (*gosnmp.SnmpPacket, error) { return tt.pkt, nil }}
			s := openFake(t, testTarget(), c)

			_, err := s.Get(context.Background(), "1.3.6.1.2.1.1.3.0")
			require.Equal(t, KindEmptyResponse, KindOf(err))
			require.EqualValues(t, 1, c.sends.Load(), "empty responses are not retried")
		})
	}
}

func TestGet_Values(t *testing.T) {
	tests := []struct {
		name string
		pdu  gosnmp.SnmpPDU
		want string
	}{
		{"counter64", gosnmp.SnmpPDU{Type: gosnmp.Counter64, Value: uint64(1 << 40)}, "1099511627776"},
		{"timeticks", gosnmp.SnmpPDU{Type: gosnmp.TimeTicks, Value: uint32(8640000)}, "8640000"},
		{"octet string", gosnmp.SnmpPDU{Type: gosnmp.OctetString, Value: []byte(" 0.15 ")}, "0.15"},
		{"opaque double", gosnmp.SnmpPDU{Type: gosnmp.OpaqueDouble, Value: 1.5}, "1.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &fakeConn{handler: func(string) (*gosnmp.SnmpPacket, error) { return reply(tt.pdu), nil }}
			s := openFake(t, testTarget(), c)

			got, err := s.Get(context.Background(), "1.3.6.1.2.1.1.3.0")
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestGet_TransportFailure(t *testing.T) {
	c := &fakeConn{handler: func(string) (*gosnmp.SnmpPacket, error) {
		return nil, errors.New("write udp: connection refused")
	}}
	s := openFake(t, testTarget(), c)

	_, err := s.Get(context.Background(), "1.3.6.1.2.1.1.3.0")

	var qe *QueryError
	require.ErrorAs(t, err, &qe)
	require.Equal(t, KindTransportFailure, qe.Kind)
	require.EqualValues(t, 1, c.sends.Load(), "transport failures are not retried")
}

func TestGet_RecoversTransportPanic(t *testing.T) {
	c := &fakeConn{handler: func(string) (*gosnmp.SnmpPacket, error) {
		panic("decoder blew up")
	}}
	s := openFake(t, testTarget(), c)

	_, err := s.Get(context.Background(), "1.3.6.1.2.1.1.3.0")
	require.Equal(t, KindTransportFailure, KindOf(err))

	// The socket must be returned to the pool after the panic.
	c.handler = func(string) (*gosnmp.SnmpPacket, error) {
		return reply(gosnmp.SnmpPDU{Type: gosnmp.Integer, Value: 1}), nil
	}
	_, err = s.Get(context.Background(), "1.3.6.1.2.1.1.3.0")
	require.NoError(t, err)
}

func TestGet_CancelledContext(t *testing.T) {
	c := &fakeConn{handler: func(string) (*gosnmp.SnmpPacket, error) {
		return reply(gosnmp.SnmpPDU{Type: gosnmp.Integer, Value: 1}), nil
	}}
	s := openFake(t, testTarget(), c)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Get(ctx, "1.3.6.1.2.1.1.3.0")
	require.Equal(t, KindTransportFailure, KindOf(err))
	require.ErrorIs(t, err, context.Canceled)
	require.EqualValues(t, 0, c.sends.Load())
}

func TestGet_DeadlineWhileWaitingForSocket(t *testing.T) {
	hold := make(chan struct{})
	c := &fakeConn{handler: func(string) (*gosnmp.SnmpPacket, error) {
		<-hold
		return reply(gosnmp.SnmpPDU{Type: gosnmp.Integer, Value: 1}), nil
	}}
	s := openFake(t, testTarget(), c)

	busy := make(chan error, 1)
	go func() {
		_, err := s.Get(context.Background(), "1.3.6.1.2.1.1.3.0")
		busy <- err
	}()
	require.Eventually(t, func() bool { return c.inUse.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Get(ctx, "1.3.6.1.2.1.2.1.0")

	var qe *QueryError
	require.ErrorAs(t, err, &qe)
	require.Equal(t, KindTransportFailure, qe.Kind)
	require.Equal(t, 0, qe.Attempts)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(hold)
	require.NoError(t, <-busy)
	require.EqualValues(t, 1, c.sends.Load())
}

func TestGet_DeadlineDuringExchange(t *testing.T) {
	c := &fakeConn{handler: func(string) (*gosnmp.SnmpPacket, error) {
		time.Sleep(40 * time.Millisecond)
		return nil, timeoutErr{}
	}}
	s := openFake(t, testTarget(), c)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.Get(ctx, "1.3.6.1.2.1.1.3.0")

	var qe *QueryError
	require.ErrorAs(t, err, &qe)
	require.Equal(t, KindTransportFailure, qe.Kind, "an expired caller deadline is not retried")
	require.Equal(t, 1, qe.Attempts)
	require.EqualValues(t, 1, c.sends.Load())
}

func TestIsTimeout(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"socket deadline", timeoutErr{}, true},
		{"gosnmp timeout", errors.New("request timeout (after 3 retries)"), true},
		{"wrapped gosnmp timeout", fmt.Errorf("get: %w", errors.New("request timeout (after 0 retries)")), true},
		{"refused", errors.New("write udp: connection refused"), false},
		{"unrelated timeout word", errors.New("invalid timeout setting"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, isTimeout(tt.err))
		})
	}
}

func TestGet_AfterClose(t *testing.T) {
	c := &fakeConn{handler: func(string) (*gosnmp.SnmpPacket, error) {
		return reply(gosnmp.SnmpPDU{Type: gosnmp.Integer, Value: 1}), nil
	}}
	s := openFake(t, testTarget(), c)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "Close is idempotent")
	require.True(t, c.closed.Load())

	_, err := s.Get(context.Background(), "1.3.6.1.2.1.1.3.0")
	require.ErrorIs(t, err, ErrSessionClosed)
}

func TestGet_ConcurrentQueriesNeverShareSocket(t *testing.T) {
	conns := []*fakeConn{{}, {}}
	for _, c := range conns {
		c.handler = func(string) (*gosnmp.SnmpPacket, error) {
			time.Sleep(time.Millisecond)
			return reply(gosnmp.SnmpPDU{Type: gosnmp.Integer, Value: 5}), nil
		}
	}
	target := testTarget()
	target.MaxConns = 2
	s := openFake(t, target, conns...)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Get(context.Background(), "1.3.6.1.2.1.1.3.0")
			if err != nil {
				t.Errorf("Get() error = %v", err)
			}
		}()
	}
	wg.Wait()

	for i, c := range conns {
		if c.overlap.Load() {
			t.Errorf("conn %d served two exchanges at once", i)
		}
	}
	require.EqualValues(t, 20, conns[0].sends.Load()+conns[1].sends.Load())
}

func TestGet_RecordsMetrics(t *testing.T) {
	m := telemetry.New()
	c := &fakeConn{handler: func(string) (*gosnmp.SnmpPacket, error) { return nil, timeoutErr{} }}
	dial := func(context.Context, Target) (Conn, error) { return c, nil }

	target := testTarget()
	target.Retries = 2
	s, err := Open(context.Background(), target, WithDialer(dial), WithMetrics(m))
	require.NoError(t, err)
	defer s.Close()

	_, _ = s.Get(context.Background(), "1.3.6.1.2.1.1.3.0")

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	body := w.Body.String()
	require.Contains(t, body, "snmpwatch_query_attempts_total 3")
	require.Contains(t, body, `snmpwatch_queries_total{outcome="timeout"} 1`)
}

func TestOpen_Errors(t *testing.T) {
	okDial := func(context.Context, Target) (Conn, error) { return &fakeConn{}, nil }

	tests := []struct {
		name   string
		mutate func(*Target)
		dial   Dialer
	}{
		{"empty host", func(t *Target) { t.Host = "" }, okDial},
		{"zero port", func(t *Target) { t.Port = 0 }, okDial},
		{"empty community", func(t *Target) { t.Community = "" }, okDial},
		{"zero timeout", func(t *Target) { t.Timeout = 0 }, okDial},
		{"negative retries", func(t *Target) { t.Retries = -1 }, okDial},
		{"v3 unsupported", func(t *Target) { t.Version = gosnmp.Version3 }, okDial},
		{"bind failure", func(*Target) {}, func(context.Context, Target) (Conn, error) {
			return nil, errors.New("address already in use")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := testTarget()
			tt.mutate(&target)

			_, err := Open(context.Background(), target, WithDialer(tt.dial))

			var te *TransportError
			require.ErrorAs(t, err, &te)
			require.Equal(t, target.Address(), te.Addr)
		})
	}
}

func TestOpen_ClosesBoundSocketsOnPartialFailure(t *testing.T) {
	first := &fakeConn{}
	var n atomic.Int32
	dial := func(context.Context, Target) (Conn, error) {
		if n.Add(1) == 1 {
			return first, nil
		}
		return nil, errors.New("no buffer space available")
	}
	target := testTarget()
	target.MaxConns = 3

	_, err := Open(context.Background(), target, WithDialer(dial))
	require.Error(t, err)
	require.True(t, first.closed.Load())
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in      string
		want    gosnmp.SnmpVersion
		wantErr bool
	}{
		{"1", gosnmp.Version1, false},
		{"2c", gosnmp.Version2c, false},
		{"v2c", gosnmp.Version2c, false},
		{"3", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseVersion(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseVersion(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseVersion(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
