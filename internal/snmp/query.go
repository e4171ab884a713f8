package snmp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"
	"go.uber.org/zap"

	"github.com/HerbHall/snmpwatch/internal/telemetry"
)

// Get performs one scalar GET for oid and returns the value as text. The
// identical request is resent on timeout, up to Retries extra attempts.
// Every failure is a *QueryError; Get never panics.
func (s *Session) Get(ctx context.Context, oid string) (string, error) {
	oid = strings.TrimSpace(oid)
	start := time.Now()
	maxAttempts := s.target.Retries + 1

	var (
		lastErr error
		sent    int
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", s.fail(&QueryError{Kind: KindTransportFailure, OID: oid, Attempts: sent, Err: err}, start)
		}

		pkt, ok, err := s.exchange(ctx, oid)
		if ok {
			sent++
		}
		if err == nil {
			value, decodeErr := decode(pkt)
			if decodeErr != nil {
				return "", s.fail(&QueryError{Kind: KindEmptyResponse, OID: oid, Attempts: sent, Err: decodeErr}, start)
			}
			s.metrics.Query(telemetry.OutcomeOK, time.Since(start))
			return value, nil
		}

		// The caller's deadline or cancellation ends the query regardless of
		// what the socket reported.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", s.fail(&QueryError{Kind: KindTransportFailure, OID: oid, Attempts: sent, Err: ctxErr}, start)
		}
		if !isTimeout(err) {
			return "", s.fail(&QueryError{Kind: KindTransportFailure, OID: oid, Attempts: sent, Err: err}, start)
		}
		lastErr = err
		s.logger.Debug("snmp get timed out",
			zap.String("oid", oid),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
		)
	}

	return "", s.fail(&QueryError{Kind: KindTimeout, OID: oid, Attempts: sent, Err: lastErr}, start)
}

// exchange sends one request on a borrowed socket. sent is false when no
// socket could be borrowed and nothing went on the wire.
func (s *Session) exchange(ctx context.Context, oid string) (pkt *gosnmp.SnmpPacket, sent bool, err error) {
	c, err := s.acquire(ctx)
	if err != nil {
		return nil, false, err
	}
	defer s.release(c)

	defer func() {
		if r := recover(); r != nil {
			pkt, err = nil, fmt.Errorf("transport panic: %v", r)
		}
	}()

	s.metrics.Attempt()
	sent = true
	pkt, err = c.Get([]string{oid})
	return pkt, sent, err
}

func (s *Session) fail(qe *QueryError, start time.Time) error {
	s.metrics.Query(outcomeFor(qe.Kind), time.Since(start))
	s.logger.Warn("snmp get failed",
		zap.String("oid", qe.OID),
		zap.String("kind", qe.Kind.String()),
		zap.Int("attempts", qe.Attempts),
		zap.Error(qe.Err),
	)
	return qe
}

func outcomeFor(k ErrorKind) string {
	switch k {
	case KindTimeout:
		return telemetry.OutcomeTimeout
	case KindEmptyResponse:
		return telemetry.OutcomeEmptyResponse
	default:
		return telemetry.OutcomeTransportFailure
	}
}

// isTimeout reports whether err means the reply did not arrive in time:
// a socket deadline, or gosnmp's own "request timeout" error, which it
// returns as a plain formatted error.
func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), gosnmpTimeoutPrefix)
}

const gosnmpTimeoutPrefix = "request timeout"

// decode extracts the single variable binding of a reply as text.
func decode(pkt *gosnmp.SnmpPacket) (string, error) {
	if pkt == nil || len(pkt.Variables) == 0 {
		return "", errors.New("reply carries no variable bindings")
	}
	if pkt.Error != gosnmp.NoError {
		return "", fmt.Errorf("agent error status %v at index %d", pkt.Error, pkt.ErrorIndex)
	}

	v := pkt.Variables[0]
	switch v.Type {
	case gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.EndOfMibView, gosnmp.Null:
		return "", fmt.Errorf("variable %s: %v", v.Name, v.Type)
	case gosnmp.Integer, gosnmp.Counter32, gosnmp.Gauge32, gosnmp.Counter64,
		gosnmp.TimeTicks, gosnmp.Uinteger32:
		return gosnmp.ToBigInt(v.Value).String(), nil
	case gosnmp.OctetString:
		b, ok := v.Value.([]byte)
		if !ok {
			return "", fmt.Errorf("variable %s: octet string has %T value", v.Name, v.Value)
		}
		text := strings.TrimSpace(string(b))
		if text == "" {
			return "", fmt.Errorf("variable %s: empty octet string", v.Name)
		}
		return text, nil
	case gosnmp.OpaqueFloat:
		f, ok := v.Value.(float32)
		if !ok {
			return "", fmt.Errorf("variable %s: opaque float has %T value", v.Name, v.Value)
		}
		return strconv.FormatFloat(float64(f), 'f', -1, 32), nil
	case gosnmp.OpaqueDouble:
		f, ok := v.Value.(float64)
		if !ok {
			return "", fmt.Errorf("variable %s: opaque double has %T value", v.Name, v.Value)
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("variable %s: unsupported type %v", v.Name, v.Type)
	}
}
