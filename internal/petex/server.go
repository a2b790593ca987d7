// Package petex manages the session-scoped handle to the engineering driver.
// The driver speaks a line-oriented command protocol over TCP and supports at
// most one connected session, so a handle is acquired per request and always
// released when the request finishes.
package petex

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrDisabled is returned by Acquire when the driver feature is switched off.
var ErrDisabled = errors.New("petex driver is disabled")

// Provider constructs driver sessions on demand.
type Provider struct {
	enabled     bool
	addr        string
	dialTimeout time.Duration
	log         *zap.Logger
}

// NewProvider creates a provider for the driver at addr. When enabled is
// false every Acquire fails with ErrDisabled.
func NewProvider(enabled bool, addr string, dialTimeout time.Duration, log *zap.Logger) *Provider {
	if log == nil {
		log = zap.NewNop()
	}
	return &Provider{enabled: enabled, addr: addr, dialTimeout: dialTimeout, log: log.Named("petex")}
}

// Acquire opens a new driver session. Construction may fail (driver down,
// disabled feature); the caller must Close the returned server on every path.
func (p *Provider) Acquire(ctx context.Context) (*Server, error) {
	if !p.enabled {
		return nil, ErrDisabled
	}

	d := net.Dialer{Timeout: p.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to petex driver at %s: %w", p.addr, err)
	}

	p.log.Debug("acquired driver session", zap.String("addr", p.addr))
	return &Server{
		conn: conn,
		r:    bufio.NewReader(conn),
		log:  p.log,
	}, nil
}

// Server is one live driver session. Methods are exposed to executed code
// fragments, so they stay permissive about input and return plain errors.
type Server struct {
	mu     sync.Mutex
	conn   net.Conn
	r      *bufio.Reader
	closed bool
	log    *zap.Logger
}

// roundTrip sends one command line and reads one response line.
// Responses starting with "ERR " are driver-side failures.
func (s *Server) roundTrip(line string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", errors.New("petex session is closed")
	}
	if _, err := fmt.Fprintf(s.conn, "%s\n", line); err != nil {
		return "", fmt.Errorf("driver write failed: %w", err)
	}
	resp, err := s.r.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("driver read failed: %w", err)
	}
	resp = strings.TrimRight(resp, "\r\n")
	if rest, ok := strings.CutPrefix(resp, "ERR "); ok {
		return "", fmt.Errorf("driver error: %s", rest)
	}
	return strings.TrimPrefix(resp, "OK "), nil
}

// DoCmd executes a driver command and returns its textual result.
func (s *Server) DoCmd(cmd string) (string, error) {
	return s.roundTrip("DOCMD " + cmd)
}

// GetValue reads a model tag value.
func (s *Server) GetValue(tag string) (string, error) {
	return s.roundTrip("GET " + tag)
}

// SetValue writes a model tag value.
func (s *Server) SetValue(tag, value string) error {
	_, err := s.roundTrip(fmt.Sprintf("SET %s=%s", tag, value))
	return err
}

// Close releases the driver session. Safe to call more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.log.Debug("released driver session")
	return s.conn.Close()
}
