package mount

import (
	"fmt"
	"io"
	"net"
	"time"

	"go.bug.st/serial"
)

// Transport is the byte pipe under the LX200 framing layer. net.Conn
// satisfies it directly; serial ports are adapted below.
type Transport interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

// Dialer opens a transport. The engine does not auto-reconnect; the
// orchestrator decides when to call Connect again after a fault.
type Dialer func() (Transport, error)

// TCPDialer returns a dialer for a network-attached controller
// (e.g. OnStepX SWS or a serial-over-TCP bridge).
func TCPDialer(addr string, timeout time.Duration) Dialer {
	return func() (Transport, error) {
		conn, err := net.DialTimeout("tcp", addr, timeout)
		if err != nil {
			return nil, err
		}
		return conn.(Transport), nil
	}
}

// SerialDialer returns a dialer for an RS-232 attached controller.
func SerialDialer(device string, baud int) Dialer {
	return func() (Transport, error) {
		port, err := serial.Open(device, &serial.Mode{BaudRate: baud})
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", device, err)
		}
		return &serialTransport{port: port}, nil
	}
}

// serialTransport adapts a serial.Port to the deadline-based Transport
// contract. Serial ports only support relative read timeouts, so the
// deadline is converted on each call.
type serialTransport struct {
	port     serial.Port
	deadline time.Time
}

func (s *serialTransport) Read(p []byte) (int, error) {
	timeout := serial.NoTimeout
	if !s.deadline.IsZero() {
		remaining := time.Until(s.deadline)
		if remaining <= 0 {
			return 0, timeoutError{}
		}
		timeout = remaining
	}
	if err := s.port.SetReadTimeout(timeout); err != nil {
		return 0, err
	}
	n, err := s.port.Read(p)
	if err == nil && n == 0 {
		// serial returns (0, nil) on timeout expiry
		return 0, timeoutError{}
	}
	return n, err
}

func (s *serialTransport) Write(p []byte) (int, error) { return s.port.Write(p) }
func (s *serialTransport) Close() error                { return s.port.Close() }

func (s *serialTransport) SetReadDeadline(t time.Time) error {
	s.deadline = t
	return nil
}

// timeoutError mirrors net timeout semantics for the serial adapter.
type timeoutError struct{}

func (timeoutError) Error() string   { return "read timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
