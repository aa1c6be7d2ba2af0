// Package udpsock implements the UDP socket adapter contract the
// tunnel engines consume: bind, optional connect, async
// receive/send-to, close, with a socket-closed failure distinguishable
// from transient per-datagram errors, and an optional back-pressure
// hook on send.
package udpsock

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// ErrClosed is returned by Read/Write after Close has been called. It
// is distinguishable from transient errors via errors.Is, matching the
// teacher's voice/udp.Connection sentinel.
var ErrClosed = errors.New("udpsock: socket closed")

// Socket is the contract the tunnel engines require from a UDP
// transport. A Socket may be "connected" (destination fixed at bind
// time, as the server's per-sub-flow upstream sockets are) or
// "unconnected" (destination supplied per send, as both engines' main
// listening sockets are).
type Socket struct {
	conn    *net.UDPConn
	limiter *rate.Limiter // nil disables back-pressure pacing

	closedCh chan struct{}
}

// Bind opens a UDP socket listening on addr (host:port, or ":port" for
// all interfaces).
func Bind(addr string) (*Socket, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "udpsock: resolving bind address")
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, errors.Wrap(err, "udpsock: binding")
	}
	return &Socket{conn: conn, closedCh: make(chan struct{})}, nil
}

// Connect opens a UDP socket with a fixed destination. Send has no
// explicit destination on a connected Socket; use Write.
func Connect(addr string) (*Socket, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "udpsock: resolving destination address")
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, errors.Wrap(err, "udpsock: connecting")
	}
	return &Socket{conn: conn, closedCh: make(chan struct{})}, nil
}

// SetSendLimiter installs a token-bucket back-pressure gate: WriteTo and
// Write block on Wait before each send. Passing nil disables pacing
// (the default); RTP disguise traffic has no fixed frame cadence, so
// pacing is opt-in, unlike the teacher's always-on 50pps voice limiter.
func (s *Socket) SetSendLimiter(l *rate.Limiter) {
	s.limiter = l
}

// LocalAddr returns the socket's bound local address.
func (s *Socket) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// ReadFrom blocks until a datagram arrives, returning its source
// address and payload (copied into buf[:n]). Per-datagram errors that
// don't indicate the socket is closed (e.g. connection-reset on
// Windows from an unreachable ICMP) are returned as transient and the
// caller should continue reading.
func (s *Socket) ReadFrom(buf []byte) (n int, addr *net.UDPAddr, err error) {
	n, addr, err = s.conn.ReadFromUDP(buf)
	if err != nil {
		if s.isClosed() {
			return 0, nil, ErrClosed
		}
		return 0, nil, err
	}
	return n, addr, nil
}

// WriteTo sends payload to addr on an unconnected socket, applying
// back-pressure if a limiter is installed.
func (s *Socket) WriteTo(ctx context.Context, payload []byte, addr *net.UDPAddr) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	_, err := s.conn.WriteToUDP(payload, addr)
	if err != nil && s.isClosed() {
		return ErrClosed
	}
	return err
}

// Write sends payload on a connected socket.
func (s *Socket) Write(ctx context.Context, payload []byte) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	_, err := s.conn.Write(payload)
	if err != nil && s.isClosed() {
		return ErrClosed
	}
	return err
}

func (s *Socket) wait(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "udpsock: waiting for send back-pressure")
	}
	return nil
}

// Close closes the underlying connection. Subsequent Read/Write calls
// return ErrClosed. Close is idempotent.
func (s *Socket) Close() error {
	select {
	case <-s.closedCh:
		return nil
	default:
		close(s.closedCh)
	}
	return s.conn.Close()
}

// Closed returns a channel that is closed once Close has been called,
// for engines to select on as the socket-closed signal.
func (s *Socket) Closed() <-chan struct{} {
	return s.closedCh
}

func (s *Socket) isClosed() bool {
	select {
	case <-s.closedCh:
		return true
	default:
		return false
	}
}

// SetDeadline sets both read and write deadlines, used by tests that
// want bounded blocking instead of indefinite reads.
func (s *Socket) SetDeadline(t time.Time) error {
	return s.conn.SetDeadline(t)
}
