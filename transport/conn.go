package transport

import (
	"encoding/binary"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/xerrors"
)

// Sentinel errors so callers can classify failures with errors.Is
// instead of string matching.
var (
	ErrClosed          = xerrors.New("transport: connection closed")
	ErrTimeout         = xerrors.New("transport: timeout")
	ErrCanceled        = xerrors.New("transport: canceled")
	ErrEOF             = xerrors.New("transport: EOF")
	ErrHostUnreachable = xerrors.New("transport: host unreachable")
	ErrUnknown         = xerrors.New("transport: unknown network error")
)

// MaxPacketSize bounds how much memory is allocated for one frame
// before it is validated.
var MaxPacketSize uint32 = 10 * 1024 * 1024

// Timeout is applied to every blocking read/write/dial; it is a package
// var (rather than a per-Conn field) so tests can shrink it globally.
var Timeout = 1 * time.Minute

var timeoutMu sync.RWMutex

// SetTimeout changes the global I/O timeout.
func SetTimeout(d time.Duration) {
	timeoutMu.Lock()
	defer timeoutMu.Unlock()
	Timeout = d
}

func currentTimeout() time.Duration {
	timeoutMu.RLock()
	defer timeoutMu.RUnlock()
	return Timeout
}

// Conn is one framed, bidirectional connection to a peer, carrying
// Envelope values. TCPConn and LocalConn both implement it.
type Conn interface {
	Send(e *Envelope) (uint64, error)
	Receive() (*Envelope, error)
	Remote() string
	Local() string
	Close() error
}

// TCPConn implements Conn over a plain net.Conn using a 4-byte
// big-endian length prefix followed by the protobuf-encoded envelope.
// CURVE encryption is
// layered on top by the caller via cert.Authenticator-configured
// sockets in a full ZeroMQ deployment; here the framing and the
// identity handshake in Router are what this codebase owns.
type TCPConn struct {
	conn net.Conn

	closed   bool
	closedMu sync.Mutex
	recvMu   sync.Mutex
	sendMu   sync.Mutex

	txBytes, rxBytes uint64
	statsMu          sync.Mutex
}

// DialTCP opens a TCPConn to addr ("host:port").
func DialTCP(addr string) (*TCPConn, error) {
	c, err := net.DialTimeout("tcp", addr, currentTimeout())
	if err != nil {
		return nil, xerrors.Errorf("transport: dial %s: %v", addr, err)
	}
	return &TCPConn{conn: c}, nil
}

// NewTCPConn wraps an already-accepted net.Conn.
func NewTCPConn(c net.Conn) *TCPConn {
	return &TCPConn{conn: c}
}

// Send writes e to the wire with a 4-byte length prefix.
func (c *TCPConn) Send(e *Envelope) (uint64, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	buf, err := Marshal(e)
	if err != nil {
		return 0, err
	}
	c.conn.SetWriteDeadline(time.Now().Add(currentTimeout()))

	var sizeHdr [4]byte
	binary.BigEndian.PutUint32(sizeHdr[:], uint32(len(buf)))
	if _, err := c.conn.Write(sizeHdr[:]); err != nil {
		return 0, handleNetError(err)
	}
	sent := 0
	for sent < len(buf) {
		n, err := c.conn.Write(buf[sent:])
		if err != nil {
			c.addTx(uint64(4 + sent))
			return uint64(4 + sent), handleNetError(err)
		}
		sent += n
	}
	c.addTx(uint64(4 + sent))
	return uint64(4 + sent), nil
}

// Receive reads one length-prefixed frame and decodes it.
func (c *TCPConn) Receive() (*Envelope, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	c.conn.SetReadDeadline(time.Now().Add(currentTimeout()))
	var sizeHdr [4]byte
	if _, err := io.ReadFull(c.conn, sizeHdr[:]); err != nil {
		return nil, handleNetError(err)
	}
	size := binary.BigEndian.Uint32(sizeHdr[:])
	if size > MaxPacketSize {
		return nil, xerrors.Errorf("transport: frame of %d bytes exceeds MaxPacketSize %d", size, MaxPacketSize)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		c.addRx(uint64(4 + len(buf)))
		return nil, handleNetError(err)
	}
	c.addRx(uint64(4 + len(buf)))

	return Unmarshal(buf)
}

func (c *TCPConn) addTx(n uint64) {
	c.statsMu.Lock()
	c.txBytes += n
	c.statsMu.Unlock()
}

func (c *TCPConn) addRx(n uint64) {
	c.statsMu.Lock()
	c.rxBytes += n
	c.statsMu.Unlock()
}

// Stats returns the cumulative bytes sent/received on this connection.
// overlay.stats-get reports Router.Stats, not these per-connection figures.
func (c *TCPConn) Stats() (tx, rx uint64) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.txBytes, c.rxBytes
}

// Remote returns the remote address.
func (c *TCPConn) Remote() string { return c.conn.RemoteAddr().String() }

// Local returns the local address.
func (c *TCPConn) Local() string { return c.conn.LocalAddr().String() }

// Close closes the underlying connection.
func (c *TCPConn) Close() error {
	c.closedMu.Lock()
	defer c.closedMu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.closed = true
	return c.conn.Close()
}

// handleNetError classifies a raw net.Conn error into one of the
// package's sentinel errors.
func handleNetError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "use of closed"), strings.Contains(msg, "broken pipe"):
		return ErrClosed
	case strings.Contains(msg, "canceled"):
		return ErrCanceled
	case err == io.EOF, strings.Contains(msg, "EOF"):
		return ErrEOF
	case strings.Contains(msg, "i/o timeout"):
		return ErrTimeout
	default:
		return xerrors.Errorf("%v: %w", err, ErrUnknown)
	}
}
