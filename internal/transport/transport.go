// Package transport implements the mutually-authenticated, netstring-framed
// TLS stream described in spec.md §4.C. It is deliberately built on the
// standard library's crypto/tls, crypto/x509 and bufio: no retrieved
// example repo ships an mTLS+framing layer, and the stdlib is the
// unavoidable, idiomatic choice for this concern (see DESIGN.md).
package transport

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Identity bundles the certificate material a node needs both to
// accept and to dial mTLS connections.
type Identity struct {
	Cert tls.Certificate
	CA   *x509.CertPool
}

// LoadIdentity reads a PEM cert/key pair and CA bundle from disk,
// matching the "Persisted state on the local node" contract in
// spec.md §6.
func LoadIdentity(certPath, keyPath, caPath string) (*Identity, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("loading node certificate: %w", err)
	}
	caPEM, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("loading CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no certificates found in CA bundle %s", caPath)
	}
	return &Identity{Cert: cert, CA: pool}, nil
}

// ServerConfig builds the *tls.Config for accepting connections.
// AllowAnonymous permits clients with no certificate, used only for
// the certificate-bootstrap path (spec.md §4.C / SPEC_FULL.md §6).
func (id *Identity) ServerConfig(allowAnonymous bool) *tls.Config {
	clientAuth := tls.RequireAndVerifyClientCert
	if allowAnonymous {
		clientAuth = tls.VerifyClientCertIfGiven
	}
	return &tls.Config{
		Certificates: []tls.Certificate{id.Cert},
		ClientCAs:    id.CA,
		ClientAuth:   clientAuth,
		MinVersion:   tls.VersionTLS12,
	}
}

// ClientConfig builds the *tls.Config for dialling a peer whose
// certificate CN we expect to equal serverName.
func (id *Identity) ClientConfig(serverName string) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{id.Cert},
		RootCAs:      id.CA,
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS12,
	}
}

const defaultWriteBufferBound = 8 << 20 // 8 MiB, see spec.md §4.C back-pressure contract

// Stream wraps one accepted or dialled *tls.Conn with netstring framing,
// a bounded write path (writes run on the caller's goroutine), and the
// liveness counters spec.md §4.C requires (Closed/BytesIn/BytesOut).
type Stream struct {
	conn *tls.Conn
	r    *bufio.Reader

	writeMu      sync.Mutex
	writeBound   int
	pendingBytes int

	bytesIn  int64
	bytesOut int64
	closed   int32

	lastActivityMu sync.Mutex
	lastActivity   time.Time
}

// NewStream wraps conn, which must already be a completed TLS
// connection (the caller runs the handshake so it can inspect the
// negotiated peer certificate first).
func NewStream(conn *tls.Conn) *Stream {
	return &Stream{
		conn:         conn,
		r:            bufio.NewReader(conn),
		writeBound:   defaultWriteBufferBound,
		lastActivity: time.Now(),
	}
}

// PeerCN returns the verified peer certificate's Common Name, the
// identity used for Endpoint lookup (spec.md §4.C). Returns "" if the
// connection was accepted anonymously.
func (s *Stream) PeerCN() string {
	state := s.conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return ""
	}
	return state.PeerCertificates[0].Subject.CommonName
}

// ReadFrame blocks until one complete netstring frame has been read
// and returns its payload. Partial frames are buffered internally by
// bufio.Reader across calls.
func (s *Stream) ReadFrame() ([]byte, error) {
	payload, n, err := readNetstring(s.r)
	if err != nil {
		return nil, err
	}
	atomic.AddInt64(&s.bytesIn, int64(n))
	s.touch()
	return payload, nil
}

// readNetstring reads one <len>:<payload>, frame from r and also
// returns the total number of bytes consumed, so callers can update
// byte counters without re-deriving the frame length.
func readNetstring(r *bufio.Reader) ([]byte, int, error) {
	lenStr, err := r.ReadString(':')
	if err != nil {
		return nil, 0, err
	}
	digits := lenStr[:len(lenStr)-1]
	n, err := strconv.Atoi(digits)
	if err != nil || n < 0 {
		return nil, 0, fmt.Errorf("transport: bad netstring length %q", digits)
	}
	payload := make([]byte, n)
	if _, err := readFull(r, payload); err != nil {
		return nil, 0, err
	}
	comma := make([]byte, 1)
	if _, err := readFull(r, comma); err != nil {
		return nil, 0, err
	}
	if comma[0] != ',' {
		return nil, 0, fmt.Errorf("transport: malformed netstring terminator %q", comma[0])
	}
	return payload, len(lenStr) + n + 1, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func encodeNetstring(payload []byte) []byte {
	frame := []byte(strconv.Itoa(len(payload)) + ":")
	frame = append(frame, payload...)
	frame = append(frame, ',')
	return frame
}

// WriteFrame writes one netstring-framed message. If the outstanding
// write buffer would exceed the configured bound, the stream is closed
// instead of growing unboundedly (spec.md §4.C back-pressure contract).
func (s *Stream) WriteFrame(payload []byte) error {
	frame := encodeNetstring(payload)

	s.writeMu.Lock()
	if s.pendingBytes+len(frame) > s.writeBound {
		s.writeMu.Unlock()
		s.Close()
		return fmt.Errorf("transport: write buffer bound exceeded, connection closed")
	}
	s.pendingBytes += len(frame)
	s.writeMu.Unlock()

	n, err := s.conn.Write(frame)

	s.writeMu.Lock()
	s.pendingBytes -= len(frame)
	s.writeMu.Unlock()

	atomic.AddInt64(&s.bytesOut, int64(n))
	if err != nil {
		return err
	}
	s.touch()
	return nil
}

func (s *Stream) touch() {
	s.lastActivityMu.Lock()
	s.lastActivity = time.Now()
	s.lastActivityMu.Unlock()
}

func (s *Stream) LastActivity() time.Time {
	s.lastActivityMu.Lock()
	defer s.lastActivityMu.Unlock()
	return s.lastActivity
}

func (s *Stream) Close() error {
	atomic.StoreInt32(&s.closed, 1)
	return s.conn.Close()
}

func (s *Stream) Closed() bool    { return atomic.LoadInt32(&s.closed) == 1 }
func (s *Stream) BytesIn() int64  { return atomic.LoadInt64(&s.bytesIn) }
func (s *Stream) BytesOut() int64 { return atomic.LoadInt64(&s.bytesOut) }

func (s *Stream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }
