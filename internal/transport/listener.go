package transport

import (
	"crypto/tls"
	"net"

	"go.uber.org/zap"
)

// Listener accepts mTLS connections and wraps each in a Stream.
// Grounded on original_source/base/tcpserver.cpp's accept-loop shape,
// adapted to Go's net/tls idiom instead of a reactor callback.
type Listener struct {
	ln             net.Listener
	id             *Identity
	allowAnonymous bool
	log            *zap.Logger
}

// Listen binds addr and returns a Listener ready to Accept.
func Listen(addr string, id *Identity, allowAnonymous bool, log *zap.Logger) (*Listener, error) {
	if log == nil {
		log = zap.NewNop()
	}
	tcpLn, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	tlsLn := tls.NewListener(tcpLn, id.ServerConfig(allowAnonymous))
	return &Listener{ln: tlsLn, id: id, allowAnonymous: allowAnonymous, log: log}, nil
}

// Accept blocks for the next client, performs the TLS handshake, and
// returns a ready Stream. A handshake failure is logged and the
// connection dropped; Accept then waits for the next one rather than
// returning the error, matching spec.md §7's "transient network" policy.
func (l *Listener) Accept() (*Stream, error) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return nil, err
		}
		tlsConn, ok := conn.(*tls.Conn)
		if !ok {
			conn.Close()
			continue
		}
		if err := tlsConn.Handshake(); err != nil {
			l.log.Warn("tls handshake failed", zap.Error(err), zap.String("remote", conn.RemoteAddr().String()))
			tlsConn.Close()
			continue
		}
		return NewStream(tlsConn), nil
	}
}

func (l *Listener) Close() error { return l.ln.Close() }
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Dial connects to addr, authenticating as id and verifying the peer
// presents serverName as its certificate CN.
func Dial(addr string, id *Identity, serverName string) (*Stream, error) {
	conn, err := tls.Dial("tcp", addr, id.ClientConfig(serverName))
	if err != nil {
		return nil, err
	}
	return NewStream(conn), nil
}
