package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/SWAI-Ltd/relaymesh/internal/proto"
)

// Idle timeout well above the keepalive period; QUIC's 30s default drops
// quiet subscribers.
var defaultQuicConfig = &quic.Config{
	MaxIdleTimeout:  5 * time.Minute,
	KeepAlivePeriod: 20 * time.Second,
}

const ProtoID = "relaymesh/1"

// QUICConn carries length-prefixed frames on one bidirectional stream.
type QUICConn struct {
	stream    quic.Stream
	conn      quic.Connection
	maxFrame  int
	closeOnce sync.Once
}

func newQUICConn(stream quic.Stream, conn quic.Connection, opts Options) *QUICConn {
	return &QUICConn{stream: stream, conn: conn, maxFrame: opts.MaxFrameSize}
}

func (c *QUICConn) RemoteAddr() string {
	if c.conn != nil {
		return c.conn.RemoteAddr().String()
	}
	return "unknown"
}

func (c *QUICConn) Send(frame []byte) error {
	return proto.WriteFrame(c.stream, frame)
}

// Recv skips empty frames; the dialer writes one to open the stream.
func (c *QUICConn) Recv() ([]byte, error) {
	for {
		data, err := proto.ReadFrame(c.stream, c.maxFrame)
		if err != nil || len(data) > 0 {
			return data, err
		}
	}
}

// Close closes the stream and then the connection with a normal error code.
func (c *QUICConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.stream.Close()
		if c.conn != nil {
			_ = c.conn.CloseWithError(0, "closing")
		}
	})
	return err
}

// generateTLSConfig creates a self-signed cert. Peer authentication is out
// of scope for the relay; deployments terminate real TLS in front.
func generateTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{ProtoID},
	}, nil
}

// QUICServer accepts QUIC connections and hands the first stream of each
// to Handler.
type QUICServer struct {
	listener *quic.Listener
	handler  func(Conn)
	opts     Options
}

// ListenQUIC starts a QUIC server on addr with handler set before accepting.
func ListenQUIC(ctx context.Context, addr string, opts Options, handler func(Conn)) (*QUICServer, error) {
	tlsCfg, err := generateTLSConfig()
	if err != nil {
		return nil, err
	}
	listener, err := quic.ListenAddr(addr, tlsCfg, defaultQuicConfig)
	if err != nil {
		return nil, err
	}
	s := &QUICServer{listener: listener, handler: handler, opts: opts.withDefaults()}
	go s.acceptLoop(ctx)
	return s, nil
}

func (s *QUICServer) acceptLoop(ctx context.Context) {
	for {
		sess, err := s.listener.Accept(ctx)
		if err != nil {
			// only returned once ctx is done or the listener is closed
			return
		}
		go func() {
			stream, err := sess.AcceptStream(ctx)
			if err != nil {
				_ = sess.CloseWithError(0, "")
				return
			}
			s.handler(newQUICConn(stream, sess, s.opts))
		}()
	}
}

func (s *QUICServer) LocalAddr() string {
	return s.listener.Addr().String()
}

func (s *QUICServer) Close() error {
	return s.listener.Close()
}

// DialQUIC connects to a QUIC relay (skips cert verification, see
// generateTLSConfig).
func DialQUIC(ctx context.Context, addr string, opts Options) (*QUICConn, error) {
	opts = opts.withDefaults()
	tlsCfg := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ProtoID},
	}
	sess, err := quic.DialAddr(ctx, addr, tlsCfg, defaultQuicConfig)
	if err != nil {
		return nil, err
	}
	stream, err := sess.OpenStreamSync(ctx)
	if err != nil {
		_ = sess.CloseWithError(0, "")
		return nil, err
	}
	// The server only sees the stream once data arrives on it.
	if err := proto.WriteFrame(stream, nil); err != nil {
		_ = sess.CloseWithError(0, "")
		return nil, err
	}
	return newQUICConn(stream, sess, opts), nil
}
