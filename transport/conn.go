package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

// TLSConfig describes one side of a mutually authenticated signing link.
type TLSConfig struct {
	// CertFile and KeyFile are this side's static identity.
	CertFile string
	KeyFile  string

	// CABundleFile pins the peers allowed on the link.
	CABundleFile string

	// ServerName overrides SNI verification for dialing.
	ServerName string
}

// Load builds the tls.Config. Both sides require and verify peer
// certificates against the pinned bundle.
func (c *TLSConfig) Load() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("unable to load keypair: %w", err)
	}

	caBundle, err := os.ReadFile(c.CABundleFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read CA bundle: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBundle) {
		return nil, fmt.Errorf("no certificates in CA bundle %s",
			c.CABundleFile)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ServerName:   c.ServerName,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// Conn is one framed signing link. Request/response pairs are serialized;
// the signing protocol has no pipelining.
type Conn struct {
	conn net.Conn
	mu   sync.Mutex
}

// NewConn wraps an established connection.
func NewConn(conn net.Conn) *Conn {
	return &Conn{conn: conn}
}

// Dial opens a mutually authenticated link to a verifier.
func Dial(ctx context.Context, addr string, tlsCfg *TLSConfig) (*Conn, error) {
	cfg, err := tlsCfg.Load()
	if err != nil {
		return nil, err
	}

	dialer := &tls.Dialer{Config: cfg}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("unable to dial %s: %w", addr, err)
	}

	return NewConn(conn), nil
}

// RoundTrip sends one envelope and waits for the peer's answer, bounded by
// the context deadline.
func (c *Conn) RoundTrip(ctx context.Context, req *Envelope) (*Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(30 * time.Second)
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("unable to set deadline: %w", err)
	}

	if err := WriteFrame(c.conn, req); err != nil {
		return nil, err
	}

	resp, err := ReadFrame(c.conn)
	if err != nil {
		return nil, err
	}

	return resp, nil
}

// Close tears the link down.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// Handler answers one envelope.
type Handler func(ctx context.Context, req *Envelope) (*Envelope, error)

// Server accepts signing links and serves envelopes with a handler.
type Server struct {
	listener net.Listener
	handler  Handler

	quit chan struct{}
	wg   sync.WaitGroup
}

// Serve starts accepting on the listener. The caller owns the listener
// lifecycle via Stop.
func Serve(listener net.Listener, handler Handler) *Server {
	s := &Server{
		listener: listener,
		handler:  handler,
		quit:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return s
}

// ListenAndServe opens a TLS listener and serves on it.
func ListenAndServe(addr string, tlsCfg *TLSConfig, handler Handler) (*Server, error) {
	cfg, err := tlsCfg.Load()
	if err != nil {
		return nil, err
	}

	listener, err := tls.Listen("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to listen on %s: %w", addr, err)
	}

	return Serve(listener, handler), nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop closes the listener and waits for connection goroutines.
func (s *Server) Stop() {
	close(s.quit)
	s.listener.Close()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	for {
		select {
		case <-s.quit:
			return
		default:
		}

		if err := conn.SetReadDeadline(
			time.Now().Add(2 * time.Minute),
		); err != nil {
			return
		}

		req, err := ReadFrame(conn)
		if err != nil {
			return
		}

		ctx, cancel := context.WithTimeout(
			context.Background(), time.Minute,
		)
		resp, err := s.handler(ctx, req)
		cancel()
		if err != nil {
			return
		}

		if err := WriteFrame(conn, resp); err != nil {
			return
		}
	}
}
