// Package transport provides a QUIC transport for development and
// integration testing. The production radio link implements the same
// Handler contract; this package lets two nodes exchange gated messages
// over loopback without it.
package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"golang.org/x/crypto/sha3"

	"github.com/skywalkerx28/chatM-sub000/internal/wire"
)

const alpn = "chatm-quic"

// Handler receives transport events. mesh.Router implements it.
type Handler interface {
	HandlePacket(packetType byte, payload []byte, from string)
	PeerConnected(peer string)
	PeerDisconnected(peer string)
}

type Options struct {
	ListenAddr string
	// MaxConnsPerIP caps simultaneous connections per remote IP; <= 0
	// disables the cap.
	MaxConnsPerIP int
	Logger        *slog.Logger
}

type QUIC struct {
	listenAddr string
	log        *slog.Logger
	limits     *ipLimiter

	mu       sync.Mutex
	handler  Handler
	listener *quic.Listener
	conns    map[string]*quic.Conn
}

func New(opts Options) *QUIC {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &QUIC{
		listenAddr: opts.ListenAddr,
		log:        log,
		limits:     newIPLimiter(opts.MaxConnsPerIP),
		conns:      make(map[string]*quic.Conn),
	}
}

func (t *QUIC) SetHandler(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// currentHandler is read at every use so a SetHandler after connections are
// up still reaches them.
func (t *QUIC) currentHandler() Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

// PeerID derives the opaque peer identifier for a connection. It is stable
// for the connection's lifetime, which is all the contract requires.
func PeerID(remote net.Addr) string {
	sum := sha3.Sum256([]byte(remote.String()))
	return "q-" + hex.EncodeToString(sum[:8])
}

// Listen starts accepting connections until ctx is cancelled.
func (t *QUIC) Listen(ctx context.Context) error {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return err
	}
	listener, err := quic.ListenAddr(t.listenAddr, tlsConf, nil)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.listener = listener
	t.mu.Unlock()
	t.log.Info("quic listening", "addr", listener.Addr())

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		ip := hostOf(conn.RemoteAddr())
		if !t.limits.acquire(ip) {
			_ = conn.CloseWithError(1, "too many connections")
			continue
		}
		go t.serve(ctx, conn, ip)
	}
}

// Dial connects to a peer and returns its identifier.
func (t *QUIC) Dial(ctx context.Context, addr string) (string, error) {
	tlsConf, err := clientTLSConfig()
	if err != nil {
		return "", err
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, nil)
	if err != nil {
		return "", err
	}
	ip := hostOf(conn.RemoteAddr())
	if !t.limits.acquire(ip) {
		_ = conn.CloseWithError(1, "too many connections")
		return "", fmt.Errorf("connection limit for %s", ip)
	}
	peer := PeerID(conn.RemoteAddr())
	go t.serve(ctx, conn, ip)
	return peer, nil
}

func (t *QUIC) serve(ctx context.Context, conn *quic.Conn, ip string) {
	peer := PeerID(conn.RemoteAddr())
	t.mu.Lock()
	t.conns[peer] = conn
	t.mu.Unlock()
	if h := t.currentHandler(); h != nil {
		h.PeerConnected(peer)
	}
	defer func() {
		t.mu.Lock()
		delete(t.conns, peer)
		t.mu.Unlock()
		t.limits.release(ip)
		if h := t.currentHandler(); h != nil {
			h.PeerDisconnected(peer)
		}
	}()

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			t.log.Debug("connection closed", "peer", peer, "err", err)
			return
		}
		go func(s *quic.Stream) {
			defer s.Close()
			// One frame per stream; anything after it is ignored.
			packetType, payload, err := wire.ReadFrame(s)
			if err != nil {
				t.log.Debug("bad frame", "peer", peer, "err", err)
				return
			}
			if h := t.currentHandler(); h != nil {
				h.HandlePacket(packetType, payload, peer)
			}
		}(stream)
	}
}

// Send delivers one typed payload to each named peer over a fresh stream.
func (t *QUIC) Send(ctx context.Context, peers []string, packetType byte, payload []byte) error {
	var errs []error
	for _, peer := range peers {
		t.mu.Lock()
		conn := t.conns[peer]
		t.mu.Unlock()
		if conn == nil {
			errs = append(errs, fmt.Errorf("unknown peer %s", peer))
			continue
		}
		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("open stream to %s: %w", peer, err))
			continue
		}
		err = wire.WriteFrame(stream, packetType, payload)
		if cerr := stream.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("send to %s: %w", peer, err))
		}
	}
	return errors.Join(errs...)
}

// Addr reports the bound listen address, or nil before Listen.
func (t *QUIC) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Peers lists currently connected peer ids.
func (t *QUIC) Peers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.conns))
	for peer := range t.conns {
		out = append(out, peer)
	}
	return out
}

func (t *QUIC) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, conn := range t.conns {
		_ = conn.CloseWithError(0, "shutdown")
	}
	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert builds the deterministic development certificate. Peer
// authenticity comes from credential verification above the transport, not
// from TLS identity, so a shared dev cert is acceptable here.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("chatm-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(365 * 24 * time.Hour * 100),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
	}, nil
}

func clientTLSConfig() (*tls.Config, error) {
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{
		RootCAs:    pool,
		ServerName: "localhost",
		NextProtos: []string{alpn},
	}, nil
}

func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
