// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package socket

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/absmach/coapnet/pkg/address"
	cerrors "github.com/absmach/coapnet/pkg/errors"
	"github.com/absmach/coapnet/pkg/metrics"
	"github.com/absmach/coapnet/pkg/securechannel"
)

const (
	// MaxDatagramSize is the maximum size of a UDP datagram.
	MaxDatagramSize = 65535

	// DefaultBufferSize is the default size of per-call encryption buffers.
	DefaultBufferSize = 2048

	// SecureOverhead is the headroom reserved for record framing when
	// encrypting, on top of the plaintext length.
	SecureOverhead = 128
)

// Type selects the transports a socket opens.
type Type uint8

const (
	UDP Type = 1 << iota
	TCP
)

// Config holds the socket configuration.
type Config struct {
	// Type is a bitmask of UDP and TCP. If 0, UDP is used.
	Type Type

	// Host is the local bind address. Empty binds all interfaces.
	Host string

	// Port is the local port. If 0, an ephemeral port is chosen.
	Port int

	// IPv6 opens a second UDP socket for IPv6 peers on the same port.
	IPv6 bool

	// BufferSize is the size of pooled encryption buffers in bytes.
	// If 0, uses DefaultBufferSize. Must not exceed MaxDatagramSize.
	BufferSize int

	// ReadBufferSize sets the socket receive buffer size (SO_RCVBUF).
	// If 0, uses system default.
	ReadBufferSize int

	// WriteBufferSize sets the socket send buffer size (SO_SNDBUF).
	// If 0, uses system default.
	WriteBufferSize int

	// Logger for socket events
	Logger *slog.Logger

	// Metrics is optional.
	Metrics *metrics.Metrics
}

// Socket is a bound local endpoint that moves datagrams to and from
// address handles, routing secure peers through a secure channel.
type Socket struct {
	config   Config
	registry *address.Registry
	channel  securechannel.Channel

	mu    sync.Mutex
	conn4 *net.UDPConn
	conn6 *net.UDPConn
	tcp   net.Listener

	readMu     sync.Mutex
	lastErr    atomic.Int32
	bufferPool *sync.Pool
}

// New creates a socket. It does not open anything until StartListening.
// The channel's network send callback is pointed at this socket's
// Transmit. If ch is nil a passthrough channel is used, and payloads for
// secure destinations go out in cleartext.
func New(cfg Config, reg *address.Registry, ch securechannel.Channel) *Socket {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Type == 0 {
		cfg.Type = UDP
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.BufferSize > MaxDatagramSize {
		cfg.BufferSize = MaxDatagramSize
	}
	if ch == nil {
		ch = securechannel.NewPassthrough(cfg.Logger)
	}

	bufferPool := &sync.Pool{
		New: func() interface{} {
			buf := make([]byte, cfg.BufferSize)
			return &buf
		},
	}

	s := &Socket{
		config:     cfg,
		registry:   reg,
		channel:    ch,
		bufferPool: bufferPool,
	}
	ch.SetNetworkSendCallback(s.Transmit)
	return s
}

// StartListening opens and binds the configured transports.
// On failure nothing stays open and the socket is unusable.
func (s *Socket) StartListening() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn4 != nil || s.tcp != nil {
		return s.fail("listen", ErrorInvalidArguments, "", errors.New("already listening"))
	}

	port := s.config.Port
	if s.config.Type&UDP != 0 {
		conn4, err := s.listenUDP("udp4", port)
		if err != nil {
			return s.fail("listen", ErrorInvalidSocket, "", err)
		}
		port = conn4.LocalAddr().(*net.UDPAddr).Port

		if s.config.IPv6 {
			conn6, err := s.listenUDP("udp6", port)
			if err != nil {
				conn4.Close()
				return s.fail("listen", ErrorInvalidSocket, "", err)
			}
			s.conn6 = conn6
		}
		s.conn4 = conn4
	}

	if s.config.Type&TCP != 0 {
		ln, err := net.Listen("tcp", net.JoinHostPort(s.config.Host, strconv.Itoa(port)))
		if err != nil {
			s.closeLocked()
			return s.fail("listen", ErrorInvalidSocket, "", err)
		}
		s.tcp = ln
	}

	s.config.Logger.Info("socket listening",
		slog.Int("port", port),
		slog.Bool("udp", s.config.Type&UDP != 0),
		slog.Bool("tcp", s.config.Type&TCP != 0),
		slog.Bool("ipv6", s.conn6 != nil))

	return nil
}

func (s *Socket) listenUDP(network string, port int) (*net.UDPConn, error) {
	host := s.config.Host
	if network == "udp6" && host != "" {
		if ip := net.ParseIP(host); ip != nil && ip.To4() != nil {
			host = ""
		}
	}

	addr, err := net.ResolveUDPAddr(network, net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve address %s: %w", host, err)
	}

	conn, err := net.ListenUDP(network, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	if s.config.ReadBufferSize > 0 {
		if err := conn.SetReadBuffer(s.config.ReadBufferSize); err != nil {
			s.config.Logger.Warn("failed to set read buffer size",
				slog.String("error", err.Error()))
		}
	}
	if s.config.WriteBufferSize > 0 {
		if err := conn.SetWriteBuffer(s.config.WriteBufferSize); err != nil {
			s.config.Logger.Warn("failed to set write buffer size",
				slog.String("error", err.Error()))
		}
	}
	return conn, nil
}

// Read performs one non-blocking receive into buf.
//
// When nothing is queued it returns (0, nil, nil) and the caller should
// poll again later. On success the source is the cached handle of the
// sender, created if the sender was unknown; it is borrowed and must be
// retained through the registry to be kept. Payloads from secure sources
// are decrypted in place.
func (s *Socket) Read(buf []byte) (int, *address.Address, error) {
	if len(buf) == 0 {
		return 0, nil, s.fail("read", ErrorInvalidArguments, "", errors.New("empty buffer"))
	}

	conns := s.udpConns()
	if len(conns) == 0 {
		return 0, nil, s.fail("read", ErrorInvalidSocket, "", errors.New("not listening"))
	}

	s.readMu.Lock()
	defer s.readMu.Unlock()

	for _, conn := range conns {
		n, ap, err := recvNonBlocking(conn, buf)
		if err != nil {
			if isWouldBlock(err) {
				continue
			}
			return 0, nil, s.fail("read", readErrorKind(err), "", err)
		}
		if n == 0 {
			continue
		}

		src := s.registry.Observe(ap)
		if src == nil {
			return 0, nil, s.fail("read", ErrorRead, ap.String(), address.ErrUnsupportedFamily)
		}
		s.config.Metrics.Datagram(metrics.DirectionInbound, src.Secure(), n)

		if src.Secure() {
			n, err = s.decrypt(src, buf, n)
			if err != nil {
				return 0, nil, s.fail("read", ErrorRead, src.String(), err)
			}
		}
		s.ClearError()
		return n, src, nil
	}

	return 0, nil, nil
}

func (s *Socket) decrypt(src *address.Address, buf []byte, n int) (int, error) {
	scratch, put := s.buffer(n)
	defer put()

	m, err := s.channel.Decrypt(src, buf[:n], scratch)
	s.config.Metrics.SecureOp("decrypt", err)
	if err != nil {
		return 0, fmt.Errorf("decrypt: %w", err)
	}
	if m > len(buf) {
		return 0, fmt.Errorf("decrypt: %w", securechannel.ErrBufferTooSmall)
	}
	return copy(buf, scratch[:m]), nil
}

// Send transmits p to dst, encrypting it first when dst is secure.
// It succeeds only if every byte was accepted.
func (s *Socket) Send(dst *address.Address, p []byte) error {
	if dst == nil || len(p) == 0 {
		return s.fail("send", ErrorInvalidArguments, "", errors.New("nil destination or empty payload"))
	}

	payload := p
	if dst.Secure() {
		out, put := s.buffer(len(p) + SecureOverhead)
		defer put()

		n, err := s.channel.Encrypt(dst, p, out)
		s.config.Metrics.SecureOp("encrypt", err)
		if err != nil {
			return s.fail("send", ErrorSend, dst.String(), fmt.Errorf("encrypt: %w", err))
		}
		payload = out[:n]
	}

	return s.Transmit(dst, payload)
}

// Transmit sends p to dst as-is. The secure channel uses it for its own
// traffic. Would-block counts as no progress and is retried; a closed or
// reset socket aborts.
func (s *Socket) Transmit(dst *address.Address, p []byte) error {
	if dst == nil {
		return s.fail("send", ErrorInvalidArguments, "", errors.New("nil destination"))
	}

	conn, err := s.connFor(dst)
	if err != nil {
		return s.fail("send", ErrorInvalidArguments, dst.String(), err)
	}
	if conn == nil {
		return s.fail("send", ErrorInvalidSocket, dst.String(), errors.New("not listening"))
	}

	ap := dst.AddrPort()
	remaining := p
	for len(remaining) > 0 {
		n, err := conn.WriteToUDPAddrPort(remaining, ap)
		if err != nil {
			if isWouldBlock(err) {
				continue
			}
			if isClosed(err) || isConnectionLost(err) {
				err = fmt.Errorf("%w: %w", cerrors.ErrConnectionLost, err)
			}
			return s.fail("send", ErrorSend, dst.String(), err)
		}
		remaining = remaining[n:]
	}

	s.config.Metrics.Datagram(metrics.DirectionOutbound, dst.Secure(), len(p))
	s.ClearError()
	return nil
}

func (s *Socket) connFor(dst *address.Address) (*net.UDPConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dst.Family() == address.FamilyIPv6 {
		if s.conn4 != nil && s.conn6 == nil {
			return nil, errors.New("no ipv6 socket open")
		}
		return s.conn6, nil
	}
	return s.conn4, nil
}

func (s *Socket) udpConns() []*net.UDPConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make([]*net.UDPConn, 0, 2)
	if s.conn4 != nil {
		conns = append(conns, s.conn4)
	}
	if s.conn6 != nil {
		conns = append(conns, s.conn6)
	}
	return conns
}

// buffer returns a scratch buffer of at least size bytes and its release func.
func (s *Socket) buffer(size int) ([]byte, func()) {
	bufPtr := s.bufferPool.Get().(*[]byte)
	if len(*bufPtr) >= size {
		return *bufPtr, func() { s.bufferPool.Put(bufPtr) }
	}
	s.bufferPool.Put(bufPtr)
	return make([]byte, size), func() {}
}

// fail records kind as the last error and returns a wrapped error.
func (s *Socket) fail(op string, kind ErrorKind, peer string, err error) error {
	s.lastErr.Store(int32(kind))
	s.config.Metrics.SocketError(kind.String())
	s.config.Logger.Debug("socket error",
		slog.String("op", op),
		slog.String("kind", kind.String()),
		slog.String("peer", peer),
		slog.String("error", err.Error()))
	return cerrors.New(op, kind.String(), peer, fmt.Errorf("%w: %w", kind.sentinel(), err))
}

// LastError returns the kind recorded by the last failed call. A Read that
// delivers a datagram or a completed Transmit resets it to ErrorNone.
func (s *Socket) LastError() ErrorKind {
	return ErrorKind(s.lastErr.Load())
}

// ClearError resets the recorded error kind.
func (s *Socket) ClearError() {
	s.lastErr.Store(int32(ErrorNone))
}

// FileDescriptor returns the OS handle of the IPv4 UDP socket.
func (s *Socket) FileDescriptor() (uintptr, error) {
	s.mu.Lock()
	conn := s.conn4
	s.mu.Unlock()
	if conn == nil {
		return 0, cerrors.ErrInvalidSocket
	}

	rc, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var fd uintptr
	if err := rc.Control(func(h uintptr) { fd = h }); err != nil {
		return 0, err
	}
	return fd, nil
}

// SetCertificate configures the secure channel certificate.
func (s *Socket) SetCertificate(cert []byte, format securechannel.CertificateFormat) error {
	return s.channel.SetCertificate(cert, format)
}

// SetPSK configures the secure channel pre-shared key.
func (s *Socket) SetPSK(identity, key []byte) error {
	return s.channel.SetPSK(identity, key)
}

// LocalAddr returns the IPv4 UDP local address, or nil if not listening.
func (s *Socket) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn4 == nil {
		return nil
	}
	return s.conn4.LocalAddr()
}

// TCPAddr returns the TCP listener address, or nil if TCP is not open.
func (s *Socket) TCPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcp == nil {
		return nil
	}
	return s.tcp.Addr()
}

// Port returns the bound local port, or 0 if not listening.
func (s *Socket) Port() int {
	if addr, ok := s.LocalAddr().(*net.UDPAddr); ok {
		return addr.Port
	}
	if addr, ok := s.TCPAddr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Close closes every open handle. The socket can listen again afterwards.
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Socket) closeLocked() error {
	var errs []error
	if s.conn4 != nil {
		errs = append(errs, s.conn4.Close())
		s.conn4 = nil
	}
	if s.conn6 != nil {
		errs = append(errs, s.conn6.Close())
		s.conn6 = nil
	}
	if s.tcp != nil {
		errs = append(errs, s.tcp.Close())
		s.tcp = nil
	}
	return errors.Join(errs...)
}
