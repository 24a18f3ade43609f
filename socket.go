package streamreactor

import (
	"crypto/tls"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// Socket is a non-blocking stream socket with optional TLS. All I/O calls
// return immediately; a call that would block reports zero bytes.
type Socket struct {
	sd        *SocketDescriptor
	af        int
	typ       int
	proto     int
	unixPath  string
	listening bool
	tlsConfig *tls.Config
	tlsServer bool
	tls       *tlsSession
	lastErr   unix.Errno
	stats     *Stats
}

func NewSocket(stats *Stats) *Socket {
	return &Socket{stats: stats}
}

func (s *Socket) Create(af, typ, proto int) error {
	fd, err := unix.Socket(af, typ|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, proto)
	if err != nil {
		s.setLastError(err)
		return os.NewSyscallError("socket", err)
	}
	s.sd = newSocketDescriptor(fd)
	s.af, s.typ, s.proto = af, typ, proto
	setSocketOptions(fd, af)
	return nil
}

func (s *Socket) CreateTLSServer(af, typ, proto int, config *tls.Config) error {
	if config == nil {
		return ErrTLSNotConfigured
	}
	if err := s.Create(af, typ, proto); err != nil {
		return err
	}
	s.tlsConfig = config
	s.tlsServer = true
	return nil
}

func (s *Socket) CreateTLSClient(af, typ, proto int, config *tls.Config) error {
	if config == nil {
		return ErrTLSNotConfigured
	}
	if err := s.Create(af, typ, proto); err != nil {
		return err
	}
	s.tlsConfig = config
	return nil
}

func (s *Socket) ApplyOptions(options SocketOptions) {
	if s.sd != nil {
		setBufferSizes(s.sd.Fd(), options)
	}
}

func (s *Socket) Bind(sa unix.Sockaddr) error {
	if s.sd == nil {
		return ErrSocketNotCreated
	}
	setListenerOptions(s.sd.Fd(), s.af)
	if err := unix.Bind(s.sd.Fd(), sa); err != nil {
		s.setLastError(err)
		return os.NewSyscallError("bind", err)
	}
	if ua, ok := sa.(*unix.SockaddrUnix); ok {
		s.unixPath = ua.Name
	}
	return nil
}

func (s *Socket) Listen(backlog int) error {
	if s.sd == nil {
		return ErrSocketNotCreated
	}
	if err := unix.Listen(s.sd.Fd(), backlog); err != nil {
		s.setLastError(err)
		return os.NewSyscallError("listen", err)
	}
	s.listening = true
	return nil
}

// Connect starts a non-blocking connect. An in-progress connect is not an
// error, completion shows up as writability.
func (s *Socket) Connect(sa unix.Sockaddr) error {
	if s.sd == nil {
		return ErrSocketNotCreated
	}
	err := unix.Connect(s.sd.Fd(), sa)
	if err != nil && err != unix.EINPROGRESS && err != unix.EINTR {
		s.setLastError(err)
		return os.NewSyscallError("connect", err)
	}
	if s.tlsConfig != nil {
		s.tls = newTLSSession(s.tlsConfig, false)
	}
	return nil
}

// Accept returns nil without error when no connection is pending.
func (s *Socket) Accept() (*Socket, unix.Sockaddr, error) {
	if s.sd == nil || s.sd.Closed() {
		return nil, nil, ErrSocketNotCreated
	}
	fd, sa, err := unix.Accept4(s.sd.Fd(), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR || err == unix.ECONNABORTED {
			return nil, nil, nil
		}
		s.setLastError(err)
		return nil, nil, os.NewSyscallError("accept4", err)
	}
	setSocketOptions(fd, s.af)
	accepted := &Socket{
		sd:        newSocketDescriptor(fd),
		af:        s.af,
		typ:       s.typ,
		proto:     s.proto,
		tlsConfig: s.tlsConfig,
		tlsServer: s.tlsServer,
		stats:     s.stats,
	}
	if accepted.tlsConfig != nil {
		accepted.tls = newTLSSession(accepted.tlsConfig, true)
	}
	return accepted, sa, nil
}

// Send writes as much of p as the socket accepts. more hints that further data
// follows immediately.
func (s *Socket) Send(p []byte, more bool) (int, error) {
	if s.sd == nil || s.sd.Closed() {
		return 0, ErrSocketNotCreated
	}
	if s.tls != nil {
		n, err := s.tls.send(s.sd.Fd(), p)
		if err != nil {
			s.setLastError(err)
			return n, err
		}
		s.stats.sent(n)
		return n, nil
	}
	flags := unix.MSG_NOSIGNAL
	if more {
		flags |= unix.MSG_MORE
	}
	for {
		n, err := unix.SendmsgN(s.sd.Fd(), p, nil, nil, flags)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return 0, nil
		}
		if err != nil {
			s.setLastError(err)
			return 0, os.NewSyscallError("send", err)
		}
		s.stats.sent(n)
		return n, nil
	}
}

// Receive reads up to len(p) bytes. An orderly shutdown by the peer yields io.EOF.
func (s *Socket) Receive(p []byte) (int, error) {
	if s.sd == nil || s.sd.Closed() {
		return 0, ErrSocketNotCreated
	}
	if s.tls != nil {
		n, err := s.tls.receive(s.sd.Fd(), p)
		if err != nil {
			s.setLastError(err)
		}
		s.stats.received(n)
		return n, err
	}
	for {
		n, err := unix.Read(s.sd.Fd(), p)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return 0, nil
		}
		if err != nil {
			s.setLastError(err)
			return 0, os.NewSyscallError("recv", err)
		}
		if n == 0 && len(p) > 0 {
			return 0, io.EOF
		}
		s.stats.received(n)
		return n, nil
	}
}

// PendingRead reports how many bytes can be received without blocking.
func (s *Socket) PendingRead() (int, error) {
	if s.sd == nil || s.sd.Closed() {
		return 0, ErrSocketNotCreated
	}
	if s.tls != nil {
		n, err := s.tls.pending(s.sd.Fd())
		if err != nil {
			s.setLastError(err)
		}
		return n, err
	}
	n, err := unix.IoctlGetInt(s.sd.Fd(), unix.TIOCINQ)
	if err != nil {
		s.setLastError(err)
		return 0, os.NewSyscallError("ioctl", err)
	}
	return n, nil
}

// Flush pushes buffered TLS output to the socket.
func (s *Socket) Flush() error {
	if s.tls == nil || s.sd == nil || s.sd.Closed() {
		return nil
	}
	_, err := s.tls.transport.flush(s.sd.Fd())
	return err
}

func (s *Socket) HasPendingOutput() bool {
	return s.tls != nil && s.tls.transport.pendingOutput() > 0
}

// SocketError returns the pending error of a non-blocking connect.
func (s *Socket) SocketError() error {
	if s.sd == nil {
		return ErrSocketNotCreated
	}
	v, err := unix.GetsockoptInt(s.sd.Fd(), unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return os.NewSyscallError("getsockopt", err)
	}
	if v != 0 {
		s.lastErr = unix.Errno(v)
		return os.NewSyscallError("connect", unix.Errno(v))
	}
	return nil
}

func (s *Socket) LocalAddress() string {
	if s.sd == nil {
		return ""
	}
	sa, err := unix.Getsockname(s.sd.Fd())
	if err != nil {
		return ""
	}
	return sockaddrString(sa)
}

func (s *Socket) RemoteAddress() string {
	if s.sd == nil {
		return ""
	}
	sa, err := unix.Getpeername(s.sd.Fd())
	if err != nil {
		return ""
	}
	return sockaddrString(sa)
}

func (s *Socket) Accepting() TLSState {
	return s.handshakeStep()
}

func (s *Socket) Connecting() TLSState {
	return s.handshakeStep()
}

func (s *Socket) handshakeStep() TLSState {
	if s.tls == nil || s.sd == nil {
		return TLSError
	}
	state := s.tls.step(s.sd.Fd())
	if state == TLSError {
		s.stats.tlsFailure()
	}
	return state
}

func (s *Socket) IsTLS() bool {
	return s.tlsConfig != nil
}

// IsReadWhenWritable is set when a read left TLS output or decrypted data
// behind, the next writable event has to continue the read.
func (s *Socket) IsReadWhenWritable() bool {
	return s.tls != nil && (s.tls.readWhenWritable || s.tls.plain.Len() > 0)
}

// IsWriteWhenReadable is never set by crypto/tls, writes do not wait for input.
func (s *Socket) IsWriteWhenReadable() bool {
	return false
}

func (s *Socket) Descriptor() *SocketDescriptor {
	return s.sd
}

func (s *Socket) LastError() unix.Errno {
	return s.lastErr
}

func (s *Socket) setLastError(err error) {
	if errno, ok := err.(unix.Errno); ok {
		s.lastErr = errno
	}
}

func (s *Socket) Destroy() error {
	if s.sd == nil {
		return nil
	}
	if s.tls != nil {
		s.tls.close()
	}
	var err error
	if !s.sd.Closed() {
		err = s.sd.Close()
		if s.listening && s.unixPath != "" {
			if uerr := unix.Unlink(s.unixPath); uerr != nil && uerr != unix.ENOENT {
				err = multierr.Append(err, os.NewSyscallError("unlink", uerr))
			}
		}
	}
	if err != nil {
		log.Error().Msgf("[%d] got error while destroying socket: %+v", s.sd.Fd(), err)
	}
	return err
}
