package streamreactor

import (
	"bytes"
	"crypto/tls"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

type TLSState int

const (
	TLSSuccess TLSState = iota
	TLSWantRead
	TLSWantWrite
	TLSError
)

func (s TLSState) String() string {
	switch s {
	case TLSSuccess:
		return "SUCCESS"
	case TLSWantRead:
		return "WANT_READ"
	case TLSWantWrite:
		return "WANT_WRITE"
	case TLSError:
		return "ERROR"
	}
	return "UNKNOWN"
}

const (
	tlsRecordSize     = 16 * 1024
	tlsReadBufferSize = 32 * 1024
)

type wouldBlockError struct{}

func (wouldBlockError) Error() string   { return "tls transport would block" }
func (wouldBlockError) Timeout() bool   { return false }
func (wouldBlockError) Temporary() bool { return true }

var errWouldBlock net.Error = wouldBlockError{}

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

// memTransport is the net.Conn seen by crypto/tls. Ciphertext read from the
// socket is fed into in, ciphertext produced by the tls engine lands in out.
// While blocking is set, Read parks until input arrives, otherwise it fails
// with a temporary error that crypto/tls does not treat as fatal.
type memTransport struct {
	flushLock *sync.Mutex
	lock      *sync.Mutex
	cond      *sync.Cond
	in        bytes.Buffer
	out       bytes.Buffer
	blocking  bool
	waiting   bool
	eof       bool
	closed    bool
	done      bool
	err       error
}

func newMemTransport() *memTransport {
	lock := &sync.Mutex{}
	return &memTransport{flushLock: &sync.Mutex{}, lock: lock, cond: sync.NewCond(lock), blocking: true}
}

func (t *memTransport) Read(p []byte) (int, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	for t.in.Len() == 0 {
		switch {
		case t.closed:
			return 0, net.ErrClosed
		case t.eof:
			return 0, io.EOF
		case !t.blocking:
			return 0, errWouldBlock
		}
		t.waiting = true
		t.cond.Broadcast()
		t.cond.Wait()
		t.waiting = false
	}
	return t.in.Read(p)
}

func (t *memTransport) Write(p []byte) (int, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.closed {
		return 0, net.ErrClosed
	}
	return t.out.Write(p)
}

func (t *memTransport) Close() error {
	t.lock.Lock()
	t.closed = true
	t.cond.Broadcast()
	t.lock.Unlock()
	return nil
}

func (t *memTransport) LocalAddr() net.Addr                { return memAddr("local") }
func (t *memTransport) RemoteAddr() net.Addr               { return memAddr("remote") }
func (t *memTransport) SetDeadline(_ time.Time) error      { return nil }
func (t *memTransport) SetReadDeadline(_ time.Time) error  { return nil }
func (t *memTransport) SetWriteDeadline(_ time.Time) error { return nil }

func (t *memTransport) feed(p []byte) {
	t.lock.Lock()
	t.in.Write(p)
	t.cond.Broadcast()
	t.lock.Unlock()
}

func (t *memTransport) setEOF() {
	t.lock.Lock()
	t.eof = true
	t.cond.Broadcast()
	t.lock.Unlock()
}

func (t *memTransport) finish(err error) {
	t.lock.Lock()
	t.done = true
	t.err = err
	t.blocking = false
	t.cond.Broadcast()
	t.lock.Unlock()
}

// quiesce waits until the handshake goroutine either finished or is parked on
// empty input.
func (t *memTransport) quiesce() (bool, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	for !t.done && !(t.waiting && t.in.Len() == 0) && !t.closed {
		t.cond.Wait()
	}
	return t.done, t.err
}

func (t *memTransport) pendingOutput() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.out.Len()
}

// flush writes queued ciphertext to fd and reports whether everything went out.
// Writers only append to out, so the copied head stays valid while the
// transport lock is released for the send.
func (t *memTransport) flush(fd int) (bool, error) {
	t.flushLock.Lock()
	defer t.flushLock.Unlock()
	var pending []byte
	for {
		t.lock.Lock()
		size := t.out.Len()
		if size > tlsReadBufferSize {
			size = tlsReadBufferSize
		}
		pending = append(pending[:0], t.out.Bytes()[:size]...)
		t.lock.Unlock()
		if len(pending) == 0 {
			return true, nil
		}
		n, err := unix.SendmsgN(fd, pending, nil, nil, unix.MSG_NOSIGNAL)
		if n > 0 {
			t.lock.Lock()
			t.out.Next(n)
			t.lock.Unlock()
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return false, nil
		}
		if err != nil {
			return false, os.NewSyscallError("send", err)
		}
	}
}

// tlsSession drives a crypto/tls connection over a non-blocking descriptor.
type tlsSession struct {
	conn             *tls.Conn
	transport        *memTransport
	plain            bytes.Buffer
	readWhenWritable bool
	recvBuf          []byte
	readBuf          []byte
}

func newTLSSession(config *tls.Config, server bool) *tlsSession {
	transport := newMemTransport()
	s := &tlsSession{
		transport: transport,
		recvBuf:   make([]byte, tlsReadBufferSize),
		readBuf:   make([]byte, tlsReadBufferSize),
	}
	if server {
		s.conn = tls.Server(transport, config)
	} else {
		s.conn = tls.Client(transport, config)
	}
	go func() {
		transport.finish(s.conn.Handshake())
	}()
	return s
}

// pull moves everything the kernel holds for fd into the transport.
func (s *tlsSession) pull(fd int) error {
	for {
		n, err := unix.Read(fd, s.recvBuf)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return nil
		}
		if err != nil {
			return os.NewSyscallError("read", err)
		}
		if n == 0 {
			s.transport.setEOF()
			return nil
		}
		s.transport.feed(s.recvBuf[:n])
	}
}

// step advances the handshake as far as the available input allows.
func (s *tlsSession) step(fd int) TLSState {
	if err := s.pull(fd); err != nil {
		return TLSError
	}
	done, err := s.transport.quiesce()
	flushed, flushErr := s.transport.flush(fd)
	if err != nil || flushErr != nil {
		return TLSError
	}
	if !flushed {
		return TLSWantWrite
	}
	if done {
		return TLSSuccess
	}
	return TLSWantRead
}

// fill decrypts whatever ciphertext is available into the plaintext buffer.
func (s *tlsSession) fill(fd int) error {
	if err := s.pull(fd); err != nil {
		return err
	}
	for {
		n, err := s.conn.Read(s.readBuf)
		if n > 0 {
			s.plain.Write(s.readBuf[:n])
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				break
			}
			if err == io.EOF {
				break
			}
			return err
		}
		if n == 0 {
			break
		}
	}
	flushed, err := s.transport.flush(fd)
	if err != nil {
		return err
	}
	s.readWhenWritable = !flushed
	return nil
}

func (s *tlsSession) pending(fd int) (int, error) {
	if s.plain.Len() == 0 {
		if err := s.fill(fd); err != nil {
			return 0, err
		}
	}
	return s.plain.Len(), nil
}

func (s *tlsSession) receive(fd int, p []byte) (int, error) {
	if s.plain.Len() == 0 {
		if err := s.fill(fd); err != nil {
			return 0, err
		}
	}
	n, _ := s.plain.Read(p)
	return n, nil
}

// send encrypts at most one record of p. Nothing is accepted while earlier
// ciphertext is still waiting for the socket.
func (s *tlsSession) send(fd int, p []byte) (int, error) {
	flushed, err := s.transport.flush(fd)
	if err != nil {
		return 0, err
	}
	if !flushed || len(p) == 0 {
		return 0, nil
	}
	if len(p) > tlsRecordSize {
		p = p[:tlsRecordSize]
	}
	n, err := s.conn.Write(p)
	if err != nil {
		return n, err
	}
	if _, err = s.transport.flush(fd); err != nil {
		return n, err
	}
	return n, nil
}

func (s *tlsSession) close() {
	_ = s.transport.Close()
}
