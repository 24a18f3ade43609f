package streamreactor

import (
	"os"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// SocketDescriptor owns an OS socket handle and closes it exactly once.
type SocketDescriptor struct {
	fd     int
	closed *atomic.Bool
}

func newSocketDescriptor(fd int) *SocketDescriptor {
	return &SocketDescriptor{fd: fd, closed: atomic.NewBool(false)}
}

func (sd *SocketDescriptor) Fd() int {
	return sd.fd
}

func (sd *SocketDescriptor) Closed() bool {
	return sd.closed.Load()
}

func (sd *SocketDescriptor) Close() error {
	if !sd.closed.CAS(false, true) {
		return nil
	}
	return os.NewSyscallError("close", unix.Close(sd.fd))
}
