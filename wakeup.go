package streamreactor

import (
	"os"

	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// wakeupPair interrupts a blocked Wait. The read end is registered in the
// poller, a single byte written on the other end makes it readable.
type wakeupPair struct {
	readFd  int
	writeFd int
	info    *atomic.Uint32
	drain   [64]byte
}

func newWakeupPair() (*wakeupPair, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, os.NewSyscallError("socketpair", err)
	}
	return &wakeupPair{readFd: fds[0], writeFd: fds[1], info: atomic.NewUint32(0)}, nil
}

// release records info and wakes the waiter.
func (w *wakeupPair) release(info uint32) {
	info |= ReleaseWaitWakeup
	for {
		old := w.info.Load()
		if w.info.CAS(old, old|info) {
			break
		}
	}
	w.signal()
}

// signal wakes the waiter without reporting a release.
func (w *wakeupPair) signal() {
	_, err := unix.Write(w.writeFd, []byte{0})
	if err != nil && err != unix.EAGAIN {
		log.Error().Msgf("wakeup write failed: %+v", err)
	}
}

// consume drains pending wakeup bytes and returns the accumulated info.
func (w *wakeupPair) consume() uint32 {
	for {
		n, err := unix.Read(w.readFd, w.drain[:])
		if n <= 0 || err != nil {
			break
		}
	}
	return w.info.Swap(0)
}

func (w *wakeupPair) close() error {
	return multierr.Combine(
		os.NewSyscallError("close", unix.Close(w.readFd)),
		os.NewSyscallError("close", unix.Close(w.writeFd)),
	)
}
