//go:build linux

package streamreactor

import (
	"math"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

const (
	readEvents  = unix.EPOLLIN
	writeEvents = unix.EPOLLOUT
	errorEvents = unix.EPOLLERR | unix.EPOLLHUP
)

// epollPoller is level-triggered. epoll_ctl is applied immediately, even while
// another goroutine sits in epoll_wait.
type epollPoller struct {
	fd       int
	wakeup   *wakeupPair
	lock     *sync.Mutex
	interest map[int]uint32
	events   []unix.EpollEvent
	result   PollerResult
	closed   *atomic.Bool
}

func openEpollPoller(eventsBufferSize int) (*epollPoller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	wakeup, err := newWakeupPair()
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	err = unix.EpollCtl(fd, unix.EPOLL_CTL_ADD, wakeup.readFd, &unix.EpollEvent{Fd: int32(wakeup.readFd), Events: readEvents})
	if err != nil {
		_ = unix.Close(fd)
		_ = wakeup.close()
		return nil, os.NewSyscallError("epoll_ctl add", err)
	}
	bufferSize := int(math.Max(float64(eventsBufferSize), defEventsBufferSize))
	return &epollPoller{
		fd:       fd,
		wakeup:   wakeup,
		lock:     &sync.Mutex{},
		interest: make(map[int]uint32),
		events:   make([]unix.EpollEvent, bufferSize),
		closed:   atomic.NewBool(false),
	}, nil
}

func (p *epollPoller) AddSocket(sd *SocketDescriptor) error {
	return p.register(sd, 0)
}

func (p *epollPoller) AddSocketEnableRead(sd *SocketDescriptor) error {
	return p.register(sd, readEvents)
}

func (p *epollPoller) register(sd *SocketDescriptor, events uint32) error {
	if sd == nil {
		return nil
	}
	if p.closed.Load() {
		return ErrPollerClosed
	}
	fd := sd.Fd()
	p.lock.Lock()
	defer p.lock.Unlock()
	if _, ok := p.interest[fd]; ok {
		return nil
	}
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events})
	if err != nil {
		return os.NewSyscallError("epoll_ctl add", err)
	}
	p.interest[fd] = events
	return nil
}

func (p *epollPoller) RemoveSocket(sd *SocketDescriptor) error {
	if sd == nil {
		return nil
	}
	fd := sd.Fd()
	p.lock.Lock()
	defer p.lock.Unlock()
	if _, ok := p.interest[fd]; !ok {
		return nil
	}
	delete(p.interest, fd)
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && err != unix.EBADF && err != unix.ENOENT {
		return os.NewSyscallError("epoll_ctl del", err)
	}
	return nil
}

func (p *epollPoller) EnableRead(sd *SocketDescriptor) error {
	return p.modify(sd, readEvents, 0)
}

func (p *epollPoller) DisableRead(sd *SocketDescriptor) error {
	return p.modify(sd, 0, readEvents)
}

func (p *epollPoller) EnableWrite(sd *SocketDescriptor) error {
	return p.modify(sd, writeEvents, 0)
}

func (p *epollPoller) DisableWrite(sd *SocketDescriptor) error {
	return p.modify(sd, 0, writeEvents)
}

func (p *epollPoller) modify(sd *SocketDescriptor, set, clear uint32) error {
	if sd == nil {
		return nil
	}
	fd := sd.Fd()
	p.lock.Lock()
	defer p.lock.Unlock()
	events, ok := p.interest[fd]
	if !ok {
		return nil
	}
	updated := (events | set) &^ clear
	if updated == events {
		return nil
	}
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd), Events: updated})
	if err != nil {
		return os.NewSyscallError("epoll_ctl mod", err)
	}
	p.interest[fd] = updated
	return nil
}

func (p *epollPoller) Wait(timeout time.Duration) *PollerResult {
	msec := timeoutMillis(timeout)
	for {
		n, err := unix.EpollWait(p.fd, p.events, msec)
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		p.collect(n, err)
		return &p.result
	}
}

func (p *epollPoller) collect(n int, err error) {
	p.result.reset()
	if err != nil {
		p.result.Error = true
		p.result.Err = os.NewSyscallError("epoll_wait", err)
		return
	}
	if n == 0 {
		p.result.Timeout = true
		return
	}
	for i := 0; i < n; i++ {
		event := p.events[i]
		fd := int(event.Fd)
		if fd == p.wakeup.readFd {
			if info := p.wakeup.consume(); info != 0 {
				p.result.ReleaseWait = true
				p.result.ReleaseWaitInfo |= info
			}
			continue
		}
		info := DescriptorInfo{Fd: fd}
		if event.Events&errorEvents != 0 {
			info.Disconnected = true
		} else {
			if event.Events&writeEvents != 0 {
				info.Writable = true
			}
			if event.Events&readEvents != 0 {
				fillReadable(&info)
			}
		}
		p.result.Descriptors = append(p.result.Descriptors, info)
	}
}

func (p *epollPoller) ReleaseWait(info uint32) {
	if p.closed.Load() {
		return
	}
	p.wakeup.release(info)
}

func (p *epollPoller) Close() error {
	if !p.closed.CAS(false, true) {
		return nil
	}
	if log.Debug().Enabled() {
		log.Debug().Msgf("closing epoll poller fd:%d registered:%d", p.fd, len(p.interest))
	}
	return multierr.Combine(
		os.NewSyscallError("close", unix.Close(p.fd)),
		p.wakeup.close(),
	)
}

// fillReadable queries the number of bytes queued on fd. A readable socket with
// nothing queued was closed by the peer. Listening sockets reject TIOCINQ and
// stay readable with zero bytes.
func fillReadable(info *DescriptorInfo) {
	n, err := unix.IoctlGetInt(info.Fd, unix.TIOCINQ)
	if err != nil {
		info.Readable = true
		info.BytesToRead = 0
		return
	}
	if n == 0 {
		info.Disconnected = true
		info.Writable = false
		return
	}
	info.Readable = true
	info.BytesToRead = n
}

func timeoutMillis(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	msec := int(timeout / time.Millisecond)
	if msec == 0 && timeout > 0 {
		msec = 1
	}
	return msec
}
