//go:build linux

package streamreactor

import (
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

const (
	selectRead  uint8 = 1 << 0
	selectWrite uint8 = 1 << 1
)

const fdSetSize = 1024

type selectEntry struct {
	fd       int
	interest uint8
}

// selectPoller keeps its interest sets in memory. Changes made while a select
// call is in flight wake it up so that the next pass runs with the new sets.
type selectPoller struct {
	wakeup     *wakeupPair
	lock       *sync.Mutex
	interest   map[int]uint8
	changed    bool
	insideWait bool
	entries    []selectEntry
	readSet    unix.FdSet
	writeSet   unix.FdSet
	result     PollerResult
	closed     *atomic.Bool
}

func openSelectPoller() (*selectPoller, error) {
	wakeup, err := newWakeupPair()
	if err != nil {
		return nil, err
	}
	return &selectPoller{
		wakeup:   wakeup,
		lock:     &sync.Mutex{},
		interest: make(map[int]uint8),
		changed:  true,
		closed:   atomic.NewBool(false),
	}, nil
}

func (p *selectPoller) AddSocket(sd *SocketDescriptor) error {
	return p.register(sd, 0)
}

func (p *selectPoller) AddSocketEnableRead(sd *SocketDescriptor) error {
	return p.register(sd, selectRead)
}

func (p *selectPoller) register(sd *SocketDescriptor, interest uint8) error {
	if sd == nil {
		return nil
	}
	if p.closed.Load() {
		return ErrPollerClosed
	}
	fd := sd.Fd()
	if fd >= fdSetSize {
		return ErrDescriptorOutOfRange
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	if _, ok := p.interest[fd]; ok {
		return nil
	}
	p.interest[fd] = interest
	p.markChanged()
	return nil
}

func (p *selectPoller) RemoveSocket(sd *SocketDescriptor) error {
	if sd == nil {
		return nil
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	if _, ok := p.interest[sd.Fd()]; !ok {
		return nil
	}
	delete(p.interest, sd.Fd())
	p.markChanged()
	return nil
}

func (p *selectPoller) EnableRead(sd *SocketDescriptor) error {
	return p.modify(sd, selectRead, 0)
}

func (p *selectPoller) DisableRead(sd *SocketDescriptor) error {
	return p.modify(sd, 0, selectRead)
}

func (p *selectPoller) EnableWrite(sd *SocketDescriptor) error {
	return p.modify(sd, selectWrite, 0)
}

func (p *selectPoller) DisableWrite(sd *SocketDescriptor) error {
	return p.modify(sd, 0, selectWrite)
}

func (p *selectPoller) modify(sd *SocketDescriptor, set, clear uint8) error {
	if sd == nil {
		return nil
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	interest, ok := p.interest[sd.Fd()]
	if !ok {
		return nil
	}
	updated := (interest | set) &^ clear
	if updated == interest {
		return nil
	}
	p.interest[sd.Fd()] = updated
	p.markChanged()
	return nil
}

// markChanged must be called with the lock held.
func (p *selectPoller) markChanged() {
	p.changed = true
	if p.insideWait {
		p.wakeup.signal()
	}
}

// prepare rebuilds the descriptor snapshot if needed and fills the working sets.
// It returns the highest descriptor plus one.
func (p *selectPoller) prepare() int {
	p.lock.Lock()
	if p.changed {
		p.entries = p.entries[:0]
		for fd, interest := range p.interest {
			p.entries = append(p.entries, selectEntry{fd: fd, interest: interest})
		}
		sort.Slice(p.entries, func(i, j int) bool { return p.entries[i].fd < p.entries[j].fd })
		p.changed = false
	}
	p.insideWait = true
	p.lock.Unlock()

	p.readSet.Zero()
	p.writeSet.Zero()
	p.readSet.Set(p.wakeup.readFd)
	maxFd := p.wakeup.readFd
	for _, e := range p.entries {
		// Without read interest a descriptor is watched for hangups only,
		// which requires an empty receive queue.
		if e.interest&selectRead != 0 || !hasQueuedInput(e.fd) {
			p.readSet.Set(e.fd)
		}
		if e.interest&selectWrite != 0 {
			p.writeSet.Set(e.fd)
		}
		if e.fd > maxFd {
			maxFd = e.fd
		}
	}
	return maxFd + 1
}

func hasQueuedInput(fd int) bool {
	n, err := unix.IoctlGetInt(fd, unix.TIOCINQ)
	return err == nil && n > 0
}

func (p *selectPoller) isChanged() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.changed
}

func (p *selectPoller) leave() {
	p.lock.Lock()
	p.insideWait = false
	p.lock.Unlock()
}

func (p *selectPoller) Wait(timeout time.Duration) *PollerResult {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		nfd := p.prepare()
		var tv *unix.Timeval
		if timeout >= 0 {
			remaining := time.Until(deadline)
			if remaining < 0 {
				remaining = 0
			}
			t := unix.NsecToTimeval(remaining.Nanoseconds())
			tv = &t
		}
		n, err := unix.Select(nfd, &p.readSet, &p.writeSet, nil, tv)
		p.leave()
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		// a descriptor removed and closed during the call, the sets get rebuilt
		if err == unix.EBADF && p.isChanged() {
			continue
		}
		p.collect(n, err)
		if p.result.Error || p.result.Timeout || p.result.ReleaseWait || len(p.result.Descriptors) > 0 {
			return &p.result
		}
		if timeout >= 0 && !time.Now().Before(deadline) {
			p.result.Timeout = true
			return &p.result
		}
	}
}

func (p *selectPoller) collect(n int, err error) {
	p.result.reset()
	if err != nil {
		p.result.Error = true
		p.result.Err = os.NewSyscallError("select", err)
		return
	}
	if n == 0 {
		p.result.Timeout = true
		return
	}
	if p.readSet.IsSet(p.wakeup.readFd) {
		if info := p.wakeup.consume(); info != 0 {
			p.result.ReleaseWait = true
			p.result.ReleaseWaitInfo = info
		}
	}
	for _, e := range p.entries {
		readable := p.readSet.IsSet(e.fd)
		writable := p.writeSet.IsSet(e.fd)
		if !readable && !writable {
			continue
		}
		info := DescriptorInfo{Fd: e.fd, Writable: writable}
		if readable {
			fillReadable(&info)
			if e.interest&selectRead == 0 {
				info.Readable = false
				info.BytesToRead = 0
				if !info.Disconnected && !writable {
					continue
				}
			}
		}
		p.result.Descriptors = append(p.result.Descriptors, info)
	}
}

func (p *selectPoller) ReleaseWait(info uint32) {
	if p.closed.Load() {
		return
	}
	p.wakeup.release(info)
}

func (p *selectPoller) Close() error {
	if !p.closed.CAS(false, true) {
		return nil
	}
	if log.Debug().Enabled() {
		log.Debug().Msgf("closing select poller registered:%d", len(p.interest))
	}
	return p.wakeup.close()
}
