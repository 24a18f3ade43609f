package streamreactor

import (
	"time"

	"github.com/pkg/errors"
)

type PollerKind string

const (
	PollerEpoll  PollerKind = "epoll"
	PollerSelect PollerKind = "select"
)

const defEventsBufferSize = 256

// ReleaseWait info bits. ReleaseWaitWakeup is always set so that a release
// with zero info is still reported.
const (
	ReleaseWaitWakeup     uint32 = 1 << 0
	ReleaseWaitDisconnect uint32 = 1 << 1
	ReleaseWaitTerminate  uint32 = 1 << 2
)

type DescriptorInfo struct {
	Fd           int
	Readable     bool
	Writable     bool
	Disconnected bool
	BytesToRead  int
}

// PollerResult is owned by the poller and reused by every Wait call.
type PollerResult struct {
	Error           bool
	Err             error
	Timeout         bool
	ReleaseWait     bool
	ReleaseWaitInfo uint32
	Descriptors     []DescriptorInfo
}

func (r *PollerResult) reset() {
	r.Error = false
	r.Err = nil
	r.Timeout = false
	r.ReleaseWait = false
	r.ReleaseWaitInfo = 0
	r.Descriptors = r.Descriptors[:0]
}

// Poller multiplexes readiness of registered socket descriptors. Registration
// calls and ReleaseWait are safe from any goroutine, Wait is called by a single
// goroutine.
type Poller interface {
	AddSocket(sd *SocketDescriptor) error
	AddSocketEnableRead(sd *SocketDescriptor) error
	RemoveSocket(sd *SocketDescriptor) error
	EnableRead(sd *SocketDescriptor) error
	DisableRead(sd *SocketDescriptor) error
	EnableWrite(sd *SocketDescriptor) error
	DisableWrite(sd *SocketDescriptor) error
	Wait(timeout time.Duration) *PollerResult
	ReleaseWait(info uint32)
	Close() error
}

func OpenPoller(kind PollerKind, eventBufferSize int) (Poller, error) {
	switch kind {
	case PollerEpoll, "":
		return openEpollPoller(eventBufferSize)
	case PollerSelect:
		return openSelectPoller()
	}
	return nil, errors.Errorf("unknown poller kind %q", kind)
}

func ParsePollerKind(name string) (PollerKind, error) {
	switch PollerKind(name) {
	case "", PollerEpoll:
		return PollerEpoll, nil
	case PollerSelect:
		return PollerSelect, nil
	}
	return "", errors.Wrapf(ErrInvalidConfig, "unknown poller %q", name)
}
