package streamreactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

var pollerKinds = []PollerKind{PollerEpoll, PollerSelect}

func forEachPoller(t *testing.T, test func(t *testing.T, p Poller)) {
	for _, kind := range pollerKinds {
		t.Run(string(kind), func(t *testing.T) {
			p, err := OpenPoller(kind, 0)
			require.NoError(t, err)
			t.Cleanup(func() { assert.NoError(t, p.Close()) })
			test(t, p)
		})
	}
}

func newDescriptorPair(t *testing.T) (*SocketDescriptor, *SocketDescriptor) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	a, b := newSocketDescriptor(fds[0]), newSocketDescriptor(fds[1])
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func writeAll(t *testing.T, sd *SocketDescriptor, data []byte) {
	t.Helper()
	n, err := unix.Write(sd.Fd(), data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
}

func findInfo(result *PollerResult, fd int) (DescriptorInfo, int) {
	var found DescriptorInfo
	count := 0
	for _, info := range result.Descriptors {
		if info.Fd == fd {
			found = info
			count++
		}
	}
	return found, count
}

func TestPollerAddTwiceReportsOnce(t *testing.T) {
	forEachPoller(t, func(t *testing.T, p Poller) {
		a, b := newDescriptorPair(t)
		require.NoError(t, p.AddSocketEnableRead(a))
		require.NoError(t, p.AddSocketEnableRead(a))
		writeAll(t, b, []byte("hello"))

		result := p.Wait(time.Second)
		require.False(t, result.Error)
		info, count := findInfo(result, a.Fd())
		assert.Equal(t, 1, count)
		assert.True(t, info.Readable)
		assert.Equal(t, 5, info.BytesToRead)
	})
}

func TestPollerRemoveUnregistered(t *testing.T) {
	forEachPoller(t, func(t *testing.T, p Poller) {
		a, b := newDescriptorPair(t)
		assert.NoError(t, p.RemoveSocket(a))
		require.NoError(t, p.AddSocketEnableRead(a))
		require.NoError(t, p.RemoveSocket(a))
		assert.NoError(t, p.RemoveSocket(a))
		assert.NoError(t, p.EnableWrite(a))
		writeAll(t, b, []byte("x"))

		result := p.Wait(20 * time.Millisecond)
		_, count := findInfo(result, a.Fd())
		assert.Zero(t, count)
	})
}

func TestPollerReportsQueuedBytes(t *testing.T) {
	forEachPoller(t, func(t *testing.T, p Poller) {
		a, b := newDescriptorPair(t)
		require.NoError(t, p.AddSocketEnableRead(a))
		writeAll(t, b, make([]byte, 1000))

		result := p.Wait(time.Second)
		info, count := findInfo(result, a.Fd())
		require.Equal(t, 1, count)
		assert.True(t, info.Readable)
		assert.False(t, info.Disconnected)
		assert.Equal(t, 1000, info.BytesToRead)
	})
}

func TestPollerTimeout(t *testing.T) {
	forEachPoller(t, func(t *testing.T, p Poller) {
		a, _ := newDescriptorPair(t)
		require.NoError(t, p.AddSocketEnableRead(a))

		start := time.Now()
		result := p.Wait(30 * time.Millisecond)
		assert.True(t, result.Timeout)
		assert.False(t, result.ReleaseWait)
		assert.Empty(t, result.Descriptors)
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	})
}

func TestPollerReleaseWait(t *testing.T) {
	forEachPoller(t, func(t *testing.T, p Poller) {
		go func() {
			time.Sleep(30 * time.Millisecond)
			p.ReleaseWait(ReleaseWaitDisconnect)
		}()
		start := time.Now()
		result := p.Wait(5 * time.Second)
		assert.Less(t, time.Since(start), 2*time.Second)
		assert.True(t, result.ReleaseWait)
		assert.NotZero(t, result.ReleaseWaitInfo&ReleaseWaitDisconnect)
		assert.False(t, result.Timeout)
	})
}

func TestPollerReleaseBeforeWait(t *testing.T) {
	forEachPoller(t, func(t *testing.T, p Poller) {
		p.ReleaseWait(0)
		result := p.Wait(5 * time.Second)
		assert.True(t, result.ReleaseWait)
		assert.Equal(t, ReleaseWaitWakeup, result.ReleaseWaitInfo)

		result = p.Wait(10 * time.Millisecond)
		assert.False(t, result.ReleaseWait)
	})
}

func TestPollerPeerClosed(t *testing.T) {
	forEachPoller(t, func(t *testing.T, p Poller) {
		a, b := newDescriptorPair(t)
		require.NoError(t, p.AddSocketEnableRead(a))
		require.NoError(t, b.Close())

		result := p.Wait(time.Second)
		info, count := findInfo(result, a.Fd())
		require.Equal(t, 1, count)
		assert.True(t, info.Disconnected)
		assert.False(t, info.Readable)
		assert.False(t, info.Writable)
	})
}

func TestPollerHangupWithoutInterest(t *testing.T) {
	forEachPoller(t, func(t *testing.T, p Poller) {
		a, b := newDescriptorPair(t)
		require.NoError(t, p.AddSocket(a))
		require.NoError(t, b.Close())

		result := p.Wait(time.Second)
		info, count := findInfo(result, a.Fd())
		require.Equal(t, 1, count)
		assert.True(t, info.Disconnected)
		assert.False(t, info.Readable)
	})
}

func TestPollerIgnoresDataWithoutInterest(t *testing.T) {
	forEachPoller(t, func(t *testing.T, p Poller) {
		a, b := newDescriptorPair(t)
		require.NoError(t, p.AddSocket(a))
		writeAll(t, b, []byte("queued"))

		result := p.Wait(50 * time.Millisecond)
		_, count := findInfo(result, a.Fd())
		assert.Zero(t, count)
		assert.True(t, result.Timeout)
	})
}

func TestPollerWriteInterest(t *testing.T) {
	forEachPoller(t, func(t *testing.T, p Poller) {
		a, _ := newDescriptorPair(t)
		require.NoError(t, p.AddSocket(a))

		result := p.Wait(20 * time.Millisecond)
		assert.True(t, result.Timeout)

		require.NoError(t, p.EnableWrite(a))
		result = p.Wait(time.Second)
		info, count := findInfo(result, a.Fd())
		require.Equal(t, 1, count)
		assert.True(t, info.Writable)

		require.NoError(t, p.DisableWrite(a))
		result = p.Wait(20 * time.Millisecond)
		assert.True(t, result.Timeout)
	})
}

func TestPollerRegistrationDuringWait(t *testing.T) {
	forEachPoller(t, func(t *testing.T, p Poller) {
		a, b := newDescriptorPair(t)
		writeAll(t, b, []byte("late"))

		type outcome struct {
			info  DescriptorInfo
			count int
		}
		done := make(chan outcome, 1)
		go func() {
			deadline := time.Now().Add(3 * time.Second)
			for time.Now().Before(deadline) {
				result := p.Wait(time.Second)
				if info, count := findInfo(result, a.Fd()); count > 0 {
					done <- outcome{info: info, count: count}
					return
				}
			}
			done <- outcome{}
		}()
		time.Sleep(30 * time.Millisecond)
		require.NoError(t, p.AddSocketEnableRead(a))

		select {
		case res := <-done:
			require.Equal(t, 1, res.count)
			assert.Equal(t, 4, res.info.BytesToRead)
		case <-time.After(5 * time.Second):
			t.Fatal("wait did not pick up the new registration")
		}
	})
}

func TestParsePollerKind(t *testing.T) {
	kind, err := ParsePollerKind("")
	require.NoError(t, err)
	assert.Equal(t, PollerEpoll, kind)
	kind, err = ParsePollerKind("select")
	require.NoError(t, err)
	assert.Equal(t, PollerSelect, kind)
	_, err = ParsePollerKind("kqueue")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestPollerRegisterAfterClose(t *testing.T) {
	for _, kind := range pollerKinds {
		p, err := OpenPoller(kind, 0)
		require.NoError(t, err)
		require.NoError(t, p.Close())
		require.NoError(t, p.Close())
		a, _ := newDescriptorPair(t)
		assert.ErrorIs(t, p.AddSocketEnableRead(a), ErrPollerClosed, string(kind))
		p.ReleaseWait(ReleaseWaitTerminate)
	}
}
