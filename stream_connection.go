package streamreactor

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/eapache/queue"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// StreamConnection is one logical connection of a container. It survives
// reconnects of outgoing connections; each attempt gets a fresh socket.
type StreamConnection struct {
	lock            *sync.Mutex
	data            ConnectionData
	socket          *Socket
	sockaddr        unix.Sockaddr
	poller          Poller
	clock           clock.Clock
	callback        ConnectionCallback
	queue           *queue.Queue
	disconnectFlag  *atomic.Bool
	certificateData CertificateData
	socketOptions   SocketOptions
	protocolData    interface{}
	lastAttempt     time.Time
	reconnectDelay  time.Duration
	backoff         *backoff.Backoff
	resendable      []Message
}

func newStreamConnection(data ConnectionData, socket *Socket, poller Poller, callback ConnectionCallback, clk clock.Clock) *StreamConnection {
	if data.ConnectionID == 0 {
		data.ConnectionID = nextConnectionID()
	}
	data.Sd = invalidSd
	if socket != nil && socket.Descriptor() != nil {
		data.Sd = socket.Descriptor().Fd()
		data.TLS = socket.IsTLS()
	}
	return &StreamConnection{
		lock:           &sync.Mutex{},
		data:           data,
		socket:         socket,
		poller:         poller,
		clock:          clk,
		callback:       callback,
		queue:          queue.New(),
		disconnectFlag: atomic.NewBool(false),
	}
}

func (sc *StreamConnection) ID() int64 {
	return sc.data.ConnectionID
}

// ConnectionData returns a snapshot of the connection metadata.
func (sc *StreamConnection) ConnectionData() ConnectionData {
	sc.lock.Lock()
	defer sc.lock.Unlock()
	return sc.data
}

func (sc *StreamConnection) State() ConnectionState {
	sc.lock.Lock()
	defer sc.lock.Unlock()
	return sc.data.State
}

// Socket returns the current socket, nil between reconnect attempts and after
// teardown.
func (sc *StreamConnection) Socket() *Socket {
	sc.lock.Lock()
	defer sc.lock.Unlock()
	return sc.socket
}

func (sc *StreamConnection) ProtocolData() interface{} {
	return sc.protocolData
}

func (sc *StreamConnection) PendingMessages() int {
	sc.lock.Lock()
	defer sc.lock.Unlock()
	return sc.queue.Length()
}

// SendMessage writes msg directly when the connection is idle, otherwise it is
// queued behind earlier messages. It returns false once the connection is torn
// down.
func (sc *StreamConnection) SendMessage(msg Message) bool {
	sc.lock.Lock()
	if sc.data.State == ConnectionStateDisconnected {
		sc.lock.Unlock()
		return false
	}
	if msg == nil || msg.TotalSendBufferSize() == 0 {
		sc.lock.Unlock()
		return true
	}
	cursor := &sendCursor{msg: msg}
	if sc.queue.Length() > 0 || sc.data.State != ConnectionStateConnected || sc.socket == nil {
		sc.queue.Add(cursor)
		sc.lock.Unlock()
		return true
	}
	done, err := cursor.write(sc.socket)
	if err != nil {
		fd := sc.data.Sd
		sc.lock.Unlock()
		log.Error().Msgf("[%d] connection %d send failed: %+v", fd, sc.data.ConnectionID, err)
		sc.Disconnect()
		return false
	}
	if !done {
		sc.queue.Add(cursor)
	}
	if !done || sc.socket.HasPendingOutput() {
		sc.enableWrite()
	}
	sc.lock.Unlock()
	return true
}

// sendPendingMessages resumes queued writes. Called by the reactor when the
// socket became writable.
func (sc *StreamConnection) sendPendingMessages() error {
	sc.lock.Lock()
	defer sc.lock.Unlock()
	if sc.data.State != ConnectionStateConnected || sc.socket == nil {
		return nil
	}
	if err := sc.socket.Flush(); err != nil {
		return err
	}
	for sc.queue.Length() > 0 {
		cursor := sc.queue.Peek().(*sendCursor)
		done, err := cursor.write(sc.socket)
		if err != nil {
			return err
		}
		if !done {
			return nil
		}
		sc.queue.Remove()
	}
	if !sc.socket.HasPendingOutput() && !sc.socket.IsReadWhenWritable() {
		if err := sc.poller.DisableWrite(sc.socket.Descriptor()); err != nil {
			log.Error().Msgf("[%d] disable write failed: %+v", sc.data.Sd, err)
		}
	}
	return nil
}

// enableWrite must be called with the lock held.
func (sc *StreamConnection) enableWrite() {
	if sc.socket == nil {
		return
	}
	if err := sc.poller.EnableWrite(sc.socket.Descriptor()); err != nil {
		log.Error().Msgf("[%d] enable write failed: %+v", sc.data.Sd, err)
	}
}

// Disconnect requests teardown. The reactor performs it on its next pass.
func (sc *StreamConnection) Disconnect() {
	sc.disconnectFlag.Store(true)
	if sc.poller != nil {
		sc.poller.ReleaseWait(ReleaseWaitDisconnect)
	}
}

func (sc *StreamConnection) disconnectRequested() bool {
	return sc.disconnectFlag.Load()
}

// TakeResendable hands out the resendable messages that were still queued when
// the connection was torn down.
func (sc *StreamConnection) TakeResendable() []Message {
	sc.lock.Lock()
	defer sc.lock.Unlock()
	msgs := sc.resendable
	sc.resendable = nil
	return msgs
}

func (sc *StreamConnection) configure(endpoint Endpoint, props ConnectProperties, now time.Time) {
	sc.lock.Lock()
	defer sc.lock.Unlock()
	sc.data.Endpoint = endpoint.Raw
	sc.data.Hostname = endpoint.Host
	if endpoint.Scheme == SchemeIPC {
		sc.data.Hostname = endpoint.Path
	}
	sc.data.Port = endpoint.Port
	sc.data.ProtocolName = endpoint.Protocol
	sc.data.AddressFamily = endpoint.addressFamily()
	sc.data.SocketType = unix.SOCK_STREAM
	sc.data.Protocol = endpoint.socketProtocol()
	sc.data.IncomingConnection = false
	sc.data.ReconnectInterval = props.ReconnectInterval
	sc.data.TotalReconnectDuration = props.TotalReconnectDuration
	sc.data.StartTime = now
	sc.data.TLS = props.CertificateData.TLS
	sc.certificateData = props.CertificateData
	sc.socketOptions = props.SocketOptions
	sc.protocolData = props.ProtocolData
	sc.reconnectDelay = props.ReconnectInterval
	sc.backoff = nil
	if props.ReconnectBackoffMax > props.ReconnectInterval && props.ReconnectInterval > 0 {
		sc.backoff = &backoff.Backoff{Min: props.ReconnectInterval, Max: props.ReconnectBackoffMax, Factor: 2}
	}
}

func (sc *StreamConnection) setSockaddr(sa unix.Sockaddr) {
	sc.lock.Lock()
	sc.sockaddr = sa
	sc.lock.Unlock()
}

func (sc *StreamConnection) attachSocket(socket *Socket) error {
	sc.lock.Lock()
	defer sc.lock.Unlock()
	if sc.socket != nil || (sc.data.State != ConnectionStateCreated && sc.data.State != ConnectionStateConnectingFailed) {
		return ErrInvalidState
	}
	sc.socket = socket
	sc.data.Sd = socket.Descriptor().Fd()
	sc.data.TLS = socket.IsTLS()
	return nil
}

// detachSocket drops the socket after a failed connect syscall.
func (sc *StreamConnection) detachSocket() *Socket {
	sc.lock.Lock()
	defer sc.lock.Unlock()
	socket := sc.socket
	sc.socket = nil
	sc.data.Sd = invalidSd
	if sc.data.State == ConnectionStateConnecting {
		sc.data.State = ConnectionStateConnectingFailed
	}
	return socket
}

func (sc *StreamConnection) connectSettings() (CertificateData, SocketOptions) {
	sc.lock.Lock()
	defer sc.lock.Unlock()
	return sc.certificateData, sc.socketOptions
}

// connect starts the non-blocking connect on the attached socket.
func (sc *StreamConnection) connect() error {
	sc.lock.Lock()
	defer sc.lock.Unlock()
	if sc.socket == nil || sc.sockaddr == nil {
		return ErrSocketNotCreated
	}
	sc.lastAttempt = sc.clock.Now()
	if err := sc.socket.Connect(sc.sockaddr); err != nil {
		return err
	}
	sc.data.State = ConnectionStateConnecting
	sd := sc.socket.Descriptor()
	if err := sc.poller.AddSocketEnableRead(sd); err != nil {
		return err
	}
	return sc.poller.EnableWrite(sd)
}

// checkEdgeConnected performs the CONNECTING to CONNECTED transition once.
func (sc *StreamConnection) checkEdgeConnected() bool {
	sc.lock.Lock()
	defer sc.lock.Unlock()
	if sc.data.State != ConnectionStateConnecting || sc.socket == nil {
		return false
	}
	sc.data.State = ConnectionStateConnected
	sc.data.LocalEndpoint = sc.socket.LocalAddress()
	sc.data.RemoteEndpoint = sc.socket.RemoteAddress()
	if sc.backoff != nil {
		sc.backoff.Reset()
		sc.reconnectDelay = sc.data.ReconnectInterval
	}
	return true
}

func (sc *StreamConnection) connected() {
	callback := sc.callback
	if callback == nil {
		return
	}
	if replacement := callback.Connected(sc); replacement != nil {
		sc.callback = replacement
		replacement.Connected(sc)
	}
}

func (sc *StreamConnection) disconnected() {
	if sc.callback != nil {
		sc.callback.Disconnected(sc)
	}
}

func (sc *StreamConnection) received(socket *Socket, bytesToRead int) bool {
	if sc.callback == nil {
		return false
	}
	return sc.callback.Received(sc, socket, bytesToRead)
}

func (sc *StreamConnection) budgetExpired(now time.Time) bool {
	budget := sc.data.TotalReconnectDuration
	return budget >= 0 && now.Sub(sc.data.StartTime) >= budget
}

// changeStateForDisconnect decides between a retry and the final teardown. The
// released socket is returned to the caller, which unregisters and destroys
// it. The first return value is true exactly once, when the connection reached
// DISCONNECTED.
func (sc *StreamConnection) changeStateForDisconnect(now time.Time) (bool, *Socket) {
	sc.lock.Lock()
	defer sc.lock.Unlock()
	if sc.data.State == ConnectionStateDisconnected {
		return false, nil
	}
	socket := sc.socket
	sc.socket = nil
	sc.data.Sd = invalidSd
	state := sc.data.State
	retry := !sc.disconnectFlag.Load() &&
		!sc.data.IncomingConnection &&
		(state == ConnectionStateConnecting || state == ConnectionStateConnectingFailed) &&
		sc.data.ReconnectInterval >= 0 &&
		!sc.budgetExpired(now)
	if retry {
		if state == ConnectionStateConnecting && sc.backoff != nil {
			sc.reconnectDelay = sc.backoff.Duration()
		}
		sc.data.State = ConnectionStateConnectingFailed
		return false, socket
	}
	sc.data.State = ConnectionStateDisconnected
	for sc.queue.Length() > 0 {
		cursor := sc.queue.Remove().(*sendCursor)
		if cursor.msg.Resendable() {
			sc.resendable = append(sc.resendable, cursor.msg)
		}
	}
	return true, socket
}

type reconnectAction int

const (
	reconnectWait reconnectAction = iota
	reconnectNow
	reconnectExpired
)

func (sc *StreamConnection) reconnectDue(now time.Time) reconnectAction {
	sc.lock.Lock()
	defer sc.lock.Unlock()
	if sc.data.State != ConnectionStateConnectingFailed || sc.disconnectFlag.Load() {
		return reconnectWait
	}
	if sc.budgetExpired(now) {
		return reconnectExpired
	}
	if now.Sub(sc.lastAttempt) >= sc.reconnectDelay {
		return reconnectNow
	}
	return reconnectWait
}
