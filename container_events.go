package streamreactor

import (
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	maxReceiveLoop = 5
	maxAcceptLoop  = 64
)

func (c *StreamConnectionContainer) pollerLoop() {
	if c.config.LockOsThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	defer close(c.done)
	log.Info().Msgf("[%s] poller loop started", c.name)
	now := c.clock.Now()
	c.lastCycle, c.lastReconnect, c.lastSummary = now, now, now
	for !c.terminate.Load() {
		result := c.poller.Wait(c.cycleTime)
		if result.ReleaseWait {
			c.handleReleaseWait()
		}
		if result.Error {
			c.stats.pollerError()
			log.Error().Msgf("[%s] poller failed, terminating loop: %+v", c.name, result.Err)
			c.terminate.Store(true)
		} else if !result.Timeout {
			for i := range result.Descriptors {
				c.handleDescriptor(result.Descriptors[i])
			}
		}
		c.sweep()
	}
	log.Info().Msgf("[%s] poller loop terminated", c.name)
}

func (c *StreamConnectionContainer) handleReleaseWait() {
	for _, conn := range c.registry.connections() {
		if conn.disconnectRequested() {
			c.disconnectIntern(conn)
		}
	}
}

func (c *StreamConnectionContainer) handleDescriptor(info DescriptorInfo) {
	if conn, ok := c.registry.findBySd(info.Fd); ok {
		c.handleConnectionEvents(conn, info)
		return
	}
	if accepting, ok := c.registry.findAccepting(info.Fd); ok {
		c.handleTLSAccepting(accepting, info)
		return
	}
	if bind, ok := c.registry.findBind(info.Fd); ok {
		c.handleBindEvents(bind, info)
		return
	}
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] event for unknown descriptor: %+v", info.Fd, info)
	}
}

func (c *StreamConnectionContainer) handleConnectionEvents(conn *StreamConnection, info DescriptorInfo) {
	socket := conn.Socket()
	if socket == nil || socket.Descriptor().Fd() != info.Fd {
		return
	}
	if info.Disconnected || (info.Readable && info.BytesToRead == 0) {
		c.disconnectIntern(conn)
		return
	}
	if socket.IsTLS() && conn.State() == ConnectionStateConnecting {
		switch socket.Connecting() {
		case TLSWantWrite:
			c.enableWrite(socket)
		case TLSWantRead:
			c.disableWrite(socket)
		case TLSError:
			log.Error().Msgf("[%d] tls handshake with %s failed", info.Fd, conn.ConnectionData().Endpoint)
			c.disconnectIntern(conn)
		case TLSSuccess:
			c.tlsEstablished(conn, socket)
		}
		return
	}
	switch {
	case socket.IsTLS() && info.Writable && socket.IsReadWhenWritable():
		if c.handleReceive(conn, socket, 0) {
			c.sendPending(conn)
		}
	case socket.IsTLS() && info.Readable && socket.IsWriteWhenReadable():
		c.sendPending(conn)
	default:
		if info.Writable {
			if conn.State() == ConnectionStateConnecting {
				if err := socket.SocketError(); err != nil {
					if log.Debug().Enabled() {
						log.Debug().Msgf("[%d] connect to %s failed: %+v", info.Fd, conn.ConnectionData().Endpoint, err)
					}
					c.disconnectIntern(conn)
					return
				}
				if conn.checkEdgeConnected() {
					conn.connected()
				}
			}
			if !c.sendPending(conn) {
				return
			}
			if socket.IsWriteWhenReadable() {
				info.Readable = false
			}
		}
		if info.Readable {
			c.handleReceive(conn, socket, info.BytesToRead)
		}
	}
}

func (c *StreamConnectionContainer) tlsEstablished(conn *StreamConnection, socket *Socket) {
	if conn.checkEdgeConnected() {
		conn.connected()
	}
	c.enableWrite(socket)
	c.handleReceive(conn, socket, 0)
}

// handleReceive hands readable data to the callback, at most maxReceiveLoop
// times per event so that one busy connection cannot starve the others. It
// returns false when the connection was torn down.
func (c *StreamConnectionContainer) handleReceive(conn *StreamConnection, socket *Socket, bytesToRead int) bool {
	if socket.IsTLS() {
		n, err := socket.PendingRead()
		if err != nil {
			c.receiveFailed(conn, err)
			return false
		}
		bytesToRead = n
	}
	for loop := 0; bytesToRead > 0; {
		if !conn.received(socket, bytesToRead) {
			if log.Debug().Enabled() {
				log.Debug().Msgf("[%d] receiver rejected input of connection %d", socket.Descriptor().Fd(), conn.ID())
			}
			c.disconnectIntern(conn)
			return false
		}
		loop++
		if loop >= maxReceiveLoop || conn.Socket() != socket {
			break
		}
		n, err := socket.PendingRead()
		if err != nil {
			c.receiveFailed(conn, err)
			return false
		}
		bytesToRead = n
	}
	if conn.Socket() == socket && socket.IsReadWhenWritable() {
		c.enableWrite(socket)
	}
	return true
}

func (c *StreamConnectionContainer) receiveFailed(conn *StreamConnection, err error) {
	if log.Debug().Enabled() {
		log.Debug().Msgf("connection %d receive failed: %+v", conn.ID(), err)
	}
	c.disconnectIntern(conn)
}

func (c *StreamConnectionContainer) sendPending(conn *StreamConnection) bool {
	if err := conn.sendPendingMessages(); err != nil {
		log.Error().Msgf("connection %d send failed: %+v", conn.ID(), err)
		c.disconnectIntern(conn)
		return false
	}
	return true
}

func (c *StreamConnectionContainer) handleBindEvents(bind *bindData, info DescriptorInfo) {
	if info.Disconnected {
		log.Error().Msgf("[%d] listener %s failed", info.Fd, bind.endpoint.Raw)
		c.Unbind(bind.endpoint.Raw)
		return
	}
	if !info.Readable {
		return
	}
	for i := 0; i < maxAcceptLoop; i++ {
		socket, sa, err := bind.socket.Accept()
		if err != nil {
			log.Error().Msgf("[%d] accept on %s failed: %+v", info.Fd, bind.endpoint.Raw, err)
			return
		}
		if socket == nil {
			return
		}
		c.stats.accepted()
		remote := sockaddrString(sa)
		if socket.IsTLS() {
			accepting := &tlsAccepting{socket: socket, bind: bind, remote: remote}
			c.registry.addAccepting(accepting)
			if err = c.poller.AddSocketEnableRead(socket.Descriptor()); err != nil {
				log.Error().Msgf("[%d] register accepted socket: %+v", socket.Descriptor().Fd(), err)
				c.dropAccepting(accepting)
				continue
			}
			c.stepTLSAccept(accepting)
			continue
		}
		conn := c.addIncoming(bind, socket, remote)
		if err = c.poller.AddSocketEnableRead(socket.Descriptor()); err != nil {
			log.Error().Msgf("[%d] register accepted socket: %+v", socket.Descriptor().Fd(), err)
			conn.Disconnect()
			continue
		}
		conn.connected()
	}
}

func (c *StreamConnectionContainer) handleTLSAccepting(accepting *tlsAccepting, info DescriptorInfo) {
	if info.Disconnected || (info.Readable && info.BytesToRead == 0) {
		c.dropAccepting(accepting)
		return
	}
	c.stepTLSAccept(accepting)
}

func (c *StreamConnectionContainer) stepTLSAccept(accepting *tlsAccepting) {
	socket := accepting.socket
	switch socket.Accepting() {
	case TLSWantWrite:
		c.enableWrite(socket)
	case TLSWantRead:
		c.disableWrite(socket)
	case TLSError:
		if log.Debug().Enabled() {
			log.Debug().Msgf("[%d] tls accept from %s failed", socket.Descriptor().Fd(), accepting.remote)
		}
		c.dropAccepting(accepting)
	case TLSSuccess:
		c.registry.removeAccepting(socket.Descriptor().Fd())
		conn := c.addIncoming(accepting.bind, socket, accepting.remote)
		conn.connected()
		c.enableWrite(socket)
		c.handleReceive(conn, socket, 0)
	}
}

func (c *StreamConnectionContainer) dropAccepting(accepting *tlsAccepting) {
	fd := accepting.socket.Descriptor().Fd()
	c.registry.removeAccepting(fd)
	if err := c.poller.RemoveSocket(accepting.socket.Descriptor()); err != nil {
		log.Error().Msgf("[%d] remove socket from poller: %+v", fd, err)
	}
	_ = accepting.socket.Destroy()
}

func (c *StreamConnectionContainer) addIncoming(bind *bindData, socket *Socket, remote string) *StreamConnection {
	ep := bind.endpoint
	data := ConnectionData{
		Endpoint:               ep.Raw,
		Hostname:               ep.Host,
		Port:                   ep.Port,
		ProtocolName:           ep.Protocol,
		LocalEndpoint:          socket.LocalAddress(),
		RemoteEndpoint:         socket.RemoteAddress(),
		AddressFamily:          ep.addressFamily(),
		SocketType:             socket.typ,
		Protocol:               ep.socketProtocol(),
		IncomingConnection:     true,
		ReconnectInterval:      NoReconnect,
		TotalReconnectDuration: 0,
		StartTime:              c.clock.Now(),
		State:                  ConnectionStateConnected,
	}
	if data.RemoteEndpoint == "" {
		data.RemoteEndpoint = remote
	}
	conn := newStreamConnection(data, socket, c.poller, bind.callback, c.clock)
	conn.protocolData = bind.props.ProtocolData
	c.registry.addConnection(conn, socket.Descriptor().Fd())
	c.stats.connectionAdded()
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] accepted connection %d from %s on %s", socket.Descriptor().Fd(), conn.ID(), data.RemoteEndpoint, ep.Raw)
	}
	return conn
}

// disconnectIntern tears conn down, or parks it for a reconnect attempt.
func (c *StreamConnectionContainer) disconnectIntern(conn *StreamConnection) {
	final, socket := conn.changeStateForDisconnect(c.clock.Now())
	if socket != nil {
		sd := socket.Descriptor()
		c.registry.removeSd(conn, sd.Fd())
		if err := c.poller.RemoveSocket(sd); err != nil {
			log.Error().Msgf("[%d] remove socket from poller: %+v", sd.Fd(), err)
		}
		_ = socket.Destroy()
	}
	if !final {
		if socket != nil && log.Debug().Enabled() {
			log.Debug().Msgf("connection %d to %s failed, waiting for reconnect", conn.ID(), conn.ConnectionData().Endpoint)
		}
		return
	}
	c.registry.removeConnection(conn)
	c.stats.connectionRemoved()
	if log.Debug().Enabled() {
		log.Debug().Msgf("connection %d disconnected", conn.ID())
	}
	conn.disconnected()
}

func (c *StreamConnectionContainer) sweep() {
	if !c.isTimerExpired(&c.lastCycle, c.cycleTime) {
		return
	}
	if c.isTimerExpired(&c.lastReconnect, c.checkReconnectInterval) {
		c.doReconnect()
	}
	if c.timerCallback != nil {
		c.timerCallback()
	}
	if c.isTimerExpired(&c.lastSummary, summaryInterval) {
		c.registry.logSummary(c.name)
	}
}

func (c *StreamConnectionContainer) doReconnect() {
	now := c.clock.Now()
	for _, conn := range c.registry.connections() {
		switch conn.reconnectDue(now) {
		case reconnectExpired:
			c.disconnectIntern(conn)
		case reconnectNow:
			c.stats.reconnectAttempt()
			if err := c.openAndConnect(conn); err != nil {
				if log.Debug().Enabled() {
					log.Debug().Msgf("connection %d reconnect failed: %+v", conn.ID(), err)
				}
				c.releaseAttempt(conn)
			}
		}
	}
}

func (c *StreamConnectionContainer) isTimerExpired(last *time.Time, interval time.Duration) bool {
	now := c.clock.Now()
	if now.Before(*last) {
		*last = now
		return false
	}
	if now.Sub(*last) >= interval {
		*last = now
		return true
	}
	return false
}

func (c *StreamConnectionContainer) enableWrite(socket *Socket) {
	if err := c.poller.EnableWrite(socket.Descriptor()); err != nil {
		log.Error().Msgf("[%d] enable write failed: %+v", socket.Descriptor().Fd(), err)
	}
}

func (c *StreamConnectionContainer) disableWrite(socket *Socket) {
	if err := c.poller.DisableWrite(socket.Descriptor()); err != nil {
		log.Error().Msgf("[%d] disable write failed: %+v", socket.Descriptor().Fd(), err)
	}
}
