package streamreactor

// ConnectionCallback receives the events of a connection. All methods are
// called on the reactor goroutine.
type ConnectionCallback interface {
	// Connected may return a replacement callback that handles the connection
	// from now on; the replacement is told about the connection as well.
	Connected(conn *StreamConnection) ConnectionCallback
	Disconnected(conn *StreamConnection)
	// Received is called with the number of bytes that can be read from
	// socket. Returning false tears the connection down.
	Received(conn *StreamConnection, socket *Socket, bytesToRead int) bool
}

// CallbackFuncs adapts plain functions to ConnectionCallback. Nil fields are
// ignored; a nil OnReceived drains and discards the input.
type CallbackFuncs struct {
	OnConnected    func(conn *StreamConnection) ConnectionCallback
	OnDisconnected func(conn *StreamConnection)
	OnReceived     func(conn *StreamConnection, socket *Socket, bytesToRead int) bool
}

func (f *CallbackFuncs) Connected(conn *StreamConnection) ConnectionCallback {
	if f.OnConnected == nil {
		return nil
	}
	return f.OnConnected(conn)
}

func (f *CallbackFuncs) Disconnected(conn *StreamConnection) {
	if f.OnDisconnected != nil {
		f.OnDisconnected(conn)
	}
}

func (f *CallbackFuncs) Received(conn *StreamConnection, socket *Socket, bytesToRead int) bool {
	if f.OnReceived != nil {
		return f.OnReceived(conn, socket, bytesToRead)
	}
	buf := make([]byte, bytesToRead)
	_, err := socket.Receive(buf)
	return err == nil
}
