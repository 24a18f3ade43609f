package streamreactor

// Message is an outbound unit made of immutable buffer segments.
type Message interface {
	SendBuffers() [][]byte
	TotalSendBufferSize() int
	// Resendable marks messages that may be replayed on a new connection.
	Resendable() bool
}

type BufferMessage struct {
	buffers    [][]byte
	size       int
	resendable bool
}

func NewMessage(buffers ...[]byte) *BufferMessage {
	m := &BufferMessage{}
	for _, b := range buffers {
		m.AddBuffer(b)
	}
	return m
}

func (m *BufferMessage) AddBuffer(b []byte) {
	if len(b) == 0 {
		return
	}
	m.buffers = append(m.buffers, b)
	m.size += len(b)
}

func (m *BufferMessage) SendBuffers() [][]byte {
	return m.buffers
}

func (m *BufferMessage) TotalSendBufferSize() int {
	return m.size
}

func (m *BufferMessage) Resendable() bool {
	return m.resendable
}

func (m *BufferMessage) SetResendable(resendable bool) {
	m.resendable = resendable
}

// sendCursor is the resume position inside a partially written message.
type sendCursor struct {
	msg     Message
	segment int
	offset  int
}

// write pushes the remaining bytes of the message to the socket and advances
// the cursor. It reports whether the message went out completely.
func (c *sendCursor) write(socket *Socket) (bool, error) {
	buffers := c.msg.SendBuffers()
	for c.segment < len(buffers) {
		buf := buffers[c.segment]
		if c.offset >= len(buf) {
			c.segment++
			c.offset = 0
			continue
		}
		more := c.segment < len(buffers)-1
		n, err := socket.Send(buf[c.offset:], more)
		if err != nil {
			return false, err
		}
		c.offset += n
		if c.offset < len(buf) {
			return false, nil
		}
		c.segment++
		c.offset = 0
	}
	return true, nil
}
