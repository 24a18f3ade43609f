package streamreactor

import (
	"io"

	"github.com/valyala/bytebufferpool"
)

const StreamProtocolName = "stream"

func init() {
	if err := DefaultProtocols.Register(streamProtocolFactory{}); err != nil {
		panic(err)
	}
}

type streamProtocolFactory struct{}

func (streamProtocolFactory) Name() string {
	return StreamProtocolName
}

func (streamProtocolFactory) NewProtocol(_ interface{}) Protocol {
	return &streamProtocol{}
}

// streamProtocol passes bytes through unframed: every read is one message.
type streamProtocol struct{}

func (p *streamProtocol) Received(socket *Socket, bytesToRead int) ([][]byte, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if cap(buf.B) < bytesToRead {
		buf.B = make([]byte, bytesToRead)
	}
	buf.B = buf.B[:bytesToRead]
	n, err := socket.Receive(buf.B)
	if err != nil && err != io.EOF {
		return nil, err
	}
	if n == 0 {
		return nil, err
	}
	payload := make([]byte, n)
	copy(payload, buf.B[:n])
	return [][]byte{payload}, nil
}

func (p *streamProtocol) Encode(payload []byte) Message {
	return NewMessage(payload)
}
