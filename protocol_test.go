package streamreactor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type namedFactory string

func (f namedFactory) Name() string { return string(f) }

func (f namedFactory) NewProtocol(interface{}) Protocol { return &streamProtocol{} }

func TestProtocolRegistry(t *testing.T) {
	registry := NewProtocolRegistry()
	require.NoError(t, registry.Register(namedFactory("lines")))
	require.NoError(t, registry.Register(namedFactory("delimited")))
	assert.ErrorIs(t, registry.Register(namedFactory("lines")), ErrProtocolRegistered)

	factory, ok := registry.Lookup("lines")
	require.True(t, ok)
	assert.Equal(t, "lines", factory.Name())
	_, ok = registry.Lookup("stream")
	assert.False(t, ok)
	assert.Equal(t, []string{"delimited", "lines"}, registry.Names())
}

func TestDefaultProtocolsHaveStream(t *testing.T) {
	assert.Contains(t, DefaultProtocols.Names(), StreamProtocolName)
}

func TestProtocolCallback(t *testing.T) {
	handler := &echoHandler{}
	_, err := DefaultProtocols.Callback("tcp://localhost:1", handler, nil)
	assert.NoError(t, err)
	_, err = DefaultProtocols.Callback("tcp://localhost:1:stream", handler, nil)
	assert.NoError(t, err)
	_, err = DefaultProtocols.Callback("tcp://localhost:1:nope", handler, nil)
	assert.ErrorIs(t, err, ErrUnknownProtocol)
	_, err = DefaultProtocols.Callback("localhost:1", handler, nil)
	assert.ErrorIs(t, err, ErrInvalidEndpoint)
}

func TestStreamProtocolReceive(t *testing.T) {
	socket, peer := socketPair(t)
	protocol := streamProtocolFactory{}.NewProtocol(nil)

	_, err := unix.Write(peer, []byte("payload"))
	require.NoError(t, err)
	messages, err := protocol.Received(socket, 7)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("payload")}, messages)

	_, err = unix.Write(peer, []byte("second"))
	require.NoError(t, err)
	other, err := streamProtocolFactory{}.NewProtocol(nil).Received(socket, 6)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("second")}, other)
	assert.Equal(t, [][]byte{[]byte("payload")}, messages)

	msg := protocol.Encode([]byte("out"))
	assert.Equal(t, 3, msg.TotalSendBufferSize())
	assert.False(t, msg.Resendable())
}
