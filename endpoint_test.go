package streamreactor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		expected Endpoint
	}{
		{"tcp://*:3333", Endpoint{Scheme: SchemeTCP, Host: "*", Port: 3333}},
		{"tcp://localhost:3333", Endpoint{Scheme: SchemeTCP, Host: "localhost", Port: 3333}},
		{"tcp://127.0.0.1:80:stream", Endpoint{Scheme: SchemeTCP, Host: "127.0.0.1", Port: 80, Protocol: "stream"}},
		{"ipc:///tmp/reactor.sock", Endpoint{Scheme: SchemeIPC, Path: "/tmp/reactor.sock"}},
		{"ipc:///tmp/reactor.sock:stream", Endpoint{Scheme: SchemeIPC, Path: "/tmp/reactor.sock", Protocol: "stream"}},
	}
	for _, test := range tests {
		t.Run(test.endpoint, func(t *testing.T) {
			ep, err := ParseEndpoint(test.endpoint)
			require.NoError(t, err)
			test.expected.Raw = test.endpoint
			assert.Equal(t, test.expected, ep)
		})
	}
}

func TestParseEndpointInvalid(t *testing.T) {
	for _, endpoint := range []string{
		"",
		"localhost:3333",
		"udp://localhost:3333",
		"tcp://localhost",
		"tcp://:3333",
		"tcp://localhost:http",
		"tcp://localhost:70000",
		"tcp://localhost:1:2:3",
		"tcp://localhost:3333:",
		"ipc://",
	} {
		_, err := ParseEndpoint(endpoint)
		assert.ErrorIs(t, err, ErrInvalidEndpoint, endpoint)
	}
}

func TestEndpointSockaddr(t *testing.T) {
	ep, err := ParseEndpoint("tcp://*:4000")
	require.NoError(t, err)
	assert.False(t, ep.needsResolve())
	sa, ok := ep.literalSockaddr().(*unix.SockaddrInet4)
	require.True(t, ok)
	assert.Equal(t, 4000, sa.Port)
	assert.Equal(t, [4]byte{}, sa.Addr)

	ep, err = ParseEndpoint("tcp://10.1.2.3:4001")
	require.NoError(t, err)
	sa = ep.literalSockaddr().(*unix.SockaddrInet4)
	assert.Equal(t, [4]byte{10, 1, 2, 3}, sa.Addr)
	assert.Equal(t, "10.1.2.3:4001", sockaddrString(sa))

	ep, err = ParseEndpoint("tcp://localhost:4002")
	require.NoError(t, err)
	assert.True(t, ep.needsResolve())

	ep, err = ParseEndpoint("ipc:///tmp/x.sock")
	require.NoError(t, err)
	assert.Equal(t, unix.AF_UNIX, ep.addressFamily())
	assert.Equal(t, &unix.SockaddrUnix{Name: "/tmp/x.sock"}, ep.literalSockaddr())
}
