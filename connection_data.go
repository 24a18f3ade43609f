package streamreactor

import (
	"time"

	"go.uber.org/atomic"
)

type ConnectionState int

const (
	ConnectionStateCreated ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnectingFailed
	ConnectionStateConnected
	ConnectionStateDisconnected
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateCreated:
		return "CREATED"
	case ConnectionStateConnecting:
		return "CONNECTING"
	case ConnectionStateConnectingFailed:
		return "CONNECTING_FAILED"
	case ConnectionStateConnected:
		return "CONNECTED"
	case ConnectionStateDisconnected:
		return "DISCONNECTED"
	}
	return "UNKNOWN"
}

// ReconnectForever is the explicit value for an unlimited reconnect budget.
const ReconnectForever time.Duration = -1

// NoReconnect disables reconnect attempts when used as reconnect interval.
const NoReconnect time.Duration = -1

const (
	defaultReconnectInterval = 5 * time.Second
	invalidSd                = -1
)

var connectionIDs = atomic.NewInt64(0)

func nextConnectionID() int64 {
	return connectionIDs.Inc()
}

type ConnectionData struct {
	ConnectionID           int64
	Endpoint               string
	Hostname               string
	Port                   int
	ProtocolName           string
	LocalEndpoint          string
	RemoteEndpoint         string
	AddressFamily          int
	SocketType             int
	Protocol               int
	Sd                     int
	IncomingConnection     bool
	ReconnectInterval      time.Duration
	TotalReconnectDuration time.Duration
	StartTime              time.Time
	TLS                    bool
	State                  ConnectionState
}

type SocketOptions struct {
	SendBufferSize    int
	ReceiveBufferSize int
}

type BindProperties struct {
	CertificateData CertificateData
	SocketOptions   SocketOptions
	ProtocolData    interface{}
}

type ConnectProperties struct {
	CertificateData        CertificateData
	SocketOptions          SocketOptions
	ReconnectInterval      time.Duration
	TotalReconnectDuration time.Duration
	// ReconnectBackoffMax lets the interval grow up to this value between
	// failed attempts. Zero keeps the interval fixed.
	ReconnectBackoffMax time.Duration
	ProtocolData        interface{}
}

func DefaultConnectProperties() ConnectProperties {
	return ConnectProperties{
		ReconnectInterval:      defaultReconnectInterval,
		TotalReconnectDuration: ReconnectForever,
	}
}
