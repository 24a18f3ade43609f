package streamreactor

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Protocol splits the byte stream of one connection into messages and frames
// outgoing payloads. An instance belongs to a single connection.
type Protocol interface {
	Received(socket *Socket, bytesToRead int) ([][]byte, error)
	Encode(payload []byte) Message
}

type ProtocolFactory interface {
	Name() string
	NewProtocol(protocolData interface{}) Protocol
}

// MessageHandler receives complete messages of protocol connections.
type MessageHandler interface {
	Connected(pc *ProtocolConnection)
	Disconnected(pc *ProtocolConnection)
	Received(pc *ProtocolConnection, payload []byte)
}

// ProtocolRegistry maps protocol names to factories. It is filled during
// package initialization and read afterwards.
type ProtocolRegistry struct {
	lock      *sync.RWMutex
	factories map[string]ProtocolFactory
}

var DefaultProtocols = NewProtocolRegistry()

func NewProtocolRegistry() *ProtocolRegistry {
	return &ProtocolRegistry{lock: &sync.RWMutex{}, factories: make(map[string]ProtocolFactory)}
}

func (r *ProtocolRegistry) Register(factory ProtocolFactory) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.factories[factory.Name()]; ok {
		return errors.Wrapf(ErrProtocolRegistered, "%q", factory.Name())
	}
	r.factories[factory.Name()] = factory
	return nil
}

func (r *ProtocolRegistry) Lookup(name string) (ProtocolFactory, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	factory, ok := r.factories[name]
	return factory, ok
}

func (r *ProtocolRegistry) Names() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Callback returns a connection callback that speaks the protocol named in
// endpoint, or the stream protocol when none is named. Every connection gets
// its own protocol instance built from protocolData.
func (r *ProtocolRegistry) Callback(endpoint string, handler MessageHandler, protocolData interface{}) (ConnectionCallback, error) {
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	name := ep.Protocol
	if name == "" {
		name = StreamProtocolName
	}
	factory, ok := r.Lookup(name)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownProtocol, "%q", name)
	}
	return &protocolCallback{factory: factory, handler: handler, protocolData: protocolData}, nil
}

type protocolCallback struct {
	factory      ProtocolFactory
	handler      MessageHandler
	protocolData interface{}
}

func (cb *protocolCallback) Connected(conn *StreamConnection) ConnectionCallback {
	data := cb.protocolData
	if connData := conn.ProtocolData(); connData != nil {
		data = connData
	}
	return &ProtocolConnection{
		conn:     conn,
		protocol: cb.factory.NewProtocol(data),
		handler:  cb.handler,
	}
}

func (cb *protocolCallback) Disconnected(conn *StreamConnection) {
	cb.handler.Disconnected(&ProtocolConnection{conn: conn, handler: cb.handler})
}

func (cb *protocolCallback) Received(conn *StreamConnection, socket *Socket, bytesToRead int) bool {
	return false
}

// ProtocolConnection binds a stream connection to its protocol instance.
type ProtocolConnection struct {
	conn     *StreamConnection
	protocol Protocol
	handler  MessageHandler
}

func (pc *ProtocolConnection) ID() int64 {
	return pc.conn.ID()
}

func (pc *ProtocolConnection) Connection() *StreamConnection {
	return pc.conn
}

// Send frames payload with the connection's protocol and sends it.
func (pc *ProtocolConnection) Send(payload []byte) bool {
	if pc.protocol == nil {
		return false
	}
	return pc.conn.SendMessage(pc.protocol.Encode(payload))
}

func (pc *ProtocolConnection) Disconnect() {
	pc.conn.Disconnect()
}

func (pc *ProtocolConnection) Connected(conn *StreamConnection) ConnectionCallback {
	pc.handler.Connected(pc)
	return nil
}

func (pc *ProtocolConnection) Disconnected(conn *StreamConnection) {
	pc.handler.Disconnected(pc)
}

func (pc *ProtocolConnection) Received(conn *StreamConnection, socket *Socket, bytesToRead int) bool {
	messages, err := pc.protocol.Received(socket, bytesToRead)
	if err != nil {
		return false
	}
	for _, payload := range messages {
		pc.handler.Received(pc, payload)
	}
	return true
}
