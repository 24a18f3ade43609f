package streamreactor

import (
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

const (
	defaultCycleTime              = 100 * time.Millisecond
	defaultCheckReconnectInterval = time.Second
	defaultCloseTimeout           = 5 * time.Second
	summaryInterval               = 20 * time.Second
	listenBacklog                 = unix.SOMAXCONN
)

var ErrNotInitialized = errors.New("container is not initialized")

type ContainerConfig struct {
	Name            string
	Poller          PollerKind
	EventBufferSize int
	LockOsThread    bool
	Clock           clock.Clock
	Protocols       *ProtocolRegistry
	CloseTimeout    time.Duration
}

func (c ContainerConfig) withDefaults() ContainerConfig {
	if c.Name == "" {
		c.Name = "streams"
	}
	if c.Poller == "" {
		c.Poller = PollerEpoll
	}
	if c.EventBufferSize <= 0 {
		c.EventBufferSize = defEventsBufferSize
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Protocols == nil {
		c.Protocols = DefaultProtocols
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = defaultCloseTimeout
	}
	return c
}

// StreamConnectionContainer runs the reactor for a set of listeners and
// connections. Only the goroutine executing Run touches sockets for reading;
// the public methods may be called from anywhere.
type StreamConnectionContainer struct {
	name        string
	config      ContainerConfig
	clock       clock.Clock
	poller      Poller
	registry    *connectionRegistry
	resolver    *addressResolver
	tlsContexts *tlsContextCache
	stats       *Stats

	cycleTime              time.Duration
	checkReconnectInterval time.Duration
	timerCallback          func()
	lastCycle              time.Time
	lastReconnect          time.Time
	lastSummary            time.Time

	terminate *atomic.Bool
	started   *atomic.Bool
	closed    *atomic.Bool
	done      chan struct{}
}

func NewStreamConnectionContainer(config ContainerConfig) *StreamConnectionContainer {
	config = config.withDefaults()
	return &StreamConnectionContainer{
		name:      config.Name,
		config:    config,
		clock:     config.Clock,
		registry:  newConnectionRegistry(),
		stats:     NewStats(config.Name),
		terminate: atomic.NewBool(false),
		started:   atomic.NewBool(false),
		closed:    atomic.NewBool(false),
		done:      make(chan struct{}),
	}
}

// Init opens the poller. cycleTime bounds every poller wait and paces the
// timer callback, checkReconnectInterval paces reconnect attempts.
func (c *StreamConnectionContainer) Init(cycleTime, checkReconnectInterval time.Duration, timer func()) error {
	if c.poller != nil {
		return nil
	}
	if cycleTime <= 0 {
		cycleTime = defaultCycleTime
	}
	if checkReconnectInterval <= 0 {
		checkReconnectInterval = defaultCheckReconnectInterval
	}
	if log.Debug().Enabled() {
		log.Debug().Msgf("init container:%+v", c.config)
	} else {
		log.Info().Msgf("init container:%s", c.name)
	}
	poller, err := OpenPoller(c.config.Poller, c.config.EventBufferSize)
	if err != nil {
		log.Error().Msgf("can't open poller: %+v", err)
		return err
	}
	tlsContexts, err := newTLSContextCache()
	if err != nil {
		_ = poller.Close()
		return err
	}
	c.poller = poller
	c.tlsContexts = tlsContexts
	c.resolver = newAddressResolver()
	c.cycleTime = cycleTime
	c.checkReconnectInterval = checkReconnectInterval
	c.timerCallback = timer
	return nil
}

func (c *StreamConnectionContainer) Stats() *Stats {
	return c.stats
}

func (c *StreamConnectionContainer) Name() string {
	return c.name
}

func (c *StreamConnectionContainer) parseEndpoint(endpoint string) (Endpoint, error) {
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return ep, err
	}
	if ep.Protocol != "" {
		if _, ok := c.config.Protocols.Lookup(ep.Protocol); !ok {
			return ep, errors.Wrapf(ErrUnknownProtocol, "%q in %s", ep.Protocol, endpoint)
		}
	}
	return ep, nil
}

// Bind starts listening on endpoint. Binding an endpoint twice is a no-op.
func (c *StreamConnectionContainer) Bind(endpoint string, callback ConnectionCallback, props BindProperties) error {
	if c.poller == nil {
		return ErrNotInitialized
	}
	ep, err := c.parseEndpoint(endpoint)
	if err != nil {
		return err
	}
	if c.registry.hasBind(endpoint) {
		return nil
	}
	sa := ep.literalSockaddr()
	if ep.needsResolve() {
		ip, err := c.resolver.lookup(ep.Host)
		if err != nil {
			return errors.Wrapf(err, "bind %s", endpoint)
		}
		sa = ep.sockaddr(ip)
	}
	socket := NewSocket(c.stats)
	bind := &bindData{endpoint: ep, socket: socket, callback: callback, props: props}
	if props.CertificateData.TLS {
		bind.tlsConfig, err = c.tlsContexts.serverConfig(props.CertificateData)
		if err != nil {
			return err
		}
		err = socket.CreateTLSServer(ep.addressFamily(), unix.SOCK_STREAM, ep.socketProtocol(), bind.tlsConfig)
	} else {
		err = socket.Create(ep.addressFamily(), unix.SOCK_STREAM, ep.socketProtocol())
	}
	if err != nil {
		return err
	}
	socket.ApplyOptions(props.SocketOptions)
	if err = socket.Bind(sa); err != nil {
		_ = socket.Destroy()
		return errors.Wrapf(err, "bind %s", endpoint)
	}
	if err = socket.Listen(listenBacklog); err != nil {
		_ = socket.Destroy()
		return errors.Wrapf(err, "listen %s", endpoint)
	}
	if !c.registry.addBind(bind) {
		_ = socket.Destroy()
		return nil
	}
	if err = c.poller.AddSocketEnableRead(socket.Descriptor()); err != nil {
		c.Unbind(endpoint)
		return err
	}
	log.Info().Msgf("[%s] listening on %s", c.name, endpoint)
	return nil
}

// Unbind stops listening on endpoint; unknown endpoints are ignored.
func (c *StreamConnectionContainer) Unbind(endpoint string) {
	bind, ok := c.registry.removeBind(endpoint)
	if !ok {
		return
	}
	if err := c.poller.RemoveSocket(bind.socket.Descriptor()); err != nil {
		log.Error().Msgf("[%s] remove listener %s from poller: %+v", c.name, endpoint, err)
	}
	_ = bind.socket.Destroy()
	log.Info().Msgf("[%s] unbound %s", c.name, endpoint)
}

// Connect creates a connection and starts connecting it to endpoint.
func (c *StreamConnectionContainer) Connect(endpoint string, callback ConnectionCallback, props ConnectProperties) (*StreamConnection, error) {
	if c.poller == nil {
		return nil, ErrNotInitialized
	}
	if _, err := c.parseEndpoint(endpoint); err != nil {
		return nil, err
	}
	conn := c.CreateConnection(callback)
	if err := c.ConnectConnection(conn, endpoint, props); err != nil {
		return nil, err
	}
	return conn, nil
}

// CreateConnection registers a connection in CREATED state. Messages sent to
// it are queued until it is connected.
func (c *StreamConnectionContainer) CreateConnection(callback ConnectionCallback) *StreamConnection {
	conn := newStreamConnection(ConnectionData{
		State:                  ConnectionStateCreated,
		ReconnectInterval:      NoReconnect,
		TotalReconnectDuration: 0,
	}, nil, c.poller, callback, c.clock)
	c.registry.addConnection(conn, invalidSd)
	c.stats.connectionAdded()
	return conn
}

// ConnectConnection connects a connection made by CreateConnection. Failures
// are returned and the connection is torn down by the reactor.
func (c *StreamConnectionContainer) ConnectConnection(conn *StreamConnection, endpoint string, props ConnectProperties) error {
	if c.poller == nil {
		return ErrNotInitialized
	}
	if conn == nil {
		return ErrConnectionNotFound
	}
	if _, ok := c.registry.findById(conn.ID()); !ok {
		return ErrConnectionNotFound
	}
	ep, err := c.parseEndpoint(endpoint)
	if err != nil {
		conn.Disconnect()
		return err
	}
	if conn.State() != ConnectionStateCreated {
		return ErrInvalidState
	}
	conn.configure(ep, props, c.clock.Now())
	if ep.needsResolve() {
		return c.resolver.resolve(ep.Host, func(ip net.IP, err error) {
			if err != nil {
				conn.Disconnect()
				return
			}
			if err = c.startConnect(conn, ep.sockaddr(ip)); err != nil {
				log.Error().Msgf("[%s] connect %s failed: %+v", c.name, endpoint, err)
			}
		})
	}
	return c.startConnect(conn, ep.literalSockaddr())
}

func (c *StreamConnectionContainer) startConnect(conn *StreamConnection, sa unix.Sockaddr) error {
	conn.setSockaddr(sa)
	if err := c.openAndConnect(conn); err != nil {
		c.releaseAttempt(conn)
		conn.Disconnect()
		return err
	}
	return nil
}

// openAndConnect gives conn a fresh socket and starts the connect.
func (c *StreamConnectionContainer) openAndConnect(conn *StreamConnection) error {
	data := conn.ConnectionData()
	certificateData, options := conn.connectSettings()
	socket := NewSocket(c.stats)
	var err error
	if certificateData.TLS {
		config, cerr := c.tlsContexts.clientConfig(certificateData, data.Hostname)
		if cerr != nil {
			return cerr
		}
		err = socket.CreateTLSClient(data.AddressFamily, data.SocketType, data.Protocol, config)
	} else {
		err = socket.Create(data.AddressFamily, data.SocketType, data.Protocol)
	}
	if err != nil {
		return err
	}
	socket.ApplyOptions(options)
	if err = conn.attachSocket(socket); err != nil {
		_ = socket.Destroy()
		return err
	}
	if !c.registry.addSd(conn, socket.Descriptor().Fd()) {
		return ErrConnectionNotFound
	}
	c.stats.connectAttempt()
	return conn.connect()
}

// releaseAttempt cleans up the socket of an attempt that failed synchronously.
func (c *StreamConnectionContainer) releaseAttempt(conn *StreamConnection) {
	socket := conn.detachSocket()
	if socket == nil {
		return
	}
	c.registry.removeSd(conn, socket.Descriptor().Fd())
	if err := c.poller.RemoveSocket(socket.Descriptor()); err != nil {
		log.Error().Msgf("[%s] remove socket from poller: %+v", c.name, err)
	}
	_ = socket.Destroy()
}

func (c *StreamConnectionContainer) GetAllConnections() []*StreamConnection {
	return c.registry.connections()
}

func (c *StreamConnectionContainer) GetConnection(id int64) (*StreamConnection, bool) {
	return c.registry.findById(id)
}

// SendMessage sends msg on the connection with the given id.
func (c *StreamConnectionContainer) SendMessage(id int64, msg Message) bool {
	conn, ok := c.registry.findById(id)
	if !ok {
		return false
	}
	return conn.SendMessage(msg)
}

func (c *StreamConnectionContainer) Disconnect(id int64) bool {
	conn, ok := c.registry.findById(id)
	if !ok {
		return false
	}
	conn.Disconnect()
	return true
}

// Start runs the poller loop on a new goroutine.
func (c *StreamConnectionContainer) Start() {
	if c.poller == nil {
		log.Error().Msgf("[%s] start before init", c.name)
		return
	}
	if !c.started.CAS(false, true) {
		return
	}
	go c.pollerLoop()
}

// Run executes the poller loop on the calling goroutine until
// TerminatePollerLoop is called or the poller fails.
func (c *StreamConnectionContainer) Run() {
	if c.poller == nil {
		log.Error().Msgf("[%s] run before init", c.name)
		return
	}
	if !c.started.CAS(false, true) {
		return
	}
	c.pollerLoop()
}

// TerminatePollerLoop asks the loop to stop and waits up to timeout for it. A
// zero timeout only reports whether the loop already ended.
func (c *StreamConnectionContainer) TerminatePollerLoop(timeout time.Duration) bool {
	c.terminate.Store(true)
	if c.poller != nil {
		c.poller.ReleaseWait(ReleaseWaitTerminate)
	}
	if !c.started.Load() {
		return true
	}
	if timeout <= 0 {
		select {
		case <-c.done:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.done:
		return true
	case <-timer.C:
		return false
	}
}

// Close stops the loop and releases every socket. Connections still alive get
// their Disconnected callback.
func (c *StreamConnectionContainer) Close() error {
	if c.closed.Load() {
		return nil
	}
	if !c.TerminatePollerLoop(c.config.CloseTimeout) {
		return ErrLoopStillRunning
	}
	if !c.closed.CAS(false, true) {
		return nil
	}
	if c.poller == nil {
		return nil
	}
	c.resolver.close()
	var err error
	for _, conn := range c.registry.connections() {
		conn.disconnectFlag.Store(true)
		c.disconnectIntern(conn)
	}
	for _, accepting := range c.registry.drainAccepting() {
		_ = c.poller.RemoveSocket(accepting.socket.Descriptor())
		err = multierr.Append(err, accepting.socket.Destroy())
	}
	for _, bind := range c.registry.allBinds() {
		c.Unbind(bind.endpoint.Raw)
	}
	err = multierr.Append(err, c.poller.Close())
	c.tlsContexts.Close()
	log.Info().Msgf("[%s] container closed", c.name)
	return err
}
