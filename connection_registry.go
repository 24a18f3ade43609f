package streamreactor

import (
	"crypto/tls"
	"sync"

	"github.com/rs/zerolog/log"
)

type bindData struct {
	endpoint  Endpoint
	socket    *Socket
	callback  ConnectionCallback
	props     BindProperties
	tlsConfig *tls.Config
}

// tlsAccepting is an accepted socket whose TLS handshake is still running.
type tlsAccepting struct {
	socket *Socket
	bind   *bindData
	remote string
}

// connectionRegistry holds every connection, listener and half-accepted TLS
// socket of a container. It is the owner of the sockets; a descriptor maps to
// a connection only while that connection's socket is open.
type connectionRegistry struct {
	lock         *sync.RWMutex
	byId         map[int64]*StreamConnection
	bySd         map[int]*StreamConnection
	binds        map[int]*bindData
	bindsByName  map[string]*bindData
	tlsAccepting map[int]*tlsAccepting
}

func newConnectionRegistry() *connectionRegistry {
	return &connectionRegistry{
		lock:         &sync.RWMutex{},
		byId:         make(map[int64]*StreamConnection),
		bySd:         make(map[int]*StreamConnection),
		binds:        make(map[int]*bindData),
		bindsByName:  make(map[string]*bindData),
		tlsAccepting: make(map[int]*tlsAccepting),
	}
}

func (r *connectionRegistry) addConnection(conn *StreamConnection, fd int) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.byId[conn.ID()] = conn
	if fd != invalidSd {
		r.bySd[fd] = conn
	}
}

// addSd maps fd to conn, only if conn is still registered.
func (r *connectionRegistry) addSd(conn *StreamConnection, fd int) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.byId[conn.ID()]; !ok {
		return false
	}
	r.bySd[fd] = conn
	return true
}

// removeSd drops the mapping of fd if it still points to conn.
func (r *connectionRegistry) removeSd(conn *StreamConnection, fd int) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if current, ok := r.bySd[fd]; ok && current == conn {
		delete(r.bySd, fd)
	}
}

func (r *connectionRegistry) removeConnection(conn *StreamConnection) {
	r.lock.Lock()
	defer r.lock.Unlock()
	delete(r.byId, conn.ID())
}

func (r *connectionRegistry) findBySd(fd int) (*StreamConnection, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	conn, ok := r.bySd[fd]
	return conn, ok
}

func (r *connectionRegistry) findById(id int64) (*StreamConnection, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	conn, ok := r.byId[id]
	return conn, ok
}

func (r *connectionRegistry) connections() []*StreamConnection {
	r.lock.RLock()
	defer r.lock.RUnlock()
	conns := make([]*StreamConnection, 0, len(r.byId))
	for _, conn := range r.byId {
		conns = append(conns, conn)
	}
	return conns
}

func (r *connectionRegistry) addBind(bind *bindData) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.bindsByName[bind.endpoint.Raw]; ok {
		return false
	}
	r.binds[bind.socket.Descriptor().Fd()] = bind
	r.bindsByName[bind.endpoint.Raw] = bind
	return true
}

func (r *connectionRegistry) hasBind(endpoint string) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()
	_, ok := r.bindsByName[endpoint]
	return ok
}

func (r *connectionRegistry) findBind(fd int) (*bindData, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	bind, ok := r.binds[fd]
	return bind, ok
}

func (r *connectionRegistry) removeBind(endpoint string) (*bindData, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	bind, ok := r.bindsByName[endpoint]
	if !ok {
		return nil, false
	}
	delete(r.bindsByName, endpoint)
	delete(r.binds, bind.socket.Descriptor().Fd())
	return bind, true
}

func (r *connectionRegistry) allBinds() []*bindData {
	r.lock.RLock()
	defer r.lock.RUnlock()
	binds := make([]*bindData, 0, len(r.bindsByName))
	for _, bind := range r.bindsByName {
		binds = append(binds, bind)
	}
	return binds
}

func (r *connectionRegistry) addAccepting(accepting *tlsAccepting) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.tlsAccepting[accepting.socket.Descriptor().Fd()] = accepting
}

func (r *connectionRegistry) findAccepting(fd int) (*tlsAccepting, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	accepting, ok := r.tlsAccepting[fd]
	return accepting, ok
}

func (r *connectionRegistry) removeAccepting(fd int) {
	r.lock.Lock()
	defer r.lock.Unlock()
	delete(r.tlsAccepting, fd)
}

func (r *connectionRegistry) drainAccepting() []*tlsAccepting {
	r.lock.Lock()
	defer r.lock.Unlock()
	pending := make([]*tlsAccepting, 0, len(r.tlsAccepting))
	for fd, accepting := range r.tlsAccepting {
		pending = append(pending, accepting)
		delete(r.tlsAccepting, fd)
	}
	return pending
}

func (r *connectionRegistry) logSummary(name string) {
	if !log.Debug().Enabled() {
		return
	}
	r.lock.RLock()
	log.Debug().Msgf("[%s] connections: %d open sockets: %d binds: %d tls accepting: %d",
		name, len(r.byId), len(r.bySd), len(r.binds), len(r.tlsAccepting))
	r.lock.RUnlock()
	for _, conn := range r.connections() {
		data := conn.ConnectionData()
		log.Debug().Msgf("[%s] connection:%d sd:%d state:%s endpoint:%s remote:%s",
			name, data.ConnectionID, data.Sd, data.State, data.Endpoint, data.RemoteEndpoint)
	}
}
