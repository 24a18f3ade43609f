package streamreactor

import "github.com/pkg/errors"

var ErrInvalidEndpoint = errors.New("invalid endpoint")
var ErrUnknownProtocol = errors.New("unknown protocol")
var ErrConnectionNotFound = errors.New("connection not found")
var ErrInvalidState = errors.New("invalid connection state")
var ErrDescriptorOutOfRange = errors.New("descriptor exceeds select set size")
var ErrPollerClosed = errors.New("poller closed")
var ErrSocketNotCreated = errors.New("socket not created")
var ErrTLSNotConfigured = errors.New("tls is not configured for socket")
var ErrLoopStillRunning = errors.New("poller loop is still running")
var ErrProtocolRegistered = errors.New("protocol already registered")
var ErrInvalidConfig = errors.New("invalid configuration")
