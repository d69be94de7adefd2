package socketgate

import "errors"

// Reserved channels.
const (
	// ChannelSocketID carries {"id": "<uuid>"} from server to client once,
	// immediately after the connection opens.
	ChannelSocketID = "socketId"

	// ChannelClose is synthetic: it is never sent over the wire and only
	// drives local close handlers, with an empty object as data.
	ChannelClose = "close"

	// ChannelKeepAlive is the channel the client pings on.
	ChannelKeepAlive = "keep-alive"
)

// HeaderAuthorization carries the opaque bearer token on requests and on
// the socket handshake.
const HeaderAuthorization = "Authorization"

// Configuration misuse. These indicate a programming error in the
// embedding application and are returned immediately.
var (
	ErrAlreadyRunning       = errors.New("gateway already running")
	ErrNotInitialized       = errors.New("gateway not initialized")
	ErrNilHandler           = errors.New("handler is nil")
	ErrHandlerNotComparable = errors.New("handler and scope must be comparable values")
)

// Transport failures.
var (
	ErrConnectionClosed = errors.New("connection is closed")
	ErrConnNotFound     = errors.New("connection not found")
	ErrSendBufferFull   = errors.New("send buffer full")
	ErrPayloadTooLarge  = errors.New("payload too large")
	ErrInvalidTopic     = errors.New("invalid topic")
)
