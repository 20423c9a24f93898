package mux

import "errors"

// Sentinel errors, continuing the flat error-value style smux's
// session.go uses (ErrInvalidProtocol, ErrGoAway, ErrTimeout, ...).
var (
	ErrStreamClosed       = errors.New("rumux: stream closed")
	ErrConnReset          = errors.New("rumux: connection reset by peer")
	ErrWriteOnDeadStream  = errors.New("rumux: write on dead stream")
	ErrWriteWrongState    = errors.New("rumux: write not allowed in current stream state")
	ErrAlreadyClosed      = errors.New("rumux: stream already closed")
	ErrHandshakeNotDone   = errors.New("rumux: open() before handshake complete")
	ErrDuplicateListener  = errors.New("rumux: duplicate listener for this fd")
	ErrHandshakeTimeout   = errors.New("rumux: handshake timed out")
	ErrKeepaliveStarved   = errors.New("rumux: keepalive response timeout")
	ErrLoopRemoved        = errors.New("rumux: arq udp socket removed from loop")
	ErrHandlerFailed      = errors.New("rumux: handler failed")
)
