package mux

import "time"

// Role distinguishes which side of the handshake a Handler plays.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// Config carries the handler's timing parameters. The spec pins the
// handshake and per-keepalive timers to 5000ms and the keepalive budget
// to 2; Config keeps these values as named fields rather than magic numbers
// inside the handler. cmd/rumux-tunnel uses DefaultConfig and exposes none
// of them as command-line flags.
type Config struct {
	Role Role

	// HandshakeTimeout is armed when the handshake begins and canceled on
	// handshake_done (§4.5.1, §5).
	HandshakeTimeout time.Duration

	// KeepaliveTimeout is the per-probe timer armed in probe() (§4.5.7).
	KeepaliveTimeout time.Duration

	// KeepaliveBudget is the starting and maximum value of the keepalive
	// success count (2 by default, §3/§8 property 5). Each probe left
	// unanswered for KeepaliveTimeout decrements it, each keepalive ack
	// raises it again up to this value, and the handler fails once it
	// reaches 0: with no acks at all, the KeepaliveBudget-th unanswered
	// probe fails the handler.
	KeepaliveBudget int

	// FailGrace is the delay between pushing an error frame and invoking
	// invalid_callback, giving the ARQ layer a chance to actually deliver
	// the final bytes (§4.5.5, not cancelable per §5).
	FailGrace time.Duration
}

// DefaultConfig returns the spec-pinned values for role.
func DefaultConfig(role Role) Config {
	return Config{
		Role:             role,
		HandshakeTimeout: 5000 * time.Millisecond,
		KeepaliveTimeout: 5000 * time.Millisecond,
		KeepaliveBudget:  2,
		FailGrace:        1000 * time.Millisecond,
	}
}

// VerifyConfig rejects configurations that would make the handler either
// unable to complete a handshake or unable to detect failure, mirroring
// the implicit validation the teacher performs on its Config type before
// constructing a Session.
func VerifyConfig(c Config) error {
	if c.HandshakeTimeout <= 0 {
		return ErrInvalidConfig("HandshakeTimeout must be positive")
	}
	if c.KeepaliveTimeout <= 0 {
		return ErrInvalidConfig("KeepaliveTimeout must be positive")
	}
	if c.KeepaliveBudget <= 0 {
		return ErrInvalidConfig("KeepaliveBudget must be positive")
	}
	if c.FailGrace < 0 {
		return ErrInvalidConfig("FailGrace must not be negative")
	}
	return nil
}

// ErrInvalidConfig is a small formatted-error helper, mirroring the plain
// error-value style used across this package.
type ErrInvalidConfig string

func (e ErrInvalidConfig) Error() string { return "rumux: invalid config: " + string(e) }
