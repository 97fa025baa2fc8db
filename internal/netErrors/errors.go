// Package neterrors holds the error taxonomy shared by the networking
// packages. Every per-packet failure is one of these kinds; none of them is
// allowed to stop a receive loop.
package neterrors

import (
	"errors"
	"fmt"
)

// ProtocolError reports a malformed or truncated packet. The packet is
// dropped and the connection stays alive.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return "protocol: " + e.Op
	}
	return fmt.Sprintf("protocol: %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Protocol wraps err as a ProtocolError for op.
func Protocol(op string, err error) error {
	return &ProtocolError{Op: op, Err: err}
}

// LookupError reports a reference to something that does not exist: an
// element key, prefab, instance, parent or delegate.
type LookupError struct {
	Kind string
	Name string
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("could not find %s %q", e.Kind, e.Name)
}

// Lookup returns a LookupError for kind/name.
func Lookup(kind, name string) error {
	return &LookupError{Kind: kind, Name: name}
}

// StateError reports an operation that is invalid in the current state,
// such as despawning twice. It is logged as a warning and ignored.
type StateError struct {
	Op     string
	Reason string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// State returns a StateError for op.
func State(op, reason string) error {
	return &StateError{Op: op, Reason: reason}
}

// ConnectionError reports a socket failure or a peer that timed out. It
// always results in a disconnect.
type ConnectionError struct {
	Peer int
	Op   string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %d: %s: %v", e.Peer, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Connection wraps err as a ConnectionError.
func Connection(peer int, op string, err error) error {
	return &ConnectionError{Peer: peer, Op: op, Err: err}
}

// ErrTimeout is wrapped by ConnectionErrors raised for verification and
// ping timeouts.
var ErrTimeout = errors.New("timed out")

// AlreadyConnectedError is returned by Connect when a connection already
// exists.
type AlreadyConnectedError struct {
	Mode string
}

func (e *AlreadyConnectedError) Error() string {
	return "already connected as " + e.Mode
}

// IsProtocol reports whether err is a ProtocolError.
func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// IsLookup reports whether err is a LookupError.
func IsLookup(err error) bool {
	var le *LookupError
	return errors.As(err, &le)
}

// IsState reports whether err is a StateError.
func IsState(err error) bool {
	var se *StateError
	return errors.As(err, &se)
}
