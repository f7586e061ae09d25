package enet

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacityExceeded is returned by Connect when every peer slot is in use.
	ErrCapacityExceeded = errors.New("enet: peer capacity exceeded")
	// ErrNotConnected is returned by operations that require a connected peer.
	ErrNotConnected = errors.New("enet: peer not connected")
	// ErrInvalidChannel is returned when a channel ID is outside the peer's channel range.
	ErrInvalidChannel = errors.New("enet: invalid channel")
	// ErrPacketTooLarge is returned when a packet exceeds the maximum packet size.
	ErrPacketTooLarge = errors.New("enet: packet too large")
	// ErrWouldBlock is returned by a Socket whose send buffer is full.
	ErrWouldBlock = errors.New("enet: operation would block")
	// ErrHostClosed is returned by operations on a closed host.
	ErrHostClosed = errors.New("enet: host closed")
	// ErrInvalidConfig wraps configuration validation failures.
	ErrInvalidConfig = errors.New("enet: invalid config")
)

// ProtocolError reports a malformed or unexpected command in a received
// datagram. The datagram carrying it is discarded.
type ProtocolError struct {
	Reason  string
	Command CommandType
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("enet: protocol error: %s (command %d)", e.Reason, e.Command)
}

func protocolErrorf(cmd CommandType, format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...), Command: cmd}
}
