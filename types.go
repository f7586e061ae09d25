// Package enet implements an ENet-style reliable UDP transport.
// It provides connection management, ordered reliable and unreliable
// channels, unsequenced delivery, fragmentation and congestion control
// on top of a lossy datagram socket.
package enet

import "fmt"

// Protocol constants
const (
	MinimumMTU            = 576
	MaximumMTU            = 4096
	MaximumPacketCommands = 32
	MinimumWindowSize     = 4096
	MaximumWindowSize     = 32768
	MinimumChannelCount   = 1
	MaximumChannelCount   = 255
	MaximumPeerID         = 0xFFF
	MaximumFragmentCount  = 1024 * 1024

	// Channel ID reserved for host-level commands.
	hostChannelID = 0xFF
)

// Peer tuning constants
const (
	DefaultRoundTripTime       = 500
	DefaultPacketThrottle      = 32
	PacketThrottleScale        = 32
	PacketThrottleCounter      = 7
	PacketThrottleAcceleration = 2
	PacketThrottleDeceleration = 2
	PacketThrottleInterval     = 5000
	PacketLossScale            = 1 << 16
	PacketLossInterval         = 10000
	WindowSizeScale            = 64 * 1024
	TimeoutLimit               = 32
	TimeoutMinimum             = 5000
	TimeoutMaximum             = 30000
	PingInterval               = 500

	unsequencedWindows     = 64
	unsequencedWindowSize  = 1024
	freeUnsequencedWindows = 32
	reliableWindows        = 16
	reliableWindowSize     = 0x1000
	freeReliableWindows    = 8
)

// Host defaults
const (
	DefaultMTU                = 1400
	DefaultReceiveBufferSize  = 256 * 1024
	DefaultSendBufferSize     = 256 * 1024
	BandwidthThrottleInterval = 1000
	DefaultMaximumPacketSize  = 32 * 1024 * 1024
	DefaultMaximumWaitingData = 32 * 1024 * 1024

	// Upper bound on datagrams drained per service tick.
	maximumReceivesPerTick = 256
)

// PeerState is the connection state of a Peer.
type PeerState int

// Peer states
const (
	PeerStateDisconnected PeerState = iota
	PeerStateConnecting
	PeerStateAcknowledgingConnect
	PeerStateConnectionPending
	PeerStateConnectionSucceeded
	PeerStateConnected
	PeerStateDisconnectLater
	PeerStateDisconnecting
	PeerStateAcknowledgingDisconnect
	PeerStateZombie
)

var peerStateNames = [...]string{
	PeerStateDisconnected:            "disconnected",
	PeerStateConnecting:              "connecting",
	PeerStateAcknowledgingConnect:    "acknowledging-connect",
	PeerStateConnectionPending:       "connection-pending",
	PeerStateConnectionSucceeded:     "connection-succeeded",
	PeerStateConnected:               "connected",
	PeerStateDisconnectLater:         "disconnect-later",
	PeerStateDisconnecting:           "disconnecting",
	PeerStateAcknowledgingDisconnect: "acknowledging-disconnect",
	PeerStateZombie:                  "zombie",
}

func (s PeerState) String() string {
	if s >= 0 && int(s) < len(peerStateNames) {
		return peerStateNames[s]
	}
	return fmt.Sprintf("PeerState(%d)", int(s))
}

// connected reports whether the state counts towards bandwidth accounting.
func (s PeerState) connected() bool {
	return s == PeerStateConnected || s == PeerStateDisconnectLater
}
