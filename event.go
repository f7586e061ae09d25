package enet

import "fmt"

// EventType identifies what an Event reports.
type EventType int

// Event types
const (
	EventNone EventType = iota
	EventConnect
	EventDisconnect
	EventReceive
)

func (t EventType) String() string {
	switch t {
	case EventNone:
		return "none"
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventReceive:
		return "receive"
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Event is produced by Host.Service and Host.CheckEvents.
type Event struct {
	Type EventType
	Peer *Peer
	// ChannelID and Packet are set for EventReceive.
	ChannelID uint8
	Packet    *Packet
	// Data is the user value sent with connect and disconnect requests.
	Data uint32
	// Timeout is set on EventDisconnect when the peer stopped responding.
	Timeout bool
}
