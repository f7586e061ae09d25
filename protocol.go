package enet

import (
	"encoding/binary"
	"fmt"
)

// CommandType identifies a protocol command.
type CommandType uint8

// Protocol commands
const (
	CommandNone CommandType = iota
	CommandAcknowledge
	CommandConnect
	CommandVerifyConnect
	CommandDisconnect
	CommandPing
	CommandSendReliable
	CommandSendUnreliable
	CommandSendFragment
	CommandSendUnsequenced
	CommandBandwidthLimit
	CommandThrottleConfigure
	CommandSendUnreliableFragment
	commandCount
)

// Command flags carried in the high bits of the command byte.
const (
	CommandFlagAcknowledge uint8 = 1 << 7
	CommandFlagUnsequenced uint8 = 1 << 6
	commandMask            uint8 = 0x0F
)

var commandNames = [...]string{
	CommandNone:                   "none",
	CommandAcknowledge:            "acknowledge",
	CommandConnect:                "connect",
	CommandVerifyConnect:          "verify-connect",
	CommandDisconnect:             "disconnect",
	CommandPing:                   "ping",
	CommandSendReliable:           "send-reliable",
	CommandSendUnreliable:         "send-unreliable",
	CommandSendFragment:           "send-fragment",
	CommandSendUnsequenced:        "send-unsequenced",
	CommandBandwidthLimit:         "bandwidth-limit",
	CommandThrottleConfigure:      "throttle-configure",
	CommandSendUnreliableFragment: "send-unreliable-fragment",
}

func (c CommandType) String() string {
	if c < commandCount {
		return commandNames[c]
	}
	return fmt.Sprintf("CommandType(%d)", uint8(c))
}

const commandHeaderLength = 4

// commandSizes holds the fixed encoded size of each command, header included.
// Payload bytes of the send commands follow the fixed part.
var commandSizes = [commandCount]int{
	CommandNone:                   commandHeaderLength,
	CommandAcknowledge:            commandHeaderLength + 4,
	CommandConnect:                commandHeaderLength + connectParamsLength + 4,
	CommandVerifyConnect:          commandHeaderLength + connectParamsLength,
	CommandDisconnect:             commandHeaderLength + 4,
	CommandPing:                   commandHeaderLength,
	CommandSendReliable:           commandHeaderLength + 2,
	CommandSendUnreliable:         commandHeaderLength + 4,
	CommandSendFragment:           commandHeaderLength + 20,
	CommandSendUnsequenced:        commandHeaderLength + 4,
	CommandBandwidthLimit:         commandHeaderLength + 8,
	CommandThrottleConfigure:      commandHeaderLength + 12,
	CommandSendUnreliableFragment: commandHeaderLength + 20,
}

// CommandSize returns the fixed encoded size of a command type, or 0 for
// an unknown type.
func CommandSize(t CommandType) int {
	if t >= commandCount {
		return 0
	}
	return commandSizes[t]
}

// CommandHeader is the 4-byte header shared by every command.
type CommandHeader struct {
	Command                CommandType
	Flags                  uint8
	ChannelID              uint8
	ReliableSequenceNumber uint16
}

// Header returns the command header. It is promoted to every command type.
func (h *CommandHeader) Header() *CommandHeader { return h }

func (h *CommandHeader) marshalHeader(b []byte) {
	b[0] = uint8(h.Command)&commandMask | h.Flags&^commandMask
	b[1] = h.ChannelID
	binary.BigEndian.PutUint16(b[2:4], h.ReliableSequenceNumber)
}

func (h *CommandHeader) unmarshalHeader(b []byte) {
	h.Command = CommandType(b[0] & commandMask)
	h.Flags = b[0] &^ commandMask
	h.ChannelID = b[1]
	h.ReliableSequenceNumber = binary.BigEndian.Uint16(b[2:4])
}

// Command is one protocol command. The set of implementations is closed;
// each variant encodes its fixed body after the shared header.
type Command interface {
	Header() *CommandHeader
	marshalBody(b []byte)
	unmarshalBody(b []byte)
}

// Nop is the placeholder command with no body.
type Nop struct{ CommandHeader }

// Acknowledge acknowledges a reliable command.
type Acknowledge struct {
	CommandHeader
	ReceivedReliableSequenceNumber uint16
	ReceivedSentTime               uint16
}

// ConnectParams are the handshake parameters shared by Connect and
// VerifyConnect.
type ConnectParams struct {
	OutgoingPeerID             uint16
	IncomingSessionID          uint8
	OutgoingSessionID          uint8
	MTU                        uint32
	WindowSize                 uint32
	ChannelCount               uint32
	IncomingBandwidth          uint32
	OutgoingBandwidth          uint32
	PacketThrottleInterval     uint32
	PacketThrottleAcceleration uint32
	PacketThrottleDeceleration uint32
	ConnectID                  uint32
}

const connectParamsLength = 40

func (p *ConnectParams) marshal(b []byte) {
	binary.BigEndian.PutUint16(b[0:2], p.OutgoingPeerID)
	b[2] = p.IncomingSessionID
	b[3] = p.OutgoingSessionID
	binary.BigEndian.PutUint32(b[4:8], p.MTU)
	binary.BigEndian.PutUint32(b[8:12], p.WindowSize)
	binary.BigEndian.PutUint32(b[12:16], p.ChannelCount)
	binary.BigEndian.PutUint32(b[16:20], p.IncomingBandwidth)
	binary.BigEndian.PutUint32(b[20:24], p.OutgoingBandwidth)
	binary.BigEndian.PutUint32(b[24:28], p.PacketThrottleInterval)
	binary.BigEndian.PutUint32(b[28:32], p.PacketThrottleAcceleration)
	binary.BigEndian.PutUint32(b[32:36], p.PacketThrottleDeceleration)
	binary.BigEndian.PutUint32(b[36:40], p.ConnectID)
}

func (p *ConnectParams) unmarshal(b []byte) {
	p.OutgoingPeerID = binary.BigEndian.Uint16(b[0:2])
	p.IncomingSessionID = b[2]
	p.OutgoingSessionID = b[3]
	p.MTU = binary.BigEndian.Uint32(b[4:8])
	p.WindowSize = binary.BigEndian.Uint32(b[8:12])
	p.ChannelCount = binary.BigEndian.Uint32(b[12:16])
	p.IncomingBandwidth = binary.BigEndian.Uint32(b[16:20])
	p.OutgoingBandwidth = binary.BigEndian.Uint32(b[20:24])
	p.PacketThrottleInterval = binary.BigEndian.Uint32(b[24:28])
	p.PacketThrottleAcceleration = binary.BigEndian.Uint32(b[28:32])
	p.PacketThrottleDeceleration = binary.BigEndian.Uint32(b[32:36])
	p.ConnectID = binary.BigEndian.Uint32(b[36:40])
}

// Connect opens a connection.
type Connect struct {
	CommandHeader
	ConnectParams
	Data uint32
}

// VerifyConnect answers a Connect.
type VerifyConnect struct {
	CommandHeader
	ConnectParams
}

// Disconnect closes a connection.
type Disconnect struct {
	CommandHeader
	Data uint32
}

// Ping keeps a connection alive.
type Ping struct{ CommandHeader }

// SendReliable carries a reliable payload.
type SendReliable struct {
	CommandHeader
	DataLength uint16
}

// SendUnreliable carries an unreliable, sequenced payload.
type SendUnreliable struct {
	CommandHeader
	UnreliableSequenceNumber uint16
	DataLength               uint16
}

// SendUnsequenced carries an unsequenced payload.
type SendUnsequenced struct {
	CommandHeader
	UnsequencedGroup uint16
	DataLength       uint16
}

// SendFragment carries one fragment of a packet. It encodes both
// CommandSendFragment and CommandSendUnreliableFragment.
type SendFragment struct {
	CommandHeader
	StartSequenceNumber uint16
	DataLength          uint16
	FragmentCount       uint32
	FragmentNumber      uint32
	TotalLength         uint32
	FragmentOffset      uint32
}

// BandwidthLimit announces the sender's bandwidth limits.
type BandwidthLimit struct {
	CommandHeader
	IncomingBandwidth uint32
	OutgoingBandwidth uint32
}

// ThrottleConfigure announces packet throttle parameters.
type ThrottleConfigure struct {
	CommandHeader
	PacketThrottleInterval     uint32
	PacketThrottleAcceleration uint32
	PacketThrottleDeceleration uint32
}

func (*Nop) marshalBody([]byte)    {}
func (*Nop) unmarshalBody([]byte)  {}
func (*Ping) marshalBody([]byte)   {}
func (*Ping) unmarshalBody([]byte) {}

func (c *Acknowledge) marshalBody(b []byte) {
	binary.BigEndian.PutUint16(b[0:2], c.ReceivedReliableSequenceNumber)
	binary.BigEndian.PutUint16(b[2:4], c.ReceivedSentTime)
}

func (c *Acknowledge) unmarshalBody(b []byte) {
	c.ReceivedReliableSequenceNumber = binary.BigEndian.Uint16(b[0:2])
	c.ReceivedSentTime = binary.BigEndian.Uint16(b[2:4])
}

func (c *Connect) marshalBody(b []byte) {
	c.ConnectParams.marshal(b)
	binary.BigEndian.PutUint32(b[connectParamsLength:], c.Data)
}

func (c *Connect) unmarshalBody(b []byte) {
	c.ConnectParams.unmarshal(b)
	c.Data = binary.BigEndian.Uint32(b[connectParamsLength:])
}

func (c *VerifyConnect) marshalBody(b []byte)   { c.ConnectParams.marshal(b) }
func (c *VerifyConnect) unmarshalBody(b []byte) { c.ConnectParams.unmarshal(b) }

func (c *Disconnect) marshalBody(b []byte)   { binary.BigEndian.PutUint32(b[0:4], c.Data) }
func (c *Disconnect) unmarshalBody(b []byte) { c.Data = binary.BigEndian.Uint32(b[0:4]) }

func (c *SendReliable) marshalBody(b []byte)   { binary.BigEndian.PutUint16(b[0:2], c.DataLength) }
func (c *SendReliable) unmarshalBody(b []byte) { c.DataLength = binary.BigEndian.Uint16(b[0:2]) }

func (c *SendUnreliable) marshalBody(b []byte) {
	binary.BigEndian.PutUint16(b[0:2], c.UnreliableSequenceNumber)
	binary.BigEndian.PutUint16(b[2:4], c.DataLength)
}

func (c *SendUnreliable) unmarshalBody(b []byte) {
	c.UnreliableSequenceNumber = binary.BigEndian.Uint16(b[0:2])
	c.DataLength = binary.BigEndian.Uint16(b[2:4])
}

func (c *SendUnsequenced) marshalBody(b []byte) {
	binary.BigEndian.PutUint16(b[0:2], c.UnsequencedGroup)
	binary.BigEndian.PutUint16(b[2:4], c.DataLength)
}

func (c *SendUnsequenced) unmarshalBody(b []byte) {
	c.UnsequencedGroup = binary.BigEndian.Uint16(b[0:2])
	c.DataLength = binary.BigEndian.Uint16(b[2:4])
}

func (c *SendFragment) marshalBody(b []byte) {
	binary.BigEndian.PutUint16(b[0:2], c.StartSequenceNumber)
	binary.BigEndian.PutUint16(b[2:4], c.DataLength)
	binary.BigEndian.PutUint32(b[4:8], c.FragmentCount)
	binary.BigEndian.PutUint32(b[8:12], c.FragmentNumber)
	binary.BigEndian.PutUint32(b[12:16], c.TotalLength)
	binary.BigEndian.PutUint32(b[16:20], c.FragmentOffset)
}

func (c *SendFragment) unmarshalBody(b []byte) {
	c.StartSequenceNumber = binary.BigEndian.Uint16(b[0:2])
	c.DataLength = binary.BigEndian.Uint16(b[2:4])
	c.FragmentCount = binary.BigEndian.Uint32(b[4:8])
	c.FragmentNumber = binary.BigEndian.Uint32(b[8:12])
	c.TotalLength = binary.BigEndian.Uint32(b[12:16])
	c.FragmentOffset = binary.BigEndian.Uint32(b[16:20])
}

func (c *BandwidthLimit) marshalBody(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], c.IncomingBandwidth)
	binary.BigEndian.PutUint32(b[4:8], c.OutgoingBandwidth)
}

func (c *BandwidthLimit) unmarshalBody(b []byte) {
	c.IncomingBandwidth = binary.BigEndian.Uint32(b[0:4])
	c.OutgoingBandwidth = binary.BigEndian.Uint32(b[4:8])
}

func (c *ThrottleConfigure) marshalBody(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], c.PacketThrottleInterval)
	binary.BigEndian.PutUint32(b[4:8], c.PacketThrottleAcceleration)
	binary.BigEndian.PutUint32(b[8:12], c.PacketThrottleDeceleration)
}

func (c *ThrottleConfigure) unmarshalBody(b []byte) {
	c.PacketThrottleInterval = binary.BigEndian.Uint32(b[0:4])
	c.PacketThrottleAcceleration = binary.BigEndian.Uint32(b[4:8])
	c.PacketThrottleDeceleration = binary.BigEndian.Uint32(b[8:12])
}

// NewCommand returns a zero command of the given type with its header
// initialised.
func NewCommand(t CommandType, flags uint8, channelID uint8) (Command, error) {
	var c Command
	switch t {
	case CommandNone:
		c = &Nop{}
	case CommandAcknowledge:
		c = &Acknowledge{}
	case CommandConnect:
		c = &Connect{}
	case CommandVerifyConnect:
		c = &VerifyConnect{}
	case CommandDisconnect:
		c = &Disconnect{}
	case CommandPing:
		c = &Ping{}
	case CommandSendReliable:
		c = &SendReliable{}
	case CommandSendUnreliable:
		c = &SendUnreliable{}
	case CommandSendFragment, CommandSendUnreliableFragment:
		c = &SendFragment{}
	case CommandSendUnsequenced:
		c = &SendUnsequenced{}
	case CommandBandwidthLimit:
		c = &BandwidthLimit{}
	case CommandThrottleConfigure:
		c = &ThrottleConfigure{}
	default:
		return nil, protocolErrorf(t, "unknown command")
	}
	h := c.Header()
	h.Command = t
	h.Flags = flags &^ commandMask
	h.ChannelID = channelID
	return c, nil
}

// AppendCommand appends the fixed encoding of c to buf. Payload bytes are
// not included.
func AppendCommand(buf []byte, c Command) []byte {
	size := CommandSize(c.Header().Command)
	n := len(buf)
	buf = append(buf, make([]byte, size)...)
	b := buf[n:]
	c.Header().marshalHeader(b)
	c.marshalBody(b[commandHeaderLength:])
	return buf
}

// MarshalCommand returns the fixed encoding of c.
func MarshalCommand(c Command) []byte {
	return AppendCommand(make([]byte, 0, CommandSize(c.Header().Command)), c)
}

// UnmarshalCommand decodes the fixed part of the command at the start of
// data and returns it with the number of bytes consumed.
func UnmarshalCommand(data []byte) (Command, int, error) {
	if len(data) < commandHeaderLength {
		return nil, 0, protocolErrorf(CommandNone, "truncated command header")
	}
	t := CommandType(data[0] & commandMask)
	c, err := NewCommand(t, data[0], data[1])
	if err != nil {
		return nil, 0, err
	}
	size := commandSizes[t]
	if len(data) < size {
		return nil, 0, protocolErrorf(t, "truncated command: have %d bytes, need %d", len(data), size)
	}
	c.Header().unmarshalHeader(data)
	c.unmarshalBody(data[commandHeaderLength:size])
	return c, size, nil
}

// payloadLength returns the number of payload bytes that follow c.
func payloadLength(c Command) int {
	switch c := c.(type) {
	case *SendReliable:
		return int(c.DataLength)
	case *SendUnreliable:
		return int(c.DataLength)
	case *SendUnsequenced:
		return int(c.DataLength)
	case *SendFragment:
		return int(c.DataLength)
	}
	return 0
}

// setPayloadLength stamps the payload length into a send command.
func setPayloadLength(c Command, n uint16) {
	switch c := c.(type) {
	case *SendReliable:
		c.DataLength = n
	case *SendUnreliable:
		c.DataLength = n
	case *SendUnsequenced:
		c.DataLength = n
	case *SendFragment:
		c.DataLength = n
	}
}

// wireCommand is a decoded command with its payload.
type wireCommand struct {
	command Command
	payload []byte
}

// decodeCommands decodes every command in the body of a datagram. Any
// malformed command fails the whole datagram.
func decodeCommands(data []byte) ([]wireCommand, error) {
	var commands []wireCommand
	for len(data) > 0 {
		c, n, err := UnmarshalCommand(data)
		if err != nil {
			return nil, err
		}
		data = data[n:]
		length := payloadLength(c)
		if length > len(data) {
			return nil, protocolErrorf(c.Header().Command, "payload of %d bytes exceeds datagram", length)
		}
		commands = append(commands, wireCommand{command: c, payload: data[:length:length]})
		data = data[length:]
	}
	return commands, nil
}
