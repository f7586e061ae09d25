package enet

// PacketFlag selects the delivery class of a Packet.
type PacketFlag uint32

// Packet flags
const (
	// PacketFlagReliable requests acknowledged, retransmitted, ordered delivery.
	PacketFlagReliable PacketFlag = 1 << iota
	// PacketFlagUnsequenced requests delivery with no ordering. Ignored for
	// reliable packets.
	PacketFlagUnsequenced
	// PacketFlagUnreliableFragment lets an oversized unreliable packet be
	// fragmented without upgrading it to reliable delivery.
	PacketFlagUnreliableFragment
)

// Packet is an application payload plus its delivery flags. The payload is
// shared by every fragment produced from it and must not be modified after
// the packet is queued.
type Packet struct {
	Data  []byte
	Flags PacketFlag
}

// NewPacket returns a packet carrying data.
func NewPacket(data []byte, flags PacketFlag) *Packet {
	return &Packet{Data: data, Flags: flags}
}

// Len returns the payload length.
func (p *Packet) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Data)
}

// outgoingCommand is an entry in one of a peer's outgoing or sent queues.
type outgoingCommand struct {
	command                  Command
	reliableSequenceNumber   uint16
	unreliableSequenceNumber uint16
	sentTime                 uint32
	roundTripTimeout         uint32
	roundTripTimeoutLimit    uint32
	sendAttempts             uint32
	fragmentOffset           uint32
	fragmentLength           uint16
	packet                   *Packet
}

// size is the number of bytes the command occupies in a datagram.
func (c *outgoingCommand) size() int {
	return CommandSize(c.command.Header().Command) + int(c.fragmentLength)
}

// payload returns the slice of the packet carried by this command.
func (c *outgoingCommand) payload() []byte {
	if c.packet == nil {
		return nil
	}
	end := c.fragmentOffset + uint32(c.fragmentLength)
	return c.packet.Data[c.fragmentOffset:end]
}

// incomingCommand is a received command waiting in a reorder queue or in the
// dispatched queue. Fragmented packets accumulate here until complete.
type incomingCommand struct {
	reliableSequenceNumber   uint16
	unreliableSequenceNumber uint16
	command                  Command
	fragmentCount            uint32
	fragmentsRemaining       uint32
	fragments                []uint32
	packet                   *Packet
}

func (c *incomingCommand) channelID() uint8 {
	return c.command.Header().ChannelID
}

// complete reports whether every fragment has arrived.
func (c *incomingCommand) complete() bool {
	return c.fragmentsRemaining == 0
}

// markFragment records fragment n and reports whether it was new.
func (c *incomingCommand) markFragment(n uint32) bool {
	word, bit := n/32, uint32(1)<<(n%32)
	if c.fragments[word]&bit != 0 {
		return false
	}
	c.fragments[word] |= bit
	c.fragmentsRemaining--
	return true
}

// acknowledgement is a pending acknowledgement of a received reliable
// command.
type acknowledgement struct {
	sentTime               uint16
	command                CommandType
	channelID              uint8
	reliableSequenceNumber uint16
}
