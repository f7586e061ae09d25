package enet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcceptsReliable(t *testing.T) {
	ch := &channel{}
	assert.True(t, ch.acceptsReliable(1))
	assert.True(t, ch.acceptsReliable(6*reliableWindowSize))
	assert.False(t, ch.acceptsReliable(7*reliableWindowSize))

	// Sequence numbers behind the current one are treated as wrapped.
	ch.incomingReliableSequenceNumber = 100
	assert.False(t, ch.acceptsReliable(50))

	ch.incomingReliableSequenceNumber = 0xFFF0
	assert.True(t, ch.acceptsReliable(0xFFF5))
	assert.True(t, ch.acceptsReliable(5))
}

func TestWindowFull(t *testing.T) {
	ch := &channel{}
	assert.False(t, ch.windowFull(0))
	assert.False(t, ch.windowFull(reliableWindowSize+5))

	ch.markSent(reliableWindowSize + 5)
	assert.True(t, ch.windowFull(0))
	assert.False(t, ch.windowFull(9*reliableWindowSize))

	ch.markAcknowledged(reliableWindowSize + 5)
	assert.False(t, ch.windowFull(0))
	assert.Zero(t, ch.usedReliableWindows)

	// A full previous window blocks the next one.
	ch.reliableWindows[2] = reliableWindowSize
	assert.True(t, ch.windowFull(3*reliableWindowSize))
}

func TestMarkAcknowledgedIgnoresEmptyWindow(t *testing.T) {
	ch := &channel{}
	ch.markAcknowledged(42)
	assert.Zero(t, ch.reliableWindows[0])
	assert.Zero(t, ch.usedReliableWindows)
}

func reliableCommand(seq uint16) *SendReliable {
	return &SendReliable{CommandHeader: CommandHeader{
		Command: CommandSendReliable, Flags: CommandFlagAcknowledge, ReliableSequenceNumber: seq,
	}}
}

func unreliableCommand(reliableSeq, unreliableSeq uint16) *SendUnreliable {
	return &SendUnreliable{
		CommandHeader:            CommandHeader{Command: CommandSendUnreliable, ReliableSequenceNumber: reliableSeq},
		UnreliableSequenceNumber: unreliableSeq,
	}
}

func dispatchedData(p *Peer) []string {
	var out []string
	for _, ic := range p.dispatchedCommands {
		out = append(out, string(ic.packet.Data))
	}
	return out
}

func TestReliableReordering(t *testing.T) {
	_, _, p := newConnectedPeer(t, 1)
	ch := p.channels[0]

	queue := func(seq uint16, data string) *incomingCommand {
		ic, err := p.queueIncomingCommand(reliableCommand(seq), 0, []byte(data), len(data), PacketFlagReliable, 0)
		require.NoError(t, err)
		return ic
	}

	queue(3, "c")
	queue(2, "b")
	assert.Empty(t, p.dispatchedCommands)
	require.Len(t, ch.incomingReliableCommands, 2)
	assert.Equal(t, uint16(2), ch.incomingReliableCommands[0].reliableSequenceNumber)

	queue(1, "a")
	assert.Equal(t, []string{"a", "b", "c"}, dispatchedData(p))
	assert.Equal(t, uint16(3), ch.incomingReliableSequenceNumber)
	assert.Empty(t, ch.incomingReliableCommands)
	assert.True(t, p.needsDispatch)

	// Late duplicates are dropped.
	assert.Nil(t, queue(2, "b"))
	assert.Nil(t, queue(3, "c"))
	assert.Len(t, p.dispatchedCommands, 3)

	// A duplicate of a queued command is dropped too.
	queue(5, "e")
	assert.Nil(t, queue(5, "e"))
	assert.Len(t, ch.incomingReliableCommands, 1)
}

func TestUnreliableOrdering(t *testing.T) {
	_, _, p := newConnectedPeer(t, 1)
	ch := p.channels[0]

	queue := func(reliableSeq, unreliableSeq uint16, data string) *incomingCommand {
		ic, err := p.queueIncomingCommand(unreliableCommand(reliableSeq, unreliableSeq), unreliableSeq, []byte(data), len(data), 0, 0)
		require.NoError(t, err)
		return ic
	}

	queue(0, 2, "u2")
	assert.Equal(t, []string{"u2"}, dispatchedData(p))
	assert.Equal(t, uint16(2), ch.incomingUnreliableSequenceNumber)

	// Older than what was delivered.
	assert.Nil(t, queue(0, 1, "u1"))

	// Waits for reliable sequence 1.
	queue(1, 1, "after")
	assert.Len(t, p.dispatchedCommands, 1)
	require.Len(t, ch.incomingUnreliableCommands, 1)

	_, err := p.queueIncomingCommand(reliableCommand(1), 0, []byte("r1"), 2, PacketFlagReliable, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"u2", "r1", "after"}, dispatchedData(p))
	assert.Empty(t, ch.incomingUnreliableCommands)
}

func TestUnsequencedQueuedImmediately(t *testing.T) {
	_, _, p := newConnectedPeer(t, 1)
	c := &SendUnsequenced{CommandHeader: CommandHeader{Command: CommandSendUnsequenced, Flags: CommandFlagUnsequenced}, UnsequencedGroup: 1}

	ic, err := p.queueIncomingCommand(c, 0, []byte("x"), 1, PacketFlagUnsequenced, 0)
	require.NoError(t, err)
	require.NotNil(t, ic)
	assert.Equal(t, []string{"x"}, dispatchedData(p))
	assert.Empty(t, p.channels[0].incomingUnreliableCommands)
}

func TestWaitingDataLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaximumWaitingData = 10
	_, _, p := newConnectedPeer(t, 1, WithConfig(cfg))

	_, err := p.queueIncomingCommand(reliableCommand(1), 0, make([]byte, 10), 10, PacketFlagReliable, 0)
	require.NoError(t, err)
	assert.Equal(t, 10, p.totalWaitingData)

	_, err = p.queueIncomingCommand(reliableCommand(2), 0, []byte("x"), 1, PacketFlagReliable, 0)
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)

	_, _, ok := p.Receive()
	require.True(t, ok)
	assert.Zero(t, p.totalWaitingData)
	_, err = p.queueIncomingCommand(reliableCommand(2), 0, []byte("x"), 1, PacketFlagReliable, 0)
	assert.NoError(t, err)
}

func TestDisconnectLaterDropsIncoming(t *testing.T) {
	_, _, p := newConnectedPeer(t, 1)
	p.state = PeerStateDisconnectLater

	ic, err := p.queueIncomingCommand(reliableCommand(1), 0, []byte("x"), 1, PacketFlagReliable, 0)
	assert.NoError(t, err)
	assert.Nil(t, ic)

	_, err = p.queueIncomingCommand(&SendFragment{CommandHeader: CommandHeader{Command: CommandSendFragment, ReliableSequenceNumber: 1}},
		0, nil, 10, PacketFlagReliable, 2)
	assert.Error(t, err)
}

func TestQueueAcknowledgementWindowEdge(t *testing.T) {
	_, _, p := newConnectedPeer(t, 1)

	p.queueAcknowledgement(&CommandHeader{Command: CommandSendReliable, ReliableSequenceNumber: 1}, 10)
	p.queueAcknowledgement(&CommandHeader{Command: CommandSendReliable, ReliableSequenceNumber: 7 * reliableWindowSize}, 10)
	p.queueAcknowledgement(&CommandHeader{Command: CommandPing, ChannelID: hostChannelID, ReliableSequenceNumber: 7 * reliableWindowSize}, 10)

	require.Len(t, p.acknowledgements, 2)
	assert.Equal(t, uint16(1), p.acknowledgements[0].reliableSequenceNumber)
	assert.Equal(t, uint8(hostChannelID), p.acknowledgements[1].channelID)
}
