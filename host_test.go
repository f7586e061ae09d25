package enet

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// received returns the payloads of the receive events collected for h.
func (e *testEnv) received(h *Host) [][]byte {
	var out [][]byte
	for _, ev := range e.eventsOf(h, EventReceive) {
		out = append(out, ev.Packet.Data)
	}
	return out
}

// close closes h and stops servicing it.
func (e *testEnv) close(h *Host) {
	require.NoError(e.t, h.Close())
	for i, other := range e.hosts {
		if other == h {
			e.hosts = append(e.hosts[:i], e.hosts[i+1:]...)
			return
		}
	}
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestHandshake(t *testing.T) {
	env := newTestEnv(t)
	server := env.host("server", 4)
	client := env.host("client", 1)

	cp, err := client.Connect(server.Address(), 2, 42)
	require.NoError(t, err)
	assert.Equal(t, PeerStateConnecting, cp.State())

	ok := env.runUntil(100, func() bool {
		return len(env.eventsOf(client, EventConnect)) == 1 && len(env.eventsOf(server, EventConnect)) == 1
	})
	require.True(t, ok, "handshake did not complete")

	serverEvent := env.eventsOf(server, EventConnect)[0]
	assert.Equal(t, uint32(42), serverEvent.Data)
	sp := serverEvent.Peer
	assert.Same(t, cp, env.eventsOf(client, EventConnect)[0].Peer)

	assert.Equal(t, PeerStateConnected, cp.State())
	assert.Equal(t, PeerStateConnected, sp.State())
	assert.Equal(t, cp.ConnectID(), sp.ConnectID())
	assert.Equal(t, 2, cp.ChannelCount())
	assert.Equal(t, 2, sp.ChannelCount())
	assert.Equal(t, memAddr("client"), sp.Address())
	assert.Equal(t, 1, server.ConnectedPeers())
	assert.Equal(t, 1, client.ConnectedPeers())
}

func TestConnectCapacityExceeded(t *testing.T) {
	env := newTestEnv(t)
	client := env.host("client", 1)

	_, err := client.Connect(memAddr("a"), 1, 0)
	require.NoError(t, err)
	_, err = client.Connect(memAddr("b"), 1, 0)
	assert.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestServerFullRefusesConnect(t *testing.T) {
	env := newTestEnv(t)
	server := env.host("server", 1)
	first := env.host("first", 1)
	second := env.host("second", 1)
	env.connect(first, server, 1, 0)

	_, err := second.Connect(server.Address(), 1, 0)
	require.NoError(t, err)

	env.step = 100 * time.Millisecond
	ok := env.runUntil(1000, func() bool { return len(env.eventsOf(second, EventDisconnect)) > 0 })
	require.True(t, ok, "connect to a full server did not time out")

	ev := env.eventsOf(second, EventDisconnect)[0]
	assert.True(t, ev.Timeout)
	assert.Empty(t, env.eventsOf(second, EventConnect))
	assert.Equal(t, 1, server.ConnectedPeers())
}

func TestReliableOrderedDelivery(t *testing.T) {
	env := newTestEnv(t)
	server := env.host("server", 2)
	client := env.host("client", 1)
	cp, _ := env.connect(client, server, 2, 0)

	var want [][]byte
	for i := range 20 {
		data := []byte{byte(i), 'r'}
		want = append(want, data)
		require.NoError(t, cp.Send(1, NewPacket(data, PacketFlagReliable)))
	}

	ok := env.runUntil(200, func() bool { return len(env.received(server)) == len(want) })
	require.True(t, ok)
	assert.Equal(t, want, env.received(server))
	for _, ev := range env.eventsOf(server, EventReceive) {
		assert.Equal(t, uint8(1), ev.ChannelID)
	}
}

func TestUnreliableDelivery(t *testing.T) {
	env := newTestEnv(t)
	server := env.host("server", 2)
	client := env.host("client", 1)
	cp, _ := env.connect(client, server, 1, 0)

	for i := range 5 {
		require.NoError(t, cp.Send(0, NewPacket([]byte{byte(i)}, 0)))
	}
	env.run(10)

	assert.Equal(t, [][]byte{{0}, {1}, {2}, {3}, {4}}, env.received(server))
}

func TestFragmentReassembly(t *testing.T) {
	env := newTestEnv(t)
	server := env.host("server", 2)
	client := env.host("client", 1)
	cp, _ := env.connect(client, server, 1, 0)

	f := cp.fragmentLength()
	lengths := []int{1, f - 1, f, f + 1, 10 * f}
	for _, n := range lengths {
		require.NoError(t, cp.Send(0, NewPacket(pattern(n), PacketFlagReliable)))
	}

	ok := env.runUntil(500, func() bool { return len(env.received(server)) == len(lengths) })
	require.True(t, ok)
	for i, data := range env.received(server) {
		assert.Equal(t, pattern(lengths[i]), data, "packet of %d bytes", lengths[i])
	}
}

func TestUnreliableFragmentReassembly(t *testing.T) {
	env := newTestEnv(t)
	server := env.host("server", 2)
	client := env.host("client", 1)
	cp, _ := env.connect(client, server, 1, 0)

	n := 3*cp.fragmentLength() + 5
	require.NoError(t, cp.Send(0, NewPacket(pattern(n), PacketFlagUnreliableFragment)))
	env.run(10)

	received := env.received(server)
	require.Len(t, received, 1)
	assert.Equal(t, pattern(n), received[0])
}

func TestUnsequencedDuplicatesSuppressed(t *testing.T) {
	env := newTestEnv(t)
	server := env.host("server", 2)
	client := env.host("client", 1)
	cp, _ := env.connect(client, server, 1, 0)

	env.network.duplicate = true
	for i := range 3 {
		require.NoError(t, cp.Send(0, NewPacket([]byte{byte(i)}, PacketFlagUnsequenced)))
	}
	env.run(20)

	assert.ElementsMatch(t, [][]byte{{0}, {1}, {2}}, env.received(server))
}

func TestReliableDuplicatesSuppressed(t *testing.T) {
	env := newTestEnv(t)
	server := env.host("server", 2)
	client := env.host("client", 1)
	cp, _ := env.connect(client, server, 1, 0)

	env.network.duplicate = true
	for i := range 5 {
		require.NoError(t, cp.Send(0, NewPacket([]byte{byte(i)}, PacketFlagReliable)))
	}
	env.run(30)

	assert.Equal(t, [][]byte{{0}, {1}, {2}, {3}, {4}}, env.received(server))
}

func TestReliableDeliveryUnderLoss(t *testing.T) {
	env := newTestEnv(t)
	server := env.host("server", 2)
	client := env.host("client", 1)
	cp, _ := env.connect(client, server, 1, 0)

	// Drop every third datagram in either direction.
	var count int
	env.network.setDrop(func(from, to net.Addr, data []byte) bool {
		count++
		return count%3 == 0
	})

	var want [][]byte
	for i := range 30 {
		data := []byte{byte(i)}
		want = append(want, data)
		require.NoError(t, cp.Send(0, NewPacket(data, PacketFlagReliable)))
	}

	ok := env.runUntil(2000, func() bool { return len(env.received(server)) == len(want) })
	require.True(t, ok, "received %d of %d packets", len(env.received(server)), len(want))
	assert.Equal(t, want, env.received(server))
	assert.Equal(t, PeerStateConnected, cp.State())
}

func TestGracefulDisconnect(t *testing.T) {
	env := newTestEnv(t)
	server := env.host("server", 2)
	client := env.host("client", 1)
	cp, sp := env.connect(client, server, 1, 0)

	cp.Disconnect(7)
	assert.Equal(t, PeerStateDisconnecting, cp.State())
	assert.Equal(t, 0, client.ConnectedPeers())

	ok := env.runUntil(100, func() bool {
		return len(env.eventsOf(client, EventDisconnect)) > 0 && len(env.eventsOf(server, EventDisconnect)) > 0
	})
	require.True(t, ok)

	serverEvent := env.eventsOf(server, EventDisconnect)[0]
	assert.Same(t, sp, serverEvent.Peer)
	assert.Equal(t, uint32(7), serverEvent.Data)
	assert.False(t, serverEvent.Timeout)
	assert.False(t, env.eventsOf(client, EventDisconnect)[0].Timeout)

	assert.Equal(t, PeerStateDisconnected, cp.State())
	assert.Equal(t, PeerStateDisconnected, sp.State())
	assert.Equal(t, 0, server.ConnectedPeers())
}

func TestDisconnectLaterDrainsQueues(t *testing.T) {
	env := newTestEnv(t)
	server := env.host("server", 2)
	client := env.host("client", 1)
	cp, _ := env.connect(client, server, 1, 0)

	for i := range 3 {
		require.NoError(t, cp.Send(0, NewPacket([]byte{byte(i)}, PacketFlagReliable)))
	}
	cp.DisconnectLater(9)
	assert.Equal(t, PeerStateDisconnectLater, cp.State())
	assert.Equal(t, 1, client.ConnectedPeers())

	ok := env.runUntil(200, func() bool { return len(env.eventsOf(server, EventDisconnect)) > 0 })
	require.True(t, ok)

	assert.Equal(t, [][]byte{{0}, {1}, {2}}, env.received(server))
	assert.Equal(t, uint32(9), env.eventsOf(server, EventDisconnect)[0].Data)
}

func TestTimeoutDisconnect(t *testing.T) {
	env := newTestEnv(t)
	server := env.host("server", 2)
	client := env.host("client", 1)
	cp, sp := env.connect(client, server, 1, 0)

	env.network.setDrop(func(from, to net.Addr, data []byte) bool { return true })
	require.NoError(t, cp.Send(0, NewPacket([]byte("lost"), PacketFlagReliable)))

	env.step = 100 * time.Millisecond
	ok := env.runUntil(1000, func() bool {
		return len(env.eventsOf(client, EventDisconnect)) > 0 && len(env.eventsOf(server, EventDisconnect)) > 0
	})
	require.True(t, ok, "peers did not time out")

	assert.True(t, env.eventsOf(client, EventDisconnect)[0].Timeout)
	assert.True(t, env.eventsOf(server, EventDisconnect)[0].Timeout)
	assert.Equal(t, PeerStateDisconnected, cp.State())
	assert.Equal(t, PeerStateDisconnected, sp.State())
}

func TestMalformedDatagramDropped(t *testing.T) {
	env := newTestEnv(t)
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(WithRegistry(registry))
	server := env.host("server", 2, WithMetrics(metrics))
	client := env.host("client", 1)
	other := env.host("other", 1)
	cp, sp := env.connect(client, server, 1, 0)
	op, _ := env.connect(other, server, 1, 0)

	// A valid ping followed by a command with an unknown type.
	header := ProtocolHeader{PeerID: sp.ID(), SessionID: sp.incomingSessionID, Flags: HeaderFlagSentTime, SentTime: 1}
	data := header.Marshal()
	ping, err := NewCommand(CommandPing, CommandFlagAcknowledge, hostChannelID)
	require.NoError(t, err)
	data = AppendCommand(data, ping)
	data = append(data, 13, 0, 0, 0)
	env.network.inject(memAddr("client"), server.Address(), data)

	env.run(1)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.protocolErrors.WithLabelValues(CommandType(13).String())))
	assert.Equal(t, PeerStateConnected, sp.State())
	assert.Equal(t, 2, server.ConnectedPeers())

	// Both connections keep working.
	require.NoError(t, cp.Send(0, NewPacket([]byte("a"), PacketFlagReliable)))
	require.NoError(t, op.Send(0, NewPacket([]byte("b"), PacketFlagReliable)))
	ok := env.runUntil(50, func() bool { return len(env.received(server)) == 2 })
	require.True(t, ok)
	assert.ElementsMatch(t, [][]byte{[]byte("a"), []byte("b")}, env.received(server))
}

func TestDatagramWithWrongSessionIgnored(t *testing.T) {
	env := newTestEnv(t)
	server := env.host("server", 2)
	client := env.host("client", 1)
	_, sp := env.connect(client, server, 1, 0)

	header := ProtocolHeader{PeerID: sp.ID(), SessionID: sp.incomingSessionID + 1, Flags: HeaderFlagSentTime}
	data := header.Marshal()
	disconnect := &Disconnect{CommandHeader: CommandHeader{Command: CommandDisconnect, Flags: CommandFlagAcknowledge, ChannelID: hostChannelID}}
	data = AppendCommand(data, disconnect)
	env.network.inject(memAddr("client"), server.Address(), data)

	// The same datagram from another address is ignored as well.
	header.SessionID = sp.incomingSessionID
	env.network.inject(memAddr("intruder"), server.Address(), AppendCommand(header.Marshal(), disconnect))

	env.run(5)
	assert.Equal(t, PeerStateConnected, sp.State())
	assert.Empty(t, env.eventsOf(server, EventDisconnect))
}

func TestPeerIDReuse(t *testing.T) {
	env := newTestEnv(t)
	server := env.host("server", 2)
	c1 := env.host("c1", 1)
	c2 := env.host("c2", 1)
	c3 := env.host("c3", 1)

	p1, s1 := env.connect(c1, server, 1, 0)
	_, s2 := env.connect(c2, server, 1, 0)
	assert.NotEqual(t, s1.ID(), s2.ID())

	p1.Disconnect(0)
	ok := env.runUntil(100, func() bool { return len(env.eventsOf(server, EventDisconnect)) > 0 })
	require.True(t, ok)
	env.take(server)

	_, s3 := env.connect(c3, server, 1, 0)
	assert.Same(t, s1, s3)
	assert.Equal(t, s1.ID(), s3.ID())
	assert.NotEqual(t, s2.ID(), s3.ID())
	assert.Equal(t, memAddr("c3"), s3.Address())
	assert.Equal(t, 2, server.ConnectedPeers())
}

func TestBroadcast(t *testing.T) {
	env := newTestEnv(t)
	server := env.host("server", 4)
	c1 := env.host("c1", 1)
	c2 := env.host("c2", 1)
	env.connect(c1, server, 1, 0)
	env.connect(c2, server, 1, 0)

	require.NoError(t, server.Broadcast(0, NewPacket([]byte("hi"), PacketFlagReliable)))
	ok := env.runUntil(50, func() bool { return len(env.received(c1)) == 1 && len(env.received(c2)) == 1 })
	require.True(t, ok)
	assert.Equal(t, []byte("hi"), env.received(c1)[0])
	assert.Equal(t, []byte("hi"), env.received(c2)[0])

	err := server.Broadcast(3, NewPacket([]byte("x"), 0))
	assert.ErrorIs(t, err, ErrInvalidChannel)
}

func TestChecksumAndCompression(t *testing.T) {
	env := newTestEnv(t)
	cfg := DefaultConfig()
	cfg.Checksum = true
	cfg.Compress = true
	server := env.host("server", 2, WithConfig(cfg))
	client := env.host("client", 1, WithConfig(cfg))
	cp, sp := env.connect(client, server, 1, 0)

	payload := bytes.Repeat([]byte("a"), 5000)
	require.NoError(t, cp.Send(0, NewPacket(payload, PacketFlagReliable)))
	require.NoError(t, sp.Send(0, NewPacket([]byte("pong"), PacketFlagReliable)))

	ok := env.runUntil(100, func() bool { return len(env.received(server)) == 1 && len(env.received(client)) == 1 })
	require.True(t, ok)
	assert.Equal(t, payload, env.received(server)[0])
	assert.Equal(t, []byte("pong"), env.received(client)[0])
	assert.Less(t, server.Totals().ReceivedData, uint64(len(payload)))
}

func TestChecksumMismatchRejected(t *testing.T) {
	env := newTestEnv(t)
	cfg := DefaultConfig()
	cfg.Checksum = true
	server := env.host("server", 2, WithConfig(cfg))
	client := env.host("client", 1)

	_, err := client.Connect(server.Address(), 1, 0)
	require.NoError(t, err)
	env.run(50)

	assert.Empty(t, env.eventsOf(server, EventConnect))
	for _, p := range server.Peers() {
		assert.Equal(t, PeerStateDisconnected, p.State())
	}
}

func TestBandwidthLimitAnnounced(t *testing.T) {
	env := newTestEnv(t)
	server := env.host("server", 2)
	client := env.host("client", 1)
	cp, _ := env.connect(client, server, 1, 0)

	server.BandwidthLimit(50000, 0)
	env.step = 100 * time.Millisecond
	ok := env.runUntil(50, func() bool { return cp.incomingBandwidth == 50000 })
	assert.True(t, ok, "bandwidth limit not received")
	assert.Equal(t, 1, client.bandwidthLimitedPeers)
}

func TestThrottleConfigurePropagates(t *testing.T) {
	env := newTestEnv(t)
	server := env.host("server", 2)
	client := env.host("client", 1)
	cp, sp := env.connect(client, server, 1, 0)

	require.NoError(t, cp.ThrottleConfigure(2*time.Second, 4, 3))
	ok := env.runUntil(50, func() bool { return sp.packetThrottleInterval == 2000 })
	require.True(t, ok)
	assert.Equal(t, uint32(4), sp.packetThrottleAcceleration)
	assert.Equal(t, uint32(3), sp.packetThrottleDeceleration)
}

func TestIdleConnectionPings(t *testing.T) {
	env := newTestEnv(t)
	server := env.host("server", 2)
	client := env.host("client", 1)
	cp, sp := env.connect(client, server, 1, 0)

	env.step = 100 * time.Millisecond
	env.run(600)

	assert.Equal(t, PeerStateConnected, cp.State())
	assert.Equal(t, PeerStateConnected, sp.State())
	assert.Empty(t, env.eventsOf(client, EventDisconnect))
	assert.Empty(t, env.eventsOf(server, EventDisconnect))
}

func TestHostClose(t *testing.T) {
	env := newTestEnv(t)
	server := env.host("server", 2)
	client := env.host("client", 1)
	_, sp := env.connect(client, server, 1, 0)

	env.close(client)
	ok := env.runUntil(10, func() bool { return len(env.eventsOf(server, EventDisconnect)) > 0 })
	require.True(t, ok)
	assert.Same(t, sp, env.eventsOf(server, EventDisconnect)[0].Peer)

	assert.ErrorIs(t, client.Close(), ErrHostClosed)
	_, err := client.Service(0)
	assert.ErrorIs(t, err, ErrHostClosed)
	_, err = client.Connect(server.Address(), 1, 0)
	assert.ErrorIs(t, err, ErrHostClosed)
}

func TestTotals(t *testing.T) {
	env := newTestEnv(t)
	server := env.host("server", 2)
	client := env.host("client", 1)
	env.connect(client, server, 1, 0)

	ct, st := client.Totals(), server.Totals()
	assert.Positive(t, ct.SentPackets)
	assert.Equal(t, ct.SentPackets, st.ReceivedPackets)
	assert.Equal(t, ct.SentData, st.ReceivedData)
}

func TestChannelLimitCapsNegotiation(t *testing.T) {
	env := newTestEnv(t)
	server := env.host("server", 2)
	client := env.host("client", 1)
	server.ChannelLimit(2)

	cp, sp := env.connect(client, server, 5, 0)
	assert.Equal(t, 2, sp.ChannelCount())
	assert.Equal(t, 2, cp.ChannelCount())
	assert.ErrorIs(t, cp.Send(4, NewPacket([]byte("x"), PacketFlagReliable)), ErrInvalidChannel)
}

func TestCheckEventsDispatchesWithoutIO(t *testing.T) {
	env := newTestEnv(t)
	server := env.host("server", 1)
	client := env.host("client", 1)
	cp, _ := env.connect(client, server, 1, 0)

	socket := client.socket.(*memSocket)
	sent := socket.sentCount()

	client.mu.Lock()
	_, err := cp.queueIncomingCommand(reliableCommand(1), 0, []byte("local"), 5, PacketFlagReliable, 0)
	client.mu.Unlock()
	require.NoError(t, err)

	ev, err := client.CheckEvents()
	require.NoError(t, err)
	assert.Equal(t, EventReceive, ev.Type)
	assert.Equal(t, "local", string(ev.Packet.Data))
	assert.Equal(t, sent, socket.sentCount())

	ev, err = client.CheckEvents()
	require.NoError(t, err)
	assert.Equal(t, EventNone, ev.Type)
}

func TestPeerResetIsSilent(t *testing.T) {
	env := newTestEnv(t)
	server := env.host("server", 1)
	client := env.host("client", 1)
	cp, _ := env.connect(client, server, 1, 0)
	require.Equal(t, 1, client.ConnectedPeers())

	cp.Reset()
	assert.Equal(t, PeerStateDisconnected, cp.State())
	assert.Zero(t, client.ConnectedPeers())

	env.run(5)
	assert.Empty(t, env.eventsOf(client, EventDisconnect))
}
