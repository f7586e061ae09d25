package enet

import (
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/opd-ai/go-enet/internal/logger"
)

// Host is a local endpoint that manages connections to many peers over one
// socket. All methods are safe for concurrent use, but only one goroutine
// should drive Service or Flush.
type Host struct {
	mu sync.Mutex

	socket     Socket
	clock      clock.Clock
	timeBase   time.Time
	log        *slog.Logger
	metrics    *Metrics
	compressor Compressor
	checksum   ChecksumFunc
	config     Config

	incomingBandwidth          uint32
	outgoingBandwidth          uint32
	bandwidthThrottleEpoch     uint32
	recalculateBandwidthLimits bool
	mtu                        uint32
	randomSeed                 uint32
	channelLimit               int
	maximumPacketSize          int
	maximumWaitingData         int

	peers                 []*Peer
	connectedPeers        int
	bandwidthLimitedPeers int
	dispatchQueue         []*Peer
	serviceTime           uint32

	// Datagram under construction by the send path.
	continueSending bool
	packetSize      int
	commandCount    int
	headerFlags     uint16
	body            []byte
	datagram        []byte

	receiveBuffer    []byte
	compressBuffer   []byte
	decompressBuffer []byte
	checksumBuffer   []byte

	totals  Totals
	sendErr error
	closed  bool
}

// Totals counts the traffic of a Host since it was created.
type Totals struct {
	SentData        uint64
	SentPackets     uint64
	ReceivedData    uint64
	ReceivedPackets uint64
}

// NewHost creates a host on socket with room for peerCount peers. A
// channelLimit of 0 allows the maximum number of channels. Bandwidths are in
// bytes per second, 0 meaning unlimited.
func NewHost(socket Socket, peerCount, channelLimit int, incomingBandwidth, outgoingBandwidth uint32, opts ...Option) (*Host, error) {
	if peerCount < 1 || peerCount > MaximumPeerID {
		return nil, fmt.Errorf("%w: peer count %d outside [1, %d]", ErrInvalidConfig, peerCount, MaximumPeerID)
	}

	h := &Host{
		socket: socket,
		clock:  clock.New(),
		config: DefaultConfig(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.config.PeerCount = peerCount
	h.config.ChannelLimit = clampChannelLimit(channelLimit)
	h.config.IncomingBandwidth = incomingBandwidth
	h.config.OutgoingBandwidth = outgoingBandwidth
	if err := h.config.Validate(); err != nil {
		return nil, err
	}

	if h.log == nil {
		h.log = logger.Logger("host")
	}
	if h.config.Checksum && h.checksum == nil {
		h.checksum = CRC32
	}
	if h.config.Compress && h.compressor == nil {
		h.compressor = S2Compressor{}
	}

	h.timeBase = h.clock.Now()
	h.incomingBandwidth = incomingBandwidth
	h.outgoingBandwidth = outgoingBandwidth
	h.mtu = uint32(h.config.MTU)
	h.randomSeed = rand.Uint32()
	h.channelLimit = h.config.ChannelLimit
	h.maximumPacketSize = h.config.MaximumPacketSize
	h.maximumWaitingData = h.config.MaximumWaitingData
	h.receiveBuffer = make([]byte, MaximumMTU)
	h.datagram = make([]byte, 0, MaximumMTU)
	h.body = make([]byte, 0, MaximumMTU)

	h.peers = make([]*Peer, peerCount)
	for i := range h.peers {
		h.peers[i] = newPeer(h, uint16(i))
	}

	h.log.Debug("host created", "addr", socket.LocalAddr(), "peers", peerCount,
		"channels", h.channelLimit, "checksum", h.checksum != nil, "compress", h.compressor != nil)
	return h, nil
}

func clampChannelLimit(n int) int {
	if n <= 0 || n > MaximumChannelCount {
		return MaximumChannelCount
	}
	return max(n, MinimumChannelCount)
}

// now samples the service clock. Zero is reserved for "never", so the
// returned time starts at 1.
func (h *Host) now() uint32 {
	return uint32(h.clock.Since(h.timeBase)/time.Millisecond) + 1
}

// Connect starts a connection to addr with channelCount channels. The
// returned peer is CONNECTING; an EventConnect follows when the remote end
// accepts. data is delivered to the remote end in its EventConnect.
func (h *Host) Connect(addr net.Addr, channelCount int, data uint32) (*Peer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHostClosed
	}

	channelCount = min(max(channelCount, MinimumChannelCount), MaximumChannelCount)

	var peer *Peer
	for _, p := range h.peers {
		if p.state == PeerStateDisconnected {
			peer = p
			break
		}
	}
	if peer == nil {
		return nil, ErrCapacityExceeded
	}

	peer.channels = newChannels(channelCount)
	peer.state = PeerStateConnecting
	peer.address = addr
	h.randomSeed++
	peer.connectID = h.randomSeed

	if h.outgoingBandwidth == 0 {
		peer.windowSize = MaximumWindowSize
	} else {
		peer.windowSize = (h.outgoingBandwidth / WindowSizeScale) * MaximumWindowSize
	}
	peer.windowSize = clampWindowSize(peer.windowSize)

	peer.queueOutgoingCommand(&Connect{
		CommandHeader: CommandHeader{Command: CommandConnect, Flags: CommandFlagAcknowledge, ChannelID: hostChannelID},
		ConnectParams: ConnectParams{
			OutgoingPeerID:             peer.incomingPeerID,
			IncomingSessionID:          peer.incomingSessionID,
			OutgoingSessionID:          peer.outgoingSessionID,
			MTU:                        peer.mtu,
			WindowSize:                 peer.windowSize,
			ChannelCount:               uint32(channelCount),
			IncomingBandwidth:          h.incomingBandwidth,
			OutgoingBandwidth:          h.outgoingBandwidth,
			PacketThrottleInterval:     peer.packetThrottleInterval,
			PacketThrottleAcceleration: peer.packetThrottleAcceleration,
			PacketThrottleDeceleration: peer.packetThrottleDeceleration,
			ConnectID:                  peer.connectID,
		},
		Data: data,
	}, nil, 0, 0)

	h.log.Debug("connecting", "peer", peer.incomingPeerID, "addr", addr, "channels", channelCount)
	return peer, nil
}

// Broadcast queues packet on channelID of every connected peer.
func (h *Host) Broadcast(channelID uint8, packet *Packet) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var err error
	for _, p := range h.peers {
		if p.state != PeerStateConnected {
			continue
		}
		if sendErr := p.send(channelID, packet); sendErr != nil {
			err = multierr.Append(err, fmt.Errorf("peer %d: %w", p.incomingPeerID, sendErr))
		}
	}
	return err
}

// ChannelLimit limits the number of channels accepted from connecting
// peers. 0 means the maximum.
func (h *Host) ChannelLimit(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.channelLimit = clampChannelLimit(n)
}

// BandwidthLimit changes the host's bandwidth caps in bytes per second. The
// new incoming cap is announced to peers at the next throttle interval.
func (h *Host) BandwidthLimit(incoming, outgoing uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.incomingBandwidth = incoming
	h.outgoingBandwidth = outgoing
	h.recalculateBandwidthLimits = true
}

// Address returns the local socket address.
func (h *Host) Address() net.Addr {
	return h.socket.LocalAddr()
}

// Peers returns the peer table. Slots in PeerStateDisconnected are free.
func (h *Host) Peers() []*Peer {
	return slices.Clone(h.peers)
}

// ConnectedPeers returns the number of connected peers.
func (h *Host) ConnectedPeers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connectedPeers
}

// Totals returns the traffic counters.
func (h *Host) Totals() Totals {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.totals
}

// Close disconnects every peer without waiting for acknowledgements and
// closes the socket.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHostClosed
	}

	h.sendErr = nil
	for _, p := range h.peers {
		p.disconnectNow(0)
	}
	h.closed = true

	err := multierr.Append(h.sendErr, h.socket.Close())
	h.log.Debug("host closed", "addr", h.socket.LocalAddr())
	return err
}

func (h *Host) removeFromDispatchQueue(p *Peer) {
	if i := slices.Index(h.dispatchQueue, p); i >= 0 {
		h.dispatchQueue = slices.Delete(h.dispatchQueue, i, i+1)
	}
}
