package enet

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds the tunable parameters of a Host. Wire-format limits such as
// window bounds and the maximum peer ID are fixed and not part of Config.
type Config struct {
	// Address, PeerCount, ChannelLimit and the bandwidth caps are used by
	// Open and the command line tool. NewHost takes them as arguments.
	Address           string `yaml:"address"`
	PeerCount         int    `yaml:"peer_count"`
	ChannelLimit      int    `yaml:"channel_limit"`
	IncomingBandwidth uint32 `yaml:"incoming_bandwidth"`
	OutgoingBandwidth uint32 `yaml:"outgoing_bandwidth"`

	MTU                       int           `yaml:"mtu"`
	ReceiveBufferSize         int           `yaml:"receive_buffer_size"`
	SendBufferSize            int           `yaml:"send_buffer_size"`
	BandwidthThrottleInterval time.Duration `yaml:"bandwidth_throttle_interval"`
	MaximumPacketSize         int           `yaml:"maximum_packet_size"`
	MaximumWaitingData        int           `yaml:"maximum_waiting_data"`

	RoundTripTime              time.Duration `yaml:"round_trip_time"`
	PacketThrottleInterval     time.Duration `yaml:"packet_throttle_interval"`
	PacketThrottleAcceleration uint32        `yaml:"packet_throttle_acceleration"`
	PacketThrottleDeceleration uint32        `yaml:"packet_throttle_deceleration"`
	PingInterval               time.Duration `yaml:"ping_interval"`
	TimeoutLimit               uint32        `yaml:"timeout_limit"`
	TimeoutMinimum             time.Duration `yaml:"timeout_minimum"`
	TimeoutMaximum             time.Duration `yaml:"timeout_maximum"`

	// Checksum enables a CRC32 checksum on every datagram. Both ends must
	// agree.
	Checksum bool `yaml:"checksum"`
	// Compress enables S2 compression of datagram bodies. Both ends must
	// agree.
	Compress bool `yaml:"compress"`
}

// DefaultConfig returns the protocol defaults.
func DefaultConfig() Config {
	return Config{
		Address:                    ":7777",
		PeerCount:                  32,
		ChannelLimit:               MaximumChannelCount,
		MTU:                        DefaultMTU,
		ReceiveBufferSize:          DefaultReceiveBufferSize,
		SendBufferSize:             DefaultSendBufferSize,
		BandwidthThrottleInterval:  BandwidthThrottleInterval * time.Millisecond,
		MaximumPacketSize:          DefaultMaximumPacketSize,
		MaximumWaitingData:         DefaultMaximumWaitingData,
		RoundTripTime:              DefaultRoundTripTime * time.Millisecond,
		PacketThrottleInterval:     PacketThrottleInterval * time.Millisecond,
		PacketThrottleAcceleration: PacketThrottleAcceleration,
		PacketThrottleDeceleration: PacketThrottleDeceleration,
		PingInterval:               PingInterval * time.Millisecond,
		TimeoutLimit:               TimeoutLimit,
		TimeoutMinimum:             TimeoutMinimum * time.Millisecond,
		TimeoutMaximum:             TimeoutMaximum * time.Millisecond,
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig and validates it.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks that every value is usable.
func (c *Config) Validate() error {
	switch {
	case c.MTU < MinimumMTU || c.MTU > MaximumMTU:
		return fmt.Errorf("%w: mtu %d outside [%d, %d]", ErrInvalidConfig, c.MTU, MinimumMTU, MaximumMTU)
	case c.PeerCount < 1 || c.PeerCount > MaximumPeerID:
		return fmt.Errorf("%w: peer_count %d outside [1, %d]", ErrInvalidConfig, c.PeerCount, MaximumPeerID)
	case c.ChannelLimit < MinimumChannelCount || c.ChannelLimit > MaximumChannelCount:
		return fmt.Errorf("%w: channel_limit %d outside [%d, %d]", ErrInvalidConfig, c.ChannelLimit, MinimumChannelCount, MaximumChannelCount)
	case c.ReceiveBufferSize <= 0 || c.SendBufferSize <= 0:
		return fmt.Errorf("%w: socket buffer sizes must be positive", ErrInvalidConfig)
	case c.MaximumPacketSize <= 0 || c.MaximumWaitingData <= 0:
		return fmt.Errorf("%w: packet size limits must be positive", ErrInvalidConfig)
	case c.BandwidthThrottleInterval < time.Millisecond:
		return fmt.Errorf("%w: bandwidth_throttle_interval must be at least 1ms", ErrInvalidConfig)
	case c.RoundTripTime < time.Millisecond:
		return fmt.Errorf("%w: round_trip_time must be at least 1ms", ErrInvalidConfig)
	case c.PacketThrottleInterval < time.Millisecond || c.PingInterval < time.Millisecond:
		return fmt.Errorf("%w: throttle and ping intervals must be at least 1ms", ErrInvalidConfig)
	case c.PacketThrottleAcceleration > PacketThrottleScale || c.PacketThrottleDeceleration > PacketThrottleScale:
		return fmt.Errorf("%w: throttle steps must not exceed %d", ErrInvalidConfig, PacketThrottleScale)
	case c.TimeoutLimit == 0:
		return fmt.Errorf("%w: timeout_limit must be positive", ErrInvalidConfig)
	case c.TimeoutMinimum <= 0 || c.TimeoutMaximum < c.TimeoutMinimum:
		return fmt.Errorf("%w: need 0 < timeout_minimum <= timeout_maximum", ErrInvalidConfig)
	}
	return nil
}

func millis(d time.Duration) uint32 {
	return uint32(d / time.Millisecond)
}
