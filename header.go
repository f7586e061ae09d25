package enet

import (
	"encoding/binary"
	"errors"
)

// Header flags carried in the high bits of the peer ID.
const (
	HeaderFlagCompressed uint16 = 1 << 14
	HeaderFlagSentTime   uint16 = 1 << 15
	headerFlagMask              = HeaderFlagCompressed | HeaderFlagSentTime

	headerSessionMask  uint16 = 3 << 12
	headerSessionShift        = 12

	// Header lengths with and without the sent time field.
	headerLengthMinimum = 2
	headerLength        = 4
	checksumLength      = 4
)

// ProtocolHeader is the header at the start of every datagram.
type ProtocolHeader struct {
	PeerID    uint16
	SessionID uint8
	Flags     uint16
	SentTime  uint16
}

// Len returns the encoded length of the header.
func (h *ProtocolHeader) Len() int {
	if h.Flags&HeaderFlagSentTime != 0 {
		return headerLength
	}
	return headerLengthMinimum
}

// Marshal serializes the header to bytes
func (h *ProtocolHeader) Marshal() []byte {
	return h.AppendTo(make([]byte, 0, headerLength))
}

// AppendTo appends the encoded header to buf.
func (h *ProtocolHeader) AppendTo(buf []byte) []byte {
	peerID := h.PeerID&MaximumPeerID | h.Flags&headerFlagMask |
		uint16(h.SessionID)<<headerSessionShift&headerSessionMask
	buf = binary.BigEndian.AppendUint16(buf, peerID)
	if h.Flags&HeaderFlagSentTime != 0 {
		buf = binary.BigEndian.AppendUint16(buf, h.SentTime)
	}
	return buf
}

// Unmarshal deserializes the header from bytes
func (h *ProtocolHeader) Unmarshal(data []byte) error {
	if len(data) < headerLengthMinimum {
		return errors.New("insufficient data for header")
	}
	peerID := binary.BigEndian.Uint16(data[0:2])
	h.Flags = peerID & headerFlagMask
	h.SessionID = uint8((peerID & headerSessionMask) >> headerSessionShift)
	h.PeerID = peerID &^ (headerFlagMask | headerSessionMask)
	h.SentTime = 0
	if h.Flags&HeaderFlagSentTime != 0 {
		if len(data) < headerLength {
			return errors.New("insufficient data for sent time")
		}
		h.SentTime = binary.BigEndian.Uint16(data[2:4])
	}
	return nil
}
