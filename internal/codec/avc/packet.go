// Package avc parses H.264 video carried in RTMP/FLV video messages and
// defines the decoder backend contract.
package avc

import (
	"errors"
	"fmt"

	"mseingest/internal/mediatime"
)

// CodecIDAVC is the FLV video codec id for H.264.
const CodecIDAVC = 7

// FrameType is the FLV video frame type.
type FrameType uint8

const (
	FrameTypeKey             FrameType = 1
	FrameTypeInter           FrameType = 2
	FrameTypeDisposableInter FrameType = 3
	FrameTypeGeneratedKey    FrameType = 4
	FrameTypeInfo            FrameType = 5
)

// IsKeyFrame reports whether frames of this type are random access points.
func (t FrameType) IsKeyFrame() bool {
	return t == FrameTypeKey || t == FrameTypeGeneratedKey
}

func (t FrameType) String() string {
	switch t {
	case FrameTypeKey:
		return "key"
	case FrameTypeInter:
		return "inter"
	case FrameTypeDisposableInter:
		return "disposable-inter"
	case FrameTypeGeneratedKey:
		return "generated-key"
	case FrameTypeInfo:
		return "info"
	}
	return fmt.Sprintf("FrameType(%d)", uint8(t))
}

// PacketType is the AVCPacketType field.
type PacketType uint8

const (
	PacketTypeSequenceHeader PacketType = 0
	PacketTypeNALU           PacketType = 1
	PacketTypeEndOfSequence  PacketType = 2
)

var (
	ErrShortPacket     = errors.New("avc: video packet too short")
	ErrUnsupportedCode = errors.New("avc: not an H.264/AVC packet")
)

// Packet is a parsed FLV video tag body.
type Packet struct {
	FrameType  FrameType
	PacketType PacketType
	// CompositionTime is the PTS-DTS offset in milliseconds. It is signed.
	CompositionTime int32
	Data            []byte
}

// ParsePacket parses the body of an RTMP video message.
//
//	byte 0     frame type (4 bits) + codec id (4 bits)
//	byte 1     AVCPacketType
//	bytes 2-4  composition time, SI24
//	bytes 5-   payload
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(data))
	}

	frameType := FrameType(data[0] >> 4)
	codecID := data[0] & 0x0F
	if codecID != CodecIDAVC {
		return nil, fmt.Errorf("%w: codec id %d", ErrUnsupportedCode, codecID)
	}

	packetType := PacketType(data[1])
	if packetType > PacketTypeEndOfSequence {
		return nil, fmt.Errorf("avc: unknown packet type %d", packetType)
	}

	// sign-extend the 24-bit value
	cts := int32(uint32(data[2])<<16|uint32(data[3])<<8|uint32(data[4])) << 8 >> 8

	return &Packet{
		FrameType:       frameType,
		PacketType:      packetType,
		CompositionTime: cts,
		Data:            data[5:],
	}, nil
}

// Frame is the codec specific part of a video frame.
type Frame struct {
	FrameType       FrameType
	CompositionTime mediatime.Duration
	Bitstream       *Bitstream
}
