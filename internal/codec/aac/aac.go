// Package aac handles AAC audio carried in RTMP/FLV audio messages: tag
// parsing, AudioSpecificConfig handling and ADTS framing for decoders.
package aac

import (
	"bytes"
	"errors"
	"fmt"

	mp4aac "github.com/Eyevinn/mp4ff/aac"
)

const (
	// SoundFormatAAC is the FLV SoundFormat value for AAC.
	SoundFormatAAC = 10

	// ADTSHeaderLength is the size of an ADTS header without CRC.
	ADTSHeaderLength = 7

	// FrameSamples is the number of samples per channel in one AAC frame.
	FrameSamples = 1024

	// Channels is the channel count decoders mix down to.
	Channels = 2
)

// PacketKind classifies an FLV audio tag body.
type PacketKind int

const (
	PacketUnknown PacketKind = iota
	PacketSequenceHeader
	PacketRawData
)

func (k PacketKind) String() string {
	switch k {
	case PacketSequenceHeader:
		return "aac-sequence-header"
	case PacketRawData:
		return "aac-raw"
	}
	return "unknown"
}

// Packet is a classified FLV audio tag body.
type Packet struct {
	Kind PacketKind
	Data []byte // payload after the two byte AAC header; whole tag when Kind is PacketUnknown
}

// ParsePacket classifies the body of an RTMP audio message. It never fails:
// anything that is not AAC is reported as PacketUnknown.
//
//	byte 0  sound format (4 bits), rate (2), size (1), type (1)
//	byte 1  AACPacketType (only for sound format 10)
func ParsePacket(data []byte) Packet {
	if len(data) < 2 || data[0]>>4 != SoundFormatAAC {
		return Packet{Kind: PacketUnknown, Data: data}
	}
	switch data[1] {
	case 0:
		return Packet{Kind: PacketSequenceHeader, Data: data[2:]}
	case 1:
		return Packet{Kind: PacketRawData, Data: data[2:]}
	}
	return Packet{Kind: PacketUnknown, Data: data}
}

// AudioSpecificConfig is the decoder configuration from the sequence header.
type AudioSpecificConfig = mp4aac.AudioSpecificConfig

// ParseAudioSpecificConfig decodes an AAC sequence header body.
func ParseAudioSpecificConfig(data []byte) (*AudioSpecificConfig, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("aac: audio specific config too short: %d bytes", len(data))
	}
	asc, err := mp4aac.DecodeAudioSpecificConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("aac: decode audio specific config: %w", err)
	}
	return asc, nil
}

// DefaultConfig is AAC-LC, 44.1 kHz, stereo.
func DefaultConfig() *AudioSpecificConfig {
	return &AudioSpecificConfig{
		ObjectType:           mp4aac.AAClc,
		ChannelConfiguration: 2,
		SamplingFrequency:    44100,
	}
}

// EncodeConfig serializes an AudioSpecificConfig.
func EncodeConfig(asc *AudioSpecificConfig) ([]byte, error) {
	var buf bytes.Buffer
	if err := asc.Encode(&buf); err != nil {
		return nil, fmt.Errorf("aac: encode audio specific config: %w", err)
	}
	return buf.Bytes(), nil
}

// WrapADTS prefixes a raw AAC frame with an ADTS header derived from asc.
func WrapADTS(asc *AudioSpecificConfig, raw []byte) ([]byte, error) {
	if len(raw)+ADTSHeaderLength > 0x1FFF {
		return nil, fmt.Errorf("aac: frame of %d bytes does not fit in ADTS", len(raw))
	}
	objectType := asc.ObjectType
	if objectType > 4 {
		// SBR/PS streams are signalled as their AAC-LC core in ADTS.
		objectType = mp4aac.AAClc
	}
	hdr, err := mp4aac.NewADTSHeader(asc.SamplingFrequency, asc.ChannelConfiguration, objectType, uint16(len(raw)))
	if err != nil {
		return nil, fmt.Errorf("aac: build ADTS header: %w", err)
	}
	out := make([]byte, 0, ADTSHeaderLength+len(raw))
	out = append(out, hdr.Encode()...)
	return append(out, raw...), nil
}

// ErrInvalidADTS is returned when the ADTS sync word or header is malformed.
var ErrInvalidADTS = errors.New("aac: invalid ADTS header")

// DecodeADTS parses the ADTS header at the start of frame.
func DecodeADTS(frame []byte) (*mp4aac.ADTSHeader, error) {
	if len(frame) < ADTSHeaderLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidADTS, len(frame))
	}
	hdr, offset, err := mp4aac.DecodeADTSHeader(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidADTS, err)
	}
	if offset != 0 {
		return nil, fmt.Errorf("%w: sync word at offset %d", ErrInvalidADTS, offset)
	}
	if _, ok := mp4aac.FrequencyTable[hdr.SamplingFrequencyIndex]; !ok {
		return nil, fmt.Errorf("%w: sampling frequency index %d", ErrInvalidADTS, hdr.SamplingFrequencyIndex)
	}
	return hdr, nil
}

// ADTSSampleRate returns the sample rate signalled by an ADTS header.
func ADTSSampleRate(frame []byte) (int, error) {
	hdr, err := DecodeADTS(frame)
	if err != nil {
		return 0, err
	}
	return mp4aac.FrequencyTable[hdr.SamplingFrequencyIndex], nil
}

// ADTSConfig rebuilds the AudioSpecificConfig signalled by an ADTS header.
func ADTSConfig(frame []byte) (*AudioSpecificConfig, error) {
	hdr, err := DecodeADTS(frame)
	if err != nil {
		return nil, err
	}
	return &AudioSpecificConfig{
		ObjectType:           hdr.ObjectType,
		ChannelConfiguration: hdr.ChannelConfig,
		SamplingFrequency:    mp4aac.FrequencyTable[hdr.SamplingFrequencyIndex],
	}, nil
}

// StripADTS returns the raw AAC payload of an ADTS frame, skipping the CRC
// when the header carries one.
func StripADTS(frame []byte) ([]byte, error) {
	hdr, err := DecodeADTS(frame)
	if err != nil {
		return nil, err
	}
	if len(frame) < int(hdr.HeaderLength) {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidADTS, len(frame))
	}
	return frame[hdr.HeaderLength:], nil
}
