package aac

import (
	"bytes"
	"errors"
	"testing"
)

// AAC-LC, 44.1 kHz, stereo
var testASC = []byte{0x12, 0x10}

func TestParsePacket(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		data []byte
		kind PacketKind
		body []byte
	}{
		{"sequence header", []byte{0xAF, 0x00, 0x12, 0x10}, PacketSequenceHeader, []byte{0x12, 0x10}},
		{"raw", []byte{0xAF, 0x01, 0x21, 0x1A}, PacketRawData, []byte{0x21, 0x1A}},
		{"mp3", []byte{0x2F, 0x01, 0xFF}, PacketUnknown, []byte{0x2F, 0x01, 0xFF}},
		{"unknown aac packet type", []byte{0xAF, 0x07}, PacketUnknown, []byte{0xAF, 0x07}},
		{"too short", []byte{0xAF}, PacketUnknown, []byte{0xAF}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pkt := ParsePacket(tt.data)
			if pkt.Kind != tt.kind {
				t.Errorf("kind: got %v, want %v", pkt.Kind, tt.kind)
			}
			if !bytes.Equal(pkt.Data, tt.body) {
				t.Errorf("data: got %x, want %x", pkt.Data, tt.body)
			}
		})
	}
}

func TestParseAudioSpecificConfig(t *testing.T) {
	t.Parallel()
	asc, err := ParseAudioSpecificConfig(testASC)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if asc.ObjectType != 2 {
		t.Errorf("object type: got %d, want 2", asc.ObjectType)
	}
	if asc.SamplingFrequency != 44100 {
		t.Errorf("sampling frequency: got %d, want 44100", asc.SamplingFrequency)
	}
	if asc.ChannelConfiguration != 2 {
		t.Errorf("channels: got %d, want 2", asc.ChannelConfiguration)
	}

	if _, err := ParseAudioSpecificConfig([]byte{0x12}); err == nil {
		t.Error("one byte config should fail")
	}
}

func TestEncodeDefaultConfig(t *testing.T) {
	t.Parallel()
	got, err := EncodeConfig(DefaultConfig())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(got, testASC) {
		t.Errorf("got %x, want %x", got, testASC)
	}
}

func TestWrapADTS(t *testing.T) {
	t.Parallel()
	asc, err := ParseAudioSpecificConfig(testASC)
	if err != nil {
		t.Fatal(err)
	}
	raw := []byte{0x21, 0x1A, 0x4B, 0x20}
	frame, err := WrapADTS(asc, raw)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if len(frame) != ADTSHeaderLength+len(raw) {
		t.Fatalf("length: got %d, want %d", len(frame), ADTSHeaderLength+len(raw))
	}
	if frame[0] != 0xFF || frame[1]&0xF0 != 0xF0 {
		t.Errorf("sync word: got %x", frame[:2])
	}
	// profile LC, index 4 (44100), channel config high bit 0
	if frame[2] != 0x50 {
		t.Errorf("byte 2: got %#x, want 0x50", frame[2])
	}
	frameLen := int(frame[3]&0x03)<<11 | int(frame[4])<<3 | int(frame[5])>>5
	if frameLen != len(frame) {
		t.Errorf("frame length field: got %d, want %d", frameLen, len(frame))
	}
	payload, err := StripADTS(frame)
	if err != nil {
		t.Fatalf("strip: %v", err)
	}
	if !bytes.Equal(payload, raw) {
		t.Errorf("payload: got %x, want %x", payload, raw)
	}

	rate, err := ADTSSampleRate(frame)
	if err != nil {
		t.Fatalf("sample rate: %v", err)
	}
	if rate != 44100 {
		t.Errorf("sample rate: got %d, want 44100", rate)
	}
}

func TestADTSConfig(t *testing.T) {
	t.Parallel()
	frame, err := WrapADTS(DefaultConfig(), []byte{0x21, 0x10})
	if err != nil {
		t.Fatal(err)
	}
	asc, err := ADTSConfig(frame)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if asc.ObjectType != 2 || asc.ChannelConfiguration != 2 || asc.SamplingFrequency != 44100 {
		t.Errorf("got object type %d, %d channels, %d Hz", asc.ObjectType, asc.ChannelConfiguration, asc.SamplingFrequency)
	}
	if _, err := ADTSConfig([]byte{0x00, 0x01}); !errors.Is(err, ErrInvalidADTS) {
		t.Errorf("garbage: got %v, want ErrInvalidADTS", err)
	}
}

func TestWrapADTSTooLarge(t *testing.T) {
	t.Parallel()
	if _, err := WrapADTS(DefaultConfig(), make([]byte, 0x2000)); err == nil {
		t.Error("oversized frame should fail")
	}
}

func TestADTSSampleRateInvalid(t *testing.T) {
	t.Parallel()
	for name, data := range map[string][]byte{
		"short":         {0xFF, 0xF1},
		"no sync":       {0x00, 0x00, 0x50, 0x80, 0, 0, 0},
		"reserved rate": {0xFF, 0xF1, 0x3C, 0x80, 0, 0, 0},
	} {
		if _, err := ADTSSampleRate(data); !errors.Is(err, ErrInvalidADTS) {
			t.Errorf("%s: got %v, want ErrInvalidADTS", name, err)
		}
	}
}

func TestStripADTSWithCRC(t *testing.T) {
	t.Parallel()
	raw := []byte{0x21, 0x10, 0x04}
	frame, err := WrapADTS(DefaultConfig(), raw)
	if err != nil {
		t.Fatal(err)
	}

	// protection_absent = 0 adds a 16-bit CRC after the header
	withCRC := append([]byte(nil), frame[:ADTSHeaderLength]...)
	withCRC[1] &^= 0x01
	withCRC = append(withCRC, 0xAB, 0xCD)
	withCRC = append(withCRC, raw...)

	hdr, err := DecodeADTS(withCRC)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if hdr.HeaderLength != 9 {
		t.Errorf("header length: got %d, want 9", hdr.HeaderLength)
	}
	payload, err := StripADTS(withCRC)
	if err != nil {
		t.Fatalf("strip: %v", err)
	}
	if !bytes.Equal(payload, raw) {
		t.Errorf("payload: got %x, want %x", payload, raw)
	}

	if _, err := StripADTS([]byte{0xFF, 0xF1, 0x50}); !errors.Is(err, ErrInvalidADTS) {
		t.Errorf("short frame: got %v, want ErrInvalidADTS", err)
	}
}

func TestDecodeADTSRejectsLeadingGarbage(t *testing.T) {
	t.Parallel()
	frame, err := WrapADTS(DefaultConfig(), []byte{0x21})
	if err != nil {
		t.Fatal(err)
	}
	shifted := append([]byte{0x00}, frame...)
	if _, err := DecodeADTS(shifted); !errors.Is(err, ErrInvalidADTS) {
		t.Errorf("got %v, want ErrInvalidADTS", err)
	}
}
