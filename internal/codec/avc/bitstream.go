package avc

import (
	"bytes"
	"fmt"
	"io"
)

// H.264 NAL unit types
const (
	NALUnitTypeNonIDR = 1
	NALUnitTypeIDR    = 5
	NALUnitTypeSEI    = 6
	NALUnitTypeSPS    = 7
	NALUnitTypePPS    = 8
	NALUnitTypeAUD    = 9
)

// AnnexB start codes
var (
	// 4-byte start code (used for parameter sets and IDR slices)
	StartCode4 = []byte{0x00, 0x00, 0x00, 0x01}
	// 3-byte start code (used for most NALs)
	StartCode3 = []byte{0x00, 0x00, 0x01}
)

// Bitstream is one access unit as received over RTMP: NAL units prefixed with
// a big-endian length whose size is given by the DCR. The DCR is shared with
// every other bitstream of the same stream.
type Bitstream struct {
	Data []byte
	DCR  *DecoderConfigurationRecord
}

// NewBitstream wraps length-prefixed data.
func NewBitstream(data []byte, dcr *DecoderConfigurationRecord) *Bitstream {
	return &Bitstream{Data: data, DCR: dcr}
}

// NALUnits splits the bitstream into NAL units without copying.
func (b *Bitstream) NALUnits() ([][]byte, error) {
	lengthSize := 4
	if b.DCR != nil {
		lengthSize = int(b.DCR.NALUnitLength)
	}
	return SplitLengthPrefixed(b.Data, lengthSize)
}

// HasIDR reports whether any NAL unit is an IDR slice.
func (b *Bitstream) HasIDR() bool {
	nalus, err := b.NALUnits()
	if err != nil {
		return false
	}
	for _, nalu := range nalus {
		if nalu[0]&0x1F == NALUnitTypeIDR {
			return true
		}
	}
	return false
}

// WriteByteStream writes the access unit in Annex-B byte stream format. When
// the access unit holds an IDR slice the DCR's parameter sets are written
// first so that the output can be decoded from that point on.
func (b *Bitstream) WriteByteStream(w io.Writer) error {
	nalus, err := b.NALUnits()
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if b.DCR != nil && b.HasIDR() {
		buf.Write(ParameterSetsAnnexB(b.DCR))
	}
	writeAnnexB(&buf, nalus)

	_, err = w.Write(buf.Bytes())
	return err
}

// SplitLengthPrefixed splits AVCC formatted data (length-prefixed NAL units)
// into its NAL units. Zero-length units are skipped.
func SplitLengthPrefixed(data []byte, lengthSize int) ([][]byte, error) {
	switch lengthSize {
	case 1, 2, 4:
	default:
		return nil, fmt.Errorf("avc: unsupported NAL length size %d", lengthSize)
	}

	var nalus [][]byte
	offset := 0
	for offset < len(data) {
		if offset+lengthSize > len(data) {
			return nil, fmt.Errorf("avc: truncated NAL length at offset %d", offset)
		}

		var nalSize int
		for i := 0; i < lengthSize; i++ {
			nalSize = nalSize<<8 | int(data[offset+i])
		}
		offset += lengthSize

		if nalSize == 0 {
			continue
		}
		if offset+nalSize > len(data) {
			return nil, fmt.Errorf("avc: invalid NAL size %d at offset %d (exceeds buffer)", nalSize, offset-lengthSize)
		}

		nalus = append(nalus, data[offset:offset+nalSize])
		offset += nalSize
	}
	return nalus, nil
}

// ParameterSetsAnnexB returns the DCR's SPS and PPS as an Annex-B prefix.
func ParameterSetsAnnexB(dcr *DecoderConfigurationRecord) []byte {
	var buf bytes.Buffer
	for _, s := range dcr.SPS {
		buf.Write(StartCode4)
		buf.Write(s)
	}
	for _, p := range dcr.PPS {
		buf.Write(StartCode4)
		buf.Write(p)
	}
	return buf.Bytes()
}

func writeAnnexB(buf *bytes.Buffer, nalus [][]byte) {
	for _, nalu := range nalus {
		// 4-byte start code for SPS/PPS/IDR, 3-byte for the rest
		switch nalu[0] & 0x1F {
		case NALUnitTypeSPS, NALUnitTypePPS, NALUnitTypeIDR:
			buf.Write(StartCode4)
		default:
			buf.Write(StartCode3)
		}
		buf.Write(nalu)
	}
}
