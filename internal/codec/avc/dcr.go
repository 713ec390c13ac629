package avc

import (
	"errors"
	"fmt"

	mp4avc "github.com/Eyevinn/mp4ff/avc"
)

// ErrShortDCR is returned when a sequence header is too small to hold an
// AVCDecoderConfigurationRecord.
var ErrShortDCR = errors.New("avc: decoder configuration record too short")

// DecoderConfigurationRecord is the AVCDecoderConfigurationRecord carried by
// the sequence header packet (ISO/IEC 14496-15 5.2.4.1).
type DecoderConfigurationRecord struct {
	AVCProfileIndication uint8
	ProfileCompatibility uint8
	AVCLevelIndication   uint8
	NALUnitLength        uint8    // size of the NAL unit length prefix, always 4
	SPS                  [][]byte // Sequence Parameter Sets
	PPS                  [][]byte // Picture Parameter Sets

	// ChromaFormat is only signalled by High profile records; zero otherwise.
	ChromaFormat uint8

	// Raw is the record exactly as received. It is what decoders expect as
	// extradata.
	Raw []byte
}

// ParseDecoderConfigurationRecord parses the body of an AVC sequence header.
// Records with 1 or 2 byte NAL unit lengths are rejected with
// mp4avc.ErrLengthSize.
func ParseDecoderConfigurationRecord(data []byte) (*DecoderConfigurationRecord, error) {
	if len(data) < 7 {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortDCR, len(data))
	}

	raw := append([]byte(nil), data...)
	rec, err := mp4avc.DecodeAVCDecConfRec(raw)
	if err != nil {
		return nil, fmt.Errorf("avc: decode configuration record: %w", err)
	}

	return &DecoderConfigurationRecord{
		AVCProfileIndication: rec.AVCProfileIndication,
		ProfileCompatibility: rec.ProfileCompatibility,
		AVCLevelIndication:   rec.AVCLevelIndication,
		NALUnitLength:        4,
		SPS:                  rec.SPSnalus,
		PPS:                  rec.PPSnalus,
		ChromaFormat:         rec.ChromaFormat,
		Raw:                  raw,
	}, nil
}
