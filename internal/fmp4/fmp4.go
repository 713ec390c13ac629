// Package fmp4 writes fragmented MP4 for Media Source Extensions: one
// initialization segment, then one moof+mdat pair per sample.
//
// Track 1 carries AAC audio and track 2 carries H.264 video. No duration is
// declared anywhere in the initialization segment.
package fmp4

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/Eyevinn/mp4ff/mp4"

	"mseingest/internal/codec/aac"
	"mseingest/internal/mediatime"
)

const (
	AudioTrackID = 1
	VideoTrackID = 2

	// DefaultTimescale is used when Params.Timescale is zero.
	DefaultTimescale = 90000

	mdatHeaderSize = 8
)

var (
	ErrInvalidADTS = errors.New("fmp4: malformed ADTS frame")
	ErrBadDCR      = errors.New("fmp4: invalid AVC decoder configuration record")
	ErrNoData      = errors.New("fmp4: no track data")
)

// Params fixes the properties of an output session.
type Params struct {
	Timescale uint32
	Width     uint32
	Height    uint32
	// DCR is the raw AVC decoder configuration record carried in avcC.
	DCR []byte
	// AudioConfig describes the audio track; AAC-LC 44.1 kHz stereo when nil.
	AudioConfig *aac.AudioSpecificConfig
}

// TrackData is one sample for WriteTrack: an AudioTrack or a VideoTrack.
type TrackData interface {
	trackID() uint32
}

// AudioTrack is one ADTS framed AAC frame.
type AudioTrack struct {
	ADTS []byte
}

func (AudioTrack) trackID() uint32 { return AudioTrackID }

// VideoTrack is one H.264 access unit in AVCC form.
type VideoTrack struct {
	IsKeyFrame      bool
	CompositionTime mediatime.Duration
	Data            []byte
}

func (VideoTrack) trackID() uint32 { return VideoTrackID }

// Mux holds the state of one MP4 output session. It is created together
// with the initialization segment and is not safe for concurrent use.
type Mux struct {
	sequence  uint32
	timescale uint32
	audioTime mediatime.Time
	videoTime mediatime.Time
}

// New starts an output session and returns its initialization segment.
func New(p Params) (*Mux, []byte, error) {
	if p.Timescale == 0 {
		p.Timescale = DefaultTimescale
	}
	m := &Mux{
		timescale: p.Timescale,
		audioTime: mediatime.Zero,
		videoTime: mediatime.Zero,
	}
	init, err := m.initSegment(p)
	if err != nil {
		return nil, nil, err
	}
	return m, init, nil
}

// Sequence returns the sequence number of the last fragment written.
func (m *Mux) Sequence() uint32 { return m.sequence }

// Timescale returns the container timescale.
func (m *Mux) Timescale() uint32 { return m.timescale }

// AudioTime returns the accumulated audio duration.
func (m *Mux) AudioTime() mediatime.Time { return m.audioTime }

// VideoTime returns the accumulated video duration.
func (m *Mux) VideoTime() mediatime.Time { return m.videoTime }

// WriteTrack returns a media fragment holding one sample of nominal duration.
//
// The base decode time is the track's accumulated time rounded into the
// timescale and the sample duration is the rounded end time minus that base,
// so rounding error never accumulates across fragments.
func (m *Mux) WriteTrack(duration mediatime.Duration, data TrackData) ([]byte, error) {
	var (
		clock   *mediatime.Time
		payload []byte
		trun    = &mp4.TrunBox{
			Flags: mp4.TrunDataOffsetPresentFlag | mp4.TrunSampleDurationPresentFlag | mp4.TrunSampleSizePresentFlag,
		}
		sample mp4.Sample
	)

	switch d := data.(type) {
	case AudioTrack:
		raw, err := aac.StripADTS(d.ADTS)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidADTS, err)
		}
		clock = &m.audioTime
		payload = raw
	case VideoTrack:
		clock = &m.videoTime
		payload = d.Data
		trun.Version = 1
		trun.Flags |= mp4.TrunSampleFlagsPresentFlag | mp4.TrunSampleCompositionTimeOffsetPresentFlag
		sample.Flags = mp4.SampleFlags{SampleDependsOn: 1, SampleIsNonSync: !d.IsKeyFrame}.Encode()
		sample.CompositionTimeOffset = int32(d.CompositionTime.RoundToBase(int64(m.timescale)))
	case nil:
		return nil, ErrNoData
	default:
		return nil, fmt.Errorf("fmp4: unsupported track data %T", data)
	}

	if duration.Cmp(mediatime.Zero) < 0 {
		return nil, fmt.Errorf("fmp4: negative sample duration %s", duration)
	}

	base := clock.RoundToBase(int64(m.timescale))
	end := clock.Add(duration)
	sample.Dur = uint32(end.RoundToBase(int64(m.timescale)) - base)
	sample.Size = uint32(len(payload))
	trun.Samples = []mp4.Sample{sample}

	moof := &mp4.MoofBox{}
	traf := &mp4.TrafBox{}
	if err := moof.AddChild(mp4.CreateMfhd(m.sequence + 1)); err != nil {
		return nil, fmt.Errorf("fmp4: %w", err)
	}
	if err := moof.AddChild(traf); err != nil {
		return nil, fmt.Errorf("fmp4: %w", err)
	}
	for _, box := range []mp4.Box{mp4.CreateTfhd(data.trackID()), mp4.CreateTfdt(uint64(base)), trun} {
		if err := traf.AddChild(box); err != nil {
			return nil, fmt.Errorf("fmp4: %w", err)
		}
	}
	trun.DataOffset = int32(moof.Size()) + mdatHeaderSize

	mdat := &mp4.MdatBox{Data: payload}
	var buf bytes.Buffer
	buf.Grow(int(moof.Size() + mdat.Size()))
	if err := moof.Encode(&buf); err != nil {
		return nil, fmt.Errorf("fmp4: encode moof: %w", err)
	}
	if err := mdat.Encode(&buf); err != nil {
		return nil, fmt.Errorf("fmp4: encode mdat: %w", err)
	}

	*clock = end
	m.sequence++
	return buf.Bytes(), nil
}
