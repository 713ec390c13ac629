package fmp4

import (
	"bytes"
	"fmt"

	mp4avc "github.com/Eyevinn/mp4ff/avc"
	"github.com/Eyevinn/mp4ff/mp4"

	"mseingest/internal/codec/aac"
)

const (
	// tkhd and mvhd fields for a live presentation
	unknownDuration = 0xFFFFFFFF
	unknownNextID   = 0xFFFFFFFF
	unityVolume     = 0x0100
)

var compatibleBrands = []string{"isom", "iso2", "avc1", "mp41"}

func (m *Mux) initSegment(p Params) ([]byte, error) {
	init := mp4.NewMP4Init()
	init.AddChild(mp4.NewFtyp("isom", 512, compatibleBrands))

	moov := mp4.NewMoovBox()
	init.AddChild(moov)

	mvhd := mp4.CreateMvhd()
	mvhd.Timescale = m.timescale
	mvhd.NextTrackID = unknownNextID
	moov.AddChild(mvhd)

	audio, err := m.audioTrak(p)
	if err != nil {
		return nil, err
	}
	moov.AddChild(audio)

	video, err := m.videoTrak(p)
	if err != nil {
		return nil, err
	}
	moov.AddChild(video)

	mvex := mp4.NewMvexBox()
	mvex.AddChild(mp4.CreateTrex(AudioTrackID))
	mvex.AddChild(mp4.CreateTrex(VideoTrackID))
	moov.AddChild(mvex)

	var buf bytes.Buffer
	buf.Grow(int(init.Size()))
	if err := init.Encode(&buf); err != nil {
		return nil, fmt.Errorf("fmp4: encode init segment: %w", err)
	}
	return buf.Bytes(), nil
}

// emptyTrak returns a trak with empty sample tables, an unknown duration and
// unity volume.
func (m *Mux) emptyTrak(trackID uint32, mediaType, handlerName string) *mp4.TrakBox {
	trak := mp4.CreateEmptyTrak(trackID, m.timescale, mediaType, "und")
	trak.Tkhd.Duration = unknownDuration
	trak.Tkhd.Volume = unityVolume
	trak.Mdia.Hdlr.Name = handlerName
	return trak
}

func (m *Mux) audioTrak(p Params) (*mp4.TrakBox, error) {
	asc := p.AudioConfig
	if asc == nil {
		asc = aac.DefaultConfig()
	}
	config, err := aac.EncodeConfig(asc)
	if err != nil {
		return nil, fmt.Errorf("fmp4: %w", err)
	}
	channels := uint16(asc.ChannelConfiguration)
	if channels == 0 {
		channels = aac.Channels
	}

	trak := m.emptyTrak(AudioTrackID, "audio", "SoundHandler")
	mp4a := mp4.CreateAudioSampleEntryBox("mp4a", channels, 16, uint16(asc.SamplingFrequency), mp4.CreateEsdsBox(config))
	trak.Mdia.Minf.Stbl.Stsd.AddChild(mp4a)
	return trak, nil
}

func (m *Mux) videoTrak(p Params) (*mp4.TrakBox, error) {
	rec, err := mp4avc.DecodeAVCDecConfRec(p.DCR)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadDCR, err)
	}

	trak := m.emptyTrak(VideoTrackID, "video", "VideoHandler")
	trak.Tkhd.Width = mp4.Fixed32(p.Width << 16)
	trak.Tkhd.Height = mp4.Fixed32(p.Height << 16)
	avc1 := mp4.CreateVisualSampleEntryBox("avc1", uint16(p.Width), uint16(p.Height), &mp4.AvcCBox{DecConfRec: rec})
	trak.Mdia.Minf.Stbl.Stsd.AddChild(avc1)
	return trak, nil
}
