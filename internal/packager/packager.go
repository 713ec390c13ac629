// Package packager turns the frames delivered to a mountpoint into an fMP4
// initialization segment, a sliding window of media segments, and a live
// playlist referencing them.
package packager

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	mp4avc "github.com/Eyevinn/mp4ff/avc"
	"github.com/sirupsen/logrus"

	"mseingest/internal/codec/aac"
	"mseingest/internal/codec/avc"
	"mseingest/internal/fmp4"
	"mseingest/internal/mediatime"
	"mseingest/internal/metrics"
	"mseingest/internal/source"
	"mseingest/internal/storage"
	"mseingest/internal/video"
	"mseingest/pkg/models"
)

const (
	InitSegmentName = "init.mp4"
	PlaylistName    = "index.m3u8"

	// DefaultWindowSize is the number of media segments kept in storage.
	DefaultWindowSize = 10
)

// Config configures a Packager
type Config struct {
	Storage storage.Storage
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics

	// Timescale of the output; fmp4.DefaultTimescale when zero.
	Timescale uint32
	// WindowSize is the number of segments kept; DefaultWindowSize when zero.
	WindowSize int
}

// segmentBuffer collects the fragments of the open segment
type segmentBuffer struct {
	data      bytes.Buffer
	fragments int
	start     mediatime.Time
}

// Packager consumes one mountpoint
type Packager struct {
	name     string
	receiver *source.Receiver
	storage  storage.Storage
	logger   logrus.FieldLogger
	metrics  *metrics.Metrics

	timescale uint32

	// owned by the Run goroutine
	generation  uint64
	mux         *fmp4.Mux
	dcr         *avc.DecoderConfigurationRecord
	audioConfig *aac.AudioSpecificConfig
	current     *segmentBuffer
	nextSegment uint64

	mu       sync.RWMutex
	playlist *models.Playlist
	hasInit  bool
}

// New creates a packager reading from receiver
func New(receiver *source.Receiver, cfg Config) *Packager {
	logger := cfg.Logger
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	window := cfg.WindowSize
	if window <= 0 {
		window = DefaultWindowSize
	}
	timescale := cfg.Timescale
	if timescale == 0 {
		timescale = fmp4.DefaultTimescale
	}

	name := receiver.Name()
	return &Packager{
		name:      name,
		receiver:  receiver,
		storage:   cfg.Storage,
		logger:    logger.WithField("mountpoint", name),
		metrics:   cfg.Metrics,
		timescale: timescale,
		playlist: &models.Playlist{
			Mountpoint:      name,
			InitSegmentPath: InitSegmentName,
			MaxSegments:     window,
		},
	}
}

// Name returns the mountpoint name
func (p *Packager) Name() string {
	return p.name
}

// Run processes packets until ctx is done or the receiver is closed.
func (p *Packager) Run(ctx context.Context) error {
	p.logger.Info("Packager started")
	defer p.logger.Info("Packager stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.receiver.Done():
			return nil
		case pkt := <-p.receiver.Packets():
			if err := p.handlePacket(ctx, pkt); err != nil {
				p.logger.WithError(err).Error("Failed to package frame")
			}
		}
	}
}

func (p *Packager) handlePacket(ctx context.Context, pkt source.Packet) error {
	if pkt.Generation != p.generation {
		p.reset(ctx, pkt.Generation)
	}

	switch {
	case pkt.Video != nil:
		return p.handleVideo(ctx, pkt.Video)
	case pkt.Audio != nil:
		return p.handleAudio(pkt.Audio)
	}
	return nil
}

// reset starts over for a new publish session
func (p *Packager) reset(ctx context.Context, generation uint64) {
	p.logger.WithFields(logrus.Fields{
		"old_generation": p.generation,
		"generation":     generation,
	}).Info("New publish session, resetting output")

	p.generation = generation
	p.mux = nil
	p.dcr = nil
	p.audioConfig = nil
	p.current = nil

	p.mu.Lock()
	evicted := p.playlist.Reset()
	p.hasInit = false
	p.mu.Unlock()

	p.deleteSegments(ctx, evicted)
}

func (p *Packager) handleVideo(ctx context.Context, frame *video.Frame) error {
	bs := frame.Specific.Bitstream
	if bs == nil {
		return nil
	}
	key := frame.IsKeyFrame()

	if p.mux == nil {
		if !key {
			p.metrics.RecordFrameDropped(p.name, "awaiting_key_frame")
			return nil
		}
		if err := p.start(ctx, bs.DCR); err != nil {
			return err
		}
	} else if key && bs.DCR != p.dcr && !bytes.Equal(bs.DCR.Raw, p.dcr.Raw) {
		p.logger.Warn("Decoder configuration changed mid-stream, keeping the initialization segment")
		p.dcr = bs.DCR
	}

	if key {
		p.metrics.RecordKeyFrame()
		if err := p.closeSegment(ctx); err != nil {
			return err
		}
	}

	fragment, err := p.mux.WriteTrack(frame.DurationHint, fmp4.VideoTrack{
		IsKeyFrame:      key,
		CompositionTime: frame.Specific.CompositionTime,
		Data:            bs.Data,
	})
	if err != nil {
		return fmt.Errorf("packager: video fragment: %w", err)
	}
	p.metrics.RecordFragment("video")
	p.appendFragment(fragment)
	return nil
}

func (p *Packager) handleAudio(frame *source.AudioFrame) error {
	if p.audioConfig == nil {
		if asc, err := aac.ADTSConfig(frame.ADTS); err == nil {
			p.audioConfig = asc
		}
	}
	if p.mux == nil {
		p.metrics.RecordFrameDropped(p.name, "awaiting_key_frame")
		return nil
	}

	fragment, err := p.mux.WriteTrack(frame.Duration, fmp4.AudioTrack{ADTS: frame.ADTS})
	if err != nil {
		return fmt.Errorf("packager: audio fragment: %w", err)
	}
	p.metrics.RecordFragment("audio")
	p.appendFragment(fragment)
	return nil
}

// start creates the muxer from the first key frame's configuration and
// stores the initialization segment
func (p *Packager) start(ctx context.Context, dcr *avc.DecoderConfigurationRecord) error {
	if dcr == nil {
		return fmt.Errorf("packager: key frame without decoder configuration")
	}

	params := fmp4.Params{
		Timescale:   p.timescale,
		DCR:         dcr.Raw,
		AudioConfig: p.audioConfig,
	}
	if len(dcr.SPS) > 0 {
		if sps, err := mp4avc.ParseSPSNALUnit(dcr.SPS[0], false); err == nil {
			params.Width = uint32(sps.Width)
			params.Height = uint32(sps.Height)
		} else {
			p.logger.WithError(err).Warn("Could not parse SPS, writing zero dimensions")
		}
	}

	mux, initSegment, err := fmp4.New(params)
	if err != nil {
		return fmt.Errorf("packager: %w", err)
	}
	if err := p.storage.Write(ctx, p.key(InitSegmentName), initSegment); err != nil {
		return fmt.Errorf("packager: store init segment: %w", err)
	}

	p.mux = mux
	p.dcr = dcr
	p.current = &segmentBuffer{start: mux.VideoTime()}

	p.mu.Lock()
	p.hasInit = true
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{
		"width":     params.Width,
		"height":    params.Height,
		"timescale": mux.Timescale(),
		"bytes":     len(initSegment),
	}).Info("Created init segment")
	return nil
}

func (p *Packager) appendFragment(fragment []byte) {
	p.current.data.Write(fragment)
	p.current.fragments++
}

// closeSegment stores the open segment, if it has any fragments, and opens
// the next one
func (p *Packager) closeSegment(ctx context.Context) error {
	seg := p.current
	p.current = &segmentBuffer{start: p.mux.VideoTime()}
	if seg == nil || seg.fragments == 0 {
		return nil
	}

	num := p.nextSegment
	p.nextSegment++

	key := p.key(models.SegmentFileName(num))
	data := seg.data.Bytes()
	if err := p.storage.Write(ctx, key, data); err != nil {
		return fmt.Errorf("packager: store segment %d: %w", num, err)
	}

	segment := &models.Segment{
		Mountpoint:  p.name,
		SequenceNum: num,
		Duration:    p.mux.VideoTime().Sub(seg.start).Float64(),
		FilePath:    key,
		FileSize:    int64(len(data)),
		Fragments:   seg.fragments,
		CreatedAt:   time.Now(),
	}

	p.mu.Lock()
	evicted := p.playlist.AddSegment(segment)
	m3u8 := p.playlist.GetM3U8Content()
	p.mu.Unlock()

	p.metrics.RecordSegment(segment.Duration, segment.FileSize)
	p.deleteSegments(ctx, evicted)

	if err := p.storage.Write(ctx, p.key(PlaylistName), []byte(m3u8)); err != nil {
		p.logger.WithError(err).Warn("Failed to store playlist")
	}

	p.logger.WithFields(logrus.Fields{
		"segment":   num,
		"fragments": seg.fragments,
		"duration":  segment.Duration,
		"bytes":     len(data),
	}).Debug("Created segment")
	return nil
}

func (p *Packager) deleteSegments(ctx context.Context, segments []*models.Segment) {
	for _, seg := range segments {
		if err := p.storage.Delete(ctx, seg.FilePath); err != nil {
			p.logger.WithError(err).WithField("segment", seg.SequenceNum).Warn("Failed to delete segment")
			continue
		}
		p.metrics.RecordSegmentDeleted()
	}
}

func (p *Packager) key(name string) string {
	return path.Join(p.name, name)
}

// Playlist returns the live playlist, or false before the first init segment
func (p *Packager) Playlist() (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.hasInit {
		return "", false
	}
	return p.playlist.GetM3U8Content(), true
}

// Segments returns the segments currently in the window
func (p *Packager) Segments() []models.Segment {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]models.Segment, len(p.playlist.Segments))
	for i, seg := range p.playlist.Segments {
		out[i] = *seg
	}
	return out
}
