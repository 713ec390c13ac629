package rtmp

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"mseingest/internal/codec/aac"
	"mseingest/internal/codec/avc"
	"mseingest/internal/mediatime"
	"mseingest/internal/metrics"
	"mseingest/internal/source"
	"mseingest/internal/video"
	"mseingest/pkg/models"
)

// DefaultExpectedSampleRate is the only audio sample rate accepted by default.
const DefaultExpectedSampleRate = 44100

// maxPendingADTS bounds the ADTS frames held while the audio decoder buffers.
const maxPendingADTS = 64

// Sink receives the frames produced by a session.
type Sink interface {
	WriteAudio(ts mediatime.Time, frame *source.AudioFrame) error
	WriteVideo(ts mediatime.Time, frame *video.Frame) error
}

// StreamInfoRecorder is implemented by sinks that keep stream information.
type StreamInfoRecorder interface {
	SetMetadata(md map[string]interface{})
	SetVideoCodec(info models.CodecInfo)
	SetAudioCodec(info models.CodecInfo)
}

// Event is something the RTMP connection raised for a publishing session.
type Event interface {
	isEvent()
}

// AudioDataReceived carries the body of an RTMP audio message.
type AudioDataReceived struct {
	Timestamp uint32
	Data      []byte
}

// VideoDataReceived carries the body of an RTMP video message.
type VideoDataReceived struct {
	Timestamp uint32
	Data      []byte
}

// StreamMetadataChanged carries a decoded onMetaData.
type StreamMetadataChanged struct {
	Metadata *StreamMetadata
}

func (AudioDataReceived) isEvent()     {}
func (VideoDataReceived) isEvent()     {}
func (StreamMetadataChanged) isEvent() {}

// SessionConfig configures a Session.
type SessionConfig struct {
	Mountpoint string
	Sink       Sink

	AudioDecoder aac.Decoder
	VideoDecoder avc.Decoder

	// ExpectedSampleRate defaults to DefaultExpectedSampleRate.
	ExpectedSampleRate int

	// Trace, when set, receives the video elementary stream in Annex-B form.
	Trace io.Writer

	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

// Session is the receive state of one publishing connection. It is driven
// by a single goroutine.
type Session struct {
	mountpoint         string
	sink               Sink
	info               StreamInfoRecorder
	audioDecoder       aac.Decoder
	videoDecoder       avc.Decoder
	expectedSampleRate int
	trace              io.Writer
	logger             logrus.FieldLogger
	metrics            *metrics.Metrics

	meta *StreamMeta

	asc         *aac.AudioSpecificConfig
	audioTime   mediatime.Time
	pendingADTS [][]byte

	dcr     *avc.DecoderConfigurationRecord
	clock   Clock
	tracker *video.Tracker
}

// NewSession creates a session writing to cfg.Sink.
func NewSession(cfg SessionConfig) *Session {
	s := &Session{
		mountpoint:         cfg.Mountpoint,
		sink:               cfg.Sink,
		audioDecoder:       cfg.AudioDecoder,
		videoDecoder:       cfg.VideoDecoder,
		expectedSampleRate: cfg.ExpectedSampleRate,
		trace:              cfg.Trace,
		logger:             cfg.Logger,
		metrics:            cfg.Metrics,
		audioTime:          mediatime.Zero,
		tracker:            video.NewTracker(),
	}
	if s.expectedSampleRate == 0 {
		s.expectedSampleRate = DefaultExpectedSampleRate
	}
	if s.videoDecoder == nil {
		s.videoDecoder = avc.NopDecoder{}
	}
	if s.logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		s.logger = l
	}
	if r, ok := cfg.Sink.(StreamInfoRecorder); ok {
		s.info = r
	}
	return s
}

// HandleEvent processes one event. A non-nil error ends the session.
func (s *Session) HandleEvent(ev Event) error {
	switch ev := ev.(type) {
	case AudioDataReceived:
		return s.receiveAudio(ev.Timestamp, ev.Data)
	case VideoDataReceived:
		return s.receiveVideo(ev.Timestamp, ev.Data)
	case StreamMetadataChanged:
		return s.receiveMetadata(ev.Metadata)
	default:
		s.logger.WithField("event", fmt.Sprintf("%T", ev)).Debug("Ignoring unknown event")
		return nil
	}
}

func (s *Session) receiveMetadata(md *StreamMetadata) error {
	meta, err := NewStreamMeta(md)
	if err != nil {
		return err
	}
	s.meta = meta

	s.logger.WithFields(logrus.Fields{
		"width":          md.Width,
		"height":         md.Height,
		"frame_rate":     md.VideoFrameRateValue(),
		"frame_duration": meta.VideoFrameDuration.String(),
		"encoder":        md.Encoder,
	}).Info("Received stream metadata")

	if s.info != nil {
		s.info.SetMetadata(md.Properties)
	}
	return nil
}

// Meta returns the stream properties derived from metadata, if received.
func (s *Session) Meta() *StreamMeta {
	return s.meta
}

func (s *Session) dropped(reason string) {
	s.metrics.RecordFrameDropped(s.mountpoint, reason)
}
