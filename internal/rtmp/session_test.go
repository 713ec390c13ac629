package rtmp

import (
	"bytes"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"mseingest/internal/codec/aac"
	"mseingest/internal/codec/avc"
	"mseingest/internal/mediatime"
	"mseingest/internal/metrics"
	"mseingest/internal/source"
	"mseingest/internal/video"
	"mseingest/pkg/models"
)

var testDCR = []byte{
	0x01, 0x42, 0xC0, 0x1E, 0xFF,
	0xE1, 0x00, 0x04, 0x67, 0x42, 0xC0, 0x1E,
	0x01, 0x00, 0x03, 0x68, 0xCE, 0x3C,
}

var (
	aacSequenceHeader = []byte{0xAF, 0x00, 0x12, 0x10}
	aacRaw            = []byte{0xAF, 0x01, 0x21, 0x10, 0x04, 0x60}
	avcSequenceHeader = append([]byte{0x17, 0x00, 0x00, 0x00, 0x00}, testDCR...)
	avcKey            = []byte{0x17, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x02, 0x65, 0x88}
	avcInter          = []byte{0x27, 0x01, 0x00, 0x00, 0x28, 0x00, 0x00, 0x00, 0x02, 0x41, 0x9A}
)

type sinkEntry struct {
	ts    mediatime.Time
	audio *source.AudioFrame
	video *video.Frame
}

type fakeSink struct {
	entries    []sinkEntry
	err        error
	metadata   map[string]interface{}
	videoCodec *models.CodecInfo
	audioCodec *models.CodecInfo
}

func (s *fakeSink) WriteAudio(ts mediatime.Time, f *source.AudioFrame) error {
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, sinkEntry{ts: ts, audio: f})
	return nil
}

func (s *fakeSink) WriteVideo(ts mediatime.Time, f *video.Frame) error {
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, sinkEntry{ts: ts, video: f})
	return nil
}

func (s *fakeSink) SetMetadata(md map[string]interface{}) { s.metadata = md }
func (s *fakeSink) SetVideoCodec(info models.CodecInfo)   { s.videoCodec = &info }
func (s *fakeSink) SetAudioCodec(info models.CodecInfo)   { s.audioCodec = &info }

type fakeAACDecoder struct {
	sampleRate int
	buffering  int
	fail       bool
	calls      int
}

func (d *fakeAACDecoder) Decode(adts []byte, pcm []int16) (aac.DecodedFrame, error) {
	d.calls++
	if d.fail {
		return aac.DecodedFrame{}, errors.New("corrupt frame")
	}
	if d.buffering > 0 {
		d.buffering--
		return aac.DecodedFrame{}, aac.ErrNeedMoreData
	}
	for i := range pcm {
		pcm[i] = int16(i)
	}
	return aac.DecodedFrame{Samples: len(pcm), SampleRate: d.sampleRate}, nil
}

func (d *fakeAACDecoder) Close() error { return nil }

type fakeAVCDecoder struct {
	packets []avc.DecodePacket
}

func (d *fakeAVCDecoder) SendPacket(pkt avc.DecodePacket) error {
	d.packets = append(d.packets, pkt)
	return nil
}

func (d *fakeAVCDecoder) Close() error { return nil }

func newTestSession(t *testing.T, sink *fakeSink, dec aac.Decoder) (*Session, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	return NewSession(SessionConfig{
		Mountpoint:   "live",
		Sink:         sink,
		AudioDecoder: dec,
		Logger:       logger,
	}), hook
}

func metadataEvent(rate float64) StreamMetadataChanged {
	return StreamMetadataChanged{Metadata: &StreamMetadata{
		FrameRate:  rate,
		Properties: map[string]interface{}{"framerate": rate},
	}}
}

func mustHandle(t *testing.T, s *Session, ev Event) {
	t.Helper()
	if err := s.HandleEvent(ev); err != nil {
		t.Fatalf("handle %T: %v", ev, err)
	}
}

func TestAudioTimestamps(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	s, _ := newTestSession(t, sink, &fakeAACDecoder{sampleRate: 44100})

	mustHandle(t, s, AudioDataReceived{Timestamp: 0, Data: aacSequenceHeader})
	for i := 0; i < 3; i++ {
		// RTMP timestamps are ignored for audio
		mustHandle(t, s, AudioDataReceived{Timestamp: uint32(i * 1000), Data: aacRaw})
	}

	if len(sink.entries) != 3 {
		t.Fatalf("got %d frames, want 3", len(sink.entries))
	}
	for i, want := range []mediatime.Time{mediatime.Zero, mediatime.New(1024, 44100), mediatime.New(2048, 44100)} {
		e := sink.entries[i]
		if !e.ts.Equal(want) {
			t.Errorf("frame %d: got timestamp %s, want %s", i, e.ts, want)
		}
		if len(e.audio.PCM) != 2048 {
			t.Errorf("frame %d: got %d samples, want 2048", i, len(e.audio.PCM))
		}
		if len(e.audio.ADTS) != aac.ADTSHeaderLength+len(aacRaw)-2 {
			t.Errorf("frame %d: got %d ADTS bytes", i, len(e.audio.ADTS))
		}
	}
	if want := mediatime.New(3072, 44100); !s.AudioTime().Equal(want) {
		t.Errorf("audio time: got %s, want %s", s.AudioTime(), want)
	}
	if sink.audioCodec == nil || sink.audioCodec.SampleRate != 44100 || sink.audioCodec.Channels != 2 {
		t.Errorf("audio codec: got %+v", sink.audioCodec)
	}
}

func TestAudioBeforeSequenceHeaderDropped(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	dec := &fakeAACDecoder{sampleRate: 44100}
	s, hook := newTestSession(t, sink, dec)

	mustHandle(t, s, AudioDataReceived{Data: aacRaw})
	if len(sink.entries) != 0 || dec.calls != 0 {
		t.Errorf("got %d frames and %d decode calls, want none", len(sink.entries), dec.calls)
	}
	if e := hook.LastEntry(); e == nil || e.Level != logrus.WarnLevel {
		t.Errorf("want a warning, got %v", e)
	}
}

func TestAudioUnknownPacketDropped(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	s, _ := newTestSession(t, sink, &fakeAACDecoder{sampleRate: 44100})

	for _, data := range [][]byte{{0x2F, 0x01, 0x00}, {0xAF}, {0xAF, 0x07, 0x00}} {
		mustHandle(t, s, AudioDataReceived{Data: data})
	}
	if len(sink.entries) != 0 {
		t.Errorf("got %d frames, want 0", len(sink.entries))
	}
}

func TestAudioDecoderBuffering(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	s, _ := newTestSession(t, sink, &fakeAACDecoder{sampleRate: 44100, buffering: 2})

	mustHandle(t, s, AudioDataReceived{Data: aacSequenceHeader})
	for i := 0; i < 3; i++ {
		mustHandle(t, s, AudioDataReceived{Data: aacRaw})
	}
	if len(sink.entries) != 1 {
		t.Fatalf("got %d frames, want 1", len(sink.entries))
	}
	if !sink.entries[0].ts.Equal(mediatime.Zero) {
		t.Errorf("first decoded frame: got %s, want 0/1", sink.entries[0].ts)
	}
}

func TestAudioDecodeErrorDropped(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	s, _ := newTestSession(t, sink, &fakeAACDecoder{fail: true})

	mustHandle(t, s, AudioDataReceived{Data: aacSequenceHeader})
	mustHandle(t, s, AudioDataReceived{Data: aacRaw})
	if len(sink.entries) != 0 {
		t.Errorf("got %d frames, want 0", len(sink.entries))
	}
	if !s.AudioTime().Equal(mediatime.Zero) {
		t.Errorf("audio time moved to %s", s.AudioTime())
	}
	if len(s.pendingADTS) != 0 {
		t.Errorf("pending ADTS frames: got %d, want 0", len(s.pendingADTS))
	}
}

func TestAudioDecoderBufferingKeepsADTSOrder(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	s, _ := newTestSession(t, sink, &fakeAACDecoder{sampleRate: 44100, buffering: 2})

	mustHandle(t, s, AudioDataReceived{Data: aacSequenceHeader})
	for i := byte(1); i <= 3; i++ {
		mustHandle(t, s, AudioDataReceived{Data: []byte{0xAF, 0x01, 0x21, 0x10, i}})
	}
	if len(sink.entries) != 1 {
		t.Fatalf("got %d frames, want 1", len(sink.entries))
	}
	adts := sink.entries[0].audio.ADTS
	if got := adts[len(adts)-1]; got != 1 {
		t.Errorf("PCM paired with ADTS of packet %d, want packet 1", got)
	}
	if len(s.pendingADTS) != 2 {
		t.Errorf("pending ADTS frames: got %d, want 2", len(s.pendingADTS))
	}
}

func TestAudioPendingADTSBounded(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	s, hook := newTestSession(t, sink, &fakeAACDecoder{sampleRate: 44100, buffering: 1000})

	mustHandle(t, s, AudioDataReceived{Data: aacSequenceHeader})
	for i := 0; i < maxPendingADTS+6; i++ {
		mustHandle(t, s, AudioDataReceived{Data: aacRaw})
	}
	if len(s.pendingADTS) != maxPendingADTS {
		t.Errorf("pending ADTS frames: got %d, want %d", len(s.pendingADTS), maxPendingADTS)
	}
	var warned int
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warned++
		}
	}
	if warned != 6 {
		t.Errorf("backlog warnings: got %d, want 6", warned)
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetCounter().GetValue()
}

func TestSessionRecordsFrameMetrics(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	m := metrics.New(prometheus.NewRegistry())
	s := NewSession(SessionConfig{
		Mountpoint:   "live",
		Sink:         sink,
		AudioDecoder: &fakeAACDecoder{sampleRate: 44100},
		Metrics:      m,
	})

	mustHandle(t, s, AudioDataReceived{Data: aacSequenceHeader})
	for i := 0; i < 3; i++ {
		mustHandle(t, s, AudioDataReceived{Data: aacRaw})
	}
	mustHandle(t, s, metadataEvent(25))
	mustHandle(t, s, VideoDataReceived{Data: avcSequenceHeader})
	mustHandle(t, s, VideoDataReceived{Timestamp: 0, Data: avcKey})
	mustHandle(t, s, VideoDataReceived{Timestamp: 40, Data: avcInter})

	if got := counterValue(t, m.FramesReceived.WithLabelValues("live", "audio")); got != 3 {
		t.Errorf("audio frames: got %v, want 3", got)
	}
	if got := counterValue(t, m.FramesReceived.WithLabelValues("live", "video")); got != 2 {
		t.Errorf("video frames: got %v, want 2", got)
	}

	sink.err = errors.New("closed")
	if err := s.HandleEvent(AudioDataReceived{Data: aacRaw}); err == nil {
		t.Fatal("sink error should end the session")
	}
	if got := counterValue(t, m.FramesReceived.WithLabelValues("live", "audio")); got != 3 {
		t.Errorf("rejected frame was counted: got %v, want 3", got)
	}
}

func TestUnexpectedSampleRateIsFatal(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	s, _ := newTestSession(t, sink, &fakeAACDecoder{sampleRate: 48000})

	mustHandle(t, s, AudioDataReceived{Data: aacSequenceHeader})
	err := s.HandleEvent(AudioDataReceived{Data: aacRaw})
	if !errors.Is(err, ErrUnexpectedSampleRate) {
		t.Errorf("got %v, want ErrUnexpectedSampleRate", err)
	}
	if len(sink.entries) != 0 {
		t.Errorf("got %d frames, want 0", len(sink.entries))
	}
}

func TestBadAudioSequenceHeaderIsFatal(t *testing.T) {
	t.Parallel()
	s, _ := newTestSession(t, &fakeSink{}, &fakeAACDecoder{sampleRate: 44100})
	if err := s.HandleEvent(AudioDataReceived{Data: []byte{0xAF, 0x00, 0x12}}); err == nil {
		t.Error("truncated AudioSpecificConfig should end the session")
	}
}

func TestAudioWithoutDecoder(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	s, _ := newTestSession(t, sink, nil)

	mustHandle(t, s, AudioDataReceived{Data: aacSequenceHeader})
	mustHandle(t, s, AudioDataReceived{Data: aacRaw})
	if len(sink.entries) != 1 {
		t.Fatalf("got %d frames, want 1", len(sink.entries))
	}
	if f := sink.entries[0].audio; f.PCM != nil || f.SampleRate != 44100 {
		t.Errorf("got PCM %d samples at %d Hz", len(f.PCM), f.SampleRate)
	}
}

func TestVideoRequiresMetadata(t *testing.T) {
	t.Parallel()
	s, _ := newTestSession(t, &fakeSink{}, nil)
	if err := s.HandleEvent(VideoDataReceived{Data: avcSequenceHeader}); !errors.Is(err, ErrMetadataNotYetSent) {
		t.Errorf("got %v, want ErrMetadataNotYetSent", err)
	}
}

func TestVideoKeyFrameReferences(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	s, _ := newTestSession(t, sink, nil)
	dec := &fakeAVCDecoder{}
	s.videoDecoder = dec

	mustHandle(t, s, metadataEvent(30))
	mustHandle(t, s, VideoDataReceived{Timestamp: 0, Data: avcSequenceHeader})
	for i, data := range [][]byte{avcKey, avcInter, avcInter, avcKey, avcInter} {
		mustHandle(t, s, VideoDataReceived{Timestamp: uint32(i * 33), Data: data})
	}

	if len(sink.entries) != 5 {
		t.Fatalf("got %d frames, want 5 (the sequence header makes none)", len(sink.entries))
	}
	frames := make([]*video.Frame, len(sink.entries))
	for i, e := range sink.entries {
		frames[i] = e.video
		if want := mediatime.New(int64(i*33), 1000); !e.ts.Equal(want) {
			t.Errorf("frame %d: got timestamp %s, want %s", i, e.ts, want)
		}
		if want := mediatime.New(1, 30); !e.video.DurationHint.Equal(want) {
			t.Errorf("frame %d: got duration %s, want %s", i, e.video.DurationHint, want)
		}
	}

	if frames[0].KeyFrame != nil || frames[3].KeyFrame != nil {
		t.Error("key frames should not reference another frame")
	}
	for _, i := range []int{1, 2} {
		if frames[i].KeyFrame != frames[0] {
			t.Errorf("frame %d should reference frame 0", i)
		}
	}
	if frames[4].KeyFrame != frames[3] {
		t.Error("frame 4 should reference frame 3")
	}
	if frames[1].KeyFrame.ID() != frames[2].KeyFrame.ID() {
		t.Error("frames 1 and 2 should share a key frame identity")
	}
	if got := s.CurrentKeyFrame(); got != frames[3] {
		t.Errorf("current key frame: got %v, want frame 3", got)
	}
	if got := frames[1].Specific.CompositionTime; !got.Equal(mediatime.New(40, 1000)) {
		t.Errorf("composition time: got %s, want 40/1000", got)
	}
	if frames[0].Specific.Bitstream.DCR != frames[4].Specific.Bitstream.DCR {
		t.Error("bitstreams should share the decoder configuration")
	}

	if len(dec.packets) != 5 {
		t.Fatalf("decoder got %d packets, want 5", len(dec.packets))
	}
	if p := dec.packets[1]; p.DTS != 33 || p.PTS != 73 || p.IsKeyFrame || !bytes.Equal(p.DCR, testDCR) {
		t.Errorf("decoder packet: got dts %d pts %d key %v", p.DTS, p.PTS, p.IsKeyFrame)
	}
	if sink.videoCodec == nil || sink.videoCodec.Codec != "h264" || sink.videoCodec.Profile != 0x42 {
		t.Errorf("video codec: got %+v", sink.videoCodec)
	}
}

func TestVideoWithoutDCRDropped(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	s, _ := newTestSession(t, sink, nil)

	mustHandle(t, s, metadataEvent(25))
	mustHandle(t, s, VideoDataReceived{Data: avcKey})
	if len(sink.entries) != 0 {
		t.Errorf("got %d frames, want 0", len(sink.entries))
	}
}

func TestVideoEmptyAndEndOfSequence(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	s, _ := newTestSession(t, sink, nil)

	mustHandle(t, s, metadataEvent(25))
	mustHandle(t, s, VideoDataReceived{Data: avcSequenceHeader})
	mustHandle(t, s, VideoDataReceived{Data: []byte{0x27, 0x01, 0, 0, 0}})
	mustHandle(t, s, VideoDataReceived{Data: []byte{0x17, 0x02, 0, 0, 0}})
	mustHandle(t, s, VideoDataReceived{Data: []byte{0x17}})
	if len(sink.entries) != 0 {
		t.Errorf("got %d frames, want 0", len(sink.entries))
	}
}

func TestSecondSequenceHeaderReplacesDCR(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	s, hook := newTestSession(t, sink, nil)

	mustHandle(t, s, metadataEvent(25))
	mustHandle(t, s, VideoDataReceived{Data: avcSequenceHeader})
	first := s.DCR()
	mustHandle(t, s, VideoDataReceived{Data: avcSequenceHeader})
	if s.DCR() == first {
		t.Error("second sequence header should replace the configuration")
	}

	warned := false
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warned = true
		}
	}
	if !warned {
		t.Error("second sequence header should be logged as a warning")
	}
}

func TestVideoTrace(t *testing.T) {
	t.Parallel()
	var trace bytes.Buffer
	s := NewSession(SessionConfig{Sink: &fakeSink{}, Trace: &trace})

	mustHandle(t, s, metadataEvent(25))
	mustHandle(t, s, VideoDataReceived{Data: avcSequenceHeader})
	mustHandle(t, s, VideoDataReceived{Data: avcKey})
	if !bytes.HasPrefix(trace.Bytes(), []byte{0, 0, 0, 1, 0x67}) {
		t.Errorf("trace should start with the SPS, got %x", trace.Bytes())
	}
}

func TestSinkRejectionIsFatal(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	s, _ := newTestSession(t, sink, &fakeAACDecoder{sampleRate: 44100})

	mustHandle(t, s, metadataEvent(25))
	mustHandle(t, s, AudioDataReceived{Data: aacSequenceHeader})
	mustHandle(t, s, VideoDataReceived{Data: avcSequenceHeader})

	sink.err = source.ErrClosed
	for _, ev := range []Event{AudioDataReceived{Data: aacRaw}, VideoDataReceived{Data: avcKey}} {
		err := s.HandleEvent(ev)
		if !errors.Is(err, ErrSourceSend) || !errors.Is(err, source.ErrClosed) {
			t.Errorf("%T: got %v, want ErrSourceSend wrapping ErrClosed", ev, err)
		}
	}
}

func TestMetadataWithoutFrameRate(t *testing.T) {
	t.Parallel()
	s, _ := newTestSession(t, &fakeSink{}, nil)
	err := s.HandleEvent(StreamMetadataChanged{Metadata: &StreamMetadata{Width: 1280}})
	if !errors.Is(err, ErrUnsupportedStream) {
		t.Errorf("got %v, want ErrUnsupportedStream", err)
	}
	if s.Meta() != nil {
		t.Error("meta should stay unset")
	}
}

func TestMetadataRecorded(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	s, _ := newTestSession(t, sink, nil)
	mustHandle(t, s, metadataEvent(30))
	if sink.metadata["framerate"] != 30.0 {
		t.Errorf("metadata: got %v", sink.metadata)
	}
}
