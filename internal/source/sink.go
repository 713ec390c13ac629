package source

import (
	"sync"

	"mseingest/internal/mediatime"
	"mseingest/internal/video"
	"mseingest/pkg/models"
)

// AudioFrame is one decoded AAC frame.
type AudioFrame struct {
	// PCM is interleaved stereo, truncated to the decoded sample count.
	PCM        []int16
	SampleRate int
	// ADTS is the encoded frame the PCM was decoded from.
	ADTS     []byte
	Duration mediatime.Duration
}

// Packet is one unit delivered to a mountpoint. Exactly one of Audio and
// Video is set.
type Packet struct {
	// Generation identifies the publish session the packet belongs to.
	Generation uint64
	Timestamp  mediatime.Time
	Audio      *AudioFrame
	Video      *video.Frame
}

// Receiver is the consuming end of a mountpoint.
type Receiver struct {
	registry *Registry
	entry    *entry
}

// Name returns the mountpoint name
func (r *Receiver) Name() string {
	return r.entry.mp.Name
}

// Packets returns the channel packets are delivered on. It is never closed;
// select on Done to observe shutdown.
func (r *Receiver) Packets() <-chan Packet {
	return r.entry.packets
}

// Done is closed once the mountpoint is unregistered.
func (r *Receiver) Done() <-chan struct{} {
	return r.entry.done
}

// Close unregisters the mountpoint. Connected publishers fail their next write.
func (r *Receiver) Close() error {
	r.registry.unlisten(r.entry)
	return nil
}

// Sender is the publishing end of a mountpoint, held by one RTMP session.
type Sender struct {
	registry   *Registry
	entry      *entry
	generation uint64
	closed     chan struct{}
	once       sync.Once
}

// Generation returns the publish generation of this sender
func (s *Sender) Generation() uint64 {
	return s.generation
}

// WriteAudio delivers a decoded audio frame. It blocks until the mountpoint
// queue accepts it and fails with ErrClosed if either end has been closed.
func (s *Sender) WriteAudio(ts mediatime.Time, frame *AudioFrame) error {
	if err := s.write(Packet{Generation: s.generation, Timestamp: ts, Audio: frame}); err != nil {
		return err
	}
	s.entry.mp.RecordFrame(false, false, len(frame.ADTS))
	return nil
}

// WriteVideo delivers a video frame. Blocking and failure are as for WriteAudio.
func (s *Sender) WriteVideo(ts mediatime.Time, frame *video.Frame) error {
	if err := s.write(Packet{Generation: s.generation, Timestamp: ts, Video: frame}); err != nil {
		return err
	}
	size := 0
	if bs := frame.Specific.Bitstream; bs != nil {
		size = len(bs.Data)
	}
	s.entry.mp.RecordFrame(true, frame.IsKeyFrame(), size)
	return nil
}

func (s *Sender) write(p Packet) error {
	select {
	case <-s.closed:
		return ErrClosed
	case <-s.entry.done:
		return ErrClosed
	default:
	}

	select {
	case s.entry.packets <- p:
		return nil
	case <-s.closed:
		return ErrClosed
	case <-s.entry.done:
		return ErrClosed
	}
}

// SetMetadata records the publisher's onMetaData on the mountpoint
func (s *Sender) SetMetadata(md map[string]interface{}) {
	s.entry.mp.SetMetadata(md)
}

// SetVideoCodec records the video codec parameters on the mountpoint
func (s *Sender) SetVideoCodec(info models.CodecInfo) {
	s.entry.mp.SetVideoCodec(info)
}

// SetAudioCodec records the audio codec parameters on the mountpoint
func (s *Sender) SetAudioCodec(info models.CodecInfo) {
	s.entry.mp.SetAudioCodec(info)
}

// Close releases the mountpoint for the next publisher.
func (s *Sender) Close() error {
	s.once.Do(func() {
		close(s.closed)
		s.registry.release(s)
	})
	return nil
}
