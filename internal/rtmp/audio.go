package rtmp

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"mseingest/internal/codec/aac"
	"mseingest/internal/mediatime"
	"mseingest/internal/source"
	"mseingest/pkg/models"
)

func (s *Session) receiveAudio(timestamp uint32, data []byte) error {
	pkt := aac.ParsePacket(data)

	switch pkt.Kind {
	case aac.PacketSequenceHeader:
		asc, err := aac.ParseAudioSpecificConfig(pkt.Data)
		if err != nil {
			return fmt.Errorf("rtmp: audio sequence header: %w", err)
		}
		if s.asc != nil {
			s.logger.Warn("Received second AAC sequence header")
		}
		s.asc = asc
		s.logger.WithFields(logrus.Fields{
			"object_type": asc.ObjectType,
			"sample_rate": asc.SamplingFrequency,
			"channels":    asc.ChannelConfiguration,
		}).Info("Received AAC sequence header")
		if s.info != nil {
			s.info.SetAudioCodec(models.CodecInfo{
				Codec:      "aac",
				Profile:    int(asc.ObjectType),
				SampleRate: asc.SamplingFrequency,
				Channels:   int(asc.ChannelConfiguration),
			})
		}
		return nil

	case aac.PacketRawData:
		return s.decodeAudio(timestamp, pkt.Data)

	default:
		s.logger.WithField("bytes", len(data)).Warn("Received unknown audio packet, dropping")
		s.dropped("audio_unknown")
		return nil
	}
}

func (s *Session) decodeAudio(timestamp uint32, raw []byte) error {
	if s.asc == nil {
		s.logger.Warn("Received AAC data before sequence header, dropping")
		s.dropped("audio_no_config")
		return nil
	}

	adts, err := aac.WrapADTS(s.asc, raw)
	if err != nil {
		s.logger.WithError(err).Warn("Could not frame AAC packet, dropping")
		s.dropped("audio_framing")
		return nil
	}

	// 1024 samples per channel
	pcm := make([]int16, aac.FrameSamples*aac.Channels)

	var decoded aac.DecodedFrame
	if s.audioDecoder == nil {
		decoded = aac.DecodedFrame{Samples: len(pcm), SampleRate: s.asc.SamplingFrequency}
		pcm = nil
	} else {
		// The decoder may hold frames back, so its output belongs to the
		// oldest ADTS frame it has been given.
		s.pushPendingADTS(adts)
		decoded, err = s.audioDecoder.Decode(adts, pcm)
		switch {
		case errors.Is(err, aac.ErrNeedMoreData):
			s.logger.WithFields(logrus.Fields{
				"timestamp": timestamp,
				"pending":   len(s.pendingADTS),
			}).Debug("Audio decoder buffering")
			return nil
		case err != nil:
			s.pendingADTS = s.pendingADTS[:len(s.pendingADTS)-1]
			s.logger.WithError(err).Warn("Audio frame decode error, dropping")
			s.metrics.RecordDecodeError("aac")
			s.dropped("audio_decode")
			return nil
		}
		pcm = pcm[:decoded.Samples]
		adts = s.pendingADTS[0]
		s.pendingADTS[0] = nil
		s.pendingADTS = s.pendingADTS[1:]
	}

	if decoded.SampleRate != s.expectedSampleRate {
		return fmt.Errorf("%w: got %d Hz, want %d Hz", ErrUnexpectedSampleRate, decoded.SampleRate, s.expectedSampleRate)
	}

	duration := mediatime.New(aac.FrameSamples, int64(decoded.SampleRate))
	frame := &source.AudioFrame{
		PCM:        pcm,
		SampleRate: decoded.SampleRate,
		ADTS:       adts,
		Duration:   duration,
	}
	if err := s.sink.WriteAudio(s.audioTime, frame); err != nil {
		return fmt.Errorf("%w: %w", ErrSourceSend, err)
	}
	s.metrics.RecordFrame(s.mountpoint, false, len(adts))

	s.audioTime = s.audioTime.Add(duration)
	return nil
}

// pushPendingADTS queues a frame handed to the audio decoder. The oldest
// frame is discarded once maxPendingADTS frames are waiting for output.
func (s *Session) pushPendingADTS(adts []byte) {
	if len(s.pendingADTS) >= maxPendingADTS {
		s.logger.WithField("pending", len(s.pendingADTS)).Warn("Audio decoder produced no output, discarding oldest frame")
		s.pendingADTS[0] = nil
		s.pendingADTS = s.pendingADTS[1:]
		s.dropped("audio_backlog")
	}
	s.pendingADTS = append(s.pendingADTS, adts)
}

// AudioTime returns the timestamp the next audio frame will carry.
func (s *Session) AudioTime() mediatime.Time {
	return s.audioTime
}
