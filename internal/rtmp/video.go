package rtmp

import (
	"fmt"

	mp4avc "github.com/Eyevinn/mp4ff/avc"
	"github.com/sirupsen/logrus"

	"mseingest/internal/codec/avc"
	"mseingest/internal/mediatime"
	"mseingest/internal/video"
	"mseingest/pkg/models"
)

func (s *Session) receiveVideo(timestamp uint32, data []byte) error {
	if s.meta == nil {
		return ErrMetadataNotYetSent
	}

	ext := s.clock.Extend(timestamp)

	pkt, err := avc.ParsePacket(data)
	if err != nil {
		s.logger.WithError(err).Warn("Could not parse video packet, dropping")
		s.dropped("video_parse")
		return nil
	}

	switch pkt.PacketType {
	case avc.PacketTypeSequenceHeader:
		s.receiveDCR(pkt.Data)
		return nil
	case avc.PacketTypeEndOfSequence:
		s.logger.Debug("Received AVC end of sequence")
		return nil
	}

	if pkt.FrameType == avc.FrameTypeInfo || len(pkt.Data) == 0 {
		return nil
	}

	if s.dcr == nil {
		s.logger.Warn("Cannot read AVC frame without decoder configuration, dropping")
		s.dropped("video_no_config")
		return nil
	}

	isKey := pkt.FrameType.IsKeyFrame()
	if err := s.videoDecoder.SendPacket(avc.DecodePacket{
		DTS:        ext,
		PTS:        ext + int64(pkt.CompositionTime),
		Data:       pkt.Data,
		DCR:        s.dcr.Raw,
		IsKeyFrame: isKey,
	}); err != nil {
		s.logger.WithError(err).Warn("Video decoder rejected packet")
		s.metrics.RecordDecodeError("h264")
	}

	bitstream := avc.NewBitstream(pkt.Data, s.dcr)
	if s.trace != nil {
		if err := bitstream.WriteByteStream(s.trace); err != nil {
			s.logger.WithError(err).Debug("Could not write video trace")
		}
	}

	frame := s.tracker.Next(avc.Frame{
		FrameType:       pkt.FrameType,
		CompositionTime: mediatime.FromMillis(int64(pkt.CompositionTime)),
		Bitstream:       bitstream,
	}, s.meta.VideoFrameDuration)

	err = s.sink.WriteVideo(mediatime.FromMillis(ext), frame)
	s.tracker.Delivered(frame)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSourceSend, err)
	}
	s.metrics.RecordFrame(s.mountpoint, true, len(pkt.Data))
	return nil
}

func (s *Session) receiveDCR(data []byte) {
	dcr, err := avc.ParseDecoderConfigurationRecord(data)
	if err != nil {
		s.logger.WithError(err).Warn("Could not read AVC decoder configuration")
		s.dropped("video_config")
		return
	}
	if s.dcr != nil {
		s.logger.Warn("Received second AVC sequence header, replacing configuration")
	}
	s.dcr = dcr

	info := models.CodecInfo{
		Codec:   "h264",
		Profile: int(dcr.AVCProfileIndication),
	}
	if s.meta != nil {
		info.FrameRate = 1 / s.meta.VideoFrameDuration.Float64()
	}
	if len(dcr.SPS) > 0 {
		if sps, err := mp4avc.ParseSPSNALUnit(dcr.SPS[0], false); err == nil {
			info.Width = int(sps.Width)
			info.Height = int(sps.Height)
		} else {
			s.logger.WithError(err).Debug("Could not parse SPS")
		}
	}

	s.logger.WithFields(logrus.Fields{
		"profile":  dcr.AVCProfileIndication,
		"level":    dcr.AVCLevelIndication,
		"sps":      len(dcr.SPS),
		"pps":      len(dcr.PPS),
		"nal_size": dcr.NALUnitLength,
		"width":    info.Width,
		"height":   info.Height,
	}).Info("Received AVC decoder configuration")

	if s.info != nil {
		s.info.SetVideoCodec(info)
	}
}

// DCR returns the decoder configuration currently in use.
func (s *Session) DCR() *avc.DecoderConfigurationRecord {
	return s.dcr
}

// CurrentKeyFrame returns the most recent key frame.
func (s *Session) CurrentKeyFrame() *video.Frame {
	return s.tracker.Current()
}
