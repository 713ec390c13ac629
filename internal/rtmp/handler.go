package rtmp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"

	"mseingest/internal/codec/aac"
	"mseingest/internal/codec/avc"
	"mseingest/internal/source"
)

// ConnHandler handles the events of one RTMP connection. go-rtmp calls it
// from the connection's serve goroutine only.
type ConnHandler struct {
	rtmp.DefaultHandler

	server *Server
	conn   net.Conn
	logger logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc

	app          string
	mountpoint   string
	sender       *source.Sender
	session      *Session
	audioDecoder aac.Decoder
	videoDecoder avc.Decoder
	trace        *os.File
	publishedAt  time.Time
	err          error
}

func newConnHandler(s *Server, conn net.Conn, logger logrus.FieldLogger) *ConnHandler {
	ctx, cancel := context.WithCancel(s.baseContext())
	return &ConnHandler{
		server: s,
		conn:   conn,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// OnServe is called when the connection starts serving
func (h *ConnHandler) OnServe(conn *rtmp.Conn) {
	h.logger.Debug("Connection started serving")
}

// OnConnect is called when RTMP connect command is received
func (h *ConnHandler) OnConnect(timestamp uint32, cmd *rtmpmsg.NetConnectionConnect) error {
	h.app = strings.Trim(cmd.Command.App, "/")
	h.logger.WithFields(logrus.Fields{
		"app":    cmd.Command.App,
		"tc_url": cmd.Command.TCURL,
	}).Info("RTMP connect")
	return nil
}

// OnPublish is called when a client wants to publish a stream
func (h *ConnHandler) OnPublish(ctx *rtmp.StreamContext, timestamp uint32, cmd *rtmpmsg.NetStreamPublish) error {
	if h.session != nil {
		return h.fail(fmt.Errorf("rtmp: connection is already publishing to %q", h.mountpoint))
	}

	name := h.app
	if name == "" {
		name, _ = parseStreamKeyAndToken(cmd.PublishingName)
	}
	logger := h.logger.WithFields(logrus.Fields{
		"mountpoint":      name,
		"publishing_name": cmd.PublishingName,
		"publishing_type": cmd.PublishingType,
	})

	sender, err := h.server.cfg.Registry.Connect(name, h.conn.RemoteAddr().String())
	if err != nil {
		return h.fail(err)
	}
	h.sender = sender
	h.mountpoint = name
	h.logger = logger

	if err := h.startSession(); err != nil {
		return h.fail(err)
	}

	h.publishedAt = time.Now()
	h.server.cfg.Metrics.RecordPublishStart()
	logger.WithField("generation", sender.Generation()).Info("Mountpoint is now live")
	return nil
}

func (h *ConnHandler) startSession() error {
	cfg := h.server.cfg

	if cfg.NewAudioDecoder != nil {
		dec, err := cfg.NewAudioDecoder(h.ctx)
		if err != nil {
			return fmt.Errorf("rtmp: start audio decoder: %w", err)
		}
		h.audioDecoder = dec
	}
	if cfg.NewVideoDecoder != nil {
		dec, err := cfg.NewVideoDecoder(h.ctx)
		if err != nil {
			return fmt.Errorf("rtmp: start video decoder: %w", err)
		}
		h.videoDecoder = dec
	}

	var trace io.Writer
	if cfg.TracePath != "" {
		path := filepath.Join(cfg.TracePath, fmt.Sprintf("%s-%d.h264", h.mountpoint, h.sender.Generation()))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			h.logger.WithError(err).Warn("Could not open video trace file")
		} else {
			h.trace = f
			trace = f
		}
	}

	h.session = NewSession(SessionConfig{
		Mountpoint:         h.mountpoint,
		Sink:               h.sender,
		AudioDecoder:       h.audioDecoder,
		VideoDecoder:       h.videoDecoder,
		ExpectedSampleRate: cfg.ExpectedSampleRate,
		Trace:              trace,
		Logger:             h.logger,
		Metrics:            cfg.Metrics,
	})
	return nil
}

// OnPlay rejects playback; this server only ingests.
func (h *ConnHandler) OnPlay(ctx *rtmp.StreamContext, timestamp uint32, cmd *rtmpmsg.NetStreamPlay) error {
	h.logger.WithField("stream_name", cmd.StreamName).Warn("Rejecting play request")
	return ErrPlayNotSupported
}

// OnSetDataFrame is called when metadata is received
func (h *ConnHandler) OnSetDataFrame(timestamp uint32, data *rtmpmsg.NetStreamSetDataFrame) error {
	if h.session == nil {
		h.logger.Debug("Ignoring metadata before publish")
		return nil
	}

	md, err := DecodeMetadata(data.Payload)
	if err != nil {
		h.logger.WithError(err).Warn("Could not decode stream metadata")
		return nil
	}
	return h.dispatch(StreamMetadataChanged{Metadata: md})
}

// OnAudio is called when audio data is received
func (h *ConnHandler) OnAudio(timestamp uint32, payload io.Reader) error {
	if h.session == nil {
		return nil
	}
	data, err := io.ReadAll(payload)
	if err != nil {
		return h.fail(err)
	}
	return h.dispatch(AudioDataReceived{Timestamp: timestamp, Data: data})
}

// OnVideo is called when video data is received
func (h *ConnHandler) OnVideo(timestamp uint32, payload io.Reader) error {
	if h.session == nil {
		return nil
	}
	data, err := io.ReadAll(payload)
	if err != nil {
		return h.fail(err)
	}
	return h.dispatch(VideoDataReceived{Timestamp: timestamp, Data: data})
}

// OnUnknownMessage logs and ignores messages go-rtmp does not handle
func (h *ConnHandler) OnUnknownMessage(timestamp uint32, msg rtmpmsg.Message) error {
	h.logger.WithField("message", fmt.Sprintf("%T", msg)).Debug("Unhandleable message received")
	return nil
}

func (h *ConnHandler) dispatch(ev Event) error {
	if err := h.session.HandleEvent(ev); err != nil {
		return h.fail(err)
	}
	return nil
}

// fail records a session-fatal error and closes the connection.
func (h *ConnHandler) fail(err error) error {
	if h.err == nil {
		h.err = err
		h.logger.WithError(err).Error("Session terminated")
		h.server.cfg.Metrics.RecordRTMPError(errorReason(err))
		_ = h.conn.Close()
	}
	return err
}

// OnClose is called when the connection is closed
func (h *ConnHandler) OnClose() {
	h.cancel()

	if h.audioDecoder != nil {
		if err := h.audioDecoder.Close(); err != nil {
			h.logger.WithError(err).Debug("Audio decoder close")
		}
	}
	if h.videoDecoder != nil {
		if err := h.videoDecoder.Close(); err != nil {
			h.logger.WithError(err).Debug("Video decoder close")
		}
	}
	if h.trace != nil {
		_ = h.trace.Close()
	}

	if h.sender != nil {
		_ = h.sender.Close()
		h.server.cfg.Metrics.RecordPublishStop(time.Since(h.publishedAt).Seconds())
		h.logger.Info("Mountpoint released")
	}

	h.server.cfg.Metrics.RecordRTMPDisconnect()
	h.logger.Info("Connection closed")
}

// Err returns the error that ended the session, if any.
func (h *ConnHandler) Err() error {
	return h.err
}

func errorReason(err error) string {
	var connectErr *source.ConnectError
	switch {
	case errors.As(err, &connectErr):
		return "mountpoint"
	case errors.Is(err, ErrMetadataNotYetSent):
		return "metadata_not_sent"
	case errors.Is(err, ErrSourceSend):
		return "source_send"
	case errors.Is(err, ErrUnsupportedStream):
		return "unsupported_stream"
	case errors.Is(err, ErrUnexpectedSampleRate):
		return "sample_rate"
	default:
		return "session"
	}
}

// parseStreamKeyAndToken splits a publishing name of the form "key?query".
func parseStreamKeyAndToken(publishingName string) (streamKey, query string) {
	if i := strings.IndexByte(publishingName, '?'); i >= 0 {
		return publishingName[:i], publishingName[i+1:]
	}
	return publishingName, ""
}
