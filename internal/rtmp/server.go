package rtmp

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/yutopp/go-rtmp"

	"mseingest/internal/codec/aac"
	"mseingest/internal/codec/avc"
	"mseingest/internal/metrics"
	"mseingest/internal/source"
)

// DefaultReadBufferSize is the size of the per-connection read buffer.
const DefaultReadBufferSize = 4096

// Config configures the RTMP server
type Config struct {
	Registry *source.Registry
	Logger   logrus.FieldLogger
	Metrics  *metrics.Metrics

	// Decoder factories; a nil factory leaves that decoder out.
	NewAudioDecoder func(ctx context.Context) (aac.Decoder, error)
	NewVideoDecoder func(ctx context.Context) (avc.Decoder, error)

	ReadBufferSize     int
	ExpectedSampleRate int

	// TracePath is a directory receiving one Annex-B dump per publish.
	TracePath string
}

// Server represents the RTMP server
type Server struct {
	cfg    Config
	server *rtmp.Server

	mu  sync.Mutex
	ctx context.Context
}

// New creates a new RTMP server
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		cfg.Logger = l
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = DefaultReadBufferSize
	}
	if cfg.ExpectedSampleRate <= 0 {
		cfg.ExpectedSampleRate = DefaultExpectedSampleRate
	}

	s := &Server{cfg: cfg, ctx: context.Background()}
	s.server = rtmp.NewServer(&rtmp.ServerConfig{
		OnConnect: s.onConnect,
	})
	return s
}

// ListenAndServe listens on addr and serves until ctx is done
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on l until ctx is done. Every connection is
// served on its own goroutine.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cfg.Logger.WithField("addr", l.Addr().String()).Info("RTMP server listening")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.server.Close()
		case <-stop:
		}
	}()

	err := s.server.Serve(l)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Close shuts down the listener
func (s *Server) Close() error {
	return s.server.Close()
}

func (s *Server) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// onConnect handles new RTMP connections
func (s *Server) onConnect(conn net.Conn) (io.ReadWriteCloser, *rtmp.ConnConfig) {
	logger := s.cfg.Logger.WithFields(logrus.Fields{
		"session_id":  uuid.NewString(),
		"remote_addr": conn.RemoteAddr().String(),
	})
	logger.Info("New RTMP connection")
	s.cfg.Metrics.RecordRTMPConnection()

	handler := newConnHandler(s, conn, logger)

	return &meteredConn{Conn: conn, metrics: s.cfg.Metrics}, &rtmp.ConnConfig{
		Handler: handler,

		ControlState: rtmp.StreamControlStateConfig{
			DefaultBandwidthWindowSize: 6 * 1024 * 1024, // 6MB
		},

		ReaderBufferSize: s.cfg.ReadBufferSize,
		Logger:           logger,
	}
}

// meteredConn counts the bytes read from a connection
type meteredConn struct {
	net.Conn
	metrics *metrics.Metrics
}

func (c *meteredConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.metrics.RecordRTMPBytes(uint64(n))
	}
	return n, err
}
