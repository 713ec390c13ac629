package httpServer

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"mseingest/internal/metrics"
	"mseingest/internal/packager"
	"mseingest/internal/source"
	"mseingest/internal/storage"
	"mseingest/pkg/models"
)

// Config holds the HTTP server's dependencies
type Config struct {
	Registry  *source.Registry
	Packagers *packager.Group
	Storage   storage.Storage
	Metrics   *metrics.Metrics
	// Gatherer is served on /metrics; the default registry when nil
	Gatherer prometheus.Gatherer
	Logger   logrus.FieldLogger
}

// Server wraps the HTTP server with dependencies
type Server struct {
	router    *gin.Engine
	registry  *source.Registry
	packagers *packager.Group
	storage   storage.Storage
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
	logger    logrus.FieldLogger
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	s := &Server{
		registry:  cfg.Registry,
		packagers: cfg.Packagers,
		storage:   cfg.Storage,
		metrics:   cfg.Metrics,
		gatherer:  cfg.Gatherer,
		logger:    cfg.Logger,
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if s.logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		s.logger = l
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	router := gin.New()
	router.Use(gin.Recovery(), s.observe())

	api := router.Group("/api")
	{
		api.GET("/ping", s.handlePing)
		api.GET("/v1/mountpoints", s.handleListMountpoints)
		api.GET("/v1/mountpoints/:name", s.handleGetMountpoint)
	}

	live := router.Group("/live")
	{
		// index.m3u8, init.mp4 and segment_N.m4s
		live.GET("/:name/:file", s.handleLiveFile)
	}

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	s.router = router
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully
// within shutdownTimeout
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listener, shutdownTimeout)
}

// Serve serves on l until ctx is done
func (s *Server) Serve(ctx context.Context, l net.Listener, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", l.Addr().String()).Info("HTTP server listening")
		errCh <- srv.Serve(l)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// observe logs requests and records request metrics
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		elapsed := time.Since(start)
		s.metrics.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), elapsed.Seconds())

		s.logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": elapsed,
			"client":   c.ClientIP(),
		}).Debug("HTTP request")
	}
}

// Handler implementations

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
		"live":    s.registry.LiveCount(),
		"time":    time.Now().Unix(),
	})
}

func (s *Server) handleListMountpoints(c *gin.Context) {
	infos := s.registry.List()
	c.JSON(http.StatusOK, models.MountpointListResponse{
		Mountpoints: infos,
		Total:       len(infos),
	})
}

type segmentInfo struct {
	Sequence  uint64  `json:"sequence"`
	URI       string  `json:"uri"`
	Duration  float64 `json:"duration"`
	Size      int64   `json:"size"`
	Fragments int     `json:"fragments"`
	CreatedAt string  `json:"createdAt"`
}

func (s *Server) handleGetMountpoint(c *gin.Context) {
	name := c.Param("name")

	info, exists := s.registry.Get(name)
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "mountpoint not found"})
		return
	}

	segments := []segmentInfo{}
	if p, ok := s.packagers.Get(name); ok {
		for _, seg := range p.Segments() {
			segments = append(segments, segmentInfo{
				Sequence:  seg.SequenceNum,
				URI:       "/live/" + name + "/" + seg.FileName(),
				Duration:  seg.Duration,
				Size:      seg.FileSize,
				Fragments: seg.Fragments,
				CreatedAt: seg.CreatedAt.Format(time.RFC3339),
			})
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"mountpoint": info,
		"segments":   segments,
	})
}

func (s *Server) handleLiveFile(c *gin.Context) {
	name := c.Param("name")
	file := c.Param("file")

	p, ok := s.packagers.Get(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "mountpoint not found"})
		return
	}

	c.Header("Access-Control-Allow-Origin", "*")

	switch {
	case file == packager.PlaylistName:
		playlist, ok := p.Playlist()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "playlist not available"})
			return
		}
		c.Header("Cache-Control", storage.CacheControl(file))
		c.Data(http.StatusOK, storage.ContentType(file), []byte(playlist))

	case file == packager.InitSegmentName || isSegmentName(file):
		s.serveObject(c, name+"/"+file)

	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	}
}

func (s *Server) serveObject(c *gin.Context, key string) {
	data, err := s.storage.Read(c.Request.Context(), key)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "segment not available"})
		return
	}
	if err != nil {
		s.logger.WithError(err).WithField("key", key).Error("Failed to read object")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read segment"})
		return
	}

	c.Header("Cache-Control", storage.CacheControl(key))
	c.Data(http.StatusOK, storage.ContentType(key), data)
}

// isSegmentName reports whether file looks like segment_N.m4s
func isSegmentName(file string) bool {
	num, ok := strings.CutPrefix(file, "segment_")
	if !ok {
		return false
	}
	num, ok = strings.CutSuffix(num, ".m4s")
	if !ok || num == "" {
		return false
	}
	for _, r := range num {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
