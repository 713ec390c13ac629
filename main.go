package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"mseingest/config"
	"mseingest/httpServer"
	"mseingest/internal/codec/aac"
	"mseingest/internal/codec/avc"
	"mseingest/internal/ffmpeg"
	"mseingest/internal/metrics"
	"mseingest/internal/packager"
	"mseingest/internal/rtmp"
	"mseingest/internal/source"
	"mseingest/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}

	logger := newLogger(cfg)
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("Server failed")
	}
}

func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	} else {
		logger.WithField("level", cfg.LogLevel).Warn("Unknown log level, using info")
	}
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

func run(cfg *config.Config, logger *logrus.Logger) (err error) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.WithFields(logrus.Fields{
		"http":        cfg.HTTPAddr,
		"rtmp":        cfg.RTMPAddr,
		"mountpoints": cfg.Mountpoints,
		"storage":     cfg.StorageType,
	}).Info("Starting mseingest")

	// Initialize storage
	store, err := newStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// Initialize metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	registry := source.NewRegistry(logger.WithField("component", "registry"))

	defer func() {
		var result *multierror.Error
		if cerr := registry.Close(); cerr != nil {
			result = multierror.Append(result, fmt.Errorf("close registry: %w", cerr))
		}
		if cerr := store.Close(); cerr != nil {
			result = multierror.Append(result, fmt.Errorf("close storage: %w", cerr))
		}
		if shutdownErr := result.ErrorOrNil(); shutdownErr != nil {
			err = multierror.Append(err, shutdownErr).ErrorOrNil()
		}
		logger.Info("Shutdown complete")
	}()

	packagers := make([]*packager.Packager, 0, len(cfg.Mountpoints))
	for _, name := range cfg.Mountpoints {
		receiver, err := registry.Listen(name)
		if err != nil {
			return err
		}
		packagers = append(packagers, packager.New(receiver, packager.Config{
			Storage:    store,
			Logger:     logger.WithField("component", "packager"),
			Metrics:    m,
			Timescale:  cfg.MuxTimescale,
			WindowSize: cfg.SegmentWindow,
		}))
	}
	group := packager.NewGroup(packagers...)

	rtmpCfg := rtmp.Config{
		Registry:           registry,
		Logger:             logger.WithField("component", "rtmp"),
		Metrics:            m,
		ReadBufferSize:     cfg.ReadBufferSize,
		ExpectedSampleRate: cfg.ExpectedSampleRate,
		TracePath:          cfg.VideoTracePath,
	}
	if err := configureDecoders(&rtmpCfg, cfg, logger); err != nil {
		return err
	}
	rtmpSrv := rtmp.New(rtmpCfg)

	gin.SetMode(gin.ReleaseMode)
	httpSrv := httpServer.New(httpServer.Config{
		Registry:  registry,
		Packagers: group,
		Storage:   store,
		Metrics:   m,
		Gatherer:  reg,
		Logger:    logger.WithField("component", "http"),
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return group.Run(ctx)
	})
	g.Go(func() error {
		if err := rtmpSrv.ListenAndServe(ctx, cfg.RTMPAddr); err != nil {
			return fmt.Errorf("RTMP server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := httpSrv.ListenAndServe(ctx, cfg.HTTPAddr, cfg.ShutdownTimeout); err != nil {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("Shutting down")
	return err
}

func newStorage(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (storage.Storage, error) {
	if cfg.StorageType == "gcs" {
		gcsStorage, err := storage.NewGCSStorage(ctx, cfg.GCSProjectID, cfg.GCSBucketName, cfg.GCSBaseDir)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize GCS storage: %w", err)
		}
		logger.WithFields(logrus.Fields{
			"bucket":   cfg.GCSBucketName,
			"project":  cfg.GCSProjectID,
			"base_dir": cfg.GCSBaseDir,
		}).Info("Storage initialized: GCS")
		return gcsStorage, nil
	}

	localStorage, err := storage.NewLocalStorage(cfg.StorageDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize local storage: %w", err)
	}
	logger.WithField("dir", cfg.StorageDir).Info("Storage initialized: local")
	return localStorage, nil
}

func configureDecoders(rtmpCfg *rtmp.Config, cfg *config.Config, logger *logrus.Logger) error {
	if cfg.AudioDecoder != "ffmpeg" && cfg.VideoDecoder != "ffmpeg" {
		return nil
	}
	if err := ffmpeg.CheckFFmpegAvailable(cfg.FFmpegPath); err != nil {
		return err
	}

	opts := ffmpeg.Options{
		Path:   cfg.FFmpegPath,
		Logger: logger.WithField("component", "ffmpeg"),
	}
	if cfg.AudioDecoder == "ffmpeg" {
		rtmpCfg.NewAudioDecoder = func(ctx context.Context) (aac.Decoder, error) {
			return ffmpeg.NewAACDecoder(ctx, opts)
		}
	}
	if cfg.VideoDecoder == "ffmpeg" {
		rtmpCfg.NewVideoDecoder = func(ctx context.Context) (avc.Decoder, error) {
			return ffmpeg.NewH264Decoder(ctx, opts)
		}
	}
	return nil
}
