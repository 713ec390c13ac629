package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Config holds all application configuration
type Config struct {
	// HTTP Server
	HTTPAddr string `yaml:"http_addr"`

	// RTMP Server
	RTMPAddr           string   `yaml:"rtmp_addr"`
	Mountpoints        []string `yaml:"mountpoints"`
	ReadBufferSize     int      `yaml:"read_buffer_size"`
	ExpectedSampleRate int      `yaml:"expected_sample_rate"`

	// Decoders: "ffmpeg" or "none"
	AudioDecoder   string `yaml:"audio_decoder"`
	VideoDecoder   string `yaml:"video_decoder"`
	FFmpegPath     string `yaml:"ffmpeg_path"`
	VideoTracePath string `yaml:"video_trace_path"`

	// Storage: "local" or "gcs"
	StorageType   string `yaml:"storage_type"`
	StorageDir    string `yaml:"storage_dir"`
	GCSProjectID  string `yaml:"gcs_project_id"`
	GCSBucketName string `yaml:"gcs_bucket_name"`
	GCSBaseDir    string `yaml:"gcs_base_dir"`

	// fMP4
	MuxTimescale  uint32 `yaml:"mux_timescale"`
	SegmentWindow int    `yaml:"segment_window"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ShutdownTimeout time.Duration `yaml:"-"`
	// ShutdownTimeoutString is the YAML form of ShutdownTimeout, e.g. "10s"
	ShutdownTimeoutString string `yaml:"shutdown_timeout"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		HTTPAddr:           ":8080",
		RTMPAddr:           ":1935",
		Mountpoints:        []string{"live"},
		ReadBufferSize:     4096,
		ExpectedSampleRate: 44100,
		AudioDecoder:       "ffmpeg",
		VideoDecoder:       "none",
		FFmpegPath:         "ffmpeg",
		StorageType:        "local",
		StorageDir:         "./data/mountpoints",
		MuxTimescale:       90000,
		SegmentWindow:      10,
		LogLevel:           "info",
		LogFormat:          "text",
		ShutdownTimeout:    10 * time.Second,
	}
}

// Load builds the configuration from defaults, the YAML file named by
// CONFIG_FILE if set, and environment variables, in that order.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.UnmarshalWithOptions(data, c, yaml.DisallowUnknownField()); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	if c.ShutdownTimeoutString != "" {
		d, err := time.ParseDuration(c.ShutdownTimeoutString)
		if err != nil {
			return fmt.Errorf("config: shutdown_timeout: %w", err)
		}
		c.ShutdownTimeout = d
	}
	return nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.RTMPAddr = getEnv("RTMP_ADDR", c.RTMPAddr)
	c.Mountpoints = getListEnv("MOUNTPOINTS", c.Mountpoints)
	c.ReadBufferSize = getIntEnv("RTMP_READ_BUFFER_SIZE", c.ReadBufferSize)
	c.ExpectedSampleRate = getIntEnv("EXPECTED_SAMPLE_RATE", c.ExpectedSampleRate)
	c.AudioDecoder = getEnv("AUDIO_DECODER", c.AudioDecoder)
	c.VideoDecoder = getEnv("VIDEO_DECODER", c.VideoDecoder)
	c.FFmpegPath = getEnv("FFMPEG_PATH", c.FFmpegPath)
	c.VideoTracePath = getEnv("VIDEO_TRACE_PATH", c.VideoTracePath)
	c.StorageType = getEnv("STORAGE_TYPE", c.StorageType)
	c.StorageDir = getEnv("STORAGE_DIR", c.StorageDir)
	c.GCSProjectID = getEnv("GCS_PROJECT_ID", c.GCSProjectID)
	c.GCSBucketName = getEnv("GCS_BUCKET_NAME", c.GCSBucketName)
	c.GCSBaseDir = getEnv("GCS_BASE_DIR", c.GCSBaseDir)
	c.MuxTimescale = uint32(getIntEnv("MUX_TIMESCALE", int(c.MuxTimescale)))
	c.SegmentWindow = getIntEnv("SEGMENT_WINDOW", c.SegmentWindow)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	c.ShutdownTimeout = getDurationEnv("SHUTDOWN_TIMEOUT", c.ShutdownTimeout)
}

// Validate rejects configurations the server cannot run with
func (c *Config) Validate() error {
	var errs []error

	if len(c.Mountpoints) == 0 {
		errs = append(errs, errors.New("at least one mountpoint is required"))
	}
	seen := make(map[string]bool, len(c.Mountpoints))
	for _, name := range c.Mountpoints {
		switch {
		case name == "" || strings.ContainsAny(name, "/\\?#") || name == "." || name == "..":
			errs = append(errs, fmt.Errorf("invalid mountpoint name %q", name))
		case seen[name]:
			errs = append(errs, fmt.Errorf("duplicate mountpoint %q", name))
		}
		seen[name] = true
	}

	switch c.StorageType {
	case "local":
		if c.StorageDir == "" {
			errs = append(errs, errors.New("STORAGE_DIR must be set when STORAGE_TYPE=local"))
		}
	case "gcs":
		if c.GCSProjectID == "" || c.GCSBucketName == "" {
			errs = append(errs, errors.New("GCS_PROJECT_ID and GCS_BUCKET_NAME must be set when STORAGE_TYPE=gcs"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage type %q", c.StorageType))
	}

	for name, dec := range map[string]string{"audio": c.AudioDecoder, "video": c.VideoDecoder} {
		if dec != "ffmpeg" && dec != "none" {
			errs = append(errs, fmt.Errorf("unknown %s decoder %q", name, dec))
		}
	}

	if c.ReadBufferSize <= 0 {
		errs = append(errs, fmt.Errorf("read buffer size must be positive, got %d", c.ReadBufferSize))
	}
	if c.ExpectedSampleRate <= 0 {
		errs = append(errs, fmt.Errorf("expected sample rate must be positive, got %d", c.ExpectedSampleRate))
	}
	if c.MuxTimescale == 0 {
		errs = append(errs, errors.New("mux timescale must be positive"))
	}
	if c.SegmentWindow <= 0 {
		errs = append(errs, fmt.Errorf("segment window must be positive, got %d", c.SegmentWindow))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}

	return errors.Join(errs...)
}

// Helper functions to get environment variables with defaults

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var list []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list
}
