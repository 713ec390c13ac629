// Package ffmpeg implements the native decoder backends on top of a
// long-running ffmpeg process fed through stdin.
package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultPath is the ffmpeg binary looked up in PATH.
const DefaultPath = "ffmpeg"

const closeTimeout = 2 * time.Second

// ErrProcessExited is returned when the ffmpeg process is gone.
var ErrProcessExited = errors.New("ffmpeg: process exited")

// Options configures a decoder process
type Options struct {
	Path   string // ffmpeg binary, DefaultPath when empty
	Logger logrus.FieldLogger
}

func (o Options) path() string {
	if o.Path == "" {
		return DefaultPath
	}
	return o.Path
}

// process is an ffmpeg child reading from stdin.
type process struct {
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdout     io.ReadCloser
	stderrDone chan struct{}
	exited     chan struct{}
	err        error
	logger     logrus.FieldLogger
}

func startProcess(ctx context.Context, opts Options, args ...string) (*process, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("component", "ffmpeg")

	cmd := exec.CommandContext(ctx, opts.path(), append([]string{"-hide_banner", "-loglevel", "error"}, args...)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	p := &process{
		cmd:        cmd,
		stdin:      stdin,
		stdout:     stdout,
		stderrDone: make(chan struct{}),
		exited:     make(chan struct{}),
		logger:     logger.WithField("pid", cmd.Process.Pid),
	}

	go func() {
		defer close(p.stderrDone)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			p.logger.Debug(scanner.Text())
		}
	}()

	p.logger.WithField("args", args).Debug("FFmpeg started")
	return p, nil
}

// wait reaps the process once stdout has been drained. Wait closes the
// pipes, so stderr has to be read to the end first.
func (p *process) wait() {
	<-p.stderrDone
	p.err = p.cmd.Wait()
	close(p.exited)
	if p.err != nil {
		p.logger.WithError(p.err).Debug("FFmpeg exited")
	}
}

func (p *process) write(data []byte) error {
	select {
	case <-p.exited:
		return ErrProcessExited
	default:
	}
	if _, err := p.stdin.Write(data); err != nil {
		return fmt.Errorf("ffmpeg: write stdin: %w", err)
	}
	return nil
}

func (p *process) close() error {
	_ = p.stdin.Close()
	select {
	case <-p.exited:
	case <-time.After(closeTimeout):
		_ = p.cmd.Process.Kill()
		<-p.exited
	}
	return nil
}

// CheckFFmpegAvailable checks if FFmpeg is installed and available
func CheckFFmpegAvailable(path string) error {
	if path == "" {
		path = DefaultPath
	}
	cmd := exec.Command(path, "-version")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	output, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("ffmpeg not found or not working: %w\nStderr: %s", err, stderr.String())
	}

	if len(output) == 0 {
		return fmt.Errorf("ffmpeg produced no output")
	}
	return nil
}
