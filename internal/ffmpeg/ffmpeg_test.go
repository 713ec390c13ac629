package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"mseingest/internal/codec/aac"
	"mseingest/internal/codec/avc"
)

func requireFFmpeg(t *testing.T) {
	t.Helper()
	if err := CheckFFmpegAvailable(""); err != nil {
		t.Skipf("ffmpeg not available: %v", err)
	}
}

// encodeADTS produces ADTS frames of a 440 Hz tone with ffmpeg itself.
func encodeADTS(t *testing.T, seconds string) [][]byte {
	t.Helper()
	out, err := exec.Command(DefaultPath, "-hide_banner", "-loglevel", "error",
		"-f", "lavfi", "-i", "sine=frequency=440:sample_rate=44100:duration="+seconds,
		"-ac", "2", "-c:a", "aac", "-f", "adts", "pipe:1").Output()
	if err != nil {
		t.Skipf("ffmpeg cannot encode AAC: %v", err)
	}

	var frames [][]byte
	for len(out) >= aac.ADTSHeaderLength {
		n := int(out[3]&0x03)<<11 | int(out[4])<<3 | int(out[5])>>5
		if n < aac.ADTSHeaderLength || n > len(out) {
			t.Fatalf("bad ADTS frame length %d", n)
		}
		frames = append(frames, out[:n])
		out = out[n:]
	}
	return frames
}

func TestReadPCM(t *testing.T) {
	t.Parallel()
	dst := make([]int16, 3)
	n := readPCM(dst, []byte{0x01, 0x00, 0xFF, 0xFF, 0x00, 0x80, 0x7F, 0x00})
	if n != 3 {
		t.Fatalf("got %d samples, want 3", n)
	}
	if want := []int16{1, -1, -32768}; dst[0] != want[0] || dst[1] != want[1] || dst[2] != want[2] {
		t.Errorf("got %v, want %v", dst, want)
	}
}

func TestProcessLogsStderrBeforeExit(t *testing.T) {
	t.Parallel()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	script := filepath.Join(t.TempDir(), "fake-ffmpeg")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho boom >&2\nexit 3\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	proc, err := startProcess(context.Background(), Options{Path: script, Logger: logger})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	go func() {
		_, _ = io.Copy(io.Discard, proc.stdout)
		proc.wait()
	}()

	select {
	case <-proc.exited:
	case <-time.After(10 * time.Second):
		t.Fatal("process did not exit")
	}

	var logged bool
	for _, e := range hook.AllEntries() {
		if strings.Contains(e.Message, "boom") {
			logged = true
		}
	}
	if !logged {
		t.Error("stderr line was not logged before the process was reaped")
	}
	if proc.err == nil {
		t.Error("got nil exit error, want exit status 3")
	}
	if err := proc.write([]byte{0}); !errors.Is(err, ErrProcessExited) {
		t.Errorf("write after exit: got %v, want ErrProcessExited", err)
	}
}

func TestAACDecoder(t *testing.T) {
	requireFFmpeg(t)
	frames := encodeADTS(t, "2")
	logger, _ := test.NewNullLogger()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	dec, err := NewAACDecoder(ctx, Options{Logger: logger})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer dec.Close()

	pcm := make([]int16, aac.FrameSamples*aac.Channels)
	decoded := 0
	for _, frame := range frames {
		got, err := dec.Decode(frame, pcm)
		if errors.Is(err, aac.ErrNeedMoreData) {
			// give the reader a chance to catch up
			time.Sleep(5 * time.Millisecond)
			continue
		}
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.SampleRate != 44100 {
			t.Errorf("sample rate: got %d, want 44100", got.SampleRate)
		}
		if got.Samples != len(pcm) {
			t.Errorf("samples: got %d, want %d", got.Samples, len(pcm))
		}
		decoded++
	}
	if decoded == 0 {
		t.Error("no frame was decoded")
	}
}

func TestAACDecoderRejectsNonADTS(t *testing.T) {
	requireFFmpeg(t)
	logger, _ := test.NewNullLogger()
	dec, err := NewAACDecoder(context.Background(), Options{Logger: logger})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer dec.Close()

	if _, err := dec.Decode([]byte{1, 2, 3}, make([]int16, 2048)); !errors.Is(err, aac.ErrInvalidADTS) {
		t.Errorf("got %v, want ErrInvalidADTS", err)
	}
}

func TestH264DecoderAnnexB(t *testing.T) {
	t.Parallel()
	dcr := []byte{
		0x01, 0x42, 0xC0, 0x1E, 0xFF,
		0xE1, 0x00, 0x04, 0x67, 0x42, 0xC0, 0x1E,
		0x01, 0x00, 0x03, 0x68, 0xCE, 0x3C,
	}
	d := &H264Decoder{}

	var buf bytes.Buffer
	if err := d.annexB(&buf, avc.DecodePacket{DCR: dcr, Data: []byte{0, 0, 0, 2, 0x65, 0x88}, IsKeyFrame: true}); err != nil {
		t.Fatalf("key frame: %v", err)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte{0, 0, 0, 1, 0x67}) {
		t.Errorf("key frame should start with the SPS: %x", buf.Bytes())
	}

	buf.Reset()
	if err := d.annexB(&buf, avc.DecodePacket{Data: []byte{0, 0, 0, 2, 0x41, 0x9A}}); err != nil {
		t.Fatalf("inter frame: %v", err)
	}
	if want := []byte{0, 0, 1, 0x41, 0x9A}; !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("inter frame: got %x, want %x", buf.Bytes(), want)
	}

	if err := (&H264Decoder{}).annexB(&buf, avc.DecodePacket{Data: []byte{0, 0, 0, 1, 0x41}}); err == nil {
		t.Error("packet without any configuration should fail")
	}
}
