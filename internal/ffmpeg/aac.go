package ffmpeg

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"mseingest/internal/codec/aac"
)

const pcmFrameBytes = aac.FrameSamples * aac.Channels * 2

// AACDecoder decodes ADTS frames to interleaved s16le stereo PCM.
//
// ffmpeg buffers its input while probing, so the first few calls return
// aac.ErrNeedMoreData. Every later call returns one frame of PCM.
type AACDecoder struct {
	proc *process

	mu      sync.Mutex
	pcm     []byte
	readErr error
}

var _ aac.Decoder = (*AACDecoder)(nil)

// NewAACDecoder starts an ffmpeg process decoding ADTS from stdin.
func NewAACDecoder(ctx context.Context, opts Options) (*AACDecoder, error) {
	proc, err := startProcess(ctx, opts,
		"-f", "aac",
		"-probesize", "32",
		"-i", "pipe:0",
		"-ac", "2",
		"-f", "s16le",
		"-flush_packets", "1",
		"pipe:1",
	)
	if err != nil {
		return nil, err
	}

	d := &AACDecoder{proc: proc}
	go d.readLoop()
	return d, nil
}

func (d *AACDecoder) readLoop() {
	buf := make([]byte, pcmFrameBytes)
	for {
		n, err := d.proc.stdout.Read(buf)
		d.mu.Lock()
		d.pcm = append(d.pcm, buf[:n]...)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrProcessExited
			}
			d.readErr = err
		}
		d.mu.Unlock()
		if err != nil {
			d.proc.wait()
			return
		}
	}
}

// Decode feeds one ADTS frame and returns the next frame of decoded PCM if
// one is ready.
func (d *AACDecoder) Decode(adts []byte, pcm []int16) (aac.DecodedFrame, error) {
	rate, err := aac.ADTSSampleRate(adts)
	if err != nil {
		return aac.DecodedFrame{}, err
	}
	if err := d.proc.write(adts); err != nil {
		return aac.DecodedFrame{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.pcm) < pcmFrameBytes {
		if d.readErr != nil {
			return aac.DecodedFrame{}, d.readErr
		}
		return aac.DecodedFrame{}, aac.ErrNeedMoreData
	}

	n := readPCM(pcm, d.pcm[:pcmFrameBytes])
	d.pcm = d.pcm[pcmFrameBytes:]
	return aac.DecodedFrame{Samples: n, SampleRate: rate}, nil
}

// Close stops the ffmpeg process
func (d *AACDecoder) Close() error {
	return d.proc.close()
}

// readPCM converts s16le bytes into dst and returns the number of samples written.
func readPCM(dst []int16, src []byte) int {
	n := len(src) / 2
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = int16(binary.LittleEndian.Uint16(src[2*i:]))
	}
	return n
}
