package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"mseingest/internal/codec/avc"
)

// H264Decoder decodes H.264 access units in an ffmpeg process and discards
// the pictures.
type H264Decoder struct {
	proc *process

	dcrRaw []byte
	dcr    *avc.DecoderConfigurationRecord
	buf    bytes.Buffer
}

var _ avc.Decoder = (*H264Decoder)(nil)

// NewH264Decoder starts an ffmpeg process decoding an Annex-B stream from stdin.
func NewH264Decoder(ctx context.Context, opts Options) (*H264Decoder, error) {
	proc, err := startProcess(ctx, opts,
		"-f", "h264",
		"-i", "pipe:0",
		"-f", "null",
		"-",
	)
	if err != nil {
		return nil, err
	}

	go func() {
		_, _ = io.Copy(io.Discard, proc.stdout)
		proc.wait()
	}()
	return &H264Decoder{proc: proc}, nil
}

// SendPacket converts the packet to Annex-B and writes it to ffmpeg.
func (d *H264Decoder) SendPacket(pkt avc.DecodePacket) error {
	d.buf.Reset()
	if err := d.annexB(&d.buf, pkt); err != nil {
		return err
	}
	return d.proc.write(d.buf.Bytes())
}

func (d *H264Decoder) annexB(w *bytes.Buffer, pkt avc.DecodePacket) error {
	if len(pkt.DCR) > 0 && !bytes.Equal(pkt.DCR, d.dcrRaw) {
		dcr, err := avc.ParseDecoderConfigurationRecord(pkt.DCR)
		if err != nil {
			return fmt.Errorf("ffmpeg: %w", err)
		}
		d.dcr = dcr
		d.dcrRaw = append(d.dcrRaw[:0], pkt.DCR...)
	}
	if d.dcr == nil {
		return fmt.Errorf("ffmpeg: no decoder configuration for packet at dts %d", pkt.DTS)
	}
	return avc.NewBitstream(pkt.Data, d.dcr).WriteByteStream(w)
}

// Close stops the ffmpeg process
func (d *H264Decoder) Close() error {
	return d.proc.close()
}
