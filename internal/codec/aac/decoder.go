package aac

import "errors"

// ErrNeedMoreData is returned by decoders that have consumed the input but
// have no complete PCM frame ready yet.
var ErrNeedMoreData = errors.New("aac: decoder needs more data")

// DecodedFrame describes the PCM a decoder produced.
type DecodedFrame struct {
	// Samples is the number of interleaved int16 values written.
	Samples    int
	SampleRate int
}

// Decoder is a native AAC decoder backend. It accepts one ADTS frame per
// call and writes interleaved stereo PCM into pcm.
type Decoder interface {
	Decode(adts []byte, pcm []int16) (DecodedFrame, error)
	Close() error
}
