package avc

// DecodePacket is one access unit handed to a decoder backend.
type DecodePacket struct {
	DTS        int64 // milliseconds
	PTS        int64 // milliseconds
	Data       []byte
	DCR        []byte // raw decoder configuration record, if known
	IsKeyFrame bool
}

// Decoder is a native H.264 decoder backend. Decoding is a side effect; the
// pipeline does not consume its output.
type Decoder interface {
	SendPacket(pkt DecodePacket) error
	Close() error
}

// NopDecoder discards packets.
type NopDecoder struct{}

func (NopDecoder) SendPacket(DecodePacket) error { return nil }
func (NopDecoder) Close() error                  { return nil }
