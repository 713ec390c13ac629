package rtmp

import "errors"

// Session-fatal errors. Returning one of these from a handler callback ends
// the connection.
var (
	ErrMetadataNotYetSent   = errors.New("rtmp: video received before stream metadata")
	ErrSourceSend           = errors.New("rtmp: mountpoint rejected packet")
	ErrUnsupportedStream    = errors.New("rtmp: unsupported stream")
	ErrUnexpectedSampleRate = errors.New("rtmp: unexpected audio sample rate")
	ErrPlayNotSupported     = errors.New("rtmp: play is not supported")
)
