// Package video holds the decoded video frame model shared between the RTMP
// pipeline and downstream consumers.
package video

import (
	"fmt"

	"mseingest/internal/codec/avc"
	"mseingest/internal/mediatime"
)

// Frame is one video access unit. A Frame is never mutated after it has been
// handed to a sink; consumers may retain it for as long as they need.
type Frame struct {
	Specific avc.Frame

	// DurationHint is the nominal frame duration in seconds, derived from the
	// stream frame rate.
	DurationHint mediatime.Duration

	// KeyFrame is the most recent key frame when this frame is not itself a
	// key frame, and nil otherwise. It never points at another non-key frame.
	KeyFrame *Frame

	// Seq is the position of the frame in its stream, starting at 0.
	Seq uint64
}

// FrameID identifies a frame allocation. Two IDs are equal iff they were
// taken from the same *Frame, regardless of payload contents.
type FrameID struct {
	f *Frame
}

// ID returns the identity of f.
func (f *Frame) ID() FrameID {
	return FrameID{f: f}
}

func (id FrameID) String() string {
	if id.f == nil {
		return "frame(nil)"
	}
	return fmt.Sprintf("frame(%p seq=%d)", id.f, id.f.Seq)
}

// IsKeyFrame reports whether the frame is a random access point.
func (f *Frame) IsKeyFrame() bool {
	return f.Specific.FrameType.IsKeyFrame()
}
