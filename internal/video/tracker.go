package video

import (
	"mseingest/internal/codec/avc"
	"mseingest/internal/mediatime"
)

// Tracker assigns sequence numbers to the frames of one stream and links
// non-key frames to the current key frame.
//
// Frames stay in the tracker until they have been delivered downstream and
// no future frame can refer to them, i.e. until they are delivered and are
// not the current key frame. Not safe for concurrent use; a stream is
// processed sequentially.
type Tracker struct {
	nextSeq uint64
	current *Frame
	live    map[uint64]*Frame
	done    map[uint64]bool
}

func NewTracker() *Tracker {
	return &Tracker{
		live: make(map[uint64]*Frame),
		done: make(map[uint64]bool),
	}
}

// Next builds the next frame of the stream. Key frames become the current
// key frame; every other frame references it.
func (t *Tracker) Next(specific avc.Frame, durationHint mediatime.Duration) *Frame {
	f := &Frame{
		Specific:     specific,
		DurationHint: durationHint,
		Seq:          t.nextSeq,
	}
	t.nextSeq++

	if f.IsKeyFrame() {
		prev := t.current
		t.current = f
		if prev != nil {
			t.maybeEvict(prev)
		}
	} else {
		f.KeyFrame = t.current
	}

	t.live[f.Seq] = f
	return f
}

// Delivered records that f has been handed to the sink.
func (t *Tracker) Delivered(f *Frame) {
	if _, ok := t.live[f.Seq]; !ok {
		return
	}
	t.done[f.Seq] = true
	t.maybeEvict(f)
}

// Current returns the current key frame, or nil before the first one.
func (t *Tracker) Current() *Frame {
	return t.current
}

// Lookup returns a frame that is still held by the tracker.
func (t *Tracker) Lookup(seq uint64) (*Frame, bool) {
	f, ok := t.live[seq]
	return f, ok
}

// Len returns the number of frames still held.
func (t *Tracker) Len() int {
	return len(t.live)
}

func (t *Tracker) maybeEvict(f *Frame) {
	if f == t.current || !t.done[f.Seq] {
		return
	}
	delete(t.live, f.Seq)
	delete(t.done, f.Seq)
}
