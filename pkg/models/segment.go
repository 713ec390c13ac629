package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Segment represents an fMP4 media segment
type Segment struct {
	Mountpoint  string    // Mountpoint this segment belongs to
	SequenceNum uint64    // Segment sequence number
	Duration    float64   // Duration in seconds
	FilePath    string    // Storage key of the segment
	FileSize    int64     // Size in bytes
	Fragments   int       // Number of moof/mdat pairs
	CreatedAt   time.Time // When segment was closed
}

// FileName returns the segment's file name within its mountpoint directory
func (s *Segment) FileName() string {
	return SegmentFileName(s.SequenceNum)
}

// SegmentFileName returns the file name used for segment n
func SegmentFileName(n uint64) string {
	return fmt.Sprintf("segment_%d.m4s", n)
}

// Playlist represents a live fMP4 playlist state
type Playlist struct {
	Mountpoint      string     // Mountpoint this playlist belongs to
	MediaSequence   uint64     // EXT-X-MEDIA-SEQUENCE
	Segments        []*Segment // List of segments in playlist
	InitSegmentPath string     // URI of init.mp4, relative to the playlist
	MaxSegments     int        // Max segments to keep in playlist (sliding window)
	LastUpdated     time.Time  // Last time playlist was updated
}

// AddSegment adds a new segment to the playlist and maintains the sliding window.
// Segments that fall out of the window are returned so their files can be removed.
func (p *Playlist) AddSegment(seg *Segment) []*Segment {
	if len(p.Segments) == 0 {
		p.MediaSequence = seg.SequenceNum
	}
	p.Segments = append(p.Segments, seg)
	p.LastUpdated = time.Now()

	var evicted []*Segment
	for p.MaxSegments > 0 && len(p.Segments) > p.MaxSegments {
		evicted = append(evicted, p.Segments[0])
		p.Segments = p.Segments[1:]
		p.MediaSequence++
	}
	return evicted
}

// Reset empties the playlist, e.g. when a new publisher starts
func (p *Playlist) Reset() []*Segment {
	evicted := p.Segments
	p.Segments = nil
	p.LastUpdated = time.Now()
	return evicted
}

// TargetDuration returns EXT-X-TARGETDURATION: the longest segment, rounded up
func (p *Playlist) TargetDuration() int {
	target := 1
	for _, seg := range p.Segments {
		if d := int(math.Ceil(seg.Duration)); d > target {
			target = d
		}
	}
	return target
}

// GetM3U8Content generates the playlist content
func (p *Playlist) GetM3U8Content() string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:7\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", p.TargetDuration())
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", p.MediaSequence)
	fmt.Fprintf(&b, "#EXT-X-MAP:URI=\"%s\"\n", p.InitSegmentPath)
	for _, seg := range p.Segments {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", seg.Duration)
		b.WriteString(seg.FileName())
		b.WriteString("\n")
	}
	return b.String()
}
