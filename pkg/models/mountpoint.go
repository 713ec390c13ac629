package models

import (
	"sync"
	"time"
)

// MountpointState represents the current state of a mountpoint
type MountpointState string

const (
	MountpointStateIdle MountpointState = "idle" // registered, no publisher
	MountpointStateLive MountpointState = "live" // a publisher is connected
)

// CodecInfo contains the codec parameters announced by a publisher
type CodecInfo struct {
	Codec      string  `json:"codec"`                // "h264", "aac"
	Profile    int     `json:"profile,omitempty"`    // AVC profile indication / AAC object type
	Width      int     `json:"width,omitempty"`      // Video width
	Height     int     `json:"height,omitempty"`     // Video height
	FrameRate  float64 `json:"frameRate,omitempty"`  // Video frame rate
	SampleRate int     `json:"sampleRate,omitempty"` // Audio sample rate
	Channels   int     `json:"channels,omitempty"`   // Audio channels
}

// Mountpoint is a named ingest endpoint that one publisher at a time can feed
type Mountpoint struct {
	Name       string
	State      MountpointState
	Generation uint64     // incremented on every publish
	Publisher  string     // remote address of the current publisher
	StartedAt  time.Time  // when the current publish started
	StoppedAt  *time.Time // when the last publish ended
	VideoCodec *CodecInfo
	AudioCodec *CodecInfo
	Metadata   map[string]interface{} // last onMetaData received
	Stats      MountpointStats
	mu         sync.RWMutex
}

// MountpointStats tracks per-publish statistics
type MountpointStats struct {
	BytesReceived     uint64
	AudioFrames       uint64
	VideoFrames       uint64
	KeyFramesReceived uint64
	LastFrameTime     time.Time
}

// NewMountpoint creates an idle mountpoint
func NewMountpoint(name string) *Mountpoint {
	return &Mountpoint{
		Name:  name,
		State: MountpointStateIdle,
	}
}

// Publish marks the mountpoint live for a new publisher and returns the new generation
func (m *Mountpoint) Publish(publisher string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Generation++
	m.State = MountpointStateLive
	m.Publisher = publisher
	m.StartedAt = time.Now()
	m.StoppedAt = nil
	m.VideoCodec = nil
	m.AudioCodec = nil
	m.Metadata = nil
	m.Stats = MountpointStats{}
	return m.Generation
}

// Unpublish returns the mountpoint to idle
func (m *Mountpoint) Unpublish() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.State = MountpointStateIdle
	m.Publisher = ""
	m.StoppedAt = &now
}

// GetState safely returns the current state
func (m *Mountpoint) GetState() MountpointState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.State
}

// SetMetadata records the publisher's stream metadata
func (m *Mountpoint) SetMetadata(md map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Metadata = md
}

// SetVideoCodec records the video codec parameters
func (m *Mountpoint) SetVideoCodec(info CodecInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.VideoCodec = &info
}

// SetAudioCodec records the audio codec parameters
func (m *Mountpoint) SetAudioCodec(info CodecInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AudioCodec = &info
}

// RecordFrame updates statistics for one delivered frame
func (m *Mountpoint) RecordFrame(video bool, keyFrame bool, size int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if video {
		m.Stats.VideoFrames++
		if keyFrame {
			m.Stats.KeyFramesReceived++
		}
	} else {
		m.Stats.AudioFrames++
	}
	m.Stats.BytesReceived += uint64(size)
	m.Stats.LastFrameTime = time.Now()
}

// Info returns an API snapshot of the mountpoint
func (m *Mountpoint) Info() MountpointInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info := MountpointInfo{
		Name:          m.Name,
		Active:        m.State == MountpointStateLive,
		State:         string(m.State),
		Generation:    m.Generation,
		Publisher:     m.Publisher,
		VideoCodec:    m.VideoCodec,
		AudioCodec:    m.AudioCodec,
		Metadata:      m.Metadata,
		BytesReceived: m.Stats.BytesReceived,
		AudioFrames:   m.Stats.AudioFrames,
		VideoFrames:   m.Stats.VideoFrames,
		KeyFrames:     m.Stats.KeyFramesReceived,
	}
	if info.Active {
		info.StartedAt = m.StartedAt.Format(time.RFC3339)
		info.Duration = int(time.Since(m.StartedAt).Seconds())
	}
	return info
}

// MountpointInfo represents mountpoint state returned by the API
type MountpointInfo struct {
	Name          string                 `json:"name"`
	Active        bool                   `json:"active"`
	State         string                 `json:"state"`
	Generation    uint64                 `json:"generation"`
	Publisher     string                 `json:"publisher,omitempty"`
	StartedAt     string                 `json:"startedAt,omitempty"`
	Duration      int                    `json:"duration,omitempty"` // seconds
	VideoCodec    *CodecInfo             `json:"videoCodec,omitempty"`
	AudioCodec    *CodecInfo             `json:"audioCodec,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	BytesReceived uint64                 `json:"bytesReceived"`
	AudioFrames   uint64                 `json:"audioFrames"`
	VideoFrames   uint64                 `json:"videoFrames"`
	KeyFrames     uint64                 `json:"keyFrames"`
}

// MountpointListResponse represents a list of mountpoints
type MountpointListResponse struct {
	Mountpoints []MountpointInfo `json:"mountpoints"`
	Total       int              `json:"total"`
}
