package rtmp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"reflect"

	"github.com/mitchellh/mapstructure"
	"github.com/yutopp/go-amf0"

	"mseingest/internal/mediatime"
)

// StreamMetadata is the subset of onMetaData this server looks at.
type StreamMetadata struct {
	Width           float64     `mapstructure:"width"`
	Height          float64     `mapstructure:"height"`
	FrameRate       float64     `mapstructure:"framerate"`
	VideoFrameRate  float64     `mapstructure:"videoframerate"`
	VideoDataRate   float64     `mapstructure:"videodatarate"`
	VideoCodecID    interface{} `mapstructure:"videocodecid"`
	AudioSampleRate float64     `mapstructure:"audiosamplerate"`
	AudioChannels   float64     `mapstructure:"audiochannels"`
	Stereo          bool        `mapstructure:"stereo"`
	AudioCodecID    interface{} `mapstructure:"audiocodecid"`
	Encoder         string      `mapstructure:"encoder"`

	// Properties holds every property as received.
	Properties map[string]interface{} `mapstructure:"-"`
}

// VideoFrameRateValue returns the declared frame rate, preferring
// videoframerate over framerate.
func (m *StreamMetadata) VideoFrameRateValue() float64 {
	if m.VideoFrameRate > 0 {
		return m.VideoFrameRate
	}
	return m.FrameRate
}

// DecodeMetadata decodes the AMF0 payload of an @setDataFrame message. The
// payload is the "onMetaData" name followed by an object or ECMA array.
func DecodeMetadata(payload []byte) (*StreamMetadata, error) {
	dec := amf0.NewDecoder(bytes.NewReader(payload))
	for {
		var v interface{}
		if err := dec.Decode(&v); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("rtmp: no metadata object in data frame")
			}
			return nil, fmt.Errorf("rtmp: decode metadata: %w", err)
		}

		var props map[string]interface{}
		switch v := v.(type) {
		case string:
			continue
		case map[string]interface{}:
			props = v
		default:
			// ECMA arrays decode to a named map type
			props = stringKeyedMap(v)
			if props == nil {
				return nil, fmt.Errorf("rtmp: unexpected metadata value %T", v)
			}
		}

		var md StreamMetadata
		d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &md,
		})
		if err != nil {
			return nil, err
		}
		if err := d.Decode(props); err != nil {
			return nil, fmt.Errorf("rtmp: map metadata: %w", err)
		}
		md.Properties = props
		return &md, nil
	}
}

func stringKeyedMap(v interface{}) map[string]interface{} {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil
	}
	m := make(map[string]interface{}, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		m[iter.Key().String()] = iter.Value().Interface()
	}
	return m
}

// StreamMeta is what the video pipeline needs from the metadata.
type StreamMeta struct {
	VideoFrameDuration mediatime.Duration
}

// NewStreamMeta derives the frame duration from the declared frame rate,
// which is taken to two decimal places.
func NewStreamMeta(md *StreamMetadata) (*StreamMeta, error) {
	if md == nil {
		return nil, fmt.Errorf("%w: no metadata", ErrUnsupportedStream)
	}
	rate := mediatime.FromFloat(md.VideoFrameRateValue(), 2)
	if rate.Cmp(mediatime.Zero) <= 0 {
		return nil, fmt.Errorf("%w: no frame rate in metadata", ErrUnsupportedStream)
	}
	return &StreamMeta{VideoFrameDuration: rate.Recip()}, nil
}
