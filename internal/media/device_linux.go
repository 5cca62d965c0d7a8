//go:build linux && devices

package media

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

const deviceVideoBitRate = 1_500_000

// DeviceSource captures the local camera and microphone (V4L2 and malgo).
type DeviceSource struct {
	selector *mediadevices.CodecSelector
	log      *slog.Logger
}

func NewDeviceSource(logger *slog.Logger) (*DeviceSource, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = deviceVideoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		logger.Warn("no media devices found")
	}
	for _, d := range devices {
		logger.Debug("media device", "kind", d.Kind, "label", d.Label)
	}

	return &DeviceSource{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		log: logger.With("component", "media"),
	}, nil
}

func (s *DeviceSource) RegisterCodecs(m *webrtc.MediaEngine) error {
	s.selector.Populate(m)
	return nil
}

func (s *DeviceSource) GetUserMedia(ctx context.Context, c Constraints) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	constraints := mediadevices.MediaStreamConstraints{Codec: s.selector}
	if c.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// Raw formats only; some cameras expose broken MJPEG nodes.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mc.Width = prop.IntRanged{Max: c.Width, Ideal: c.Width}
			mc.Height = prop.IntRanged{Max: c.Height, Ideal: c.Height}
			if c.FrameRate > 0 {
				mc.FrameRate = prop.FloatRanged{Max: float32(c.FrameRate), Ideal: float32(c.FrameRate)}
			}
		}
	}
	if c.Audio {
		constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}

	ms, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
	}

	out := &stream{}
	for _, t := range ms.GetTracks() {
		t := t
		t.OnEnded(func(err error) {
			if err != nil {
				s.log.Warn("local track ended", "kind", t.Kind().String(), "err", err)
			}
		})
		out.tracks = append(out.tracks, &deviceTrack{track: t})
	}
	s.log.Info("local media captured", "label", c.Label, "tracks", len(out.tracks))
	return out, nil
}

type deviceTrack struct {
	track mediadevices.Track
}

func (t *deviceTrack) Kind() webrtc.RTPCodecType { return t.track.Kind() }
func (t *deviceTrack) ID() string                { return t.track.ID() }
func (t *deviceTrack) Local() webrtc.TrackLocal  { return t.track }
func (t *deviceTrack) Stop()                     { _ = t.track.Close() }
