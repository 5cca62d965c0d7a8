package media

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

var (
	ErrPermissionDenied = errors.New("media permission denied")
	ErrNoDevice         = errors.New("no capture device")
)

// Track is one local capture track.
type Track interface {
	Kind() webrtc.RTPCodecType
	ID() string
	Local() webrtc.TrackLocal
	Stop()
}

// Stream is the result of one GetUserMedia call.
type Stream interface {
	Tracks() []Track
	Stop()
}

// Source acquires local media. RegisterCodecs prepares a MediaEngine for the
// codecs its tracks produce.
type Source interface {
	GetUserMedia(ctx context.Context, c Constraints) (Stream, error)
	RegisterCodecs(m *webrtc.MediaEngine) error
}

// Kinds lists the media kinds present in s.
func Kinds(s Stream) []webrtc.RTPCodecType {
	if s == nil {
		return nil
	}
	var out []webrtc.RTPCodecType
	for _, t := range s.Tracks() {
		out = append(out, t.Kind())
	}
	return out
}

// NeedsRenegotiation reports whether next carries a media kind that has no
// existing sender, which track replacement alone cannot deliver.
func NeedsRenegotiation(current []webrtc.RTPCodecType, next Stream) bool {
	have := make(map[webrtc.RTPCodecType]bool, len(current))
	for _, k := range current {
		have[k] = true
	}
	for _, k := range Kinds(next) {
		if !have[k] {
			return true
		}
	}
	return false
}

type stream struct {
	tracks []Track
	stop   func()
}

func (s *stream) Tracks() []Track { return s.tracks }

func (s *stream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
	if s.stop != nil {
		s.stop()
	}
}
