package media

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const syntheticFrameInterval = 20 * time.Millisecond

// SyntheticSource produces VP8/Opus tracks without touching hardware. The
// audio track carries Opus silence so a remote peer sees a live track.
type SyntheticSource struct {
	// Deny makes every GetUserMedia call fail as if permission were refused.
	Deny bool
}

func (s *SyntheticSource) RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (s *SyntheticSource) GetUserMedia(ctx context.Context, c Constraints) (Stream, error) {
	if s.Deny {
		return nil, ErrPermissionDenied
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	streamID := "synthetic-" + uuid.NewString()
	out := &stream{}
	if c.Video {
		vt, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
		if err != nil {
			return nil, err
		}
		out.tracks = append(out.tracks, &sampleTrack{kind: webrtc.RTPCodecTypeVideo, track: vt})
	}
	if c.Audio {
		at, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
		if err != nil {
			return nil, err
		}
		st := &sampleTrack{kind: webrtc.RTPCodecTypeAudio, track: at, done: make(chan struct{})}
		go st.pumpSilence()
		out.tracks = append(out.tracks, st)
	}
	return out, nil
}

type sampleTrack struct {
	kind  webrtc.RTPCodecType
	track *webrtc.TrackLocalStaticSample
	done  chan struct{}
	once  sync.Once
}

func (t *sampleTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *sampleTrack) ID() string                { return t.track.ID() }
func (t *sampleTrack) Local() webrtc.TrackLocal  { return t.track }

func (t *sampleTrack) Stop() {
	t.once.Do(func() {
		if t.done != nil {
			close(t.done)
		}
	})
}

func (t *sampleTrack) pumpSilence() {
	ticker := time.NewTicker(syntheticFrameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			// Unbound tracks drop samples silently.
			_ = t.track.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: syntheticFrameInterval})
		}
	}
}
