package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"     // register camera adapter
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // register microphone adapter
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/medbridge/telecall/internal/core"
)

// DeviceProvider acquires the process-exclusive camera/microphone
// handle through pion/mediadevices. Only this type touches the
// devices; release is funneled through deviceStream.Release.
type DeviceProvider struct {
	selector *mediadevices.CodecSelector
}

func NewDeviceProvider() (*DeviceProvider, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 500_000

	return &DeviceProvider{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithAudioEncoders(&opusParams),
			mediadevices.WithVideoEncoders(&vpxParams),
		),
	}, nil
}

// Acquire blocks while the OS permission prompt is open; the caller
// discards the result by state when the user hung up meanwhile.
func (p *DeviceProvider) Acquire(ctx context.Context, audio, video bool) (MediaStream, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: p.selector}
	if audio {
		constraints.Audio = func(c *mediadevices.MediaTrackConstraints) {}
	}
	if video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrMediaAccess, err)
	}
	log.Info().Str("module", "client.media").Bool("audio", audio).Bool("video", video).Msg("devices acquired")
	return &deviceStream{stream: stream}, nil
}

type deviceStream struct {
	stream mediadevices.MediaStream
	once   sync.Once
}

func (s *deviceStream) Tracks() []webrtc.TrackLocal {
	tracks := s.stream.GetTracks()
	out := make([]webrtc.TrackLocal, 0, len(tracks))
	for _, track := range tracks {
		out = append(out, track)
	}
	return out
}

// Release closes every capture track exactly once.
func (s *deviceStream) Release() {
	s.once.Do(func() {
		for _, track := range s.stream.GetTracks() {
			if err := track.Close(); err != nil {
				log.Warn().Err(err).Str("module", "client.media").Str("track", track.ID()).Msg("track close")
			}
		}
		log.Info().Str("module", "client.media").Msg("devices released")
	})
}
