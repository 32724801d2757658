// Package tools provides local device capture for the call core, built on
// pion/mediadevices. Applications import the driver packages matching their
// platform (microphone, camera, screen) before constructing a Capture.
package tools

import (
	"errors"
	"sync"

	"github.com/linklive/callcore"
	"github.com/linklive/callcore/shared"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"
	"go.uber.org/zap"
)

const (
	captureSampleRate = 48000
	captureChannels   = 1
	captureSampleSize = 16
	captureWidth      = 640
	captureHeight     = 480
)

// Capture obtains mic and camera tracks from the local devices. It satisfies
// callcore.CaptureSource; the returned mediadevices tracks satisfy callcore.Track.
type Capture struct {
	logger   shared.LoggerAdapter
	selector *mediadevices.CodecSelector

	mu          sync.Mutex
	frontCamera bool
}

var _ callcore.CaptureSource = (*Capture)(nil)

func NewCapture(logger shared.LoggerAdapter, selector *mediadevices.CodecSelector) (*Capture, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if selector == nil {
		return nil, errors.New("no codec selector provided")
	}
	return &Capture{logger: logger, selector: selector, frontCamera: true}, nil
}

// StartAudio opens the microphone and returns the live track with its release func.
func (c *Capture) StartAudio() (callcore.Track, func(), error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(mtc *mediadevices.MediaTrackConstraints) {
			mtc.SampleRate = prop.Int(captureSampleRate)
			mtc.ChannelCount = prop.Int(captureChannels)
			mtc.SampleSize = prop.Int(captureSampleSize)
		},
		Codec: c.selector,
	})
	if err != nil {
		return nil, nil, err
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, nil, errors.New("no audio track in microphone stream")
	}
	track := tracks[0]
	c.logger.Info("microphone capture started", zap.String("trackId", track.ID()))
	return track, func() {
		if err := track.Close(); err != nil {
			c.logger.Error("closing microphone track", err)
		}
	}, nil
}

// StartVideo opens the camera and returns the live track with its release func. The
// camera keeps capturing while the producer is paused, so resuming is instant.
func (c *Capture) StartVideo() (callcore.Track, func(), error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(mtc *mediadevices.MediaTrackConstraints) {
			mtc.Width = prop.Int(captureWidth)
			mtc.Height = prop.Int(captureHeight)
		},
		Codec: c.selector,
	})
	if err != nil {
		return nil, nil, err
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, nil, errors.New("no video track in camera stream")
	}
	track := tracks[0]
	c.logger.Info("camera capture started", zap.String("trackId", track.ID()))
	return track, func() {
		if err := track.Close(); err != nil {
			c.logger.Error("closing camera track", err)
		}
	}, nil
}

// SwitchCamera flips the facing preference applied to the next StartVideo. The
// producer keeps its identity; mediadevices cannot retarget an open track in place,
// so the new preference takes effect when the video track is next (re)started.
func (c *Capture) SwitchCamera() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frontCamera = !c.frontCamera
	name := "back"
	if c.frontCamera {
		name = "front"
	}
	c.logger.Info("camera preference switched", zap.String("camera", name))
	return nil
}
