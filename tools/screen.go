package tools

import (
	"errors"

	"github.com/linklive/callcore"
	"github.com/linklive/callcore/shared"
	"github.com/pion/mediadevices"
	"go.uber.org/zap"
)

// ScreenCapture obtains a display track for the share session. Import the
// mediadevices screen driver package for the target platform before use.
type ScreenCapture struct {
	logger   shared.LoggerAdapter
	selector *mediadevices.CodecSelector
}

var _ callcore.ScreenSource = (*ScreenCapture)(nil)

func NewScreenCapture(logger shared.LoggerAdapter, selector *mediadevices.CodecSelector) (*ScreenCapture, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if selector == nil {
		return nil, errors.New("no codec selector provided")
	}
	return &ScreenCapture{logger: logger, selector: selector}, nil
}

func (s *ScreenCapture) StartScreen() (callcore.Track, func(), error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(mtc *mediadevices.MediaTrackConstraints) {},
		Codec: s.selector,
	})
	if err != nil {
		return nil, nil, err
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, nil, errors.New("no video track in display stream")
	}
	track := tracks[0]
	s.logger.Info("screen capture started", zap.String("trackId", track.ID()))
	return track, func() {
		if err := track.Close(); err != nil {
			s.logger.Error("closing screen track", err)
		}
	}, nil
}
