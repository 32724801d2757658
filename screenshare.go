package callcore

import (
	"context"
	"fmt"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/linklive/callcore/shared"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// shareSession is the screen-share half of a call: a second signaling identity
// (peer id + "share" suffix) in the same room, with its own channel, device and a
// send transport only. It never consumes.
type shareSession struct {
	logger      shared.LoggerAdapter
	channel     Signaler
	device      *Device
	transport   *TransportManager
	producer    EngineProducer
	release     func()
	releaseOnce sync.Once
	closeOnce   sync.Once
}

// releaseCapture frees the screen capture exactly once, whichever of explicit close
// or transport-close callback runs first.
func (s *shareSession) releaseCapture() {
	s.releaseOnce.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}

func startShare(ctx context.Context, logger shared.LoggerAdapter, opts Options, deps Deps) (*shareSession, error) {
	sharePeerID := opts.PeerID + shareIdentitySuffix
	logger = logger.With(zap.String("sharePeerId", sharePeerID))

	channel, err := deps.Dial(ctx, logger, opts.ServerURL)
	if err != nil {
		return nil, err
	}
	share := &shareSession{logger: logger, channel: channel}
	channel.OnDisconnect(func(err error) {
		logger.Warn("share channel disconnected", zap.Error(err))
	})

	if err := share.setup(ctx, sharePeerID, opts, deps); err != nil {
		share.close()
		return nil, err
	}
	return share, nil
}

func (s *shareSession) setup(ctx context.Context, sharePeerID string, opts Options, deps Deps) error {
	if err := s.channel.Emit(EventJoinRoom, JoinRoomRequest{
		RoomID: opts.RoomID,
		PeerID: sharePeerID,
	}); err != nil {
		return fmt.Errorf("emitting join-room: %w", err)
	}
	raw, err := s.channel.AwaitEvent(ctx, EventRoomJoined)
	if err != nil {
		return fmt.Errorf("awaiting room-joined: %w", err)
	}
	var room RoomJoined
	if err := sonic.Unmarshal(raw, &room); err != nil {
		return fmt.Errorf("%w: room-joined: %w", shared.ErrInvalidEventData, err)
	}

	engine, err := deps.NewEngine()
	if err != nil {
		return fmt.Errorf("creating share engine: %w", err)
	}
	device, err := NewDevice(s.logger, engine, opts.Media)
	if err != nil {
		return err
	}
	if err := device.Load(room.RouterRTPCapabilities); err != nil {
		return fmt.Errorf("loading share device: %w", err)
	}
	s.device = device

	transport, err := NewTransportManager(s.logger, s.channel, device, opts.BridgeTimeout)
	if err != nil {
		return err
	}
	if err := transport.CreateSendTransport(ctx); err != nil {
		return err
	}
	s.transport = transport

	canVideo, err := device.CanProduce(webrtc.RTPCodecTypeVideo)
	if err != nil {
		return err
	}
	if !canVideo {
		return fmt.Errorf("%w: screen video", shared.ErrProduceFailure)
	}
	track, release, err := deps.Screen.StartScreen()
	if err != nil {
		return fmt.Errorf("starting screen capture: %w", err)
	}
	send, err := transport.Send()
	if err != nil {
		release()
		return err
	}
	producer, err := send.Produce(&shareProducerListener{s: s}, track)
	if err != nil {
		release()
		return fmt.Errorf("%w: %w", shared.ErrProduceFailure, err)
	}
	s.producer = producer
	s.release = release
	s.logger.Info("screen producer created", zap.String("id", producer.ID()))
	return nil
}

func (s *shareSession) close() {
	s.closeOnce.Do(func() {
		if s.producer != nil {
			s.producer.Close()
		}
		s.releaseCapture()
		if s.transport != nil {
			s.transport.Close()
		}
		if err := s.channel.Close(); err != nil {
			s.logger.Error("closing share channel", err)
		}
		s.logger.Info("screen share closed")
	})
}

type shareProducerListener struct {
	s *shareSession
}

func (l *shareProducerListener) OnTransportClose(producerID string) {
	l.s.logger.Debug("share producer transport closed", zap.String("id", producerID))
	l.s.releaseCapture()
}
