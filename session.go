package callcore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/linklive/callcore/shared"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

type SessionStatus int

const (
	StatusIdle SessionStatus = iota
	StatusConnecting
	StatusAwaitingApproval
	StatusJoined
	StatusNegotiating
	StatusTransportsReady
	StatusMediaEnabled
	StatusActive
	StatusClosing
	StatusClosed
)

func (s SessionStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusAwaitingApproval:
		return "awaiting-approval"
	case StatusJoined:
		return "joined"
	case StatusNegotiating:
		return "negotiating"
	case StatusTransportsReady:
		return "transports-ready"
	case StatusMediaEnabled:
		return "media-enabled"
	case StatusActive:
		return "active"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	}
	return "unknown"
}

const (
	defaultRequestTimeout = 15 * time.Second
	profileLookupTimeout  = 10 * time.Second
	placeholderPeerName   = "Peer"
	selfDisplayName       = "You"
	unknownSenderName     = "Unknown"
	shareIdentitySuffix   = "share"
)

type Options struct {
	ServerURL   string
	RoomID      string
	PeerID      string
	IsHost      bool
	DisplayName string
	PhotoURL    string
	Media       MediaOptions
	// RequestTimeout bounds individual signaling round trips driven by server pushes.
	RequestTimeout time.Duration
	// BridgeTimeout bounds the blocking engine-callback bridges (on-connect,
	// on-produce).
	BridgeTimeout time.Duration
}

// Dialer opens a signaling channel. The default dials a Channel over websocket.
type Dialer func(ctx context.Context, logger shared.LoggerAdapter, serverURL string) (Signaler, error)

// EngineFactory creates a fresh media-engine device. Called once for the main
// session and once more per screen-share session.
type EngineFactory func() (EngineDevice, error)

// Deps are the session's external collaborators.
type Deps struct {
	Dial      Dialer
	NewEngine EngineFactory
	Capture   CaptureSource
	Screen    ScreenSource
	Profiles  ProfileResolver
}

// Session is one active call: it exclusively owns its signaling channel, device,
// transports and registry, and exposes the observable State to the presentation
// layer. Exactly one Session is live at a time; create on join, destroy on end-call.
type Session struct {
	logger shared.LoggerAdapter
	opts   Options
	deps   Deps
	state  *State

	mu         sync.Mutex
	status     SessionStatus
	channel    Signaler
	device     *Device
	transports *TransportManager
	registry   *Registry
	share      *shareSession
	// shareStarting reserves the share slot while startShare is in flight, so a
	// concurrent start cannot pass the nil check and leak the slower setup.
	shareStarting bool

	ctx    context.Context
	cancel context.CancelCauseFunc
}

func NewSession(logger shared.LoggerAdapter, opts Options, deps Deps) (*Session, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if deps.NewEngine == nil {
		return nil, shared.ErrNoEngine
	}
	if opts.RoomID == "" || opts.PeerID == "" {
		return nil, errors.New("room id and peer id are required")
	}
	if deps.Dial == nil {
		deps.Dial = func(ctx context.Context, logger shared.LoggerAdapter, serverURL string) (Signaler, error) {
			return DialChannel(ctx, logger, serverURL)
		}
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Session{
		logger: logger.With(zap.String("roomId", opts.RoomID), zap.String("peerId", opts.PeerID)),
		opts:   opts,
		deps:   deps,
		state:  NewState(),
		status: StatusIdle,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// State exposes the observable session snapshot. Readers always see consistent
// copies; they never hold the session's internal locks.
func (s *Session) State() *State {
	return s.state
}

func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setStatus(status SessionStatus) {
	s.mu.Lock()
	prev := s.status
	s.status = status
	s.mu.Unlock()
	s.logger.Debug("session status changed",
		zap.String("prev", prev.String()),
		zap.String("new", status.String()),
	)
}

// Join runs the full setup sequence: connect, join-room (awaiting approval unless
// host), negotiate capabilities, create both transports, register event handlers,
// enable local media and replay the producer roster. Any failing step aborts the
// rest, releases everything acquired so far and surfaces a single setup failure;
// rejection surfaces ErrJoinRejected, a terminal outcome rather than a fault.
func (s *Session) Join(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusIdle {
		status := s.status
		s.mu.Unlock()
		return fmt.Errorf("%w: join attempted from %s", shared.ErrSetupFailure, status)
	}
	s.status = StatusConnecting
	s.mu.Unlock()

	if err := s.setup(ctx); err != nil {
		s.EndCall()
		if errors.Is(err, shared.ErrJoinRejected) {
			return err
		}
		return fmt.Errorf("%w: %w", shared.ErrSetupFailure, err)
	}
	s.state.SetServiceStarted(true)
	s.setStatus(StatusActive)
	s.logger.Info("session active")
	return nil
}

func (s *Session) setup(ctx context.Context) error {
	channel, err := s.deps.Dial(ctx, s.logger, s.opts.ServerURL)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.channel = channel
	s.mu.Unlock()
	channel.OnDisconnect(func(err error) {
		// Not treated as fatal here: the server may still recover the peer, and
		// transport-level state change reporting covers media loss.
		s.logger.Warn("signaling channel disconnected", zap.Error(err))
	})

	if err := channel.Emit(EventJoinRoom, JoinRoomRequest{
		RoomID: s.opts.RoomID,
		PeerID: s.opts.PeerID,
		IsHost: s.opts.IsHost,
	}); err != nil {
		return fmt.Errorf("emitting join-room: %w", err)
	}

	if !s.opts.IsHost {
		s.setStatus(StatusAwaitingApproval)
		raw, err := channel.AwaitEvent(ctx, EventJoinApproved)
		if err != nil {
			return fmt.Errorf("awaiting approval: %w", err)
		}
		var approved JoinApproved
		if err := sonic.Unmarshal(raw, &approved); err != nil {
			return fmt.Errorf("%w: join-approved: %w", shared.ErrInvalidEventData, err)
		}
		if !approved.Approved {
			return shared.ErrJoinRejected
		}
	}

	raw, err := channel.AwaitEvent(ctx, EventRoomJoined)
	if err != nil {
		return fmt.Errorf("awaiting room-joined: %w", err)
	}
	var room RoomJoined
	if err := sonic.Unmarshal(raw, &room); err != nil {
		return fmt.Errorf("%w: room-joined: %w", shared.ErrInvalidEventData, err)
	}
	s.setStatus(StatusJoined)

	s.registerRoster(room.Peers)

	engine, err := s.deps.NewEngine()
	if err != nil {
		return fmt.Errorf("creating media engine: %w", err)
	}
	device, err := NewDevice(s.logger, engine, s.opts.Media)
	if err != nil {
		return err
	}
	if err := device.Load(room.RouterRTPCapabilities); err != nil {
		return fmt.Errorf("loading device: %w", err)
	}
	s.setStatus(StatusNegotiating)

	transports, err := NewTransportManager(s.logger, channel, device, s.opts.BridgeTimeout)
	if err != nil {
		return err
	}
	// Send before receive: the sctp capability snapshot is computed once at device
	// load and attached identically to both.
	if err := transports.CreateSendTransport(ctx); err != nil {
		return err
	}
	if err := transports.CreateRecvTransport(ctx); err != nil {
		return err
	}
	registry, err := NewRegistry(s.logger, channel, device, transports, s.state)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.device = device
	s.transports = transports
	s.registry = registry
	s.mu.Unlock()
	s.setStatus(StatusTransportsReady)

	s.registerEventHandlers(channel)

	if err := s.enableLocalMedia(); err != nil {
		return err
	}
	s.setStatus(StatusMediaEnabled)

	// Roster replay: one full consume flow per existing producer. A single failing
	// entry degrades that one peer's media, it does not abort the join.
	for _, producer := range room.Producers {
		if err := s.consume(ctx, producer.ProducerID); err != nil {
			s.logger.Error("consuming roster producer", err, zap.String("producerId", producer.ProducerID))
		}
	}
	return nil
}

func (s *Session) registerRoster(peers map[string]bool) {
	name := s.opts.DisplayName
	if name == "" {
		name = selfDisplayName
	}
	s.state.PutParticipant(Participant{
		ID:       s.opts.PeerID,
		Name:     name,
		PhotoURL: s.opts.PhotoURL,
	})
	i := 0
	for peerID, present := range peers {
		if !present || peerID == s.opts.PeerID {
			continue
		}
		s.state.PutParticipant(Participant{
			ID:   peerID,
			Name: fmt.Sprintf("%s %d", placeholderPeerName, i),
		})
		i++
		go s.enrichProfile(peerID)
	}
}

func (s *Session) enrichProfile(peerID string) {
	if s.deps.Profiles == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, profileLookupTimeout)
	defer cancel()
	profile, err := s.deps.Profiles.Resolve(ctx, peerID)
	if err != nil {
		s.logger.Debug("profile lookup failed", zap.String("peerId", peerID), zap.Error(err))
		return
	}
	s.state.UpdateParticipant(peerID, func(p Participant) Participant {
		if profile.Name != "" {
			p.Name = profile.Name
		}
		if profile.PhotoURL != "" {
			p.PhotoURL = profile.PhotoURL
		}
		return p
	})
}

func (s *Session) enableLocalMedia() error {
	if s.deps.Capture == nil {
		s.logger.Debug("no capture source, skipping local media")
		return nil
	}
	canAudio, err := s.device.CanProduce(webrtc.RTPCodecTypeAudio)
	if err != nil {
		return err
	}
	if canAudio {
		if err := s.enableTrack(s.deps.Capture.StartAudio); err != nil {
			return fmt.Errorf("enabling mic: %w", err)
		}
		s.state.SetMicEnabled(true)
	}
	canVideo, err := s.device.CanProduce(webrtc.RTPCodecTypeVideo)
	if err != nil {
		return err
	}
	if canVideo {
		if err := s.enableTrack(s.deps.Capture.StartVideo); err != nil {
			return fmt.Errorf("enabling camera: %w", err)
		}
		s.state.SetCamEnabled(true)
	}
	return nil
}

func (s *Session) enableTrack(start func() (Track, func(), error)) error {
	track, release, err := start()
	if err != nil {
		return err
	}
	if _, err := s.registry.Produce(s.opts.PeerID, track, release); err != nil {
		return err
	}
	s.state.UpdateParticipant(s.opts.PeerID, func(p Participant) Participant {
		if track.Kind() == webrtc.RTPCodecTypeAudio {
			p.AudioTrack = track
		} else {
			p.VideoTrack = track
		}
		return p
	})
	return nil
}

func (s *Session) registerEventHandlers(channel Signaler) {
	channel.On(EventPeerDisconnected, s.handlePeerDisconnected)
	channel.On(EventNewProducer, s.handleNewProducer)
	channel.On(EventProducerPaused, func(data json.RawMessage) { s.handleProducerState(data, true) })
	channel.On(EventProducerResumed, func(data json.RawMessage) { s.handleProducerState(data, false) })
	channel.On(EventReceiveMessage, s.handleReceiveMessage)
	if s.opts.IsHost {
		channel.On(EventAskToJoin, s.handleAskToJoin)
	}
}

func (s *Session) requestCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, s.opts.RequestTimeout)
}

func (s *Session) consume(ctx context.Context, producerID string) error {
	s.mu.Lock()
	registry := s.registry
	s.mu.Unlock()
	if registry == nil {
		return shared.ErrNoTransport
	}
	return registry.Consume(ctx, producerID)
}

func (s *Session) handleNewProducer(data json.RawMessage) {
	var ev NewProducer
	if err := sonic.Unmarshal(data, &ev); err != nil {
		s.logger.Error("decoding new-producer", fmt.Errorf("%w: %w", shared.ErrInvalidEventData, err))
		return
	}
	if ev.PeerID == s.opts.PeerID+shareIdentitySuffix {
		// Our own screen-share identity announcing itself.
		return
	}
	if ev.PeerID != "" {
		s.state.PutParticipant(Participant{ID: ev.PeerID, Name: placeholderPeerName})
		go s.enrichProfile(ev.PeerID)
	}
	ctx, cancel := s.requestCtx()
	defer cancel()
	if err := s.consume(ctx, ev.ProducerID); err != nil {
		s.logger.Error("consuming new producer", err, zap.String("producerId", ev.ProducerID))
	}
}

func (s *Session) handlePeerDisconnected(data json.RawMessage) {
	var ev PeerDisconnected
	if err := sonic.Unmarshal(data, &ev); err != nil {
		s.logger.Error("decoding peer-disconnected", fmt.Errorf("%w: %w", shared.ErrInvalidEventData, err))
		return
	}
	s.mu.Lock()
	registry := s.registry
	s.mu.Unlock()
	if registry != nil {
		registry.ForgetPeer(ev.PeerID)
	}
	if !s.state.RemoveParticipant(ev.PeerID) {
		s.logger.Debug("disconnect for unknown peer", zap.String("peerId", ev.PeerID))
	}
}

func (s *Session) handleProducerState(data json.RawMessage, paused bool) {
	var ev ProducerStateChange
	if err := sonic.Unmarshal(data, &ev); err != nil {
		s.logger.Error("decoding producer state change", fmt.Errorf("%w: %w", shared.ErrInvalidEventData, err))
		return
	}
	s.mu.Lock()
	registry := s.registry
	s.mu.Unlock()
	if registry == nil {
		return
	}
	registry.HandleRemotePause(ev.PeerID, ev.Kind, paused)
}

func (s *Session) handleReceiveMessage(data json.RawMessage) {
	var ev IncomingMessage
	if err := sonic.Unmarshal(data, &ev); err != nil {
		s.logger.Error("decoding receive-message", fmt.Errorf("%w: %w", shared.ErrInvalidEventData, err))
		return
	}
	sender := unknownSenderName
	if p, ok := s.state.Participant(ev.PeerID); ok {
		sender = p.Name
	}
	s.state.AppendMessage(Message{
		PeerID: ev.PeerID,
		Sender: sender,
		Text:   ev.Text,
		SentAt: time.Now(),
	})
}

func (s *Session) handleAskToJoin(data json.RawMessage) {
	var ev JoinAsk
	if err := sonic.Unmarshal(data, &ev); err != nil {
		s.logger.Error("decoding ask-to-join", fmt.Errorf("%w: %w", shared.ErrInvalidEventData, err))
		return
	}
	s.state.EnqueueJoinRequest(JoinRequest{
		PeerID:   ev.RequesterPeerID,
		SocketID: ev.RequesterSocketID,
	})
	s.logger.Info("join request queued", zap.String("requesterPeerId", ev.RequesterPeerID))
}

func (s *Session) requireActive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive {
		return fmt.Errorf("%w: status %s", shared.ErrSessionNotActive, s.status)
	}
	return nil
}

// ToggleMic pauses or resumes the mic producer. Peers observe the change via the
// server's producer-paused/resumed push; no extra broadcast is needed.
func (s *Session) ToggleMic(enabled bool) error {
	if err := s.requireActive(); err != nil {
		return err
	}
	var err error
	if enabled {
		err = s.registry.ResumeProducer(webrtc.RTPCodecTypeAudio)
	} else {
		err = s.registry.PauseProducer(webrtc.RTPCodecTypeAudio)
	}
	if err != nil {
		return err
	}
	s.state.UpdateParticipant(s.opts.PeerID, func(p Participant) Participant {
		p.Muted = !enabled
		return p
	})
	s.state.SetMicEnabled(enabled)
	return nil
}

// ToggleCamera pauses or resumes the camera producer. Capture keeps running while
// paused so resuming is instant.
func (s *Session) ToggleCamera(enabled bool) error {
	if err := s.requireActive(); err != nil {
		return err
	}
	var err error
	if enabled {
		err = s.registry.ResumeProducer(webrtc.RTPCodecTypeVideo)
	} else {
		err = s.registry.PauseProducer(webrtc.RTPCodecTypeVideo)
	}
	if err != nil {
		return err
	}
	s.state.UpdateParticipant(s.opts.PeerID, func(p Participant) Participant {
		p.VideoPaused = !enabled
		return p
	})
	s.state.SetCamEnabled(enabled)
	return nil
}

// SwitchCamera delegates to the capture device; producer identity and server state
// are unaffected.
func (s *Session) SwitchCamera() error {
	if s.deps.Capture == nil {
		return shared.ErrNoCapture
	}
	return s.deps.Capture.SwitchCamera()
}

func (s *Session) ToggleSpeaker(muted bool) {
	s.state.SetSpeakerMuted(muted)
}

// SendMessage emits the chat message and appends it to the local log optimistically,
// attributed to self, without waiting for a server echo.
func (s *Session) SendMessage(text string) error {
	if err := s.requireActive(); err != nil {
		return err
	}
	if err := s.channel.Emit(EventMessage, OutgoingMessage{Text: text}); err != nil {
		return err
	}
	sender := s.opts.DisplayName
	if sender == "" {
		sender = selfDisplayName
	}
	s.state.AppendMessage(Message{
		PeerID: s.opts.PeerID,
		Sender: sender,
		Text:   text,
		SentAt: time.Now(),
	})
	return nil
}

// ApproveJoinRequest answers a pending ask-to-join, addressed to the requester's
// connection id. The served entry is not dequeued automatically; call
// DequeueJoinRequest once handled.
func (s *Session) ApproveJoinRequest(approved bool, requesterSocketID string) error {
	if err := s.requireActive(); err != nil {
		return err
	}
	return s.channel.Emit(EventAskToJoinResponse, JoinAskResponse{
		Approved: approved,
		To:       requesterSocketID,
	})
}

func (s *Session) DequeueJoinRequest() (JoinRequest, bool) {
	return s.state.DequeueJoinRequest()
}

func (s *Session) Focus(peerID string) {
	s.state.SetFocused(peerID)
}

// StartScreenShare joins the room a second time under the share identity and
// produces the screen track there, in parallel with the main session.
func (s *Session) StartScreenShare(ctx context.Context) error {
	if s.deps.Screen == nil {
		return shared.ErrNoCapture
	}
	s.mu.Lock()
	if s.status != StatusActive {
		status := s.status
		s.mu.Unlock()
		return fmt.Errorf("%w: status %s", shared.ErrSessionNotActive, status)
	}
	if s.share != nil || s.shareStarting {
		s.mu.Unlock()
		return shared.ErrShareInProgress
	}
	s.shareStarting = true
	s.mu.Unlock()

	share, err := startShare(ctx, s.logger, s.opts, s.deps)

	s.mu.Lock()
	s.shareStarting = false
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("starting screen share: %w", err)
	}
	if s.status != StatusActive {
		status := s.status
		s.mu.Unlock()
		// The call ended while the share was being set up.
		share.close()
		return fmt.Errorf("%w: status %s", shared.ErrSessionNotActive, status)
	}
	s.share = share
	s.mu.Unlock()
	s.state.SetScreenSharing(true)
	return nil
}

func (s *Session) StopScreenShare() {
	s.mu.Lock()
	share := s.share
	s.share = nil
	s.mu.Unlock()
	if share != nil {
		share.close()
	}
	s.state.SetScreenSharing(false)
}

// EndCall tears the session down in reverse-dependency order: producers (releasing
// capture), transports (closing consumers implicitly), then the signaling channel,
// and finally clears the observable state. Idempotent, and safe to call from any
// state, including mid-setup.
func (s *Session) EndCall() {
	s.mu.Lock()
	if s.status == StatusClosing || s.status == StatusClosed {
		s.mu.Unlock()
		return
	}
	s.status = StatusClosing
	share := s.share
	registry := s.registry
	transports := s.transports
	channel := s.channel
	s.share = nil
	s.mu.Unlock()

	if share != nil {
		share.close()
	}
	if registry != nil {
		registry.CloseProducers(s.opts.PeerID)
	}
	if transports != nil {
		transports.Close()
	}
	if channel != nil {
		if err := channel.Close(); err != nil {
			s.logger.Error("closing signaling channel", err)
		}
	}
	s.cancel(errors.New("call ended"))
	s.state.Reset()
	s.setStatus(StatusClosed)
	s.logger.Info("session closed")
}
