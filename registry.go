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

type consumerKey struct {
	peerID string
	kind   webrtc.RTPCodecType
}

// Registry tracks locally-originated producers (at most one per kind) and
// remotely-originated consumers (one per remote peer-track). Operations on different
// keys may interleave freely; operations on the same key serialize on the registry
// lock.
type Registry struct {
	logger     shared.LoggerAdapter
	channel    Signaler
	device     *Device
	transports *TransportManager
	state      *State

	mu        sync.Mutex
	producers map[webrtc.RTPCodecType]EngineProducer
	releasers map[webrtc.RTPCodecType]func()
	consumers map[consumerKey]EngineConsumer
	// pendingPaused remembers a producer-paused push that raced ahead of its
	// consumer's creation, applied once the consumer exists.
	pendingPaused map[consumerKey]bool
}

func NewRegistry(logger shared.LoggerAdapter, channel Signaler, device *Device, transports *TransportManager, state *State) (*Registry, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	return &Registry{
		logger:        logger,
		channel:       channel,
		device:        device,
		transports:    transports,
		state:         state,
		producers:     make(map[webrtc.RTPCodecType]EngineProducer),
		releasers:     make(map[webrtc.RTPCodecType]func()),
		consumers:     make(map[consumerKey]EngineConsumer),
		pendingPaused: make(map[consumerKey]bool),
	}, nil
}

// Produce creates a producer of the given kind on the send transport. An existing
// producer of the same kind is closed and its capture released first, so toggling
// off/on never leaves two live producers or leaks a device. The release func frees
// the local capture resource and runs on replacement or transport close.
func (r *Registry) Produce(selfPeerID string, track Track, release func()) (EngineProducer, error) {
	kind := track.Kind()
	send, err := r.transports.Send()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	old := r.producers[kind]
	oldRelease := r.releasers[kind]
	delete(r.producers, kind)
	delete(r.releasers, kind)
	r.mu.Unlock()
	if old != nil {
		// Detach the borrowed track from the participant before closing.
		r.detachSelfTrack(selfPeerID, kind)
		old.Close()
		if oldRelease != nil {
			oldRelease()
		}
	}

	producer, err := send.Produce(&producerListener{r: r, kind: kind}, track)
	if err != nil {
		if release != nil {
			release()
		}
		return nil, fmt.Errorf("%w: %w", shared.ErrProduceFailure, err)
	}
	if producer.ID() == "" {
		producer.Close()
		if release != nil {
			release()
		}
		return nil, fmt.Errorf("%w: empty producer id", shared.ErrProduceFailure)
	}

	r.mu.Lock()
	r.producers[kind] = producer
	if release != nil {
		r.releasers[kind] = release
	}
	r.mu.Unlock()
	r.logger.Debug("producer registered",
		zap.String("id", producer.ID()),
		zap.String("kind", kind.String()),
	)
	return producer, nil
}

func (r *Registry) detachSelfTrack(selfPeerID string, kind webrtc.RTPCodecType) {
	r.state.UpdateParticipant(selfPeerID, func(p Participant) Participant {
		if kind == webrtc.RTPCodecTypeAudio {
			p.AudioTrack = nil
		} else {
			p.VideoTrack = nil
		}
		return p
	})
}

// Producer returns the live producer of the given kind, if any.
func (r *Registry) Producer(kind webrtc.RTPCodecType) (EngineProducer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[kind]
	return p, ok
}

// PauseProducer signals the server to pause the producer of the given kind. The
// producer itself stays alive; video capture keeps running so resume is instant.
func (r *Registry) PauseProducer(kind webrtc.RTPCodecType) error {
	r.mu.Lock()
	producer, ok := r.producers[kind]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: pause %s", shared.ErrNoProducer, kind)
	}
	return r.channel.Emit(EventPauseProducer, ProducerRef{ProducerID: producer.ID()})
}

func (r *Registry) ResumeProducer(kind webrtc.RTPCodecType) error {
	r.mu.Lock()
	producer, ok := r.producers[kind]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: resume %s", shared.ErrNoProducer, kind)
	}
	return r.channel.Emit(EventResumeProducer, ProducerRef{ProducerID: producer.ID()})
}

// Consume runs the full consume flow for a remote producer: request consumer
// parameters, create the engine consumer on the receive transport, signal
// consumer-resume (consumers start server-side paused by convention), then attach
// the track and consumer id to the owning participant.
func (r *Registry) Consume(ctx context.Context, producerID string) error {
	recv, err := r.transports.Recv()
	if err != nil {
		return err
	}
	caps, err := r.device.RTPCapabilities()
	if err != nil {
		return err
	}

	raw, err := r.channel.Request(ctx, EventConsume, ConsumeRequest{
		ProducerID:      producerID,
		RTPCapabilities: caps,
	})
	if err != nil {
		return fmt.Errorf("requesting consumer parameters: %w", err)
	}
	var resp ConsumeResponse
	if err := sonic.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("%w: consume response: %w", shared.ErrInvalidResponse, err)
	}
	if resp.ID == "" || resp.PeerID == "" {
		return fmt.Errorf("%w: consume response missing id or peerId", shared.ErrInvalidResponse)
	}

	kind := webrtc.NewRTPCodecType(resp.Kind)
	consumer, err := recv.Consume(&consumerListener{r: r}, resp.ID, producerID, kind, resp.RTPParameters)
	if err != nil {
		return fmt.Errorf("creating consumer: %w", err)
	}
	if err := r.channel.Emit(EventConsumerResume, ConsumerRef{ConsumerID: resp.ID}); err != nil {
		r.logger.Error("signaling consumer resume", err, zap.String("consumerId", resp.ID))
	}

	key := consumerKey{peerID: resp.PeerID, kind: kind}
	r.mu.Lock()
	old := r.consumers[key]
	r.consumers[key] = consumer
	pendingPaused, hasPending := r.pendingPaused[key]
	delete(r.pendingPaused, key)
	r.mu.Unlock()
	track := consumer.Track()
	r.state.UpdateParticipant(resp.PeerID, func(p Participant) Participant {
		if kind == webrtc.RTPCodecTypeAudio {
			p.AudioTrack = track
			p.AudioConsumerID = resp.ID
		} else {
			p.VideoTrack = track
			p.VideoConsumerID = resp.ID
		}
		return p
	})
	if old != nil {
		// The participant references the new track now; the replaced consumer
		// can close without the roster ever pointing at a closed track.
		old.Close()
	}

	if hasPending && pendingPaused {
		// Reconcile a pause push that arrived before this consumer existed.
		r.logger.Debug("applying pending pause state",
			zap.String("peerId", resp.PeerID),
			zap.String("kind", kind.String()),
		)
		r.applyRemotePause(resp.PeerID, kind, true)
	}
	r.logger.Debug("consumer attached",
		zap.String("peerId", resp.PeerID),
		zap.String("consumerId", resp.ID),
		zap.String("kind", kind.String()),
	)
	return nil
}

// HandleRemotePause translates a producer-paused/resumed push into a consumer-level
// pause/resume plus a participant flag toggle. When the consumer does not exist yet
// (pause push raced ahead of new-producer processing) the state is remembered and
// applied at consumer creation instead of crashing.
func (r *Registry) HandleRemotePause(peerID string, kindName string, paused bool) {
	kind := webrtc.NewRTPCodecType(kindName)
	key := consumerKey{peerID: peerID, kind: kind}
	r.mu.Lock()
	_, ok := r.consumers[key]
	if !ok {
		r.pendingPaused[key] = paused
	}
	r.mu.Unlock()
	if !ok {
		r.logger.Warn("pause state for unknown consumer, deferred",
			zap.String("peerId", peerID),
			zap.String("kind", kindName),
			zap.Error(shared.ErrInconsistentState),
		)
		return
	}
	r.applyRemotePause(peerID, kind, paused)
}

func (r *Registry) applyRemotePause(peerID string, kind webrtc.RTPCodecType, paused bool) {
	key := consumerKey{peerID: peerID, kind: kind}
	r.mu.Lock()
	consumer, ok := r.consumers[key]
	r.mu.Unlock()
	if ok {
		event := EventResumeConsumer
		if paused {
			event = EventPauseConsumer
		}
		if err := r.channel.Emit(event, ConsumerRef{ConsumerID: consumer.ID()}); err != nil {
			r.logger.Error("signaling consumer pause state", err, zap.String("peerId", peerID))
		}
	}
	r.state.UpdateParticipant(peerID, func(p Participant) Participant {
		if kind == webrtc.RTPCodecTypeAudio {
			p.Muted = paused
		} else {
			p.VideoPaused = paused
		}
		return p
	})
}

// ForgetPeer drops consumer bookkeeping for a disconnected peer. The consumers are
// not force-closed here: the server owns producer lifetime and transport-level
// cleanup releases them.
func (r *Registry) ForgetPeer(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.consumers {
		if key.peerID == peerID {
			delete(r.consumers, key)
		}
	}
	for key := range r.pendingPaused {
		if key.peerID == peerID {
			delete(r.pendingPaused, key)
		}
	}
}

// CloseProducers closes all local producers and releases their capture resources, in
// detach-then-close order.
func (r *Registry) CloseProducers(selfPeerID string) {
	r.mu.Lock()
	producers := r.producers
	releasers := r.releasers
	r.producers = make(map[webrtc.RTPCodecType]EngineProducer)
	r.releasers = make(map[webrtc.RTPCodecType]func())
	r.mu.Unlock()
	for kind, producer := range producers {
		r.detachSelfTrack(selfPeerID, kind)
		producer.Close()
		if release := releasers[kind]; release != nil {
			release()
		}
	}
}

type producerListener struct {
	r    *Registry
	kind webrtc.RTPCodecType
}

// OnTransportClose releases the capture resource and clears the registry slot.
func (l *producerListener) OnTransportClose(producerID string) {
	l.r.logger.Debug("producer transport closed", zap.String("id", producerID))
	l.r.mu.Lock()
	delete(l.r.producers, l.kind)
	release := l.r.releasers[l.kind]
	delete(l.r.releasers, l.kind)
	l.r.mu.Unlock()
	if release != nil {
		release()
	}
}

type consumerListener struct {
	r *Registry
}

func (l *consumerListener) OnTransportClose(consumerID string) {
	l.r.logger.Debug("consumer transport closed", zap.String("id", consumerID))
}
