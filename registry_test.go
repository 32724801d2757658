package callcore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/linklive/callcore/shared"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type registryRig struct {
	sig     *fakeSignaler
	engine  *fakeEngine
	state   *State
	reg     *Registry
	capture *fakeCapture
}

func newRegistryRig(t *testing.T) *registryRig {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	logger := shared.NewNopLogger()
	sig := newFakeSignaler()
	engine := newFakeEngine()
	device, err := NewDevice(logger, engine, MediaOptions{})
	require.NoError(t, err)
	require.NoError(t, device.Load(json.RawMessage(`{"codecs":[]}`)))

	transports, err := NewTransportManager(logger, sig, device, time.Second)
	require.NoError(t, err)
	sig.scriptResponse(EventCreateSendTransport, `{"id":"st-1","iceParameters":{},"iceCandidates":[],"dtlsParameters":{}}`)
	sig.scriptResponse(EventCreateRecvTransport, `{"id":"rt-1","iceParameters":{},"iceCandidates":[],"dtlsParameters":{}}`)
	require.NoError(t, transports.CreateSendTransport(ctx))
	require.NoError(t, transports.CreateRecvTransport(ctx))

	state := NewState()
	reg, err := NewRegistry(logger, sig, device, transports, state)
	require.NoError(t, err)
	return &registryRig{
		sig:     sig,
		engine:  engine,
		state:   state,
		reg:     reg,
		capture: &fakeCapture{},
	}
}

func (r *registryRig) produceAudio(t *testing.T, producerID string) EngineProducer {
	t.Helper()
	r.sig.scriptResponse(EventProduce, `{"id":"`+producerID+`"}`)
	track, release, err := r.capture.StartAudio()
	require.NoError(t, err)
	producer, err := r.reg.Produce("self", track, release)
	require.NoError(t, err)
	return producer
}

func TestProduceRegistersProducer(t *testing.T) {
	rig := newRegistryRig(t)
	rig.state.PutParticipant(Participant{ID: "self", Name: "You"})

	producer := rig.produceAudio(t, "prod-a1")
	assert.Equal(t, "prod-a1", producer.ID())

	got, ok := rig.reg.Producer(webrtc.RTPCodecTypeAudio)
	require.True(t, ok)
	assert.Equal(t, producer, got)

	// The first produce runs the connect bridge exactly once.
	assert.Len(t, rig.sig.requested(EventConnectSendTransport), 1)
	produces := rig.sig.requested(EventProduce)
	require.Len(t, produces, 1)
	req, err := decodePayload[ProduceRequest](produces[0].payload)
	require.NoError(t, err)
	assert.Equal(t, "st-1", req.TransportID)
	assert.Equal(t, "audio", req.Kind)
}

func TestProduceReplacesExistingKind(t *testing.T) {
	rig := newRegistryRig(t)
	rig.state.PutParticipant(Participant{ID: "self", Name: "You"})

	first := rig.produceAudio(t, "prod-a1").(*fakeProducer)
	second := rig.produceAudio(t, "prod-a2")

	// Toggling off/on never leaves two live producers or leaks the capture device.
	assert.True(t, first.isClosed())
	assert.Equal(t, 1, rig.capture.audioReleases)

	got, ok := rig.reg.Producer(webrtc.RTPCodecTypeAudio)
	require.True(t, ok)
	assert.Equal(t, "prod-a2", got.ID())
	assert.Equal(t, second, got)
}

func TestProduceEmptyServerIDFails(t *testing.T) {
	rig := newRegistryRig(t)
	rig.sig.scriptResponse(EventProduce, `{"id":""}`)

	track, release, err := rig.capture.StartAudio()
	require.NoError(t, err)
	_, err = rig.reg.Produce("self", track, release)
	assert.ErrorIs(t, err, shared.ErrProduceFailure)
	// The capture resource is not leaked on failure.
	assert.Equal(t, 1, rig.capture.audioReleases)

	_, ok := rig.reg.Producer(webrtc.RTPCodecTypeAudio)
	assert.False(t, ok)
}

func TestPauseResumeProducerKeepsIdentity(t *testing.T) {
	rig := newRegistryRig(t)
	rig.state.PutParticipant(Participant{ID: "self", Name: "You"})
	producer := rig.produceAudio(t, "prod-a1")

	require.NoError(t, rig.reg.PauseProducer(webrtc.RTPCodecTypeAudio))
	require.NoError(t, rig.reg.ResumeProducer(webrtc.RTPCodecTypeAudio))

	paused := rig.sig.emitted(EventPauseProducer)
	require.Len(t, paused, 1)
	ref, err := decodePayload[ProducerRef](paused[0].payload)
	require.NoError(t, err)
	assert.Equal(t, "prod-a1", ref.ProducerID)

	resumed := rig.sig.emitted(EventResumeProducer)
	require.Len(t, resumed, 1)

	// Pause does not destroy the producer.
	got, ok := rig.reg.Producer(webrtc.RTPCodecTypeAudio)
	require.True(t, ok)
	assert.Equal(t, producer, got)
	assert.False(t, producer.(*fakeProducer).isClosed())
	assert.Equal(t, 0, rig.capture.audioReleases)
}

func TestPauseProducerWithoutProducer(t *testing.T) {
	rig := newRegistryRig(t)
	err := rig.reg.PauseProducer(webrtc.RTPCodecTypeVideo)
	assert.ErrorIs(t, err, shared.ErrNoProducer)
}

func TestConsumeAttachesTrackAndResumes(t *testing.T) {
	rig := newRegistryRig(t)
	rig.state.PutParticipant(Participant{ID: "p2", Name: "Peer 0"})
	rig.sig.scriptResponse(EventConsume, `{"peerId":"p2","id":"cons-1","kind":"audio","rtpParameters":{}}`)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, rig.reg.Consume(ctx, "remote-prod-1"))

	reqs := rig.sig.requested(EventConsume)
	require.Len(t, reqs, 1)
	req, err := decodePayload[ConsumeRequest](reqs[0].payload)
	require.NoError(t, err)
	assert.Equal(t, "remote-prod-1", req.ProducerID)
	assert.NotEmpty(t, req.RTPCapabilities)

	// Consumers start server-side paused; creation signals the resume.
	resumes := rig.sig.emitted(EventConsumerResume)
	require.Len(t, resumes, 1)
	ref, err := decodePayload[ConsumerRef](resumes[0].payload)
	require.NoError(t, err)
	assert.Equal(t, "cons-1", ref.ConsumerID)

	p, ok := rig.state.Participant("p2")
	require.True(t, ok)
	require.NotNil(t, p.AudioTrack)
	assert.Equal(t, webrtc.RTPCodecTypeAudio, p.AudioTrack.Kind())
	assert.Equal(t, "cons-1", p.AudioConsumerID)
	assert.Nil(t, p.VideoTrack)
}

func TestConsumeReplacesExistingConsumer(t *testing.T) {
	rig := newRegistryRig(t)
	rig.state.PutParticipant(Participant{ID: "p2"})
	rig.sig.scriptResponse(EventConsume, `{"peerId":"p2","id":"cons-1","kind":"video","rtpParameters":{}}`)
	rig.sig.scriptResponse(EventConsume, `{"peerId":"p2","id":"cons-2","kind":"video","rtpParameters":{}}`)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, rig.reg.Consume(ctx, "remote-prod-1"))

	// At the moment the first consumer closes, the roster must already point at
	// its replacement.
	var slotAtClose string
	rig.engine.recv.consumers[0].closeHook = func() {
		p, ok := rig.state.Participant("p2")
		require.True(t, ok)
		slotAtClose = p.VideoConsumerID
	}

	require.NoError(t, rig.reg.Consume(ctx, "remote-prod-2"))

	consumers := rig.engine.recv.consumers
	require.Len(t, consumers, 2)
	assert.True(t, consumers[0].isClosed())
	assert.False(t, consumers[1].isClosed())
	assert.Equal(t, "cons-2", slotAtClose)

	p, ok := rig.state.Participant("p2")
	require.True(t, ok)
	assert.Equal(t, "cons-2", p.VideoConsumerID)
}

func TestConsumeMalformedResponse(t *testing.T) {
	rig := newRegistryRig(t)
	rig.sig.scriptResponse(EventConsume, `{"peerId":"","id":"","kind":"audio"}`)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := rig.reg.Consume(ctx, "remote-prod-1")
	assert.ErrorIs(t, err, shared.ErrInvalidResponse)
}

func TestRemotePauseTogglesConsumerAndFlags(t *testing.T) {
	rig := newRegistryRig(t)
	rig.state.PutParticipant(Participant{ID: "p2"})
	rig.sig.scriptResponse(EventConsume, `{"peerId":"p2","id":"cons-1","kind":"audio","rtpParameters":{}}`)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, rig.reg.Consume(ctx, "remote-prod-1"))

	rig.reg.HandleRemotePause("p2", "audio", true)
	p, _ := rig.state.Participant("p2")
	assert.True(t, p.Muted)
	require.Len(t, rig.sig.emitted(EventPauseConsumer), 1)

	rig.reg.HandleRemotePause("p2", "audio", false)
	p, _ = rig.state.Participant("p2")
	assert.False(t, p.Muted)
	require.Len(t, rig.sig.emitted(EventResumeConsumer), 1)
}

func TestRemotePauseBeforeConsumerIsDeferred(t *testing.T) {
	rig := newRegistryRig(t)
	rig.state.PutParticipant(Participant{ID: "p2"})

	// The pause push raced ahead of the consumer's creation: no crash, state is
	// remembered.
	rig.reg.HandleRemotePause("p2", "video", true)
	assert.Empty(t, rig.sig.emitted(EventPauseConsumer))

	rig.sig.scriptResponse(EventConsume, `{"peerId":"p2","id":"cons-1","kind":"video","rtpParameters":{}}`)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, rig.reg.Consume(ctx, "remote-prod-1"))

	// Reconciled at creation: consumer paused, participant flagged.
	require.Len(t, rig.sig.emitted(EventPauseConsumer), 1)
	p, ok := rig.state.Participant("p2")
	require.True(t, ok)
	assert.True(t, p.VideoPaused)
}

func TestForgetPeerDropsBookkeeping(t *testing.T) {
	rig := newRegistryRig(t)
	rig.state.PutParticipant(Participant{ID: "p2"})
	rig.sig.scriptResponse(EventConsume, `{"peerId":"p2","id":"cons-1","kind":"audio","rtpParameters":{}}`)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, rig.reg.Consume(ctx, "remote-prod-1"))
	rig.reg.HandleRemotePause("p2", "video", true)

	rig.reg.ForgetPeer("p2")

	// A later pause push for the forgotten peer is treated as unknown again.
	rig.reg.HandleRemotePause("p2", "audio", true)
	assert.Empty(t, rig.sig.emitted(EventPauseConsumer))
}

func TestCloseProducersReleasesCapture(t *testing.T) {
	rig := newRegistryRig(t)
	rig.state.PutParticipant(Participant{ID: "self"})
	audio := rig.produceAudio(t, "prod-a1").(*fakeProducer)

	rig.sig.scriptResponse(EventProduce, `{"id":"prod-v1"}`)
	track, release, err := rig.capture.StartVideo()
	require.NoError(t, err)
	video, err := rig.reg.Produce("self", track, release)
	require.NoError(t, err)

	rig.reg.CloseProducers("self")

	assert.True(t, audio.isClosed())
	assert.True(t, video.(*fakeProducer).isClosed())
	assert.Equal(t, 1, rig.capture.audioReleases)
	assert.Equal(t, 1, rig.capture.videoReleases)

	p, ok := rig.state.Participant("self")
	require.True(t, ok)
	assert.Nil(t, p.AudioTrack)
	assert.Nil(t, p.VideoTrack)

	_, hasAudio := rig.reg.Producer(webrtc.RTPCodecTypeAudio)
	_, hasVideo := rig.reg.Producer(webrtc.RTPCodecTypeVideo)
	assert.False(t, hasAudio)
	assert.False(t, hasVideo)
}

func TestTransportCloseReleasesProducerSlot(t *testing.T) {
	rig := newRegistryRig(t)
	rig.state.PutParticipant(Participant{ID: "self"})
	rig.produceAudio(t, "prod-a1")

	// Engine tears down the transport: the listener clears the slot and releases
	// capture.
	require.NoError(t, rig.engine.send.Close())

	_, ok := rig.reg.Producer(webrtc.RTPCodecTypeAudio)
	assert.False(t, ok)
	assert.Equal(t, 1, rig.capture.audioReleases)
}
