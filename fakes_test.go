package callcore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/pion/webrtc/v4"
)

type sentEvent struct {
	event   EventName
	payload any
}

// fakeSignaler scripts request/await responses and lets tests push server events
// into durable handlers synchronously.
type fakeSignaler struct {
	mu           sync.Mutex
	emits        []sentEvent
	requests     []sentEvent
	responses    map[EventName][]json.RawMessage
	requestErr   map[EventName]error
	awaited      map[EventName][]json.RawMessage
	handlers     map[EventName][]EventHandler
	onDisconnect []DisconnectHandler
	closed       int
	// requestGate blocks Request calls for the event until the gate channel is
	// closed, to exercise the blocking bridges.
	requestGate map[EventName]chan struct{}
}

var _ Signaler = (*fakeSignaler)(nil)

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{
		responses:   make(map[EventName][]json.RawMessage),
		requestErr:  make(map[EventName]error),
		awaited:     make(map[EventName][]json.RawMessage),
		handlers:    make(map[EventName][]EventHandler),
		requestGate: make(map[EventName]chan struct{}),
	}
}

func (f *fakeSignaler) scriptResponse(event EventName, raw string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[event] = append(f.responses[event], json.RawMessage(raw))
}

func (f *fakeSignaler) scriptAwaited(event EventName, raw string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.awaited[event] = append(f.awaited[event], json.RawMessage(raw))
}

func (f *fakeSignaler) Emit(event EventName, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emits = append(f.emits, sentEvent{event: event, payload: payload})
	return nil
}

func (f *fakeSignaler) Request(ctx context.Context, event EventName, payload any) (json.RawMessage, error) {
	f.mu.Lock()
	f.requests = append(f.requests, sentEvent{event: event, payload: payload})
	gate := f.requestGate[event]
	err := f.requestErr[event]
	var resp json.RawMessage
	if q := f.responses[event]; len(q) > 0 {
		resp = q[0]
		f.responses[event] = q[1:]
	}
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return json.RawMessage(`{"success":true}`), nil
	}
	return resp, nil
}

func (f *fakeSignaler) AwaitEvent(ctx context.Context, event EventName) (json.RawMessage, error) {
	f.mu.Lock()
	q := f.awaited[event]
	if len(q) == 0 {
		f.mu.Unlock()
		return nil, fmt.Errorf("no scripted payload for %s", event)
	}
	raw := q[0]
	f.awaited[event] = q[1:]
	f.mu.Unlock()
	return raw, nil
}

func (f *fakeSignaler) On(event EventName, handler EventHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], handler)
}

func (f *fakeSignaler) OnDisconnect(handler DisconnectHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDisconnect = append(f.onDisconnect, handler)
}

func (f *fakeSignaler) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

// push delivers a server event to the durable handlers synchronously, so tests
// observe its effects deterministically.
func (f *fakeSignaler) push(event EventName, raw string) {
	f.mu.Lock()
	handlers := append([]EventHandler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(json.RawMessage(raw))
	}
}

func (f *fakeSignaler) emitted(event EventName) []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentEvent
	for _, e := range f.emits {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeSignaler) requested(event EventName) []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentEvent
	for _, e := range f.requests {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

type fakeTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (t *fakeTrack) ID() string                { return t.id }
func (t *fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }

type fakeEngine struct {
	mu        sync.Mutex
	caps      json.RawMessage
	loaded    bool
	canAudio  bool
	canVideo  bool
	sctpCaps  json.RawMessage
	sendInfos []TransportInfo
	recvInfos []TransportInfo
	send      *fakeSendTransport
	recv      *fakeRecvTransport
}

var _ EngineDevice = (*fakeEngine)(nil)

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		canAudio: true,
		canVideo: true,
		sctpCaps: json.RawMessage(`{"numStreams":1024}`),
	}
}

func (e *fakeEngine) Load(routerRTPCapabilities json.RawMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.caps = routerRTPCapabilities
	e.loaded = true
	return nil
}

func (e *fakeEngine) Loaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded
}

func (e *fakeEngine) RTPCapabilities() json.RawMessage  { return json.RawMessage(`{"codecs":[]}`) }
func (e *fakeEngine) SCTPCapabilities() json.RawMessage { return e.sctpCaps }

func (e *fakeEngine) CanProduce(kind webrtc.RTPCodecType) bool {
	if kind == webrtc.RTPCodecTypeAudio {
		return e.canAudio
	}
	return e.canVideo
}

func (e *fakeEngine) CreateSendTransport(listener SendTransportListener, info TransportInfo) (EngineSendTransport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sendInfos = append(e.sendInfos, info)
	e.send = &fakeSendTransport{id: info.ID, listener: listener}
	return e.send, nil
}

func (e *fakeEngine) CreateRecvTransport(listener TransportListener, info TransportInfo) (EngineRecvTransport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recvInfos = append(e.recvInfos, info)
	e.recv = &fakeRecvTransport{id: info.ID, listener: listener}
	return e.recv, nil
}

type fakeSendTransport struct {
	mu        sync.Mutex
	id        string
	listener  SendTransportListener
	connected bool
	closed    bool
	producers []*fakeProducer
}

func (t *fakeSendTransport) ID() string { return t.id }

func (t *fakeSendTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	producers := append([]*fakeProducer(nil), t.producers...)
	t.mu.Unlock()
	for _, p := range producers {
		p.listener.OnTransportClose(p.id)
	}
	return nil
}

// Produce mirrors the engine contract: the first producer triggers the synchronous
// on-connect bridge, and every producer runs the on-produce round trip before the
// call returns.
func (t *fakeSendTransport) Produce(listener ProducerListener, track Track) (EngineProducer, error) {
	t.mu.Lock()
	connected := t.connected
	t.connected = true
	t.mu.Unlock()
	if !connected {
		if err := t.listener.OnConnect(json.RawMessage(`{"role":"client"}`)); err != nil {
			return nil, err
		}
	}
	id := t.listener.OnProduce(t.id, track.Kind(), json.RawMessage(`{}`))
	p := &fakeProducer{id: id, track: track, listener: listener}
	t.mu.Lock()
	t.producers = append(t.producers, p)
	t.mu.Unlock()
	return p, nil
}

type fakeRecvTransport struct {
	mu        sync.Mutex
	id        string
	listener  TransportListener
	closed    bool
	consumers []*fakeConsumer
}

func (t *fakeRecvTransport) ID() string { return t.id }

func (t *fakeRecvTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeRecvTransport) Consume(listener ConsumerListener, id, producerID string, kind webrtc.RTPCodecType, rtpParameters json.RawMessage) (EngineConsumer, error) {
	c := &fakeConsumer{
		id:       id,
		kind:     kind,
		track:    &fakeTrack{id: "track-" + id, kind: kind},
		listener: listener,
	}
	t.mu.Lock()
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()
	return c, nil
}

type fakeProducer struct {
	mu       sync.Mutex
	id       string
	track    Track
	listener ProducerListener
	closed   bool
}

func (p *fakeProducer) ID() string                { return p.id }
func (p *fakeProducer) Kind() webrtc.RTPCodecType { return p.track.Kind() }
func (p *fakeProducer) Track() Track              { return p.track }

func (p *fakeProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *fakeProducer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeConsumer struct {
	mu        sync.Mutex
	id        string
	kind      webrtc.RTPCodecType
	track     Track
	listener  ConsumerListener
	closed    bool
	closeHook func()
}

func (c *fakeConsumer) ID() string                { return c.id }
func (c *fakeConsumer) Kind() webrtc.RTPCodecType { return c.kind }
func (c *fakeConsumer) Track() Track              { return c.track }

func (c *fakeConsumer) Close() {
	c.mu.Lock()
	c.closed = true
	hook := c.closeHook
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
}

func (c *fakeConsumer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeCapture struct {
	mu             sync.Mutex
	audioReleases  int
	videoReleases  int
	switchedCamera int
	started        int
}

var _ CaptureSource = (*fakeCapture)(nil)

func (c *fakeCapture) StartAudio() (Track, func(), error) {
	c.mu.Lock()
	c.started++
	n := c.started
	c.mu.Unlock()
	return &fakeTrack{id: fmt.Sprintf("mic-%d", n), kind: webrtc.RTPCodecTypeAudio}, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.audioReleases++
	}, nil
}

func (c *fakeCapture) StartVideo() (Track, func(), error) {
	c.mu.Lock()
	c.started++
	n := c.started
	c.mu.Unlock()
	return &fakeTrack{id: fmt.Sprintf("cam-%d", n), kind: webrtc.RTPCodecTypeVideo}, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.videoReleases++
	}, nil
}

func (c *fakeCapture) SwitchCamera() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.switchedCamera++
	return nil
}

type fakeScreen struct {
	mu       sync.Mutex
	started  int
	releases int
}

var _ ScreenSource = (*fakeScreen)(nil)

func (s *fakeScreen) StartScreen() (Track, func(), error) {
	s.mu.Lock()
	s.started++
	n := s.started
	s.mu.Unlock()
	return &fakeTrack{id: fmt.Sprintf("screen-%d", n), kind: webrtc.RTPCodecTypeVideo}, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.releases++
	}, nil
}

// decodePayload round-trips a recorded payload into its typed struct for asserting.
func decodePayload[T any](payload any) (T, error) {
	var out T
	data, err := sonic.Marshal(payload)
	if err != nil {
		return out, err
	}
	if err := sonic.Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}
