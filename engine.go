package callcore

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// Track is the minimal view of a media track the core needs. Local capture tracks
// (pion/mediadevices) and engine consumer tracks both satisfy it.
type Track interface {
	ID() string
	Kind() webrtc.RTPCodecType
}

// EngineDevice is the media engine's device handle: the capability-negotiating black
// box behind the session. Implementations bind a mediasoup-compatible engine; tests
// use fakes.
type EngineDevice interface {
	// Load consumes the server-advertised router capabilities. Calling Load twice is
	// an implementation error surfaced by the Device wrapper, not the engine.
	Load(routerRTPCapabilities json.RawMessage) error
	Loaded() bool
	RTPCapabilities() json.RawMessage
	CanProduce(kind webrtc.RTPCodecType) bool
	SCTPCapabilities() json.RawMessage
	CreateSendTransport(listener SendTransportListener, info TransportInfo) (EngineSendTransport, error)
	CreateRecvTransport(listener TransportListener, info TransportInfo) (EngineRecvTransport, error)
}

// TransportListener receives transport lifecycle callbacks from the engine. The engine
// invokes OnConnect synchronously on its own goroutine and expects it to return only
// once media may flow; see TransportManager for the blocking bridge.
type TransportListener interface {
	OnConnect(dtlsParameters json.RawMessage) error
	OnConnectionStateChange(state string)
}

// SendTransportListener additionally answers produce requests. OnProduce must return
// the server-assigned producer id, or the empty string on failure. It must never
// panic across the engine boundary.
type SendTransportListener interface {
	TransportListener
	OnProduce(transportID string, kind webrtc.RTPCodecType, rtpParameters json.RawMessage) string
}

type EngineTransport interface {
	ID() string
	Close() error
}

type EngineSendTransport interface {
	EngineTransport
	Produce(listener ProducerListener, track Track) (EngineProducer, error)
}

type EngineRecvTransport interface {
	EngineTransport
	Consume(listener ConsumerListener, id, producerID string, kind webrtc.RTPCodecType, rtpParameters json.RawMessage) (EngineConsumer, error)
}

type ProducerListener interface {
	OnTransportClose(producerID string)
}

type ConsumerListener interface {
	OnTransportClose(consumerID string)
}

// EngineProducer is a locally-originated media send. ID returns the server-assigned
// producer id once the produce handshake has completed.
type EngineProducer interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Track() Track
	Close()
}

// EngineConsumer is a remotely-originated media receive, one per remote producer.
type EngineConsumer interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Track() Track
	Close()
}

// CaptureSource abstracts local device capture. Start calls return the live track and
// a release func that stops capture and frees the device.
type CaptureSource interface {
	StartAudio() (Track, func(), error)
	StartVideo() (Track, func(), error)
	SwitchCamera() error
}

// ScreenSource abstracts screen capture for the share session.
type ScreenSource interface {
	StartScreen() (Track, func(), error)
}
