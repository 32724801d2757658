package callcore

import "encoding/json"

type EventName string

// Server-pushed events.
const (
	EventJoinApproved     EventName = "join-approved"
	EventRoomJoined       EventName = "room-joined"
	EventNewProducer      EventName = "new-producer"
	EventPeerDisconnected EventName = "peer-disconnected"
	EventProducerPaused   EventName = "producer-paused"
	EventProducerResumed  EventName = "producer-resumed"
	EventReceiveMessage   EventName = "receive-message"
	EventAskToJoin        EventName = "ask-to-join"
)

// Client-emitted events.
const (
	EventJoinRoom             EventName = "join-room"
	EventCreateSendTransport  EventName = "create-send-transport"
	EventCreateRecvTransport  EventName = "create-recv-transport"
	EventConnectSendTransport EventName = "connect-send-transport"
	EventConnectRecvTransport EventName = "connect-recv-transport"
	EventProduce              EventName = "produce"
	EventConsume              EventName = "consume"
	EventConsumerResume       EventName = "consumer-resume"
	EventPauseProducer        EventName = "pause-producer"
	EventResumeProducer       EventName = "resume-producer"
	EventPauseConsumer        EventName = "pause-consumer"
	EventResumeConsumer       EventName = "resume-consumer"
	EventMessage              EventName = "message"
	EventAskToJoinResponse    EventName = "ask-to-join-response"
)

// EventAck correlates a server acknowledgment with an outstanding request token.
const EventAck EventName = "ack"

// frame is the wire envelope. Ack is set on requests expecting an acknowledgment and
// echoed back by the server on the matching ack frame.
type frame struct {
	Event EventName       `json:"event"`
	Ack   string          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type JoinRoomRequest struct {
	RoomID string `json:"roomId"`
	PeerID string `json:"peerId"`
	IsHost bool   `json:"isHost,omitempty"`
}

type JoinApproved struct {
	Approved bool `json:"approved"`
}

type RoomJoined struct {
	RouterRTPCapabilities json.RawMessage  `json:"routerRtpCapabilities"`
	Producers             []RemoteProducer `json:"producers"`
	Peers                 map[string]bool  `json:"peers"`
}

type RemoteProducer struct {
	ProducerID string `json:"producerId"`
	PeerID     string `json:"peerId,omitempty"`
}

// TransportInfo carries the server-side transport parameters. The ICE/DTLS/SCTP blobs
// are opaque to the core and handed to the engine as-is; their field-level schema is
// the server's versioned contract.
type TransportInfo struct {
	ID               string          `json:"id"`
	ICEParameters    json.RawMessage `json:"iceParameters"`
	ICECandidates    json.RawMessage `json:"iceCandidates"`
	DTLSParameters   json.RawMessage `json:"dtlsParameters"`
	SCTPParameters   json.RawMessage `json:"sctpParameters,omitempty"`
	SCTPCapabilities json.RawMessage `json:"sctpCapabilities,omitempty"`
}

type ConnectTransportRequest struct {
	DTLSParameters json.RawMessage `json:"dtlsParameters"`
}

type ProduceRequest struct {
	TransportID   string          `json:"transportId"`
	Kind          string          `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
}

type ProduceResponse struct {
	ID string `json:"id"`
}

type ConsumeRequest struct {
	ProducerID      string          `json:"producerId"`
	RTPCapabilities json.RawMessage `json:"rtpCapabilities"`
}

type ConsumeResponse struct {
	PeerID        string          `json:"peerId"`
	ID            string          `json:"id"`
	Kind          string          `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
}

type ProducerRef struct {
	ProducerID string `json:"producerId"`
}

type ConsumerRef struct {
	ConsumerID string `json:"consumerId"`
}

type NewProducer struct {
	PeerID     string `json:"peerId"`
	ProducerID string `json:"producerId"`
}

type PeerDisconnected struct {
	PeerID string `json:"peerId"`
}

type ProducerStateChange struct {
	PeerID string `json:"peerId"`
	Kind   string `json:"kind"`
}

type OutgoingMessage struct {
	Text string `json:"text"`
}

type IncomingMessage struct {
	PeerID string `json:"peerId"`
	Text   string `json:"text"`
}

type JoinAsk struct {
	RequesterPeerID   string `json:"requesterPeerId"`
	RequesterSocketID string `json:"requesterSocketId"`
}

type JoinAskResponse struct {
	Approved bool   `json:"approved"`
	To       string `json:"to"`
}

// isJSONObject reports whether raw starts with a JSON object. The server's ack and
// event payloads are object-shaped by contract; anything else is malformed.
func isJSONObject(raw json.RawMessage) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			return b == '{'
		}
	}
	return false
}
