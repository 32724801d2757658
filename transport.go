package callcore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/linklive/callcore/shared"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const defaultBridgeTimeout = 15 * time.Second

// TransportManager owns at most one send and one receive transport per session. It
// bridges the engine's synchronous listener callbacks (on-connect, on-produce) over
// the asynchronous signaling round trips: the wait blocks only the engine goroutine
// that invoked the callback and is guarded by a timeout so one stalled round trip
// cannot freeze unrelated callbacks.
type TransportManager struct {
	logger        shared.LoggerAdapter
	channel       Signaler
	device        *Device
	bridgeTimeout time.Duration

	mu   sync.Mutex
	send EngineSendTransport
	recv EngineRecvTransport
}

func NewTransportManager(logger shared.LoggerAdapter, channel Signaler, device *Device, bridgeTimeout time.Duration) (*TransportManager, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if bridgeTimeout <= 0 {
		bridgeTimeout = defaultBridgeTimeout
	}
	return &TransportManager{
		logger:        logger,
		channel:       channel,
		device:        device,
		bridgeTimeout: bridgeTimeout,
	}, nil
}

// CreateSendTransport requests transport parameters from the server and binds the
// engine's send transport to them. Must be called before CreateRecvTransport so both
// share the same sctp capability snapshot.
func (m *TransportManager) CreateSendTransport(ctx context.Context) error {
	m.mu.Lock()
	if m.send != nil {
		m.mu.Unlock()
		return shared.ErrTransportExists
	}
	m.mu.Unlock()

	info, err := m.requestTransportInfo(ctx, EventCreateSendTransport)
	if err != nil {
		return fmt.Errorf("creating send transport: %w", err)
	}
	transport, err := m.device.Engine().CreateSendTransport(&sendTransportListener{m: m}, info)
	if err != nil {
		return fmt.Errorf("binding send transport: %w", err)
	}
	m.mu.Lock()
	m.send = transport
	m.mu.Unlock()
	m.logger.Debug("send transport created", zap.String("id", transport.ID()))
	return nil
}

func (m *TransportManager) CreateRecvTransport(ctx context.Context) error {
	m.mu.Lock()
	if m.recv != nil {
		m.mu.Unlock()
		return shared.ErrTransportExists
	}
	m.mu.Unlock()

	info, err := m.requestTransportInfo(ctx, EventCreateRecvTransport)
	if err != nil {
		return fmt.Errorf("creating recv transport: %w", err)
	}
	transport, err := m.device.Engine().CreateRecvTransport(&recvTransportListener{m: m}, info)
	if err != nil {
		return fmt.Errorf("binding recv transport: %w", err)
	}
	m.mu.Lock()
	m.recv = transport
	m.mu.Unlock()
	m.logger.Debug("recv transport created", zap.String("id", transport.ID()))
	return nil
}

func (m *TransportManager) requestTransportInfo(ctx context.Context, event EventName) (TransportInfo, error) {
	raw, err := m.channel.Request(ctx, event, nil)
	if err != nil {
		return TransportInfo{}, err
	}
	var info TransportInfo
	if err := sonic.Unmarshal(raw, &info); err != nil {
		return TransportInfo{}, fmt.Errorf("%w: transport info: %w", shared.ErrInvalidResponse, err)
	}
	if info.ID == "" {
		return TransportInfo{}, fmt.Errorf("%w: transport info missing id", shared.ErrInvalidResponse)
	}
	info.SCTPCapabilities = m.device.SCTPCapabilities()
	return info, nil
}

func (m *TransportManager) Send() (EngineSendTransport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.send == nil {
		return nil, shared.ErrNoTransport
	}
	return m.send, nil
}

func (m *TransportManager) Recv() (EngineRecvTransport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recv == nil {
		return nil, shared.ErrNoTransport
	}
	return m.recv, nil
}

// Close tears down both transports. Consumers and producers bound to them receive
// their onTransportClose callbacks from the engine. Idempotent.
func (m *TransportManager) Close() {
	m.mu.Lock()
	send, recv := m.send, m.recv
	m.send, m.recv = nil, nil
	m.mu.Unlock()
	if send != nil {
		if err := send.Close(); err != nil {
			m.logger.Error("closing send transport", err)
		}
	}
	if recv != nil {
		if err := recv.Close(); err != nil {
			m.logger.Error("closing recv transport", err)
		}
	}
}

// connect forwards the transport's local DTLS parameters to the server and returns
// only once the server acknowledges. Called by the engine's on-connect callback,
// which is synchronous from the engine's perspective.
func (m *TransportManager) connect(event EventName, dtlsParameters json.RawMessage) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.bridgeTimeout)
	defer cancel()
	if _, err := m.channel.Request(ctx, event, ConnectTransportRequest{DTLSParameters: dtlsParameters}); err != nil {
		return fmt.Errorf("connecting transport: %w", err)
	}
	return nil
}

type sendTransportListener struct {
	m *TransportManager
}

var _ SendTransportListener = (*sendTransportListener)(nil)

func (l *sendTransportListener) OnConnect(dtlsParameters json.RawMessage) error {
	l.m.logger.Debug("send transport on-connect")
	if err := l.m.connect(EventConnectSendTransport, dtlsParameters); err != nil {
		l.m.logger.Error("connecting send transport", err)
		return err
	}
	return nil
}

func (l *sendTransportListener) OnConnectionStateChange(state string) {
	l.m.logger.Debug("send transport state changed", zap.String("state", state))
}

// OnProduce registers the new producer with the server and returns the assigned id.
// Failure yields the empty string; the engine must never observe a panic or error
// value here.
func (l *sendTransportListener) OnProduce(transportID string, kind webrtc.RTPCodecType, rtpParameters json.RawMessage) string {
	ctx, cancel := context.WithTimeout(context.Background(), l.m.bridgeTimeout)
	defer cancel()
	raw, err := l.m.channel.Request(ctx, EventProduce, ProduceRequest{
		TransportID:   transportID,
		Kind:          kind.String(),
		RTPParameters: rtpParameters,
	})
	if err != nil {
		l.m.logger.Error("registering producer", err, zap.String("kind", kind.String()))
		return ""
	}
	var resp ProduceResponse
	if err := sonic.Unmarshal(raw, &resp); err != nil {
		l.m.logger.Error("decoding produce response", err)
		return ""
	}
	return resp.ID
}

type recvTransportListener struct {
	m *TransportManager
}

var _ TransportListener = (*recvTransportListener)(nil)

func (l *recvTransportListener) OnConnect(dtlsParameters json.RawMessage) error {
	l.m.logger.Debug("recv transport on-connect")
	if err := l.m.connect(EventConnectRecvTransport, dtlsParameters); err != nil {
		l.m.logger.Error("connecting recv transport", err)
		return err
	}
	return nil
}

func (l *recvTransportListener) OnConnectionStateChange(state string) {
	l.m.logger.Debug("recv transport state changed", zap.String("state", state))
}
