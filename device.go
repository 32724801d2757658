package callcore

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/linklive/callcore/shared"
	"github.com/pion/webrtc/v4"
)

// MediaOptions configures the local encode/decode capability set. Idempotent per
// session: it is fixed at Device construction, before any transport exists.
type MediaOptions struct {
	EchoCancellation  bool
	PreferredCodecs   []string
	EnableDataChannel bool
}

// Device wraps the media engine's device handle. Router capabilities are loaded
// exactly once; the sctp capability snapshot is computed at load time and stays
// immutable for the session so both transports see the same value.
type Device struct {
	logger shared.LoggerAdapter
	engine EngineDevice
	opts   MediaOptions

	mu       sync.Mutex
	loaded   bool
	sctpCaps json.RawMessage
}

func NewDevice(logger shared.LoggerAdapter, engine EngineDevice, opts MediaOptions) (*Device, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if engine == nil {
		return nil, shared.ErrNoEngine
	}
	return &Device{logger: logger, engine: engine, opts: opts}, nil
}

func (d *Device) Load(routerRTPCapabilities json.RawMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loaded {
		return shared.ErrAlreadyLoaded
	}
	if err := d.engine.Load(routerRTPCapabilities); err != nil {
		return fmt.Errorf("loading router capabilities: %w", err)
	}
	if d.opts.EnableDataChannel {
		d.sctpCaps = d.engine.SCTPCapabilities()
	}
	d.loaded = true
	return nil
}

func (d *Device) Loaded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loaded
}

func (d *Device) CanProduce(kind webrtc.RTPCodecType) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.loaded {
		return false, shared.ErrDeviceNotLoaded
	}
	return d.engine.CanProduce(kind), nil
}

func (d *Device) RTPCapabilities() (json.RawMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.loaded {
		return nil, shared.ErrDeviceNotLoaded
	}
	return d.engine.RTPCapabilities(), nil
}

// SCTPCapabilities returns the load-time snapshot, or nil when data-channel support
// was not requested.
func (d *Device) SCTPCapabilities() json.RawMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sctpCaps
}

func (d *Device) Engine() EngineDevice {
	return d.engine
}
