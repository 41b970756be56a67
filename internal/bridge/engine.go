// Package bridge connects a serial radio to any number of TCP clients.
//
// The Engine owns the serial line and walks it through a reconnect state
// machine; the Listener accepts clients and hands them to the registry.
// Bytes are forwarded raw in both directions. Frames are decoded only to
// feed the replay cache, the log and the optional mirror.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/allbin/meshbridge/internal/discovery"
	"github.com/allbin/meshbridge/internal/frame"
	"github.com/allbin/meshbridge/internal/logging"
	"github.com/allbin/meshbridge/internal/registry"
)

const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultReplayWindow   = 10 * time.Second

	readBufferSize = 4096
)

var (
	ErrCircuitOpen  = errors.New("circuit breaker open")
	ErrDeviceAbsent = errors.New("serial device not present")
	ErrNotBridging  = errors.New("device not connected")
)

// FrameSink receives decoded frames and device log lines
type FrameSink interface {
	HandleFrame(f frame.Frame)
	HandleLine(line string)
}

// Config holds the engine's lifecycle tunables
type Config struct {
	ReconnectDelay          time.Duration
	MinRuntime              time.Duration
	MaxRapidFails           int
	WaitForDevice           bool
	MaxPayload              int
	ReplayWindow            time.Duration
	DropClientsOnDisconnect bool
}

// DefaultConfig returns the settings used when nothing is configured
func DefaultConfig() Config {
	return Config{
		ReconnectDelay: DefaultReconnectDelay,
		MinRuntime:     DefaultMinRuntime,
		MaxRapidFails:  DefaultMaxRapidFails,
		WaitForDevice:  true,
		MaxPayload:     frame.DefaultMaxPayload,
		ReplayWindow:   DefaultReplayWindow,
	}
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the base logger; the engine tags its own lines with
// component=engine and device output with component=device
func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

func WithObserver(obs Observer) Option {
	return func(e *Engine) { e.observer = obs }
}

// WithDiscovery advertises rec through r once the device is first bridged
func WithDiscovery(r discovery.Registrar, rec discovery.Record) Option {
	return func(e *Engine) {
		e.registrar = r
		e.record = rec
	}
}

func WithFrameSink(sink FrameSink) Option {
	return func(e *Engine) { e.sink = sink }
}

// Engine runs the serial side of the bridge
type Engine struct {
	cfg       Config
	device    Device
	clients   *registry.Registry
	registrar discovery.Registrar
	record    discovery.Record
	observer  Observer
	sink      FrameSink
	breaker   *Breaker
	replay    *frame.Replay
	log       zerolog.Logger
	devLog    zerolog.Logger
	now       func() time.Time

	deregisterOnce sync.Once
	registered     bool

	mu     sync.Mutex
	state  State
	handle discovery.Handle
	epoch  *epoch
}

// epoch is one open period of the serial device
type epoch struct {
	port    Port
	writeMu sync.Mutex
	failed  chan error
}

func (ep *epoch) fail(err error) {
	select {
	case ep.failed <- err:
	default:
	}
}

// New creates an engine. Zero values in cfg fall back to defaults.
func New(cfg Config, device Device, clients *registry.Registry, opts ...Option) (*Engine, error) {
	if device == nil {
		return nil, errors.New("bridge: device is required")
	}
	if clients == nil {
		return nil, errors.New("bridge: client registry is required")
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.MaxPayload == 0 {
		cfg.MaxPayload = frame.DefaultMaxPayload
	}
	if cfg.MaxPayload < 0 || cfg.MaxPayload > frame.MaxPayloadLimit {
		return nil, fmt.Errorf("bridge: max payload must be between 1 and %d", frame.MaxPayloadLimit)
	}

	e := &Engine{
		cfg:     cfg,
		device:  device,
		clients: clients,
		breaker: NewBreaker(cfg.MinRuntime, cfg.MaxRapidFails),
		replay:  frame.NewReplay(cfg.ReplayWindow),
		log:     zerolog.Nop(),
		now:     time.Now,
		state:   StateStarting,
	}
	for _, opt := range opts {
		opt(e)
	}
	base := e.log.With().Str("device", device.Path()).Logger()
	e.log = logging.Component(base, "engine")
	e.devLog = logging.Component(base, "device")
	return e, nil
}

// State returns the current lifecycle state
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// RapidFailures returns the breaker's consecutive rapid-failure count
func (e *Engine) RapidFailures() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.breaker.Failures()
}

// Run drives the device lifecycle until ctx is cancelled (returns nil), the
// breaker trips (ErrCircuitOpen) or the device is absent with waiting
// disabled (ErrDeviceAbsent). Discovery is withdrawn on every return path.
func (e *Engine) Run(ctx context.Context) error {
	defer e.deregister()

	if err := e.run(ctx); err != nil {
		e.setState(StateFailed)
		return err
	}
	e.setState(StateStopped)
	return nil
}

func (e *Engine) run(ctx context.Context) error {
	e.setState(StateAwaitingDevice)

	for first := true; ; first = false {
		if ctx.Err() != nil {
			return nil
		}

		if !e.device.Present() {
			if first && !e.cfg.WaitForDevice {
				e.logCandidates()
				return fmt.Errorf("%w: %s", ErrDeviceAbsent, e.device.Path())
			}
			e.log.Warn().Msg("device not found, waiting for it to appear")
			e.logCandidates()
			if err := e.device.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("waiting for %s: %w", e.device.Path(), err)
			}
			e.log.Info().Msg("device appeared")
		}

		runtime, err := e.runEpoch(ctx)
		if ctx.Err() != nil {
			return nil
		}

		e.setState(StateDisconnected)

		e.mu.Lock()
		tripped := e.breaker.Record(runtime)
		failures := e.breaker.Failures()
		e.mu.Unlock()

		e.log.Warn().
			Err(err).
			Dur("runtime", runtime).
			Int("rapid_failures", failures).
			Msg("device session ended")

		if e.cfg.DropClientsOnDisconnect {
			e.clients.CloseAll()
		}

		if tripped {
			e.log.Error().
				Int("rapid_failures", failures).
				Dur("min_runtime", e.breaker.MinRuntime).
				Msg("device keeps failing right after open, giving up; check the device path and baud rate")
			return fmt.Errorf("%w: %d consecutive sessions shorter than %s", ErrCircuitOpen, failures, e.breaker.MinRuntime)
		}

		e.log.Info().Dur("delay", e.cfg.ReconnectDelay).Msg("reconnecting")
		if !sleepCtx(ctx, e.cfg.ReconnectDelay) {
			return nil
		}
		e.setState(StateAwaitingDevice)
	}
}

// runEpoch opens the device, bridges until the session ends and returns
// how long it lasted. A failed open is a zero-length epoch.
func (e *Engine) runEpoch(ctx context.Context) (time.Duration, error) {
	e.setState(StateConfiguring)

	started := e.now()
	port, err := e.device.Open()
	if err != nil {
		return 0, fmt.Errorf("open: %w", err)
	}

	if err := port.DisableHangupOnClose(); err != nil {
		e.log.Warn().Err(err).Msg("could not disable hangup-on-close, the device may reboot when the port is closed")
	} else {
		e.log.Debug().Msg("hangup-on-close disabled")
	}

	e.registerDiscovery(ctx)

	e.setState(StateBridging)
	err = e.bridge(ctx, port)
	return e.now().Sub(started), err
}

func (e *Engine) bridge(ctx context.Context, port Port) error {
	dec, err := frame.NewDecoder(
		frame.WithMaxPayload(e.cfg.MaxPayload),
		frame.WithDiagnostics(e.handleLine),
	)
	if err != nil {
		port.Close()
		return err
	}
	e.replay.Reset()

	ep := &epoch{port: port, failed: make(chan error, 1)}
	e.mu.Lock()
	e.epoch = ep
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.epoch = nil
		e.mu.Unlock()
		e.replay.Reset()

		ep.writeMu.Lock()
		port.Close()
		ep.writeMu.Unlock()
	}()

	readDone := make(chan error, 1)
	go func() {
		readDone <- e.readLoop(port, dec)
	}()

	select {
	case err := <-readDone:
		return err
	case err := <-ep.failed:
		port.Close()
		<-readDone
		return fmt.Errorf("serial write: %w", err)
	case <-ctx.Done():
		port.Close()
		<-readDone
		return ctx.Err()
	}
}

func (e *Engine) readLoop(port Port, dec *frame.Decoder) error {
	buf := make([]byte, readBufferSize)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			e.clients.Broadcast(buf[:n])
			dec.Feed(buf[:n])
			for f := range dec.Frames() {
				e.handleFrame(f)
			}
		}
		if err != nil {
			dec.Flush()
			return fmt.Errorf("serial read: %w", err)
		}
	}
}

func (e *Engine) handleFrame(f frame.Frame) {
	if e.replay.Add(f) && e.replay.Len() == 1 {
		e.log.Debug().Dur("window", e.cfg.ReplayWindow).Msg("caching config frames for late clients")
	}
	e.log.Debug().Int("len", len(f.Payload)).Msg("frame from device")
	if e.sink != nil {
		e.sink.HandleFrame(f)
	}
}

func (e *Engine) handleLine(line string) {
	e.devLog.Debug().Msg(line)
	if e.sink != nil {
		e.sink.HandleLine(line)
	}
}

// WriteSerial forwards client bytes to the device. It returns
// ErrNotBridging when no device session is open; a write error ends the
// current session.
func (e *Engine) WriteSerial(p []byte) (int, error) {
	e.mu.Lock()
	ep := e.epoch
	e.mu.Unlock()

	if ep == nil {
		return 0, ErrNotBridging
	}

	ep.writeMu.Lock()
	defer ep.writeMu.Unlock()

	n, err := ep.port.Write(p)
	if err != nil {
		ep.fail(err)
	}
	return n, err
}

// Preload returns cached config frames for a newly connected client. Outside
// a device session there is nothing to replay.
func (e *Engine) Preload() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.epoch == nil {
		return nil
	}
	return e.replay.Frames()
}

func (e *Engine) registerDiscovery(ctx context.Context) {
	if e.registrar == nil || e.registered {
		return
	}
	e.registered = true

	h, err := e.registrar.Register(ctx, e.record)
	if err != nil {
		ev := e.log.Warn().Err(err).Str("service", e.record.Service)
		if errors.Is(err, discovery.ErrAvahiDirUnwritable) {
			ev = ev.Str("hint", "mount /etc/avahi/services into the container or set discovery=mdns")
		}
		ev.Msg("service discovery unavailable, clients must connect by address")
	}
	if h == nil {
		return
	}

	e.mu.Lock()
	e.handle = h
	e.mu.Unlock()

	e.log.Info().
		Str("name", e.record.Instance).
		Str("service", e.record.Service).
		Int("port", e.record.Port).
		Msg("service registered")
}

func (e *Engine) deregister() {
	e.deregisterOnce.Do(func() {
		e.mu.Lock()
		h := e.handle
		e.handle = nil
		e.mu.Unlock()

		if h == nil {
			return
		}
		if err := h.Deregister(); err != nil {
			e.log.Warn().Err(err).Msg("failed to deregister service")
			return
		}
		e.log.Info().Msg("service deregistered")
	})
}

func (e *Engine) setState(to State) {
	e.mu.Lock()
	from := e.state
	if from == to {
		e.mu.Unlock()
		return
	}
	e.state = to
	e.mu.Unlock()

	e.log.Info().Stringer("from", from).Stringer("to", to).Msg("state change")
	if e.observer != nil {
		e.observer(from, to)
	}
}

func (e *Engine) logCandidates() {
	lister, ok := e.device.(candidateLister)
	if !ok {
		return
	}
	if ports := lister.Candidates(); len(ports) > 0 {
		e.log.Info().Strs("available", ports).Msg("available serial ports")
	} else {
		e.log.Info().Msg("no serial ports found")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
