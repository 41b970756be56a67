package bridge

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/allbin/meshbridge/internal/discovery"
	"github.com/allbin/meshbridge/internal/frame"
)

func TestEngineForwardsClientBytesToSerial(t *testing.T) {
	dev := newFakeDevice(true)
	h := newHarness(t, testConfig(), dev)
	h.start(t)

	port := dev.nextPort(t)
	h.waitState(t, StateBridging)

	conn := dial(t, h.listen(t))
	if _, err := conn.Write([]byte{0x01, 0x02, 0x03}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	waitFor(t, "client bytes on serial", func() bool {
		return bytes.Equal(port.written(), []byte{0x01, 0x02, 0x03})
	})
}

func TestEngineBroadcastsRawStream(t *testing.T) {
	dev := newFakeDevice(true)
	sink := &fakeSink{}
	h := newHarness(t, testConfig(), dev, WithFrameSink(sink))
	h.start(t)

	port := dev.nextPort(t)
	h.waitState(t, StateBridging)

	addr := h.listen(t)
	c1 := dial(t, addr)
	c2 := dial(t, addr)
	waitFor(t, "two registered clients", func() bool { return h.clients.Len() == 2 })

	input := append([]byte("garbage"), 0x94, 0xC3, 0x00, 0x02, 0xAA, 0xBB)
	port.send(input)

	if got := readN(t, c1, len(input)); !bytes.Equal(got, input) {
		t.Errorf("Client 1: expected % X, got % X", input, got)
	}
	if got := readN(t, c2, len(input)); !bytes.Equal(got, input) {
		t.Errorf("Client 2: expected % X, got % X", input, got)
	}

	waitFor(t, "decoded frame", func() bool {
		frames, _ := sink.snapshot()
		return len(frames) == 1
	})
	frames, lines := sink.snapshot()
	if !bytes.Equal(frames[0].Payload, []byte{0xAA, 0xBB}) {
		t.Errorf("Expected payload AA BB, got % X", frames[0].Payload)
	}
	if len(lines) != 1 || lines[0] != "garbage" {
		t.Errorf("Expected one diagnostic line 'garbage', got %q", lines)
	}
	if h.engine.State() != StateBridging {
		t.Errorf("Expected engine to keep bridging, got %s", h.engine.State())
	}
}

func TestEngineReconnectsAfterRemoval(t *testing.T) {
	dev := newFakeDevice(true)
	h := newHarness(t, testConfig(), dev)
	h.start(t)

	first := dev.nextPort(t)
	h.waitState(t, StateBridging)

	first.unplug()
	h.waitState(t, StateDisconnected)
	h.waitState(t, StateAwaitingDevice)

	second := dev.nextPort(t)
	h.waitState(t, StateBridging)

	if second == first {
		t.Fatal("Expected a fresh port after reconnect")
	}
	opens, hupcl := dev.counts()
	if opens != 2 {
		t.Errorf("Expected 2 opens, got %d", opens)
	}
	if hupcl != 2 {
		t.Errorf("Expected hangup-on-close disabled on every open, got %d", hupcl)
	}

	first.mu.Lock()
	closed := first.closed
	first.mu.Unlock()
	if !closed {
		t.Error("Expected first port to be closed")
	}
}

func TestEngineBreakerTripsOnOpenFailures(t *testing.T) {
	dev := newFakeDevice(true)
	dev.openErr = errors.New("input/output error")

	cfg := testConfig()
	cfg.MaxRapidFails = 3
	cfg.ReconnectDelay = time.Millisecond
	h := newHarness(t, cfg, dev)
	h.start(t)

	err := h.wait(t)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Expected ErrCircuitOpen, got %v", err)
	}
	if opens, _ := dev.counts(); opens != 3 {
		t.Errorf("Expected exactly 3 open attempts, got %d", opens)
	}
	if h.engine.State() != StateFailed {
		t.Errorf("Expected state failed, got %s", h.engine.State())
	}
}

func TestEngineBreakerTripsOnShortSessions(t *testing.T) {
	dev := newFakeDevice(true)

	cfg := testConfig()
	cfg.MaxRapidFails = 4
	cfg.ReconnectDelay = time.Millisecond
	h := newHarness(t, cfg, dev)

	go func() {
		for p := range dev.ports {
			p.unplug()
		}
	}()
	t.Cleanup(func() { close(dev.ports) })

	h.start(t)

	if err := h.wait(t); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Expected ErrCircuitOpen, got %v", err)
	}
	if opens, hupcl := dev.counts(); opens != 4 || hupcl != 4 {
		t.Errorf("Expected 4 opens and 4 hangup resets, got %d and %d", opens, hupcl)
	}
}

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stepClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestEngineBreakerResetsAfterLongSession(t *testing.T) {
	dev := newFakeDevice(true)

	cfg := testConfig()
	cfg.MinRuntime = time.Second
	cfg.MaxRapidFails = 2
	cfg.ReconnectDelay = time.Millisecond
	h := newHarness(t, cfg, dev)

	clock := &stepClock{t: time.Unix(1700000000, 0)}
	h.engine.now = clock.now

	// short, long, short, short: the long session clears the first failure
	go func() {
		n := 0
		for p := range dev.ports {
			n++
			if n == 2 {
				clock.advance(2 * time.Second)
			}
			p.unplug()
		}
	}()
	t.Cleanup(func() { close(dev.ports) })

	h.start(t)

	if err := h.wait(t); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Expected ErrCircuitOpen, got %v", err)
	}
	if opens, _ := dev.counts(); opens != 4 {
		t.Errorf("Expected breaker to trip on the 4th session, got %d opens", opens)
	}
}

func TestEngineDeregistersExactlyOnce(t *testing.T) {
	dev := newFakeDevice(true)
	reg := &countingRegistrar{}
	rec := discovery.NewRecord("", 4403, dev.Path(), 115200, "test")

	h := newHarness(t, testConfig(), dev, WithDiscovery(reg, rec))
	h.start(t)

	first := dev.nextPort(t)
	h.waitState(t, StateBridging)
	first.unplug()
	dev.nextPort(t)
	h.waitState(t, StateBridging)

	if registered, _ := reg.counts(); registered != 1 {
		t.Errorf("Expected discovery registered once across reconnects, got %d", registered)
	}

	h.cancel()
	if err := h.wait(t); err != nil {
		t.Fatalf("Expected graceful shutdown, got %v", err)
	}
	if _, deregistered := reg.counts(); deregistered != 1 {
		t.Errorf("Expected 1 deregistration, got %d", deregistered)
	}
	if h.engine.State() != StateStopped {
		t.Errorf("Expected state stopped, got %s", h.engine.State())
	}
}

func TestEngineDeregistersOnBreakerTrip(t *testing.T) {
	dev := newFakeDevice(true)
	reg := &countingRegistrar{}
	rec := discovery.NewRecord("", 4403, dev.Path(), 115200, "test")

	cfg := testConfig()
	cfg.MaxRapidFails = 2
	cfg.ReconnectDelay = time.Millisecond
	h := newHarness(t, cfg, dev, WithDiscovery(reg, rec))

	go func() {
		for p := range dev.ports {
			p.unplug()
		}
	}()
	t.Cleanup(func() { close(dev.ports) })

	h.start(t)
	if err := h.wait(t); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Expected ErrCircuitOpen, got %v", err)
	}
	if registered, deregistered := reg.counts(); registered != 1 || deregistered != 1 {
		t.Errorf("Expected 1 registration and 1 deregistration, got %d and %d", registered, deregistered)
	}
}

func TestEngineDiscoveryFailureTolerated(t *testing.T) {
	dev := newFakeDevice(true)
	reg := &countingRegistrar{err: discovery.ErrAvahiDirUnwritable}
	rec := discovery.NewRecord("", 4403, dev.Path(), 115200, "test")

	h := newHarness(t, testConfig(), dev, WithDiscovery(reg, rec))
	h.start(t)

	dev.nextPort(t)
	h.waitState(t, StateBridging)

	h.cancel()
	if err := h.wait(t); err != nil {
		t.Errorf("Expected graceful shutdown, got %v", err)
	}
}

func TestEngineDeviceAbsentWithoutWaiting(t *testing.T) {
	dev := newFakeDevice(false)

	cfg := testConfig()
	cfg.WaitForDevice = false
	h := newHarness(t, cfg, dev)
	h.start(t)

	if err := h.wait(t); !errors.Is(err, ErrDeviceAbsent) {
		t.Fatalf("Expected ErrDeviceAbsent, got %v", err)
	}
	if opens, _ := dev.counts(); opens != 0 {
		t.Errorf("Expected no open attempts, got %d", opens)
	}
}

func TestEngineWaitsForDevice(t *testing.T) {
	dev := newFakeDevice(false)
	h := newHarness(t, testConfig(), dev)
	h.start(t)

	h.waitState(t, StateAwaitingDevice)
	time.Sleep(20 * time.Millisecond)
	if opens, _ := dev.counts(); opens != 0 {
		t.Fatalf("Expected no open before the device appears, got %d", opens)
	}

	dev.setPresent()
	dev.nextPort(t)
	h.waitState(t, StateBridging)
}

func TestEngineStopWhileAwaitingDevice(t *testing.T) {
	dev := newFakeDevice(false)
	h := newHarness(t, testConfig(), dev)
	h.start(t)

	h.waitState(t, StateAwaitingDevice)
	h.cancel()

	if err := h.wait(t); err != nil {
		t.Errorf("Expected nil error on shutdown, got %v", err)
	}
	if h.engine.State() != StateStopped {
		t.Errorf("Expected state stopped, got %s", h.engine.State())
	}
}

func TestEngineHangupFailureTolerated(t *testing.T) {
	dev := newFakeDevice(true)
	dev.hupErr = errors.New("tcsetattr failed")
	h := newHarness(t, testConfig(), dev)
	h.start(t)

	dev.nextPort(t)
	h.waitState(t, StateBridging)
}

func TestEngineWriteWhileNotBridging(t *testing.T) {
	dev := newFakeDevice(false)
	h := newHarness(t, testConfig(), dev)

	if _, err := h.engine.WriteSerial([]byte{0x01}); !errors.Is(err, ErrNotBridging) {
		t.Errorf("Expected ErrNotBridging, got %v", err)
	}
}

func TestEngineWriteFailureEndsSession(t *testing.T) {
	dev := newFakeDevice(true)
	h := newHarness(t, testConfig(), dev)
	h.start(t)

	port := dev.nextPort(t)
	h.waitState(t, StateBridging)

	port.setWriteErr(errors.New("input/output error"))
	if _, err := h.engine.WriteSerial([]byte{0x01}); err == nil {
		t.Fatal("Expected write error")
	}

	h.waitState(t, StateDisconnected)
	dev.nextPort(t)
	h.waitState(t, StateBridging)
}

func TestEngineDropClientsOnDisconnect(t *testing.T) {
	dev := newFakeDevice(true)
	cfg := testConfig()
	cfg.DropClientsOnDisconnect = true
	h := newHarness(t, cfg, dev)
	h.start(t)

	port := dev.nextPort(t)
	h.waitState(t, StateBridging)

	conn := dial(t, h.listen(t))
	waitFor(t, "registered client", func() bool { return h.clients.Len() == 1 })

	port.unplug()
	h.waitState(t, StateDisconnected)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("Expected client connection to be closed")
	}
}

func TestEngineKeepsClientsAcrossReconnect(t *testing.T) {
	dev := newFakeDevice(true)
	h := newHarness(t, testConfig(), dev)
	h.start(t)

	first := dev.nextPort(t)
	h.waitState(t, StateBridging)

	conn := dial(t, h.listen(t))
	waitFor(t, "registered client", func() bool { return h.clients.Len() == 1 })

	first.unplug()
	second := dev.nextPort(t)
	h.waitState(t, StateBridging)

	second.send([]byte("hello\n"))
	if got := readN(t, conn, 6); string(got) != "hello\n" {
		t.Errorf("Expected data from the new session, got %q", got)
	}
}

func TestEngineReplaysConfigToLateClients(t *testing.T) {
	dev := newFakeDevice(true)
	cfg := testConfig()
	cfg.ReplayWindow = 20 * time.Millisecond
	h := newHarness(t, cfg, dev)
	h.start(t)

	port := dev.nextPort(t)
	h.waitState(t, StateBridging)

	cfgFrame, _ := frame.Encode([]byte{0x0A, 0x0B})
	port.send(cfgFrame)

	waitFor(t, "replay window to close", func() bool { return len(h.engine.Preload()) == 1 })

	conn := dial(t, h.listen(t))
	if got := readN(t, conn, len(cfgFrame)); !bytes.Equal(got, cfgFrame) {
		t.Errorf("Expected replayed frame % X, got % X", cfgFrame, got)
	}
}

func TestEngineNoReplayWhileDisconnected(t *testing.T) {
	dev := newFakeDevice(true)
	cfg := testConfig()
	cfg.ReplayWindow = 20 * time.Millisecond
	cfg.ReconnectDelay = time.Hour
	h := newHarness(t, cfg, dev)
	h.start(t)
	addr := h.listen(t)

	port := dev.nextPort(t)
	h.waitState(t, StateBridging)

	cfgFrame, _ := frame.Encode([]byte{0x0A, 0x0B})
	port.send(cfgFrame)
	waitFor(t, "replay window to close", func() bool { return len(h.engine.Preload()) == 1 })

	port.unplug()
	h.waitState(t, StateDisconnected)

	if got := h.engine.Preload(); got != nil {
		t.Errorf("Expected no preload while disconnected, got %d frames", len(got))
	}

	conn := dial(t, addr)
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if n != 0 {
		t.Errorf("Expected no data while disconnected, got % X", buf[:n])
	}
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Errorf("Expected read timeout, got %v", err)
	}
}

func TestNewValidation(t *testing.T) {
	dev := newFakeDevice(true)
	h := newHarness(t, testConfig(), dev)

	if _, err := New(testConfig(), nil, h.clients); err == nil {
		t.Error("Expected error without device")
	}
	if _, err := New(testConfig(), dev, nil); err == nil {
		t.Error("Expected error without registry")
	}

	cfg := testConfig()
	cfg.MaxPayload = frame.MaxPayloadLimit + 1
	if _, err := New(cfg, dev, h.clients); err == nil {
		t.Error("Expected error for oversized max payload")
	}
}
