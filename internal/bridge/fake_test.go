package bridge

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/allbin/meshbridge/internal/discovery"
	"github.com/allbin/meshbridge/internal/frame"
	"github.com/allbin/meshbridge/internal/registry"
)

var errFakeClosed = errors.New("fake port closed")

// fakePort is a serial line backed by an io.Pipe. Tests write device output
// with send and read what the engine wrote with written.
type fakePort struct {
	dev *fakeDevice
	r   *io.PipeReader
	w   *io.PipeWriter

	mu       sync.Mutex
	buf      bytes.Buffer
	closed   bool
	writeErr error
}

func (p *fakePort) Read(b []byte) (int, error) {
	return p.r.Read(b)
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errFakeClosed
	}
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	return p.buf.Write(b)
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.r.CloseWithError(errFakeClosed)
	return nil
}

func (p *fakePort) DisableHangupOnClose() error {
	p.dev.mu.Lock()
	defer p.dev.mu.Unlock()
	p.dev.hupcl++
	return p.dev.hupErr
}

func (p *fakePort) send(b []byte) {
	p.w.Write(b)
}

// unplug makes the engine's next read fail as it does when the USB
// adapter is pulled
func (p *fakePort) unplug() {
	p.w.CloseWithError(io.EOF)
}

func (p *fakePort) setWriteErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

func (p *fakePort) written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.buf.Bytes())
}

type fakeDevice struct {
	mu       sync.Mutex
	present  bool
	appeared chan struct{}
	openErr  error
	hupErr   error
	opens    int
	hupcl    int
	ports    chan *fakePort
}

func newFakeDevice(present bool) *fakeDevice {
	d := &fakeDevice{
		present:  present,
		appeared: make(chan struct{}),
		ports:    make(chan *fakePort, 64),
	}
	if present {
		close(d.appeared)
	}
	return d
}

func (d *fakeDevice) Path() string { return "/dev/ttyFAKE0" }

func (d *fakeDevice) Present() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.present
}

func (d *fakeDevice) Wait(ctx context.Context) error {
	select {
	case <-d.appeared:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *fakeDevice) Open() (Port, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opens++
	if d.openErr != nil {
		return nil, d.openErr
	}
	r, w := io.Pipe()
	p := &fakePort{dev: d, r: r, w: w}
	d.ports <- p
	return p, nil
}

func (d *fakeDevice) setPresent() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.present {
		d.present = true
		close(d.appeared)
	}
}

func (d *fakeDevice) counts() (opens, hupcl int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens, d.hupcl
}

func (d *fakeDevice) nextPort(t *testing.T) *fakePort {
	t.Helper()
	select {
	case p := <-d.ports:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("device was not opened")
		return nil
	}
}

type fakeSink struct {
	mu     sync.Mutex
	frames []frame.Frame
	lines  []string
}

func (s *fakeSink) HandleFrame(f frame.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
}

func (s *fakeSink) HandleLine(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
}

func (s *fakeSink) snapshot() ([]frame.Frame, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]frame.Frame(nil), s.frames...), append([]string(nil), s.lines...)
}

type countingRegistrar struct {
	mu           sync.Mutex
	registered   int
	deregistered int
	err          error
}

func (r *countingRegistrar) Register(context.Context, discovery.Record) (discovery.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.registered++
	return countingHandle{r}, nil
}

func (r *countingRegistrar) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registered, r.deregistered
}

type countingHandle struct{ r *countingRegistrar }

func (h countingHandle) Deregister() error {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	h.r.deregistered++
	return nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ReconnectDelay = 10 * time.Millisecond
	cfg.MinRuntime = time.Hour
	cfg.MaxRapidFails = 100
	cfg.ReplayWindow = 0
	return cfg
}

type harness struct {
	engine  *Engine
	clients *registry.Registry
	states  chan State
	cancel  context.CancelFunc
	done    chan error
	exited  chan struct{}
}

func newHarness(t *testing.T, cfg Config, dev Device, opts ...Option) *harness {
	t.Helper()

	h := &harness{
		clients: registry.New(zerolog.Nop()),
		states:  make(chan State, 256),
		done:    make(chan error, 1),
		exited:  make(chan struct{}),
	}
	opts = append(opts, WithObserver(func(_, to State) { h.states <- to }))

	e, err := New(cfg, dev, h.clients, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	h.engine = e
	t.Cleanup(h.clients.CloseAll)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		h.done <- h.engine.Run(ctx)
		close(h.exited)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.exited:
		case <-time.After(2 * time.Second):
		}
	})
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
		return nil
	}
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case s := <-h.states:
			if s == want {
				return
			}
		case <-timeout:
			t.Fatalf("Timed out waiting for state %s (current %s)", want, h.engine.State())
		}
	}
}

// listen starts a Listener in front of the harness engine
func (h *harness) listen(t *testing.T) net.Addr {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	l, err := Listen(ctx, "127.0.0.1:0", h.clients, h.engine, zerolog.Nop())
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	go l.Serve(ctx)
	t.Cleanup(func() {
		cancel()
		l.Close()
	})
	return l.Addr()
}

func dial(t *testing.T, addr net.Addr) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr.String(), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readN(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("Read of %d bytes failed: %v", n, err)
	}
	return buf
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}
