package bridge

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/allbin/meshbridge/internal/registry"
)

type fakeTarget struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	preload [][]byte
	err     error
}

func (f *fakeTarget) WriteSerial(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	return f.buf.Write(p)
}

func (f *fakeTarget) Preload() [][]byte {
	return f.preload
}

func (f *fakeTarget) received() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return bytes.Clone(f.buf.Bytes())
}

func startListener(t *testing.T, target Target) (*Listener, *registry.Registry, context.CancelFunc, chan error) {
	t.Helper()
	clients := registry.New(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	l, err := Listen(ctx, "127.0.0.1:0", clients, target, zerolog.Nop())
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	served := make(chan error, 1)
	go func() { served <- l.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		clients.CloseAll()
		l.Wait()
	})
	return l, clients, cancel, served
}

func TestListenerRoutesClientBytes(t *testing.T) {
	target := &fakeTarget{}
	l, clients, _, _ := startListener(t, target)

	conn := dial(t, l.Addr())
	waitFor(t, "registered client", func() bool { return clients.Len() == 1 })

	conn.Write([]byte("want_config"))
	waitFor(t, "bytes at target", func() bool { return string(target.received()) == "want_config" })
}

func TestListenerSendsPreload(t *testing.T) {
	target := &fakeTarget{preload: [][]byte{{0x94, 0xC3, 0x00, 0x01, 0x01}}}
	l, _, _, _ := startListener(t, target)

	conn := dial(t, l.Addr())
	if got := readN(t, conn, 5); !bytes.Equal(got, target.preload[0]) {
		t.Errorf("Expected preload % X, got % X", target.preload[0], got)
	}
}

func TestListenerDropsWritesWhileNotBridging(t *testing.T) {
	target := &fakeTarget{err: ErrNotBridging}
	l, clients, _, _ := startListener(t, target)

	conn := dial(t, l.Addr())
	waitFor(t, "registered client", func() bool { return clients.Len() == 1 })

	if _, err := conn.Write([]byte{0x01}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if clients.Len() != 1 {
		t.Errorf("Expected client to stay connected, got %d clients", clients.Len())
	}
}

func TestListenerUnregistersOnClientClose(t *testing.T) {
	l, clients, _, _ := startListener(t, &fakeTarget{})

	conn := dial(t, l.Addr())
	waitFor(t, "registered client", func() bool { return clients.Len() == 1 })

	conn.Close()
	waitFor(t, "client removal", func() bool { return clients.Len() == 0 })
}

func TestListenerServeStopsOnCancel(t *testing.T) {
	l, _, cancel, served := startListener(t, &fakeTarget{})
	addr := l.Addr().String()

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Expected nil from Serve, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	if conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond); err == nil {
		conn.Close()
		t.Error("Expected dial to fail after shutdown")
	}
}

func TestListenerAddr(t *testing.T) {
	l, _, _, _ := startListener(t, &fakeTarget{})

	tcp, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		t.Fatalf("Expected *net.TCPAddr, got %T", l.Addr())
	}
	if tcp.Port == 0 {
		t.Error("Expected a bound ephemeral port")
	}
}
