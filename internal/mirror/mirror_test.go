package mirror

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/allbin/meshbridge/internal/frame"
)

type recordingPublisher struct {
	mu       sync.Mutex
	messages []message
	err      error
	block    chan struct{}
}

func (p *recordingPublisher) Publish(topic string, payload []byte) error {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, message{topic: topic, payload: payload})
	return p.err
}

func (p *recordingPublisher) snapshot() []message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]message(nil), p.messages...)
}

func TestMirrorPublishes(t *testing.T) {
	pub := &recordingPublisher{}
	m := New(pub, "radios/attic", zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.HandleFrame(frame.Frame{Payload: []byte{0xAA, 0xBB}})
	m.HandleLine("INFO | GPS fix")

	deadline := time.Now().Add(2 * time.Second)
	for len(pub.snapshot()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	msgs := pub.snapshot()
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].topic != "radios/attic/frame" || string(msgs[0].payload) != "\xAA\xBB" {
		t.Errorf("Unexpected frame message %+v", msgs[0])
	}
	if msgs[1].topic != "radios/attic/log" || string(msgs[1].payload) != "INFO | GPS fix" {
		t.Errorf("Unexpected log message %+v", msgs[1])
	}
}

func TestMirrorDropsWhenFull(t *testing.T) {
	pub := &recordingPublisher{block: make(chan struct{})}
	m := New(pub, "t", zerolog.Nop())

	for i := 0; i < queueSize+10; i++ {
		m.HandleLine("x")
	}

	if m.Dropped() != 10 {
		t.Errorf("Expected 10 dropped messages, got %d", m.Dropped())
	}
	close(pub.block)
}

func TestMirrorPublishErrorDoesNotStop(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("not connected")}
	m := New(pub, "t", zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	m.HandleLine("a")
	m.HandleLine("b")

	deadline := time.Now().Add(2 * time.Second)
	for len(pub.snapshot()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := len(pub.snapshot()); n != 2 {
		t.Errorf("Expected both publishes attempted, got %d", n)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestBrokerURL(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"localhost:1883", "tcp://localhost:1883"},
		{"ssl://broker:8883", "ssl://broker:8883"},
		{"ws://broker/mqtt", "ws://broker/mqtt"},
	}

	for _, tt := range tests {
		if got := BrokerURL(tt.input); got != tt.expected {
			t.Errorf("BrokerURL(%q) = %q, expected %q", tt.input, got, tt.expected)
		}
	}
}

func TestDefaultClientID(t *testing.T) {
	id := DefaultClientID()
	if len(id) <= len("meshbridge-") {
		t.Errorf("Expected host-derived client id, got %q", id)
	}
}
