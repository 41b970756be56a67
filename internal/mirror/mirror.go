// Package mirror republishes decoded device frames and device log lines to
// an MQTT broker for remote observability. It never feeds data back to the
// device.
package mirror

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/allbin/meshbridge/internal/frame"
)

const queueSize = 256

// Publisher delivers one message to a topic
type Publisher interface {
	Publish(topic string, payload []byte) error
}

type message struct {
	topic   string
	payload []byte
}

// Mirror queues frames and lines from the serial reader and publishes them
// from its own goroutine. When the queue is full messages are dropped so a
// slow broker never stalls the bridge.
type Mirror struct {
	pub     Publisher
	topic   string
	queue   chan message
	dropped atomic.Uint64
	log     zerolog.Logger
}

// New creates a mirror publishing under <topic>/frame and <topic>/log
func New(pub Publisher, topic string, log zerolog.Logger) *Mirror {
	return &Mirror{
		pub:   pub,
		topic: topic,
		queue: make(chan message, queueSize),
		log:   log,
	}
}

func (m *Mirror) FrameTopic() string { return m.topic + "/frame" }

func (m *Mirror) LogTopic() string { return m.topic + "/log" }

func (m *Mirror) HandleFrame(f frame.Frame) {
	m.enqueue(m.FrameTopic(), f.Payload)
}

func (m *Mirror) HandleLine(line string) {
	m.enqueue(m.LogTopic(), []byte(line))
}

// Dropped returns how many messages were discarded because the queue was full
func (m *Mirror) Dropped() uint64 {
	return m.dropped.Load()
}

func (m *Mirror) enqueue(topic string, payload []byte) {
	select {
	case m.queue <- message{topic: topic, payload: payload}:
	default:
		if m.dropped.Add(1) == 1 {
			m.log.Warn().Msg("mqtt mirror falling behind, dropping messages")
		}
	}
}

// Run publishes queued messages until ctx is done
func (m *Mirror) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			if n := m.Dropped(); n > 0 {
				m.log.Info().Uint64("dropped", n).Msg("mqtt mirror stopped")
			}
			return
		case msg := <-m.queue:
			if err := m.pub.Publish(msg.topic, msg.payload); err != nil {
				m.log.Warn().Err(err).Str("topic", msg.topic).Msg("mqtt publish failed")
			}
		}
	}
}
