// Package registry tracks the TCP clients attached to the bridge and fans
// serial data out to them.
//
// Every client owns a bounded outbound queue drained by its own writer
// goroutine, so a slow or dead client is dropped without stalling the others.
package registry

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultQueueSize is the number of pending writes buffered per client
const DefaultQueueSize = 256

// Client is one accepted TCP connection
type Client struct {
	ID          uint64
	Remote      string
	ConnectedAt time.Time

	conn      net.Conn
	out       chan []byte
	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
	log       zerolog.Logger
}

// Conn returns the client's socket, used by the caller's read loop
func (c *Client) Conn() net.Conn {
	return c.conn
}

// Done is closed once the client has been unregistered
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) close() bool {
	closed := false
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
		closed = true
	})
	return closed
}

// Info is a point-in-time view of a client for status output
type Info struct {
	ID          uint64
	Remote      string
	ConnectedAt time.Time
	Queued      int
}

// Option configures a Registry
type Option func(*Registry)

// WithQueueSize sets the per-client outbound queue length
func WithQueueSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// Registry is the set of connected clients. All methods are safe for
// concurrent use.
type Registry struct {
	mu        sync.Mutex
	clients   map[uint64]*Client
	nextID    uint64
	queueSize int
	closed    bool
	log       zerolog.Logger
}

// New creates an empty registry
func New(log zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		clients:   make(map[uint64]*Client),
		queueSize: DefaultQueueSize,
		log:       log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds conn to the registry. It receives every broadcast made after
// this call returns.
func (r *Registry) Register(conn net.Conn) *Client {
	return r.RegisterWithPreload(conn, nil)
}

// RegisterWithPreload adds conn with preload queued ahead of any live data.
// After Close the connection is closed immediately and the returned client
// is already done.
func (r *Registry) RegisterWithPreload(conn net.Conn, preload [][]byte) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	c := &Client{
		ID:          r.nextID,
		Remote:      remoteString(conn),
		ConnectedAt: time.Now(),
		conn:        conn,
		out:         make(chan []byte, r.queueSize+len(preload)),
		done:        make(chan struct{}),
		exited:      make(chan struct{}),
	}
	c.log = r.log.With().Uint64("client_id", c.ID).Str("remote", c.Remote).Logger()

	if r.closed {
		close(c.exited)
		c.close()
		c.log.Debug().Msg("registry closed, rejecting client")
		return c
	}

	for _, p := range preload {
		c.out <- p
	}
	r.clients[c.ID] = c

	go r.writeLoop(c)

	c.log.Info().Int("clients", len(r.clients)).Int("preload", len(preload)).Msg("client connected")
	return c
}

// Unregister removes c and closes its socket. Calling it more than once is a no-op.
func (r *Registry) Unregister(c *Client) {
	r.mu.Lock()
	if cur, ok := r.clients[c.ID]; ok && cur == c {
		delete(r.clients, c.ID)
	}
	remaining := len(r.clients)
	r.mu.Unlock()

	if c.close() {
		c.log.Info().Int("clients", remaining).Msg("client disconnected")
	}
}

// Broadcast queues p for every registered client and returns how many
// clients accepted it. A client whose queue is full is dropped.
func (r *Registry) Broadcast(p []byte) int {
	if len(p) == 0 {
		return 0
	}
	data := make([]byte, len(p))
	copy(data, p)

	var dropped []*Client
	delivered := 0

	r.mu.Lock()
	for id, c := range r.clients {
		select {
		case c.out <- data:
			delivered++
		default:
			delete(r.clients, id)
			dropped = append(dropped, c)
		}
	}
	r.mu.Unlock()

	for _, c := range dropped {
		c.log.Warn().Int("queue", cap(c.out)).Msg("client too slow, dropping")
		c.close()
	}
	return delivered
}

// Len returns the number of registered clients
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Snapshot returns the registered clients ordered by id
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	infos := make([]Info, 0, len(r.clients))
	for _, c := range r.clients {
		infos = append(infos, Info{
			ID:          c.ID,
			Remote:      c.Remote,
			ConnectedAt: c.ConnectedAt,
			Queued:      len(c.out),
		})
	}
	r.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// CloseAll disconnects every registered client and waits for their writers
// to exit. Clients registered afterwards are unaffected.
func (r *Registry) CloseAll() {
	r.closeAll(false)
}

// Close disconnects every client and rejects any registered later
func (r *Registry) Close() {
	r.closeAll(true)
}

func (r *Registry) closeAll(final bool) {
	r.mu.Lock()
	if final {
		r.closed = true
	}
	clients := make([]*Client, 0, len(r.clients))
	for id, c := range r.clients {
		clients = append(clients, c)
		delete(r.clients, id)
	}
	r.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	for _, c := range clients {
		<-c.exited
	}

	if len(clients) > 0 {
		r.log.Info().Int("clients", len(clients)).Msg("closed all clients")
	}
}

func (r *Registry) writeLoop(c *Client) {
	defer close(c.exited)

	for {
		select {
		case <-c.done:
			return
		case p := <-c.out:
			if _, err := c.conn.Write(p); err != nil {
				if !IsExpectedCloseError(err) {
					c.log.Warn().Err(err).Msg("client write failed")
				}
				r.Unregister(c)
				return
			}
		}
	}
}

func remoteString(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}
