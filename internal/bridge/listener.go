package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/allbin/meshbridge/internal/registry"
)

// DefaultPort is the TCP port Meshtastic clients connect to
const DefaultPort = 4403

// Target receives client bytes and supplies replay data for new clients
type Target interface {
	WriteSerial(p []byte) (int, error)
	Preload() [][]byte
}

// Listener accepts TCP clients and attaches them to the registry. It keeps
// accepting regardless of the device state.
type Listener struct {
	ln      net.Listener
	clients *registry.Registry
	target  Target
	log     zerolog.Logger
	conns   sync.WaitGroup
}

// Listen binds addr with SO_REUSEADDR so a restarted bridge can rebind
// while old connections linger in TIME_WAIT.
func Listen(ctx context.Context, addr string, clients *registry.Registry, target Target, log zerolog.Logger) (*Listener, error) {
	lc := net.ListenConfig{Control: reuseAddr}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	return &Listener{
		ln:      ln,
		clients: clients,
		target:  target,
		log:     log,
	}, nil
}

func reuseAddr(_, _ string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return serr
}

// Addr returns the bound address, useful when listening on port 0
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops accepting. Connected clients are left to the registry.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Wait blocks until every client handler has returned
func (l *Listener) Wait() {
	l.conns.Wait()
}

// Serve accepts connections until ctx is cancelled or the listener is closed
func (l *Listener) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { l.ln.Close() })
	defer stop()

	l.log.Info().Str("addr", l.Addr().String()).Msg("listening")

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.log.Error().Err(err).Msg("accept failed")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if tcp, ok := conn.(*net.TCPConn); ok {
			tcp.SetNoDelay(true)
			tcp.SetKeepAlive(true)
		}

		l.conns.Add(1)
		go func() {
			defer l.conns.Done()
			l.handle(conn)
		}()
	}
}

func (l *Listener) handle(conn net.Conn) {
	c := l.clients.RegisterWithPreload(conn, l.target.Preload())
	defer l.clients.Unregister(c)

	log := l.log.With().Uint64("client_id", c.ID).Str("remote", c.Remote).Logger()

	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if _, werr := l.target.WriteSerial(buf[:n]); werr != nil {
				if errors.Is(werr, ErrNotBridging) {
					log.Debug().Int("bytes", n).Msg("device not connected, dropping client data")
				} else {
					log.Warn().Err(werr).Msg("serial write failed")
				}
			}
		}
		if err != nil {
			if registry.IsExpectedCloseError(err) {
				log.Debug().Msg("client closed connection")
			} else {
				log.Warn().Err(err).Msg("client read failed")
			}
			return
		}
	}
}
