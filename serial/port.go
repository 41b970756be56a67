package serial

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Port represents an open serial line. Reads and writes are raw bytes; the
// line is configured for non-canonical mode with no input or output processing.
type Port interface {
	io.ReadWriteCloser

	// Path returns the device node the port was opened from.
	Path() string

	// DisableHangupOnClose clears HUPCL so that closing the port does not
	// drop DTR. Many USB radio boards treat a DTR drop as a reset request.
	DisableHangupOnClose() error
}

// port is the concrete implementation of the Port interface
type port struct {
	mu     sync.RWMutex
	fd     int
	path   string
	config Config
	closed bool
	hangup hangupDetector
}

// Ensure port implements Port interface at compile time
var _ Port = (*port)(nil)

// Parity represents the parity mode
type Parity int

const (
	ParityNone Parity = iota
	ParityOdd
	ParityEven
)

// baudRates maps integer baud rates to termios speed constants
var baudRates = map[int]uint32{
	1200:    unix.B1200,
	2400:    unix.B2400,
	4800:    unix.B4800,
	9600:    unix.B9600,
	19200:   unix.B19200,
	38400:   unix.B38400,
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	500000:  unix.B500000,
	576000:  unix.B576000,
	921600:  unix.B921600,
	1000000: unix.B1000000,
	1500000: unix.B1500000,
	2000000: unix.B2000000,
}

// getBaudRate converts an integer baud rate to the unix constant
func getBaudRate(rate int) (uint32, error) {
	speed, ok := baudRates[rate]
	if !ok {
		return 0, ErrInvalidBaudRate
	}
	return speed, nil
}

// ValidBaudRate reports whether rate is supported by Open
func ValidBaudRate(rate int) bool {
	_, ok := baudRates[rate]
	return ok
}

// Open opens a serial port with the given device path and options.
// It returns ErrDeviceNotFound if the path does not exist at call time.
func Open(device string, opts ...Option) (Port, error) {
	config := DefaultConfig()
	for _, opt := range opts {
		if err := opt(&config); err != nil {
			return nil, err
		}
	}

	if !Exists(device) {
		return nil, ErrDeviceNotFound
	}

	fd, err := unix.Open(device, unix.O_RDWR|unix.O_NOCTTY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, classifyOpenError(device, err)
	}

	if config.Exclusive {
		if err := unix.IoctlSetInt(fd, unix.TIOCEXCL, 0); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("failed to lock %s: %w", device, ErrDeviceInUse)
		}
	}

	if err := configurePort(fd, config); err != nil {
		unix.Close(fd)
		return nil, err
	}

	return &port{
		fd:     fd,
		path:   device,
		config: config,
		hangup: hangupDetector{timeout: config.ReadTimeout},
	}, nil
}

// classifyOpenError maps errno values from open(2) onto the package errors
func classifyOpenError(device string, err error) error {
	switch {
	case errors.Is(err, unix.ENOENT), errors.Is(err, unix.ENODEV), errors.Is(err, unix.ENXIO):
		return ErrDeviceNotFound
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return fmt.Errorf("failed to open %s: %w", device, ErrPermissionDenied)
	case errors.Is(err, unix.EBUSY):
		return fmt.Errorf("failed to open %s: %w", device, ErrDeviceInUse)
	default:
		return fmt.Errorf("failed to open %s: %v", device, err)
	}
}

// configurePort puts the line into raw mode at the configured speed and
// framing. The HUPCL bit is carried over untouched; callers clear it
// explicitly with DisableHangupOnClose.
func configurePort(fd int, config Config) error {
	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("failed to get termios: %v", err)
	}

	hupcl := termios.Cflag & unix.HUPCL

	termios.Cflag = unix.CREAD | unix.CLOCAL | hupcl
	termios.Iflag = 0
	termios.Oflag = 0
	termios.Lflag = 0

	// VMIN=0 with VTIME lets Read return periodically so Close is never
	// blocked for longer than the read timeout.
	termios.Cc[unix.VMIN] = 0
	termios.Cc[unix.VTIME] = config.readTimeoutTenths()

	baudRate, err := getBaudRate(config.BaudRate)
	if err != nil {
		return err
	}
	termios.Cflag = (termios.Cflag &^ unix.CBAUD) | baudRate
	termios.Ispeed = baudRate
	termios.Ospeed = baudRate

	switch config.DataBits {
	case 5:
		termios.Cflag |= unix.CS5
	case 6:
		termios.Cflag |= unix.CS6
	case 7:
		termios.Cflag |= unix.CS7
	default:
		termios.Cflag |= unix.CS8
	}

	if config.StopBits == 2 {
		termios.Cflag |= unix.CSTOPB
	}

	switch config.Parity {
	case ParityOdd:
		termios.Cflag |= unix.PARENB | unix.PARODD
	case ParityEven:
		termios.Cflag |= unix.PARENB
	}

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		return fmt.Errorf("failed to set termios: %v", err)
	}
	return nil
}

// Path returns the device path
func (p *port) Path() string {
	return p.path
}

// Close closes the serial port
func (p *port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPortClosed
	}

	err := unix.Close(p.fd)
	p.closed = true
	return err
}

// Read reads data from the serial port. A read that times out returns
// (0, nil). If the device node disappears the read returns ErrDeviceRemoved.
func (p *port) Read(buf []byte) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return 0, ErrPortClosed
	}

	for {
		start := time.Now()
		n, err := unix.Read(p.fd, buf)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			if !Exists(p.path) {
				return 0, fmt.Errorf("%w: %v", ErrDeviceRemoved, err)
			}
			return 0, fmt.Errorf("read %s: %w", p.path, err)
		}
		// A hung-up tty reads as EOF forever; only the missing node tells
		// it apart from an ordinary VTIME expiry.
		if n == 0 && len(buf) > 0 && !Exists(p.path) {
			return 0, ErrDeviceRemoved
		}
		// The node can outlive the hangup while udev catches up, or be
		// replaced by a replug under the same name.
		if len(buf) > 0 && p.hangup.observe(n, time.Since(start)) {
			return 0, ErrHangup
		}
		return n, nil
	}
}

// Write writes all of data to the serial port
func (p *port) Write(data []byte) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return 0, ErrPortClosed
	}

	written := 0
	for written < len(data) {
		n, err := unix.Write(p.fd, data[written:])
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
			continue
		}
		if err != nil {
			if !Exists(p.path) {
				return written, fmt.Errorf("%w: %v", ErrDeviceRemoved, err)
			}
			return written, fmt.Errorf("write %s: %w", p.path, err)
		}
		written += n
	}
	return written, nil
}

// DisableHangupOnClose clears the HUPCL flag on the line
func (p *port) DisableHangupOnClose() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPortClosed
	}

	termios, err := unix.IoctlGetTermios(p.fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("%w: get termios: %v", ErrLineConfig, err)
	}
	if termios.Cflag&unix.HUPCL == 0 {
		return nil
	}

	termios.Cflag &^= unix.HUPCL
	if err := unix.IoctlSetTermios(p.fd, unix.TCSETS, termios); err != nil {
		return fmt.Errorf("%w: clear HUPCL: %v", ErrLineConfig, err)
	}
	return nil
}

// maxFastEmptyReads is how many consecutive empty reads returning well
// before VTIME expires are taken as a hangup
const maxFastEmptyReads = 8

// hangupDetector spots a tty that keeps returning EOF immediately
type hangupDetector struct {
	mu      sync.Mutex
	timeout time.Duration
	fast    int
}

// observe records one read and reports whether the line has hung up. With
// no read timeout every empty read is immediate, so nothing is detected.
func (h *hangupDetector) observe(n int, elapsed time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n > 0 || h.timeout <= 0 || elapsed >= h.timeout/4 {
		h.fast = 0
		return false
	}
	h.fast++
	return h.fast >= maxFastEmptyReads
}
