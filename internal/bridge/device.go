package bridge

import (
	"context"
	"io"
	"time"

	"github.com/allbin/meshbridge/serial"
)

// Port is the part of serial.Port the engine uses
type Port interface {
	io.ReadWriteCloser
	DisableHangupOnClose() error
}

// Device opens the serial line for each epoch
type Device interface {
	Path() string
	Present() bool
	Wait(ctx context.Context) error
	Open() (Port, error)
}

// candidateLister is implemented by devices that can suggest alternatives
// when the configured path is missing
type candidateLister interface {
	Candidates() []string
}

// SerialDevice is the Device backed by a tty node
type SerialDevice struct {
	path         string
	pollInterval time.Duration
	opts         []serial.Option
}

// NewSerialDevice returns a device for path, opened with opts on every epoch
func NewSerialDevice(path string, pollInterval time.Duration, opts ...serial.Option) *SerialDevice {
	if pollInterval <= 0 {
		pollInterval = serial.DefaultPollInterval
	}
	return &SerialDevice{path: path, pollInterval: pollInterval, opts: opts}
}

func (d *SerialDevice) Path() string {
	return d.path
}

func (d *SerialDevice) Present() bool {
	return serial.Exists(d.path)
}

func (d *SerialDevice) Wait(ctx context.Context) error {
	return serial.WaitForDevice(ctx, d.path, d.pollInterval)
}

func (d *SerialDevice) Open() (Port, error) {
	return serial.Open(d.path, d.opts...)
}

func (d *SerialDevice) Candidates() []string {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil
	}
	return ports
}
