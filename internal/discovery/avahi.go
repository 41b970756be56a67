package discovery

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultAvahiDir is where the host's avahi-daemon picks up static services
const DefaultAvahiDir = "/etc/avahi/services"

// ErrAvahiDirUnwritable is returned when the service file cannot be written,
// typically because the services directory is not mounted into a container
var ErrAvahiDirUnwritable = errors.New("avahi services directory not writable")

// Avahi registers by dropping a static service file for avahi-daemon
type Avahi struct {
	Dir string
}

type avahiServiceGroup struct {
	XMLName xml.Name     `xml:"service-group"`
	Name    string       `xml:"name"`
	Service avahiService `xml:"service"`
}

type avahiService struct {
	Type string   `xml:"type"`
	Port int      `xml:"port"`
	TXT  []string `xml:"txt-record"`
}

const avahiHeader = `<?xml version="1.0" standalone="no"?>
<!DOCTYPE service-group SYSTEM "avahi-service.dtd">
`

// ServiceFileName is the file name used for a device's service definition
func ServiceFileName(device string) string {
	return fmt.Sprintf("meshtastic-serial-bridge-%s.service", SanitizeDevice(device))
}

// MarshalAvahi renders rec as an avahi service-group document
func MarshalAvahi(rec Record) ([]byte, error) {
	group := avahiServiceGroup{
		Name: rec.Instance,
		Service: avahiService{
			Type: rec.Service,
			Port: rec.Port,
			TXT:  avahiTXTOrder(rec),
		},
	}
	body, err := xml.MarshalIndent(group, "", "  ")
	if err != nil {
		return nil, err
	}
	out := append([]byte(avahiHeader), body...)
	return append(out, '\n'), nil
}

// avahiTXTOrder lists the well-known keys first, then any extras sorted
func avahiTXTOrder(rec Record) []string {
	known := []string{"bridge", "port", "serial_device", "baud_rate", "version"}
	seen := make(map[string]bool, len(known))

	var out []string
	for _, k := range known {
		if v, ok := rec.TXT[k]; ok {
			out = append(out, k+"="+v)
			seen[k] = true
		}
	}
	for _, kv := range rec.TXTRecords() {
		k, _, _ := strings.Cut(kv, "=")
		if !seen[k] {
			out = append(out, kv)
		}
	}
	return out
}

func (a *Avahi) dir() string {
	if a.Dir == "" {
		return DefaultAvahiDir
	}
	return a.Dir
}

// Register writes the service file. The device path is taken from the
// serial_device TXT entry.
func (a *Avahi) Register(ctx context.Context, rec Record) (Handle, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := MarshalAvahi(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to render avahi service: %w", err)
	}

	device := rec.TXT["serial_device"]
	if device == "" {
		device = strconv.Itoa(rec.Port)
	}
	path := filepath.Join(a.dir(), ServiceFileName(device))

	tmp, err := os.CreateTemp(a.dir(), ".meshbridge-*")
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrAvahiDirUnwritable, a.dir(), err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to write avahi service: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to write avahi service: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to write avahi service: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("%w: %s: %v", ErrAvahiDirUnwritable, path, err)
	}

	return &avahiHandle{path: path}, nil
}

type avahiHandle struct {
	path string
}

func (h *avahiHandle) Path() string {
	return h.path
}

func (h *avahiHandle) Deregister() error {
	if err := os.Remove(h.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove avahi service %s: %w", h.path, err)
	}
	return nil
}
