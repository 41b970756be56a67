// Package discovery advertises the bridge as a _meshtastic._tcp service so
// clients on the LAN can find it without knowing the host's address.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const (
	ServiceType = "_meshtastic._tcp"
	Domain      = "local."
)

// Record describes the advertised service
type Record struct {
	Instance string
	Service  string
	Domain   string
	Port     int
	TXT      map[string]string
}

// NewRecord builds the record for a serial bridge on tcpPort fronting device
func NewRecord(instance string, tcpPort int, device string, baud int, version string) Record {
	if instance == "" {
		instance = DefaultInstanceName(device)
	}
	return Record{
		Instance: instance,
		Service:  ServiceType,
		Domain:   Domain,
		Port:     tcpPort,
		TXT: map[string]string{
			"bridge":        "serial",
			"port":          strconv.Itoa(tcpPort),
			"serial_device": device,
			"baud_rate":     strconv.Itoa(baud),
			"version":       version,
		},
	}
}

// SanitizeDevice turns a device path into a name fragment safe for file names
func SanitizeDevice(device string) string {
	return strings.NewReplacer("/", "_", ".", "_").Replace(device)
}

// DefaultInstanceName is the service name used when none is configured
func DefaultInstanceName(device string) string {
	return fmt.Sprintf("Meshtastic Serial Bridge (%s)", SanitizeDevice(device))
}

// TXTRecords returns the TXT metadata as sorted key=value strings
func (r Record) TXTRecords() []string {
	keys := make([]string, 0, len(r.TXT))
	for k := range r.TXT {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+r.TXT[k])
	}
	return out
}

// Validate checks the fields every registrar needs
func (r Record) Validate() error {
	if r.Instance == "" {
		return errors.New("discovery record has no instance name")
	}
	if r.Service == "" {
		return errors.New("discovery record has no service type")
	}
	if r.Port <= 0 || r.Port > 65535 {
		return fmt.Errorf("discovery record has invalid port %d", r.Port)
	}
	return nil
}

// Registrar publishes a Record until the returned Handle is deregistered
type Registrar interface {
	Register(ctx context.Context, rec Record) (Handle, error)
}

// Handle withdraws a registration
type Handle interface {
	Deregister() error
}

// Noop is a Registrar that advertises nothing
type Noop struct{}

func (Noop) Register(context.Context, Record) (Handle, error) {
	return noopHandle{}, nil
}

type noopHandle struct{}

func (noopHandle) Deregister() error { return nil }

// Multi registers with every registrar. Registration succeeds if any
// registrar succeeds; the returned error joins the failures.
type Multi []Registrar

func (m Multi) Register(ctx context.Context, rec Record) (Handle, error) {
	var (
		handles multiHandle
		errs    []error
	)
	for _, r := range m {
		h, err := r.Register(ctx, rec)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		handles = append(handles, h)
	}

	if len(handles) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return handles, errors.Join(errs...)
}

type multiHandle []Handle

func (m multiHandle) Deregister() error {
	var errs []error
	for _, h := range m {
		if err := h.Deregister(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// New returns the registrar for a configured mode: avahi, mdns, both or none
func New(mode, avahiDir string) (Registrar, error) {
	switch strings.ToLower(mode) {
	case "", "avahi":
		return &Avahi{Dir: avahiDir}, nil
	case "mdns":
		return &MDNS{}, nil
	case "both":
		return Multi{&Avahi{Dir: avahiDir}, &MDNS{}}, nil
	case "none", "off":
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("unknown discovery mode %q (expected avahi, mdns, both or none)", mode)
	}
}
