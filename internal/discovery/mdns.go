package discovery

import (
	"context"
	"fmt"
	"net"

	"github.com/grandcat/zeroconf"
)

// MDNS announces the service with an in-process multicast DNS responder.
// Useful on hosts without avahi-daemon.
type MDNS struct {
	// Interfaces restricts the responder; nil means all multicast interfaces
	Interfaces []net.Interface
}

func (m *MDNS) Register(ctx context.Context, rec Record) (Handle, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	domain := rec.Domain
	if domain == "" {
		domain = Domain
	}

	server, err := zeroconf.Register(rec.Instance, rec.Service, domain, rec.Port, rec.TXTRecords(), m.Interfaces)
	if err != nil {
		return nil, fmt.Errorf("mdns register %s: %w", rec.Service, err)
	}
	return &mdnsHandle{server: server}, nil
}

type mdnsHandle struct {
	server *zeroconf.Server
}

func (h *mdnsHandle) Deregister() error {
	h.server.Shutdown()
	return nil
}
