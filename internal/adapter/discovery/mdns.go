// Package discovery resolves device addresses on the local network via mDNS.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/enbility/zeroconf/v3"
	"github.com/nexus-edge/device-link/internal/domain"
	"github.com/rs/zerolog"
)

// DefaultService is the service type browsed when a device names none.
const DefaultService = "_modbus._tcp"

// Resolver maps an advertised service instance to a dialable host:port.
type Resolver interface {
	Resolve(ctx context.Context, service, instance string) (string, error)
}

// serviceEntry is the part of an mDNS answer the resolver needs.
type serviceEntry struct {
	Instance string
	Port     int
	IPv4     []net.IP
	IPv6     []net.IP
}

type browseFunc func(ctx context.Context, service, domain string, found chan<- serviceEntry) error

// MDNSResolver browses mDNS until the requested instance is announced.
type MDNSResolver struct {
	domain string
	iface  string
	logger zerolog.Logger
	browse browseFunc
}

// Config holds resolver settings.
type Config struct {
	// Domain is the mDNS domain, "local." unless overridden
	Domain string

	// Interface restricts browsing to one network interface
	Interface string
}

// NewMDNSResolver creates a resolver backed by zeroconf.
func NewMDNSResolver(config Config, logger zerolog.Logger) *MDNSResolver {
	if config.Domain == "" {
		config.Domain = "local."
	}
	r := &MDNSResolver{
		domain: config.Domain,
		iface:  config.Interface,
		logger: logger.With().Str("component", "mdns-resolver").Logger(),
	}
	r.browse = r.zeroconfBrowse
	return r
}

// Resolve returns host:port of instance, or ErrDiscoveryFailed when ctx ends first.
func (r *MDNSResolver) Resolve(ctx context.Context, service, instance string) (string, error) {
	if service == "" {
		service = DefaultService
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	found := make(chan serviceEntry, 8)
	go func() {
		if err := r.browse(ctx, service, r.domain, found); err != nil && ctx.Err() == nil {
			r.logger.Warn().Err(err).Str("service", service).Msg("mDNS browse failed")
		}
	}()

	for {
		select {
		case entry := <-found:
			if !strings.EqualFold(entry.Instance, instance) {
				continue
			}
			addr, ok := entryAddress(entry)
			if !ok {
				continue
			}
			r.logger.Debug().Str("instance", instance).Str("address", addr).Msg("Resolved device via mDNS")
			return addr, nil

		case <-ctx.Done():
			return "", fmt.Errorf("%w: mdns instance %q of %s: %v", domain.ErrDiscoveryFailed, instance, service, ctx.Err())
		}
	}
}

// entryAddress prefers the first IPv4 address of an entry.
func entryAddress(entry serviceEntry) (string, bool) {
	if entry.Port <= 0 {
		return "", false
	}
	var ip net.IP
	switch {
	case len(entry.IPv4) > 0:
		ip = entry.IPv4[0]
	case len(entry.IPv6) > 0:
		ip = entry.IPv6[0]
	default:
		return "", false
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)), true
}

func (r *MDNSResolver) zeroconfBrowse(ctx context.Context, service, domainName string, found chan<- serviceEntry) error {
	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	var opts []zeroconf.ClientOption
	if r.iface != "" {
		if iface, err := net.InterfaceByName(r.iface); err == nil {
			opts = append(opts, zeroconf.SelectIfaces([]net.Interface{*iface}))
		}
	}

	go func() {
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				select {
				case found <- serviceEntry{
					Instance: entry.Instance,
					Port:     entry.Port,
					IPv4:     entry.AddrIPv4,
					IPv6:     entry.AddrIPv6,
				}:
				case <-ctx.Done():
					return
				}
			case <-removed:
			case <-ctx.Done():
				return
			}
		}
	}()

	return zeroconf.Browse(ctx, service, domainName, entries, removed, opts...)
}

var _ Resolver = (*MDNSResolver)(nil)
