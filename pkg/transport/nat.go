package transport

import (
	"fmt"
	"net"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway2"
	natpmp "github.com/jackpal/go-nat-pmp"

	"github.com/cuemby/swarmnode/pkg/log"
)

// PortMapper requests an external port mapping from the local gateway so
// inbound dials can reach this node directly, without relying on a relay
// reservation.
type PortMapper interface {
	// AddMapping requests that externalPort be forwarded to internalPort
	// for lifetime, returning the gateway's external IP.
	AddMapping(internalPort, externalPort int, lifetime time.Duration) (externalIP net.IP, err error)
}

// upnpMapper maps ports through whichever IGD WAN IP connection service
// SSDP discovery found on the LAN. Routers advertise either the v1 or
// v2 service, never both, so the discovered client is stored behind a
// closure rather than a shared interface.
type upnpMapper struct {
	addPortMapping func(externalPort uint16, internalPort uint16, internalClient string, lease uint32) error
	externalIP     func() (string, error)
}

// DiscoverUPnPMapper probes the LAN for an IGD v1/v2 WAN IP connection
// service. Returns an error if none is found.
func DiscoverUPnPMapper() (PortMapper, error) {
	if clients, _, err := internetgateway2.NewWANIPConnection1Clients(); err == nil && len(clients) > 0 {
		c := clients[0]
		return &upnpMapper{
			addPortMapping: func(ext, in uint16, client string, lease uint32) error {
				return c.AddPortMapping("", ext, "UDP", in, client, true, "swarmnode", lease)
			},
			externalIP: c.GetExternalIPAddress,
		}, nil
	}

	if clients, _, err := internetgateway2.NewWANIPConnection2Clients(); err == nil && len(clients) > 0 {
		c := clients[0]
		return &upnpMapper{
			addPortMapping: func(ext, in uint16, client string, lease uint32) error {
				return c.AddPortMapping("", ext, "UDP", in, client, true, "swarmnode", lease)
			},
			externalIP: c.GetExternalIPAddress,
		}, nil
	}

	return nil, fmt.Errorf("transport: no UPnP IGD WAN IP connection service found")
}

func (m *upnpMapper) AddMapping(internalPort, externalPort int, lifetime time.Duration) (net.IP, error) {
	localIP, err := localOutboundIP()
	if err != nil {
		return nil, err
	}

	if err := m.addPortMapping(uint16(externalPort), uint16(internalPort), localIP.String(), uint32(lifetime.Seconds())); err != nil {
		return nil, fmt.Errorf("transport: upnp AddPortMapping failed: %w", err)
	}

	extIP, err := m.externalIP()
	if err != nil {
		return nil, fmt.Errorf("transport: upnp GetExternalIPAddress failed: %w", err)
	}
	return net.ParseIP(extIP), nil
}

// natPMPMapper maps ports through a NAT-PMP capable gateway, the
// fallback path when UPnP discovery finds nothing (common on routers
// that only speak one of the two protocols).
type natPMPMapper struct {
	client *natpmp.Client
}

// DiscoverNATPMPMapper assumes gatewayIP is this node's default
// gateway and speaks NAT-PMP to it directly; there is no LAN-wide
// discovery step the way UPnP has SSDP.
func DiscoverNATPMPMapper(gatewayIP net.IP) PortMapper {
	return &natPMPMapper{client: natpmp.NewClient(gatewayIP)}
}

func (m *natPMPMapper) AddMapping(internalPort, externalPort int, lifetime time.Duration) (net.IP, error) {
	if _, err := m.client.AddPortMapping("udp", internalPort, externalPort, int(lifetime.Seconds())); err != nil {
		return nil, fmt.Errorf("transport: nat-pmp AddPortMapping failed: %w", err)
	}

	res, err := m.client.GetExternalAddress()
	if err != nil {
		return nil, fmt.Errorf("transport: nat-pmp GetExternalAddress failed: %w", err)
	}
	return net.IP(res.ExternalIPAddress[:]), nil
}

func localOutboundIP() (net.IP, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}

// EstablishPortMapping tries UPnP first, falling back to NAT-PMP against
// the default gateway, and logs which (if either) succeeded. It never
// returns an error: failing to map a port just means this node stays
// behind NAT and falls back to relay reservations (spec.md §4.4).
func EstablishPortMapping(internalPort, externalPort int, gatewayIP net.IP, lifetime time.Duration) (net.IP, bool) {
	logger := log.WithComponent("transport_nat")

	if mapper, err := DiscoverUPnPMapper(); err == nil {
		if ip, err := mapper.AddMapping(internalPort, externalPort, lifetime); err == nil {
			logger.Info().Str("external_ip", ip.String()).Msg("upnp port mapping established")
			return ip, true
		} else {
			logger.Debug().Err(err).Msg("upnp mapping attempt failed")
		}
	}

	if gatewayIP != nil {
		mapper := DiscoverNATPMPMapper(gatewayIP)
		if ip, err := mapper.AddMapping(internalPort, externalPort, lifetime); err == nil {
			logger.Info().Str("external_ip", ip.String()).Msg("nat-pmp port mapping established")
			return ip, true
		} else {
			logger.Debug().Err(err).Msg("nat-pmp mapping attempt failed")
		}
	}

	logger.Debug().Msg("no NAT traversal mapping available, relying on relay reservations")
	return nil, false
}
