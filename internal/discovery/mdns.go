// Package discovery advertises the relay over mDNS and reports other
// relays on the LAN as candidate bootstrap targets.
package discovery

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"github.com/betamos/zeroconf"
)

const (
	ServiceType = "_relaymesh._tcp"
	Domain      = "local."
)

// Relay is another relay seen on the local network.
type Relay struct {
	Name string
	// Addr is a ws:// URL usable as a bootstrap target.
	Addr string
	Port int
}

// Discovery publishes this relay and browses for others.
type Discovery struct {
	client *zeroconf.Client
	name   string
}

// New publishes name on port and calls onRelay for every other relay
// found. onRelay may be called more than once for the same relay.
func New(name string, port int, onRelay func(Relay)) (*Discovery, error) {
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("zeroconf: invalid port %d", port)
	}
	svcType := zeroconf.NewType(ServiceType)
	self := zeroconf.NewService(svcType, name, uint16(port))

	client, err := zeroconf.New().
		Publish(self).
		Browse(func(e zeroconf.Event) {
			if e.Name == name {
				return
			}
			if r, ok := relayFromEvent(e.Name, e.Addrs, e.Port); ok && onRelay != nil {
				onRelay(r)
			}
		}, svcType).
		Open()
	if err != nil {
		return nil, fmt.Errorf("zeroconf: %w", err)
	}
	return &Discovery{client: client, name: name}, nil
}

// relayFromEvent prefers an IPv4 address when the service has several.
func relayFromEvent(name string, addrs []netip.Addr, port uint16) (Relay, bool) {
	var pick netip.Addr
	for _, a := range addrs {
		if !a.IsValid() {
			continue
		}
		if !pick.IsValid() || (a.Is4() && !pick.Is4()) {
			pick = a
		}
	}
	if !pick.IsValid() || port == 0 {
		return Relay{}, false
	}
	host := net.JoinHostPort(pick.String(), strconv.Itoa(int(port)))
	return Relay{Name: name, Addr: "ws://" + host + "/", Port: int(port)}, true
}

func (d *Discovery) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}
