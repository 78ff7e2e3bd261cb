// Package mdns implements the mDNS Publisher (§4.I): it advertises the
// device's hostname and the `_distiller-setup._tcp` service over
// multicast DNS so phones and laptops on the AP (or STA) network can
// find the setup page without typing an IP address. Publication is
// fire-and-forget: failures are logged, never surfaced to the State
// Store, and no caller ever blocks on them.
package mdns

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/ipv4"
)

const (
	mdnsAddr    = "224.0.0.251:5353"
	serviceType = "_distiller-setup._tcp.local."
	defaultTTL  = 120
)

// Publisher advertises an A record for hostname.local and a
// PTR/SRV pair for the setup service, re-publishing whenever the
// hostname or address changes.
type Publisher struct {
	logger *slog.Logger
	port   int

	conn      *net.UDPConn
	pconn     *ipv4.PacketConn
	ifaceAddr *net.UDPAddr

	mu       sync.Mutex
	hostname string
	ip       net.IP

	done chan struct{}
}

// New opens the multicast socket and joins 224.0.0.251:5353 on every
// multicast-capable interface. Failure to open the socket is logged
// and yields a Publisher whose Publish calls are no-ops — mDNS is a
// convenience, not a required capability.
func New(port int, logger *slog.Logger) *Publisher {
	p := &Publisher{logger: logger.With("component", "mdns"), port: port, done: make(chan struct{})}

	addr, err := net.ResolveUDPAddr("udp4", mdnsAddr)
	if err != nil {
		logger.Warn("mdns: resolve multicast addr", "err", err)
		return p
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: addr.Port})
	if err != nil {
		logger.Warn("mdns: listen multicast socket", "err", err)
		return p
	}

	pconn := ipv4.NewPacketConn(conn)
	ifaces, _ := net.Interfaces()
	joined := 0
	for _, iface := range ifaces {
		if iface.Flags&net.FlagMulticast == 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if err := pconn.JoinGroup(&iface, addr); err == nil {
			joined++
		}
	}
	if joined == 0 {
		logger.Warn("mdns: joined no multicast-capable interfaces")
	}

	p.conn = conn
	p.pconn = pconn
	p.ifaceAddr = addr
	return p
}

// Close leaves the multicast group and releases the socket.
func (p *Publisher) Close() {
	select {
	case <-p.done:
		return
	default:
		close(p.done)
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}

// Publish (re-)announces hostname/ip if either changed since the last
// call, or unconditionally on first call. hostname is the bare label
// (no trailing ".local.").
func (p *Publisher) Publish(hostname string, ip net.IP) {
	p.mu.Lock()
	unchanged := p.hostname == hostname && p.ip != nil && p.ip.Equal(ip)
	p.hostname = hostname
	p.ip = ip
	p.mu.Unlock()

	if unchanged || p.conn == nil {
		return
	}
	if err := p.announce(hostname, ip); err != nil {
		p.logger.Debug("mdns: announce failed", "err", err)
	}
}

func (p *Publisher) announce(hostname string, ip net.IP) error {
	fqdn := dns.Fqdn(hostname + ".local")
	instance := dns.Fqdn(hostname + "." + serviceType)

	msg := new(dns.Msg)
	msg.Response = true
	msg.Authoritative = true

	msg.Answer = append(msg.Answer,
		&dns.A{
			Hdr: dns.RR_Header{Name: fqdn, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: defaultTTL},
			A:   ip.To4(),
		},
		&dns.PTR{
			Hdr: dns.RR_Header{Name: serviceType, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: defaultTTL},
			Ptr: instance,
		},
		&dns.SRV{
			Hdr:      dns.RR_Header{Name: instance, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: defaultTTL},
			Priority: 0,
			Weight:   0,
			Port:     uint16(p.port),
			Target:   fqdn,
		},
	)

	data, err := msg.Pack()
	if err != nil {
		return fmt.Errorf("mdns: pack response: %w", err)
	}

	_, err = p.conn.WriteTo(data, p.ifaceAddr)
	if err != nil {
		return fmt.Errorf("mdns: write multicast: %w", err)
	}
	return nil
}

// RepublishLoop periodically re-announces the current hostname/IP
// (mDNS TTLs expire and some clients don't send repeat queries) until
// Close is called. Call in its own goroutine.
func (p *Publisher) RepublishLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.mu.Lock()
			hostname, ip := p.hostname, p.ip
			p.mu.Unlock()
			if hostname == "" || ip == nil {
				continue
			}
			if err := p.announce(hostname, ip); err != nil {
				p.logger.Debug("mdns: republish failed", "err", err)
			}
		}
	}
}
