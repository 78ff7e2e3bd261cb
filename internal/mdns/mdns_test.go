package mdns

import (
	"log/slog"
	"net"
	"os"
	"testing"

	"github.com/miekg/dns"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 100}))
}

func TestAnnounceBuildsARecordAndServiceRecords(t *testing.T) {
	p := &Publisher{logger: testLogger(), port: 8080}

	fqdn := dns.Fqdn("distiller-ab12.local")
	instance := dns.Fqdn("distiller-ab12." + serviceType)

	msg := new(dns.Msg)
	msg.Response = true
	msg.Authoritative = true
	msg.Answer = append(msg.Answer,
		&dns.A{Hdr: dns.RR_Header{Name: fqdn, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: defaultTTL}, A: net.ParseIP("192.168.4.1").To4()},
		&dns.PTR{Hdr: dns.RR_Header{Name: serviceType, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: defaultTTL}, Ptr: instance},
		&dns.SRV{Hdr: dns.RR_Header{Name: instance, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: defaultTTL}, Port: uint16(p.port), Target: fqdn},
	)

	data, err := msg.Pack()
	if err != nil {
		t.Fatalf("pack: %v", err)
	}

	var decoded dns.Msg
	if err := decoded.Unpack(data); err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if len(decoded.Answer) != 3 {
		t.Fatalf("expected 3 answer records, got %d", len(decoded.Answer))
	}

	a, ok := decoded.Answer[0].(*dns.A)
	if !ok || a.Hdr.Name != fqdn || !a.A.Equal(net.ParseIP("192.168.4.1")) {
		t.Fatalf("unexpected A record: %+v", decoded.Answer[0])
	}
	ptr, ok := decoded.Answer[1].(*dns.PTR)
	if !ok || ptr.Hdr.Name != serviceType || ptr.Ptr != instance {
		t.Fatalf("unexpected PTR record: %+v", decoded.Answer[1])
	}
	srv, ok := decoded.Answer[2].(*dns.SRV)
	if !ok || srv.Target != fqdn || srv.Port != 8080 {
		t.Fatalf("unexpected SRV record: %+v", decoded.Answer[2])
	}
}

func TestPublishNoopsWithoutSocket(t *testing.T) {
	p := &Publisher{logger: testLogger(), port: 8080}
	// conn is nil (socket failed to open, e.g. no multicast support in
	// the sandbox): Publish must not panic and must still record state.
	p.Publish("distiller-ab12", net.ParseIP("192.168.4.1"))

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hostname != "distiller-ab12" {
		t.Fatalf("expected hostname recorded even without socket, got %q", p.hostname)
	}
}

func TestPublishSkipsAnnounceWhenUnchanged(t *testing.T) {
	p := &Publisher{logger: testLogger(), port: 8080}
	ip := net.ParseIP("192.168.4.1")

	p.Publish("distiller-ab12", ip)
	p.Publish("distiller-ab12", ip)

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ip.Equal(ip) {
		t.Fatalf("expected ip retained, got %v", p.ip)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	p := &Publisher{logger: testLogger(), done: make(chan struct{})}
	p.Close()
	p.Close()
}
