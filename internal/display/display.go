// Package display implements the Display Sink contract (§4.H):
// pull-based polling of the State Store that renders a simple Frame
// for whatever physical (or simulated) display the device has. The
// actual e-ink rendering pipeline is out of scope; this package only
// implements the polling/throttling contract and the Frame shape.
package display

import (
	"fmt"
	"sync"
	"time"

	"distiller-wifi/internal/state"
)

const minPollPeriod = 2 * time.Second

// Frame is the renderer-agnostic content a display sink shows.
type Frame struct {
	Headline  string
	Detail    string
	QRPayload string
}

// Poller periodically reads the State Store and notifies subscribers
// only when the rendered Frame actually changes.
type Poller struct {
	store  *state.Manager
	apSSID string
	period time.Duration

	mu   sync.Mutex
	subs map[int]func(Frame)
	next int

	last     Frame
	haveLast bool

	done chan struct{}
}

// New creates a Poller. period is clamped to at least 2s (§4.H). apSSID
// is the AP-mode network name shown/QR-encoded while provisioning,
// since SystemState itself only carries ssid for the STA connection.
func New(store *state.Manager, apSSID string, period time.Duration) *Poller {
	if period < minPollPeriod {
		period = minPollPeriod
	}
	return &Poller{
		store:  store,
		apSSID: apSSID,
		period: period,
		subs:   make(map[int]func(Frame)),
		done:   make(chan struct{}),
	}
}

// Subscribe registers cb to be called with every new Frame. Returns an
// unsubscribe function.
func (p *Poller) Subscribe(cb func(Frame)) func() {
	p.mu.Lock()
	id := p.next
	p.next++
	p.subs[id] = cb
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

// Run polls until ctx-like done is closed via Stop. Intended to run in
// its own goroutine for the process lifetime.
func (p *Poller) Run() {
	ticker := time.NewTicker(p.period)
	defer ticker.Stop()

	p.tick()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

// Stop halts the polling loop. Safe to call once.
func (p *Poller) Stop() {
	close(p.done)
}

func (p *Poller) tick() {
	frame := p.renderFrame(p.store.Get())

	p.mu.Lock()
	unchanged := p.haveLast && p.last == frame
	p.last = frame
	p.haveLast = true
	subs := make([]func(Frame), 0, len(p.subs))
	for _, cb := range p.subs {
		subs = append(subs, cb)
	}
	p.mu.Unlock()

	if unchanged {
		return
	}
	for _, cb := range subs {
		cb(frame)
	}
}

// renderFrame computes the Frame for a given SystemState snapshot.
func (p *Poller) renderFrame(s *state.SystemState) Frame {
	switch s.ConnectionState {
	case state.APMode:
		return Frame{
			Headline:  "Setup Mode",
			Detail:    "Connect to this device's WiFi, then open the setup page",
			QRPayload: fmt.Sprintf("WIFI:T:WPA;S:%s;P:%s;;", p.apSSID, s.APPassword),
		}
	case state.Connecting:
		return Frame{Headline: "Connecting…", Detail: "Joining your network"}
	case state.Switching:
		return Frame{Headline: "Switching…", Detail: "Applying new network settings"}
	case state.Connected:
		detail := s.IPAddress
		if s.TunnelURL != nil && *s.TunnelURL != "" {
			detail = *s.TunnelURL
		}
		return Frame{Headline: s.SSID, Detail: detail}
	case state.Failed:
		msg := "Connection failed"
		if s.Error != nil {
			msg = s.Error.Message
		}
		return Frame{Headline: "Error", Detail: msg}
	case state.Disconnected:
		return Frame{Headline: "Disconnected", Detail: ""}
	default:
		return Frame{Headline: string(s.ConnectionState)}
	}
}
