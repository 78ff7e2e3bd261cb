package display

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"distiller-wifi/internal/state"
)

func TestNewClampsPeriodToMinimum(t *testing.T) {
	store := state.New(filepath.Join(t.TempDir(), "state.json"))
	p := New(store, "Distiller-AB12", time.Millisecond)
	if p.period != minPollPeriod {
		t.Fatalf("expected period clamped to %v, got %v", minPollPeriod, p.period)
	}
}

func TestRenderFrameAPModeIncludesQRPayload(t *testing.T) {
	store := state.New(filepath.Join(t.TempDir(), "state.json"))
	store.Update(state.Patch{ConnectionState: state.Some(state.APMode), APPassword: state.Some("pw123456789a")})
	p := New(store, "Distiller-AB12", time.Second)

	f := p.renderFrame(store.Get())
	if f.QRPayload != "WIFI:T:WPA;S:Distiller-AB12;P:pw123456789a;;" {
		t.Fatalf("unexpected QR payload: %q", f.QRPayload)
	}
}

func TestRenderFrameConnectedPrefersTunnelURL(t *testing.T) {
	store := state.New(filepath.Join(t.TempDir(), "state.json"))
	url := "https://abc.pinggy.link"
	store.Update(state.Patch{
		ConnectionState: state.Some(state.Connected),
		SSID:            state.Some("HomeNet"),
		IPAddress:       state.Some("10.0.0.2"),
		TunnelURL:       state.Some(&url),
	})
	p := New(store, "Distiller-AB12", time.Second)

	f := p.renderFrame(store.Get())
	if f.Headline != "HomeNet" || f.Detail != url {
		t.Fatalf("unexpected frame: %+v", f)
	}
}

func TestSubscribeFiresOnlyWhenFrameChanges(t *testing.T) {
	store := state.New(filepath.Join(t.TempDir(), "state.json"))
	p := New(store, "Distiller-AB12", 5*time.Millisecond)

	var mu sync.Mutex
	calls := 0
	p.Subscribe(func(Frame) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	go p.Run()
	t.Cleanup(p.Stop)

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	first := calls
	mu.Unlock()
	if first == 0 {
		t.Fatal("expected at least one frame delivered")
	}

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	second := calls
	mu.Unlock()
	if second != first {
		t.Fatalf("expected no new calls on unchanged state, went from %d to %d", first, second)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	store := state.New(filepath.Join(t.TempDir(), "state.json"))
	p := New(store, "Distiller-AB12", time.Second)

	calls := 0
	unsub := p.Subscribe(func(Frame) { calls++ })
	unsub()

	p.tick()
	store.Update(state.Patch{SSID: state.Some("Changed")})
	p.tick()

	if calls != 0 {
		t.Fatalf("expected no calls after unsubscribe, got %d", calls)
	}
}
