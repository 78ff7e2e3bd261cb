package state

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestNewDefaultsToAPMode(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "state.json"))
	s := m.Get()
	if s.ConnectionState != APMode {
		t.Errorf("ConnectionState = %q, want AP_MODE", s.ConnectionState)
	}
	if s.PersistenceHealth != "healthy" {
		t.Errorf("PersistenceHealth = %q, want healthy", s.PersistenceHealth)
	}
}

func TestUpdatePersistsAndElidesPassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	m := New(path)

	m.Update(Patch{
		ConnectionState: Some(APMode),
		SSID:            Some("Distiller-34AB"),
		APPassword:      Some("supersecret"),
	})

	reloaded := New(path)
	if reloaded.Get().APPassword != "" {
		t.Errorf("persisted state leaked ap_password: %q", reloaded.Get().APPassword)
	}
	if reloaded.Get().SSID != "Distiller-34AB" {
		t.Errorf("SSID not persisted: %q", reloaded.Get().SSID)
	}
}

func TestAPIViewIncludesPasswordOnlyInAPMode(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "state.json"))
	m.Update(Patch{
		ConnectionState: Some(APMode),
		APPassword:      Some("hunter2"),
	})
	view := m.Get().APIView()
	if view["ap_password"] != "hunter2" {
		t.Errorf("expected ap_password in AP_MODE view, got %v", view["ap_password"])
	}

	m.Update(Patch{ConnectionState: Some(Connected)})
	view = m.Get().APIView()
	if _, ok := view["ap_password"]; ok {
		t.Errorf("ap_password leaked into CONNECTED view: %v", view)
	}
}

func TestConnectedClearsStaleError(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "state.json"))
	m.Update(Patch{
		ConnectionState: Some(Failed),
		Error:           Some(&ErrorInfo{Code: "AUTH_FAIL", Message: "bad password"}),
	})
	if m.Get().Error == nil {
		t.Fatal("expected error to be set")
	}

	m.Update(Patch{ConnectionState: Some(Connected)})
	if m.Get().Error != nil {
		t.Errorf("expected error cleared on CONNECTED, got %+v", m.Get().Error)
	}
}

func TestOnChangeFiresInRegistrationOrderOnEveryUpdate(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "state.json"))

	var mu sync.Mutex
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		m.OnChange(func(old, next *SystemState) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	// SSID-only patch: no connection_state change, but WS subscribers
	// still forward it, so callbacks must fire.
	m.Update(Patch{SSID: Some("SomeNetwork")})
	mu.Lock()
	if len(order) != 3 {
		t.Errorf("expected 3 callback invocations on in-state change, got %d: %v", len(order), order)
	}
	order = nil
	mu.Unlock()

	m.Update(Patch{ConnectionState: Some(Connecting)})
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 {
		t.Fatalf("expected 3 callback invocations, got %d", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Errorf("callback order = %v, want [0 1 2]", order)
			break
		}
	}
}

func TestPanickingCallbackDoesNotBlockOthers(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "state.json"))
	var second bool
	m.OnChange(func(old, next *SystemState) { panic("boom") })
	m.OnChange(func(old, next *SystemState) { second = true })

	m.Update(Patch{ConnectionState: Some(Connecting)})
	if !second {
		t.Error("second callback did not run after first panicked")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "state.json"))
	calls := 0
	unsub := m.OnChange(func(old, next *SystemState) { calls++ })
	unsub()

	m.Update(Patch{ConnectionState: Some(Connecting)})
	if calls != 0 {
		t.Errorf("callback fired after unsubscribe: %d calls", calls)
	}
}

func TestSweepSessionsRemovesStaleOnly(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "state.json"))
	m.TouchSession("fresh")
	m.sessMu.Lock()
	m.sessions["stale"] = time.Now().Add(-time.Hour)
	m.sessMu.Unlock()

	removed := m.SweepSessions(time.Minute)
	if removed != 1 {
		t.Errorf("SweepSessions removed %d, want 1", removed)
	}
	m.sessMu.Lock()
	_, fresh := m.sessions["fresh"]
	m.sessMu.Unlock()
	if !fresh {
		t.Error("fresh session was removed")
	}
}

func TestSetTunnelStatusNormalizesProviderAndClearsOnEmptyURL(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "state.json"))

	m.SetTunnelStatus("https://abc.pinggy.link", "managed")
	s := m.Get()
	if s.TunnelProvider != ProviderManaged {
		t.Fatalf("TunnelProvider = %q, want %q", s.TunnelProvider, ProviderManaged)
	}
	if s.TunnelURL == nil || *s.TunnelURL != "https://abc.pinggy.link" {
		t.Fatalf("TunnelURL = %v, want set", s.TunnelURL)
	}

	m.SetTunnelStatus("", "none")
	s = m.Get()
	if s.TunnelProvider != ProviderNone {
		t.Fatalf("TunnelProvider = %q, want %q", s.TunnelProvider, ProviderNone)
	}
	if s.TunnelURL != nil {
		t.Fatalf("TunnelURL = %v, want nil after clearing", s.TunnelURL)
	}
}

func TestPersistenceDegradesThenRecoversHealth(t *testing.T) {
	// Point StateDir at a path that can never be created (a regular
	// file standing in where a directory is expected).
	tmp := t.TempDir()
	blocker := filepath.Join(tmp, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	badPath := filepath.Join(blocker, "sub", "state.json")

	m := New(badPath)
	s := m.Update(Patch{ConnectionState: Some(Connecting)})
	if s.PersistenceHealth != "degraded" {
		t.Errorf("PersistenceHealth = %q, want degraded", s.PersistenceHealth)
	}
	if s.PersistenceError == "" {
		t.Error("expected PersistenceError to be set")
	}
}
