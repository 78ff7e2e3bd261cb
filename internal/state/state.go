// Package state implements the process-wide System State Store: an
// in-memory SystemState snapshot with atomic file persistence and an
// ordered change-callback fan-out (§4.B).
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// ConnectionState is the top-level provisioning state (§3).
type ConnectionState string

const (
	APMode       ConnectionState = "AP_MODE"
	Switching    ConnectionState = "SWITCHING"
	Connecting   ConnectionState = "CONNECTING"
	Connected    ConnectionState = "CONNECTED"
	Failed       ConnectionState = "FAILED"
	Disconnected ConnectionState = "DISCONNECTED"
)

// TunnelProvider identifies which tunnel backend is currently active.
type TunnelProvider string

const (
	ProviderNone    TunnelProvider = "NONE"
	ProviderManaged TunnelProvider = "MANAGED"
	ProviderSSH     TunnelProvider = "SSH"
)

// ErrorInfo is a short error code plus a human-readable message (§7).
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SystemState is the single process-wide snapshot (§3). APPassword is
// tagged json:"-" so it is never written to disk (invariant 6); the web
// surface decides separately whether to include it in an API response
// (see APIView).
type SystemState struct {
	ConnectionState ConnectionState `json:"connection_state"`
	SSID            string          `json:"ssid"`
	IPAddress       string          `json:"ip_address"`
	SignalDBM       *int            `json:"signal_dbm"`
	APPassword      string          `json:"-"`
	TunnelURL       *string         `json:"tunnel_url"`
	TunnelProvider  TunnelProvider  `json:"tunnel_provider"`
	Error           *ErrorInfo      `json:"error"`
	SessionID       string          `json:"session_id"`
	UpdatedAt       time.Time       `json:"updated_at"`

	// Ambient, non-secret health bookkeeping (§4.B supplement); never
	// gates a transition, surfaced for diagnostics only.
	PersistenceHealth string `json:"persistence_health"`
	PersistenceError  string `json:"persistence_error,omitempty"`
}

// APIView renders the REST status shape from §6, including ap_password
// only while in AP_MODE.
func (s SystemState) APIView() map[string]any {
	v := map[string]any{
		"state":       s.ConnectionState,
		"ssid":        s.SSID,
		"ip_address":  s.IPAddress,
		"signal_dbm":  s.SignalDBM,
		"tunnel_url":  s.TunnelURL,
		"error":       s.Error,
		"session_id":  s.SessionID,
		"updated_at":  s.UpdatedAt.Format(time.RFC3339),
	}
	if s.ConnectionState == APMode {
		v["ap_password"] = s.APPassword
	}
	return v
}

// Callback observes a completed update, receiving the state immediately
// before and immediately after.
type Callback func(old, new *SystemState)

// Manager owns the single SystemState and its persistence and
// notification fan-out.
type Manager struct {
	path    string
	current atomic.Pointer[SystemState]

	writeMu sync.Mutex // serializes Update; reads are lock-free

	cbMu      sync.Mutex
	nextID    uint64
	callbacks map[uint64]Callback

	sessMu   sync.Mutex
	sessions map[string]time.Time

	persistFailures int
}

// New creates a Manager backed by path, loading any existing snapshot.
// If no file exists, or it can't be parsed, a fresh default state
// (AP_MODE, zero value otherwise) is used.
func New(path string) *Manager {
	m := &Manager{
		path:      path,
		callbacks: make(map[uint64]Callback),
		sessions:  make(map[string]time.Time),
	}

	initial := &SystemState{
		ConnectionState:   APMode,
		TunnelProvider:    ProviderNone,
		PersistenceHealth: "healthy",
		UpdatedAt:         time.Now(),
	}
	if loaded, err := load(path); err == nil {
		loaded.APPassword = "" // never trust a persisted password (there shouldn't be one)
		initial = loaded
	}
	m.current.Store(initial)
	return m
}

// Get returns the current snapshot. Cheap and lock-free.
func (m *Manager) Get() *SystemState {
	return m.current.Load()
}

// Patch describes a partial update to SystemState. Each field is an
// Optional: unset fields leave the corresponding SystemState field
// untouched. This mirrors the source's keyword-argument update_state()
// while staying statically typed (§4.B supplement).
type Patch struct {
	ConnectionState Optional[ConnectionState]
	SSID            Optional[string]
	IPAddress       Optional[string]
	SignalDBM       Optional[*int]
	APPassword      Optional[string]
	TunnelURL       Optional[*string]
	TunnelProvider  Optional[TunnelProvider]
	Error           Optional[*ErrorInfo]
	SessionID       Optional[string]
}

// Update atomically merges patch into the current state, persists the
// result, and invokes all registered callbacks in registration order.
// A panicking callback is recovered and logged to stderr; it never
// rolls back the update and never prevents later callbacks from
// running (§4.B).
func (m *Manager) Update(patch Patch) *SystemState {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	old := m.current.Load()
	next := *old

	if patch.ConnectionState.Set {
		next.ConnectionState = patch.ConnectionState.Value
	}
	if patch.SSID.Set {
		next.SSID = patch.SSID.Value
	}
	if patch.IPAddress.Set {
		next.IPAddress = patch.IPAddress.Value
	}
	if patch.SignalDBM.Set {
		next.SignalDBM = patch.SignalDBM.Value
	}
	if patch.APPassword.Set {
		next.APPassword = patch.APPassword.Value
	}
	if patch.TunnelURL.Set {
		next.TunnelURL = patch.TunnelURL.Value
	}
	if patch.TunnelProvider.Set {
		next.TunnelProvider = patch.TunnelProvider.Value
	}
	if patch.Error.Set {
		next.Error = patch.Error.Value
	} else if patch.ConnectionState.Set && next.ConnectionState == Connected {
		// Entering CONNECTED clears any stale error unless the caller
		// explicitly supplied a new one in the same patch.
		next.Error = nil
	}
	if patch.SessionID.Set {
		next.SessionID = patch.SessionID.Value
	}
	next.UpdatedAt = time.Now()

	m.persist(&next)
	m.current.Store(&next)

	// Every Update dispatches, not just ones that change
	// ConnectionState: WS subscribers (§4.G) forward each (old,new)
	// snapshot, including in-state changes like a signal-strength
	// refresh or a tunnel URL becoming available.
	m.dispatch(old, &next)
	return &next
}

// SetTunnelStatus implements tunnel.StatusSink, letting the Tunnel
// Supervisor report its current public URL/provider without depending
// on the state package's types. An empty url clears TunnelURL back to
// nil rather than storing a pointer to "". provider arrives lowercase
// ("managed"/"ssh"/"none") from the supervisor's phase name and is
// normalized to the API's uppercase enum.
func (m *Manager) SetTunnelStatus(url string, provider string) {
	var urlPtr *string
	if url != "" {
		urlPtr = &url
	}
	tp := ProviderNone
	switch provider {
	case "managed":
		tp = ProviderManaged
	case "ssh":
		tp = ProviderSSH
	}
	m.Update(Patch{
		TunnelURL:      Some(urlPtr),
		TunnelProvider: Some(tp),
	})
}

// persist writes next to disk via temp-file-then-rename, tracking
// health. Persistence failures never block the in-memory update.
func (m *Manager) persist(next *SystemState) {
	if m.path == "" {
		return
	}
	if err := save(m.path, next); err != nil {
		m.persistFailures++
		next.PersistenceError = err.Error()
		if m.persistFailures <= 3 {
			next.PersistenceHealth = "degraded"
		} else {
			next.PersistenceHealth = "failed"
		}
		return
	}
	m.persistFailures = 0
	next.PersistenceHealth = "healthy"
	next.PersistenceError = ""
}

// OnChange registers cb to be invoked, in registration order, after
// every connection_state transition. Returns an unsubscribe function.
func (m *Manager) OnChange(cb Callback) func() {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	id := m.nextID
	m.nextID++
	m.callbacks[id] = cb
	return func() {
		m.cbMu.Lock()
		defer m.cbMu.Unlock()
		delete(m.callbacks, id)
	}
}

func (m *Manager) dispatch(old, next *SystemState) {
	m.cbMu.Lock()
	ordered := make([]uint64, 0, len(m.callbacks))
	for id := range m.callbacks {
		ordered = append(ordered, id)
	}
	// map iteration order is random; sort so "registration order" is
	// meaningful and reproducible across calls.
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j-1] > ordered[j]; j-- {
			ordered[j-1], ordered[j] = ordered[j], ordered[j-1]
		}
	}
	cbs := make([]Callback, 0, len(ordered))
	for _, id := range ordered {
		cbs = append(cbs, m.callbacks[id])
	}
	m.cbMu.Unlock()

	for _, cb := range cbs {
		safeInvoke(cb, old, next)
	}
}

func safeInvoke(cb Callback, old, next *SystemState) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "state: callback panic: %v\n", r)
		}
	}()
	cb(old, next)
}

// TouchSession records that session_id is alive right now.
func (m *Manager) TouchSession(sessionID string) {
	if sessionID == "" {
		return
	}
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	m.sessions[sessionID] = time.Now()
}

// SweepSessions removes sessions unseen for longer than maxAge and
// returns how many were removed.
func (m *Manager) SweepSessions(maxAge time.Duration) int {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	now := time.Now()
	removed := 0
	for id, last := range m.sessions {
		if now.Sub(last) > maxAge {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

func load(path string) (*SystemState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s SystemState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func save(path string, s *SystemState) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
