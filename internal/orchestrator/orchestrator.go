// Package orchestrator drives the Provisioning Orchestrator (§4.F):
// the AP_MODE / SWITCHING / CONNECTING / CONNECTED / FAILED /
// DISCONNECTED state machine, a single process-wide non-reentrant
// connection lock with user-connect preemption, and the
// connectivity-loss recovery loop.
package orchestrator

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"distiller-wifi/internal/captive"
	"distiller-wifi/internal/netadapter"
	"distiller-wifi/internal/state"
	"distiller-wifi/internal/tunnel"

	"github.com/google/uuid"
)

const (
	activateTimeout  = 30 * time.Second
	recoveryJitter   = 3 * time.Second
	failedSettleTime = 3 * time.Second
)

// apPasswordAlphabet avoids characters that are awkward to type on a
// phone's on-screen keyboard (no quotes, backslash, or lookalikes).
const apPasswordAlphabet = "abcdefghjkmnpqrstuvwxyzABCDEFGHJKMNPQRSTUVWXYZ23456789!@#%*"

// Orchestrator owns the connection lock and drives the state machine.
// It never blocks the HTTP surface: user-facing calls either acquire
// the lock immediately or fail fast with a typed error.
type Orchestrator struct {
	store    *state.Manager
	adapter  netadapter.Adapter
	captive  *captive.Controller
	tunnel   *tunnel.Supervisor
	logger   *slog.Logger

	apSSID    string
	apIP      string
	apChannel int
	webPort   int

	lockMu         sync.Mutex
	preemptRequest atomic.Bool

	lastKnownSSID atomic.Value // string
}

// Config bundles the per-device parameters the Orchestrator needs but
// doesn't own (derived from identity + settings).
type Config struct {
	APSSID    string
	APIP      string
	APChannel int
	WebPort   int
}

// New constructs an Orchestrator. Callers must invoke Boot once to
// drive the initial AP_MODE/CONNECTING decision, and should forward
// netadapter events via WatchConnectivity.
func New(store *state.Manager, adapter netadapter.Adapter, cc *captive.Controller, ts *tunnel.Supervisor, cfg Config, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		adapter:   adapter,
		captive:   cc,
		tunnel:    ts,
		logger:    logger.With("component", "orchestrator"),
		apSSID:    cfg.APSSID,
		apIP:      cfg.APIP,
		apChannel: cfg.APChannel,
		webPort:   cfg.WebPort,
	}
	o.lastKnownSSID.Store("")
	return o
}

// Boot runs the "any (start) -> boot" row: if a saved profile exists,
// attempt it; otherwise enter AP_MODE directly.
func (o *Orchestrator) Boot(ctx context.Context) {
	profiles, err := o.adapter.ListProfiles(ctx)
	if err != nil || len(profiles) == 0 {
		o.logger.Info("boot: no saved profile, entering AP_MODE")
		o.enterAPMode(ctx, "")
		return
	}

	ssid := profiles[0]
	o.logger.Info("boot: saved profile found, attempting connect", "ssid", ssid)
	o.store.Update(state.Patch{
		ConnectionState: state.Some(state.Connecting),
		SessionID:       state.Some(uuid.NewString()),
	})
	if err := o.activateWithTimeout(ctx, ssid); err != nil {
		o.handleConnectFailure(ctx, err)
		return
	}
	o.enterConnected(ctx, ssid)
}

// WatchConnectivity forwards netadapter connectivity events into the
// recovery path. Intended to run for the process lifetime in its own
// goroutine.
func (o *Orchestrator) WatchConnectivity(ctx context.Context, events <-chan netadapter.NetworkEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if evt.Type == netadapter.ConnectivityLost && o.store.Get().ConnectionState == state.Connected {
				go o.recoverFromConnectivityLoss(ctx)
			}
		}
	}
}

// ValidationError is returned by Connect for malformed user input
// (§7 BAD_INPUT).
type ValidationError struct{ Message string }

func (e *ValidationError) Error() string { return e.Message }

// ErrBusy is returned by Connect when the connection lock could not
// be preempted in time (never expected in practice since Connect
// blocks on the lock; reserved for future non-blocking callers).
var ErrBusy = fmt.Errorf("orchestrator: connection lock busy")

// ValidateConnectInput enforces §4.F's input contract: SSID 1-32
// bytes, PSK empty or 8-63 bytes, no control characters or shell
// metacharacters in either field.
func ValidateConnectInput(ssid, psk string) error {
	if len(ssid) < 1 || len(ssid) > 32 {
		return &ValidationError{Message: "ssid must be 1-32 bytes"}
	}
	if psk != "" && (len(psk) < 8 || len(psk) > 63) {
		return &ValidationError{Message: "password must be empty or 8-63 bytes"}
	}
	if containsUnsafe(ssid) {
		return &ValidationError{Message: "ssid contains disallowed characters"}
	}
	if containsUnsafe(psk) {
		return &ValidationError{Message: "password contains disallowed characters"}
	}
	return nil
}

func containsUnsafe(s string) bool {
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return true
		}
		switch r {
		case ';', '&', '|', '`', '$', '\n':
			return true
		}
	}
	return false
}

// Connect drives the user-connect path (§4.F "User connect path"). It
// blocks until the lock is acquired, preempting any in-flight recovery
// at its next cooperative check.
func (o *Orchestrator) Connect(ctx context.Context, ssid, psk string) error {
	if err := ValidateConnectInput(ssid, psk); err != nil {
		return err
	}

	o.preemptRequest.Store(true)
	o.lockMu.Lock()
	o.preemptRequest.Store(false)
	defer o.lockMu.Unlock()

	sessionID := uuid.NewString()
	o.store.Update(state.Patch{
		ConnectionState: state.Some(state.Switching),
		SessionID:       state.Some(sessionID),
	})

	o.captive.Exit(ctx)
	_ = o.adapter.StopAP(ctx)

	hidden := false
	if err := o.adapter.CreateOrUpdateProfile(ctx, ssid, psk, hidden); err != nil {
		o.handleConnectFailure(ctx, err)
		return nil
	}

	o.store.Update(state.Patch{ConnectionState: state.Some(state.Connecting)})
	if err := o.activateWithTimeout(ctx, ssid); err != nil {
		o.handleConnectFailure(ctx, err)
		return nil
	}

	o.enterConnected(ctx, ssid)
	return nil
}

// Disconnect drives "CONNECTED -> user_disconnect -> SWITCHING ->
// AP_MODE".
func (o *Orchestrator) Disconnect(ctx context.Context) {
	o.preemptRequest.Store(true)
	o.lockMu.Lock()
	o.preemptRequest.Store(false)
	defer o.lockMu.Unlock()

	o.store.Update(state.Patch{ConnectionState: state.Some(state.Switching)})
	o.tunnel.Stop()
	_ = o.adapter.DeactivateAllWiFi(ctx)
	o.enterAPMode(ctx, "")
}

func (o *Orchestrator) activateWithTimeout(ctx context.Context, ssid string) error {
	actx, cancel := context.WithTimeout(ctx, activateTimeout)
	defer cancel()
	err := o.adapter.ActivateProfile(actx, ssid)
	if err != nil {
		o.lastKnownSSID.Store(ssid)
	}
	return err
}

func (o *Orchestrator) handleConnectFailure(ctx context.Context, err error) {
	code := netadapter.CodeConnectTimeout
	msg := err.Error()
	if nerr, ok := err.(*netadapter.Error); ok {
		code = nerr.Code
		msg = nerr.Message
	}
	o.logger.Warn("connect failed", "code", code, "err", msg)
	o.store.Update(state.Patch{
		ConnectionState: state.Some(state.Failed),
		Error:           state.Some(&state.ErrorInfo{Code: code, Message: msg}),
	})
	time.Sleep(failedSettleTime)
	o.enterAPMode(ctx, "")
}

func (o *Orchestrator) enterConnected(ctx context.Context, ssid string) {
	o.lastKnownSSID.Store(ssid)
	ip, _ := o.adapter.PrimaryIPv4(ctx)
	o.store.Update(state.Patch{
		ConnectionState: state.Some(state.Connected),
		SSID:            state.Some(ssid),
		IPAddress:       state.Some(ip),
	})
	o.tunnel.Start(ctx)
}

// enterAPMode implements "AP entry is idempotent": every entry
// regenerates ap_password, re-applies the captive portal, and
// (re-)starts the AP profile, regardless of prior state.
func (o *Orchestrator) enterAPMode(ctx context.Context, _ string) {
	password, err := generateAPPassword()
	if err != nil {
		// crypto/rand failure is unrecoverable; surface it loudly but
		// still settle into AP_MODE with whatever password we managed.
		o.logger.Error("ap password generation failed", "err", err)
	}

	if err := o.adapter.StartAP(ctx, o.apSSID, password, o.apChannel, o.apIP); err != nil {
		o.logger.Error("ap start failed", "err", err)
		o.store.Update(state.Patch{
			ConnectionState: state.Some(state.Failed),
			Error:           state.Some(&state.ErrorInfo{Code: netadapter.CodeAPStartFail, Message: err.Error()}),
		})
		return
	}

	if err := o.captive.Enter(ctx, o.apIP); err != nil {
		o.logger.Error("captive portal enter failed", "err", err)
	}

	o.store.Update(state.Patch{
		ConnectionState: state.Some(state.APMode),
		APPassword:      state.Some(password),
		SSID:            state.Some(""),
		IPAddress:       state.Some(o.apIP),
	})
}

func generateAPPassword() (string, error) {
	const length = 12
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, length)
	n := len(apPasswordAlphabet)
	for i, b := range buf {
		out[i] = apPasswordAlphabet[int(b)%n]
	}
	return string(out), nil
}

// recoverFromConnectivityLoss implements the full "Recovery from
// connectivity loss" sequence (§4.F). It is launched in its own
// goroutine per ConnectivityLost event and checks the preemption flag
// at every cooperative boundary so a concurrent user Connect can take
// over without either side observing more than one in-flight
// ActivateProfile call.
func (o *Orchestrator) recoverFromConnectivityLoss(ctx context.Context) {
	if !o.lockMu.TryLock() {
		// User operation in progress; it owns recovery now.
		return
	}
	defer o.lockMu.Unlock()

	if o.preemptRequest.Load() {
		return
	}
	select {
	case <-time.After(recoveryJitter):
	case <-ctx.Done():
		return
	}
	if o.preemptRequest.Load() {
		return
	}

	if ssid, err := o.adapter.CurrentSSID(ctx); err == nil && ssid != "" {
		// Connectivity restored on its own.
		return
	}
	if o.preemptRequest.Load() {
		return
	}

	last, _ := o.lastKnownSSID.Load().(string)
	if last == "" {
		return
	}

	o.store.Update(state.Patch{ConnectionState: state.Some(state.Connecting)})
	if err := o.activateWithTimeout(ctx, last); err != nil {
		o.handleConnectFailure(ctx, err)
		return
	}
	o.enterConnected(ctx, last)
}
