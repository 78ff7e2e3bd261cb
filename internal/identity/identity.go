// Package identity derives and persists the device's stable identity:
// a 4-hex-char ID computed from the primary MAC address, the hostname
// and AP SSID derived from it.
package identity

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrNoMAC is returned when no suitable network interface is found to
// derive a device ID from. The caller (main) treats this as fatal.
var ErrNoMAC = fmt.Errorf("identity: no usable MAC address found")

// Identity is the device's immutable-after-first-boot identity.
type Identity struct {
	DeviceID  string    `json:"device_id"`
	Hostname  string    `json:"hostname"`
	APSSID    string    `json:"ap_ssid"`
	CreatedAt time.Time `json:"created_at"`
}

// priorityInterfaces lists physical interface names checked before
// falling back to scanning /sys/class/net, ethernet first.
var priorityInterfaces = []string{"eth0", "end0", "enp0s3", "eno1", "wlan0", "wlp1s0"}

// virtualPrefixes are interface name prefixes skipped during fallback
// scanning (loopback, bridges, veths, containers).
var virtualPrefixes = []string{"docker", "veth", "br-", "virbr", "lo"}

const netClassDir = "/sys/class/net"

// LoadOrCreate loads a persisted identity from path, or derives a fresh
// one from the primary MAC address and persists it. Once created, the
// identity is never regenerated even if the MAC later changes.
func LoadOrCreate(path, prefix string) (*Identity, error) {
	if data, err := os.ReadFile(path); err == nil {
		var id Identity
		if err := json.Unmarshal(data, &id); err == nil && id.DeviceID != "" {
			return &id, nil
		}
	}

	id, err := generate(prefix)
	if err != nil {
		return nil, err
	}
	if err := persist(path, id); err != nil {
		return nil, fmt.Errorf("identity: persist: %w", err)
	}
	return id, nil
}

func generate(prefix string) (*Identity, error) {
	mac, err := primaryMAC()
	if err != nil {
		return nil, err
	}

	clean := strings.ToLower(strings.ReplaceAll(mac, ":", ""))
	if len(clean) < 4 {
		return nil, ErrNoMAC
	}
	deviceID := clean[len(clean)-4:]

	return &Identity{
		DeviceID:  deviceID,
		Hostname:  fmt.Sprintf("%s-%s", strings.ToLower(prefix), deviceID),
		APSSID:    fmt.Sprintf("%s-%s", capitalize(prefix), strings.ToUpper(deviceID)),
		CreatedAt: time.Now(),
	}, nil
}

// capitalize uppercases the first rune of s and lowercases the rest,
// used for the AP SSID ("Distiller-34AB") regardless of how the
// configured prefix was cased.
func capitalize(s string) string {
	s = strings.ToLower(s)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func persist(path string, id *Identity) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// primaryMAC returns the MAC address of the first non-all-zero
// interface, checking the priority list first and falling back to any
// non-virtual interface under /sys/class/net.
func primaryMAC() (string, error) {
	for _, iface := range priorityInterfaces {
		if mac, ok := readMAC(iface); ok {
			return mac, nil
		}
	}

	entries, err := os.ReadDir(netClassDir)
	if err != nil {
		return "", ErrNoMAC
	}
	for _, entry := range entries {
		name := entry.Name()
		if isVirtual(name) {
			continue
		}
		if mac, ok := readMAC(name); ok {
			return mac, nil
		}
	}
	return "", ErrNoMAC
}

func isVirtual(name string) bool {
	for _, p := range virtualPrefixes {
		if name == p || strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func readMAC(iface string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(netClassDir, iface, "address"))
	if err != nil {
		return "", false
	}
	mac := strings.ToLower(strings.TrimSpace(string(data)))
	if mac == "" || mac == "00:00:00:00:00:00" {
		return "", false
	}
	if _, err := hex.DecodeString(strings.ReplaceAll(mac, ":", "")); err != nil {
		return "", false
	}
	return mac, true
}
