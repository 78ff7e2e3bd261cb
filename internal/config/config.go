// Package config loads and validates the daemon's runtime settings from
// APP_-prefixed environment variables.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Settings holds the daemon's full runtime configuration, built once at
// startup from the environment and never mutated afterwards.
type Settings struct {
	APSSIDPrefix string
	APIP         string
	APChannel    int

	WebHost string
	WebPort int

	StateDir string

	EnableCaptivePortal bool

	TunnelEnabled           bool
	TunnelProviderPrimary   string // "managed" | "ssh"
	TunnelSSHHost           string
	TunnelSSHPort           int
	TunnelAccessToken       string
	TunnelRefreshIntervalS  int

	MQTTBroker      string
	MQTTTopicPrefix string

	Debug bool
}

const envPrefix = "APP_"

// Load reads Settings from the process environment, filling in defaults
// for anything unset.
func Load() (*Settings, error) {
	s := &Settings{
		APSSIDPrefix:           getEnv("AP_SSID_PREFIX", "Distiller"),
		APIP:                   getEnv("AP_IP", "192.168.4.1"),
		APChannel:              getEnvInt("AP_CHANNEL", 6),
		WebHost:                getEnv("WEB_HOST", "0.0.0.0"),
		WebPort:                getEnvInt("WEB_PORT", 8080),
		StateDir:               getEnv("STATE_DIR", "/var/lib/distiller-wifi"),
		EnableCaptivePortal:    getEnvBool("ENABLE_CAPTIVE_PORTAL", true),
		TunnelEnabled:          getEnvBool("TUNNEL_ENABLED", true),
		TunnelProviderPrimary:  strings.ToLower(getEnv("TUNNEL_PROVIDER_PRIMARY", "managed")),
		TunnelSSHHost:          getEnv("TUNNEL_SSH_HOST", "a.pinggy.io"),
		TunnelSSHPort:          getEnvInt("TUNNEL_SSH_PORT", 443),
		TunnelAccessToken:      getEnv("TUNNEL_ACCESS_TOKEN", ""),
		TunnelRefreshIntervalS: getEnvInt("TUNNEL_REFRESH_INTERVAL_S", 3300),
		MQTTBroker:             getEnv("MQTT_BROKER", "tcp://127.0.0.1:1883"),
		MQTTTopicPrefix:        getEnv("MQTT_TOPIC_PREFIX", "distiller"),
		Debug:                  getEnvBool("DEBUG", false),
	}

	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) validate() error {
	if s.APChannel < 1 || s.APChannel > 11 {
		return fmt.Errorf("config: AP_CHANNEL must be 1-11, got %d", s.APChannel)
	}
	if net.ParseIP(s.APIP) == nil {
		return fmt.Errorf("config: AP_IP is not a valid IPv4 address: %q", s.APIP)
	}
	if s.WebPort < 1 || s.WebPort > 65535 {
		return fmt.Errorf("config: WEB_PORT out of range: %d", s.WebPort)
	}
	if s.TunnelProviderPrimary != "managed" && s.TunnelProviderPrimary != "ssh" {
		return fmt.Errorf("config: TUNNEL_PROVIDER_PRIMARY must be managed|ssh, got %q", s.TunnelProviderPrimary)
	}
	if s.APSSIDPrefix == "" {
		return fmt.Errorf("config: AP_SSID_PREFIX must not be empty")
	}
	return nil
}

// StatePath returns the path to the persisted SystemState file.
func (s *Settings) StatePath() string { return filepath.Join(s.StateDir, "state.json") }

// IdentityPath returns the path to the persisted DeviceIdentity file.
func (s *Settings) IdentityPath() string { return filepath.Join(s.StateDir, "device.json") }

// ProfileCachePath returns the path to the profile validation cache.
func (s *Settings) ProfileCachePath() string { return filepath.Join(s.StateDir, "profiles.db") }

// DNSConfigPath returns the path to the dnsmasq drop-in file the
// Captive-Portal Controller writes wildcard-DNS rules into.
func (s *Settings) DNSConfigPath() string {
	return "/etc/NetworkManager/dnsmasq-shared.d/distiller-captive.conf"
}

// DeviceEnvPath returns the path to the optional device-identity token
// file consulted by the tunnel supervisor to decide whether a managed
// provider is available (§4.E).
func (s *Settings) DeviceEnvPath() string { return filepath.Join(s.StateDir, "device.env") }

// WebAddr returns the host:port the HTTP surface binds to.
func (s *Settings) WebAddr() string { return net.JoinHostPort(s.WebHost, strconv.Itoa(s.WebPort)) }

func getEnv(name, def string) string {
	if v, ok := os.LookupEnv(envPrefix + name); ok {
		return v
	}
	return def
}

func getEnvInt(name string, def int) int {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvBool(name string, def bool) bool {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
