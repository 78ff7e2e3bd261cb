// Package captive implements the Captive-Portal Controller (§4.D):
// wildcard-DNS for the AP interface plus an HTTP-redirect NAT rule so
// unmodified mobile OSes auto-open the setup page. Both effects are
// scoped to AP_MODE and released on every exit path, including
// abnormal AP termination — re-entry purges any stale rules first so
// repeated Enter/Exit never duplicates state.
package captive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
)

// Controller owns the DNS drop-in file and NAT rules for one AP
// interface/IP/web-port combination.
type Controller struct {
	dnsConfigPath string
	iface         string
	webPort       int
	logger        *slog.Logger

	rulesApplied bool
	dnsApplied   bool
}

// New creates a Controller. dnsConfigPath is the dnsmasq drop-in file
// the OS daemon's shared-DNS helper reloads on AP start/stop.
func New(dnsConfigPath, iface string, webPort int, logger *slog.Logger) *Controller {
	return &Controller{
		dnsConfigPath: dnsConfigPath,
		iface:         iface,
		webPort:       webPort,
		logger:        logger,
	}
}

// Enter configures wildcard DNS and installs the HTTP-redirect rule
// for gatewayIP. Idempotent: any rules left over from a previous,
// possibly-abnormal, AP session are purged first. If either step
// fails, whatever was partially applied is undone before returning
// CAPTIVE_FAIL.
func (c *Controller) Enter(ctx context.Context, gatewayIP string) error {
	c.purge(ctx)

	if err := c.writeDNSConfig(gatewayIP); err != nil {
		return fmt.Errorf("captive: CAPTIVE_FAIL: dns config: %w", err)
	}
	c.dnsApplied = true

	if err := c.installRedirect(ctx, gatewayIP); err != nil {
		c.removeDNSConfig()
		c.dnsApplied = false
		return fmt.Errorf("captive: CAPTIVE_FAIL: redirect rule: %w", err)
	}
	c.rulesApplied = true
	return nil
}

// Exit releases both effects. Safe to call even if Enter partially or
// never succeeded.
func (c *Controller) Exit(ctx context.Context) {
	c.purge(ctx)
}

// purge unconditionally removes both effects, ignoring errors (a rule
// or file that never existed is not a failure).
func (c *Controller) purge(ctx context.Context) {
	c.removeRedirect(ctx)
	c.removeDNSConfig()
	c.rulesApplied = false
	c.dnsApplied = false
}

func (c *Controller) writeDNSConfig(gatewayIP string) error {
	if err := os.MkdirAll(filepath.Dir(c.dnsConfigPath), 0o755); err != nil {
		return err
	}
	content := fmt.Sprintf(
		"# managed by distiller-wifi, do not edit\naddress=/#/%s\nno-resolv\nno-poll\n",
		gatewayIP,
	)
	return os.WriteFile(c.dnsConfigPath, []byte(content), 0o644)
}

func (c *Controller) removeDNSConfig() {
	if err := os.Remove(c.dnsConfigPath); err != nil && !os.IsNotExist(err) {
		c.logger.Debug("captive: remove dns config", "err", err)
	}
}

func (c *Controller) installRedirect(ctx context.Context, gatewayIP string) error {
	port := strconv.Itoa(c.webPort)
	rules := [][]string{
		{"-t", "nat", "-A", "PREROUTING", "-i", c.iface, "-p", "tcp", "--dport", "80", "-j", "REDIRECT", "--to-port", port},
		{"-t", "nat", "-A", "OUTPUT", "-p", "tcp", "-d", gatewayIP, "--dport", "80", "-j", "ACCEPT"},
	}
	for _, args := range rules {
		if err := run(ctx, "iptables", args...); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) removeRedirect(ctx context.Context) {
	port := strconv.Itoa(c.webPort)
	rules := [][]string{
		{"-t", "nat", "-D", "PREROUTING", "-i", c.iface, "-p", "tcp", "--dport", "80", "-j", "REDIRECT", "--to-port", port},
	}
	for _, args := range rules {
		if err := run(ctx, "iptables", args...); err != nil {
			// The rule may not exist (never applied, or already
			// removed) — that's expected on the purge-before-reapply
			// path and not an error.
			c.logger.Debug("captive: remove redirect rule (may not exist)", "err", err)
		}
	}
}

func run(ctx context.Context, bin string, args ...string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	return cmd.Run()
}
