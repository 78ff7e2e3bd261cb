//go:build no_mqtt

package tunnel

import "log/slog"

// MQTTHealthConfig configures the local broker connection used to
// watch the managed provider's retained health beacon (no-op in this
// build).
type MQTTHealthConfig struct {
	Broker      string
	TopicPrefix string
}

// MQTTHealth is a stand-in that always reports the managed provider as
// unhealthy, forcing the supervisor onto the SSH provider exclusively.
type MQTTHealth struct{}

// NewMQTTHealth returns a stub health checker.
func NewMQTTHealth(_ MQTTHealthConfig, _ *slog.Logger) *MQTTHealth {
	return &MQTTHealth{}
}

// Healthy always reports false in the no_mqtt build.
func (h *MQTTHealth) Healthy() bool { return false }

// Close is a no-op.
func (h *MQTTHealth) Close() {}
