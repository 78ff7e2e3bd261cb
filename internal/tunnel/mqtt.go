//go:build !no_mqtt

package tunnel

import (
	"log/slog"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTHealthConfig configures the local broker connection used to
// watch the managed provider's retained health beacon.
type MQTTHealthConfig struct {
	Broker      string
	TopicPrefix string
}

// MQTTHealth subscribes to {prefix}/tunnel/health and reports the
// most recently retained payload as Healthy(). A beacon silent for
// more than StaleAfter is treated as unhealthy.
type MQTTHealth struct {
	client     pahomqtt.Client
	logger     *slog.Logger
	healthy    atomic.Bool
	lastSeen   atomic.Int64
	staleAfter time.Duration
}

// NewMQTTHealth connects to the broker and begins watching the beacon
// topic. Connection failures are logged and leave Healthy() false.
func NewMQTTHealth(cfg MQTTHealthConfig, logger *slog.Logger) *MQTTHealth {
	h := &MQTTHealth{
		logger:     logger.With("component", "tunnel-health"),
		staleAfter: 90 * time.Second,
	}

	topic := cfg.TopicPrefix + "/tunnel/health"
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("distiller-wifi-tunnel-health").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(c pahomqtt.Client) {
			c.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
				h.onMessage(msg.Payload())
			})
		})

	h.client = pahomqtt.NewClient(opts)
	token := h.client.Connect()
	if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		h.logger.Warn("tunnel health: mqtt connect failed, treating managed provider as down")
	}
	return h
}

func (h *MQTTHealth) onMessage(payload []byte) {
	h.lastSeen.Store(time.Now().UnixNano())
	h.healthy.Store(string(payload) == "ok" || string(payload) == "online" || string(payload) == "1")
}

// Healthy implements tunnel.HealthChecker.
func (h *MQTTHealth) Healthy() bool {
	if !h.healthy.Load() {
		return false
	}
	last := h.lastSeen.Load()
	if last == 0 {
		return false
	}
	return time.Since(time.Unix(0, last)) < h.staleAfter
}

// Close disconnects from the broker.
func (h *MQTTHealth) Close() {
	if h.client != nil {
		h.client.Disconnect(250)
	}
}
