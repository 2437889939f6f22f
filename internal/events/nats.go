package events

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/atmx/perp-engine/internal/metrics"
)

// NATSPublisher publishes events to "<prefix>.<type>" subjects.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

// ConnectNATS dials url with reconnect-forever semantics.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
}

// NewNATSPublisher creates a publisher on an established connection.
func NewNATSPublisher(nc *nats.Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = "perp"
	}
	return &NATSPublisher{nc: nc, prefix: prefix}
}

// Subject returns the subject an event type is published on.
func (p *NATSPublisher) Subject(eventType string) string {
	return p.prefix + "." + eventType
}

// Publish is asynchronous; the client buffers while reconnecting.
func (p *NATSPublisher) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := p.nc.Publish(p.Subject(ev.Type), data); err != nil {
		metrics.EventsDropped.WithLabelValues("nats").Inc()
		slog.Warn("nats publish failed", "type", ev.Type, "err", err)
	}
}
