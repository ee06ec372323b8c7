// Package events publishes job lifecycle notifications over NATS core
// pub/sub. Delivery is best effort; orchestration never depends on it.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/metropolis-io/metropolis/internal/core"
)

const (
	eventRunPrefix  = "metropolis.events.run."
	eventNodePrefix = "metropolis.events.node."
	eventAllSubject = "metropolis.events.all"
)

func eventRunSubject(runID string) string   { return eventRunPrefix + runID }
func eventNodeSubject(nodeID string) string { return eventNodePrefix + nodeID }

// PubSub implements core.EventPublisher on a NATS connection and lets
// external consumers subscribe per run, per node, or globally.
type PubSub struct {
	nc   *nats.Conn
	mu   sync.Mutex
	subs []*nats.Subscription
}

// Connect dials NATS and returns a PubSub.
func Connect(url string) (*PubSub, error) {
	nc, err := nats.Connect(url, nats.Name("metropolis-events"))
	if err != nil {
		return nil, fmt.Errorf("connect events: %w", err)
	}
	return NewPubSub(nc), nil
}

// NewPubSub wraps an existing NATS connection.
func NewPubSub(nc *nats.Conn) *PubSub {
	return &PubSub{nc: nc}
}

// Publish fans the event out to the run subject, the node subject and the
// global subject. Failures are logged and swallowed.
func (p *PubSub) Publish(event *core.InstanceEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal event", "error", err, "type", event.Type)
		return
	}

	if event.RunID != "" {
		if err := p.nc.Publish(eventRunSubject(event.RunID), data); err != nil {
			slog.Error("failed to publish run event", "error", err, "run_id", event.RunID)
		}
	}
	if event.NodeID != "" {
		if err := p.nc.Publish(eventNodeSubject(event.NodeID), data); err != nil {
			slog.Error("failed to publish node event", "error", err, "node_id", event.NodeID)
		}
	}
	if err := p.nc.Publish(eventAllSubject, data); err != nil {
		slog.Error("failed to publish global event", "error", err)
	}
}

// SubscribeRun subscribes to events of one run.
func (p *PubSub) SubscribeRun(runID string) (<-chan *core.InstanceEvent, func(), error) {
	return p.subscribe(eventRunSubject(runID))
}

// SubscribeAll subscribes to every event.
func (p *PubSub) SubscribeAll() (<-chan *core.InstanceEvent, func(), error) {
	return p.subscribe(eventAllSubject)
}

func (p *PubSub) subscribe(subject string) (<-chan *core.InstanceEvent, func(), error) {
	ch := make(chan *core.InstanceEvent, 64)

	sub, err := p.nc.Subscribe(subject, func(msg *nats.Msg) {
		var event core.InstanceEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			slog.Error("failed to unmarshal event", "error", err)
			return
		}
		select {
		case ch <- &event:
		default:
			slog.Warn("dropping event, subscriber channel full", "subject", subject)
		}
	})
	if err != nil {
		close(ch)
		return nil, nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}

	p.mu.Lock()
	p.subs = append(p.subs, sub)
	p.mu.Unlock()

	unsubscribe := func() {
		_ = sub.Unsubscribe()
		close(ch)
	}
	return ch, unsubscribe, nil
}

// Close unsubscribes everything and drains the connection.
func (p *PubSub) Close() {
	p.mu.Lock()
	for _, sub := range p.subs {
		_ = sub.Unsubscribe()
	}
	p.subs = nil
	p.mu.Unlock()
	_ = p.nc.Drain()
}
