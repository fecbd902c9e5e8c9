// Package deltapublisher is the Delta Publisher external-collaborator
// contract (§4.13, §6): it emits knowledge-map change events, fanning out to
// persistence, the in-process event bus, and an optional webhook transport,
// each named transport independent of the others rather than an arbitrary
// subscriber-callback list.
package deltapublisher

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orchestrator-core/orchestrator/internal/logging"
	"github.com/orchestrator-core/orchestrator/pkg/eventbus"
)

// EventKind is the closed set of knowledge-map delta events (§4.13).
type EventKind string

const (
	EventCreated    EventKind = "created"
	EventUpdated    EventKind = "updated"
	EventSuperseded EventKind = "superseded"
	EventConflict   EventKind = "conflict"
)

func (k EventKind) topic() eventbus.Topic {
	switch k {
	case EventCreated:
		return eventbus.TopicDeltaCreated
	case EventUpdated:
		return eventbus.TopicDeltaUpdated
	case EventSuperseded:
		return eventbus.TopicDeltaSuperseded
	case EventConflict:
		return eventbus.TopicDeltaConflict
	default:
		return eventbus.Topic("kmap.delta.unknown")
	}
}

// Delta is a single knowledge-map change record.
type Delta struct {
	ID        string
	NodeID    string
	Kind      EventKind
	Summary   string
	Payload   map[string]any
	Timestamp time.Time
}

// Store persists every delta this publisher emits. Required — the
// persistence transport is not optional (§4.13: "fans out to persistence
// and optional pub/sub and webhook transports").
type Store interface {
	InsertDelta(ctx context.Context, d Delta) error
}

// WebhookTransport is the optional outbound HTTP notification transport.
// Failures are logged and do not fail Publish — a down webhook endpoint must
// never block the knowledge map from recording its own history.
type WebhookTransport interface {
	Notify(ctx context.Context, d Delta) error
}

// HTTPWebhook sends a POST with an empty body to a fixed URL using a thin
// standard-library http.Client wrapper; the delta is not written into the
// request body.
type HTTPWebhook struct {
	URL    string
	Client *http.Client
}

// Notify is a minimal placeholder transport left for the caller to flesh
// out with their webhook payload format; wiring only needs Notify to exist
// and be called from Publish's fan-out.
func (h HTTPWebhook) Notify(ctx context.Context, d Delta) error {
	if h.Client == nil {
		return fmt.Errorf("deltapublisher: no http client configured for webhook %s", h.URL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, nil)
	if err != nil {
		return fmt.Errorf("deltapublisher: build webhook request: %w", err)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return fmt.Errorf("deltapublisher: webhook delivery: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("deltapublisher: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Publisher fans out Delta events to persistence, the event bus, and an
// optional webhook transport.
type Publisher struct {
	store   Store
	bus     *eventbus.Bus
	webhook WebhookTransport
	log     *zap.Logger
}

// New builds a Publisher. bus and webhook may be nil; store must not be.
func New(store Store, bus *eventbus.Bus, webhook WebhookTransport) *Publisher {
	return &Publisher{store: store, bus: bus, webhook: webhook, log: logging.Component("deltapublisher")}
}

// Publish persists d, then fans out to the event bus and webhook transport.
// Persistence failure aborts the publish; bus/webhook failures are
// best-effort and only logged, since those are the "optional" transports the
// contract names.
func (p *Publisher) Publish(ctx context.Context, d Delta) error {
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now()
	}
	if err := p.store.InsertDelta(ctx, d); err != nil {
		return fmt.Errorf("deltapublisher: persist delta %s: %w", d.ID, err)
	}

	var wg sync.WaitGroup
	if p.bus != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.bus.Publish(d.Kind.topic(), d)
		}()
	}
	if p.webhook != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.webhook.Notify(ctx, d); err != nil {
				p.log.Warn("deltapublisher: webhook notify failed",
					zap.String("delta_id", d.ID), zap.String("kind", string(d.Kind)), zap.Error(err))
			}
		}()
	}
	wg.Wait()
	return nil
}
