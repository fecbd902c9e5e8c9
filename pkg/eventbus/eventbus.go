// Package eventbus implements the Dispatcher external-collaborator contract
// (§4.13, §6): named topics, handler registration, at-least-once delivery.
// Delivery is synchronous callback dispatch with retry-on-failure rather
// than fire-and-forget buffered channels, since at-least-once delivery
// requires knowing whether a handler actually consumed the event.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/orchestrator-core/orchestrator/internal/logging"
)

// Topic names a class of event. Orchestrator components publish to
// well-known topics; external collaborators subscribe by name.
type Topic string

const (
	TopicWaiverRequested Topic = "waiver.requested"
	TopicWaiverApproved  Topic = "waiver.approved"
	TopicWaiverRevoked   Topic = "waiver.revoked"
	TopicWaiverExpired   Topic = "waiver.expired"

	TopicScalingCompleted Topic = "scaling.completed"
	TopicScalingFailed    Topic = "scaling.failed"
	TopicPoolScaledUp     Topic = "pool.scaled_up"
	TopicPoolScaledDown   Topic = "pool.scaled_down"
	TopicWorkerReady      Topic = "worker.ready"
	TopicWorkerTerminated Topic = "worker.terminated"

	TopicUpgradeStarted      Topic = "upgrade.started"
	TopicUpgradeStepComplete Topic = "upgrade.step.completed"
	TopicUpgradeCompleted    Topic = "upgrade.completed"
	TopicUpgradeFailed       Topic = "upgrade.failed"

	TopicDeltaCreated    Topic = "kmap.delta.created"
	TopicDeltaUpdated    Topic = "kmap.delta.updated"
	TopicDeltaSuperseded Topic = "kmap.delta.superseded"
	TopicDeltaConflict   Topic = "kmap.delta.conflict"

	// TopicPhaseReplanSuggested is published when a phase's failed-task
	// ratio crosses its configured threshold (§4.12): the Phase Coordinator
	// only detects and records this, it never replans content itself.
	TopicPhaseReplanSuggested Topic = "phase.replan_suggested"

	// Per-phase completion topics (§6), in canonical phase order.
	TopicIntakeReady    Topic = "intake.ready"
	TopicIdeationReady  Topic = "ideation.ready"
	TopicCritiqueReady  Topic = "critique.ready"
	TopicPRDReady       Topic = "prd.ready"
	TopicBizDevReady    Topic = "bizdev.ready"
	TopicArchReady      Topic = "arch.ready"
	TopicBuildReady     Topic = "build.ready"
	TopicStoryDone      Topic = "story.done"
	TopicQAReady        Topic = "qa.ready"
	TopicAestheticReady Topic = "aesthetic.ready"
	TopicReleaseReady   Topic = "release.ready"
	TopicBetaReady      Topic = "beta.ready"
)

// Envelope wraps a published value with bus-assigned ordering metadata.
type Envelope struct {
	Seq       uint64
	Topic     Topic
	Timestamp time.Time
	Payload   any
}

// Handler consumes one envelope. A returned error marks the delivery attempt
// failed; the bus retries up to the configured attempt count before giving
// up and logging the drop (§4.13 at-least-once semantics: redelivery on
// failure, not exactly-once).
type Handler func(Envelope) error

type subscription struct {
	id      uint64
	topic   Topic
	handler Handler
}

// Bus is an in-process, topic-based publish/subscribe dispatcher.
type Bus struct {
	mu            sync.RWMutex
	subs          map[Topic][]subscription
	nextSubID     uint64
	seq           atomic.Uint64
	retryAttempts int
	retryDelay    time.Duration
	log           *zap.Logger
}

// New builds a Bus. retryAttempts is the number of delivery attempts per
// handler per event before the failure is logged and dropped (minimum 1).
func New(retryAttempts int, retryDelay time.Duration) *Bus {
	if retryAttempts < 1 {
		retryAttempts = 1
	}
	return &Bus{
		subs:          map[Topic][]subscription{},
		retryAttempts: retryAttempts,
		retryDelay:    retryDelay,
		log:           logging.Component("eventbus"),
	}
}

// Subscription is an opaque handle returned by Subscribe, used to Unsubscribe.
type Subscription struct {
	topic Topic
	id    uint64
}

// Subscribe registers h to receive every event published to topic. Handlers
// for the same topic are invoked in registration order.
func (b *Bus) Subscribe(topic Topic, h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSubID
	b.nextSubID++
	b.subs[topic] = append(b.subs[topic], subscription{id: id, topic: topic, handler: h})
	return Subscription{topic: topic, id: id}
}

// Unsubscribe removes a previously registered handler.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[sub.topic]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.topic] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Publish delivers payload to every subscriber of topic synchronously,
// retrying each handler up to retryAttempts times on error. Publish never
// returns an error: persistent handler failures are WARN-logged and the
// event is dropped for that handler, matching the Recorder's retry-then-warn
// philosophy for non-critical side channels (§5).
func (b *Bus) Publish(topic Topic, payload any) {
	env := Envelope{Seq: b.seq.Add(1), Topic: topic, Timestamp: time.Now(), Payload: payload}

	b.mu.RLock()
	handlers := append([]subscription(nil), b.subs[topic]...)
	b.mu.RUnlock()

	for _, s := range handlers {
		b.deliver(s.handler, env)
	}
}

func (b *Bus) deliver(h Handler, env Envelope) {
	var lastErr error
	for attempt := 0; attempt < b.retryAttempts; attempt++ {
		if attempt > 0 && b.retryDelay > 0 {
			time.Sleep(b.retryDelay)
		}
		if err := h(env); err != nil {
			lastErr = err
			continue
		}
		return
	}
	if lastErr != nil {
		b.log.Warn("eventbus: handler failed after retries, dropping event",
			zap.String("topic", string(env.Topic)), zap.Uint64("seq", env.Seq), zap.Error(lastErr))
	}
}

// SubscriberCount returns the number of handlers registered for topic.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
