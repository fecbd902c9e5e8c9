package eventbus

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := New(1, 0)
	var a, c atomic.Int32
	b.Subscribe(TopicWaiverRequested, func(Envelope) error { a.Add(1); return nil })
	b.Subscribe(TopicWaiverRequested, func(Envelope) error { c.Add(1); return nil })
	b.Subscribe(TopicWaiverApproved, func(Envelope) error { t.Fatal("wrong topic delivered"); return nil })

	b.Publish(TopicWaiverRequested, "payload")

	assert.Equal(t, int32(1), a.Load())
	assert.Equal(t, int32(1), c.Load())
}

func TestPublishRetriesFailingHandler(t *testing.T) {
	b := New(3, time.Millisecond)
	var attempts atomic.Int32
	b.Subscribe(TopicScalingCompleted, func(Envelope) error {
		n := attempts.Add(1)
		if n < 3 {
			return errors.New("transient")
		}
		return nil
	})

	b.Publish(TopicScalingCompleted, nil)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(1, 0)
	var count atomic.Int32
	sub := b.Subscribe(TopicWorkerReady, func(Envelope) error { count.Add(1); return nil })
	b.Unsubscribe(sub)
	b.Publish(TopicWorkerReady, nil)
	assert.Equal(t, int32(0), count.Load())
	assert.Equal(t, 0, b.SubscriberCount(TopicWorkerReady))
}
