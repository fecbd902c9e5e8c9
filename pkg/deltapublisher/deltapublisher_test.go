package deltapublisher

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestrator-core/orchestrator/pkg/eventbus"
)

type fakeStore struct {
	mu     sync.Mutex
	deltas []Delta
	err    error
}

func (f *fakeStore) InsertDelta(ctx context.Context, d Delta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.deltas = append(f.deltas, d)
	return nil
}

type fakeWebhook struct {
	mu     sync.Mutex
	called int
	err    error
}

func (f *fakeWebhook) Notify(ctx context.Context, d Delta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.called++
	return f.err
}

func TestPublishPersistsAndFansOutToBusAndWebhook(t *testing.T) {
	store := &fakeStore{}
	hook := &fakeWebhook{}
	bus := eventbus.New(1, 0)

	var gotTopic eventbus.Topic
	var mu sync.Mutex
	done := make(chan struct{}, 1)
	bus.Subscribe(eventbus.TopicDeltaCreated, func(env eventbus.Envelope) error {
		mu.Lock()
		gotTopic = env.Topic
		mu.Unlock()
		done <- struct{}{}
		return nil
	})

	pub := New(store, bus, hook)
	err := pub.Publish(context.Background(), Delta{ID: "d1", NodeID: "n1", Kind: EventCreated, Summary: "new node"})
	require.NoError(t, err)

	<-done
	mu.Lock()
	assert.Equal(t, eventbus.TopicDeltaCreated, gotTopic)
	mu.Unlock()

	store.mu.Lock()
	assert.Len(t, store.deltas, 1)
	store.mu.Unlock()

	hook.mu.Lock()
	assert.Equal(t, 1, hook.called)
	hook.mu.Unlock()
}

func TestPublishReturnsErrorOnPersistFailure(t *testing.T) {
	store := &fakeStore{err: errors.New("disk full")}
	pub := New(store, nil, nil)
	err := pub.Publish(context.Background(), Delta{ID: "d1", Kind: EventConflict})
	require.Error(t, err)
}

func TestPublishToleratesWebhookFailure(t *testing.T) {
	store := &fakeStore{}
	hook := &fakeWebhook{err: errors.New("endpoint down")}
	pub := New(store, nil, hook)
	err := pub.Publish(context.Background(), Delta{ID: "d2", Kind: EventUpdated})
	require.NoError(t, err)
}
