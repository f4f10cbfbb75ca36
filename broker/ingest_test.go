package broker

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camelia-d-e/openfactory-sdk/registry"
	"github.com/camelia-d-e/openfactory-sdk/upstream"
)

func newTestIngest(t *testing.T, mock *upstream.Mock) *Ingest {
	t.Helper()
	reg, err := registry.New(mock)
	require.NoError(t, err)
	return NewIngest(mock, reg, 16, nil, nil)
}

func TestEnsureAdapterAttachesOnce(t *testing.T) {
	mock := upstream.NewMock()
	ingest := newTestIngest(t, mock)
	ctx := context.Background()

	require.NoError(t, ingest.EnsureAdapter(ctx, "IVAC"))
	require.NoError(t, ingest.EnsureAdapter(ctx, "IVAC"))
	require.NoError(t, ingest.EnsureAdapter(ctx, "IVAC"))

	// One feed provisioning and one live subscription, no matter how
	// many sessions demanded the adapter.
	assert.Equal(t, 1, mock.CreateFeedCalls())
	assert.Equal(t, 1, mock.SubscriberCount("IVAC"))
	assert.Equal(t, 1, ingest.AdapterCount())
}

func TestEnsureAdapterConcurrent(t *testing.T) {
	mock := upstream.NewMock()
	ingest := newTestIngest(t, mock)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, ingest.EnsureAdapter(context.Background(), "IVAC"))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, mock.SubscriberCount("IVAC"))
	assert.Equal(t, 1, ingest.AdapterCount())
}

func TestAdapterWritesEventsToQueue(t *testing.T) {
	mock := upstream.NewMock()
	ingest := newTestIngest(t, mock)

	require.NoError(t, ingest.EnsureAdapter(context.Background(), "IVAC"))

	mock.Emit("IVAC", upstream.RawEvent{ID: "Zdeflateur", Value: "ACTIVE"})
	mock.Emit("IVAC", upstream.RawEvent{ID: "Zdeflateur", Value: "INACTIVE"})

	queue := ingest.Queues()["IVAC"]
	require.NotNil(t, queue)
	events := queue.ReadBatch(10)
	require.Len(t, events, 2)
	assert.Equal(t, "ACTIVE", events[0].Value)
	assert.Equal(t, "INACTIVE", events[1].Value)
}

func TestInboundQueueDropsOldest(t *testing.T) {
	mock := upstream.NewMock()
	reg, err := registry.New(mock)
	require.NoError(t, err)
	ingest := NewIngest(mock, reg, 4, nil, nil)

	require.NoError(t, ingest.EnsureAdapter(context.Background(), "IVAC"))

	for i := 1; i <= 6; i++ {
		mock.Emit("IVAC", upstream.RawEvent{ID: "item", Value: fmt.Sprintf("v%d", i)})
	}

	events := ingest.Queues()["IVAC"].ReadBatch(10)
	require.Len(t, events, 4)
	assert.Equal(t, "v3", events[0].Value)
	assert.Equal(t, "v6", events[3].Value)
}

func TestEnsureAdapterSubscribeFailure(t *testing.T) {
	mock := upstream.NewMock()
	mock.SubscribeErr = fmt.Errorf("no such feed")
	ingest := newTestIngest(t, mock)

	err := ingest.EnsureAdapter(context.Background(), "IVAC")
	require.Error(t, err)
	assert.Equal(t, 0, ingest.AdapterCount())

	// A later attempt can still succeed.
	mock.SubscribeErr = nil
	require.NoError(t, ingest.EnsureAdapter(context.Background(), "IVAC"))
	assert.Equal(t, 1, ingest.AdapterCount())
}

func TestRemoveAdapterDetachesSubscription(t *testing.T) {
	mock := upstream.NewMock()
	ingest := newTestIngest(t, mock)

	require.NoError(t, ingest.EnsureAdapter(context.Background(), "IVAC"))
	require.Equal(t, 1, mock.SubscriberCount("IVAC"))

	ingest.RemoveAdapter("IVAC")
	assert.Equal(t, 0, mock.SubscriberCount("IVAC"))
	assert.Equal(t, 0, ingest.AdapterCount())

	// Removing again is harmless.
	ingest.RemoveAdapter("IVAC")
}

func TestStopDetachesAllAdaptersButKeepsFeeds(t *testing.T) {
	mock := upstream.NewMock()
	ingest := newTestIngest(t, mock)
	ctx := context.Background()

	require.NoError(t, ingest.EnsureAdapter(ctx, "IVAC"))
	require.NoError(t, ingest.EnsureAdapter(ctx, "PRESS-1"))

	ingest.Stop()

	assert.Equal(t, 0, ingest.AdapterCount())
	assert.Equal(t, 0, mock.SubscriberCount("IVAC"))
	assert.Equal(t, 0, mock.SubscriberCount("PRESS-1"))
	assert.True(t, mock.HasFeed("IVAC"), "feeds survive broker shutdown")
	assert.True(t, mock.HasFeed("PRESS-1"))
	assert.Equal(t, 0, mock.DropFeedCalls())
}
