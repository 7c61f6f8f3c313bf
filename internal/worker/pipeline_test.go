package worker_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"PulseRelay/internal/delivery"
	"PulseRelay/internal/dispatcher"
	"PulseRelay/internal/escalation"
	"PulseRelay/internal/feed"
	"PulseRelay/internal/metrics"
	"PulseRelay/internal/models"
	"PulseRelay/internal/queue"
	"PulseRelay/internal/retry"
	"PulseRelay/internal/worker"
)

type downSender struct{ calls atomic.Int32 }

func (s *downSender) Send(context.Context, *models.QueueEntry) (models.DeliveryResult, error) {
	s.calls.Add(1)
	return models.DeliveryResult{}, &delivery.DeliveryError{
		Channel:  models.ChannelSMS,
		Category: delivery.CategoryServiceUnavailable,
		Err:      errors.New("gateway returned 503"),
	}
}

// An entry whose provider never recovers travels insert -> failed ->
// escalation rounds -> permanently_failed purely through change events on
// the stream.
func TestPipeline_FailingEntryEndsPermanentlyFailed(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const stream = "pulserelay:changes"
	dispatchFeed := feed.NewStream(client, feed.StreamConfig{Stream: stream, Group: "dispatcher"})
	escalationFeed := feed.NewStream(client, feed.StreamConfig{Stream: stream, Group: "escalation"})
	require.NoError(t, dispatchFeed.EnsureGroup(ctx))
	require.NoError(t, escalationFeed.EnsureGroup(ctx))

	logger := zap.NewNop()
	store := queue.NewMemoryStore()
	sender := &downSender{}
	noRetry := retry.Policy{MaxAttempts: 1}

	dispatch := dispatcher.New(store, sender, metrics.Nop{}, logger, dispatcher.WithStorePolicy(noRetry))
	processor := escalation.NewProcessor(store, sender, metrics.Nop{}, logger,
		escalation.WithPolicy(noRetry),
		escalation.WithStorePolicy(noRetry),
	)
	relay := feed.NewRelay(store, dispatchFeed, 100, 5*time.Millisecond, logger, feed.WithLeaser(store))

	var wg sync.WaitGroup
	worker.StartPool(ctx, &wg, worker.PoolConfig{Name: "dispatch", Workers: 2, Idle: 5 * time.Millisecond},
		dispatchFeed, dispatch, logger)
	worker.StartPool(ctx, &wg, worker.PoolConfig{Name: "escalation", Workers: 2, Idle: 5 * time.Millisecond},
		escalationFeed, escalation.NewMessageHandler(processor, "change_feed", logger), logger)

	relayDone := make(chan error, 1)
	go func() { relayDone <- relay.Run(ctx) }()

	now := time.Now().UTC()
	_, err := store.Enqueue(ctx, &models.QueueEntry{
		ID:         "e2e-1",
		Channel:    models.ChannelSMS,
		Recipient:  "+14155550123",
		Content:    models.RenderedContent{Text: "code 1234"},
		Priority:   models.PriorityHigh,
		Status:     models.StatusPending,
		MaxRetries: 3,
		ExpiresAt:  now.Add(time.Hour),
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		e, err := store.Get(context.Background(), "e2e-1")
		return err == nil && e.Status == models.StatusPermanentlyFailed
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	wg.Wait()
	require.NoError(t, <-relayDone)

	got, err := store.Get(context.Background(), "e2e-1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.RetryCount)
	assert.Contains(t, got.LastError, "503")
	// one dispatch plus two escalation rounds; the third failure spends the budget
	assert.Equal(t, int32(3), sender.calls.Load())

	var statuses []models.Status
	for _, c := range store.Changes() {
		statuses = append(statuses, c.Entry.Status)
	}
	assert.Equal(t, []models.Status{
		models.StatusPending,
		models.StatusFailed,
		models.StatusFailed,
		models.StatusFailed,
		models.StatusPermanentlyFailed,
	}, statuses)
}
