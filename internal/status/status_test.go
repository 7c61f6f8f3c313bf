package status

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PulseRelay/internal/models"
	"PulseRelay/internal/queue"
)

func seed(t *testing.T, store *queue.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		_, err := store.Enqueue(ctx, &models.QueueEntry{
			ID:             fmt.Sprintf("e%d", i),
			NotificationID: fmt.Sprintf("n%d", i%2),
			Channel:        models.ChannelEmail,
			Recipient:      "a@b.com",
			Content:        models.RenderedContent{Subject: "S", Text: "T"},
			Status:         models.StatusPending,
			MaxRetries:     3,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
		require.NoError(t, err)
	}
	_, err := store.UpdateStatus(ctx, "e0", queue.StatusUpdate{To: models.StatusSent})
	require.NoError(t, err)
	_, err = store.UpdateStatus(ctx, "e1", queue.StatusUpdate{To: models.StatusFailed, Error: "x"})
	require.NoError(t, err)
	_, err = store.UpdateStatus(ctx, "e2", queue.StatusUpdate{To: models.StatusFailed, Error: "x"})
	require.NoError(t, err)
	_, err = store.UpdateStatus(ctx, "e2", queue.StatusUpdate{To: models.StatusPermanentlyFailed})
	require.NoError(t, err)
}

func TestService_Stats(t *testing.T) {
	store := queue.NewMemoryStore()
	seed(t, store)

	st, err := NewService(store).Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 2, Sent: 1, Failed: 1, PermanentlyFailed: 1, Total: 5}, st)
}

func TestService_Lists(t *testing.T) {
	store := queue.NewMemoryStore()
	seed(t, store)
	svc := NewService(store)
	ctx := context.Background()

	pending, err := svc.ListByStatus(ctx, models.StatusPending, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	one, err := svc.ListByStatus(ctx, models.StatusPending, 1)
	require.NoError(t, err)
	assert.Len(t, one, 1)

	_, err = svc.ListByStatus(ctx, models.Status("queued"), 10)
	assert.ErrorIs(t, err, models.ErrValidation)

	byNotif, err := svc.ListByNotification(ctx, "n0")
	require.NoError(t, err)
	assert.Len(t, byNotif, 3)

	_, err = svc.ListByNotification(ctx, "")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestService_GetMissing(t *testing.T) {
	_, err := NewService(queue.NewMemoryStore()).Get(context.Background(), "nope")
	assert.ErrorIs(t, err, queue.ErrNotFound)
}
