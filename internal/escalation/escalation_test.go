package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"PulseRelay/internal/delivery"
	"PulseRelay/internal/feed"
	"PulseRelay/internal/metrics"
	"PulseRelay/internal/models"
	"PulseRelay/internal/queue"
	"PulseRelay/internal/retry"
)

type scriptedSender struct {
	errs  []error
	calls int
}

func (s *scriptedSender) Send(_ context.Context, e *models.QueueEntry) (models.DeliveryResult, error) {
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return models.DeliveryResult{}, err
		}
	}
	return models.DeliveryResult{MessageID: "msg-" + e.ID, SentAt: time.Now()}, nil
}

type countingRecorder struct {
	metrics.Nop
	permanent int
}

func (c *countingRecorder) PermanentlyFailed(string) { c.permanent++ }

type downStore struct{ *queue.MemoryStore }

func (downStore) Get(context.Context, string) (*models.QueueEntry, error) {
	return nil, queue.ErrStoreUnavailable
}

var fast = retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Factor: 2}

var noStoreRetry = retry.Policy{MaxAttempts: 1}

func throttled() error {
	return &delivery.DeliveryError{Category: delivery.CategoryThrottling, Err: errors.New("slow down")}
}

func rejected() error {
	return &delivery.DeliveryError{Category: delivery.CategoryInvalidRecipient, Err: errors.New("mailbox unavailable")}
}

// failedEntry stores an entry and fails it retries times through the store.
func failedEntry(t *testing.T, store *queue.MemoryStore, id string, retries int) *models.QueueEntry {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	_, err := store.Enqueue(ctx, &models.QueueEntry{
		ID:         id,
		Channel:    models.ChannelSMS,
		Recipient:  "+14155550123",
		Content:    models.RenderedContent{Text: "code 1234"},
		Status:     models.StatusPending,
		MaxRetries: 3,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	require.NoError(t, err)

	e, err := store.UpdateStatus(ctx, id, queue.StatusUpdate{From: models.StatusPending, To: models.StatusFailed, Error: "throttled"})
	require.NoError(t, err)
	for i := 1; i < retries; i++ {
		e, err = store.UpdateStatus(ctx, id, queue.StatusUpdate{From: models.StatusFailed, To: models.StatusFailed, Error: "throttled"})
		require.NoError(t, err)
	}
	return e
}

func newProcessor(store queue.Store, s Sender, rec metrics.Recorder) *Processor {
	return NewProcessor(store, s, rec, zap.NewNop(), WithPolicy(fast), WithStorePolicy(noStoreRetry))
}

func TestHandle_ExhaustedBudgetIsPermanentWithoutSending(t *testing.T) {
	store := queue.NewMemoryStore()
	e := failedEntry(t, store, "e1", 3)
	require.Equal(t, 3, e.RetryCount)

	sender := &scriptedSender{}
	rec := &countingRecorder{}
	p := newProcessor(store, sender, rec)

	out, err := p.Handle(context.Background(), Envelope{EntryID: "e1", Entry: e})
	require.NoError(t, err)
	assert.Equal(t, OutcomePermanentlyFailed, out)
	assert.Zero(t, sender.calls)

	got, _ := store.Get(context.Background(), "e1")
	assert.Equal(t, models.StatusPermanentlyFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	assert.Equal(t, 1, rec.permanent)
}

func TestHandle_RetrySuccessMarksSent(t *testing.T) {
	store := queue.NewMemoryStore()
	e := failedEntry(t, store, "e1", 1)

	sender := &scriptedSender{errs: []error{throttled(), nil}}
	p := newProcessor(store, sender, metrics.Nop{})

	out, err := p.Handle(context.Background(), Envelope{EntryID: "e1", Entry: e, Snapshot: true})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, out)
	assert.Equal(t, 2, sender.calls)

	got, _ := store.Get(context.Background(), "e1")
	assert.Equal(t, models.StatusSent, got.Status)
	assert.Equal(t, "msg-e1", got.LastResult.MessageID)
	assert.LessOrEqual(t, got.RetryCount, got.MaxRetries)
}

func TestHandle_FailureIsRecordedAndPropagated(t *testing.T) {
	store := queue.NewMemoryStore()
	e := failedEntry(t, store, "e1", 1)

	sender := &scriptedSender{errs: []error{throttled(), throttled()}}
	p := newProcessor(store, sender, metrics.Nop{})

	out, err := p.Handle(context.Background(), Envelope{EntryID: "e1", Entry: e, Snapshot: true})
	require.Error(t, err)
	assert.True(t, delivery.IsRetryable(err))
	assert.Equal(t, OutcomeTransientFailure, out)
	assert.Equal(t, 2, sender.calls)

	got, _ := store.Get(context.Background(), "e1")
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 2, got.RetryCount)
}

func TestHandle_NonRetryableErrorStopsAfterOneAttempt(t *testing.T) {
	store := queue.NewMemoryStore()
	e := failedEntry(t, store, "e1", 1)

	sender := &scriptedSender{errs: []error{rejected(), nil}}
	p := newProcessor(store, sender, metrics.Nop{})

	out, err := p.Handle(context.Background(), Envelope{EntryID: "e1", Entry: e, Snapshot: true})
	require.Error(t, err)
	assert.Equal(t, OutcomeTransientFailure, out)
	assert.Equal(t, 1, sender.calls)
}

func TestHandle_BudgetBoundsEscalationRounds(t *testing.T) {
	store := queue.NewMemoryStore()
	failedEntry(t, store, "e1", 1)

	sender := &scriptedSender{errs: []error{throttled(), throttled(), throttled(), throttled(), throttled(), throttled()}}
	p := newProcessor(store, sender, metrics.Nop{})
	ctx := context.Background()

	var outcomes []Outcome
	for i := 0; i < 5; i++ {
		out, _ := p.Handle(ctx, Envelope{EntryID: "e1"})
		outcomes = append(outcomes, out)
	}

	assert.Equal(t, []Outcome{
		OutcomeTransientFailure,
		OutcomeTransientFailure,
		OutcomePermanentlyFailed,
		OutcomeSkipped,
		OutcomeSkipped,
	}, outcomes)

	got, _ := store.Get(ctx, "e1")
	assert.Equal(t, models.StatusPermanentlyFailed, got.Status)
	assert.Equal(t, got.MaxRetries, got.RetryCount)
}

func TestHandle_SkipsStaleAndNonFailedRecords(t *testing.T) {
	store := queue.NewMemoryStore()
	e := failedEntry(t, store, "e1", 2)
	sender := &scriptedSender{}
	p := newProcessor(store, sender, metrics.Nop{})
	ctx := context.Background()

	stale := e.Clone()
	stale.RetryCount = 1
	out, err := p.Handle(ctx, Envelope{EntryID: "e1", Entry: stale, Snapshot: true})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, out)

	pending := e.Clone()
	pending.Status = models.StatusPending
	out, err = p.Handle(ctx, Envelope{EntryID: "e1", Entry: pending, Snapshot: true})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, out)

	assert.Zero(t, sender.calls)
}

// gatedSender fails every send, but only after all expected callers are
// inside Send.
type gatedSender struct {
	arrived chan struct{}
	release chan struct{}
}

func (g *gatedSender) Send(context.Context, *models.QueueEntry) (models.DeliveryResult, error) {
	g.arrived <- struct{}{}
	<-g.release
	return models.DeliveryResult{}, throttled()
}

func TestHandle_DuplicateEventsRecordOneFailure(t *testing.T) {
	store := queue.NewMemoryStore()
	e := failedEntry(t, store, "e1", 2)

	sender := &gatedSender{arrived: make(chan struct{}, 2), release: make(chan struct{})}
	p := NewProcessor(store, sender, metrics.Nop{}, zap.NewNop(),
		WithPolicy(retry.Policy{MaxAttempts: 1}),
		WithStorePolicy(noStoreRetry),
	)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[Outcome]int{}
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, _ := p.Handle(ctx, Envelope{EntryID: "e1", Entry: e.Clone(), Snapshot: true})
			mu.Lock()
			outcomes[out]++
			mu.Unlock()
		}()
	}
	<-sender.arrived
	<-sender.arrived
	close(sender.release)
	wg.Wait()

	assert.Equal(t, map[Outcome]int{OutcomeTransientFailure: 1, OutcomeSkipped: 1}, outcomes)

	got, err := store.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	assert.LessOrEqual(t, got.RetryCount, got.MaxRetries)
}

func TestNormalize_Shapes(t *testing.T) {
	entry := &models.QueueEntry{ID: "e1", Channel: models.ChannelEmail, Recipient: "a@b.com", Status: models.StatusFailed, RetryCount: 1}

	change, err := queue.ChangeEvent{Seq: 4, Kind: queue.ChangeUpdate, EntryID: "e1", Entry: entry}.Marshal()
	require.NoError(t, err)
	raw, err := json.Marshal(entry)
	require.NoError(t, err)

	env, err := Normalize(change)
	require.NoError(t, err)
	assert.True(t, env.Snapshot)
	assert.Equal(t, "e1", env.EntryID)
	assert.Equal(t, 1, env.Entry.RetryCount)

	env, err = Normalize(raw)
	require.NoError(t, err)
	assert.False(t, env.Snapshot)
	require.NotNil(t, env.Entry)
	assert.Equal(t, models.ChannelEmail, env.Entry.Channel)

	env, err = Normalize([]byte(`{"id":"e1"}`))
	require.NoError(t, err)
	assert.Equal(t, "e1", env.EntryID)
	assert.Nil(t, env.Entry)

	for _, bad := range []string{``, `[]`, `"e1"`, `{}`, `{"foo":"bar"}`, `{"kind":"update"}`, `{"id":`} {
		_, err := Normalize([]byte(bad))
		assert.ErrorIs(t, err, ErrMalformedMessage, "payload %q", bad)
	}
}

func TestMessageHandler_AckDecisions(t *testing.T) {
	store := queue.NewMemoryStore()
	failedEntry(t, store, "e1", 1)
	ctx := context.Background()

	sender := &scriptedSender{errs: []error{throttled(), throttled()}}
	h := NewMessageHandler(newProcessor(store, sender, metrics.Nop{}), "dlq", zap.NewNop())

	assert.NoError(t, h.Handle(ctx, feed.Message{ID: "1-0", Payload: []byte("garbage")}), "malformed is acked")
	assert.NoError(t, h.Handle(ctx, feed.Message{ID: "2-0", Payload: []byte(`{"id":"e1"}`)}), "recorded failure is acked")
	assert.NoError(t, h.Handle(ctx, feed.Message{ID: "3-0", Payload: []byte(`{"id":"missing"}`)}), "missing entry is acked")

	down := NewMessageHandler(newProcessor(downStore{store}, sender, metrics.Nop{}), "dlq", zap.NewNop())
	err := down.Handle(ctx, feed.Message{ID: "4-0", Payload: []byte(`{"id":"e1"}`)})
	assert.ErrorIs(t, err, queue.ErrStoreUnavailable, "store outage leaves the message pending")
}
