package escalation

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"PulseRelay/internal/feed"
	"PulseRelay/internal/queue"
)

// MessageHandler is the outer message loop around a Processor. It decides
// which messages are acknowledged: malformed messages and recorded failures
// are, anything the store could not persist is left for redelivery.
type MessageHandler struct {
	processor *Processor
	source    string
	logger    *zap.Logger
}

func NewMessageHandler(p *Processor, source string, logger *zap.Logger) *MessageHandler {
	return &MessageHandler{processor: p, source: source, logger: logger.With(zap.String("source", source))}
}

func (h *MessageHandler) Handle(ctx context.Context, msg feed.Message) error {
	env, err := Normalize(msg.Payload)
	if err != nil {
		h.logger.Error("discarding malformed escalation message",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		h.processor.metrics.MalformedMessage(h.source)
		return nil
	}

	out, err := h.processor.Handle(ctx, env)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, queue.ErrStoreUnavailable), ctx.Err() != nil:
		return err
	case errors.Is(err, queue.ErrNotFound):
		h.logger.Info("escalated entry no longer exists", zap.String("entry_id", env.EntryID))
		return nil
	case out == OutcomeTransientFailure:
		// the recorded failure emits the event for the next round
		return nil
	}
	return err
}
