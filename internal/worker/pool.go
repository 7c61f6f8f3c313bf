package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"PulseRelay/internal/feed"
)

// Source is a consumer-group backed message source.
type Source interface {
	Read(ctx context.Context, consumer string) ([]feed.Message, error)
	Ack(ctx context.Context, ids ...string) error
}

// Handler processes one message. A nil error acknowledges it; any error
// leaves it pending for redelivery.
type Handler interface {
	Handle(ctx context.Context, msg feed.Message) error
}

type HandlerFunc func(ctx context.Context, msg feed.Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg feed.Message) error { return f(ctx, msg) }

type PoolConfig struct {
	Name    string // used as the consumer name prefix
	Workers int
	// Idle is how long a worker sleeps after an empty read or a read error.
	Idle time.Duration
}

// StartPool starts cfg.Workers consumers on src. Each worker processes its
// batch in stream order. The pool stops when ctx is cancelled; wg tracks
// the worker goroutines.
func StartPool(
	ctx context.Context,
	wg *sync.WaitGroup,
	cfg PoolConfig,
	src Source,
	h Handler,
	logger *zap.Logger,
) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Idle <= 0 {
		cfg.Idle = 100 * time.Millisecond
	}

	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)

		go func(id int) {
			defer wg.Done()

			consumer := fmt.Sprintf("%s-%d", cfg.Name, id)
			log := logger.With(zap.String("pool", cfg.Name), zap.Int("worker_id", id))
			log.Info("worker started")

			for {
				if ctx.Err() != nil {
					log.Info("worker shutting down")
					return
				}

				msgs, err := src.Read(ctx, consumer)
				if err != nil {
					if ctx.Err() == nil {
						log.Error("read failed", zap.Error(err))
					}
					sleep(ctx, cfg.Idle)
					continue
				}
				if len(msgs) == 0 {
					sleep(ctx, cfg.Idle)
					continue
				}

				processBatch(ctx, src, h, msgs, log)
			}
		}(i)
	}
}

func processBatch(ctx context.Context, src Source, h Handler, msgs []feed.Message, log *zap.Logger) {
	acks := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if err := h.Handle(ctx, m); err != nil {
			log.Warn("message left for redelivery",
				zap.String("message_id", m.ID),
				zap.Bool("redelivered", m.Redelivered),
				zap.Error(err),
			)
			continue
		}
		acks = append(acks, m.ID)
	}

	if len(acks) == 0 {
		return
	}
	// acks go out even while shutting down so finished work is not redone
	ackCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ackCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
	}
	if err := src.Ack(ackCtx, acks...); err != nil {
		log.Error("ack failed", zap.Int("count", len(acks)), zap.Error(err))
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
