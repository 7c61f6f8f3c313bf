// Package delivery turns an already rendered queue entry into a provider call.
//
// Each channel has its own Sender variant; the Executor picks one per entry,
// applies the provider-imposed rate limit and circuit breaker, and normalises
// every failure into a *DeliveryError carrying its retry classification.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"PulseRelay/internal/models"
)

// Sender sends one entry over one channel.
type Sender interface {
	Send(ctx context.Context, entry *models.QueueEntry) (models.DeliveryResult, error)
}

// BreakerConfig trips the channel breaker after ConsecutiveFailures retryable
// failures and probes again after Timeout with up to MaxRequests calls.
type BreakerConfig struct {
	ConsecutiveFailures uint32
	Timeout             time.Duration
	MaxRequests         uint32
}

type channelSender struct {
	sender  Sender
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

type Executor struct {
	channels map[models.Channel]*channelSender
	logger   *zap.Logger
}

type Option func(*Executor)

// WithRateLimit caps sends on a channel at the provider's limit.
func WithRateLimit(ch models.Channel, perSecond float64, burst int) Option {
	return func(x *Executor) {
		if cs := x.channels[ch]; cs != nil && perSecond > 0 {
			if burst < 1 {
				burst = 1
			}
			cs.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithBreaker installs a circuit breaker on a channel.
func WithBreaker(ch models.Channel, cfg BreakerConfig) Option {
	return func(x *Executor) {
		cs := x.channels[ch]
		if cs == nil || cfg.ConsecutiveFailures == 0 {
			return
		}
		logger := x.logger
		cs.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "provider-" + string(ch),
			MaxRequests: cfg.MaxRequests,
			Timeout:     cfg.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
			},
			// permanent recipient errors say nothing about provider health
			IsSuccessful: func(err error) bool {
				return err == nil || !IsRetryable(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("provider circuit breaker state changed",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		})
	}
}

// NewExecutor builds an executor from explicitly constructed channel senders.
// A nil sender leaves that channel unsupported.
func NewExecutor(email, sms Sender, logger *zap.Logger, opts ...Option) *Executor {
	x := &Executor{
		channels: make(map[models.Channel]*channelSender, 2),
		logger:   logger,
	}
	if email != nil {
		x.channels[models.ChannelEmail] = &channelSender{sender: email}
	}
	if sms != nil {
		x.channels[models.ChannelSMS] = &channelSender{sender: sms}
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Send delivers the entry's rendered content. It never looks at status or
// scheduled_at. Errors are always *DeliveryError.
func (x *Executor) Send(ctx context.Context, entry *models.QueueEntry) (models.DeliveryResult, error) {
	log := x.logger.With(
		zap.String("entry_id", entry.ID),
		zap.String("channel", string(entry.Channel)),
		zap.String("recipient", MaskRecipient(entry.Channel, entry.Recipient)),
	)

	cs, ok := x.channels[entry.Channel]
	if !ok {
		err := &DeliveryError{
			Channel:  entry.Channel,
			Category: CategoryInvalidRequest,
			Err:      fmt.Errorf("no sender configured for channel %q", entry.Channel),
		}
		log.Error("delivery rejected", zap.Error(err))
		return models.DeliveryResult{}, err
	}

	// ----------------------------
	// Provider rate limit
	// ----------------------------
	if cs.limiter != nil {
		if err := cs.limiter.Wait(ctx); err != nil {
			derr := &DeliveryError{Channel: entry.Channel, Category: CategoryThrottling, Err: err}
			log.Warn("provider rate limit wait aborted", zap.Error(derr))
			return models.DeliveryResult{}, derr
		}
	}

	start := time.Now()
	res, err := cs.send(ctx, entry)
	if err != nil {
		derr := normalize(entry.Channel, err)
		log.Warn("delivery failed",
			zap.String("category", string(derr.Category)),
			zap.Bool("retryable", derr.Retryable()),
			zap.Duration("took", time.Since(start)),
			zap.Error(derr.Err),
		)
		return models.DeliveryResult{}, derr
	}

	log.Info("delivery succeeded",
		zap.String("provider_message_id", res.MessageID),
		zap.Duration("took", time.Since(start)),
	)
	return res, nil
}

func (cs *channelSender) send(ctx context.Context, entry *models.QueueEntry) (models.DeliveryResult, error) {
	if cs.breaker == nil {
		return cs.sender.Send(ctx, entry)
	}

	out, err := cs.breaker.Execute(func() (interface{}, error) {
		return cs.sender.Send(ctx, entry)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return models.DeliveryResult{}, &DeliveryError{Channel: entry.Channel, Category: CategoryCircuitOpen, Err: err}
		}
		return models.DeliveryResult{}, err
	}
	return out.(models.DeliveryResult), nil
}
