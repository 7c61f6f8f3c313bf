// Package feed moves change events from the outbox store to consumers.
//
// The store's change log is relayed onto a Redis stream; consumers read it
// through a consumer group. Messages stay pending until acknowledged, and
// pending messages idle for longer than the reclaim window are handed to the
// next reader. That redelivery is the only retry this package performs.
package feed

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const payloadField = "payload"

// Message is one stream record.
type Message struct {
	ID      string
	Payload []byte
	// Redelivered is set for messages reclaimed from another reader.
	Redelivered bool
}

type StreamConfig struct {
	Stream      string
	Group       string
	BatchSize   int64
	Block       time.Duration // zero or negative disables blocking reads
	ReclaimIdle time.Duration // zero disables reclaiming
	// MaxLen caps the stream length on publish. The cap ignores consumer
	// groups and can drop unread events; zero leaves trimming to TrimAcked.
	MaxLen      int64
}

// Stream is a Redis stream with one consumer group.
type Stream struct {
	client redis.Cmdable
	cfg    StreamConfig
}

func NewStream(client redis.Cmdable, cfg StreamConfig) *Stream {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	return &Stream{client: client, cfg: cfg}
}

func (s *Stream) Name() string { return s.cfg.Stream }

// EnsureGroup creates the stream and consumer group if missing.
func (s *Stream) EnsureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.cfg.Stream, s.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("feed: create group %s on %s: %w", s.cfg.Group, s.cfg.Stream, err)
	}
	return nil
}

// Publish appends payload to the stream and returns the stream id.
func (s *Stream) Publish(ctx context.Context, payload []byte) (string, error) {
	args := &redis.XAddArgs{
		Stream: s.cfg.Stream,
		Values: map[string]interface{}{payloadField: string(payload)},
	}
	if s.cfg.MaxLen > 0 {
		args.MaxLen = s.cfg.MaxLen
		args.Approx = true
	}
	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("feed: publish to %s: %w", s.cfg.Stream, err)
	}
	return id, nil
}

// Read returns the next batch for consumer: reclaimed idle messages first,
// then new ones. An empty batch is not an error.
func (s *Stream) Read(ctx context.Context, consumer string) ([]Message, error) {
	if s.cfg.ReclaimIdle > 0 {
		claimed, err := s.reclaim(ctx, consumer)
		if err != nil {
			return nil, err
		}
		if len(claimed) > 0 {
			return claimed, nil
		}
	}

	block := s.cfg.Block
	if block <= 0 {
		block = -1
	}
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.cfg.Group,
		Consumer: consumer,
		Streams:  []string{s.cfg.Stream, ">"},
		Count:    s.cfg.BatchSize,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("feed: read %s: %w", s.cfg.Stream, err)
	}

	var out []Message
	for _, st := range streams {
		for _, m := range st.Messages {
			out = append(out, toMessage(m, false))
		}
	}
	return out, nil
}

func (s *Stream) reclaim(ctx context.Context, consumer string) ([]Message, error) {
	msgs, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.cfg.Stream,
		Group:    s.cfg.Group,
		Consumer: consumer,
		MinIdle:  s.cfg.ReclaimIdle,
		Start:    "0-0",
		Count:    s.cfg.BatchSize,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("feed: reclaim %s: %w", s.cfg.Stream, err)
	}

	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessage(m, true))
	}
	return out, nil
}

// Ack removes messages from the group's pending list.
func (s *Stream) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.client.XAck(ctx, s.cfg.Stream, s.cfg.Group, ids...).Err(); err != nil {
		return fmt.Errorf("feed: ack %s: %w", s.cfg.Stream, err)
	}
	return nil
}

// Pending returns how many messages are delivered but not yet acknowledged.
func (s *Stream) Pending(ctx context.Context) (int64, error) {
	p, err := s.client.XPending(ctx, s.cfg.Stream, s.cfg.Group).Result()
	if err != nil {
		return 0, fmt.Errorf("feed: pending %s: %w", s.cfg.Stream, err)
	}
	return p.Count, nil
}

// TrimAcked deletes the entries every consumer group on the stream has
// acknowledged. Entries still pending in some group, and entries no group
// has been handed yet, are kept.
func (s *Stream) TrimAcked(ctx context.Context) (int64, error) {
	groups, err := s.client.XInfoGroups(ctx, s.cfg.Stream).Result()
	if err != nil {
		if strings.Contains(err.Error(), "no such key") {
			return 0, nil
		}
		return 0, fmt.Errorf("feed: groups of %s: %w", s.cfg.Stream, err)
	}
	if len(groups) == 0 {
		return 0, nil
	}

	var floor string
	for _, g := range groups {
		keep := g.LastDeliveredID
		if g.Pending > 0 {
			p, err := s.client.XPending(ctx, s.cfg.Stream, g.Name).Result()
			if err != nil {
				return 0, fmt.Errorf("feed: pending %s/%s: %w", s.cfg.Stream, g.Name, err)
			}
			if p.Count > 0 {
				keep = p.Lower
			}
		}
		if floor == "" || compareIDs(keep, floor) < 0 {
			floor = keep
		}
	}
	if floor == "" || compareIDs(floor, "0-0") <= 0 {
		return 0, nil
	}

	n, err := s.client.XTrimMinID(ctx, s.cfg.Stream, floor).Result()
	if err != nil {
		return 0, fmt.Errorf("feed: trim %s: %w", s.cfg.Stream, err)
	}
	return n, nil
}

// compareIDs orders stream ids of the form <ms>-<seq>.
func compareIDs(a, b string) int {
	am, as := splitID(a)
	bm, bs := splitID(b)
	switch {
	case am < bm:
		return -1
	case am > bm:
		return 1
	case as < bs:
		return -1
	case as > bs:
		return 1
	}
	return 0
}

func splitID(id string) (uint64, uint64) {
	ms, seq, _ := strings.Cut(id, "-")
	m, _ := strconv.ParseUint(ms, 10, 64)
	n, _ := strconv.ParseUint(seq, 10, 64)
	return m, n
}

func toMessage(m redis.XMessage, redelivered bool) Message {
	var payload []byte
	switch v := m.Values[payloadField].(type) {
	case string:
		payload = []byte(v)
	case []byte:
		payload = v
	}
	return Message{ID: m.ID, Payload: payload, Redelivered: redelivered}
}
