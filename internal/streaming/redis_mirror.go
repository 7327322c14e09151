package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisMirror persists session events to one Redis Stream per session.
type RedisMirror struct {
	client *redis.Client
	prefix string
	maxLen int64
	ttl    time.Duration
}

// NewRedisMirror creates a mirror. maxLen bounds each stream; ttl expires
// idle streams (0 keeps them).
func NewRedisMirror(client *redis.Client, maxLen int64, ttl time.Duration) *RedisMirror {
	if maxLen <= 0 {
		maxLen = DefaultHistory
	}
	return &RedisMirror{client: client, prefix: "research:events:", maxLen: maxLen, ttl: ttl}
}

func (r *RedisMirror) key(sessionID string) string { return r.prefix + sessionID }

// Append adds evt to its session stream.
func (r *RedisMirror) Append(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	key := r.key(evt.SessionID)
	if err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: r.maxLen,
		Values: map[string]interface{}{
			"seq":   strconv.FormatUint(evt.Seq, 10),
			"type":  string(evt.Type),
			"event": string(payload),
		},
	}).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", key, err)
	}
	if r.ttl > 0 {
		if err := r.client.Expire(ctx, key, r.ttl).Err(); err != nil {
			return fmt.Errorf("expire %s: %w", key, err)
		}
	}
	return nil
}

// Since returns mirrored events with Seq > since in publish order.
func (r *RedisMirror) Since(ctx context.Context, sessionID string, since uint64) ([]Event, error) {
	msgs, err := r.client.XRange(ctx, r.key(sessionID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("xrange: %w", err)
	}
	out := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["event"].(string)
		if !ok {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			continue
		}
		if evt.Seq > since {
			out = append(out, evt)
		}
	}
	return out, nil
}
