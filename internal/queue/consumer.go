package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	fieldJobID   = "job_id"
	fieldPayload = "payload"
)

// Delivery is one stream entry handed to a consumer. It stays pending in the group until acked.
type Delivery struct {
	Topic   string
	ID      string
	JobID   string
	Payload []byte
}

// EnsureGroups creates the consumer group on every topic, creating empty streams as needed.
func (q *RedisQueue) EnsureGroups(ctx context.Context, topics []string) error {
	q.groupMu.Lock()
	defer q.groupMu.Unlock()
	for _, t := range topics {
		if q.groups[t] {
			continue
		}
		err := q.client.XGroupCreateMkStream(ctx, t, q.opts.Group, "0").Err()
		if err != nil && !isBusyGroup(err) {
			return fmt.Errorf("create group %s on %s: %w", q.opts.Group, t, err)
		}
		q.groups[t] = true
	}
	return nil
}

// Read fetches new entries for this consumer across topics. block <= 0 returns immediately.
func (q *RedisQueue) Read(ctx context.Context, topics []string) ([]Delivery, error) {
	if len(topics) == 0 {
		return nil, nil
	}
	if err := q.EnsureGroups(ctx, topics); err != nil {
		return nil, err
	}
	streams := make([]string, 0, len(topics)*2)
	streams = append(streams, topics...)
	for range topics {
		streams = append(streams, ">")
	}
	block := q.opts.Block
	if block <= 0 {
		block = -1
	}
	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.opts.Group,
		Consumer: q.opts.Consumer,
		Streams:  streams,
		Count:    q.opts.Count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}
	var out []Delivery
	for _, stream := range res {
		for _, m := range stream.Messages {
			out = append(out, toDelivery(stream.Stream, m))
		}
	}
	return out, nil
}

// Ack commits a delivery so it is not redelivered.
func (q *RedisQueue) Ack(ctx context.Context, d Delivery) error {
	if err := q.client.XAck(ctx, d.Topic, q.opts.Group, d.ID).Err(); err != nil {
		return fmt.Errorf("xack %s %s: %w", d.Topic, d.ID, err)
	}
	return nil
}

// Reclaim takes over entries another consumer left pending longer than the visibility timeout.
func (q *RedisQueue) Reclaim(ctx context.Context, topics []string) ([]Delivery, error) {
	if err := q.EnsureGroups(ctx, topics); err != nil {
		return nil, err
	}
	var out []Delivery
	for _, t := range topics {
		msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   t,
			Group:    q.opts.Group,
			Consumer: q.opts.Consumer,
			MinIdle:  q.opts.Visibility,
			Start:    "0-0",
			Count:    q.opts.Count,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return out, fmt.Errorf("xautoclaim %s: %w", t, err)
		}
		for _, m := range msgs {
			out = append(out, toDelivery(t, m))
		}
	}
	return out, nil
}

// Visibility reports how long a delivery may stay unacked before another consumer reclaims it.
func (q *RedisQueue) Visibility() time.Duration {
	return q.opts.Visibility
}

func toDelivery(topic string, m redis.XMessage) Delivery {
	d := Delivery{Topic: topic, ID: m.ID}
	if v, ok := m.Values[fieldJobID].(string); ok {
		d.JobID = v
	}
	if v, ok := m.Values[fieldPayload].(string); ok {
		d.Payload = []byte(v)
	}
	return d
}
