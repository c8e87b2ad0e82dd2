// Package redispub publishes the shard event stream of the orchestrator to redis pub/sub,
// one channel per dataset, so query and reprojection services can follow ownership changes.
package redispub

import (
	"context"
	"time"

	"github.com/jonas747/tsshard"
	"github.com/jonas747/tsshard/orchestrator"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack"
)

// Client is the subset of redis.UniversalClient the publisher needs
type Client interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// Options for connecting to redis, a single address is a standalone server, multiple a cluster
type Options struct {
	Addrs    []string
	Password string
}

// NewUniversalClient creates a redis client and pings it once
func NewUniversalClient(ctx context.Context, opt Options) (Client, error) {
	if len(opt.Addrs) == 0 {
		return nil, errors.New("redis addrs is empty")
	}

	c := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    opt.Addrs,
		Password: opt.Password,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := c.Ping(pingCtx).Err(); err != nil {
		c.Close()
		return nil, errors.WithMessage(err, "redis ping")
	}

	return c, nil
}

const (
	KindAssignmentStarted = "assignment_started"
	KindShardDown         = "shard_down"
)

// Event is the payload published for every shard event
type Event struct {
	Kind    string `msgpack:"kind"`
	Seq     uint64 `msgpack:"seq"`
	Dataset string `msgpack:"dataset"`
	Shard   int    `msgpack:"shard"`
	Node    string `msgpack:"node,omitempty"`
}

// EventFromShardEvent converts a manager event to its published form
func EventFromShardEvent(evt orchestrator.ShardEvent) Event {
	switch t := evt.(type) {
	case orchestrator.ShardAssignmentStarted:
		return Event{Kind: KindAssignmentStarted, Seq: t.Seq, Dataset: t.Dataset, Shard: t.Shard, Node: t.Node}
	case orchestrator.ShardDown:
		return Event{Kind: KindShardDown, Seq: t.Seq, Dataset: t.Dataset, Shard: t.Shard}
	}

	panic("unreachable: unknown shard event")
}

// DecodeEvent decodes a published payload
func DecodeEvent(payload []byte) (Event, error) {
	var evt Event
	err := msgpack.Unmarshal(payload, &evt)
	return evt, errors.WithMessage(err, "msgpack.Unmarshal")
}

// Publisher forwards shard events to redis
type Publisher struct {
	client Client
	prefix string
	logger tsshard.Logger
}

// NewPublisher creates a publisher, events of dataset X go to channel prefix+X
func NewPublisher(client Client, prefix string, logger tsshard.Logger) *Publisher {
	return &Publisher{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

// Channel returns the channel events of the dataset are published to
func (p *Publisher) Channel(dataset string) string {
	return p.prefix + dataset
}

// Publish publishes a single event
func (p *Publisher) Publish(ctx context.Context, evt orchestrator.ShardEvent) error {
	encoded, err := msgpack.Marshal(EventFromShardEvent(evt))
	if err != nil {
		return errors.WithMessage(err, "msgpack.Marshal")
	}

	err = p.client.Publish(ctx, p.Channel(evt.EventDataset()), encoded).Err()
	return errors.WithMessage(err, "redis publish")
}

// Run publishes events from the subscription in order until the context is cancelled or the subscription closed.
// Failed publishes are logged and skipped, redis pub/sub has no delivery guarantees anyways.
func (p *Publisher) Run(ctx context.Context, sub *orchestrator.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case evt := <-sub.C:
			if err := p.Publish(ctx, evt); err != nil {
				tsshard.LogErr(p.logger, tsshard.LogError, err, "redispub: failed publishing event")
			}
		}
	}
}
