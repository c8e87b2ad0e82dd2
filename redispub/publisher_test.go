package redispub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonas747/tsshard"
	"github.com/jonas747/tsshard/orchestrator"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	channel string
	payload []byte
}

type fakeClient struct {
	mu       sync.Mutex
	messages []published
	failNext bool
}

func (f *fakeClient) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	cmd := redis.NewIntCmd(ctx)
	if f.failNext {
		f.failNext = false
		cmd.SetErr(errors.New("connection refused"))
		return cmd
	}

	f.messages = append(f.messages, published{channel: channel, payload: message.([]byte)})
	cmd.SetVal(1)
	return cmd
}

func (f *fakeClient) Close() error { return nil }

func (f *fakeClient) received() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.messages...)
}

var testLogger = &tsshard.StdLogger{Level: tsshard.LogError}

func TestPublishEncodesEvent(t *testing.T) {
	client := &fakeClient{}
	p := NewPublisher(client, "tsshard:events:", testLogger)

	err := p.Publish(context.Background(), orchestrator.ShardAssignmentStarted{Seq: 3, Dataset: "cpu", Shard: 2, Node: "a"})
	require.NoError(t, err)

	msgs := client.received()
	require.Len(t, msgs, 1)
	assert.Equal(t, "tsshard:events:cpu", msgs[0].channel)

	evt, err := DecodeEvent(msgs[0].payload)
	require.NoError(t, err)
	assert.Equal(t, Event{Kind: KindAssignmentStarted, Seq: 3, Dataset: "cpu", Shard: 2, Node: "a"}, evt)
}

func TestPublishError(t *testing.T) {
	client := &fakeClient{failNext: true}
	p := NewPublisher(client, "", testLogger)

	err := p.Publish(context.Background(), orchestrator.ShardDown{Seq: 1, Dataset: "cpu", Shard: 0})
	assert.Error(t, err)
	assert.Empty(t, client.received())
}

func TestRunForwardsManagerEventsInOrder(t *testing.T) {
	m := orchestrator.NewShardManager(nil, testLogger)
	sub := m.Subscribe()
	defer sub.Close()

	client := &fakeClient{}
	p := NewPublisher(client, "ev:", testLogger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx, sub)
		close(done)
	}()

	_, err := m.AddMember(tsshard.ClusterNode{ID: "a"})
	require.NoError(t, err)
	require.NoError(t, m.AddDataset(tsshard.Dataset{Name: "cpu", NumShards: 2}, nil))
	require.NoError(t, m.RemoveMember("a"))

	require.Eventually(t, func() bool { return len(client.received()) == 4 }, time.Second*5, time.Millisecond*10)

	var kinds []string
	var lastSeq uint64
	for _, msg := range client.received() {
		assert.Equal(t, "ev:cpu", msg.channel)

		evt, err := DecodeEvent(msg.payload)
		require.NoError(t, err)
		assert.Greater(t, evt.Seq, lastSeq)
		lastSeq = evt.Seq
		kinds = append(kinds, evt.Kind)
	}

	assert.Equal(t, []string{KindAssignmentStarted, KindAssignmentStarted, KindShardDown, KindShardDown}, kinds)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second * 5):
		t.Fatal("Run did not return after the context was cancelled")
	}
}

func TestRunStopsOnClosedSubscription(t *testing.T) {
	m := orchestrator.NewShardManager(nil, testLogger)
	sub := m.Subscribe()

	p := NewPublisher(&fakeClient{}, "", testLogger)

	done := make(chan struct{})
	go func() {
		p.Run(context.Background(), sub)
		close(done)
	}()

	sub.Close()

	select {
	case <-done:
	case <-time.After(time.Second * 5):
		t.Fatal("Run did not return after the subscription was closed")
	}
}
