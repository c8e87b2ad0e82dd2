package orchestrator

import (
	"sync"
)

// ShardEvent is a record of a single mutation of a shard mapper, emitted in the order the mutations happened.
// The set is closed: ShardAssignmentStarted and ShardDown.
type ShardEvent interface {
	EventSeq() uint64
	EventDataset() string
	isShardEvent()
}

// ShardAssignmentStarted is emitted when Shard of Dataset was assigned to Node
type ShardAssignmentStarted struct {
	Seq     uint64 `json:"seq" msgpack:"seq"`
	Dataset string `json:"dataset" msgpack:"dataset"`
	Shard   int    `json:"shard" msgpack:"shard"`
	Node    string `json:"node" msgpack:"node"`
}

func (e ShardAssignmentStarted) EventSeq() uint64     { return e.Seq }
func (e ShardAssignmentStarted) EventDataset() string { return e.Dataset }
func (ShardAssignmentStarted) isShardEvent()          {}

// ShardDown is emitted when the owner of Shard of Dataset went away
type ShardDown struct {
	Seq     uint64 `json:"seq" msgpack:"seq"`
	Dataset string `json:"dataset" msgpack:"dataset"`
	Shard   int    `json:"shard" msgpack:"shard"`
}

func (e ShardDown) EventSeq() uint64     { return e.Seq }
func (e ShardDown) EventDataset() string { return e.Dataset }
func (ShardDown) isShardEvent()          {}

// Subscription receives every shard event emitted after it was created, in order, on C
type Subscription struct {
	C <-chan ShardEvent

	manager *ShardManager
	q       *queue[ShardEvent]
	done    chan struct{}
	once    sync.Once
}

func newSubscription(m *ShardManager) *Subscription {
	c := make(chan ShardEvent)
	sub := &Subscription{
		C:       c,
		manager: m,
		done:    make(chan struct{}),
	}

	sub.q = newQueue(func(evt ShardEvent) bool {
		select {
		case c <- evt:
			return true
		case <-sub.done:
			return false
		}
	})

	return sub
}

func (s *Subscription) publish(evt ShardEvent) {
	s.q.push(evt)
}

// Close stops delivery of events, pending ones are dropped
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.q.close()
		s.manager.unsubscribe(s)
	})
}

// Pending returns the number of events not yet received from C
func (s *Subscription) Pending() int {
	return s.q.len()
}

// Done is closed once the subscription is closed, C is never closed
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}
