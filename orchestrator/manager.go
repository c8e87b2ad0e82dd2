package orchestrator

import (
	"fmt"
	"sync"

	"github.com/jonas747/tsshard"
	"github.com/jonas747/tsshard/shardmap"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// Coordinator is the receiving end of shard lifecycle commands on a node.
// SendCommand must not block, delivery is best effort and never acknowledged.
type Coordinator interface {
	SendCommand(cmd tsshard.Command)
}

// CoordinatorProvider looks up the coordinator of a node, returning nil if the node is unreachable
type CoordinatorProvider interface {
	Coordinator(nodeID string) Coordinator
}

var (
	ErrNodeExists    = errors.New("node already a member")
	ErrDatasetExists = errors.New("dataset already registered")
	ErrDuplicateNode = errors.New("node listed more than once")
)

// ShardManager owns the shard mappers of every dataset and is the only thing that mutates them.
//
// All mutating operations are serialized and each one runs to completion (including every assignment pass it triggers)
// before the next one starts. Mapper mutations and events are authoritative, commands to nodes are fire and forget.
type ShardManager struct {
	// these fields are only safe to edit before the manager is used
	Strategy     shardmap.Strategy
	Coordinators CoordinatorProvider
	Logger       tsshard.Logger

	// below fields are protected by the following mutex
	mu sync.Mutex

	datasets []string // registration order
	mappers  map[string]*shardmap.Mapper
	nodes    []tsshard.ClusterNode // join order

	lastJoinSeq  uint64
	lastEventSeq uint64

	subsMu sync.Mutex
	subs   []*Subscription
}

func NewShardManager(coordinators CoordinatorProvider, logger tsshard.Logger) *ShardManager {
	return &ShardManager{
		Strategy:     shardmap.EvenStrategy{},
		Coordinators: coordinators,
		Logger:       logger,
		mappers:      make(map[string]*shardmap.Mapper),
	}
}

// HandleEvent processes a single inbound membership or dataset event
func (m *ShardManager) HandleEvent(evt MembershipEvent) error {
	switch t := evt.(type) {
	case MemberUp:
		_, err := m.AddMember(t.Node)
		return err
	case MemberRemoved:
		return m.RemoveMember(t.NodeID)
	case DatasetAdded:
		return m.AddDataset(t.Dataset, t.Nodes)
	}

	return errors.Errorf("unknown membership event %T", evt)
}

// AddMember admits node to the cluster, giving it the next join sequence, then lets it pick up
// unowned shards of every dataset in registration order
func (m *ShardManager) AddMember(node tsshard.ClusterNode) (tsshard.ClusterNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.findNode(node.ID) != -1 {
		return node, errors.WithMessagef(ErrNodeExists, "add %q", node.ID)
	}

	m.lastJoinSeq++
	node.JoinSeq = m.lastJoinSeq
	m.nodes = append(m.nodes, node)

	m.Log(tsshard.LogInfo, nil, fmt.Sprintf("member up: %s (%s) seq %d", node.ID, node.Addr, node.JoinSeq))

	for _, name := range m.datasets {
		mapper := m.mappers[name]
		mapper.RegisterNode(node.ID)

		err := m.assignPass(mapper, m.nodes, node.ID)
		if err != nil {
			return node, err
		}
	}

	return node, nil
}

// AddDataset registers a dataset with all its shards unassigned, then offers them to deployment
// in reverse order. An empty deployment means all known nodes in join order.
func (m *ShardManager) AddDataset(ds tsshard.Dataset, deployment []string) error {
	if err := ds.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.mappers[ds.Name]; ok {
		return errors.WithMessagef(ErrDatasetExists, "add %q", ds.Name)
	}

	var nodes []tsshard.ClusterNode
	if len(deployment) == 0 {
		nodes = append(nodes, m.nodes...)
	} else {
		seen := make(map[string]bool, len(deployment))
		for _, id := range deployment {
			if seen[id] {
				return errors.WithMessagef(ErrDuplicateNode, "deploy %q on %q", ds.Name, id)
			}
			seen[id] = true

			idx := m.findNode(id)
			if idx == -1 {
				return errors.WithMessagef(shardmap.ErrUnknownNode, "deploy %q on %q", ds.Name, id)
			}

			nodes = append(nodes, m.nodes[idx])
		}
	}

	mapper := shardmap.NewMapper(ds)
	for _, n := range m.nodes {
		mapper.RegisterNode(n.ID)
	}

	m.mappers[ds.Name] = mapper
	m.datasets = append(m.datasets, ds.Name)

	m.Log(tsshard.LogInfo, nil, fmt.Sprintf("dataset added: %s (%d shards) on %d nodes", ds.Name, ds.NumShards, len(nodes)))

	for i := len(nodes) - 1; i >= 0; i-- {
		err := m.assignPass(mapper, nodes, nodes[i].ID)
		if err != nil {
			return err
		}
	}

	return nil
}

// RemoveMember takes every shard away from the node, marking them down, then offers the freed shards to the
// remaining nodes, most recently joined first
func (m *ShardManager) RemoveMember(nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.findNode(nodeID)
	if idx == -1 {
		return errors.WithMessagef(shardmap.ErrUnknownNode, "remove %q", nodeID)
	}

	m.Log(tsshard.LogInfo, nil, "member removed: "+nodeID)

	for _, name := range m.datasets {
		mapper := m.mappers[name]
		err := m.releaseAll(mapper, nodeID)
		if err != nil {
			return err
		}

		err = mapper.RemoveNode(nodeID)
		if err != nil {
			return err
		}
	}

	m.nodes = slices.Delete(m.nodes, idx, idx+1)

	for _, name := range m.datasets {
		mapper := m.mappers[name]
		for i := len(m.nodes) - 1; i >= 0; i-- {
			err := m.assignPass(mapper, m.nodes, m.nodes[i].ID)
			if err != nil {
				return err
			}
		}

		if down := mapper.Snapshot().CountByStatus(shardmap.StatusDown); down > 0 {
			m.Log(tsshard.LogWarning, nil, fmt.Sprintf("%s: %d shards left without an owner", name, down))
		}
	}

	return nil
}

// RemoveDataset stops every assigned shard of the dataset and forgets about it
func (m *ShardManager) RemoveDataset(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mapper, ok := m.mappers[name]
	if !ok {
		return errors.WithMessagef(shardmap.ErrUnknownDataset, "remove %q", name)
	}

	for _, n := range m.nodes {
		err := m.releaseAll(mapper, n.ID)
		if err != nil {
			return err
		}
	}

	delete(m.mappers, name)
	m.datasets = slices.DeleteFunc(m.datasets, func(s string) bool { return s == name })

	m.Log(tsshard.LogInfo, nil, "dataset removed: "+name)
	return nil
}

// assignPass runs the strategy for a single (dataset, node) pair and applies its changes
func (m *ShardManager) assignPass(mapper *shardmap.Mapper, nodes []tsshard.ClusterNode, nodeID string) error {
	changes, err := m.Strategy.AssignmentsFor(mapper.Snapshot(), nodes, nodeID)
	if err != nil {
		return errors.WithMessagef(err, "assignments for %q in %q", nodeID, mapper.Dataset().Name)
	}

	for _, c := range changes {
		err = m.applyChange(mapper, c)
		if err != nil {
			return err
		}
	}

	return nil
}

func (m *ShardManager) applyChange(mapper *shardmap.Mapper, c shardmap.Change) error {
	ds := mapper.Dataset()

	switch c.Kind {
	case shardmap.ChangeAdd:
		err := mapper.Assign(c.Shard, c.Node)
		if err != nil {
			return err
		}

		m.emit(ShardAssignmentStarted{Seq: m.nextEventSeq(), Dataset: ds.Name, Shard: c.Shard, Node: c.Node})
		m.send(c.Node, &tsshard.DatasetSetupData{Dataset: ds.Name, Schema: ds.Schema})
		m.send(c.Node, &tsshard.StartShardIngestionData{Dataset: ds.Name, Shard: c.Shard})

	case shardmap.ChangeRemove:
		err := mapper.Unassign(c.Shard, shardmap.StatusUnassigned)
		if err != nil {
			return err
		}

		m.emit(ShardDown{Seq: m.nextEventSeq(), Dataset: ds.Name, Shard: c.Shard})
		m.send(c.Node, &tsshard.StopShardIngestionData{Dataset: ds.Name, Shard: c.Shard})
	}

	return nil
}

// releaseAll marks every shard nodeID owns in the mapper as down
func (m *ShardManager) releaseAll(mapper *shardmap.Mapper, nodeID string) error {
	name := mapper.Dataset().Name
	for _, shard := range mapper.OwnersOf(nodeID) {
		err := mapper.Unassign(shard, shardmap.StatusDown)
		if err != nil {
			return err
		}

		m.emit(ShardDown{Seq: m.nextEventSeq(), Dataset: name, Shard: shard})
		m.send(nodeID, &tsshard.StopShardIngestionData{Dataset: name, Shard: shard})
	}

	return nil
}

func (m *ShardManager) nextEventSeq() uint64 {
	m.lastEventSeq++
	return m.lastEventSeq
}

func (m *ShardManager) send(nodeID string, cmd tsshard.Command) {
	var coord Coordinator
	if m.Coordinators != nil {
		coord = m.Coordinators.Coordinator(nodeID)
	}

	if coord == nil {
		m.Log(tsshard.LogDebug, nil, fmt.Sprintf("no coordinator for %s, dropping %s", nodeID, cmd.EvtID()))
		return
	}

	coord.SendCommand(cmd)
}

func (m *ShardManager) emit(evt ShardEvent) {
	m.subsMu.Lock()
	for _, s := range m.subs {
		s.publish(evt)
	}
	m.subsMu.Unlock()
}

// Subscribe returns a subscription receiving every event emitted from now on
func (m *ShardManager) Subscribe() *Subscription {
	sub := newSubscription(m)

	m.subsMu.Lock()
	m.subs = append(m.subs, sub)
	m.subsMu.Unlock()

	return sub
}

func (m *ShardManager) unsubscribe(sub *Subscription) {
	m.subsMu.Lock()
	m.subs = slices.DeleteFunc(m.subs, func(s *Subscription) bool { return s == sub })
	m.subsMu.Unlock()
}

func (m *ShardManager) findNode(id string) int {
	return slices.IndexFunc(m.nodes, func(n tsshard.ClusterNode) bool { return n.ID == id })
}

// HasMember returns true if nodeID is a known member
func (m *ShardManager) HasMember(nodeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findNode(nodeID) != -1
}

// Nodes returns the known nodes in join order
func (m *ShardManager) Nodes() []tsshard.ClusterNode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.nodes)
}

// Datasets returns the registered datasets in registration order
func (m *ShardManager) Datasets() []tsshard.Dataset {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]tsshard.Dataset, 0, len(m.datasets))
	for _, name := range m.datasets {
		result = append(result, m.mappers[name].Dataset())
	}

	return result
}

// Snapshot returns the current assignment table of a dataset
func (m *ShardManager) Snapshot(dataset string) (*shardmap.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mapper, ok := m.mappers[dataset]
	if !ok {
		return nil, errors.WithMessagef(shardmap.ErrUnknownDataset, "%q", dataset)
	}

	return mapper.Snapshot(), nil
}

// Route finds the shard a series key of dataset belongs to and the node owning it, nodeID is empty if the shard has no owner
func (m *ShardManager) Route(dataset string, key []byte) (shard int, nodeID string, err error) {
	snap, err := m.Snapshot(dataset)
	if err != nil {
		return 0, "", err
	}

	shard, nodeID, _ = snap.Route(key)
	return shard, nodeID, nil
}

// OwnedBy returns the shards nodeID owns in every dataset, keyed by dataset
func (m *ShardManager) OwnedBy(nodeID string) map[string][]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make(map[string][]int)
	for _, name := range m.datasets {
		if owned := m.mappers[name].OwnersOf(nodeID); len(owned) > 0 {
			result[name] = owned
		}
	}

	return result
}

func (m *ShardManager) Log(level tsshard.LogLevel, err error, msg string) {
	tsshard.LogErr(m.Logger, level, err, "shardmanager: "+msg)
}
