// Package shardmap keeps track of which node owns which shard of a dataset, and decides
// which unowned shards a node should pick up.
//
// A Mapper is not safe for concurrent use, it is owned by a single writer (the shard manager)
// which hands out immutable Snapshots to everything else.
package shardmap

import (
	"sort"

	"github.com/jonas747/tsshard"
	"github.com/pkg/errors"
)

type ShardStatus int

const (
	StatusUnassigned ShardStatus = iota
	StatusAssigned
	StatusDown
)

func (s ShardStatus) String() string {
	switch s {
	case StatusUnassigned:
		return "unassigned"
	case StatusAssigned:
		return "assigned"
	case StatusDown:
		return "down"
	}

	return "unknown"
}

var (
	ErrUnknownDataset   = errors.New("unknown dataset")
	ErrUnknownNode      = errors.New("unknown node")
	ErrShardOutOfRange  = errors.New("shard out of range")
	ErrShardAssigned    = errors.New("shard already assigned")
	ErrShardNotAssigned = errors.New("shard not assigned")
	ErrBadStatus        = errors.New("shard can only be released to unassigned or down")
	ErrNodeOwnsShards   = errors.New("node still owns shards")
)

// Mapper is the assignment table of a single dataset
type Mapper struct {
	dataset tsshard.Dataset

	statuses []ShardStatus
	owners   []string

	// node id -> set of owned shards
	owned map[string]map[int]struct{}
}

// NewMapper creates a mapper with every shard of ds unassigned
func NewMapper(ds tsshard.Dataset) *Mapper {
	return &Mapper{
		dataset:  ds,
		statuses: make([]ShardStatus, ds.NumShards),
		owners:   make([]string, ds.NumShards),
		owned:    make(map[string]map[int]struct{}),
	}
}

func (m *Mapper) Dataset() tsshard.Dataset {
	return m.dataset
}

func (m *Mapper) NumShards() int {
	return len(m.statuses)
}

// RegisterNode adds an empty ownership entry for the node, does nothing if it's already there
func (m *Mapper) RegisterNode(nodeID string) {
	if _, ok := m.owned[nodeID]; ok {
		return
	}

	m.owned[nodeID] = make(map[int]struct{})
}

// RemoveNode drops the ownership entry of a node, the node has to have released all its shards first
func (m *Mapper) RemoveNode(nodeID string) error {
	shards, ok := m.owned[nodeID]
	if !ok {
		return errors.WithMessagef(ErrUnknownNode, "remove %q", nodeID)
	}

	if len(shards) > 0 {
		return errors.WithMessagef(ErrNodeOwnsShards, "remove %q (%d shards)", nodeID, len(shards))
	}

	delete(m.owned, nodeID)
	return nil
}

func (m *Mapper) HasNode(nodeID string) bool {
	_, ok := m.owned[nodeID]
	return ok
}

func (m *Mapper) checkShard(shard int) error {
	if shard < 0 || shard >= len(m.statuses) {
		return errors.WithMessagef(ErrShardOutOfRange, "%s/%d", m.dataset.Name, shard)
	}

	return nil
}

// Assign gives the shard to nodeID, the shard must currently be unassigned or down
func (m *Mapper) Assign(shard int, nodeID string) error {
	if err := m.checkShard(shard); err != nil {
		return err
	}

	set, ok := m.owned[nodeID]
	if !ok {
		return errors.WithMessagef(ErrUnknownNode, "assign %s/%d to %q", m.dataset.Name, shard, nodeID)
	}

	if m.statuses[shard] == StatusAssigned {
		return errors.WithMessagef(ErrShardAssigned, "%s/%d is owned by %q", m.dataset.Name, shard, m.owners[shard])
	}

	m.statuses[shard] = StatusAssigned
	m.owners[shard] = nodeID
	set[shard] = struct{}{}
	return nil
}

// Unassign takes the shard away from its owner, leaving it in status (unassigned or down)
func (m *Mapper) Unassign(shard int, status ShardStatus) error {
	if err := m.checkShard(shard); err != nil {
		return err
	}

	if status != StatusUnassigned && status != StatusDown {
		return ErrBadStatus
	}

	if m.statuses[shard] != StatusAssigned {
		return errors.WithMessagef(ErrShardNotAssigned, "%s/%d is %s", m.dataset.Name, shard, m.statuses[shard])
	}

	owner := m.owners[shard]
	delete(m.owned[owner], shard)

	m.statuses[shard] = status
	m.owners[shard] = ""
	return nil
}

func (m *Mapper) Status(shard int) ShardStatus {
	return m.statuses[shard]
}

// Owner returns the owner of the shard, ok is false unless the shard is assigned
func (m *Mapper) Owner(shard int) (nodeID string, ok bool) {
	if m.statuses[shard] != StatusAssigned {
		return "", false
	}

	return m.owners[shard], true
}

// OwnersOf returns the shards owned by nodeID in ascending order
func (m *Mapper) OwnersOf(nodeID string) []int {
	set := m.owned[nodeID]
	result := make([]int, 0, len(set))
	for s := range set {
		result = append(result, s)
	}

	sort.Ints(result)
	return result
}

// Snapshot returns an immutable copy of the current state
func (m *Mapper) Snapshot() *Snapshot {
	snap := &Snapshot{
		dataset:  m.dataset,
		statuses: make([]ShardStatus, len(m.statuses)),
		owners:   make([]string, len(m.owners)),
		counts:   make(map[string]int, len(m.owned)),
	}

	copy(snap.statuses, m.statuses)
	copy(snap.owners, m.owners)
	for node, set := range m.owned {
		snap.counts[node] = len(set)
	}

	return snap
}
