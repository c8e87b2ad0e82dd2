package shardmap

import (
	"github.com/jonas747/tsshard"
	"github.com/pkg/errors"
)

type ChangeKind int

const (
	ChangeAdd ChangeKind = iota
	ChangeRemove
)

func (k ChangeKind) String() string {
	if k == ChangeAdd {
		return "add"
	}

	return "remove"
}

// Change is a single step produced by a Strategy, Add assigns Shard to Node, Remove unassigns it
type Change struct {
	Dataset string
	Shard   int
	Kind    ChangeKind
	Node    string
}

// Strategy decides which changes bring node's assignments in a dataset up to date.
//
// Implementations must be pure: the same snapshot, node list and node always yield the same
// changes, in increasing shard order.
type Strategy interface {
	AssignmentsFor(snap *Snapshot, nodes []tsshard.ClusterNode, node string) ([]Change, error)
}

// EvenStrategy hands out shards that have no owner (unassigned or down) to the node until it
// holds ceil(numShards / len(nodes)) of them. Shards owned by another node are never moved.
type EvenStrategy struct{}

var _ Strategy = EvenStrategy{}

func (EvenStrategy) AssignmentsFor(snap *Snapshot, nodes []tsshard.ClusterNode, node string) ([]Change, error) {
	if snap == nil {
		return nil, ErrUnknownDataset
	}

	if !snap.HasNode(node) || !containsNode(nodes, node) {
		return nil, errors.WithMessagef(ErrUnknownNode, "%q in dataset %q", node, snap.Dataset().Name)
	}

	numShards := snap.NumShards()
	capacity := (numShards + len(nodes) - 1) / len(nodes)
	free := capacity - snap.NumOwnedBy(node)

	var changes []Change
	for i := 0; i < numShards && free > 0; i++ {
		if snap.Status(i) == StatusAssigned {
			continue
		}

		changes = append(changes, Change{
			Dataset: snap.Dataset().Name,
			Shard:   i,
			Kind:    ChangeAdd,
			Node:    node,
		})
		free--
	}

	return changes, nil
}

func containsNode(nodes []tsshard.ClusterNode, id string) bool {
	for _, n := range nodes {
		if n.ID == id {
			return true
		}
	}

	return false
}
