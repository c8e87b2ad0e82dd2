package orchestrator

import (
	"github.com/jonas747/tsshard"
)

// MembershipEvent is an inbound event for the shard manager.
// The set is closed: MemberUp, MemberRemoved and DatasetAdded.
type MembershipEvent interface {
	isMembershipEvent()
}

// MemberUp is raised when a node joined the cluster
type MemberUp struct {
	Node tsshard.ClusterNode
}

// MemberRemoved is raised when a node left the cluster for good
type MemberRemoved struct {
	NodeID string
}

// DatasetAdded is raised when a dataset was registered, Nodes is the deployment order of the
// nodes that should take it, empty meaning every known node in join order
type DatasetAdded struct {
	Dataset tsshard.Dataset
	Nodes   []string
}

func (MemberUp) isMembershipEvent()      {}
func (MemberRemoved) isMembershipEvent() {}
func (DatasetAdded) isMembershipEvent()  {}

// EventHandler is implemented by whatever processes membership events (the shard manager, or the orchestrator in front of it)
type EventHandler interface {
	HandleEvent(evt MembershipEvent) error
}
