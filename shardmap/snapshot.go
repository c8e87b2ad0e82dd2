package shardmap

import (
	"sort"

	"github.com/jonas747/tsshard"
)

// Snapshot is a read only view of a Mapper at one point in time
type Snapshot struct {
	dataset  tsshard.Dataset
	statuses []ShardStatus
	owners   []string
	counts   map[string]int
}

func (s *Snapshot) Dataset() tsshard.Dataset {
	return s.dataset
}

func (s *Snapshot) NumShards() int {
	return len(s.statuses)
}

func (s *Snapshot) Status(shard int) ShardStatus {
	return s.statuses[shard]
}

func (s *Snapshot) Owner(shard int) (string, bool) {
	if s.statuses[shard] != StatusAssigned {
		return "", false
	}

	return s.owners[shard], true
}

func (s *Snapshot) HasNode(nodeID string) bool {
	_, ok := s.counts[nodeID]
	return ok
}

// NumOwnedBy returns how many shards nodeID owns
func (s *Snapshot) NumOwnedBy(nodeID string) int {
	return s.counts[nodeID]
}

// Nodes returns the ids of the nodes with an ownership entry, sorted
func (s *Snapshot) Nodes() []string {
	result := make([]string, 0, len(s.counts))
	for n := range s.counts {
		result = append(result, n)
	}

	sort.Strings(result)
	return result
}

// CountByStatus returns the number of shards with the given status
func (s *Snapshot) CountByStatus(status ShardStatus) int {
	n := 0
	for _, v := range s.statuses {
		if v == status {
			n++
		}
	}

	return n
}

// ShardState is the serializable state of a single shard
type ShardState struct {
	Shard  int    `json:"shard"`
	Status string `json:"status"`
	Owner  string `json:"owner,omitempty"`
}

// Shards returns the state of every shard in index order
func (s *Snapshot) Shards() []ShardState {
	result := make([]ShardState, len(s.statuses))
	for i, st := range s.statuses {
		result[i] = ShardState{
			Shard:  i,
			Status: st.String(),
		}

		if st == StatusAssigned {
			result[i].Owner = s.owners[i]
		}
	}

	return result
}
