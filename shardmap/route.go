package shardmap

import (
	"github.com/cespare/xxhash/v2"
)

// ShardForKey maps a series key to one of numShards shards
func ShardForKey(key []byte, numShards int) int {
	if numShards <= 0 {
		return 0
	}

	return int(xxhash.Sum64(key) % uint64(numShards))
}

// Route returns the shard the series key belongs to and the node owning it, ok is false if the
// shard currently has no owner
func (s *Snapshot) Route(key []byte) (shard int, nodeID string, ok bool) {
	shard = ShardForKey(key, s.NumShards())
	nodeID, ok = s.Owner(shard)
	return
}
