package node

import (
	"github.com/jonas747/tsshard"
)

type SessionInfo struct {
	NodeID string
}

// Interface is implemented by the process hosting the ingestion of shards, the node connection calls it
// whenever the orchestrator pushes a command
type Interface interface {
	SessionEstablished(info SessionInfo)

	// SetupDataset is always called before the first StartShardIngestion of a dataset, and may be called again for
	// every shard started afterwards
	SetupDataset(dataset string, schema tsshard.Schema)

	StartShardIngestion(dataset string, shard int)
	StopShardIngestion(dataset string, shard int)

	// Caled when the node should shut down
	Shutdown()
}
