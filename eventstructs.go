package tsshard

type IdentifyData struct {
	NodeID        string
	Addr          string
	Version       string
	RunningShards []ShardRef
}

type IdentifiedData struct {
	NodeID string
}

// Command is one of the shard lifecycle commands the orchestrator pushes to a node.
// The set is closed: *DatasetSetupData, *StartShardIngestionData and *StopShardIngestionData.
type Command interface {
	EvtID() EventType
	isCommand()
}

type DatasetSetupData struct {
	Dataset string
	Schema  Schema
}

func (*DatasetSetupData) EvtID() EventType { return EvtDatasetSetup }
func (*DatasetSetupData) isCommand()       {}

type StartShardIngestionData struct {
	Dataset string
	Shard   int
}

func (*StartShardIngestionData) EvtID() EventType { return EvtStartShardIngestion }
func (*StartShardIngestionData) isCommand()       {}

type StopShardIngestionData struct {
	Dataset string
	Shard   int
}

func (*StopShardIngestionData) EvtID() EventType { return EvtStopShardIngestion }
func (*StopShardIngestionData) isCommand()       {}
