package tsshard

import (
	"github.com/pkg/errors"
)

// Column describes a single column of a dataset schema
type Column struct {
	Name string `json:"name" yaml:"name" msgpack:"name"`
	Type string `json:"type" yaml:"type" msgpack:"type"`
}

// Schema is the column layout nodes need before they can ingest a dataset
type Schema struct {
	Name    string   `json:"name" yaml:"name" msgpack:"name"`
	Columns []Column `json:"columns" yaml:"columns" msgpack:"columns"`
}

// Dataset is a named collection of time series split into NumShards shards
type Dataset struct {
	Name      string `json:"name" yaml:"name" msgpack:"name"`
	NumShards int    `json:"num_shards" yaml:"num_shards" msgpack:"num_shards"`
	Schema    Schema `json:"schema" yaml:"schema" msgpack:"schema"`
}

var (
	ErrEmptyDatasetName = errors.New("dataset name is empty")
	ErrNoShards         = errors.New("dataset needs at least one shard")
)

// Validate checks that the dataset can be registered
func (d Dataset) Validate() error {
	if d.Name == "" {
		return ErrEmptyDatasetName
	}

	if d.NumShards < 1 {
		return errors.WithMessagef(ErrNoShards, "dataset %q", d.Name)
	}

	return nil
}

// ShardRef identifies a single shard of a dataset
type ShardRef struct {
	Dataset string `json:"dataset" msgpack:"dataset"`
	Shard   int    `json:"shard" msgpack:"shard"`
}

// ClusterNode is a member of the cluster as seen by the orchestrator.
// JoinSeq is handed out when the node is admitted and strictly increases with every admission.
type ClusterNode struct {
	ID      string `json:"id" msgpack:"id"`
	Addr    string `json:"addr" msgpack:"addr"`
	JoinSeq uint64 `json:"join_seq" msgpack:"join_seq"`
}
