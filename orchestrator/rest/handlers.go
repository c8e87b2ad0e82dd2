package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jonas747/tsshard"
	"github.com/jonas747/tsshard/orchestrator"
	"github.com/jonas747/tsshard/shardmap"
	"github.com/pkg/errors"
)

type StatusResponse struct {
	Nodes []*orchestrator.NodeStatus
}

func (ra *RESTAPI) handleGETStatus(c *gin.Context) {
	status := ra.orchestrator.GetFullNodesStatus()
	c.JSON(http.StatusOK, &StatusResponse{
		Nodes: status,
	})
}

type BasicResponse struct {
	Message string
	Error   bool
}

func sendBasicResponse(c *gin.Context, err error, successMessage string) {
	status := http.StatusOK
	var resp interface{}

	if err != nil {
		resp = &BasicResponse{
			Error:   true,
			Message: err.Error(),
		}
		status = errorStatus(err)
	} else {
		resp = &BasicResponse{
			Message: successMessage,
		}
	}

	c.JSON(status, resp)
}

func errorStatus(err error) int {
	switch errors.Cause(err) {
	case shardmap.ErrUnknownDataset, shardmap.ErrUnknownNode, orchestrator.ErrUnknownNode:
		return http.StatusNotFound
	case orchestrator.ErrDatasetExists, orchestrator.ErrNodeExists:
		return http.StatusConflict
	case tsshard.ErrNoShards, tsshard.ErrEmptyDatasetName, orchestrator.ErrDuplicateNode:
		return http.StatusBadRequest
	}

	return http.StatusInternalServerError
}

type DatasetStatus struct {
	Dataset tsshard.Dataset
	Shards  []shardmap.ShardState
}

type DatasetsResponse struct {
	Datasets []*DatasetStatus
}

func (ra *RESTAPI) datasetStatus(name string) (*DatasetStatus, error) {
	snap, err := ra.orchestrator.Manager.Snapshot(name)
	if err != nil {
		return nil, err
	}

	return &DatasetStatus{
		Dataset: snap.Dataset(),
		Shards:  snap.Shards(),
	}, nil
}

func (ra *RESTAPI) handleGETDatasets(c *gin.Context) {
	resp := &DatasetsResponse{Datasets: make([]*DatasetStatus, 0)}
	for _, ds := range ra.orchestrator.Manager.Datasets() {
		status, err := ra.datasetStatus(ds.Name)
		if err != nil {
			// removed in the meantime
			continue
		}

		resp.Datasets = append(resp.Datasets, status)
	}

	c.JSON(http.StatusOK, resp)
}

func (ra *RESTAPI) handleGETDataset(c *gin.Context) {
	status, err := ra.datasetStatus(c.Param("dataset"))
	if err != nil {
		sendBasicResponse(c, err, "")
		return
	}

	c.JSON(http.StatusOK, status)
}

func (ra *RESTAPI) handlePOSTDataset(c *gin.Context) {
	var ds tsshard.Dataset
	if err := c.ShouldBindJSON(&ds); err != nil {
		c.JSON(http.StatusBadRequest, &BasicResponse{Error: true, Message: errors.WithMessage(err, "decode dataset").Error()})
		return
	}

	err := ra.orchestrator.AddDataset(ds)
	sendBasicResponse(c, err, "added dataset "+ds.Name)
}

func (ra *RESTAPI) handleDELETEDataset(c *gin.Context) {
	name := c.Param("dataset")
	err := ra.orchestrator.RemoveDataset(name)
	sendBasicResponse(c, err, "removed dataset "+name)
}

type RouteResponse struct {
	Dataset string
	Shard   int
	Node    string
	Addr    string
}

func (ra *RESTAPI) handleGETRoute(c *gin.Context) {
	dataset := c.Param("dataset")
	key, ok := c.GetQuery("key")
	if !ok {
		sendBasicResponse(c, errors.New("key not provided"), "")
		return
	}

	shard, nodeID, err := ra.orchestrator.Manager.Route(dataset, []byte(key))
	if err != nil {
		sendBasicResponse(c, err, "")
		return
	}

	resp := &RouteResponse{
		Dataset: dataset,
		Shard:   shard,
		Node:    nodeID,
	}

	for _, n := range ra.orchestrator.Manager.Nodes() {
		if n.ID == nodeID {
			resp.Addr = n.Addr
		}
	}

	c.JSON(http.StatusOK, resp)
}

func (ra *RESTAPI) handlePOSTRemoveNode(c *gin.Context) {
	node, _ := c.GetPostForm("node_id")
	if node == "" {
		sendBasicResponse(c, errors.New("node_id not provided"), "")
		return
	}

	err := ra.orchestrator.RemoveNode(node)
	sendBasicResponse(c, err, "removed node "+node)
}

func (ra *RESTAPI) handlePOSTShutdownNode(c *gin.Context) {
	node, _ := c.GetPostForm("node_id")
	if node == "" {
		sendBasicResponse(c, errors.New("node_id not provided"), "")
		return
	}

	err := ra.orchestrator.ShutdownNode(node)
	sendBasicResponse(c, err, "shutting down node "+node)
}
