// Package orchestrator implements the shard manager that decides which node ingests which shard of every dataset,
// and the TCP server that nodes connect to in order to receive their shard lifecycle commands.
package orchestrator

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jonas747/tsshard"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// NodeIDProvider is responsible for generating unique ids for nodes
// note that this has to be unique over restarts (a simple in memory counter isn't enough)
type NodeIDProvider interface {
	GenerateID() string
}

type Orchestrator struct {
	// these fields are only safe to edit before you start the orchestrator
	// if you decide to change anything afterwards, it may panic or cause undefined behaviour

	NodeIDProvider NodeIDProvider
	Logger         tsshard.Logger
	Manager        *ShardManager

	// if set, node connections do not drive membership, something else (zookeeper for example)
	// feeds MemberUp/MemberRemoved into the manager and connections only serve as command channels
	ExternalMembership bool

	// how long a node may stay disconnected before it is removed from the cluster and its shards are handed out to others,
	// 0 removes it right away, below zero never removes it automatically
	MaxNodeDowntimeBeforeRemoval time.Duration

	// how often the monitor checks for nodes that have been gone for too long, defaults to a second
	MonitorInterval time.Duration

	monitor *monitor

	// below fields are protected by the following mutex
	mu             sync.Mutex
	connectedNodes []*NodeConn
	netListener    net.Listener
}

// NewStandardOrchestrator creates an orchestrator with a shard manager sending its commands through the node connections
func NewStandardOrchestrator(logger tsshard.Logger) *Orchestrator {
	o := &Orchestrator{
		NodeIDProvider:               NewNodeIDProvider(),
		Logger:                       logger,
		MaxNodeDowntimeBeforeRemoval: time.Second * 30,
	}

	o.Manager = NewShardManager(o, logger)
	return o
}

// Start will start the orchestrator, and start to listen fro clients on the specified address
// IMPORTANT: opening this up to the outer internet is bad because there's no authentication.
func (o *Orchestrator) Start(listenAddr string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	err := o.openListen(listenAddr)
	if err != nil {
		return err
	}

	interval := o.MonitorInterval
	if interval <= 0 {
		interval = time.Second
	}

	o.monitor = &monitor{
		orchestrator: o,
		interval:     interval,
		stopChan:     make(chan bool),
	}
	go o.monitor.run()

	return nil
}

// Stop will stop the orchestrator and the monitor, and close all node connections
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.netListener != nil {
		o.netListener.Close()
	}

	if o.monitor != nil {
		o.monitor.stop()
	}

	for _, nc := range o.connectedNodes {
		nc.close()
	}
}

// Addr returns the address the orchestrator is listening on
func (o *Orchestrator) Addr() net.Addr {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.netListener == nil {
		return nil
	}

	return o.netListener.Addr()
}

// openListen starts listening for node connections on the specified address
func (o *Orchestrator) openListen(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WithMessage(err, "net.Listen")
	}

	o.netListener = listener

	go o.listenForNodes(listener)

	return nil
}

func (o *Orchestrator) listenForNodes(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			o.Log(tsshard.LogInfo, err, "stopped accepting node connections")
			break
		}

		o.Log(tsshard.LogDebug, nil, "new node connection from "+conn.RemoteAddr().String())
		client := o.NewNodeConn(conn)

		go client.listen()
	}
}

// FindNodeByID returns the connection of the node with the given id, or nil
func (o *Orchestrator) FindNodeByID(id string) *NodeConn {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.findNodeByIDLocked(id)
}

func (o *Orchestrator) findNodeByIDLocked(id string) *NodeConn {
	for _, v := range o.connectedNodes {
		if v.Conn.GetID() == id {
			return v
		}
	}

	return nil
}

// Coordinator implements CoordinatorProvider, returning the connection of the node if it's currently connected
func (o *Orchestrator) Coordinator(nodeID string) Coordinator {
	nc := o.FindNodeByID(nodeID)
	if nc == nil || !nc.IsConnected() {
		return nil
	}

	return nc
}

// registerNode is called once a node has identified, it either attaches the connection to an already known node
// or admits it as a new member
func (o *Orchestrator) registerNode(nc *NodeConn, data *tsshard.IdentifyData) {
	o.mu.Lock()
	if old := o.findNodeByIDLocked(nc.Conn.GetID()); old != nil && old != nc {
		o.Log(tsshard.LogInfo, nil, fmt.Sprintf("node %s reconnected", old.Conn.GetID()))
		old.close()
		o.connectedNodes = slices.DeleteFunc(o.connectedNodes, func(n *NodeConn) bool { return n == old })
	}
	o.connectedNodes = append(o.connectedNodes, nc)
	o.mu.Unlock()

	nodeID := nc.Conn.GetID()

	// the reply goes through the same ordered send queue as the commands, so the node always
	// sees its session established before it is asked to ingest anything
	nc.sendIdentified()

	if o.ExternalMembership || o.Manager.HasMember(nodeID) {
		return
	}

	_, err := o.Manager.AddMember(tsshard.ClusterNode{
		ID:   nodeID,
		Addr: data.Addr,
	})
	if err != nil {
		o.Log(tsshard.LogError, err, "failed adding member "+nodeID)
	}
}

// nodeDisconnected is called when the connection of a node closes
func (o *Orchestrator) nodeDisconnected(nc *NodeConn) {
	o.mu.Lock()
	current := o.findNodeByIDLocked(nc.Conn.GetID()) == nc
	o.mu.Unlock()

	if !current {
		return
	}

	if o.ExternalMembership {
		// membership is not ours to change, only forget the connection
		o.mu.Lock()
		o.connectedNodes = slices.DeleteFunc(o.connectedNodes, func(n *NodeConn) bool { return n == nc })
		o.mu.Unlock()
		return
	}

	if o.MaxNodeDowntimeBeforeRemoval != 0 {
		return
	}

	o.removeNode(nc.Conn.GetID())
}

// RemoveNode removes the node from the cluster, its shards are handed out to the remaining nodes
// and it's told to shut down if it's still connected
func (o *Orchestrator) RemoveNode(nodeID string) error {
	nc := o.FindNodeByID(nodeID)
	if nc == nil && !o.Manager.HasMember(nodeID) {
		return ErrUnknownNode
	}

	err := o.removeNode(nodeID)
	if nc != nil {
		nc.Shutdown()
	}

	return err
}

func (o *Orchestrator) removeNode(nodeID string) error {
	var err error
	if o.Manager.HasMember(nodeID) {
		err = o.Manager.RemoveMember(nodeID)
		if err != nil {
			o.Log(tsshard.LogError, err, "failed removing member "+nodeID)
		}
	}

	o.mu.Lock()
	o.connectedNodes = slices.DeleteFunc(o.connectedNodes, func(n *NodeConn) bool {
		return n.Conn.GetID() == nodeID && !n.IsConnected()
	})
	o.mu.Unlock()

	return err
}

// AddDataset registers a dataset, spreading its shards over the current members
func (o *Orchestrator) AddDataset(ds tsshard.Dataset) error {
	return o.Manager.AddDataset(ds, nil)
}

// RemoveDataset stops all shards of the dataset and forgets about it
func (o *Orchestrator) RemoveDataset(name string) error {
	return o.Manager.RemoveDataset(name)
}

type NodeStatus struct {
	ID                 string
	Addr               string
	Version            string
	JoinSeq            uint64
	Member             bool
	SessionEstablished bool
	Connected          bool
	DisconnectedAt     time.Time

	// shards the manager assigned to the node, keyed by dataset
	AssignedShards map[string][]int
	// shards the node reported as running
	ReportedShards []tsshard.ShardRef
}

// GetFullNodesStatus returns the full status of all nodes, connected or known members
func (o *Orchestrator) GetFullNodesStatus() []*NodeStatus {
	o.mu.Lock()
	conns := slices.Clone(o.connectedNodes)
	o.mu.Unlock()

	result := make([]*NodeStatus, 0, len(conns))
	seen := make(map[string]bool)

	members := o.Manager.Nodes()
	for _, v := range conns {
		status := v.GetFullStatus()
		for _, m := range members {
			if m.ID == status.ID {
				status.Member = true
				status.JoinSeq = m.JoinSeq
			}
		}

		status.AssignedShards = o.Manager.OwnedBy(status.ID)
		seen[status.ID] = true
		result = append(result, status)
	}

	// members managed through external membership that never connected
	for _, m := range members {
		if seen[m.ID] {
			continue
		}

		result = append(result, &NodeStatus{
			ID:             m.ID,
			Addr:           m.Addr,
			JoinSeq:        m.JoinSeq,
			Member:         true,
			AssignedShards: o.Manager.OwnedBy(m.ID),
		})
	}

	return result
}

// HandleEvent feeds an inbound membership event to the shard manager, used with ExternalMembership
func (o *Orchestrator) HandleEvent(evt MembershipEvent) error {
	return o.Manager.HandleEvent(evt)
}

var (
	ErrUnknownNode = errors.New("unknown node")
)

// ShutdownNode tells the node to shut down, it stays a member until it disconnects
func (o *Orchestrator) ShutdownNode(nodeID string) error {
	node := o.FindNodeByID(nodeID)
	if node == nil {
		return ErrUnknownNode
	}

	node.Shutdown()
	return nil
}

// Log will log to the designated logger or he standard logger
func (o *Orchestrator) Log(level tsshard.LogLevel, err error, msg string) {
	tsshard.LogErr(o.Logger, level, err, "orchestrator: "+msg)
}
