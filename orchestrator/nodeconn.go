package orchestrator

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jonas747/tsshard"
	"golang.org/x/exp/slices"
)

// NodeConn represents a connection from the orchestrator to a node, it is the node's Coordinator
type NodeConn struct {
	Orchestrator *Orchestrator
	Conn         *tsshard.Conn

	// ordered outgoing messages, writes happen on the queue's goroutine so senders never block
	sendQueue *queue[[]byte]

	// below fields are protected by this mutex
	mu sync.Mutex

	sessionEstablished bool
	connected          bool
	disconnectedAt     time.Time

	version        string
	addr           string
	reportedShards []tsshard.ShardRef
}

var _ Coordinator = (*NodeConn)(nil)

// NewNodeConn creates a new NodeConn (connection from orchestrator to node) from a net.Conn
func (o *Orchestrator) NewNodeConn(netConn net.Conn) *NodeConn {
	nc := &NodeConn{
		Conn:         tsshard.ConnFromNetCon(netConn, o.Logger),
		Orchestrator: o,
		connected:    true,
	}

	nc.sendQueue = newQueue(func(msg []byte) bool {
		err := nc.Conn.SendRaw(msg)
		if err != nil {
			nc.Conn.Log(tsshard.LogWarning, err, "failed sending message to node "+nc.Conn.GetID())
		}

		return true
	})

	nc.Conn.MessageHandler = nc.handleMessage
	nc.Conn.ConnClosedHanlder = nc.onClosed

	return nc
}

func (nc *NodeConn) listen() {
	nc.Conn.Listen()
}

func (nc *NodeConn) onClosed() {
	nc.mu.Lock()
	nc.connected = false
	nc.disconnectedAt = time.Now()
	nc.mu.Unlock()

	nc.sendQueue.close()

	nc.Orchestrator.Log(tsshard.LogInfo, nil, "node disconnected: "+nc.Conn.GetID())
	nc.Orchestrator.nodeDisconnected(nc)
}

func (nc *NodeConn) close() {
	nc.Conn.Close()
}

// Handle incoming messages
func (nc *NodeConn) handleMessage(msg *tsshard.Message) {
	switch msg.EvtID {
	case tsshard.EvtIdentify:
		nc.handleIdentify(msg.DecodedBody.(*tsshard.IdentifyData))

	case tsshard.EvtShardIngestionStarted:
		data := msg.DecodedBody.(*tsshard.StartShardIngestionData)
		ref := tsshard.ShardRef{Dataset: data.Dataset, Shard: data.Shard}

		nc.mu.Lock()
		if !slices.Contains(nc.reportedShards, ref) {
			nc.reportedShards = append(nc.reportedShards, ref)
		}
		nc.mu.Unlock()

	case tsshard.EvtShardIngestionStopped:
		data := msg.DecodedBody.(*tsshard.StopShardIngestionData)
		ref := tsshard.ShardRef{Dataset: data.Dataset, Shard: data.Shard}

		nc.mu.Lock()
		nc.reportedShards = slices.DeleteFunc(nc.reportedShards, func(r tsshard.ShardRef) bool { return r == ref })
		nc.mu.Unlock()

	default:
		nc.Conn.Log(tsshard.LogWarning, nil, "unexpected message from node: "+msg.EvtID.String())
	}
}

func (nc *NodeConn) handleIdentify(data *tsshard.IdentifyData) {
	// check if this connection holds a "preliminary" id instead of a global unique one
	if data.NodeID == "" || strings.HasPrefix(data.NodeID, "unknown") {
		nc.Conn.ID.Store(nc.Orchestrator.NodeIDProvider.GenerateID())
	} else {
		nc.Conn.ID.Store(data.NodeID)
	}

	nc.mu.Lock()
	nc.sessionEstablished = true
	nc.version = data.Version
	nc.addr = data.Addr
	nc.reportedShards = slices.Clone(data.RunningShards)
	nc.mu.Unlock()

	nc.Orchestrator.Log(tsshard.LogInfo, nil, "node identified: "+nc.Conn.GetID()+" version "+data.Version)
	nc.Orchestrator.registerNode(nc, data)
}

func (nc *NodeConn) sendIdentified() {
	nc.send(tsshard.EvtIdentified, &tsshard.IdentifiedData{
		NodeID: nc.Conn.GetID(),
	})
}

// SendCommand implements Coordinator, the command is queued and written in order without waiting for it
func (nc *NodeConn) SendCommand(cmd tsshard.Command) {
	nc.send(cmd.EvtID(), cmd)
}

// Shutdown tells the node to shut down
func (nc *NodeConn) Shutdown() {
	nc.send(tsshard.EvtShutdown, nil)
}

func (nc *NodeConn) send(evtID tsshard.EventType, data interface{}) {
	encoded, err := tsshard.EncodeMessage(evtID, data)
	if err != nil {
		nc.Conn.Log(tsshard.LogError, err, "failed encoding "+evtID.String())
		return
	}

	if !nc.sendQueue.push(encoded) {
		nc.Conn.Log(tsshard.LogDebug, nil, "connection to "+nc.Conn.GetID()+" closed, dropped "+evtID.String())
	}
}

// IsConnected returns true if the underlying connection is still open
func (nc *NodeConn) IsConnected() bool {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.connected
}

// GetFullStatus returns the current status of the node connection
func (nc *NodeConn) GetFullStatus() *NodeStatus {
	nc.mu.Lock()
	defer nc.mu.Unlock()

	status := &NodeStatus{
		ID:                 nc.Conn.GetID(),
		Addr:               nc.addr,
		Version:            nc.version,
		SessionEstablished: nc.sessionEstablished,
		Connected:          nc.connected,
		DisconnectedAt:     nc.disconnectedAt,
	}

	status.ReportedShards = slices.Clone(nc.reportedShards)

	return status
}

func (nc *NodeConn) disconnectedFor() (time.Duration, bool) {
	nc.mu.Lock()
	defer nc.mu.Unlock()

	if nc.connected {
		return 0, false
	}

	return time.Since(nc.disconnectedAt), true
}
