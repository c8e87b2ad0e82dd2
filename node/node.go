// Package node implements the node side of the orchestrator protocol: it keeps a connection to the orchestrator
// open and turns the shard lifecycle commands it receives into calls on an Interface.
package node

import (
	"net"
	"sync"
	"time"

	"github.com/jonas747/tsshard"
	"golang.org/x/exp/slices"
)

// Conn represents a connection to the orchestrator
type Conn struct {
	baseConn *tsshard.Conn

	bot                 Interface
	orchestratorAddress string
	logger              tsshard.Logger

	// how long to wait between reconnect attempts
	ReconnectInterval time.Duration

	// below fields are protected by the mutex
	mu sync.Mutex

	nodeID      string
	nodeAddr    string
	nodeVersion string
	nodeShards  []tsshard.ShardRef

	reconnecting bool
	closed       bool
	sendQueue    [][]byte
}

// ConnectToOrchestrator starts connecting to the orchestrator at addr, if it fails it will keep retrying in the background
// until the orchestrator appears. nodeID may be empty in which case the orchestrator assigns one,
// nodeAddr is the address the node can be reached at for queries.
func ConnectToOrchestrator(bot Interface, addr, nodeID, nodeAddr, nodeVersion string, logger tsshard.Logger) (*Conn, error) {
	conn := &Conn{
		bot:                 bot,
		orchestratorAddress: addr,
		nodeID:              nodeID,
		nodeAddr:            nodeAddr,
		nodeVersion:         nodeVersion,
		logger:              logger,
		ReconnectInterval:   time.Second * 5,
	}

	conn.reconnectLoop()

	return conn, nil
}

func (c *Conn) connect() error {
	netConn, err := net.Dial("tcp", c.orchestratorAddress)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		netConn.Close()
		return nil
	}

	c.baseConn = tsshard.ConnFromNetCon(netConn, c.logger)
	if c.nodeID != "" {
		c.baseConn.ID.Store(c.nodeID)
	}
	c.baseConn.MessageHandler = c.handleMessage
	c.baseConn.ConnClosedHanlder = c.onClosedConn
	go c.baseConn.Listen()

	err = c.baseConn.Send(tsshard.EvtIdentify, &tsshard.IdentifyData{
		NodeID:        c.baseConn.GetID(),
		Addr:          c.nodeAddr,
		RunningShards: slices.Clone(c.nodeShards),
		Version:       c.nodeVersion,
	})
	if err != nil {
		c.baseConn.Close()
		return err
	}

	c.reconnecting = false
	c.baseConn.Log(tsshard.LogInfo, nil, "sent identify")

	return nil
}

func (c *Conn) onClosedConn() {
	c.reconnectLoop()
}

func (c *Conn) reconnectLoop() {
	c.mu.Lock()
	if c.reconnecting || c.closed {
		c.mu.Unlock()
		return
	}

	c.reconnecting = true
	c.mu.Unlock()

	go func() {
		for {
			err := c.connect()
			if err == nil {
				break
			}

			c.log(tsshard.LogDebug, err, "failed connecting to orchestrator, retrying")
			time.Sleep(c.ReconnectInterval)
		}
	}()
}

func (c *Conn) handleMessage(m *tsshard.Message) {
	switch m.EvtID {
	case tsshard.EvtIdentified:
		c.handleIdentified(m.DecodedBody.(*tsshard.IdentifiedData))
	case tsshard.EvtDatasetSetup:
		data := m.DecodedBody.(*tsshard.DatasetSetupData)
		c.bot.SetupDataset(data.Dataset, data.Schema)
	case tsshard.EvtStartShardIngestion:
		c.handleStartShard(m.DecodedBody.(*tsshard.StartShardIngestionData))
	case tsshard.EvtStopShardIngestion:
		c.handleStopShard(m.DecodedBody.(*tsshard.StopShardIngestionData))
	case tsshard.EvtShutdown:
		c.bot.Shutdown()
	}
}

func (c *Conn) handleIdentified(data *tsshard.IdentifiedData) {
	c.mu.Lock()
	c.nodeID = data.NodeID
	c.baseConn.ID.Store(data.NodeID)

	queued := c.sendQueue
	c.sendQueue = nil
	base := c.baseConn
	c.mu.Unlock()

	for _, msg := range queued {
		if err := base.SendRaw(msg); err != nil {
			c.log(tsshard.LogError, err, "failed sending queued message")
		}
	}

	c.bot.SessionEstablished(SessionInfo{
		NodeID: data.NodeID,
	})

	c.log(tsshard.LogInfo, nil, "session established as "+data.NodeID)
}

func (c *Conn) handleStartShard(data *tsshard.StartShardIngestionData) {
	c.bot.StartShardIngestion(data.Dataset, data.Shard)

	ref := tsshard.ShardRef{Dataset: data.Dataset, Shard: data.Shard}
	c.mu.Lock()
	if !slices.Contains(c.nodeShards, ref) {
		c.nodeShards = append(c.nodeShards, ref)
	}
	c.mu.Unlock()

	c.SendLogErr(tsshard.EvtShardIngestionStarted, data, true)
}

func (c *Conn) handleStopShard(data *tsshard.StopShardIngestionData) {
	ref := tsshard.ShardRef{Dataset: data.Dataset, Shard: data.Shard}
	c.mu.Lock()
	c.nodeShards = slices.DeleteFunc(c.nodeShards, func(r tsshard.ShardRef) bool { return r == ref })
	c.mu.Unlock()

	c.bot.StopShardIngestion(data.Dataset, data.Shard)

	c.SendLogErr(tsshard.EvtShardIngestionStopped, data, true)
}

// RunningShards returns the shards this node has been told to ingest
func (c *Conn) RunningShards() []tsshard.ShardRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.nodeShards)
}

// GetID returns the id of the node, empty until a session has been established if none was given
func (c *Conn) GetID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodeID
}

// Send sends the message to the orchestrator, if the connection is closed it will queue the message if queueFailed is set
func (c *Conn) Send(evtID tsshard.EventType, body interface{}, queueFailed bool) error {
	encoded, err := tsshard.EncodeMessage(evtID, body)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.reconnecting || c.baseConn == nil {
		if queueFailed {
			c.sendQueue = append(c.sendQueue, encoded)
		}
		c.mu.Unlock()
		return nil
	}
	base := c.baseConn
	c.mu.Unlock()

	return base.SendRaw(encoded)
}

func (c *Conn) SendLogErr(evtID tsshard.EventType, body interface{}, queueFailed bool) {
	err := c.Send(evtID, body, queueFailed)
	if err != nil {
		c.log(tsshard.LogError, err, "failed sending message to orchestrator")
	}
}

// Close closes the connection and stops reconnecting
func (c *Conn) Close() {
	c.mu.Lock()
	c.closed = true
	base := c.baseConn
	c.mu.Unlock()

	if base != nil {
		base.Close()
	}
}

func (c *Conn) log(level tsshard.LogLevel, err error, msg string) {
	tsshard.LogErr(c.logger, level, err, "node: "+msg)
}
