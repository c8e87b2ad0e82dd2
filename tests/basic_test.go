package tests

import (
	"testing"
	"time"

	"github.com/jonas747/tsshard"
	"github.com/jonas747/tsshard/node"
	"github.com/jonas747/tsshard/orchestrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = &tsshard.StdLogger{Level: tsshard.LogError}

type call struct {
	Kind    string
	Dataset string
	Shard   int
}

// MockNode records every call the node connection makes on it
type MockNode struct {
	sessions chan node.SessionInfo
	calls    chan call
}

func NewMockNode() *MockNode {
	return &MockNode{
		sessions: make(chan node.SessionInfo, 10),
		calls:    make(chan call, 100),
	}
}

func (m *MockNode) SessionEstablished(info node.SessionInfo) {
	m.sessions <- info
}

func (m *MockNode) SetupDataset(dataset string, schema tsshard.Schema) {
	m.calls <- call{Kind: "setup", Dataset: dataset, Shard: -1}
}

func (m *MockNode) StartShardIngestion(dataset string, shard int) {
	m.calls <- call{Kind: "start", Dataset: dataset, Shard: shard}
}

func (m *MockNode) StopShardIngestion(dataset string, shard int) {
	m.calls <- call{Kind: "stop", Dataset: dataset, Shard: shard}
}

func (m *MockNode) Shutdown() {
	m.calls <- call{Kind: "shutdown", Shard: -1}
}

func (m *MockNode) waitSession(t *testing.T) node.SessionInfo {
	t.Helper()

	select {
	case info := <-m.sessions:
		return info
	case <-time.After(time.Second * 15):
		t.Fatal("timed out waiting for session to be established")
	}

	return node.SessionInfo{}
}

func (m *MockNode) waitCalls(t *testing.T, n int) []call {
	t.Helper()

	var result []call
	for len(result) < n {
		select {
		case c := <-m.calls:
			result = append(result, c)
		case <-time.After(time.Second * 15):
			t.Fatalf("timed out waiting for calls, got %v", result)
		}
	}

	return result
}

func startOrchestrator(t *testing.T) *orchestrator.Orchestrator {
	o := orchestrator.NewStandardOrchestrator(testLogger)
	o.MaxNodeDowntimeBeforeRemoval = 0

	err := o.Start("127.0.0.1:0")
	require.NoError(t, err, "failed starting orchestrator")
	t.Cleanup(o.Stop)

	return o
}

func connectNode(t *testing.T, o *orchestrator.Orchestrator, id string) (*MockNode, *node.Conn) {
	bot := NewMockNode()
	conn, err := node.ConnectToOrchestrator(bot, o.Addr().String(), id, "127.0.0.1:9000", "testing", testLogger)
	require.NoError(t, err, "failed connecting to orchestrator")
	t.Cleanup(conn.Close)

	return bot, conn
}

func TestEstablishSession(t *testing.T) {
	o := startOrchestrator(t)

	bot, conn := connectNode(t, o, "")
	info := bot.waitSession(t)

	assert.NotEmpty(t, info.NodeID)
	assert.Equal(t, info.NodeID, conn.GetID())

	require.Eventually(t, func() bool {
		return o.Manager.HasMember(info.NodeID)
	}, time.Second*5, time.Millisecond*10)
}

func TestShardLifecycleOverTCP(t *testing.T) {
	o := startOrchestrator(t)
	sub := o.Manager.Subscribe()
	defer sub.Close()

	botA, _ := connectNode(t, o, "node-a")
	botA.waitSession(t)
	require.Eventually(t, func() bool { return o.Manager.HasMember("node-a") }, time.Second*5, time.Millisecond*10)

	require.NoError(t, o.AddDataset(tsshard.Dataset{Name: "cpu", NumShards: 2}))

	assert.Equal(t, []call{
		{Kind: "setup", Dataset: "cpu", Shard: -1},
		{Kind: "start", Dataset: "cpu", Shard: 0},
		{Kind: "setup", Dataset: "cpu", Shard: -1},
		{Kind: "start", Dataset: "cpu", Shard: 1},
	}, botA.waitCalls(t, 4))

	botB, connB := connectNode(t, o, "node-b")
	botB.waitSession(t)
	require.Eventually(t, func() bool { return o.Manager.HasMember("node-b") }, time.Second*5, time.Millisecond*10)

	// node-b takes nothing while node-a is healthy, removing node-a moves everything over
	require.NoError(t, o.RemoveNode("node-a"))

	assert.Equal(t, []call{
		{Kind: "stop", Dataset: "cpu", Shard: 0},
		{Kind: "stop", Dataset: "cpu", Shard: 1},
		{Kind: "shutdown", Shard: -1},
	}, botA.waitCalls(t, 3))

	assert.Equal(t, []call{
		{Kind: "setup", Dataset: "cpu", Shard: -1},
		{Kind: "start", Dataset: "cpu", Shard: 0},
		{Kind: "setup", Dataset: "cpu", Shard: -1},
		{Kind: "start", Dataset: "cpu", Shard: 1},
	}, botB.waitCalls(t, 4))

	require.Eventually(t, func() bool { return len(connB.RunningShards()) == 2 }, time.Second*5, time.Millisecond*10)

	// the node reports back what it runs, which shows up in the status
	require.Eventually(t, func() bool {
		for _, s := range o.GetFullNodesStatus() {
			if s.ID == "node-b" {
				return len(s.ReportedShards) == 2 && len(s.AssignedShards["cpu"]) == 2
			}
		}
		return false
	}, time.Second*5, time.Millisecond*10)

	// 2 started on a, 2 down, 2 started on b
	var kinds []string
	for i := 0; i < 6; i++ {
		select {
		case evt := <-sub.C:
			switch evt.(type) {
			case orchestrator.ShardAssignmentStarted:
				kinds = append(kinds, "started")
			case orchestrator.ShardDown:
				kinds = append(kinds, "down")
			}
		case <-time.After(time.Second * 5):
			t.Fatal("timed out waiting for shard events")
		}
	}
	assert.Equal(t, []string{"started", "started", "down", "down", "started", "started"}, kinds)
}

func TestDisconnectRemovesMember(t *testing.T) {
	o := startOrchestrator(t)

	bot, conn := connectNode(t, o, "node-c")
	bot.waitSession(t)
	require.Eventually(t, func() bool { return o.Manager.HasMember("node-c") }, time.Second*5, time.Millisecond*10)

	conn.Close()

	require.Eventually(t, func() bool { return !o.Manager.HasMember("node-c") }, time.Second*5, time.Millisecond*10)
}

func TestMonitorRemovesNodeAfterDowntime(t *testing.T) {
	o := orchestrator.NewStandardOrchestrator(testLogger)
	o.MaxNodeDowntimeBeforeRemoval = time.Millisecond * 200
	o.MonitorInterval = time.Millisecond * 10

	require.NoError(t, o.Start("127.0.0.1:0"))
	t.Cleanup(o.Stop)

	require.NoError(t, o.AddDataset(tsshard.Dataset{Name: "cpu", NumShards: 2}))

	botA, connA := connectNode(t, o, "node-a")
	botA.waitSession(t)
	require.Eventually(t, func() bool { return o.Manager.HasMember("node-a") }, time.Second*5, time.Millisecond*10)

	botB, _ := connectNode(t, o, "node-b")
	botB.waitSession(t)
	require.Eventually(t, func() bool { return o.Manager.HasMember("node-b") }, time.Second*5, time.Millisecond*10)

	connA.Close()

	// still a member right after the disconnect
	time.Sleep(time.Millisecond * 50)
	assert.True(t, o.Manager.HasMember("node-a"))

	require.Eventually(t, func() bool { return !o.Manager.HasMember("node-a") }, time.Second*5, time.Millisecond*10)
	assert.Equal(t, map[string][]int{"cpu": {0, 1}}, o.Manager.OwnedBy("node-b"))
}

func TestExternalMembershipForgetsClosedConnections(t *testing.T) {
	o := orchestrator.NewStandardOrchestrator(testLogger)
	o.ExternalMembership = true

	require.NoError(t, o.Start("127.0.0.1:0"))
	t.Cleanup(o.Stop)

	require.NoError(t, o.HandleEvent(orchestrator.MemberUp{Node: tsshard.ClusterNode{ID: "node-x", Addr: "127.0.0.1:9000"}}))

	bot, conn := connectNode(t, o, "node-x")
	bot.waitSession(t)
	require.Eventually(t, func() bool { return o.FindNodeByID("node-x") != nil }, time.Second*5, time.Millisecond*10)

	conn.Close()

	require.Eventually(t, func() bool { return o.FindNodeByID("node-x") == nil }, time.Second*5, time.Millisecond*10)

	// membership only changes through the external source
	assert.True(t, o.Manager.HasMember("node-x"))

	status := o.GetFullNodesStatus()
	require.Len(t, status, 1)
	assert.Equal(t, "node-x", status[0].ID)
	assert.False(t, status[0].SessionEstablished)
	assert.False(t, status[0].Connected)
}
