package zkmembership

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/jonas747/tsshard"
	"github.com/jonas747/tsshard/orchestrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = &tsshard.StdLogger{Level: tsshard.LogError}

// fakeZK is an in memory stand in for a zookeeper session
type fakeZK struct {
	mu      sync.Mutex
	nodes   map[string][]byte
	seq     int
	watches map[string][]chan zk.Event

	// number of upcoming Get calls that fail with a connection loss
	failGets int
}

func newFakeZK() *fakeZK {
	return &fakeZK{
		nodes:   make(map[string][]byte),
		watches: make(map[string][]chan zk.Event),
	}
}

func parentOf(path string) string {
	return path[:strings.LastIndex(path, "/")]
}

func (f *fakeZK) fire(parent string) {
	for _, ch := range f.watches[parent] {
		ch <- zk.Event{Type: zk.EventNodeChildrenChanged, Path: parent}
	}
	delete(f.watches, parent)
}

func (f *fakeZK) Exists(path string) (bool, *zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.nodes[path]
	return ok, &zk.Stat{}, nil
}

func (f *fakeZK) Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if flags&zk.FlagSequence != 0 {
		f.seq++
		path = fmt.Sprintf("%s%010d", path, f.seq)
	}

	if _, ok := f.nodes[path]; ok {
		return "", zk.ErrNodeExists
	}

	f.nodes[path] = data
	f.fire(parentOf(path))
	return path, nil
}

func (f *fakeZK) Get(path string) ([]byte, *zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failGets > 0 {
		f.failGets--
		return nil, nil, zk.ErrConnectionClosed
	}

	data, ok := f.nodes[path]
	if !ok {
		return nil, nil, zk.ErrNoNode
	}
	return data, &zk.Stat{}, nil
}

func (f *fakeZK) ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.nodes[path]; !ok {
		return nil, nil, nil, zk.ErrNoNode
	}

	var children []string
	for p := range f.nodes {
		if parentOf(p) == path {
			children = append(children, p[len(path)+1:])
		}
	}
	// zookeeper makes no ordering promises
	sort.Sort(sort.Reverse(sort.StringSlice(children)))

	ch := make(chan zk.Event, 1)
	f.watches[path] = append(f.watches[path], ch)
	return children, &zk.Stat{}, ch, nil
}

func (f *fakeZK) Delete(path string, version int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.nodes[path]; !ok {
		return zk.ErrNoNode
	}

	delete(f.nodes, path)
	f.fire(parentOf(path))
	return nil
}

func (f *fakeZK) State() zk.State { return zk.StateHasSession }

func (f *fakeZK) Close() {}

type recordingHandler struct {
	mu     sync.Mutex
	events []orchestrator.MembershipEvent
}

func (r *recordingHandler) HandleEvent(evt orchestrator.MembershipEvent) error {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
	return nil
}

func TestRegisterCreatesSequentialNodes(t *testing.T) {
	fake := newFakeZK()

	pathA, err := NewRegistrar(fake, "/tsshard", testLogger).Register(NodeInfo{ID: "a", Addr: "10.0.0.1:9000"})
	require.NoError(t, err)
	pathB, err := NewRegistrar(fake, "/tsshard", testLogger).Register(NodeInfo{ID: "b", Addr: "10.0.0.2:9000"})
	require.NoError(t, err)

	assert.Equal(t, "/tsshard/nodes/node-0000000001", pathA)
	assert.Equal(t, "/tsshard/nodes/node-0000000002", pathB)

	exists, _, _ := fake.Exists("/tsshard")
	assert.True(t, exists, "root path should have been created")

	_, err = NewRegistrar(fake, "/tsshard", testLogger).Register(NodeInfo{})
	assert.Error(t, err)
}

func TestSyncRaisesEventsInSequenceOrder(t *testing.T) {
	fake := newFakeZK()
	handler := &recordingHandler{}
	ob := NewObserver(fake, "/tsshard", handler, testLogger)

	reg := NewRegistrar(fake, "/tsshard", testLogger)
	for _, id := range []string{"a", "b", "c"} {
		_, err := reg.Register(NodeInfo{ID: id})
		require.NoError(t, err)
	}

	ob.sync([]string{"node-0000000003", "node-0000000001", "node-0000000002"})
	ob.sync([]string{"node-0000000003", "node-0000000001"})
	// a znode that vanished before it could be read is skipped
	ob.sync([]string{"node-0000000003", "node-0000000001", "node-0000000009"})

	assert.Equal(t, []orchestrator.MembershipEvent{
		orchestrator.MemberUp{Node: tsshard.ClusterNode{ID: "a"}},
		orchestrator.MemberUp{Node: tsshard.ClusterNode{ID: "b"}},
		orchestrator.MemberUp{Node: tsshard.ClusterNode{ID: "c"}},
		orchestrator.MemberRemoved{NodeID: "b"},
	}, handler.events)
	assert.Equal(t, []string{"a", "c"}, ob.Members())
}

func TestReRegistrationKeepsMember(t *testing.T) {
	fake := newFakeZK()
	m := orchestrator.NewShardManager(nil, testLogger)
	ob := NewObserver(fake, "/tsshard", m, testLogger)

	old := NewRegistrar(fake, "/tsshard", testLogger)
	_, err := old.Register(NodeInfo{ID: "a"})
	require.NoError(t, err)
	ob.sync([]string{"node-0000000001"})

	_, err = NewRegistrar(fake, "/tsshard", testLogger).Register(NodeInfo{ID: "a"})
	require.NoError(t, err)
	ob.sync([]string{"node-0000000001", "node-0000000002"})

	// old session expires
	ob.sync([]string{"node-0000000002"})

	assert.True(t, m.HasMember("a"))
}

func TestObserverDrivesShardManager(t *testing.T) {
	fake := newFakeZK()
	m := orchestrator.NewShardManager(nil, testLogger)
	require.NoError(t, m.AddDataset(tsshard.Dataset{Name: "cpu", NumShards: 4}, nil))

	ob := NewObserver(fake, "/tsshard", m, testLogger)
	ob.RetryInterval = time.Millisecond * 10

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ob.Run(ctx)

	regA := NewRegistrar(fake, "/tsshard", testLogger)
	_, err := regA.Register(NodeInfo{ID: "a", Addr: "10.0.0.1:9000"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return m.HasMember("a") }, time.Second*5, time.Millisecond*10)

	regB := NewRegistrar(fake, "/tsshard", testLogger)
	_, err = regB.Register(NodeInfo{ID: "b", Addr: "10.0.0.2:9000"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return m.HasMember("b") }, time.Second*5, time.Millisecond*10)

	nodes := m.Nodes()
	require.Len(t, nodes, 2)
	assert.Equal(t, "a", nodes[0].ID)
	assert.Equal(t, "10.0.0.1:9000", nodes[0].Addr)
	assert.Less(t, nodes[0].JoinSeq, nodes[1].JoinSeq)

	// a took every shard when it joined
	assert.Equal(t, map[string][]int{"cpu": {0, 1, 2, 3}}, m.OwnedBy("a"))

	require.NoError(t, regA.Deregister())
	require.Eventually(t, func() bool { return !m.HasMember("a") }, time.Second*5, time.Millisecond*10)

	assert.Equal(t, map[string][]int{"cpu": {0, 1, 2, 3}}, m.OwnedBy("b"))

	// deregistering twice is fine
	assert.NoError(t, regA.Deregister())
}

func TestSyncReportsUnreadNodes(t *testing.T) {
	fake := newFakeZK()
	handler := &recordingHandler{}
	ob := NewObserver(fake, "/tsshard", handler, testLogger)

	_, err := NewRegistrar(fake, "/tsshard", testLogger).Register(NodeInfo{ID: "a"})
	require.NoError(t, err)

	fake.mu.Lock()
	fake.failGets = 1
	fake.mu.Unlock()

	assert.False(t, ob.sync([]string{"node-0000000001"}))
	assert.Empty(t, ob.Members())

	assert.True(t, ob.sync([]string{"node-0000000001"}))
	assert.Equal(t, []string{"a"}, ob.Members())

	// a node that is already gone is not worth retrying
	assert.True(t, ob.sync([]string{"node-0000000001", "node-0000000009"}))
}

func TestRunRetriesAfterFailedRead(t *testing.T) {
	fake := newFakeZK()
	m := orchestrator.NewShardManager(nil, testLogger)

	ob := NewObserver(fake, "/tsshard", m, testLogger)
	ob.RetryInterval = time.Millisecond * 10

	_, err := NewRegistrar(fake, "/tsshard", testLogger).Register(NodeInfo{ID: "a"})
	require.NoError(t, err)

	fake.mu.Lock()
	fake.failGets = 2
	fake.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ob.Run(ctx)

	// no further membership change happens, the member must show up on its own
	require.Eventually(t, func() bool { return m.HasMember("a") }, time.Second*5, time.Millisecond*10)
}
