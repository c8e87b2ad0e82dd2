package zkmembership

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/jonas747/tsshard"
	"github.com/jonas747/tsshard/orchestrator"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
)

// Observer watches the registered nodes and feeds membership changes to a handler,
// normally an orchestrator running with ExternalMembership
type Observer struct {
	conn    Conn
	root    string
	handler orchestrator.EventHandler
	logger  tsshard.Logger

	// how long to wait before retrying after a failed watch
	RetryInterval time.Duration

	mu sync.Mutex
	// znode name -> node id of the members raised so far
	known map[string]string
}

func NewObserver(conn Conn, root string, handler orchestrator.EventHandler, logger tsshard.Logger) *Observer {
	return &Observer{
		conn:          conn,
		root:          root,
		handler:       handler,
		logger:        logger,
		RetryInterval: 2 * time.Second,
		known:         make(map[string]string),
	}
}

// Run watches until ctx is cancelled
func (ob *Observer) Run(ctx context.Context) {
	for {
		if err := ensurePath(ob.conn, nodesPath(ob.root)); err != nil {
			ob.log(tsshard.LogError, err, "failed ensuring nodes path")
			if !ob.sleep(ctx) {
				return
			}
			continue
		}

		children, _, ch, err := ob.conn.ChildrenW(nodesPath(ob.root))
		if err != nil {
			ob.log(tsshard.LogError, err, "ChildrenW failed")
			if !ob.sleep(ctx) {
				return
			}
			continue
		}

		var retry <-chan time.Time
		if !ob.sync(children) {
			retry = time.After(ob.RetryInterval)
		}

		select {
		case evt := <-ch:
			ob.log(tsshard.LogDebug, nil, "watch fired: "+evt.Type.String())
		case <-retry:
			ob.log(tsshard.LogDebug, nil, "retrying unread nodes")
		case <-ctx.Done():
			return
		}
	}
}

func (ob *Observer) sleep(ctx context.Context) bool {
	select {
	case <-time.After(ob.RetryInterval):
		return true
	case <-ctx.Done():
		return false
	}
}

// sync diffs children against the known members, raising MemberRemoved for the ones that vanished
// and MemberUp for new ones in sequence order. It returns false if a node could not be read and has to be retried.
func (ob *Observer) sync(children []string) bool {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	current := make(map[string]bool, len(children))
	for _, c := range children {
		current[c] = true
	}

	var removed []string
	for name := range ob.known {
		if !current[name] {
			removed = append(removed, name)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return sequenceLess(removed[i], removed[j]) })

	for _, name := range removed {
		nodeID := ob.known[name]
		delete(ob.known, name)

		if ob.hasMemberLocked(nodeID) {
			// the node re-registered before its old session expired
			continue
		}

		if err := ob.handler.HandleEvent(orchestrator.MemberRemoved{NodeID: nodeID}); err != nil {
			ob.log(tsshard.LogError, err, "failed handling removal of "+nodeID)
		}
	}

	var added []string
	for _, c := range children {
		if _, ok := ob.known[c]; !ok {
			added = append(added, c)
		}
	}
	sort.Slice(added, func(i, j int) bool { return sequenceLess(added[i], added[j]) })

	complete := true
	for _, name := range added {
		info, err := ob.readNode(name)
		if err != nil {
			if errors.Cause(err) != zk.ErrNoNode {
				ob.log(tsshard.LogError, err, "failed reading "+name)
				complete = false
			}
			continue
		}

		ob.known[name] = info.ID

		err = ob.handler.HandleEvent(orchestrator.MemberUp{Node: tsshard.ClusterNode{ID: info.ID, Addr: info.Addr}})
		if errors.Cause(err) == orchestrator.ErrNodeExists {
			ob.log(tsshard.LogInfo, nil, info.ID+" registered again as "+name)
		} else if err != nil {
			ob.log(tsshard.LogError, err, "failed handling member up of "+info.ID)
		}
	}

	return complete
}

func (ob *Observer) hasMemberLocked(nodeID string) bool {
	for _, id := range ob.known {
		if id == nodeID {
			return true
		}
	}
	return false
}

func (ob *Observer) readNode(name string) (NodeInfo, error) {
	var info NodeInfo

	data, _, err := ob.conn.Get(nodesPath(ob.root) + "/" + name)
	if err != nil {
		return info, errors.WithMessage(err, "get")
	}

	err = msgpack.Unmarshal(data, &info)
	if err != nil {
		return info, errors.WithMessage(err, "msgpack.Unmarshal")
	}

	if info.ID == "" {
		return info, errors.New("znode without node id")
	}

	return info, nil
}

// Members returns the ids of the members raised so far, in sequence order
func (ob *Observer) Members() []string {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	names := make([]string, 0, len(ob.known))
	for name := range ob.known {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return sequenceLess(names[i], names[j]) })

	ids := make([]string, len(names))
	for i, name := range names {
		ids[i] = ob.known[name]
	}
	return ids
}

// sequenceLess orders znode names by the 10 digit sequence number zookeeper appends
func sequenceLess(a, b string) bool {
	sa, sb := sequenceOf(a), sequenceOf(b)
	if sa != sb {
		return sa < sb
	}

	return a < b
}

func sequenceOf(name string) string {
	if len(name) < 10 {
		return name
	}

	return name[len(name)-10:]
}

func (ob *Observer) log(level tsshard.LogLevel, err error, msg string) {
	tsshard.LogErr(ob.logger, level, err, "zkmembership: "+msg)
}
