// Package zkmembership keeps cluster membership in zookeeper: every node holds an ephemeral sequential znode
// under <root>/nodes, and the orchestrator watches the children to raise MemberUp and MemberRemoved.
// The zookeeper sequence number doubles as the join order.
package zkmembership

import (
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/jonas747/tsshard"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
)

// Conn is the subset of *zk.Conn used by this package
type Conn interface {
	Exists(path string) (bool, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Get(path string) ([]byte, *zk.Stat, error)
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	Delete(path string, version int32) error
	State() zk.State
	Close()
}

var _ Conn = (*zk.Conn)(nil)

// Connect connects to the zookeeper ensemble, servers being ["zk1:2181", "zk2:2181"]
func Connect(servers []string) (*zk.Conn, error) {
	conn, _, err := zk.Connect(servers, 5*time.Second)
	if err != nil {
		return nil, errors.WithMessage(err, "zk connect")
	}

	return conn, nil
}

// NodeInfo is stored as the data of a node's znode
type NodeInfo struct {
	ID   string `msgpack:"id"`
	Addr string `msgpack:"addr"`
}

func nodesPath(root string) string {
	return strings.TrimSuffix(root, "/") + "/nodes"
}

func ensurePath(conn Conn, path string) error {
	parts := strings.Split(path, "/")
	cur := ""
	for _, p := range parts {
		if p == "" {
			continue
		}

		cur = cur + "/" + p
		exists, _, err := conn.Exists(cur)
		if err != nil {
			return errors.WithMessage(err, "exists "+cur)
		}

		if !exists {
			_, err = conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && err != zk.ErrNodeExists {
				return errors.WithMessage(err, "create "+cur)
			}
		}
	}

	return nil
}

func waitConnected(conn Conn, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}

		if time.Now().After(deadline) {
			return errors.Errorf("zk: not connected after %s, state=%v", timeout, st)
		}

		time.Sleep(200 * time.Millisecond)
	}
}

// Registrar registers the local node in zookeeper
type Registrar struct {
	conn   Conn
	root   string
	logger tsshard.Logger

	// how long to wait for the zookeeper session before giving up
	ConnectTimeout time.Duration

	path string
}

func NewRegistrar(conn Conn, root string, logger tsshard.Logger) *Registrar {
	return &Registrar{
		conn:           conn,
		root:           root,
		logger:         logger,
		ConnectTimeout: 10 * time.Second,
	}
}

// Register creates the ephemeral sequential znode for the node, it disappears when the session ends
func (r *Registrar) Register(info NodeInfo) (string, error) {
	if info.ID == "" {
		return "", errors.New("zk: node id is empty")
	}

	if err := waitConnected(r.conn, r.ConnectTimeout); err != nil {
		return "", err
	}

	if err := ensurePath(r.conn, nodesPath(r.root)); err != nil {
		return "", errors.WithMessage(err, "ensure nodes path")
	}

	data, err := msgpack.Marshal(info)
	if err != nil {
		return "", errors.WithMessage(err, "msgpack.Marshal")
	}

	path, err := r.conn.Create(nodesPath(r.root)+"/node-", data, zk.FlagEphemeral|zk.FlagSequence, zk.WorldACL(zk.PermAll))
	if err != nil {
		return "", errors.WithMessage(err, "create ephemeral node")
	}

	r.path = path
	tsshard.LogErr(r.logger, tsshard.LogInfo, nil, "zkmembership: registered "+info.ID+" at "+path)
	return path, nil
}

// Deregister removes the znode right away instead of waiting for the session to expire
func (r *Registrar) Deregister() error {
	if r.path == "" {
		return nil
	}

	err := r.conn.Delete(r.path, -1)
	if err != nil && err != zk.ErrNoNode {
		return errors.WithMessage(err, "delete "+r.path)
	}

	r.path = ""
	return nil
}
