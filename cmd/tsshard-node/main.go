package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/jonas747/tsshard"
	"github.com/jonas747/tsshard/node"
	"github.com/jonas747/tsshard/zkmembership"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

func main() {
	app := cli.NewApp()

	app.Name = "tsshard-node"
	app.Description = "sample ingestion node, logs the shard lifecycle commands it receives from the orchestrator"

	app.Flags = []cli.Flag{
		cli.StringFlag{
			EnvVar: "TSSHARD_ORCHESTRATOR_ADDR",
			Name:   "orchestrator",
			Value:  "127.0.0.1:7447",
		},
		cli.StringFlag{
			EnvVar: "TSSHARD_NODE_ID",
			Name:   "id",
			Usage:  "id of the node, assigned by the orchestrator if empty",
		},
		cli.StringFlag{
			EnvVar: "TSSHARD_NODE_ADDR",
			Name:   "addr",
			Usage:  "address the node serves queries on",
			Value:  "127.0.0.1:9000",
		},
		cli.StringSliceFlag{
			EnvVar: "TSSHARD_ZK_SERVERS",
			Name:   "zk",
			Usage:  "register in zookeeper instead of relying on the orchestrator connection for membership",
		},
		cli.StringFlag{
			EnvVar: "TSSHARD_ZK_ROOT",
			Name:   "zkroot",
			Value:  "/tsshard",
		},
		cli.StringFlag{
			EnvVar: "TSSHARD_LOG_LEVEL",
			Name:   "loglevel",
			Value:  "info",
		},
	}

	app.Action = run

	err := app.Run(os.Args)
	if err != nil {
		logrus.WithError(err).Fatal("node failed")
	}
}

func run(c *cli.Context) error {
	level := tsshard.ParseLogLevel(c.String("loglevel"))
	if level == tsshard.LogDebug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	logger := &tsshard.StdLogger{Level: level}

	nodeID := c.String("id")
	zkServers := c.StringSlice("zk")
	if len(zkServers) > 0 && nodeID == "" {
		// the znode has to carry the id before the orchestrator ever sees the connection
		nodeID = "node-" + uuid.NewString()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	host := &SampleNode{
		entry:    logrus.WithField("component", "node"),
		shutdown: cancel,
	}

	conn, err := node.ConnectToOrchestrator(host, c.String("orchestrator"), nodeID, c.String("addr"), "sample", logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	if len(zkServers) > 0 {
		zkConn, err := zkmembership.Connect(zkServers)
		if err != nil {
			return err
		}
		defer zkConn.Close()

		reg := zkmembership.NewRegistrar(zkConn, c.String("zkroot"), logger)
		_, err = reg.Register(zkmembership.NodeInfo{ID: nodeID, Addr: c.String("addr")})
		if err != nil {
			return err
		}
		defer reg.Deregister()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	logrus.Info("shutting down")
	return nil
}

// SampleNode implements node.Interface by logging every command
type SampleNode struct {
	entry    *logrus.Entry
	shutdown func()
}

var _ node.Interface = (*SampleNode)(nil)

func (n *SampleNode) SessionEstablished(info node.SessionInfo) {
	n.entry = n.entry.WithField("node", info.NodeID)
	n.entry.Info("session established")
}

func (n *SampleNode) SetupDataset(dataset string, schema tsshard.Schema) {
	n.entry.WithField("dataset", dataset).WithField("columns", len(schema.Columns)).Info("setting up dataset")
}

func (n *SampleNode) StartShardIngestion(dataset string, shard int) {
	n.entry.WithField("dataset", dataset).WithField("shard", shard).Info("starting shard ingestion")
}

func (n *SampleNode) StopShardIngestion(dataset string, shard int) {
	n.entry.WithField("dataset", dataset).WithField("shard", shard).Info("stopping shard ingestion")
}

func (n *SampleNode) Shutdown() {
	n.entry.Info("orchestrator asked us to shut down")
	n.shutdown()
}
