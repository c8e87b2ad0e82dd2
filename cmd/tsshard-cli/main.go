package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/table"
	"github.com/jonas747/tsshard"
	"github.com/jonas747/tsshard/orchestrator/rest"
	"github.com/jonas747/tsshard/shardmap"
	"github.com/urfave/cli"
)

var restClient *rest.Client

func main() {
	app := cli.NewApp()

	app.Name = "tsshard command line client"
	app.Description = "tsshard-cli is a command line interface for the tsshard orchestrator"

	app.Flags = []cli.Flag{
		cli.StringFlag{
			EnvVar: "TSSHARD_REST_SERVER_ADDR",
			Name:   "serveraddr",
			Value:  "http://127.0.0.1:7448",
		},
	}
	app.Commands = []cli.Command{
		cli.Command{
			Name:   "status",
			Usage:  "display status of all nodes",
			Action: StatusCmd,
		},
		cli.Command{
			Name:   "datasets",
			Usage:  "display the shard distribution of all datasets",
			Action: DatasetsCmd,
		},
		cli.Command{
			Name:      "dataset",
			Usage:     "display every shard of a dataset",
			ArgsUsage: "<dataset>",
			Action:    DatasetCmd,
		},
		cli.Command{
			Name:  "adddataset",
			Usage: "registers a new dataset",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name: "name",
				},
				cli.IntFlag{
					Name: "shards",
				},
				cli.StringSliceFlag{
					Name:  "column",
					Usage: "name:type, may be repeated",
				},
			},
			Action: AddDatasetCmd,
		},
		cli.Command{
			Name:      "removedataset",
			Usage:     "stops every shard of a dataset and forgets about it",
			ArgsUsage: "<dataset>",
			Action:    RemoveDatasetCmd,
		},
		cli.Command{
			Name:      "route",
			Usage:     "find the shard and node a series key belongs to",
			ArgsUsage: "<dataset> <key>",
			Action:    RouteCmd,
		},
		cli.Command{
			Name:      "removenode",
			Usage:     "removes a node from the cluster, handing its shards to the others",
			ArgsUsage: "<node>",
			Action:    RemoveNodeCmd,
		},
		cli.Command{
			Name:      "shutdownnode",
			Usage:     "shuts down a node",
			ArgsUsage: "<node>",
			Action:    ShutdownNodeCmd,
		},
	}

	app.Before = func(c *cli.Context) error {
		restClient = rest.NewClient(c.String("serveraddr"))
		return nil
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

func StatusCmd(c *cli.Context) error {
	status, err := restClient.GetStatus()
	if err != nil {
		return err
	}

	tb := table.NewWriter()
	tb.AppendHeader(table.Row{"id", "addr", "version", "member", "connected", "assigned", "running"})

	for _, n := range status.Nodes {
		var assigned []string
		for _, ds := range sortedDatasets(n.AssignedShards) {
			assigned = append(assigned, ds+":"+strconv.Itoa(len(n.AssignedShards[ds])))
		}

		tb.AppendRow(table.Row{n.ID, n.Addr, n.Version, n.Member, n.Connected, strings.Join(assigned, " "), len(n.ReportedShards)})
	}

	fmt.Println(tb.Render())
	return nil
}

func DatasetsCmd(c *cli.Context) error {
	resp, err := restClient.GetDatasets()
	if err != nil {
		return err
	}

	tb := table.NewWriter()
	tb.AppendHeader(table.Row{"dataset", "shards", "assigned", "unassigned", "down", "nodes"})

	for _, ds := range resp.Datasets {
		counts := make(map[string]int)
		nodes := make(map[string]bool)
		for _, s := range ds.Shards {
			counts[s.Status]++
			if s.Owner != "" {
				nodes[s.Owner] = true
			}
		}

		tb.AppendRow(table.Row{ds.Dataset.Name, ds.Dataset.NumShards, counts[shardmap.StatusAssigned.String()], counts[shardmap.StatusUnassigned.String()], counts[shardmap.StatusDown.String()], len(nodes)})
	}

	fmt.Println(tb.Render())
	return nil
}

func DatasetCmd(c *cli.Context) error {
	name, err := arg(c, 0, "dataset")
	if err != nil {
		return err
	}

	ds, err := restClient.GetDataset(name)
	if err != nil {
		return err
	}

	tb := table.NewWriter()
	tb.AppendHeader(table.Row{"shard", "status", "owner"})
	for _, s := range ds.Shards {
		tb.AppendRow(table.Row{s.Shard, s.Status, s.Owner})
	}

	fmt.Println(tb.Render())
	return nil
}

func AddDatasetCmd(c *cli.Context) error {
	ds := tsshard.Dataset{
		Name:      c.String("name"),
		NumShards: c.Int("shards"),
	}
	ds.Schema.Name = ds.Name

	for _, col := range c.StringSlice("column") {
		split := strings.SplitN(col, ":", 2)
		if len(split) != 2 {
			return errors.New("columns are specified as name:type, got " + col)
		}

		ds.Schema.Columns = append(ds.Schema.Columns, tsshard.Column{Name: split[0], Type: split[1]})
	}

	if err := ds.Validate(); err != nil {
		return err
	}

	msg, err := restClient.AddDataset(ds)
	if err != nil {
		return err
	}

	fmt.Println(msg)
	return nil
}

func RemoveDatasetCmd(c *cli.Context) error {
	name, err := arg(c, 0, "dataset")
	if err != nil {
		return err
	}

	msg, err := restClient.RemoveDataset(name)
	if err != nil {
		return err
	}

	fmt.Println(msg)
	return nil
}

func RouteCmd(c *cli.Context) error {
	dataset, err := arg(c, 0, "dataset")
	if err != nil {
		return err
	}

	key, err := arg(c, 1, "key")
	if err != nil {
		return err
	}

	resp, err := restClient.Route(dataset, key)
	if err != nil {
		return err
	}

	owner := resp.Node
	if owner == "" {
		owner = "(no owner)"
	} else if resp.Addr != "" {
		owner += " at " + resp.Addr
	}

	fmt.Println("shard " + strconv.Itoa(resp.Shard) + ": " + owner)
	return nil
}

func RemoveNodeCmd(c *cli.Context) error {
	nodeID, err := arg(c, 0, "node")
	if err != nil {
		return err
	}

	fmt.Println("removing " + nodeID)
	msg, err := restClient.RemoveNode(nodeID)
	if err != nil {
		return err
	}

	fmt.Println(msg)
	return nil
}

func ShutdownNodeCmd(c *cli.Context) error {
	nodeID, err := arg(c, 0, "node")
	if err != nil {
		return err
	}

	fmt.Println("shutting down " + nodeID)
	msg, err := restClient.ShutdownNode(nodeID)
	if err != nil {
		return err
	}

	fmt.Println(msg)
	return nil
}

func arg(c *cli.Context, i int, name string) (string, error) {
	args := c.Args()
	if len(args) <= i || args[i] == "" {
		return "", errors.New("no " + name + " specified")
	}

	return args[i], nil
}

// sortedDatasets is used to keep the output of status stable
func sortedDatasets(m map[string][]int) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
