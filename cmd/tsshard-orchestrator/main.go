package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonas747/tsshard"
	"github.com/jonas747/tsshard/config"
	"github.com/jonas747/tsshard/orchestrator"
	"github.com/jonas747/tsshard/orchestrator/rest"
	"github.com/jonas747/tsshard/redispub"
	"github.com/jonas747/tsshard/zkmembership"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

func main() {
	app := cli.NewApp()

	app.Name = "tsshard-orchestrator"
	app.Description = "assigns the shards of every dataset to the ingestion nodes of the cluster"

	app.Flags = []cli.Flag{
		cli.StringFlag{
			EnvVar: "TSSHARD_CONFIG",
			Name:   "config",
			Value:  "tsshard.yaml",
		},
		cli.StringFlag{
			EnvVar: "TSSHARD_LISTEN_ADDR",
			Name:   "listen",
			Usage:  "address nodes connect to, overrides the config",
		},
		cli.StringFlag{
			EnvVar: "TSSHARD_REST_ADDR",
			Name:   "rest",
			Usage:  "address of the http api, overrides the config",
		},
		cli.StringFlag{
			EnvVar: "TSSHARD_LOG_LEVEL",
			Name:   "loglevel",
			Usage:  "error, warn, info or debug, overrides the config",
		},
	}

	app.Action = run

	err := app.Run(os.Args)
	if err != nil {
		logrus.WithError(err).Fatal("orchestrator failed")
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	if c.IsSet("listen") {
		cfg.ListenAddr = c.String("listen")
	}
	if c.IsSet("rest") {
		cfg.RESTAddr = c.String("rest")
	}
	if c.IsSet("loglevel") {
		cfg.LogLevel = c.String("loglevel")
	}

	level := tsshard.ParseLogLevel(cfg.LogLevel)
	if level == tsshard.LogDebug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	logger := &tsshard.StdLogger{Level: level}

	downtime, err := cfg.Downtime()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o := orchestrator.NewStandardOrchestrator(logger)
	o.MaxNodeDowntimeBeforeRemoval = downtime

	if len(cfg.Redis.Addrs) > 0 {
		client, err := redispub.NewUniversalClient(ctx, redispub.Options{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		if err != nil {
			return err
		}
		defer client.Close()

		sub := o.Manager.Subscribe()
		defer sub.Close()

		go redispub.NewPublisher(client, cfg.Redis.ChannelPrefix, logger).Run(ctx, sub)
		logrus.WithField("addrs", cfg.Redis.Addrs).Info("publishing shard events to redis")
	}

	for _, ds := range cfg.Datasets {
		if err := o.AddDataset(ds); err != nil {
			return errors.WithMessage(err, "add dataset "+ds.Name)
		}
	}

	if len(cfg.ZooKeeper.Servers) > 0 {
		conn, err := zkmembership.Connect(cfg.ZooKeeper.Servers)
		if err != nil {
			return err
		}
		defer conn.Close()

		o.ExternalMembership = true
		go zkmembership.NewObserver(conn, cfg.ZooKeeper.Root, o, logger).Run(ctx)
		logrus.WithField("servers", cfg.ZooKeeper.Servers).Info("membership is managed through zookeeper")
	}

	err = o.Start(cfg.ListenAddr)
	if err != nil {
		return errors.WithMessage(err, "failed starting orchestrator")
	}
	defer o.Stop()

	logrus.WithField("addr", cfg.ListenAddr).Info("listening for nodes")

	if cfg.RESTAddr != "" {
		api := rest.NewRESTAPI(o, cfg.RESTAddr)
		err = api.Run()
		if err != nil {
			return errors.WithMessage(err, "failed starting rest api")
		}
		defer api.Close()

		logrus.WithField("addr", cfg.RESTAddr).Info("serving rest api")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logrus.Info("shutting down")
	return nil
}
