// Package config holds the configuration of the orchestrator binary, loaded from yaml
package config

import (
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/jonas747/tsshard"
	"github.com/pkg/errors"
)

type Config struct {
	// address nodes connect to
	ListenAddr string `yaml:"listen_addr"`
	// address of the http api, empty disables it
	RESTAddr string `yaml:"rest_addr"`

	// how long a node may be disconnected before its shards are handed out, "0s" right away, negative never
	MaxNodeDowntime string `yaml:"max_node_downtime"`

	LogLevel string `yaml:"log_level"`

	// datasets registered on startup, in order
	Datasets []tsshard.Dataset `yaml:"datasets"`

	Redis     RedisConfig     `yaml:"redis"`
	ZooKeeper ZooKeeperConfig `yaml:"zookeeper"`
}

// RedisConfig enables publishing shard events to redis when Addrs is set
type RedisConfig struct {
	Addrs         []string `yaml:"addrs"`
	Password      string   `yaml:"password"`
	ChannelPrefix string   `yaml:"channel_prefix"`
}

// ZooKeeperConfig switches membership over to zookeeper when Servers is set
type ZooKeeperConfig struct {
	Servers []string `yaml:"servers"`
	Root    string   `yaml:"root"`
}

func Default() Config {
	return Config{
		ListenAddr:      "127.0.0.1:7447",
		RESTAddr:        "127.0.0.1:7448",
		MaxNodeDowntime: "30s",
		LogLevel:        "info",
		Redis: RedisConfig{
			ChannelPrefix: "tsshard:events:",
		},
		ZooKeeper: ZooKeeperConfig{
			Root: "/tsshard",
		},
	}
}

// Load reads the config at path on top of the defaults, a missing file yields the defaults
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, errors.WithMessage(err, "read config")
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.WithMessage(err, "parse config")
	}

	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

// applyDefaults fills in keys left out of the file
func (c *Config) applyDefaults() {
	def := Default()

	if c.ListenAddr == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.MaxNodeDowntime == "" {
		c.MaxNodeDowntime = def.MaxNodeDowntime
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.Redis.ChannelPrefix == "" {
		c.Redis.ChannelPrefix = def.Redis.ChannelPrefix
	}
	if c.ZooKeeper.Root == "" {
		c.ZooKeeper.Root = def.ZooKeeper.Root
	}
}

// Validate checks the values that can't be checked by the yaml decoder
func (c Config) Validate() error {
	if _, err := c.Downtime(); err != nil {
		return err
	}

	seen := make(map[string]bool)
	for _, ds := range c.Datasets {
		if err := ds.Validate(); err != nil {
			return err
		}

		if seen[ds.Name] {
			return errors.Errorf("dataset %q listed twice", ds.Name)
		}
		seen[ds.Name] = true
	}

	return nil
}

// Downtime returns MaxNodeDowntime parsed
func (c Config) Downtime() (time.Duration, error) {
	if c.MaxNodeDowntime == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(c.MaxNodeDowntime)
	return d, errors.WithMessage(err, "max_node_downtime")
}
