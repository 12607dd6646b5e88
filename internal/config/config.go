// Package config loads the gridnode configuration from flags, environment
// variables (prefix GRIDNODE_) and an optional config file.
//
// Precedence, highest first: flags set on the command line, environment,
// config file, flag defaults. Counter definitions can only come from the
// config file.
package config

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dreamware/gridsync/internal/counter"
)

// EnvPrefix is the prefix of every environment variable read by Load.
const EnvPrefix = "GRIDNODE"

// Counter is a counter definition, read from the config file at startup or
// from a define request.
type Counter struct {
	Name        string `mapstructure:"name" json:"name" validate:"required,excludesall=/"`
	Type        string `mapstructure:"type" json:"type" validate:"oneof=weak unbounded-strong bounded-strong"`
	Initial     int64  `mapstructure:"initial" json:"initial"`
	Lower       int64  `mapstructure:"lower" json:"lower"`
	Upper       int64  `mapstructure:"upper" json:"upper"`
	Concurrency int    `mapstructure:"concurrency" json:"concurrency" validate:"gte=0"`
}

// Configuration converts c to a counter configuration.
func (c Counter) Configuration() (counter.Configuration, error) {
	typ, err := counter.ParseType(c.Type)
	if err != nil {
		return counter.Configuration{}, err
	}
	cfg := counter.Configuration{
		Type:             typ,
		InitialValue:     c.Initial,
		LowerBound:       c.Lower,
		UpperBound:       c.Upper,
		ConcurrencyLevel: c.Concurrency,
	}
	if typ == counter.Weak && cfg.ConcurrencyLevel == 0 {
		cfg.ConcurrencyLevel = counter.DefaultConcurrencyLevel
	}
	return cfg, cfg.Validate()
}

// Node is the configuration of one gridnode process.
type Node struct {
	NodeID     string    `mapstructure:"node-id" validate:"required"`
	Listen     string    `mapstructure:"listen" validate:"required"`
	GossipAddr string    `mapstructure:"gossip-addr" validate:"required,ip"`
	GossipPort int       `mapstructure:"gossip-port" validate:"gte=0,lte=65535"`
	Join       []string  `mapstructure:"join"`
	Segments   int       `mapstructure:"segments" validate:"gt=0"`
	Store      string    `mapstructure:"store" validate:"oneof=memory badger"`
	DataDir    string    `mapstructure:"data-dir" validate:"required_if=Store badger"`
	Group      string    `mapstructure:"group" validate:"required,excludesall=/"`
	ChunkSize  int       `mapstructure:"chunk-size" validate:"gt=0"`
	LogLevel   string    `mapstructure:"log-level" validate:"oneof=debug info warn error"`
	Dev        bool      `mapstructure:"dev"`
	Counters   []Counter `mapstructure:"counters" validate:"dive"`
}

// BindFlags defines every Node flag with its default on flags.
func BindFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "path to a config file (yaml, json or toml)")
	flags.String("node-id", "", "unique node identifier")
	flags.String("listen", ":8081", "HTTP listen address")
	flags.String("gossip-addr", "127.0.0.1", "gossip bind address")
	flags.Int("gossip-port", 7946, "gossip bind port, 0 picks a free port")
	flags.StringSlice("join", nil, "gossip addresses of existing members")
	flags.Int("segments", 256, "number of ownership segments, identical on every node")
	flags.String("store", "memory", "store backend: memory or badger")
	flags.String("data-dir", "", "badger data directory")
	flags.String("group", "objects", "object directory group")
	flags.Int("chunk-size", 16*1024, "object chunk size in bytes")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	flags.Bool("dev", false, "human readable development logging")
}

// Load reads the Node configuration from flags, environment and the config
// file named by the "config" flag, then validates it.
func Load(flags *pflag.FlagSet) (Node, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return Node{}, errors.Wrap(err, "bind flags")
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Node{}, errors.Wrapf(err, "read config %s", path)
		}
	}

	var cfg Node
	if err := v.Unmarshal(&cfg); err != nil {
		return Node{}, errors.Wrap(err, "decode config")
	}
	return cfg, cfg.Validate()
}

var validate = validator.New()

// Validate checks n, including every counter definition.
func (n Node) Validate() error {
	if err := validate.Struct(n); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	seen := make(map[string]bool, len(n.Counters))
	for _, c := range n.Counters {
		if seen[c.Name] {
			return errors.Errorf("invalid configuration: counter %q defined twice", c.Name)
		}
		seen[c.Name] = true
		if _, err := c.Configuration(); err != nil {
			return errors.Wrapf(err, "counter %q", c.Name)
		}
	}
	return nil
}
