package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"

	"github.com/ergo-services/rabble/gen"
	"github.com/ergo-services/rabble/net/codec"
)

// Duration is a time.Duration read from a "5s" like string
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Annotatef(err, "duration %q", text)
	}
	d.Duration = v
	return nil
}

// Config of the node started by the CLI
type Config struct {
	Name        string   `toml:"name"`
	Addr        string   `toml:"addr"`
	Join        []string `toml:"join"`
	MetricsAddr string   `toml:"metrics-addr"`

	LogLevel  string `toml:"log-level"`
	LogFormat string `toml:"log-format"`

	Codec          string   `toml:"codec"`
	Schedulers     int      `toml:"schedulers"`
	Quantum        int      `toml:"quantum"`
	RequestTimeout Duration `toml:"request-timeout"`
	Tick           Duration `toml:"tick"`
}

func defaultConfig() *Config {
	return &Config{
		Name:           "rabble",
		Addr:           "127.0.0.1:5000",
		MetricsAddr:    ":9100",
		LogLevel:       "info",
		LogFormat:      "console",
		Codec:          codec.NameMsgPack,
		Quantum:        gen.DefaultQuantum,
		RequestTimeout: Duration{gen.DefaultRequestTimeout},
		Tick:           Duration{gen.DefaultTick},
	}
}

// decodeFile reads the TOML file into the config. Unknown keys are
// rejected.
func (c *Config) decodeFile(path string) error {
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return errors.Annotatef(err, "config %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		var keys []string
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return errors.Errorf("config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// adjust validates the config
func (c *Config) adjust() error {
	if c.Name == "" {
		return errors.New("node name is empty")
	}
	if c.Addr == "" {
		return errors.New("node address is empty")
	}
	for _, join := range c.Join {
		if _, err := gen.ParseNodeID(join); err != nil {
			return errors.Trace(err)
		}
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return errors.Errorf("unknown log format %q", c.LogFormat)
	}
	if _, err := codec.ByName[string](c.Codec); err != nil {
		return errors.Trace(err)
	}
	if c.Schedulers < 0 || c.Quantum < 0 {
		return errors.New("schedulers and quantum can't be negative")
	}
	return nil
}

func (c *Config) nodeID() gen.NodeID {
	return gen.NodeID{Name: c.Name, Addr: c.Addr}
}

func (c *Config) String() string {
	return fmt.Sprintf("%s codec=%s schedulers=%d join=%v", c.nodeID(), c.Codec, c.Schedulers, c.Join)
}
