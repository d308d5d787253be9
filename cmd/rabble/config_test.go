package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ergo-services/rabble/gen"
)

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "rabble.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestConfigFile(t *testing.T) {
	path := writeConfig(t, `
name = "n1"
addr = "127.0.0.1:6000"
join = ["n2@127.0.0.1:6001"]
codec = "protobuf"
schedulers = 4
request-timeout = "2s"
`)
	cfg := defaultConfig()
	require.NoError(t, cfg.decodeFile(path))
	require.NoError(t, cfg.adjust())
	require.Equal(t, gen.NodeID{Name: "n1", Addr: "127.0.0.1:6000"}, cfg.nodeID())
	require.Equal(t, []string{"n2@127.0.0.1:6001"}, cfg.Join)
	require.Equal(t, 4, cfg.Schedulers)
	require.Equal(t, 2*time.Second, cfg.RequestTimeout.Duration)
	require.Equal(t, gen.DefaultTick, cfg.Tick.Duration)
}

func TestConfigUnknownKey(t *testing.T) {
	path := writeConfig(t, `nmae = "typo"`)
	require.Error(t, defaultConfig().decodeFile(path))
}

func TestConfigAdjust(t *testing.T) {
	for _, change := range []func(*Config){
		func(c *Config) { c.Name = "" },
		func(c *Config) { c.Join = []string{"no-addr"} },
		func(c *Config) { c.Codec = "gob" },
		func(c *Config) { c.LogFormat = "xml" },
		func(c *Config) { c.Schedulers = -1 },
	} {
		cfg := defaultConfig()
		change(cfg)
		require.Error(t, cfg.adjust())
	}
}

func TestFlagsOverrideFile(t *testing.T) {
	path := writeConfig(t, `
name = "from-file"
addr = "127.0.0.1:6000"
`)
	cmd := newCmdStart()
	o := newOptions()
	cmd.ResetFlags()
	o.addFlags(cmd)
	require.NoError(t, cmd.ParseFlags([]string{"--config", path, "--addr", "127.0.0.1:7000"}))
	require.NoError(t, o.complete(cmd))
	require.Equal(t, "from-file", o.config.Name)
	require.Equal(t, "127.0.0.1:7000", o.config.Addr)
}

func TestLogger(t *testing.T) {
	for _, format := range []string{"console", "json"} {
		log, err := newLogger("debug", format)
		require.NoError(t, err)
		require.NotNil(t, log)
	}
	_, err := newLogger("loud", "console")
	require.Error(t, err)
}
