package config

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsAndFlags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--server-addr=lockserver:7070", "--shard-count=8"}))

	cfg, err := Load(fs, "")
	require.NoError(t, err)
	require.Equal(t, "lockserver:7070", cfg.ServerAddr)
	require.Equal(t, 8, cfg.ShardCount)
	require.Equal(t, "127.0.0.1", cfg.BindHost)
	require.Equal(t, "info", cfg.LogLevel)
}

func TestLoadRequiresServerAddr(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(nil))

	_, err := Load(fs, "")
	require.Error(t, err)
}
