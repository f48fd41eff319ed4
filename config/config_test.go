package config

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("ccf", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	var c Config
	rest, err := c.Load(newFlagSet(), []string{"tcp", "localhost:5000"})
	require.NoError(t, err)

	assert.Equal(t, []string{"tcp", "localhost:5000"}, rest)
	assert.Equal(t, 500*time.Millisecond, time.Duration(c.Timeout))
	assert.Equal(t, "round-robin", c.Balance)
	assert.Equal(t, 3, c.Retries)
	assert.False(t, c.NoLog)
}

func TestEnvThenFlags(t *testing.T) {
	t.Setenv("CCF_ETCD_ENDPOINTS", "a:2379, b:2379")
	t.Setenv("CCF_TIMEOUT", "2s")
	t.Setenv("CCF_BALANCE", "weighted")

	var c Config
	_, err := c.Load(newFlagSet(), []string{"-timeout", "750ms", "target", "demo"})
	require.NoError(t, err)

	assert.Equal(t, []string{"a:2379", "b:2379"}, c.Etcd)
	assert.Equal(t, "weighted", c.Balance)
	// flag wins over env
	assert.Equal(t, 750*time.Millisecond, time.Duration(c.Timeout))
}

func TestLoadFile(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"yaml", "ccf.yaml", "timeout: 2s\nno_log: true\ncall: add\nargs: '[1, 2]'\netcd: [\"e:2379\"]\n"},
		{"toml", "ccf.toml", "timeout = \"2s\"\nno_log = true\ncall = \"add\"\nargs = \"[1, 2]\"\netcd = [\"e:2379\"]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Config
			c.SetDefaults()
			require.NoError(t, c.LoadFile(writeFile(t, tt.file, tt.content)))

			assert.Equal(t, 2*time.Second, time.Duration(c.Timeout))
			assert.True(t, c.NoLog)
			assert.Equal(t, "add", c.Call)
			assert.Equal(t, []string{"e:2379"}, c.Etcd)
			assert.Equal(t, "round-robin", c.Balance, "keys missing from the file keep their value")

			args, err := c.CallArgs()
			require.NoError(t, err)
			assert.Equal(t, []any{int64(1), int64(2)}, args)
		})
	}
}

func TestFlagsOverrideFile(t *testing.T) {
	path := writeFile(t, "ccf.yaml", "call: add\nretries: 5\nlog_level: debug\n")

	var c Config
	_, err := c.Load(newFlagSet(), []string{"-config", path, "-call", "sub", "tcp", "x:1"})
	require.NoError(t, err)

	assert.Equal(t, "sub", c.Call)
	assert.Equal(t, 5, c.Retries)
	assert.Equal(t, "debug", c.LogLevel)
}

func TestLoadFileErrors(t *testing.T) {
	var c Config
	err := c.LoadFile(writeFile(t, "ccf.ini", "x=1"))
	assert.ErrorIs(t, err, ErrUnknownFormat)

	err = c.LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	err = c.LoadFile(writeFile(t, "bad.yaml", "timeout: soon\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"zero timeout", []string{"-timeout", "0s"}},
		{"negative rate", []string{"-rate-limit", "-1"}},
		{"no retries", []string{"-retries", "0"}},
		{"args without call", []string{"-args", "[1]"}},
		{"args not json", []string{"-call", "add", "-args", "[1,"}},
		{"args not array", []string{"-call", "add", "-args", "{\"x\": 1}"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Config
			_, err := c.Load(newFlagSet(), tt.args)
			assert.Error(t, err)
		})
	}
}

func TestBadFlagDuration(t *testing.T) {
	var c Config
	_, err := c.Load(newFlagSet(), []string{"-timeout", "soon"})
	assert.Error(t, err)
}
