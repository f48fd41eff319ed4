// Package config holds the settings of the ccf command line tools.
//
// Values come from three places, later ones winning:
//
//	CCF_* environment variables → config file (YAML or TOML) → command line flags
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"comms-ccf/codec"
	"comms-ccf/logx"
	"comms-ccf/transport"
)

const envPrefix = "CCF_"

var ErrUnknownFormat = errors.New("config: unknown file format")

// Config holds the settings of one ccf run.
type Config struct {
	ConfigFile string `yaml:"-" toml:"-"`
	LogLevel   string `yaml:"log_level" toml:"log_level"`

	// Connection
	Dump      bool     `yaml:"dump" toml:"dump"`
	Timeout   Duration `yaml:"timeout" toml:"timeout"`
	CorruptOK bool     `yaml:"corrupt_ok" toml:"corrupt_ok"`
	Etcd      []string `yaml:"etcd" toml:"etcd"`
	Balance   string   `yaml:"balance" toml:"balance"`

	// Calls
	Call      string  `yaml:"call" toml:"call"`
	Args      string  `yaml:"args" toml:"args"`
	List      bool    `yaml:"list" toml:"list"`
	RateLimit float64 `yaml:"rate_limit" toml:"rate_limit"`
	Retries   int     `yaml:"retries" toml:"retries"`

	// Logs
	NoLog      bool   `yaml:"no_log" toml:"no_log"`
	ExpectLogs string `yaml:"expect_logs" toml:"expect_logs"`

	MetricsAddr string `yaml:"metrics_addr" toml:"metrics_addr"`
}

// SetDefaults initializes c with built-in defaults.
func (c *Config) SetDefaults() {
	c.LogLevel = "info"
	c.Timeout = Duration(transport.DefaultTimeout)
	c.Balance = "round-robin"
	c.Retries = 3
}

// ApplyEnv overlays CCF_* environment variables onto the current values.
func (c *Config) ApplyEnv() {
	c.ConfigFile = getEnv("CONFIG", c.ConfigFile)
	if v := os.Getenv(logx.EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := getEnv("ETCD_ENDPOINTS", ""); v != "" {
		c.Etcd = splitComma(v)
	}
	c.Balance = getEnv("BALANCE", c.Balance)
	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)
	if v := getEnv("TIMEOUT", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Timeout = Duration(d)
		}
	}
}

// BindFlags registers the flags on fs using the current values as defaults.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "config file (.yaml, .yml or .toml)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.BoolVar(&c.Dump, "v", c.Dump, "hexdump every frame to stderr")
	fs.Var(&c.Timeout, "timeout", "default RPC call timeout")
	fs.BoolVar(&c.CorruptOK, "corrupt-ok", c.CorruptOK, "keep going after corrupt frames (peers report failed calls this way)")
	fs.Func("etcd", "comma separated etcd endpoints for target lookup", func(v string) error {
		c.Etcd = splitComma(v)
		return nil
	})
	fs.StringVar(&c.Balance, "balance", c.Balance, "instance selection: round-robin, weighted or hash:<key>")
	fs.StringVar(&c.Call, "call", c.Call, "call this function and print the result")
	fs.StringVar(&c.Args, "args", c.Args, "JSON array of arguments for -call")
	fs.BoolVar(&c.List, "list", c.List, "print the function table and exit")
	fs.Float64Var(&c.RateLimit, "rate-limit", c.RateLimit, "maximum calls per second (0 for no limit)")
	fs.IntVar(&c.Retries, "retries", c.Retries, "attempts per call when the peer does not answer")
	fs.BoolVar(&c.NoLog, "no-log", c.NoLog, "do not consume the log channel")
	fs.StringVar(&c.ExpectLogs, "expect-logs", c.ExpectLogs, "compare received logs with this file at the end of the stream")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "serve Prometheus metrics on this address")
}

// Load fills c from the environment, the config file and args, in that
// order of precedence, lowest first. It returns the positional arguments.
func (c *Config) Load(fs *flag.FlagSet, args []string) ([]string, error) {
	c.SetDefaults()
	c.ApplyEnv()
	c.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if c.ConfigFile == "" {
		return fs.Args(), c.Validate()
	}

	if err := c.LoadFile(c.ConfigFile); err != nil {
		return nil, err
	}
	// Parse again so explicit flags override the file
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return fs.Args(), c.Validate()
}

// LoadFile overlays the values found in path. The format follows the file
// extension. Keys missing from the file leave fields unchanged.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	case ".toml":
		err = toml.Unmarshal(data, c)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}
	if err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("config: timeout must be positive, got %s", c.Timeout)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("config: rate-limit must not be negative")
	}
	if c.Retries < 1 {
		return fmt.Errorf("config: retries must be at least 1")
	}
	if c.Args != "" && c.Call == "" {
		return fmt.Errorf("config: -args needs -call")
	}
	if _, err := c.CallArgs(); err != nil {
		return err
	}
	return nil
}

// CallArgs decodes Args. Whole numbers become int64.
func (c *Config) CallArgs() ([]any, error) {
	if strings.TrimSpace(c.Args) == "" {
		return nil, nil
	}
	var v any
	if err := (&codec.JSONCodec{}).Decode([]byte(c.Args), &v); err != nil {
		return nil, fmt.Errorf("config: -args: %w", err)
	}
	args, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("config: -args must be a JSON array, got %s", c.Args)
	}
	return args, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		return v
	}
	return def
}

func splitComma(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
