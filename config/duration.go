package config

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as "500ms" or "2s" in flags and
// config files.
type Duration time.Duration

func (d Duration) String() string {
	return time.Duration(d).String()
}

// Set implements flag.Value.
func (d *Duration) Set(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// UnmarshalText is used by the TOML decoder.
func (d *Duration) UnmarshalText(text []byte) error {
	return d.Set(string(text))
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.Set(value.Value)
}
