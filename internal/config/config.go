// Package config loads snmpwatch settings from an optional file,
// SNMPWATCH_ environment variables, and defaults.
package config

import (
	"github.com/spf13/viper"
)

// Config is a read-only view over a viper instance. A nil viper decodes
// as an empty tree.
type Config struct {
	v *viper.Viper
}

// New wraps v.
func New(v *viper.Viper) *Config {
	return &Config{v: v}
}

// Unmarshal decodes the whole tree into out using mapstructure tags.
func (c *Config) Unmarshal(out any) error {
	if c.v == nil {
		return nil
	}
	return c.v.Unmarshal(out)
}
