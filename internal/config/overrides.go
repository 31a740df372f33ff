package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// WithOverrides returns a copy of the configuration with every key that is
// set in v applied on top. Bound flags count as set only when given on the
// command line.
func (m *Manager) WithOverrides(v *viper.Viper) (*Config, error) {
	cfg := m.Get()
	for _, key := range Keys() {
		if !v.IsSet(key) {
			continue
		}
		if err := fields[key].set(cfg, v.GetString(key)); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
