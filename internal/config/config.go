// Package config loads the daemon configuration.
package config

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"

	"github.com/atvbridge/atvbridge/internal/domain"
)

// Settings is the full daemon configuration.
type Settings struct {
	LogLevel string                `mapstructure:"log_level"`
	Devices  []domain.DeviceConfig `mapstructure:"devices"`
}

// Load reads and validates the configuration file.
func Load(path string) (*Settings, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("atvbridge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/atvbridge")
	}
	v.SetDefault("log_level", "info")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// No config file anywhere in the search path: run with defaults.
		// Devices can still be discovered and paired at runtime.
	}

	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := settings.validate(); err != nil {
		return nil, err
	}
	return &settings, nil
}

func (s *Settings) validate() error {
	seen := map[string]struct{}{}
	for i := range s.Devices {
		dev := &s.Devices[i]
		if dev.Identifier() == "" {
			return fmt.Errorf("device %d: id or address is required", i)
		}
		if _, dup := seen[dev.Identifier()]; dup {
			return fmt.Errorf("device %d: duplicate identifier %q", i, dev.Identifier())
		}
		seen[dev.Identifier()] = struct{}{}

		switch dev.Transport {
		case "", domain.TransportCLI:
			dev.Transport = domain.TransportCLI
		case domain.TransportCompanion:
		default:
			return fmt.Errorf("device %q: unknown transport %q", dev.Identifier(), dev.Transport)
		}
	}
	return nil
}
