package shufflefs

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// FileConfig is the on-disk form of Config
type FileConfig struct {
	Cipher          string `mapstructure:"cipher"`
	MaxVolumes      int    `mapstructure:"max_volumes"`
	IVCacheCapacity int    `mapstructure:"iv_cache_capacity"`
	Workers         int    `mapstructure:"workers"`
	LogLevel        string `mapstructure:"log_level"`
}

// LoadConfig reads a Config from a YAML, TOML or JSON file. If path is
// empty, shufflefs.yaml is searched for in the working directory,
// $HOME/.shufflefs and /etc/shufflefs; a missing file leaves the defaults.
// Every key can be overridden from the environment with the SHUFFLEFS_
// prefix, e.g. SHUFFLEFS_WORKERS=8.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("shufflefs")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.shufflefs")
		v.AddConfigPath("/etc/shufflefs")
	}

	v.SetDefault("cipher", CipherAES256CTR.String())
	v.SetDefault("max_volumes", DefaultMaxVolumes)
	v.SetDefault("iv_cache_capacity", DefaultIVCacheCapacity)
	v.SetDefault("workers", 0)
	v.SetDefault("log_level", logrus.InfoLevel.String())

	v.SetEnvPrefix("SHUFFLEFS")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return fc.Config()
}

// Config converts the file form into a validated Config with defaults applied
func (fc FileConfig) Config() (*Config, error) {
	suite, err := ParseCipherSuite(fc.Cipher)
	if err != nil {
		return nil, err
	}
	level, err := ParseLogLevel(fc.LogLevel)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetLevel(level)

	c := &Config{
		Cipher:          suite,
		MaxVolumes:      fc.MaxVolumes,
		IVCacheCapacity: fc.IVCacheCapacity,
		Workers:         fc.Workers,
		Logger:          logger,
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	c.applyDefaults()
	return c, nil
}
