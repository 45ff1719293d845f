package gnb

import (
	"errors"
	"fmt"
	"strings"

	"gnb-go/pkg/scheduler"
	"gnb-go/pkg/slot"
	"gnb-go/pkg/timing"
	"gnb-go/pkg/txbuffer"

	"github.com/spf13/viper"
)

var ErrInvalidConfig = errors.New("gnb: invalid configuration")

type Config struct {
	CellID        uint32           `mapstructure:"cell_id" toml:"cell_id"`
	Timing        timing.Config    `mapstructure:"timing" toml:"timing"`
	Pool          txbuffer.Config  `mapstructure:"pool" toml:"pool"`
	Scheduler     scheduler.Config `mapstructure:"scheduler" toml:"scheduler"`
	APIListenAddr string           `mapstructure:"api_listen_address" toml:"api_listen_address"` // empty disables the HTTP API
	MgmtSocket    string           `mapstructure:"mgmt_socket" toml:"mgmt_socket"`               // empty uses the default path
	MgmtPassword  string           `mapstructure:"mgmt_password" toml:"mgmt_password"`
	LogDB         string           `mapstructure:"log_db" toml:"log_db"`
	LogLevel      string           `mapstructure:"log_level" toml:"log_level"`
	ConfigFile    string           `mapstructure:"config_file" toml:"-"`
}

func DefaultConfig() *Config {
	return &Config{
		CellID:        1,
		Timing:        timing.Config{Numerology: 1, CPU: -1},
		Pool:          txbuffer.DefaultConfig(),
		Scheduler:     scheduler.DefaultConfig(),
		APIListenAddr: "127.0.0.1:7780",
		LogDB:         "gnb.db",
		LogLevel:      "info",
	}
}

// setDefaults registers every key so that GNB_* environment variables apply
// even when no configuration file sets them.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("cell_id", cfg.CellID)
	v.SetDefault("timing.numerology", cfg.Timing.Numerology)
	v.SetDefault("timing.cpu", cfg.Timing.CPU)
	v.SetDefault("pool.nof_buffers", cfg.Pool.NofBuffers)
	v.SetDefault("pool.max_codeblocks", cfg.Pool.MaxCodeblocks)
	v.SetDefault("pool.codeblock_size", cfg.Pool.CodeblockSize)
	v.SetDefault("pool.expire_timeout_slots", cfg.Pool.ExpireTimeoutSlots)
	v.SetDefault("scheduler.endpoints", cfg.Scheduler.Endpoints)
	v.SetDefault("scheduler.harq_processes", cfg.Scheduler.HarqProcesses)
	v.SetDefault("scheduler.tb_size", cfg.Scheduler.TBSize)
	v.SetDefault("scheduler.max_retx", cfg.Scheduler.MaxRetx)
	v.SetDefault("scheduler.transient_period", cfg.Scheduler.TransientPeriod)
	v.SetDefault("scheduler.bler", cfg.Scheduler.BLER)
	v.SetDefault("api_listen_address", cfg.APIListenAddr)
	v.SetDefault("mgmt_socket", cfg.MgmtSocket)
	v.SetDefault("mgmt_password", cfg.MgmtPassword)
	v.SetDefault("log_db", cfg.LogDB)
	v.SetDefault("log_level", cfg.LogLevel)
}

// LoadConfig reads defaults, then the configuration file, then GNB_*
// environment variables (GNB_POOL_NOF_BUFFERS for pool.nof_buffers). With
// an empty path, gnb.yaml or gnb.toml is looked up in the working directory,
// /etc/gnb-go and $HOME/.gnb-go; a missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	v := viper.New()
	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("gnb")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/gnb-go/")
		v.AddConfigPath("$HOME/.gnb-go")
	}
	v.SetEnvPrefix("GNB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("gnb: failed to read config: %w", err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("gnb: failed to decode config: %w", err)
	}
	cfg.ConfigFile = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Timing.Numerology > slot.MaxNumerology {
		return fmt.Errorf("%w: numerology must be in [0, %d], got %d", ErrInvalidConfig, slot.MaxNumerology, c.Timing.Numerology)
	}
	if c.Timing.CPU < -1 {
		return fmt.Errorf("%w: cpu must be -1 (no pinning) or a cpu index, got %d", ErrInvalidConfig, c.Timing.CPU)
	}
	if err := c.Pool.Validate(); err != nil {
		return err
	}
	if err := c.Scheduler.Validate(); err != nil {
		return err
	}
	if c.LogDB == "" {
		return fmt.Errorf("%w: log_db must be set", ErrInvalidConfig)
	}
	return nil
}
