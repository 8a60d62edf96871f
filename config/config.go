// Package config 通过 viper 从 yaml 文件与 GOJTA_ 前缀的环境变量加载配置
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/xiaoxuxiansheng/gojta"
	"github.com/xiaoxuxiansheng/gojta/datasource"
	"github.com/xiaoxuxiansheng/gojta/log"
)

const EnvPrefix = "GOJTA"

type Config struct {
	Manager     ManagerConfig      `mapstructure:"manager"`
	Log         LogConfig          `mapstructure:"log"`
	DataSources []DataSourceConfig `mapstructure:"datasources"`
}

type ManagerConfig struct {
	DefaultTimeout                time.Duration `mapstructure:"default_timeout"`
	FailEarlyOnGlobalRollbackOnly bool          `mapstructure:"fail_early_on_global_rollback_only"`
	NestedTransactionAllowed      bool          `mapstructure:"nested_transaction_allowed"`
}

type LogConfig struct {
	Name       string `mapstructure:"name"`
	Level      string `mapstructure:"level"`
	FileName   string `mapstructure:"file_name"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

type DataSourceConfig struct {
	Name            string        `mapstructure:"name"`
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MinPoolSize     int           `mapstructure:"min_pool_size"`
	MaxPoolSize     int           `mapstructure:"max_pool_size"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("manager.default_timeout", time.Duration(0))
	v.SetDefault("manager.fail_early_on_global_rollback_only", true)
	v.SetDefault("manager.nested_transaction_allowed", true)

	defaults := log.NewOptions()
	v.SetDefault("log.name", defaults.LogName)
	v.SetDefault("log.level", defaults.LogLevel)
	v.SetDefault("log.file_name", defaults.FileName)
	v.SetDefault("log.max_age", defaults.MaxAge)
	v.SetDefault("log.max_size", defaults.MaxSize)
	v.SetDefault("log.max_backups", defaults.MaxBackups)
	v.SetDefault("log.compress", defaults.Compress)
	return v
}

// Load 依次合并存在的配置文件，不存在的路径跳过，环境变量优先级最高
func Load(paths ...string) (*Config, error) {
	v := newViper()
	for _, path := range paths {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			log.Debugf("config file %s not found, skipping", path)
			continue
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}
	return decode(v)
}

// LoadFromReader 从 yaml 内容加载
func LoadFromReader(r io.Reader) (*Config, error) {
	v := newViper()
	if err := v.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var conf Config
	if err := v.Unmarshal(&conf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := conf.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &conf, nil
}

func (c *Config) validate() error {
	if c.Manager.DefaultTimeout < 0 {
		return fmt.Errorf("manager.default_timeout must not be negative, got %s", c.Manager.DefaultTimeout)
	}
	names := make(map[string]struct{}, len(c.DataSources))
	for _, ds := range c.DataSources {
		if ds.Name == "" {
			return errors.New("datasource name is required")
		}
		if _, ok := names[ds.Name]; ok {
			return fmt.Errorf("repeat datasource name: %s", ds.Name)
		}
		names[ds.Name] = struct{}{}
		if ds.Driver == "" || ds.DSN == "" {
			return fmt.Errorf("datasource %s: driver and dsn are required", ds.Name)
		}
		if ds.MaxPoolSize > 0 && ds.MinPoolSize > ds.MaxPoolSize {
			return fmt.Errorf("datasource %s: min_pool_size %d exceeds max_pool_size %d", ds.Name, ds.MinPoolSize, ds.MaxPoolSize)
		}
	}
	return nil
}

// ManagerOptions 转换为 TXManager 的 Option
func (c *Config) ManagerOptions() []gojta.Option {
	return []gojta.Option{
		gojta.WithDefaultTimeout(c.Manager.DefaultTimeout),
		gojta.WithFailEarlyOnGlobalRollbackOnly(c.Manager.FailEarlyOnGlobalRollbackOnly),
		gojta.WithNestedTransactionAllowed(c.Manager.NestedTransactionAllowed),
	}
}

func (c LogConfig) Options() []log.Option {
	return []log.Option{
		log.WithLogName(c.Name),
		log.WithLogLevel(c.Level),
		log.WithFileName(c.FileName),
		log.WithMaxAge(c.MaxAge),
		log.WithMaxSize(c.MaxSize),
		log.WithMaxBackups(c.MaxBackups),
		log.WithCompress(c.Compress),
	}
}

// Options 最小连接数映射为空闲连接数
func (c DataSourceConfig) Options() []datasource.Option {
	return []datasource.Option{
		datasource.WithMaxOpenConns(c.MaxPoolSize),
		datasource.WithMaxIdleConns(c.MinPoolSize),
		datasource.WithConnMaxLifetime(c.ConnMaxLifetime),
	}
}

func (c *Config) DataSource(name string) (DataSourceConfig, bool) {
	for _, ds := range c.DataSources {
		if ds.Name == name {
			return ds, true
		}
	}
	return DataSourceConfig{}, false
}
