package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"

	"github.com/angeloszaimis/subpath-proxy/internal/mount"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

const (
	PathInfoHeader = "header"
	PathInfoQuery  = "query"
)

var (
	headerName = regexp.MustCompile("^[A-Za-z0-9!#$%&'*+.^_`|~-]+$")
	queryKey   = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
	extension  = regexp.MustCompile(`^\.[A-Za-z0-9]+$`)
)

func init() {
	// Report validation errors under the keys used in the config file.
	validation.ErrorTag = "mapstructure"
}

type ServerConfig struct {
	Address           string `mapstructure:"address"`
	AdminAddress      string `mapstructure:"admin_address"`
	Environment       string `mapstructure:"environment"`
	ReadHeaderTimeout string `mapstructure:"read_header_timeout"`
	ReadTimeout       string `mapstructure:"read_timeout"`
	WriteTimeout      string `mapstructure:"write_timeout"`
	IdleTimeout       string `mapstructure:"idle_timeout"`
}

type ProxyConfig struct {
	ConnectTimeout  string `mapstructure:"connect_timeout"`
	ResponseTimeout string `mapstructure:"response_timeout"`
	PathInfoMode    string `mapstructure:"path_info_mode"`
	PathInfoHeader  string `mapstructure:"path_info_header"`
	PathInfoKey     string `mapstructure:"path_info_key"`
}

type StaticConfig struct {
	IndexFiles        []string `mapstructure:"index_files"`
	DynamicExtensions []string `mapstructure:"dynamic_extensions"`
}

type HealthCheckConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Interval string `mapstructure:"interval"`
	Timeout  string `mapstructure:"timeout"`
}

type CircuitBreakerConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Threshold    int    `mapstructure:"threshold"`
	ResetTimeout string `mapstructure:"reset_timeout"`
}

type MetricsConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
}

type LoggingConfig struct {
	Level     string `mapstructure:"level"`
	AddSource bool   `mapstructure:"add_source"`
}

type MountConfig struct {
	Prefix       string `mapstructure:"prefix" yaml:"prefix"`
	DocumentRoot string `mapstructure:"document_root" yaml:"document_root,omitempty"`
	Upstream     string `mapstructure:"upstream" yaml:"upstream"`
	Script       string `mapstructure:"script" yaml:"script,omitempty"`
	// StaticFallback defaults to true when a document root is set.
	StaticFallback *bool    `mapstructure:"static_fallback" yaml:"static_fallback,omitempty"`
	IndexFiles     []string `mapstructure:"index_files" yaml:"index_files,omitempty"`
}

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Proxy          ProxyConfig          `mapstructure:"proxy"`
	Static         StaticConfig         `mapstructure:"static"`
	HealthCheck    HealthCheckConfig    `mapstructure:"health_check"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Metrics        MetricsConfig        `mapstructure:"metrics"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Mounts         []MountConfig        `mapstructure:"mounts"`
}

// Load reads path, or config.yaml from ./config or the working directory
// when path is empty, and applies environment overrides such as
// PROXY_PATH_INFO_MODE.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.environment", EnvDev)
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.admin_address", "127.0.0.1:9090")
	v.SetDefault("server.read_header_timeout", "10s")
	v.SetDefault("server.read_timeout", "60s")
	v.SetDefault("server.write_timeout", "0s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("proxy.connect_timeout", "5s")
	v.SetDefault("proxy.response_timeout", "60s")
	v.SetDefault("proxy.path_info_mode", PathInfoHeader)
	v.SetDefault("proxy.path_info_header", "X-Path-Info")
	v.SetDefault("proxy.path_info_key", "_path_info")
	v.SetDefault("static.index_files", []string{"index.html"})
	v.SetDefault("static.dynamic_extensions", []string{".php"})
	v.SetDefault("health_check.enabled", true)
	v.SetDefault("health_check.interval", "5s")
	v.SetDefault("health_check.timeout", "1s")
	v.SetDefault("circuit_breaker.enabled", true)
	v.SetDefault("circuit_breaker.threshold", 5)
	v.SetDefault("circuit_breaker.reset_timeout", "30s")
	v.SetDefault("metrics.buffer_size", 1000)
	v.SetDefault("logging.level", LogLevelInfo)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			slog.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, err
		}
		slog.Warn("config file not found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", slog.String("file", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		slog.Error("failed to unmarshal config", slog.String("error", err.Error()))
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server,
			validation.Required,
			validation.By(func(value interface{}) error {
				sc, ok := value.(ServerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ServerConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Environment,
						validation.Required,
						validation.In(EnvDev, EnvStaging, EnvProd),
					),
					validation.Field(&sc.Address,
						validation.Required,
						validation.By(validateHostPort),
					),
					validation.Field(&sc.AdminAddress,
						validation.By(validateHostPort),
					),
					validation.Field(&sc.ReadHeaderTimeout, validation.By(validateDuration)),
					validation.Field(&sc.ReadTimeout, validation.By(validateDuration)),
					validation.Field(&sc.WriteTimeout, validation.By(validateDuration)),
					validation.Field(&sc.IdleTimeout, validation.By(validateDuration)),
				)
			}),
		),
		validation.Field(&c.Proxy,
			validation.Required,
			validation.By(func(value interface{}) error {
				pc, ok := value.(ProxyConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ProxyConfig")
				}
				return validation.ValidateStruct(&pc,
					validation.Field(&pc.ConnectTimeout,
						validation.Required,
						validation.By(validateDuration),
					),
					validation.Field(&pc.ResponseTimeout,
						validation.Required,
						validation.By(validateDuration),
					),
					validation.Field(&pc.PathInfoMode,
						validation.Required,
						validation.In(PathInfoHeader, PathInfoQuery),
					),
					validation.Field(&pc.PathInfoHeader,
						validation.Required,
						validation.Match(headerName),
					),
					validation.Field(&pc.PathInfoKey,
						validation.Required,
						validation.Match(queryKey),
					),
				)
			}),
		),
		validation.Field(&c.Static,
			validation.By(func(value interface{}) error {
				sc, ok := value.(StaticConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a StaticConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.IndexFiles, validation.Each(validation.By(validateFileName))),
					validation.Field(&sc.DynamicExtensions, validation.Each(
						validation.Required,
						validation.Match(extension),
					)),
				)
			}),
		),
		validation.Field(&c.Logging,
			validation.Required,
			validation.By(func(value interface{}) error {
				lc, ok := value.(LoggingConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a LoggingConfig")
				}
				return validation.ValidateStruct(&lc,
					validation.Field(&lc.Level,
						validation.Required,
						validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
					),
				)
			}),
		),
		validation.Field(&c.HealthCheck,
			validation.By(func(value interface{}) error {
				hc, ok := value.(HealthCheckConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a HealthCheckConfig")
				}
				return validation.ValidateStruct(&hc,
					validation.Field(&hc.Interval,
						validation.Required.When(hc.Enabled),
						validation.By(validatePositiveDuration),
					),
					validation.Field(&hc.Timeout,
						validation.Required.When(hc.Enabled),
						validation.By(validatePositiveDuration),
					),
				)
			}),
		),
		validation.Field(&c.CircuitBreaker,
			validation.By(func(value interface{}) error {
				cb, ok := value.(CircuitBreakerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a CircuitBreakerConfig")
				}
				return validation.ValidateStruct(&cb,
					validation.Field(&cb.Threshold,
						validation.Required.When(cb.Enabled),
						validation.Min(1),
					),
					validation.Field(&cb.ResetTimeout,
						validation.Required.When(cb.Enabled),
						validation.By(validatePositiveDuration),
					),
				)
			}),
		),
		validation.Field(&c.Metrics,
			validation.By(func(value interface{}) error {
				mc, ok := value.(MetricsConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a MetricsConfig")
				}
				return validation.ValidateStruct(&mc,
					validation.Field(&mc.BufferSize, validation.Required, validation.Min(1)),
				)
			}),
		),
		validation.Field(&c.Mounts,
			validation.Required,
			validation.Length(1, 0),
			validation.Each(validation.By(validateMountConfig)),
			validation.By(validateUniquePrefixes),
		),
	)
}

// Options converts mc into mount options, filling index files from the
// global static settings when the mount names none.
func (mc MountConfig) Options(static StaticConfig) mount.Options {
	fallback := mc.DocumentRoot != ""
	if mc.StaticFallback != nil {
		fallback = *mc.StaticFallback
	}

	indexFiles := mc.IndexFiles
	if len(indexFiles) == 0 {
		indexFiles = static.IndexFiles
	}

	return mount.Options{
		Prefix:         mc.Prefix,
		DocumentRoot:   mc.DocumentRoot,
		Upstream:       mc.Upstream,
		Script:         mc.Script,
		StaticFallback: fallback,
		IndexFiles:     indexFiles,
	}
}

// Duration parses a duration that Validate already accepted. Empty strings
// and invalid values yield zero.
func Duration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

func validateMountConfig(value interface{}) error {
	mc, ok := value.(MountConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a MountConfig")
	}

	return validation.ValidateStruct(&mc,
		validation.Field(&mc.Prefix,
			validation.Required,
			validation.By(func(value interface{}) error {
				if _, err := mount.NormalizePrefix(value.(string)); err != nil {
					return validation.NewError("validation_invalid_prefix", err.Error())
				}
				return nil
			}),
		),
		validation.Field(&mc.Upstream,
			validation.Required,
			validation.By(func(value interface{}) error {
				u, err := mount.ParseUpstream(value.(string))
				if err != nil {
					return validation.NewError("validation_invalid_upstream", err.Error())
				}
				return validateHostPort(u.Host)
			}),
		),
		validation.Field(&mc.Script, validation.By(validateFileName)),
		validation.Field(&mc.DocumentRoot,
			validation.Required.When(mc.StaticFallback != nil && *mc.StaticFallback).
				Error("is required when static_fallback is enabled"),
		),
		validation.Field(&mc.IndexFiles, validation.Each(validation.By(validateFileName))),
	)
}

func validateUniquePrefixes(value interface{}) error {
	mounts, ok := value.([]MountConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a list of mounts")
	}

	seen := make(map[string]bool, len(mounts))
	for _, mc := range mounts {
		prefix, err := mount.NormalizePrefix(mc.Prefix)
		if err != nil {
			continue
		}
		if seen[prefix] {
			return validation.NewError("validation_duplicate_prefix", fmt.Sprintf("prefix %q is mounted twice", prefix))
		}
		seen[prefix] = true
	}

	return nil
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	if addr == "" {
		return nil
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}

func validateDuration(value interface{}) error {
	durationStr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	if durationStr == "" {
		return nil
	}

	if _, err := time.ParseDuration(durationStr); err != nil {
		return validation.NewError("validation_invalid_duration", "must be a valid duration (e.g., 2s, 5m, 1h)")
	}

	return nil
}

func validatePositiveDuration(value interface{}) error {
	if err := validateDuration(value); err != nil {
		return err
	}

	if s := value.(string); s != "" && Duration(s) <= 0 {
		return validation.NewError("validation_nonpositive_duration", "must be greater than zero")
	}

	return nil
}

func validateFileName(value interface{}) error {
	name, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	if name == "" {
		return nil
	}

	if strings.Contains(name, "/") || name == "." || name == ".." {
		return validation.NewError("validation_invalid_file_name", "must be a plain file name")
	}

	return nil
}
