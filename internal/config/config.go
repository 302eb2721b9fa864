// Package config loads relay configuration from defaults, an optional YAML
// file, RELAY_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Backends accepted by the backend key.
const (
	BackendTmux   = "tmux"
	BackendDirect = "direct"
)

// Config holds all configuration values for the relay.
type Config struct {
	// Server settings
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// Registry
	DBPath string `mapstructure:"db_path"`

	// Process backend
	Backend     string   `mapstructure:"backend"`
	TmuxSocket  string   `mapstructure:"tmux_socket"`
	TmuxPrefix  string   `mapstructure:"tmux_prefix"`
	CLICommand  string   `mapstructure:"cli_command"`
	CLIArgs     []string `mapstructure:"cli_args"`
	DefaultRows int      `mapstructure:"default_rows"`
	DefaultCols int      `mapstructure:"default_cols"`

	// Session lifecycle
	SpawnTimeout        time.Duration `mapstructure:"spawn_timeout"`
	KillGracePeriod     time.Duration `mapstructure:"kill_grace_period"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`
	PreserveOnShutdown  bool          `mapstructure:"preserve_on_shutdown"`
	ScrollbackBytes     int           `mapstructure:"scrollback_bytes"`

	// WebSocket relay
	RelaySendBuffer   int           `mapstructure:"relay_send_buffer"`
	WSReadBufferSize  int           `mapstructure:"ws_read_buffer_size"`
	WSWriteBufferSize int           `mapstructure:"ws_write_buffer_size"`
	WSPingInterval    time.Duration `mapstructure:"ws_ping_interval"`
	WSPongTimeout     time.Duration `mapstructure:"ws_pong_timeout"`
	WSWriteTimeout    time.Duration `mapstructure:"ws_write_timeout"`

	// Metadata pipeline
	MetadataStatusFile          string        `mapstructure:"metadata_status_file"`
	MetadataLogFile             string        `mapstructure:"metadata_log_file"`
	MetadataPollInterval        time.Duration `mapstructure:"metadata_poll_interval"`
	MetadataUnavailableInterval time.Duration `mapstructure:"metadata_unavailable_interval"`
	MetadataDebounce            time.Duration `mapstructure:"metadata_debounce"`
	MetadataLogTailLines        int           `mapstructure:"metadata_log_tail_lines"`

	// Bookkeeping
	ActivityFlushInterval time.Duration `mapstructure:"activity_flush_interval"`
	AuditQueueSize        int           `mapstructure:"audit_queue_size"`

	// Authentication
	JWKSEndpoint string `mapstructure:"jwks_endpoint"`
	JWTIssuer    string `mapstructure:"jwt_issuer"`
	JWTAudience  string `mapstructure:"jwt_audience"`
	AuthDisabled bool   `mapstructure:"auth_disabled"`

	// HTTP server timeouts
	HTTPReadTimeout time.Duration `mapstructure:"http_read_timeout"`
	HTTPIdleTimeout time.Duration `mapstructure:"http_idle_timeout"`

	// Logging
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// ConfigFile is the file that was read, if any.
	ConfigFile string `mapstructure:"-"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Host:                        "0.0.0.0",
		Port:                        8080,
		DBPath:                      "/var/lib/session-relay/relay.db",
		Backend:                     BackendTmux,
		TmuxPrefix:                  "relay-",
		CLICommand:                  "claude",
		DefaultRows:                 40,
		DefaultCols:                 120,
		SpawnTimeout:                10 * time.Second,
		KillGracePeriod:             5 * time.Second,
		ShutdownGracePeriod:         15 * time.Second,
		PreserveOnShutdown:          true,
		ScrollbackBytes:             256 * 1024,
		RelaySendBuffer:             256,
		WSReadBufferSize:            4096,
		WSWriteBufferSize:           4096,
		WSPingInterval:              30 * time.Second,
		WSPongTimeout:               90 * time.Second,
		WSWriteTimeout:              10 * time.Second,
		MetadataStatusFile:          ".claude/status.json",
		MetadataLogFile:             ".claude/session.log",
		MetadataPollInterval:        5 * time.Second,
		MetadataUnavailableInterval: 30 * time.Second,
		MetadataDebounce:            250 * time.Millisecond,
		MetadataLogTailLines:        200,
		ActivityFlushInterval:       30 * time.Second,
		AuditQueueSize:              256,
		JWTAudience:                 "session-relay",
		HTTPReadTimeout:             15 * time.Second,
		HTTPIdleTimeout:             120 * time.Second,
		LogLevel:                    "info",
		LogFormat:                   "json",
	}
}

// RegisterFlags adds the command-line flags Load understands. Flag names use
// hyphens; each maps to the config key with underscores.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("config", "", "path to a YAML config file")
	fs.String("host", d.Host, "address to listen on")
	fs.Int("port", d.Port, "port to listen on")
	fs.String("db-path", d.DBPath, "SQLite registry path")
	fs.String("backend", d.Backend, "process backend: tmux or direct")
	fs.String("cli-command", d.CLICommand, "command run in each session")
	fs.StringSlice("cli-args", nil, "arguments passed to the command")
	fs.Bool("preserve-on-shutdown", d.PreserveOnShutdown, "leave tmux sessions running on shutdown")
	fs.Bool("auth-disabled", false, "accept unauthenticated requests")
	fs.String("log-level", d.LogLevel, "debug, info, warn or error")
	fs.String("log-format", d.LogFormat, "json or text")
}

// Load builds the configuration. fs may be nil; flags it carries are bound
// to their matching keys and only override other sources when set.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	cfg := Default()
	setDefaults(v, cfg)

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	explicit := ""
	if fs != nil {
		if f := fs.Lookup("config"); f != nil {
			explicit = f.Value.String()
		}
		var bindErr error
		fs.VisitAll(func(f *pflag.Flag) {
			if f.Name == "config" || bindErr != nil {
				return
			}
			bindErr = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
		})
		if bindErr != nil {
			return nil, fmt.Errorf("bind flags: %w", bindErr)
		}
	}
	if explicit == "" {
		explicit = os.Getenv("RELAY_CONFIG")
	}

	if explicit != "" {
		v.SetConfigFile(explicit)
	} else {
		v.SetConfigName("relay")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/session-relay/")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "session-relay"))
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.ConfigFile = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so environment variables are picked up
// for all of them.
func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("host", c.Host)
	v.SetDefault("port", c.Port)
	v.SetDefault("allowed_origins", c.AllowedOrigins)
	v.SetDefault("db_path", c.DBPath)
	v.SetDefault("backend", c.Backend)
	v.SetDefault("tmux_socket", c.TmuxSocket)
	v.SetDefault("tmux_prefix", c.TmuxPrefix)
	v.SetDefault("cli_command", c.CLICommand)
	v.SetDefault("cli_args", c.CLIArgs)
	v.SetDefault("default_rows", c.DefaultRows)
	v.SetDefault("default_cols", c.DefaultCols)
	v.SetDefault("spawn_timeout", c.SpawnTimeout)
	v.SetDefault("kill_grace_period", c.KillGracePeriod)
	v.SetDefault("shutdown_grace_period", c.ShutdownGracePeriod)
	v.SetDefault("preserve_on_shutdown", c.PreserveOnShutdown)
	v.SetDefault("scrollback_bytes", c.ScrollbackBytes)
	v.SetDefault("relay_send_buffer", c.RelaySendBuffer)
	v.SetDefault("ws_read_buffer_size", c.WSReadBufferSize)
	v.SetDefault("ws_write_buffer_size", c.WSWriteBufferSize)
	v.SetDefault("ws_ping_interval", c.WSPingInterval)
	v.SetDefault("ws_pong_timeout", c.WSPongTimeout)
	v.SetDefault("ws_write_timeout", c.WSWriteTimeout)
	v.SetDefault("metadata_status_file", c.MetadataStatusFile)
	v.SetDefault("metadata_log_file", c.MetadataLogFile)
	v.SetDefault("metadata_poll_interval", c.MetadataPollInterval)
	v.SetDefault("metadata_unavailable_interval", c.MetadataUnavailableInterval)
	v.SetDefault("metadata_debounce", c.MetadataDebounce)
	v.SetDefault("metadata_log_tail_lines", c.MetadataLogTailLines)
	v.SetDefault("activity_flush_interval", c.ActivityFlushInterval)
	v.SetDefault("audit_queue_size", c.AuditQueueSize)
	v.SetDefault("jwks_endpoint", c.JWKSEndpoint)
	v.SetDefault("jwt_issuer", c.JWTIssuer)
	v.SetDefault("jwt_audience", c.JWTAudience)
	v.SetDefault("auth_disabled", c.AuthDisabled)
	v.SetDefault("http_read_timeout", c.HTTPReadTimeout)
	v.SetDefault("http_idle_timeout", c.HTTPIdleTimeout)
	v.SetDefault("log_level", c.LogLevel)
	v.SetDefault("log_format", c.LogFormat)
}

// Validate checks ranges and required combinations.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	switch c.Backend {
	case BackendTmux, BackendDirect:
	default:
		errs = append(errs, fmt.Errorf("backend must be %q or %q, got %q", BackendTmux, BackendDirect, c.Backend))
	}
	if strings.TrimSpace(c.CLICommand) == "" {
		errs = append(errs, errors.New("cli_command is required"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if c.Backend == BackendTmux && c.TmuxPrefix == "" {
		errs = append(errs, errors.New("tmux_prefix must not be empty"))
	}

	positiveInts := map[string]int{
		"default_rows":            c.DefaultRows,
		"default_cols":            c.DefaultCols,
		"scrollback_bytes":        c.ScrollbackBytes,
		"relay_send_buffer":       c.RelaySendBuffer,
		"ws_read_buffer_size":     c.WSReadBufferSize,
		"ws_write_buffer_size":    c.WSWriteBufferSize,
		"metadata_log_tail_lines": c.MetadataLogTailLines,
		"audit_queue_size":        c.AuditQueueSize,
	}
	for key, n := range positiveInts {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}
	positiveDurations := map[string]time.Duration{
		"spawn_timeout":                 c.SpawnTimeout,
		"kill_grace_period":             c.KillGracePeriod,
		"shutdown_grace_period":         c.ShutdownGracePeriod,
		"ws_ping_interval":              c.WSPingInterval,
		"ws_pong_timeout":               c.WSPongTimeout,
		"ws_write_timeout":              c.WSWriteTimeout,
		"metadata_poll_interval":        c.MetadataPollInterval,
		"metadata_unavailable_interval": c.MetadataUnavailableInterval,
		"metadata_debounce":             c.MetadataDebounce,
		"activity_flush_interval":       c.ActivityFlushInterval,
		"http_read_timeout":             c.HTTPReadTimeout,
		"http_idle_timeout":             c.HTTPIdleTimeout,
	}
	for key, d := range positiveDurations {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}
	if c.KillGracePeriod > 0 && c.ShutdownGracePeriod <= c.KillGracePeriod {
		errs = append(errs, errors.New("shutdown_grace_period must exceed kill_grace_period"))
	}
	if c.WSPongTimeout > 0 && c.WSPongTimeout <= c.WSPingInterval {
		errs = append(errs, errors.New("ws_pong_timeout must exceed ws_ping_interval"))
	}

	if !c.AuthDisabled && c.JWKSEndpoint == "" {
		errs = append(errs, errors.New("jwks_endpoint is required unless auth_disabled is set"))
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log_format must be json or text, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Argv returns the command line run in each session.
func (c *Config) Argv() []string {
	argv := strings.Fields(c.CLICommand)
	return append(argv, c.CLIArgs...)
}

// Preserve reports whether shutdown should leave sessions running. Only
// the tmux backend has anything that can outlive the server.
func (c *Config) Preserve() bool {
	return c.PreserveOnShutdown && c.Backend == BackendTmux
}
