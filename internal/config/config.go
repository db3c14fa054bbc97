// ABOUTME: Client configuration from flags, environment and an optional YAML file
// ABOUTME: Every key has a default; flags beat environment beats file
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"

	SinkOto  = "oto"
	SinkNull = "null"

	StreamPort = 1704
	HTTPPort   = 1780

	envPrefix  = "SNAPCLIENT"
	configName = "snapclient"
)

type ServerConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Transport string `mapstructure:"transport"`
	Path      string `mapstructure:"path"`
}

type ClientConfig struct {
	Name     string `mapstructure:"name"`
	Instance int    `mapstructure:"instance"`
	ID       string `mapstructure:"id"`
}

type StreamConfig struct {
	RingBytes       int           `mapstructure:"ring_bytes"`
	MaxMessageBytes int           `mapstructure:"max_message_bytes"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	SyncInterval    time.Duration `mapstructure:"sync_interval"`
	ChunkWait       time.Duration `mapstructure:"chunk_wait"`
	MaxMalformed    int           `mapstructure:"max_malformed"`
}

type OutputConfig struct {
	Sink            string        `mapstructure:"sink"`
	Volume          int           `mapstructure:"volume"`
	DeviceBuffer    time.Duration `mapstructure:"device_buffer"`
	PipelineLatency time.Duration `mapstructure:"pipeline_latency"`
	PadTolerance    time.Duration `mapstructure:"pad_tolerance"`
	DropTolerance   time.Duration `mapstructure:"drop_tolerance"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Config is the full client configuration
type Config struct {
	Server           ServerConfig  `mapstructure:"server"`
	Client           ClientConfig  `mapstructure:"client"`
	Stream           StreamConfig  `mapstructure:"stream"`
	Output           OutputConfig  `mapstructure:"output"`
	Log              LogConfig     `mapstructure:"log"`
	DiscoveryTimeout time.Duration `mapstructure:"discovery_timeout"`
	StatsInterval    time.Duration `mapstructure:"stats_interval"`
	ReconnectDelay   time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnect     time.Duration `mapstructure:"max_reconnect_delay"`

	// File is the config file that was read, empty when none was found
	File string `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 0)
	v.SetDefault("server.transport", TransportTCP)
	v.SetDefault("server.path", "/stream")

	v.SetDefault("client.name", "")
	v.SetDefault("client.instance", 1)
	v.SetDefault("client.id", "")

	v.SetDefault("stream.ring_bytes", 512*1024)
	v.SetDefault("stream.max_message_bytes", 64*1024)
	v.SetDefault("stream.read_timeout", 5*time.Second)
	v.SetDefault("stream.sync_interval", time.Second)
	v.SetDefault("stream.chunk_wait", 50*time.Millisecond)
	v.SetDefault("stream.max_malformed", 10)

	v.SetDefault("output.sink", SinkOto)
	v.SetDefault("output.volume", 100)
	v.SetDefault("output.device_buffer", 50*time.Millisecond)
	v.SetDefault("output.pipeline_latency", 20*time.Millisecond)
	v.SetDefault("output.pad_tolerance", 2*time.Millisecond)
	v.SetDefault("output.drop_tolerance", 10*time.Millisecond)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "snapclient.log")

	v.SetDefault("discovery_timeout", 10*time.Second)
	v.SetDefault("stats_interval", 10*time.Second)
	v.SetDefault("reconnect_delay", time.Second)
	v.SetDefault("max_reconnect_delay", 30*time.Second)
}

// flagKeys maps each flag to the config key it overrides
var flagKeys = map[string]string{
	"host":              "server.host",
	"port":              "server.port",
	"transport":         "server.transport",
	"name":              "client.name",
	"instance":          "client.instance",
	"id":                "client.id",
	"ring-bytes":        "stream.ring_bytes",
	"sync-interval":     "stream.sync_interval",
	"sink":              "output.sink",
	"volume":            "output.volume",
	"latency":           "output.pipeline_latency",
	"log-level":         "log.level",
	"log-format":        "log.format",
	"log-file":          "log.file",
	"discovery-timeout": "discovery_timeout",
	"stats-interval":    "stats_interval",
}

// Flags returns the command-line flag set
func Flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringP("config", "c", "", "Config file (default: ./snapclient.yaml or ~/.config/snapclient/snapclient.yaml)")
	fs.String("host", "", "Server host (skip mDNS discovery)")
	fs.IntP("port", "p", 0, "Server port (default 1704 for tcp, 1780 for websocket)")
	fs.String("transport", TransportTCP, "Transport: tcp or websocket")
	fs.String("name", "", "Client name shown by the server (default: product name)")
	fs.IntP("instance", "i", 1, "Instance id when running several clients on one host")
	fs.String("id", "", "Unique client id (default: MAC address)")
	fs.Int("ring-bytes", 512*1024, "Chunk ring capacity in bytes")
	fs.Duration("sync-interval", time.Second, "Time sync probe interval (minimum 1s)")
	fs.String("sink", SinkOto, "Audio sink: oto or null")
	fs.Int("volume", 100, "Initial volume (0-100)")
	fs.Duration("latency", 20*time.Millisecond, "Output pipeline latency")
	fs.String("log-level", "info", "Log level")
	fs.String("log-format", "text", "Log format: text or json")
	fs.String("log-file", "snapclient.log", "Log file path, empty for stdout only")
	fs.Duration("discovery-timeout", 10*time.Second, "How long to browse for a server")
	fs.Duration("stats-interval", 10*time.Second, "Statistics log interval, 0 to disable")
	return fs
}

// Load parses args and merges them over the environment, the config file and
// the defaults
func Load(args []string) (*Config, error) {
	fs := Flags(configName)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return FromFlags(fs)
}

// FromFlags builds the configuration from an already parsed flag set
func FromFlags(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for flag, key := range flagKeys {
		if f := fs.Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", flag, err)
			}
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	file, _ := fs.GetString("config")
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", configName))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = StreamPort
		if cfg.Server.Transport == TransportWebSocket {
			cfg.Server.Port = HTTPPort
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges and enumerations
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0 && c.Server.Port < 65536, "server.port %d out of range", c.Server.Port)
	check(c.Server.Transport == TransportTCP || c.Server.Transport == TransportWebSocket,
		"server.transport %q must be %s or %s", c.Server.Transport, TransportTCP, TransportWebSocket)
	check(c.Client.Instance >= 1, "client.instance must be at least 1")
	check(c.Stream.RingBytes >= 4*1024, "stream.ring_bytes %d too small", c.Stream.RingBytes)
	check(c.Stream.MaxMessageBytes >= 1024, "stream.max_message_bytes %d too small", c.Stream.MaxMessageBytes)
	check(c.Stream.ReadTimeout > 0, "stream.read_timeout must be positive")
	check(c.Stream.SyncInterval >= time.Second, "stream.sync_interval must be at least 1s")
	check(c.Stream.MaxMalformed >= 0, "stream.max_malformed must not be negative")
	check(c.Output.Sink == SinkOto || c.Output.Sink == SinkNull,
		"output.sink %q must be %s or %s", c.Output.Sink, SinkOto, SinkNull)
	check(c.Output.Volume >= 0 && c.Output.Volume <= 100, "output.volume %d out of range", c.Output.Volume)
	check(c.Output.PipelineLatency >= 0, "output.pipeline_latency must not be negative")
	check(c.Output.PadTolerance >= 0 && c.Output.DropTolerance >= 0, "output tolerances must not be negative")
	check(c.Log.Format == "text" || c.Log.Format == "json", "log.format %q must be text or json", c.Log.Format)
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	check(c.StatsInterval >= 0, "stats_interval must not be negative")
	check(c.ReconnectDelay > 0 && c.MaxReconnect >= c.ReconnectDelay, "reconnect delays must be positive and ordered")

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Address is host:port of the configured server
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
