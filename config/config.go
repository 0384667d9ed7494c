package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Lautarop03/TP-File-Transfer/lib"
	"gopkg.in/yaml.v3"
)

// Config is the YAML configuration shared by the server and both clients.
// Command line flags override the file values.
type Config struct {
	ServerHost  string `yaml:"server_host"`
	ServerPort  int    `yaml:"server_port"`
	StoragePath string `yaml:"storage_path"`
	Protocol    string `yaml:"protocol"`

	WindowSize          int `yaml:"window_size"`
	PayloadSize         int `yaml:"payload_size"` // 0 uses the protocol default
	TimeoutMs           int `yaml:"timeout_ms"`
	MaxAttempts         int `yaml:"max_attempts"`
	InitTimeoutMs       int `yaml:"init_timeout_ms"`
	SessionIdleTimeoutS int `yaml:"session_idle_timeout_s"`
	FinJoinTimeoutMs    int `yaml:"fin_join_timeout_ms"`
	InboxSize           int `yaml:"inbox_size"`
	PayloadPoolSize     int `yaml:"payload_pool_size"`

	PacketLossRate float64 `yaml:"packet_loss_rate"` // outgoing drop probability, for testing
	PacketLossSeed int64   `yaml:"packet_loss_seed"`
	TOS            int     `yaml:"tos"`

	Verbose bool `yaml:"verbose"`
	Quiet   bool `yaml:"quiet"`
}

var AppConfig *Config

func DefaultConfig() *Config {
	return &Config{
		ServerHost:          "127.0.0.1",
		ServerPort:          8080,
		StoragePath:         "storage",
		Protocol:            lib.StopAndWaitProtocol.String(),
		WindowSize:          lib.DefaultWindowSize,
		TimeoutMs:           int(lib.DefaultTimeout / time.Millisecond),
		MaxAttempts:         lib.DefaultMaxAttempts,
		InitTimeoutMs:       int(lib.DefaultInitTimeout / time.Millisecond),
		SessionIdleTimeoutS: int(lib.DefaultIdleTimeout / time.Second),
		FinJoinTimeoutMs:    int(lib.DefaultJoinTimeout / time.Millisecond),
		InboxSize:           lib.DefaultInboxSize,
		PayloadPoolSize:     lib.DefaultPoolSize,
	}
}

// ReadConfig loads path on top of the defaults. A missing file yields the
// defaults; unknown keys are rejected.
func ReadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Parse(data); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML data over the current values and validates the result.
func (c *Config) Parse(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return c.Validate()
}

func (c *Config) Validate() error {
	proto, err := lib.ParseProtocol(c.Protocol)
	if err != nil {
		return err
	}
	switch {
	case c.ServerPort < 0 || c.ServerPort > 65535:
		return fmt.Errorf("server_port %d out of range", c.ServerPort)
	case c.WindowSize < 1 || c.WindowSize > 32767:
		return fmt.Errorf("window_size %d out of range [1, 32767]", c.WindowSize)
	case c.PayloadSize < 0 || c.PayloadSize > proto.PayloadSize():
		return fmt.Errorf("payload_size %d out of range [0, %d]", c.PayloadSize, proto.PayloadSize())
	case c.TimeoutMs <= 0:
		return fmt.Errorf("timeout_ms must be positive")
	case c.MaxAttempts <= 0:
		return fmt.Errorf("max_attempts must be positive")
	case c.InitTimeoutMs <= 0:
		return fmt.Errorf("init_timeout_ms must be positive")
	case c.SessionIdleTimeoutS <= 0:
		return fmt.Errorf("session_idle_timeout_s must be positive")
	case c.FinJoinTimeoutMs <= 0:
		return fmt.Errorf("fin_join_timeout_ms must be positive")
	case c.InboxSize <= 0:
		return fmt.Errorf("inbox_size must be positive")
	case c.PayloadPoolSize < 0:
		return fmt.Errorf("payload_pool_size must not be negative")
	case c.PacketLossRate < 0 || c.PacketLossRate >= 1:
		return fmt.Errorf("packet_loss_rate %v out of range [0, 1)", c.PacketLossRate)
	case c.TOS < 0 || c.TOS > 255:
		return fmt.Errorf("tos %d out of range", c.TOS)
	case c.Verbose && c.Quiet:
		return fmt.Errorf("verbose and quiet are mutually exclusive")
	}
	return nil
}

// ProtocolValue returns the parsed protocol. Validate must have succeeded.
func (c *Config) ProtocolValue() lib.Protocol {
	proto, _ := lib.ParseProtocol(c.Protocol)
	return proto
}

func (c *Config) EngineConfig() *lib.EngineConfig {
	return &lib.EngineConfig{
		Timeout:     time.Duration(c.TimeoutMs) * time.Millisecond,
		MaxAttempts: c.MaxAttempts,
		WindowSize:  uint16(c.WindowSize),
	}
}

func (c *Config) ServerConfig() *lib.ServerConfig {
	return &lib.ServerConfig{
		StoragePath: c.StoragePath,
		Engine:      c.EngineConfig(),
		PayloadSize: c.PayloadSize,
		InboxSize:   c.InboxSize,
		IdleTimeout: time.Duration(c.SessionIdleTimeoutS) * time.Second,
		JoinTimeout: time.Duration(c.FinJoinTimeoutMs) * time.Millisecond,
	}
}

func (c *Config) ClientConfig() *lib.ClientConfig {
	return &lib.ClientConfig{
		Protocol:    c.ProtocolValue(),
		Engine:      c.EngineConfig(),
		InitTimeout: time.Duration(c.InitTimeoutMs) * time.Millisecond,
		PayloadSize: c.PayloadSize,
		InboxSize:   c.InboxSize,
	}
}

// Dump renders the configuration as YAML for verbose startup logs.
func (c *Config) Dump() string {
	out, err := yaml.Marshal(c)
	if err != nil {
		return err.Error()
	}
	return string(out)
}
