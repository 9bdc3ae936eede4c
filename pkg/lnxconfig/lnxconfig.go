// Package lnxconfig reads the YAML files describing a host and the hub.
package lnxconfig

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// TCPConfig tunes the transport engine.
type TCPConfig struct {
	MaxPayload int `yaml:"max_payload"`
	ReadBuffer int `yaml:"read_buffer"`
	// InitialRTO seeds the RTT estimate before the first sample.
	InitialRTO time.Duration `yaml:"initial_rto"`
	TcpRtoMin  time.Duration `yaml:"rto_min"`
	TcpRtoMax  time.Duration `yaml:"rto_max"`
	// MaxRetransmits releases a connection after that many consecutive
	// timeouts. Zero retries forever.
	MaxRetransmits  int `yaml:"max_retransmits"`
	DefaultBacklog  int `yaml:"default_backlog"`
	OutOfOrderLimit int `yaml:"out_of_order_limit"`
}

type HostConfig struct {
	Address   uint16            `yaml:"address"`
	Bind      string            `yaml:"bind"`
	Gateway   string            `yaml:"gateway"`
	Neighbors map[uint16]string `yaml:"neighbors"`
	TCP       TCPConfig         `yaml:"tcp"`
	// Metrics is the listen address for the Prometheus endpoint, empty to disable.
	Metrics  string `yaml:"metrics"`
	LogLevel string `yaml:"log_level"`
	Seed     int64  `yaml:"seed"`
}

type HubConfig struct {
	Listen   string            `yaml:"listen"`
	Routes   map[uint16]string `yaml:"routes"`
	Loss     float64           `yaml:"loss"`
	Delay    time.Duration     `yaml:"delay"`
	Jitter   time.Duration     `yaml:"jitter"`
	Seed     int64             `yaml:"seed"`
	LogLevel string            `yaml:"log_level"`
}

func DefaultTCPConfig() TCPConfig {
	return TCPConfig{
		MaxPayload:      1000,
		ReadBuffer:      0x400,
		InitialRTO:      time.Second,
		TcpRtoMin:       0,
		TcpRtoMax:       time.Minute,
		MaxRetransmits:  12,
		DefaultBacklog:  16,
		OutOfOrderLimit: 128,
	}
}

// WithDefaults fills zero fields from DefaultTCPConfig.
func (c TCPConfig) WithDefaults() TCPConfig {
	d := DefaultTCPConfig()
	if c.MaxPayload == 0 {
		c.MaxPayload = d.MaxPayload
	}
	if c.ReadBuffer == 0 {
		c.ReadBuffer = d.ReadBuffer
	}
	if c.InitialRTO == 0 {
		c.InitialRTO = d.InitialRTO
	}
	if c.TcpRtoMax == 0 {
		c.TcpRtoMax = d.TcpRtoMax
	}
	if c.DefaultBacklog == 0 {
		c.DefaultBacklog = d.DefaultBacklog
	}
	if c.OutOfOrderLimit == 0 {
		c.OutOfOrderLimit = d.OutOfOrderLimit
	}
	return c
}

func (c TCPConfig) Validate() error {
	switch {
	case c.MaxPayload <= 0:
		return errors.Errorf("max_payload must be positive, got %d", c.MaxPayload)
	case c.ReadBuffer < c.MaxPayload:
		return errors.Errorf("read_buffer (%d) smaller than max_payload (%d)", c.ReadBuffer, c.MaxPayload)
	case c.InitialRTO <= 0:
		return errors.Errorf("initial_rto must be positive, got %s", c.InitialRTO)
	case c.TcpRtoMax > 0 && c.TcpRtoMin > c.TcpRtoMax:
		return errors.Errorf("rto_min %s above rto_max %s", c.TcpRtoMin, c.TcpRtoMax)
	case c.MaxRetransmits < 0:
		return errors.Errorf("max_retransmits must not be negative, got %d", c.MaxRetransmits)
	}
	return nil
}

func ParseConfig(path string) (*HostConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return ParseHostConfig(data)
}

func ParseHostConfig(data []byte) (*HostConfig, error) {
	cfg := &HostConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "decode host config")
	}
	if cfg.Bind == "" {
		return nil, errors.New("host config needs a bind address")
	}
	if cfg.Gateway == "" && len(cfg.Neighbors) == 0 {
		return nil, errors.New("host config needs a gateway or at least one neighbor")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.TCP = cfg.TCP.WithDefaults()
	if err := cfg.TCP.Validate(); err != nil {
		return nil, errors.Wrap(err, "tcp")
	}
	return cfg, nil
}

func ParseHubFile(path string) (*HubConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return ParseHubConfig(data)
}

func ParseHubConfig(data []byte) (*HubConfig, error) {
	cfg := &HubConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "decode hub config")
	}
	if cfg.Listen == "" {
		return nil, errors.New("hub config needs a listen address")
	}
	if cfg.Loss < 0 || cfg.Loss > 1 {
		return nil, errors.Errorf("loss must be within [0, 1], got %v", cfg.Loss)
	}
	if cfg.Delay < 0 || cfg.Jitter < 0 {
		return nil, errors.New("delay and jitter must not be negative")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return cfg, nil
}
