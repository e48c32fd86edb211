package config

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skypro1111/lan-audio-service/internal/audio"
	"github.com/skypro1111/lan-audio-service/internal/protocol"
	"github.com/skypro1111/lan-audio-service/internal/transport"
)

// SecretEnv overrides encryption.secret when set
const SecretEnv = "LANAUDIO_SECRET"

// Config represents the complete node configuration
type Config struct {
	Node        NodeConfig        `yaml:"node"`
	Discovery   DiscoveryConfig   `yaml:"discovery"`
	AudioServer AudioServerConfig `yaml:"audio_server"`
	AudioClient AudioClientConfig `yaml:"audio_client"`
	Encryption  EncryptionConfig  `yaml:"encryption"`
	HTTP        HTTPConfig        `yaml:"http"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// NodeConfig identifies this node
type NodeConfig struct {
	Name string `yaml:"name"` // mDNS instance name, hostname when empty
}

// DiscoveryConfig contains control plane configuration
type DiscoveryConfig struct {
	ControlAddress    string   `yaml:"control_address"`
	MulticastGroup    string   `yaml:"multicast_group"` // "off" disables multicast
	Interface         string   `yaml:"interface"`
	MulticastTTL      int      `yaml:"multicast_ttl"`
	MulticastLoopback bool     `yaml:"multicast_loopback"`
	BroadcastInterval float64  `yaml:"broadcast_interval"` // seconds
	PurgeInterval     float64  `yaml:"purge_interval"`     // seconds
	StaleAfter        float64  `yaml:"stale_after"`        // seconds
	DisableTCP        bool     `yaml:"disable_tcp"`
	StateFile         string   `yaml:"state_file"`
	MDNS              bool     `yaml:"mdns"`
	Servers           []string `yaml:"servers"` // manual servers, host:port
}

// AudioServerConfig contains audio broadcast configuration
type AudioServerConfig struct {
	Enabled       bool         `yaml:"enabled"`
	Address       string       `yaml:"address"`
	Source        string       `yaml:"source"` // tone, wav or stdin
	SourcePath    string       `yaml:"source_path"`
	ToneFrequency float64      `yaml:"tone_frequency"`
	Format        FormatConfig `yaml:"format"`
	BufferSize    int          `yaml:"buffer_size"` // bytes per chunk
	Compression   string       `yaml:"compression"`
	WriteTimeout  float64      `yaml:"write_timeout"` // seconds
}

// FormatConfig describes the PCM format captured by the audio server
type FormatConfig struct {
	Encoding       string  `yaml:"encoding"`
	SampleRate     float32 `yaml:"sample_rate"`
	SampleSizeBits int     `yaml:"sample_size_bits"`
	Channels       int     `yaml:"channels"`
	BigEndian      bool    `yaml:"big_endian"`
}

// AudioClientConfig contains playback configuration
type AudioClientConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Server         string  `yaml:"server"` // followed server, first audio server when empty
	Output         string  `yaml:"output"` // device, wav or discard
	OutputPath     string  `yaml:"output_path"`
	BufferSize     int     `yaml:"buffer_size"`     // bytes
	RetryDelay     float64 `yaml:"retry_delay"`     // seconds
	ReportInterval float64 `yaml:"report_interval"` // seconds
	DialTimeout    float64 `yaml:"dial_timeout"`    // seconds
}

// EncryptionConfig contains the shared secret
type EncryptionConfig struct {
	Secret string `yaml:"secret"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file, applies defaults and the
// environment override, and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if secret := os.Getenv(SecretEnv); secret != "" {
		config.Encryption.Secret = secret
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Parse decodes YAML and applies defaults without validating
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}
	config.ApplyDefaults()
	return &config, nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	var config Config
	config.ApplyDefaults()
	return &config
}

// ApplyDefaults fills zero values
func (c *Config) ApplyDefaults() {
	d := &c.Discovery
	if d.ControlAddress == "" {
		d.ControlAddress = "0.0.0.0:47800"
	}
	if d.MulticastGroup == "" {
		d.MulticastGroup = "239.255.77.77:47801"
	}
	if d.MulticastTTL == 0 {
		d.MulticastTTL = 1
	}
	if d.BroadcastInterval == 0 {
		d.BroadcastInterval = 3
	}
	if d.PurgeInterval == 0 {
		d.PurgeInterval = 3
	}
	if d.StaleAfter == 0 {
		d.StaleAfter = 6
	}

	s := &c.AudioServer
	if s.Address == "" {
		s.Address = "0.0.0.0:47900"
	}
	if s.Source == "" {
		s.Source = "tone"
	}
	if s.ToneFrequency == 0 {
		s.ToneFrequency = 440
	}
	if s.Format.Encoding == "" {
		s.Format.Encoding = string(audio.PCMSigned)
	}
	if s.Format.SampleRate == 0 {
		s.Format.SampleRate = 44100
	}
	if s.Format.SampleSizeBits == 0 {
		s.Format.SampleSizeBits = 16
	}
	if s.Format.Channels == 0 {
		s.Format.Channels = 2
	}
	if s.BufferSize == 0 {
		s.BufferSize = 12 * 1024
	}
	if s.Compression == "" {
		s.Compression = protocol.CompressionNone
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = 5
	}

	a := &c.AudioClient
	if a.Output == "" {
		a.Output = "device"
	}
	if a.BufferSize == 0 {
		a.BufferSize = 12 * 1024
	}
	if a.RetryDelay == 0 {
		a.RetryDelay = 1
	}
	if a.ReportInterval == 0 {
		a.ReportInterval = 0.5
	}
	if a.DialTimeout == 0 {
		a.DialTimeout = 3
	}

	if c.HTTP.Address == "" {
		c.HTTP.Address = "127.0.0.1"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Discovery.Validate(); err != nil {
		return fmt.Errorf("discovery config: %w", err)
	}

	if err := c.AudioServer.Validate(); err != nil {
		return fmt.Errorf("audio_server config: %w", err)
	}

	if err := c.AudioClient.Validate(); err != nil {
		return fmt.Errorf("audio_client config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates discovery configuration
func (d *DiscoveryConfig) Validate() error {
	if _, err := netip.ParseAddrPort(d.ControlAddress); err != nil {
		return fmt.Errorf("invalid control_address %q: %w", d.ControlAddress, err)
	}

	if d.MulticastEnabled() {
		group, err := netip.ParseAddrPort(d.MulticastGroup)
		if err != nil {
			return fmt.Errorf("invalid multicast_group %q: %w", d.MulticastGroup, err)
		}
		if !group.Addr().Is4() || !group.Addr().IsMulticast() {
			return fmt.Errorf("multicast_group must be an IPv4 multicast address, got %s", group.Addr())
		}
	}

	if d.MulticastTTL < 1 || d.MulticastTTL > 255 {
		return fmt.Errorf("multicast_ttl must be between 1 and 255, got %d", d.MulticastTTL)
	}

	if d.BroadcastInterval <= 0 {
		return fmt.Errorf("broadcast_interval must be positive, got %f", d.BroadcastInterval)
	}

	if d.PurgeInterval <= 0 {
		return fmt.Errorf("purge_interval must be positive, got %f", d.PurgeInterval)
	}

	if d.StaleAfter < d.BroadcastInterval {
		return fmt.Errorf("stale_after (%f) must not be shorter than broadcast_interval (%f)",
			d.StaleAfter, d.BroadcastInterval)
	}

	for _, s := range d.Servers {
		if _, _, err := transport.SplitHostPort(s); err != nil {
			return fmt.Errorf("invalid server %q: %w", s, err)
		}
	}

	return nil
}

// Validate validates audio server configuration
func (s *AudioServerConfig) Validate() error {
	if !s.Enabled {
		return nil
	}

	if _, err := netip.ParseAddrPort(s.Address); err != nil {
		return fmt.Errorf("invalid address %q: %w", s.Address, err)
	}

	switch s.Source {
	case "tone":
		if s.ToneFrequency <= 0 {
			return fmt.Errorf("tone_frequency must be positive, got %f", s.ToneFrequency)
		}
	case "wav":
		if s.SourcePath == "" {
			return fmt.Errorf("source_path is required for a wav source")
		}
	case "stdin":
	default:
		return fmt.Errorf("source must be one of [tone, wav, stdin], got '%s'", s.Source)
	}

	if err := s.GetFormat().Validate(); err != nil {
		return fmt.Errorf("format: %w", err)
	}

	if s.BufferSize < 256 {
		return fmt.Errorf("buffer_size must be at least 256 bytes, got %d", s.BufferSize)
	}

	if s.Compression != protocol.CompressionNone && s.Compression != protocol.CompressionLZ4 {
		return fmt.Errorf("compression must be 'none' or 'lz4', got '%s'", s.Compression)
	}

	if s.WriteTimeout <= 0 {
		return fmt.Errorf("write_timeout must be positive, got %f", s.WriteTimeout)
	}

	return nil
}

// Validate validates audio client configuration
func (a *AudioClientConfig) Validate() error {
	if !a.Enabled {
		return nil
	}

	if a.Server != "" {
		if _, _, err := transport.SplitHostPort(a.Server); err != nil {
			return fmt.Errorf("invalid server %q: %w", a.Server, err)
		}
	}

	switch a.Output {
	case "device", "discard":
	case "wav":
		if a.OutputPath == "" {
			return fmt.Errorf("output_path is required for wav output")
		}
	default:
		return fmt.Errorf("output must be one of [device, wav, discard], got '%s'", a.Output)
	}

	if a.BufferSize < 256 {
		return fmt.Errorf("buffer_size must be at least 256 bytes, got %d", a.BufferSize)
	}

	if a.RetryDelay <= 0 {
		return fmt.Errorf("retry_delay must be positive, got %f", a.RetryDelay)
	}

	if a.ReportInterval <= 0 {
		return fmt.Errorf("report_interval must be positive, got %f", a.ReportInterval)
	}

	if a.DialTimeout <= 0 {
		return fmt.Errorf("dial_timeout must be positive, got %f", a.DialTimeout)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout/stderr is a file path
	if l.Output == "" {
		return fmt.Errorf("output cannot be empty")
	}

	return nil
}

// MulticastEnabled reports whether a multicast group is configured
func (d *DiscoveryConfig) MulticastEnabled() bool {
	return d.MulticastGroup != "off"
}

// GetControlAddress returns the control bind address
func (d *DiscoveryConfig) GetControlAddress() netip.AddrPort {
	addr, _ := netip.ParseAddrPort(d.ControlAddress)
	return addr
}

// GetMulticastGroup returns the multicast group, or the zero value when disabled
func (d *DiscoveryConfig) GetMulticastGroup() netip.AddrPort {
	if !d.MulticastEnabled() {
		return netip.AddrPort{}
	}
	group, _ := netip.ParseAddrPort(d.MulticastGroup)
	return group
}

// ResolveServers resolves the manual servers. Servers that fail to resolve are
// left out and reported in the joined error.
func (d *DiscoveryConfig) ResolveServers(ctx context.Context) ([]netip.AddrPort, error) {
	servers := make([]netip.AddrPort, 0, len(d.Servers))
	var errs []error
	for _, s := range d.Servers {
		addr, err := transport.ResolveAddrPort(ctx, s)
		if err != nil {
			errs = append(errs, fmt.Errorf("server %q: %w", s, err))
			continue
		}
		servers = append(servers, addr)
	}
	return servers, errors.Join(errs...)
}

// GetBroadcastInterval returns the broadcast interval as a time.Duration
func (d *DiscoveryConfig) GetBroadcastInterval() time.Duration {
	return seconds(d.BroadcastInterval)
}

// GetPurgeInterval returns the purge interval as a time.Duration
func (d *DiscoveryConfig) GetPurgeInterval() time.Duration {
	return seconds(d.PurgeInterval)
}

// GetStaleAfter returns the staleness threshold as a time.Duration
func (d *DiscoveryConfig) GetStaleAfter() time.Duration {
	return seconds(d.StaleAfter)
}

// GetAddress returns the audio bind address
func (s *AudioServerConfig) GetAddress() netip.AddrPort {
	addr, _ := netip.ParseAddrPort(s.Address)
	return addr
}

// GetFormat returns the configured capture format
func (s *AudioServerConfig) GetFormat() audio.Format {
	f := s.Format
	return audio.NewFormat(audio.Encoding(f.Encoding), f.SampleRate, f.SampleSizeBits, f.Channels, f.BigEndian)
}

// GetWriteTimeout returns the per-frame write timeout as a time.Duration
func (s *AudioServerConfig) GetWriteTimeout() time.Duration {
	return seconds(s.WriteTimeout)
}

// ResolveServer returns the followed server, or the zero value to follow any
func (a *AudioClientConfig) ResolveServer(ctx context.Context) (netip.AddrPort, error) {
	if a.Server == "" {
		return netip.AddrPort{}, nil
	}
	return transport.ResolveAddrPort(ctx, a.Server)
}

// GetRetryDelay returns the reconnect delay as a time.Duration
func (a *AudioClientConfig) GetRetryDelay() time.Duration {
	return seconds(a.RetryDelay)
}

// GetReportInterval returns the status report interval as a time.Duration
func (a *AudioClientConfig) GetReportInterval() time.Duration {
	return seconds(a.ReportInterval)
}

// GetDialTimeout returns the connect timeout as a time.Duration
func (a *AudioClientConfig) GetDialTimeout() time.Duration {
	return seconds(a.DialTimeout)
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
