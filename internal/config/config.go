// Package config loads the YAML description of a card-edge run: which reader
// to use, how to size exchanges and how to open a secure channel.
package config

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gregLibert/card-edge/pkg/scp"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Reader        ReaderConfig        `yaml:"reader"`
	Transport     TransportConfig     `yaml:"transport"`
	SecureChannel SecureChannelConfig `yaml:"secure_channel"`
}

type ReaderConfig struct {
	Index     *int   `yaml:"index"`
	Name      string `yaml:"name"`
	Exclusive bool   `yaml:"exclusive"`
}

type TransportConfig struct {
	SegmentLimit     int  `yaml:"segment_limit"`
	ExtendedLength   bool `yaml:"extended_length"`
	MaxContinuations int  `yaml:"max_continuations"`
}

type SecureChannelConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Version         string `yaml:"version"`
	KeyVersion      *int   `yaml:"key_version"`
	SecurityLevel   string `yaml:"security_level"`
	Diversification string `yaml:"diversification"`
	// Param is the SCP02 "i" parameter.
	Param      *int   `yaml:"param"`
	EncKeyFile string `yaml:"enc_key_file"`
	MacKeyFile string `yaml:"mac_key_file"`
	DekKeyFile string `yaml:"dek_key_file"`
	Overhead   int    `yaml:"overhead"`
}

// Default is the configuration used without a file: first reader, no
// secure channel.
func Default() *Config {
	index := 0
	return &Config{Reader: ReaderConfig{Index: &index}}
}

func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.resolvePaths(path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Reader.Index == nil && strings.TrimSpace(c.Reader.Name) == "" {
		return fmt.Errorf("config.reader.index or config.reader.name is required")
	}
	if c.Reader.Index != nil && *c.Reader.Index < 0 {
		return fmt.Errorf("config.reader.index must be >= 0")
	}

	if c.Transport.SegmentLimit < 0 || c.Transport.SegmentLimit > 65535 {
		return fmt.Errorf("config.transport.segment_limit must be 0..65535")
	}
	if c.Transport.MaxContinuations < 0 {
		return fmt.Errorf("config.transport.max_continuations must be >= 0")
	}

	if c.SecureChannel.Enabled {
		return c.SecureChannel.validate()
	}
	return nil
}

func (s *SecureChannelConfig) validate() error {
	if strings.TrimSpace(s.Version) == "" {
		return fmt.Errorf("config.secure_channel.version is required")
	}
	version, err := scp.ParseVersion(s.Version)
	if err != nil {
		return fmt.Errorf("config.secure_channel.version: %w", err)
	}

	if s.KeyVersion != nil && (*s.KeyVersion < 0 || *s.KeyVersion > 0xFF) {
		return fmt.Errorf("config.secure_channel.key_version must be 0..255")
	}
	if s.Param != nil && (*s.Param < 0 || *s.Param > 0xFF) {
		return fmt.Errorf("config.secure_channel.param must be 0..255")
	}
	if s.Overhead < 0 {
		return fmt.Errorf("config.secure_channel.overhead must be >= 0")
	}

	level, err := scp.ParseSecurityLevel(s.SecurityLevel)
	if err != nil {
		return fmt.Errorf("config.secure_channel.security_level: %w", err)
	}
	if err := level.Validate(version); err != nil {
		return fmt.Errorf("config.secure_channel.security_level: %w", err)
	}

	method, err := scp.ParseDiversification(s.Diversification)
	if err != nil {
		return fmt.Errorf("config.secure_channel.diversification: %w", err)
	}
	if version == scp.SCP03 && method != scp.DiversifyNone {
		return fmt.Errorf("config.secure_channel.diversification must be none for SCP03")
	}

	for _, f := range []struct{ path, field string }{
		{s.EncKeyFile, "config.secure_channel.enc_key_file"},
		{s.MacKeyFile, "config.secure_channel.mac_key_file"},
		{s.DekKeyFile, "config.secure_channel.dek_key_file"},
	} {
		if strings.TrimSpace(f.path) == "" {
			return fmt.Errorf("%s is required", f.field)
		}
		if err := validateReadableFile(f.path, f.field); err != nil {
			return err
		}
	}
	return nil
}

// StaticKeys reads the three key files into a key set.
func (s *SecureChannelConfig) StaticKeys() (scp.StaticKeys, error) {
	keys := scp.StaticKeys{}
	if s.KeyVersion != nil {
		keys.Version = byte(*s.KeyVersion)
	}

	var err error
	if keys.ENC, err = ReadHexKey(s.EncKeyFile); err != nil {
		return scp.StaticKeys{}, fmt.Errorf("config.secure_channel.enc_key_file: %w", err)
	}
	if keys.MAC, err = ReadHexKey(s.MacKeyFile); err != nil {
		return scp.StaticKeys{}, fmt.Errorf("config.secure_channel.mac_key_file: %w", err)
	}
	if keys.DEK, err = ReadHexKey(s.DekKeyFile); err != nil {
		return scp.StaticKeys{}, fmt.Errorf("config.secure_channel.dek_key_file: %w", err)
	}
	return keys, nil
}

// ChannelConfig translates the settings into an scp.Config without a logger.
func (s *SecureChannelConfig) ChannelConfig() (scp.Config, error) {
	level, err := scp.ParseSecurityLevel(s.SecurityLevel)
	if err != nil {
		return scp.Config{}, err
	}

	cfg := scp.Config{Level: level, Overhead: s.Overhead}
	if s.KeyVersion != nil {
		cfg.KeyVersion = byte(*s.KeyVersion)
	}
	if s.Param != nil {
		cfg.Param = byte(*s.Param)
	}
	return cfg, nil
}

// ReadHexKey reads a key stored as hexadecimal text. Whitespace is ignored.
func ReadHexKey(path string) ([]byte, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cleaned := strings.Join(strings.Fields(string(content)), "")
	key, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("decode hex key: %w", err)
	}
	switch len(key) {
	case 16, 24, 32:
		return key, nil
	default:
		return nil, fmt.Errorf("key must be 16, 24 or 32 bytes, got %d", len(key))
	}
}

func (c *Config) resolvePaths(configPath string) {
	configDir := filepath.Dir(configPath)
	c.SecureChannel.EncKeyFile = resolvePath(configDir, c.SecureChannel.EncKeyFile)
	c.SecureChannel.MacKeyFile = resolvePath(configDir, c.SecureChannel.MacKeyFile)
	c.SecureChannel.DekKeyFile = resolvePath(configDir, c.SecureChannel.DekKeyFile)
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Clean(filepath.Join(baseDir, trimmed))
}

func validateReadableFile(path string, field string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s must point to a file, got directory", field)
	}
	return nil
}
