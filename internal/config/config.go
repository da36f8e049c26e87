// Package config loads the presence daemon configuration from JSON, JSONC or
// YAML files. Every field is optional; the Get* accessors supply defaults.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/presence.report/internal/advertmux"
	"github.com/banshee-data/presence.report/internal/ibeacon"
	"github.com/banshee-data/presence.report/internal/presence"
)

// ErrUnsupportedFormat is returned for config files that are not JSON, JSONC
// or YAML.
var ErrUnsupportedFormat = errors.New("unsupported config format")

// Source names accepted by the source key.
const (
	SourceHCIDump  = advertmux.KindHCIDump
	SourceSerial   = advertmux.KindSerial
	SourceFile     = advertmux.KindFile
	SourcePcap     = advertmux.KindPcap
	SourceDisabled = advertmux.KindDisabled
)

// Defaults for unset fields.
const (
	DefaultTimeout           = presence.DefaultTimeout
	DefaultSweepInterval     = time.Second
	DefaultSource            = SourceHCIDump
	DefaultHCIDevice         = "hci0"
	DefaultDBPath            = "presence.db"
	DefaultListen            = ":8080"
	DefaultMQTTTopic         = "ibeacon/adverts"
	DefaultCodec             = "json"
	DefaultSightingRetention = 7 * 24 * time.Hour
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// PresenceConfig is the root configuration.
type PresenceConfig struct {
	Timeout       *string `json:"timeout,omitempty" yaml:"timeout,omitempty"`               // duration string like "300s"
	SweepInterval *string `json:"sweep_interval,omitempty" yaml:"sweep_interval,omitempty"` // duration string like "1s"
	MatchPolicy   *string `json:"match_policy,omitempty" yaml:"match_policy,omitempty"`

	// Advertisement source
	Source            *string                `json:"source,omitempty" yaml:"source,omitempty"`
	HCIDevice         *string                `json:"hci_device,omitempty" yaml:"hci_device,omitempty"`
	SourcePath        *string                `json:"source_path,omitempty" yaml:"source_path,omitempty"`
	LEScan            *bool                  `json:"lescan,omitempty" yaml:"lescan,omitempty"`
	Serial            *advertmux.PortOptions `json:"serial,omitempty" yaml:"serial,omitempty"`
	LegacySignedBytes *bool                  `json:"legacy_signed_bytes,omitempty" yaml:"legacy_signed_bytes,omitempty"`

	// Storage and HTTP
	DBPath            *string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
	Listen            *string `json:"listen,omitempty" yaml:"listen,omitempty"`
	SightingRetention *string `json:"sighting_retention,omitempty" yaml:"sighting_retention,omitempty"`

	// Message bus
	MQTT  *MQTTConfig `json:"mqtt,omitempty" yaml:"mqtt,omitempty"`
	Codec *string     `json:"codec,omitempty" yaml:"codec,omitempty"`

	Beacons []BeaconConfig `json:"beacons,omitempty" yaml:"beacons,omitempty"`
}

// MQTTConfig describes the broker connection. An empty Broker disables the bus.
type MQTTConfig struct {
	Broker   string `json:"broker,omitempty" yaml:"broker,omitempty"`
	Topic    string `json:"topic,omitempty" yaml:"topic,omitempty"`
	ClientID string `json:"client_id,omitempty" yaml:"client_id,omitempty"`
}

// BeaconConfig is a registration applied at startup.
type BeaconConfig struct {
	UUID  string `json:"uuid" yaml:"uuid"`
	Major uint16 `json:"major" yaml:"major"`
	Minor uint16 `json:"minor" yaml:"minor"`
	Owner string `json:"owner" yaml:"owner"`
}

// Identity validates the beacon's UUID and returns its identity.
func (b BeaconConfig) Identity() (presence.Identity, error) {
	return presence.ParseIdentity(b.UUID, b.Major, b.Minor)
}

// Default returns a config with every field unset.
func Default() *PresenceConfig {
	return &PresenceConfig{}
}

// Load reads and validates the config file at path. The format follows the
// extension: .json, .jsonc, .yaml or .yml.
func Load(path string) (*PresenceConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	switch ext {
	case ".json", ".jsonc", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	switch ext {
	case ".json", ".jsonc":
		// jsonc also accepts plain JSON
		if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks every set field.
func (c *PresenceConfig) Validate() error {
	for name, v := range map[string]*string{
		"timeout":            c.Timeout,
		"sweep_interval":     c.SweepInterval,
		"sighting_retention": c.SightingRetention,
	} {
		if v == nil {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	if c.MatchPolicy != nil {
		if _, err := presence.ParseMatchPolicy(*c.MatchPolicy); err != nil {
			return err
		}
	}

	switch src := c.GetSource(); src {
	case SourceHCIDump, SourceDisabled:
	case SourceSerial, SourceFile, SourcePcap:
		if c.GetSourcePath() == "" {
			return fmt.Errorf("source %q requires source_path", src)
		}
	default:
		return fmt.Errorf("unknown source %q: expected hcidump, serial, file, pcap or disabled", src)
	}

	if c.Serial != nil {
		if _, err := c.Serial.Normalize(); err != nil {
			return fmt.Errorf("invalid serial options: %w", err)
		}
	}

	if _, err := ibeacon.CodecByName(c.GetCodec()); err != nil {
		return err
	}

	seen := make(map[presence.Identity]bool, len(c.Beacons))
	for i, b := range c.Beacons {
		id, err := b.Identity()
		if err != nil {
			return fmt.Errorf("beacons[%d]: %w", i, err)
		}
		if strings.TrimSpace(b.Owner) == "" {
			return fmt.Errorf("beacons[%d]: owner is required", i)
		}
		if seen[id] {
			return fmt.Errorf("beacons[%d]: %s registered twice", i, id)
		}
		seen[id] = true
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func stringOr(v *string, def string) string {
	if v == nil || *v == "" {
		return def
	}
	return *v
}

func (c *PresenceConfig) GetTimeout() time.Duration {
	return durationOr(c.Timeout, DefaultTimeout)
}

func (c *PresenceConfig) GetSweepInterval() time.Duration {
	return durationOr(c.SweepInterval, DefaultSweepInterval)
}

func (c *PresenceConfig) GetSightingRetention() time.Duration {
	return durationOr(c.SightingRetention, DefaultSightingRetention)
}

// GetMatchPolicy returns MatchFull for unset or invalid values.
func (c *PresenceConfig) GetMatchPolicy() presence.MatchPolicy {
	if c.MatchPolicy == nil {
		return presence.MatchFull
	}
	p, _ := presence.ParseMatchPolicy(*c.MatchPolicy)
	return p
}

func (c *PresenceConfig) GetSource() string     { return stringOr(c.Source, DefaultSource) }
func (c *PresenceConfig) GetHCIDevice() string  { return stringOr(c.HCIDevice, DefaultHCIDevice) }
func (c *PresenceConfig) GetSourcePath() string { return stringOr(c.SourcePath, "") }
func (c *PresenceConfig) GetDBPath() string     { return stringOr(c.DBPath, DefaultDBPath) }
func (c *PresenceConfig) GetListen() string     { return stringOr(c.Listen, DefaultListen) }
func (c *PresenceConfig) GetCodec() string      { return stringOr(c.Codec, DefaultCodec) }

func (c *PresenceConfig) GetLEScan() bool {
	return c.LEScan != nil && *c.LEScan
}

func (c *PresenceConfig) GetLegacySignedBytes() bool {
	return c.LegacySignedBytes != nil && *c.LegacySignedBytes
}

func (c *PresenceConfig) GetSerial() advertmux.PortOptions {
	if c.Serial == nil {
		return advertmux.PortOptions{}
	}
	return *c.Serial
}

// GetMQTT returns the bus settings with defaults applied. Broker stays empty
// when the bus is not configured.
func (c *PresenceConfig) GetMQTT() MQTTConfig {
	var m MQTTConfig
	if c.MQTT != nil {
		m = *c.MQTT
	}
	if m.Topic == "" {
		m.Topic = DefaultMQTTTopic
	}
	if m.ClientID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "localhost"
		}
		m.ClientID = "presence-" + host
	}
	return m
}

// SourceConfig converts the source settings for advertmux.Open.
func (c *PresenceConfig) SourceConfig() advertmux.SourceConfig {
	return advertmux.SourceConfig{
		Kind:   c.GetSource(),
		Device: c.GetHCIDevice(),
		Path:   c.GetSourcePath(),
		Serial: c.GetSerial(),
		LEScan: c.GetLEScan(),
	}
}

// TrackerConfig converts the presence settings for presence.NewTracker.
func (c *PresenceConfig) TrackerConfig() presence.TrackerConfig {
	return presence.TrackerConfig{Timeout: c.GetTimeout(), Policy: c.GetMatchPolicy()}
}

// Helper functions to create pointers
func ptrString(v string) *string { return &v }
func ptrBool(v bool) *bool       { return &v }

// SetString points *field at a copy of v. Flag overrides use it so an unset
// flag leaves the file value alone.
func SetString(field **string, v string) { *field = ptrString(v) }

// SetBool points *field at a copy of v.
func SetBool(field **bool, v bool) { *field = ptrBool(v) }
