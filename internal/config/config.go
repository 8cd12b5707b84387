package config

import (
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Format is the serialization format of a config file.
type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// Path is a config location with an optional explicit format. An empty Format
// is resolved from the file extension.
type Path struct {
	Path   string
	Format Format
}

func (p Path) String() string {
	if p.Format == "" {
		return p.Path
	}
	return string(p.Format) + ":" + p.Path
}

// ResolvedFormat returns the explicit format or the one implied by the extension (TOML by default).
func (p Path) ResolvedFormat() Format {
	if p.Format != "" {
		return p.Format
	}
	return FormatFromExt(p.Path)
}

// ParsePath parses "path" or "format:path" (e.g. "yaml:/etc/tapline/pipeline.conf").
func ParsePath(s string) Path {
	if i := strings.IndexByte(s, ':'); i > 0 {
		switch f := Format(strings.ToLower(s[:i])); f {
		case FormatTOML, FormatYAML, FormatJSON:
			return Path{Path: s[i+1:], Format: f}
		}
	}
	return Path{Path: s}
}

// FormatFromExt maps a file extension to a Format.
func FormatFromExt(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".json":
		return FormatJSON
	default:
		return FormatTOML
	}
}

// ComponentConfig describes one source, transform or sink. Every key other than
// type/inputs/watch_files is kept in Options for the component factory.
type ComponentConfig struct {
	Type       string         `mapstructure:"type" yaml:"type" json:"type"`
	Inputs     []string       `mapstructure:"inputs" yaml:"inputs,omitempty" json:"inputs,omitempty"`
	WatchFiles []string       `mapstructure:"watch_files" yaml:"watch_files,omitempty" json:"watch_files,omitempty"`
	Options    map[string]any `mapstructure:",remain" yaml:"options,omitempty" json:"options,omitempty"`
}

type LogSchema struct {
	MessageKey   string `mapstructure:"message_key"`
	TimestampKey string `mapstructure:"timestamp_key"`
	HostKey      string `mapstructure:"host_key"`
}

type Telemetry struct {
	Tags map[string]string `mapstructure:"tags"`
}

type GlobalOptions struct {
	DataDir       string    `mapstructure:"data_dir"`
	MetricsListen string    `mapstructure:"metrics_listen"`
	LogSchema     LogSchema `mapstructure:"log_schema"`
	Telemetry     Telemetry `mapstructure:"telemetry"`
}

type HealthChecks struct {
	Enabled        bool `mapstructure:"enabled"`
	RequireHealthy bool `mapstructure:"require_healthy"`
}

type AutoGenTLS struct {
	CommonName   string   `mapstructure:"common_name"`
	Organization string   `mapstructure:"organization"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses"`
	ValidDays    int      `mapstructure:"valid_days"`
}

type TLSConfig struct {
	Enabled      bool        `mapstructure:"enabled"`
	CertFile     string      `mapstructure:"cert_file"`
	KeyFile      string      `mapstructure:"key_file"`
	Dir          string      `mapstructure:"dir"`
	AutoGenerate bool        `mapstructure:"auto_generate"`
	MinVersion   string      `mapstructure:"min_version"`
	MaxVersion   string      `mapstructure:"max_version"`
	AutoGen      *AutoGenTLS `mapstructure:"auto_gen"`
}

type APIConfig struct {
	Enabled  bool       `mapstructure:"enabled"`
	Address  string     `mapstructure:"address"`
	BasePath string     `mapstructure:"base_path"`
	TLS      *TLSConfig `mapstructure:"tls"`
}

// HistoryConfig selects where lifecycle events are exported. DSN formats are
// documented in history/factory.
type HistoryConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// ProviderConfig describes a remote config provider that replaces file-based config.
type ProviderConfig struct {
	Type         string            `mapstructure:"type"`
	URL          string            `mapstructure:"url"`
	Format       string            `mapstructure:"format"`
	PollInterval time.Duration     `mapstructure:"poll_interval"`
	Headers      map[string]string `mapstructure:"headers"`
}

// SecretBackendConfig declares a backend usable as SECRET[<name>.<key>].
type SecretBackendConfig struct {
	Type    string `mapstructure:"type"`
	Path    string `mapstructure:"path"`
	Prefix  string `mapstructure:"prefix"`
	Address string `mapstructure:"address"`
	Token   string `mapstructure:"token"`
}

// Config is a fully loaded pipeline configuration.
type Config struct {
	Global       GlobalOptions
	HealthChecks HealthChecks
	API          APIConfig
	History      HistoryConfig
	Provider     *ProviderConfig
	Secrets      map[string]SecretBackendConfig
	Sources      map[string]ComponentConfig
	Transforms   map[string]ComponentConfig
	Sinks        map[string]ComponentConfig

	// GracefulShutdownDuration bounds topology drain on stop. Zero means unbounded.
	// It is set from command line options, never from files.
	GracefulShutdownDuration time.Duration
}

// New returns an empty config with defaults applied.
func New() *Config {
	return &Config{
		HealthChecks: HealthChecks{Enabled: true},
		Secrets:      map[string]SecretBackendConfig{},
		Sources:      map[string]ComponentConfig{},
		Transforms:   map[string]ComponentConfig{},
		Sinks:        map[string]ComponentConfig{},
	}
}

// IsEmpty reports whether the config declares no components at all.
func (c *Config) IsEmpty() bool {
	return len(c.Sources) == 0 && len(c.Transforms) == 0 && len(c.Sinks) == 0
}

// HasSources reports whether at least one source is declared.
func (c *Config) HasSources() bool { return len(c.Sources) > 0 }

// SetRequireHealthy overrides the file setting when the operator passed a value.
func (c *Config) SetRequireHealthy(v *bool) {
	if v != nil {
		c.HealthChecks.RequireHealthy = *v
	}
}

// ComponentFiles lists files a component wants watched for changes.
type ComponentFiles struct {
	Name  string
	Files []string
}

// FilesToWatch returns the watch_files of every transform and sink, sorted by name.
func (c *Config) FilesToWatch() []ComponentFiles {
	var out []ComponentFiles
	add := func(m map[string]ComponentConfig) {
		for name, cc := range m {
			if len(cc.WatchFiles) == 0 {
				continue
			}
			out = append(out, ComponentFiles{Name: name, Files: append([]string(nil), cc.WatchFiles...)})
		}
	}
	add(c.Transforms)
	add(c.Sinks)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Clone returns a deep enough copy for the component maps to be mutated independently.
func (c *Config) Clone() *Config {
	cp := *c
	cp.Secrets = make(map[string]SecretBackendConfig, len(c.Secrets))
	for k, v := range c.Secrets {
		cp.Secrets[k] = v
	}
	cp.Sources = cloneComponents(c.Sources)
	cp.Transforms = cloneComponents(c.Transforms)
	cp.Sinks = cloneComponents(c.Sinks)
	if c.Provider != nil {
		p := *c.Provider
		cp.Provider = &p
	}
	return &cp
}

func cloneComponents(m map[string]ComponentConfig) map[string]ComponentConfig {
	out := make(map[string]ComponentConfig, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
