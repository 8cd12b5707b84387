package config

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/spf13/viper"
)

// LoadOptions tunes Load and Builder.Build.
type LoadOptions struct {
	// AllowEmpty accepts a config without any source.
	AllowEmpty bool
	// Lookup resolves environment variables. Defaults to os.LookupEnv.
	Lookup func(string) (string, bool)
	Logger *slog.Logger
}

func (o LoadOptions) withDefaults() LoadOptions {
	if o.Lookup == nil {
		o.Lookup = os.LookupEnv
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// fileConfig is the on-disk layout of a single config file.
type fileConfig struct {
	GlobalOptions `mapstructure:",squash"`
	HealthChecks  *HealthChecks                  `mapstructure:"healthchecks"`
	API           *APIConfig                     `mapstructure:"api"`
	History       *HistoryConfig                 `mapstructure:"history"`
	Provider      *ProviderConfig                `mapstructure:"provider"`
	Secrets       map[string]SecretBackendConfig `mapstructure:"secret"`
	Sources       map[string]ComponentConfig     `mapstructure:"sources"`
	Transforms    map[string]ComponentConfig     `mapstructure:"transforms"`
	Sinks         map[string]ComponentConfig     `mapstructure:"sinks"`
}

type input struct {
	source string
	data   []byte
	format Format
}

// Load reads, interpolates and merges the given files. Errors are returned as
// human readable lines; a nil config means loading failed.
func Load(ctx context.Context, paths []Path, opts LoadOptions) (*Config, []string) {
	var inputs []input
	var errs []string
	for _, p := range paths {
		data, err := os.ReadFile(p.Path)
		if err != nil {
			errs = append(errs, fmt.Sprintf("could not open config file %s: %v", p.Path, err))
			continue
		}
		inputs = append(inputs, input{source: p.Path, data: data, format: p.ResolvedFormat()})
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return load(ctx, inputs, opts)
}

func load(ctx context.Context, inputs []input, opts LoadOptions) (*Config, []string) {
	opts = opts.withDefaults()

	texts := make([]string, len(inputs))
	refs := map[string][]string{}
	for i, in := range inputs {
		text, warnings := Interpolate(string(in.data), opts.Lookup)
		logWarnings(opts.Logger, in.source, warnings)
		texts[i] = text
		for backend, keys := range secretRefs(text) {
			for _, k := range keys {
				refs[backend] = appendUnique(refs[backend], k)
			}
		}
	}

	if len(refs) > 0 {
		pre, errs := parseAll(inputs, texts)
		if len(errs) > 0 {
			return nil, errs
		}
		resolved, errs := resolveSecrets(ctx, pre.Secrets, refs)
		if len(errs) > 0 {
			return nil, errs
		}
		for i := range texts {
			texts[i] = replaceSecrets(texts[i], resolved)
		}
	}

	cfg, errs := parseAll(inputs, texts)
	if len(errs) > 0 {
		return nil, errs
	}
	if !opts.AllowEmpty && !cfg.HasSources() && cfg.Provider == nil {
		return nil, []string{"No sources defined in the config."}
	}
	return cfg, nil
}

func resolveSecrets(ctx context.Context, decls map[string]SecretBackendConfig, refs map[string][]string) (map[string]map[string]string, []string) {
	names := make([]string, 0, len(refs))
	for n := range refs {
		names = append(names, n)
	}
	sort.Strings(names)

	out := map[string]map[string]string{}
	var errs []string
	for _, name := range names {
		decl, ok := decls[name]
		if !ok {
			errs = append(errs, fmt.Sprintf("secret backend %q is referenced but not declared", name))
			continue
		}
		backend, err := NewSecretBackend(name, decl)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		vals, err := backend.Retrieve(ctx, refs[name])
		if err != nil {
			errs = append(errs, fmt.Sprintf("secret backend %q: %v", name, err))
			continue
		}
		out[name] = vals
	}
	return out, errs
}

func parseAll(inputs []input, texts []string) (*Config, []string) {
	cfg := New()
	var errs []string
	for i, in := range inputs {
		fc, v, err := parse(texts[i], in.format)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", in.source, err))
			continue
		}
		errs = append(errs, merge(cfg, fc, v)...)
	}
	return cfg, errs
}

func parse(text string, format Format) (*fileConfig, *viper.Viper, error) {
	v := viper.New()
	v.SetConfigType(string(format))
	if err := v.ReadConfig(bytes.NewBufferString(text)); err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", format, err)
	}
	var fc fileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, nil, fmt.Errorf("decode: %w", err)
	}
	return &fc, v, nil
}

// merge folds one file into cfg. Scalars from later files win, component names
// must be unique across files.
func merge(cfg *Config, fc *fileConfig, v *viper.Viper) []string {
	var errs []string
	g := fc.GlobalOptions
	if g.DataDir != "" {
		cfg.Global.DataDir = g.DataDir
	}
	if g.MetricsListen != "" {
		cfg.Global.MetricsListen = g.MetricsListen
	}
	if g.LogSchema != (LogSchema{}) {
		cfg.Global.LogSchema = g.LogSchema
	}
	if len(g.Telemetry.Tags) > 0 {
		if cfg.Global.Telemetry.Tags == nil {
			cfg.Global.Telemetry.Tags = map[string]string{}
		}
		for k, val := range g.Telemetry.Tags {
			cfg.Global.Telemetry.Tags[k] = val
		}
	}
	if fc.HealthChecks != nil {
		hc := *fc.HealthChecks
		if !v.IsSet("healthchecks.enabled") {
			hc.Enabled = true
		}
		cfg.HealthChecks = hc
	}
	if fc.API != nil {
		cfg.API = *fc.API
	}
	if fc.History != nil {
		cfg.History = *fc.History
	}
	if fc.Provider != nil {
		p := *fc.Provider
		cfg.Provider = &p
	}
	for name, s := range fc.Secrets {
		cfg.Secrets[name] = s
	}
	errs = append(errs, mergeComponents("source", cfg.Sources, fc.Sources)...)
	errs = append(errs, mergeComponents("transform", cfg.Transforms, fc.Transforms)...)
	errs = append(errs, mergeComponents("sink", cfg.Sinks, fc.Sinks)...)
	return errs
}

func mergeComponents(kind string, dst, src map[string]ComponentConfig) []string {
	var errs []string
	names := make([]string, 0, len(src))
	for n := range src {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if _, dup := dst[n]; dup {
			errs = append(errs, fmt.Sprintf("duplicate %s id found: %s", kind, n))
			continue
		}
		dst[n] = src[n]
	}
	return errs
}
