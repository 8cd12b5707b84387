package config

import "context"

// Builder is an in-memory, not yet validated configuration, as delivered by a
// config provider or the reload API.
type Builder struct {
	source string
	data   []byte
	format Format
	built  *Config
}

// NewBuilder wraps raw config text.
func NewBuilder(source string, data []byte, format Format) *Builder {
	if format == "" {
		format = FormatTOML
	}
	return &Builder{source: source, data: data, format: format}
}

// FromConfig wraps an already decoded config. Build returns a copy of it.
func FromConfig(cfg *Config) *Builder {
	return &Builder{source: "memory", built: cfg}
}

// Source names where the builder came from, for logging.
func (b *Builder) Source() string { return b.source }

// Build interpolates and decodes the builder's content.
func (b *Builder) Build(ctx context.Context, opts LoadOptions) (*Config, []string) {
	if b.built != nil {
		if !opts.AllowEmpty && !b.built.HasSources() {
			return nil, []string{"No sources defined in the config."}
		}
		return b.built.Clone(), nil
	}
	return load(ctx, []input{{source: b.source, data: b.data, format: b.format}}, opts)
}
