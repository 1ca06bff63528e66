package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Parser loads configuration documents for the driftdb binaries. CUE
// documents are compiled and schema-checked; YAML documents are decoded
// directly. Both end up as a defaulted, validated Config.
type Parser struct {
	ctx     *cue.Context
	schema  cue.Value
	fs      afero.Fs
	schemas *SchemaRegistry
	logger  zerolog.Logger
}

// NewParser creates a parser over the OS filesystem.
func NewParser(logger zerolog.Logger) *Parser {
	return NewParserWithFs(afero.NewOsFs(), logger)
}

// NewParserWithFs creates a parser over fs.
func NewParserWithFs(fs afero.Fs, logger zerolog.Logger) *Parser {
	ctx := cuecontext.New()
	return &Parser{
		ctx:     ctx,
		schema:  ctx.CompileString(builtinConfigSchema).LookupPath(cue.ParsePath("#Config")),
		fs:      fs,
		schemas: NewSchemaRegistry(),
		logger:  logger.With().Str("component", "config").Logger(),
	}
}

// Schemas returns the parser's schema registry.
func (p *Parser) Schemas() *SchemaRegistry {
	return p.schemas
}

// Load reads one configuration file, dispatching on its extension.
func (p *Parser) Load(ctx context.Context, path string) (*Config, error) {
	data, err := afero.ReadFile(p.fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".cue":
		return p.ParseCUE(ctx, string(data), path)
	case ".yaml", ".yml":
		return p.ParseYAML(ctx, data)
	default:
		return nil, fmt.Errorf("unsupported config format %q, want .cue or .yaml", ext)
	}
}

// ParseCUE compiles a CUE document, checks it against the embedded
// schema and decodes it into a Config. Unifying with the closed schema
// is what rejects misspelled fields, which a plain decode would drop.
func (p *Parser) ParseCUE(ctx context.Context, content, filename string) (*Config, error) {
	val := p.ctx.CompileString(content, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, &ParseError{Errors: convertCUEErrors(err)}
	}

	checked := p.schema.Unify(val)
	if err := checked.Validate(); err != nil {
		return nil, &ParseError{Errors: convertCUEErrors(err)}
	}

	var cfg Config
	if err := checked.Decode(&cfg); err != nil {
		return nil, &ParseError{Errors: convertCUEErrors(err)}
	}
	return p.finish(ctx, &cfg, filename)
}

// ParseInline parses inline CUE content.
func (p *Parser) ParseInline(ctx context.Context, content string) (*Config, error) {
	return p.ParseCUE(ctx, content, "inline")
}

// ParseYAML decodes a YAML document into a Config.
func (p *Parser) ParseYAML(ctx context.Context, data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return p.finish(ctx, &cfg, "yaml")
}

// finish applies defaults and runs both validation layers, the CUE
// schema and the struct tags.
func (p *Parser) finish(ctx context.Context, cfg *Config, source string) (*Config, error) {
	cfg.ApplyDefaults()

	if err := p.schemas.ValidateConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("config %s failed schema validation: %w", source, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p.logger.Debug().
		Str("source", source).
		Str("storage", cfg.Storage.Backend).
		Str("strategy", cfg.Resolver.Strategy).
		Msg("configuration loaded")
	return cfg, nil
}

// ValidationError is one configuration problem with its source
// location.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

// ParseError aggregates the problems of one document.
type ParseError struct {
	Errors []ValidationError
}

func (e *ParseError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration is invalid"
	}
	first := e.Errors[0]
	msg := first.Message
	if first.File != "" {
		msg = fmt.Sprintf("%s:%d:%d: %s", first.File, first.Line, first.Column, msg)
	}
	if len(e.Errors) > 1 {
		msg = fmt.Sprintf("%s (and %d more)", msg, len(e.Errors)-1)
	}
	return msg
}

// convertCUEErrors flattens a CUE error into located entries.
func convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range cueerrors.Errors(err) {
		pos := cueerrors.Positions(e)
		var file string
		var line, column int
		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}
		validationErrors = append(validationErrors, ValidationError{
			File:    file,
			Line:    line,
			Column:  column,
			Message: e.Error(),
		})
	}
	return validationErrors
}
