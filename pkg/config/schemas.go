package config

import (
	"context"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a schema registry with the built-in schemas
// registered.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	sr.registerBuiltInSchemas()
	return sr
}

func (sr *SchemaRegistry) registerBuiltInSchemas() {
	_ = sr.RegisterSchema("config", builtinConfigSchema)
	_ = sr.RegisterSchema("storage", builtinStorageSchema)
	_ = sr.RegisterSchema("engine", builtinEngineSchema)
	_ = sr.RegisterSchema("resolver", builtinResolverSchema)
	_ = sr.RegisterSchema("policy", builtinPolicySchema)
	_ = sr.RegisterSchema("telemetry", builtinTelemetrySchema)
}

// RegisterSchema registers a CUE schema under the given name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	def := schema.LookupPath(cue.ParsePath(schemaDefinition(schemaName)))
	if !def.Exists() {
		return fmt.Errorf("schema %s has no definition", schemaName)
	}

	unified := def.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	return names
}

// ValidateConfig validates a full configuration against the config
// schema.
func (sr *SchemaRegistry) ValidateConfig(ctx context.Context, cfg *Config) error {
	return sr.ValidateAgainstSchema(ctx, "config", cfg)
}

// schemaDefinition maps a schema name to its CUE definition path.
func schemaDefinition(name string) string {
	switch name {
	case "config":
		return "#Config"
	case "storage":
		return "#Storage"
	case "engine":
		return "#Engine"
	case "resolver":
		return "#Resolver"
	case "policy":
		return "#Policy"
	case "telemetry":
		return "#Telemetry"
	default:
		return "#" + name
	}
}

// Built-in schema definitions

const builtinConfigSchema = `
// Top-level driftdb configuration document
#Config: {
	storage?:   #Storage
	engine?:    #Engine
	resolver?:  #Resolver
	policy?:    #Policy
	telemetry?: #Telemetry
}
` + builtinStorageSchema + builtinEngineSchema + builtinResolverSchema + builtinPolicySchema + builtinTelemetrySchema

const builtinStorageSchema = `
// Storage backend selection
#Storage: {
	backend: "memory" | "sqlite"

	// Database file, required for the sqlite backend
	path?: string
}
`

const builtinEngineSchema = `
// Runtime and resolver internals
#Engine: {
	max_idle_workers?: int & >=0 & <=1024
	event_buffer?:     int & >=0
}
`

const builtinResolverSchema = `
// Merge strategy selection
#Resolver: {
	strategy: "lww" | "policy" | "custom"

	// External resolver locator for the custom strategy
	target?: string & =~"^(exec|unix|tcp|starlark):.+$"

	// Manifest with a checksum to verify before spawning
	manifest?: string
}
`

const builtinPolicySchema = `
// Policy engine configuration
#Policy: {
	paths?:    [...string]
	watch?:    bool
	fallback?: "left" | "right"
}
`

const builtinTelemetrySchema = `
// Observability configuration
#Telemetry: {
	log_level?:  "trace" | "debug" | "info" | "warn" | "error" | "fatal"
	log_format?: "console" | "json"
	metrics?: {
		enabled?: bool
		address?: string
	}
	tracing?: {
		enabled?:  bool
		exporter?: "otlp" | "stdout" | "none"
		endpoint?: string
		insecure?: bool
	}
}
`
