package config

import (
	"context"
	"sort"
	"testing"
)

func TestSchemaRegistryBuiltins(t *testing.T) {
	sr := NewSchemaRegistry()

	names := sr.ListSchemas()
	sort.Strings(names)
	want := []string{"config", "engine", "policy", "resolver", "storage", "telemetry"}
	if len(names) != len(want) {
		t.Fatalf("schemas = %v, want %v", names, want)
	}
	for i, name := range want {
		if names[i] != name {
			t.Fatalf("schemas = %v, want %v", names, want)
		}
	}

	for _, name := range want {
		if _, ok := sr.GetSchema(name); !ok {
			t.Errorf("schema %s not retrievable", name)
		}
	}
}

func TestSchemaRegistryRegisterCustom(t *testing.T) {
	sr := NewSchemaRegistry()

	err := sr.RegisterSchema("replica", `
#replica: {
	name: string
	peer: string
}
`)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, ok := sr.GetSchema("replica"); !ok {
		t.Fatal("registered schema not retrievable")
	}

	err = sr.ValidateAgainstSchema(context.Background(), "replica", map[string]string{
		"name": "primary",
		"peer": "secondary",
	})
	if err != nil {
		t.Fatalf("conforming data rejected: %v", err)
	}

	err = sr.ValidateAgainstSchema(context.Background(), "replica", map[string]int{"name": 7})
	if err == nil {
		t.Fatal("non-conforming data accepted")
	}
}

func TestSchemaRegistryRejectsBadSchema(t *testing.T) {
	sr := NewSchemaRegistry()
	if err := sr.RegisterSchema("broken", "#Broken: {"); err == nil {
		t.Fatal("compiling a broken schema should fail")
	}
}

func TestValidateAgainstSchemaUnknownName(t *testing.T) {
	sr := NewSchemaRegistry()
	if err := sr.ValidateAgainstSchema(context.Background(), "no-such-schema", struct{}{}); err == nil {
		t.Fatal("unknown schema names should fail")
	}
}

func TestValidateStorageSection(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	if err := sr.ValidateAgainstSchema(ctx, "storage", StorageConfig{Backend: "memory"}); err != nil {
		t.Fatalf("memory backend rejected: %v", err)
	}
	if err := sr.ValidateAgainstSchema(ctx, "storage", StorageConfig{Backend: "postgres"}); err == nil {
		t.Fatal("unknown backend accepted")
	}
}

func TestValidateConfigCatchesBadSections(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	cfg := DefaultConfig()
	if err := sr.ValidateConfig(ctx, cfg); err != nil {
		t.Fatalf("default config rejected: %v", err)
	}

	cfg.Resolver.Strategy = "vote"
	if err := sr.ValidateConfig(ctx, cfg); err == nil {
		t.Fatal("unknown strategy accepted")
	}
}
