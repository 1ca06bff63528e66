package resolver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/driftdb/driftdb/pkg/engine"
)

// ResolverManifest describes an external resolver binary. Manifests are
// the unit of trust for spawned resolvers: the binary's checksum is
// verified before the process starts.
type ResolverManifest struct {
	// Name identifies the resolver.
	Name string `yaml:"name" validate:"required"`

	// Version is the resolver's version string.
	Version string `yaml:"version" validate:"required"`

	// Command is the path of the resolver binary.
	Command string `yaml:"command" validate:"required"`

	// Args are passed to the binary on every spawn.
	Args []string `yaml:"args,omitempty"`

	// Checksum is the hex SHA-256 of the binary.
	Checksum string `yaml:"checksum" validate:"required,len=64,hexadecimal"`

	// Capabilities lists what the resolver can do, for operators.
	Capabilities []string `yaml:"capabilities,omitempty"`
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(fs afero.Fs, path string) (*ResolverManifest, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m ResolverManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	if err := validator.New().Struct(&m); err != nil {
		return nil, fmt.Errorf("manifest %s validation failed: %w", path, err)
	}
	return &m, nil
}

// VerifyChecksum hashes the binary and compares it to the manifest.
func (m *ResolverManifest) VerifyChecksum(fs afero.Fs) error {
	f, err := fs.Open(m.Command)
	if err != nil {
		return fmt.Errorf("failed to open resolver binary: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("failed to hash resolver binary: %w", err)
	}
	sum := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(sum, m.Checksum) {
		return engine.NewPermanentError(
			fmt.Sprintf("resolver binary %s does not match its manifest checksum", m.Command), nil).
			WithCode(engine.ErrCodeResolverFailed).
			WithDetail("want", strings.ToLower(m.Checksum)).
			WithDetail("got", sum)
	}
	return nil
}

// SpawnFromManifest verifies the manifest's binary and spawns it.
// The fs is used for verification only; the binary itself runs from the
// OS filesystem.
func SpawnFromManifest(ctx context.Context, fs afero.Fs, m *ResolverManifest, logger zerolog.Logger) (*WireSession, error) {
	if err := m.VerifyChecksum(fs); err != nil {
		return nil, err
	}
	logger.Info().
		Str("resolver", m.Name).
		Str("version", m.Version).
		Msg("resolver binary verified")
	return Spawn(ctx, m.Command, m.Args, logger)
}
