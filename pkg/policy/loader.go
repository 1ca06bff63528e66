package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// Loader reads merge policies from files. Plain .rego files become
// enabled policies named after the file; .json files carry the full
// Policy document.
type Loader struct {
	fs      afero.Fs
	logger  zerolog.Logger
	mu      sync.RWMutex
	cache   map[string]*Policy
	watcher *fsnotify.Watcher
}

// NewLoader creates a loader over the OS filesystem.
func NewLoader(logger zerolog.Logger) *Loader {
	return NewLoaderWithFs(afero.NewOsFs(), logger)
}

// NewLoaderWithFs creates a loader over fs. Watching still observes the
// OS filesystem; use it only with the OS-backed loader.
func NewLoaderWithFs(fs afero.Fs, logger zerolog.Logger) *Loader {
	return &Loader{
		fs:     fs,
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]*Policy),
	}
}

// LoadFromPaths loads policies from a list of file or directory paths.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var allPolicies []Policy

	for _, path := range paths {
		policies, err := l.loadFromPath(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		allPolicies = append(allPolicies, policies...)
	}

	l.logger.Info().
		Int("total", len(allPolicies)).
		Int("sources", len(paths)).
		Msg("policies loaded")
	return allPolicies, nil
}

func (l *Loader) loadFromPath(ctx context.Context, path string) ([]Policy, error) {
	info, err := l.fs.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}

	if info.IsDir() {
		return l.loadFromDirectory(ctx, path)
	}

	policy, err := l.loadFromFile(path)
	if err != nil {
		return nil, err
	}
	return []Policy{*policy}, nil
}

// loadFromDirectory loads all .rego and .json files from a directory
// recursively. Files that fail to load are skipped with a warning so
// one bad file cannot take the whole policy set down.
func (l *Loader) loadFromDirectory(_ context.Context, dirPath string) ([]Policy, error) {
	var policies []Policy

	err := afero.Walk(l.fs, dirPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if !strings.HasSuffix(path, ".rego") && !strings.HasSuffix(path, ".json") {
			return nil
		}

		policy, err := l.loadFromFile(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("skipping unreadable policy file")
			return nil
		}
		policies = append(policies, *policy)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	return policies, nil
}

func (l *Loader) loadFromFile(filePath string) (*Policy, error) {
	l.mu.RLock()
	if cached, exists := l.cache[filePath]; exists {
		l.mu.RUnlock()
		return cached, nil
	}
	l.mu.RUnlock()

	data, err := afero.ReadFile(l.fs, filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var policy *Policy
	switch {
	case strings.HasSuffix(filePath, ".rego"):
		policy = l.parseRegoFile(filePath, data)
	case strings.HasSuffix(filePath, ".json"):
		policy, err = l.parseJSONFile(data)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported file type: %s", filePath)
	}

	l.mu.Lock()
	l.cache[filePath] = policy
	l.mu.Unlock()

	l.logger.Debug().
		Str("path", filePath).
		Str("policy", policy.Name).
		Msg("policy loaded")
	return policy, nil
}

func (l *Loader) parseRegoFile(filePath string, data []byte) *Policy {
	base := filepath.Base(filePath)
	name := strings.TrimSuffix(base, ".rego")

	return &Policy{
		Name:        name,
		Description: l.extractDescription(string(data)),
		Rego:        string(data),
		Enabled:     true,
		Tags:        []string{},
		Metadata: map[string]interface{}{
			"source": filePath,
		},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

func (l *Loader) parseJSONFile(data []byte) (*Policy, error) {
	var policy Policy
	if err := json.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}
	if policy.Name == "" {
		return nil, fmt.Errorf("JSON policy needs a name")
	}
	if policy.CreatedAt.IsZero() {
		policy.CreatedAt = time.Now()
	}
	if policy.UpdatedAt.IsZero() {
		policy.UpdatedAt = time.Now()
	}
	return &policy, nil
}

// extractDescription pulls the leading comment block out of Rego code.
func (l *Loader) extractDescription(content string) string {
	var description strings.Builder

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
			if comment != "" {
				if description.Len() > 0 {
					description.WriteString(" ")
				}
				description.WriteString(comment)
			}
		} else if trimmed != "" {
			break
		}
	}
	return description.String()
}

// Watch reloads policies whenever a watched file changes, pushing the
// fresh set through reloadFn. Events are debounced; a burst of writes
// triggers one reload.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	l.watcher = watcher

	for _, path := range paths {
		info, err := l.fs.Stat(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("cannot watch path")
			continue
		}
		if info.IsDir() {
			if err := l.watchDirectory(path); err != nil {
				l.logger.Warn().Err(err).Str("path", path).Msg("cannot watch directory")
			}
		} else if err := watcher.Add(path); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("cannot watch file")
		}
	}

	go l.processEvents(ctx, paths, reloadFn)

	l.logger.Info().Int("paths", len(paths)).Msg("watching policy paths")
	return nil
}

func (l *Loader) watchDirectory(dirPath string) error {
	return afero.Walk(l.fs, dirPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return l.watcher.Add(path)
		}
		return nil
	})
}

func (l *Loader) processEvents(ctx context.Context, paths []string, reloadFn func([]Policy) error) {
	var reloadTimer *time.Timer
	const reloadDelay = 500 * time.Millisecond

	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = l.watcher.Close()
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".rego") && !strings.HasSuffix(event.Name, ".json") {
				continue
			}

			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("policy file changed")

			l.mu.Lock()
			delete(l.cache, event.Name)
			l.mu.Unlock()

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				if err := l.reload(ctx, paths, reloadFn); err != nil {
					l.logger.Error().Err(err).Msg("policy reload failed")
				}
			})

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("watcher error")
		}
	}
}

func (l *Loader) reload(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to reload policies: %w", err)
	}
	if err := reloadFn(policies); err != nil {
		return fmt.Errorf("failed to apply reloaded policies: %w", err)
	}
	l.logger.Info().Int("count", len(policies)).Msg("policies reloaded")
	return nil
}

// StopWatching stops watching for file changes.
func (l *Loader) StopWatching() error {
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

// ClearCache clears the policy cache.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[string]*Policy)
}
