package policy

import (
	"bufio"
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
	"gopkg.in/yaml.v3"
)

// reloadDelay debounces bursts of file events into one reload.
const reloadDelay = 500 * time.Millisecond

const bundleSuffix = ".bundle.json"

// Loader reads policies from .rego, .json and .yaml files, and bundles of
// policies from .bundle.json files.
//
// A .rego file becomes one policy named after the file. Leading comment
// lines form its description, except `# severity: <level>` and
// `# tags: a, b` which set those fields.
type Loader struct {
	logger zerolog.Logger

	mu    sync.RWMutex
	cache map[string]*Policy

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]*Policy),
	}
}

// LoadFromPaths loads policies from a list of file or directory paths.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var all []Policy

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		policies, err := l.loadFromPath(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		all = append(all, policies...)
	}

	l.logger.Debug().
		Int("total", len(all)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")

	return all, nil
}

func (l *Loader) loadFromPath(path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}

	if !info.IsDir() {
		return l.loadPath(path)
	}

	var policies []Policy
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(p) {
			return nil
		}

		loaded, err := l.loadPath(p)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", p).Msg("Failed to load policy file")
			return nil
		}
		policies = append(policies, loaded...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	return policies, nil
}

// loadPath loads one file: a bundle when it is named *.bundle.json, a single
// policy otherwise.
func (l *Loader) loadPath(path string) ([]Policy, error) {
	if strings.HasSuffix(path, bundleSuffix) {
		bundle, err := l.LoadBundle(path)
		if err != nil {
			return nil, err
		}
		return bundle.Policies, nil
	}
	policy, err := l.loadFromFile(path)
	if err != nil {
		return nil, err
	}
	return []Policy{*policy}, nil
}

func isPolicyFile(path string) bool {
	switch filepath.Ext(path) {
	case ".rego", ".json", ".yaml", ".yml":
		return true
	}
	return false
}

func (l *Loader) loadFromFile(path string) (*Policy, error) {
	l.mu.RLock()
	cached, ok := l.cache[path]
	l.mu.RUnlock()
	if ok {
		return cached, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var policy *Policy
	switch filepath.Ext(path) {
	case ".rego":
		policy = parseRego(path, data)
	case ".json":
		policy, err = parseDocument(data, json.Unmarshal)
	case ".yaml", ".yml":
		policy, err = parseDocument(data, yaml.Unmarshal)
	default:
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if policy.Metadata == nil {
		policy.Metadata = map[string]interface{}{}
	}
	policy.Metadata["source"] = path

	l.mu.Lock()
	l.cache[path] = policy
	l.mu.Unlock()

	l.logger.Debug().
		Str("path", path).
		Str("policy", policy.Name).
		Msg("Policy loaded from file")

	return policy, nil
}

func parseRego(path string, data []byte) *Policy {
	now := time.Now()
	p := &Policy{
		Name:      strings.TrimSuffix(filepath.Base(path), ".rego"),
		Rego:      string(data),
		Severity:  SeverityWarning,
		Enabled:   true,
		Tags:      []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	var description []string
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			if len(description) > 0 {
				break
			}
			continue
		}
		if !strings.HasPrefix(line, "#") {
			break
		}
		comment := strings.TrimSpace(strings.TrimPrefix(line, "#"))
		switch {
		case strings.HasPrefix(comment, "severity:"):
			p.Severity = Severity(strings.TrimSpace(strings.TrimPrefix(comment, "severity:")))
		case strings.HasPrefix(comment, "tags:"):
			for _, tag := range strings.Split(strings.TrimPrefix(comment, "tags:"), ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					p.Tags = append(p.Tags, tag)
				}
			}
		case comment != "":
			description = append(description, comment)
		}
	}
	p.Description = strings.Join(description, " ")
	return p
}

// parseDocument decodes a JSON or YAML policy definition.
func parseDocument(data []byte, unmarshal func([]byte, interface{}) error) (*Policy, error) {
	var doc struct {
		Name        string                 `json:"name" yaml:"name"`
		Description string                 `json:"description" yaml:"description"`
		Rego        string                 `json:"rego" yaml:"rego"`
		Severity    Severity               `json:"severity" yaml:"severity"`
		Enabled     *bool                  `json:"enabled" yaml:"enabled"`
		Tags        []string               `json:"tags" yaml:"tags"`
		Metadata    map[string]interface{} `json:"metadata" yaml:"metadata"`
	}
	if err := unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if doc.Name == "" {
		return nil, fmt.Errorf("policy has no name")
	}
	if doc.Rego == "" {
		return nil, fmt.Errorf("policy %s has no rego", doc.Name)
	}

	now := time.Now()
	p := &Policy{
		Name:        doc.Name,
		Description: doc.Description,
		Rego:        doc.Rego,
		Severity:    doc.Severity,
		Enabled:     doc.Enabled == nil || *doc.Enabled,
		Tags:        doc.Tags,
		Metadata:    doc.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	return p, nil
}

// LoadBundle loads a JSON policy bundle. Each policy is tagged with the
// bundle's source, name and version in its metadata; a policy without a
// severity defaults to warning.
func (l *Loader) LoadBundle(bundlePath string) (*Bundle, error) {
	data, err := os.ReadFile(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle: %w", err)
	}

	var bundle Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("failed to parse bundle: %w", err)
	}
	for i := range bundle.Policies {
		p := &bundle.Policies[i]
		if p.Name == "" || p.Rego == "" {
			return nil, fmt.Errorf("bundle %s: policy %d needs a name and rego", bundle.Name, i)
		}
		if p.Severity == "" {
			p.Severity = SeverityWarning
		}
		if p.Metadata == nil {
			p.Metadata = map[string]interface{}{}
		}
		p.Metadata["source"] = bundlePath
		p.Metadata["bundle"] = bundle.Name + "@" + bundle.Version
	}

	l.logger.Info().
		Str("bundle", bundle.Name).
		Str("version", bundle.Version).
		Int("policies", len(bundle.Policies)).
		Msg("Policy bundle loaded")

	return &bundle, nil
}

// Watch reloads the policies under paths whenever one of their files
// changes and hands the full set to reloadFn. It returns once the watcher
// is installed; watching ends with ctx or StopWatching.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to stat path for watching")
			continue
		}
		if !info.IsDir() {
			path = filepath.Dir(path)
		}
		err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return watcher.Add(p)
			}
			return nil
		})
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch directory")
		}
	}

	l.watchMu.Lock()
	if l.watcher != nil {
		_ = l.watcher.Close()
	}
	l.watcher = watcher
	l.watchMu.Unlock()

	go l.processEvents(ctx, watcher, paths, reloadFn)

	l.logger.Info().
		Int("paths", len(paths)).
		Msg("Started watching policy paths")

	return nil
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reloadFn func([]Policy) error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isPolicyFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy file changed")

			l.mu.Lock()
			delete(l.cache, event.Name)
			l.mu.Unlock()

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDelay, func() {
				if err := l.reload(ctx, paths, reloadFn); err != nil {
					l.logger.Error().Err(err).Msg("Failed to reload policies")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
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

	l.logger.Info().
		Int("count", len(policies)).
		Msg("Policies reloaded")
	return nil
}

// StopWatching stops watching for file changes.
func (l *Loader) StopWatching() error {
	l.watchMu.Lock()
	defer l.watchMu.Unlock()
	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	l.watcher = nil
	return err
}
