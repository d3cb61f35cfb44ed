package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDelay debounces bursts of file events into one reload.
const reloadDelay = 500 * time.Millisecond

// Loader reads operator policies from .rego files and JSON definitions.
// Every load reads from disk.
type Loader struct {
	logger zerolog.Logger
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
	}
}

// definition is the JSON form of an operator policy. The Rego source is
// either inline or in a file relative to the definition.
type definition struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
	Enabled     *bool    `json:"enabled"`
	Rego        string   `json:"rego"`
	RegoFile    string   `json:"regoFile"`
}

// LoadFromPaths loads policies from files and directories. A path that
// does not exist fails the load; unreadable files inside a directory are
// skipped.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var policies []Policy

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}

		if info.IsDir() {
			loaded, err := l.loadFromDirectory(path)
			if err != nil {
				return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
			}
			policies = append(policies, loaded...)
			continue
		}

		p, err := l.loadFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		policies = append(policies, *p)
	}

	l.logger.Info().
		Int("total", len(policies)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")

	return policies, nil
}

func (l *Loader) loadFromDirectory(dir string) ([]Policy, error) {
	var policies []Policy

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(path) {
			return nil
		}

		p, err := l.loadFromFile(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Skipping policy file")
			return nil
		}
		policies = append(policies, *p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	return policies, nil
}

func isPolicyFile(path string) bool {
	switch filepath.Ext(path) {
	case ".rego", ".json":
		return true
	}
	return false
}

func (l *Loader) loadFromFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var p *Policy
	switch filepath.Ext(path) {
	case ".rego":
		p = regoPolicy(path, data)
	case ".json":
		if p, err = jsonPolicy(path, data); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}

	l.logger.Debug().
		Str("path", path).
		Str("policy", p.Name).
		Str("severity", string(p.Severity)).
		Msg("Policy loaded from file")

	return p, nil
}

// regoPolicy names a bare .rego file after itself and blocks on violation.
// A leading comment block becomes the description.
func regoPolicy(path string, data []byte) *Policy {
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: extractDescription(string(data)),
		Rego:        string(data),
		Severity:    SeverityError,
		Enabled:     true,
		Source:      path,
		UpdatedAt:   time.Now(),
	}
}

func jsonPolicy(path string, data []byte) (*Policy, error) {
	var def definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}

	if def.Name == "" {
		def.Name = strings.TrimSuffix(filepath.Base(path), ".json")
	}

	rego := def.Rego
	if def.RegoFile != "" {
		if rego != "" {
			return nil, fmt.Errorf("policy %s sets both rego and regoFile", def.Name)
		}
		src := def.RegoFile
		if !filepath.IsAbs(src) {
			src = filepath.Join(filepath.Dir(path), src)
		}
		b, err := os.ReadFile(src)
		if err != nil {
			return nil, fmt.Errorf("policy %s: failed to read rego file: %w", def.Name, err)
		}
		rego = string(b)
	}
	if strings.TrimSpace(rego) == "" {
		return nil, fmt.Errorf("policy %s has no rego", def.Name)
	}

	switch def.Severity {
	case "":
		def.Severity = SeverityError
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
	default:
		return nil, fmt.Errorf("policy %s has unknown severity %q", def.Name, def.Severity)
	}

	description := def.Description
	if description == "" {
		description = extractDescription(rego)
	}

	return &Policy{
		Name:        def.Name,
		Description: description,
		Rego:        rego,
		Severity:    def.Severity,
		Enabled:     def.Enabled == nil || *def.Enabled,
		Source:      path,
		UpdatedAt:   time.Now(),
	}, nil
}

// extractDescription joins the leading comment lines of a Rego module.
func extractDescription(content string) string {
	var lines []string

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			if trimmed != "" {
				break
			}
			continue
		}
		if comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#")); comment != "" {
			lines = append(lines, comment)
		}
	}

	return strings.Join(lines, " ")
}

// Watch reloads every path on change and hands the full set to reloadFn.
// It returns once the watcher is running; watching stops when ctx is done.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, path := range paths {
		if err := addWatch(watcher, path); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch policy path")
		}
	}

	go l.processEvents(ctx, watcher, paths, reloadFn)

	l.logger.Info().
		Int("paths", len(paths)).
		Msg("Started watching policy paths")

	return nil
}

// addWatch watches a file, or a directory and all its subdirectories.
func addWatch(watcher *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return watcher.Add(path)
	}

	return filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(p)
		}
		return nil
	})
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reloadFn func([]Policy) error) {
	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
		_ = watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 || !isPolicyFile(event.Name) {
				continue
			}

			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
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
		return err
	}
	if err := reloadFn(policies); err != nil {
		return fmt.Errorf("failed to apply reloaded policies: %w", err)
	}
	return nil
}
