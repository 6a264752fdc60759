package navigation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/gatehouse/pkg/observability"
)

// document is the on-disk layout of a navigation file
type document struct {
	Groups []Group `yaml:"groups"`
}

// FileSource serves a navigation tree read from a YAML file
type FileSource struct {
	path   string
	logger *observability.Logger

	mu     sync.RWMutex
	groups []Group
}

// NewFileSource loads path. The file must parse; later reloads that fail
// keep the previous tree.
func NewFileSource(path string, logger *observability.Logger) (*FileSource, error) {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	s := &FileSource{path: path, logger: logger}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Groups returns the current tree
func (s *FileSource) Groups(context.Context) ([]Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.groups, nil
}

// Reload re-reads the file
func (s *FileSource) Reload() error {
	groups, err := loadFile(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.groups = groups
	s.mu.Unlock()
	return nil
}

func loadFile(path string) ([]Group, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read navigation file: %w", err)
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse navigation file: %w", err)
	}
	if err := validate(doc.Groups); err != nil {
		return nil, err
	}
	return doc.Groups, nil
}

func validate(groups []Group) error {
	for _, g := range groups {
		if g.ID == "" {
			return fmt.Errorf("navigation group %q has no id", g.Label)
		}
		if err := validate(g.Groups); err != nil {
			return err
		}
	}
	return nil
}

// Watch reloads the file whenever it changes until ctx is done. The
// directory is watched so that editors replacing the file are seen.
func (s *FileSource) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", s.path, err)
	}

	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.Reload(); err != nil {
				s.logger.WithError(err).Warn("Keeping previous navigation tree")
				continue
			}
			s.logger.WithField("path", s.path).Info("Navigation tree reloaded")

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.WithError(err).Warn("Navigation watcher error")
		}
	}
}
