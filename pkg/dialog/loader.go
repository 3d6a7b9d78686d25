package dialog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Compiled is a dialog ready to serve turns: its definition and the registry
// of states built from it.
type Compiled struct {
	Name         string
	InitialState string
	Variables    map[string]string
	Registry     *Registry
}

// Loader loads and optionally hot-reloads dialog definitions from YAML files.
// Dialogs built in Go can be added with Register and survive reloads.
type Loader struct {
	dir    string
	runner *ActionRunner

	mu      sync.RWMutex
	dialogs map[string]*Compiled
	static  map[string]*Compiled
}

// NewLoader creates a new dialog loader for the given directory.
func NewLoader(dir string, runner *ActionRunner) *Loader {
	if runner == nil {
		runner = NewActionRunner(nil)
	}
	return &Loader{
		dir:     dir,
		runner:  runner,
		dialogs: make(map[string]*Compiled),
		static:  make(map[string]*Compiled),
	}
}

// Register adds a dialog whose states were registered in code.
func (l *Loader) Register(name, initialState string, reg *Registry) error {
	if !reg.Exists(initialState) {
		return fmt.Errorf("dialog %q: %w", name, &UnknownStateError{Name: initialState})
	}
	c := &Compiled{Name: name, InitialState: initialState, Registry: reg}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.static[name] = c
	l.dialogs[name] = c
	return nil
}

// LoadAll loads all .yaml and .yml files from the configured directory.
// On error the previously loaded set stays active.
func (l *Loader) LoadAll() (map[string]*Compiled, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read dialog dir %q: %w", l.dir, err)
	}

	result := make(map[string]*Compiled)
	for _, entry := range entries {
		if entry.IsDir() || !isDialogFile(entry.Name()) {
			continue
		}

		path := filepath.Join(l.dir, entry.Name())
		c, err := l.loadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load %q: %w", path, err)
		}
		if _, dup := result[c.Name]; dup {
			return nil, fmt.Errorf("load %q: dialog %q defined twice", path, c.Name)
		}
		result[c.Name] = c
	}

	l.mu.Lock()
	for name, c := range l.static {
		result[name] = c
	}
	l.dialogs = result
	l.mu.Unlock()

	return l.All(), nil
}

// Get returns a loaded dialog by name.
func (l *Loader) Get(name string) (*Compiled, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.dialogs[name]
	return c, ok
}

// All returns all loaded dialogs.
func (l *Loader) All() map[string]*Compiled {
	l.mu.RLock()
	defer l.mu.RUnlock()
	result := make(map[string]*Compiled, len(l.dialogs))
	for k, v := range l.dialogs {
		result[k] = v
	}
	return result
}

// Parse decodes and compiles a dialog from YAML.
func (l *Loader) Parse(data []byte, fallbackName string) (*Compiled, error) {
	var d Dialog
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}
	if d.Name == "" {
		d.Name = fallbackName
	}

	reg, err := l.runner.Compile(&d)
	if err != nil {
		return nil, err
	}
	return &Compiled{
		Name:         d.Name,
		InitialState: d.InitialState,
		Variables:    d.Variables,
		Registry:     reg,
	}, nil
}

func (l *Loader) loadFile(path string) (*Compiled, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return l.Parse(data, filepath.Base(path))
}

func isDialogFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}

// reloadDebounce coalesces the burst of events editors emit for one save.
const reloadDebounce = 250 * time.Millisecond

// WatchAndReload reloads the dialog directory whenever a dialog file changes,
// until ctx is cancelled. onReload, if set, receives the sorted names of the
// active dialogs after every reload attempt.
func (l *Loader) WatchAndReload(ctx context.Context, onReload func(names []string, err error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("watch dir %q: %w", l.dir, err)
	}

	timer := time.NewTimer(reloadDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if isDialogFile(event.Name) && event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				timer.Reset(reloadDebounce)
			}

		case <-timer.C:
			_, err := l.LoadAll()
			if err != nil {
				slog.WarnContext(ctx, "dialog reload failed, keeping previous set",
					slog.String("dir", l.dir), slog.String("error", err.Error()))
			}
			if onReload != nil {
				onReload(l.names(), err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.WarnContext(ctx, "dialog watcher error", slog.String("error", err.Error()))
		}
	}
}

func (l *Loader) names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.dialogs))
	for n := range l.dialogs {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}
