package config

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Actions carried on change events.
const (
	ActionCreate = "create"
	ActionModify = "modify"
	ActionDelete = "delete"
)

// writeSettleDelay gives an editor or deploy script time to finish writing
// before we read the file.
const writeSettleDelay = 50 * time.Millisecond

// Event is delivered to handlers when a watched config file changes.
type Event struct {
	File      string                 `json:"file"`
	Path      string                 `json:"path"`
	Action    string                 `json:"action"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// Handler reacts to a config file change. Handlers run on their own
// goroutines so a slow one cannot stall the watch loop.
type Handler func(event Event) error

// Validator vets a parsed file before it is stored or dispatched.
type Validator func(data map[string]interface{}) error

// PolicyHandler reacts to .rego changes under the policy directory.
type PolicyHandler func(path string) error

// Manager watches the config directory, and the policy directory when one
// is set, and hot-reloads files as they change. fsnotify drives it; an
// optional modtime poll covers filesystems where inotify is unreliable.
type Manager struct {
	configDir string
	policyDir string
	logger    *zap.Logger
	watcher   *fsnotify.Watcher

	mu             sync.RWMutex
	configs        map[string]map[string]interface{}
	handlers       map[string][]Handler
	validators     map[string]Validator
	policyHandlers []PolicyHandler
	modTimes       map[string]time.Time
	started        bool

	pollInterval time.Duration
	stopCh       chan struct{}
}

// NewManager builds a Manager for configDir. policyDir may be empty when
// the deployment runs without a policy engine.
func NewManager(configDir, policyDir string, logger *zap.Logger) (*Manager, error) {
	if configDir == "" {
		return nil, fmt.Errorf("config directory cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("create config directory: %w", err)
	}
	if policyDir != "" {
		if err := os.MkdirAll(policyDir, 0o755); err != nil {
			return nil, fmt.Errorf("create policy directory: %w", err)
		}
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	return &Manager{
		configDir:  configDir,
		policyDir:  policyDir,
		logger:     logger,
		watcher:    watcher,
		configs:    make(map[string]map[string]interface{}),
		handlers:   make(map[string][]Handler),
		validators: make(map[string]Validator),
		modTimes:   make(map[string]time.Time),
		stopCh:     make(chan struct{}),
	}, nil
}

// EnablePolling turns on the modtime poll. Call before Start.
func (m *Manager) EnablePolling(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pollInterval = interval
}

// Start loads every file in the config directory and begins watching.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	polling := m.pollInterval > 0
	m.mu.Unlock()

	if err := m.watcher.Add(m.configDir); err != nil {
		return fmt.Errorf("watch %s: %w", m.configDir, err)
	}
	// fsnotify watches are not recursive, so the policy directory needs
	// its own entry even when it sits under the config directory.
	if m.policyDir != "" {
		if err := m.watcher.Add(m.policyDir); err != nil {
			return fmt.Errorf("watch %s: %w", m.policyDir, err)
		}
	}

	if err := m.loadAll(); err != nil {
		return fmt.Errorf("load initial configs: %w", err)
	}
	// Record the mtimes of policies present at startup so the poll only
	// fires for later edits.
	m.primePolicyModTimes()

	go m.watchLoop()
	if polling {
		go m.pollLoop()
	}

	m.mu.RLock()
	loaded := len(m.configs)
	m.mu.RUnlock()
	m.logger.Info("config manager started",
		zap.String("config_dir", m.configDir),
		zap.String("policy_dir", m.policyDir),
		zap.Int("loaded", loaded),
		zap.Bool("polling", polling),
	)
	return nil
}

// Stop ends the watch. Safe to call more than once.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	m.started = false
	close(m.stopCh)
	if err := m.watcher.Close(); err != nil {
		m.logger.Error("close file watcher", zap.Error(err))
	}
	m.logger.Info("config manager stopped")
}

// RegisterHandler subscribes to changes of one file, by base name.
func (m *Manager) RegisterHandler(file string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[file] = append(m.handlers[file], h)
}

// RegisterValidator installs the gate a file must pass before a change is
// stored or dispatched.
func (m *Manager) RegisterValidator(file string, v Validator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validators[file] = v
}

// RegisterPolicyHandler subscribes to .rego changes.
func (m *Manager) RegisterPolicyHandler(h PolicyHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policyHandlers = append(m.policyHandlers, h)
}

// Get returns a copy of the stored data for one file.
func (m *Manager) Get(file string) (map[string]interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.configs[file]
	if !ok {
		return nil, false
	}
	return copyMap(data), true
}

// Reload re-reads one file from disk, bypassing the watcher.
func (m *Manager) Reload(file string) error {
	return m.loadFile(filepath.Join(m.configDir, file), ActionModify)
}

// Set stores a config programmatically and dispatches it like a file
// change. Tests and admin endpoints use it.
func (m *Manager) Set(file string, data map[string]interface{}) error {
	m.mu.RLock()
	validator := m.validators[file]
	m.mu.RUnlock()
	if validator != nil {
		if err := validator(data); err != nil {
			return fmt.Errorf("validate %s: %w", file, err)
		}
	}

	stored := copyMap(data)
	m.mu.Lock()
	action := ActionModify
	if _, ok := m.configs[file]; !ok {
		action = ActionCreate
	}
	m.configs[file] = stored
	handlers := append([]Handler(nil), m.handlers[file]...)
	m.mu.Unlock()

	m.dispatch(handlers, Event{
		File:      file,
		Action:    action,
		Data:      copyMap(stored),
		Timestamp: time.Now(),
	})
	return nil
}

func (m *Manager) watchLoop() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("config watch loop panicked", zap.Any("panic", r))
		}
	}()
	for {
		select {
		case <-m.stopCh:
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleFSEvent(ev)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("config watcher error", zap.Error(err))
		}
	}
}

func (m *Manager) handleFSEvent(ev fsnotify.Event) {
	isConfig := isConfigFile(ev.Name) && filepath.Dir(ev.Name) == filepath.Clean(m.configDir)
	isPolicy := isPolicyFile(ev.Name)
	if !isConfig && !isPolicy {
		return
	}

	var action string
	switch {
	case ev.Op&fsnotify.Create != 0:
		action = ActionCreate
	case ev.Op&fsnotify.Write != 0:
		action = ActionModify
	case ev.Op&fsnotify.Remove != 0, ev.Op&fsnotify.Rename != 0:
		action = ActionDelete
	default:
		// Chmod and friends carry no content change.
		return
	}

	if action == ActionDelete {
		if isConfig {
			m.handleRemoval(filepath.Base(ev.Name))
		}
		if isPolicy {
			// Remaining policies may reference the deleted file, so a
			// reload is still due.
			m.firePolicyHandlers(ev.Name)
		}
		return
	}

	time.Sleep(writeSettleDelay)
	if isConfig {
		if err := m.loadFile(ev.Name, action); err != nil {
			m.logger.Error("reload config file",
				zap.String("file", filepath.Base(ev.Name)),
				zap.Error(err),
			)
		}
	}
	if isPolicy {
		m.firePolicyHandlers(ev.Name)
	}
}

func (m *Manager) pollLoop() {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkModTimes()
		}
	}
}

// checkModTimes is the poll fallback: reload any config file whose mtime
// advanced, and fire policy handlers for changed .rego files.
func (m *Manager) checkModTimes() {
	walk := func(dir string, policy bool) {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if policy && !isPolicyFile(path) {
				return nil
			}
			if !policy && !isConfigFile(path) {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			m.mu.RLock()
			last := m.modTimes[path]
			m.mu.RUnlock()
			if !info.ModTime().After(last) {
				return nil
			}
			if policy {
				m.mu.Lock()
				m.modTimes[path] = info.ModTime()
				m.mu.Unlock()
				m.firePolicyHandlers(path)
				return nil
			}
			return m.loadFile(path, ActionModify)
		})
		if err != nil {
			m.logger.Error("config poll failed", zap.String("dir", dir), zap.Error(err))
		}
	}
	walk(m.configDir, false)
	if m.policyDir != "" {
		walk(m.policyDir, true)
	}
}

func (m *Manager) primePolicyModTimes() {
	if m.policyDir == "" {
		return
	}
	_ = filepath.WalkDir(m.policyDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !isPolicyFile(path) {
			return nil
		}
		if info, statErr := d.Info(); statErr == nil {
			m.mu.Lock()
			m.modTimes[path] = info.ModTime()
			m.mu.Unlock()
		}
		return nil
	})
}

func (m *Manager) loadAll() error {
	return filepath.WalkDir(m.configDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isConfigFile(path) {
			return nil
		}
		if filepath.Dir(path) != filepath.Clean(m.configDir) {
			return nil
		}
		return m.loadFile(path, ActionCreate)
	})
}

func (m *Manager) loadFile(path, action string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	data, err := parseConfig(raw, path)
	if err != nil {
		return err
	}

	file := filepath.Base(path)
	m.mu.RLock()
	validator := m.validators[file]
	m.mu.RUnlock()
	if validator != nil {
		if err := validator(data); err != nil {
			return fmt.Errorf("validate %s: %w", file, err)
		}
	}

	m.mu.Lock()
	if _, ok := m.configs[file]; !ok {
		action = ActionCreate
	}
	m.configs[file] = data
	if info, statErr := os.Stat(path); statErr == nil {
		m.modTimes[path] = info.ModTime()
	}
	handlers := append([]Handler(nil), m.handlers[file]...)
	m.mu.Unlock()

	m.dispatch(handlers, Event{
		File:      file,
		Path:      path,
		Action:    action,
		Data:      copyMap(data),
		Timestamp: time.Now(),
	})
	m.logger.Info("configuration loaded",
		zap.String("file", file),
		zap.String("action", action),
		zap.Int("keys", len(data)),
	)
	return nil
}

func (m *Manager) handleRemoval(file string) {
	m.mu.Lock()
	last, ok := m.configs[file]
	delete(m.configs, file)
	handlers := append([]Handler(nil), m.handlers[file]...)
	m.mu.Unlock()
	if !ok {
		return
	}

	m.dispatch(handlers, Event{
		File:      file,
		Action:    ActionDelete,
		Data:      copyMap(last),
		Timestamp: time.Now(),
	})
	m.logger.Info("configuration file removed", zap.String("file", file))
}

// dispatch runs handlers asynchronously so a handler that calls back into
// the manager cannot deadlock the watch loop.
func (m *Manager) dispatch(handlers []Handler, ev Event) {
	for _, h := range handlers {
		h := h
		go func() {
			if err := h(ev); err != nil {
				m.logger.Error("config handler failed",
					zap.String("file", ev.File),
					zap.String("action", ev.Action),
					zap.Error(err),
				)
			}
		}()
	}
}

func (m *Manager) firePolicyHandlers(path string) {
	m.mu.RLock()
	handlers := append([]PolicyHandler(nil), m.policyHandlers...)
	m.mu.RUnlock()
	if len(handlers) == 0 {
		return
	}
	m.logger.Info("policy file changed, reloading", zap.String("path", path))
	for _, h := range handlers {
		h := h
		go func() {
			if err := h(path); err != nil {
				m.logger.Error("policy reload failed",
					zap.String("path", path),
					zap.Error(err),
				)
			}
		}()
	}
}

func parseConfig(raw []byte, path string) (map[string]interface{}, error) {
	data := make(map[string]interface{})
	switch filepath.Ext(path) {
	case ".json":
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("parse JSON %s: %w", filepath.Base(path), err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("parse YAML %s: %w", filepath.Base(path), err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", filepath.Base(path))
	}
	return data, nil
}

func isConfigFile(path string) bool {
	switch filepath.Ext(path) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// copyMap is a shallow copy; handlers must not mutate nested values.
func copyMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func isPolicyFile(path string) bool {
	return filepath.Ext(path) == ".rego"
}
