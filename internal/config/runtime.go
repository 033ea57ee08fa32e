package config

import (
	"sync"

	"go.uber.org/zap"
)

// UpdateFunc observes an applied configuration change.
type UpdateFunc func(old, next *Config)

// Runtime gives the rest of the service typed access to the live
// configuration. A Manager feeds it: when the root file changes on disk
// the Runtime re-decodes it, validates it, and swaps the snapshot.
// Invalid edits are rejected and the last good configuration stays live.
type Runtime struct {
	mgr    *Manager
	file   string
	logger *zap.Logger

	mu        sync.RWMutex
	current   *Config
	callbacks []UpdateFunc
}

// NewRuntime wraps mgr for the named root file. base is the configuration
// to serve until the first change lands, usually the Load result.
func NewRuntime(mgr *Manager, base *Config, file string, logger *zap.Logger) *Runtime {
	if base == nil {
		base = Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runtime{mgr: mgr, file: file, logger: logger, current: base}
}

// Initialize registers the validator and change handler with the Manager.
// Call before Manager.Start so the initial load flows through too.
func (r *Runtime) Initialize() {
	r.mgr.RegisterValidator(r.file, ValidateMap)
	r.mgr.RegisterHandler(r.file, r.handleChange)
}

// Config returns the live configuration snapshot.
func (r *Runtime) Config() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp := *r.current
	return &cp
}

// OnUpdate registers a callback invoked after a change is applied.
func (r *Runtime) OnUpdate(fn UpdateFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, fn)
}

func (r *Runtime) handleChange(ev Event) error {
	if ev.Action == ActionDelete {
		r.logger.Warn("config file removed, keeping last known configuration",
			zap.String("file", ev.File))
		return nil
	}
	next, err := FromMap(ev.Data)
	if err != nil {
		return err
	}

	r.mu.Lock()
	old := r.current
	r.current = next
	callbacks := append([]UpdateFunc(nil), r.callbacks...)
	r.mu.Unlock()

	for _, fn := range callbacks {
		fn(old, next)
	}
	r.logger.Info("configuration reloaded",
		zap.String("file", ev.File),
		zap.String("action", ev.Action),
	)
	return nil
}
