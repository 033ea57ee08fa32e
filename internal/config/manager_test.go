package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestManagerLoadsAndWatches(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ravint.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o644))

	mgr, err := NewManager(dir, "", zaptest.NewLogger(t))
	require.NoError(t, err)
	mgr.EnablePolling(25 * time.Millisecond)

	var mu sync.Mutex
	var actions []string
	mgr.RegisterHandler("ravint.yaml", func(ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		actions = append(actions, ev.Action)
		return nil
	})

	require.NoError(t, mgr.Start())
	defer mgr.Stop()

	data, ok := mgr.Get("ravint.yaml")
	require.True(t, ok)
	logging, ok := data["logging"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "info", logging["level"])

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o644))

	require.Eventually(t, func() bool {
		d, ok := mgr.Get("ravint.yaml")
		if !ok {
			return false
		}
		l, _ := d["logging"].(map[string]interface{})
		return l != nil && l["level"] == "debug"
	}, 3*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(actions) >= 2
	}, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, actions, ActionCreate)
	assert.Contains(t, actions, ActionModify)
}

func TestSetValidatesBeforeStoring(t *testing.T) {
	mgr, err := NewManager(t.TempDir(), "", zaptest.NewLogger(t))
	require.NoError(t, err)

	mgr.RegisterValidator("ravint.yaml", func(data map[string]interface{}) error {
		if broken, _ := data["broken"].(bool); broken {
			return fmt.Errorf("broken config")
		}
		return nil
	})

	err = mgr.Set("ravint.yaml", map[string]interface{}{"broken": true})
	require.Error(t, err)
	_, ok := mgr.Get("ravint.yaml")
	assert.False(t, ok)

	require.NoError(t, mgr.Set("ravint.yaml", map[string]interface{}{"broken": false}))
	_, ok = mgr.Get("ravint.yaml")
	assert.True(t, ok)
}

func TestPolicyChangeTriggersHandlers(t *testing.T) {
	dir := t.TempDir()
	policyDir := filepath.Join(dir, "policies")

	mgr, err := NewManager(dir, policyDir, zaptest.NewLogger(t))
	require.NoError(t, err)
	mgr.EnablePolling(25 * time.Millisecond)

	var reloads atomic.Int32
	mgr.RegisterPolicyHandler(func(path string) error {
		reloads.Add(1)
		return nil
	})

	require.NoError(t, mgr.Start())
	defer mgr.Stop()

	rego := filepath.Join(policyDir, "agents.rego")
	require.NoError(t, os.WriteFile(rego, []byte("package ravint.agents\n"), 0o644))

	require.Eventually(t, func() bool {
		return reloads.Load() >= 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestRuntimeAppliesUpdates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ravint.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  max_attempts: 3\n"), 0o644))

	mgr, err := NewManager(dir, "", zaptest.NewLogger(t))
	require.NoError(t, err)
	mgr.EnablePolling(25 * time.Millisecond)

	base, err := LoadFile(path)
	require.NoError(t, err)
	rt := NewRuntime(mgr, base, "ravint.yaml", zaptest.NewLogger(t))
	rt.Initialize()

	var updates atomic.Int32
	rt.OnUpdate(func(old, next *Config) { updates.Add(1) })

	require.NoError(t, mgr.Start())
	defer mgr.Stop()

	require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  max_attempts: 5\n"), 0o644))

	require.Eventually(t, func() bool {
		return rt.Config().Pipeline.MaxAttempts == 5
	}, 3*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, updates.Load(), int32(1))

	// Sections the file does not mention resolve to their defaults.
	assert.Equal(t, 3, rt.Config().Breaker.FailureThreshold)
}

func TestRuntimeKeepsLastGoodConfigOnInvalidEdit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ravint.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  max_attempts: 4\n"), 0o644))

	mgr, err := NewManager(dir, "", zaptest.NewLogger(t))
	require.NoError(t, err)
	mgr.EnablePolling(25 * time.Millisecond)

	base, err := LoadFile(path)
	require.NoError(t, err)
	rt := NewRuntime(mgr, base, "ravint.yaml", zaptest.NewLogger(t))
	rt.Initialize()

	require.NoError(t, mgr.Start())
	defer mgr.Stop()
	require.Eventually(t, func() bool {
		return rt.Config().Pipeline.MaxAttempts == 4
	}, 3*time.Second, 20*time.Millisecond)

	// max_attempts 0 fails validation before the manager stores it.
	require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  max_attempts: 0\n"), 0o644))
	time.Sleep(200 * time.Millisecond)

	assert.Equal(t, 4, rt.Config().Pipeline.MaxAttempts)
	data, ok := mgr.Get("ravint.yaml")
	require.True(t, ok)
	pipeline, ok := data["pipeline"].(map[string]interface{})
	require.True(t, ok)
	attempts, _ := numberValue(pipeline["max_attempts"])
	assert.Equal(t, float64(4), attempts)
}
