// Package plugin hosts the gateway plugins: compiled-in registrations,
// shared-object discovery, lifecycle, and the per-plugin message workers
// that drain asynchronous client messages in order.
package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"plugin"
	"sort"
	"sync"

	"github.com/voxgate/voxgate/internal/gateway/core"
	"github.com/voxgate/voxgate/internal/logger"
)

// Factory builds one plugin instance. Shared objects export it under
// the symbol name "Create"; compiled-in plugins pass it to Register.
type Factory func() core.Plugin

// messageBuffer is the per-plugin queue depth before enqueuers block.
const messageBuffer = 256

type entry struct {
	plugin core.Plugin
	queue  chan InboundMessage
}

// Host owns every loaded plugin and one worker goroutine per plugin.
type Host struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   []string
	started bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewHost creates an empty plugin host.
func NewHost() *Host {
	return &Host{
		entries: make(map[string]*entry),
		stop:    make(chan struct{}),
	}
}

// Register instantiates a plugin through its factory and adds it to the
// host, validating its metadata.
func (h *Host) Register(f Factory) error {
	if f == nil {
		return fmt.Errorf("nil plugin factory")
	}
	p := f()
	if p == nil {
		return fmt.Errorf("plugin factory returned nil")
	}
	pkg := p.Package()
	if pkg == "" || p.Name() == "" {
		return fmt.Errorf("plugin with empty package or name rejected")
	}
	if p.Version() <= 0 {
		return fmt.Errorf("plugin %s has invalid version %d", pkg, p.Version())
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, dup := h.entries[pkg]; dup {
		return fmt.Errorf("plugin %s already registered", pkg)
	}
	h.entries[pkg] = &entry{
		plugin: p,
		queue:  make(chan InboundMessage, messageBuffer),
	}
	h.order = append(h.order, pkg)
	logger.Info("[PluginHost] plugin registered",
		"plugin", pkg, "version", p.VersionString())
	return nil
}

// LoadDir scans a folder for shared-object plugins and registers each
// one through its exported Create symbol. A missing folder is not an
// error; a broken module is skipped with a warning.
func (h *Host) LoadDir(dir string) error {
	if dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Warn("[PluginHost] plugins folder not found", "folder", dir)
		return nil
	}
	modules, err := filepath.Glob(filepath.Join(dir, "*.so"))
	if err != nil {
		return fmt.Errorf("scan plugins folder: %w", err)
	}
	sort.Strings(modules)

	for _, path := range modules {
		mod, err := plugin.Open(path)
		if err != nil {
			logger.Warn("[PluginHost] could not open module", "module", path, "error", err)
			continue
		}
		sym, err := mod.Lookup("Create")
		if err != nil {
			logger.Warn("[PluginHost] module has no Create symbol", "module", path)
			continue
		}
		factory, ok := sym.(func() core.Plugin)
		if !ok {
			logger.Warn("[PluginHost] Create has wrong signature", "module", path)
			continue
		}
		if err := h.Register(factory); err != nil {
			logger.Warn("[PluginHost] module rejected", "module", path, "error", err)
		}
	}
	return nil
}

// Init initializes every registered plugin and starts its worker.
// A plugin that fails Init is dropped, not fatal.
func (h *Host) Init(gw core.Gateway, configPath string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return fmt.Errorf("plugin host already started")
	}
	h.started = true

	for _, pkg := range h.order {
		e := h.entries[pkg]
		if err := e.plugin.Init(gw, configPath); err != nil {
			logger.Error("[PluginHost] plugin init failed", "plugin", pkg, "error", err)
			delete(h.entries, pkg)
			continue
		}
		h.wg.Add(1)
		go h.work(e)
	}
	if len(h.entries) == 0 {
		return fmt.Errorf("no plugin initialized")
	}
	return nil
}

// Find returns the plugin registered under pkg.
func (h *Host) Find(pkg string) (core.Plugin, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[pkg]
	if !ok {
		return nil, false
	}
	return e.plugin, true
}

// List returns the loaded plugins in registration order.
func (h *Host) List() []core.Plugin {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]core.Plugin, 0, len(h.entries))
	for _, pkg := range h.order {
		if e, ok := h.entries[pkg]; ok {
			out = append(out, e.plugin)
		}
	}
	return out
}

// Dispatch queues a message for the worker of the handle's plugin.
func (h *Host) Dispatch(msg InboundMessage) error {
	pkg := msg.Handle.Plugin.Package()
	h.mu.Lock()
	e, ok := h.entries[pkg]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("no such plugin '%s'", pkg)
	}
	select {
	case e.queue <- msg:
		return nil
	case <-h.stop:
		return fmt.Errorf("gateway shutting down")
	}
}

// Shutdown stops the workers, waits for them and destroys the plugins
// in reverse registration order.
func (h *Host) Shutdown() {
	close(h.stop)
	h.wg.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.order) - 1; i >= 0; i-- {
		if e, ok := h.entries[h.order[i]]; ok {
			e.plugin.Destroy()
		}
	}
	h.entries = make(map[string]*entry)
	h.order = nil
}
