package config

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// ReloadCallback is invoked with the previous and the new configuration.
// Returning an error keeps the previous configuration.
type ReloadCallback func(old, new *Config) error

// ConfigReloader reloads the configuration file on change or SIGHUP.
type ConfigReloader struct {
	path    string
	logger  *logrus.Logger
	watcher *fsnotify.Watcher
	sighup  chan os.Signal
	done    chan struct{}

	mu       sync.RWMutex
	current  *Config
	onReload ReloadCallback

	stopOnce sync.Once
}

// NewConfigReloader creates a reloader for path. With an empty path only
// SIGHUP is handled and reloads fail.
func NewConfigReloader(path string, cfg *Config, logger *logrus.Logger) (*ConfigReloader, error) {
	r := &ConfigReloader{
		path:    path,
		logger:  logger,
		sighup:  make(chan os.Signal, 1),
		done:    make(chan struct{}),
		current: cfg,
	}

	if path != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create file watcher: %w", err)
		}
		// Watch the directory so atomic replacements by editors are seen.
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
		}
		r.watcher = watcher
	}

	signal.Notify(r.sighup, syscall.SIGHUP)
	return r, nil
}

// SetOnReloadCallback registers fn to run on every successful reload.
func (r *ConfigReloader) SetOnReloadCallback(fn ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReload = fn
}

// Start processes file events and signals until Stop is called.
func (r *ConfigReloader) Start() {
	var events chan fsnotify.Event
	var errs chan error
	if r.watcher != nil {
		events = r.watcher.Events
		errs = r.watcher.Errors
	}

	target := filepath.Clean(r.path)
	for {
		select {
		case <-r.done:
			return
		case <-r.sighup:
			r.logger.Info("Received SIGHUP, reloading configuration")
			if err := r.Reload(); err != nil {
				r.logger.WithError(err).Warn("Configuration reload failed")
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			r.logger.WithField("event", ev.Op.String()).Debug("Configuration file changed")
			if err := r.Reload(); err != nil {
				r.logger.WithError(err).Warn("Configuration reload failed")
			}
		case err, ok := <-errs:
			if !ok {
				return
			}
			r.logger.WithError(err).Warn("Configuration watcher error")
		}
	}
}

// Reload reads the file, checks that no restart-only field changed and
// runs the callback.
func (r *ConfigReloader) Reload() error {
	if r.path == "" {
		return fmt.Errorf("no configuration file to reload")
	}

	next, err := LoadConfig(r.path)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.current
	if err := r.validateReloadSafety(prev, next); err != nil {
		return err
	}
	if r.onReload != nil {
		if err := r.onReload(prev, next); err != nil {
			return fmt.Errorf("reload callback rejected configuration: %w", err)
		}
	}
	r.current = next

	r.logger.WithFields(logrus.Fields{
		"path":      r.path,
		"log_level": next.LogLevel,
	}).Info("Configuration reloaded")
	return nil
}

// validateReloadSafety rejects changes that need a restart: anything that
// alters how existing key material is protected or where it lives.
func (r *ConfigReloader) validateReloadSafety(old, new *Config) error {
	switch {
	case old.Security.MasterPassphrase != new.Security.MasterPassphrase:
		return fmt.Errorf("security.master_passphrase cannot be changed during hot reload")
	case old.Security.KDFIterations != new.Security.KDFIterations:
		return fmt.Errorf("security.kdf_iterations cannot be changed during hot reload")
	case old.Security.LockMemory != new.Security.LockMemory:
		return fmt.Errorf("security.lock_memory cannot be changed during hot reload")
	case old.Entropy != new.Entropy:
		return fmt.Errorf("entropy cannot be changed during hot reload")
	case old.Crypto.Signer != new.Crypto.Signer:
		return fmt.Errorf("crypto.signer cannot be changed during hot reload")
	case old.Storage.Backend != new.Storage.Backend || old.Storage.Dir != new.Storage.Dir:
		return fmt.Errorf("storage.backend and storage.dir cannot be changed during hot reload")
	case old.Storage.Offsite != new.Storage.Offsite:
		return fmt.Errorf("storage.offsite cannot be changed during hot reload")
	}
	return nil
}

// GetCurrentConfig returns a copy of the active configuration.
func (r *ConfigReloader) GetCurrentConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c := *r.current
	c.Keys.Bootstrap = slices.Clone(r.current.Keys.Bootstrap)
	c.Keys.PolicyFiles = slices.Clone(r.current.Keys.PolicyFiles)
	return &c
}

// Stop ends Start and releases the watcher.
func (r *ConfigReloader) Stop() {
	r.stopOnce.Do(func() {
		signal.Stop(r.sighup)
		close(r.done)
		if r.watcher != nil {
			r.watcher.Close()
		}
	})
}
