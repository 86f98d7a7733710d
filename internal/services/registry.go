// Package services maintains the catalog of backend LLM services and
// resolves roles to services by capability.
package services

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/hivegrid/hivegrid/pkg/models"
)

// Registry is the in-memory service catalog. It loads from a YAML file
// where a local variant shadows the default variant entirely (no merging),
// and optionally watches the files for changes.
type Registry struct {
	mu     sync.RWMutex
	list   []*models.ServiceDefinition
	byID   map[string]*models.ServiceDefinition
	logger *slog.Logger

	defaultPath string
	localPath   string
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{byID: map[string]*models.ServiceDefinition{}, logger: logger}
}

// LoadFromFiles loads the catalog. When localPath exists it is used and
// defaultPath is ignored; otherwise defaultPath is used. A missing catalog
// is not an error: the registry is simply empty. Malformed entries are
// skipped with a warning, never fatal.
func (r *Registry) LoadFromFiles(defaultPath, localPath string) error {
	r.mu.Lock()
	r.defaultPath = defaultPath
	r.localPath = localPath
	r.mu.Unlock()
	return r.reload()
}

func (r *Registry) reload() error {
	r.mu.RLock()
	defaultPath, localPath := r.defaultPath, r.localPath
	r.mu.RUnlock()

	path := defaultPath
	if localPath != "" {
		if _, err := os.Stat(localPath); err == nil {
			path = localPath
		}
	}
	if path == "" {
		r.setServices(nil)
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			r.setServices(nil)
			return nil
		}
		return fmt.Errorf("read service catalog: %w", err)
	}

	var raw struct {
		Services []yaml.Node `yaml:"services"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse service catalog %s: %w", path, err)
	}

	valid := make([]*models.ServiceDefinition, 0, len(raw.Services))
	for i := range raw.Services {
		var def models.ServiceDefinition
		if err := raw.Services[i].Decode(&def); err != nil {
			r.logger.Warn("skipping malformed service entry", "index", i, "error", err)
			continue
		}
		if strings.TrimSpace(def.ID) == "" || strings.TrimSpace(def.Model) == "" {
			r.logger.Warn("skipping service entry without id or model", "index", i, "id", def.ID)
			continue
		}
		valid = append(valid, &def)
	}
	r.setServices(valid)
	r.logger.Info("service catalog loaded", "path", path, "services", len(valid))
	return nil
}

func (r *Registry) setServices(list []*models.ServiceDefinition) {
	byID := make(map[string]*models.ServiceDefinition, len(list))
	deduped := make([]*models.ServiceDefinition, 0, len(list))
	for _, def := range list {
		if _, exists := byID[def.ID]; exists {
			r.logger.Warn("duplicate service id, keeping first", "id", def.ID)
			continue
		}
		byID[def.ID] = def
		deduped = append(deduped, def)
	}
	r.mu.Lock()
	r.list = deduped
	r.byID = byID
	r.mu.Unlock()
}

// Watch reloads the catalog whenever its files change. The watcher stops
// when stop is closed. Reload failures keep the previous catalog.
func (r *Registry) Watch(stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create catalog watcher: %w", err)
	}
	for _, path := range []string{r.defaultPath, r.localPath} {
		if path == "" {
			continue
		}
		if err := watcher.Add(path); err != nil {
			r.logger.Debug("catalog file not watchable", "path", path, "error", err)
		}
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := r.reload(); err != nil {
					r.logger.Warn("catalog reload failed, keeping previous", "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("catalog watcher error", "error", err)
			case <-stop:
				return
			}
		}
	}()
	return nil
}

// ListServices returns all services, stable by id.
func (r *Registry) ListServices() []*models.ServiceDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.ServiceDefinition, 0, len(r.list))
	for _, def := range r.list {
		out = append(out, def.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetServiceByID resolves a service id.
func (r *Registry) GetServiceByID(id string) (*models.ServiceDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return def.Clone(), true
}

// Len reports the number of catalog entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.list)
}

// GetCapabilities returns the effective capability sets for a service.
func (r *Registry) GetCapabilities(serviceID string) (models.ServiceCapabilities, bool) {
	def, ok := r.GetServiceByID(serviceID)
	if !ok {
		return models.ServiceCapabilities{}, false
	}
	return def.EffectiveCapabilities(), true
}

// HasCapability reports whether the service supports the modality in the
// given direction. Unknown services have no capabilities.
func (r *Registry) HasCapability(serviceID, modality string, direction models.CapabilityDirection) bool {
	caps, ok := r.GetCapabilities(serviceID)
	if !ok {
		return false
	}
	set := caps.Input
	if direction == models.DirectionOutput {
		set = caps.Output
	}
	for _, c := range set {
		if c == modality {
			return true
		}
	}
	return false
}

// GetServicesByCapability returns all services supporting the modality in
// the given direction.
func (r *Registry) GetServicesByCapability(modality string, direction models.CapabilityDirection) []*models.ServiceDefinition {
	var out []*models.ServiceDefinition
	for _, def := range r.ListServices() {
		if r.HasCapability(def.ID, modality, direction) {
			out = append(out, def)
		}
	}
	return out
}

// Upsert adds or replaces a service definition (HTTP CRUD surface).
func (r *Registry) Upsert(def *models.ServiceDefinition) error {
	if strings.TrimSpace(def.ID) == "" {
		return fmt.Errorf("service id is required")
	}
	if strings.TrimSpace(def.Model) == "" {
		return fmt.Errorf("service model is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := def.Clone()
	if _, exists := r.byID[clone.ID]; exists {
		for i, existing := range r.list {
			if existing.ID == clone.ID {
				r.list[i] = clone
				break
			}
		}
	} else {
		r.list = append(r.list, clone)
	}
	r.byID[clone.ID] = clone
	return nil
}

// Delete removes a service definition by id.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return false
	}
	delete(r.byID, id)
	for i, def := range r.list {
		if def.ID == id {
			r.list = append(r.list[:i], r.list[i+1:]...)
			break
		}
	}
	return true
}

// SaveLocal writes the current catalog to the local variant file so edits
// made through the HTTP surface survive restarts.
func (r *Registry) SaveLocal() error {
	r.mu.RLock()
	path := r.localPath
	list := make([]*models.ServiceDefinition, len(r.list))
	copy(list, r.list)
	r.mu.RUnlock()

	if path == "" {
		return fmt.Errorf("no local catalog path configured")
	}
	payload := struct {
		Services []*models.ServiceDefinition `yaml:"services"`
	}{Services: list}
	data, err := yaml.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode service catalog: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
