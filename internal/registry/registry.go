// Package registry maintains the persistent model catalog: which model files
// exist, which is active per pool, and which model serves each role.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/openlocus/locus/internal/adapters/id"
	"github.com/openlocus/locus/internal/config"
	"github.com/openlocus/locus/internal/domain/models"
)

var (
	ErrModelNotFound = errors.New("model not found")
	ErrDuplicateID   = errors.New("model id already exists")
)

const catalogVersion = 1

// catalog is the persisted JSON document.
type catalog struct {
	Version     int                 `json:"version"`
	Models      []*models.ModelInfo `json:"models"`
	Active      map[string]string   `json:"active"`       // pool -> model id
	Assignments map[string]string   `json:"assignments"`  // role key -> model id
}

// Registry is the in-process view of the catalog. All mutations rewrite the
// backing file atomically.
type Registry struct {
	mu   sync.RWMutex
	path string
	dir  string // managed models directory
	cat  catalog
}

// Load reads the catalog from cfg.RegistryPath, creating an empty one when
// the file does not exist.
func Load(cfg config.ModelsConfig) (*Registry, error) {
	r := &Registry{
		path: cfg.RegistryPath,
		dir:  cfg.ManagedDir,
		cat: catalog{
			Version:     catalogVersion,
			Active:      make(map[string]string),
			Assignments: make(map[string]string),
		},
	}

	data, err := os.ReadFile(cfg.RegistryPath)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("failed to read model registry: %w", err)
	}
	if err := json.Unmarshal(data, &r.cat); err != nil {
		return nil, fmt.Errorf("failed to parse model registry: %w", err)
	}
	if r.cat.Active == nil {
		r.cat.Active = make(map[string]string)
	}
	if r.cat.Assignments == nil {
		r.cat.Assignments = make(map[string]string)
	}
	return r, nil
}

// List returns the catalog, optionally filtered by pool.
func (r *Registry) List(pool models.ModelPool) []*models.ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.ModelInfo, 0, len(r.cat.Models))
	for _, m := range r.cat.Models {
		if pool != "" && m.Pool != pool {
			continue
		}
		copied := *m
		out = append(out, &copied)
	}
	return out
}

// Get returns the model with the given id.
func (r *Registry) Get(modelID string) (*models.ModelInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m := r.find(modelID)
	if m == nil {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, modelID)
	}
	copied := *m
	return &copied, nil
}

// Add registers an existing local model file.
func (r *Registry) Add(info models.ModelInfo) (*models.ModelInfo, error) {
	if info.Path == "" {
		return nil, fmt.Errorf("model path required")
	}
	stat, err := os.Stat(info.Path)
	if err != nil {
		return nil, fmt.Errorf("model file unavailable: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if info.ID == "" {
		info.ID = id.NewModel()
	} else if r.find(info.ID) != nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, info.ID)
	}
	if info.DisplayName == "" {
		info.DisplayName = filepath.Base(info.Path)
	}
	if info.Pool == "" {
		info.Pool = models.PoolText
	}
	info.SizeBytes = stat.Size()
	info.AddedAt = time.Now()

	r.cat.Models = append(r.cat.Models, &info)
	if err := r.persist(); err != nil {
		r.cat.Models = r.cat.Models[:len(r.cat.Models)-1]
		return nil, err
	}
	copied := info
	return &copied, nil
}

// Delete removes a model record. The file is removed as well when it lives
// inside the managed directory.
func (r *Registry) Delete(modelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := -1
	for i, m := range r.cat.Models {
		if m.ID == modelID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrModelNotFound, modelID)
	}

	removed := r.cat.Models[idx]
	r.cat.Models = append(r.cat.Models[:idx], r.cat.Models[idx+1:]...)
	for pool, active := range r.cat.Active {
		if active == modelID {
			delete(r.cat.Active, pool)
		}
	}
	for role, assigned := range r.cat.Assignments {
		if assigned == modelID {
			delete(r.cat.Assignments, role)
		}
	}
	if err := r.persist(); err != nil {
		return err
	}

	if r.dir != "" && strings.HasPrefix(filepath.Clean(removed.Path), filepath.Clean(r.dir)+string(os.PathSeparator)) {
		if err := os.Remove(removed.Path); err != nil && !os.IsNotExist(err) {
			log.Printf("[Registry] failed to remove managed file %s: %v", removed.Path, err)
		}
	}
	return nil
}

// SetActive marks modelID as the active model for its pool. The previous
// active flag for that pool is reset in the same write.
func (r *Registry) SetActive(modelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	target := r.find(modelID)
	if target == nil {
		return fmt.Errorf("%w: %s", ErrModelNotFound, modelID)
	}

	for _, m := range r.cat.Models {
		if m.Pool == target.Pool {
			m.Active = m.ID == modelID
		}
	}
	r.cat.Active[string(target.Pool)] = modelID
	return r.persist()
}

// AssignRole binds a role key ("character", "executor:<taskType>",
// "embedding") to a model id.
func (r *Registry) AssignRole(roleKey, modelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.find(modelID) == nil {
		return fmt.Errorf("%w: %s", ErrModelNotFound, modelID)
	}
	r.cat.Assignments[roleKey] = modelID
	return r.persist()
}

// ResolveRole returns the model bound to roleKey, falling back to the active
// model of the pool.
func (r *Registry) ResolveRole(roleKey string, pool models.ModelPool) (*models.ModelInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if modelID, ok := r.cat.Assignments[roleKey]; ok {
		if m := r.find(modelID); m != nil {
			copied := *m
			return &copied, nil
		}
	}
	if modelID, ok := r.cat.Active[string(pool)]; ok {
		if m := r.find(modelID); m != nil {
			copied := *m
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("%w: no model assigned for role %s", ErrModelNotFound, roleKey)
}

// Reorder rearranges the display order of the catalog. IDs absent from the
// given order keep their relative position at the end.
func (r *Registry) Reorder(orderedIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	index := make(map[string]int, len(orderedIDs))
	for i, mid := range orderedIDs {
		index[mid] = i
	}

	ordered := make([]*models.ModelInfo, 0, len(r.cat.Models))
	var rest []*models.ModelInfo
	for _, m := range r.cat.Models {
		if _, ok := index[m.ID]; ok {
			ordered = append(ordered, m)
		} else {
			rest = append(rest, m)
		}
	}
	for i := 0; i < len(ordered); i++ {
		for j := i + 1; j < len(ordered); j++ {
			if index[ordered[j].ID] < index[ordered[i].ID] {
				ordered[i], ordered[j] = ordered[j], ordered[i]
			}
		}
	}
	r.cat.Models = append(ordered, rest...)
	return r.persist()
}

func (r *Registry) find(modelID string) *models.ModelInfo {
	for _, m := range r.cat.Models {
		if m.ID == modelID {
			return m
		}
	}
	return nil
}

// persist writes the catalog atomically (tmp + rename). Callers hold r.mu.
func (r *Registry) persist() error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("failed to create registry dir: %w", err)
	}
	data, err := json.MarshalIndent(r.cat, "", "  ")
	if err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write registry: %w", err)
	}
	return os.Rename(tmp, r.path)
}
