// Package registry serves the current trained model per template with
// copy-on-write semantics: an in-flight extraction keeps the snapshot it
// started with, and promotion swaps the pointer atomically without mutating
// any model in use.
package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/fieldlens/fieldlens/internal/crf"
	"github.com/fieldlens/fieldlens/internal/store"
)

// Snapshot pairs a decoded model with its version row. Snapshots are
// immutable once published.
type Snapshot struct {
	Version *store.ModelVersion
	Model   *crf.Model
}

// Registry caches the current model snapshot per template, lazily loading
// from the version repository and artifact store.
type Registry struct {
	versions  store.ModelVersionRepository
	artifacts store.ArtifactStore

	mu    sync.RWMutex
	cache map[string]*Snapshot
}

// New creates a registry over the given repositories.
func New(versions store.ModelVersionRepository, artifacts store.ArtifactStore) *Registry {
	return &Registry{
		versions:  versions,
		artifacts: artifacts,
		cache:     make(map[string]*Snapshot),
	}
}

// Current returns the template's promoted model snapshot, or (nil, nil) when
// no model has been trained yet; callers degrade to rule-based extraction.
func (r *Registry) Current(ctx context.Context, templateID string) (*Snapshot, error) {
	r.mu.RLock()
	snap, ok := r.cache[templateID]
	r.mu.RUnlock()
	if ok {
		return snap, nil
	}

	mv, err := r.versions.CurrentModelVersion(ctx, templateID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "registry: load current version")
	}

	data, err := r.artifacts.LoadArtifact(ctx, mv.ArtifactHandle)
	if err != nil {
		return nil, eris.Wrap(err, "registry: load artifact")
	}
	model, err := crf.DecodeModel(data)
	if err != nil {
		return nil, eris.Wrap(err, "registry: decode artifact")
	}

	snap = &Snapshot{Version: mv, Model: model}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another goroutine may have loaded (or promoted) meanwhile; keep the
	// newer version.
	if cached, ok := r.cache[templateID]; ok && cached.Version.Version >= mv.Version {
		return cached, nil
	}
	r.cache[templateID] = snap
	return snap, nil
}

// Promote publishes a freshly trained snapshot as the template's current
// model. The persisted current pointer must already be updated; this swaps
// only the served snapshot.
func (r *Registry) Promote(templateID string, snap *Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[templateID] = snap
}

// Invalidate drops the cached snapshot so the next Current call reloads from
// the repositories.
func (r *Registry) Invalidate(templateID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, templateID)
}
