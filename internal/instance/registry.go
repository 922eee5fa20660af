// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package instance

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/jeranaias/alpaca-core/internal/detect"
	"github.com/jeranaias/alpaca-core/internal/ollama"
	"github.com/jeranaias/alpaca-core/internal/store"
)

var (
	// ErrUnknownType is returned for type tags missing from the catalog.
	ErrUnknownType = errors.New("unknown instance type")

	// ErrUnavailableType is returned when a type cannot be added, because
	// of the ollama-only flag or a missing ollama executable.
	ErrUnavailableType = errors.New("instance type not available")

	// ErrUnknownInstance is returned when an id does not resolve.
	ErrUnknownInstance = errors.New("unknown instance")

	// ErrNoSelection is returned when no instance is selected.
	ErrNoSelection = errors.New("no instance selected")
)

// Store is the persistence the registry needs.
type Store interface {
	UpsertInstance(ctx context.Context, rec *store.InstanceRecord) error
	GetInstances(ctx context.Context) ([]store.InstanceRecord, error)
	DeleteInstance(ctx context.Context, id string) error
	SetPreference(ctx context.Context, key string, value any) error
	GetPreferenceString(ctx context.Context, key, fallback string) (string, error)
	DeletePreference(ctx context.Context, key string) error
}

// Options configures NewRegistry.
type Options struct {
	Store Store
	Env   Env

	// OllamaOnly restricts the registry to the managed and external
	// Ollama types.
	OllamaOnly bool

	// DetectGPU feeds managed override defaults. Defaults to detect.GPU.
	DetectGPU func(ctx context.Context) (*detect.GpuInfo, error)
}

// Registry owns the configured instances and the single selected one.
type Registry struct {
	store      Store
	env        Env
	ollamaOnly bool
	detectGPU  func(ctx context.Context) (*detect.GpuInfo, error)
	log        *zap.SugaredLogger

	// selectMu serializes selection changes, which may wait on a process.
	selectMu sync.Mutex

	mu        sync.RWMutex
	instances []*Instance
	selected  *Instance
}

// NewRegistry returns an empty registry. Call Load to read the store.
func NewRegistry(opts Options) *Registry {
	gpu := opts.DetectGPU
	if gpu == nil {
		gpu = detect.GPU
	}
	return &Registry{
		store:      opts.Store,
		env:        opts.Env,
		ollamaOnly: opts.OllamaOnly,
		detectGPU:  gpu,
		log:        opts.Env.logger().With("component", "instances"),
	}
}

// Load replaces the in-memory instances with the persisted ones. Rows of
// unknown types, and non-Ollama rows under the ollama-only flag, are
// skipped but kept in the store.
func (r *Registry) Load(ctx context.Context) error {
	recs, err := r.store.GetInstances(ctx)
	if err != nil {
		return fmt.Errorf("load instances: %w", err)
	}
	var list []*Instance
	for _, rec := range recs {
		info, ok := Lookup(rec.Type)
		if !ok {
			r.log.Warnw("skipping instance of unknown type", "id", rec.ID, "type", rec.Type)
			continue
		}
		if r.ollamaOnly && !ollamaOnly(info.Type) {
			continue
		}
		props := FromMap(info, r.env.DataDir, rec.Properties)
		list = append(list, Build(info, rec.ID, rec.Pinned, props, r.env))
	}

	r.mu.Lock()
	r.instances = list
	r.mu.Unlock()
	return nil
}

// Available lists the types the user may add. The managed type is hidden
// when ollama is not installed.
func (r *Registry) Available() []TypeInfo {
	var out []TypeInfo
	for _, info := range catalog {
		if r.ollamaOnly && !ollamaOnly(info.Type) {
			continue
		}
		if info.Managed() && !r.managedInstalled() {
			continue
		}
		out = append(out, info)
	}
	return out
}

func (r *Registry) managedInstalled() bool {
	return r.env.supervisor(ollama.ControllerOptions{}).Installed()
}

func (r *Registry) available(typ string) (TypeInfo, error) {
	info, ok := Lookup(typ)
	if !ok {
		return TypeInfo{}, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	if r.ollamaOnly && !ollamaOnly(typ) {
		return TypeInfo{}, fmt.Errorf("%w: %s (ollama-only mode)", ErrUnavailableType, typ)
	}
	return info, nil
}

// NewProperties returns the defaults for a new instance of typ. Managed
// instances get GPU-specific environment overrides when detection finds
// one.
func (r *Registry) NewProperties(ctx context.Context, typ string) (Properties, error) {
	info, err := r.available(typ)
	if err != nil {
		return Properties{}, err
	}
	p := Defaults(info, r.env.DataDir)
	if !info.Managed() {
		return p, nil
	}
	gpu, err := r.detectGPU(ctx)
	if err != nil {
		r.log.Debugw("gpu detection failed", "error", err)
		return p, nil
	}
	for k, v := range detect.SuggestOverrides(gpu) {
		if _, known := p.Overrides[k]; known && p.Overrides[k] == "" {
			p.Overrides[k] = v
		}
	}
	return p, nil
}

// List returns the loaded instances, pinned first.
func (r *Registry) List() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Instance, len(r.instances))
	copy(out, r.instances)
	return out
}

// Get resolves an instance id.
func (r *Registry) Get(id string) (*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.find(id)
}

func (r *Registry) find(id string) (*Instance, error) {
	for _, inst := range r.instances {
		if inst.ID == id {
			return inst, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownInstance, id)
}

// Selected returns the selected instance, or nil.
func (r *Registry) Selected() *Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selected
}

// Create validates and persists a new instance and selects it.
func (r *Registry) Create(ctx context.Context, typ string, props Properties) (*Instance, error) {
	info, err := r.available(typ)
	if err != nil {
		return nil, err
	}
	if info.Managed() && !r.managedInstalled() {
		return nil, fmt.Errorf("%w: %s", ErrUnavailableType, ollama.ErrNotInstalled)
	}
	if err := Validate(info, &props); err != nil {
		return nil, err
	}

	rec := &store.InstanceRecord{Type: info.Type, Properties: props.ToMap(info)}
	if err := r.store.UpsertInstance(ctx, rec); err != nil {
		return nil, fmt.Errorf("save instance: %w", err)
	}
	inst := Build(info, rec.ID, false, props, r.env)

	r.mu.Lock()
	r.instances = append(r.instances, inst)
	r.mu.Unlock()
	r.log.Infow("instance created", "id", inst.ID, "type", typ)

	if err := r.ReplaceSelected(ctx, inst.ID); err != nil {
		return inst, err
	}
	return inst, nil
}

// Update validates and persists new properties for an instance. A
// selected instance is rebuilt and restarted.
func (r *Registry) Update(ctx context.Context, id string, props Properties) (*Instance, error) {
	old, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if props.API == "" {
		// An empty key field means unchanged.
		props.API = old.Props.API
	}
	if err := Validate(old.Info, &props); err != nil {
		return nil, err
	}
	inst := Build(old.Info, id, old.Pinned, props, r.env)
	if err := r.store.UpsertInstance(ctx, inst.Record()); err != nil {
		return nil, fmt.Errorf("save instance: %w", err)
	}

	r.mu.Lock()
	for i, cur := range r.instances {
		if cur.ID == id {
			r.instances[i] = inst
		}
	}
	wasSelected := r.selected == old
	r.mu.Unlock()

	if wasSelected {
		if err := r.ReplaceSelected(ctx, id); err != nil {
			return inst, err
		}
	}
	return inst, nil
}

// SetPinned persists the pinned flag and reorders the list.
func (r *Registry) SetPinned(ctx context.Context, id string, pinned bool) error {
	inst, err := r.Get(id)
	if err != nil {
		return err
	}
	inst.Pinned = pinned
	if err := r.store.UpsertInstance(ctx, inst.Record()); err != nil {
		return err
	}
	return r.reload(ctx)
}

// reload rereads the store while keeping the built selected instance.
func (r *Registry) reload(ctx context.Context) error {
	sel := r.Selected()
	if err := r.Load(ctx); err != nil {
		return err
	}
	if sel == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, inst := range r.instances {
		if inst.ID == sel.ID {
			sel.Pinned = inst.Pinned
			r.instances[i] = sel
		}
	}
	return nil
}

// Delete stops and removes an instance. Deleting the selected instance
// clears the selection.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.selectMu.Lock()
	defer r.selectMu.Unlock()

	inst, err := r.Get(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	wasSelected := r.selected == inst
	if wasSelected {
		r.selected = nil
	}
	r.mu.Unlock()

	if wasSelected {
		if err := inst.Stop(); err != nil {
			r.log.Warnw("stop instance", "id", id, "error", err)
		}
		if err := r.store.DeletePreference(ctx, store.PrefSelectedInstance); err != nil {
			return err
		}
	}
	if err := r.store.DeleteInstance(ctx, id); err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}

	r.mu.Lock()
	for i, cur := range r.instances {
		if cur.ID == id {
			r.instances = append(r.instances[:i], r.instances[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	return nil
}

// ReplaceSelected stops the previously selected instance, persists the new
// selection and starts the new instance. When the start fails the
// selection is cleared in memory and the error returned; the persisted
// preference stays so the next launch retries.
func (r *Registry) ReplaceSelected(ctx context.Context, id string) error {
	r.selectMu.Lock()
	defer r.selectMu.Unlock()

	next, err := r.Get(id)
	if err != nil {
		return err
	}

	r.mu.Lock()
	prev := r.selected
	r.selected = nil
	r.mu.Unlock()

	if prev != nil {
		if err := prev.Stop(); err != nil {
			r.log.Warnw("stop previous instance", "id", prev.ID, "error", err)
		}
	}

	if err := r.store.SetPreference(ctx, store.PrefSelectedInstance, next.ID); err != nil {
		return fmt.Errorf("persist selection: %w", err)
	}
	if err := next.Start(ctx); err != nil {
		r.log.Errorw("instance failed to start", "id", next.ID, "error", err)
		return fmt.Errorf("start %s: %w", next.Name(), err)
	}

	r.mu.Lock()
	r.selected = next
	r.mu.Unlock()
	r.log.Infow("instance selected", "id", next.ID, "type", next.Type())
	return nil
}

// Restore selects the persisted instance, or the first one when the
// preference is missing or stale. It is a no-op with no instances.
func (r *Registry) Restore(ctx context.Context) error {
	id, err := r.store.GetPreferenceString(ctx, store.PrefSelectedInstance, "")
	if err != nil {
		return err
	}
	list := r.List()
	if len(list) == 0 {
		return nil
	}
	if _, err := r.Get(id); err != nil {
		id = list[0].ID
	}
	return r.ReplaceSelected(ctx, id)
}

// SelectedID returns the running selection, else the persisted one. It
// starts nothing.
func (r *Registry) SelectedID(ctx context.Context) (string, error) {
	if inst := r.Selected(); inst != nil {
		return inst.ID, nil
	}
	id, err := r.store.GetPreferenceString(ctx, store.PrefSelectedInstance, "")
	if err != nil {
		return "", err
	}
	if _, err := r.Get(id); err != nil {
		return "", nil
	}
	return id, nil
}

// Require returns the selected instance or ErrNoSelection.
func (r *Registry) Require() (*Instance, error) {
	if inst := r.Selected(); inst != nil {
		return inst, nil
	}
	return nil, ErrNoSelection
}

// Close stops the selected instance's process.
func (r *Registry) Close() error {
	r.selectMu.Lock()
	defer r.selectMu.Unlock()
	r.mu.Lock()
	sel := r.selected
	r.selected = nil
	r.mu.Unlock()
	if sel == nil {
		return nil
	}
	return sel.Stop()
}
