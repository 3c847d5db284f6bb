// Package adapters binds low-rank adapter lifecycle management to a host
// model: loading state dicts, activating and weighting adapters, fusing
// them into base weights and unloading back to the pristine model.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/samcharles93/loom/internal/logger"
	"github.com/samcharles93/loom/internal/lora"
	"github.com/samcharles93/loom/internal/module"
	"github.com/samcharles93/loom/internal/safetensors"
	"github.com/samcharles93/loom/internal/statedict"
)

var ErrNoModel = errors.New("no model bound to adapter manager")

// Manager owns adapter bookkeeping for one model. It is not safe for
// concurrent use; the API layer serializes access.
type Manager struct {
	log   logger.Logger
	model *module.Model

	// names holds adapters in load order; a nil config marks an adapter
	// that only carried normalization weights.
	names   []string
	configs map[string]*lora.Config
	active  []string

	normBackup map[string][]float32
}

// NewManager binds a manager to a model.
func NewManager(m *module.Model, log logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		log:        log.With("component", "adapters"),
		model:      m,
		configs:    make(map[string]*lora.Config),
		normBackup: make(map[string][]float32),
	}
}

// LoadOptions controls LoadAdapter.
type LoadOptions struct {
	// Name registers the adapter under a chosen name; empty picks the next
	// free default_N.
	Name string
	// Prefix selects one component of a multi-component checkpoint. Dicts
	// without the prefix pass through whole.
	Prefix string
	// LowMemory skips the random initialization of injected factors, since
	// the state dict overwrites them.
	LowMemory bool
}

const defaultPrefix = "transformer"

// LoadAdapter fetches a state dict, injects a new adapter carrying its
// factors into the model and activates it. Normalization weights in the
// dict are hot-swapped into the model with the originals backed up.
// Returns the registered adapter name.
func (mgr *Manager) LoadAdapter(ctx context.Context, src statedict.Source, opts LoadOptions) (string, error) {
	if err := mgr.check(); err != nil {
		return "", err
	}

	dict, err := statedict.Load(ctx, src)
	if err != nil {
		return "", err
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	dict = dict.FilterPrefix(prefix)

	dict, err = statedict.Normalize(dict)
	if err != nil {
		return "", err
	}
	loraDict, normDict := statedict.Split(dict)
	if len(loraDict) == 0 && len(normDict) == 0 {
		return "", statedict.ErrEmptyDict
	}

	name := opts.Name
	if name == "" {
		name = mgr.nextName()
	}
	if _, exists := mgr.configs[name]; exists {
		return "", fmt.Errorf("%w: %s", lora.ErrDuplicateAdapter, name)
	}

	var cfg *lora.Config
	if len(loraDict) > 0 {
		cfg, err = lora.ConfigFromStateDict(loraDict)
		if err != nil {
			return "", err
		}
		cfg.InitWeights = !opts.LowMemory

		detached := mgr.model.DetachHooks()
		if err := cfg.Inject(mgr.model, name); err != nil {
			if detached {
				mgr.model.AttachHooks()
			}
			return "", err
		}
		rep, err := lora.LoadWeights(mgr.model, name, loraDict)
		if err != nil {
			mgr.dropFromLayers(name)
			if detached {
				mgr.model.AttachHooks()
			}
			return "", err
		}
		if detached {
			mgr.model.AttachHooks()
		}
		if len(rep.Missing) > 0 {
			mgr.log.Warn("state dict missing keys for injected modules",
				"adapter", name, "keys", strings.Join(rep.Missing, ", "))
		}
		if len(rep.Unexpected) > 0 {
			mgr.log.Warn("state dict keys matched no injected module",
				"adapter", name, "keys", strings.Join(rep.Unexpected, ", "))
		}
	}

	if len(normDict) > 0 {
		if len(loraDict) > 0 {
			mgr.log.Warn("state dict mixes adapter factors and normalization weights", "adapter", name)
		}
		applied, warnings := mgr.applyNormWeights(normDict)
		for _, w := range warnings {
			mgr.log.Warn(w, "adapter", name)
		}
		mgr.log.Info("normalization weights swapped", "adapter", name, "layers", applied)
	}

	mgr.names = append(mgr.names, name)
	mgr.configs[name] = cfg
	if cfg != nil {
		if err := mgr.SetAdapters([]string{name}, nil); err != nil {
			return "", err
		}
	}
	mgr.log.Info("adapter loaded", "adapter", name, "modules", len(loraDict)/2)
	return name, nil
}

// AddAdapter injects a fresh, randomly initialized adapter from a config
// and activates it.
func (mgr *Manager) AddAdapter(cfg *lora.Config, name string) error {
	if err := mgr.check(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if name == "" {
		name = mgr.nextName()
	}
	if _, exists := mgr.configs[name]; exists {
		return fmt.Errorf("%w: %s", lora.ErrDuplicateAdapter, name)
	}

	detached := mgr.model.DetachHooks()
	err := cfg.Inject(mgr.model, name)
	if detached {
		mgr.model.AttachHooks()
	}
	if err != nil {
		return err
	}
	mgr.names = append(mgr.names, name)
	mgr.configs[name] = cfg
	return mgr.SetAdapters([]string{name}, nil)
}

// SetAdapters activates exactly the named adapters. weights is nil for
// uniform 1, or one entry per name, each a scalar or per-block structure.
func (mgr *Manager) SetAdapters(names []string, weights []AdapterWeight) error {
	if err := mgr.check(); err != nil {
		return err
	}
	if err := mgr.known(names...); err != nil {
		return err
	}
	if weights != nil && len(weights) != len(names) {
		return fmt.Errorf("got %d weights for %d adapters", len(weights), len(names))
	}

	perModule := make([]map[string]float64, len(names))
	for i := range names {
		if weights == nil {
			continue
		}
		m, err := weights[i].expand(mgr.model)
		if err != nil {
			return fmt.Errorf("adapter %s: %w", names[i], err)
		}
		perModule[i] = m
	}

	mgr.model.VisitProjections(func(path string, p module.Proj) {
		tuner, ok := p.(*lora.Linear)
		if !ok {
			return
		}
		tuner.SetActive(names)
		for i, name := range names {
			w := 1.0
			if perModule[i] != nil {
				w = perModule[i][path]
			}
			tuner.SetWeight(name, w)
		}
	})
	mgr.active = slices.Clone(names)
	return nil
}

// SetAdapter activates a single adapter at weight 1.
func (mgr *Manager) SetAdapter(name string) error {
	return mgr.SetAdapters([]string{name}, nil)
}

// ActiveAdapters lists the currently active adapter names.
func (mgr *Manager) ActiveAdapters() []string {
	return slices.Clone(mgr.active)
}

// EnableAdapters re-enables adapter deltas after DisableAdapters.
func (mgr *Manager) EnableAdapters() error { return mgr.setEnabled(true) }

// DisableAdapters turns all adapter deltas off without removing them.
func (mgr *Manager) DisableAdapters() error { return mgr.setEnabled(false) }

func (mgr *Manager) setEnabled(enabled bool) error {
	if err := mgr.check(); err != nil {
		return err
	}
	mgr.model.VisitProjections(func(_ string, p module.Proj) {
		if tuner, ok := p.(*lora.Linear); ok {
			tuner.SetEnabled(enabled)
		}
	})
	return nil
}

// FuseOptions controls Fuse.
type FuseOptions struct {
	// Scale multiplies every fused delta; zero means 1.
	Scale float64
	// Safe validates fused weights for NaN/Inf before committing.
	Safe bool
	// Names restricts fusing; nil fuses the active adapters.
	Names []string
}

// Fuse folds adapter deltas into the base weights so the forward pass pays
// no adapter overhead.
func (mgr *Manager) Fuse(opts FuseOptions) error {
	if err := mgr.check(); err != nil {
		return err
	}
	if len(mgr.names) == 0 {
		return lora.ErrNoAdapters
	}
	if opts.Names != nil {
		if err := mgr.known(opts.Names...); err != nil {
			return err
		}
	}

	detached := mgr.model.DetachHooks()
	var fuseErr error
	mgr.model.VisitProjections(func(path string, p module.Proj) {
		tuner, ok := p.(*lora.Linear)
		if !ok || fuseErr != nil {
			return
		}
		if err := tuner.Merge(lora.MergeOptions{
			AdapterNames: opts.Names,
			SafeMerge:    opts.Safe,
			Scale:        opts.Scale,
		}); err != nil {
			fuseErr = fmt.Errorf("%s: %w", path, err)
		}
	})
	if detached {
		mgr.model.AttachHooks()
	}
	if fuseErr != nil {
		return fuseErr
	}
	mgr.log.Info("adapters fused", "scale", opts.Scale)
	return nil
}

// Unfuse subtracts the recorded fuse deltas from the base weights.
func (mgr *Manager) Unfuse() error {
	if err := mgr.check(); err != nil {
		return err
	}
	mgr.model.VisitProjections(func(_ string, p module.Proj) {
		if tuner, ok := p.(*lora.Linear); ok {
			tuner.Unmerge()
		}
	})
	return nil
}

// Unload strips every tuner layer, restores the snapshotted base weights
// and backed-up normalization gains, and clears all bookkeeping. Model
// outputs return to their pre-adapter values exactly; an input projection
// widened for an oversized adapter keeps its width with zero padding.
func (mgr *Manager) Unload() error {
	if err := mgr.check(); err != nil {
		return err
	}
	detached := mgr.model.DetachHooks()
	var restoreErr error
	for _, path := range mgr.model.ProjectionNames() {
		p, _ := mgr.model.Projection(path)
		if tuner, ok := p.(*lora.Linear); ok {
			if err := mgr.model.ReplaceProjection(path, tuner.RestoreBase()); err != nil {
				restoreErr = err
				break
			}
		}
	}
	mgr.restoreNormWeights()
	if detached {
		mgr.model.AttachHooks()
	}
	if restoreErr != nil {
		return restoreErr
	}
	mgr.names = nil
	mgr.active = nil
	mgr.configs = make(map[string]*lora.Config)
	mgr.log.Info("adapters unloaded")
	return nil
}

// DeleteAdapters removes the named adapters, leaving others in place.
func (mgr *Manager) DeleteAdapters(names ...string) error {
	if err := mgr.check(); err != nil {
		return err
	}
	if err := mgr.known(names...); err != nil {
		return err
	}
	for _, name := range names {
		mgr.dropFromLayers(name)
		delete(mgr.configs, name)
		mgr.names = slices.DeleteFunc(mgr.names, func(n string) bool { return n == name })
		mgr.active = slices.DeleteFunc(mgr.active, func(n string) bool { return n == name })
	}
	return nil
}

func (mgr *Manager) dropFromLayers(name string) {
	mgr.model.VisitProjections(func(_ string, p module.Proj) {
		if tuner, ok := p.(*lora.Linear); ok {
			tuner.DeleteAdapter(name)
		}
	})
}

// SaveAdapter writes one adapter's state dict as safetensors with canonical
// keys, including per-module scale entries. LoadAdapter round-trips it.
func (mgr *Manager) SaveAdapter(path, name string) error {
	if err := mgr.check(); err != nil {
		return err
	}
	cfg, ok := mgr.configs[name]
	if !ok {
		return fmt.Errorf("%w: %s", lora.ErrUnknownAdapter, name)
	}
	if cfg == nil {
		return fmt.Errorf("adapter %s carries only normalization weights, nothing to save", name)
	}
	dict, err := lora.ExportStateDict(mgr.model, name, cfg)
	if err != nil {
		return err
	}
	tensors := make(map[string]safetensors.WriteTensor, len(dict))
	for key, t := range dict {
		tensors[key] = safetensors.WriteTensor{Shape: t.Shape, Data: t.Data}
	}
	return safetensors.Write(path, tensors, map[string]string{"loom.adapter_name": name})
}

// Info summarizes one loaded adapter.
type Info struct {
	Name     string         `json:"name"`
	Active   bool           `json:"active"`
	NormOnly bool           `json:"norm_only,omitempty"`
	Ranks    map[string]int `json:"ranks,omitempty"`
}

// Adapters lists loaded adapters in load order.
func (mgr *Manager) Adapters() []Info {
	infos := make([]Info, 0, len(mgr.names))
	for _, name := range mgr.names {
		cfg := mgr.configs[name]
		info := Info{Name: name, Active: slices.Contains(mgr.active, name)}
		if cfg == nil {
			info.NormOnly = true
		} else if len(cfg.RankPattern) > 0 {
			info.Ranks = cfg.RankPattern
		} else {
			info.Ranks = map[string]int{"*": cfg.Rank}
		}
		infos = append(infos, info)
	}
	return infos
}

func (mgr *Manager) check() error {
	if mgr == nil || mgr.model == nil {
		return ErrNoModel
	}
	return nil
}

func (mgr *Manager) known(names ...string) error {
	loaded := slices.Clone(mgr.names)
	sort.Strings(loaded)
	for _, name := range names {
		if _, ok := mgr.configs[name]; !ok {
			return fmt.Errorf("%w: %s (loaded: %s)", lora.ErrUnknownAdapter, name, strings.Join(loaded, ", "))
		}
	}
	return nil
}

func (mgr *Manager) nextName() string {
	for i := 0; ; i++ {
		name := fmt.Sprintf("default_%d", i)
		if _, ok := mgr.configs[name]; !ok {
			return name
		}
	}
}
