package manager

import (
	"context"

	"github.com/pkg/errors"

	"go.viam.com/ctrlmgr/controller"
)

// Load instantiates the controller called name through the loader, initializes it against the
// handle registry and records it as Initialized. On any failure the controller is discarded.
func (m *Manager) Load(ctx context.Context, name string) error {
	return m.load(ctx, name, func() (controller.Controller, error) {
		return m.loader.Instantiate(ctx, name)
	})
}

// LoadType is like Load for a controller that may not be configured, built from an explicit type.
// It requires a controller.TypedLoader.
func (m *Manager) LoadType(ctx context.Context, name, typ string) error {
	typed, ok := m.loader.(controller.TypedLoader)
	if !ok {
		return controller.NewInitializationError(name, errors.New("loader cannot build controllers by type"))
	}
	return m.load(ctx, name, func() (controller.Controller, error) {
		return typed.InstantiateType(ctx, name, typ)
	})
}

func (m *Manager) load(ctx context.Context, name string, instantiate func() (controller.Controller, error)) error {
	defer m.applyDeferredStops(ctx)
	m.loadMu.Lock()
	defer m.loadMu.Unlock()

	if _, ok := m.Find(name); ok {
		return errors.Wrapf(controller.ErrAlreadyLoaded, "controller %q", name)
	}

	ctrl, err := instantiate()
	if err != nil {
		return controller.NewInitializationError(name, err)
	}
	if ctrl == nil {
		return controller.NewInitializationError(name, errors.New("loader returned no controller"))
	}
	if ctrl.Name() != name {
		return controller.NewInitializationError(name, errors.Errorf("loader returned controller named %q", ctrl.Name()))
	}

	e := &entry{ctrl: ctrl, state: controller.Uninitialized}
	deps := controller.Dependencies{
		Handles: m.handles,
		Stopper: &entryStopper{m: m, e: e},
	}
	if err := m.call(e, func() error { return ctrl.Init(ctx, deps) }); err != nil {
		return controller.NewInitializationError(name, err)
	}

	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.byName[name] = e
	m.setState(e, controller.Initialized)
	m.mu.Unlock()

	m.logger.CDebugw(ctx, "loaded controller", "controller", name, "type", ctrl.Type(), "claims", ctrl.ClaimedNames())
	return nil
}

// Find returns the loaded controller called name.
func (m *Manager) Find(name string) (controller.Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byName[name]
	if !ok {
		return nil, false
	}
	return e.ctrl, true
}

// Names returns the loaded controller names in load order.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		names = append(names, e.ctrl.Name())
	}
	return names
}

// entries snapshot, in load order. Entries are never removed, so the snapshot stays valid.
func (m *Manager) snapshot() []*entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*entry(nil), m.entries...)
}
