// Package manager arbitrates which controllers may drive the robot's handles and runs the active
// ones once per tick.
//
// All Active/Stopped transitions happen under a single mutex that is held for one controller's
// Start, Stop or Update call at a time, so the periodic update never waits longer than one
// controller call for a request in progress, and vice versa.
package manager

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"go.viam.com/ctrlmgr/controller"
	"go.viam.com/ctrlmgr/handle"
	"go.viam.com/ctrlmgr/logging"
)

// Observer is notified of state transitions and faults. Calls are made with the transition mutex
// held and must not block.
type Observer interface {
	Transition(name string, from, to controller.State)
	Fault(name string)
}

type noopObserver struct{}

func (noopObserver) Transition(string, controller.State, controller.State) {}
func (noopObserver) Fault(string)                                          {}

// Option configures a Manager.
type Option func(*Manager)

// WithObserver installs an observer, e.g. the metrics collector.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		m.observer = o
	}
}

type entry struct {
	ctrl   controller.Controller
	state  controller.State
	faults int

	// busy is set while the manager is inside one of the controller's methods. Stop requests the
	// controller makes for itself in that window are deferred. Written under Manager.deferredMu.
	busy atomic.Bool
}

// Manager owns the loaded controllers and the handle registry.
type Manager struct {
	logger   logging.Logger
	handles  *handle.Registry
	loader   controller.Loader
	observer Observer

	// mu guards entries, byName and every entry's state and faults.
	mu      sync.Mutex
	entries []*entry
	byName  map[string]*entry

	// loadMu serializes loads; instantiation and Init run outside mu.
	loadMu sync.Mutex

	deferredMu    sync.Mutex
	deferredStops []string
}

// New returns a manager with no controllers loaded.
func New(handles *handle.Registry, loader controller.Loader, logger logging.Logger, opts ...Option) *Manager {
	m := &Manager{
		logger:   logger,
		handles:  handles,
		loader:   loader,
		observer: noopObserver{},
		byName:   map[string]*entry{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Init loads the given controllers in order and then starts the defaults in order. A controller
// that fails to load or start is logged and skipped; the returned error aggregates those failures
// and is never a reason to stop the manager.
func (m *Manager) Init(ctx context.Context, names, defaults []string) error {
	var errs error
	for _, name := range names {
		if err := m.Load(ctx, name); err != nil {
			m.logger.CErrorw(ctx, "failed to load controller", "controller", name, "error", err)
			errs = multierr.Append(errs, err)
		}
	}
	for _, name := range defaults {
		if _, err := m.RequestStart(ctx, name); err != nil {
			m.logger.CErrorw(ctx, "failed to start default controller", "controller", name, "error", err)
			errs = multierr.Append(errs, err)
		}
	}
	m.logger.CDebugw(ctx, "controller manager initialized", "loaded", m.Names(), "active", m.Active())
	return errs
}

// Close stops every active controller.
func (m *Manager) Close(ctx context.Context) error {
	return m.Reset(ctx)
}

// Handles returns the handle registry.
func (m *Manager) Handles() *handle.Registry {
	return m.handles
}

// AddJointHandle registers a joint. It returns false on a duplicate name.
func (m *Manager) AddJointHandle(j handle.Joint) bool {
	return m.handles.AddJoint(j)
}

// AddGyroHandle registers a gyro. It returns false on a duplicate name.
func (m *Manager) AddGyroHandle(g handle.Gyro) bool {
	return m.handles.AddGyro(g)
}

// GetHandle returns the handle of any kind registered under name.
func (m *Manager) GetHandle(name string) (handle.Handle, error) {
	h, ok := m.handles.Lookup(name)
	if !ok {
		return nil, controller.NewHandleNotFoundError(name)
	}
	return h, nil
}

// GetJointHandle returns the joint registered under name.
func (m *Manager) GetJointHandle(name string) (handle.Joint, error) {
	if j, ok := m.handles.Joint(name); ok {
		return j, nil
	}
	if _, ok := m.handles.Lookup(name); ok {
		return nil, controller.NewUnexpectedHandleKindError(name, string(handle.KindJoint))
	}
	return nil, controller.NewHandleNotFoundError(name)
}

// GetGyroHandle returns the gyro registered under name.
func (m *Manager) GetGyroHandle(name string) (handle.Gyro, error) {
	if g, ok := m.handles.Gyro(name); ok {
		return g, nil
	}
	if _, ok := m.handles.Lookup(name); ok {
		return nil, controller.NewUnexpectedHandleKindError(name, string(handle.KindGyro))
	}
	return nil, controller.NewHandleNotFoundError(name)
}

// State returns the status of every loaded controller in load order.
func (m *Manager) State() []controller.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	statuses := make([]controller.Status, 0, len(m.entries))
	for _, e := range m.entries {
		statuses = append(statuses, controller.Status{
			Name:    e.ctrl.Name(),
			Type:    e.ctrl.Type(),
			State:   e.state,
			Claimed: append([]string(nil), e.ctrl.ClaimedNames()...),
			Faults:  e.faults,
		})
	}
	return statuses
}

// StateOf returns the state of one controller.
func (m *Manager) StateOf(name string) (controller.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byName[name]
	if !ok {
		return controller.Uninitialized, controller.NewNotFoundError(name)
	}
	return e.state, nil
}

// Active returns the names of the active controllers in load order.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for _, e := range m.entries {
		if e.state == controller.Active {
			names = append(names, e.ctrl.Name())
		}
	}
	return names
}

// setState transitions e and notifies the observer. mu must be held.
func (m *Manager) setState(e *entry, to controller.State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	m.observer.Transition(e.ctrl.Name(), from, to)
}

// call runs f, one of e's controller methods, converting a panic into an error.
func (m *Manager) call(e *entry, f func() error) (err error) {
	m.setBusy(e, true)
	defer m.setBusy(e, false)
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()
	return f()
}
