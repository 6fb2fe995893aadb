package manager

import (
	"context"
	"time"

	"go.uber.org/multierr"

	"go.viam.com/ctrlmgr/controller"
)

// Update runs one tick: every joint command is cleared, then each Active controller is updated in
// load order. A controller whose Update fails or panics is forcibly stopped and the tick carries
// on with the others.
func (m *Manager) Update(now time.Time, dt time.Duration) {
	m.handles.ResetCommands()
	for _, e := range m.snapshot() {
		m.updateOne(e, now, dt)
	}
	m.applyDeferredStops(context.Background())
}

func (m *Manager) updateOne(e *entry, now time.Time, dt time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.state != controller.Active {
		return
	}
	err := m.call(e, func() error { return e.ctrl.Update(now, dt) })
	if err == nil {
		return
	}

	name := e.ctrl.Name()
	e.faults++
	m.observer.Fault(name)
	m.logger.Errorw("controller faulted during update; stopping it",
		"controller", name, "error", controller.NewRuntimeFaultError(name, err), "faults", e.faults)
	if stopErr := m.call(e, func() error { return e.ctrl.Stop(context.Background(), true) }); stopErr != nil {
		m.logger.Warnw("faulted controller did not stop cleanly", "controller", name, "error", stopErr)
	}
	m.setState(e, controller.Stopped)
	for _, claimed := range e.ctrl.CommandedNames() {
		if j, ok := m.handles.Joint(claimed); ok {
			j.ResetCommand()
		}
	}
}

// Reset stops every Active controller and resets it, leaving no controller Active. Every
// controller is attempted; failures are aggregated into the returned error.
func (m *Manager) Reset(ctx context.Context) error {
	var errs error
	for _, e := range m.snapshot() {
		errs = multierr.Append(errs, m.resetOne(ctx, e))
	}
	m.handles.ResetCommands()
	m.applyDeferredStops(ctx)
	return errs
}

func (m *Manager) resetOne(ctx context.Context, e *entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.state != controller.Active {
		return nil
	}
	name := e.ctrl.Name()
	var errs error
	if err := m.call(e, func() error { return e.ctrl.Stop(ctx, true) }); err != nil {
		errs = multierr.Append(errs, controller.NewStopError(name, err))
	}
	m.setState(e, controller.Stopped)
	if err := m.call(e, func() error { return e.ctrl.Reset(ctx) }); err != nil {
		errs = multierr.Append(errs, err)
	}
	if errs != nil {
		m.logger.CWarnw(ctx, "controller did not reset cleanly", "controller", name, "error", errs)
	}
	return errs
}
