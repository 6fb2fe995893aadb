package manager

import (
	"context"

	"github.com/samber/lo"

	"go.viam.com/ctrlmgr/controller"
)

// Preemption records a controller stopped to make room for another.
type Preemption struct {
	Name    string   `json:"name"`
	Handles []string `json:"handles"`
	// StopError is set when the preempted controller's Stop failed. It was stopped regardless.
	StopError string `json:"stop_error,omitempty"`
}

// StartReport describes the side effects of RequestStart.
type StartReport struct {
	AlreadyActive bool         `json:"already_active,omitempty"`
	Preempted     []Preemption `json:"preempted,omitempty"`
}

// RequestStart makes the controller called name Active. Any Active controller claiming one of
// the same handles is stopped first, in load order, so no handle is ever claimed by two Active
// controllers. Starting an Active controller is a no-op. If the controller's Start fails it stays
// Stopped and the preempted controllers are not restarted.
//
// The manager lock is held across the conflicting stops and the start, so an Update tick can wait
// for up to one Stop per preempted controller plus one Start.
func (m *Manager) RequestStart(ctx context.Context, name string) (StartReport, error) {
	defer m.applyDeferredStops(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	var report StartReport
	e, ok := m.byName[name]
	if !ok {
		return report, controller.NewNotFoundError(name)
	}
	if e.state == controller.Active {
		report.AlreadyActive = true
		return report, nil
	}

	claimed := lo.Uniq(e.ctrl.ClaimedNames())
	for _, other := range m.entries {
		if other == e || other.state != controller.Active {
			continue
		}
		overlap := lo.Intersect(claimed, other.ctrl.ClaimedNames())
		if len(overlap) == 0 {
			continue
		}
		m.logger.CWarnw(ctx, "preempting controller",
			"controller", other.ctrl.Name(),
			"reason", controller.NewConflictError(name, other.ctrl.Name(), overlap))
		preemption := Preemption{Name: other.ctrl.Name(), Handles: overlap}
		if err := m.call(other, func() error { return other.ctrl.Stop(ctx, false) }); err != nil {
			preemption.StopError = err.Error()
			m.logger.CWarnw(ctx, "preempted controller did not stop cleanly", "controller", other.ctrl.Name(), "error", err)
		}
		m.setState(other, controller.Stopped)
		report.Preempted = append(report.Preempted, preemption)
	}

	if err := m.call(e, func() error { return e.ctrl.Start(ctx) }); err != nil {
		m.setState(e, controller.Stopped)
		m.logger.CErrorw(ctx, "failed to start controller", "controller", name, "error", err)
		return report, controller.NewStartError(name, err)
	}
	m.setState(e, controller.Active)
	m.logger.CDebugw(ctx, "started controller", "controller", name)
	return report, nil
}

// RequestStop makes the controller called name Stopped. Stopping a controller that is not Active
// is a no-op. The controller always ends up Stopped; a failing Stop is reported as an error
// wrapping controller.ErrStopFailed.
func (m *Manager) RequestStop(ctx context.Context, name string) error {
	defer m.applyDeferredStops(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopInLock(ctx, name)
}

func (m *Manager) stopInLock(ctx context.Context, name string) error {
	e, ok := m.byName[name]
	if !ok {
		return controller.NewNotFoundError(name)
	}
	if e.state != controller.Active {
		return nil
	}
	err := m.call(e, func() error { return e.ctrl.Stop(ctx, true) })
	m.setState(e, controller.Stopped)
	if err != nil {
		m.logger.CWarnw(ctx, "controller did not stop cleanly", "controller", name, "error", err)
		return controller.NewStopError(name, err)
	}
	m.logger.CDebugw(ctx, "stopped controller", "controller", name)
	return nil
}

// entryStopper is the Stopper handed to a controller at Init. While the manager is inside one of
// that controller's methods, and therefore holds mu, requests are queued instead of applied.
// Every operation that calls into a controller drains the queue before returning.
type entryStopper struct {
	m *Manager
	e *entry
}

func (s *entryStopper) RequestStop(ctx context.Context, name string) error {
	if s.m.deferStopIfBusy(s.e, name) {
		return nil
	}
	return s.m.RequestStop(ctx, name)
}

// deferStopIfBusy queues a stop of name if e is inside a call. busy only changes under
// deferredMu, so a queued request is always seen by the drain that follows that call.
func (m *Manager) deferStopIfBusy(e *entry, name string) bool {
	m.deferredMu.Lock()
	defer m.deferredMu.Unlock()
	if !e.busy.Load() {
		return false
	}
	m.deferredStops = append(m.deferredStops, name)
	return true
}

func (m *Manager) setBusy(e *entry, busy bool) {
	m.deferredMu.Lock()
	e.busy.Store(busy)
	m.deferredMu.Unlock()
}

// applyDeferredStops drains the queued stop requests. mu must not be held.
func (m *Manager) applyDeferredStops(ctx context.Context) {
	for {
		m.deferredMu.Lock()
		pending := m.deferredStops
		m.deferredStops = nil
		m.deferredMu.Unlock()
		if len(pending) == 0 {
			return
		}
		for _, name := range lo.Uniq(pending) {
			m.mu.Lock()
			if err := m.stopInLock(ctx, name); err != nil {
				m.logger.CWarnw(ctx, "deferred stop request failed", "controller", name, "error", err)
			}
			m.mu.Unlock()
		}
	}
}
